// Package controlplane implements the HTTP surface of the dispatch control
// plane (spec §6.1): createDispatch, getDispatch, cancelDispatch,
// listDispatches, getArtifacts, fleetStatus.
//
// The teacher's own internal/api/controlplane/handlers.go routes on a bare
// stdlib net/http.ServeMux with r.PathValue. This package instead follows
// the go-chi/chi router idiom (middleware.Logger/Recoverer/RequestID,
// chi.URLParam) from the agentic-tenancy orchestrator's internal/api, since
// that is the concrete pack precedent for a chi-based control plane and
// go-chi/chi and go-chi/cors are declared dependencies that need a home.
package controlplane

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/dispatchd/dispatchd/internal/artifact"
	"github.com/dispatchd/dispatchd/internal/dispatcher"
	"github.com/dispatchd/dispatchd/internal/dispatcherr"
	"github.com/dispatchd/dispatchd/internal/dispatchlog"
	"github.com/dispatchd/dispatchd/internal/domain"
	"github.com/dispatchd/dispatchd/internal/fleetmetrics"
	"github.com/dispatchd/dispatchd/internal/logging"
	"github.com/dispatchd/dispatchd/internal/runtime"
	"github.com/dispatchd/dispatchd/internal/store"
	"github.com/dispatchd/dispatchd/internal/telemetry"
)

// defaultPresignTTL is used when getArtifacts omits expiresIn.
const defaultPresignTTL = 15 * time.Minute

// maxPresignTTL bounds a caller-supplied expiresIn (spec §6.4 presign
// handle, no unbounded-lifetime links).
const maxPresignTTL = 24 * time.Hour

// defaultListLimit / maxListLimit bound listDispatches when the caller
// omits or over-requests a page size.
const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Handler wires the HTTP surface to the core components it fronts.
type Handler struct {
	dispatcher *dispatcher.Dispatcher
	repo       store.DispatchRepository
	blobs      runtime.BlobStore
	logs       dispatchlog.Store
	metrics    *fleetmetrics.FleetMetrics
}

// New builds a Handler.
func New(
	d *dispatcher.Dispatcher,
	repo store.DispatchRepository,
	blobs runtime.BlobStore,
	logs dispatchlog.Store,
	metrics *fleetmetrics.FleetMetrics,
) *Handler {
	return &Handler{dispatcher: d, repo: repo, blobs: blobs, logs: logs, metrics: metrics}
}

// Router returns the chi router with every spec §6.1 route registered,
// plus the tenant-scope middleware every handler relies on.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE"},
		AllowedHeaders: []string{"Content-Type", "X-Dispatchd-Tenant", "X-Dispatchd-Namespace"},
	}))
	r.Use(telemetry.HTTPMiddleware)
	r.Use(tenantScopeMiddleware)

	r.Get("/healthz", h.healthz)
	r.Post("/v1/dispatches", h.createDispatch)
	r.Get("/v1/dispatches", h.listDispatches)
	r.Get("/v1/dispatches/{dispatchID}", h.getDispatch)
	r.Delete("/v1/dispatches/{dispatchID}", h.cancelDispatch)
	r.Get("/v1/dispatches/{dispatchID}/artifacts", h.getArtifacts)
	r.Get("/v1/fleet/status", h.fleetStatus)

	return r
}

// tenantScopeMiddleware resolves the caller's tenant/namespace from request
// headers into context, mirroring the teacher's tenantScopeMiddleware. Real
// authentication (verifying the caller is who the headers claim) happens in
// front-door middleware this package does not implement; by the time a
// request reaches here, X-Dispatchd-Tenant is trusted.
func tenantScopeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get("X-Dispatchd-Tenant")
		namespace := r.Header.Get("X-Dispatchd-Namespace")
		ctx := store.WithTenantScope(r.Context(), tenantID, namespace)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// createDispatchBody is the wire shape of createDispatch (spec §3.1,
// §6.1). TenantID/Namespace are deliberately absent here: they come from
// the tenant-scope middleware, never from the request body, so a caller
// cannot mint requests on another tenant's behalf by setting a field.
type createDispatchBody struct {
	IdempotencyKey string `json:"idempotencyKey,omitempty"`

	Agent   domain.Agent `json:"agent"`
	ModelID string       `json:"modelId"`

	Task   string `json:"task"`
	Repo   string `json:"repo,omitempty"`
	Branch string `json:"branch,omitempty"`

	ContextLevel  domain.ContextLevel  `json:"contextLevel,omitempty"`
	WorkspaceMode domain.WorkspaceMode `json:"workspaceMode,omitempty"`

	TimeoutSeconds int `json:"timeoutSeconds"`

	Constraints *domain.ResourceConstraints `json:"constraints,omitempty"`

	Tags              map[string]string `json:"tags,omitempty"`
	AdditionalSecrets map[string]string `json:"additionalSecrets,omitempty"`
}

type createDispatchResponse struct {
	DispatchID string        `json:"dispatchId"`
	Status     domain.Status `json:"status"`
	Agent      domain.Agent  `json:"agent"`
	ModelID    string        `json:"modelId"`
	Idempotent bool          `json:"idempotent,omitempty"`
}

func (h *Handler) createDispatch(w http.ResponseWriter, r *http.Request) {
	var body createDispatchBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, dispatcherr.New(dispatcherr.Validation, "malformed request body"))
		return
	}

	scope := store.TenantScopeFromContext(r.Context())
	req := &domain.DispatchRequest{
		TenantID:          scope.TenantID,
		Namespace:         scope.Namespace,
		IdempotencyKey:    body.IdempotencyKey,
		Agent:             body.Agent,
		ModelID:           body.ModelID,
		Task:              body.Task,
		Repo:              body.Repo,
		Branch:            body.Branch,
		ContextLevel:      body.ContextLevel,
		WorkspaceMode:     body.WorkspaceMode,
		TimeoutSeconds:    body.TimeoutSeconds,
		Constraints:       body.Constraints,
		Tags:              body.Tags,
		AdditionalSecrets: body.AdditionalSecrets,
	}

	ctx, span := telemetry.StartSpan(r.Context(), "dispatcher.Create",
		telemetry.AttrTenantID.String(scope.TenantID),
		telemetry.AttrAgent.String(string(body.Agent)),
	)
	defer span.End()

	result, err := h.dispatcher.Create(ctx, req)
	if err != nil {
		telemetry.SetSpanError(span, err)
		writeError(w, err)
		return
	}
	span.SetAttributes(telemetry.AttrDispatchID.String(result.Dispatch.DispatchID))
	telemetry.SetSpanOK(span)

	resp := createDispatchResponse{
		DispatchID: result.Dispatch.DispatchID,
		Status:     result.Dispatch.Status,
		Agent:      result.Dispatch.Agent,
		ModelID:    result.Dispatch.ModelID,
		Idempotent: result.Idempotent,
	}
	writeJSON(w, http.StatusCreated, resp)
}

type getDispatchResponse struct {
	*domain.Dispatch
	Logs dispatchlog.Page `json:"logs"`
}

func (h *Handler) getDispatch(w http.ResponseWriter, r *http.Request) {
	scope := store.TenantScopeFromContext(r.Context())
	dispatchID := chi.URLParam(r, "dispatchID")

	d, err := h.repo.Get(r.Context(), scope.TenantID, dispatchID)
	if err != nil {
		writeError(w, classifyLookupErr(err))
		return
	}

	resp := getDispatchResponse{Dispatch: d}

	if r.URL.Query().Get("skipLogs") != "true" {
		offset, _ := strconv.ParseInt(r.URL.Query().Get("logOffset"), 10, 64)
		limit, _ := strconv.Atoi(r.URL.Query().Get("logLimit"))
		page, err := h.logs.Page(r.Context(), dispatchID, offset, limit)
		if err != nil {
			writeError(w, dispatcherr.Wrap(dispatcherr.Transient, "fetch log page", err))
			return
		}
		resp.Logs = page
	}

	writeJSON(w, http.StatusOK, resp)
}

type cancelDispatchResponse struct {
	Status domain.Status `json:"status"`
}

func (h *Handler) cancelDispatch(w http.ResponseWriter, r *http.Request) {
	scope := store.TenantScopeFromContext(r.Context())
	dispatchID := chi.URLParam(r, "dispatchID")

	updated, err := h.dispatcher.Cancel(r.Context(), scope.TenantID, dispatchID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelDispatchResponse{Status: updated.Status})
}

type listDispatchesResponse struct {
	Dispatches []*domain.Dispatch `json:"dispatches"`
	NextCursor string              `json:"nextCursor,omitempty"`
	HasMore    bool                `json:"hasMore"`
}

func (h *Handler) listDispatches(w http.ResponseWriter, r *http.Request) {
	scope := store.TenantScopeFromContext(r.Context())
	q := r.URL.Query()

	limit := defaultListLimit
	if raw := q.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, dispatcherr.New(dispatcherr.Validation, "limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	offset := 0
	if cursor := q.Get("cursor"); cursor != "" {
		parsed, err := strconv.Atoi(cursor)
		if err != nil || parsed < 0 {
			writeError(w, dispatcherr.New(dispatcherr.Validation, "malformed cursor"))
			return
		}
		offset = parsed
	}

	query := store.DispatchQuery{
		TenantID:  scope.TenantID,
		Namespace: scope.Namespace,
		Limit:     limit + 1, // over-fetch by one to detect hasMore
		Offset:    offset,
	}
	if statuses := q.Get("status"); statuses != "" {
		for _, s := range strings.Split(statuses, ",") {
			query.Status = append(query.Status, domain.Status(strings.TrimSpace(s)))
		}
	}
	if agent := q.Get("agent"); agent != "" {
		query.Agent = domain.Agent(agent)
	}

	results, err := h.repo.List(r.Context(), query)
	if err != nil {
		writeError(w, dispatcherr.Wrap(dispatcherr.Transient, "list dispatches", err))
		return
	}

	hasMore := len(results) > limit
	if hasMore {
		results = results[:limit]
	}

	resp := listDispatchesResponse{Dispatches: results, HasMore: hasMore}
	if hasMore {
		resp.NextCursor = strconv.Itoa(offset + limit)
	}
	writeJSON(w, http.StatusOK, resp)
}

type artifactEntry struct {
	Type        string    `json:"type"`
	Handle      string    `json:"handle"`
	ExpiresAt   time.Time `json:"expiresAt"`
	SizeBytes   int64     `json:"sizeBytes"`
	ContentType string    `json:"contentType"`
}

func (h *Handler) getArtifacts(w http.ResponseWriter, r *http.Request) {
	scope := store.TenantScopeFromContext(r.Context())
	dispatchID := chi.URLParam(r, "dispatchID")

	d, err := h.repo.Get(r.Context(), scope.TenantID, dispatchID)
	if err != nil {
		writeError(w, classifyLookupErr(err))
		return
	}
	if !d.Status.Terminal() {
		writeError(w, dispatcherr.New(dispatcherr.Conflict, "dispatch has not reached a terminal state"))
		return
	}
	if d.ArtifactHandle == "" {
		writeJSON(w, http.StatusOK, []artifactEntry{})
		return
	}

	expiresIn := defaultPresignTTL
	if raw := r.URL.Query().Get("expiresIn"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			writeError(w, dispatcherr.New(dispatcherr.Validation, "expiresIn must be a positive integer"))
			return
		}
		expiresIn = time.Duration(seconds) * time.Second
		if expiresIn > maxPresignTTL {
			expiresIn = maxPresignTTL
		}
	}

	manifestBytes, err := h.blobs.Get(r.Context(), d.ArtifactHandle)
	if err != nil {
		writeError(w, dispatcherr.Wrap(dispatcherr.Artifact, "fetch artifact manifest", err))
		return
	}

	var manifest artifact.Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		writeError(w, dispatcherr.Wrap(dispatcherr.Artifact, "decode artifact manifest", err))
		return
	}

	now := time.Now()
	entries := make([]artifactEntry, 0, len(manifest.Artifacts))
	for _, a := range manifest.Artifacts {
		url, err := h.blobs.Presign(r.Context(), a.Handle, expiresIn)
		if err != nil {
			writeError(w, dispatcherr.Wrap(dispatcherr.Artifact, "presign artifact", err))
			return
		}
		entries = append(entries, artifactEntry{
			Type:        a.Type,
			Handle:      url,
			ExpiresAt:   now.Add(expiresIn),
			SizeBytes:   a.SizeBytes,
			ContentType: a.ContentType,
		})
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) fleetStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := h.metrics.Snapshot(r.Context())
	if err != nil {
		writeError(w, dispatcherr.Wrap(dispatcherr.Transient, "capture fleet snapshot", err))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func classifyLookupErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return dispatcherr.Wrap(dispatcherr.NotFound, "dispatch not found", err)
	}
	return dispatcherr.Wrap(dispatcherr.Transient, "get dispatch", err)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Op().Warn("encode response failed", "err", err)
	}
}

type errorResponse struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	RetryHint *int   `json:"retryAfterSeconds,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	var de *dispatcherr.Error
	if !errors.As(err, &de) {
		de = dispatcherr.Wrap(dispatcherr.Internal, "unclassified error", err)
	}
	if de.Kind == dispatcherr.Internal {
		logging.Op().Error("request failed", "err", err)
	}
	writeJSON(w, de.HTTPStatus(), errorResponse{
		Kind:      string(de.Kind),
		Message:   de.Message,
		RetryHint: de.RetryHint,
	})
}
