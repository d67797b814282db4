// Package domain holds the core entities of the dispatch control plane:
// the Dispatch state machine (spec §3.1/§4.1), pool slots (§3.2), and the
// idempotency record (§3.3).
package domain

import (
	"fmt"
	"time"
)

// Agent is a named worker class; the closed set is configured per
// deployment (spec GLOSSARY: Agent).
type Agent string

const (
	AgentClaude Agent = "claude"
	AgentCodex  Agent = "codex"
	AgentGemini Agent = "gemini"
	AgentAider  Agent = "aider"
	AgentGrok   Agent = "grok"
)

// ContextLevel controls how much repository context is assembled for the
// agent before it runs.
type ContextLevel string

const (
	ContextMinimal  ContextLevel = "minimal"
	ContextStandard ContextLevel = "standard"
	ContextFull     ContextLevel = "full"
)

// WorkspaceMode selects the mount strategy the WorkspaceHandler composes.
type WorkspaceMode string

const (
	WorkspaceNone       WorkspaceMode = "none"
	WorkspaceMinimal    WorkspaceMode = "minimal"
	WorkspaceFull       WorkspaceMode = "full"
	WorkspacePersistent WorkspaceMode = "persistent"
)

// ModelTier is a caller-facing alias that resolves to a concrete model id
// via a per-agent registry (spec §4.6 step 2, GLOSSARY: Tier alias).
type ModelTier string

const (
	TierFlagship ModelTier = "flagship"
	TierBalanced ModelTier = "balanced"
	TierFast     ModelTier = "fast"
)

// Status is the dispatch lifecycle state (spec §4.1).
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusProvisioning Status = "PROVISIONING"
	StatusRunning      Status = "RUNNING"
	StatusCompleting   Status = "COMPLETING"
	StatusSuccess      Status = "SUCCESS"
	StatusFailed       Status = "FAILED"
	StatusTimeout      Status = "TIMEOUT"
	StatusCancelled    Status = "CANCELLED"
)

// Terminal reports whether status is one that freezes the record.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// transitions enumerates every legal successor set from spec §4.1.
var transitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusProvisioning: true,
		StatusCancelled:    true,
		StatusFailed:       true,
	},
	StatusProvisioning: {
		StatusRunning:   true,
		StatusFailed:    true,
		StatusTimeout:   true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleting: true,
		StatusFailed:     true,
		StatusTimeout:    true,
		StatusCancelled:  true,
	},
	StatusCompleting: {
		StatusSuccess: true,
		StatusFailed:  true,
	},
}

// CanTransition reports whether from -> to is a legal transition. A
// transition to the same terminal status is never "legal" here even though
// the reconciler treats it as an idempotent replay at a higher level (spec
// §4.7 step 3) — that check is made by the caller before invoking
// CanTransition, not by the state machine itself.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	succ, ok := transitions[from]
	if !ok {
		return false
	}
	return succ[to]
}

// ErrInvalidTransition is returned by ValidateTransition.
type ErrInvalidTransition struct {
	From, To Status
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid dispatch transition %s -> %s", e.From, e.To)
}

// ValidateTransition returns an *ErrInvalidTransition if from->to is not a
// legal transition under the state machine in spec §4.1.
func ValidateTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return &ErrInvalidTransition{From: from, To: to}
	}
	return nil
}

// ResourceConstraints bounds a dispatch's container footprint (spec §3.1).
type ResourceConstraints struct {
	MaxMemoryMB int `json:"max_memory_mb,omitempty"`
	MaxCPUUnits int `json:"max_cpu_units,omitempty"`
	MaxDiskGB   int `json:"max_disk_gb,omitempty"`
}

// Dispatch is the central entity of the control plane (spec §3.1).
type Dispatch struct {
	DispatchID     string `json:"dispatch_id"`
	TenantID       string `json:"tenant_id"`
	Namespace      string `json:"namespace"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	Agent   Agent  `json:"agent"`
	ModelID string `json:"model_id"`

	Task   string `json:"task"`
	Repo   string `json:"repo,omitempty"`
	Branch string `json:"branch,omitempty"`

	ContextLevel  ContextLevel  `json:"context_level"`
	WorkspaceMode WorkspaceMode `json:"workspace_mode"`

	TimeoutSeconds int                  `json:"timeout_seconds"`
	Constraints    *ResourceConstraints `json:"constraints,omitempty"`
	Tags           map[string]string    `json:"tags,omitempty"`

	AdditionalSecrets map[string]string `json:"additional_secrets,omitempty"`

	Status Status `json:"status"`

	RuntimeHandle string `json:"runtime_handle,omitempty"`
	ExitCode      *int   `json:"exit_code,omitempty"`
	ErrorKind     string `json:"error_kind,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
	ArtifactHandle string `json:"artifact_handle,omitempty"`

	Version int `json:"version"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	TTL       time.Time  `json:"ttl"`
}

// DefaultIdempotencyTTL is the default dedup window for (tenantId, key)
// (spec §3.3, §4.3).
const DefaultIdempotencyTTL = 24 * time.Hour

// DefaultDispatchTTL is the default record-retention window (spec §3.1).
const DefaultDispatchTTL = 30 * 24 * time.Hour

// MinTaskLen / MaxTaskLen bound the task text (spec §3.1, B2).
const (
	MinTaskLen = 10
	MaxTaskLen = 50000
)

// MinTimeoutSeconds / MaxTimeoutSeconds bound timeoutSeconds (spec §3.1, B1).
const (
	MinTimeoutSeconds = 30
	MaxTimeoutSeconds = 86400
)
