// Package workspace decides the mount strategy for a dispatch's worker and
// emits the MountSpec list TaskLauncher attaches to the launch spec
// (spec §4.5 "Workspace mount", component C7).
package workspace

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/jackc/pgx/v5"

	"github.com/dispatchd/dispatchd/internal/domain"
	"github.com/dispatchd/dispatchd/internal/logging"
	"github.com/dispatchd/dispatchd/internal/runtime"
	"github.com/dispatchd/dispatchd/internal/store"
)

// LockBeginner opens a transaction the Handler can hold an advisory lock
// on for the lifetime of a persistent-workspace dispatch. Satisfied by
// *store.PostgresStore.
type LockBeginner interface {
	BeginTx(ctx context.Context) (pgx.Tx, error)
}

// Handler composes the mount spec for a dispatch's workspace mode and, for
// persistent mode, serializes concurrent access to the same (tenantId,
// repoSlug) working tree (spec §9 OQ2: "declare persistent mode
// single-writer").
type Handler struct {
	baseDir string
	locker  LockBeginner
}

// New builds a Handler rooted at baseDir (where ephemeral and persistent
// working trees live on the node shared with the container runtime).
func New(baseDir string, locker LockBeginner) *Handler {
	return &Handler{baseDir: baseDir, locker: locker}
}

// Lease holds the transaction backing a persistent workspace's advisory
// lock; the caller must call Release once the launch attempt returns
// (success or failure), or the lock leaks for the transaction's lifetime.
type Lease struct {
	tx pgx.Tx
}

// Release commits the lease's transaction, dropping the advisory lock.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil || l.tx == nil {
		return nil
	}
	return l.tx.Commit(ctx)
}

// Resolve computes the mount spec for d's workspace mode (spec §4.5):
//   - none: no mount.
//   - minimal, full: the per-dispatch directory baseDir/ephemeral/<dispatchId>
//     mounted at /workspace. Both modes get the same mount, and Resolve
//     does not clone the repo into it.
//   - persistent: a named volume keyed by (tenantId, repoSlug), held
//     exclusively for the duration of the launch attempt via a Postgres
//     advisory lock (OQ2 decision). The returned Lease must be released by
//     the caller once the launch call returns, success or failure.
func (h *Handler) Resolve(ctx context.Context, d *domain.Dispatch) ([]runtime.MountSpec, *Lease, error) {
	switch d.WorkspaceMode {
	case domain.WorkspaceNone, "":
		return nil, nil, nil

	case domain.WorkspaceMinimal:
		dir := filepath.Join(h.baseDir, "ephemeral", d.DispatchID)
		return []runtime.MountSpec{{Source: dir, Target: "/workspace", ReadOnly: false}}, nil, nil

	case domain.WorkspaceFull:
		dir := filepath.Join(h.baseDir, "ephemeral", d.DispatchID)
		return []runtime.MountSpec{{Source: dir, Target: "/workspace", ReadOnly: false}}, nil, nil

	case domain.WorkspacePersistent:
		return h.resolvePersistent(ctx, d)

	default:
		return nil, nil, fmt.Errorf("unknown workspace mode %q", d.WorkspaceMode)
	}
}

func (h *Handler) resolvePersistent(ctx context.Context, d *domain.Dispatch) ([]runtime.MountSpec, *Lease, error) {
	slug := repoSlug(d.Repo)
	lockName := fmt.Sprintf("workspace:%s:%s", d.TenantID, slug)

	tx, err := h.locker.BeginTx(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin workspace lock tx: %w", err)
	}

	if err := store.AcquireNamedLock(ctx, tx, lockName); err != nil {
		_ = tx.Rollback(ctx)
		return nil, nil, fmt.Errorf("acquire persistent workspace lock: %w", err)
	}

	dir := filepath.Join(h.baseDir, "persistent", d.TenantID, slug)
	logging.Op().Info("persistent workspace locked", "tenant_id", d.TenantID, "repo_slug", slug, "dispatch_id", d.DispatchID)

	mounts := []runtime.MountSpec{{Source: dir, Target: "/workspace", ReadOnly: false}}
	return mounts, &Lease{tx: tx}, nil
}

func repoSlug(repo string) string {
	if repo == "" {
		return "none"
	}
	slug := repo
	slug = filepath.Base(slug)
	return slug
}
