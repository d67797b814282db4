// Package store holds the durable repository interfaces the control plane
// depends on (DispatchRepository, PoolRepository, IdempotencyStore) and
// their Postgres/Redis implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/dispatchd/dispatchd/internal/domain"
)

// ErrNotFound is returned when a lookup by id finds nothing.
var ErrNotFound = errors.New("store: not found")

// ErrVersionConflict is returned by conditional writes when the caller's
// version does not match the stored version (spec §4.2 optimistic
// concurrency, §7 STALE_VERSION).
var ErrVersionConflict = errors.New("store: version conflict")

// ErrIdempotencyConflict is returned when a (tenant, key) pair is already
// claimed by a different dispatch than the caller's (spec §4.3).
var ErrIdempotencyConflict = errors.New("store: idempotency key claimed by another dispatch")

// DispatchQuery narrows DispatchRepository.List (spec §4.2 queryByTenant /
// queryByStatus / queryByRuntimeHandle / queryByTags).
type DispatchQuery struct {
	TenantID      string
	Namespace     string
	Status        []domain.Status
	Agent         domain.Agent
	RuntimeHandle string
	Tags          map[string]string
	Limit         int
	Offset        int
}

// DispatchRepository is the durable store for Dispatch records (spec §4.2,
// component C2/C3/C4).
type DispatchRepository interface {
	Create(ctx context.Context, d *domain.Dispatch) error
	Get(ctx context.Context, tenantID, dispatchID string) (*domain.Dispatch, error)

	// UpdateConditional applies mutate to the stored record and writes it
	// back only if the stored version still equals d.Version, incrementing
	// the version on success. It returns ErrVersionConflict on a stale
	// write (spec §4.2, §7).
	UpdateConditional(ctx context.Context, tenantID, dispatchID string, expectedVersion int, mutate func(d *domain.Dispatch) error) (*domain.Dispatch, error)

	List(ctx context.Context, q DispatchQuery) ([]*domain.Dispatch, error)

	// CountActive returns the number of non-terminal dispatches owned by
	// tenantID, for the Dispatcher's per-tenant admission check (spec §4.6
	// step 3).
	CountActive(ctx context.Context, tenantID string) (int, error)

	// ListRunningOlderThan returns non-terminal dispatches whose StartedAt
	// (or CreatedAt, if not yet started) predates cutoff, for the zombie
	// sweeper (spec §4.8).
	ListRunningOlderThan(ctx context.Context, cutoff time.Time) ([]*domain.Dispatch, error)

	// CountByAgentAndStatusSince returns, for every (agent, status) pair
	// with at least one dispatch created at or after since, the number of
	// matching dispatches — the fleet-wide (not tenant-scoped) aggregate
	// FleetMetrics needs for its "dispatch counts by status in the last
	// hour" snapshot field (spec §4.9).
	CountByAgentAndStatusSince(ctx context.Context, since time.Time) (map[domain.Agent]map[domain.Status]int, error)
}

// PoolRepository is the durable store for warm pool slots (spec §4.4,
// component C8).
type PoolRepository interface {
	CreateSlot(ctx context.Context, slot *domain.PoolSlot) error
	GetSlot(ctx context.Context, slotID string) (*domain.PoolSlot, error)

	// UpdateSlotConditional mirrors DispatchRepository.UpdateConditional
	// for pool slots.
	UpdateSlotConditional(ctx context.Context, slotID string, expectedVersion int, mutate func(s *domain.PoolSlot) error) (*domain.PoolSlot, error)

	// AcquireWarmSlot atomically claims one WARM slot for agent and marks
	// it ACQUIRED by acquiredBy, returning nil, nil if none are available
	// (spec §4.4 acquire).
	AcquireWarmSlot(ctx context.Context, agent domain.Agent, acquiredBy string) (*domain.PoolSlot, error)

	ListSlots(ctx context.Context, agent domain.Agent, states []domain.SlotState) ([]*domain.PoolSlot, error)
	DeleteSlot(ctx context.Context, slotID string) error

	// FindSlotByRuntimeHandle looks up the slot backing a given runtime
	// handle, returning nil, nil if the handle was a cold launch with no
	// pool slot (spec §4.7 step 5: "WarmPool.release(runtimeHandle, ...)").
	FindSlotByRuntimeHandle(ctx context.Context, runtimeHandle string) (*domain.PoolSlot, error)
}

// IdempotencyStore deduplicates createDispatch calls on (tenantId,
// idempotencyKey) (spec §3.3, §4.3, component part of C10).
type IdempotencyStore interface {
	// Claim atomically associates (tenantID, key) with dispatchID if the
	// pair is unclaimed or its claim has expired. It returns the
	// dispatchID that ultimately owns the claim (either the caller's, on a
	// fresh claim, or the existing owner's, on a replay) and whether the
	// claim was newly created.
	Claim(ctx context.Context, tenantID, key, dispatchID string, ttl time.Duration) (ownerDispatchID string, claimed bool, err error)

	// Lookup returns the dispatchID owning (tenantID, key), or ErrNotFound.
	Lookup(ctx context.Context, tenantID, key string) (string, error)

	Release(ctx context.Context, tenantID, key string) error
}
