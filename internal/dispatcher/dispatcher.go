// Package dispatcher implements Dispatcher (spec §4.6, component C10): the
// request-path orchestrator that validates a createDispatch call, runs
// admission control, dedupes on idempotencyKey, persists the PENDING
// record, acquires a warm slot or falls back to a cold launch, and performs
// the conditional PENDING→PROVISIONING transition.
//
// Adapted from the teacher's executor.Invoke pipeline shape
// (internal/executor/executor.go): a single entry point, sequential
// pre-checks before any mutation, and "every failure after the point of no
// return leaves a terminal record" in place of the teacher's "evict the VM
// on any execution error".
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dispatchd/dispatchd/internal/dispatcherr"
	"github.com/dispatchd/dispatchd/internal/domain"
	"github.com/dispatchd/dispatchd/internal/idgen"
	"github.com/dispatchd/dispatchd/internal/launcher"
	"github.com/dispatchd/dispatchd/internal/logging"
	"github.com/dispatchd/dispatchd/internal/pool"
	"github.com/dispatchd/dispatchd/internal/runtime"
	"github.com/dispatchd/dispatchd/internal/store"
	"github.com/dispatchd/dispatchd/internal/workspace"
)

// CreateResult is the outcome of Create: the resulting record, and whether
// it was returned via an idempotent replay rather than freshly created.
type CreateResult struct {
	Dispatch   *domain.Dispatch
	Idempotent bool
}

// TaskLauncher is the narrow launch capability Dispatcher depends on,
// satisfied by *launcher.Launcher. Kept as an interface so dispatcher tests
// can substitute a fake without standing up a real runtime/workspace/secrets
// stack.
type TaskLauncher interface {
	Launch(ctx context.Context, d *domain.Dispatch, slot *domain.PoolSlot) (*launcher.Result, error)
}

// Dispatcher orchestrates the request path (spec §4.6).
type Dispatcher struct {
	repo        store.DispatchRepository
	idempotency store.IdempotencyStore
	pool        *pool.WarmPool
	launcher    TaskLauncher
	registry    *launcher.AgentRegistry
	runtime     runtime.ContainerRuntime
	clock       *idgen.Clock
	quota       Quota
}

// New builds a Dispatcher.
func New(
	repo store.DispatchRepository,
	idempotency store.IdempotencyStore,
	warmPool *pool.WarmPool,
	taskLauncher TaskLauncher,
	registry *launcher.AgentRegistry,
	rt runtime.ContainerRuntime,
	clock *idgen.Clock,
	quota Quota,
) *Dispatcher {
	return &Dispatcher{
		repo:        repo,
		idempotency: idempotency,
		pool:        warmPool,
		launcher:    taskLauncher,
		registry:    registry,
		runtime:     rt,
		clock:       clock,
		quota:       quota,
	}
}

// Create runs the full request algorithm (spec §4.6 steps 1-9).
func (d *Dispatcher) Create(ctx context.Context, req *domain.DispatchRequest) (*CreateResult, error) {
	// Step 1: validate.
	if err := domain.ValidateDispatchRequest(req); err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.Validation, "validate request", err)
	}

	// Step 2: resolve modelId.
	concreteModel, err := d.registry.ResolveModel(req.Agent, req.ModelID)
	if err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.Validation, "resolve model", err)
	}

	// Step 3: admission control.
	active, err := d.repo.CountActive(ctx, req.TenantID)
	if err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.Transient, "count active dispatches", err)
	}
	if limit := d.quota.For(req.TenantID); active >= limit {
		return nil, dispatcherr.New(dispatcherr.Quota, fmt.Sprintf("tenant %s at concurrency quota %d", req.TenantID, limit)).WithRetryAfter(30)
	}

	dispatchID := idgen.MustNew(d.clock, "dsp")

	// Step 4: idempotency claim.
	if req.IdempotencyKey != "" {
		owner, claimed, err := d.idempotency.Claim(ctx, req.TenantID, req.IdempotencyKey, dispatchID, domain.DefaultIdempotencyTTL)
		if err != nil {
			return nil, dispatcherr.Wrap(dispatcherr.Transient, "claim idempotency key", err)
		}
		if !claimed {
			existing, err := d.repo.Get(ctx, req.TenantID, owner)
			if err != nil {
				return nil, dispatcherr.Wrap(dispatcherr.Transient, "fetch idempotent record", err)
			}
			return &CreateResult{Dispatch: existing, Idempotent: true}, nil
		}
	}

	// Step 5: persist PENDING record (version=1).
	now := d.clock.Now()
	record := &domain.Dispatch{
		DispatchID:        dispatchID,
		TenantID:          req.TenantID,
		Namespace:         req.Namespace,
		IdempotencyKey:    req.IdempotencyKey,
		Agent:             req.Agent,
		ModelID:           concreteModel,
		Task:              req.Task,
		Repo:              req.Repo,
		Branch:            req.Branch,
		ContextLevel:      req.ContextLevel,
		WorkspaceMode:     req.WorkspaceMode,
		TimeoutSeconds:    req.TimeoutSeconds,
		Constraints:       req.Constraints,
		Tags:              req.Tags,
		AdditionalSecrets: req.AdditionalSecrets,
		Status:            domain.StatusPending,
		Version:           1,
		CreatedAt:         now,
		TTL:               now.Add(domain.DefaultDispatchTTL),
	}
	if err := d.repo.Create(ctx, record); err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.Internal, "persist pending record", err)
	}

	// Step 6: acquire a warm slot, falling back to cold launch on EMPTY.
	var slot *domain.PoolSlot
	slot, err = d.pool.Acquire(ctx, req.Agent, dispatchID)
	if err != nil && !errors.Is(err, pool.ErrEmpty) {
		d.markFailed(ctx, record, dispatcherr.Transient, err)
		return nil, dispatcherr.Wrap(dispatcherr.Transient, "acquire warm slot", err)
	}

	// Step 7: launch. A non-nil slot reuses its already-running placeholder
	// container instead of paying for a fresh one (spec §4.6 step 7). The
	// slot's mounts can't be retrofitted for a workspace mode that needs
	// one, so that case falls back to a cold launch instead of failing the
	// whole dispatch.
	result, launchErr := d.launcher.Launch(ctx, record, slot)
	if slot != nil && errors.Is(launchErr, launcher.ErrSlotIncompatibleWorkspace) {
		if rerr := d.pool.Release(ctx, slot.SlotID); rerr != nil {
			logging.Op().Warn("release incompatible slot before cold fallback failed", "slot_id", slot.SlotID, "err", rerr)
		}
		slot = nil
		result, launchErr = d.launcher.Launch(ctx, record, nil)
	}
	// The workspace lease (persistent mode) is held only for the duration
	// of this launch attempt (spec §9 OQ2), so it is released here
	// regardless of outcome, not deferred until the worker later exits.
	if result != nil {
		if rerr := releaseWorkspaceLease(ctx, result.WorkspaceLease); rerr != nil {
			logging.Op().Warn("release workspace lease failed", "dispatch_id", record.DispatchID, "err", rerr)
		}
	}
	if launchErr != nil {
		d.markFailed(ctx, record, dispatcherr.Launch, launchErr)
		if slot != nil {
			if rerr := d.pool.Release(ctx, slot.SlotID); rerr != nil {
				logging.Op().Warn("release slot after launch failure failed", "slot_id", slot.SlotID, "err", rerr)
			}
		}
		return nil, launchErr
	}

	// Step 8: conditional PENDING->PROVISIONING with runtimeHandle, version -> 2.
	startedAt := d.clock.Now()
	updated, err := d.transitionWithRetry(ctx, record.TenantID, record.DispatchID, record.Version, func(r *domain.Dispatch) error {
		if err := domain.ValidateTransition(r.Status, domain.StatusProvisioning); err != nil {
			return err
		}
		r.Status = domain.StatusProvisioning
		r.RuntimeHandle = result.RuntimeHandle
		r.StartedAt = &startedAt
		return nil
	})
	if err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.Internal, "transition to provisioning", err)
	}

	// Step 9.
	return &CreateResult{Dispatch: updated}, nil
}

func releaseWorkspaceLease(ctx context.Context, lease *workspace.Lease) error {
	if lease == nil {
		return nil
	}
	return lease.Release(ctx)
}

// Cancel honors a cancellation request (spec §5 "Cancellation"): it
// conditionally transitions to CANCELLED from any non-terminal state, then
// best-effort stops the runtime. A dispatch already terminal returns
// CONFLICT (spec §8 L1).
func (d *Dispatcher) Cancel(ctx context.Context, tenantID, dispatchID string) (*domain.Dispatch, error) {
	record, err := d.repo.Get(ctx, tenantID, dispatchID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, dispatcherr.Wrap(dispatcherr.NotFound, "get dispatch", err)
		}
		return nil, dispatcherr.Wrap(dispatcherr.Transient, "get dispatch", err)
	}
	if record.Status.Terminal() {
		return nil, dispatcherr.New(dispatcherr.Conflict, "dispatch already terminal")
	}

	endedAt := d.clock.Now()
	updated, err := d.transitionWithRetry(ctx, tenantID, dispatchID, record.Version, func(r *domain.Dispatch) error {
		if err := domain.ValidateTransition(r.Status, domain.StatusCancelled); err != nil {
			return err
		}
		r.Status = domain.StatusCancelled
		r.EndedAt = &endedAt
		return nil
	})
	if err != nil {
		var transErr *domain.ErrInvalidTransition
		if errors.As(err, &transErr) {
			return nil, dispatcherr.Wrap(dispatcherr.Conflict, "dispatch already terminal", err)
		}
		return nil, dispatcherr.Wrap(dispatcherr.Internal, "transition to cancelled", err)
	}

	if updated.RuntimeHandle != "" {
		if err := d.runtime.Stop(ctx, updated.RuntimeHandle, "cancelled"); err != nil {
			logging.Op().Warn("best-effort runtime stop on cancel failed", "dispatch_id", dispatchID, "err", err)
		}
	}
	return updated, nil
}

// markFailed transitions record to FAILED with the given error classification;
// it logs rather than returns on failure, since the caller already has an
// error to return and markFailed exists only to avoid leaking a PENDING
// record (spec §4.6 "never leak PENDING records").
func (d *Dispatcher) markFailed(ctx context.Context, record *domain.Dispatch, kind dispatcherr.Kind, cause error) {
	endedAt := d.clock.Now()
	_, err := d.transitionWithRetry(ctx, record.TenantID, record.DispatchID, record.Version, func(r *domain.Dispatch) error {
		if err := domain.ValidateTransition(r.Status, domain.StatusFailed); err != nil {
			return err
		}
		r.Status = domain.StatusFailed
		r.ErrorKind = string(kind)
		r.ErrorMessage = cause.Error()
		r.EndedAt = &endedAt
		return nil
	})
	if err != nil {
		logging.Op().Warn("mark dispatch failed did not land", "dispatch_id", record.DispatchID, "err", err)
	}
}

// transitionWithRetry applies mutate via UpdateConditional, retrying on
// ErrVersionConflict up to 3 times with jittered backoff (spec §4.1
// "retried at most N=3 times with jitter").
func (d *Dispatcher) transitionWithRetry(ctx context.Context, tenantID, dispatchID string, expectedVersion int, mutate func(r *domain.Dispatch) error) (*domain.Dispatch, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 3 * time.Second
	bo.RandomizationFactor = 0.5
	limited := backoff.WithMaxRetries(bo, 3)
	limited.Reset()

	var result *domain.Dispatch
	version := expectedVersion

	operation := func() error {
		updated, err := d.repo.UpdateConditional(ctx, tenantID, dispatchID, version, mutate)
		if errors.Is(err, store.ErrVersionConflict) {
			current, gerr := d.repo.Get(ctx, tenantID, dispatchID)
			if gerr != nil {
				return backoff.Permanent(gerr)
			}
			version = current.Version
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		result = updated
		return nil
	}

	notify := func(err error, wait time.Duration) {
		logging.Op().Warn("stale version, retrying transition", "dispatch_id", dispatchID, "wait", wait, "err", err)
	}

	if err := backoff.RetryNotify(operation, limited, notify); err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.StaleVersion, "conditional transition exhausted retries", err)
	}
	return result, nil
}
