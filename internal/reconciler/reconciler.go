// Package reconciler implements StatusReconciler (C11) and ZombieSweeper
// (C12): the writers of terminal dispatch status that follows from a worker
// terminating (spec §4.7, §4.8). Dispatcher writes the other terminal
// statuses itself: CANCELLED on Cancel and FAILED when Create fails after
// persisting the record.
//
// Adapted from the teacher's eventbus.WorkerPool poll loop shape
// (internal/eventbus/worker.go) for the event path, and its autoscaler's
// periodic-tick shape (internal/autoscaler/autoscaler.go) for the sweeper.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dispatchd/dispatchd/internal/dispatcherr"
	"github.com/dispatchd/dispatchd/internal/domain"
	"github.com/dispatchd/dispatchd/internal/idgen"
	"github.com/dispatchd/dispatchd/internal/logging"
	"github.com/dispatchd/dispatchd/internal/pool"
	"github.com/dispatchd/dispatchd/internal/runtime"
	"github.com/dispatchd/dispatchd/internal/store"
)

// stopCodeUserInitiated is the ContainerRuntime stop code meaning "the
// control plane asked for this" (spec §4.7 step 2). Dispatcher.Cancel does
// not attach it (it writes CANCELLED itself before calling Stop), and
// k8sruntime reports every pod termination with stop code RuntimeReported.
const stopCodeUserInitiated = "UserInitiated"

// stopCodeFailedToStart is the stop code meaning the worker never reached a
// running state.
const stopCodeFailedToStart = "TaskFailedToStart"

// ArtifactPublisher is the narrow capability StatusReconciler depends on,
// satisfied by *artifact.Publisher. Kept as an interface to avoid a cycle
// between reconciler and artifact and to let tests substitute a fake.
type ArtifactPublisher interface {
	Publish(ctx context.Context, d *domain.Dispatch) error
}

// StatusReconciler writes the terminal dispatch status that follows from a
// worker terminating (spec SPEC_FULL.md OQ1). EventSource deliveries and
// ZombieSweeper-synthesized events both funnel through ReconcileOne.
type StatusReconciler struct {
	repo      store.DispatchRepository
	pool      *pool.WarmPool
	artifacts ArtifactPublisher
	clock     *idgen.Clock
}

// New builds a StatusReconciler.
func New(repo store.DispatchRepository, warmPool *pool.WarmPool, artifacts ArtifactPublisher, clock *idgen.Clock) *StatusReconciler {
	return &StatusReconciler{repo: repo, pool: warmPool, artifacts: artifacts, clock: clock}
}

// Subscribe drives ReconcileOne from a push EventSource (spec §6.3).
func (r *StatusReconciler) Subscribe(ctx context.Context, source runtime.EventSource) error {
	return source.Subscribe(ctx, func(ctx context.Context, ev runtime.TerminationEvent) error {
		return r.ReconcileOne(ctx, ev)
	})
}

// mapTerminalStatus maps a termination event to the dispatch status it
// implies (spec §4.7 step 2).
func mapTerminalStatus(ev runtime.TerminationEvent) domain.Status {
	switch {
	case ev.StopCode == stopCodeUserInitiated:
		return domain.StatusCancelled
	case strings.Contains(strings.ToLower(ev.StopReason), "timeout"):
		return domain.StatusTimeout
	case ev.ExitCode != nil && *ev.ExitCode == 0:
		return domain.StatusSuccess
	default:
		return domain.StatusFailed
	}
}

// ReconcileOne applies one termination event (spec §4.7). Events are
// at-least-once and may arrive out of order; the conditional-update plus
// idempotent-replay check makes repeated delivery of the same event
// harmless.
func (r *StatusReconciler) ReconcileOne(ctx context.Context, ev runtime.TerminationEvent) error {
	dispatch, err := r.findByRuntimeHandle(ctx, ev.RuntimeHandle)
	if err != nil {
		return dispatcherr.Wrap(dispatcherr.Transient, "find dispatch by runtime handle", err)
	}
	if dispatch == nil {
		// Unbound pool slot or an already-terminal dispatch with no
		// non-terminal sibling: nothing to do.
		return nil
	}

	mapped := mapTerminalStatus(ev)

	if dispatch.Status.Terminal() {
		if dispatch.Status == mapped {
			return nil // idempotent replay
		}
		logging.Op().Warn("termination event conflicts with prior terminal status",
			"dispatch_id", dispatch.DispatchID, "current", dispatch.Status, "mapped", mapped)
		return nil
	}

	if mapped == domain.StatusSuccess {
		return r.reconcileSuccess(ctx, dispatch, ev)
	}
	return r.reconcileNonSuccessTerminal(ctx, dispatch, mapped, ev)
}

// reconcileSuccess walks PROVISIONING or RUNNING (or already-COMPLETING)
// through COMPLETING and publishes artifacts before the final SUCCESS write,
// so a publish failure can fall back to FAILED/ARTIFACT from COMPLETING
// (spec §4.7 step 4).
func (r *StatusReconciler) reconcileSuccess(ctx context.Context, dispatch *domain.Dispatch, ev runtime.TerminationEvent) error {
	completing := dispatch
	if dispatch.Status != domain.StatusCompleting {
		updated, err := r.transitionWithRetry(ctx, dispatch.TenantID, dispatch.DispatchID, dispatch.Version, func(d *domain.Dispatch) error {
			// No event reports a worker as started, so a dispatch is still
			// PROVISIONING when its worker exits; step it through RUNNING.
			if d.Status == domain.StatusProvisioning {
				d.Status = domain.StatusRunning
			}
			if err := domain.ValidateTransition(d.Status, domain.StatusCompleting); err != nil {
				return err
			}
			d.Status = domain.StatusCompleting
			d.ExitCode = ev.ExitCode
			return nil
		})
		if err != nil {
			var transErr *domain.ErrInvalidTransition
			if errors.As(err, &transErr) {
				return nil // raced with a concurrent terminal write; drop
			}
			return dispatcherr.Wrap(dispatcherr.Transient, "transition to completing", err)
		}
		completing = updated
	}

	endedAt := r.clock.Now()
	publishErr := r.artifacts.Publish(ctx, completing)
	if publishErr != nil {
		logging.Op().Warn("artifact publish failed", "dispatch_id", completing.DispatchID, "err", publishErr)
		if _, err := r.transitionWithRetry(ctx, completing.TenantID, completing.DispatchID, completing.Version, func(d *domain.Dispatch) error {
			if d.Status != domain.StatusCompleting {
				return &domain.ErrInvalidTransition{From: d.Status, To: domain.StatusFailed}
			}
			d.Status = domain.StatusFailed
			d.ErrorKind = string(dispatcherr.Artifact)
			d.ErrorMessage = publishErr.Error()
			d.EndedAt = &endedAt
			return nil
		}); err != nil {
			var transErr *domain.ErrInvalidTransition
			if !errors.As(err, &transErr) {
				logging.Op().Warn("mark dispatch failed after artifact error did not land", "dispatch_id", completing.DispatchID, "err", err)
			}
		}
		return r.pool.ReleaseByRuntimeHandle(ctx, ev.RuntimeHandle)
	}

	if _, err := r.transitionWithRetry(ctx, completing.TenantID, completing.DispatchID, completing.Version, func(d *domain.Dispatch) error {
		if err := domain.ValidateTransition(d.Status, domain.StatusSuccess); err != nil {
			return err
		}
		d.Status = domain.StatusSuccess
		d.ArtifactHandle = completing.ArtifactHandle
		d.EndedAt = &endedAt
		return nil
	}); err != nil {
		var transErr *domain.ErrInvalidTransition
		if !errors.As(err, &transErr) {
			return dispatcherr.Wrap(dispatcherr.Transient, "transition to success", err)
		}
	}
	return r.pool.ReleaseByRuntimeHandle(ctx, ev.RuntimeHandle)
}

// reconcileNonSuccessTerminal handles CANCELLED/TIMEOUT/FAILED mappings.
// The state machine allows these directly from PROVISIONING and RUNNING;
// PENDING cannot move to TIMEOUT and COMPLETING only to FAILED (spec §4.1),
// and a mapping the state machine rejects is dropped.
func (r *StatusReconciler) reconcileNonSuccessTerminal(ctx context.Context, dispatch *domain.Dispatch, mapped domain.Status, ev runtime.TerminationEvent) error {
	endedAt := r.clock.Now()
	_, err := r.transitionWithRetry(ctx, dispatch.TenantID, dispatch.DispatchID, dispatch.Version, func(d *domain.Dispatch) error {
		if err := domain.ValidateTransition(d.Status, mapped); err != nil {
			return err
		}
		d.Status = mapped
		d.ExitCode = ev.ExitCode
		d.EndedAt = &endedAt
		switch {
		case mapped == domain.StatusFailed && ev.StopCode == stopCodeFailedToStart:
			d.ErrorKind = string(dispatcherr.Launch)
			d.ErrorMessage = ev.StopReason
		case mapped == domain.StatusFailed:
			d.ErrorKind = string(dispatcherr.RuntimeLost)
			d.ErrorMessage = ev.StopReason
		case mapped == domain.StatusTimeout && strings.Contains(strings.ToLower(ev.StopReason), "runtime_lost"):
			d.ErrorKind = string(dispatcherr.RuntimeLost)
			d.ErrorMessage = ev.StopReason
		}
		return nil
	})
	if err != nil {
		var transErr *domain.ErrInvalidTransition
		if !errors.As(err, &transErr) {
			return dispatcherr.Wrap(dispatcherr.Transient, fmt.Sprintf("transition to %s", mapped), err)
		}
		// Raced with a concurrent terminal write; treat as dropped per
		// the idempotent-replay handling above.
	}
	return r.pool.ReleaseByRuntimeHandle(ctx, ev.RuntimeHandle)
}

// markRuntimeLostDirect marks a dispatch TIMEOUT/RUNTIME_LOST without going
// through the runtimeHandle lookup in ReconcileOne, for sweeper candidates
// that never received a handle at all (spec §4.8 step 2 "if runtime reports
// unknown/missing" generalized to "never had a runtime to ask").
func (r *StatusReconciler) markRuntimeLostDirect(ctx context.Context, dispatch *domain.Dispatch, now time.Time) error {
	if dispatch.Status.Terminal() {
		return nil
	}
	// PENDING never reached PROVISIONING, so TIMEOUT is not a legal
	// successor (spec §4.1 transition table); FAILED is.
	target := domain.StatusTimeout
	if dispatch.Status == domain.StatusPending {
		target = domain.StatusFailed
	}
	_, err := r.transitionWithRetry(ctx, dispatch.TenantID, dispatch.DispatchID, dispatch.Version, func(d *domain.Dispatch) error {
		if err := domain.ValidateTransition(d.Status, target); err != nil {
			return err
		}
		d.Status = target
		d.ErrorKind = string(dispatcherr.RuntimeLost)
		d.ErrorMessage = "runtime_lost: dispatch never received a runtime handle"
		d.EndedAt = &now
		return nil
	})
	if err != nil {
		var transErr *domain.ErrInvalidTransition
		if errors.As(err, &transErr) {
			return nil
		}
		return err
	}
	return nil
}

// findByRuntimeHandle implements spec §4.7 step 1: take the non-terminal
// dispatch bound to handle, or nil if there isn't one.
func (r *StatusReconciler) findByRuntimeHandle(ctx context.Context, handle string) (*domain.Dispatch, error) {
	matches, err := r.repo.List(ctx, store.DispatchQuery{RuntimeHandle: handle, Limit: 10})
	if err != nil {
		return nil, err
	}
	for _, d := range matches {
		if !d.Status.Terminal() {
			return d, nil
		}
	}
	return nil, nil
}

// transitionWithRetry mirrors Dispatcher.transitionWithRetry: conditional
// update retried up to 3 times with jittered backoff on STALE_VERSION (spec
// §4.7 step 3, §7).
func (r *StatusReconciler) transitionWithRetry(ctx context.Context, tenantID, dispatchID string, expectedVersion int, mutate func(d *domain.Dispatch) error) (*domain.Dispatch, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 3 * time.Second
	bo.RandomizationFactor = 0.5
	limited := backoff.WithMaxRetries(bo, 3)
	limited.Reset()

	var result *domain.Dispatch
	version := expectedVersion

	operation := func() error {
		updated, err := r.repo.UpdateConditional(ctx, tenantID, dispatchID, version, mutate)
		if errors.Is(err, store.ErrVersionConflict) {
			current, gerr := r.repo.Get(ctx, tenantID, dispatchID)
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
		logging.Op().Warn("stale version, retrying reconcile transition", "dispatch_id", dispatchID, "wait", wait, "err", err)
	}

	if err := backoff.RetryNotify(operation, limited, notify); err != nil {
		var transErr *domain.ErrInvalidTransition
		if errors.As(err, &transErr) {
			return nil, err
		}
		return nil, dispatcherr.Wrap(dispatcherr.StaleVersion, "conditional transition exhausted retries", err)
	}
	return result, nil
}
