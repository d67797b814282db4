package reconciler

import (
	"context"
	"time"

	"github.com/dispatchd/dispatchd/internal/domain"
	"github.com/dispatchd/dispatchd/internal/logging"
	"github.com/dispatchd/dispatchd/internal/runtime"
	"github.com/dispatchd/dispatchd/internal/store"
)

// DefaultSweepPeriod is the default ZombieSweeper tick (spec §4.8 "default 5
// min").
const DefaultSweepPeriod = 5 * time.Minute

// pendingStaleAfter bounds how long a dispatch may sit in PENDING before the
// sweeper treats it as abandoned (spec §4.8 step 1).
const pendingStaleAfter = 5 * time.Minute

// ZombieSweeper is the only recovery path when event delivery is
// permanently lost (spec §4.8, component C12): it periodically cross-checks
// non-terminal dispatches against runtime ground truth.
type ZombieSweeper struct {
	repo       store.DispatchRepository
	runtime    runtime.ContainerRuntime
	reconciler *StatusReconciler
	clock      interface{ Now() time.Time }
	period     time.Duration
}

// NewSweeper builds a ZombieSweeper. period defaults to DefaultSweepPeriod.
func NewSweeper(repo store.DispatchRepository, rt runtime.ContainerRuntime, reconciler *StatusReconciler, clock interface{ Now() time.Time }, period time.Duration) *ZombieSweeper {
	if period <= 0 {
		period = DefaultSweepPeriod
	}
	return &ZombieSweeper{repo: repo, runtime: rt, reconciler: reconciler, clock: clock, period: period}
}

// Run ticks SweepOnce on z.period until ctx is cancelled.
func (z *ZombieSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(z.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := z.SweepOnce(ctx); err != nil {
				logging.Op().Warn("zombie sweep failed", "err", err)
			}
		}
	}
}

// SweepOnce runs one pass of spec §4.8: find non-terminal dispatches that
// are stale relative to their own bounds, ask the runtime for ground truth,
// and either synthesize a termination event or mark RUNTIME_LOST.
func (z *ZombieSweeper) SweepOnce(ctx context.Context) error {
	now := z.clock.Now()
	candidates, err := z.repo.ListRunningOlderThan(ctx, now.Add(-pendingStaleAfter))
	if err != nil {
		return err
	}

	for _, d := range candidates {
		if !z.isStale(d, now) {
			continue
		}
		if err := z.sweepOne(ctx, d, now); err != nil {
			logging.Op().Warn("zombie sweep of dispatch failed", "dispatch_id", d.DispatchID, "err", err)
		}
	}
	return nil
}

// isStale applies the per-status staleness bound from spec §4.8 step 1:
// PENDING older than 5 min, RUNNING/PROVISIONING older than 2x the
// dispatch's own timeoutSeconds.
func (z *ZombieSweeper) isStale(d *domain.Dispatch, now time.Time) bool {
	reference := d.CreatedAt
	if d.StartedAt != nil {
		reference = *d.StartedAt
	}
	if d.Status == domain.StatusPending {
		return now.Sub(reference) >= pendingStaleAfter
	}
	bound := time.Duration(d.TimeoutSeconds) * time.Second * 2
	return now.Sub(reference) >= bound
}

func (z *ZombieSweeper) sweepOne(ctx context.Context, d *domain.Dispatch, now time.Time) error {
	if d.RuntimeHandle == "" {
		// Never got a runtime handle (stuck before step 8 of createDispatch,
		// or a stale PENDING) — there is no ground truth to ask; mark lost
		// directly, since ReconcileOne's lookup is keyed on runtimeHandle
		// and cannot find this record.
		return z.reconciler.markRuntimeLostDirect(ctx, d, now)
	}

	desc, err := z.runtime.Describe(ctx, d.RuntimeHandle)
	if err != nil {
		return err
	}

	switch desc.State {
	case runtime.RuntimeStateStopped:
		return z.reconciler.ReconcileOne(ctx, runtime.TerminationEvent{
			RuntimeHandle: d.RuntimeHandle,
			ExitCode:      desc.ExitCode,
			StopReason:    "zombie_sweep: runtime reports stopped",
			StoppedAt:     now,
		})
	case runtime.RuntimeStateUnknown:
		return z.reconciler.ReconcileOne(ctx, runtime.TerminationEvent{
			RuntimeHandle: d.RuntimeHandle,
			StopReason:    "timeout: runtime_lost, handle unknown to runtime",
			StoppedAt:     now,
		})
	default: // still running: leave it; the sweeper will revisit next tick
		return nil
	}
}
