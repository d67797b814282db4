package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/dispatchd/dispatchd/internal/domain"
	"github.com/dispatchd/dispatchd/internal/idgen"
	"github.com/dispatchd/dispatchd/internal/runtime"
)

func TestSweepOnce_StoppedRuntimeSynthesizesTermination(t *testing.T) {
	rec, repo, _, _ := newTestReconciler(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := idgen.NewFixedClock(now)

	d := &domain.Dispatch{
		DispatchID:    "dsp_stale",
		TenantID:      "tenant_1",
		Agent:         domain.AgentAider,
		Status:        domain.StatusRunning,
		RuntimeHandle: "rt_stale",
		TimeoutSeconds: 60,
		Version:       1,
		CreatedAt:     now.Add(-1 * time.Hour),
		StartedAt:     timePtr(now.Add(-1 * time.Hour)),
	}
	repo.put(d)

	rt := &fakeRuntime{describeFn: func(handle string) (runtime.Description, error) {
		return runtime.Description{State: runtime.RuntimeStateStopped, ExitCode: intPtr(0)}, nil
	}}
	sweeper := NewSweeper(repo, rt, rec, clock, time.Minute)

	if err := sweeper.SweepOnce(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got, _ := repo.Get(context.Background(), "tenant_1", "dsp_stale")
	if got.Status != domain.StatusSuccess {
		t.Fatalf("expected SUCCESS via synthesized termination, got %s", got.Status)
	}
}

func TestSweepOnce_UnknownRuntimeMarksRuntimeLostTimeout(t *testing.T) {
	rec, repo, _, _ := newTestReconciler(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := idgen.NewFixedClock(now)

	d := &domain.Dispatch{
		DispatchID:     "dsp_unknown",
		TenantID:       "tenant_1",
		Agent:          domain.AgentAider,
		Status:         domain.StatusRunning,
		RuntimeHandle:  "rt_unknown",
		TimeoutSeconds: 60,
		Version:        1,
		CreatedAt:      now.Add(-1 * time.Hour),
		StartedAt:      timePtr(now.Add(-1 * time.Hour)),
	}
	repo.put(d)

	rt := &fakeRuntime{describeFn: func(handle string) (runtime.Description, error) {
		return runtime.Description{State: runtime.RuntimeStateUnknown}, nil
	}}
	sweeper := NewSweeper(repo, rt, rec, clock, time.Minute)

	if err := sweeper.SweepOnce(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got, _ := repo.Get(context.Background(), "tenant_1", "dsp_unknown")
	if got.Status != domain.StatusTimeout {
		t.Fatalf("expected TIMEOUT, got %s", got.Status)
	}
	if got.ErrorKind != "RUNTIME_LOST" {
		t.Fatalf("expected errorKind RUNTIME_LOST, got %s", got.ErrorKind)
	}
}

func TestSweepOnce_FreshDispatchIsUntouched(t *testing.T) {
	rec, repo, _, _ := newTestReconciler(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := idgen.NewFixedClock(now)

	d := &domain.Dispatch{
		DispatchID:     "dsp_fresh",
		TenantID:       "tenant_1",
		Agent:          domain.AgentAider,
		Status:         domain.StatusRunning,
		RuntimeHandle:  "rt_fresh",
		TimeoutSeconds: 3600,
		Version:        1,
		CreatedAt:      now.Add(-1 * time.Minute),
		StartedAt:      timePtr(now.Add(-1 * time.Minute)),
	}
	repo.put(d)

	rt := &fakeRuntime{describeFn: func(handle string) (runtime.Description, error) {
		t.Fatal("describe should not be called for a fresh dispatch")
		return runtime.Description{}, nil
	}}
	sweeper := NewSweeper(repo, rt, rec, clock, time.Minute)

	if err := sweeper.SweepOnce(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	got, _ := repo.Get(context.Background(), "tenant_1", "dsp_fresh")
	if got.Status != domain.StatusRunning {
		t.Fatalf("expected RUNNING untouched, got %s", got.Status)
	}
}

func TestSweepOnce_PendingNeverLaunchedMarksFailed(t *testing.T) {
	rec, repo, _, _ := newTestReconciler(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := idgen.NewFixedClock(now)

	d := &domain.Dispatch{
		DispatchID: "dsp_pending",
		TenantID:   "tenant_1",
		Agent:      domain.AgentAider,
		Status:     domain.StatusPending,
		Version:    1,
		CreatedAt:  now.Add(-10 * time.Minute),
	}
	repo.put(d)

	rt := &fakeRuntime{describeFn: func(handle string) (runtime.Description, error) {
		t.Fatal("describe should not be called when there is no runtime handle")
		return runtime.Description{}, nil
	}}
	sweeper := NewSweeper(repo, rt, rec, clock, time.Minute)

	if err := sweeper.SweepOnce(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	got, _ := repo.Get(context.Background(), "tenant_1", "dsp_pending")
	if got.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if got.ErrorKind != "RUNTIME_LOST" {
		t.Fatalf("expected errorKind RUNTIME_LOST, got %s", got.ErrorKind)
	}
}

func timePtr(t time.Time) *time.Time { return &t }
