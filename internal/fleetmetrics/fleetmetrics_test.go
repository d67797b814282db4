package fleetmetrics

import (
	"context"
	"testing"
	"time"

	"github.com/dispatchd/dispatchd/internal/domain"
	"github.com/dispatchd/dispatchd/internal/idgen"
	"github.com/dispatchd/dispatchd/internal/store"
)

type fakePoolRepo struct {
	slots map[domain.Agent][]*domain.PoolSlot
}

func (f *fakePoolRepo) CreateSlot(ctx context.Context, slot *domain.PoolSlot) error { return nil }
func (f *fakePoolRepo) GetSlot(ctx context.Context, slotID string) (*domain.PoolSlot, error) {
	return nil, store.ErrNotFound
}
func (f *fakePoolRepo) UpdateSlotConditional(ctx context.Context, slotID string, expectedVersion int, mutate func(s *domain.PoolSlot) error) (*domain.PoolSlot, error) {
	return nil, store.ErrNotFound
}
func (f *fakePoolRepo) AcquireWarmSlot(ctx context.Context, agent domain.Agent, acquiredBy string) (*domain.PoolSlot, error) {
	return nil, nil
}
func (f *fakePoolRepo) ListSlots(ctx context.Context, agent domain.Agent, states []domain.SlotState) ([]*domain.PoolSlot, error) {
	return f.slots[agent], nil
}
func (f *fakePoolRepo) DeleteSlot(ctx context.Context, slotID string) error { return nil }
func (f *fakePoolRepo) FindSlotByRuntimeHandle(ctx context.Context, runtimeHandle string) (*domain.PoolSlot, error) {
	return nil, nil
}

type fakeDispatchRepo struct {
	counts map[domain.Agent]map[domain.Status]int
}

func (f *fakeDispatchRepo) Create(ctx context.Context, d *domain.Dispatch) error { return nil }
func (f *fakeDispatchRepo) Get(ctx context.Context, tenantID, dispatchID string) (*domain.Dispatch, error) {
	return nil, store.ErrNotFound
}
func (f *fakeDispatchRepo) UpdateConditional(ctx context.Context, tenantID, dispatchID string, expectedVersion int, mutate func(d *domain.Dispatch) error) (*domain.Dispatch, error) {
	return nil, store.ErrNotFound
}
func (f *fakeDispatchRepo) List(ctx context.Context, q store.DispatchQuery) ([]*domain.Dispatch, error) {
	return nil, nil
}
func (f *fakeDispatchRepo) CountActive(ctx context.Context, tenantID string) (int, error) {
	return 0, nil
}
func (f *fakeDispatchRepo) ListRunningOlderThan(ctx context.Context, cutoff time.Time) ([]*domain.Dispatch, error) {
	return nil, nil
}
func (f *fakeDispatchRepo) CountByAgentAndStatusSince(ctx context.Context, since time.Time) (map[domain.Agent]map[domain.Status]int, error) {
	return f.counts, nil
}

func testConfigs() []domain.AgentPoolConfig {
	return []domain.AgentPoolConfig{
		{Agent: domain.AgentClaude, MinWarm: 2, MaxTotal: 10, WarmTimeoutSeconds: 300, HealthCheckPeriodSeconds: 30},
	}
}

func TestSnapshot_ComputesOccupancyAndFailingHealthRate(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	clock := idgen.NewFixedClock(now)

	slots := []*domain.PoolSlot{
		{SlotID: "s1", Agent: domain.AgentClaude, State: domain.SlotWarm, LastHealthyAt: now},
		{SlotID: "s2", Agent: domain.AgentClaude, State: domain.SlotWarm, LastHealthyAt: now.Add(-5 * time.Minute)},
		{SlotID: "s3", Agent: domain.AgentClaude, State: domain.SlotAcquired},
		{SlotID: "s4", Agent: domain.AgentClaude, State: domain.SlotReleasing},
	}
	poolRepo := &fakePoolRepo{slots: map[domain.Agent][]*domain.PoolSlot{domain.AgentClaude: slots}}
	dispatchRepo := &fakeDispatchRepo{counts: map[domain.Agent]map[domain.Status]int{
		domain.AgentClaude: {domain.StatusSuccess: 3, domain.StatusFailed: 1},
	}}

	fm := New(poolRepo, dispatchRepo, clock, testConfigs(), "dispatchd_test", time.Second)

	snap, err := fm.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	got := snap.Agents[domain.AgentClaude]
	if got.Warm != 2 || got.Acquired != 1 || got.Releasing != 1 {
		t.Fatalf("unexpected occupancy: %+v", got)
	}
	// s2's LastHealthyAt (5m ago) is older than 2*30s=60s, so it counts unhealthy: 1/2 = 0.5.
	if got.FailingHealthCheckRate != 0.5 {
		t.Fatalf("expected failing health rate 0.5, got %v", got.FailingHealthCheckRate)
	}
	if snap.DispatchCountsLastHour[domain.AgentClaude][domain.StatusSuccess] != 3 {
		t.Fatalf("expected 3 success dispatches, got %+v", snap.DispatchCountsLastHour)
	}
}

func TestSnapshot_CachesWithinTTL(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	clock := idgen.NewFixedClock(now)

	poolRepo := &fakePoolRepo{slots: map[domain.Agent][]*domain.PoolSlot{
		domain.AgentClaude: {{SlotID: "s1", Agent: domain.AgentClaude, State: domain.SlotWarm, LastHealthyAt: now}},
	}}
	dispatchRepo := &fakeDispatchRepo{counts: map[domain.Agent]map[domain.Status]int{}}

	fm := New(poolRepo, dispatchRepo, clock, testConfigs(), "dispatchd_test2", 30*time.Second)

	first, err := fm.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	// Mutate the backing slots after the first capture; a cached snapshot
	// should not reflect this until the TTL elapses.
	poolRepo.slots[domain.AgentClaude] = append(poolRepo.slots[domain.AgentClaude], &domain.PoolSlot{
		SlotID: "s2", Agent: domain.AgentClaude, State: domain.SlotWarm, LastHealthyAt: now,
	})

	second, err := fm.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if second.Agents[domain.AgentClaude].Warm != first.Agents[domain.AgentClaude].Warm {
		t.Fatalf("expected cached snapshot to be reused within TTL")
	}

	clock.Advance(31 * time.Second)
	third, err := fm.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if third.Agents[domain.AgentClaude].Warm != 2 {
		t.Fatalf("expected fresh snapshot after TTL expiry to see 2 warm slots, got %d", third.Agents[domain.AgentClaude].Warm)
	}
}
