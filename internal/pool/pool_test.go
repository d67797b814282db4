package pool

import (
	"context"
	"testing"
	"time"

	"github.com/dispatchd/dispatchd/internal/domain"
	"github.com/dispatchd/dispatchd/internal/idgen"
)

type fakeRepo struct {
	slots map[string]*domain.PoolSlot
}

func newFakeRepo() *fakeRepo { return &fakeRepo{slots: map[string]*domain.PoolSlot{}} }

func (f *fakeRepo) CreateSlot(ctx context.Context, slot *domain.PoolSlot) error {
	cp := *slot
	f.slots[slot.SlotID] = &cp
	return nil
}

func (f *fakeRepo) GetSlot(ctx context.Context, slotID string) (*domain.PoolSlot, error) {
	s, ok := f.slots[slotID]
	if !ok {
		return nil, context.Canceled
	}
	cp := *s
	return &cp, nil
}

func (f *fakeRepo) UpdateSlotConditional(ctx context.Context, slotID string, expectedVersion int, mutate func(s *domain.PoolSlot) error) (*domain.PoolSlot, error) {
	s, ok := f.slots[slotID]
	if !ok || s.Version != expectedVersion {
		return nil, context.Canceled
	}
	cp := *s
	if err := mutate(&cp); err != nil {
		return nil, err
	}
	cp.Version++
	if cp.SlotID != slotID {
		delete(f.slots, slotID)
	}
	f.slots[cp.SlotID] = &cp
	out := cp
	return &out, nil
}

func (f *fakeRepo) AcquireWarmSlot(ctx context.Context, agent domain.Agent, acquiredBy string) (*domain.PoolSlot, error) {
	for _, s := range f.slots {
		if s.Agent == agent && s.State == domain.SlotWarm {
			s.State = domain.SlotAcquired
			s.AcquiredBy = acquiredBy
			s.Version++
			out := *s
			return &out, nil
		}
	}
	return nil, nil
}

func (f *fakeRepo) ListSlots(ctx context.Context, agent domain.Agent, states []domain.SlotState) ([]*domain.PoolSlot, error) {
	var out []*domain.PoolSlot
	for _, s := range f.slots {
		if s.Agent != agent {
			continue
		}
		if len(states) == 0 {
			out = append(out, s)
			continue
		}
		for _, st := range states {
			if s.State == st {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeRepo) DeleteSlot(ctx context.Context, slotID string) error {
	delete(f.slots, slotID)
	return nil
}

func (f *fakeRepo) FindSlotByRuntimeHandle(ctx context.Context, runtimeHandle string) (*domain.PoolSlot, error) {
	for _, s := range f.slots {
		if s.RuntimeHandle == runtimeHandle {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

type fakeWarmer struct{ warmed int }

func (w *fakeWarmer) WarmPlaceholder(ctx context.Context, agent domain.Agent, slotID string) (string, error) {
	w.warmed++
	return "handle-" + slotID, nil
}
func (w *fakeWarmer) StopPlaceholder(ctx context.Context, runtimeHandle string) error { return nil }
func (w *fakeWarmer) Healthy(ctx context.Context, runtimeHandle string) bool          { return true }

func TestWarmPool_AcquireEmptyReturnsErrEmpty(t *testing.T) {
	repo := newFakeRepo()
	p := New(repo, &fakeWarmer{}, idgen.NewClock(), []domain.AgentPoolConfig{{Agent: domain.AgentAider, MinWarm: 1, MaxTotal: 2}})

	_, err := p.Acquire(context.Background(), domain.AgentAider, "dispatch-1")
	if err != ErrEmpty {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestWarmPool_ReplenishBringsUpToMinWarm(t *testing.T) {
	repo := newFakeRepo()
	warmer := &fakeWarmer{}
	clock := idgen.NewFixedClock(time.Now())
	p := New(repo, warmer, clock, []domain.AgentPoolConfig{{Agent: domain.AgentAider, MinWarm: 2, MaxTotal: 5, WarmTimeoutSeconds: 300}})

	if err := p.Replenish(context.Background(), domain.AgentAider); err != nil {
		t.Fatalf("replenish: %v", err)
	}
	if warmer.warmed != 2 {
		t.Fatalf("expected 2 placeholders warmed, got %d", warmer.warmed)
	}

	slots, err := repo.ListSlots(context.Background(), domain.AgentAider, []domain.SlotState{domain.SlotWarm})
	if err != nil {
		t.Fatalf("list slots: %v", err)
	}
	if len(slots) != 2 {
		t.Fatalf("expected 2 warm slots, got %d", len(slots))
	}
}

func TestWarmPool_ReplenishRespectsMaxTotal(t *testing.T) {
	repo := newFakeRepo()
	warmer := &fakeWarmer{}
	clock := idgen.NewFixedClock(time.Now())
	p := New(repo, warmer, clock, []domain.AgentPoolConfig{{Agent: domain.AgentAider, MinWarm: 5, MaxTotal: 2, WarmTimeoutSeconds: 300}})

	if err := p.Replenish(context.Background(), domain.AgentAider); err != nil {
		t.Fatalf("replenish: %v", err)
	}
	if warmer.warmed != 2 {
		t.Fatalf("expected replenish to cap at maxTotal=2, got %d", warmer.warmed)
	}
}

func TestWarmPool_AcquireThenRelease(t *testing.T) {
	repo := newFakeRepo()
	warmer := &fakeWarmer{}
	clock := idgen.NewFixedClock(time.Now())
	p := New(repo, warmer, clock, []domain.AgentPoolConfig{{Agent: domain.AgentAider, MinWarm: 1, MaxTotal: 2, WarmTimeoutSeconds: 300}})

	if err := p.Replenish(context.Background(), domain.AgentAider); err != nil {
		t.Fatalf("replenish: %v", err)
	}

	slot, err := p.Acquire(context.Background(), domain.AgentAider, "dispatch-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if slot.State != domain.SlotAcquired || slot.AcquiredBy != "dispatch-1" {
		t.Fatalf("unexpected slot state after acquire: %+v", slot)
	}

	if err := p.Release(context.Background(), slot.SlotID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok := repo.slots[slot.SlotID]; ok {
		t.Fatalf("expected slot to be deleted after release")
	}
}
