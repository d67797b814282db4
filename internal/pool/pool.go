// Package pool maintains per-agent warm worker pools: pre-provisioned
// container slots that acquire/release against live dispatches, replenish
// toward a target occupancy, and get reaped when stale (spec §4.4,
// component C8).
//
// Unlike the teacher's in-memory functionPool (one process owns all VM
// state in a sync.Map), slot state here is durable in PoolRepository so
// any dispatchd replica can acquire a slot — the control plane is
// horizontally scaled, so pool bookkeeping cannot live only in local
// memory.
package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dispatchd/dispatchd/internal/domain"
	"github.com/dispatchd/dispatchd/internal/idgen"
	"github.com/dispatchd/dispatchd/internal/logging"
	"github.com/dispatchd/dispatchd/internal/store"
)

// ErrEmpty is returned by Acquire when no WARM slot is available for the
// requested agent; callers fall back to a cold launch (spec §4.4
// "Acquisition policy").
var ErrEmpty = errors.New("pool: no warm slot available")

// Warmer provisions a new placeholder worker for a WARMING slot and
// confirms a slot is still healthy. It is satisfied by TaskLauncher in
// placeholder mode (spec §4.5) — kept as a narrow interface here so pool
// doesn't import launcher and create a cycle.
type Warmer interface {
	WarmPlaceholder(ctx context.Context, agent domain.Agent, slotID string) (runtimeHandle string, err error)
	StopPlaceholder(ctx context.Context, runtimeHandle string) error
	Healthy(ctx context.Context, runtimeHandle string) bool
}

// WarmPool manages each configured agent's target occupancy: acquire/release, periodic
// replenishment, and a reaper for stale slots (spec §4.4).
type WarmPool struct {
	repo   store.PoolRepository
	warmer Warmer
	clock  *idgen.Clock

	configs map[domain.Agent]domain.AgentPoolConfig
}

// New builds a WarmPool across the given per-agent configs.
func New(repo store.PoolRepository, warmer Warmer, clock *idgen.Clock, configs []domain.AgentPoolConfig) *WarmPool {
	cfgByAgent := make(map[domain.Agent]domain.AgentPoolConfig, len(configs))
	for _, c := range configs {
		cfgByAgent[c.Agent] = c
	}
	return &WarmPool{repo: repo, warmer: warmer, clock: clock, configs: cfgByAgent}
}

func (p *WarmPool) configFor(agent domain.Agent) domain.AgentPoolConfig {
	if c, ok := p.configs[agent]; ok {
		return c
	}
	return domain.AgentPoolConfig{
		Agent:                    agent,
		MinWarm:                  0,
		MaxTotal:                 0,
		WarmTimeoutSeconds:       domain.DefaultWarmTimeoutSeconds,
		HealthCheckPeriodSeconds: domain.DefaultHealthCheckPeriodSeconds,
	}
}

// Acquire claims one WARM slot for agent and marks it ACQUIRED by
// acquiredBy (typically the dispatchId). It returns ErrEmpty if none are
// available — the caller (Dispatcher) then falls back to a cold launch
// (spec §4.4, §4.6 step 6).
func (p *WarmPool) Acquire(ctx context.Context, agent domain.Agent, acquiredBy string) (*domain.PoolSlot, error) {
	slot, err := p.repo.AcquireWarmSlot(ctx, agent, acquiredBy)
	if err != nil {
		return nil, fmt.Errorf("acquire warm slot: %w", err)
	}
	if slot == nil {
		return nil, ErrEmpty
	}
	return slot, nil
}

// Release transitions a previously-acquired slot to RELEASING, stops its
// placeholder worker, and deletes the slot. Replenishment happens
// out-of-band via Replenish, which Run calls for every configured agent on
// each tick (spec §4.7 step 5, §4.4 "release").
func (p *WarmPool) Release(ctx context.Context, slotID string) error {
	slot, err := p.repo.GetSlot(ctx, slotID)
	if err != nil {
		return fmt.Errorf("get slot: %w", err)
	}

	updated, err := p.repo.UpdateSlotConditional(ctx, slotID, slot.Version, func(s *domain.PoolSlot) error {
		s.State = domain.SlotReleasing
		s.AcquiredBy = ""
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark slot releasing: %w", err)
	}

	if updated.RuntimeHandle != "" {
		if err := p.warmer.StopPlaceholder(ctx, updated.RuntimeHandle); err != nil {
			logging.Op().Warn("stop placeholder on release failed", "slot_id", slotID, "err", err)
		}
	}
	return p.repo.DeleteSlot(ctx, slotID)
}

// ReleaseByRuntimeHandle is Release keyed on the runtime handle rather than
// the slot id, for callers (StatusReconciler) that only have the handle from
// a termination event. It is a no-op if runtimeHandle belongs to a cold
// launch with no backing slot (spec §4.7 step 5).
func (p *WarmPool) ReleaseByRuntimeHandle(ctx context.Context, runtimeHandle string) error {
	slot, err := p.repo.FindSlotByRuntimeHandle(ctx, runtimeHandle)
	if err != nil {
		return fmt.Errorf("find slot by runtime handle: %w", err)
	}
	if slot == nil {
		return nil
	}
	return p.Release(ctx, slot.SlotID)
}

// Replenish brings agent's warm occupancy up to minWarm by launching
// placeholder workers for the shortfall (spec §4.4 "replenish").
func (p *WarmPool) Replenish(ctx context.Context, agent domain.Agent) error {
	cfg := p.configFor(agent)
	if cfg.MinWarm <= 0 {
		return nil
	}

	warming, err := p.repo.ListSlots(ctx, agent, []domain.SlotState{domain.SlotWarming, domain.SlotWarm})
	if err != nil {
		return fmt.Errorf("list warm/warming slots: %w", err)
	}

	shortfall := cfg.MinWarm - len(warming)
	if shortfall <= 0 {
		return nil
	}

	if cfg.MaxTotal > 0 {
		all, err := p.repo.ListSlots(ctx, agent, nil)
		if err != nil {
			return fmt.Errorf("list all slots: %w", err)
		}
		headroom := cfg.MaxTotal - len(all)
		if headroom < shortfall {
			shortfall = headroom
		}
	}

	var firstErr error
	for i := 0; i < shortfall; i++ {
		if err := p.warmOne(ctx, agent, cfg); err != nil {
			logging.Op().Warn("replenish: warm slot failed", "agent", agent, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (p *WarmPool) warmOne(ctx context.Context, agent domain.Agent, cfg domain.AgentPoolConfig) error {
	now := p.clock.Now()
	slotID := idgen.MustNew(p.clock, "slot")

	slot := &domain.PoolSlot{
		SlotID:        slotID,
		Agent:         agent,
		State:         domain.SlotWarming,
		Version:       0,
		CreatedAt:     now,
		LastHealthyAt: now,
		TTL:           now.Add(time.Duration(cfg.WarmTimeoutSeconds) * time.Second),
	}
	if err := p.repo.CreateSlot(ctx, slot); err != nil {
		return fmt.Errorf("create slot: %w", err)
	}

	handle, err := p.warmer.WarmPlaceholder(ctx, agent, slotID)
	if err != nil {
		_ = p.repo.DeleteSlot(ctx, slotID)
		return fmt.Errorf("warm placeholder: %w", err)
	}

	_, err = p.repo.UpdateSlotConditional(ctx, slotID, 0, func(s *domain.PoolSlot) error {
		s.RuntimeHandle = handle
		s.State = domain.SlotWarm
		s.LastHealthyAt = p.clock.Now()
		return nil
	})
	return err
}

// Reap releases any WARM slot older than its warmTimeout and marks any
// slot that's missed two health-check periods as RELEASING (spec §4.4
// "reaper").
func (p *WarmPool) Reap(ctx context.Context, agent domain.Agent) error {
	cfg := p.configFor(agent)
	now := p.clock.Now()
	healthCheckPeriod := time.Duration(cfg.HealthCheckPeriodSeconds) * time.Second
	unhealthyCutoff := now.Add(-2 * healthCheckPeriod)

	slots, err := p.repo.ListSlots(ctx, agent, []domain.SlotState{domain.SlotWarm})
	if err != nil {
		return fmt.Errorf("list warm slots: %w", err)
	}

	for _, slot := range slots {
		// Probe the runtime at most once per health-check period; a slot the
		// runtime confirms as running gets a fresh LastHealthyAt.
		if !now.After(slot.TTL) && slot.LastHealthyAt.Before(now.Add(-healthCheckPeriod)) && p.warmer.Healthy(ctx, slot.RuntimeHandle) {
			if updated, err := p.repo.UpdateSlotConditional(ctx, slot.SlotID, slot.Version, func(s *domain.PoolSlot) error {
				s.LastHealthyAt = now
				return nil
			}); err == nil {
				slot = updated
			}
		}
		switch {
		case now.After(slot.TTL):
			if err := p.Release(ctx, slot.SlotID); err != nil {
				logging.Op().Warn("reaper: release expired slot failed", "slot_id", slot.SlotID, "err", err)
			}
		case slot.LastHealthyAt.Before(unhealthyCutoff):
			if _, err := p.repo.UpdateSlotConditional(ctx, slot.SlotID, slot.Version, func(s *domain.PoolSlot) error {
				s.State = domain.SlotReleasing
				return nil
			}); err != nil {
				logging.Op().Warn("reaper: mark unhealthy slot releasing failed", "slot_id", slot.SlotID, "err", err)
			}
		}
	}
	return nil
}

// Run starts the replenish+reap loop for every configured agent until ctx
// is cancelled.
func (p *WarmPool) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for agent := range p.configs {
				if err := p.Replenish(ctx, agent); err != nil {
					logging.Op().Warn("replenish failed", "agent", agent, "err", err)
				}
				if err := p.Reap(ctx, agent); err != nil {
					logging.Op().Warn("reap failed", "agent", agent, "err", err)
				}
			}
		}
	}
}
