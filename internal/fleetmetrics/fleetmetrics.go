// Package fleetmetrics implements FleetMetrics (C13, spec §4.9): a single
// snapshot operation over per-agent pool occupancy and recent dispatch
// counts, cached for CacheTTL (default 30s) to bound query cost, and mirrored
// onto Prometheus gauges for scraping.
//
// Adapted from the teacher's internal/metrics/prometheus.go: a dedicated
// registry per FleetMetrics, Namespace-scoped GaugeVecs labeled by agent, a
// promhttp.Handler for exposition.
package fleetmetrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dispatchd/dispatchd/internal/domain"
	"github.com/dispatchd/dispatchd/internal/idgen"
	"github.com/dispatchd/dispatchd/internal/store"
)

// AgentSnapshot is one agent's pool occupancy at the time of capture (spec
// §4.9 "per-agent {warm, acquired, releasing, failingHealthCheckRate}").
type AgentSnapshot struct {
	Warm                   int
	Acquired               int
	Releasing              int
	FailingHealthCheckRate float64
}

// Snapshot is the result of one FleetMetrics capture.
type Snapshot struct {
	Agents                 map[domain.Agent]AgentSnapshot
	DispatchCountsLastHour map[domain.Agent]map[domain.Status]int
	CapturedAt             time.Time
}

// FleetMetrics computes and caches fleet-wide occupancy and throughput
// snapshots, exposing them both as a Go API (Snapshot) and as Prometheus
// gauges (Handler).
type FleetMetrics struct {
	poolRepo     store.PoolRepository
	dispatchRepo store.DispatchRepository
	clock        *idgen.Clock
	agents       []domain.Agent
	configs      map[domain.Agent]domain.AgentPoolConfig
	cacheTTL     time.Duration

	mu       sync.Mutex
	cached   *Snapshot
	cachedAt time.Time

	registry          *prometheus.Registry
	warmGauge         *prometheus.GaugeVec
	acquiredGauge     *prometheus.GaugeVec
	releasingGauge    *prometheus.GaugeVec
	failingHealthGauge *prometheus.GaugeVec
	dispatchCountGauge *prometheus.GaugeVec
}

// New builds a FleetMetrics for the given agent pool configs (one entry per
// agent the deployment operates), namespaced for Prometheus as namespace.
func New(poolRepo store.PoolRepository, dispatchRepo store.DispatchRepository, clock *idgen.Clock, configs []domain.AgentPoolConfig, namespace string, cacheTTL time.Duration) *FleetMetrics {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}

	agents := make([]domain.Agent, 0, len(configs))
	byAgent := make(map[domain.Agent]domain.AgentPoolConfig, len(configs))
	for _, c := range configs {
		agents = append(agents, c.Agent)
		byAgent[c.Agent] = c
	}

	registry := prometheus.NewRegistry()
	fm := &FleetMetrics{
		poolRepo:     poolRepo,
		dispatchRepo: dispatchRepo,
		clock:        clock,
		agents:       agents,
		configs:      byAgent,
		cacheTTL:     cacheTTL,
		registry:     registry,
		warmGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pool_warm_slots", Help: "Warm pool slots by agent",
		}, []string{"agent"}),
		acquiredGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pool_acquired_slots", Help: "Acquired pool slots by agent",
		}, []string{"agent"}),
		releasingGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pool_releasing_slots", Help: "Releasing pool slots by agent",
		}, []string{"agent"}),
		failingHealthGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pool_failing_health_check_rate", Help: "Fraction of warm slots missing their last two health checks, by agent",
		}, []string{"agent"}),
		dispatchCountGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "dispatch_count_last_hour", Help: "Dispatch count in the last hour by agent and status",
		}, []string{"agent", "status"}),
	}
	registry.MustRegister(fm.warmGauge, fm.acquiredGauge, fm.releasingGauge, fm.failingHealthGauge, fm.dispatchCountGauge)
	return fm
}

// Handler exposes the gauges for Prometheus scraping.
func (f *FleetMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(f.registry, promhttp.HandlerOpts{})
}

// Snapshot returns the cached snapshot if still within CacheTTL, otherwise
// recomputes it and updates the Prometheus gauges (spec §4.9 "cache TTL 30s
// to bound query cost").
func (f *FleetMetrics) Snapshot(ctx context.Context) (*Snapshot, error) {
	f.mu.Lock()
	if f.cached != nil && f.clock.Now().Sub(f.cachedAt) < f.cacheTTL {
		cached := f.cached
		f.mu.Unlock()
		return cached, nil
	}
	f.mu.Unlock()

	snap, err := f.capture(ctx)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.cached = snap
	f.cachedAt = snap.CapturedAt
	f.mu.Unlock()

	f.updateGauges(snap)
	return snap, nil
}

func (f *FleetMetrics) capture(ctx context.Context) (*Snapshot, error) {
	now := f.clock.Now()
	agentSnaps := make(map[domain.Agent]AgentSnapshot, len(f.agents))

	for _, agent := range f.agents {
		slots, err := f.poolRepo.ListSlots(ctx, agent, nil)
		if err != nil {
			return nil, err
		}

		cfg := f.configs[agent]
		unhealthyCutoff := now.Add(-2 * time.Duration(cfg.HealthCheckPeriodSeconds) * time.Second)

		var warm, acquired, releasing, unhealthy int
		for _, s := range slots {
			switch s.State {
			case domain.SlotWarm:
				warm++
				if s.LastHealthyAt.Before(unhealthyCutoff) {
					unhealthy++
				}
			case domain.SlotAcquired:
				acquired++
			case domain.SlotReleasing:
				releasing++
			}
		}

		var rate float64
		if warm > 0 {
			rate = float64(unhealthy) / float64(warm)
		}
		agentSnaps[agent] = AgentSnapshot{Warm: warm, Acquired: acquired, Releasing: releasing, FailingHealthCheckRate: rate}
	}

	counts, err := f.dispatchRepo.CountByAgentAndStatusSince(ctx, now.Add(-time.Hour))
	if err != nil {
		return nil, err
	}

	return &Snapshot{Agents: agentSnaps, DispatchCountsLastHour: counts, CapturedAt: now}, nil
}

func (f *FleetMetrics) updateGauges(snap *Snapshot) {
	for agent, s := range snap.Agents {
		label := string(agent)
		f.warmGauge.WithLabelValues(label).Set(float64(s.Warm))
		f.acquiredGauge.WithLabelValues(label).Set(float64(s.Acquired))
		f.releasingGauge.WithLabelValues(label).Set(float64(s.Releasing))
		f.failingHealthGauge.WithLabelValues(label).Set(s.FailingHealthCheckRate)
	}
	for agent, byStatus := range snap.DispatchCountsLastHour {
		for status, count := range byStatus {
			f.dispatchCountGauge.WithLabelValues(string(agent), string(status)).Set(float64(count))
		}
	}
}
