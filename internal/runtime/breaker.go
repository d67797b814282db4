package runtime

// BreakingRuntime wraps a ContainerRuntime with a circuit breaker so a
// flapping runtime backend degrades the control plane gracefully (fast
// TRANSIENT failures) instead of piling up slow timeouts against a backend
// that's already down. Adapted from the teacher's hand-rolled
// internal/circuitbreaker package — replaced here with sony/gobreaker since
// that's a real dependency in the retrieved pack (jordigilh-kubernaut
// go.mod) and spares us re-deriving sliding-window bookkeeping the pack
// already depends on elsewhere.
//
// Launch, Stop, and Bind share one breaker per runtime instance: a launch
// storm, a stop storm, and a bind storm against a dead backend are the same
// failure mode from the circuit's point of view. Describe is left
// unguarded — the zombie sweeper needs it to keep working even while the
// breaker is open, since that's how it detects the backend recovering.
import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/dispatchd/dispatchd/internal/logging"
)

// BreakerConfig tunes the circuit breaker guarding ContainerRuntime calls.
type BreakerConfig struct {
	MaxFailures uint32
	OpenTimeout time.Duration
}

// BreakingRuntime decorates a ContainerRuntime with a gobreaker.CircuitBreaker.
type BreakingRuntime struct {
	inner   ContainerRuntime
	breaker *gobreaker.CircuitBreaker
}

// NewBreakingRuntime wraps inner with a circuit breaker per cfg.
func NewBreakingRuntime(inner ContainerRuntime, cfg BreakerConfig) *BreakingRuntime {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:    "container-runtime",
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Op().Warn("container runtime breaker state change", "breaker", name, "from", from, "to", to)
		},
	}

	return &BreakingRuntime{inner: inner, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func (b *BreakingRuntime) Launch(ctx context.Context, spec LaunchSpec) (string, error) {
	result, err := b.breaker.Execute(func() (any, error) {
		return b.inner.Launch(ctx, spec)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return "", fmt.Errorf("container runtime circuit open: %w", err)
		}
		return "", err
	}
	return result.(string), nil
}

func (b *BreakingRuntime) Stop(ctx context.Context, runtimeHandle, reason string) error {
	_, err := b.breaker.Execute(func() (any, error) {
		return nil, b.inner.Stop(ctx, runtimeHandle, reason)
	})
	if err == gobreaker.ErrOpenState {
		return fmt.Errorf("container runtime circuit open: %w", err)
	}
	return err
}

// Describe bypasses the breaker: the sweeper relies on it to observe the
// backend recovering even while Launch/Stop are tripped open.
func (b *BreakingRuntime) Describe(ctx context.Context, runtimeHandle string) (Description, error) {
	return b.inner.Describe(ctx, runtimeHandle)
}

// Bind shares Launch and Stop's breaker: it is itself a mutating call
// against the backend and fails the same way a dead backend fails Launch.
func (b *BreakingRuntime) Bind(ctx context.Context, runtimeHandle string, spec BindSpec) error {
	_, err := b.breaker.Execute(func() (any, error) {
		return nil, b.inner.Bind(ctx, runtimeHandle, spec)
	})
	if err == gobreaker.ErrOpenState {
		return fmt.Errorf("container runtime circuit open: %w", err)
	}
	return err
}
