package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/dispatchd/dispatchd/internal/artifact"
	"github.com/dispatchd/dispatchd/internal/api/controlplane"
	"github.com/dispatchd/dispatchd/internal/config"
	"github.com/dispatchd/dispatchd/internal/dispatcher"
	"github.com/dispatchd/dispatchd/internal/dispatchlog"
	"github.com/dispatchd/dispatchd/internal/domain"
	"github.com/dispatchd/dispatchd/internal/fleetmetrics"
	"github.com/dispatchd/dispatchd/internal/idgen"
	"github.com/dispatchd/dispatchd/internal/launcher"
	"github.com/dispatchd/dispatchd/internal/logging"
	"github.com/dispatchd/dispatchd/internal/pool"
	"github.com/dispatchd/dispatchd/internal/reconciler"
	"github.com/dispatchd/dispatchd/internal/runtime"
	"github.com/dispatchd/dispatchd/internal/runtime/k8sruntime"
	"github.com/dispatchd/dispatchd/internal/runtime/s3blob"
	"github.com/dispatchd/dispatchd/internal/secrets"
	"github.com/dispatchd/dispatchd/internal/store"
	"github.com/dispatchd/dispatchd/internal/telemetry"
	"github.com/dispatchd/dispatchd/internal/workspace"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "dispatchd",
		Short: "dispatchd - async agentic-coding dispatch control plane",
		Long:  "dispatchd routes createDispatch calls to warm or cold agent workers, tracks their lifecycle, and publishes artifacts on completion.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file (optional, env vars always apply on top)")

	rootCmd.AddCommand(
		serveCmd(),
		migrateCmd(),
		fleetStatusCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// defaultAgentProfiles is the closed set of agent worker images and tier
// aliases dispatchd ships with (spec §4.6 step 2, GLOSSARY: Agent/Tier
// alias). A production deployment would source this from config; it is
// hardcoded here since SPEC_FULL.md leaves the exact image registry and
// model catalogue as a deployment detail, not a wire contract.
func defaultAgentProfiles() []launcher.AgentProfile {
	return []launcher.AgentProfile{
		{
			Agent: domain.AgentClaude,
			Image: "dispatchd/claude-worker:latest",
			Models: map[domain.ModelTier]string{
				domain.TierFlagship: "claude-opus-4",
				domain.TierBalanced: "claude-sonnet-4",
				domain.TierFast:     "claude-haiku-4",
			},
			Ceiling: domain.ResourceConstraints{MaxMemoryMB: 4096, MaxCPUUnits: 4000, MaxDiskGB: 20},
		},
		{
			Agent: domain.AgentCodex,
			Image: "dispatchd/codex-worker:latest",
			Models: map[domain.ModelTier]string{
				domain.TierFlagship: "codex-large",
				domain.TierFast:     "codex-mini",
			},
			Ceiling: domain.ResourceConstraints{MaxMemoryMB: 4096, MaxCPUUnits: 4000, MaxDiskGB: 20},
		},
		{
			Agent: domain.AgentGemini,
			Image: "dispatchd/gemini-worker:latest",
			Models: map[domain.ModelTier]string{
				domain.TierFlagship: "gemini-2-pro",
				domain.TierFast:     "gemini-2-flash",
			},
			Ceiling: domain.ResourceConstraints{MaxMemoryMB: 4096, MaxCPUUnits: 4000, MaxDiskGB: 20},
		},
		{
			Agent: domain.AgentAider,
			Image: "dispatchd/aider-worker:latest",
			Models: map[domain.ModelTier]string{
				domain.TierBalanced: "aider-default",
			},
			Ceiling: domain.ResourceConstraints{MaxMemoryMB: 2048, MaxCPUUnits: 2000, MaxDiskGB: 10},
		},
		{
			Agent: domain.AgentGrok,
			Image: "dispatchd/grok-worker:latest",
			Models: map[domain.ModelTier]string{
				domain.TierFlagship: "grok-4",
				domain.TierFast:     "grok-4-fast",
			},
			Ceiling: domain.ResourceConstraints{MaxMemoryMB: 4096, MaxCPUUnits: 4000, MaxDiskGB: 20},
		},
	}
}

// workspaceBaseDir is the filesystem root for ephemeral and persistent
// working trees (spec §4.5), shared between dispatchd and the container
// runtime node. DISPATCHD_WORKSPACE_DIR overrides the default for
// deployments where that shared root lives elsewhere.
func workspaceBaseDir() string {
	if dir := os.Getenv("DISPATCHD_WORKSPACE_DIR"); dir != "" {
		return dir
	}
	return "/var/lib/dispatchd/workspaces"
}

func poolConfigs(cfg *config.Config) []domain.AgentPoolConfig {
	out := make([]domain.AgentPoolConfig, 0, len(cfg.Pools))
	for _, p := range cfg.Pools {
		warmTimeout := p.WarmTimeoutSeconds
		if warmTimeout == 0 {
			warmTimeout = domain.DefaultWarmTimeoutSeconds
		}
		healthPeriod := p.HealthCheckPeriodSeconds
		if healthPeriod == 0 {
			healthPeriod = domain.DefaultHealthCheckPeriodSeconds
		}
		out = append(out, domain.AgentPoolConfig{
			Agent:                    domain.Agent(p.Agent),
			MinWarm:                  p.MinWarm,
			MaxTotal:                 p.MaxTotal,
			WarmTimeoutSeconds:       warmTimeout,
			HealthCheckPeriodSeconds: healthPeriod,
		})
	}
	return out
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatch control plane daemon (HTTP API, reconciler, zombie sweeper, warm pool)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logging.SetLevelFromString(cfg.Logging.Level)
			logging.SetFormat(cfg.Logging.Format)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := telemetry.Init(ctx, telemetry.Config{
				Enabled:     cfg.Tracing.Enabled,
				Exporter:    cfg.Tracing.Exporter,
				Endpoint:    cfg.Tracing.Endpoint,
				ServiceName: cfg.Tracing.ServiceName,
				SampleRate:  cfg.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init telemetry: %w", err)
			}
			defer func() {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				if err := telemetry.Shutdown(shutdownCtx); err != nil {
					logging.Op().Warn("telemetry shutdown did not complete cleanly", "err", err)
				}
			}()

			metaStore, err := store.NewPostgresStore(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer metaStore.Close()

			idempotencyStore, err := store.NewRedisIdempotencyStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
			if err != nil {
				return fmt.Errorf("connect redis: %w", err)
			}

			logStore, err := dispatchlog.NewPostgresStore(ctx, cfg.Postgres.DSN)
			if err != nil {
				return fmt.Errorf("connect dispatch log store: %w", err)
			}
			defer logStore.Close()

			rt, err := k8sruntime.New(k8sruntime.Config{
				Namespace:      cfg.Runtime.Namespace,
				Kubeconfig:     cfg.Runtime.Kubeconfig,
				RequestTimeout: cfg.Runtime.RequestTimeout,
				BindPort:       cfg.Runtime.BindPort,
			})
			if err != nil {
				return fmt.Errorf("create container runtime: %w", err)
			}

			// Launch/Stop/Bind go through the breaker and Describe bypasses
			// it (see BreakingRuntime); Subscribe stays on the raw client
			// since the pod watch is a long-lived read the sweeper and
			// reconciler need even while the breaker is open.
			breakingRuntime := runtime.NewBreakingRuntime(rt, runtime.BreakerConfig{
				MaxFailures: cfg.Runtime.BreakerMaxFails,
				OpenTimeout: cfg.Runtime.BreakerOpenWait,
			})

			blobs, err := s3blob.New(ctx, s3blob.Config{
				Bucket:         cfg.ObjectStore.Bucket,
				Region:         cfg.ObjectStore.Region,
				Endpoint:       cfg.ObjectStore.Endpoint,
				ForcePathStyle: cfg.ObjectStore.ForcePathStyle,
			})
			if err != nil {
				return fmt.Errorf("create blob store: %w", err)
			}

			var secretResolver *secrets.Resolver
			if cfg.Secrets.MasterKey != "" || cfg.Secrets.MasterKeyFile != "" {
				var cipher *secrets.Cipher
				if cfg.Secrets.MasterKey != "" {
					cipher, err = secrets.NewCipher(cfg.Secrets.MasterKey)
				} else {
					cipher, err = secrets.NewCipherFromFile(cfg.Secrets.MasterKeyFile)
				}
				if err != nil {
					return fmt.Errorf("init secrets cipher: %w", err)
				}
				secretsClient := redis.NewClient(&redis.Options{
					Addr:     cfg.Redis.Addr,
					Password: cfg.Redis.Password,
					DB:       cfg.Redis.DB,
				})
				secretStore := secrets.NewStore(secretsClient, cipher)
				secretResolver = secrets.NewResolver(secretStore)
			} else {
				logging.Op().Warn("no secrets master key configured; additionalSecrets will fail to resolve")
			}

			workspaceBaseDir := workspaceBaseDir()
			workspaceHandler := workspace.New(workspaceBaseDir, metaStore)
			registry := launcher.NewAgentRegistry(defaultAgentProfiles())
			taskLauncher := launcher.New(breakingRuntime, workspaceHandler, secretResolver, registry)

			clock := idgen.NewClock()
			configs := poolConfigs(cfg)
			warmPool := pool.New(metaStore, taskLauncher, clock, configs)

			quota := dispatcher.Quota{Default: cfg.Quota.DefaultConcurrency, PerTenant: cfg.Quota.PerTenant}
			disp := dispatcher.New(metaStore, idempotencyStore, warmPool, taskLauncher, registry, breakingRuntime, clock, quota)

			publisher := artifact.New(blobs, workspaceBaseDir)
			statusReconciler := reconciler.New(metaStore, warmPool, publisher, clock)
			sweeper := reconciler.NewSweeper(metaStore, breakingRuntime, statusReconciler, clock, cfg.Reconciler.SweepInterval)

			metrics := fleetmetrics.New(metaStore, metaStore, clock, configs, cfg.Metrics.Namespace, cfg.Metrics.CacheTTL)

			handler := controlplane.New(disp, metaStore, blobs, logStore, metrics)

			go warmPool.Run(ctx)
			go sweeper.Run(ctx)
			go func() {
				if err := statusReconciler.Subscribe(ctx, rt); err != nil && ctx.Err() == nil {
					logging.Op().Error("pod termination subscription stopped", "err", err)
				}
			}()

			httpServer := &http.Server{Addr: cfg.Daemon.HTTPAddr, Handler: handler.Router()}
			go func() {
				logging.Op().Info("control plane HTTP API started", "addr", cfg.Daemon.HTTPAddr)
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logging.Op().Error("http server stopped", "err", err)
				}
			}()

			if cfg.Metrics.Enabled {
				metricsMux := http.NewServeMux()
				metricsMux.Handle("/metrics", metrics.Handler())
				metricsServer := &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsMux}
				go func() {
					logging.Op().Info("metrics exposition started", "addr", cfg.Metrics.Addr)
					if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logging.Op().Error("metrics server stopped", "err", err)
					}
				}()
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logging.Op().Info("shutdown signal received")

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Daemon.ShutdownTimeout)
			defer shutdownCancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logging.Op().Warn("http server shutdown did not complete cleanly", "err", err)
			}
			cancel()
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema (dispatches, pool_slots, dispatch_logs)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			metaStore, err := store.NewPostgresStore(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer metaStore.Close()

			logStore, err := dispatchlog.NewPostgresStore(ctx, cfg.Postgres.DSN)
			if err != nil {
				return fmt.Errorf("apply dispatch log schema: %w", err)
			}
			defer logStore.Close()

			fmt.Println("schema up to date")
			return nil
		},
	}
}

func fleetStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fleet-status",
		Short: "Print a one-shot FleetMetrics snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			metaStore, err := store.NewPostgresStore(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer metaStore.Close()

			clock := idgen.NewClock()
			metrics := fleetmetrics.New(metaStore, metaStore, clock, poolConfigs(cfg), cfg.Metrics.Namespace, cfg.Metrics.CacheTTL)
			snap, err := metrics.Snapshot(ctx)
			if err != nil {
				return fmt.Errorf("capture snapshot: %w", err)
			}
			for agent, a := range snap.Agents {
				fmt.Printf("%s: warm=%d acquired=%d releasing=%d failing_health_rate=%.2f\n",
					agent, a.Warm, a.Acquired, a.Releasing, a.FailingHealthCheckRate)
			}
			return nil
		},
	}
}
