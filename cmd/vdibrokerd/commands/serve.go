package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openvdi/vdibroker/pkg/config"
	"github.com/openvdi/vdibroker/pkg/deletion"
	"github.com/openvdi/vdibroker/pkg/lifecycle"
	"github.com/openvdi/vdibroker/pkg/policy"
	"github.com/openvdi/vdibroker/pkg/provider"
	"github.com/openvdi/vdibroker/pkg/provider/mock"
	"github.com/openvdi/vdibroker/pkg/provider/proxmox"
	"github.com/openvdi/vdibroker/pkg/scheduler"
	"github.com/openvdi/vdibroker/pkg/stores"
	"github.com/openvdi/vdibroker/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	var demo bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker daemon",
		Long: `Run the broker daemon.

The daemon polls every in-flight machine's operation queue on a fixed
interval and sweeps the deferred deletion groups in the background. It
runs until interrupted.`,
		Example: `  # Run against the default config file
  vdibrokerd serve

  # Run with a specific config
  vdibrokerd serve --config /etc/vdibroker/vdibroker.yaml

  # Run an in-memory demo with a mock hypervisor
  vdibrokerd serve --demo`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), demo)
		},
	}

	cmd.Flags().BoolVar(&demo, "demo", false, "run with an in-memory mock service and seeded deployments")

	return cmd
}

func runServe(ctx context.Context, demo bool) error {
	cfg, err := loadServeConfig(demo)
	if err != nil {
		return err
	}

	tel, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()
	if err := tel.StartMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	logger := tel.Logger.Zerolog()

	scoper, closeStorage, err := openStorage(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer closeStorage()

	registry := provider.NewRegistry()
	if err := registerServices(cfg, registry, logger); err != nil {
		return err
	}
	if demo {
		registry.Register("demo", mock.New())
	}

	reconciler := deletion.New(cfg.Deletion, registry, scoper,
		deletion.WithLogger(logger),
		deletion.WithMetrics(tel.Metrics),
		deletion.WithTracer(tel.Tracer),
	)

	managerOpts := []lifecycle.ManagerOption{
		lifecycle.WithManagerLogger(logger),
		lifecycle.WithMetrics(tel.Metrics),
		lifecycle.WithTracer(tel.Tracer),
		lifecycle.WithOrphanCollector(reconciler),
	}

	if cfg.Policy.Enabled {
		gate, err := buildPolicyGate(ctx, cfg.Policy, logger)
		if err != nil {
			return err
		}
		managerOpts = append(managerOpts, lifecycle.WithAdmissionGate(gate))
	}

	manager := lifecycle.NewManager(scoper.Scope("entities"), registry, managerOpts...)

	sched := scheduler.New(logger, cfg.Scheduler.Jitter)
	if err := sched.Add(scheduler.JobFunc{JobName: "entity-check", Fn: manager.CheckAll}, cfg.Scheduler.CheckInterval); err != nil {
		return err
	}
	if err := sched.Add(scheduler.JobFunc{JobName: "deletion-sweep", Fn: reconciler.Run}, cfg.Scheduler.SweepInterval); err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}

	if !demo {
		watcher := config.NewWatcher(configPath, logger)
		if err := watcher.Watch(ctx, func(fresh *config.Config) error {
			return applyRuntimeConfig(fresh, logger)
		}); err != nil {
			logger.Warn().Err(err).Msg("Config hot reload unavailable")
		}
	}

	logger.Info().
		Int("services", len(registry.ServiceIDs())).
		Str("storage", cfg.Storage.Backend).
		Msg("Broker started")

	if demo {
		if err := seedDemo(ctx, manager); err != nil {
			return err
		}
	}

	sched.Wait()
	logger.Info().Msg("Broker stopped")
	return nil
}

// loadServeConfig loads the config file, or builds an in-memory default for
// demo mode when no file is present.
func loadServeConfig(demo bool) (*config.Config, error) {
	if demo {
		if _, err := os.Stat(configPath); err != nil {
			cfg := config.DefaultConfig()
			cfg.Storage = config.StorageConfig{Backend: "memory"}
			return cfg, nil
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if demo {
		cfg.Storage = config.StorageConfig{Backend: "memory"}
	}
	return cfg, nil
}

// openStorage builds the configured persistence backend.
func openStorage(ctx context.Context, cfg config.StorageConfig, logger zerolog.Logger) (stores.Scoper, func(), error) {
	switch cfg.Backend {
	case "memory":
		return stores.NewMemoryStore(), func() {}, nil

	case "sqlite":
		store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Path})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create sqlite store: %w", err)
		}
		if err := store.Init(ctx); err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("failed to migrate sqlite store: %w", err)
		}
		logger.Info().Str("path", cfg.Path).Msg("SQLite store ready")
		return store, func() { _ = store.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// registerServices builds an adapter for every configured service.
func registerServices(cfg *config.Config, registry *provider.Registry, logger zerolog.Logger) error {
	for _, svc := range cfg.Services {
		switch svc.Type {
		case "mock":
			a := mock.New()
			a.StopRequired = svc.MustStopBeforeDeletion
			a.SoftShutdown = svc.TrySoftShutdown
			registry.Register(svc.ID, a)

		case "proxmox":
			a, err := proxmox.New(proxmox.Options{
				URL:                svc.Proxmox.URL,
				TokenID:            svc.Proxmox.TokenID,
				Secret:             svc.Proxmox.Secret,
				Node:               svc.Proxmox.Node,
				Pool:               svc.Proxmox.Pool,
				InsecureSkipVerify: svc.Proxmox.InsecureSkipVerify,
				TrySoftShutdown:    svc.TrySoftShutdown,
			}, logger)
			if err != nil {
				return fmt.Errorf("service %s: %w", svc.ID, err)
			}
			registry.Register(svc.ID, a)

		default:
			return fmt.Errorf("service %s has unknown type %q", svc.ID, svc.Type)
		}

		logger.Info().Str("service", svc.ID).Str("type", svc.Type).Msg("Service registered")
	}
	return nil
}

// buildPolicyGate creates the OPA admission gate and starts the policy file
// watcher when configured.
func buildPolicyGate(ctx context.Context, cfg config.PolicyConfig, logger zerolog.Logger) (lifecycle.AdmissionGate, error) {
	engine, err := policy.NewEngine(logger, policy.Mode(cfg.Mode))
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}

	if cfg.Dir != "" {
		if err := engine.LoadPolicies(ctx, []string{cfg.Dir}); err != nil {
			return nil, err
		}
		if cfg.Watch {
			loader := policy.NewLoader(logger)
			if err := loader.Watch(ctx, []string{cfg.Dir}, engine.ReplacePolicies); err != nil {
				logger.Warn().Err(err).Msg("Policy hot reload unavailable")
			}
		}
	}

	return engine, nil
}

// applyRuntimeConfig applies the subset of a reloaded configuration that can
// change while the broker runs. Structural settings (storage backend,
// services, intervals) require a restart.
func applyRuntimeConfig(fresh *config.Config, logger zerolog.Logger) error {
	if fresh.Telemetry != nil {
		level, err := zerolog.ParseLevel(fresh.Telemetry.Logging.Level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", fresh.Telemetry.Logging.Level, err)
		}
		zerolog.SetGlobalLevel(level)
		logger.Info().Str("level", level.String()).Msg("Log level applied from reloaded config")
	}
	return nil
}

// seedDemo starts a handful of deployments against the mock service so the
// demo has something to show: one user desktop, two warm spares, and one
// suspended spare.
func seedDemo(ctx context.Context, manager *lifecycle.Manager) error {
	seeds := []struct {
		name    string
		purpose lifecycle.Purpose
	}{
		{"demo-desktop-1", lifecycle.DeployForUser},
		{"demo-spare-l1-1", lifecycle.DeployForCacheL1},
		{"demo-spare-l1-2", lifecycle.DeployForCacheL1},
		{"demo-spare-l2-1", lifecycle.DeployForCacheL2},
	}

	for _, s := range seeds {
		req := provider.CreateRequest{Name: s.name, TemplateID: "demo-template"}
		if _, err := manager.Deploy(ctx, "demo", lifecycle.KindUserService, lifecycle.VariantDynamic, s.purpose, req); err != nil {
			return fmt.Errorf("failed to seed demo deployment %s: %w", s.name, err)
		}
	}
	return nil
}
