package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/moonbotlabs/moonbot/internal/agent"
	"github.com/moonbotlabs/moonbot/internal/agent/providers"
	"github.com/moonbotlabs/moonbot/internal/approvals"
	"github.com/moonbotlabs/moonbot/internal/audit"
	"github.com/moonbotlabs/moonbot/internal/auth"
	"github.com/moonbotlabs/moonbot/internal/config"
	"github.com/moonbotlabs/moonbot/internal/cron"
	"github.com/moonbotlabs/moonbot/internal/events"
	"github.com/moonbotlabs/moonbot/internal/gateway"
	"github.com/moonbotlabs/moonbot/internal/observability"
	"github.com/moonbotlabs/moonbot/internal/pairing"
	"github.com/moonbotlabs/moonbot/internal/policy"
	"github.com/moonbotlabs/moonbot/internal/ratelimit"
	"github.com/moonbotlabs/moonbot/internal/sessions"
	"github.com/moonbotlabs/moonbot/internal/tasks"
	"github.com/moonbotlabs/moonbot/internal/tools"
	"github.com/moonbotlabs/moonbot/internal/tools/builtin"
	"github.com/moonbotlabs/moonbot/internal/tools/runtime"
	"github.com/moonbotlabs/moonbot/internal/tools/toolschema"
	"github.com/moonbotlabs/moonbot/internal/workspace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// agentID names this daemon in sessions, tasks, and invocations.
	agentID = "moonbot"

	// shutdownGrace bounds the entire teardown sequence.
	shutdownGrace = 30 * time.Second

	// auditRetention is how long vacuumed audit events are kept.
	auditRetention = 30 * 24 * time.Hour
)

// runServe implements the serve command: load config, assemble the daemon,
// run until a signal arrives, then unwind in reverse order.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := cfg.Observability.LogLevel
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:     level,
		Format:    cfg.Observability.LogFormat,
		AddSource: debug,
	})
	slog.SetDefault(logger)

	logger.Info("starting moonbot daemon",
		"version", version,
		"commit", commit,
		"config", configPath,
		"workspace", cfg.Workspace.Root,
		"bind", cfg.Gateway.Bind,
	)

	d, err := newDaemon(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := d.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer stopCancel()
		_ = d.Stop(stopCtx)
		return err
	}

	logger.Info("moonbot daemon started", "addr", d.server.Addr(), "planner", plannerName(cfg))

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()

	if err := d.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info("moonbot daemon stopped gracefully")
	return nil
}

func plannerName(cfg *config.Config) string {
	if cfg.Planner.Provider == "" {
		return "keyword"
	}
	return cfg.Planner.Provider
}

// daemon owns every long-lived component of a running gateway, in the
// order they are assembled and the reverse order they are torn down.
type daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	tracerStop func(context.Context) error

	bus      *events.Bus
	audit    *audit.Store
	bridge   *audit.Bridge
	sessions *sessions.Store
	policy   *policy.Engine
	runtime  *runtime.Runtime
	flow     *approvals.Flow
	orch     *tasks.Orchestrator
	pairing  *pairing.Store
	gateway  *gateway.Gateway
	server   *gateway.Server
	sched    *cron.Scheduler
}

// newDaemon assembles the component graph. Nothing here accepts traffic;
// goroutines with external effects start in Start.
func newDaemon(cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	var (
		metrics        *observability.Metrics
		metricsHandler http.Handler
	)
	if cfg.Observability.Metrics {
		reg := prometheus.NewRegistry()
		metrics = observability.NewMetrics(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}
	tracer, tracerStop := observability.NewTracer(observability.TraceConfig{
		ServiceName:    agentID,
		ServiceVersion: version,
		Endpoint:       cfg.Observability.OTLPEndpoint,
	})

	root, err := workspace.EnsureRoot(cfg.Workspace.Root)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	if err := workspace.EnsureState(cfg.StateDir); err != nil {
		return nil, fmt.Errorf("state dir: %w", err)
	}
	resolver := workspace.NewResolver(root)

	var auditStore *audit.Store
	if cfg.Audit.Enabled {
		auditStore, err = audit.Open(cfg.AuditPath(), logger)
		if err != nil {
			return nil, fmt.Errorf("open audit store: %w", err)
		}
	}

	sessionStore := sessions.NewStore(cfg.SessionsDir(), logger)
	bus := events.NewBus()

	var bridge *audit.Bridge
	if auditStore != nil {
		bridge = audit.NewBridge(bus, auditStore)
	}

	registry := tools.NewRegistry()
	builtin.Register(registry, builtin.Config{
		Workspace:       resolver,
		MaxOutputBytes:  int(cfg.Exec.MaxOutputBytes),
		MaxProcsPerUser: cfg.Exec.MaxSessionsPerUser,
		Logger:          logger,
	})

	engine, err := policy.NewEngine(cfg.PolicyPath(), root, logger)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}

	rt := runtime.New(runtime.Options{
		Registry:         registry,
		Validator:        toolschema.NewValidator(),
		Policy:           engine,
		Bus:              bus,
		Logger:           logger,
		Metrics:          metrics,
		Tracer:           tracer,
		WorkspaceRoot:    root,
		ApprovalsEnabled: cfg.Approvals.Enabled,
		MaxConcurrent:    int64(cfg.Tools.MaxConcurrent),
		DefaultTimeout:   cfg.Tools.DefaultTimeout,
		MaxOutputBytes:   cfg.Exec.MaxOutputBytes,
		TTL:              cfg.Tools.InvocationTTL,
	})

	flow := approvals.NewFlow(approvals.Options{
		StorePath: cfg.ApprovalStorePath(),
		Expiry:    cfg.Approvals.Expiry,
		Bus:       bus,
		Logger:    logger,
		Metrics:   metrics,
	})

	provider, err := buildProvider(cfg)
	if err != nil {
		return nil, err
	}
	planner := agent.NewPlanner(agent.PlannerOptions{
		Provider:      provider,
		Registry:      registry,
		WorkspaceRoot: root,
		MaxSteps:      cfg.Planner.MaxSteps,
		Logger:        logger,
		Metrics:       metrics,
		Tracer:        tracer,
	})
	executor := agent.NewExecutor(agent.ExecutorOptions{
		Invoker:   rt,
		Sessions:  sessionStore,
		Replanner: agent.NewReplanner(cfg.Planner.RetryLimit, logger),
		Bus:       bus,
		Logger:    logger,
	})
	pipeline := agent.NewPipeline(planner, executor, sessionStore, logger)

	orch := tasks.NewOrchestrator(tasks.Options{
		Pipeline: pipeline,
		Sessions: sessionStore,
		Bus:      bus,
		AgentID:  agentID,
		Logger:   logger,
		Metrics:  metrics,
	})

	pairStore := pairing.NewStore(cfg.PairingStatePath(), logger)

	verifier, err := auth.NewVerifier(auth.Config{
		TokenHashes:       cfg.Auth.TokenHashes,
		Tokens:            cfg.Auth.Tokens,
		AllowLegacyTokens: cfg.Auth.AllowLegacyTokens,
		JWTSecret:         cfg.Auth.JWTSecret,
		SessionTTL:        cfg.Auth.SessionTokenTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("configure auth: %w", err)
	}

	var limiter *ratelimit.Limiter
	if cfg.Gateway.ConnectRate > 0 {
		limiter = ratelimit.New(ratelimit.PerMinute(cfg.Gateway.ConnectRate, cfg.Gateway.ConnectBurst))
	}

	var recorder audit.Recorder
	if auditStore != nil {
		recorder = auditStore
	}
	gw := gateway.New(gateway.Options{
		Registry:       registry,
		Runtime:        rt,
		Approvals:      flow,
		Orchestrator:   orch,
		Sessions:       sessionStore,
		Verifier:       verifier,
		Limiter:        limiter,
		Bus:            bus,
		Audit:          recorder,
		Logger:         logger,
		Metrics:        metrics,
		Tracer:         tracer,
		RequestTimeout: cfg.Gateway.RequestTimeout,
		MaxFrameBytes:  cfg.Gateway.MaxFrameBytes,
		AgentID:        agentID,
		ServerVersion:  version,
	})
	server := gateway.NewServer(gateway.ServerOptions{
		Bind:    cfg.Gateway.Bind,
		Gateway: gw,
		Metrics: metricsHandler,
		Logger:  logger,
	})

	d := &daemon{
		cfg:        cfg,
		logger:     logger,
		tracerStop: tracerStop,
		bus:        bus,
		audit:      auditStore,
		bridge:     bridge,
		sessions:   sessionStore,
		policy:     engine,
		runtime:    rt,
		flow:       flow,
		orch:       orch,
		pairing:    pairStore,
		gateway:    gw,
		server:     server,
		sched:      cron.New(logger),
	}
	if err := d.scheduleMaintenance(); err != nil {
		return nil, err
	}
	return d, nil
}

// buildProvider maps the configured planner provider to a client. An empty
// provider selects the deterministic keyword planner.
func buildProvider(cfg *config.Config) (agent.Provider, error) {
	switch cfg.Planner.Provider {
	case "anthropic":
		p, err := providers.NewAnthropic(providers.AnthropicConfig{
			APIKey: cfg.Providers.Anthropic.APIKey,
			Model:  cfg.Providers.Anthropic.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("anthropic provider: %w", err)
		}
		return p, nil
	case "openai":
		p, err := providers.NewOpenAI(providers.OpenAIConfig{
			APIKey:  cfg.Providers.OpenAI.APIKey,
			BaseURL: cfg.Providers.OpenAI.BaseURL,
			Model:   cfg.Providers.OpenAI.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("openai provider: %w", err)
		}
		return p, nil
	default:
		return nil, nil
	}
}

func (d *daemon) scheduleMaintenance() error {
	jobs := []cron.Job{
		{
			Name: "invocation-sweep",
			Spec: fmt.Sprintf("@every %s", d.cfg.Tools.SweepInterval),
			Run: func(context.Context) error {
				d.runtime.Sweep()
				return nil
			},
		},
		{
			Name: "approval-expiry",
			Spec: "@every 1m",
			Run: func(ctx context.Context) error {
				_, err := d.flow.ExpirePending(ctx)
				return err
			},
		},
		{
			Name: "pairing-cleanup",
			Spec: "@every 1h",
			Run: func(context.Context) error {
				_, err := d.pairing.Cleanup()
				return err
			},
		},
	}
	if d.audit != nil {
		jobs = append(jobs, cron.Job{
			Name: "audit-vacuum",
			Spec: "@daily",
			Run: func(ctx context.Context) error {
				_, err := d.audit.Vacuum(ctx, auditRetention)
				return err
			},
		})
	}
	for _, job := range jobs {
		if err := d.sched.Add(job); err != nil {
			return fmt.Errorf("schedule %s: %w", job.Name, err)
		}
	}
	return nil
}

// Start brings the daemon online: policy watcher, orchestrator workers,
// gateway fan-out, HTTP listener, maintenance schedule. ctx bounds the
// lifetime of everything started here.
func (d *daemon) Start(ctx context.Context) error {
	if d.cfg.Policy.Watch {
		if err := d.policy.Watch(ctx); err != nil {
			return fmt.Errorf("watch policy: %w", err)
		}
	}
	if err := d.orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	d.gateway.Start()
	if err := d.server.Start(); err != nil {
		return err
	}
	d.sched.Start(ctx)
	return nil
}

// Stop unwinds in reverse: stop accepting, stop maintenance, drain tasks,
// drop connections, then flush and close the stores.
func (d *daemon) Stop(ctx context.Context) error {
	var errs []error

	if err := d.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}
	if err := d.sched.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler stop: %w", err))
	}
	if err := d.orch.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator stop: %w", err))
	}
	d.gateway.Close()
	if err := d.policy.Close(); err != nil {
		errs = append(errs, fmt.Errorf("policy close: %w", err))
	}
	if d.bridge != nil {
		d.bridge.Close()
	}
	if d.audit != nil {
		if err := d.audit.Close(); err != nil {
			errs = append(errs, fmt.Errorf("audit close: %w", err))
		}
	}
	if err := d.sessions.Close(); err != nil {
		errs = append(errs, fmt.Errorf("sessions close: %w", err))
	}
	d.bus.Close()
	if err := d.tracerStop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracer stop: %w", err))
	}

	return errors.Join(errs...)
}
