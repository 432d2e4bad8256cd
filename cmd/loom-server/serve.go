package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"loom/internal/agent"
	"loom/internal/approval"
	"loom/internal/config"
	"loom/internal/generation"
	"loom/internal/llm"
	"loom/internal/logging"
	"loom/internal/notify"
	"loom/internal/observability"
	"loom/internal/orchestrator"
	"loom/internal/server"
	"loom/internal/store"
	"loom/internal/stream"
	"loom/internal/tools"
)

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, closeLog := logging.NewWithOptions("loom", logging.Options{
		Level: logging.ParseLevel(cfg.Log.Level),
		File:  cfg.Log.File,
	})
	defer func() { _ = closeLog() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("loom %s starting (backend %s, model %s, store %s)",
		version, cfg.Backend.BaseURL, cfg.Backend.Model, cfg.Store.Driver)

	collector, err := observability.NewCollector(observability.MetricsConfig{
		Enabled: cfg.Metrics.Enabled,
		Addr:    cfg.Metrics.Addr,
	}, logging.WithComponent(logger, "metrics"))
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	tracer, err := observability.NewTracerProvider(observability.TracingConfig{
		Exporter:       cfg.Tracing.Exporter,
		Endpoint:       cfg.Tracing.Endpoint,
		ServiceVersion: version,
		SampleRate:     cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	st, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}

	coalescer := store.NewCoalescer(st, store.CoalescerOptions{
		Interval:       cfg.Coalescer.Interval,
		BurstThreshold: cfg.Coalescer.BurstThreshold,
		MaxRetries:     cfg.Coalescer.MaxRetries,
		OnWrite: func(outcome string) {
			collector.RecordCoalescerWrite(context.Background(), outcome)
		},
	}, logging.WithComponent(logger, "coalescer"))
	coalescer.Start(ctx)
	if err := collector.RegisterPendingGauge(coalescer.Pending); err != nil {
		logger.Warn("registering coalescer gauge failed: %v", err)
	}

	client := llm.NewOllamaClient(cfg.Backend.BaseURL, cfg.Backend.CallTimeout,
		logging.WithComponent(logger, "llm"))
	health := llm.NewHealthCache(client, llm.HealthOptions{
		ProbeTimeout: cfg.Backend.ProbeTimeout,
		SuccessTTL:   cfg.Health.SuccessTTL,
		FailureTTL:   cfg.Health.FailureTTL,
		OnProbe: func(available bool) {
			collector.RecordProbe(context.Background(), available)
		},
	}, logging.WithComponent(logger, "health"))

	broker := approval.NewBroker(cfg.Approval.Timeout, logging.WithComponent(logger, "approval"))
	executor, palette := buildExecutor(cfg, broker, tracer, collector, logger)

	ingestor := stream.NewIngestor(client, executor, stream.Options{
		IdleTimeout: cfg.Stream.IdleTimeout,
	}, logging.WithComponent(logger, "stream"))

	controller := agent.NewController(client, executor, agent.Options{}, logging.WithComponent(logger, "agent"))

	registry := generation.NewRegistry(cfg.Backend.GenerationTimeout,
		logging.WithComponent(logger, "generation"))
	hub := notify.NewHub(logging.WithComponent(logger, "notify"))

	orch := orchestrator.New(st, coalescer, health, ingestor, controller, registry, hub, collector, tracer,
		orchestrator.Options{
			Model:                  cfg.Backend.Model,
			Temperature:            cfg.Backend.Temperature,
			TopP:                   cfg.Backend.TopP,
			MaxTokens:              cfg.Backend.MaxTokens,
			ChatMaxIterations:      cfg.Agent.ChatMaxIterations,
			WorkspaceMaxIterations: cfg.Agent.WorkspaceMaxIterations,
			AgenticKeywords:        cfg.Agent.AgenticKeywords,
			ToolPalette:            palette,
		}, logging.WithComponent(logger, "orchestrator"))

	srv := server.New(cfg.Server, server.Deps{
		Orchestrator: orch,
		Store:        st,
		Health:       health,
		Hub:          hub,
		Approvals:    broker,
		Version:      version,
		Logger:       logging.WithComponent(logger, "http"),
	})

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run()
		return nil
	})
	g.Go(srv.Start)
	g.Go(func() error {
		<-runCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		hub.Stop()
		return err
	})

	err = g.Wait()

	// Drain and release everything that might still hold writes.
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	coalescer.Close(drainCtx)
	if closeErr := st.Close(drainCtx); closeErr != nil {
		logger.Warn("closing store: %v", closeErr)
	}
	if mErr := collector.Shutdown(drainCtx); mErr != nil {
		logger.Warn("metrics shutdown: %v", mErr)
	}
	if tErr := tracer.Shutdown(drainCtx); tErr != nil {
		logger.Warn("tracing shutdown: %v", tErr)
	}
	logger.Info("loom stopped")
	return err
}

func buildStore(ctx context.Context, cfg *config.Config, logger logging.Logger) (store.Store, error) {
	storeLogger := logging.WithComponent(logger, "store")
	switch cfg.Store.Driver {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "file":
		return store.NewFileStore(cfg.Store.FileDir, storeLogger)
	case "postgres":
		pg, err := store.NewPostgresStore(ctx, cfg.Store.PostgresDSN, storeLogger)
		if err != nil {
			return nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			_ = pg.Close(ctx)
			return nil, err
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// buildExecutor assembles the tool chain: the base runner (builtin registry
// or sandbox) instrumented with spans and metrics, a result cache for
// read-only tools, and the approval gate outermost so cached results never
// bypass it.
func buildExecutor(cfg *config.Config, broker *approval.Broker, tracer *observability.TracerProvider, collector *observability.Collector, logger logging.Logger) (tools.Executor, string) {
	toolsLogger := logging.WithComponent(logger, "tools")

	var (
		executor tools.Executor
		palette  string
	)
	if cfg.Tools.SandboxURL != "" {
		sandbox := tools.NewHTTPExecutor(cfg.Tools.SandboxURL, cfg.Backend.CallTimeout,
			cfg.Tools.SandboxTools, toolsLogger)
		executor = sandbox
		palette = strings.Join(sandbox.Names(), ", ")
	} else {
		registry := tools.NewBuiltinRegistry(tools.BuiltinOptions{
			ScratchDir: cfg.Tools.ScratchDir,
		}, toolsLogger)
		executor = registry
		palette = registry.Describe()
	}
	executor = observability.NewInstrumentedExecutor(executor, tracer, collector)

	if cfg.Tools.CacheSize > 0 && len(cfg.Tools.CacheableTools) > 0 {
		executor = tools.NewCachedExecutor(executor, tools.CacheConfig{
			MaxSize: cfg.Tools.CacheSize,
			TTL:     cfg.Tools.CacheTTL,
			Include: cfg.Tools.CacheableTools,
		}, toolsLogger)
	}

	if approver := buildApprover(cfg, broker, logger); approver != nil && len(cfg.Approval.DangerousTools) > 0 {
		executor = tools.NewApprovedExecutor(executor, approver, cfg.Approval.DangerousTools, toolsLogger)
	}
	return executor, palette
}

func buildApprover(cfg *config.Config, broker *approval.Broker, logger logging.Logger) approval.Approver {
	switch cfg.Approval.Mode {
	case "terminal":
		return approval.NewTerminal(cfg.Approval.Timeout, logging.WithComponent(logger, "approval"))
	case "http":
		return broker
	default:
		return approval.Auto{Allow: true}
	}
}
