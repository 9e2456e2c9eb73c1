package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/forgeflow/forgeflow/internal/agent"
	"github.com/forgeflow/forgeflow/internal/bridge"
	"github.com/forgeflow/forgeflow/internal/checkpoint"
	"github.com/forgeflow/forgeflow/internal/config"
	"github.com/forgeflow/forgeflow/internal/executor"
	"github.com/forgeflow/forgeflow/internal/hub"
	"github.com/forgeflow/forgeflow/internal/issues"
	"github.com/forgeflow/forgeflow/internal/llm"
	"github.com/forgeflow/forgeflow/internal/llm/providers"
	"github.com/forgeflow/forgeflow/internal/observability"
	"github.com/forgeflow/forgeflow/internal/planning"
	"github.com/forgeflow/forgeflow/internal/supervisor"
	"github.com/forgeflow/forgeflow/internal/tracker"
	"github.com/forgeflow/forgeflow/pkg/models"
)

type runOptions struct {
	configPath string
	projectID  string
	mode       string
	issueIID   int
	resume     bool
	debug      bool
}

func runRun(ctx context.Context, opts runOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.debug {
		cfg.Logs.Level = "debug"
	}
	switch opts.mode {
	case string(supervisor.ModeAnalyze), string(supervisor.ModeImplement):
	default:
		return fmt.Errorf("unknown mode %q: use analyze or implement", opts.mode)
	}

	logger := observability.NewLogger(observability.LogConfig{Level: cfg.Logs.Level})
	observability.SetDefault(logger)
	metrics := observability.NewMetrics()
	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
		ServiceVersion: version,
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
	})
	defer shutdown(context.Background())

	runID := uuid.NewString()
	projectID := opts.projectID
	if opts.resume {
		var ckptProject string
		runID, ckptProject, err = resumeTarget(cfg.Logs.Dir, logger)
		if err != nil {
			return fmt.Errorf("resume: %w", err)
		}
		if projectID == "" {
			projectID = ckptProject
		}
	}
	if projectID == "" {
		return fmt.Errorf("--project is required")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runtime := config.NewRuntime(cfg)
	result, err := orchestrate(ctx, runtime, logger, metrics, tracer, supervisor.Options{
		Mode:          supervisor.Mode(opts.mode),
		ProjectID:     projectID,
		RunID:         runID,
		SpecificIssue: opts.issueIID,
		Resume:        opts.resume,
	}, nil)

	switch {
	case result != nil && result.Canceled:
		return &exitCodeError{code: 130}
	case err != nil:
		return &exitCodeError{code: 2, err: err}
	case result == nil:
		return &exitCodeError{code: 2, err: fmt.Errorf("run produced no result")}
	case result.State == supervisor.StateFailed:
		return &exitCodeError{code: 2, err: fmt.Errorf("run failed: %s", result.Reason)}
	case len(result.FailedIssues) > 0:
		return &exitCodeError{code: 1, err: fmt.Errorf("%d issue(s) failed", len(result.FailedIssues))}
	default:
		return nil
	}
}

// resumeTarget locates the most recent checkpointed run. With no checkpoint
// on disk the run starts fresh under a new ID.
func resumeTarget(logsDir string, logger *slog.Logger) (runID, projectID string, err error) {
	runID, err = checkpoint.LatestRunID(logsDir)
	if err != nil {
		return "", "", err
	}
	if runID == "" {
		logger.Warn("no checkpoint found; starting a fresh run")
		return uuid.NewString(), "", nil
	}
	state, err := checkpoint.NewManager(logsDir, runID, logger).Load()
	if err != nil {
		return "", "", err
	}
	if state != nil {
		projectID = state.ProjectID
	}
	return runID, projectID, nil
}

func runServe(ctx context.Context, configPath, addr string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logs.Level = "debug"
	}
	if addr == "" {
		addr = cfg.Server.Addr
	}

	logger := observability.NewLogger(observability.LogConfig{Level: cfg.Logs.Level})
	observability.SetDefault(logger)
	metrics := observability.NewMetrics()
	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
		ServiceVersion: version,
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
	})
	defer shutdown(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runtime := config.NewRuntime(cfg)
	controller := &serveController{
		logger:  logger,
		runtime: runtime,
		metrics: metrics,
		tracer:  tracer,
	}
	h := hub.New(hub.Config{}, logger, runtime, controller)
	controller.hub = h

	go h.Run(ctx)
	go pollClientGauge(ctx, h, metrics)

	mux := http.NewServeMux()
	mux.Handle("/ws", h.Handler())
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		controller.StopRun()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func runValidate(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	fmt.Printf("configuration valid\n  provider: %s\n  model:    %s\n  bridge:   %s\n",
		cfg.LLM.Provider, cfg.LLM.Model, cfg.Bridge.Transport)
	return nil
}

// orchestrate wires one run end to end: bridge connection, agent runtime,
// managers, and the supervisor. Used by both the run command and the
// WebSocket start_system handler.
func orchestrate(ctx context.Context, runtime *config.Runtime, logger *slog.Logger,
	metrics *observability.Metrics, tracer *observability.Tracer,
	opts supervisor.Options, sink supervisor.EventSink) (*supervisor.Result, error) {
	cfg := runtime.Snapshot()

	ctx, span := tracer.Start(ctx, "run")
	defer span.End()

	client := bridge.NewClient(bridgeConfig(cfg.Bridge), logger, bridgeLogFunc(sink, logger))
	if err := client.Connect(ctx); err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("connect tool bridge: %w", err)
	}
	defer client.Close()

	tools := &meteredTools{client: client, metrics: metrics, tracer: tracer}
	runner := agent.NewRunner(tools, logger, cfg.Agent.RecursionLimit)

	runTracker := tracker.NewRunTracker()
	runner.SetToolCallHook(toolCallHook(runTracker))
	newProvider := func(llmCfg config.LLMConfig) (llm.Provider, error) {
		p, err := providers.New(llmCfg)
		if err != nil {
			return nil, err
		}
		return &meteredProvider{Provider: p, metrics: metrics}, nil
	}

	exec := &meteredExecutor{
		Executor: executor.New(runner, newProvider, runtime, runTracker, logger,
			opts.ProjectID, toolDefs(client.ListTools()), outputFunc(sink, logger)),
		runtime: runtime,
		metrics: metrics,
		tracer:  tracer,
	}

	issueMgr := issues.NewManager(tools, logger, opts.ProjectID)
	planMgr := planning.NewManager(tools, logger)
	ckpt := &meteredCheckpoints{
		Manager: checkpoint.NewManager(cfg.Logs.Dir, opts.RunID, logger),
		metrics: metrics,
	}
	exporter := &meteredExporter{
		Exporter: tracker.NewExporter(cfg.Logs.Dir, opts.RunID, logger),
		metrics:  metrics,
	}

	sup := supervisor.New(opts, cfg.Supervisor, logger, exec, issueMgr, planMgr,
		ckpt, tools, runTracker, exporter, sink)

	result, err := sup.Execute(ctx)
	if err != nil {
		tracer.RecordError(span, err)
	}
	return result, err
}

// serveController starts and stops orchestration runs on behalf of
// WebSocket clients. One run at a time.
type serveController struct {
	logger  *slog.Logger
	runtime *config.Runtime
	metrics *observability.Metrics
	tracer  *observability.Tracer
	hub     *hub.Hub

	mu     sync.Mutex
	cancel context.CancelFunc
	runs   int
}

func (c *serveController) StartRun(start models.StartConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runtime.RunActive() {
		return fmt.Errorf("run already in progress")
	}
	if start.ProjectID == "" {
		return fmt.Errorf("project_id is required")
	}

	mode := supervisor.ModeImplement
	if start.Mode == "analyze" {
		mode = supervisor.ModeAnalyze
	}
	opts := supervisor.Options{
		Mode:          mode,
		ProjectID:     start.ProjectID,
		RunID:         uuid.NewString(),
		SpecificIssue: start.SpecificIssue,
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.runtime.SetRunActive(true)
	// Each run opens a fresh bridge connection; count re-establishments.
	if c.runs > 0 {
		c.metrics.BridgeReconnects.Inc()
	}
	c.runs++

	logger := c.logger.With("run_id", opts.RunID)
	logger.Info("starting run", "project_id", opts.ProjectID, "mode", mode)

	go func() {
		defer cancel()
		defer c.runtime.SetRunActive(false)
		result, err := orchestrate(ctx, c.runtime, logger, c.metrics, c.tracer, opts, c.hub)
		switch {
		case err != nil:
			logger.Error("run failed", "error", err)
		case result.Canceled:
			logger.Info("run canceled")
		default:
			logger.Info("run finished", "state", result.State,
				"completed", len(result.CompletedIssues), "failed", len(result.FailedIssues))
		}
	}()
	return nil
}

func (c *serveController) StopRun() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil || !c.runtime.RunActive() {
		return false
	}
	c.cancel()
	return true
}

// pollClientGauge mirrors the hub's connection count into the metrics gauge.
func pollClientGauge(ctx context.Context, h *hub.Hub, metrics *observability.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.ConnectedClients.Set(float64(h.ConnectionCount()))
		}
	}
}

func bridgeConfig(cfg config.BridgeConfig) *bridge.Config {
	env := make(map[string]string, len(cfg.Env))
	for _, entry := range cfg.Env {
		if key, value, ok := strings.Cut(entry, "="); ok {
			env[key] = value
		}
	}
	return &bridge.Config{
		Transport:   cfg.Transport,
		Command:     cfg.Command,
		Args:        cfg.Args,
		Env:         env,
		WorkDir:     cfg.WorkDir,
		URL:         cfg.URL,
		CallTimeout: cfg.ToolTimeout,
	}
}

func toolDefs(descriptors []*bridge.ToolDescriptor) []llm.ToolDef {
	defs := make([]llm.ToolDef, 0, len(descriptors))
	for _, d := range descriptors {
		defs = append(defs, llm.ToolDef{
			Name:        d.Name,
			Description: d.Description,
			Schema:      d.InputSchema,
		})
	}
	return defs
}

// bridgeLogFunc forwards redacted MCP traffic to WebSocket clients.
func bridgeLogFunc(sink supervisor.EventSink, logger *slog.Logger) bridge.LogFunc {
	return func(message, level string) {
		redacted := observability.Redact(message)
		logger.Debug("bridge", "level", level, "message", redacted)
		if sink != nil {
			sink.Publish(models.NewEvent(models.EventMCPLog, map[string]any{
				"message": redacted,
				"level":   level,
			}))
		}
	}
}

// outputFunc forwards streamed agent text to WebSocket clients.
func outputFunc(sink supervisor.EventSink, logger *slog.Logger) executor.OutputFunc {
	return func(agentName, text string) {
		logger.Debug("agent output", "agent", agentName, "chars", len(text))
		if sink != nil {
			sink.Publish(models.NewEvent(models.EventAgentOutput, models.AgentOutput{
				Agent:   agentName,
				Content: text,
			}))
		}
	}
}
