// Command studiod runs the job execution core: the LLM and render
// schedulers, the render pipeline, the orchestration engine and the ops
// endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wavecraft/studio-core/internal/adapter/kv"
	"github.com/wavecraft/studio-core/internal/adapter/observability"
	"github.com/wavecraft/studio-core/internal/adapter/procman"
	"github.com/wavecraft/studio-core/internal/adapter/state"
	"github.com/wavecraft/studio-core/internal/config"
	"github.com/wavecraft/studio-core/internal/domain"
	"github.com/wavecraft/studio-core/internal/eventbus"
	"github.com/wavecraft/studio-core/internal/orchestration"
	"github.com/wavecraft/studio-core/internal/pattern"
	"github.com/wavecraft/studio-core/internal/render"
	"github.com/wavecraft/studio-core/internal/render/samples"
	"github.com/wavecraft/studio-core/internal/scheduler"
	"github.com/wavecraft/studio-core/internal/usecase"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	shutdownTracing, err := observability.SetupTracing(cfg)
	if err != nil {
		return fmt.Errorf("tracing setup: %w", err)
	}
	observability.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// KV plane: remote redis with the embedded in-process fallback.
	remote, err := kv.NewRedisStoreFromURL(cfg.RedisURL)
	if err != nil {
		return err
	}
	store, err := kv.NewFailover(remote, cfg.KVProbeInterval)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	states := state.NewStore(store)
	llmQueue := state.NewQueue(store, domain.FamilyLLM, cfg.LLMMaxQueueSize)
	renderQueue := state.NewQueue(store, domain.FamilyRender, cfg.RenderMaxQueueSize)
	limiter := kv.NewRateLimiter(store, cfg.RateLimitPerMin, time.Minute)

	var sink domain.EventSink
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaBrokers[0] != "" {
		archiver, err := eventbus.NewArchiver(cfg.KafkaBrokers)
		if err != nil {
			logger.Warn("event archiver unavailable, continuing without", slog.Any("error", err))
		} else {
			sink = archiver
			defer archiver.Close()
		}
	}
	bus := eventbus.New(sink)

	manager := procman.New(procman.Config{
		CLIPath:         cfg.LLMCLIPath,
		DefaultTimeout:  cfg.LLMDefaultTimeout,
		MaxPromptTokens: cfg.MaxPromptTokens,
		MaxRetries:      cfg.LLMMaxRetries,
	}, states, bus)
	if err := manager.ReclaimZombies(ctx); err != nil {
		logger.Warn("zombie reclamation failed", slog.Any("error", err))
	}

	evaluator := pattern.NewEmbedded()
	validator := render.NewValidator(store, evaluator, cfg.MaxPatternLength, logger)
	cache := samples.NewCache(cfg.SampleRepoURL, cfg.SampleCacheDir, render.DecodeWAV)
	engine := render.NewEngine(cache, cfg.RenderTimeout, cfg.EncodeTimeout, logger)
	renderExec := render.NewExecutor(validator, evaluator, engine, states, bus, logger)

	llmSched := scheduler.New(scheduler.Config{
		MaxConcurrent:       cfg.LLMMaxConcurrent,
		Tick:                cfg.SchedulerTick,
		EstimatedJobSeconds: cfg.EstimatedJobSeconds,
		MaxRetries:          cfg.LLMMaxRetries,
	}, scheduler.NewLLMFamily(states), llmQueue, limiter, manager, bus, logger)
	renderSched := scheduler.New(scheduler.Config{
		MaxConcurrent:       cfg.RenderMaxConcurrent,
		Tick:                cfg.SchedulerTick,
		EstimatedJobSeconds: cfg.EstimatedJobSeconds,
	}, scheduler.NewRenderFamily(states), renderQueue, limiter, renderExec, bus, logger)
	llmSched.Start(ctx)
	renderSched.Start(ctx)

	workflows := orchestration.NewEngine(cfg.MaxParallelSteps, logger)
	workflows.Register(domain.AgentLLM, manager)
	workflows.Register(domain.AgentRender, renderExec)

	jobs := usecase.NewJobService(states, llmSched, renderSched, bus, validator)

	ops := chi.NewRouter()
	ops.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := jobs.ValidatePattern(r.Context(), `s("bd")`); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	ops.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	ops.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.OpsPort),
		Handler:           ops,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("ops server listening", slog.Int("port", cfg.OpsPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server failed", slog.Any("error", err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down", slog.Duration("timeout", cfg.ShutdownTimeout))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if !llmSched.Drain(cfg.ShutdownTimeout) {
		logger.Warn("llm scheduler did not drain in time")
	}
	if !renderSched.Drain(cfg.ShutdownTimeout) {
		logger.Warn("render scheduler did not drain in time")
	}
	if !manager.WaitAll(cfg.ShutdownTimeout) {
		logger.Warn("processes still live at shutdown deadline")
	}
	if shutdownTracing != nil {
		_ = shutdownTracing(shutdownCtx)
	}
	return nil
}
