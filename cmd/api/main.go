package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobarin/sceneforge/internal/api"
	"github.com/bobarin/sceneforge/internal/app"
	"github.com/bobarin/sceneforge/internal/config"
	"github.com/bobarin/sceneforge/internal/db"
	"github.com/bobarin/sceneforge/internal/models"
	"github.com/bobarin/sceneforge/internal/orchestrator"
	"github.com/bobarin/sceneforge/internal/pebblestore"
	"github.com/bobarin/sceneforge/internal/pkg/logger"
	"github.com/bobarin/sceneforge/internal/queue"
	"github.com/bobarin/sceneforge/internal/services"
	"github.com/bobarin/sceneforge/internal/status"
	"github.com/bobarin/sceneforge/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.New(logger.Config{}).LogFatal("[Startup] failed to load config", err)
	}
	log := app.NewLogger(cfg, "sceneforge-api")
	log.Info("[Startup] starting SceneForge API", "worker_mode", cfg.WorkerMode, "store", cfg.StoreDriver, "artifacts", cfg.ArtifactDriver)

	// Job store
	var (
		store  orchestrator.JobStore
		checks []api.HealthCheck
	)
	switch cfg.StoreDriver {
	case "postgres":
		database, err := db.New(cfg.DatabaseURL)
		if err != nil {
			log.LogFatal("[Startup] failed to connect to database", err)
		}
		defer database.Close()
		if err := database.Migrate(context.Background()); err != nil {
			log.LogFatal("[Startup] failed to migrate database", err)
		}
		store = database
		checks = append(checks, api.HealthCheck{Name: "database", Check: database.PingContext})
		log.Info("[Startup] connected to database")
	case "pebble":
		ps, err := pebblestore.Open(cfg.PebblePath)
		if err != nil {
			log.LogFatal("[Startup] failed to open pebble store", err, "path", cfg.PebblePath)
		}
		defer ps.Close()
		store = ps
		checks = append(checks, api.HealthCheck{Name: "database", Check: func(context.Context) error { return ps.CheckHealth() }})
		log.Info("[Startup] opened pebble store", "path", cfg.PebblePath)
	}

	artifacts, err := app.OpenArtifacts(cfg, log)
	if err != nil {
		log.LogFatal("[Startup] failed to initialize artifact store", err)
	}

	media := app.NewMedia(cfg, artifacts, log)

	handlerCfg := api.HandlerConfig{
		WorkerMode:       cfg.WorkerMode,
		KenBurnsStrategy: cfg.KenBurnsStrategy,
	}

	// Dispatch: render in-process, or hand tasks to remote workers through Redis
	var dispatcher orchestrator.Dispatcher
	if cfg.WorkerMode == "remote" {
		q, err := queue.New(cfg.RedisURL, log)
		if err != nil {
			log.LogFatal("[Startup] failed to connect to queue", err)
		}
		defer q.Close()
		dispatcher = worker.NewRemoteDispatcher(q, cfg.RemoteWaitSlop)
		checks = append(checks, api.HealthCheck{Name: "queue", Check: q.Ping})
		handlerCfg.QueueDepth = q.GetQueueLength
		log.Info("[Startup] dispatching scenes to remote workers")

		if cfg.WorkerEnabled {
			w := worker.New(q, worker.NewExecutor(media.Renderer, artifacts, cfg.WorkDir, log), 0, log)
			workerCtx, workerCancel := context.WithCancel(context.Background())
			defer workerCancel()
			go w.Start(workerCtx, cfg.MaxConcurrentScenes)
			log.Info("[Startup] in-process worker consuming the render queue", "concurrency", cfg.MaxConcurrentScenes)
		}
	} else {
		dispatcher = worker.NewLocalDispatcher(worker.NewExecutor(media.Renderer, nil, cfg.WorkDir, log))
	}

	var transcriber services.Transcriber
	if cfg.OpenAIKey != "" {
		transcriber = services.NewWhisperTranscriber(cfg.OpenAIKey, "", log)
	} else {
		log.Info("[Startup] OPENAI_API_KEY not set, captions are disabled")
	}

	var sinks []status.Sink
	if len(cfg.KafkaBrokers) > 0 {
		sinks = append(sinks, status.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaStatusTopic, log))
		log.Info("[Startup] publishing status events to Kafka", "topic", cfg.KafkaStatusTopic)
	}
	publisher := status.New(store, status.NewWebhook(&http.Client{Timeout: 10 * time.Second}, 3, time.Second, log), log, sinks...)

	orch := orchestrator.New(orchestrator.Config{
		WorkDir:             cfg.WorkDir,
		MaxConcurrentScenes: cfg.MaxConcurrentScenes,
		MaxConcurrentJobs:   cfg.MaxConcurrentJobs,
		SceneMaxAttempts:    cfg.SceneMaxAttempts,
		SceneRetryBase:      cfg.SceneRetryBase,
		SceneTimeout:        cfg.SceneTimeout,
		JobTimeout:          cfg.JobTimeout,
		FailurePolicy:       models.FailurePolicy(cfg.FailurePolicy),
		RenderWeight:        cfg.RenderWeight,
		Limits: models.Limits{
			MinSceneSeconds: cfg.SceneMinSeconds,
			MaxSceneSeconds: cfg.SceneMaxSeconds,
			MaxJobSeconds:   cfg.JobMaxSeconds,
		},
	}, orchestrator.Deps{
		Store:       store,
		Publisher:   publisher,
		Dispatcher:  dispatcher,
		Assembler:   services.NewAssembler(media.FFmpeg, media.Selector, media.Fetcher, transcriber, cfg.FrameTolerance, log),
		Placeholder: services.NewPlaceholder(media.Renderer, cfg.PlaceholderClip, cfg.SlateFontPath, log),
		Artifacts:   artifacts,
		Meter:       services.NewNarrationMeter(media.Fetcher, media.FFmpeg, cfg.WorkDir),
	}, log)

	if n, err := orch.Recover(context.Background()); err != nil {
		log.Error("[Startup] failed to recover interrupted jobs", "error", err)
	} else if n > 0 {
		log.Warn("[Startup] marked interrupted jobs as failed", "count", n)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	go orch.RunRetention(bgCtx, cfg.Retention, cfg.SweepInterval)

	if media.Animation != nil {
		handlerCfg.AnimationBreaker = media.Animation.BreakerState
	}
	handler := api.NewHandler(orch, artifacts, media.Hardware, handlerCfg, log, checks...)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		log.Info("[Startup] API key authentication enabled")
	} else {
		log.Warn("[Startup] no BACKEND_API_KEY set, API is unprotected (dev mode)")
	}

	// Start HTTP server
	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	go func() {
		log.Info("[Startup] API server listening", "port", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.LogFatal("[Server] server error", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("[Shutdown] shutting down server")
	bgCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("[Shutdown] server forced to shutdown", "error", err)
	}
	if err := orch.Shutdown(ctx); err != nil {
		log.Error("[Shutdown] jobs still running at exit", "error", err, "active", orch.ActiveJobs())
	}
	if err := publisher.Close(); err != nil {
		log.Error("[Shutdown] failed to flush status sinks", "error", err)
	}

	log.Info("[Shutdown] server exited")
}
