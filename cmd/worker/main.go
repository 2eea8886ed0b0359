package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/bobarin/sceneforge/internal/app"
	"github.com/bobarin/sceneforge/internal/config"
	"github.com/bobarin/sceneforge/internal/pkg/logger"
	"github.com/bobarin/sceneforge/internal/queue"
	"github.com/bobarin/sceneforge/internal/worker"
)

// Remote render worker: pops scene tasks from Redis, renders them and
// uploads the clip to the shared artifact store.
func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New(logger.Config{}).LogFatal("[Startup] failed to load config", err)
	}
	log := app.NewLogger(cfg, "sceneforge-worker")

	if cfg.ArtifactDriver == "local" {
		log.Warn("[Startup] ARTIFACT_DRIVER=local, clips are only reachable if the API shares this filesystem")
	}

	q, err := queue.New(cfg.RedisURL, log)
	if err != nil {
		log.LogFatal("[Startup] failed to connect to queue", err)
	}
	defer q.Close()

	artifacts, err := app.OpenArtifacts(cfg, log)
	if err != nil {
		log.LogFatal("[Startup] failed to initialize artifact store", err)
	}

	media := app.NewMedia(cfg, artifacts, log)
	w := worker.New(q, worker.NewExecutor(media.Renderer, artifacts, cfg.WorkDir, log), 0, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("[Startup] render worker started", "concurrency", cfg.MaxConcurrentScenes, "encoder", media.Hardware.Status().Encoder)
	w.Start(ctx, cfg.MaxConcurrentScenes)
	log.Info("[Shutdown] render worker stopped")
}
