// Package app builds the service graph shared by the API and worker binaries.
package app

import (
	"fmt"
	"net/http"
	"time"

	"github.com/bobarin/sceneforge/internal/config"
	"github.com/bobarin/sceneforge/internal/pkg/logger"
	"github.com/bobarin/sceneforge/internal/services"
	"github.com/bobarin/sceneforge/internal/storage"
)

// NewLogger configures the process logger from cfg.
func NewLogger(cfg *config.Config, service string) *logger.Logger {
	return logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		ServiceName: service,
	})
}

// OpenArtifacts returns the artifact store selected by ARTIFACT_DRIVER.
func OpenArtifacts(cfg *config.Config, log *logger.Logger) (storage.Store, error) {
	switch cfg.ArtifactDriver {
	case "local":
		return storage.NewLocal(cfg.ArtifactDir, log)
	case "supabase":
		return storage.NewSupabase(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket, log), nil
	case "s3":
		return storage.NewS3(storage.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		}, log), nil
	}
	return nil, fmt.Errorf("unknown artifact driver %q", cfg.ArtifactDriver)
}

// Media is everything that touches ffmpeg.
type Media struct {
	FFmpeg    *services.FFmpegService
	Hardware  *services.HardwareProbe
	Selector  *services.EncoderSelector
	Fetcher   *services.MediaFetcher
	Renderer  *services.Renderer
	Animation *services.AnimationClient // nil without ANIMATION_BACKEND_URL
}

// NewMedia wires the scene renderer and its collaborators.
func NewMedia(cfg *config.Config, artifacts storage.Store, log *logger.Logger) *Media {
	ffmpeg := services.NewFFmpegService(services.NewExecRunner(log), log)
	hw := services.NewHardwareProbe(ffmpeg, services.HardwareProbeConfig{
		Encoder:     cfg.HWEncoder,
		Timeout:     cfg.HWProbeTimeout,
		TTL:         cfg.HWProbeTTL,
		MaxFailures: cfg.BreakerMaxFailures,
		Cooldown:    cfg.BreakerCooldown,
	}, log)
	selector := services.NewEncoderSelector(hw, log)
	fetcher := services.NewMediaFetcher(&http.Client{Timeout: 5 * time.Minute}, log)

	m := &Media{FFmpeg: ffmpeg, Hardware: hw, Selector: selector, Fetcher: fetcher}

	var animator services.Animator
	if cfg.AnimationBackendURL != "" {
		m.Animation = services.NewAnimationClient(services.AnimationClientConfig{
			BaseURL:     cfg.AnimationBackendURL,
			APIKey:      cfg.AnimationAPIKey,
			PollLimit:   cfg.AnimationPollLimit,
			MaxFailures: cfg.BreakerMaxFailures,
			Cooldown:    cfg.BreakerCooldown,
		}, log)
		animator = m.Animation
	} else {
		log.Info("[Startup] no animation back-end configured, lip-synced talking heads are disabled")
	}

	m.Renderer = services.NewRenderer(
		ffmpeg,
		fetcher,
		selector,
		services.NewNormalizer(ffmpeg, cfg.FrameTolerance, log),
		animator,
		artifacts,
		services.RendererConfig{
			Strategy:          cfg.KenBurnsStrategy,
			Levels:            cfg.KenBurnsLevels,
			DurationTolerance: cfg.DurationTolerance,
			FrameTolerance:    cfg.FrameTolerance,
		},
		log,
	)
	return m
}
