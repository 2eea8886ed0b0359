package app

import (
	"path/filepath"
	"testing"

	"github.com/bobarin/sceneforge/internal/config"
	"github.com/bobarin/sceneforge/internal/pkg/logger"
	"github.com/bobarin/sceneforge/internal/storage"
)

func TestOpenArtifacts(t *testing.T) {
	cfg := &config.Config{ArtifactDriver: "local", ArtifactDir: filepath.Join(t.TempDir(), "artifacts")}
	store, err := OpenArtifacts(cfg, logger.Nop())
	if err != nil {
		t.Fatalf("OpenArtifacts: %v", err)
	}
	if _, ok := store.(*storage.Local); !ok {
		t.Errorf("expected local store, got %T", store)
	}

	cfg.ArtifactDriver = "ftp"
	if _, err := OpenArtifacts(cfg, logger.Nop()); err == nil {
		t.Error("expected unknown driver to fail")
	}
}

func TestNewMediaWithoutAnimationBackend(t *testing.T) {
	cfg := &config.Config{KenBurnsStrategy: "fast", KenBurnsLevels: 4, FrameTolerance: 0.05}
	m := NewMedia(cfg, nil, logger.Nop())
	if m.Animation != nil {
		t.Error("expected no animation client without a back-end URL")
	}
	if m.Renderer == nil || m.Selector == nil || m.Hardware == nil {
		t.Fatalf("incomplete media graph %+v", m)
	}
	if m.Hardware.Status().Available {
		t.Error("expected hardware to be unavailable before any probe")
	}

	cfg.AnimationBackendURL = "http://127.0.0.1:1"
	if m := NewMedia(cfg, nil, logger.Nop()); m.Animation == nil || m.Animation.BreakerState() != "closed" {
		t.Error("expected a closed animation breaker when a back-end is configured")
	}
}
