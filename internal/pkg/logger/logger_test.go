package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
)

func TestLoggerOutput(t *testing.T) {
	var buf bytes.Buffer

	log := New(Config{
		Level:       "debug",
		Format:      "json",
		Output:      &buf,
		ServiceName: "sceneforge-test",
	})

	log.Info("scene rendered", "order", 2)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output as JSON: %v", err)
	}
	if entry["msg"] != "scene rendered" {
		t.Errorf("expected msg='scene rendered', got %v", entry["msg"])
	}
	if entry["service"] != "sceneforge-test" {
		t.Errorf("expected service attribute, got %v", entry["service"])
	}
	if entry["order"] != float64(2) {
		t.Errorf("expected order=2, got %v", entry["order"])
	}
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "info", Format: "json", Output: &buf})

	ctx := ContextWithJobID(context.Background(), "job-1")
	ctx = ContextWithSceneID(ctx, "scene-9")
	log.FromContext(ctx).Info("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output: %v", err)
	}
	if entry["job_id"] != "job-1" || entry["scene_id"] != "scene-9" {
		t.Errorf("expected job and scene ids, got %v", entry)
	}
}

func TestWithError(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "info", Format: "json", Output: &buf})

	if log.WithError(nil) != log {
		t.Error("expected nil error to leave the logger unchanged")
	}
	log.WithError(errors.New("encoder busy")).Error("scene failed")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output: %v", err)
	}
	if entry["error"] != "encoder busy" {
		t.Errorf("expected error attribute, got %v", entry)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
