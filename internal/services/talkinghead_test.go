package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/bobarin/sceneforge/internal/pkg/errors"
)

func TestBuildAnimInput(t *testing.T) {
	in := buildAnimInput(AnimateRequest{
		ImageURL: "https://cdn/still.png", AudioURL: "https://cdn/vo.mp3", UploadURL: "https://bucket/put",
		DurationSeconds: 7.41, FPS: 25, AspectRatio: "9:16", Width: 720, Height: 1280,
	})
	if in.NumFrames != 186 {
		t.Errorf("expected frames rounded up to 186, got %d", in.NumFrames)
	}
	if in.AudioCropStartTime != "0:00" || in.AudioCropEndTime != "0:08" {
		t.Errorf("unexpected crop window %s-%s", in.AudioCropStartTime, in.AudioCropEndTime)
	}
	if in.ScaleToLength != 1280 || in.Seed != -1 {
		t.Errorf("unexpected scale/seed: %d %d", in.ScaleToLength, in.Seed)
	}
	if formatCropTime(125) != "2:05" {
		t.Errorf("expected 2:05, got %s", formatCropTime(125))
	}
}

type fakeAnimBackend struct {
	healthFailures int32
	finalStatus    string
	output         *animOutput
	health         atomic.Int32
	runs           atomic.Int32
	lastInput      animInput
}

func (f *fakeAnimBackend) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if f.health.Add(1) <= f.healthFailures {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"workers":{"idle":1}}`))
	})
	mux.HandleFunc("/run", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token")
		}
		var req animRunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode run: %v", err)
		}
		f.lastInput = req.Input
		f.runs.Add(1)
		json.NewEncoder(w).Encode(animRunResponse{ID: "job-1", Status: "IN_QUEUE"})
	})
	mux.HandleFunc("/status/job-1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(animStatusResponse{ID: "job-1", Status: f.finalStatus, Output: f.output})
	})
	return mux
}

func testAnimRequest() AnimateRequest {
	return AnimateRequest{
		ImageURL: "https://cdn/still.png", AudioURL: "https://cdn/vo.mp3", UploadURL: "https://bucket/put",
		DurationSeconds: 4, FPS: 25, AspectRatio: "16:9", Width: 1280, Height: 720,
	}
}

func TestAnimateCompletes(t *testing.T) {
	backend := &fakeAnimBackend{healthFailures: 2, finalStatus: "COMPLETED"}
	backend.output = &animOutput{Status: 200, Message: "Video created successfully"}
	backend.output.Payload = &struct {
		VideoSize int64   `json:"video_size"`
		NumFrames int     `json:"num_frames"`
		Duration  float64 `json:"duration"`
	}{VideoSize: 123456, NumFrames: 100, Duration: 4}

	srv := httptest.NewServer(backend.handler(t))
	defer srv.Close()

	c := NewAnimationClient(AnimationClientConfig{BaseURL: srv.URL, APIKey: "secret", ReadyDelay: time.Millisecond}, nil)
	res, err := c.Animate(context.Background(), testAnimRequest())
	if err != nil {
		t.Fatalf("Animate: %v", err)
	}
	if res.Frames != 100 || res.SizeBytes != 123456 {
		t.Errorf("unexpected result %+v", res)
	}
	if backend.health.Load() != 3 {
		t.Errorf("expected readiness retried until healthy, got %d probes", backend.health.Load())
	}
	if backend.lastInput.VideoUploadURL != "https://bucket/put" || backend.lastInput.NumFrames != 100 {
		t.Errorf("unexpected input %+v", backend.lastInput)
	}
}

func TestAnimateBackendError(t *testing.T) {
	backend := &fakeAnimBackend{finalStatus: "COMPLETED", output: &animOutput{Status: 500, Message: "Audio validation failed"}}
	srv := httptest.NewServer(backend.handler(t))
	defer srv.Close()

	c := NewAnimationClient(AnimationClientConfig{BaseURL: srv.URL, APIKey: "secret", ReadyDelay: time.Millisecond}, nil)
	_, err := c.Animate(context.Background(), testAnimRequest())
	if !apperrors.IsCode(err, apperrors.CodeRenderFailed) {
		t.Fatalf("expected RENDER_FAILED, got %v", err)
	}
}

func TestAnimatePollTimeout(t *testing.T) {
	backend := &fakeAnimBackend{finalStatus: "IN_PROGRESS"}
	srv := httptest.NewServer(backend.handler(t))
	defer srv.Close()

	c := NewAnimationClient(AnimationClientConfig{BaseURL: srv.URL, APIKey: "secret", ReadyDelay: time.Millisecond, PollLimit: 100 * time.Millisecond}, nil)
	_, err := c.Animate(context.Background(), testAnimRequest())
	if !apperrors.IsCode(err, apperrors.CodeTimeout) {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}
}

func TestAnimateBreakerOpensOnUnreachableBackend(t *testing.T) {
	backend := &fakeAnimBackend{healthFailures: 1 << 20}
	srv := httptest.NewServer(backend.handler(t))
	defer srv.Close()

	c := NewAnimationClient(AnimationClientConfig{
		BaseURL: srv.URL, APIKey: "secret", ReadyRetries: 2, ReadyDelay: time.Millisecond,
		MaxFailures: 2, Cooldown: time.Hour,
	}, nil)

	for i := 0; i < 2; i++ {
		if _, err := c.Animate(context.Background(), testAnimRequest()); !apperrors.IsCode(err, apperrors.CodeUnavailable) {
			t.Fatalf("attempt %d: expected UNAVAILABLE, got %v", i, err)
		}
	}
	probes := backend.health.Load()
	_, err := c.Animate(context.Background(), testAnimRequest())
	if !apperrors.IsCode(err, apperrors.CodeUnavailable) {
		t.Fatalf("expected UNAVAILABLE from open breaker, got %v", err)
	}
	if backend.health.Load() != probes {
		t.Error("expected no probes while the breaker is open")
	}
	if c.BreakerState() != "open" {
		t.Errorf("expected open breaker, got %s", c.BreakerState())
	}
	if backend.runs.Load() != 0 {
		t.Error("expected no submissions")
	}
}
