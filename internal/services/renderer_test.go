package services

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/bobarin/sceneforge/internal/models"
	apperrors "github.com/bobarin/sceneforge/internal/pkg/errors"
)

// writeTestStill writes a noisy PNG large enough to pass media sniffing.
func writeTestStill(t *testing.T, dir string) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 320, 240))
	for y := 0; y < 240; y++ {
		for x := 0; x < 320; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 7 % 256), G: uint8(y * 13 % 256), B: uint8((x ^ y) % 256), A: 255})
		}
	}
	p := filepath.Join(dir, "still.png")
	if err := imaging.Save(img, p); err != nil {
		t.Fatal(err)
	}
	return p
}

func writeTestNarration(t *testing.T, dir string) string {
	t.Helper()
	p := filepath.Join(dir, "narration.mp3")
	if err := os.WriteFile(p, padded("ID3\x04"), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

// renderRunner answers every decode-counting probe with frames, and every
// other probe as an already-normalized 30fps clip of seconds length.
func renderRunner(frames int, seconds string, extra func(fakeCall) ([]byte, error, bool)) *fakeRunner {
	return &fakeRunner{handle: func(c fakeCall) ([]byte, error, bool) {
		if extra != nil {
			if out, err, ok := extra(c); ok {
				return out, err, ok
			}
		}
		if c.name != "ffprobe" {
			return nil, nil, false
		}
		if c.has("-count_frames") {
			return []byte(probeJSON("h264", "yuv420p", "30/1", 0, seconds, frames, true)), nil, true
		}
		return []byte(probeJSON("h264", "yuv420p", "30/1", 0, seconds, 0, true)), nil, true
	}}
}

func newTestRenderer(r *fakeRunner, hw *HardwareProbe, anim Animator, art Artifacts, strategy string) *Renderer {
	ff := NewFFmpegService(r, nil)
	return NewRenderer(ff, NewMediaFetcher(nil, nil), NewEncoderSelector(hw, nil), NewNormalizer(ff, 0.05, nil),
		anim, art, RendererConfig{Strategy: strategy, Levels: 3, DurationTolerance: 100 * time.Millisecond}, nil)
}

func sceneEncode(t *testing.T, r *fakeRunner) fakeCall {
	t.Helper()
	var found []fakeCall
	for _, c := range r.callsTo("ffmpeg") {
		if c.has("-filter_complex") {
			found = append(found, c)
		}
	}
	if len(found) == 0 {
		t.Fatal("no scene encode recorded")
	}
	return found[len(found)-1]
}

var testOutput = models.OutputSpec{Width: 640, Height: 360, FPS: 30}

func testScene(source models.SourceRef, seconds float64, anim models.Animation) models.Scene {
	return models.Scene{
		ID:              uuid.New(),
		JobID:           uuid.New(),
		Source:          source,
		DurationSeconds: seconds,
		Animation:       models.NewAnimationSpec(anim),
	}
}

func TestRenderKenBurnsPrecise(t *testing.T) {
	dir := t.TempDir()
	still := writeTestStill(t, dir)
	r := renderRunner(150, "5.000000", nil)
	rend := newTestRenderer(r, nil, nil, nil, StrategyPrecise)

	scene := testScene(models.SourceRef{Image: &still}, 5, models.KenBurns{StartScale: 1, EndScale: 1.2, PanDirection: models.PanLeft})
	clip, err := rend.Render(context.Background(), RenderRequest{Scene: scene, Output: testOutput, WorkDir: filepath.Join(dir, "work")})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if clip.Frames != 150 || clip.Encoder != models.EncoderSoftware || clip.Fallback {
		t.Errorf("unexpected clip %+v", clip)
	}

	enc := sceneEncode(t, r)
	if enc.after("-frames:v") != "150" || enc.after("-bf") != "0" || enc.after("-c:v") != "libx264" {
		t.Errorf("unexpected encode args %s", enc.joined())
	}
	if !strings.Contains(enc.after("-filter_complex"), "zoompan=") {
		t.Errorf("expected zoompan graph, got %s", enc.after("-filter_complex"))
	}
	if !enc.has("anullsrc=r=48000:cl=stereo") {
		t.Error("expected a silent track for a scene without narration")
	}
	if enc.has("-loop") {
		t.Error("precise strategy must read the still once")
	}
}

func TestRenderKenBurnsFastWithNarration(t *testing.T) {
	dir := t.TempDir()
	still := writeTestStill(t, dir)
	narration := writeTestNarration(t, dir)
	r := renderRunner(180, "6.000000", nil)
	rend := newTestRenderer(r, nil, nil, nil, StrategyFast)

	scene := testScene(models.SourceRef{Image: &still}, 6, models.KenBurns{StartScale: 1, EndScale: 1.3})
	scene.NarrationRef = &narration
	if _, err := rend.Render(context.Background(), RenderRequest{Scene: scene, Output: testOutput, WorkDir: filepath.Join(dir, "work")}); err != nil {
		t.Fatalf("Render: %v", err)
	}

	enc := sceneEncode(t, r)
	graph := enc.after("-filter_complex")
	if strings.Count(graph, "xfade=") != 2 {
		t.Errorf("expected 3 levels joined by 2 dissolves, got %s", graph)
	}
	if !strings.Contains(graph, "[3:a]") || !enc.has(narration) {
		t.Errorf("expected narration as input 3, got %s", enc.joined())
	}
	if _, err := os.Stat(filepath.Join(dir, "work", "zoom_02.png")); err != nil {
		t.Errorf("expected prepared zoom levels: %v", err)
	}
}

func TestRenderDurationMismatch(t *testing.T) {
	dir := t.TempDir()
	still := writeTestStill(t, dir)
	r := renderRunner(120, "4.000000", nil)
	rend := newTestRenderer(r, nil, nil, nil, StrategyPrecise)

	scene := testScene(models.SourceRef{Image: &still}, 5, models.Static{})
	_, err := rend.Render(context.Background(), RenderRequest{Scene: scene, Output: testOutput, WorkDir: dir})
	if !apperrors.IsCode(err, apperrors.CodeDurationMismatch) {
		t.Fatalf("expected DURATION_MISMATCH, got %v", err)
	}
	if apperrors.GetClass(err) != apperrors.ClassFatal {
		t.Errorf("expected fatal class, got %s", apperrors.GetClass(err))
	}
}

func TestRenderRecordsHardwareFallback(t *testing.T) {
	dir := t.TempDir()
	still := writeTestStill(t, dir)
	r := renderRunner(90, "3.000000", func(c fakeCall) ([]byte, error, bool) {
		if c.name == "ffmpeg" && c.has("-filter_complex") && c.has("h264_nvenc") {
			return nil, &ExecError{Tool: "ffmpeg", Stderr: "[h264_nvenc] No NVENC capable devices found", Err: errors.New("exit status 1")}, true
		}
		return nil, nil, false
	})
	rend := newTestRenderer(r, newTestProbe(r), nil, nil, StrategyPrecise)

	scene := testScene(models.SourceRef{Image: &still}, 3, models.Static{})
	clip, err := rend.Render(context.Background(), RenderRequest{Scene: scene, Output: testOutput, WorkDir: dir})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !clip.Fallback || clip.Encoder != models.EncoderSoftware {
		t.Errorf("expected software fallback recorded, got %+v", clip)
	}
}

func TestRenderFlagsFallbackWhenHardwareUnavailable(t *testing.T) {
	dir := t.TempDir()
	still := writeTestStill(t, dir)
	r := renderRunner(90, "3.000000", func(c fakeCall) ([]byte, error, bool) {
		if c.name == "ffmpeg" && c.has("color=c=black:s=256x256:r=30") {
			return nil, &ExecError{Tool: "ffmpeg", Stderr: "No NVENC capable devices found", Err: errors.New("exit status 1")}, true
		}
		return nil, nil, false
	})
	rend := newTestRenderer(r, newTestProbe(r), nil, nil, StrategyPrecise)

	scene := testScene(models.SourceRef{Image: &still}, 3, models.Static{})
	clip, err := rend.Render(context.Background(), RenderRequest{Scene: scene, Output: testOutput, WorkDir: dir})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !clip.Fallback || clip.Encoder != models.EncoderSoftware {
		t.Errorf("expected software fallback recorded, got %+v", clip)
	}
	if enc := sceneEncode(t, r); enc.has("h264_nvenc") {
		t.Error("expected the scene encode to skip the unavailable hardware encoder")
	}
}

func TestRenderRejectsKenBurnsOnClip(t *testing.T) {
	clipRef := "/captures/raw.webm"
	rend := newTestRenderer(&fakeRunner{}, nil, nil, nil, StrategyPrecise)
	scene := testScene(models.SourceRef{Clip: &clipRef}, 3, models.KenBurns{StartScale: 1, EndScale: 1.1})
	_, err := rend.Render(context.Background(), RenderRequest{Scene: scene, Output: testOutput, WorkDir: t.TempDir()})
	if !apperrors.IsValidation(err) || apperrors.Retryable(err) {
		t.Fatalf("expected non-retryable validation error, got %v", err)
	}
}

type fakeAnimator struct {
	mu   sync.Mutex
	reqs []AnimateRequest
}

func (f *fakeAnimator) Animate(ctx context.Context, req AnimateRequest) (*AnimateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return &AnimateResult{Frames: 120, DurationSeconds: req.DurationSeconds}, nil
}

type fakeArtifacts struct {
	mu   sync.Mutex
	puts []string
}

func (f *fakeArtifacts) Put(ctx context.Context, key, localPath, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, key)
	return "mem://" + key, nil
}

func (f *fakeArtifacts) Fetch(ctx context.Context, ref, localPath string) error {
	return os.WriteFile(localPath, []byte("animated clip"), 0o644)
}

func (f *fakeArtifacts) SignedURL(ctx context.Context, ref string, expires time.Duration) (string, error) {
	return "https://signed.example/" + strings.TrimPrefix(ref, "mem://"), nil
}

func (f *fakeArtifacts) PresignUpload(ctx context.Context, key string, expires time.Duration) (string, string, error) {
	return "https://upload.example/" + key, "mem://" + key, nil
}

func TestRenderTalkingHeadLipSync(t *testing.T) {
	dir := t.TempDir()
	still := writeTestStill(t, dir)
	narration := writeTestNarration(t, dir)
	r := renderRunner(120, "4.000000", nil)
	anim := &fakeAnimator{}
	art := &fakeArtifacts{}
	rend := newTestRenderer(r, nil, anim, art, StrategyPrecise)

	scene := testScene(models.SourceRef{Image: &still}, 4, models.TalkingHead{AudioRef: narration, LipSync: true})
	clip, err := rend.Render(context.Background(), RenderRequest{Scene: scene, Output: testOutput, WorkDir: filepath.Join(dir, "work")})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if clip.Frames != 120 {
		t.Errorf("expected 120 frames, got %d", clip.Frames)
	}

	if len(anim.reqs) != 1 {
		t.Fatalf("expected one animation request, got %d", len(anim.reqs))
	}
	req := anim.reqs[0]
	if !strings.HasPrefix(req.ImageURL, "https://signed.example/") || !strings.HasPrefix(req.AudioURL, "https://signed.example/") {
		t.Errorf("expected staged inputs behind signed URLs, got %+v", req)
	}
	if !strings.HasPrefix(req.UploadURL, "https://upload.example/") || req.DurationSeconds != 4 || req.FPS != 30 {
		t.Errorf("unexpected animation request %+v", req)
	}
	if len(art.puts) != 2 {
		t.Errorf("expected still and narration staged, got %v", art.puts)
	}

	enc := sceneEncode(t, r)
	if !enc.has(narration) || !strings.Contains(enc.after("-filter_complex"), "[1:a]") {
		t.Errorf("expected narration to replace clip audio, got %s", enc.joined())
	}
}

func TestRenderTalkingHeadWithoutLipSyncHoldsStill(t *testing.T) {
	dir := t.TempDir()
	still := writeTestStill(t, dir)
	narration := writeTestNarration(t, dir)
	r := renderRunner(75, "2.500000", nil)
	rend := newTestRenderer(r, nil, nil, nil, StrategyPrecise)

	scene := testScene(models.SourceRef{Image: &still}, 2.5, models.TalkingHead{AudioRef: narration})
	if _, err := rend.Render(context.Background(), RenderRequest{Scene: scene, Output: testOutput, WorkDir: dir}); err != nil {
		t.Fatalf("Render: %v", err)
	}
	enc := sceneEncode(t, r)
	if !enc.has("-loop") || !enc.has(narration) {
		t.Errorf("expected looped still with narration, got %s", enc.joined())
	}
}

func TestRenderLipSyncNeedsBackend(t *testing.T) {
	dir := t.TempDir()
	still := writeTestStill(t, dir)
	narration := writeTestNarration(t, dir)
	rend := newTestRenderer(renderRunner(120, "4.000000", nil), nil, nil, nil, StrategyPrecise)

	scene := testScene(models.SourceRef{Image: &still}, 4, models.TalkingHead{AudioRef: narration, LipSync: true})
	_, err := rend.Render(context.Background(), RenderRequest{Scene: scene, Output: testOutput, WorkDir: dir})
	if !apperrors.IsCode(err, apperrors.CodeRenderFailed) {
		t.Fatalf("expected RENDER_FAILED, got %v", err)
	}
}

// TestRenderWithFFmpeg renders three 5s Ken Burns scenes with the real tools
// and checks each is frame exact.
func TestRenderWithFFmpeg(t *testing.T) {
	requireFFmpeg(t)
	dir := t.TempDir()
	still := writeTestStill(t, dir)
	rend := NewRenderer(
		NewFFmpegService(NewExecRunner(nil), nil),
		NewMediaFetcher(nil, nil),
		NewEncoderSelector(nil, nil),
		NewNormalizer(NewFFmpegService(NewExecRunner(nil), nil), 0.05, nil),
		nil, nil,
		RendererConfig{Strategy: StrategyPrecise},
		nil,
	)

	out := models.OutputSpec{Width: 320, Height: 180, FPS: 30}
	for i, pan := range []models.PanDirection{models.PanLeft, models.PanRight, models.PanNone} {
		scene := testScene(models.SourceRef{Image: &still}, 5, models.KenBurns{StartScale: 1, EndScale: 1.2, PanDirection: pan})
		scene.Order = i
		clip, err := rend.Render(context.Background(), RenderRequest{Scene: scene, Output: out, WorkDir: filepath.Join(dir, string(pan))})
		if err != nil {
			t.Fatalf("scene %d: %v", i, err)
		}
		if clip.Frames != 150 {
			t.Errorf("scene %d: expected 150 frames, got %d", i, clip.Frames)
		}
	}
}
