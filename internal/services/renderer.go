package services

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bobarin/sceneforge/internal/models"
	apperrors "github.com/bobarin/sceneforge/internal/pkg/errors"
	"github.com/bobarin/sceneforge/internal/pkg/logger"
)

// Artifacts is the part of the artifact store the renderer uses to hand
// inputs to the animation back-end and collect its output.
type Artifacts interface {
	Put(ctx context.Context, key, localPath, contentType string) (string, error)
	Fetch(ctx context.Context, ref, localPath string) error
	SignedURL(ctx context.Context, ref string, expires time.Duration) (string, error)
	PresignUpload(ctx context.Context, key string, expires time.Duration) (uploadURL, ref string, err error)
}

type RendererConfig struct {
	Strategy          string        // StrategyPrecise or StrategyFast
	Levels            int           // zoom levels for the fast strategy
	DurationTolerance time.Duration // allowed |actual - declared|
	FrameTolerance    float64
}

type RenderRequest struct {
	Scene   models.Scene
	Output  models.OutputSpec
	WorkDir string // private to this attempt
}

type RenderedClip struct {
	Path            string
	Frames          int
	DurationSeconds float64
	Encoder         models.EncoderKind
	Fallback        bool
}

// Renderer turns one scene into a clip with exactly the declared duration
// and the shared encoder parameter set.
type Renderer struct {
	ffmpeg     *FFmpegService
	fetcher    *MediaFetcher
	selector   *EncoderSelector
	normalizer *Normalizer
	animator   Animator  // nil disables lip-synced talking heads
	artifacts  Artifacts // nil when the store cannot hand out URLs
	cfg        RendererConfig
	log        *logger.Logger
}

func NewRenderer(
	ffmpeg *FFmpegService,
	fetcher *MediaFetcher,
	selector *EncoderSelector,
	normalizer *Normalizer,
	animator Animator,
	artifacts Artifacts,
	cfg RendererConfig,
	log *logger.Logger,
) *Renderer {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyPrecise
	}
	if cfg.Levels < 2 {
		cfg.Levels = 4
	}
	if cfg.DurationTolerance <= 0 {
		cfg.DurationTolerance = 100 * time.Millisecond
	}
	return &Renderer{
		ffmpeg:     ffmpeg,
		fetcher:    fetcher,
		selector:   selector,
		normalizer: normalizer,
		animator:   animator,
		artifacts:  artifacts,
		cfg:        cfg,
		log:        log.WithComponent("renderer"),
	}
}

// renderStep produces the encode plan for one scene once its inputs are local.
type renderStep func(ctx context.Context) (*encodePlan, error)

// encodePlan describes a single ffmpeg encode. The video graph must end in
// [v]; audio comes from one input stream and is padded or trimmed to length.
type encodePlan struct {
	inputs     []string
	videoGraph string
	audioInput string // "" = silent track
	audioIndex int
	audioFirst bool // audio is stream 0:a of the first input
}

// Render renders the scene. Validation-class errors mean the scene itself is
// malformed and must not be retried.
func (r *Renderer) Render(ctx context.Context, req RenderRequest) (*RenderedClip, error) {
	const op = "renderer.render"
	scene := req.Scene
	out := req.Output.WithDefaults()
	log := r.log.FromContext(ctx).With("scene_order", scene.Order)

	anim, err := scene.Animation.Variant()
	if err != nil {
		return nil, apperrors.ValidationField("animation", err.Error())
	}
	if scene.DurationSeconds <= 0 {
		return nil, apperrors.ValidationField("duration_seconds", "scene duration must be positive")
	}
	if err := os.MkdirAll(req.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create scene dir: %w", err)
	}

	step := models.MatchAnimation(anim,
		func(kb models.KenBurns) renderStep {
			return func(ctx context.Context) (*encodePlan, error) { return r.kenBurnsPlan(ctx, req, kb, out) }
		},
		func(th models.TalkingHead) renderStep {
			return func(ctx context.Context) (*encodePlan, error) { return r.talkingHeadPlan(ctx, req, th, out) }
		},
		func(models.Static) renderStep {
			return func(ctx context.Context) (*encodePlan, error) { return r.staticPlan(ctx, req, out) }
		},
	)

	start := time.Now()
	plan, err := step(ctx)
	if err != nil {
		return nil, err
	}

	outPath := filepath.Join(req.WorkDir, fmt.Sprintf("scene_%03d.mp4", scene.Order))
	outcome, err := r.selector.Encode(ctx, func(ctx context.Context, profile EncoderProfile) error {
		return r.ffmpeg.FFmpeg(ctx, plan.args(profile, out, scene.DurationSeconds, outPath)...)
	})
	if err != nil {
		if apperrors.GetCode(err) != apperrors.CodeInternal {
			return nil, apperrors.Wrap(err, op, "scene encode failed")
		}
		return nil, apperrors.WrapWithCode(err, apperrors.CodeRenderFailed, op, "scene encode failed")
	}

	clip, err := r.verify(ctx, outPath, scene.DurationSeconds, out.FPS)
	if err != nil {
		return nil, err
	}
	clip.Encoder = outcome.Used
	clip.Fallback = outcome.Fallback

	log.Info("[Renderer] scene rendered",
		"animation", anim.Kind(),
		"frames", clip.Frames,
		"encoder", clip.Encoder,
		"fallback", clip.Fallback,
		"elapsed", time.Since(start).String(),
	)
	return clip, nil
}

func (r *Renderer) kenBurnsPlan(ctx context.Context, req RenderRequest, kb models.KenBurns, out models.OutputSpec) (*encodePlan, error) {
	scene := req.Scene
	if scene.Source.IsClip() {
		return nil, apperrors.ValidationField("source", "kenBurns needs an image source")
	}
	still, err := r.fetcher.Fetch(ctx, scene.Source.Ref(), MediaImage, req.WorkDir)
	if err != nil {
		return nil, err
	}
	narration, err := r.narration(ctx, scene.NarrationRef, req.WorkDir)
	if err != nil {
		return nil, err
	}
	frames := out.FrameCount(scene.DurationSeconds)

	if r.cfg.Strategy == StrategyFast {
		levels, err := prepareZoomLevels(still, req.WorkDir, kb, out, r.cfg.Levels)
		if err != nil {
			return nil, err
		}
		xf := planCrossfade(len(levels), scene.DurationSeconds)
		p := &encodePlan{videoGraph: buildCrossfadeGraph(len(levels), xf, out.FPS)}
		for _, l := range levels {
			p.inputs = append(p.inputs, "-loop", "1", "-framerate", strconv.Itoa(out.FPS), "-t", secs(xf.Segment), "-i", l)
		}
		p.withAudio(narration, len(levels))
		return p, nil
	}

	if err := checkStill(still); err != nil {
		return nil, err
	}
	p := &encodePlan{
		inputs:     []string{"-i", still},
		videoGraph: "[0:v]" + buildKenBurnsFilter(kb, out, frames) + "[v]",
	}
	p.withAudio(narration, 1)
	return p, nil
}

func (r *Renderer) staticPlan(ctx context.Context, req RenderRequest, out models.OutputSpec) (*encodePlan, error) {
	scene := req.Scene
	narration, err := r.narration(ctx, scene.NarrationRef, req.WorkDir)
	if err != nil {
		return nil, err
	}

	if scene.Source.IsClip() {
		raw, err := r.fetcher.Fetch(ctx, scene.Source.Ref(), MediaVideo, req.WorkDir)
		if err != nil {
			return nil, err
		}
		clip, err := r.normalizer.Normalize(ctx, NormalizeInput{
			RawPath:         raw,
			WorkDir:         filepath.Join(req.WorkDir, "normalize"),
			DeclaredSeconds: scene.DurationSeconds,
			FPS:             out.FPS,
		})
		if err != nil {
			return nil, err
		}
		p := &encodePlan{
			inputs:     []string{"-i", clip.Path},
			videoGraph: "[0:v]" + buildLetterboxFilter(out) + "[v]",
		}
		if narration == "" && clip.HasAudio {
			p.audioFirst = true
		} else {
			p.withAudio(narration, 1)
		}
		return p, nil
	}

	still, err := r.fetcher.Fetch(ctx, scene.Source.Ref(), MediaImage, req.WorkDir)
	if err != nil {
		return nil, err
	}
	if err := checkStill(still); err != nil {
		return nil, err
	}
	p := &encodePlan{
		inputs:     []string{"-loop", "1", "-framerate", strconv.Itoa(out.FPS), "-i", still},
		videoGraph: "[0:v]" + buildStaticFilter(out) + "[v]",
	}
	p.withAudio(narration, 1)
	return p, nil
}

// talkingHeadPlan animates the still against the narration. Without lip sync
// the still is held for the length of the narration.
func (r *Renderer) talkingHeadPlan(ctx context.Context, req RenderRequest, th models.TalkingHead, out models.OutputSpec) (*encodePlan, error) {
	const op = "renderer.talking_head"
	scene := req.Scene
	if scene.Source.IsClip() {
		return nil, apperrors.ValidationField("source", "talkingHead needs an image source")
	}

	still, err := r.fetcher.Fetch(ctx, scene.Source.Ref(), MediaImage, req.WorkDir)
	if err != nil {
		return nil, err
	}
	audio, err := r.fetcher.Fetch(ctx, th.AudioRef, MediaAudio, req.WorkDir)
	if err != nil {
		return nil, err
	}

	if !th.LipSync {
		if err := checkStill(still); err != nil {
			return nil, err
		}
		p := &encodePlan{
			inputs:     []string{"-loop", "1", "-framerate", strconv.Itoa(out.FPS), "-i", still},
			videoGraph: "[0:v]" + buildStaticFilter(out) + "[v]",
		}
		p.withAudio(audio, 1)
		return p, nil
	}

	if r.animator == nil || r.artifacts == nil {
		return nil, apperrors.New(apperrors.CodeRenderFailed, "lip-synced talking heads need an animation back-end and a URL-capable artifact store")
	}

	prefix := fmt.Sprintf("%s/talking/%s", scene.JobID, scene.ID)
	imageURL, err := r.publishInput(ctx, scene.Source.Ref(), still, prefix+"/still"+filepath.Ext(still), "image/"+trimDot(filepath.Ext(still)))
	if err != nil {
		return nil, err
	}
	audioURL, err := r.publishInput(ctx, th.AudioRef, audio, prefix+"/narration"+filepath.Ext(audio), "audio/mpeg")
	if err != nil {
		return nil, err
	}
	uploadURL, clipRef, err := r.artifacts.PresignUpload(ctx, fmt.Sprintf("%s/clip_%d.mp4", prefix, scene.Attempts), time.Hour)
	if err != nil {
		return nil, apperrors.WrapWithCode(err, apperrors.CodeUnavailable, op, "failed to presign clip upload")
	}

	if _, err := r.animator.Animate(ctx, AnimateRequest{
		ImageURL:        imageURL,
		AudioURL:        audioURL,
		UploadURL:       uploadURL,
		DurationSeconds: scene.DurationSeconds,
		FPS:             out.FPS,
		AspectRatio:     out.AspectRatio,
		Width:           out.Width,
		Height:          out.Height,
	}); err != nil {
		return nil, err
	}

	raw := filepath.Join(req.WorkDir, "talking_raw.mp4")
	if err := r.artifacts.Fetch(ctx, clipRef, raw); err != nil {
		return nil, apperrors.WrapWithCode(err, apperrors.CodeSourceUnreadable, op, "animated clip not retrievable")
	}
	clip, err := r.normalizer.Normalize(ctx, NormalizeInput{
		RawPath:         raw,
		WorkDir:         filepath.Join(req.WorkDir, "normalize"),
		DeclaredSeconds: scene.DurationSeconds,
		FPS:             out.FPS,
	})
	if err != nil {
		return nil, err
	}

	// The narration replaces whatever audio the back-end muxed in.
	p := &encodePlan{
		inputs:     []string{"-i", clip.Path},
		videoGraph: "[0:v]" + buildStaticFilter(out) + "[v]",
	}
	p.withAudio(audio, 1)
	return p, nil
}

// publishInput returns a URL the animation back-end can download ref from.
func (r *Renderer) publishInput(ctx context.Context, ref, local, key, contentType string) (string, error) {
	if isHTTPRef(ref) {
		return ref, nil
	}
	stored, err := r.artifacts.Put(ctx, key, local, contentType)
	if err != nil {
		return "", apperrors.WrapWithCode(err, apperrors.CodeUnavailable, "renderer.publish_input", "failed to stage animation input")
	}
	signed, err := r.artifacts.SignedURL(ctx, stored, time.Hour)
	if err != nil {
		return "", apperrors.WrapWithCode(err, apperrors.CodeUnavailable, "renderer.publish_input", "failed to sign animation input")
	}
	return signed, nil
}

func (r *Renderer) narration(ctx context.Context, ref *string, dir string) (string, error) {
	if ref == nil || *ref == "" {
		return "", nil
	}
	return r.fetcher.Fetch(ctx, *ref, MediaAudio, dir)
}

// verify decodes the clip and checks its length against the declared one.
// Allowed slack is the configured tolerance, but never less than one frame.
func (r *Renderer) verify(ctx context.Context, path string, declared float64, fps int) (*RenderedClip, error) {
	probe, err := r.ffmpeg.Probe(ctx, path, true)
	if err != nil {
		return nil, apperrors.WrapWithCode(err, apperrors.CodeRenderFailed, "renderer.verify", "rendered clip cannot be probed")
	}
	v := probe.Video()
	if v == nil {
		return nil, apperrors.New(apperrors.CodeRenderFailed, "rendered clip has no video stream")
	}
	frames := v.DecodedFrames()
	actual := float64(frames) / float64(fps)

	tol := math.Max(r.cfg.DurationTolerance.Seconds(), 1/float64(fps))
	if math.Abs(actual-declared) > tol {
		return nil, apperrors.Newf(apperrors.CodeDurationMismatch,
			"rendered clip lasts %.3fs, declared %.3fs", actual, declared).
			WithField("frames", frames).
			WithField("declared_seconds", declared)
	}
	return &RenderedClip{Path: path, Frames: frames, DurationSeconds: actual}, nil
}

// withAudio points the plan's audio at file, which becomes input index idx.
// An empty file gives a generated silent track at the same index.
func (p *encodePlan) withAudio(file string, idx int) {
	p.audioInput = file
	p.audioIndex = idx
}

func (p *encodePlan) args(profile EncoderProfile, out models.OutputSpec, duration float64, outPath string) []string {
	dur := secs(duration)
	args := append([]string(nil), p.inputs...)

	var audioGraph string
	switch {
	case p.audioFirst:
		audioGraph = fmt.Sprintf("[0:a]apad,atrim=duration=%s,asetpts=PTS-STARTPTS[a]", dur)
	case p.audioInput != "":
		args = append(args, "-i", p.audioInput)
		audioGraph = fmt.Sprintf("[%d:a]aresample=48000,apad,atrim=duration=%s,asetpts=PTS-STARTPTS[a]", p.audioIndex, dur)
	default:
		args = append(args, "-f", "lavfi", "-i", "anullsrc=r=48000:cl=stereo")
		audioGraph = fmt.Sprintf("[%d:a]atrim=duration=%s[a]", p.audioIndex, dur)
	}

	args = append(args,
		"-filter_complex", p.videoGraph+";"+audioGraph,
		"-map", "[v]",
		"-map", "[a]",
	)
	args = append(args, profile.VideoArgs(out)...)
	args = append(args, AudioArgs()...)
	args = append(args,
		"-frames:v", strconv.Itoa(out.FrameCount(duration)),
		"-t", dur,
		"-movflags", "+faststart",
		"-y",
		outPath,
	)
	return args
}

// buildLetterboxFilter fits a clip inside the output frame without cropping.
func buildLetterboxFilter(out models.OutputSpec) string {
	return fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2:color=black,setsar=1,fps=%d",
		out.Width, out.Height, out.Width, out.Height, out.FPS)
}

func isHTTPRef(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

func trimDot(ext string) string {
	if ext == ".jpg" {
		return "jpeg"
	}
	if len(ext) > 0 && ext[0] == '.' {
		return ext[1:]
	}
	return ext
}
