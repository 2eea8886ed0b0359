package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bobarin/sceneforge/internal/models"
	apperrors "github.com/bobarin/sceneforge/internal/pkg/errors"
	"github.com/bobarin/sceneforge/internal/pkg/logger"
)

// AssemblyStep is a progress milestone inside Assemble.
type AssemblyStep int

const (
	StepConcat AssemblyStep = iota + 1
	StepMix
	StepCaptions
	StepEncode
)

// AssemblySteps counts the steps above plus publishing, which the caller does.
const AssemblySteps = 5

type AssembleClip struct {
	SceneID         uuid.UUID
	Order           int
	Path            string  // empty when the scene produced no clip
	DurationSeconds float64 // declared scene length
	FailureReason   string  // why Path is empty
}

// SubstituteFunc renders a stand-in for a scene with no clip.
type SubstituteFunc func(ctx context.Context, clip AssembleClip) (string, error)

type AssembleRequest struct {
	JobID      uuid.UUID
	WorkDir    string
	Clips      []AssembleClip
	Output     models.OutputSpec
	Audio      *models.AudioSpec
	Captions   *models.CaptionSpec
	Substitute SubstituteFunc // nil = any missing clip fails the assembly
	Progress   func(AssemblyStep)
}

type FinalAsset struct {
	Path            string
	Frames          int
	DurationSeconds float64
	Substitutions   []models.Substitution
	Reencoded       bool // concat needed the filter path
	Encoder         models.EncoderKind
	Fallback        bool
}

// Assembler joins rendered scene clips, in order, into the final MP4.
type Assembler struct {
	ffmpeg         *FFmpegService
	selector       *EncoderSelector
	fetcher        *MediaFetcher
	transcriber    Transcriber // nil disables transcribed captions
	frameTolerance float64
	log            *logger.Logger
}

func NewAssembler(ffmpeg *FFmpegService, selector *EncoderSelector, fetcher *MediaFetcher, transcriber Transcriber, frameTolerance float64, log *logger.Logger) *Assembler {
	if log == nil {
		log = logger.Nop()
	}
	if frameTolerance <= 0 {
		frameTolerance = 0.05
	}
	return &Assembler{
		ffmpeg:         ffmpeg,
		selector:       selector,
		fetcher:        fetcher,
		transcriber:    transcriber,
		frameTolerance: frameTolerance,
		log:            log.WithComponent("assembler"),
	}
}

func (a *Assembler) Assemble(ctx context.Context, req AssembleRequest) (*FinalAsset, error) {
	asset, err := a.assemble(ctx, req)
	if err != nil {
		switch apperrors.GetCode(err) {
		case apperrors.CodeCancelled, apperrors.CodeTimeout, apperrors.CodeAssemblyFailed:
			return nil, err
		}
		return nil, apperrors.WrapWithCode(err, apperrors.CodeAssemblyFailed, "assembler.assemble", "assembly failed")
	}
	return asset, nil
}

func (a *Assembler) assemble(ctx context.Context, req AssembleRequest) (*FinalAsset, error) {
	log := a.log.FromContext(ctx)
	out := req.Output.WithDefaults()
	progress := req.Progress
	if progress == nil {
		progress = func(AssemblyStep) {}
	}
	if len(req.Clips) == 0 {
		return nil, apperrors.New(apperrors.CodeAssemblyFailed, "no clips to assemble")
	}
	if err := os.MkdirAll(req.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create assembly dir: %w", err)
	}
	start := time.Now()

	clips := append([]AssembleClip(nil), req.Clips...)
	sort.Slice(clips, func(i, j int) bool { return clips[i].Order < clips[j].Order })

	asset := &FinalAsset{Encoder: models.EncoderSoftware}
	var total float64
	paths := make([]string, len(clips))
	for i, c := range clips {
		total += c.DurationSeconds
		if c.Path != "" {
			paths[i] = c.Path
			continue
		}
		if req.Substitute == nil {
			return nil, apperrors.Newf(apperrors.CodeAssemblyFailed, "scene %d has no rendered clip", c.Order).
				WithField("scene_id", c.SceneID.String()).
				WithField("scene_order", c.Order)
		}
		p, err := req.Substitute(ctx, c)
		if err != nil {
			return nil, apperrors.Wrapf(err, "assembler.substitute", "placeholder for scene %d failed", c.Order)
		}
		paths[i] = p
		asset.Substitutions = append(asset.Substitutions, models.Substitution{SceneID: c.SceneID, SceneOrder: c.Order, Reason: c.FailureReason})
		log.Warn("[Assembler] scene substituted", "scene_order", c.Order, "reason", c.FailureReason)
	}

	// Step 1: concat in scene order
	joined := filepath.Join(req.WorkDir, "joined.mp4")
	reencoded, outcome, err := a.concat(ctx, paths, clips, out, req.WorkDir, joined)
	if err != nil {
		return nil, err
	}
	asset.Reencoded = reencoded
	asset.Encoder, asset.Fallback = outcome.Used, outcome.Fallback
	progress(StepConcat)

	// Step 2: narration level and background bed
	mixed, err := a.mix(ctx, req, joined, total)
	if err != nil {
		return nil, err
	}
	progress(StepMix)

	// Step 3: captions
	captions, err := a.captions(ctx, req, joined, out)
	if err != nil {
		return nil, err
	}
	progress(StepCaptions)

	// Step 4: final file
	final := filepath.Join(req.WorkDir, "final.mp4")
	burnOutcome, err := a.finalize(ctx, req, mixed, captions, out, total, final)
	if err != nil {
		return nil, err
	}
	if burnOutcome != nil {
		asset.Encoder = burnOutcome.Used
		asset.Fallback = asset.Fallback || burnOutcome.Fallback
	}

	probe, err := a.ffmpeg.Probe(ctx, final, true)
	if err != nil {
		return nil, apperrors.WrapWithCode(err, apperrors.CodeAssemblyFailed, "assembler.verify", "final asset cannot be probed")
	}
	v := probe.Video()
	if v == nil {
		return nil, apperrors.New(apperrors.CodeAssemblyFailed, "final asset has no video stream")
	}
	frames := v.DecodedFrames()
	if !FramePlausible(frames, total, out.FPS, a.frameTolerance) {
		return nil, apperrors.Newf(apperrors.CodeAssemblyFailed, "final asset has %d frames, expected about %d", frames, out.FrameCount(total)).
			WithField("frames", frames)
	}
	progress(StepEncode)

	asset.Path = final
	asset.Frames = frames
	asset.DurationSeconds = float64(frames) / float64(out.FPS)
	log.Info("[Assembler] final asset ready",
		"scenes", len(clips),
		"frames", frames,
		"reencoded", asset.Reencoded,
		"substitutions", len(asset.Substitutions),
		"elapsed", time.Since(start).String(),
	)
	return asset, nil
}

// concat joins clips with the demuxer when every stream matches, otherwise
// through the concat filter with a re-encode.
func (a *Assembler) concat(ctx context.Context, paths []string, clips []AssembleClip, out models.OutputSpec, dir, dst string) (bool, EncodeOutcome, error) {
	probes := make([]*ProbeResult, len(paths))
	same := true
	for i, p := range paths {
		pr, err := a.ffmpeg.Probe(ctx, p, false)
		if err != nil {
			return false, EncodeOutcome{}, apperrors.WrapWithCode(err, apperrors.CodeAssemblyFailed, "assembler.probe",
				fmt.Sprintf("clip for scene %d cannot be probed", clips[i].Order))
		}
		if pr.Video() == nil {
			return false, EncodeOutcome{}, apperrors.Newf(apperrors.CodeAssemblyFailed, "clip for scene %d has no video", clips[i].Order)
		}
		probes[i] = pr
		if i > 0 && pr.Signature() != probes[0].Signature() {
			same = false
		}
	}

	if same {
		if err := a.ffmpeg.ConcatCopy(ctx, filepath.Join(dir, "concat_list.txt"), paths, dst); err != nil {
			return false, EncodeOutcome{}, apperrors.WrapWithCode(err, apperrors.CodeAssemblyFailed, "assembler.concat", "stream-copy concat failed")
		}
		return false, EncodeOutcome{Used: models.EncoderSoftware}, nil
	}

	a.log.FromContext(ctx).Info("[Assembler] clip parameters differ, re-encoding through concat filter", "clips", len(paths))
	outcome, err := a.selector.Encode(ctx, func(ctx context.Context, profile EncoderProfile) error {
		return a.ffmpeg.FFmpeg(ctx, concatFilterArgs(paths, probes, clips, out, profile, dst)...)
	})
	if err != nil {
		return false, outcome, apperrors.WrapWithCode(err, apperrors.CodeAssemblyFailed, "assembler.concat", "concat filter re-encode failed")
	}
	return true, outcome, nil
}

func concatFilterArgs(paths []string, probes []*ProbeResult, clips []AssembleClip, out models.OutputSpec, profile EncoderProfile, dst string) []string {
	var args []string
	for _, p := range paths {
		args = append(args, "-i", p)
	}

	var graph strings.Builder
	var pads strings.Builder
	silent := len(paths)
	for i := range paths {
		fmt.Fprintf(&graph, "[%d:v]%s,format=yuv420p[v%d];", i, buildLetterboxFilter(out), i)
		if probes[i].Audio() != nil {
			fmt.Fprintf(&graph, "[%d:a]aresample=48000,aformat=channel_layouts=stereo,apad,atrim=duration=%s[a%d];", i, secs(clips[i].DurationSeconds), i)
		} else {
			// Keeps the concat aligned when a clip carries no audio.
			args = append(args, "-f", "lavfi", "-t", secs(clips[i].DurationSeconds), "-i", "anullsrc=r=48000:cl=stereo")
			fmt.Fprintf(&graph, "[%d:a]anull[a%d];", silent, i)
			silent++
		}
		fmt.Fprintf(&pads, "[v%d][a%d]", i, i)
	}
	fmt.Fprintf(&graph, "%sconcat=n=%d:v=1:a=1[v][a]", pads.String(), len(paths))

	args = append(args,
		"-filter_complex", graph.String(),
		"-map", "[v]",
		"-map", "[a]",
	)
	args = append(args, profile.VideoArgs(out)...)
	args = append(args, AudioArgs()...)
	args = append(args, "-movflags", "+faststart", "-y", dst)
	return args
}

// mix applies the narration level and loops the background track under it.
// With neither to do, the joined file is used as is.
func (a *Assembler) mix(ctx context.Context, req AssembleRequest, joined string, total float64) (string, error) {
	if req.Audio == nil {
		return joined, nil
	}
	spec := req.Audio.WithDefaults()
	hasBackground := spec.BackgroundRef != nil && *spec.BackgroundRef != ""
	if !hasBackground && spec.NarrationVolume == 1.0 {
		return joined, nil
	}

	dst := filepath.Join(req.WorkDir, "mixed.mp4")
	dur := secs(total)
	args := []string{"-i", joined}
	var graph string

	if hasBackground {
		bg, err := a.fetcher.Fetch(ctx, *spec.BackgroundRef, MediaAudio, req.WorkDir)
		if err != nil {
			return "", apperrors.Wrap(err, "assembler.mix", "background track unavailable")
		}
		args = append(args, "-stream_loop", "-1", "-i", bg)
		graph = fmt.Sprintf("[0:a]volume=%s[narration];[1:a]volume=%s,atrim=duration=%s[music];[narration][music]amix=inputs=2:duration=first:normalize=0[aout]",
			volume(spec.NarrationVolume), volume(spec.BackgroundVolume), dur)
	} else {
		graph = fmt.Sprintf("[0:a]volume=%s[aout]", volume(spec.NarrationVolume))
	}

	args = append(args,
		"-filter_complex", graph,
		"-map", "0:v",
		"-map", "[aout]",
		"-c:v", "copy",
	)
	args = append(args, AudioArgs()...)
	args = append(args, "-t", dur, "-y", dst)

	if err := a.ffmpeg.FFmpeg(ctx, args...); err != nil {
		return "", apperrors.WrapWithCode(err, apperrors.CodeAssemblyFailed, "assembler.mix", "audio mix failed")
	}
	return dst, nil
}

type captionFiles struct {
	mode     models.CaptionMode
	path     string
	language string
}

// captions writes the caption file for the requested mode. Transcription
// reads the joined narration, before any background bed is added.
func (a *Assembler) captions(ctx context.Context, req AssembleRequest, joined string, out models.OutputSpec) (*captionFiles, error) {
	spec := req.Captions
	if spec == nil || spec.Mode == "" || spec.Mode == models.CaptionModeNone {
		return nil, nil
	}

	cues := spec.Cues
	var words []WordTimestamp
	if spec.Transcribe {
		if a.transcriber == nil {
			return nil, apperrors.New(apperrors.CodeAssemblyFailed, "caption transcription requested but no transcriber is configured")
		}
		narration := filepath.Join(req.WorkDir, "narration.m4a")
		if err := a.ffmpeg.FFmpeg(ctx, "-i", joined, "-vn", "-map", "0:a:0", "-c:a", "copy", "-y", narration); err != nil {
			return nil, apperrors.WrapWithCode(err, apperrors.CodeAssemblyFailed, "assembler.captions", "failed to extract narration for transcription")
		}
		w, err := a.transcriber.Transcribe(ctx, narration, spec.Language)
		if err != nil {
			return nil, apperrors.WrapWithCode(err, apperrors.CodeAssemblyFailed, "assembler.captions", "transcription failed")
		}
		words = w
		cues = CuesFromWords(w)
	}
	if len(cues) == 0 {
		return nil, nil
	}

	files := &captionFiles{mode: spec.Mode, language: spec.Language}
	switch spec.Mode {
	case models.CaptionModeBurn:
		files.path = filepath.Join(req.WorkDir, "captions.ass")
		if err := WriteASS(cues, words, out, files.path); err != nil {
			return nil, err
		}
	case models.CaptionModeMux:
		files.path = filepath.Join(req.WorkDir, "captions.srt")
		if err := WriteSRT(cues, files.path); err != nil {
			return nil, err
		}
	default:
		return nil, apperrors.Validationf("unknown caption mode %q", spec.Mode)
	}
	return files, nil
}

// finalize writes the deliverable with the index at the front. Burned
// captions force a video re-encode; everything else is a stream copy.
func (a *Assembler) finalize(ctx context.Context, req AssembleRequest, src string, caps *captionFiles, out models.OutputSpec, total float64, dst string) (*EncodeOutcome, error) {
	const op = "assembler.finalize"

	switch {
	case caps != nil && caps.mode == models.CaptionModeBurn:
		outcome, err := a.selector.Encode(ctx, func(ctx context.Context, profile EncoderProfile) error {
			args := []string{
				"-i", src,
				"-vf", fmt.Sprintf("ass='%s'", escapeFFmpegFilterPath(caps.path)),
				"-map", "0:v:0",
				"-map", "0:a:0",
			}
			args = append(args, profile.VideoArgs(out)...)
			args = append(args,
				"-c:a", "copy",
				"-frames:v", strconv.Itoa(out.FrameCount(total)),
				"-movflags", "+faststart",
				"-y", dst,
			)
			return a.ffmpeg.FFmpeg(ctx, args...)
		})
		if err != nil {
			return nil, apperrors.WrapWithCode(err, apperrors.CodeAssemblyFailed, op, "caption burn-in failed")
		}
		return &outcome, nil

	case caps != nil && caps.mode == models.CaptionModeMux:
		args := []string{
			"-i", src,
			"-i", caps.path,
			"-map", "0:v:0",
			"-map", "0:a:0",
			"-map", "1:0",
			"-c:v", "copy",
			"-c:a", "copy",
			"-c:s", "mov_text",
		}
		if caps.language != "" {
			args = append(args, "-metadata:s:s:0", "language="+caps.language)
		}
		args = append(args, "-movflags", "+faststart", "-y", dst)
		if err := a.ffmpeg.FFmpeg(ctx, args...); err != nil {
			return nil, apperrors.WrapWithCode(err, apperrors.CodeAssemblyFailed, op, "caption mux failed")
		}
		return nil, nil

	default:
		if err := a.ffmpeg.FFmpeg(ctx, "-i", src, "-map", "0", "-c", "copy", "-movflags", "+faststart", "-y", dst); err != nil {
			return nil, apperrors.WrapWithCode(err, apperrors.CodeAssemblyFailed, op, "final remux failed")
		}
		return nil, nil
	}
}

func volume(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
