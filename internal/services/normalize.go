package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/bobarin/sceneforge/internal/models"
	apperrors "github.com/bobarin/sceneforge/internal/pkg/errors"
	"github.com/bobarin/sceneforge/internal/pkg/logger"
)

// A captured clip below minSourceFPS is treated as frozen. Rates outside
// [minSourceFPS, maxSourceFPS] derived from timestamps are not trusted.
const (
	minSourceFPS = 1.0
	maxSourceFPS = 240.0
)

type NormalizeInput struct {
	RawPath         string
	WorkDir         string
	DeclaredSeconds float64 // caller-declared length; container tags are never trusted
	FPS             int
}

type NormalizedClip struct {
	Path            string
	Frames          int
	DurationSeconds float64
	Reencoded       bool
	HasAudio        bool
}

// Normalizer repairs captured clips whose container timestamps are missing,
// non-monotonic or variable-rate before they reach the scene encoder.
// It only uses the software encoder.
type Normalizer struct {
	ffmpeg         *FFmpegService
	software       EncoderProfile
	frameTolerance float64
	log            *logger.Logger
}

func NewNormalizer(ffmpeg *FFmpegService, frameTolerance float64, log *logger.Logger) *Normalizer {
	if log == nil {
		log = logger.Nop()
	}
	if frameTolerance <= 0 {
		frameTolerance = 0.05
	}
	return &Normalizer{
		ffmpeg:         ffmpeg,
		software:       SoftwareProfile(),
		frameTolerance: frameTolerance,
		log:            log.WithComponent("normalizer"),
	}
}

// Normalize produces a constant-frame-rate clip of exactly the declared
// duration. Running it on its own output yields an equivalent clip.
func (n *Normalizer) Normalize(ctx context.Context, in NormalizeInput) (*NormalizedClip, error) {
	const op = "normalizer.normalize"

	if in.DeclaredSeconds <= 0 || in.FPS <= 0 {
		return nil, apperrors.Validationf("declared duration and fps must be positive (got %.3fs @ %d)", in.DeclaredSeconds, in.FPS)
	}
	if err := os.MkdirAll(in.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create normalize dir: %w", err)
	}

	base := filepath.Base(in.RawPath)
	remuxPath := filepath.Join(in.WorkDir, "remux_"+base+".mkv")
	outPath := filepath.Join(in.WorkDir, "normalized_"+base+".mp4")
	log := n.log.FromContext(ctx)

	// Step 1: container-level repair, dropping index and duration metadata.
	if err := n.ffmpeg.FFmpeg(ctx, remuxArgs(in.RawPath, remuxPath)...); err != nil {
		return nil, apperrors.WrapWithCode(err, apperrors.CodeSourceUnreadable, op, "remux of captured clip failed")
	}
	defer os.Remove(remuxPath)

	probe, err := n.ffmpeg.Probe(ctx, remuxPath, false)
	if err != nil {
		return nil, apperrors.WrapWithCode(err, apperrors.CodeSourceUnreadable, op, "captured clip cannot be probed")
	}
	if probe.Video() == nil {
		return nil, apperrors.New(apperrors.CodeSourceUnreadable, "captured clip has no video stream")
	}

	reencoded := false
	if n.alreadyNormalized(probe, in) {
		log.Debug("[Normalizer] clip already constant-rate, copying streams")
		if err := n.ffmpeg.FFmpeg(ctx, "-i", remuxPath, "-c", "copy", "-movflags", "+faststart", "-y", outPath); err != nil {
			return nil, apperrors.WrapWithCode(err, apperrors.CodeNormalizationFailed, op, "stream copy of normalized clip failed")
		}
	} else {
		packets, err := n.ffmpeg.CountPackets(ctx, remuxPath)
		if err != nil {
			return nil, apperrors.WrapWithCode(err, apperrors.CodeSourceUnreadable, op, "failed to count source frames")
		}
		if float64(packets)/in.DeclaredSeconds < minSourceFPS {
			return nil, apperrors.Newf(apperrors.CodeNormalizationFailed,
				"captured clip has %d frames for %.2fs; looks frozen", packets, in.DeclaredSeconds).
				WithField("source_frames", packets)
		}

		videoSpan := n.span(ctx, remuxPath, "v:0")
		audioSpan := 0.0
		if probe.Audio() != nil {
			audioSpan = n.span(ctx, remuxPath, "a:0")
		}
		sourceFPS, basis := capturedRate(packets, videoSpan, audioSpan, in.DeclaredSeconds)
		log.Debug("[Normalizer] source rate measured", "fps", sourceFPS, "basis", basis,
			"captured_seconds", float64(packets)/sourceFPS, "declared_seconds", in.DeclaredSeconds)

		// Step 2: re-read with regenerated timestamps, forced to CFR.
		args := n.reencodeArgs(in, remuxPath, outPath, sourceFPS, probe)
		if err := n.ffmpeg.FFmpeg(ctx, args...); err != nil {
			return nil, apperrors.WrapWithCode(err, apperrors.CodeNormalizationFailed, op, "constant-rate re-encode failed")
		}
		reencoded = true
	}

	// Step 3: the frame count must match the declared duration.
	verify, err := n.ffmpeg.Probe(ctx, outPath, true)
	if err != nil {
		return nil, apperrors.WrapWithCode(err, apperrors.CodeNormalizationFailed, op, "normalized clip cannot be probed")
	}
	v := verify.Video()
	if v == nil {
		return nil, apperrors.New(apperrors.CodeNormalizationFailed, "normalized clip has no video stream")
	}
	frames := v.DecodedFrames()
	expected := models.OutputSpec{FPS: in.FPS}.FrameCount(in.DeclaredSeconds)
	if !FramePlausible(frames, in.DeclaredSeconds, in.FPS, n.frameTolerance) {
		return nil, apperrors.Newf(apperrors.CodeNormalizationFailed,
			"normalized clip has %d frames, expected about %d", frames, expected).
			WithField("frames", frames).
			WithField("expected_frames", expected)
	}

	log.Info("[Normalizer] clip normalized", "frames", frames, "expected", expected, "reencoded", reencoded)
	return &NormalizedClip{
		Path:            outPath,
		Frames:          frames,
		DurationSeconds: float64(frames) / float64(in.FPS),
		Reencoded:       reencoded,
		HasAudio:        verify.Audio() != nil,
	}, nil
}

func (n *Normalizer) span(ctx context.Context, path, stream string) float64 {
	d, err := n.ffmpeg.PacketSpan(ctx, path, stream)
	if err != nil {
		n.log.FromContext(ctx).Debug("[Normalizer] stream timestamps unusable", "stream", stream, "error", err.Error())
		return 0
	}
	return d
}

// capturedRate is the rate the clip was recorded at. The video keeps that
// speed and is then padded or trimmed to the declared length, so it stays
// aligned with the audio track, which is padded or trimmed the same way.
// Video packet timestamps are preferred, then the audio span; the declared
// duration is the last resort.
func capturedRate(packets int, videoSpan, audioSpan, declared float64) (float64, string) {
	plausible := func(fps float64) bool { return fps >= minSourceFPS && fps <= maxSourceFPS }
	if packets > 1 && videoSpan > 0 {
		if fps := float64(packets-1) / videoSpan; plausible(fps) {
			return fps, "video_timestamps"
		}
	}
	if audioSpan > 0 {
		if fps := float64(packets) / audioSpan; plausible(fps) {
			return fps, "audio_timestamps"
		}
	}
	return float64(packets) / declared, "declared"
}

// alreadyNormalized spots a clip this normalizer produced earlier so a second
// pass only remuxes instead of re-encoding.
func (n *Normalizer) alreadyNormalized(p *ProbeResult, in NormalizeInput) bool {
	v := p.Video()
	if v == nil || v.CodecName != "h264" || v.PixFmt != "yuv420p" || v.HasBFrames != 0 {
		return false
	}
	want := float64(in.FPS)
	if FrameRate(v.RFrameRate) != want || FrameRate(v.AvgFrameRate) != want {
		return false
	}
	d := p.DurationSeconds()
	return d > 0 && FramePlausible(int(d*want+0.5), in.DeclaredSeconds, in.FPS, n.frameTolerance)
}

func remuxArgs(raw, out string) []string {
	return []string{
		"-fflags", "+genpts+igndts",
		"-i", raw,
		"-map", "0:v:0",
		"-map", "0:a:0?",
		"-c", "copy",
		"-map_metadata", "-1",
		"-map_chapters", "-1",
		"-y",
		out,
	}
}

func (n *Normalizer) reencodeArgs(in NormalizeInput, remuxPath, outPath string, sourceFPS float64, probe *ProbeResult) []string {
	frames := models.OutputSpec{FPS: in.FPS}.FrameCount(in.DeclaredSeconds)
	dur := secs(in.DeclaredSeconds)

	vf := fmt.Sprintf("setpts=N/(%s*TB),fps=%d,scale=trunc(iw/2)*2:trunc(ih/2)*2,tpad=stop_mode=clone:stop_duration=%s,trim=duration=%s,setpts=PTS-STARTPTS",
		strconv.FormatFloat(sourceFPS, 'f', 6, 64), in.FPS, dur, dur)

	args := []string{"-fflags", "+genpts+igndts", "-i", remuxPath}
	audioMap := "0:a:0"
	if probe.Audio() == nil {
		args = append(args, "-f", "lavfi", "-i", "anullsrc=r=48000:cl=stereo")
		audioMap = "1:a:0"
	}

	v := probe.Video()
	level := models.OutputSpec{Width: v.Width, Height: v.Height, FPS: in.FPS}
	args = append(args,
		"-map", "0:v:0",
		"-map", audioMap,
		"-vf", vf,
		"-af", fmt.Sprintf("aresample=async=1:first_pts=0,apad,atrim=duration=%s", dur),
	)
	args = append(args, n.software.VideoArgs(level)...)
	args = append(args, AudioArgs()...)
	args = append(args,
		"-frames:v", strconv.Itoa(frames),
		"-t", dur,
		"-movflags", "+faststart",
		"-y",
		outPath,
	)
	return args
}
