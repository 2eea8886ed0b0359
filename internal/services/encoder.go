package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bobarin/sceneforge/internal/models"
	apperrors "github.com/bobarin/sceneforge/internal/pkg/errors"
	"github.com/bobarin/sceneforge/internal/pkg/logger"
)

// EncoderProfile is a codec plus its rate-control arguments. The stream
// invariants shared by every profile are added by VideoArgs.
type EncoderProfile struct {
	Kind   models.EncoderKind
	Codec  string
	Preset []string
}

// SoftwareProfile is libx264, always available.
func SoftwareProfile() EncoderProfile {
	return EncoderProfile{
		Kind:   models.EncoderSoftware,
		Codec:  "libx264",
		Preset: []string{"-preset", "veryfast", "-crf", "20"},
	}
}

// HardwareProfile returns the profile for a hardware H.264 encoder.
func HardwareProfile(codec string) EncoderProfile {
	p := EncoderProfile{Kind: models.EncoderHardware, Codec: codec}
	switch codec {
	case "h264_nvenc":
		p.Preset = []string{"-preset", "p4", "-rc", "vbr", "-cq", "23", "-no-scenecut", "1"}
	case "h264_qsv":
		p.Preset = []string{"-preset", "medium", "-global_quality", "23"}
	case "h264_videotoolbox":
		p.Preset = []string{"-q:v", "60", "-allow_sw", "0"}
	case "h264_amf":
		p.Preset = []string{"-quality", "balanced"}
	}
	return p
}

// VideoArgs renders the profile for an output. The parameter set is the same
// for hardware and software so that clips from either concatenate cleanly:
// no B-frames, a keyframe every second, constant frame rate, an explicit
// numeric level and yuv420p.
func (p EncoderProfile) VideoArgs(out models.OutputSpec) []string {
	fps := strconv.Itoa(out.FPS)
	args := []string{"-c:v", p.Codec}
	args = append(args, p.Preset...)
	args = append(args,
		"-profile:v", "high",
		"-level:v", H264Level(out),
		"-bf", "0",
		"-g", fps,
		"-keyint_min", fps,
		"-sc_threshold", "0",
		"-force_key_frames", "expr:gte(t,n_forced*1)",
		"-r", fps,
		"-fps_mode", "cfr",
		"-pix_fmt", "yuv420p",
	)
	if out.MaxBitrateKbps > 0 {
		args = append(args,
			"-maxrate", fmt.Sprintf("%dk", out.MaxBitrateKbps),
			"-bufsize", fmt.Sprintf("%dk", out.MaxBitrateKbps*2),
		)
	}
	return args
}

// AudioArgs is the AAC layout every scene clip carries.
func AudioArgs() []string {
	return []string{"-c:a", "aac", "-b:a", "192k", "-ar", "48000", "-ac", "2"}
}

type h264Level struct {
	name    string
	maxFS   int // macroblocks per frame
	maxMBPS int // macroblocks per second
}

var h264Levels = []h264Level{
	{"4.1", 8192, 245760},
	{"4.2", 8704, 522240},
	{"5.1", 36864, 983040},
	{"5.2", 36864, 2073600},
	{"6.1", 139264, 8355840},
	{"6.2", 139264, 16711680},
}

// H264Level picks the lowest level from 4.1 up that fits the output.
func H264Level(out models.OutputSpec) string {
	mbs := ((out.Width + 15) / 16) * ((out.Height + 15) / 16)
	mbps := mbs * out.FPS
	for _, l := range h264Levels {
		if mbs <= l.maxFS && mbps <= l.maxMBPS {
			return l.name
		}
	}
	return h264Levels[len(h264Levels)-1].name
}

var encoderInitMarkers = []string{
	"unknown encoder",
	"cannot load",
	"no nvenc capable devices",
	"openencodesessionex failed",
	"error initializing output stream",
	"error while opening encoder",
	"failed to initialise",
	"device creation failed",
	"no capable devices found",
	"initializeencoder failed",
	"cuda_error",
	"hardware device setup failed",
	"driver does not support",
}

// IsEncoderInitFailure reports whether err came from an encoder that could
// not start, as opposed to bad input.
func IsEncoderInitFailure(err error) bool {
	var ee *ExecError
	if !errors.As(err, &ee) {
		return false
	}
	stderr := strings.ToLower(ee.Stderr)
	for _, m := range encoderInitMarkers {
		if strings.Contains(stderr, m) {
			return true
		}
	}
	return false
}

// EncodeOutcome says which profile produced the output.
type EncodeOutcome struct {
	Used     models.EncoderKind
	Fallback bool
}

// EncodeFunc runs one encode with the given profile.
type EncodeFunc func(ctx context.Context, profile EncoderProfile) error

type EncoderSelector struct {
	hardware *HardwareProbe
	software EncoderProfile
	log      *logger.Logger
}

// NewEncoderSelector builds a selector. hardware may be nil, in which case
// every encode uses the software profile.
func NewEncoderSelector(hardware *HardwareProbe, log *logger.Logger) *EncoderSelector {
	if log == nil {
		log = logger.Nop()
	}
	return &EncoderSelector{
		hardware: hardware,
		software: SoftwareProfile(),
		log:      log.WithComponent("encoder"),
	}
}

// Software returns the software profile.
func (s *EncoderSelector) Software() EncoderProfile { return s.software }

// Encode runs encode with the hardware profile when the probe reports it
// available, retrying once with software if the hardware encoder fails to
// initialize. Whenever a configured hardware encoder is skipped the outcome
// is marked as a fallback.
func (s *EncoderSelector) Encode(ctx context.Context, encode EncodeFunc) (EncodeOutcome, error) {
	fallback := false

	if s.hardware != nil && s.hardware.Configured() {
		if !s.hardware.Available(ctx) {
			fallback = true
		} else {
			err := encode(ctx, s.hardware.Profile())
			if err == nil {
				return EncodeOutcome{Used: models.EncoderHardware}, nil
			}
			if ctx.Err() != nil || !IsEncoderInitFailure(err) {
				return EncodeOutcome{Used: models.EncoderHardware}, err
			}
			s.hardware.ReportFailure(err)
			s.log.FromContext(ctx).Warn("[Encoder] hardware encoder failed to initialize, falling back to software",
				"encoder", s.hardware.Profile().Codec, "error", err.Error())
			fallback = true
		}
	}

	outcome := EncodeOutcome{Used: models.EncoderSoftware, Fallback: fallback}
	if err := encode(ctx, s.software); err != nil {
		if IsEncoderInitFailure(err) {
			return outcome, apperrors.WrapWithCode(err, apperrors.CodeEncoderUnavailable, "encoder.software", "software encoder failed to initialize")
		}
		return outcome, err
	}
	return outcome, nil
}
