package services

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bobarin/sceneforge/internal/pkg/logger"
)

// Runner executes an external media tool. ExecRunner is the real one; tests
// substitute a recorder.
type Runner interface {
	Run(ctx context.Context, name string, args []string) ([]byte, error)
}

// ExecError carries the tail of stderr so callers can classify failures
// (encoder init, unreadable input) without re-running the command.
type ExecError struct {
	Tool   string
	Args   []string
	Stderr string
	Err    error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s failed: %v: %s", e.Tool, e.Err, lastLine(e.Stderr))
}

func (e *ExecError) Unwrap() error { return e.Err }

const stderrTailBytes = 8 << 10

type ExecRunner struct {
	log *logger.Logger
}

func NewExecRunner(log *logger.Logger) *ExecRunner {
	if log == nil {
		log = logger.Nop()
	}
	return &ExecRunner{log: log.WithComponent("ffmpeg")}
}

func (r *ExecRunner) Run(ctx context.Context, name string, args []string) ([]byte, error) {
	var stdout bytes.Buffer
	stderr := &tailBuffer{max: stderrTailBytes}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	r.log.Debug("[FFmpeg] command finished", "tool", name, "elapsed", time.Since(start).String(), "ok", err == nil)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w (%v)", ctxErr, err)
		}
		return stdout.Bytes(), &ExecError{Tool: name, Args: args, Stderr: stderr.String(), Err: err}
	}
	return stdout.Bytes(), nil
}

// tailBuffer keeps only the last max bytes written to it.
type tailBuffer struct {
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }

// ---------------------------------------------------------------------------
// FFmpegService
// ---------------------------------------------------------------------------

type FFmpegService struct {
	runner Runner
	log    *logger.Logger
}

func NewFFmpegService(runner Runner, log *logger.Logger) *FFmpegService {
	if log == nil {
		log = logger.Nop()
	}
	return &FFmpegService{runner: runner, log: log.WithComponent("ffmpeg")}
}

// FFmpeg runs ffmpeg with the given arguments, never reading stdin.
func (s *FFmpegService) FFmpeg(ctx context.Context, args ...string) error {
	full := append([]string{"-hide_banner", "-nostdin", "-loglevel", "error"}, args...)
	_, err := s.runner.Run(ctx, "ffmpeg", full)
	return err
}

// Probe inspects a media file. countFrames decodes the whole video stream,
// which is slow but independent of container metadata.
func (s *FFmpegService) Probe(ctx context.Context, path string, countFrames bool) (*ProbeResult, error) {
	args := []string{"-v", "error"}
	if countFrames {
		args = append(args, "-count_frames")
	}
	args = append(args,
		"-show_entries", "stream=codec_type,codec_name,width,height,pix_fmt,r_frame_rate,avg_frame_rate,nb_frames,nb_read_frames,has_b_frames,sample_rate,channels,duration:format=duration,format_name",
		"-of", "json",
		path,
	)

	out, err := s.runner.Run(ctx, "ffprobe", args)
	if err != nil {
		return nil, fmt.Errorf("ffprobe %s: %w", filepath.Base(path), err)
	}
	return ParseProbe(out)
}

// CountPackets returns the number of video packets without decoding.
func (s *FFmpegService) CountPackets(ctx context.Context, path string) (int, error) {
	args := []string{
		"-v", "error",
		"-select_streams", "v:0",
		"-count_packets",
		"-show_entries", "stream=nb_read_packets",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}
	out, err := s.runner.Run(ctx, "ffprobe", args)
	if err != nil {
		return 0, fmt.Errorf("ffprobe count packets: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 0, fmt.Errorf("failed to parse packet count %q: %w", strings.TrimSpace(string(out)), err)
	}
	return n, nil
}

// PacketSpan returns the distance between the earliest and latest packet
// timestamps of one stream (e.g. "v:0"). Packet timestamps survive in
// captures whose container duration is broken.
func (s *FFmpegService) PacketSpan(ctx context.Context, path, stream string) (float64, error) {
	args := []string{
		"-v", "error",
		"-select_streams", stream,
		"-show_entries", "packet=pts_time",
		"-of", "csv=p=0",
		path,
	}
	out, err := s.runner.Run(ctx, "ffprobe", args)
	if err != nil {
		return 0, fmt.Errorf("ffprobe packet timestamps: %w", err)
	}

	first, last, seen := 0.0, 0.0, false
	for _, line := range strings.Split(string(out), "\n") {
		v, err := strconv.ParseFloat(strings.Trim(strings.TrimSpace(line), ","), 64)
		if err != nil {
			continue
		}
		if !seen || v < first {
			first = v
		}
		if !seen || v > last {
			last = v
		}
		seen = true
	}
	if !seen || last <= first {
		return 0, fmt.Errorf("no usable %s timestamps in %s", stream, filepath.Base(path))
	}
	return last - first, nil
}

// MediaDuration returns the container duration of an audio or video file.
func (s *FFmpegService) MediaDuration(ctx context.Context, path string) (time.Duration, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}

	out, err := s.runner.Run(ctx, "ffprobe", args)
	if err != nil {
		return 0, fmt.Errorf("ffprobe duration failed: %w", err)
	}

	var seconds float64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(out)), "%f", &seconds); err != nil {
		return 0, fmt.Errorf("failed to parse duration: %w", err)
	}
	if seconds <= 0 {
		return 0, fmt.Errorf("non-positive duration %v", seconds)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// ConcatCopy joins clips with identical stream parameters without re-encoding.
func (s *FFmpegService) ConcatCopy(ctx context.Context, listPath string, clipPaths []string, outputPath string) error {
	if len(clipPaths) == 0 {
		return fmt.Errorf("no clips to concatenate")
	}
	if err := writeConcatList(listPath, clipPaths); err != nil {
		return err
	}

	return s.FFmpeg(ctx,
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-y",
		outputPath,
	)
}

func writeConcatList(listPath string, clipPaths []string) error {
	var b strings.Builder
	for _, p := range clipPaths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("failed to resolve clip path: %w", err)
		}
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	if err := os.WriteFile(listPath, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("failed to create concat list: %w", err)
	}
	return nil
}

// escapeFFmpegFilterPath escapes special characters in file paths for FFmpeg filter syntax.
// FFmpeg filter strings treat colons, backslashes, and single quotes specially.
func escapeFFmpegFilterPath(path string) string {
	path = strings.ReplaceAll(path, "\\", "\\\\")
	path = strings.ReplaceAll(path, ":", "\\:")
	path = strings.ReplaceAll(path, "'", "'\\''")
	return path
}

func secs(f float64) string {
	return strconv.FormatFloat(f, 'f', 3, 64)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
