package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	apperrors "github.com/bobarin/sceneforge/internal/pkg/errors"
	"github.com/bobarin/sceneforge/internal/pkg/logger"
)

// ---------------------------------------------------------------------------
// Talking-head animation back-end
// Serverless GPU worker with an async job API:
// submit /run → poll /status/{id} → the worker PUTs the clip to video_upload_url.
// ---------------------------------------------------------------------------

const (
	animPollMinInterval   = 2 * time.Second
	animPollMaxInterval   = 10 * time.Second
	animPollBackoffFactor = 1.5
	animDefaultPollLimit  = 600 * time.Second
	animDefaultReadyTries = 50
	animDefaultReadyDelay = 500 * time.Millisecond

	animPositivePrompt = "a person talking naturally to the camera, subtle head movement, natural blinking"
	animNegativePrompt = "bright tones, overexposed, static, blurred details, subtitles, worst quality, low quality, deformed, extra fingers, frozen frame"
)

// AnimateRequest is everything the back-end needs for one talking-head clip.
// All refs must be URLs the back-end can reach.
type AnimateRequest struct {
	ImageURL        string
	AudioURL        string
	UploadURL       string // presigned PUT target for the rendered clip
	DurationSeconds float64
	FPS             int
	AspectRatio     string
	Width           int
	Height          int
	Seed            int // -1 = random
}

type AnimateResult struct {
	Frames          int
	DurationSeconds float64
	SizeBytes       int64
}

// Animator turns a still plus narration into a lip-synced clip.
type Animator interface {
	Animate(ctx context.Context, req AnimateRequest) (*AnimateResult, error)
}

type AnimationClientConfig struct {
	BaseURL      string
	APIKey       string
	PollLimit    time.Duration
	ReadyRetries int
	ReadyDelay   time.Duration
	MaxFailures  int
	Cooldown     time.Duration
}

// AnimationClient talks to the talking-head worker. Submissions go through a
// circuit breaker so a cold or broken endpoint fails scenes quickly.
type AnimationClient struct {
	cfg        AnimationClientConfig
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	log        *logger.Logger
}

func NewAnimationClient(cfg AnimationClientConfig, log *logger.Logger) *AnimationClient {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.PollLimit <= 0 {
		cfg.PollLimit = animDefaultPollLimit
	}
	if cfg.ReadyRetries <= 0 {
		cfg.ReadyRetries = animDefaultReadyTries
	}
	if cfg.ReadyDelay <= 0 {
		cfg.ReadyDelay = animDefaultReadyDelay
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	log = log.WithComponent("animation")

	return &AnimationClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second, // per call, not the full poll cycle
		},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "animation-backend",
			MaxRequests: 1,
			Timeout:     cfg.Cooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= uint32(cfg.MaxFailures)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("[Animation] breaker state changed", "from", from.String(), "to", to.String())
			},
		}),
		log: log,
	}
}

// BreakerState reports the submission breaker state.
func (c *AnimationClient) BreakerState() string {
	return c.breaker.State().String()
}

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type animInput struct {
	ImageURL                string  `json:"image_url"`
	AudioURL                string  `json:"audio_url"`
	VideoUploadURL          string  `json:"video_upload_url"`
	AudioCropStartTime      string  `json:"audio_crop_start_time"`
	AudioCropEndTime        string  `json:"audio_crop_end_time"`
	PositivePrompt          string  `json:"positive_prompt"`
	NegativePrompt          string  `json:"negative_prompt"`
	AspectRatio             string  `json:"aspect_ratio"`
	ScaleToLength           int     `json:"scale_to_length"`
	ScaleToSide             string  `json:"scale_to_side"`
	FPS                     float64 `json:"fps"`
	NumFrames               int     `json:"num_frames"`
	EmbedsAudioScale        float64 `json:"embeds_audio_scale"`
	EmbedsCfgAudioScale     float64 `json:"embeds_cfg_audio_scale"`
	EmbedsMultiAudioType    string  `json:"embeds_multi_audio_type"`
	EmbedsNormalizeLoudness bool    `json:"embeds_normalize_loudness"`
	Steps                   int     `json:"steps"`
	Seed                    int     `json:"seed"`
	Scheduler               string  `json:"scheduler"`
}

type animRunRequest struct {
	Input animInput `json:"input"`
}

type animRunResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// animOutput is what the worker handler returns: status mirrors HTTP codes.
type animOutput struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Payload *struct {
		VideoSize int64   `json:"video_size"`
		NumFrames int     `json:"num_frames"`
		Duration  float64 `json:"duration"`
	} `json:"payload,omitempty"`
}

type animStatusResponse struct {
	ID     string      `json:"id"`
	Status string      `json:"status"` // IN_QUEUE, IN_PROGRESS, COMPLETED, FAILED, CANCELLED, TIMED_OUT
	Output *animOutput `json:"output,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// buildAnimInput maps a request onto the worker's parameter set. The frame
// count is rounded up so the clip never comes back shorter than the audio.
func buildAnimInput(req AnimateRequest) animInput {
	frames := int(math.Ceil(req.DurationSeconds * float64(req.FPS)))
	side, length := "longest", req.Width
	if req.Height > length {
		length = req.Height
	}
	seed := req.Seed
	if seed == 0 {
		seed = -1
	}
	return animInput{
		ImageURL:                req.ImageURL,
		AudioURL:                req.AudioURL,
		VideoUploadURL:          req.UploadURL,
		AudioCropStartTime:      formatCropTime(0),
		AudioCropEndTime:        formatCropTime(math.Ceil(req.DurationSeconds)),
		PositivePrompt:          animPositivePrompt,
		NegativePrompt:          animNegativePrompt,
		AspectRatio:             req.AspectRatio,
		ScaleToLength:           length,
		ScaleToSide:             side,
		FPS:                     float64(req.FPS),
		NumFrames:               frames,
		EmbedsAudioScale:        1.0,
		EmbedsCfgAudioScale:     1.0,
		EmbedsMultiAudioType:    "para",
		EmbedsNormalizeLoudness: true,
		Steps:                   6,
		Seed:                    seed,
		Scheduler:               "unipc",
	}
}

// formatCropTime renders seconds as m:ss.
func formatCropTime(seconds float64) string {
	s := int(seconds)
	return fmt.Sprintf("%d:%02d", s/60, s%60)
}

// ---------------------------------------------------------------------------
// Animate
// ---------------------------------------------------------------------------

func (c *AnimationClient) Animate(ctx context.Context, req AnimateRequest) (*AnimateResult, error) {
	const op = "animation.animate"
	log := c.log.FromContext(ctx)

	if c.cfg.BaseURL == "" {
		return nil, apperrors.New(apperrors.CodeRenderFailed, "no animation back-end configured")
	}
	if req.DurationSeconds <= 0 || req.FPS <= 0 {
		return nil, apperrors.Validationf("talking head needs positive duration and fps (got %.3fs @ %d)", req.DurationSeconds, req.FPS)
	}

	input := buildAnimInput(req)
	log.Info("[Animation] submitting talking-head job", "frames", input.NumFrames, "fps", req.FPS, "aspect", req.AspectRatio)

	id, err := c.breaker.Execute(func() (interface{}, error) {
		if err := c.waitReady(ctx); err != nil {
			return nil, err
		}
		return c.submit(ctx, input)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, apperrors.WrapWithCode(err, apperrors.CodeUnavailable, op, "animation back-end breaker open")
		}
		return nil, apperrors.Wrap(err, op, "failed to submit talking-head job")
	}
	jobID := id.(string)
	log.Info("[Animation] job submitted", "backend_job_id", jobID)

	out, err := c.poll(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if out.Status != http.StatusOK {
		return nil, apperrors.Newf(apperrors.CodeRenderFailed, "animation back-end returned %d: %s", out.Status, out.Message).
			WithField("backend_job_id", jobID)
	}

	res := &AnimateResult{Frames: input.NumFrames, DurationSeconds: float64(input.NumFrames) / float64(req.FPS)}
	if out.Payload != nil {
		res.SizeBytes = out.Payload.VideoSize
		if out.Payload.NumFrames > 0 {
			res.Frames = out.Payload.NumFrames
		}
		if out.Payload.Duration > 0 {
			res.DurationSeconds = out.Payload.Duration
		}
	}
	log.Info("[Animation] clip ready", "frames", res.Frames, "bytes", res.SizeBytes)
	return res, nil
}

// waitReady polls the health endpoint until the worker pool answers, which
// covers cold starts.
func (c *AnimationClient) waitReady(ctx context.Context) error {
	var lastErr error
	for i := 0; i < c.cfg.ReadyRetries; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
		if err != nil {
			return fmt.Errorf("failed to create health request: %w", err)
		}
		c.authorize(req)
		resp, err := c.httpClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			lastErr = fmt.Errorf("health returned status %d", resp.StatusCode)
		} else {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ReadyDelay):
		}
	}
	return apperrors.WrapWithCode(lastErr, apperrors.CodeUnavailable, "animation.ready",
		fmt.Sprintf("animation back-end not reachable after %d attempts", c.cfg.ReadyRetries))
}

func (c *AnimationClient) submit(ctx context.Context, input animInput) (string, error) {
	jsonData, err := json.Marshal(animRunRequest{Input: input})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/run", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", apperrors.WrapWithCode(err, apperrors.CodeUnavailable, "animation.submit", "request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		code := apperrors.CodeRenderFailed
		if isRetryableStatus(resp.StatusCode) {
			code = apperrors.CodeUnavailable
		}
		return "", apperrors.Newf(code, "animation back-end returned status %d: %s", resp.StatusCode, truncate(string(body), 300))
	}

	var run animRunResponse
	if err := json.Unmarshal(body, &run); err != nil {
		return "", fmt.Errorf("failed to parse run response: %w (body: %s)", err, truncate(string(body), 300))
	}
	if run.ID == "" {
		return "", fmt.Errorf("no job id in run response: %s", truncate(string(body), 300))
	}
	return run.ID, nil
}

// poll waits for the back-end job with a growing interval, bounded by
// PollLimit.
func (c *AnimationClient) poll(ctx context.Context, jobID string) (*animOutput, error) {
	deadline := time.Now().Add(c.cfg.PollLimit)
	interval := animPollMinInterval
	if c.cfg.PollLimit < interval {
		interval = c.cfg.PollLimit / 4
	}
	polls := 0

	for {
		if time.Now().After(deadline) {
			return nil, apperrors.Newf(apperrors.CodeTimeout, "talking-head job timed out after %v (polled %d times)", c.cfg.PollLimit, polls).
				WithField("backend_job_id", jobID)
		}
		polls++

		st, err := c.status(ctx, jobID)
		if err != nil {
			return nil, err
		}

		switch st.Status {
		case "COMPLETED":
			if st.Output == nil {
				return nil, apperrors.New(apperrors.CodeRenderFailed, "animation job completed without output")
			}
			return st.Output, nil
		case "FAILED", "CANCELLED":
			msg := st.Error
			if msg == "" && st.Output != nil {
				msg = st.Output.Message
			}
			if msg == "" {
				msg = "unknown error"
			}
			return nil, apperrors.Newf(apperrors.CodeRenderFailed, "animation job %s: %s", strings.ToLower(st.Status), msg).
				WithField("backend_job_id", jobID)
		case "TIMED_OUT":
			return nil, apperrors.New(apperrors.CodeTimeout, "animation job timed out on the back-end").
				WithField("backend_job_id", jobID)
		}

		select {
		case <-ctx.Done():
			return nil, apperrors.Wrap(ctx.Err(), "animation.poll", "talking-head job abandoned")
		case <-time.After(interval):
		}
		next := time.Duration(float64(interval) * animPollBackoffFactor)
		if next > animPollMaxInterval {
			next = animPollMaxInterval
		}
		interval = next
	}
}

func (c *AnimationClient) status(ctx context.Context, jobID string) (*animStatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/status/"+jobID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.WrapWithCode(err, apperrors.CodeUnavailable, "animation.status", "status request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, apperrors.Newf(apperrors.CodeUnavailable, "animation status returned %d: %s", resp.StatusCode, truncate(string(body), 300))
	}

	var st animStatusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, fmt.Errorf("failed to parse status response: %w", err)
	}
	return &st, nil
}

func (c *AnimationClient) authorize(req *http.Request) {
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
