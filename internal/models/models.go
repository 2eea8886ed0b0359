package models

import (
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Enums
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusRendering  JobStatus = "rendering"
	JobStatusAssembling JobStatus = "assembling"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further transition can happen.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Cancellable reports whether Cancel is allowed from this status.
func (s JobStatus) Cancellable() bool {
	return s == JobStatusQueued || s == JobStatusRendering
}

type SceneStatus string

const (
	SceneStatusPending   SceneStatus = "pending"
	SceneStatusRendering SceneStatus = "rendering"
	SceneStatusRendered  SceneStatus = "rendered"
	SceneStatusFailed    SceneStatus = "failed"
)

type EncoderKind string

const (
	EncoderHardware EncoderKind = "hardware"
	EncoderSoftware EncoderKind = "software"
)

type CaptionMode string

const (
	CaptionModeNone CaptionMode = "none"
	CaptionModeBurn CaptionMode = "burn"
	CaptionModeMux  CaptionMode = "mux"
)

type FailurePolicy string

const (
	FailurePolicyFailFast   FailurePolicy = "fail_fast"
	FailurePolicyBestEffort FailurePolicy = "best_effort"
)

// Pipeline stages reported in JobError.Stage.
const (
	StageValidate = "validate"
	StageRender   = "render"
	StageAssemble = "assemble"
	StagePublish  = "publish"
	StageRecovery = "recovery"
)

// ErrJobNotFound is returned by job stores when no record exists.
var ErrJobNotFound = errors.New("job not found")

// Models

type OutputSpec struct {
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	AspectRatio    string `json:"aspect_ratio,omitempty"` // "16:9", "9:16", "1:1", "4:5"
	FPS            int    `json:"fps"`
	MaxBitrateKbps int    `json:"max_bitrate_kbps,omitempty"` // 0 = no ceiling
}

// WithDefaults fills zero fields with 1080p30 landscape.
func (o OutputSpec) WithDefaults() OutputSpec {
	if o.Width == 0 && o.Height == 0 {
		o.Width, o.Height = 1920, 1080
	}
	if o.FPS == 0 {
		o.FPS = 30
	}
	if o.AspectRatio == "" {
		o.AspectRatio = aspectLabel(o.Width, o.Height)
	}
	return o
}

// FrameCount is the exact number of frames a clip of the given length holds.
func (o OutputSpec) FrameCount(durationSeconds float64) int {
	return int(durationSeconds*float64(o.FPS) + 0.5)
}

func aspectLabel(w, h int) string {
	a, b := w, h
	for b != 0 {
		a, b = b, a%b
	}
	if a == 0 {
		return ""
	}
	return strconv.Itoa(w/a) + ":" + strconv.Itoa(h/a)
}

type AudioSpec struct {
	BackgroundRef    *string `json:"background_ref,omitempty"`
	BackgroundVolume float64 `json:"background_volume"`
	NarrationVolume  float64 `json:"narration_volume"`
}

// WithDefaults applies the mix levels used when the caller leaves them unset.
func (a AudioSpec) WithDefaults() AudioSpec {
	if a.BackgroundVolume == 0 {
		a.BackgroundVolume = 0.12
	}
	if a.NarrationVolume == 0 {
		a.NarrationVolume = 1.0
	}
	return a
}

type CaptionCue struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type CaptionSpec struct {
	Mode       CaptionMode  `json:"mode"`
	Cues       []CaptionCue `json:"cues,omitempty"`
	Transcribe bool         `json:"transcribe,omitempty"` // derive cues from the mixed narration
	Language   string       `json:"language,omitempty"`   // ISO 639-1, used when transcribing
}

type SourceRef struct {
	Image *string `json:"image,omitempty"`
	Clip  *string `json:"clip,omitempty"`
}

// Ref returns whichever reference is set.
func (s SourceRef) Ref() string {
	if s.Image != nil {
		return *s.Image
	}
	if s.Clip != nil {
		return *s.Clip
	}
	return ""
}

// IsClip reports whether the source is a previously captured clip.
func (s SourceRef) IsClip() bool {
	return s.Clip != nil
}

type Scene struct {
	ID               uuid.UUID     `json:"id"`
	JobID            uuid.UUID     `json:"job_id"`
	Order            int           `json:"order"`
	Source           SourceRef     `json:"source"`
	DurationSeconds  float64       `json:"duration_seconds"`
	Animation        AnimationSpec `json:"animation"`
	NarrationRef     *string       `json:"narration_ref,omitempty"`
	RenderStatus     SceneStatus   `json:"render_status"`
	RenderedClipRef  *string       `json:"rendered_clip_ref,omitempty"`
	Attempts         int           `json:"attempts"`
	Encoder          *EncoderKind  `json:"encoder,omitempty"`
	Fallback         bool          `json:"fallback"`
	ActualDurationMs *int          `json:"actual_duration_ms,omitempty"`
	ErrorMessage     *string       `json:"error_message,omitempty"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// SetTalkingHeadAudio replaces the narration of a talking-head scene and
// recomputes its duration from the measured audio length. It is a no-op
// for other animation kinds.
func (s *Scene) SetTalkingHeadAudio(audioRef string, measured time.Duration) bool {
	if s.Animation.TalkingHead == nil {
		return false
	}
	s.Animation.TalkingHead.AudioRef = audioRef
	s.DurationSeconds = measured.Seconds()
	return true
}

// JobError is the structured failure attached to a failed job.
type JobError struct {
	SceneID    *uuid.UUID `json:"scene_id,omitempty"`
	SceneOrder *int       `json:"scene_order,omitempty"`
	Stage      string     `json:"stage"`
	Class      string     `json:"class"`
	Code       string     `json:"code"`
	Message    string     `json:"message"`
}

// Substitution records a scene replaced by a placeholder in best-effort mode.
type Substitution struct {
	SceneID    uuid.UUID `json:"scene_id"`
	SceneOrder int       `json:"scene_order"`
	Reason     string    `json:"reason"`
}

type Job struct {
	ID             uuid.UUID      `json:"id"`
	Status         JobStatus      `json:"status"`
	Progress       int            `json:"progress"`
	Scenes         []Scene        `json:"scenes"`
	OutputSpec     OutputSpec     `json:"output_spec"`
	AudioSpec      *AudioSpec     `json:"audio_spec,omitempty"`
	CaptionSpec    *CaptionSpec   `json:"caption_spec,omitempty"`
	FailurePolicy  FailurePolicy  `json:"failure_policy"`
	PlaceholderRef *string        `json:"placeholder_ref,omitempty"`
	WebhookURL     *string        `json:"webhook_url,omitempty"`
	OutputRef      *string        `json:"output_ref,omitempty"`
	Error          *JobError      `json:"error,omitempty"`
	FallbackUsed   bool           `json:"fallback_used"`
	Substitutions  []Substitution `json:"substitutions,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
}

// TotalDuration is the sum of the declared scene durations.
func (j *Job) TotalDuration() float64 {
	var total float64
	for _, s := range j.Scenes {
		total += s.DurationSeconds
	}
	return total
}

// SceneByID returns a pointer into j.Scenes, or nil.
func (j *Job) SceneByID(id uuid.UUID) *Scene {
	for i := range j.Scenes {
		if j.Scenes[i].ID == id {
			return &j.Scenes[i]
		}
	}
	return nil
}

// Clone returns a deep enough copy for handing snapshots to other goroutines.
func (j *Job) Clone() *Job {
	c := *j
	c.Scenes = append([]Scene(nil), j.Scenes...)
	for i := range c.Scenes {
		c.Scenes[i].Animation = j.Scenes[i].Animation.clone()
	}
	c.Substitutions = append([]Substitution(nil), j.Substitutions...)
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	return &c
}

// DTOs for API requests and responses

type SceneRequest struct {
	ID              *uuid.UUID    `json:"id,omitempty"`
	Order           int           `json:"order"`
	Source          SourceRef     `json:"source"`
	DurationSeconds float64       `json:"duration_seconds"`
	Animation       AnimationSpec `json:"animation"`
	NarrationRef    *string       `json:"narration_ref,omitempty"`
}

type SubmitJobRequest struct {
	ID             *uuid.UUID     `json:"id,omitempty"`
	Scenes         []SceneRequest `json:"scenes"`
	OutputSpec     OutputSpec     `json:"output_spec"`
	AudioSpec      *AudioSpec     `json:"audio_spec,omitempty"`
	CaptionSpec    *CaptionSpec   `json:"caption_spec,omitempty"`
	FailurePolicy  *FailurePolicy `json:"failure_policy,omitempty"` // Default: server FAILURE_POLICY
	PlaceholderRef *string        `json:"placeholder_ref,omitempty"`
	WebhookURL     *string        `json:"webhook_url,omitempty"`
}

type SubmitJobResponse struct {
	JobID  uuid.UUID `json:"job_id"`
	Status JobStatus `json:"status"`
}

type SceneStatusView struct {
	ID               uuid.UUID    `json:"id"`
	Order            int          `json:"order"`
	RenderStatus     SceneStatus  `json:"render_status"`
	Attempts         int          `json:"attempts"`
	Encoder          *EncoderKind `json:"encoder,omitempty"`
	Fallback         bool         `json:"fallback"`
	ActualDurationMs *int         `json:"actual_duration_ms,omitempty"`
	ErrorMessage     *string      `json:"error_message,omitempty"`
}

type JobStatusView struct {
	ID            uuid.UUID         `json:"id"`
	Status        JobStatus         `json:"status"`
	Progress      int               `json:"progress"`
	OutputRef     *string           `json:"output_ref,omitempty"`
	Error         *JobError         `json:"error,omitempty"`
	FallbackUsed  bool              `json:"fallback_used"`
	Substitutions []Substitution    `json:"substitutions"`
	Scenes        []SceneStatusView `json:"scenes"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// StatusView projects a job onto the shape returned to pollers.
func (j *Job) StatusView() JobStatusView {
	v := JobStatusView{
		ID:            j.ID,
		Status:        j.Status,
		Progress:      j.Progress,
		FallbackUsed:  j.FallbackUsed,
		Substitutions: append([]Substitution{}, j.Substitutions...),
		Scenes:        make([]SceneStatusView, 0, len(j.Scenes)),
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
	}
	if j.Status == JobStatusCompleted {
		v.OutputRef = j.OutputRef
	}
	if j.Status == JobStatusFailed {
		v.Error = j.Error
	}
	for _, s := range j.Scenes {
		v.Scenes = append(v.Scenes, SceneStatusView{
			ID:               s.ID,
			Order:            s.Order,
			RenderStatus:     s.RenderStatus,
			Attempts:         s.Attempts,
			Encoder:          s.Encoder,
			Fallback:         s.Fallback,
			ActualDurationMs: s.ActualDurationMs,
			ErrorMessage:     s.ErrorMessage,
		})
	}
	return v
}
