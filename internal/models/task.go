package models

import (
	"time"

	"github.com/google/uuid"
)

// RenderTask is one unit of scene work handed to a worker. Each attempt gets
// a fresh TaskID so a late result from an abandoned attempt is never read.
type RenderTask struct {
	TaskID       uuid.UUID  `json:"task_id"`
	JobID        uuid.UUID  `json:"job_id"`
	SceneID      uuid.UUID  `json:"scene_id"`
	Attempt      int        `json:"attempt"`
	Scene        Scene      `json:"scene"`
	OutputSpec   OutputSpec `json:"output_spec"`
	OutputTarget string     `json:"output_target"` // artifact key or local path for the rendered clip
	Deadline     time.Time  `json:"deadline"`
	EnqueuedAt   time.Time  `json:"enqueued_at"`
}

// TaskError is the structured failure a remote worker sends back.
type TaskError struct {
	Code    string `json:"code"`
	Op      string `json:"op,omitempty"`
	Message string `json:"message"`
}

type RenderResult struct {
	TaskID           uuid.UUID   `json:"task_id"`
	SceneID          uuid.UUID   `json:"scene_id"`
	RenderedClipRef  string      `json:"rendered_clip_ref,omitempty"`
	ActualDurationMs int         `json:"actual_duration_ms,omitempty"`
	Frames           int         `json:"frames,omitempty"`
	Encoder          EncoderKind `json:"encoder,omitempty"`
	Fallback         bool        `json:"fallback"`
	Error            *TaskError  `json:"error,omitempty"`
}
