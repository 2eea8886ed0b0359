package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bobarin/sceneforge/internal/models"
	apperrors "github.com/bobarin/sceneforge/internal/pkg/errors"
	"github.com/bobarin/sceneforge/internal/pkg/logger"
	"github.com/bobarin/sceneforge/internal/services"
	"github.com/bobarin/sceneforge/internal/storage"
)

// SceneRenderer is satisfied by *services.Renderer.
type SceneRenderer interface {
	Render(ctx context.Context, req services.RenderRequest) (*services.RenderedClip, error)
}

// Executor runs one render task. With an artifact store the clip is
// uploaded to the task's output target and the local copy removed;
// without one the clip stays in the work dir and its path is the ref.
type Executor struct {
	renderer  SceneRenderer
	artifacts storage.Store
	workDir   string
	uploadSem chan struct{} // Limits concurrent clip uploads per process
	log       *logger.Logger
}

func NewExecutor(renderer SceneRenderer, artifacts storage.Store, workDir string, log *logger.Logger) *Executor {
	if log == nil {
		log = logger.Nop()
	}
	return &Executor{
		renderer:  renderer,
		artifacts: artifacts,
		workDir:   workDir,
		uploadSem: make(chan struct{}, 4),
		log:       log.WithComponent("executor"),
	}
}

// SceneDir is where attempts of a scene keep their intermediates.
func SceneDir(workDir string, task *models.RenderTask) string {
	return filepath.Join(workDir, task.JobID.String(), "scenes", task.SceneID.String(), fmt.Sprintf("attempt_%d", task.Attempt))
}

func (e *Executor) Execute(ctx context.Context, task *models.RenderTask) (*models.RenderResult, error) {
	ctx = logger.ContextWithJobID(ctx, task.JobID.String())
	ctx = logger.ContextWithSceneID(ctx, task.SceneID.String())
	log := e.log.FromContext(ctx)

	dir := SceneDir(e.workDir, task)
	clip, err := e.renderer.Render(ctx, services.RenderRequest{
		Scene:   task.Scene,
		Output:  task.OutputSpec,
		WorkDir: dir,
	})
	if err != nil {
		return nil, err
	}

	ref := clip.Path
	if e.artifacts != nil && task.OutputTarget != "" {
		err = e.uploadWithLimit(ctx, func() error {
			var putErr error
			ref, putErr = e.artifacts.Put(ctx, task.OutputTarget, clip.Path, "video/mp4")
			return putErr
		})
		if err != nil {
			return nil, apperrors.Wrap(err, "executor.upload", "failed to store rendered clip")
		}
		if err := os.RemoveAll(dir); err != nil {
			log.Warn("[Executor] failed to clean scene dir", "dir", dir, "error", err)
		}
	}

	return &models.RenderResult{
		TaskID:           task.TaskID,
		SceneID:          task.SceneID,
		RenderedClipRef:  ref,
		ActualDurationMs: int(clip.DurationSeconds*1000 + 0.5),
		Frames:           clip.Frames,
		Encoder:          clip.Encoder,
		Fallback:         clip.Fallback,
	}, nil
}

func (e *Executor) uploadWithLimit(ctx context.Context, fn func() error) error {
	select {
	case e.uploadSem <- struct{}{}:
	case <-ctx.Done():
		return apperrors.Wrap(ctx.Err(), "executor.upload", "upload cancelled while waiting for slot")
	}
	defer func() { <-e.uploadSem }()
	return fn()
}

// FailedResult carries err back to the dispatcher in wire form.
func FailedResult(task *models.RenderTask, err error) *models.RenderResult {
	te := &models.TaskError{Code: string(apperrors.GetCode(err)), Message: err.Error()}
	var appErr *apperrors.Error
	if apperrors.As(err, &appErr) {
		te.Op = appErr.Op
	}
	return &models.RenderResult{TaskID: task.TaskID, SceneID: task.SceneID, Error: te}
}

// ResultError rebuilds the coded error a remote worker reported.
func ResultError(te *models.TaskError) error {
	code := apperrors.Code(te.Code)
	if code == "" {
		code = apperrors.CodeRenderFailed
	}
	e := apperrors.New(code, te.Message)
	e.Op = te.Op
	return e
}
