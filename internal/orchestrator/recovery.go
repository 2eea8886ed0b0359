package orchestrator

import (
	"context"
	"time"

	"github.com/bobarin/sceneforge/internal/models"
	apperrors "github.com/bobarin/sceneforge/internal/pkg/errors"
)

// Recover fails every job a previous process left active. Jobs are not
// resumed: their scene state and intermediates cannot be trusted.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	jobs, err := o.deps.Store.ListActive(ctx)
	if err != nil {
		return 0, apperrors.Wrap(err, "orchestrator.recover", "failed to list active jobs")
	}

	n := 0
	for _, job := range jobs {
		if o.lookup(job.ID) != nil {
			continue
		}
		now := time.Now().UTC()
		job.Status = models.JobStatusFailed
		job.Error = &models.JobError{
			Stage:   models.StageRecovery,
			Class:   string(apperrors.ClassFatal),
			Code:    string(apperrors.CodeInterrupted),
			Message: "service restarted while the job was running",
		}
		for i := range job.Scenes {
			if s := &job.Scenes[i]; s.RenderStatus == models.SceneStatusRendering || s.RenderStatus == models.SceneStatusPending {
				msg := "interrupted"
				s.RenderStatus = models.SceneStatusFailed
				s.ErrorMessage = &msg
			}
		}
		job.UpdatedAt = now
		job.FinishedAt = &now

		if err := o.deps.Publisher.Publish(ctx, job); err != nil {
			o.log.Error("[Recovery] failed to mark job interrupted", "job_id", job.ID, "error", err)
			continue
		}
		o.cleanup(job.ID, false)
		n++
	}
	if n > 0 {
		o.log.Warn("[Recovery] marked interrupted jobs failed", "count", n)
	}
	return n, nil
}

// Sweep deletes terminal jobs that finished before now minus retention.
func (o *Orchestrator) Sweep(ctx context.Context, retention time.Duration) (int, error) {
	jobs, err := o.deps.Store.ListTerminalBefore(ctx, time.Now().Add(-retention))
	if err != nil {
		return 0, apperrors.Wrap(err, "orchestrator.sweep", "failed to list expired jobs")
	}
	n := 0
	for _, job := range jobs {
		if err := o.remove(ctx, job.ID); err != nil {
			o.log.Warn("[Retention] failed to delete job", "job_id", job.ID, "error", err)
			continue
		}
		n++
	}
	if n > 0 {
		o.log.Info("[Retention] deleted expired jobs", "count", n)
	}
	return n, nil
}

// RunRetention sweeps every interval until ctx is done.
func (o *Orchestrator) RunRetention(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.Sweep(ctx, retention); err != nil {
				o.log.Error("[Retention] sweep failed", "error", err)
			}
		}
	}
}
