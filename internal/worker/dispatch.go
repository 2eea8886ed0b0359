package worker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/bobarin/sceneforge/internal/models"
	apperrors "github.com/bobarin/sceneforge/internal/pkg/errors"
	"github.com/bobarin/sceneforge/internal/queue"
)

// LocalDispatcher renders tasks in-process.
type LocalDispatcher struct {
	exec *Executor
}

func NewLocalDispatcher(exec *Executor) *LocalDispatcher {
	return &LocalDispatcher{exec: exec}
}

func (d *LocalDispatcher) Dispatch(ctx context.Context, task *models.RenderTask) (*models.RenderResult, error) {
	return d.exec.Execute(ctx, task)
}

// ResultQueue is the side of the queue a dispatcher drives.
type ResultQueue interface {
	EnqueueTask(ctx context.Context, task *models.RenderTask) error
	RemoveTask(ctx context.Context, task *models.RenderTask) (bool, error)
	AwaitResult(ctx context.Context, taskID uuid.UUID, timeout time.Duration) (*models.RenderResult, error)
	DiscardResult(ctx context.Context, taskID uuid.UUID) error
}

var _ ResultQueue = (*queue.Queue)(nil)

// RemoteDispatcher hands tasks to worker processes over the queue and waits
// for the matching result. A worker that never answers surfaces as
// WORKER_UNREACHABLE once the task deadline plus slop has passed.
type RemoteDispatcher struct {
	queue ResultQueue
	slop  time.Duration
}

func NewRemoteDispatcher(q ResultQueue, slop time.Duration) *RemoteDispatcher {
	return &RemoteDispatcher{queue: q, slop: slop}
}

func (d *RemoteDispatcher) Dispatch(ctx context.Context, task *models.RenderTask) (*models.RenderResult, error) {
	if err := d.queue.EnqueueTask(ctx, task); err != nil {
		return nil, apperrors.WrapWithCode(err, apperrors.CodeWorkerUnreachable, "dispatch.enqueue", "failed to enqueue render task")
	}

	wait := d.slop
	if !task.Deadline.IsZero() {
		wait += time.Until(task.Deadline)
	}
	if wait < time.Second {
		wait = time.Second
	}

	res, err := d.queue.AwaitResult(ctx, task.TaskID, wait)
	if err != nil {
		if ctx.Err() != nil {
			d.withdraw(task)
			return nil, apperrors.Wrap(ctx.Err(), "dispatch.await", "render task abandoned")
		}
		return nil, apperrors.WrapWithCode(err, apperrors.CodeWorkerUnreachable, "dispatch.await", "failed to read render result")
	}
	if res == nil {
		d.withdraw(task)
		return nil, apperrors.Newf(apperrors.CodeWorkerUnreachable, "no worker answered task %s within %s", task.TaskID, wait.Round(time.Second))
	}
	if res.Error != nil {
		return nil, ResultError(res.Error)
	}
	return res, nil
}

// withdraw pulls an abandoned task off the queue if no worker has taken it,
// and drops any late answer to it.
func (d *RemoteDispatcher) withdraw(task *models.RenderTask) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = d.queue.RemoveTask(ctx, task)
	_ = d.queue.DiscardResult(ctx, task.TaskID)
}
