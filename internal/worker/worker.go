package worker

import (
	"context"
	"time"

	"github.com/bobarin/sceneforge/internal/models"
	apperrors "github.com/bobarin/sceneforge/internal/pkg/errors"
	"github.com/bobarin/sceneforge/internal/pkg/logger"
	"github.com/bobarin/sceneforge/internal/queue"
)

// TaskQueue is the side of the queue a remote worker consumes.
type TaskQueue interface {
	DequeueTask(ctx context.Context, timeout time.Duration) (*models.RenderTask, error)
	PublishResult(ctx context.Context, result *models.RenderResult, ttl time.Duration) error
}

var _ TaskQueue = (*queue.Queue)(nil)

// Worker takes scene render tasks off the shared queue, renders them and
// publishes the result for the dispatcher that is waiting on it.
type Worker struct {
	queue     TaskQueue
	exec      *Executor
	resultTTL time.Duration
	poll      time.Duration
	log       *logger.Logger
}

func New(q TaskQueue, exec *Executor, resultTTL time.Duration, log *logger.Logger) *Worker {
	if log == nil {
		log = logger.Nop()
	}
	if resultTTL <= 0 {
		resultTTL = 10 * time.Minute
	}
	return &Worker{
		queue:     q,
		exec:      exec,
		resultTTL: resultTTL,
		poll:      5 * time.Second,
		log:       log.WithComponent("worker"),
	}
}

// Start runs concurrency consumers and blocks until ctx is done.
func (w *Worker) Start(ctx context.Context, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	w.log.Info("[Worker] started", "concurrency", concurrency)

	done := make(chan struct{}, concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			w.processQueue(ctx)
			done <- struct{}{}
		}()
	}

	<-ctx.Done()
	w.log.Info("[Worker] shutting down...")
	for i := 0; i < concurrency; i++ {
		<-done
	}
}

func (w *Worker) processQueue(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			task, err := w.queue.DequeueTask(ctx, w.poll)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.log.WithError(err).Error("[Worker] error dequeuing")
				time.Sleep(time.Second)
				continue
			}
			if task == nil {
				continue // No task available, retry
			}
			w.handleTask(ctx, task)
		}
	}
}

func (w *Worker) handleTask(ctx context.Context, task *models.RenderTask) {
	log := w.log.WithJobID(task.JobID.String()).WithSceneID(task.SceneID.String())

	// The dispatcher has given up on this attempt and retried or failed.
	if !task.Deadline.IsZero() && time.Now().After(task.Deadline) {
		log.Warn("[Worker] skipping expired task", "task_id", task.TaskID, "deadline", task.Deadline)
		return
	}

	log.Info("[Worker] rendering scene", "task_id", task.TaskID, "attempt", task.Attempt, "order", task.Scene.Order)
	start := time.Now()

	taskCtx := ctx
	if !task.Deadline.IsZero() {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithDeadline(ctx, task.Deadline)
		defer cancel()
	}

	res, err := w.exec.Execute(taskCtx, task)
	if err != nil {
		if taskCtx.Err() == context.DeadlineExceeded && !apperrors.IsCode(err, apperrors.CodeTimeout) {
			err = apperrors.WrapWithCode(err, apperrors.CodeTimeout, "worker.render", "scene render exceeded its deadline")
		}
		log.WithError(err).Error("[Worker] scene failed", "task_id", task.TaskID, "duration", time.Since(start))
		res = FailedResult(task, err)
	} else {
		log.Info("[Worker] scene rendered", "task_id", task.TaskID, "encoder", res.Encoder, "fallback", res.Fallback, "duration", time.Since(start))
	}

	// Publish even when shutting down so the dispatcher is not left waiting.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := w.queue.PublishResult(pubCtx, res, w.resultTTL); err != nil {
		log.WithError(err).Error("[Worker] failed to publish result", "task_id", task.TaskID)
	}
}
