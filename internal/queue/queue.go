package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/bobarin/sceneforge/internal/models"
	"github.com/bobarin/sceneforge/internal/pkg/logger"
)

const (
	QueueRenderScene = "queue:render_scene"

	// Per-task result lists: queue:render_result:<taskID>
	resultPrefix = "queue:render_result:"
)

type Queue struct {
	client *redis.Client
	log    *logger.Logger
}

func New(redisURL string, log *logger.Logger) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewWithClient(client, log), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, log *logger.Logger) *Queue {
	if log == nil {
		log = logger.Nop()
	}
	return &Queue{client: client, log: log.WithComponent("queue")}
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func ResultQueue(taskID uuid.UUID) string {
	return resultPrefix + taskID.String()
}

// EnqueueTask pushes a scene render for any worker to take.
func (q *Queue) EnqueueTask(ctx context.Context, task *models.RenderTask) error {
	task.EnqueuedAt = time.Now()

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	return q.client.RPush(ctx, QueueRenderScene, data).Err()
}

// RemoveTask withdraws a task no worker has taken yet and reports whether it
// was still queued. task must be the value passed to EnqueueTask.
func (q *Queue) RemoveTask(ctx context.Context, task *models.RenderTask) (bool, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return false, fmt.Errorf("failed to marshal task: %w", err)
	}

	n, err := q.client.LRem(ctx, QueueRenderScene, 1, data).Result()
	if err != nil {
		return false, fmt.Errorf("failed to remove task: %w", err)
	}
	return n > 0, nil
}

// DequeueTask blocks up to timeout for the next task. A nil task with a nil
// error means none arrived.
func (q *Queue) DequeueTask(ctx context.Context, timeout time.Duration) (*models.RenderTask, error) {
	result, err := q.client.BLPop(ctx, timeout, QueueRenderScene).Result()
	if err == redis.Nil {
		return nil, nil // No task available
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected redis response")
	}

	var task models.RenderTask
	if err := json.Unmarshal([]byte(result[1]), &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}

	return &task, nil
}

// PublishResult answers a task. The list expires after ttl so results
// nobody waits for any more do not pile up.
func (q *Queue) PublishResult(ctx context.Context, result *models.RenderResult, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	key := ResultQueue(result.TaskID)
	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish result: %w", err)
	}
	return nil
}

// AwaitResult blocks up to timeout for the result of one task. A nil result
// with a nil error means the wait timed out.
func (q *Queue) AwaitResult(ctx context.Context, taskID uuid.UUID, timeout time.Duration) (*models.RenderResult, error) {
	result, err := q.client.BLPop(ctx, timeout, ResultQueue(taskID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to await result: %w", err)
	}
	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected redis response")
	}

	var res models.RenderResult
	if err := json.Unmarshal([]byte(result[1]), &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return &res, nil
}

// DiscardResult drops a result list nobody will read.
func (q *Queue) DiscardResult(ctx context.Context, taskID uuid.UUID) error {
	return q.client.Del(ctx, ResultQueue(taskID)).Err()
}

func (q *Queue) GetQueueLength(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, QueueRenderScene).Result()
}
