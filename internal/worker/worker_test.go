package worker

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/bobarin/sceneforge/internal/models"
	apperrors "github.com/bobarin/sceneforge/internal/pkg/errors"
	"github.com/bobarin/sceneforge/internal/queue"
	"github.com/bobarin/sceneforge/internal/services"
	"github.com/bobarin/sceneforge/internal/storage"
)

type fakeRenderer struct {
	calls atomic.Int32
	err   error
}

func (f *fakeRenderer) Render(ctx context.Context, req services.RenderRequest) (*services.RenderedClip, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	if err := os.MkdirAll(req.WorkDir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(req.WorkDir, "scene_000.mp4")
	if err := os.WriteFile(path, []byte("clip"), 0o644); err != nil {
		return nil, err
	}
	return &services.RenderedClip{
		Path:            path,
		Frames:          req.Output.FrameCount(req.Scene.DurationSeconds),
		DurationSeconds: req.Scene.DurationSeconds,
		Encoder:         models.EncoderSoftware,
		Fallback:        true,
	}, nil
}

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	q := queue.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil)
	t.Cleanup(func() { q.Close() })
	return q
}

func testTask(deadline time.Time) *models.RenderTask {
	img := "https://cdn.example.com/a.png"
	jobID, sceneID := uuid.New(), uuid.New()
	return &models.RenderTask{
		TaskID:  uuid.New(),
		JobID:   jobID,
		SceneID: sceneID,
		Attempt: 1,
		Scene: models.Scene{
			ID:              sceneID,
			JobID:           jobID,
			Source:          models.SourceRef{Image: &img},
			DurationSeconds: 4,
			Animation:       models.NewAnimationSpec(models.Static{}),
		},
		OutputSpec:   models.OutputSpec{Width: 640, Height: 360, FPS: 30},
		OutputTarget: storage.JobKey(jobID.String(), "scenes/scene_000.mp4"),
		Deadline:     deadline,
	}
}

func TestRemoteRoundTrip(t *testing.T) {
	q := newTestQueue(t)
	store, err := storage.NewLocal(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	workDir := t.TempDir()
	r := &fakeRenderer{}
	w := New(q, NewExecutor(r, store, workDir, nil), time.Minute, nil)
	w.poll = 200 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		w.Start(ctx, 2)
		close(stopped)
	}()
	defer func() {
		cancel()
		<-stopped
	}()

	task := testTask(time.Now().Add(10 * time.Second))
	res, err := NewRemoteDispatcher(q, time.Second).Dispatch(context.Background(), task)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.TaskID != task.TaskID || res.Frames != 120 || res.ActualDurationMs != 4000 || !res.Fallback || res.Encoder != models.EncoderSoftware {
		t.Errorf("unexpected result %+v", res)
	}
	if _, err := os.Stat(res.RenderedClipRef); err != nil {
		t.Errorf("expected clip in artifact store: %v", err)
	}
	if _, err := os.Stat(SceneDir(workDir, task)); !os.IsNotExist(err) {
		t.Errorf("expected scene dir to be removed after upload, got %v", err)
	}
}

type recordingQueue struct {
	published []*models.RenderResult
}

func (q *recordingQueue) DequeueTask(ctx context.Context, timeout time.Duration) (*models.RenderTask, error) {
	return nil, nil
}

func (q *recordingQueue) PublishResult(ctx context.Context, result *models.RenderResult, ttl time.Duration) error {
	q.published = append(q.published, result)
	return nil
}

func TestExpiredTaskIsSkipped(t *testing.T) {
	q := &recordingQueue{}
	r := &fakeRenderer{}
	w := New(q, NewExecutor(r, nil, t.TempDir(), nil), time.Minute, nil)

	w.handleTask(context.Background(), testTask(time.Now().Add(-time.Second)))

	if r.calls.Load() != 0 || len(q.published) != 0 {
		t.Errorf("expected no render and no result, got %d renders %d results", r.calls.Load(), len(q.published))
	}
}

func TestFailureKeepsCode(t *testing.T) {
	q := &recordingQueue{}
	r := &fakeRenderer{err: apperrors.New(apperrors.CodeSourceUnreadable, "source image is not decodable")}
	w := New(q, NewExecutor(r, nil, t.TempDir(), nil), time.Minute, nil)

	task := testTask(time.Now().Add(time.Minute))
	w.handleTask(context.Background(), task)

	if len(q.published) != 1 || q.published[0].Error == nil {
		t.Fatalf("expected one failed result, got %+v", q.published)
	}
	err := ResultError(q.published[0].Error)
	if !apperrors.IsCode(err, apperrors.CodeSourceUnreadable) {
		t.Errorf("expected SOURCE_UNREADABLE, got %v", err)
	}
	if apperrors.GetClass(err) != apperrors.ClassFatal {
		t.Errorf("expected fatal class, got %s", apperrors.GetClass(err))
	}
}

func TestRemoteDispatchWithoutWorker(t *testing.T) {
	q := newTestQueue(t)
	task := testTask(time.Now())

	start := time.Now()
	_, err := NewRemoteDispatcher(q, 0).Dispatch(context.Background(), task)
	if !apperrors.IsCode(err, apperrors.CodeWorkerUnreachable) {
		t.Fatalf("expected WORKER_UNREACHABLE, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("dispatch waited too long: %s", time.Since(start))
	}
	if apperrors.GetClass(err) != apperrors.ClassTransient {
		t.Errorf("expected transient class, got %s", apperrors.GetClass(err))
	}
	if n, _ := q.GetQueueLength(context.Background()); n != 0 {
		t.Errorf("expected the unanswered task to be withdrawn, %d still queued", n)
	}
}

func TestCancelledDispatchWithdrawsTask(t *testing.T) {
	q := newTestQueue(t)
	task := testTask(time.Now().Add(time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := NewRemoteDispatcher(q, 0).Dispatch(ctx, task); err == nil {
		t.Fatal("expected an abandoned dispatch to fail")
	}
	if n, _ := q.GetQueueLength(context.Background()); n != 0 {
		t.Errorf("expected the abandoned task to be withdrawn, %d still queued", n)
	}
}

func TestLocalDispatcherKeepsLocalPath(t *testing.T) {
	workDir := t.TempDir()
	task := testTask(time.Time{})
	res, err := NewLocalDispatcher(NewExecutor(&fakeRenderer{}, nil, workDir, nil)).Dispatch(context.Background(), task)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.RenderedClipRef != filepath.Join(SceneDir(workDir, task), "scene_000.mp4") {
		t.Errorf("unexpected ref %s", res.RenderedClipRef)
	}
}
