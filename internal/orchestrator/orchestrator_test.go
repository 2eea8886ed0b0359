package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bobarin/sceneforge/internal/models"
	"github.com/bobarin/sceneforge/internal/pebblestore"
	apperrors "github.com/bobarin/sceneforge/internal/pkg/errors"
	"github.com/bobarin/sceneforge/internal/services"
	"github.com/bobarin/sceneforge/internal/status"
	"github.com/bobarin/sceneforge/internal/storage"
)

// fakeDispatcher renders by writing a small file; render decides the outcome.
type fakeDispatcher struct {
	dir    string
	render func(task *models.RenderTask) (delay time.Duration, fallback bool, err error)

	mu    sync.Mutex
	tasks []*models.RenderTask
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, task *models.RenderTask) (*models.RenderResult, error) {
	d.mu.Lock()
	d.tasks = append(d.tasks, task)
	d.mu.Unlock()

	var delay time.Duration
	var fallback bool
	var err error
	if d.render != nil {
		delay, fallback, err = d.render(task)
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	path := filepath.Join(d.dir, fmt.Sprintf("%s_%d.mp4", task.SceneID, task.Attempt))
	if err := os.WriteFile(path, []byte("clip"), 0o644); err != nil {
		return nil, err
	}
	enc := models.EncoderHardware
	if fallback {
		enc = models.EncoderSoftware
	}
	return &models.RenderResult{
		TaskID:           task.TaskID,
		SceneID:          task.SceneID,
		RenderedClipRef:  path,
		ActualDurationMs: int(task.Scene.DurationSeconds * 1000),
		Frames:           task.OutputSpec.FrameCount(task.Scene.DurationSeconds),
		Encoder:          enc,
		Fallback:         fallback,
	}, nil
}

func (d *fakeDispatcher) count(jobID uuid.UUID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, t := range d.tasks {
		if t.JobID == jobID {
			n++
		}
	}
	return n
}

func (d *fakeDispatcher) attempts(sceneID uuid.UUID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, t := range d.tasks {
		if t.SceneID == sceneID {
			n++
		}
	}
	return n
}

// fakeAssembler records the clip order it was handed.
type fakeAssembler struct {
	mu     sync.Mutex
	orders [][]int
}

func (a *fakeAssembler) Assemble(ctx context.Context, req services.AssembleRequest) (*services.FinalAsset, error) {
	var orders []int
	var subs []models.Substitution
	for _, c := range req.Clips {
		orders = append(orders, c.Order)
		if c.Path != "" {
			continue
		}
		if req.Substitute == nil {
			return nil, apperrors.Newf(apperrors.CodeAssemblyFailed, "scene %d has no clip", c.Order)
		}
		if _, err := req.Substitute(ctx, c); err != nil {
			return nil, err
		}
		subs = append(subs, models.Substitution{SceneID: c.SceneID, SceneOrder: c.Order, Reason: c.FailureReason})
	}
	a.mu.Lock()
	a.orders = append(a.orders, orders)
	a.mu.Unlock()

	for step := services.StepConcat; step <= services.StepEncode; step++ {
		if req.Progress != nil {
			req.Progress(step)
		}
	}
	if err := os.MkdirAll(req.WorkDir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(req.WorkDir, "final.mp4")
	if err := os.WriteFile(path, []byte("final"), 0o644); err != nil {
		return nil, err
	}
	return &services.FinalAsset{Path: path, Substitutions: subs, Encoder: models.EncoderHardware}, nil
}

func (a *fakeAssembler) calls() [][]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][]int(nil), a.orders...)
}

type fakePlaceholder struct{}

func (fakePlaceholder) Render(ctx context.Context, scene models.Scene, out models.OutputSpec, jobRef *string, workDir, reason string) (*services.RenderedClip, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(workDir, "placeholder.mp4")
	if err := os.WriteFile(path, []byte("slate"), 0o644); err != nil {
		return nil, err
	}
	return &services.RenderedClip{Path: path, DurationSeconds: scene.DurationSeconds}, nil
}

// progressSink keeps every published progress value per job.
type progressSink struct {
	mu     sync.Mutex
	events map[uuid.UUID][]status.Event
}

func (s *progressSink) Emit(ctx context.Context, ev status.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		s.events = make(map[uuid.UUID][]status.Event)
	}
	s.events[ev.JobID] = append(s.events[ev.JobID], ev)
	return nil
}

func (s *progressSink) Close() error { return nil }

func (s *progressSink) of(id uuid.UUID) []status.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]status.Event(nil), s.events[id]...)
}

type harness struct {
	o     *Orchestrator
	store *pebblestore.Store
	disp  *fakeDispatcher
	asm   *fakeAssembler
	sink  *progressSink
}

func newHarness(t *testing.T, cfg Config, render func(*models.RenderTask) (time.Duration, bool, error)) *harness {
	t.Helper()
	store, err := pebblestore.Open(filepath.Join(t.TempDir(), "jobs"))
	if err != nil {
		t.Fatalf("pebblestore.Open: %v", err)
	}
	artifacts, err := storage.NewLocal(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	h := &harness{
		store: store,
		disp:  &fakeDispatcher{dir: t.TempDir(), render: render},
		asm:   &fakeAssembler{},
		sink:  &progressSink{},
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = t.TempDir()
	}
	if cfg.SceneRetryBase == 0 {
		cfg.SceneRetryBase = time.Millisecond
	}
	cfg.Limits = models.Limits{MinSceneSeconds: 0.5, MaxSceneSeconds: 60, MaxJobSeconds: 600}

	h.o = New(cfg, Deps{
		Store:       store,
		Publisher:   status.New(store, nil, nil, h.sink),
		Dispatcher:  h.disp,
		Assembler:   h.asm,
		Placeholder: fakePlaceholder{},
		Artifacts:   artifacts,
	}, nil)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.o.Shutdown(ctx)
		store.Close()
	})
	return h
}

func request(n int) models.SubmitJobRequest {
	req := models.SubmitJobRequest{OutputSpec: models.OutputSpec{Width: 640, Height: 360, FPS: 30}}
	for i := 0; i < n; i++ {
		img := fmt.Sprintf("https://cdn.example.com/scene%d.png", i)
		req.Scenes = append(req.Scenes, models.SceneRequest{
			Order:           i,
			Source:          models.SourceRef{Image: &img},
			DurationSeconds: 2,
			Animation:       models.NewAnimationSpec(models.Static{}),
		})
	}
	return req
}

func (h *harness) wait(t *testing.T, id uuid.UUID) *models.Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if h.o.lookup(id) == nil {
			job, err := h.store.GetJob(context.Background(), id)
			if err == nil && job.Status.Terminal() {
				return job
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return nil
}

func sceneWithOrder(job *models.Job, order int) *models.Scene {
	for i := range job.Scenes {
		if job.Scenes[i].Order == order {
			return &job.Scenes[i]
		}
	}
	return nil
}

func TestAssemblesInSceneOrder(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrentScenes: 5}, func(task *models.RenderTask) (time.Duration, bool, error) {
		// Earlier scenes finish last.
		return time.Duration(5-task.Scene.Order) * 20 * time.Millisecond, false, nil
	})

	job, err := h.o.Submit(context.Background(), request(5))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := h.wait(t, job.ID)

	if done.Status != models.JobStatusCompleted || done.Progress != 100 || done.OutputRef == nil {
		t.Fatalf("expected completed job, got %s progress %d", done.Status, done.Progress)
	}
	calls := h.asm.calls()
	if len(calls) != 1 {
		t.Fatalf("expected one assembly, got %d", len(calls))
	}
	for i, o := range calls[0] {
		if o != i {
			t.Fatalf("expected clips in scene order, got %v", calls[0])
		}
	}
	if _, err := os.Stat(*done.OutputRef); err != nil {
		t.Errorf("expected final artifact: %v", err)
	}
	if _, err := os.Stat(h.o.jobDir(job.ID)); !os.IsNotExist(err) {
		t.Errorf("expected work dir removed, got %v", err)
	}
}

func TestCancelQueuedJobDispatchesNothing(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	h := newHarness(t, Config{MaxConcurrentJobs: 1}, func(task *models.RenderTask) (time.Duration, bool, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-gate
		return 0, false, nil
	})
	ctx := context.Background()

	first, err := h.o.Submit(ctx, request(1))
	if err != nil {
		t.Fatalf("Submit first: %v", err)
	}
	<-started

	second, err := h.o.Submit(ctx, request(2))
	if err != nil {
		t.Fatalf("Submit second: %v", err)
	}
	view, err := h.o.Cancel(ctx, second.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if view.Status != models.JobStatusCancelled {
		t.Errorf("expected cancelled, got %s", view.Status)
	}
	close(gate)

	if got := h.wait(t, first.ID); got.Status != models.JobStatusCompleted {
		t.Errorf("expected first job to complete, got %s", got.Status)
	}
	if got := h.wait(t, second.ID); got.Status != models.JobStatusCancelled {
		t.Errorf("expected second job cancelled, got %s", got.Status)
	}
	if n := h.disp.count(second.ID); n != 0 {
		t.Errorf("expected zero dispatches for cancelled queued job, got %d", n)
	}

	if _, err := h.o.Cancel(ctx, second.ID); !apperrors.IsCode(err, apperrors.CodeConflict) {
		t.Errorf("expected conflict cancelling a finished job, got %v", err)
	}
}

func TestCancelRenderingStopsNewDispatch(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{}, 4)
	h := newHarness(t, Config{MaxConcurrentScenes: 1}, func(task *models.RenderTask) (time.Duration, bool, error) {
		started <- struct{}{}
		<-gate
		return 0, false, nil
	})
	ctx := context.Background()

	job, err := h.o.Submit(ctx, request(3))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started
	if _, err := h.o.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(gate)

	done := h.wait(t, job.ID)
	if done.Status != models.JobStatusCancelled {
		t.Errorf("expected cancelled, got %s", done.Status)
	}
	if n := h.disp.count(job.ID); n != 1 {
		t.Errorf("expected only the in-flight scene to have been dispatched, got %d", n)
	}
	if len(h.asm.calls()) != 0 {
		t.Error("expected no assembly for a cancelled job")
	}
	for _, s := range done.Scenes {
		if s.RenderStatus == models.SceneStatusRendered {
			t.Errorf("expected in-flight output to be discarded, scene %d is rendered", s.Order)
		}
	}
}

func TestFailFastNamesScene(t *testing.T) {
	h := newHarness(t, Config{SceneMaxAttempts: 3}, func(task *models.RenderTask) (time.Duration, bool, error) {
		if task.Scene.Order == 2 {
			return 0, false, apperrors.New(apperrors.CodeSourceUnreadable, "image is not decodable")
		}
		return 0, false, nil
	})

	job, err := h.o.Submit(context.Background(), request(4))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := h.wait(t, job.ID)

	if done.Status != models.JobStatusFailed || done.Error == nil {
		t.Fatalf("expected failed job with error, got %s", done.Status)
	}
	je := done.Error
	if je.SceneOrder == nil || *je.SceneOrder != 2 || je.SceneID == nil || *je.SceneID != sceneWithOrder(done, 2).ID {
		t.Errorf("expected error naming scene 2, got %+v", je)
	}
	if je.Code != string(apperrors.CodeSourceUnreadable) || je.Stage != models.StageRender || je.Class != "fatal" {
		t.Errorf("unexpected job error %+v", je)
	}
	if n := h.disp.attempts(*je.SceneID); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
	if done.OutputRef != nil || len(h.asm.calls()) != 0 {
		t.Error("expected no output and no assembly for a failed job")
	}
}

func TestValidationErrorsAreNotRetried(t *testing.T) {
	h := newHarness(t, Config{SceneMaxAttempts: 3}, func(task *models.RenderTask) (time.Duration, bool, error) {
		return 0, false, apperrors.ValidationField("animation", "malformed scene")
	})

	job, err := h.o.Submit(context.Background(), request(1))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := h.wait(t, job.ID)
	if n := h.disp.attempts(done.Scenes[0].ID); n != 1 {
		t.Errorf("expected a single attempt, got %d", n)
	}
	if done.Error == nil || done.Error.Class != "validation" {
		t.Errorf("unexpected error %+v", done.Error)
	}
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	var mu sync.Mutex
	failed := map[uuid.UUID]bool{}
	h := newHarness(t, Config{}, func(task *models.RenderTask) (time.Duration, bool, error) {
		mu.Lock()
		defer mu.Unlock()
		if !failed[task.SceneID] {
			failed[task.SceneID] = true
			return 0, false, apperrors.New(apperrors.CodeWorkerUnreachable, "no answer")
		}
		return 0, false, nil
	})

	job, err := h.o.Submit(context.Background(), request(2))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := h.wait(t, job.ID)
	if done.Status != models.JobStatusCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}
	for _, s := range done.Scenes {
		if s.Attempts != 2 {
			t.Errorf("scene %d: expected 2 attempts, got %d", s.Order, s.Attempts)
		}
	}

	// Each attempt is a distinct task.
	seen := map[uuid.UUID]bool{}
	for _, task := range h.disp.tasks {
		if seen[task.TaskID] {
			t.Fatalf("task id %s reused", task.TaskID)
		}
		seen[task.TaskID] = true
	}
}

// inflight tracks how many renders are running at once.
type inflight struct {
	mu        sync.Mutex
	now, peak int
}

func (f *inflight) enter() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now++
	if f.now > f.peak {
		f.peak = f.now
	}
}

func (f *inflight) leave() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now--
}

func (f *inflight) current() (now, peak int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now, f.peak
}

func TestSceneConcurrencyIsBoundedAcrossJobs(t *testing.T) {
	const limit = 2
	var running inflight
	release := make(chan struct{})
	h := newHarness(t, Config{MaxConcurrentScenes: limit, MaxConcurrentJobs: 2}, func(task *models.RenderTask) (time.Duration, bool, error) {
		running.enter()
		defer running.leave()
		<-release
		return 0, false, nil
	})
	ctx := context.Background()

	first, err := h.o.Submit(ctx, request(4))
	if err != nil {
		t.Fatalf("Submit first: %v", err)
	}
	second, err := h.o.Submit(ctx, request(4))
	if err != nil {
		t.Fatalf("Submit second: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if now, _ := running.current(); now == limit {
			break
		}
		if time.Now().After(deadline) {
			close(release)
			t.Fatalf("renders never reached the limit of %d", limit)
		}
		time.Sleep(2 * time.Millisecond)
	}
	// Give any render that slipped past the bound a chance to show up.
	time.Sleep(50 * time.Millisecond)
	if _, peak := running.current(); peak != limit {
		close(release)
		t.Fatalf("expected at most %d renders in flight, saw %d", limit, peak)
	}
	close(release)

	for _, id := range []uuid.UUID{first.ID, second.ID} {
		if got := h.wait(t, id); got.Status != models.JobStatusCompleted {
			t.Errorf("job %s: expected completed, got %s", id, got.Status)
		}
	}
	if _, peak := running.current(); peak > limit {
		t.Errorf("expected at most %d renders in flight, saw %d", limit, peak)
	}
}

func TestSceneTimeoutIsRetriedAsTransient(t *testing.T) {
	var mu sync.Mutex
	slow := map[uuid.UUID]bool{}
	h := newHarness(t, Config{SceneTimeout: 30 * time.Millisecond, SceneMaxAttempts: 3}, func(task *models.RenderTask) (time.Duration, bool, error) {
		mu.Lock()
		defer mu.Unlock()
		if !slow[task.SceneID] {
			slow[task.SceneID] = true
			return time.Second, false, nil
		}
		return 0, false, nil
	})

	job, err := h.o.Submit(context.Background(), request(1))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := h.wait(t, job.ID)
	if done.Status != models.JobStatusCompleted {
		t.Fatalf("expected completed after retry, got %s (%+v)", done.Status, done.Error)
	}
	if n := done.Scenes[0].Attempts; n != 2 {
		t.Errorf("expected the timed out attempt to be retried once, got %d attempts", n)
	}
}

func TestSceneTimeoutExhaustsAttempts(t *testing.T) {
	h := newHarness(t, Config{SceneTimeout: 20 * time.Millisecond, SceneMaxAttempts: 2}, func(task *models.RenderTask) (time.Duration, bool, error) {
		return time.Second, false, nil
	})

	job, err := h.o.Submit(context.Background(), request(1))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := h.wait(t, job.ID)
	if done.Status != models.JobStatusFailed || done.Error == nil {
		t.Fatalf("expected failed job, got %s", done.Status)
	}
	if done.Error.Code != string(apperrors.CodeTimeout) || done.Error.Class != "transient" || done.Error.SceneOrder == nil {
		t.Errorf("expected a transient TIMEOUT naming the scene, got %+v", done.Error)
	}
	if n := h.disp.attempts(done.Scenes[0].ID); n != 2 {
		t.Errorf("expected 2 attempts, got %d", n)
	}
}

func TestJobTimeoutFailsJob(t *testing.T) {
	h := newHarness(t, Config{JobTimeout: 50 * time.Millisecond, SceneTimeout: time.Minute}, func(task *models.RenderTask) (time.Duration, bool, error) {
		return 5 * time.Second, false, nil
	})

	job, err := h.o.Submit(context.Background(), request(2))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := h.wait(t, job.ID)
	if done.Status != models.JobStatusFailed || done.Error == nil {
		t.Fatalf("expected failed job, got %s", done.Status)
	}
	if done.Error.Code != string(apperrors.CodeTimeout) || done.Error.Stage != models.StageRender {
		t.Errorf("expected render-stage TIMEOUT, got %+v", done.Error)
	}
	if done.OutputRef != nil || len(h.asm.calls()) != 0 {
		t.Error("expected no output and no assembly after a job timeout")
	}
}

func TestBestEffortSubstitutes(t *testing.T) {
	h := newHarness(t, Config{FailurePolicy: models.FailurePolicyBestEffort, SceneMaxAttempts: 2}, func(task *models.RenderTask) (time.Duration, bool, error) {
		if task.Scene.Order == 1 {
			return 0, false, apperrors.New(apperrors.CodeDurationMismatch, "clip is 1.4s short")
		}
		return 0, false, nil
	})

	job, err := h.o.Submit(context.Background(), request(3))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := h.wait(t, job.ID)

	if done.Status != models.JobStatusCompleted {
		t.Fatalf("expected completed, got %s (%+v)", done.Status, done.Error)
	}
	if len(done.Substitutions) != 1 || done.Substitutions[0].SceneOrder != 1 {
		t.Errorf("expected scene 1 substituted, got %+v", done.Substitutions)
	}
	if s := sceneWithOrder(done, 1); s.RenderStatus != models.SceneStatusFailed || s.ErrorMessage == nil {
		t.Errorf("expected scene 1 failed with a message, got %+v", s)
	}
}

func TestBestEffortNeedsOneRenderedScene(t *testing.T) {
	h := newHarness(t, Config{FailurePolicy: models.FailurePolicyBestEffort, SceneMaxAttempts: 1}, func(task *models.RenderTask) (time.Duration, bool, error) {
		return 0, false, apperrors.New(apperrors.CodeSourceUnreadable, "gone")
	})

	job, err := h.o.Submit(context.Background(), request(2))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := h.wait(t, job.ID)
	if done.Status != models.JobStatusFailed || done.Error.Code != string(apperrors.CodeRenderFailed) {
		t.Errorf("expected failed job, got %s %+v", done.Status, done.Error)
	}
}

func TestFallbackFlagPropagates(t *testing.T) {
	h := newHarness(t, Config{}, func(task *models.RenderTask) (time.Duration, bool, error) {
		return 0, task.Scene.Order == 1, nil
	})

	job, err := h.o.Submit(context.Background(), request(3))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := h.wait(t, job.ID)
	if !done.FallbackUsed {
		t.Error("expected fallbackUsed on the job")
	}
	s := sceneWithOrder(done, 1)
	if !s.Fallback || s.Encoder == nil || *s.Encoder != models.EncoderSoftware {
		t.Errorf("expected scene 1 to record the software fallback, got %+v", s)
	}
	if sceneWithOrder(done, 0).Fallback {
		t.Error("expected scene 0 without fallback")
	}
}

func TestValidationCreatesNoJob(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	id := uuid.New()

	req := request(3)
	req.ID = &id
	req.Scenes[2].Order = 5
	_, err := h.o.Submit(context.Background(), req)
	if !apperrors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := h.store.GetJob(context.Background(), id); !errors.Is(err, models.ErrJobNotFound) {
		t.Errorf("expected no stored job, got %v", err)
	}
	if h.disp.count(id) != 0 {
		t.Error("expected no dispatch")
	}

	req = request(1)
	req.Scenes[0].DurationSeconds = 61
	if _, err := h.o.Submit(context.Background(), req); !apperrors.IsValidation(err) {
		t.Errorf("expected validation error for long scene, got %v", err)
	}
}

func TestDuplicateJobIDConflicts(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	id := uuid.New()
	req := request(1)
	req.ID = &id
	if _, err := h.o.Submit(context.Background(), req); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.wait(t, id)
	if _, err := h.o.Submit(context.Background(), req); !apperrors.IsCode(err, apperrors.CodeConflict) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestProgressIsMonotonic(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrentScenes: 2}, func(task *models.RenderTask) (time.Duration, bool, error) {
		return time.Duration(task.Scene.Order%3) * 10 * time.Millisecond, false, nil
	})

	job, err := h.o.Submit(context.Background(), request(6))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.wait(t, job.ID)

	events := h.sink.of(job.ID)
	if len(events) < 3 {
		t.Fatalf("expected several events, got %d", len(events))
	}
	last := -1
	for _, ev := range events {
		if ev.Progress < last {
			t.Fatalf("progress went backwards: %d after %d", ev.Progress, last)
		}
		last = ev.Progress
	}
	if last != 100 || events[len(events)-1].Status != models.JobStatusCompleted {
		t.Errorf("expected to end completed at 100, got %s %d", events[len(events)-1].Status, last)
	}
	if events[0].Status != models.JobStatusQueued {
		t.Errorf("expected first event queued, got %s", events[0].Status)
	}
}

func TestTalkingHeadDurationFromNarration(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.o.deps.Meter = meterFunc(func(ctx context.Context, ref string) (time.Duration, error) {
		return 3500 * time.Millisecond, nil
	})

	req := request(1)
	req.Scenes[0].Animation = models.NewAnimationSpec(models.TalkingHead{AudioRef: "https://cdn.example.com/n.mp3"})
	req.Scenes[0].DurationSeconds = 1
	job, err := h.o.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Scenes[0].DurationSeconds != 3.5 {
		t.Errorf("expected duration from narration, got %v", job.Scenes[0].DurationSeconds)
	}
	h.wait(t, job.ID)
}

type meterFunc func(ctx context.Context, ref string) (time.Duration, error)

func (f meterFunc) AudioDuration(ctx context.Context, ref string) (time.Duration, error) {
	return f(ctx, ref)
}

func TestRecoverMarksInterrupted(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	stale := &models.Job{
		ID:            uuid.New(),
		Status:        models.JobStatusRendering,
		OutputSpec:    models.OutputSpec{Width: 640, Height: 360, FPS: 30},
		FailurePolicy: models.FailurePolicyFailFast,
		Scenes:        []models.Scene{{ID: uuid.New(), RenderStatus: models.SceneStatusRendering}},
		CreatedAt:     time.Now().Add(-time.Hour),
	}
	if err := h.store.SaveJob(ctx, stale); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}

	n, err := h.o.Recover(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one recovered job, got %d %v", n, err)
	}
	got, _ := h.store.GetJob(ctx, stale.ID)
	if got.Status != models.JobStatusFailed || got.Error == nil || got.Error.Code != string(apperrors.CodeInterrupted) {
		t.Errorf("expected interrupted failure, got %s %+v", got.Status, got.Error)
	}
	if got.Scenes[0].RenderStatus != models.SceneStatusFailed {
		t.Errorf("expected scene failed, got %s", got.Scenes[0].RenderStatus)
	}
}

func TestSweepAndDelete(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	job, err := h.o.Submit(ctx, request(1))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := h.wait(t, job.ID)

	if n, _ := h.o.Sweep(ctx, time.Hour); n != 0 {
		t.Errorf("expected nothing swept inside retention, got %d", n)
	}
	if n, _ := h.o.Sweep(ctx, -time.Minute); n != 1 {
		t.Errorf("expected the finished job swept, got %d", n)
	}
	if _, err := os.Stat(*done.OutputRef); !os.IsNotExist(err) {
		t.Errorf("expected final artifact removed, got %v", err)
	}
	if err := h.o.Delete(ctx, job.ID); !apperrors.IsNotFound(err) {
		t.Errorf("expected not found after sweep, got %v", err)
	}
}
