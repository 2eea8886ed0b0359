package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bobarin/sceneforge/internal/models"
	apperrors "github.com/bobarin/sceneforge/internal/pkg/errors"
	"github.com/bobarin/sceneforge/internal/pkg/logger"
	"github.com/bobarin/sceneforge/internal/services"
	"github.com/bobarin/sceneforge/internal/storage"
)

// run is the live state of one job. mu guards job; pubMu keeps published
// snapshots in the order they were taken.
type run struct {
	mu       sync.Mutex
	job      *models.Job
	rendered int

	pubMu sync.Mutex

	stopped context.Context
	stop    context.CancelFunc
}

func newRun(job *models.Job) *run {
	stopped, stop := context.WithCancel(context.Background())
	return &run{job: job, stopped: stopped, stop: stop}
}

func (r *run) snapshot() *models.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.Clone()
}

func (r *run) cancel() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.job.Status.Cancellable() {
		return apperrors.Conflict(fmt.Sprintf("job is %s and cannot be cancelled", r.job.Status))
	}
	markCancelled(r.job)
	r.stop()
	return nil
}

func (r *run) cancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.Status == models.JobStatusCancelled
}

// transition moves the job from one status to another and reports whether
// it was still in from.
func (r *run) transition(from, to models.JobStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.job.Status != from {
		return false
	}
	r.job.Status = to
	r.job.UpdatedAt = time.Now().UTC()
	return true
}

// raise only ever moves progress forward.
func (r *run) raise(p int) {
	if p > 100 {
		p = 100
	}
	if p > r.job.Progress {
		r.job.Progress = p
	}
}

func (r *run) update(sceneID uuid.UUID, fn func(j *models.Job, s *models.Scene)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.job.SceneByID(sceneID)
	if s == nil {
		return
	}
	fn(r.job, s)
	now := time.Now().UTC()
	s.UpdatedAt = now
	r.job.UpdatedAt = now
}

// settle closes out scenes still marked rendering once nothing will report
// for them.
func (r *run) settle(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.job.Scenes {
		s := &r.job.Scenes[i]
		if s.RenderStatus == models.SceneStatusRendering || s.RenderStatus == models.SceneStatusPending {
			s.RenderStatus = models.SceneStatusFailed
			msg := reason
			s.ErrorMessage = &msg
		}
	}
}

// sceneFailure ends a fail-fast job.
type sceneFailure struct {
	scene models.Scene
	err   error
}

func (f *sceneFailure) Error() string {
	return fmt.Sprintf("scene %d failed: %v", f.scene.Order, f.err)
}

func (f *sceneFailure) Unwrap() error { return f.err }

func (o *Orchestrator) publish(ctx context.Context, r *run) {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	snap := r.snapshot()
	if err := o.deps.Publisher.Publish(ctx, snap); err != nil {
		o.log.Error("[Orchestrator] failed to publish status", "job_id", snap.ID, "status", snap.Status, "error", err)
	}
}

func (o *Orchestrator) execute(r *run) {
	jobID := r.job.ID
	log := o.log.WithJobID(jobID.String())
	defer func() {
		o.mu.Lock()
		delete(o.runs, jobID)
		o.mu.Unlock()
		r.stop()
	}()

	// Waiting for a job slot ends on cancel or shutdown.
	ctl, ctlStop := context.WithCancel(o.base)
	defer ctlStop()
	defer context.AfterFunc(r.stopped, ctlStop)()

	if err := o.jobs.Acquire(ctl, 1); err != nil {
		if r.cancelled() {
			o.discard(r)
		}
		return
	}
	defer o.jobs.Release(1)

	if !r.transition(models.JobStatusQueued, models.JobStatusRendering) {
		o.discard(r)
		return
	}
	o.publish(o.base, r)
	log.Info("[Orchestrator] rendering scenes", "scenes", len(r.job.Scenes))
	start := time.Now()

	jobCtx, cancelJob := context.WithTimeout(o.base, o.cfg.JobTimeout)
	defer cancelJob()
	jobCtx = logger.ContextWithJobID(jobCtx, jobID.String())

	err := o.renderScenes(jobCtx, r)

	switch {
	case r.cancelled():
		o.discard(r)
		return
	case o.base.Err() != nil:
		log.Warn("[Orchestrator] shutting down mid-job", "status", r.snapshot().Status)
		return
	case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		o.fail(r, nil, models.StageRender, apperrors.Newf(apperrors.CodeTimeout, "job exceeded %s", o.cfg.JobTimeout))
		return
	case err != nil:
		var sf *sceneFailure
		if errors.As(err, &sf) {
			o.fail(r, &sf.scene, models.StageRender, sf.err)
		} else {
			o.fail(r, nil, models.StageRender, err)
		}
		return
	}

	snap := r.snapshot()
	if countRendered(snap) == 0 {
		o.fail(r, nil, models.StageRender, apperrors.New(apperrors.CodeRenderFailed, "no scene rendered"))
		return
	}

	if !r.transition(models.JobStatusRendering, models.JobStatusAssembling) {
		o.discard(r)
		return
	}
	o.publish(o.base, r)
	log.Info("[Orchestrator] scenes rendered, assembling", "duration", time.Since(start))

	if err := o.assemble(jobCtx, r); err != nil {
		if o.base.Err() != nil {
			return
		}
		stage := models.StageAssemble
		if apperrors.IsCode(err, apperrors.CodeUnavailable) {
			stage = models.StagePublish
		}
		if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
			err = apperrors.Newf(apperrors.CodeTimeout, "job exceeded %s", o.cfg.JobTimeout)
		}
		o.fail(r, nil, stage, err)
		return
	}
	log.Info("[Orchestrator] job completed", "duration", time.Since(start), "fallback_used", r.snapshot().FallbackUsed)
}

func countRendered(j *models.Job) int {
	n := 0
	for _, s := range j.Scenes {
		if s.RenderStatus == models.SceneStatusRendered {
			n++
		}
	}
	return n
}

// renderScenes fans every scene out under the global scene bound and waits
// for all of them. Only a fail-fast scene failure or a context error comes
// back as an error.
func (o *Orchestrator) renderScenes(jobCtx context.Context, r *run) error {
	g, gctx := errgroup.WithContext(jobCtx)

	// Cancel stops new dispatch; renders already running keep gctx.
	dctx, dstop := context.WithCancel(gctx)
	defer dstop()
	defer context.AfterFunc(r.stopped, dstop)()

	snap := r.snapshot()
	sort.Slice(snap.Scenes, func(i, j int) bool { return snap.Scenes[i].Order < snap.Scenes[j].Order })
	for _, s := range snap.Scenes {
		sceneID := s.ID
		g.Go(func() error {
			return o.renderScene(gctx, dctx, r, sceneID)
		})
	}
	return g.Wait()
}

func (o *Orchestrator) renderScene(gctx, dctx context.Context, r *run, sceneID uuid.UUID) error {
	log := o.log.WithJobID(r.job.ID.String()).WithSceneID(sceneID.String())

	var lastErr error
	for attempt := 1; attempt <= o.cfg.SceneMaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(dctx, o.backoff(attempt)); err != nil {
				return o.abandoned(r, err)
			}
		}
		if err := o.scenes.Acquire(dctx, 1); err != nil {
			return o.abandoned(r, err)
		}

		task := o.startAttempt(r, sceneID, attempt)
		if task == nil {
			o.scenes.Release(1)
			return nil
		}
		o.publish(gctx, r)

		taskCtx, cancel := context.WithTimeout(gctx, o.cfg.SceneTimeout)
		res, err := o.deps.Dispatcher.Dispatch(taskCtx, task)
		timedOut := errors.Is(taskCtx.Err(), context.DeadlineExceeded)
		cancel()
		o.scenes.Release(1)

		if r.cancelled() {
			log.Info("[Orchestrator] discarding render of cancelled job", "attempt", attempt)
			return nil
		}
		if err == nil && (res == nil || res.RenderedClipRef == "") {
			err = apperrors.New(apperrors.CodeRenderFailed, "render returned no clip")
		}
		if err == nil {
			o.recordRendered(r, sceneID, res)
			o.publish(gctx, r)
			return nil
		}

		if timedOut && gctx.Err() == nil && !apperrors.IsCode(err, apperrors.CodeTimeout) {
			err = apperrors.WrapWithCode(err, apperrors.CodeTimeout, "orchestrator.render", fmt.Sprintf("scene render exceeded %s", o.cfg.SceneTimeout))
		}
		if gctx.Err() != nil {
			return gctx.Err()
		}

		lastErr = err
		log.WithError(err).Warn("[Orchestrator] scene attempt failed", "attempt", attempt, "max_attempts", o.cfg.SceneMaxAttempts, "code", apperrors.GetCode(err))
		if !apperrors.Retryable(err) {
			break
		}
	}

	scene := o.recordFailed(r, sceneID, lastErr)
	o.publish(gctx, r)

	if r.snapshot().FailurePolicy == models.FailurePolicyBestEffort {
		log.Warn("[Orchestrator] scene failed, will substitute", "order", scene.Order)
		return nil
	}
	return &sceneFailure{scene: scene, err: lastErr}
}

// abandoned maps a dispatch-side context error: cancellation is not a failure.
func (o *Orchestrator) abandoned(r *run, err error) error {
	if r.cancelled() {
		return nil
	}
	return err
}

func (o *Orchestrator) startAttempt(r *run, sceneID uuid.UUID, attempt int) *models.RenderTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.job.Status != models.JobStatusRendering {
		return nil
	}
	s := r.job.SceneByID(sceneID)
	if s == nil {
		return nil
	}
	s.RenderStatus = models.SceneStatusRendering
	s.Attempts = attempt
	now := time.Now().UTC()
	s.UpdatedAt = now
	r.job.UpdatedAt = now

	scene := *r.job.Clone().SceneByID(sceneID)
	return &models.RenderTask{
		TaskID:       uuid.New(),
		JobID:        r.job.ID,
		SceneID:      s.ID,
		Attempt:      attempt,
		Scene:        scene,
		OutputSpec:   r.job.OutputSpec,
		OutputTarget: storage.JobKey(r.job.ID.String(), fmt.Sprintf("scenes/scene_%03d_a%d.mp4", s.Order, attempt)),
		Deadline:     now.Add(o.cfg.SceneTimeout),
	}
}

func (o *Orchestrator) recordRendered(r *run, sceneID uuid.UUID, res *models.RenderResult) {
	r.update(sceneID, func(j *models.Job, s *models.Scene) {
		ref := res.RenderedClipRef
		enc := res.Encoder
		ms := res.ActualDurationMs
		s.RenderStatus = models.SceneStatusRendered
		s.RenderedClipRef = &ref
		s.Encoder = &enc
		s.Fallback = res.Fallback
		s.ActualDurationMs = &ms
		s.ErrorMessage = nil
		if res.Fallback {
			j.FallbackUsed = true
		}
		r.rendered++
		r.raise(o.cfg.RenderWeight * r.rendered / len(j.Scenes))
	})
}

func (o *Orchestrator) recordFailed(r *run, sceneID uuid.UUID, err error) models.Scene {
	var scene models.Scene
	r.update(sceneID, func(j *models.Job, s *models.Scene) {
		msg := err.Error()
		s.RenderStatus = models.SceneStatusFailed
		s.ErrorMessage = &msg
		scene = *s
	})
	return scene
}

func (o *Orchestrator) backoff(attempt int) time.Duration {
	base := o.cfg.SceneRetryBase
	if base <= 0 {
		return 0
	}
	d := base << (attempt - 2)
	return d + time.Duration(rand.Int64N(int64(base)/2+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) assemble(ctx context.Context, r *run) error {
	job := r.snapshot()
	dir := o.jobDir(job.ID)

	clips, err := o.localize(ctx, job, filepath.Join(dir, "clips"))
	if err != nil {
		return err
	}

	req := services.AssembleRequest{
		JobID:    job.ID,
		WorkDir:  filepath.Join(dir, "assembly"),
		Clips:    clips,
		Output:   job.OutputSpec,
		Audio:    job.AudioSpec,
		Captions: job.CaptionSpec,
		Progress: func(step services.AssemblyStep) {
			r.mu.Lock()
			r.raise(o.assemblyProgress(int(step)))
			r.job.UpdatedAt = time.Now().UTC()
			r.mu.Unlock()
			o.publish(ctx, r)
		},
	}
	if job.FailurePolicy == models.FailurePolicyBestEffort && o.deps.Placeholder != nil {
		req.Substitute = func(ctx context.Context, c services.AssembleClip) (string, error) {
			scene := job.SceneByID(c.SceneID)
			if scene == nil {
				return "", fmt.Errorf("unknown scene %s", c.SceneID)
			}
			clip, err := o.deps.Placeholder.Render(ctx, *scene, job.OutputSpec, job.PlaceholderRef,
				filepath.Join(dir, "placeholders", fmt.Sprintf("scene_%03d", c.Order)), c.FailureReason)
			if err != nil {
				return "", err
			}
			return clip.Path, nil
		}
	}

	asset, err := o.deps.Assembler.Assemble(ctx, req)
	if err != nil {
		return err
	}

	ref, err := o.deps.Artifacts.Put(ctx, storage.JobKey(job.ID.String(), "final.mp4"), asset.Path, "video/mp4")
	if err != nil {
		return apperrors.WrapWithCode(err, apperrors.CodeUnavailable, "orchestrator.publish", "failed to store final video")
	}

	r.mu.Lock()
	now := time.Now().UTC()
	r.job.Status = models.JobStatusCompleted
	r.job.OutputRef = &ref
	r.job.Substitutions = asset.Substitutions
	r.job.FallbackUsed = r.job.FallbackUsed || asset.Fallback
	r.raise(100)
	r.job.UpdatedAt = now
	r.job.FinishedAt = &now
	r.mu.Unlock()
	o.publish(o.base, r)

	o.cleanup(job.ID, false)
	return nil
}

func (o *Orchestrator) assemblyProgress(step int) int {
	w := o.cfg.RenderWeight
	return w + (100-w)*step/services.AssemblySteps
}

// localize makes every rendered clip a local file, in scene order.
func (o *Orchestrator) localize(ctx context.Context, job *models.Job, dir string) ([]services.AssembleClip, error) {
	scenes := append([]models.Scene(nil), job.Scenes...)
	sort.Slice(scenes, func(i, j int) bool { return scenes[i].Order < scenes[j].Order })

	clips := make([]services.AssembleClip, 0, len(scenes))
	for _, s := range scenes {
		c := services.AssembleClip{SceneID: s.ID, Order: s.Order, DurationSeconds: s.DurationSeconds}
		switch {
		case s.RenderStatus == models.SceneStatusRendered && s.RenderedClipRef != nil:
			path, err := o.fetchClip(ctx, *s.RenderedClipRef, filepath.Join(dir, fmt.Sprintf("scene_%03d.mp4", s.Order)))
			if err != nil {
				return nil, apperrors.WrapWithCode(err, apperrors.CodeAssemblyFailed, "orchestrator.localize",
					fmt.Sprintf("rendered clip for scene %d unavailable", s.Order)).
					WithField("scene_id", s.ID.String()).
					WithField("scene_order", s.Order)
			}
			c.Path = path
		case s.ErrorMessage != nil:
			c.FailureReason = *s.ErrorMessage
		default:
			c.FailureReason = "scene not rendered"
		}
		clips = append(clips, c)
	}
	return clips, nil
}

func (o *Orchestrator) fetchClip(ctx context.Context, ref, dst string) (string, error) {
	if filepath.IsAbs(ref) {
		if _, err := os.Stat(ref); err == nil {
			return ref, nil
		}
	}
	if o.deps.Artifacts == nil {
		return "", fmt.Errorf("clip %s is not local and no artifact store is configured", ref)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("failed to create clip dir: %w", err)
	}
	if err := o.deps.Artifacts.Fetch(ctx, ref, dst); err != nil {
		return "", err
	}
	return dst, nil
}

func (o *Orchestrator) fail(r *run, scene *models.Scene, stage string, err error) {
	je := jobError(scene, stage, err)

	r.mu.Lock()
	now := time.Now().UTC()
	r.job.Status = models.JobStatusFailed
	r.job.Error = je
	r.job.UpdatedAt = now
	r.job.FinishedAt = &now
	r.mu.Unlock()
	r.settle("abandoned: job failed")

	o.log.WithJobID(r.job.ID.String()).WithError(err).Error("[Orchestrator] job failed", "stage", stage, "code", je.Code)
	o.publish(o.base, r)
	o.cleanup(r.job.ID, false)
}

// discard drops whatever a cancelled job produced.
func (o *Orchestrator) discard(r *run) {
	r.settle("job cancelled")
	o.publish(o.base, r)
	o.cleanup(r.job.ID, true)
}

// cleanup removes local intermediates and uploaded scene clips; all also
// removes everything the job stored.
func (o *Orchestrator) cleanup(id uuid.UUID, all bool) {
	if err := os.RemoveAll(o.jobDir(id)); err != nil {
		o.log.Warn("[Orchestrator] failed to remove work dir", "job_id", id, "error", err)
	}
	if o.deps.Artifacts == nil {
		return
	}
	prefix := storage.JobKey(id.String(), "scenes")
	if all {
		prefix = id.String()
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := o.deps.Artifacts.Delete(ctx, prefix); err != nil {
		o.log.Warn("[Orchestrator] failed to delete stored intermediates", "job_id", id, "prefix", prefix, "error", err)
	}
}

func jobError(scene *models.Scene, stage string, err error) *models.JobError {
	je := &models.JobError{
		Stage:   stage,
		Class:   errorClass(stage, err),
		Code:    string(apperrors.GetCode(err)),
		Message: err.Error(),
	}
	if scene != nil {
		id, order := scene.ID, scene.Order
		je.SceneID = &id
		je.SceneOrder = &order
	}
	if scene == nil {
		// Assembly errors carry the scene they concern as fields.
		fields := apperrors.GetFields(err)
		if v, ok := fields["scene_order"].(int); ok {
			je.SceneOrder = &v
		}
		if v, ok := fields["scene_id"].(string); ok {
			if id, perr := uuid.Parse(v); perr == nil {
				je.SceneID = &id
			}
		}
	}
	return je
}

func errorClass(stage string, err error) string {
	switch {
	case apperrors.IsValidation(err):
		return "validation"
	case stage == models.StageAssemble || stage == models.StagePublish:
		return "assembly"
	default:
		return string(apperrors.GetClass(err))
	}
}
