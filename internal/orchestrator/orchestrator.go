package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/bobarin/sceneforge/internal/models"
	apperrors "github.com/bobarin/sceneforge/internal/pkg/errors"
	"github.com/bobarin/sceneforge/internal/pkg/logger"
	"github.com/bobarin/sceneforge/internal/services"
	"github.com/bobarin/sceneforge/internal/storage"
)

// JobStore persists one record per job. Implemented by db.DB and
// pebblestore.Store.
type JobStore interface {
	SaveJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	DeleteJob(ctx context.Context, id uuid.UUID) error
	ListActive(ctx context.Context) ([]*models.Job, error)
	ListTerminalBefore(ctx context.Context, cutoff time.Time) ([]*models.Job, error)
}

// Publisher records a job state change and tells whoever listens.
type Publisher interface {
	Publish(ctx context.Context, job *models.Job) error
}

// Dispatcher runs one render task to completion, locally or on a remote worker.
type Dispatcher interface {
	Dispatch(ctx context.Context, task *models.RenderTask) (*models.RenderResult, error)
}

type Assembler interface {
	Assemble(ctx context.Context, req services.AssembleRequest) (*services.FinalAsset, error)
}

// Substituter renders the stand-in for a failed scene.
type Substituter interface {
	Render(ctx context.Context, scene models.Scene, out models.OutputSpec, jobRef *string, workDir, reason string) (*services.RenderedClip, error)
}

// AudioMeter measures narration for talking-head scenes.
type AudioMeter interface {
	AudioDuration(ctx context.Context, ref string) (time.Duration, error)
}

type Config struct {
	WorkDir             string
	MaxConcurrentScenes int
	MaxConcurrentJobs   int
	SceneMaxAttempts    int
	SceneRetryBase      time.Duration
	SceneTimeout        time.Duration
	JobTimeout          time.Duration
	FailurePolicy       models.FailurePolicy
	RenderWeight        int
	Limits              models.Limits
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentScenes < 1 {
		c.MaxConcurrentScenes = 4
	}
	if c.MaxConcurrentJobs < 1 {
		c.MaxConcurrentJobs = 5
	}
	if c.SceneMaxAttempts < 1 {
		c.SceneMaxAttempts = 3
	}
	if c.SceneTimeout <= 0 {
		c.SceneTimeout = 10 * time.Minute
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = time.Hour
	}
	if c.FailurePolicy == "" {
		c.FailurePolicy = models.FailurePolicyFailFast
	}
	if c.RenderWeight <= 0 || c.RenderWeight >= 100 {
		c.RenderWeight = 60
	}
	return c
}

// Deps are the collaborators a job run drives. Placeholder and Meter may be nil.
type Deps struct {
	Store       JobStore
	Publisher   Publisher
	Dispatcher  Dispatcher
	Assembler   Assembler
	Placeholder Substituter
	Artifacts   storage.Store
	Meter       AudioMeter
}

// Orchestrator accepts jobs, fans their scenes out to the dispatcher under a
// global bound, and drives each job through assembly to a terminal state.
type Orchestrator struct {
	cfg  Config
	deps Deps
	log  *logger.Logger

	scenes *semaphore.Weighted
	jobs   *semaphore.Weighted

	base     context.Context
	shutdown context.CancelFunc
	wg       sync.WaitGroup

	mu   sync.Mutex
	runs map[uuid.UUID]*run
}

func New(cfg Config, deps Deps, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.Nop()
	}
	cfg = cfg.withDefaults()
	base, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		log:      log.WithComponent("orchestrator"),
		scenes:   semaphore.NewWeighted(int64(cfg.MaxConcurrentScenes)),
		jobs:     semaphore.NewWeighted(int64(cfg.MaxConcurrentJobs)),
		base:     base,
		shutdown: cancel,
		runs:     make(map[uuid.UUID]*run),
	}
}

// Shutdown abandons running jobs without recording a terminal state; the
// next Recover marks them interrupted.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.shutdown()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) jobDir(id uuid.UUID) string {
	return filepath.Join(o.cfg.WorkDir, id.String())
}

// Submit validates and persists a job, then starts it. Nothing is stored
// when validation fails.
func (o *Orchestrator) Submit(ctx context.Context, req models.SubmitJobRequest) (*models.Job, error) {
	job, err := o.buildJob(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := models.ValidateJob(job, o.cfg.Limits); err != nil {
		return nil, err
	}

	if _, err := o.deps.Store.GetJob(ctx, job.ID); err == nil {
		return nil, apperrors.Conflict(fmt.Sprintf("job %s already exists", job.ID))
	} else if !errors.Is(err, models.ErrJobNotFound) {
		return nil, apperrors.Wrap(err, "orchestrator.submit", "failed to check job id")
	}

	r := newRun(job)
	o.mu.Lock()
	if _, exists := o.runs[job.ID]; exists {
		o.mu.Unlock()
		return nil, apperrors.Conflict(fmt.Sprintf("job %s already exists", job.ID))
	}
	o.runs[job.ID] = r
	o.mu.Unlock()

	if err := o.deps.Publisher.Publish(ctx, job.Clone()); err != nil {
		o.mu.Lock()
		delete(o.runs, job.ID)
		o.mu.Unlock()
		return nil, apperrors.Wrap(err, "orchestrator.submit", "failed to persist job")
	}

	o.log.Info("[Orchestrator] job accepted", "job_id", job.ID, "scenes", len(job.Scenes), "duration", job.TotalDuration(), "policy", job.FailurePolicy)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.execute(r)
	}()
	return job.Clone(), nil
}

func (o *Orchestrator) buildJob(ctx context.Context, req models.SubmitJobRequest) (*models.Job, error) {
	now := time.Now().UTC()
	job := &models.Job{
		ID:             uuid.New(),
		Status:         models.JobStatusQueued,
		OutputSpec:     req.OutputSpec.WithDefaults(),
		CaptionSpec:    req.CaptionSpec,
		FailurePolicy:  o.cfg.FailurePolicy,
		PlaceholderRef: req.PlaceholderRef,
		WebhookURL:     req.WebhookURL,
		Scenes:         make([]models.Scene, 0, len(req.Scenes)),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.ID != nil && *req.ID != uuid.Nil {
		job.ID = *req.ID
	}
	if req.FailurePolicy != nil {
		job.FailurePolicy = *req.FailurePolicy
	}
	if req.AudioSpec != nil {
		a := req.AudioSpec.WithDefaults()
		job.AudioSpec = &a
	}

	for i, sr := range req.Scenes {
		s := models.Scene{
			ID:              uuid.New(),
			JobID:           job.ID,
			Order:           sr.Order,
			Source:          sr.Source,
			DurationSeconds: sr.DurationSeconds,
			Animation:       sr.Animation,
			NarrationRef:    sr.NarrationRef,
			RenderStatus:    models.SceneStatusPending,
			UpdatedAt:       now,
		}
		if sr.ID != nil && *sr.ID != uuid.Nil {
			s.ID = *sr.ID
		}
		if th := s.Animation.TalkingHead; th != nil && th.AudioRef != "" && o.deps.Meter != nil {
			d, err := o.deps.Meter.AudioDuration(ctx, th.AudioRef)
			if err != nil {
				return nil, apperrors.ValidationField(fmt.Sprintf("scenes[%d].animation.talkingHead.audio_ref", i), "narration audio unreadable: "+err.Error())
			}
			s.SetTalkingHeadAudio(th.AudioRef, d)
		}
		job.Scenes = append(job.Scenes, s)
	}
	return job, nil
}

// GetStatus prefers the live copy of a running job over the stored one.
func (o *Orchestrator) GetStatus(ctx context.Context, id uuid.UUID) (*models.JobStatusView, error) {
	if r := o.lookup(id); r != nil {
		v := r.snapshot().StatusView()
		return &v, nil
	}
	job, err := o.load(ctx, id)
	if err != nil {
		return nil, err
	}
	v := job.StatusView()
	return &v, nil
}

// Job returns the full record, for callers that need refs.
func (o *Orchestrator) Job(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	if r := o.lookup(id); r != nil {
		return r.snapshot(), nil
	}
	return o.load(ctx, id)
}

func (o *Orchestrator) load(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := o.deps.Store.GetJob(ctx, id)
	if errors.Is(err, models.ErrJobNotFound) {
		return nil, apperrors.NotFound("job", id.String())
	}
	if err != nil {
		return nil, apperrors.Wrap(err, "orchestrator.load", "failed to load job")
	}
	return job, nil
}

func (o *Orchestrator) lookup(id uuid.UUID) *run {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runs[id]
}

// Cancel stops a queued or rendering job. Scenes already rendering finish on
// their own and their output is discarded.
func (o *Orchestrator) Cancel(ctx context.Context, id uuid.UUID) (*models.JobStatusView, error) {
	if r := o.lookup(id); r != nil {
		if err := r.cancel(); err != nil {
			return nil, err
		}
		o.log.Info("[Orchestrator] job cancelled", "job_id", id)
		o.publish(ctx, r)
		v := r.snapshot().StatusView()
		return &v, nil
	}

	job, err := o.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.Status.Cancellable() {
		return nil, apperrors.Conflict(fmt.Sprintf("job is %s and cannot be cancelled", job.Status))
	}
	markCancelled(job)
	if err := o.deps.Publisher.Publish(ctx, job); err != nil {
		return nil, apperrors.Wrap(err, "orchestrator.cancel", "failed to persist cancellation")
	}
	v := job.StatusView()
	return &v, nil
}

// Delete removes a finished job's record, intermediates and final artifact.
func (o *Orchestrator) Delete(ctx context.Context, id uuid.UUID) error {
	if o.lookup(id) != nil {
		return apperrors.Conflict("job is still running; cancel it first")
	}
	job, err := o.load(ctx, id)
	if err != nil {
		return err
	}
	if !job.Status.Terminal() {
		return apperrors.Conflict(fmt.Sprintf("job is %s; cancel it first", job.Status))
	}
	return o.remove(ctx, id)
}

func (o *Orchestrator) remove(ctx context.Context, id uuid.UUID) error {
	if o.deps.Artifacts != nil {
		if err := o.deps.Artifacts.Delete(ctx, id.String()); err != nil {
			return apperrors.Wrap(err, "orchestrator.delete", "failed to delete artifacts")
		}
	}
	if err := os.RemoveAll(o.jobDir(id)); err != nil {
		o.log.Warn("[Orchestrator] failed to remove work dir", "job_id", id, "error", err)
	}
	if err := o.deps.Store.DeleteJob(ctx, id); err != nil && !errors.Is(err, models.ErrJobNotFound) {
		return apperrors.Wrap(err, "orchestrator.delete", "failed to delete job record")
	}
	return nil
}

// ActiveJobs counts jobs this process is running or holding in its queue.
func (o *Orchestrator) ActiveJobs() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.runs)
}

func markCancelled(job *models.Job) {
	now := time.Now().UTC()
	job.Status = models.JobStatusCancelled
	job.UpdatedAt = now
	job.FinishedAt = &now
}
