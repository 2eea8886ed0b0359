package status

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bobarin/sceneforge/internal/models"
	"github.com/bobarin/sceneforge/internal/pkg/logger"
)

// Saver is the write side of a job store.
type Saver interface {
	SaveJob(ctx context.Context, job *models.Job) error
}

// Sink receives every status change.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
	Close() error
}

// Event is what leaves the service about a job: on every change to sinks,
// and once on a terminal status to the job's webhook.
type Event struct {
	JobID         uuid.UUID             `json:"job_id"`
	Status        models.JobStatus      `json:"status"`
	Progress      int                   `json:"progress"`
	OutputRef     *string               `json:"output_ref,omitempty"`
	Error         *models.JobError      `json:"error,omitempty"`
	FallbackUsed  bool                  `json:"fallback_used"`
	Substitutions []models.Substitution `json:"substitutions,omitempty"`
	Rendered      int                   `json:"scenes_rendered"`
	Scenes        int                   `json:"scenes_total"`
	At            time.Time             `json:"at"`
}

func EventFromJob(job *models.Job) Event {
	v := job.StatusView()
	ev := Event{
		JobID:         job.ID,
		Status:        job.Status,
		Progress:      job.Progress,
		OutputRef:     v.OutputRef,
		Error:         v.Error,
		FallbackUsed:  job.FallbackUsed,
		Substitutions: job.Substitutions,
		Scenes:        len(job.Scenes),
		At:            job.UpdatedAt,
	}
	for _, s := range job.Scenes {
		if s.RenderStatus == models.SceneStatusRendered {
			ev.Rendered++
		}
	}
	return ev
}

// Publisher persists each job snapshot and fans the change out. Only the
// store write can fail a publish; sinks and webhooks are best effort.
type Publisher struct {
	store   Saver
	webhook *Webhook
	sinks   []Sink
	log     *logger.Logger

	mu        sync.Mutex
	delivered map[uuid.UUID]models.JobStatus
	wg        sync.WaitGroup
}

const maxDeliveredTracked = 10000

func New(store Saver, webhook *Webhook, log *logger.Logger, sinks ...Sink) *Publisher {
	if log == nil {
		log = logger.Nop()
	}
	return &Publisher{
		store:     store,
		webhook:   webhook,
		sinks:     sinks,
		log:       log.WithComponent("status"),
		delivered: make(map[uuid.UUID]models.JobStatus),
	}
}

func (p *Publisher) Publish(ctx context.Context, job *models.Job) error {
	if err := p.store.SaveJob(ctx, job); err != nil {
		return err
	}

	ev := EventFromJob(job)
	for _, sink := range p.sinks {
		if err := sink.Emit(ctx, ev); err != nil {
			p.log.Warn("[Status] failed to emit event", "job_id", job.ID, "status", job.Status, "error", err)
		}
	}

	if job.Status.Terminal() && job.WebhookURL != nil && *job.WebhookURL != "" && p.webhook != nil && p.firstTerminal(job) {
		url := *job.WebhookURL
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			dctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if err := p.webhook.Deliver(dctx, url, ev); err != nil {
				p.log.Error("[Status] webhook delivery failed", "job_id", ev.JobID, "url", url, "error", err)
			}
		}()
	}
	return nil
}

// firstTerminal reports whether this is the first terminal publish of job.
func (p *Publisher) firstTerminal(job *models.Job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, seen := p.delivered[job.ID]; seen {
		return false
	}
	if len(p.delivered) >= maxDeliveredTracked {
		p.delivered = make(map[uuid.UUID]models.JobStatus)
	}
	p.delivered[job.ID] = job.Status
	return true
}

// Close waits for pending webhooks and closes the sinks.
func (p *Publisher) Close() error {
	p.wg.Wait()
	var first error
	for _, sink := range p.sinks {
		if err := sink.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
