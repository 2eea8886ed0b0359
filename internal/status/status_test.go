package status

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bobarin/sceneforge/internal/models"
)

type memSaver struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.Job
}

func (m *memSaver) SaveJob(ctx context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.jobs == nil {
		m.jobs = make(map[uuid.UUID]*models.Job)
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

type memSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *memSink) Emit(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *memSink) Close() error { return nil }

func completedJob(webhook string) *models.Job {
	ref := "s3://renders/j/final.mp4"
	id := uuid.New()
	return &models.Job{
		ID:         id,
		Status:     models.JobStatusCompleted,
		Progress:   100,
		OutputRef:  &ref,
		WebhookURL: &webhook,
		Scenes: []models.Scene{
			{ID: uuid.New(), JobID: id, RenderStatus: models.SceneStatusRendered},
			{ID: uuid.New(), JobID: id, Order: 1, RenderStatus: models.SceneStatusFailed},
		},
		Substitutions: []models.Substitution{{SceneOrder: 1, Reason: "source unreadable"}},
		UpdatedAt:     time.Now(),
	}
}

func TestPublishPersistsAndEmits(t *testing.T) {
	store := &memSaver{}
	sink := &memSink{}
	p := New(store, nil, nil, sink)

	job := completedJob("")
	job.Status = models.JobStatusRendering
	job.OutputRef = nil
	if err := p.Publish(context.Background(), job); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if store.jobs[job.ID] == nil || store.jobs[job.ID].Status != models.JobStatusRendering {
		t.Error("expected job to be saved")
	}
	if len(sink.events) != 1 {
		t.Fatalf("expected one event, got %d", len(sink.events))
	}
	ev := sink.events[0]
	if ev.Rendered != 1 || ev.Scenes != 2 || ev.Status != models.JobStatusRendering {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestWebhookOnceOnTerminalWithRetry(t *testing.T) {
	var hits atomic.Int32
	got := make(chan Event, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if r.Header.Get("X-Sceneforge-Event") != "job.completed" {
			t.Errorf("unexpected event header %q", r.Header.Get("X-Sceneforge-Event"))
		}
		var ev Event
		json.NewDecoder(r.Body).Decode(&ev)
		got <- ev
	}))
	defer srv.Close()

	p := New(&memSaver{}, NewWebhook(srv.Client(), 3, 10*time.Millisecond, nil), nil)
	job := completedJob(srv.URL)
	ctx := context.Background()
	if err := p.Publish(ctx, job); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := p.Publish(ctx, job); err != nil {
		t.Fatalf("Publish again: %v", err)
	}
	p.Close()

	if hits.Load() != 2 {
		t.Errorf("expected one failed and one successful delivery, got %d requests", hits.Load())
	}
	ev := <-got
	if ev.OutputRef == nil || *ev.OutputRef != "s3://renders/j/final.mp4" || len(ev.Substitutions) != 1 {
		t.Errorf("unexpected delivered event %+v", ev)
	}
}

func TestWebhookDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	err := NewWebhook(srv.Client(), 3, time.Millisecond, nil).Deliver(context.Background(), srv.URL, Event{Status: models.JobStatusFailed})
	if err == nil || hits.Load() != 1 {
		t.Errorf("expected one attempt and an error, got %d attempts, err %v", hits.Load(), err)
	}
}

func TestKafkaMessageKeyedByJob(t *testing.T) {
	sink := NewKafkaSink([]string{"127.0.0.1:9092"}, "sceneforge.job-status", nil)
	if sink.writer.Topic != "sceneforge.job-status" || !sink.writer.Async {
		t.Errorf("unexpected writer config %+v", sink.writer)
	}

	ev := EventFromJob(completedJob(""))
	msg, err := eventMessage(ev)
	if err != nil {
		t.Fatalf("eventMessage: %v", err)
	}
	if string(msg.Key) != ev.JobID.String() || len(msg.Headers) != 1 || string(msg.Headers[0].Value) != "completed" {
		t.Errorf("unexpected message %+v", msg)
	}
	var back Event
	if err := json.Unmarshal(msg.Value, &back); err != nil || back.Progress != 100 {
		t.Errorf("unexpected payload %s", msg.Value)
	}
}
