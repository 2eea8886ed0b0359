package status

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bobarin/sceneforge/internal/pkg/logger"
)

// Webhook posts terminal job events to caller-supplied URLs.
type Webhook struct {
	client   *http.Client
	attempts int
	backoff  time.Duration
	log      *logger.Logger
}

func NewWebhook(client *http.Client, attempts int, backoff time.Duration, log *logger.Logger) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if attempts < 1 {
		attempts = 3
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Webhook{client: client, attempts: attempts, backoff: backoff, log: log.WithComponent("webhook")}
}

func (w *Webhook) Deliver(ctx context.Context, url string, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= w.attempts; attempt++ {
		if attempt > 1 {
			delay := w.backoff * time.Duration(1<<(attempt-2))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		retry, err := w.post(ctx, url, ev, body)
		if err == nil {
			w.log.Info("[Webhook] delivered", "job_id", ev.JobID, "status", ev.Status, "attempt", attempt)
			return nil
		}
		lastErr = err
		if !retry {
			break
		}
		w.log.Warn("[Webhook] delivery attempt failed", "job_id", ev.JobID, "attempt", attempt, "error", err)
	}
	return lastErr
}

func (w *Webhook) post(ctx context.Context, url string, ev Event, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Sceneforge-Event", "job."+string(ev.Status))

	resp, err := w.client.Do(req)
	if err != nil {
		return true, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false, nil
	}
	retry := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
	return retry, fmt.Errorf("webhook returned status %d", resp.StatusCode)
}
