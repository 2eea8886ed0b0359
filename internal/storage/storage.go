package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/bobarin/sceneforge/internal/pkg/errors"
	"github.com/bobarin/sceneforge/internal/pkg/logger"
)

const (
	// Upload timeout per attempt, generous for long final renders
	uploadTimeout = 300 * time.Second

	// Download timeout
	downloadTimeout = 180 * time.Second

	// Retry configuration
	maxRetries     = 4
	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 30 * time.Second
)

// Store keeps rendered clips and final assets. Refs returned by Put are
// opaque to callers and only meaningful to the store that produced them.
type Store interface {
	Put(ctx context.Context, key, localPath, contentType string) (string, error)
	Fetch(ctx context.Context, ref, localPath string) error
	SignedURL(ctx context.Context, ref string, expires time.Duration) (string, error)
	PresignUpload(ctx context.Context, key string, expires time.Duration) (uploadURL, ref string, err error)
	Delete(ctx context.Context, prefix string) error
}

var (
	_ Store = (*Supabase)(nil)
	_ Store = (*S3)(nil)
	_ Store = (*Local)(nil)
)

// JobKey is the object key for a file belonging to a job.
func JobKey(jobID, name string) string {
	return jobID + "/" + strings.TrimPrefix(name, "/")
}

// ---------------------------------------------------------------------------
// Supabase Storage
// ---------------------------------------------------------------------------

const supabaseScheme = "supabase://"

type Supabase struct {
	url        string
	serviceKey string
	Bucket     string
	client     *http.Client
	log        *logger.Logger
}

func NewSupabase(url, serviceKey, bucket string, log *logger.Logger) *Supabase {
	if log == nil {
		log = logger.Nop()
	}
	return &Supabase{
		url:        strings.TrimRight(url, "/"),
		serviceKey: serviceKey,
		Bucket:     bucket,
		client: &http.Client{
			Timeout: uploadTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log: log.WithComponent("storage.supabase"),
	}
}

func (s *Supabase) ref(key string) string {
	return supabaseScheme + s.Bucket + "/" + key
}

func (s *Supabase) key(ref string) (string, error) {
	prefix := supabaseScheme + s.Bucket + "/"
	if !strings.HasPrefix(ref, prefix) {
		return "", apperrors.Validationf("ref %q does not belong to bucket %s", ref, s.Bucket)
	}
	return strings.TrimPrefix(ref, prefix), nil
}

// Put uploads a local file with retries and exponential backoff.
// Uses PUT with Content-Length and x-upsert so a retried attempt overwrites.
func (s *Supabase) Put(ctx context.Context, key, localPath, contentType string) (string, error) {
	url := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.url, s.Bucket, key)
	log := s.log.FromContext(ctx)

	info, err := os.Stat(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", localPath, err)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt)
			log.Warn("[Storage] upload retry", "attempt", attempt, "max", maxRetries, "key", key, "wait", delay.String())

			select {
			case <-ctx.Done():
				return "", apperrors.Wrap(ctx.Err(), "storage.put", "upload cancelled")
			case <-time.After(delay):
			}
		}

		f, err := os.Open(localPath)
		if err != nil {
			return "", fmt.Errorf("failed to open %s: %w", localPath, err)
		}

		// Each attempt gets its own timeout bounded by the caller's ctx
		uploadCtx, cancel := context.WithTimeout(ctx, uploadTimeout)
		req, err := http.NewRequestWithContext(uploadCtx, http.MethodPut, url, f)
		if err != nil {
			cancel()
			f.Close()
			return "", fmt.Errorf("failed to create request: %w", err)
		}
		req.ContentLength = info.Size()
		req.Header.Set("Authorization", "Bearer "+s.serviceKey)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("x-upsert", "true")

		resp, err := s.client.Do(req)
		f.Close()
		if err != nil {
			cancel()
			lastErr = fmt.Errorf("failed to upload: %w", err)
			if isRetryableError(err) {
				log.Warn("[Storage] upload attempt failed (retryable)", "attempt", attempt+1, "error", err)
				continue
			}
			return "", lastErr
		}

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()

		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
			if attempt > 0 {
				log.Info("[Storage] upload succeeded after retry", "attempt", attempt+1, "key", key)
			}
			return s.ref(key), nil
		}

		lastErr = fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, truncate(string(body), 200))
		if isRetryableStatus(resp.StatusCode) {
			log.Warn("[Storage] upload attempt returned retryable status", "attempt", attempt+1, "status", resp.StatusCode)
			continue
		}

		// Non-retryable status (400, 401, 403, 404, 413, etc.)
		return "", lastErr
	}

	return "", apperrors.WrapWithCode(lastErr, apperrors.CodeUnavailable, "storage.put",
		fmt.Sprintf("upload failed after %d attempts", maxRetries+1))
}

// Fetch downloads an object into localPath with retries.
func (s *Supabase) Fetch(ctx context.Context, ref, localPath string) error {
	key, err := s.key(ref)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.url, s.Bucket, key)
	log := s.log.FromContext(ctx)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt)
			log.Warn("[Storage] download retry", "attempt", attempt, "max", maxRetries, "key", key, "wait", delay.String())

			select {
			case <-ctx.Done():
				return apperrors.Wrap(ctx.Err(), "storage.fetch", "download cancelled")
			case <-time.After(delay):
			}
		}

		retry, err := s.download(ctx, url, localPath)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			return err
		}
		log.Warn("[Storage] download attempt failed (retryable)", "attempt", attempt+1, "error", err)
	}

	return apperrors.WrapWithCode(lastErr, apperrors.CodeUnavailable, "storage.fetch",
		fmt.Sprintf("download failed after %d attempts", maxRetries+1))
}

// download makes one attempt and reports whether a failure is worth retrying.
func (s *Supabase) download(ctx context.Context, url, localPath string) (bool, error) {
	dlCtx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(dlCtx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return isRetryableError(err), fmt.Errorf("failed to download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("download failed with status %d: %s", resp.StatusCode, truncate(string(body), 200))
		if resp.StatusCode == http.StatusNotFound {
			return false, apperrors.WrapWithCode(err, apperrors.CodeNotFound, "storage.fetch", "object not found")
		}
		return isRetryableStatus(resp.StatusCode), err
	}
	return writeBody(resp.Body, localPath)
}

// SignedURL creates a signed URL for temporary access.
func (s *Supabase) SignedURL(ctx context.Context, ref string, expires time.Duration) (string, error) {
	key, err := s.key(ref)
	if err != nil {
		return "", err
	}
	url := fmt.Sprintf("%s/storage/v1/object/sign/%s/%s", s.url, s.Bucket, key)

	body := fmt.Sprintf(`{"expiresIn": %d}`, int(expires.Seconds()))
	var result struct {
		SignedURL string `json:"signedURL"`
	}
	if err := s.postJSON(ctx, url, body, &result); err != nil {
		return "", fmt.Errorf("failed to get signed URL: %w", err)
	}
	return s.url + "/storage/v1" + result.SignedURL, nil
}

// PresignUpload returns a URL an external service can PUT the object to.
func (s *Supabase) PresignUpload(ctx context.Context, key string, expires time.Duration) (string, string, error) {
	url := fmt.Sprintf("%s/storage/v1/object/upload/sign/%s/%s", s.url, s.Bucket, key)

	var result struct {
		URL string `json:"url"`
	}
	if err := s.postJSON(ctx, url, "{}", &result); err != nil {
		return "", "", fmt.Errorf("failed to presign upload: %w", err)
	}
	return s.url + "/storage/v1" + result.URL, s.ref(key), nil
}

// Delete removes every object under prefix.
func (s *Supabase) Delete(ctx context.Context, prefix string) error {
	listURL := fmt.Sprintf("%s/storage/v1/object/list/%s", s.url, s.Bucket)

	var names []string
	if err := s.collect(ctx, listURL, strings.TrimSuffix(prefix, "/"), &names); err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}

	payload, _ := json.Marshal(map[string][]string{"prefixes": names})
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, fmt.Sprintf("%s/storage/v1/object/%s", s.url, s.Bucket), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to delete objects: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("delete failed with status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	s.log.FromContext(ctx).Info("[Storage] deleted objects", "prefix", prefix, "count", len(names))
	return nil
}

// collect walks the folder listing recursively. Entries without an id are
// folders.
func (s *Supabase) collect(ctx context.Context, listURL, dir string, names *[]string) error {
	body, _ := json.Marshal(map[string]any{"prefix": dir, "limit": 1000})
	var entries []struct {
		Name string  `json:"name"`
		ID   *string `json:"id"`
	}
	if err := s.postJSON(ctx, listURL, string(body), &entries); err != nil {
		return fmt.Errorf("failed to list %s: %w", dir, err)
	}
	for _, e := range entries {
		full := dir + "/" + e.Name
		if e.ID == nil {
			if err := s.collect(ctx, listURL, full, names); err != nil {
				return err
			}
			continue
		}
		*names = append(*names, full)
	}
	return nil
}

func (s *Supabase) postJSON(ctx context.Context, url, body string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed with status %d: %s", resp.StatusCode, truncate(string(b), 200))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// writeBody streams r to path through a temp file so a failed copy never
// leaves a partial clip behind.
func writeBody(r io.Reader, path string) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("failed to create dir: %w", err)
	}
	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return false, fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return true, fmt.Errorf("failed to read download body: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return false, err
	}
	return false, os.Rename(tmp, path)
}

// retryDelay calculates exponential backoff with jitter: base * 2^attempt + random jitter
func retryDelay(attempt int) time.Duration {
	delay := float64(baseRetryDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxRetryDelay) {
		delay = float64(maxRetryDelay)
	}
	// Add 0–25% jitter to avoid thundering herd
	jitter := delay * 0.25 * rand.Float64()
	return time.Duration(delay + jitter)
}

// isRetryableError checks if a network-level error is worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe")
}

// isRetryableStatus checks if an HTTP status code is worth retrying
func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || // 429
		status == http.StatusRequestTimeout || // 408
		status == http.StatusBadGateway || // 502
		status == http.StatusServiceUnavailable || // 503
		status == http.StatusGatewayTimeout // 504
}

// truncate limits a string to maxLen characters for log output
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
