// Package pebblestore keeps job records in an embedded pebble database,
// for single-node deployments without Postgres.
package pebblestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/bobarin/sceneforge/internal/models"
)

var jobPrefix = []byte("job/")

type Store struct {
	db *pebble.DB
}

func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open job store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func jobKey(id uuid.UUID) []byte {
	return append(append([]byte(nil), jobPrefix...), id.String()...)
}

func (s *Store) SaveJob(ctx context.Context, job *models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return s.db.Set(jobKey(job.ID), data, pebble.Sync)
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	data, closer, err := s.db.Get(jobKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, models.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	defer closer.Close()

	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func (s *Store) DeleteJob(ctx context.Context, id uuid.UUID) error {
	key := jobKey(id)
	_, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return models.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	closer.Close()
	return s.db.Delete(key, pebble.Sync)
}

// ListActive returns jobs that have not reached a terminal status, oldest first.
func (s *Store) ListActive(ctx context.Context) ([]*models.Job, error) {
	jobs, err := s.scan(func(j *models.Job) bool { return !j.Status.Terminal() })
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].CreatedAt.Before(jobs[b].CreatedAt) })
	return jobs, nil
}

// ListTerminalBefore returns finished jobs older than cutoff.
func (s *Store) ListTerminalBefore(ctx context.Context, cutoff time.Time) ([]*models.Job, error) {
	return s.scan(func(j *models.Job) bool {
		return j.Status.Terminal() && j.FinishedAt != nil && j.FinishedAt.Before(cutoff)
	})
}

func (s *Store) scan(keep func(*models.Job) bool) ([]*models.Job, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: jobPrefix,
		UpperBound: []byte("job0"), // '0' follows '/'
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var jobs []*models.Job
	for iter.First(); iter.Valid(); iter.Next() {
		var job models.Job
		if err := json.Unmarshal(iter.Value(), &job); err != nil {
			continue // Skip invalid records
		}
		if keep(&job) {
			jobs = append(jobs, &job)
		}
	}
	return jobs, iter.Error()
}

// CheckHealth verifies the database answers reads.
func (s *Store) CheckHealth() error {
	_, closer, err := s.db.Get([]byte("__health_check__"))
	if err != nil && !errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("job store health check failed: %w", err)
	}
	if closer != nil {
		closer.Close()
	}
	return nil
}
