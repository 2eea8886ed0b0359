package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/bobarin/sceneforge/internal/models"
)

// SaveJob upserts the job row and every scene row in one transaction.
func (db *DB) SaveJob(ctx context.Context, job *models.Job) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	outputSpec, _ := json.Marshal(job.OutputSpec)
	audioSpec, err := nullJSON(job.AudioSpec)
	if err != nil {
		return err
	}
	captionSpec, err := nullJSON(job.CaptionSpec)
	if err != nil {
		return err
	}
	jobErr, err := nullJSON(job.Error)
	if err != nil {
		return err
	}
	subs, _ := json.Marshal(append([]models.Substitution{}, job.Substitutions...))

	query := `
		INSERT INTO render_jobs (
			id, status, progress, failure_policy, output_spec, audio_spec, caption_spec,
			placeholder_ref, webhook_url, output_ref, error, fallback_used, substitutions,
			created_at, updated_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			progress = EXCLUDED.progress,
			output_ref = EXCLUDED.output_ref,
			error = EXCLUDED.error,
			fallback_used = EXCLUDED.fallback_used,
			substitutions = EXCLUDED.substitutions,
			updated_at = EXCLUDED.updated_at,
			finished_at = EXCLUDED.finished_at
	`
	_, err = tx.ExecContext(ctx, query,
		job.ID, job.Status, job.Progress, job.FailurePolicy, outputSpec, audioSpec, captionSpec,
		job.PlaceholderRef, job.WebhookURL, job.OutputRef, jobErr, job.FallbackUsed, subs,
		job.CreatedAt, job.UpdatedAt, job.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}

	sceneQuery := `
		INSERT INTO render_scenes (
			id, job_id, scene_order, source, duration_seconds, animation, narration_ref,
			render_status, rendered_clip_ref, attempts, encoder, fallback,
			actual_duration_ms, error_message, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			duration_seconds = EXCLUDED.duration_seconds,
			animation = EXCLUDED.animation,
			render_status = EXCLUDED.render_status,
			rendered_clip_ref = EXCLUDED.rendered_clip_ref,
			attempts = EXCLUDED.attempts,
			encoder = EXCLUDED.encoder,
			fallback = EXCLUDED.fallback,
			actual_duration_ms = EXCLUDED.actual_duration_ms,
			error_message = EXCLUDED.error_message,
			updated_at = EXCLUDED.updated_at
	`
	for i := range job.Scenes {
		s := &job.Scenes[i]
		source, _ := json.Marshal(s.Source)
		animation, err := json.Marshal(s.Animation)
		if err != nil {
			return fmt.Errorf("failed to marshal animation: %w", err)
		}
		_, err = tx.ExecContext(ctx, sceneQuery,
			s.ID, job.ID, s.Order, source, s.DurationSeconds, animation, s.NarrationRef,
			s.RenderStatus, s.RenderedClipRef, s.Attempts, s.Encoder, s.Fallback,
			s.ActualDurationMs, s.ErrorMessage, s.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to save scene %d: %w", s.Order, err)
		}
	}

	return tx.Commit()
}

const jobColumns = `
	id, status, progress, failure_policy, output_spec, audio_spec, caption_spec,
	placeholder_ref, webhook_url, output_ref, error, fallback_used, substitutions,
	created_at, updated_at, finished_at
`

func (db *DB) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM render_jobs WHERE id = $1`

	job, err := scanJob(db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, models.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	if err := db.loadScenes(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (db *DB) DeleteJob(ctx context.Context, id uuid.UUID) error {
	res, err := db.ExecContext(ctx, `DELETE FROM render_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrJobNotFound
	}
	return nil
}

// ListActive returns jobs that have not reached a terminal status.
func (db *DB) ListActive(ctx context.Context) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM render_jobs WHERE status = ANY($1) ORDER BY created_at`
	active := []string{
		string(models.JobStatusQueued),
		string(models.JobStatusRendering),
		string(models.JobStatusAssembling),
	}
	return db.listJobs(ctx, query, pq.Array(active))
}

// ListTerminalBefore returns finished jobs whose finished_at is before cutoff.
func (db *DB) ListTerminalBefore(ctx context.Context, cutoff time.Time) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM render_jobs WHERE finished_at IS NOT NULL AND finished_at < $1 ORDER BY finished_at`
	return db.listJobs(ctx, query, cutoff)
}

func (db *DB) listJobs(ctx context.Context, query string, args ...any) ([]*models.Job, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}

	for _, job := range jobs {
		if err := db.loadScenes(ctx, job); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

func (db *DB) loadScenes(ctx context.Context, job *models.Job) error {
	query := `
		SELECT
			id, job_id, scene_order, source, duration_seconds, animation, narration_ref,
			render_status, rendered_clip_ref, attempts, encoder, fallback,
			actual_duration_ms, error_message, updated_at
		FROM render_scenes
		WHERE job_id = $1
		ORDER BY scene_order
	`
	rows, err := db.QueryContext(ctx, query, job.ID)
	if err != nil {
		return fmt.Errorf("failed to query scenes: %w", err)
	}
	defer rows.Close()

	job.Scenes = job.Scenes[:0]
	for rows.Next() {
		var (
			s                 models.Scene
			source, animation []byte
			encoder           sql.NullString
			actualMs          sql.NullInt64
		)
		err := rows.Scan(
			&s.ID, &s.JobID, &s.Order, &source, &s.DurationSeconds, &animation, &s.NarrationRef,
			&s.RenderStatus, &s.RenderedClipRef, &s.Attempts, &encoder, &s.Fallback,
			&actualMs, &s.ErrorMessage, &s.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to scan scene: %w", err)
		}
		if err := json.Unmarshal(source, &s.Source); err != nil {
			return fmt.Errorf("failed to decode scene source: %w", err)
		}
		if err := json.Unmarshal(animation, &s.Animation); err != nil {
			return fmt.Errorf("failed to decode scene animation: %w", err)
		}
		if encoder.Valid {
			e := models.EncoderKind(encoder.String)
			s.Encoder = &e
		}
		if actualMs.Valid {
			ms := int(actualMs.Int64)
			s.ActualDurationMs = &ms
		}
		job.Scenes = append(job.Scenes, s)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job                                 models.Job
		outputSpec, subs                    []byte
		audioSpec, captionSpec, errorColumn []byte
	)
	err := row.Scan(
		&job.ID, &job.Status, &job.Progress, &job.FailurePolicy, &outputSpec, &audioSpec, &captionSpec,
		&job.PlaceholderRef, &job.WebhookURL, &job.OutputRef, &errorColumn, &job.FallbackUsed, &subs,
		&job.CreatedAt, &job.UpdatedAt, &job.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(outputSpec, &job.OutputSpec); err != nil {
		return nil, fmt.Errorf("failed to decode output spec: %w", err)
	}
	if err := json.Unmarshal(subs, &job.Substitutions); err != nil {
		return nil, fmt.Errorf("failed to decode substitutions: %w", err)
	}
	if audioSpec != nil {
		job.AudioSpec = &models.AudioSpec{}
		if err := json.Unmarshal(audioSpec, job.AudioSpec); err != nil {
			return nil, fmt.Errorf("failed to decode audio spec: %w", err)
		}
	}
	if captionSpec != nil {
		job.CaptionSpec = &models.CaptionSpec{}
		if err := json.Unmarshal(captionSpec, job.CaptionSpec); err != nil {
			return nil, fmt.Errorf("failed to decode caption spec: %w", err)
		}
	}
	if errorColumn != nil {
		job.Error = &models.JobError{}
		if err := json.Unmarshal(errorColumn, job.Error); err != nil {
			return nil, fmt.Errorf("failed to decode job error: %w", err)
		}
	}
	return &job, nil
}

// nullJSON encodes v, mapping a nil pointer to SQL NULL.
func nullJSON[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	return b, nil
}
