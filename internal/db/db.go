package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

type DB struct {
	*sql.DB
}

func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(20)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &DB{conn}, nil
}

// Migrate creates the tables if they do not exist.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS render_jobs (
	id              UUID PRIMARY KEY,
	status          TEXT NOT NULL,
	progress        INT NOT NULL DEFAULT 0,
	failure_policy  TEXT NOT NULL,
	output_spec     JSONB NOT NULL,
	audio_spec      JSONB,
	caption_spec    JSONB,
	placeholder_ref TEXT,
	webhook_url     TEXT,
	output_ref      TEXT,
	error           JSONB,
	fallback_used   BOOLEAN NOT NULL DEFAULT FALSE,
	substitutions   JSONB NOT NULL DEFAULT '[]',
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	finished_at     TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS render_jobs_status_idx ON render_jobs (status, finished_at);

CREATE TABLE IF NOT EXISTS render_scenes (
	id                 UUID PRIMARY KEY,
	job_id             UUID NOT NULL REFERENCES render_jobs(id) ON DELETE CASCADE,
	scene_order        INT NOT NULL,
	source             JSONB NOT NULL,
	duration_seconds   DOUBLE PRECISION NOT NULL,
	animation          JSONB NOT NULL,
	narration_ref      TEXT,
	render_status      TEXT NOT NULL,
	rendered_clip_ref  TEXT,
	attempts           INT NOT NULL DEFAULT 0,
	encoder            TEXT,
	fallback           BOOLEAN NOT NULL DEFAULT FALSE,
	actual_duration_ms INT,
	error_message      TEXT,
	updated_at         TIMESTAMPTZ NOT NULL,
	UNIQUE (job_id, scene_order)
);
`
