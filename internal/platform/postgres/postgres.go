package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"tracerun/internal/platform/config"
)

// Open connects through the pgx stdlib driver and pings within PingTimeout.
func Open(ctx context.Context, cfg config.Postgres) (*sql.DB, error) {
	if cfg.URL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}

	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

// Schema is the logical layout the postgres stores expect. Migration tooling
// is external; EnsureSchema exists for tests and single-node setups.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
	id                BIGSERIAL PRIMARY KEY,
	run_type          TEXT        NOT NULL,
	ticket_id         BIGINT      NOT NULL,
	asset_id          BIGINT,
	script_id         TEXT        NOT NULL,
	status            TEXT        NOT NULL,
	created_by        TEXT        NOT NULL,
	executor_id       TEXT        NOT NULL DEFAULT '',
	idempotency_key   TEXT        UNIQUE,
	created_at        TIMESTAMPTZ NOT NULL,
	started_at        TIMESTAMPTZ,
	finished_at       TIMESTAMPTZ,
	validator_version TEXT        NOT NULL DEFAULT '',
	result            JSONB       NOT NULL DEFAULT '{}'::jsonb,
	inputs_manifest   JSONB       NOT NULL DEFAULT '[]'::jsonb,
	execution_context JSONB       NOT NULL DEFAULT '{}'::jsonb,
	log               TEXT        NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS artifacts (
	id              UUID PRIMARY KEY,
	run_id          BIGINT      NOT NULL REFERENCES runs(id),
	filename        TEXT        NOT NULL,
	content_type    TEXT        NOT NULL DEFAULT '',
	kind            TEXT        NOT NULL DEFAULT '',
	description     TEXT        NOT NULL DEFAULT '',
	declared_size   BIGINT      NOT NULL,
	declared_sha256 TEXT        NOT NULL DEFAULT '',
	sha256          TEXT        NOT NULL,
	size_bytes      BIGINT      NOT NULL,
	location        TEXT        NOT NULL,
	verdict         TEXT        NOT NULL DEFAULT 'pending',
	verdict_detail  JSONB       NOT NULL DEFAULT '{}'::jsonb,
	uploaded_at     TIMESTAMPTZ NOT NULL,
	uploader_id     TEXT        NOT NULL
);
CREATE INDEX IF NOT EXISTS artifacts_run_id_idx ON artifacts(run_id, uploaded_at);
CREATE INDEX IF NOT EXISTS runs_status_idx ON runs(status);

CREATE TABLE IF NOT EXISTS audit_events (
	shard       TEXT        NOT NULL,
	seq         BIGINT      NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	monotonic   BIGINT      NOT NULL,
	actor       TEXT        NOT NULL,
	kind        TEXT        NOT NULL,
	subject     TEXT        NOT NULL,
	payload     JSONB       NOT NULL,
	prev_digest TEXT        NOT NULL,
	digest      TEXT        NOT NULL,
	PRIMARY KEY (shard, seq)
);
CREATE UNIQUE INDEX IF NOT EXISTS audit_events_seq_idx ON audit_events(seq);
CREATE INDEX IF NOT EXISTS audit_events_subject_idx ON audit_events(subject, seq);

CREATE TABLE IF NOT EXISTS tickets (
	id         BIGSERIAL PRIMARY KEY,
	title      TEXT   NOT NULL,
	status     TEXT   NOT NULL,
	creator_id TEXT   NOT NULL,
	asset_id   BIGINT
);

CREATE TABLE IF NOT EXISTS assets (
	id   BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL
);
`

// EnsureSchema creates the tables above if they are missing.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
