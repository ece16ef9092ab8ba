// Package postgres provides a PostgreSQL-backed [memory.TranscriptStore].
//
// Runs and turns live in two tables sharing a single [pgxpool.Pool]:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.BeginRun(ctx, run)
//	_ = store.AppendTurn(ctx, rec)
//	turns, _ := store.Turns(ctx, run.RunID)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlRuns = `
CREATE TABLE IF NOT EXISTS parley_runs (
    run_id       TEXT         PRIMARY KEY,
    topic        TEXT         NOT NULL DEFAULT '',
    state        TEXT         NOT NULL DEFAULT 'running',
    reason       TEXT         NOT NULL DEFAULT '',
    turns        INTEGER      NOT NULL DEFAULT 0,
    summary      TEXT[]       NOT NULL DEFAULT '{}',
    started_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    finished_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_parley_runs_state
    ON parley_runs (state);
`

const ddlTurns = `
CREATE TABLE IF NOT EXISTS parley_turns (
    run_id            TEXT         NOT NULL REFERENCES parley_runs (run_id) ON DELETE CASCADE,
    turn              INTEGER      NOT NULL,
    speaker           TEXT         NOT NULL,
    raw_output        TEXT         NOT NULL,
    satisfaction      INTEGER,
    reply             TEXT         NOT NULL DEFAULT '',
    key_points        TEXT[]       NOT NULL DEFAULT '{}',
    needs_from_other  TEXT[]       NOT NULL DEFAULT '{}',
    parse_error       TEXT         NOT NULL DEFAULT '',
    attempts          INTEGER      NOT NULL DEFAULT 1,
    timestamp         TIMESTAMPTZ  NOT NULL DEFAULT now(),
    rejected_output   TEXT         NOT NULL DEFAULT '',
    PRIMARY KEY (run_id, turn)
);

ALTER TABLE parley_turns
    ADD COLUMN IF NOT EXISTS rejected_output TEXT NOT NULL DEFAULT '';

CREATE INDEX IF NOT EXISTS idx_parley_turns_speaker
    ON parley_turns (run_id, speaker);
`

// Migrate creates the runs and turns tables if they do not exist. It is
// idempotent and safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlRuns, ddlTurns} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
