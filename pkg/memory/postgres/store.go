package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/parley/pkg/memory"
)

var _ memory.TranscriptStore = (*Store)(nil)

// Store persists runs and turns in PostgreSQL. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a connection pool for dsn, verifies connectivity and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Ping reports whether the database is reachable. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// BeginRun implements [memory.TranscriptStore]. Re-registering an existing
// run id is a no-op.
func (s *Store) BeginRun(ctx context.Context, run memory.RunRecord) error {
	const q = `
		INSERT INTO parley_runs (run_id, topic, started_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (run_id) DO NOTHING`

	if _, err := s.pool.Exec(ctx, q, run.RunID, run.Topic, run.StartedAt); err != nil {
		return fmt.Errorf("postgres store: begin run: %w", err)
	}
	return nil
}

// AppendTurn implements [memory.TranscriptStore].
func (s *Store) AppendTurn(ctx context.Context, rec memory.TurnRecord) error {
	const q = `
		INSERT INTO parley_turns
		    (run_id, turn, speaker, raw_output, satisfaction, reply,
		     key_points, needs_from_other, parse_error, attempts, timestamp,
		     rejected_output)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	attempts := rec.Attempts
	if attempts == 0 {
		attempts = 1
	}
	_, err := s.pool.Exec(ctx, q,
		rec.RunID,
		rec.Turn,
		rec.Speaker,
		rec.RawOutput,
		rec.Satisfaction,
		rec.Reply,
		nonNil(rec.KeyPoints),
		nonNil(rec.NeedsFromOther),
		rec.ParseError,
		attempts,
		rec.Timestamp,
		rec.RejectedOutput,
	)
	if err != nil {
		return fmt.Errorf("postgres store: append turn %d: %w", rec.Turn, err)
	}
	return nil
}

// FinishRun implements [memory.TranscriptStore].
func (s *Store) FinishRun(ctx context.Context, run memory.RunRecord) error {
	const q = `
		UPDATE parley_runs
		SET    state = $2, reason = $3, turns = $4, summary = $5, finished_at = $6
		WHERE  run_id = $1`

	tag, err := s.pool.Exec(ctx, q, run.RunID, run.State, run.Reason, run.Turns, nonNil(run.Summary), run.FinishedAt)
	if err != nil {
		return fmt.Errorf("postgres store: finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres store: finish run: unknown run %q", run.RunID)
	}
	return nil
}

// Turns returns the stored turns of runID in turn order.
func (s *Store) Turns(ctx context.Context, runID string) ([]memory.TurnRecord, error) {
	const q = `
		SELECT run_id, turn, speaker, raw_output, satisfaction, reply,
		       key_points, needs_from_other, parse_error, attempts, timestamp,
		       rejected_output
		FROM   parley_turns
		WHERE  run_id = $1
		ORDER  BY turn`

	rows, err := s.pool.Query(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: turns: %w", err)
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.TurnRecord, error) {
		var r memory.TurnRecord
		err := row.Scan(
			&r.RunID,
			&r.Turn,
			&r.Speaker,
			&r.RawOutput,
			&r.Satisfaction,
			&r.Reply,
			&r.KeyPoints,
			&r.NeedsFromOther,
			&r.ParseError,
			&r.Attempts,
			&r.Timestamp,
			&r.RejectedOutput,
		)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan turns: %w", err)
	}
	return recs, nil
}

// Run returns the stored run record for runID.
func (s *Store) Run(ctx context.Context, runID string) (memory.RunRecord, error) {
	const q = `
		SELECT run_id, topic, state, reason, turns, summary, started_at, finished_at
		FROM   parley_runs
		WHERE  run_id = $1`

	var (
		r        memory.RunRecord
		finished *time.Time
	)
	err := s.pool.QueryRow(ctx, q, runID).Scan(
		&r.RunID, &r.Topic, &r.State, &r.Reason, &r.Turns, &r.Summary, &r.StartedAt, &finished,
	)
	if err != nil {
		return memory.RunRecord{}, fmt.Errorf("postgres store: run %q: %w", runID, err)
	}
	if finished != nil {
		r.FinishedAt = *finished
	}
	return r, nil
}

// Close implements [memory.TranscriptStore]. It releases all pooled
// connections.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// nonNil maps a nil slice to an empty one so NOT NULL array columns accept it.
func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
