// Package memory defines persistence for conversation transcripts.
//
// A [TranscriptStore] receives one [TurnRecord] per completed turn and a
// [RunRecord] at the start and end of each run. Persistence is best effort:
// the orchestrator logs store failures and carries on, so implementations
// should return errors rather than retry internally.
//
// Implementations live in sub-packages: jsonl (append-only JSON lines file)
// and postgres (pgx-backed runs/turns tables). [Multi] fans writes out to
// several stores.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"errors"
)

// TranscriptStore persists runs and their turns.
type TranscriptStore interface {
	// BeginRun records that a run has started. Implementations that only
	// store turns may ignore it.
	BeginRun(ctx context.Context, run RunRecord) error

	// AppendTurn appends one completed turn. Records for a run arrive in turn
	// order and are never rewritten.
	AppendTurn(ctx context.Context, rec TurnRecord) error

	// FinishRun records the terminal state of a run.
	FinishRun(ctx context.Context, run RunRecord) error

	// Close flushes and releases the underlying resources.
	Close() error
}

// Multi is a [TranscriptStore] that writes to every wrapped store. A failing
// store does not stop the others; all errors are joined.
type Multi []TranscriptStore

var _ TranscriptStore = Multi(nil)

// BeginRun implements [TranscriptStore].
func (m Multi) BeginRun(ctx context.Context, run RunRecord) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.BeginRun(ctx, run))
	}
	return errors.Join(errs...)
}

// AppendTurn implements [TranscriptStore].
func (m Multi) AppendTurn(ctx context.Context, rec TurnRecord) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.AppendTurn(ctx, rec))
	}
	return errors.Join(errs...)
}

// FinishRun implements [TranscriptStore].
func (m Multi) FinishRun(ctx context.Context, run RunRecord) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.FinishRun(ctx, run))
	}
	return errors.Join(errs...)
}

// Close implements [TranscriptStore]. Every store is closed even if an
// earlier one fails.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
