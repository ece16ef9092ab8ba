package session

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/parley/pkg/memory"
)

// StoreGuard wraps a [memory.TranscriptStore] and makes every write
// non-fatal. Failures are logged and swallowed; the guard is marked degraded
// until the next successful write.
//
// This keeps a conversation running when the transcript file or database is
// temporarily unavailable. Turns written while degraded are lost to that
// store only.
//
// StoreGuard implements [memory.TranscriptStore]. All methods are safe for
// concurrent use.
type StoreGuard struct {
	store    memory.TranscriptStore
	degraded atomic.Bool
	failures atomic.Int64
}

// NewStoreGuard creates a new [StoreGuard] wrapping store.
func NewStoreGuard(store memory.TranscriptStore) *StoreGuard {
	return &StoreGuard{store: store}
}

// BeginRun forwards to the underlying store and swallows any error.
func (g *StoreGuard) BeginRun(ctx context.Context, run memory.RunRecord) error {
	g.observe(g.store.BeginRun(ctx, run), "BeginRun", "run_id", run.RunID)
	return nil
}

// AppendTurn forwards to the underlying store and swallows any error.
func (g *StoreGuard) AppendTurn(ctx context.Context, rec memory.TurnRecord) error {
	g.observe(g.store.AppendTurn(ctx, rec), "AppendTurn", "run_id", rec.RunID, "turn", rec.Turn)
	return nil
}

// FinishRun forwards to the underlying store and swallows any error.
func (g *StoreGuard) FinishRun(ctx context.Context, run memory.RunRecord) error {
	g.observe(g.store.FinishRun(ctx, run), "FinishRun", "run_id", run.RunID)
	return nil
}

// Close closes the underlying store. Close errors are returned: by then the
// run is over and the caller decides what to do with them.
func (g *StoreGuard) Close() error {
	return g.store.Close()
}

func (g *StoreGuard) observe(err error, op string, attrs ...any) {
	if err == nil {
		g.degraded.Store(false)
		return
	}
	g.degraded.Store(true)
	g.failures.Add(1)
	slog.Warn("store guard: "+op+" failed, swallowing error", append(attrs, "err", err)...)
}

// IsDegraded reports whether the most recent write failed.
func (g *StoreGuard) IsDegraded() bool {
	return g.degraded.Load()
}

// Failures returns the number of writes that failed so far.
func (g *StoreGuard) Failures() int64 {
	return g.failures.Load()
}

var _ memory.TranscriptStore = (*StoreGuard)(nil)
