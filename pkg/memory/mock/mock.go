// Package mock provides an in-memory test double for [memory.TranscriptStore].
//
// The mock records every method call for assertion in tests and exposes
// exported *Err fields that control failures. It is safe for concurrent use.
//
//	store := &mock.Store{AppendTurnErr: errors.New("disk full")}
//	// inject store into the system under test …
//	if got := store.CallCount("AppendTurn"); got != 4 { … }
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable test double for [memory.TranscriptStore].
type Store struct {
	mu sync.Mutex

	calls []Call
	turns []memory.TurnRecord
	runs  []memory.RunRecord

	// BeginRunErr is returned by [Store.BeginRun] when non-nil.
	BeginRunErr error

	// AppendTurnErr is returned by [Store.AppendTurn] when non-nil. The
	// record is still captured.
	AppendTurnErr error

	// FinishRunErr is returned by [Store.FinishRun] when non-nil.
	FinishRunErr error

	// CloseErr is returned by [Store.Close] when non-nil.
	CloseErr error
}

var _ memory.TranscriptStore = (*Store)(nil)

func (m *Store) record(method string, args ...any) {
	m.calls = append(m.calls, Call{Method: method, Args: args})
}

// BeginRun implements [memory.TranscriptStore].
func (m *Store) BeginRun(_ context.Context, run memory.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("BeginRun", run)
	return m.BeginRunErr
}

// AppendTurn implements [memory.TranscriptStore].
func (m *Store) AppendTurn(_ context.Context, rec memory.TurnRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("AppendTurn", rec)
	m.turns = append(m.turns, rec)
	return m.AppendTurnErr
}

// FinishRun implements [memory.TranscriptStore].
func (m *Store) FinishRun(_ context.Context, run memory.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("FinishRun", run)
	m.runs = append(m.runs, run)
	return m.FinishRunErr
}

// Close implements [memory.TranscriptStore].
func (m *Store) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Close")
	return m.CloseErr
}

// Turns returns a copy of every record passed to AppendTurn.
func (m *Store) Turns() []memory.TurnRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]memory.TurnRecord, len(m.turns))
	copy(out, m.turns)
	return out
}

// Finished returns a copy of every record passed to FinishRun.
func (m *Store) Finished() []memory.RunRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]memory.RunRecord, len(m.runs))
	copy(out, m.runs)
	return out
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}
