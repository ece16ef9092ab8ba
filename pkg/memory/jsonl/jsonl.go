// Package jsonl provides an append-only JSON lines transcript file.
//
// Each [memory.TurnRecord] becomes one line. The file is opened in append
// mode so several runs may share it; run boundaries are implicit in run_id.
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/memory"
)

// DefaultPath returns the file name used when no transcript path is
// configured: transcript_<UTC timestamp>.jsonl in the working directory.
func DefaultPath(now time.Time) string {
	return fmt.Sprintf("transcript_%s.jsonl", now.UTC().Format("20060102T150405Z"))
}

// Store appends turn records to a file. It is safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	path string
	f    *os.File
	enc  *json.Encoder
}

var _ memory.TranscriptStore = (*Store)(nil)

// Open opens path for appending, creating it and its parent directories as
// needed.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("jsonl: path must not be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("jsonl: create directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("jsonl: open %q: %w", path, err)
	}
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	return &Store{path: path, f: f, enc: enc}, nil
}

// Path returns the file the store writes to.
func (s *Store) Path() string { return s.path }

// BeginRun implements [memory.TranscriptStore]. The file holds turns only.
func (s *Store) BeginRun(context.Context, memory.RunRecord) error { return nil }

// AppendTurn implements [memory.TranscriptStore]. The encoder writes the
// record and its trailing newline in a single call, so a line is either
// fully appended or the error is returned.
func (s *Store) AppendTurn(_ context.Context, rec memory.TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("jsonl: store closed")
	}
	if err := s.enc.Encode(rec); err != nil {
		return fmt.Errorf("jsonl: append turn %d: %w", rec.Turn, err)
	}
	return nil
}

// FinishRun implements [memory.TranscriptStore]. It syncs the file.
func (s *Store) FinishRun(context.Context, memory.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("jsonl: sync: %w", err)
	}
	return nil
}

// Close implements [memory.TranscriptStore]. Closing twice is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// Read decodes every record from r. Blank lines are skipped.
func Read(r io.Reader) ([]memory.TurnRecord, error) {
	var out []memory.TurnRecord
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec memory.TurnRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return out, fmt.Errorf("jsonl: line %d: %w", line, err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("jsonl: read: %w", err)
	}
	return out, nil
}

// ReadFile decodes every record in the file at path.
func ReadFile(path string) ([]memory.TurnRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("jsonl: open %q: %w", path, err)
	}
	defer f.Close()
	return Read(f)
}
