// Package transcript holds the ordered record of a two-agent conversation.
//
// A [Turn] is created once per completed exchange and never mutated. The
// [Transcript] accepts turns strictly in sequence and with alternating
// speakers; it is the single source the request builder and the summary
// window read from.
package transcript

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/MrWong99/parley/pkg/memory"
)

var (
	// ErrOutOfOrder is returned by [Transcript.Append] when the turn index is
	// not exactly one greater than the last.
	ErrOutOfOrder = errors.New("transcript: turn index out of order")

	// ErrSameSpeaker is returned by [Transcript.Append] when a speaker would
	// take two turns in a row.
	ErrSameSpeaker = errors.New("transcript: speaker did not alternate")
)

// Turn is one agent's contribution to the conversation.
type Turn struct {
	// Index is the 1-based position in the conversation.
	Index int

	// Speaker is the display name of the agent.
	Speaker string

	// Text is the raw model output.
	Text string

	// Reply is the conversational reply extracted from the structured
	// output. Empty when the output could not be parsed.
	Reply string

	// Satisfaction is the parsed 0-100 score, nil when absent or invalid.
	Satisfaction *int

	KeyPoints      []string
	NeedsFromOther []string

	// ParseError is non-empty when the structured output was malformed.
	ParseError string

	// Attempts counts model calls made for this turn, 2 after a re-ask.
	Attempts int

	// RejectedText is the raw output of the malformed first attempt when
	// the turn was asked again. Empty otherwise.
	RejectedText string

	Timestamp time.Time
}

// Score returns the satisfaction score, counting a missing score as 0.
func (t Turn) Score() int {
	if t.Satisfaction == nil {
		return 0
	}
	return *t.Satisfaction
}

// Malformed reports whether the turn's structured output failed to parse.
func (t Turn) Malformed() bool { return t.ParseError != "" }

// Content returns the text other participants should read: the reply when
// one was extracted, the raw output otherwise.
func (t Turn) Content() string {
	if t.Reply != "" {
		return t.Reply
	}
	return t.Text
}

// Record converts the turn into its persisted form.
func (t Turn) Record(runID string) memory.TurnRecord {
	return memory.TurnRecord{
		RunID:          runID,
		Speaker:        t.Speaker,
		Turn:           t.Index,
		RawOutput:      t.Text,
		Satisfaction:   t.Satisfaction,
		Timestamp:      t.Timestamp,
		Reply:          t.Reply,
		KeyPoints:      slices.Clone(t.KeyPoints),
		NeedsFromOther: slices.Clone(t.NeedsFromOther),
		ParseError:     t.ParseError,
		Attempts:       t.Attempts,
		RejectedOutput: t.RejectedText,
	}
}

// Transcript is an append-only sequence of turns. The zero value is an empty
// transcript ready to use. It is not safe for concurrent mutation; the turn
// loop is its only writer.
type Transcript struct {
	turns []Turn
}

// Append adds t after the last turn. t.Index must equal Len()+1 and its
// speaker must differ from the previous turn's.
func (tr *Transcript) Append(t Turn) error {
	if want := len(tr.turns) + 1; t.Index != want {
		return fmt.Errorf("%w: got %d, want %d", ErrOutOfOrder, t.Index, want)
	}
	if n := len(tr.turns); n > 0 && tr.turns[n-1].Speaker == t.Speaker {
		return fmt.Errorf("%w: %q spoke twice", ErrSameSpeaker, t.Speaker)
	}
	tr.turns = append(tr.turns, t)
	return nil
}

// Len returns the number of turns.
func (tr *Transcript) Len() int { return len(tr.turns) }

// Turns returns a copy of all turns in order.
func (tr *Transcript) Turns() []Turn { return slices.Clone(tr.turns) }

// Last returns the most recent turn and false when the transcript is empty.
func (tr *Transcript) Last() (Turn, bool) {
	if len(tr.turns) == 0 {
		return Turn{}, false
	}
	return tr.turns[len(tr.turns)-1], true
}

// Tail returns a copy of the last n turns (fewer if the transcript is
// shorter). n <= 0 returns nil.
func (tr *Transcript) Tail(n int) []Turn {
	if n <= 0 {
		return nil
	}
	start := max(len(tr.turns)-n, 0)
	return slices.Clone(tr.turns[start:])
}
