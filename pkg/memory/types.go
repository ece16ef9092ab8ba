package memory

import "time"

// TurnRecord is the persisted form of one conversation turn. Its JSON
// encoding is the transcript line format.
type TurnRecord struct {
	// RunID identifies the run the turn belongs to.
	RunID string `json:"run_id"`

	// Speaker is the display name of the agent that produced the turn.
	Speaker string `json:"speaker"`

	// Turn is the 1-based turn index within the run.
	Turn int `json:"turn"`

	// RawOutput is the assembled model output, unmodified.
	RawOutput string `json:"raw_output"`

	// Satisfaction is the parsed 0-100 score, or nil (JSON null) when the
	// reply carried none.
	Satisfaction *int `json:"satisfaction"`

	// Timestamp is when the turn completed.
	Timestamp time.Time `json:"timestamp"`

	Reply          string   `json:"reply,omitempty"`
	KeyPoints      []string `json:"key_points,omitempty"`
	NeedsFromOther []string `json:"needs_from_other,omitempty"`

	// ParseError describes why structured fields could not be read. Empty
	// for well-formed replies.
	ParseError string `json:"parse_error,omitempty"`

	// Attempts is 2 when the turn needed a strict-format re-ask.
	Attempts int `json:"attempts,omitempty"`

	// RejectedOutput is the raw output of the malformed attempt that was
	// superseded by a re-ask.
	RejectedOutput string `json:"rejected_output,omitempty"`
}

// RunRecord describes a run. Terminal fields are zero in the BeginRun call.
type RunRecord struct {
	RunID     string
	Topic     string
	StartedAt time.Time

	// FinishedAt, State, Reason, Turns and Summary are set by FinishRun.
	FinishedAt time.Time
	State      string
	Reason     string
	Turns      int
	Summary    []string
}
