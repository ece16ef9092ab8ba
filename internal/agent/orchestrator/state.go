package orchestrator

import "fmt"

// State is the lifecycle state of a conversation run.
type State int

const (
	// StateRunning is the initial state; turns are still being requested.
	StateRunning State = iota

	// StateConverged means the satisfaction score stayed at or above the
	// threshold for the configured number of consecutive turns.
	StateConverged

	// StateExhausted means max_turns was reached without converging.
	StateExhausted

	// StateFailed means a transport failure or cancellation ended the run.
	StateFailed
)

// String returns the lower-case state name used in logs, metrics and the
// persisted run record.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateConverged:
		return "converged"
	case StateExhausted:
		return "exhausted"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further turns follow.
func (s State) Terminal() bool { return s != StateRunning }

// tracker is the convergence state machine. It is mutated once per turn and
// discarded when the run ends.
type tracker struct {
	maxTurns     int
	minScore     int
	stableRounds int

	turns  int
	stable int
	state  State
	reason string
}

func newTracker(maxTurns, minScore, stableRounds int) *tracker {
	return &tracker{maxTurns: maxTurns, minScore: minScore, stableRounds: stableRounds}
}

// observe folds one completed turn into the tracker and returns the resulting
// state. A nil score counts as 0. Convergence is checked before exhaustion.
func (t *tracker) observe(score *int) State {
	if t.state.Terminal() {
		return t.state
	}
	t.turns++
	v := 0
	if score != nil {
		v = *score
	}
	if v >= t.minScore {
		t.stable++
	} else {
		t.stable = 0
	}

	switch {
	case t.stable >= t.stableRounds:
		t.state = StateConverged
		t.reason = fmt.Sprintf("satisfaction stayed at or above %d for %d consecutive turns", t.minScore, t.stableRounds)
	case t.turns >= t.maxTurns:
		t.state = StateExhausted
		t.reason = fmt.Sprintf("reached max_turns = %d without converging", t.maxTurns)
	}
	return t.state
}

// fail moves the tracker to StateFailed with reason.
func (t *tracker) fail(reason string) {
	if t.state.Terminal() {
		return
	}
	t.state = StateFailed
	t.reason = reason
}
