package orchestrator

import (
	"context"
	"testing"

	"pgregory.net/rapid"

	"github.com/MrWong99/parley/internal/inference"
	infmock "github.com/MrWong99/parley/internal/inference/mock"
	"github.com/MrWong99/parley/pkg/provider/llm"
)

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		StateRunning:   "running",
		StateConverged: "converged",
		StateExhausted: "exhausted",
		StateFailed:    "failed",
		State(42):      "State(42)",
	} {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(s), got, want)
		}
	}
	if StateRunning.Terminal() || !StateFailed.Terminal() {
		t.Error("Terminal() is wrong")
	}
}

func TestTracker(t *testing.T) {
	score := func(n int) *int { return &n }

	t.Run("convergence wins over exhaustion on the same turn", func(t *testing.T) {
		tr := newTracker(2, 90, 2)
		tr.observe(score(90))
		if got := tr.observe(score(91)); got != StateConverged {
			t.Errorf("state = %v, want converged", got)
		}
	})

	t.Run("nil score resets", func(t *testing.T) {
		tr := newTracker(10, 90, 2)
		tr.observe(score(95))
		tr.observe(nil)
		if tr.stable != 0 {
			t.Errorf("stable = %d, want 0", tr.stable)
		}
	})

	t.Run("terminal state is sticky", func(t *testing.T) {
		tr := newTracker(1, 90, 5)
		tr.observe(score(10))
		tr.fail("late")
		if tr.observe(score(99)) != StateExhausted || tr.turns != 1 {
			t.Errorf("state = %v, turns = %d", tr.state, tr.turns)
		}
	})
}

// drawScores draws one optional score per potential turn.
func drawScores(rt *rapid.T, n int) []*int {
	scores := make([]*int, n)
	for i := range scores {
		if rapid.Bool().Draw(rt, "has_score") {
			v := rapid.IntRange(0, 100).Draw(rt, "score")
			scores[i] = &v
		}
	}
	return scores
}

func TestRun_Properties(t *testing.T) {
	metrics := testMetrics(t)
	rapid.Check(t, func(rt *rapid.T) {
		maxTurns := rapid.IntRange(1, 25).Draw(rt, "max_turns")
		minSat := rapid.IntRange(0, 100).Draw(rt, "min_sat")
		stable := rapid.IntRange(1, 4).Draw(rt, "stable_rounds")
		scores := drawScores(rt, maxTurns)

		c := &infmock.Completer{CompleteFunc: func(_ context.Context, _ llm.CompletionRequest, call int) (*inference.Reply, error) {
			fields := map[string]any{"reply": "r"}
			if s := scores[call]; s != nil {
				fields["satisfaction"] = *s
			}
			return infmock.JSON(fields), nil
		}}
		a, b := participants(c)
		o, err := New(a, b, Config{MaxTurns: maxTurns, MinSatisfaction: minSat, StableRounds: stable}, WithMetrics(metrics))
		if err != nil {
			rt.Fatalf("New: %v", err)
		}
		res := o.Run(context.Background())

		// Reference model.
		wantState, wantTurns, run := StateExhausted, maxTurns, 0
		for i, s := range scores {
			v := 0
			if s != nil {
				v = *s
			}
			if v >= minSat {
				run++
			} else {
				run = 0
			}
			if run >= stable {
				wantState, wantTurns = StateConverged, i+1
				break
			}
		}

		if res.State != wantState || len(res.Turns) != wantTurns {
			rt.Fatalf("got %v after %d turns, want %v after %d", res.State, len(res.Turns), wantState, wantTurns)
		}
		if len(c.Calls()) != len(res.Turns) {
			rt.Fatalf("calls = %d, turns = %d", len(c.Calls()), len(res.Turns))
		}
		for i, turn := range res.Turns {
			if turn.Index != i+1 {
				rt.Fatalf("turn %d has index %d", i+1, turn.Index)
			}
			if i > 0 && turn.Speaker == res.Turns[i-1].Speaker {
				rt.Fatalf("turn %d repeats speaker %q", i+1, turn.Speaker)
			}
		}
		if res.State == StateConverged {
			for _, turn := range res.Turns[len(res.Turns)-stable:] {
				if turn.Score() < minSat {
					rt.Fatalf("converged but turn %d scored %d < %d", turn.Index, turn.Score(), minSat)
				}
			}
		}
	})
}
