package app_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/MrWong99/parley/internal/agent/orchestrator"
	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/transcript"
)

func valid(i int, speaker, reply string, points, needs []string) transcript.Turn {
	score := 50
	return transcript.Turn{Index: i, Speaker: speaker, Text: "{}", Reply: reply, Satisfaction: &score, KeyPoints: points, NeedsFromOther: needs}
}

func malformed(i int, speaker string) transcript.Turn {
	return transcript.Turn{Index: i, Speaker: speaker, Text: "not json", ParseError: "malformed reply"}
}

func TestBuildReport_Conclusions(t *testing.T) {
	t.Parallel()
	res := orchestrator.Result{
		RunID:  "r",
		State:  orchestrator.StateConverged,
		Reason: "satisfaction stayed at or above 95 for 2 consecutive turns",
		Turns: []transcript.Turn{
			valid(1, "A", "early", []string{"old"}, nil),
			valid(2, "B", "only a reply", nil, nil),
			valid(3, "A", "late", []string{"rest daily", "walk"}, nil),
			malformed(4, "B"),
		},
	}

	r := app.BuildReport(res, "A", "B")

	if got := r.Conclusions[0]; !got.Valid || strings.Join(got.Points, ",") != "rest daily,walk" {
		t.Errorf("A conclusion = %+v, want the last valid turn's key points", got)
	}
	if got := r.Conclusions[1]; !got.Valid || len(got.Points) != 1 || got.Points[0] != "only a reply" {
		t.Errorf("B conclusion = %+v, want the reply of its last valid turn", got)
	}
	if r.Unmet != nil {
		t.Errorf("Unmet = %v, want nil for a converged run", r.Unmet)
	}
	if r.Turns != 4 {
		t.Errorf("Turns = %d", r.Turns)
	}
}

func TestBuildReport_ConsensusDeduplicates(t *testing.T) {
	t.Parallel()
	res := orchestrator.Result{
		State: orchestrator.StateConverged,
		Turns: []transcript.Turn{
			valid(1, "A", "x", []string{"sleep", "walk"}, nil),
			valid(2, "B", "y", []string{"walk", "read"}, nil),
		},
	}
	r := app.BuildReport(res, "A", "B")
	if got := strings.Join(r.Consensus, ","); got != "sleep,walk,read" {
		t.Errorf("Consensus = %q", got)
	}
}

func TestBuildReport_NoValidTurns(t *testing.T) {
	t.Parallel()
	res := orchestrator.Result{
		State:  orchestrator.StateExhausted,
		Reason: "reached max_turns = 2 without converging",
		Turns:  []transcript.Turn{malformed(1, "A"), malformed(2, "B")},
	}
	r := app.BuildReport(res, "A", "B")

	if r.Conclusions[0].Valid || r.Conclusions[1].Valid {
		t.Error("malformed turns must not yield conclusions")
	}
	if len(r.Consensus) != 0 {
		t.Errorf("Consensus = %v", r.Consensus)
	}
	if len(r.Unmet) != 1 || !strings.Contains(r.Unmet[0], "satisfaction") {
		t.Errorf("Unmet = %v, want the generic reason", r.Unmet)
	}
}

func TestBuildReport_UnmetReasonsUseRecentTurns(t *testing.T) {
	t.Parallel()
	var turns []transcript.Turn
	for i := 1; i <= 14; i++ {
		speaker := "A"
		if i%2 == 0 {
			speaker = "B"
		}
		turns = append(turns, valid(i, speaker, "r", []string{fmt.Sprintf("p%d", i)}, []string{fmt.Sprintf("n%d", i)}))
	}
	turns = append(turns, malformed(15, "A"))

	r := app.BuildReport(orchestrator.Result{State: orchestrator.StateFailed, Turns: turns}, "A", "B")

	if len(r.Unmet) != 2 {
		t.Fatalf("Unmet = %v, want needs and points", r.Unmet)
	}
	if !strings.HasSuffix(r.Unmet[0], "n10; n11; n12; n13; n14") {
		t.Errorf("needs reason = %q, want the last five needs", r.Unmet[0])
	}
	if !strings.HasSuffix(r.Unmet[1], "p10; p11; p12; p13; p14") {
		t.Errorf("points reason = %q, want the last five points", r.Unmet[1])
	}
}

func TestReport_WriteTo(t *testing.T) {
	t.Parallel()
	r := app.Report{
		State:  orchestrator.StateExhausted,
		Reason: "reached max_turns = 4 without converging",
		Turns:  4,
		Conclusions: [2]app.Conclusion{
			{Speaker: "Agent A", Valid: true, Points: []string{"act daily"}},
			{Speaker: "Agent B"},
		},
		Unmet: []string{"open requests remained unanswered: data"},
	}
	var b strings.Builder
	n, err := r.WriteTo(&b)
	if err != nil || int(n) != b.Len() {
		t.Fatalf("WriteTo = %d, %v", n, err)
	}
	out := b.String()
	for _, want := range []string{
		"=== Final Report ===",
		"Agent A final conclusion:\n- act daily",
		"Agent B final conclusion:\n- no valid conclusion",
		"Consensus summary:\n- no consensus points yet",
		"(inferred):\n- open requests remained unanswered: data",
		"Stop reason: reached max_turns = 4 without converging (exhausted after 4 turns)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output misses %q:\n%s", want, out)
		}
	}
}
