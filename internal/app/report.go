package app

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/MrWong99/parley/internal/agent/orchestrator"
	"github.com/MrWong99/parley/internal/transcript"
)

// reasonWindow is the number of recent well-formed turns inspected when
// explaining why a run did not converge, and reasonItems how many needs and
// points each explanation quotes.
const (
	reasonWindow = 10
	reasonItems  = 5
)

// Conclusion is an agent's position at the end of a run, taken from its last
// well-formed turn.
type Conclusion struct {
	Speaker string

	// Points are the key points of that turn, or its reply text when it
	// listed none. Empty when Valid is false.
	Points []string

	// Valid is false when the agent produced no well-formed turn.
	Valid bool
}

// Report summarises a finished run for the operator.
type Report struct {
	RunID  string
	State  orchestrator.State
	Reason string
	Turns  int

	Conclusions [2]Conclusion

	// Consensus is the union of both conclusions' key points, first
	// occurrence kept.
	Consensus []string

	// Unmet explains a run that did not converge. Nil for converged runs.
	Unmet []string
}

// BuildReport derives the final report of res. nameA and nameB fix the
// order of the conclusions.
func BuildReport(res orchestrator.Result, nameA, nameB string) Report {
	r := Report{
		RunID:  res.RunID,
		State:  res.State,
		Reason: res.Reason,
		Turns:  len(res.Turns),
	}
	for i, name := range [2]string{nameA, nameB} {
		r.Conclusions[i] = conclusionOf(name, res.Turns)
	}

	seen := make(map[string]bool)
	for _, c := range r.Conclusions {
		if !c.Valid {
			continue
		}
		last, _ := lastValid(c.Speaker, res.Turns)
		for _, p := range last.KeyPoints {
			if !seen[p] {
				seen[p] = true
				r.Consensus = append(r.Consensus, p)
			}
		}
	}

	if res.State != orchestrator.StateConverged {
		r.Unmet = unmetReasons(res.Turns)
	}
	return r
}

func lastValid(speaker string, turns []transcript.Turn) (transcript.Turn, bool) {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Speaker == speaker && !turns[i].Malformed() {
			return turns[i], true
		}
	}
	return transcript.Turn{}, false
}

func conclusionOf(speaker string, turns []transcript.Turn) Conclusion {
	t, ok := lastValid(speaker, turns)
	if !ok {
		return Conclusion{Speaker: speaker}
	}
	c := Conclusion{Speaker: speaker, Valid: true}
	switch {
	case len(t.KeyPoints) > 0:
		c.Points = append([]string(nil), t.KeyPoints...)
	case t.Reply != "":
		c.Points = []string{t.Reply}
	}
	return c
}

// unmetReasons infers why the agents did not converge from the open needs
// and the key points of the most recent well-formed turns.
func unmetReasons(turns []transcript.Turn) []string {
	var recent []transcript.Turn
	for _, t := range turns {
		if !t.Malformed() {
			recent = append(recent, t)
		}
	}
	recent = recent[max(0, len(recent)-reasonWindow):]

	var needs, points []string
	for _, t := range recent {
		needs = append(needs, t.NeedsFromOther...)
		points = append(points, t.KeyPoints...)
	}

	var reasons []string
	if len(needs) > 0 {
		reasons = append(reasons, "open requests remained unanswered: "+strings.Join(tail(needs, reasonItems), "; "))
	}
	if len(points) > 0 {
		reasons = append(reasons, "the latest key points had not settled on one direction: "+strings.Join(tail(points, reasonItems), "; "))
	}
	if len(reasons) == 0 {
		reasons = append(reasons, "recent turns did not raise both agents' satisfaction together")
	}
	return reasons
}

func tail(s []string, n int) []string {
	return s[max(0, len(s)-n):]
}

// WriteTo renders the report as plain text.
func (r Report) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	b.WriteString("\n=== Final Report ===\n")
	for _, c := range r.Conclusions {
		fmt.Fprintf(&b, "\n%s final conclusion:\n", c.Speaker)
		switch {
		case !c.Valid:
			b.WriteString("- no valid conclusion (no reply could be parsed)\n")
		case len(c.Points) == 0:
			b.WriteString("- (no content)\n")
		default:
			for _, p := range c.Points {
				fmt.Fprintf(&b, "- %s\n", p)
			}
		}
	}

	b.WriteString("\nConsensus summary:\n")
	if len(r.Consensus) == 0 {
		b.WriteString("- no consensus points yet\n")
	}
	for _, p := range r.Consensus {
		fmt.Fprintf(&b, "- %s\n", p)
	}

	if len(r.Unmet) > 0 {
		b.WriteString("\nWhy the target was not reached (inferred):\n")
		for _, reason := range r.Unmet {
			fmt.Fprintf(&b, "- %s\n", reason)
		}
	}

	fmt.Fprintf(&b, "\nStop reason: %s (%s after %d turns)\n", r.Reason, r.State, r.Turns)
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

// TurnPrinter returns an observer that writes every turn to w as it
// completes.
func TurnPrinter(w io.Writer) orchestrator.TurnObserver {
	return func(_ context.Context, t transcript.Turn) {
		score := "n/a"
		if t.Satisfaction != nil {
			score = fmt.Sprint(*t.Satisfaction)
		}
		fmt.Fprintf(w, "\n[%d] %s (satisfaction: %s)\n%s\n", t.Index, t.Speaker, score, t.Content())
	}
}
