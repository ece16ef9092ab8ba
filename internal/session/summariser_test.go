package session

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/MrWong99/parley/internal/inference"
	infmock "github.com/MrWong99/parley/internal/inference/mock"
	"github.com/MrWong99/parley/internal/transcript"
	"github.com/MrWong99/parley/pkg/provider/llm"
)

func TestLLMSummariser_Summarise(t *testing.T) {
	t.Run("no new turns makes no call", func(t *testing.T) {
		c := &infmock.Completer{}
		s := NewLLMSummariser(c)

		got, err := s.Summarise(context.Background(), []string{"a", "b", "c"}, nil, 2)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !reflect.DeepEqual(got, []string{"b", "c"}) {
			t.Errorf("points = %v", got)
		}
		if len(c.Calls()) != 0 {
			t.Errorf("expected no calls, got %d", len(c.Calls()))
		}
	})

	t.Run("sends prior points and turns", func(t *testing.T) {
		c := &infmock.Completer{Script: []infmock.Step{
			{Reply: infmock.Text("<think>hmm</think>\n- tea is good\n- coffee disputed\n- needs evidence")},
		}}
		s := NewLLMSummariser(c, WithSummaryModel("small-model"), WithSummaryMaxTokens(200))

		turns := []transcript.Turn{
			{Index: 3, Speaker: "Agent A", Reply: "Tea calms."},
			{Index: 4, Speaker: "Agent B", Text: "raw only", ParseError: "bad"},
		}
		got, err := s.Summarise(context.Background(), []string{"started"}, turns, 2)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !reflect.DeepEqual(got, []string{"coffee disputed", "needs evidence"}) {
			t.Errorf("points = %v, want last 2 bullets", got)
		}

		calls := c.Calls()
		if len(calls) != 1 {
			t.Fatalf("calls = %d, want 1", len(calls))
		}
		req := calls[0].Req
		if req.Model != "small-model" || req.MaxTokens != 200 || req.ResponseFormat != llm.FormatText {
			t.Errorf("request = %+v", req)
		}
		if req.Messages[0].Role != llm.RoleSystem || req.Messages[0].Content != summarisationPrompt {
			t.Errorf("first message = %+v", req.Messages[0])
		}
		body := req.Messages[1].Content
		for _, want := range []string{"- started", "[Agent A]: Tea calms.", "[Agent B]: raw only", "at most 2"} {
			if !strings.Contains(body, want) {
				t.Errorf("user message missing %q:\n%s", want, body)
			}
		}
	})

	t.Run("inference error is wrapped", func(t *testing.T) {
		te := &inference.TransportError{Op: "complete", Timeout: true, Err: inference.ErrReadTimeout}
		c := &infmock.Completer{Script: []infmock.Step{{Err: te}}}
		_, err := NewLLMSummariser(c).Summarise(context.Background(), nil, makeTurns(1), 3)
		if !errors.Is(err, inference.ErrReadTimeout) {
			t.Errorf("err = %v, want wrapped read timeout", err)
		}
	})

	t.Run("empty output is an error", func(t *testing.T) {
		c := &infmock.Completer{Script: []infmock.Step{{Reply: infmock.Text("  \n")}}}
		if _, err := NewLLMSummariser(c).Summarise(context.Background(), nil, makeTurns(1), 3); err == nil {
			t.Error("expected error for empty summary")
		}
	})
}

func TestParseBullets(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"dashes", "- a\n- b", []string{"a", "b"}},
		{"mixed markers", "* a\n• b\n1. c\n2) d", []string{"a", "b", "c", "d"}},
		{"heading ignored when bullets exist", "Summary:\n- a\n\n- b", []string{"a", "b"}},
		{"plain lines", "first point\nsecond point", []string{"first point", "second point"}},
		{"fenced", "```\n- a\n```", []string{"a"}},
		{"empty bullet dropped", "- \n- a", []string{"a"}},
		{"empty", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseBullets(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseBullets(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestKeyPointSummariser(t *testing.T) {
	turns := []transcript.Turn{
		{Index: 1, Speaker: "Agent A", KeyPoints: []string{"k1", "k2"}, Reply: "ignored"},
		{Index: 2, Speaker: "Agent B", Reply: "reply only"},
		{Index: 3, Speaker: "Agent A", Text: "junk", ParseError: "bad", KeyPoints: []string{"never"}},
		{Index: 4, Speaker: "Agent B"},
	}
	got, err := KeyPointSummariser{}.Summarise(context.Background(), []string{"p0"}, turns, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"k1", "k2", "reply only"}) {
		t.Errorf("points = %v", got)
	}
}
