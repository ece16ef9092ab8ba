package agent

import (
	"strings"
	"testing"

	"github.com/MrWong99/parley/internal/transcript"
	"github.com/MrWong99/parley/pkg/provider/llm"
)

func roles(msgs []llm.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}

func TestBuildRequest_OpeningTurn(t *testing.T) {
	cfg := DefaultAgentA()
	cfg.Model = "qwen3:14b"
	cfg.Params = Params{Temperature: 0.7, MaxTokens: 512, TopP: 0.9}

	req := BuildRequest(&cfg, History{Topic: "tea", OpeningPrompt: OpeningPrompt("tea")})

	if req.ResponseFormat != llm.FormatJSON {
		t.Errorf("ResponseFormat = %q, want json", req.ResponseFormat)
	}
	if req.Model != "qwen3:14b" || req.Temperature != 0.7 || req.MaxTokens != 512 || req.TopP != 0.9 {
		t.Errorf("params not forwarded: %+v", req)
	}
	want := []string{llm.RoleSystem, llm.RoleSystem, llm.RoleUser}
	if got := roles(req.Messages); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("roles = %v, want %v", got, want)
	}
	if req.Messages[1].Content != "Topic: tea" {
		t.Errorf("topic message = %q", req.Messages[1].Content)
	}
	if req.Messages[2].Content != "Please start the discussion. Topic: tea." {
		t.Errorf("opening prompt = %q", req.Messages[2].Content)
	}
}

func TestBuildRequest_HistoryRoles(t *testing.T) {
	cfg := DefaultAgentB()
	turns := []transcript.Turn{
		{Index: 1, Speaker: NameA, Text: `{"reply":"hello"}`},
		{Index: 2, Speaker: NameB, Text: `{"reply":"hi"}`},
		{Index: 3, Speaker: NameA, Text: "not json", ParseError: "no JSON object"},
	}

	req := BuildRequest(&cfg, History{
		Topic:         "tea",
		OpeningPrompt: "ignored",
		Summary:       "- earlier point",
		Turns:         turns,
	})

	want := []string{llm.RoleSystem, llm.RoleSystem, llm.RoleSystem, llm.RoleUser, llm.RoleAssistant, llm.RoleUser}
	if got := roles(req.Messages); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("roles = %v, want %v", got, want)
	}
	if got := req.Messages[2].Content; got != "Conversation summary:\n- earlier point" {
		t.Errorf("summary message = %q", got)
	}
	if got := req.Messages[3].Content; got != "Agent A says:\n{\"reply\":\"hello\"}" {
		t.Errorf("other agent turn = %q", got)
	}
	if req.Messages[3].Name != NameA {
		t.Errorf("Name = %q, want %q", req.Messages[3].Name, NameA)
	}
	if got := req.Messages[4].Content; got != `{"reply":"hi"}` {
		t.Errorf("own turn = %q, want raw output", got)
	}
	malformed := req.Messages[5].Content
	if !strings.HasPrefix(malformed, "Agent A says:\n"+malformedNote) || !strings.HasSuffix(malformed, "not json") {
		t.Errorf("malformed turn = %q", malformed)
	}
	for _, m := range req.Messages {
		if m.Content == "ignored" {
			t.Error("opening prompt must not be sent once history exists")
		}
	}
}

func TestBuildRequest_StrictAndEmptyOptionals(t *testing.T) {
	cfg := Config{Name: "X", Instructions: "persona"}

	req := BuildRequest(&cfg, History{Strict: true, OpeningPrompt: "go"})

	if len(req.Messages) != 3 {
		t.Fatalf("messages = %d, want 3: %+v", len(req.Messages), req.Messages)
	}
	if req.Messages[1].Content != StrictReminder {
		t.Errorf("second message = %q, want strict reminder", req.Messages[1].Content)
	}
	if req.Messages[2].Role != llm.RoleUser || req.Messages[2].Content != "go" {
		t.Errorf("last message = %+v", req.Messages[2])
	}
}

func TestBuildRequest_IsPure(t *testing.T) {
	cfg := DefaultAgentA()
	hist := History{Topic: "t", Turns: []transcript.Turn{{Index: 1, Speaker: NameB, Text: "x"}}}

	a := BuildRequest(&cfg, hist)
	b := BuildRequest(&cfg, hist)
	if len(a.Messages) != len(b.Messages) {
		t.Fatal("repeated builds differ in length")
	}
	for i := range a.Messages {
		if a.Messages[i] != b.Messages[i] {
			t.Errorf("message %d differs: %+v vs %+v", i, a.Messages[i], b.Messages[i])
		}
	}
}

func TestConfig_SystemPrompt(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		contains []string
		absent   []string
	}{
		{
			name:     "defaults",
			cfg:      DefaultAgentA(),
			contains: []string{"existentialist", `"satisfaction": integer 0-100`, "needs_from_other"},
			absent:   []string{"Role supplement", "must be written in"},
		},
		{
			name:     "role and language",
			cfg:      Config{Name: "B", Instructions: "persona", Role: "  a retired judge ", Language: "Traditional Chinese"},
			contains: []string{"Role supplement: a retired judge", "All replies must be written in Traditional Chinese."},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.cfg.SystemPrompt()
			for _, s := range tt.contains {
				if !strings.Contains(got, s) {
					t.Errorf("system prompt missing %q:\n%s", s, got)
				}
			}
			for _, s := range tt.absent {
				if strings.Contains(got, s) {
					t.Errorf("system prompt unexpectedly contains %q", s)
				}
			}
			if !strings.HasSuffix(strings.TrimSpace(got), strings.TrimSpace(tt.cfg.Role)) {
				t.Errorf("role supplement must come last:\n%s", got)
			}
		})
	}
}
