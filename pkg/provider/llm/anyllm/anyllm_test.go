package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

// ── convertMessage ────────────────────────────────────────────────────────────

func TestConvertMessage(t *testing.T) {
	tests := []llm.Message{
		{Role: llm.RoleSystem, Content: "You are Agent B."},
		{Role: llm.RoleUser, Content: "Agent A says:\n{}", Name: "agent_a"},
		{Role: llm.RoleAssistant, Content: `{"reply":"ok"}`},
	}
	for _, m := range tests {
		t.Run(m.Role, func(t *testing.T) {
			got := convertMessage(m)
			if got.Role != m.Role {
				t.Errorf("role = %q, want %q", got.Role, m.Role)
			}
			if got.ContentString() != m.Content {
				t.Errorf("content = %q, want %q", got.ContentString(), m.Content)
			}
			if got.Name != m.Name {
				t.Errorf("name = %q, want %q", got.Name, m.Name)
			}
		})
	}
}

// ── buildParams ───────────────────────────────────────────────────────────────

func TestBuildParams(t *testing.T) {
	p := &Provider{model: "claude-sonnet-4-5"}
	params := p.buildParams(llm.CompletionRequest{
		Messages:       []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
		Temperature:    0.4,
		MaxTokens:      512,
		ResponseFormat: llm.FormatJSON,
	})
	if params.Model != "claude-sonnet-4-5" {
		t.Errorf("model = %q", params.Model)
	}
	if params.Temperature == nil || *params.Temperature != 0.4 {
		t.Errorf("temperature = %v, want 0.4", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 512 {
		t.Errorf("max tokens = %v, want 512", params.MaxTokens)
	}
	if len(params.Messages) != 1 {
		t.Errorf("messages = %d, want 1", len(params.Messages))
	}
}

func TestBuildParams_ModelOverrideAndDefaults(t *testing.T) {
	p := &Provider{model: "default"}
	params := p.buildParams(llm.CompletionRequest{
		Model:    "override",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if params.Model != "override" {
		t.Errorf("model = %q, want override", params.Model)
	}
	if params.Temperature != nil || params.MaxTokens != nil {
		t.Error("zero temperature and max tokens must be left unset")
	}
}

// ── modelCapabilities ─────────────────────────────────────────────────────────

func TestModelCapabilities(t *testing.T) {
	tests := []struct {
		model   string
		context int
		output  int
	}{
		{"gpt-4o-mini", 128_000, 16_384},
		{"gpt-4", 8_192, 4_096},
		{"o1-mini", 128_000, 65_536},
		{"claude-3-opus-latest", 200_000, 4_096},
		{"Claude-Sonnet-4-5", 200_000, 8_192},
		{"gemini-1.5-pro", 2_097_152, 8_192},
		{"gemini-2.5-flash", 1_048_576, 8_192},
		{"deepseek-chat", 64_000, 8_192},
		{"unknown-model", 128_000, 4_096},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			caps := modelCapabilities(tt.model)
			if caps.ContextWindow != tt.context || caps.MaxOutputTokens != tt.output {
				t.Errorf("caps = %+v, want context %d output %d", caps, tt.context, tt.output)
			}
			if !caps.SupportsStreaming {
				t.Error("SupportsStreaming should be true")
			}
			if caps.SupportsJSONMode {
				t.Error("SupportsJSONMode should be false for any-llm backends")
			}
		})
	}
}

// ── Constructor ───────────────────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "m"); err == nil {
		t.Error("expected error for empty providerName")
	}
	if _, err := New("anthropic", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("fakecloud", "m", anyllmlib.WithAPIKey("dummy")); err == nil {
		t.Error("expected error for unsupported provider")
	}
}

func TestNew_WithAPIKey(t *testing.T) {
	for _, name := range []string{"anthropic", "openai"} {
		t.Run(name, func(t *testing.T) {
			p, err := New(name, "some-model", anyllmlib.WithAPIKey("test-key"))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.model != "some-model" {
				t.Errorf("model = %q", p.model)
			}
		})
	}
}

func TestNew_OllamaNeedsNoKey(t *testing.T) {
	if _, err := New("ollama", "llama3"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCountTokens(t *testing.T) {
	p := &Provider{model: "claude-sonnet-4-5"}
	n, err := p.CountTokens([]llm.Message{{Role: llm.RoleUser, Content: "12345678"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n <= 2 {
		t.Errorf("CountTokens = %d, want more than the raw content estimate", n)
	}
}
