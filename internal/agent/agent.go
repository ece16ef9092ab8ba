// Package agent defines the static configuration of a conversation
// participant and the pure function that turns it, together with the shared
// conversation history, into an inference request.
//
// The request layout is fixed:
//
//   - the system prompt (persona, JSON output contract, optional language and
//     role supplement);
//   - an optional strict-JSON reminder used when re-asking after a malformed
//     reply;
//   - the topic and the running summary as further system messages;
//   - the recent turns, the agent's own as "assistant" and the other agent's
//     as "user" prefixed with "<name> says:". With no turns yet the opening
//     prompt is sent instead.
//
// This package lives under internal/ because the message contract is private
// to the conversation runner.
package agent

import (
	"fmt"
	"strings"

	"github.com/MrWong99/parley/internal/transcript"
	"github.com/MrWong99/parley/pkg/provider/llm"
)

// Params holds the sampling parameters forwarded with every request. Zero
// values mean the provider default.
type Params struct {
	Temperature float64
	MaxTokens   int
	TopP        float64
}

// Config describes one participant. It is immutable once the run starts.
type Config struct {
	// Name is the display name used as the speaker label, e.g. "Agent A".
	Name string

	// Instructions is the persona text placed at the top of the system
	// prompt.
	Instructions string

	// Role is an optional supplement appended to the system prompt.
	Role string

	// Language, when set, asks the agent to reply in that language.
	Language string

	// Model overrides the provider's default model. Empty means the default.
	Model string

	Params Params
}

// SystemPrompt renders the complete system message for the agent.
func (c *Config) SystemPrompt() string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(c.Instructions))
	if c.Language != "" {
		fmt.Fprintf(&sb, "\nAll replies must be written in %s.", c.Language)
	}
	sb.WriteString("\n")
	sb.WriteString(OutputContract)
	if role := strings.TrimSpace(c.Role); role != "" {
		fmt.Fprintf(&sb, "\nRole supplement: %s", role)
	}
	return sb.String()
}

// History is the conversation state a request is built from.
type History struct {
	// Topic is sent as a system message when non-empty.
	Topic string

	// OpeningPrompt is sent as the only user message when Turns is empty.
	OpeningPrompt string

	// Summary is the rendered bullet summary of turns older than Turns.
	Summary string

	// Turns are the recent turns replayed verbatim, oldest first.
	Turns []transcript.Turn

	// Strict adds the strict-JSON reminder after the system prompt.
	Strict bool
}

// BuildRequest assembles the structured completion request for cfg. It has no
// side effects.
func BuildRequest(cfg *Config, hist History) llm.CompletionRequest {
	msgs := make([]llm.Message, 0, len(hist.Turns)+4)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: cfg.SystemPrompt()})
	if hist.Strict {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: StrictReminder})
	}
	if hist.Topic != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: "Topic: " + hist.Topic})
	}
	if hist.Summary != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: "Conversation summary:\n" + hist.Summary})
	}

	if len(hist.Turns) == 0 {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: hist.OpeningPrompt})
	}
	for _, t := range hist.Turns {
		if t.Speaker == cfg.Name {
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: t.Text})
			continue
		}
		content := t.Text
		if t.Malformed() {
			content = malformedNote + "\n" + content
		}
		msgs = append(msgs, llm.Message{
			Role:    llm.RoleUser,
			Content: t.Speaker + " says:\n" + content,
			Name:    t.Speaker,
		})
	}

	return llm.CompletionRequest{
		Model:          cfg.Model,
		Messages:       msgs,
		Temperature:    cfg.Params.Temperature,
		TopP:           cfg.Params.TopP,
		MaxTokens:      cfg.Params.MaxTokens,
		ResponseFormat: llm.FormatJSON,
	}
}
