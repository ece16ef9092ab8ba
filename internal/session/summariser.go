// Package session keeps the replayed conversation context bounded.
//
// A [Window] holds the last keep_last turns verbatim and folds everything
// older into a bullet-point [SummaryState] produced by a [Summariser].
// [LLMSummariser] asks a model for the bullets; [KeyPointSummariser] builds
// them deterministically from the structured key points of each turn.
// [StoreGuard] makes transcript persistence best effort.
//
// All exported types are safe for concurrent use.
package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/MrWong99/parley/internal/inference"
	"github.com/MrWong99/parley/internal/transcript"
	"github.com/MrWong99/parley/pkg/provider/llm"
)

// summarisationPrompt is the system prompt sent to the model when folding
// older turns into the running summary.
const summarisationPrompt = `You maintain the running summary of a discussion between two agents.
You receive the current summary bullets and the turns that happened since.
Return an updated summary as a Markdown bullet list, one point per line, each starting with "- ".
Keep agreements, open disagreements, concrete proposals and outstanding requests.
Drop repetition and pleasantries. Output the list only.`

// Summariser folds turns into a bounded list of summary points.
type Summariser interface {
	// Summarise returns the updated points given the prior points and the
	// turns not yet covered. The result must hold at most maxPoints entries.
	Summarise(ctx context.Context, prior []string, turns []transcript.Turn, maxPoints int) ([]string, error)
}

// LLMSummariser summarises with a language model.
type LLMSummariser struct {
	llm         inference.Completer
	model       string
	temperature float64
	maxTokens   int
}

// LLMSummariserOption configures an [LLMSummariser].
type LLMSummariserOption func(*LLMSummariser)

// WithSummaryModel overrides the model used for summarisation.
func WithSummaryModel(model string) LLMSummariserOption {
	return func(s *LLMSummariser) { s.model = model }
}

// WithSummaryMaxTokens caps the summary response length.
func WithSummaryMaxTokens(n int) LLMSummariserOption {
	return func(s *LLMSummariser) { s.maxTokens = n }
}

// NewLLMSummariser creates a new [LLMSummariser] backed by completer.
func NewLLMSummariser(completer inference.Completer, opts ...LLMSummariserOption) *LLMSummariser {
	s := &LLMSummariser{llm: completer, temperature: 0.3}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Summarise implements [Summariser]. With nothing new to fold in the prior
// points are returned unchanged and no model call is made.
func (s *LLMSummariser) Summarise(ctx context.Context, prior []string, turns []transcript.Turn, maxPoints int) ([]string, error) {
	if len(turns) == 0 {
		return lastN(prior, maxPoints), nil
	}

	var sb strings.Builder
	sb.WriteString("Current summary:\n")
	if len(prior) == 0 {
		sb.WriteString("(none)\n")
	}
	for _, p := range prior {
		fmt.Fprintf(&sb, "- %s\n", p)
	}
	sb.WriteString("\nNew turns:\n")
	for _, t := range turns {
		fmt.Fprintf(&sb, "[%s]: %s\n", t.Speaker, t.Content())
	}
	fmt.Fprintf(&sb, "\nReturn at most %d bullet points.", maxPoints)

	reply, err := s.llm.Complete(ctx, llm.CompletionRequest{
		Model: s.model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: summarisationPrompt},
			{Role: llm.RoleUser, Content: sb.String()},
		},
		Temperature: s.temperature,
		MaxTokens:   s.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("summarise: %w", err)
	}

	points := ParseBullets(inference.StripReasoning(reply.Text))
	if len(points) == 0 {
		return nil, errors.New("summarise: model returned no summary points")
	}
	return lastN(points, maxPoints), nil
}

var bulletPrefix = regexp.MustCompile(`^(?:[-*•]|\d+[.)])\s+`)

// ParseBullets extracts list items from a Markdown-style list. When the text
// contains no bullet markers, every non-empty line counts as one point.
func ParseBullets(text string) []string {
	var bullets, plain []string
	for line := range strings.SplitSeq(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "```") {
			continue
		}
		if loc := bulletPrefix.FindStringIndex(line); loc != nil {
			if item := strings.TrimSpace(line[loc[1]:]); item != "" {
				bullets = append(bullets, item)
			}
			continue
		}
		plain = append(plain, line)
	}
	if len(bullets) > 0 {
		return bullets
	}
	return plain
}

// KeyPointSummariser builds the summary from the structured key_points of
// each turn, falling back to the reply text when a turn listed none.
// Malformed turns contribute nothing. It never calls a model and never fails.
type KeyPointSummariser struct{}

// Summarise implements [Summariser].
func (KeyPointSummariser) Summarise(_ context.Context, prior []string, turns []transcript.Turn, maxPoints int) ([]string, error) {
	points := append([]string(nil), prior...)
	for _, t := range turns {
		if t.Malformed() {
			continue
		}
		if len(t.KeyPoints) > 0 {
			points = append(points, t.KeyPoints...)
			continue
		}
		if t.Reply != "" {
			points = append(points, t.Reply)
		}
	}
	return lastN(points, maxPoints), nil
}

// lastN returns a copy of the last n elements of s.
func lastN(s []string, n int) []string {
	if n > 0 && len(s) > n {
		s = s[len(s)-n:]
	}
	return append([]string(nil), s...)
}

var (
	_ Summariser = (*LLMSummariser)(nil)
	_ Summariser = KeyPointSummariser{}
)
