package inference

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	reasoningBlock = regexp.MustCompile(`(?is)<think>.*?</think>`)
	codeFence      = regexp.MustCompile("(?s)^```[A-Za-z0-9_-]*\\s*(.*?)\\s*```$")
)

// StripReasoning removes <think>…</think> blocks that reasoning models emit
// ahead of their answer, and trims surrounding whitespace.
func StripReasoning(text string) string {
	return strings.TrimSpace(reasoningBlock.ReplaceAllString(text, ""))
}

// ExtractObject recovers a JSON object from model output. It strips reasoning
// blocks and a surrounding Markdown fence, tries to decode the remainder, and
// then falls back to the outermost {…} span. Returns [ErrStructuredParse]
// when neither yields an object.
func ExtractObject(text string) (map[string]any, error) {
	s := StripReasoning(text)
	if m := codeFence.FindStringSubmatch(s); m != nil {
		s = m[1]
	}

	if obj := decodeObject(s); obj != nil {
		return obj, nil
	}

	start, end := strings.Index(s, "{"), strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		if obj := decodeObject(s[start : end+1]); obj != nil {
			return obj, nil
		}
	}
	return nil, ErrStructuredParse
}

func decodeObject(s string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil
	}
	return obj
}
