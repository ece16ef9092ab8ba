package agent

import "fmt"

// OutputContract is appended to every system prompt and describes the JSON
// object each reply must consist of.
const OutputContract = `Output strict JSON only, with no extra text or punctuation.
JSON schema:
{
  "reply": "answer as \"Reasoning summary: ...\" followed by \"Conclusion: ...\"",
  "satisfaction": integer 0-100,
  "key_points": ["key point of this turn", "another key point"],
  "needs_from_other": "what the other side should answer or clarify next turn"
}
The reply must contain both a reasoning summary and a conclusion; do not spell out your full thought process.
Safety: never encourage self-harm or give dangerous instructions. If the discussion touches on despair, point toward general support resources.`

// StrictReminder is the extra system message sent when re-asking after a
// malformed reply.
const StrictReminder = "Important: output strict JSON only, without a single extra character."

// malformedNote prefixes the other agent's raw output when its previous turn
// could not be parsed.
const malformedNote = "(Note: the other side's previous output was not valid JSON; the raw output follows.)"

// Default speaker names.
const (
	NameA = "Agent A"
	NameB = "Agent B"
)

// DefaultTopic is discussed when none is configured.
const DefaultTopic = "the meaning of life"

// DefaultAgentA returns the existentialist persona.
func DefaultAgentA() Config {
	return Config{
		Name: NameA,
		Instructions: "You are Agent A. You lean existentialist and value subjective experience and free choice, " +
			"but you avoid empty phrases and must propose actionable rules for living. " +
			"The topic is given by a system message. Each turn output JSON only, with no extra characters.",
	}
}

// DefaultAgentB returns the pragmatist persona.
func DefaultAgentB() Config {
	return Config{
		Name: NameB,
		Instructions: "You are Agent B. You lean pragmatist and think in systems; you ask for methods that can be " +
			"verified and put into practice while staying empathetic. " +
			"The topic is given by a system message. Each turn output JSON only, with no extra characters.",
	}
}

// OpeningPrompt returns the first user message for topic.
func OpeningPrompt(topic string) string {
	return fmt.Sprintf("Please start the discussion. Topic: %s.", topic)
}
