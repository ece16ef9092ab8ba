package inference

import (
	"errors"
	"testing"
)

func TestExtractObject(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		wantReply string
		wantErr   bool
	}{
		{name: "plain object", text: `{"reply":"ok","satisfaction":80}`, wantReply: "ok"},
		{name: "surrounding whitespace", text: "\n  {\"reply\":\"ok\"}\n", wantReply: "ok"},
		{name: "json fence", text: "```json\n{\"reply\":\"fenced\"}\n```", wantReply: "fenced"},
		{name: "bare fence", text: "```\n{\"reply\":\"bare\"}\n```", wantReply: "bare"},
		{name: "reasoning block", text: "<think>\nI should agree {maybe}.\n</think>\n{\"reply\":\"thought\"}", wantReply: "thought"},
		{name: "prose around object", text: `Sure! Here it is: {"reply":"inner","key_points":["a"]} Hope that helps.`, wantReply: "inner"},
		{name: "nested braces", text: `noise {"reply":"n","meta":{"x":1}} tail`, wantReply: "n"},
		{name: "no object", text: "I refuse to answer in JSON.", wantErr: true},
		{name: "array", text: `["reply"]`, wantErr: true},
		{name: "null", text: "null", wantErr: true},
		{name: "broken object", text: `{"reply": "unterminated`, wantErr: true},
		{name: "empty", text: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj, err := ExtractObject(tt.text)
			if tt.wantErr {
				if !errors.Is(err, ErrStructuredParse) {
					t.Fatalf("err = %v, want ErrStructuredParse", err)
				}
				if obj != nil {
					t.Errorf("obj = %v, want nil on failure", obj)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got, _ := obj["reply"].(string); got != tt.wantReply {
				t.Errorf("reply = %q, want %q", got, tt.wantReply)
			}
		})
	}
}

func TestStripReasoning(t *testing.T) {
	got := StripReasoning("<THINK>a\nb</THINK> answer <think>c</think>")
	if got != "answer" {
		t.Errorf("StripReasoning = %q, want %q", got, "answer")
	}
}
