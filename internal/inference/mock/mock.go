// Package mock provides a test double for the inference.Completer interface.
//
// Replies are served in order from a script; each entry yields either a reply
// or an error. CompleteFunc, when set, replaces the script entirely.
//
//	c := &mock.Completer{Script: []mock.Step{
//		{Reply: mock.JSON(map[string]any{"reply": "hi", "satisfaction": 97})},
//		{Err: &inference.TransportError{Op: "complete", Timeout: true}},
//	}}
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/MrWong99/parley/internal/inference"
	"github.com/MrWong99/parley/pkg/provider/llm"
)

// Step is one scripted Complete outcome.
type Step struct {
	Reply *inference.Reply
	Err   error
}

// Call records a single Complete invocation.
type Call struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Completer is a mock implementation of inference.Completer.
type Completer struct {
	mu sync.Mutex

	// CompleteFunc, if set, takes precedence over Script. call is the
	// zero-based index of the invocation.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest, call int) (*inference.Reply, error)

	// Script is consumed in order. Once exhausted, Complete returns an error.
	Script []Step

	calls []Call
}

var _ inference.Completer = (*Completer)(nil)

// Complete records the call and returns the next scripted outcome.
func (c *Completer) Complete(ctx context.Context, req llm.CompletionRequest) (*inference.Reply, error) {
	c.mu.Lock()
	n := len(c.calls)
	c.calls = append(c.calls, Call{Ctx: ctx, Req: req})
	fn := c.CompleteFunc
	c.mu.Unlock()

	if fn != nil {
		return fn(ctx, req, n)
	}
	if err := ctx.Err(); err != nil {
		return nil, &inference.TransportError{Op: "complete", Aborted: true, Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if n >= len(c.Script) {
		return nil, fmt.Errorf("mock: no scripted reply for call %d", n)
	}
	step := c.Script[n]
	return step.Reply, step.Err
}

// Calls returns a snapshot of the recorded invocations.
func (c *Completer) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Call, len(c.calls))
	copy(out, c.calls)
	return out
}

// JSON returns a structured reply whose Text is the encoding of fields.
func JSON(fields map[string]any) *inference.Reply {
	b, err := json.Marshal(fields)
	if err != nil {
		panic("mock: marshal reply: " + err.Error())
	}
	decoded := make(map[string]any, len(fields))
	_ = json.Unmarshal(b, &decoded)
	return &inference.Reply{Text: string(b), Fields: decoded, Attempts: 1}
}

// Scored returns a structured reply carrying text and a satisfaction score.
func Scored(text string, score int) *inference.Reply {
	return JSON(map[string]any{"reply": text, "satisfaction": score})
}

// Malformed returns a structured-request reply whose text held no JSON object.
func Malformed(text string) *inference.Reply {
	return &inference.Reply{Text: text, StructuredErr: inference.ErrStructuredParse, Attempts: 1}
}

// Text returns a plain, unstructured reply.
func Text(text string) *inference.Reply {
	return &inference.Reply{Text: text, Attempts: 1}
}
