package resilience

import (
	"context"
	"errors"
	"io"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with failover across several model
// backends, each behind its own circuit breaker.
//
// Only the start of a stream is covered: once a backend has returned a
// channel, a failure inside the stream is reported to the caller, whose
// retry goes through the group again.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred
// backend. Unless cfg overrides them, caller cancellation and
// [llm.ErrJSONModeUnsupported] neither count against a breaker nor trigger
// failover; they are returned as is so the caller can react to them.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	if cfg.ShouldFailover == nil {
		cfg.ShouldFailover = llmShouldFailover
	}
	if cfg.CircuitBreaker.IsFailure == nil {
		cfg.CircuitBreaker.IsFailure = llmShouldFailover
	}
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

func llmShouldFailover(err error) bool {
	return !errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded) &&
		!errors.Is(err, llm.ErrJSONModeUnsupported)
}

// AddFallback registers an additional backend.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Names returns the backend names in try order.
func (f *LLMFallback) Names() []string { return f.group.Names() }

// Healthy reports whether any backend's breaker accepts calls.
func (f *LLMFallback) Healthy() bool { return f.group.Healthy() }

// Complete sends the request to the first healthy backend.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// StreamCompletion opens a stream on the first healthy backend.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

// Close closes every backend that implements [io.Closer]. All backends are
// closed even if an earlier one fails.
func (f *LLMFallback) Close() error {
	var errs []error
	for _, e := range f.group.entries {
		if c, ok := e.value.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// CountTokens returns the largest estimate across backends, so the result
// never undercounts whichever backend ends up answering.
func (f *LLMFallback) CountTokens(messages []llm.Message) (int, error) {
	var (
		best int
		errs []error
	)
	for _, e := range f.group.entries {
		n, err := e.value.CountTokens(messages)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		best = max(best, n)
	}
	if best == 0 && len(errs) > 0 {
		return 0, errors.Join(errs...)
	}
	return best, nil
}

// Capabilities returns the capabilities every backend shares: the primary's
// values, with the context window and output limit reduced to the smallest
// non-zero value, and JSON mode reported only when all backends support it.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	if len(f.group.entries) == 0 {
		return llm.ModelCapabilities{}
	}
	caps := f.group.entries[0].value.Capabilities()
	for _, e := range f.group.entries[1:] {
		c := e.value.Capabilities()
		caps.ContextWindow = minPositive(caps.ContextWindow, c.ContextWindow)
		caps.MaxOutputTokens = minPositive(caps.MaxOutputTokens, c.MaxOutputTokens)
		caps.SupportsStreaming = caps.SupportsStreaming && c.SupportsStreaming
		caps.SupportsJSONMode = caps.SupportsJSONMode && c.SupportsJSONMode
	}
	return caps
}

func minPositive(a, b int) int {
	switch {
	case a <= 0:
		return b
	case b <= 0:
		return a
	default:
		return min(a, b)
	}
}
