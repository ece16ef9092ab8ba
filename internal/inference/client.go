// Package inference turns a streaming [llm.Provider] into a synchronous
// request/response call.
//
// [Client.Complete] assembles streamed fragments into one reply, enforces an
// idle read timeout, retries transient transport failures with exponential
// backoff, and for structured requests recovers a JSON object from the text.
// Servers that have no structured-output mode are handled by re-sending the
// request with a JSON-only instruction instead of the format flag.
//
// Every failure is reported as a *[TransportError].
package inference

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/provider/llm"
)

// jsonInstruction replaces the structured-output flag for servers that do not
// support it.
const jsonInstruction = "Respond with exactly one JSON object and nothing else. " +
	"Do not wrap it in Markdown code fences and do not add any text before or after it."

// Completer is the single request/response capability used by the turn loop
// and by the summariser.
type Completer interface {
	// Complete sends req and blocks until the reply is fully assembled, the
	// read timeout expires, retries are exhausted or ctx is cancelled.
	Complete(ctx context.Context, req llm.CompletionRequest) (*Reply, error)
}

// Reply is a fully assembled model response.
type Reply struct {
	// Text is the raw concatenated stream content.
	Text string

	// Fields holds the decoded JSON object for structured requests. Nil when
	// the request was not structured or StructuredErr is set.
	Fields map[string]any

	// StructuredErr is [ErrStructuredParse] when a structured request produced
	// text from which no JSON object could be recovered.
	StructuredErr error

	// Attempts is the number of stream attempts made, retries included.
	Attempts int

	// Latency is the wall time of the whole call.
	Latency time.Duration

	// PromptTokens is the provider's estimate of the request size. Zero when
	// the provider could not count it.
	PromptTokens int

	// InstructionFallback is true when JSON was requested through an
	// instruction message rather than the server's format flag.
	InstructionFallback bool
}

// Option configures a [Client].
type Option func(*Client)

// WithName sets the provider label used in logs and metrics.
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

// WithReadTimeout sets the maximum idle time between stream chunks. Zero
// disables the watchdog.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Client) { c.readTimeout = d }
}

// WithMaxRetries sets how many times a transient failure is retried.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithBackoff sets the initial and maximum delay between retries.
func WithBackoff(initial, max time.Duration) Option {
	return func(c *Client) {
		c.initialBackoff = initial
		c.maxBackoff = max
	}
}

// WithMetrics records provider requests, errors and latency on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client implements [Completer] on top of an [llm.Provider]. It is safe for
// concurrent use.
type Client struct {
	provider       llm.Provider
	name           string
	readTimeout    time.Duration
	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	metrics        *observe.Metrics

	// noJSONMode becomes true once the server rejected the format flag.
	noJSONMode atomic.Bool
}

var _ Completer = (*Client)(nil)

// New creates a Client for provider. Defaults: 120 s read timeout, two
// retries, backoff from 500 ms up to 10 s.
func New(provider llm.Provider, opts ...Option) *Client {
	c := &Client{
		provider:       provider,
		name:           "llm",
		readTimeout:    120 * time.Second,
		maxRetries:     2,
		initialBackoff: 500 * time.Millisecond,
		maxBackoff:     10 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Complete implements [Completer].
func (c *Client) Complete(ctx context.Context, req llm.CompletionRequest) (*Reply, error) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "inference.complete",
		trace.WithAttributes(
			attribute.String("provider", c.name),
			attribute.String("model", req.Model),
		),
	)
	defer span.End()

	structured := req.ResponseFormat == llm.FormatJSON
	fallback := structured && (c.noJSONMode.Load() || !c.provider.Capabilities().SupportsJSONMode)

	promptTokens := c.measurePrompt(ctx, req)
	observe.Logger(ctx).Debug("inference request",
		"provider", c.name, "messages", len(req.Messages), "prompt_tokens", promptTokens, "structured", structured)

	attempts := 0
	op := func() (string, error) {
		attempts++
		text, err := c.stream(ctx, c.prepare(req, fallback))
		if err != nil && structured && !fallback && errors.Is(err, llm.ErrJSONModeUnsupported) {
			slog.Info("server rejected JSON response format, falling back to instructions", "provider", c.name)
			c.noJSONMode.Store(true)
			fallback = true
			text, err = c.stream(ctx, c.prepare(req, fallback))
		}
		if err == nil {
			c.metrics.RecordProviderRequest(ctx, c.name, "llm", "ok")
			return text, nil
		}

		te := c.classify(ctx, err)
		c.metrics.RecordProviderRequest(ctx, c.name, "llm", "error")
		c.metrics.RecordProviderError(ctx, c.name, te.kind())
		if !retryable(te) {
			return "", backoff.Permanent(te)
		}
		return "", te
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialBackoff
	b.MaxInterval = c.maxBackoff

	text, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.maxRetries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			observe.Logger(ctx).Warn("inference attempt failed, will retry",
				"provider", c.name, "attempt", attempts, "delay", next, "err", err)
		}),
	)
	latency := time.Since(start)
	c.metrics.RecordLLMDuration(ctx, c.name, latency)

	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Unwrap()
		}
		te := c.classify(ctx, err)
		span.RecordError(te)
		span.SetStatus(codes.Error, te.Error())
		return nil, te
	}

	reply := &Reply{
		Text:                text,
		Attempts:            attempts,
		Latency:             latency,
		PromptTokens:        promptTokens,
		InstructionFallback: fallback,
	}
	if structured {
		reply.Fields, reply.StructuredErr = ExtractObject(text)
	}
	span.SetAttributes(attribute.Int("attempts", attempts), attribute.Bool("structured_ok", reply.StructuredErr == nil))
	return reply, nil
}

// measurePrompt records the estimated prompt size and warns when the prompt
// plus the completion cap no longer fits the model's context window, where
// servers silently drop the oldest messages.
func (c *Client) measurePrompt(ctx context.Context, req llm.CompletionRequest) int {
	n, err := c.provider.CountTokens(req.Messages)
	if err != nil {
		observe.Logger(ctx).Debug("token count unavailable", "provider", c.name, "err", err)
		return 0
	}
	c.metrics.RecordPromptTokens(ctx, c.name, n)
	if window := c.provider.Capabilities().ContextWindow; window > 0 && n+req.MaxTokens > window {
		observe.Logger(ctx).Warn("prompt exceeds model context window",
			"provider", c.name, "prompt_tokens", n, "max_tokens", req.MaxTokens, "context_window", window)
	}
	return n
}

// prepare returns req as sent on the wire. With fallback set the format flag
// is dropped and a JSON-only instruction follows the leading system messages.
func (c *Client) prepare(req llm.CompletionRequest, fallback bool) llm.CompletionRequest {
	if !fallback || req.ResponseFormat != llm.FormatJSON {
		return req
	}
	out := req
	out.ResponseFormat = llm.FormatText

	i := 0
	for i < len(req.Messages) && req.Messages[i].Role == llm.RoleSystem {
		i++
	}
	msgs := make([]llm.Message, 0, len(req.Messages)+1)
	msgs = append(msgs, req.Messages[:i]...)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: jsonInstruction})
	msgs = append(msgs, req.Messages[i:]...)
	out.Messages = msgs
	return out
}

// stream runs one streaming attempt and assembles its text. The idle watchdog
// is reset on every chunk; on expiry the stream context is cancelled with
// [ErrReadTimeout] as its cause.
func (c *Client) stream(ctx context.Context, req llm.CompletionRequest) (string, error) {
	sctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var watchdog *time.Timer
	if c.readTimeout > 0 {
		watchdog = time.AfterFunc(c.readTimeout, func() { cancel(ErrReadTimeout) })
		defer watchdog.Stop()
	}

	ch, err := c.provider.StreamCompletion(sctx, req)
	if err != nil {
		if cause := context.Cause(sctx); cause != nil {
			return "", cause
		}
		return "", err
	}

	var sb strings.Builder
	for {
		select {
		case <-sctx.Done():
			return sb.String(), context.Cause(sctx)
		case chunk, ok := <-ch:
			if !ok {
				if cause := context.Cause(sctx); cause != nil {
					return sb.String(), cause
				}
				return sb.String(), ErrTruncatedStream
			}
			if watchdog != nil {
				watchdog.Reset(c.readTimeout)
			}
			if chunk.Err != nil {
				if cause := context.Cause(sctx); cause != nil {
					return sb.String(), cause
				}
				return sb.String(), chunk.Err
			}
			sb.WriteString(chunk.Text)
			if chunk.FinishReason != "" {
				return sb.String(), nil
			}
		}
	}
}

// classify wraps err into a TransportError. Cancellation of the caller's
// context wins over every other classification.
func (c *Client) classify(ctx context.Context, err error) *TransportError {
	var te *TransportError
	if errors.As(err, &te) {
		return te
	}
	te = &TransportError{Op: "complete", Err: err}
	var ne net.Error
	switch {
	case ctx.Err() != nil:
		te.Aborted = true
	case errors.Is(err, ErrReadTimeout), errors.Is(err, context.DeadlineExceeded):
		te.Timeout = true
	case errors.As(err, &ne) && ne.Timeout():
		te.Timeout = true
	}
	return te
}

// retryable reports whether a failed attempt may succeed when repeated.
func retryable(te *TransportError) bool {
	if te.Aborted || errors.Is(te, llm.ErrJSONModeUnsupported) {
		return false
	}
	if te.Timeout || errors.Is(te, ErrTruncatedStream) {
		return true
	}
	var se *llm.StatusError
	if errors.As(te, &se) {
		return se.Temporary()
	}
	var ne net.Error
	return errors.As(te, &ne)
}
