// Package ollama provides an LLM provider backed by an Ollama server.
//
// Ollama (https://ollama.com) hosts local large language models. This package
// streams replies from the native /api/chat endpoint, which emits one JSON
// object per line and marks the last one with "done": true. Servers that do
// not expose /api/chat (answering 404) are transparently served through their
// OpenAI-compatible /v1 endpoint instead.
//
// Example usage:
//
//	p, err := ollama.New("", "qwen3:14b") // connects to http://127.0.0.1:11434
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ch, err := p.StreamCompletion(ctx, req)
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/llm/openai"
)

// DefaultBaseURL is the default base URL for a locally running Ollama instance.
const DefaultBaseURL = "http://127.0.0.1:11434"

// maxLineBytes bounds a single NDJSON line. Ollama emits one small object per
// token, so anything larger indicates a broken server.
const maxLineBytes = 4 << 20

// Ensure Provider implements the llm.Provider interface at compile time.
var _ llm.Provider = (*Provider)(nil)

// Provider implements llm.Provider using an Ollama server.
//
// Provider is safe for concurrent use.
type Provider struct {
	baseURL    string
	model      string
	httpClient *http.Client

	// useCompat is set once /api/chat answered 404; all later requests go to
	// the OpenAI-compatible endpoint.
	useCompat  atomic.Bool
	compatOnce sync.Once
	compat     *openai.Provider
	compatErr  error
}

// config holds optional configuration collected from functional options.
type config struct {
	timeout    time.Duration
	httpClient *http.Client
}

// Option is a functional option for Provider.
type Option func(*config)

// WithTimeout bounds the time until response headers arrive. The body of a
// streamed reply is not subject to it.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithHTTPClient replaces the HTTP client. It takes precedence over WithTimeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) {
		c.httpClient = hc
	}
}

// New constructs a new Ollama Provider.
//
// baseURL is the base URL of the Ollama server. If empty, DefaultBaseURL is
// used. A trailing slash is stripped automatically.
func New(baseURL string, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("ollama: model must not be empty")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	httpClient := cfg.httpClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if cfg.timeout > 0 {
			transport.ResponseHeaderTimeout = cfg.timeout
		}
		httpClient = &http.Client{Transport: transport}
	}

	return &Provider{
		baseURL:    baseURL,
		model:      model,
		httpClient: httpClient,
	}, nil
}

// chatMessage is a single message in the /api/chat request and response.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is the JSON request body sent to /api/chat.
type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   string         `json:"format,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

// chatChunk is one NDJSON line of a streamed /api/chat response.
type chatChunk struct {
	Message    chatMessage `json:"message"`
	Done       bool        `json:"done"`
	DoneReason string      `json:"done_reason"`
	Error      string      `json:"error"`

	PromptEvalCount int `json:"prompt_eval_count"`
	EvalCount       int `json:"eval_count"`
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	if p.useCompat.Load() {
		return p.compatStream(ctx, req)
	}

	resp, err := p.post(ctx, req, true)
	if err != nil {
		return nil, fmt.Errorf("ollama: stream: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		slog.Info("ollama: /api/chat not found, switching to OpenAI-compatible endpoint", "base_url", p.baseURL)
		p.useCompat.Store(true)
		return p.compatStream(ctx, req)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, fmt.Errorf("ollama: stream: %w", statusError(resp, req.ResponseFormat))
	}

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		send := func(c llm.Chunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		fail := func(err error) {
			send(llm.Chunk{FinishReason: "error", Text: err.Error(), Err: err})
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var c chatChunk
			if err := json.Unmarshal(line, &c); err != nil {
				slog.Debug("ollama: skipping undecodable stream line", "err", err)
				continue
			}
			if c.Error != "" {
				fail(fmt.Errorf("ollama: server error: %s", c.Error))
				return
			}
			out := llm.Chunk{Text: c.Message.Content}
			if c.Done {
				out.FinishReason = c.DoneReason
				if out.FinishReason == "" {
					out.FinishReason = "stop"
				}
			}
			if !send(out) || c.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			fail(fmt.Errorf("ollama: read stream: %w", err))
		}
	}()

	return ch, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if p.useCompat.Load() {
		return p.compatComplete(ctx, req)
	}

	resp, err := p.post(ctx, req, false)
	if err != nil {
		return nil, fmt.Errorf("ollama: complete: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		p.useCompat.Store(true)
		return p.compatComplete(ctx, req)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama: complete: %w", statusError(resp, req.ResponseFormat))
	}

	var c chatChunk
	if err := json.NewDecoder(resp.Body).Decode(&c); err != nil {
		return nil, fmt.Errorf("ollama: complete: decode response: %w", err)
	}
	if c.Error != "" {
		return nil, fmt.Errorf("ollama: complete: server error: %s", c.Error)
	}
	return &llm.CompletionResponse{
		Content: c.Message.Content,
		Usage: llm.Usage{
			PromptTokens:     c.PromptEvalCount,
			CompletionTokens: c.EvalCount,
			TotalTokens:      c.PromptEvalCount + c.EvalCount,
		},
	}, nil
}

// CountTokens implements llm.Provider.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	return llm.EstimateTokens(p.model, messages), nil
}

// Capabilities implements llm.Provider. Ollama honours "format": "json" for
// every model; the compatibility endpoint is probed optimistically too.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	return llm.ModelCapabilities{
		ContextWindow:     32_768,
		MaxOutputTokens:   8_192,
		SupportsStreaming: true,
		SupportsJSONMode:  true,
	}
}

// post sends req to /api/chat and returns the raw response. The caller owns
// the body.
func (p *Provider) post(ctx context.Context, req llm.CompletionRequest, stream bool) (*http.Response, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("request has no messages")
	}
	body, err := json.Marshal(p.buildRequest(req, stream))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}
	return resp, nil
}

func (p *Provider) buildRequest(req llm.CompletionRequest, stream bool) chatRequest {
	model := p.model
	if req.Model != "" {
		model = req.Model
	}
	out := chatRequest{
		Model:    model,
		Messages: make([]chatMessage, 0, len(req.Messages)),
		Stream:   stream,
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	if req.ResponseFormat == llm.FormatJSON {
		out.Format = "json"
	}

	opts := map[string]any{}
	if req.Temperature != 0 {
		opts["temperature"] = req.Temperature
	}
	if req.TopP != 0 {
		opts["top_p"] = req.TopP
	}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}
	if len(opts) > 0 {
		out.Options = opts
	}
	return out
}

// Close releases idle connections of the provider's HTTP client. In-flight
// streams are not interrupted.
func (p *Provider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

// compatProvider lazily builds the OpenAI-compatible client for baseURL/v1.
func (p *Provider) compatProvider() (*openai.Provider, error) {
	p.compatOnce.Do(func() {
		p.compat, p.compatErr = openai.New("ollama", p.model,
			openai.WithBaseURL(p.baseURL+"/v1"),
			openai.WithHTTPClient(p.httpClient),
		)
	})
	return p.compat, p.compatErr
}

func (p *Provider) compatStream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	c, err := p.compatProvider()
	if err != nil {
		return nil, fmt.Errorf("ollama: compat endpoint: %w", err)
	}
	return c.StreamCompletion(ctx, req)
}

func (p *Provider) compatComplete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	c, err := p.compatProvider()
	if err != nil {
		return nil, fmt.Errorf("ollama: compat endpoint: %w", err)
	}
	return c.Complete(ctx, req)
}

// statusError converts a non-200 response into an llm error, recognising the
// rejection of an unsupported "format" field.
func statusError(resp *http.Response, format llm.Format) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	body := strings.TrimSpace(string(raw))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		body = payload.Error
	}
	se := &llm.StatusError{Code: resp.StatusCode, Body: body}
	if format == llm.FormatJSON && resp.StatusCode == http.StatusBadRequest && strings.Contains(strings.ToLower(body), "format") {
		return errors.Join(llm.ErrJSONModeUnsupported, se)
	}
	return se
}
