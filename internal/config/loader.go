package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/parley/internal/agent"
)

// ErrInvalidConfig wraps every error returned by [Validate].
var ErrInvalidConfig = errors.New("config: invalid configuration")

// ValidProviderNames lists the LLM provider names known to the binary.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"ollama", "openai", "anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"}

// Load reads the YAML configuration file at path and returns a validated [Config].
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	return finish(cfg)
}

// Read decodes the file at path on top of [Default] without filling gaps or
// validating, so callers can apply overrides first. Finish with
// [ApplyDefaults] and [Validate].
func Read(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default], fills
// the remaining gaps with [ApplyDefaults] and validates the result. Unknown
// keys are rejected. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := Decode(r)
	if err != nil {
		return nil, err
	}
	return finish(cfg)
}

// Decode reads one YAML document from r on top of [Default]. Unknown keys
// are rejected.
func Decode(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

func finish(cfg *Config) (*Config, error) {
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills empty string fields with their defaults: the provider
// and model from [Default], the agent names and instructions from the
// built-in personas and the topic. Numeric fields are left alone so an
// explicit zero reaches [Validate].
func ApplyDefaults(cfg *Config) {
	def := Default()
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = def.Server.LogLevel
	}
	if cfg.Providers.LLM.Name == "" {
		cfg.Providers.LLM.Name = def.Providers.LLM.Name
	}
	if cfg.Providers.LLM.Model == "" {
		cfg.Providers.LLM.Model = def.Providers.LLM.Model
	}
	if cfg.Providers.LLM.Name == "ollama" && cfg.Providers.LLM.BaseURL == "" {
		cfg.Providers.LLM.BaseURL = def.Providers.LLM.BaseURL
	}
	if cfg.Conversation.Topic == "" {
		cfg.Conversation.Topic = agent.DefaultTopic
	}
	if cfg.Conversation.FirstSpeaker == "" {
		cfg.Conversation.FirstSpeaker = SlotA
	}
	if cfg.Summary.Mode == "" {
		cfg.Summary.Mode = def.Summary.Mode
	}
	applyPersona(&cfg.Agents.A, agent.DefaultAgentA())
	applyPersona(&cfg.Agents.B, agent.DefaultAgentB())
}

func applyPersona(a *AgentConfig, persona agent.Config) {
	if a.Name == "" {
		a.Name = persona.Name
	}
	if a.Instructions == "" {
		a.Instructions = persona.Instructions
	}
}

// FirstSpeakerName resolves Conversation.FirstSpeaker to an agent display
// name. It returns "" when the value names neither agent.
func (c *Config) FirstSpeakerName() string {
	switch fs := strings.TrimSpace(c.Conversation.FirstSpeaker); {
	case strings.EqualFold(fs, SlotA), fs == c.Agents.A.Name:
		return c.Agents.A.Name
	case strings.EqualFold(fs, SlotB), fs == c.Agents.B.Name:
		return c.Agents.B.Name
	default:
		return ""
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns [ErrInvalidConfig] joined with every validation failure found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Providers
	errs = append(errs, validateProvider("providers.llm", cfg.Providers.LLM)...)
	for i, fb := range cfg.Providers.Fallbacks {
		errs = append(errs, validateProvider(fmt.Sprintf("providers.fallbacks[%d]", i), fb)...)
	}

	// Inference
	if cfg.Inference.TimeoutSeconds < 1 {
		errs = append(errs, fmt.Errorf("inference.timeout_s must be >= 1, got %d", cfg.Inference.TimeoutSeconds))
	}
	if cfg.Inference.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("inference.max_retries must be >= 0, got %d", cfg.Inference.MaxRetries))
	}

	// Conversation
	conv := cfg.Conversation
	if conv.MaxTurns < 1 {
		errs = append(errs, fmt.Errorf("conversation.max_turns must be >= 1, got %d", conv.MaxTurns))
	}
	if conv.MinSatisfaction < 0 || conv.MinSatisfaction > 100 {
		errs = append(errs, fmt.Errorf("conversation.min_satisfaction %d is out of range [0, 100]", conv.MinSatisfaction))
	}
	if conv.StableRounds < 1 {
		errs = append(errs, fmt.Errorf("conversation.stable_rounds must be >= 1, got %d", conv.StableRounds))
	}
	if conv.StableRounds > conv.MaxTurns && conv.MaxTurns >= 1 {
		slog.Warn("conversation.stable_rounds exceeds max_turns; the run can never converge",
			"stable_rounds", conv.StableRounds, "max_turns", conv.MaxTurns)
	}
	if cfg.FirstSpeakerName() == "" {
		errs = append(errs, fmt.Errorf("conversation.first_speaker %q names neither agent; valid values: a, b, %q, %q",
			conv.FirstSpeaker, cfg.Agents.A.Name, cfg.Agents.B.Name))
	}

	// Summary
	if !cfg.Summary.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("summary.mode %q is invalid; valid values: llm, key_points", cfg.Summary.Mode))
	}
	if cfg.Summary.KeepLast < 0 {
		errs = append(errs, fmt.Errorf("summary.keep_last must be >= 0, got %d", cfg.Summary.KeepLast))
	}
	if cfg.Summary.MaxPoints < 1 {
		errs = append(errs, fmt.Errorf("summary.max_points must be >= 1, got %d", cfg.Summary.MaxPoints))
	}
	if cfg.Summary.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("summary.max_tokens must be >= 0, got %d", cfg.Summary.MaxTokens))
	}

	// Agents
	errs = append(errs, validateAgent("agents.a", cfg.Agents.A)...)
	errs = append(errs, validateAgent("agents.b", cfg.Agents.B)...)
	if cfg.Agents.A.Name != "" && cfg.Agents.A.Name == cfg.Agents.B.Name {
		errs = append(errs, fmt.Errorf("agents.b.name %q is a duplicate of agents.a.name", cfg.Agents.B.Name))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

func validateProvider(prefix string, p ProviderEntry) []error {
	var errs []error
	if p.Name == "" {
		errs = append(errs, fmt.Errorf("%s.name is required", prefix))
	} else if !slices.Contains(ValidProviderNames, p.Name) {
		slog.Warn("unknown provider name, may be a typo or third-party provider",
			"field", prefix,
			"name", p.Name,
			"known", ValidProviderNames,
		)
	}
	if p.Model == "" {
		errs = append(errs, fmt.Errorf("%s.model is required", prefix))
	}
	return errs
}

func validateAgent(prefix string, a AgentConfig) []error {
	var errs []error
	if strings.TrimSpace(a.Name) == "" {
		errs = append(errs, fmt.Errorf("%s.name is required", prefix))
	}
	if strings.TrimSpace(a.Instructions) == "" {
		errs = append(errs, fmt.Errorf("%s.instructions is required", prefix))
	}
	if a.Temperature < 0 || a.Temperature > 2 {
		errs = append(errs, fmt.Errorf("%s.temperature %.2f is out of range [0, 2]", prefix, a.Temperature))
	}
	if a.TopP < 0 || a.TopP > 1 {
		errs = append(errs, fmt.Errorf("%s.top_p %.2f is out of range [0, 1]", prefix, a.TopP))
	}
	if a.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("%s.max_tokens must be >= 0, got %d", prefix, a.MaxTokens))
	}
	return errs
}
