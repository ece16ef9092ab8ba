package app

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/provider/llm"
)

// Providers holds the model backend of each agent and of the summariser.
// Slots whose effective configuration is identical share one instance.
// Populated by main.go through [BuildProviders].
type Providers struct {
	A       llm.Provider
	B       llm.Provider
	Summary llm.Provider
}

// Close closes every distinct provider that implements [io.Closer].
func (p *Providers) Close() error {
	var errs []error
	seen := make(map[llm.Provider]bool)
	for _, prov := range []llm.Provider{p.A, p.B, p.Summary} {
		if prov == nil || seen[prov] {
			continue
		}
		seen[prov] = true
		if c, ok := prov.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// healthReporter is implemented by failover groups.
type healthReporter interface {
	Healthy() bool
}

// breakerConfig is the per-backend circuit breaker used when fallbacks are
// configured.
var breakerConfig = resilience.CircuitBreakerConfig{MaxFailures: 3}

// BuildProviders creates the backends described by cfg through reg. Each
// agent uses providers.llm with its own model and base URL overrides; the
// summariser uses summary.model when set. When providers.fallbacks is not
// empty every backend is wrapped in a [resilience.LLMFallback] trying the
// fallbacks in order.
func BuildProviders(cfg *config.Config, reg *config.Registry) (*Providers, error) {
	built := make(map[string]llm.Provider)
	build := func(slot string, entry config.ProviderEntry) (llm.Provider, error) {
		key := entry.Name + "|" + entry.BaseURL + "|" + entry.Model
		if p, ok := built[key]; ok {
			return p, nil
		}
		p, err := buildWithFallbacks(entry, cfg.Providers.Fallbacks, reg)
		if err != nil {
			return nil, fmt.Errorf("app: %s provider: %w", slot, err)
		}
		slog.Info("model backend ready", "slot", slot, "provider", entry.Name, "model", entry.Model,
			"fallbacks", len(cfg.Providers.Fallbacks))
		built[key] = p
		return p, nil
	}

	var (
		p   Providers
		err error
	)
	if p.A, err = build("agent_a", agentEntry(cfg.Providers.LLM, cfg.Agents.A)); err != nil {
		return nil, err
	}
	if p.B, err = build("agent_b", agentEntry(cfg.Providers.LLM, cfg.Agents.B)); err != nil {
		return nil, err
	}
	summary := cfg.Providers.LLM
	if cfg.Summary.Model != "" {
		summary.Model = cfg.Summary.Model
	}
	if p.Summary, err = build("summary", summary); err != nil {
		return nil, err
	}
	return &p, nil
}

func agentEntry(base config.ProviderEntry, a config.AgentConfig) config.ProviderEntry {
	if a.Model != "" {
		base.Model = a.Model
	}
	if a.BaseURL != "" {
		base.BaseURL = a.BaseURL
	}
	return base
}

func buildWithFallbacks(primary config.ProviderEntry, fallbacks []config.ProviderEntry, reg *config.Registry) (llm.Provider, error) {
	p, err := reg.CreateLLM(primary)
	if err != nil {
		return nil, err
	}
	if len(fallbacks) == 0 {
		return p, nil
	}
	group := resilience.NewLLMFallback(p, backendName(primary), resilience.FallbackConfig{CircuitBreaker: breakerConfig})
	for i, entry := range fallbacks {
		fb, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("fallback %d: %w", i, err)
		}
		group.AddFallback(backendName(entry), fb)
	}
	slog.Debug("model fallbacks configured", "backends", group.Names())
	return group, nil
}

func backendName(e config.ProviderEntry) string {
	return e.Name + "/" + e.Model
}
