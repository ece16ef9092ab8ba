// Package app wires the parley subsystems into one conversation run.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run drives the conversation to a terminal state, and Shutdown
// releases the transcript stores.
//
// For testing, inject test doubles via functional options (WithStore,
// WithMetrics, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/agent"
	"github.com/MrWong99/parley/internal/agent/orchestrator"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/inference"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/memory"
	"github.com/MrWong99/parley/pkg/memory/jsonl"
	"github.com/MrWong99/parley/pkg/memory/postgres"
	"github.com/MrWong99/parley/pkg/provider/llm"
)

// App owns all subsystem lifetimes of a run.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics   *observe.Metrics
	store     memory.TranscriptStore
	guard     *session.StoreGuard
	pg        *postgres.Store
	path      string
	runID     string
	observers []orchestrator.TurnObserver
	now       func() time.Time

	agents [2]*agent.Config
	orch   *orchestrator.Orchestrator
	health *health.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a transcript store instead of creating the file and
// database stores from config. The store is still wrapped so write failures
// never fail the run.
func WithStore(s memory.TranscriptStore) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics overrides the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithRunID fixes the run identifier instead of generating one.
func WithRunID(id string) Option {
	return func(a *App) { a.runID = id }
}

// WithTurnObserver registers fn to be called after every turn.
func WithTurnObserver(fn orchestrator.TurnObserver) Option {
	return func(a *App) { a.observers = append(a.observers, fn) }
}

// WithClock overrides the time source used for timestamps and the default
// transcript file name.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from a validated config. The providers come from
// main.go (built via [BuildProviders]).
//
// New performs all initialisation synchronously: transcript stores, inference
// clients, the summary window and the orchestrator. When New fails, resources
// it already acquired are released.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.A == nil || providers.B == nil {
		return nil, errors.New("app: both agent providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		now:       time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Transcript stores ─────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init transcript store: %w", err)
	}

	// ── 2. Agents ────────────────────────────────────────────────────────
	a.agents = [2]*agent.Config{
		a.agentConfig(cfg.Agents.A),
		a.agentConfig(cfg.Agents.B),
	}

	// ── 3. Summary window ────────────────────────────────────────────────
	window, err := a.newWindow()
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init summary window: %w", err)
	}

	// ── 4. Orchestrator ──────────────────────────────────────────────────
	if err := a.initOrchestrator(window); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init orchestrator: %w", err)
	}

	// ── 5. Health ────────────────────────────────────────────────────────
	a.health = health.New(
		health.WithProgress(a.progress),
		health.WithCheckers(a.checkers()...),
	)

	// The providers' HTTP clients are released after the stores.
	a.closers = append(a.closers, providers.Close)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore opens the JSON lines file and the PostgreSQL store as configured,
// or uses the injected store. A database that cannot be reached is logged
// and skipped; persistence is best-effort.
func (a *App) initStore(ctx context.Context) error {
	if a.store == nil {
		var stores memory.Multi
		tc := a.cfg.Transcript
		if tc.Enabled {
			path := tc.Path
			if path == "" {
				path = jsonl.DefaultPath(a.now())
			}
			f, err := jsonl.Open(path)
			if err != nil {
				return fmt.Errorf("%w: transcript.path: %w", config.ErrInvalidConfig, err)
			}
			a.path = f.Path()
			stores = append(stores, f)
			slog.Info("writing transcript", "path", a.path)
		}
		if tc.PostgresDSN != "" {
			pg, err := postgres.NewStore(ctx, tc.PostgresDSN)
			if err != nil {
				slog.Warn("transcript database unavailable, continuing without it", "err", err)
			} else {
				a.pg = pg
				stores = append(stores, pg)
			}
		}
		a.store = stores
	}

	a.guard = session.NewStoreGuard(a.store)
	a.closers = append(a.closers, a.guard.Close)
	return nil
}

// agentConfig merges an agent block with the conversation-wide settings.
func (a *App) agentConfig(ac config.AgentConfig) *agent.Config {
	model := ac.Model
	if model == "" {
		model = a.cfg.Providers.LLM.Model
	}
	return &agent.Config{
		Name:         ac.Name,
		Instructions: ac.Instructions,
		Role:         ac.Role,
		Language:     a.cfg.Conversation.Language,
		Model:        model,
		Params: agent.Params{
			Temperature: ac.Temperature,
			MaxTokens:   ac.MaxTokens,
			TopP:        ac.TopP,
		},
	}
}

// inferenceClient wraps p with the configured read timeout and retries.
func (a *App) inferenceClient(name string, p llm.Provider) *inference.Client {
	return inference.New(p,
		inference.WithName(name),
		inference.WithReadTimeout(time.Duration(a.cfg.Inference.TimeoutSeconds)*time.Second),
		inference.WithMaxRetries(a.cfg.Inference.MaxRetries),
		inference.WithMetrics(a.metrics),
	)
}

// newWindow builds the summariser selected by summary.mode and the window
// around it.
func (a *App) newWindow() (*session.Window, error) {
	var s session.Summariser
	switch a.cfg.Summary.Mode {
	case config.SummaryKeyPoints:
		s = session.KeyPointSummariser{}
	default:
		p := a.providers.Summary
		if p == nil {
			p = a.providers.A
		}
		model := a.cfg.Summary.Model
		if model == "" {
			model = a.cfg.Providers.LLM.Model
		}
		s = session.NewLLMSummariser(a.inferenceClient("summary", p),
			session.WithSummaryModel(model),
			session.WithSummaryMaxTokens(a.cfg.Summary.MaxTokens),
		)
	}
	return session.NewWindow(session.WindowConfig{
		KeepLast:   a.cfg.Summary.KeepLast,
		MaxPoints:  a.cfg.Summary.MaxPoints,
		Summariser: s,
		Metrics:    a.metrics,
	})
}

// initOrchestrator assembles the two participants and the run.
func (a *App) initOrchestrator(window *session.Window) error {
	conv := a.cfg.Conversation
	opening := conv.OpeningPrompt
	if opening == "" {
		opening = agent.OpeningPrompt(conv.Topic)
	}

	pa := orchestrator.Participant{Agent: a.agents[0], LLM: a.inferenceClient(a.agents[0].Name, a.providers.A)}
	pb := orchestrator.Participant{Agent: a.agents[1], LLM: a.inferenceClient(a.agents[1].Name, a.providers.B)}

	opts := []orchestrator.Option{
		orchestrator.WithWindow(window),
		orchestrator.WithStore(a.guard),
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithClock(a.now),
	}
	if a.runID != "" {
		opts = append(opts, orchestrator.WithRunID(a.runID))
	}
	for _, fn := range a.observers {
		opts = append(opts, orchestrator.WithTurnObserver(fn))
	}

	orch, err := orchestrator.New(pa, pb, orchestrator.Config{
		MaxTurns:         conv.MaxTurns,
		MinSatisfaction:  conv.MinSatisfaction,
		StableRounds:     conv.StableRounds,
		FirstSpeaker:     a.cfg.FirstSpeakerName(),
		ReaskOnMalformed: conv.ReaskOnMalformed,
		Topic:            conv.Topic,
		OpeningPrompt:    opening,
	}, opts...)
	if err != nil {
		return err
	}
	a.orch = orch
	return nil
}

// checkers returns the readiness checks: the transcript database when one is
// connected and, per agent, whether any of its backends accepts calls.
func (a *App) checkers() []health.Checker {
	var cs []health.Checker
	if a.pg != nil {
		cs = append(cs, health.Ping("postgres", a.pg.Ping))
	}
	if h, ok := a.providers.A.(healthReporter); ok {
		cs = append(cs, health.Available("agent_a", h.Healthy))
	}
	if h, ok := a.providers.B.(healthReporter); ok && a.providers.B != a.providers.A {
		cs = append(cs, health.Available("agent_b", h.Healthy))
	}
	return cs
}

func (a *App) progress() health.Progress {
	p := a.orch.Progress()
	return health.Progress{
		RunID:  a.orch.RunID(),
		State:  p.State.String(),
		Turns:  p.Turns,
		Stable: p.Stable,
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// RunID returns the identifier of the run.
func (a *App) RunID() string { return a.orch.RunID() }

// TranscriptPath returns the JSON lines file of the run, or "" when the file
// store is disabled or a store was injected.
func (a *App) TranscriptPath() string { return a.path }

// Health returns the liveness and readiness handler of the run.
func (a *App) Health() *health.Handler { return a.health }

// StoreDegraded reports whether the most recent transcript write failed.
func (a *App) StoreDegraded() bool { return a.guard.IsDegraded() }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run drives the conversation until it converges, exhausts max_turns or
// fails, and returns the result with its final report. Cancelling ctx ends
// the run as failed; the partial transcript is still returned.
func (a *App) Run(ctx context.Context) (orchestrator.Result, Report) {
	slog.Info("conversation starting",
		"run_id", a.orch.RunID(),
		"topic", a.cfg.Conversation.Topic,
		"agent_a", a.agents[0].Name,
		"agent_b", a.agents[1].Name,
	)
	res := a.orch.Run(ctx)
	if a.guard.Failures() > 0 {
		slog.Warn("some transcript writes failed", "failures", a.guard.Failures())
	}
	return res, BuildReport(res, a.agents[0].Name, a.agents[1].Name)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown releases the transcript stores, then the providers' HTTP
// clients. It respects the context deadline: if ctx expires before all
// closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Debug("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
	})
	return shutdownErr
}

// closeAll releases what New acquired before failing.
func (a *App) closeAll() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			slog.Warn("closer error", "err", err)
		}
	}
}
