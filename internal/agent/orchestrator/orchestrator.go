// Package orchestrator drives a conversation between exactly two agents until
// it converges, exhausts its turn budget or fails.
//
// Each turn the current speaker's request is built from its configuration,
// the running summary and the recent turns; the reply is parsed for a
// satisfaction score, recorded, persisted and folded into the convergence
// state. Speakers alternate strictly.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/parley/internal/agent"
	"github.com/MrWong99/parley/internal/inference"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/transcript"
	"github.com/MrWong99/parley/pkg/memory"
)

// Participant pairs an agent configuration with the completer that answers
// for it.
type Participant struct {
	Agent *agent.Config
	LLM   inference.Completer
}

// Config holds the run limits and conversation framing.
type Config struct {
	// MaxTurns bounds the number of turns. Must be >= 1.
	MaxTurns int

	// MinSatisfaction is the score a turn must reach to count as stable.
	// Must be in [0, 100].
	MinSatisfaction int

	// StableRounds is the number of consecutive stable turns that ends the
	// run as converged. Must be >= 1.
	StableRounds int

	// FirstSpeaker names the participant that opens. Empty means the first
	// participant passed to [New].
	FirstSpeaker string

	// ReaskOnMalformed asks the same speaker once more, with a strict-JSON
	// reminder, when its reply cannot be parsed.
	ReaskOnMalformed bool

	Topic         string
	OpeningPrompt string
}

// TurnObserver is notified after each completed turn has been recorded.
type TurnObserver func(ctx context.Context, t transcript.Turn)

// Result is the outcome of [Orchestrator.Run].
type Result struct {
	RunID string

	// State is always terminal.
	State State

	// Reason is a human-readable explanation of State.
	Reason string

	// Turns is the transcript at termination, partial on failure.
	Turns []transcript.Turn

	// Summary is the summary window state at termination.
	Summary session.SummaryState

	// Err is the error that failed the run. Nil unless State is StateFailed.
	Err error

	StartedAt  time.Time
	FinishedAt time.Time
}

// Progress is a snapshot of a run in flight.
type Progress struct {
	State State
	Turns int

	// Stable is the current number of consecutive turns at or above
	// MinSatisfaction.
	Stable int
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithWindow bounds the replayed context with w. Without a window every turn
// is replayed verbatim.
func WithWindow(w *session.Window) Option {
	return func(o *Orchestrator) { o.window = w }
}

// WithStore persists every turn and the run record to s. Write errors are
// logged and never fail the run.
func WithStore(s memory.TranscriptStore) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithMetrics overrides the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTurnObserver registers fn to be called after each completed turn.
func WithTurnObserver(fn TurnObserver) Option {
	return func(o *Orchestrator) { o.observers = append(o.observers, fn) }
}

// WithRunID sets the run identifier. Defaults to a random UUID.
func WithRunID(id string) Option {
	return func(o *Orchestrator) { o.runID = id }
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator runs one conversation. It is not reusable: call [New] for
// every run.
type Orchestrator struct {
	participants [2]Participant
	first        int
	cfg          Config

	window    *session.Window
	store     memory.TranscriptStore
	metrics   *observe.Metrics
	observers []TurnObserver
	runID     string
	now       func() time.Time

	mu       sync.Mutex
	progress Progress
}

// New validates the participants and cfg and returns an [Orchestrator].
func New(a, b Participant, cfg Config, opts ...Option) (*Orchestrator, error) {
	var errs []error
	for i, p := range []Participant{a, b} {
		switch {
		case p.Agent == nil:
			errs = append(errs, fmt.Errorf("participant %d: agent config is nil", i+1))
		case p.Agent.Name == "":
			errs = append(errs, fmt.Errorf("participant %d: name is empty", i+1))
		}
		if p.LLM == nil {
			errs = append(errs, fmt.Errorf("participant %d: completer is nil", i+1))
		}
	}
	if a.Agent != nil && b.Agent != nil && a.Agent.Name != "" && a.Agent.Name == b.Agent.Name {
		errs = append(errs, fmt.Errorf("participants share the name %q", a.Agent.Name))
	}
	if cfg.MaxTurns < 1 {
		errs = append(errs, fmt.Errorf("max_turns must be >= 1, got %d", cfg.MaxTurns))
	}
	if cfg.MinSatisfaction < 0 || cfg.MinSatisfaction > 100 {
		errs = append(errs, fmt.Errorf("min_satisfaction must be in [0, 100], got %d", cfg.MinSatisfaction))
	}
	if cfg.StableRounds < 1 {
		errs = append(errs, fmt.Errorf("stable_rounds must be >= 1, got %d", cfg.StableRounds))
	}

	first := 0
	if cfg.FirstSpeaker != "" && len(errs) == 0 {
		switch cfg.FirstSpeaker {
		case a.Agent.Name:
		case b.Agent.Name:
			first = 1
		default:
			errs = append(errs, fmt.Errorf("first_speaker %q is not a participant", cfg.FirstSpeaker))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	o := &Orchestrator{
		participants: [2]Participant{a, b},
		first:        first,
		cfg:          cfg,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	if o.runID == "" {
		o.runID = uuid.NewString()
	}
	return o, nil
}

// RunID returns the identifier of this run.
func (o *Orchestrator) RunID() string { return o.runID }

// Progress returns the current state of the run. It is safe to call from
// other goroutines while [Orchestrator.Run] executes.
func (o *Orchestrator) Progress() Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.progress
}

func (o *Orchestrator) setProgress(tr *tracker) {
	o.mu.Lock()
	o.progress = Progress{State: tr.state, Turns: tr.turns, Stable: tr.stable}
	o.mu.Unlock()
}

// Run executes turns until the conversation reaches a terminal state and
// returns the result. Cancelling ctx aborts the in-flight call and ends the
// run as [StateFailed]; the partial transcript is returned and has already
// been persisted.
func (o *Orchestrator) Run(ctx context.Context) Result {
	ctx = observe.WithRunID(ctx, o.runID)
	ctx, span := observe.StartSpan(ctx, "orchestrator.run",
		trace.WithAttributes(
			attribute.String("run.id", o.runID),
			attribute.Int("max_turns", o.cfg.MaxTurns),
		),
	)
	defer span.End()

	log := observe.Logger(ctx)
	o.metrics.ActiveRuns.Add(ctx, 1)
	defer o.metrics.ActiveRuns.Add(context.WithoutCancel(ctx), -1)

	res := Result{RunID: o.runID, StartedAt: o.now()}
	o.persist(ctx, "begin run", func(ctx context.Context) error {
		return o.store.BeginRun(ctx, memory.RunRecord{
			RunID:     o.runID,
			Topic:     o.cfg.Topic,
			StartedAt: res.StartedAt,
			State:     StateRunning.String(),
		})
	})
	log.Info("run started",
		"speaker_a", o.participants[0].Agent.Name,
		"speaker_b", o.participants[1].Agent.Name,
		"max_turns", o.cfg.MaxTurns,
		"min_satisfaction", o.cfg.MinSatisfaction,
		"stable_rounds", o.cfg.StableRounds,
	)

	tr := newTracker(o.cfg.MaxTurns, o.cfg.MinSatisfaction, o.cfg.StableRounds)
	var conv transcript.Transcript
	speaker := o.first

	for !tr.state.Terminal() {
		if ctx.Err() != nil {
			res.Err = &inference.TransportError{Op: "run", Aborted: true, Err: context.Cause(ctx)}
			tr.fail(res.Err.Error())
			break
		}

		turn, err := o.takeTurn(ctx, o.participants[speaker], conv.Len()+1, &conv)
		if err != nil {
			res.Err = asTransportError(ctx, err)
			tr.fail(res.Err.Error())
			break
		}
		if err := conv.Append(turn); err != nil {
			res.Err = err
			tr.fail(err.Error())
			break
		}
		o.persist(ctx, "append turn", func(ctx context.Context) error {
			return o.store.AppendTurn(ctx, turn.Record(o.runID))
		})
		for _, fn := range o.observers {
			fn(ctx, turn)
		}

		state := tr.observe(turn.Satisfaction)
		o.setProgress(tr)
		if state.Terminal() {
			break
		}
		if o.window != nil {
			if err := o.window.Update(ctx, conv.Turns()); err != nil {
				log.Warn("summary compaction failed, keeping previous summary", "err", err)
			}
		}
		speaker = 1 - speaker
	}

	o.setProgress(tr)
	res.State = tr.state
	res.Reason = tr.reason
	res.Turns = conv.Turns()
	if o.window != nil {
		res.Summary = o.window.State()
	}
	res.FinishedAt = o.now()

	// Finishing must not depend on a cancelled run context.
	fctx := context.WithoutCancel(ctx)
	o.persist(fctx, "finish run", func(ctx context.Context) error {
		return o.store.FinishRun(ctx, memory.RunRecord{
			RunID:      o.runID,
			Topic:      o.cfg.Topic,
			StartedAt:  res.StartedAt,
			FinishedAt: res.FinishedAt,
			State:      res.State.String(),
			Reason:     res.Reason,
			Turns:      len(res.Turns),
			Summary:    res.Summary.Points,
		})
	})
	o.metrics.RecordRun(fctx, res.State.String())

	span.SetAttributes(
		attribute.String("run.state", res.State.String()),
		attribute.Int("run.turns", len(res.Turns)),
	)
	if res.State == StateFailed {
		span.SetStatus(codes.Error, res.Reason)
		log.Error("run failed", "turns", len(res.Turns), "reason", res.Reason)
	} else {
		log.Info("run finished", "state", res.State.String(), "turns", len(res.Turns), "reason", res.Reason)
	}
	return res
}

// takeTurn requests and parses one turn for p. With ReaskOnMalformed an
// unparseable reply is followed by exactly one strict re-ask. The final
// attempt is returned, carrying the rejected output of the first.
func (o *Orchestrator) takeTurn(ctx context.Context, p Participant, index int, conv *transcript.Transcript) (transcript.Turn, error) {
	ctx, span := observe.StartSpan(ctx, "orchestrator.turn",
		trace.WithAttributes(
			attribute.Int("turn", index),
			attribute.String("speaker", p.Agent.Name),
		),
	)
	defer span.End()

	log := observe.Logger(ctx).With("turn", index, "speaker", p.Agent.Name)
	start := time.Now()

	var (
		turn     transcript.Turn
		rejected string
	)
	for attempt := 1; ; attempt++ {
		strict := attempt > 1
		req := agent.BuildRequest(p.Agent, o.history(conv, strict))

		reply, err := p.LLM.Complete(ctx, req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return transcript.Turn{}, err
		}

		turn = transcript.Turn{
			Index:        index,
			Speaker:      p.Agent.Name,
			Text:         reply.Text,
			Attempts:     attempt,
			RejectedText: rejected,
			Timestamp:    o.now(),
		}
		parsed, perr := parseReply(reply)
		if perr == nil {
			turn.Reply = parsed.reply
			turn.Satisfaction = parsed.satisfaction
			turn.KeyPoints = parsed.keyPoints
			turn.NeedsFromOther = parsed.needsFromOther
			break
		}

		merr := &MalformedReplyError{Speaker: p.Agent.Name, Turn: index, Err: perr}
		turn.ParseError = merr.Error()
		if o.cfg.ReaskOnMalformed && !strict {
			log.Warn("malformed reply, asking again with strict JSON reminder", "err", perr, "raw_output", reply.Text)
			rejected = reply.Text
			continue
		}
		log.Warn("malformed reply recorded without score", "err", perr, "attempts", attempt)
		break
	}

	o.metrics.RecordTurn(ctx, turn.Speaker, time.Since(start), turn.Satisfaction)
	if turn.Satisfaction != nil {
		span.SetAttributes(attribute.Int("satisfaction", *turn.Satisfaction))
	}
	log.Debug("turn completed", "score", turn.Score(), "scored", turn.Satisfaction != nil, "attempts", turn.Attempts)
	return turn, nil
}

// history assembles the builder input from the summary window.
func (o *Orchestrator) history(conv *transcript.Transcript, strict bool) agent.History {
	h := agent.History{
		Topic:         o.cfg.Topic,
		OpeningPrompt: o.cfg.OpeningPrompt,
		Strict:        strict,
	}
	if o.window == nil {
		h.Turns = conv.Turns()
		return h
	}
	state, recent := o.window.Context(conv.Turns())
	h.Summary = state.Text()
	h.Turns = recent
	return h
}

// persist runs fn against the store, if any, logging failures.
func (o *Orchestrator) persist(ctx context.Context, op string, fn func(context.Context) error) {
	if o.store == nil {
		return
	}
	if err := fn(ctx); err != nil {
		observe.Logger(ctx).Warn("transcript store write failed", "op", op, "err", err)
	}
}

// asTransportError returns err as a *inference.TransportError so that the
// failure reason always names its class. A bare error is an abort when ctx is
// done and a transport error otherwise.
func asTransportError(ctx context.Context, err error) error {
	var te *inference.TransportError
	if errors.As(err, &te) {
		return err
	}
	return &inference.TransportError{Op: "complete", Aborted: ctx.Err() != nil, Err: err}
}
