package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/transcript"
)

// SummaryState is the compacted form of every turn older than the verbatim
// window.
type SummaryState struct {
	// Points holds at most max_points bullet points, oldest first.
	Points []string

	// Covered is the number of leading turns represented by Points. It never
	// decreases.
	Covered int
}

// Text renders the points as a bullet list, or "" when there are none.
func (s SummaryState) Text() string {
	if len(s.Points) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, p := range s.Points {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString("- ")
		sb.WriteString(p)
	}
	return sb.String()
}

// SummarizationError reports a failed compaction. The window state is left
// unchanged and the same span is retried at the next update.
type SummarizationError struct {
	// Covered is the coverage before the attempt.
	Covered int

	// Target is the coverage the attempt tried to reach.
	Target int

	Err error
}

func (e *SummarizationError) Error() string {
	return fmt.Sprintf("summarization of turns %d-%d failed: %v", e.Covered+1, e.Target, e.Err)
}

func (e *SummarizationError) Unwrap() error { return e.Err }

// WindowConfig configures a [Window].
type WindowConfig struct {
	// KeepLast is the number of most recent turns replayed verbatim. Must be
	// >= 0.
	KeepLast int

	// MaxPoints bounds the summary length. Must be >= 1.
	MaxPoints int

	// Summariser folds older turns into the summary. Must not be nil.
	Summariser Summariser

	// Metrics records compaction outcomes. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Window maintains the summary of everything older than the last KeepLast
// turns.
//
// All methods are safe for concurrent use.
type Window struct {
	keepLast   int
	maxPoints  int
	summariser Summariser
	metrics    *observe.Metrics

	mu    sync.Mutex
	state SummaryState
}

// NewWindow creates a [Window] with an empty summary.
func NewWindow(cfg WindowConfig) (*Window, error) {
	var errs []error
	if cfg.KeepLast < 0 {
		errs = append(errs, fmt.Errorf("keep_last must be >= 0, got %d", cfg.KeepLast))
	}
	if cfg.MaxPoints < 1 {
		errs = append(errs, fmt.Errorf("max_points must be >= 1, got %d", cfg.MaxPoints))
	}
	if cfg.Summariser == nil {
		errs = append(errs, errors.New("summariser must not be nil"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("session: new window: %w", err)
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Window{
		keepLast:   cfg.KeepLast,
		maxPoints:  cfg.MaxPoints,
		summariser: cfg.Summariser,
		metrics:    m,
	}, nil
}

// State returns a copy of the current summary.
func (w *Window) State() SummaryState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return SummaryState{Points: append([]string(nil), w.state.Points...), Covered: w.state.Covered}
}

// Update compacts turns that have left the verbatim window. The eligible span
// is every turn older than the last KeepLast; when it extends past Covered,
// the summariser receives the prior points plus the newly eligible turns and
// its result replaces the state. Nothing is called when no new turns are
// eligible.
//
// A summariser failure is returned as *[SummarizationError] and leaves the
// state untouched.
func (w *Window) Update(ctx context.Context, turns []transcript.Turn) error {
	w.mu.Lock()
	prior := w.state
	w.mu.Unlock()

	end := len(turns) - w.keepLast
	if end <= prior.Covered {
		return nil
	}
	fresh := turns[prior.Covered:end]

	ctx, span := observe.StartSpan(ctx, "session.summarise",
		trace.WithAttributes(
			attribute.Int("covered", prior.Covered),
			attribute.Int("target", end),
		),
	)
	defer span.End()

	start := time.Now()
	points, err := w.summariser.Summarise(ctx, prior.Points, fresh, w.maxPoints)
	if err != nil {
		w.metrics.RecordSummary(ctx, "error", time.Since(start))
		span.RecordError(err)
		return &SummarizationError{Covered: prior.Covered, Target: end, Err: err}
	}
	w.metrics.RecordSummary(ctx, "ok", time.Since(start))

	w.mu.Lock()
	defer w.mu.Unlock()
	// A concurrent Update may have advanced coverage meanwhile.
	if end > w.state.Covered {
		w.state = SummaryState{Points: lastN(points, w.maxPoints), Covered: end}
	}
	return nil
}

// Context returns the summary and the turns replayed verbatim: the last
// KeepLast of turns.
func (w *Window) Context(turns []transcript.Turn) (SummaryState, []transcript.Turn) {
	start := max(len(turns)-w.keepLast, 0)
	return w.State(), turns[start:]
}

// KeepLast returns the size of the verbatim window.
func (w *Window) KeepLast() int { return w.keepLast }
