// Package health serves the liveness and readiness endpoints of a running
// conversation.
//
//   - /healthz: liveness; always 200 while the process serves HTTP. The body
//     carries the progress of the current run when a [ProgressFunc] is set.
//   - /readyz: readiness; 200 only when every [Checker] passes, for example
//     the transcript database answers a ping and at least one model backend
//     has a closed circuit breaker.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail").
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// ErrUnavailable is returned by checks built with [Available] when the
// probed component reports itself unavailable.
var ErrUnavailable = errors.New("unavailable")

// Checker is a named readiness check. Check returns nil when the dependency
// is usable.
type Checker struct {
	// Name is the key of the check in the JSON response (e.g. "postgres",
	// "agent_a").
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Ping adapts a ping-style method, such as the transcript database's, to a
// [Checker].
func Ping(name string, ping func(context.Context) error) Checker {
	return Checker{Name: name, Check: ping}
}

// Available adapts a boolean health flag, such as a failover group's, to a
// [Checker] that fails with [ErrUnavailable].
func Available(name string, ok func() bool) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if !ok() {
			return ErrUnavailable
		}
		return nil
	}}
}

// Progress is a snapshot of the current run.
type Progress struct {
	RunID string `json:"run_id"`
	State string `json:"state"`
	Turns int    `json:"turns"`

	// Stable is the number of consecutive turns at or above the threshold.
	Stable int `json:"stable"`
}

// ProgressFunc returns the current run snapshot.
type ProgressFunc func() Progress

type result struct {
	Status string            `json:"status"`
	Run    *Progress         `json:"run,omitempty"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. It is safe for concurrent use; the
// checker list is fixed at construction time.
type Handler struct {
	checkers []Checker
	progress ProgressFunc
}

// Option configures a [Handler].
type Option func(*Handler)

// WithProgress reports run progress in the /healthz body.
func WithProgress(fn ProgressFunc) Option {
	return func(h *Handler) { h.progress = fn }
}

// WithCheckers adds readiness checks.
func WithCheckers(checkers ...Checker) Option {
	return func(h *Handler) { h.checkers = append(h.checkers, checkers...) }
}

// New creates a [Handler].
func New(opts ...Option) *Handler {
	h := &Handler{}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Healthz is a liveness probe that always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	res := result{Status: "ok"}
	if h.progress != nil {
		p := h.progress()
		res.Run = &p
	}
	writeJSON(w, http.StatusOK, res)
}

// Readyz runs every [Checker] concurrently, each under a [checkTimeout]
// deadline derived from the request context, and returns 503 when any of
// them fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.checkers))
		failed bool
	)

	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			err := c.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				failed = true
			} else {
				checks[c.Name] = "ok"
			}
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if failed {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
