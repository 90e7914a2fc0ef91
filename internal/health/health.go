// Package health serves the liveness and readiness probes.
//
// /healthz answers 200 while the process serves HTTP. /readyz runs every
// registered [Checker] and answers with one of three states:
//
//	ok        every check passed                      200
//	degraded  only optional checks failed             200
//	fail      at least one required check failed      503
//
// The body lists each check with its outcome and how long it took.
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

// Overall and per-check states.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// checkTimeout bounds a single check.
const checkTimeout = 5 * time.Second

// Checker is one named readiness check. Check returns nil when the
// dependency is usable and must honour ctx. A failing Optional check
// degrades readiness without failing it.
type Checker struct {
	Name     string
	Check    func(ctx context.Context) error
	Optional bool
}

// Optional returns c marked as optional.
func Optional(c Checker) Checker {
	c.Optional = true
	return c
}

// ErrNotStarted is reported by [SessionStarted] before the session is up.
var ErrNotStarted = errors.New("session not started")

// ErrBreakerOpen is reported by [Breaker] while the breaker rejects calls.
var ErrBreakerOpen = errors.New("circuit breaker open")

// SessionStarted passes once started returns true.
func SessionStarted(started func() bool) Checker {
	return Checker{Name: "session", Check: func(context.Context) error {
		if !started() {
			return ErrNotStarted
		}
		return nil
	}}
}

// Breaker is an optional check that fails while open reports true. A
// provider behind an open breaker still lets the assistant listen.
func Breaker(name string, open func() bool) Checker {
	return Checker{Name: name, Optional: true, Check: func(context.Context) error {
		if open() {
			return ErrBreakerOpen
		}
		return nil
	}}
}

// Pinger is satisfied by stores that can verify their connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping passes while p answers.
func Ping(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// Report is the /readyz body.
type Report struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one checker.
type CheckResult struct {
	Status    string  `json:"status"`
	Error     string  `json:"error,omitempty"`
	LatencyMS float64 `json:"latency_ms"`
}

// Handler serves /healthz and /readyz over a fixed set of checkers.
type Handler struct {
	checkers []Checker
}

// New returns a Handler evaluating checkers on every /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Register mounts both probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: StatusOK})
}

// Readyz runs all checks concurrently under the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Check(r.Context())
	code := http.StatusOK
	if rep.Status == StatusFail {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

// Check evaluates every checker, each bounded by its own timeout.
func (h *Handler) Check(ctx context.Context) Report {
	var (
		mu  sync.Mutex
		rep = Report{Status: StatusOK, Checks: make(map[string]CheckResult, len(h.checkers))}
		g   errgroup.Group
	)
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			start := time.Now()
			err := c.Check(cctx)
			cr := CheckResult{Status: StatusOK, LatencyMS: float64(time.Since(start).Microseconds()) / 1000}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				cr.Error = err.Error()
				cr.Status = StatusFail
				switch {
				case !c.Optional:
					rep.Status = StatusFail
				case rep.Status == StatusOK:
					rep.Status = StatusDegraded
				}
			}
			rep.Checks[c.Name] = cr
			return nil
		})
	}
	_ = g.Wait()
	return rep
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
