// Package health implements liveness and readiness probes for the robot
// backend. The tablet gateway serves [Handler.Readyz] at /status so a tablet
// can tell whether the robot and the conversation layer are up before opening
// its websocket; the operational listener exposes the conventional /healthz
// and /readyz pair through [Handler.Register].
//
// Probe responses are JSON: a top-level "status" of "ok" or "fail", plus a
// "checks" map with one entry per named checker on readiness probes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Each check gets its own deadline so one hung dependency cannot stall the
// whole probe past a scraper's timeout.
const checkTimeout = 5 * time.Second

// Checker probes one dependency the backend cannot serve without, such as
// "robot" or "conversation". Check returns nil when healthy; its error text
// is reported verbatim in the probe response.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type response struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler answers probe requests against a fixed set of checkers. Safe for
// concurrent use.
type Handler struct {
	checkers []Checker
}

// New builds a Handler over the given checkers. Readiness probes run them
// sequentially in the order given.
func New(checkers ...Checker) *Handler {
	h := &Handler{checkers: make([]Checker, len(checkers))}
	copy(h.checkers, checkers)
	return h
}

// Healthz answers liveness: if the process serves this request, it is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	h.reply(w, http.StatusOK, response{Status: "ok"})
}

// Readyz answers readiness: 200 when every checker passes, 503 with the
// failing checks named otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks, ok := h.runChecks(r.Context())

	res := response{Status: "ok", Checks: checks}
	code := http.StatusOK
	if !ok {
		res.Status = "fail"
		code = http.StatusServiceUnavailable
	}
	h.reply(w, code, res)
}

func (h *Handler) runChecks(ctx context.Context) (map[string]string, bool) {
	checks := make(map[string]string, len(h.checkers))
	ok := true
	for _, c := range h.checkers {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.Check(cctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			ok = false
			continue
		}
		checks[c.Name] = "ok"
	}
	return checks, ok
}

// Register mounts /healthz and /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func (h *Handler) reply(w http.ResponseWriter, code int, res response) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
