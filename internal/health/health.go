// Package health serves the liveness and readiness probes the deploy
// environment polls. Liveness only proves the process answers HTTP;
// readiness additionally runs the dependency checks wired in at startup
// (OpenAI credentials, room manager state).
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// A checker that blocks longer than this is reported as failed so a
// stuck dependency cannot wedge the probe.
const checkTimeout = 5 * time.Second

// Checker is one named readiness probe. Check returns nil while the
// dependency is usable and must respect context cancellation.
type Checker struct {
	// Name keys this check in the JSON response.
	Name string

	Check func(ctx context.Context) error
}

// result is the wire shape of both probe responses.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler answers /healthz and /readyz. The checker list is fixed at
// construction, so concurrent requests need no locking.
type Handler struct {
	checkers []Checker
}

// New builds a Handler running the given checkers, in order, on every
// readiness request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz always answers 200. Reaching this handler at all is the
// liveness signal.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz answers 200 only while every checker passes, 503 with the
// per-check failures otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	ready := true

	for _, chk := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := chk.Check(ctx)
		cancel()

		if err != nil {
			checks[chk.Name] = "fail: " + err.Error()
			ready = false
		} else {
			checks[chk.Name] = "ok"
		}
	}

	body := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !ready {
		body.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

// Register mounts both probe routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
