package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hilthontt/roomshuffle/internal/infrastructure/json"
)

const checkTimeout = 2 * time.Second

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

type Handler struct {
	startTime time.Time
	healthy   atomic.Bool

	mu     sync.RWMutex
	checks map[string]Check
}

func NewHandler() *Handler {
	h := &Handler{
		startTime: time.Now(),
		checks:    make(map[string]Check),
	}
	h.healthy.Store(true)
	return h
}

// AddCheck registers a dependency that /ready verifies.
func (h *Handler) AddCheck(name string, check Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// SetHealthy flips the liveness status, e.g. while shutting down.
func (h *Handler) SetHealthy(ok bool) {
	h.healthy.Store(ok)
}

func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	if !h.healthy.Load() {
		_ = json.Write(w, http.StatusServiceUnavailable, h.response("unhealthy", nil))
		return
	}

	_ = json.Write(w, http.StatusOK, h.response("ok", nil))
}

func (h *Handler) GetReady(w http.ResponseWriter, r *http.Request) {
	if !h.healthy.Load() {
		_ = json.Write(w, http.StatusServiceUnavailable, h.response("unhealthy", nil))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	h.mu.RLock()
	defer h.mu.RUnlock()

	results := make(map[string]string, len(h.checks))
	status, code := "ok", http.StatusOK
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			status, code = "unhealthy", http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	_ = json.Write(w, code, h.response(status, results))
}

func (h *Handler) response(status string, checks map[string]string) healthResponse {
	return healthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Checks:    checks,
	}
}
