package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	loggerpkg "github.com/lechuhuuha/table_forge/logger"
	"github.com/lechuhuuha/table_forge/service"
)

const (
	defaultRequestTimeout = 2 * time.Second
	transientLogInterval  = 5 * time.Second
)

// StatusProvider exposes the worker status.
type StatusProvider interface {
	Status() service.WorkerStatus
}

// Check reports whether one dependency is usable.
type Check func(ctx context.Context) error

// Handler serves the operational endpoints of a worker.
type Handler struct {
	status             StatusProvider
	checks             map[string]Check
	logger             loggerpkg.Logger
	requestTimeout     time.Duration
	lastTransientLogNs atomic.Int64
}

// NewHandler builds the HTTP handler set.
func NewHandler(status StatusProvider, logr loggerpkg.Logger) *Handler {
	if logr == nil {
		logr = loggerpkg.NewNop()
	}
	return &Handler{
		status:         status,
		checks:         make(map[string]Check),
		logger:         logr,
		requestTimeout: defaultRequestTimeout,
	}
}

// WithRequestTimeout overrides the timeout applied to health checks.
func (h *Handler) WithRequestTimeout(timeout time.Duration) *Handler {
	if h == nil {
		return h
	}
	if timeout > 0 {
		h.requestTimeout = timeout
	}
	return h
}

// WithCheck adds a named dependency check to /health.
func (h *Handler) WithCheck(name string, check Check) *Handler {
	if check != nil {
		h.checks[name] = check
	}
	return h
}

// RegisterRoutes attaches the HTTP endpoints to the provided mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/status", h.handleStatus)
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	if h.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.requestTimeout)
		defer cancel()
	}

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(h.checks))}
	code := http.StatusOK
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "unavailable"
			code = http.StatusServiceUnavailable
			h.logTransientHealthError(name, err)
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, code, resp)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.status == nil {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, h.status.Status())
}

func (h *Handler) logTransientHealthError(name string, err error) {
	now := time.Now().UTC().UnixNano()
	last := h.lastTransientLogNs.Load()
	if now-last < int64(transientLogInterval) {
		return
	}
	if h.lastTransientLogNs.CompareAndSwap(last, now) {
		h.logger.Warn("health check failed", loggerpkg.F("check", name), loggerpkg.Err(err))
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
