package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/igodwin/scribed/internal/dispatcher"
	"github.com/igodwin/scribed/internal/logging"
	"github.com/igodwin/scribed/internal/metrics"
)

// Handler serves the admin surface; sink is nil-safe (a server started
// without an in-process sink still answers /health and /status).
type Handler struct {
	sink   *metrics.InProcessSink
	disp   *dispatcher.Dispatcher
	logger *logging.Logger
}

func NewHandler(sink *metrics.InProcessSink, disp *dispatcher.Dispatcher, logger *logging.Logger) *Handler {
	return &Handler{sink: sink, disp: disp, logger: logger}
}

// Health handles GET /health: a liveness probe that always returns 200
// once the process has a router to serve it from.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "scribed",
		"time":    time.Now().UTC(),
	})
}

// Status handles GET /status: whether the server is accepting calls or
// in its Stopping shutdown window, per spec.md §5.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	stopping := h.disp != nil && h.disp.Stopping()
	state := "running"
	if stopping {
		state = "stopping"
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"state": state,
	})
}

// Metrics handles GET /metrics: a snapshot of the in-process sink's
// counters/stats/histogram summaries, per spec.md §6's sink interface.
// Returns an empty JSON object when the server was started without an
// in-process sink (an external sink was wired instead).
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	if h.sink == nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{})
		return
	}
	counters, stats, histograms := h.sink.Snapshot()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"counters":   counters,
		"stats":      stats,
		"histograms": histograms,
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
