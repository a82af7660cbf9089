// Package admin is the operational HTTP surface layered next to the
// core framed-RPC listener: /health, /status, /metrics. It is not part
// of the core per spec.md §1, but every server of this shape carries
// something like it, in the teacher's api/rest idiom (gorilla/mux
// router, a Handler struct holding its collaborators, JSON responses).
package admin

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/igodwin/scribed/internal/dispatcher"
	"github.com/igodwin/scribed/internal/logging"
	"github.com/igodwin/scribed/internal/metrics"
)

// NewRouter builds the admin surface's router over sink/disp. logger
// may be nil, in which case request logging is skipped.
func NewRouter(sink *metrics.InProcessSink, disp *dispatcher.Dispatcher, logger *logging.Logger) *mux.Router {
	handler := NewHandler(sink, disp, logger)
	router := mux.NewRouter()

	router.HandleFunc("/health", handler.Health).Methods(http.MethodGet)
	router.HandleFunc("/status", handler.Status).Methods(http.MethodGet)
	router.HandleFunc("/metrics", handler.Metrics).Methods(http.MethodGet)

	router.Use(loggingMiddleware(logger))

	return router
}

func loggingMiddleware(logger *logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if logger != nil {
				logger.Debugf("admin: %s %s", r.Method, r.URL.Path)
			}
			next.ServeHTTP(w, r)
		})
	}
}
