package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

type Server struct {
	Mux *mux.Router
}

func New() *Server {
	return &Server{Mux: mux.NewRouter()}
}

type ReadyzCheck func(ctx context.Context) error

// RegisterHealth mounts liveness and readiness probes. Readiness runs every
// check under the timeout; any failure reports 503.
func (s *Server) RegisterHealth(timeout time.Duration, checks ...ReadyzCheck) {
	s.Mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	s.Mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		for _, check := range checks {
			if err := check(ctx); err != nil {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
}
