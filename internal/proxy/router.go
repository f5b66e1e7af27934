package proxy

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

// router serves every request goproxy does not handle as a proxy request:
// admin endpoints, and gateway requests for any other path.
func (s *Server) router() http.Handler {
	r := chi.NewRouter()

	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	r.Use(s.gatewayDispatch)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if s.deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.MetricsHandler)
	}
	r.Post("/admin/purge", s.handlePurge)

	r.NotFound(s.handleGateway)
	r.MethodNotAllowed(s.handleGateway)

	return r
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "ok")
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.ReadyCheck != nil {
		if err := s.deps.ReadyCheck(r.Context()); err != nil {
			writeText(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeText(w, http.StatusOK, "ok")
}

// handlePurge drops every cached response
func (s *Server) handlePurge(w http.ResponseWriter, _ *http.Request) {
	if err := s.coordinator.Clear(); err != nil {
		logrus.Errorf("Failed to purge cache: %v", err)
		writeText(w, http.StatusInternalServerError, "purge failed")
		return
	}
	logrus.Infof("Cache purged")
	writeText(w, http.StatusOK, "purged")
}
