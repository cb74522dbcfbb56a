package sink

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// healthResponse is the body of GET /healthz.
type healthResponse struct {
	Status   string `json:"status"`
	Provider string `json:"provider"`
	Sessions int64  `json:"sessions"`
	Listen   string `json:"listen,omitempty"`
}

// Handler returns the admin HTTP API: /healthz and /metrics.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", s.cfg.Metrics.Handler())
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:   "ok",
		Provider: s.ProviderName(),
		Sessions: s.ActiveSessions(),
		Listen:   s.Addr(),
	})
}
