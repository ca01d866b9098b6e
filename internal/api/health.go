package api

import (
	"net/http"
	"time"
)

type healthResponse struct {
	Status    string         `json:"status"`
	Campaigns int            `json:"campaigns"`
	Devices   map[string]int `json:"devices"`
}

// HealthHandler reports liveness plus a small catalog summary.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "health"

	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Campaigns: len(s.Store.ActiveCampaigns()),
		Devices:   s.Store.CountDevicesByStatus(),
	})
	s.observe(endpoint, r.Method, http.StatusOK, start)
}

// ReloadHandler forces an immediate catalog refresh from Postgres.
func (s *Server) ReloadHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "reload"

	if err := s.Reload(r.Context()); err != nil {
		s.writeError(w, r, endpoint, start, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
	s.observe(endpoint, r.Method, http.StatusOK, start)
}
