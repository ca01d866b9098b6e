package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/openooh/doohserve/internal/models"
)

type playbackRequest struct {
	syncEnvelope
	models.PlaybackReport
}

type playbackResponse struct {
	DeliveryID  string  `json:"delivery_id"`
	State       string  `json:"state"`
	Impressions int64   `json:"impressions"`
	Engagements int64   `json:"engagements"`
	Completions int64   `json:"completions"`
	Cost        float64 `json:"cost"`
	Sequence    int64   `json:"sequence,omitempty"`
}

// PlaybackHandler applies a device playback report. The delivery is named in
// the path; duplicate reports return the stored final counters with a 200,
// and a report against a cancelled delivery returns the cancelled state and
// moves nothing.
func (s *Server) PlaybackHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "playback"

	partner, _, err := s.authPartner(r)
	if err != nil {
		s.writeError(w, r, endpoint, start, err)
		return
	}

	var req playbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, endpoint, start, fmt.Errorf("bad body: %w", models.ErrInvalidParameter))
		return
	}
	report := req.PlaybackReport
	report.DeliveryID = mux.Vars(r)["id"]
	if report.DeliveryID == "" {
		s.writeError(w, r, endpoint, start, fmt.Errorf("missing delivery id: %w", models.ErrInvalidParameter))
		return
	}
	if report.EndTime.Before(report.StartTime) {
		s.writeError(w, r, endpoint, start, fmt.Errorf("end_time before start_time: %w", models.ErrInvalidParameter))
		return
	}

	// The delivery must belong to a device in the calling partner's fleet.
	existing, err := s.Tracker.Get(r.Context(), report.DeliveryID)
	if err != nil {
		s.writeError(w, r, endpoint, start, err)
		return
	}
	if _, err := s.deviceForPartner(partner, existing.DeviceID); err != nil {
		s.writeError(w, r, endpoint, start, err)
		return
	}

	updated, err := s.Tracker.ReportPlayback(r.Context(), report)
	if err != nil {
		s.writeError(w, r, endpoint, start, err)
		return
	}
	writeJSON(w, http.StatusOK, playbackResponse{
		DeliveryID:  updated.ID,
		State:       updated.State,
		Impressions: updated.Impressions,
		Engagements: updated.Engagements,
		Completions: updated.Completions,
		Cost:        updated.Cost,
		Sequence:    req.Sequence,
	})
	s.observe(endpoint, r.Method, http.StatusOK, start)
}
