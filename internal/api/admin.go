package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/openooh/doohserve/internal/middleware"
	"github.com/openooh/doohserve/internal/models"
	"github.com/openooh/doohserve/internal/pricing"
)

type scheduleAdRequest struct {
	CampaignID string    `json:"campaign_id"`
	DeviceID   string    `json:"device_id"`
	At         time.Time `json:"at"`
	Priority   int       `json:"priority"`
}

// ScheduleAdHandler places an ad at an explicit time, preempting strictly
// lower-priority occupants of the contested interval.
func (s *Server) ScheduleAdHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "schedule"

	var req scheduleAdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, endpoint, start, fmt.Errorf("bad body: %w", models.ErrInvalidParameter))
		return
	}
	if req.CampaignID == "" || req.DeviceID == "" || req.At.IsZero() {
		s.writeError(w, r, endpoint, start, fmt.Errorf("campaign_id, device_id and at required: %w", models.ErrInvalidParameter))
		return
	}
	if req.Priority == 0 {
		req.Priority = models.DefaultPriority
	}

	d, err := s.Scheduler.ScheduleAd(r.Context(), req.CampaignID, req.DeviceID, req.At, req.Priority)
	if err != nil {
		s.writeError(w, r, endpoint, start, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
	s.observe(endpoint, r.Method, http.StatusCreated, start)
}

type pauseResponse struct {
	CampaignID string `json:"campaign_id"`
	Cancelled  int    `json:"cancelled"`
}

// PauseCampaignHandler cancels a campaign's pending deliveries. The campaign
// row itself moves to PAUSED on the next catalog reload; cancellation here
// keeps the fleet from playing a paused campaign in the meantime.
func (s *Server) PauseCampaignHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "pause_campaign"

	campaignID := mux.Vars(r)["id"]
	if s.Store.GetCampaign(campaignID) == nil {
		s.writeError(w, r, endpoint, start, fmt.Errorf("campaign %s: %w", campaignID, models.ErrNotFound))
		return
	}
	n, err := s.Tracker.CancelCampaign(r.Context(), campaignID, models.ReasonCampaignPaused)
	if err != nil {
		s.writeError(w, r, endpoint, start, err)
		return
	}
	middleware.LoggerFromRequest(r, s.Logger).Info("campaign paused",
		zap.String("campaign_id", campaignID), zap.Int("cancelled", n))
	writeJSON(w, http.StatusOK, pauseResponse{CampaignID: campaignID, Cancelled: n})
	s.observe(endpoint, r.Method, http.StatusOK, start)
}

// QuoteHandler computes a rate quote with forecast curves.
func (s *Server) QuoteHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "quote"

	q := r.URL.Query()
	slot := time.Now()
	if v := q.Get("slot"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, r, endpoint, start, fmt.Errorf("bad slot %q: %w", v, models.ErrInvalidParameter))
			return
		}
		slot = parsed
	}
	req := pricing.Request{
		PricingModel: q.Get("model"),
		CreativeType: q.Get("creative_type"),
		DeviceClass:  q.Get("device_class"),
		LocationType: q.Get("location_type"),
		SlotTime:     slot,
		Objective:    q.Get("objective"),
		CampaignID:   q.Get("campaign_id"),
	}
	if req.CampaignID != "" {
		if c := s.Store.GetCampaign(req.CampaignID); c != nil {
			req.Objective = c.Objective
			req.HistoricalSpend = c.Spend
			// Campaign-level impressions come from its creatives' counters.
			for _, cr := range s.Store.ApprovedCreatives(c.ID) {
				req.HistoricalImpressions += cr.Impressions
			}
		}
	}

	quote, err := s.Pricer.Quote(r.Context(), req)
	if err != nil {
		s.writeError(w, r, endpoint, start, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
	s.observe(endpoint, r.Method, http.StatusOK, start)
}

// RevenueHandler reports a partner's delivered revenue over a window.
func (s *Server) RevenueHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "revenue"

	partnerID := mux.Vars(r)["id"]
	partner := s.Store.GetPartner(partnerID)
	if partner == nil {
		s.writeError(w, r, endpoint, start, fmt.Errorf("partner %s: %w", partnerID, models.ErrNotFound))
		return
	}

	now := time.Now().UTC()
	from, to := now.AddDate(0, 0, -7), now
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, r, endpoint, start, fmt.Errorf("bad from %q: %w", v, models.ErrInvalidParameter))
			return
		}
		from = parsed
	}
	if v := q.Get("to"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, r, endpoint, start, fmt.Errorf("bad to %q: %w", v, models.ErrInvalidParameter))
			return
		}
		to = parsed
	}

	report, err := s.Analytics.PartnerRevenue(r.Context(), partnerID, from, to, partner.RevenueShare)
	if err != nil {
		s.writeError(w, r, endpoint, start, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
	s.observe(endpoint, r.Method, http.StatusOK, start)
}
