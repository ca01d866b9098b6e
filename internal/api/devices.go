package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/openooh/doohserve/internal/middleware"
	"github.com/openooh/doohserve/internal/models"
)

// syncEnvelope is carried by every device sync payload. The sequence is a
// per-device monotonic counter assigned by the device; responses echo it so
// a device can match answers to in-flight requests.
type syncEnvelope struct {
	DeviceID  string    `json:"device_id,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Sequence  int64     `json:"sequence,omitempty"`
}

type registerRequest struct {
	syncEnvelope
	Fingerprint string             `json:"fingerprint"`
	Class       string             `json:"class"`
	Location    models.Location    `json:"location"`
	Specs       models.DeviceSpecs `json:"specs"`
}

type registerResponse struct {
	DeviceID      string `json:"device_id"`
	Status        string `json:"status"`
	ConfigVersion int    `json:"config_version"`
	Sequence      int64  `json:"sequence,omitempty"`
}

// RegisterHandler enrolls a device into the partner's fleet. Registration is
// idempotent on (partner, fingerprint): re-registering returns the existing
// device ID.
func (s *Server) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "register"

	partner, _, err := s.authPartner(r)
	if err != nil {
		s.writeError(w, r, endpoint, start, err)
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, endpoint, start, fmt.Errorf("bad body: %w", models.ErrInvalidParameter))
		return
	}
	if req.Fingerprint == "" || !validClass(req.Class) {
		s.writeError(w, r, endpoint, start, fmt.Errorf("fingerprint and class required: %w", models.ErrInvalidParameter))
		return
	}

	if existing := s.Store.GetDeviceByFingerprint(partner.ID, req.Fingerprint); existing != nil {
		writeJSON(w, http.StatusOK, registerResponse{
			DeviceID:      existing.ID,
			Status:        existing.Status,
			ConfigVersion: partner.ConfigVersion,
			Sequence:      req.Sequence,
		})
		s.observe(endpoint, r.Method, http.StatusOK, start)
		return
	}

	now := time.Now().UTC()
	device := models.Device{
		ID:            uuid.NewString(),
		PartnerID:     partner.ID,
		Fingerprint:   req.Fingerprint,
		Class:         req.Class,
		Location:      req.Location,
		Specs:         req.Specs,
		Status:        models.DeviceStatusActive,
		Health:        models.HealthUnknown,
		LastSeen:      now,
		ConfigVersion: partner.ConfigVersion,
		RegisteredAt:  now,
	}
	if err := s.Store.UpsertDevice(device); err != nil {
		s.writeError(w, r, endpoint, start, err)
		return
	}
	if s.PG != nil {
		if err := s.PG.UpsertDevice(r.Context(), device); err != nil {
			middleware.LoggerFromRequest(r, s.Logger).Error("device persist failed",
				zap.String("device_id", device.ID), zap.Error(err))
		}
	}

	middleware.LoggerFromRequest(r, s.Logger).Info("device registered",
		zap.String("device_id", device.ID),
		zap.String("partner_id", partner.ID),
		zap.String("class", device.Class))
	writeJSON(w, http.StatusCreated, registerResponse{
		DeviceID:      device.ID,
		Status:        device.Status,
		ConfigVersion: partner.ConfigVersion,
		Sequence:      req.Sequence,
	})
	s.observe(endpoint, r.Method, http.StatusCreated, start)
}

func validClass(class string) bool {
	_, ok := models.TargetSlotsPerHour[class]
	return ok
}

type heartbeatRequest struct {
	syncEnvelope
	Health        string               `json:"health"`
	Metrics       models.DeviceMetrics `json:"metrics"`
	Errors        []string             `json:"errors,omitempty"`
	ConfigVersion int                  `json:"config_version"`
}

type heartbeatResponse struct {
	Status        string `json:"status"`
	ConfigUpdated bool   `json:"config_updated"`
	ConfigVersion int    `json:"config_version"`
	Sequence      int64  `json:"sequence,omitempty"`
}

// HeartbeatHandler updates lastSeen and health. The device identifies itself
// in the body; the response tells it whether partner config moved past its
// acknowledged version.
func (s *Server) HeartbeatHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "heartbeat"

	partner, _, err := s.authPartner(r)
	if err != nil {
		s.writeError(w, r, endpoint, start, err)
		return
	}

	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, endpoint, start, fmt.Errorf("bad body: %w", models.ErrInvalidParameter))
		return
	}
	device, err := s.deviceForPartner(partner, req.DeviceID)
	if err != nil {
		s.writeError(w, r, endpoint, start, err)
		return
	}
	health := req.Health
	if !validHealth(health) {
		health = models.HealthHealthy
	}

	now := time.Now().UTC()
	if err := s.Store.SetDeviceHealth(device.ID, health, now); err != nil {
		s.writeError(w, r, endpoint, start, err)
		return
	}
	if s.PG != nil {
		if err := s.PG.TouchDevice(r.Context(), device.ID, health, now); err != nil {
			middleware.LoggerFromRequest(r, s.Logger).Warn("heartbeat persist failed",
				zap.String("device_id", device.ID), zap.Error(err))
		}
	}
	if len(req.Errors) > 0 {
		middleware.LoggerFromRequest(r, s.Logger).Warn("device reported errors",
			zap.String("device_id", device.ID), zap.Strings("errors", req.Errors))
	}

	writeJSON(w, http.StatusOK, heartbeatResponse{
		Status:        "ok",
		ConfigUpdated: req.ConfigVersion < partner.ConfigVersion,
		ConfigVersion: partner.ConfigVersion,
		Sequence:      req.Sequence,
	})
	s.observe(endpoint, r.Method, http.StatusOK, start)
}

func validHealth(h string) bool {
	switch h {
	case models.HealthHealthy, models.HealthWarning, models.HealthCritical, models.HealthOffline, models.HealthUnknown:
		return true
	}
	return false
}

type queueCreative struct {
	Type       string `json:"type"`
	URL        string `json:"url"`
	Format     string `json:"format,omitempty"`
	Duration   int    `json:"duration"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
}

type queueCampaign struct {
	ID           string `json:"id"`
	PricingModel string `json:"pricing_model"`
}

type queueEntry struct {
	DeliveryID    string        `json:"delivery_id"`
	ScheduledTime time.Time     `json:"scheduled_time"`
	State         string        `json:"state"`
	Priority      int           `json:"priority"`
	Creative      queueCreative `json:"creative"`
	Campaign      queueCampaign `json:"campaign"`
}

type queueResponse struct {
	Entries  []queueEntry     `json:"entries"`
	Fallback *models.Fallback `json:"fallback,omitempty"`
}

// QueueHandler returns the device's promotable deliveries, earliest first.
// The first entry is promoted to DELIVERING; an empty timeline answers with
// fallback content instead of an error.
func (s *Server) QueueHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "queue"

	partner, _, err := s.authPartner(r)
	if err != nil {
		s.writeError(w, r, endpoint, start, err)
		return
	}
	device, err := s.deviceForPartner(partner, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, endpoint, start, err)
		return
	}
	if !s.Limiter.Allow(device.ID) {
		s.Metrics.IncrementRateLimitHits()
		s.writeError(w, r, endpoint, start, fmt.Errorf("device %s: %w", device.ID, models.ErrRateLimited))
		return
	}

	lookahead := s.Config.DefaultLookahead
	if v := r.URL.Query().Get("lookahead"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs < 0 {
			s.writeError(w, r, endpoint, start, fmt.Errorf("bad lookahead %q: %w", v, models.ErrInvalidParameter))
			return
		}
		lookahead = time.Duration(secs) * time.Second
	}

	rows, err := s.Tracker.PullQueue(r.Context(), device.ID, lookahead, 10)
	if err != nil {
		s.writeError(w, r, endpoint, start, err)
		return
	}

	resp := queueResponse{Entries: make([]queueEntry, 0, len(rows))}
	for _, d := range rows {
		entry := queueEntry{
			DeliveryID:    d.ID,
			ScheduledTime: d.ScheduledTime,
			State:         d.State,
			Priority:      d.Priority,
		}
		if cr := s.Store.GetCreative(d.CreativeID); cr != nil {
			entry.Creative = queueCreative{
				Type:     cr.MediaType,
				URL:      cr.URL,
				Format:   cr.Format,
				Duration: d.Duration,
				Width:    cr.Width,
				Height:   cr.Height,
			}
		}
		if c := s.Store.GetCampaign(d.CampaignID); c != nil {
			entry.Campaign = queueCampaign{ID: c.ID, PricingModel: c.PricingModel}
		}
		resp.Entries = append(resp.Entries, entry)
	}
	if len(resp.Entries) == 0 {
		fb := s.Tracker.Fallback(device)
		resp.Fallback = &fb
	}
	writeJSON(w, http.StatusOK, resp)
	s.observe(endpoint, r.Method, http.StatusOK, start)
}

// deviceForPartner loads the device and enforces partner ownership.
func (s *Server) deviceForPartner(partner *models.Partner, deviceID string) (*models.Device, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("missing device id: %w", models.ErrInvalidParameter)
	}
	device := s.Store.GetDevice(deviceID)
	if device == nil || device.PartnerID != partner.ID {
		// A foreign device reads as absent so the endpoint does not leak
		// other fleets' IDs.
		return nil, fmt.Errorf("device %s: %w", deviceID, models.ErrNotFound)
	}
	return device, nil
}
