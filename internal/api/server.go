// Package api exposes the device sync surface and the operator endpoints.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/openooh/doohserve/internal/analytics"
	"github.com/openooh/doohserve/internal/config"
	"github.com/openooh/doohserve/internal/db"
	"github.com/openooh/doohserve/internal/delivery"
	"github.com/openooh/doohserve/internal/middleware"
	"github.com/openooh/doohserve/internal/models"
	"github.com/openooh/doohserve/internal/observability"
	"github.com/openooh/doohserve/internal/pricing"
	"github.com/openooh/doohserve/internal/ratelimit"
	"github.com/openooh/doohserve/internal/scheduler"
	"github.com/openooh/doohserve/internal/token"
)

// Server groups dependencies for HTTP handlers.
type Server struct {
	Logger    *zap.Logger
	Store     models.DataStore
	PG        *db.Postgres
	Tracker   *delivery.Tracker
	Scheduler *scheduler.Scheduler
	Pricer    *pricing.Engine
	Analytics analytics.Service
	Limiter   *ratelimit.DeviceLimiter
	Metrics   observability.MetricsRegistry
	Config    config.Config

	TokenSecret []byte
	TokenTTL    time.Duration

	reloadMu sync.Mutex
}

// NewServer constructs a Server.
func NewServer(logger *zap.Logger, store models.DataStore, pg *db.Postgres, tracker *delivery.Tracker, sched *scheduler.Scheduler, pricer *pricing.Engine, analyticsSvc analytics.Service, limiter *ratelimit.DeviceLimiter, metrics observability.MetricsRegistry, cfg config.Config) *Server {
	return &Server{
		Logger:      logger,
		Store:       store,
		PG:          pg,
		Tracker:     tracker,
		Scheduler:   sched,
		Pricer:      pricer,
		Analytics:   analyticsSvc,
		Limiter:     limiter,
		Metrics:     metrics,
		Config:      cfg,
		TokenSecret: []byte(cfg.TokenSecret),
		TokenTTL:    cfg.TokenTTL,
	}
}

// Router builds the HTTP route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.WithTraceLogger(s.Logger))

	r.HandleFunc("/devices/register", s.RegisterHandler).Methods("POST")
	r.HandleFunc("/devices/heartbeat", s.HeartbeatHandler).Methods("POST")
	r.HandleFunc("/devices/{id}/queue", s.QueueHandler).Methods("GET")
	r.HandleFunc("/deliveries/{id}/playback", s.PlaybackHandler).Methods("POST")

	r.HandleFunc("/schedule", s.ScheduleAdHandler).Methods("POST")
	r.HandleFunc("/campaigns/{id}/pause", s.PauseCampaignHandler).Methods("POST")
	r.HandleFunc("/pricing/quote", s.QuoteHandler).Methods("GET")
	r.HandleFunc("/partners/{id}/revenue", s.RevenueHandler).Methods("GET")

	r.HandleFunc("/health", s.HealthHandler).Methods("GET")
	r.HandleFunc("/reload", s.ReloadHandler).Methods("POST")
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Reload refreshes every catalog table from Postgres in one snapshot swap.
func (s *Server) Reload(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	if s.PG == nil {
		return fmt.Errorf("postgres unavailable")
	}
	campaigns, err := s.PG.LoadCampaigns(ctx)
	if err != nil {
		return fmt.Errorf("load campaigns: %w", err)
	}
	creatives, err := s.PG.LoadCreatives(ctx)
	if err != nil {
		return fmt.Errorf("load creatives: %w", err)
	}
	devices, err := s.PG.LoadDevices(ctx)
	if err != nil {
		return fmt.Errorf("load devices: %w", err)
	}
	partners, err := s.PG.LoadPartners(ctx)
	if err != nil {
		return fmt.Errorf("load partners: %w", err)
	}
	tests, err := s.PG.LoadABTests(ctx)
	if err != nil {
		return fmt.Errorf("load ab tests: %w", err)
	}
	if err := s.Store.ReloadAll(campaigns, creatives, devices, partners, tests); err != nil {
		return fmt.Errorf("swap snapshot: %w", err)
	}
	s.Logger.Info("catalog reloaded",
		zap.Int("campaigns", len(campaigns)),
		zap.Int("creatives", len(creatives)),
		zap.Int("devices", len(devices)),
		zap.Int("partners", len(partners)),
		zap.Int("ab_tests", len(tests)))
	return nil
}

// observe records the request metrics the same way for every handler.
func (s *Server) observe(endpoint, method string, status int, start time.Time) {
	s.Metrics.IncrementRequests(endpoint, method, fmt.Sprintf("%d", status))
	s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidParameter):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, models.ErrSlotOccupied), errors.Is(err, models.ErrStateConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrPolicyRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrTransientStorage):
		return http.StatusServiceUnavailable
	case errors.Is(err, token.ErrInvalid), errors.Is(err, token.ErrExpired):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, endpoint string, start time.Time, err error) {
	status := statusFor(err)
	if status >= 500 {
		middleware.LoggerFromRequest(r, s.Logger).Error("request failed",
			zap.String("endpoint", endpoint), zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
	s.observe(endpoint, r.Method, status, start)
}

// authPartner authenticates the partner-scoped bearer token. The payload is
// decoded first to find the partner, then the signature is checked against
// that partner's API token mixed with the service secret.
func (s *Server) authPartner(r *http.Request) (*models.Partner, token.Claims, error) {
	var claims token.Claims
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" || raw == r.Header.Get("Authorization") {
		return nil, claims, token.ErrInvalid
	}
	partnerID, err := peekPartnerID(raw)
	if err != nil {
		return nil, claims, err
	}
	partner := s.Store.GetPartner(partnerID)
	if partner == nil {
		return nil, claims, token.ErrInvalid
	}
	claims, err = token.Verify(raw, []byte(partner.APIToken), s.TokenSecret, s.TokenTTL)
	if err != nil {
		return nil, claims, err
	}
	return partner, claims, nil
}

// peekPartnerID reads the unverified partner ID out of the token payload so
// the right secret can be selected for verification.
func peekPartnerID(raw string) (string, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 2 {
		return "", token.ErrInvalid
	}
	data, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", token.ErrInvalid
	}
	var pl struct {
		PartnerID string `json:"p"`
	}
	if err := json.Unmarshal(data, &pl); err != nil || pl.PartnerID == "" {
		return "", token.ErrInvalid
	}
	return pl.PartnerID, nil
}
