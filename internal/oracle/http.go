package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openooh/doohserve/internal/models"
	"github.com/openooh/doohserve/internal/observability"
)

// HTTPModerator calls the moderation service over HTTP.
type HTTPModerator struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	metrics    observability.MetricsRegistry
}

// NewHTTPModerator creates a moderator client with a request timeout.
func NewHTTPModerator(baseURL string, timeout time.Duration, logger *zap.Logger, metrics observability.MetricsRegistry) *HTTPModerator {
	return &HTTPModerator{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		metrics:    metrics,
	}
}

type moderationRequest struct {
	CreativeID string `json:"creative_id"`
	MediaType  string `json:"media_type"`
	URL        string `json:"url"`
	Format     string `json:"format,omitempty"`
	Duration   int    `json:"duration"`
}

// Review asks the moderation service for a verdict. Errors are returned to
// the caller: the catalog decides whether to fall back to basic checks.
func (m *HTTPModerator) Review(ctx context.Context, c *models.Creative) (ModerationVerdict, error) {
	var verdict ModerationVerdict
	err := postJSON(ctx, m.httpClient, m.baseURL+"/v1/moderate", moderationRequest{
		CreativeID: c.ID,
		MediaType:  c.MediaType,
		URL:        c.URL,
		Format:     c.Format,
		Duration:   c.Duration,
	}, &verdict)
	if err != nil {
		m.metrics.IncrementOracleCalls("moderator", "failure")
		return ModerationVerdict{}, err
	}
	m.metrics.IncrementOracleCalls("moderator", "success")
	return verdict, nil
}

// HTTPOptimizer calls the price optimization service. Hints are cached per
// (campaign, class, hour) so the pricing hot path rarely blocks on the wire.
type HTTPOptimizer struct {
	baseURL    string
	httpClient *http.Client
	cacheTTL   time.Duration
	logger     *zap.Logger
	metrics    observability.MetricsRegistry

	cacheMu sync.RWMutex
	cache   map[string]cachedHint
}

type cachedHint struct {
	hint    PriceHint
	fetched time.Time
}

// NewHTTPOptimizer creates an optimizer client.
func NewHTTPOptimizer(baseURL string, timeout, cacheTTL time.Duration, logger *zap.Logger, metrics observability.MetricsRegistry) *HTTPOptimizer {
	return &HTTPOptimizer{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		cacheTTL:   cacheTTL,
		logger:     logger,
		metrics:    metrics,
		cache:      make(map[string]cachedHint),
	}
}

type hintRequest struct {
	CampaignID  string `json:"campaign_id"`
	DeviceClass string `json:"device_class"`
	HourOfDay   int    `json:"hour_of_day"`
	DayOfWeek   int    `json:"day_of_week"`
}

// Hint returns the optimizer's multiplier for the slot. Unavailable service
// yields the identity hint, never an error surfaced to pricing.
func (o *HTTPOptimizer) Hint(ctx context.Context, campaignID, deviceClass string, slot time.Time) (PriceHint, error) {
	key := fmt.Sprintf("%s:%s:%d:%d", campaignID, deviceClass, slot.Hour(), int(slot.Weekday()))
	o.cacheMu.RLock()
	cached, ok := o.cache[key]
	o.cacheMu.RUnlock()
	if ok && time.Since(cached.fetched) < o.cacheTTL {
		return cached.hint, nil
	}

	var hint PriceHint
	err := postJSON(ctx, o.httpClient, o.baseURL+"/v1/optimize", hintRequest{
		CampaignID:  campaignID,
		DeviceClass: deviceClass,
		HourOfDay:   slot.Hour(),
		DayOfWeek:   int(slot.Weekday()),
	}, &hint)
	if err != nil {
		o.metrics.IncrementOracleCalls("optimizer", "failure")
		o.logger.Warn("price optimizer unavailable, using identity hint",
			zap.Error(err), zap.String("campaign_id", campaignID))
		return PriceHint{Multiplier: 1.0}, nil
	}
	if hint.Multiplier <= 0 {
		hint.Multiplier = 1.0
	}
	o.metrics.IncrementOracleCalls("optimizer", "success")

	o.cacheMu.Lock()
	o.cache[key] = cachedHint{hint: hint, fetched: time.Now()}
	o.cacheMu.Unlock()
	return hint, nil
}

// ClearCache drops all cached hints, for tests and config pushes.
func (o *HTTPOptimizer) ClearCache() {
	o.cacheMu.Lock()
	defer o.cacheMu.Unlock()
	o.cache = make(map[string]cachedHint)
}

// HTTPScheduleOptimizer asks the optimization service to rearrange a device
// window. Shares the optimizer service base URL with the price hints.
type HTTPScheduleOptimizer struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	metrics    observability.MetricsRegistry
}

// NewHTTPScheduleOptimizer creates a schedule optimizer client.
func NewHTTPScheduleOptimizer(baseURL string, timeout time.Duration, logger *zap.Logger, metrics observability.MetricsRegistry) *HTTPScheduleOptimizer {
	return &HTTPScheduleOptimizer{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		metrics:    metrics,
	}
}

type scheduleRequest struct {
	DeviceID string         `json:"device_id"`
	Proposal []ProposedSlot `json:"proposal"`
}

// Optimize returns the service's assignment, or the original proposal when
// the service is unreachable or answers with a different slot set.
func (s *HTTPScheduleOptimizer) Optimize(ctx context.Context, deviceID string, proposal []ProposedSlot) ([]ProposedSlot, error) {
	var optimized []ProposedSlot
	err := postJSON(ctx, s.httpClient, s.baseURL+"/v1/schedule", scheduleRequest{
		DeviceID: deviceID,
		Proposal: proposal,
	}, &optimized)
	if err != nil {
		s.metrics.IncrementOracleCalls("schedule_optimizer", "failure")
		s.logger.Warn("schedule optimizer unavailable, keeping deterministic assignment",
			zap.Error(err), zap.String("device_id", deviceID))
		return proposal, nil
	}
	if len(optimized) != len(proposal) {
		s.metrics.IncrementOracleCalls("schedule_optimizer", "failure")
		s.logger.Warn("schedule optimizer returned mismatched slot count, ignoring",
			zap.String("device_id", deviceID), zap.Int("got", len(optimized)), zap.Int("want", len(proposal)))
		return proposal, nil
	}
	s.metrics.IncrementOracleCalls("schedule_optimizer", "success")
	return optimized, nil
}

// HTTPAnalyzer calls the audience analysis service.
type HTTPAnalyzer struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	metrics    observability.MetricsRegistry
}

// NewHTTPAnalyzer creates an analyzer client.
func NewHTTPAnalyzer(baseURL string, timeout time.Duration, logger *zap.Logger, metrics observability.MetricsRegistry) *HTTPAnalyzer {
	return &HTTPAnalyzer{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		metrics:    metrics,
	}
}

// Analyze enriches the raw audience snapshot. Failures return the raw
// snapshot unchanged; audience processing is telemetry-only.
func (a *HTTPAnalyzer) Analyze(ctx context.Context, raw models.AudienceSnapshot) (models.AudienceSnapshot, error) {
	var enriched models.AudienceSnapshot
	if err := postJSON(ctx, a.httpClient, a.baseURL+"/v1/analyze", raw, &enriched); err != nil {
		a.metrics.IncrementOracleCalls("analyzer", "failure")
		a.logger.Warn("audience analyzer unavailable", zap.Error(err))
		return raw, nil
	}
	a.metrics.IncrementOracleCalls("analyzer", "success")
	return enriched, nil
}

// postJSON sends a JSON POST and decodes the 200 response into out.
func postJSON(ctx context.Context, client *http.Client, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(b))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
