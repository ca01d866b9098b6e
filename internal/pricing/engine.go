// Package pricing computes slot rates from demand, time, location, device
// class and historical performance. Rate computation is pure given the
// multiplier tables and the last-measured demand level; quotes are memoized
// with a short TTL.
package pricing

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/openooh/doohserve/internal/billing"
	"github.com/openooh/doohserve/internal/models"
	"github.com/openooh/doohserve/internal/oracle"
)

// DemandSource reads the fleet demand gauge published by the scheduler.
type DemandSource interface {
	GetDemandLevel(ctx context.Context) (float64, bool, error)
}

// HistorySource reads performance buckets for the historical blend and for
// expected-cost projections.
type HistorySource interface {
	Get(ctx context.Context, key models.BucketKey) (models.Counters, error)
}

// modelFactors convert the per-thousand base rate into the unit the pricing
// model bills in: CPM stays per-thousand, CPE and CPA become per-event rates.
var modelFactors = map[string]float64{
	models.PricingCPM:    1.0,
	models.PricingCPE:    0.1,
	models.PricingCPA:    0.4,
	models.PricingHybrid: 0.55,
}

// historicalBlendFloor is the impression count above which observed rates
// are blended 50/50 with the table rate.
const historicalBlendFloor = 1000

// Request describes one rate computation.
type Request struct {
	PricingModel string
	CreativeType string
	DeviceClass  string
	LocationType string
	SlotTime     time.Time
	// Objective applies the campaign objective multiplier when non-empty.
	Objective string
	// HistoricalImpressions and HistoricalSpend enable the 50/50 blend with
	// the campaign's observed rate once impressions pass the blend floor.
	HistoricalImpressions int64
	HistoricalSpend       float64
	// CampaignID keys the optimizer hint; empty skips the optimizer.
	CampaignID string
}

// Forecast projects the adjusted rate forward.
type Forecast struct {
	// Hourly is the adjusted rate at each hour of the slot's day.
	Hourly [24]float64 `json:"hourly"`
	// Weekly is the mean daily rate for each of the next four weeks.
	Weekly [4]float64 `json:"weekly"`
}

// Quote is the engine's answer for one request.
type Quote struct {
	BaseRate     float64  `json:"base_rate"`
	AdjustedRate float64  `json:"adjusted_rate"`
	// UnitRate is the flat billing rate per countable unit of the model, so
	// callers can project a charge without redoing the billing math.
	UnitRate    float64  `json:"unit_rate"`
	Forecast    Forecast `json:"forecast"`
	DemandLevel float64  `json:"demand_level"`
}

// Engine composes the multiplier tables, demand gauge and optimizer hints.
type Engine struct {
	tables    atomic.Pointer[Tables]
	demand    DemandSource
	history   HistorySource
	optimizer oracle.Optimizer
	logger    *zap.Logger

	demandDefault float64
	minRate       float64

	cacheTTL time.Duration
	cacheMu  sync.Mutex
	cache    map[string]cachedQuote
	nowFn    func() time.Time
}

type cachedQuote struct {
	quote   Quote
	expires time.Time
}

// NewEngine creates a pricing engine with the default tables. optimizer may
// be nil to skip external hints.
func NewEngine(demand DemandSource, history HistorySource, optimizer oracle.Optimizer, demandDefault, minRate float64, cacheTTL time.Duration, logger *zap.Logger) *Engine {
	e := &Engine{
		demand:        demand,
		history:       history,
		optimizer:     optimizer,
		logger:        logger,
		demandDefault: demandDefault,
		minRate:       minRate,
		cacheTTL:      cacheTTL,
		cache:         make(map[string]cachedQuote),
		nowFn:         time.Now,
	}
	if e.optimizer == nil {
		e.optimizer = oracle.NullOptimizer{}
	}
	e.tables.Store(DefaultTables())
	return e
}

// ReloadTables swaps in a new multiplier set and drops the quote cache.
func (e *Engine) ReloadTables(t *Tables) {
	e.tables.Store(t)
	e.cacheMu.Lock()
	e.cache = make(map[string]cachedQuote)
	e.cacheMu.Unlock()
}

// demandMultiplier maps demand d in [0,1] into [0.7, 1.8].
func demandMultiplier(d float64) float64 {
	return 0.7 + math.Pow(d, 1.5)*1.1
}

// DemandLevel reads the gauge, substituting the default when unavailable.
func (e *Engine) DemandLevel(ctx context.Context) float64 {
	d, ok, err := e.demand.GetDemandLevel(ctx)
	if err != nil || !ok {
		return e.demandDefault
	}
	if d < 0 {
		d = 0
	}
	if d > 1 {
		d = 1
	}
	return d
}

func (e *Engine) validate(req Request) error {
	if req.HistoricalImpressions < 0 || req.HistoricalSpend < 0 {
		return fmt.Errorf("negative historical inputs: %w", models.ErrInvalidParameter)
	}
	if req.SlotTime.IsZero() {
		return fmt.Errorf("zero slot time: %w", models.ErrInvalidParameter)
	}
	return nil
}

func cacheKey(req Request, demand float64) string {
	return fmt.Sprintf("%s|%s|%s|%s|%d|%d|%s|%s|%d|%.4f|%.2f",
		req.PricingModel, strings.ToUpper(req.CreativeType), req.DeviceClass,
		strings.ToUpper(req.LocationType), req.SlotTime.Hour(), int(req.SlotTime.Weekday()),
		req.Objective, req.CampaignID, req.HistoricalImpressions, req.HistoricalSpend, demand)
}

// Quote computes the rate for a request.
func (e *Engine) Quote(ctx context.Context, req Request) (Quote, error) {
	if err := e.validate(req); err != nil {
		return Quote{}, err
	}
	demand := e.DemandLevel(ctx)

	key := cacheKey(req, demand)
	e.cacheMu.Lock()
	if cached, ok := e.cache[key]; ok && e.nowFn().Before(cached.expires) {
		e.cacheMu.Unlock()
		return cached.quote, nil
	}
	e.cacheMu.Unlock()

	t := e.tables.Load()

	base := t.baseRate(req.CreativeType) * modelFactor(req.PricingModel)
	base *= t.objectiveMultiplier(req.Objective)
	if req.HistoricalImpressions >= historicalBlendFloor && req.HistoricalSpend > 0 {
		observed := req.HistoricalSpend / float64(req.HistoricalImpressions) * 1000 * modelFactor(req.PricingModel)
		base = 0.5*base + 0.5*observed
	}

	hour := req.SlotTime.Hour()
	dow := int(req.SlotTime.Weekday())
	static := t.locationMultiplier(req.LocationType) * t.deviceMultiplier(req.DeviceClass)
	adjusted := base * t.TimeMultipliers[hour] * t.DayMultipliers[dow] * static * demandMultiplier(demand)

	if req.CampaignID != "" {
		hint, _ := e.optimizer.Hint(ctx, req.CampaignID, req.DeviceClass, req.SlotTime)
		adjusted *= hint.Multiplier
	}

	q := Quote{
		BaseRate:     e.floor(base),
		AdjustedRate: e.floor(adjusted),
		UnitRate:     billing.UnitRate(req.PricingModel),
		DemandLevel:  demand,
	}
	for h := 0; h < 24; h++ {
		q.Forecast.Hourly[h] = e.floor(base * t.TimeMultipliers[h] * t.DayMultipliers[dow] * static * demandMultiplier(demand))
	}
	// Weekly projection holds the multiplier tables fixed and averages the
	// seven day factors at the requested hour.
	var daySum float64
	for d := 0; d < 7; d++ {
		daySum += t.DayMultipliers[d]
	}
	weekMean := e.floor(base * t.TimeMultipliers[hour] * (daySum / 7) * static * demandMultiplier(demand))
	for w := 0; w < 4; w++ {
		q.Forecast.Weekly[w] = weekMean
	}

	e.cacheMu.Lock()
	e.cache[key] = cachedQuote{quote: q, expires: e.nowFn().Add(e.cacheTTL)}
	e.cacheMu.Unlock()
	return q, nil
}

// ExpectedCost projects the billing charge of one play of the campaign on
// the device class at the slot time, from the bucket's observed per-play
// counters. Used by the scheduler's budget guard.
func (e *Engine) ExpectedCost(ctx context.Context, campaign *models.Campaign, deviceClass string, slot time.Time) float64 {
	// Stock estimate for an unplayed bucket: a handful of impressions, rare
	// engagements, rarer completions.
	impressions, engagements, completions := int64(4), int64(0), int64(0)
	if e.history != nil {
		key := models.NewBucketKey(campaign.ID, deviceClass, slot)
		c, err := e.history.Get(ctx, key)
		if err != nil {
			e.logger.Warn("history read failed, using stock cost estimate",
				zap.String("campaign_id", campaign.ID), zap.Error(err))
		} else if c.Completions > 0 {
			plays := c.Completions
			impressions = clampInt64(c.Impressions/plays, 1, 50)
			engagements = c.Engagements / plays
			completions = 1
		}
	}
	return billing.Compute(campaign.PricingModel, impressions, engagements, completions)
}

func (e *Engine) floor(rate float64) float64 {
	if rate < e.minRate {
		return e.minRate
	}
	return rate
}

func modelFactor(pricingModel string) float64 {
	if f, ok := modelFactors[pricingModel]; ok {
		return f
	}
	return 1.0
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
