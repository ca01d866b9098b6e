// Package selection picks the campaign and creative for one slot using a
// Thompson-style bandit over the performance buckets.
package selection

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/openooh/doohserve/internal/models"
	"github.com/openooh/doohserve/internal/observability"
	"github.com/openooh/doohserve/internal/perf"
)

// Scoring weights. The performance sample dominates; time affinity and the
// pricing model split the remainder.
const (
	sampleWeight  = 0.6
	timeFitWeight = 0.2
	pricingWeight = 0.2

	endOfFlightThreshold = 0.2
	endOfFlightBoost     = 1.5

	creativeRateWeight        = 0.7
	creativeExplorationWeight = 0.3
)

// pricingFactors bias toward performance-billed campaigns.
var pricingFactors = map[string]float64{
	models.PricingCPM:    1.0,
	models.PricingCPE:    1.1,
	models.PricingCPA:    1.2,
	models.PricingHybrid: 1.05,
}

// Pick is the engine's answer for one slot.
type Pick struct {
	Campaign *models.Campaign
	Creative *models.Creative
	// Reason records how the creative was chosen, for delivery annotations
	// and debugging. One of "bandit", "ab-test", "only-candidate".
	Reason string
}

// Engine scores eligible campaigns and picks a creative.
type Engine struct {
	store   models.DataStore
	perf    perf.Store
	metrics observability.MetricsRegistry
	logger  *zap.Logger

	// randFn is swapped in tests for determinism.
	randFn func() float64
	nowFn  func() time.Time
}

// New creates a selection engine.
func New(store models.DataStore, perfStore perf.Store, metrics observability.MetricsRegistry, logger *zap.Logger) *Engine {
	return &Engine{
		store:   store,
		perf:    perfStore,
		metrics: metrics,
		logger:  logger,
		randFn:  rand.Float64,
		nowFn:   time.Now,
	}
}

// SetRandFn overrides the random source, for deterministic tests.
func (e *Engine) SetRandFn(fn func() float64) { e.randFn = fn }

// SetNowFn overrides the clock, for tests.
func (e *Engine) SetNowFn(fn func() time.Time) { e.nowFn = fn }

// timeTargetFit peaks at noon and bottoms at midnight.
func timeTargetFit(hour int) float64 {
	return 0.5 + 0.5*math.Cos(float64(hour-12)/12*math.Pi)
}

// pricingFactor returns the model bias, 1.0 for unknown models.
func pricingFactor(model string) float64 {
	if f, ok := pricingFactors[model]; ok {
		return f
	}
	return 1.0
}

type scored struct {
	campaign *models.Campaign
	score    float64
	alpha    int64
}

// Select returns the campaign and creative to play on the device at the slot,
// or nil when no eligible campaign scores above zero. The caller schedules
// fallback content on nil.
//
// The performance sample is the uniform Thompson proxy rand()*alpha/(alpha+beta)
// rather than an exact Beta draw. It preserves the sampler's exploration
// property (higher posterior mean wins more often, never always) at the cost
// of a wider regret bound; the exact draw can be swapped in behind randFn.
func (e *Engine) Select(ctx context.Context, device *models.Device, slot time.Time, eligible []*models.Campaign) *Pick {
	if len(eligible) == 0 {
		return nil
	}

	usePriors := e.perf.Healthy()
	candidates := make([]scored, 0, len(eligible))
	var total float64
	for _, c := range eligible {
		sc := e.scoreCampaign(ctx, c, device.Class, slot, usePriors)
		if sc.score <= 0 {
			continue
		}
		candidates = append(candidates, sc)
		total += sc.score
	}
	if len(candidates) == 0 {
		e.metrics.IncrementSelections("none", device.Class)
		return nil
	}

	chosen := e.roulette(candidates, total)
	creative, reason := e.PickCreative(chosen, slot)
	if creative == nil {
		e.metrics.IncrementSelections("no_creative", device.Class)
		return nil
	}
	e.metrics.IncrementSelections("picked", device.Class)
	return &Pick{Campaign: chosen, Creative: creative, Reason: reason}
}

func (e *Engine) scoreCampaign(ctx context.Context, c *models.Campaign, deviceClass string, slot time.Time, usePriors bool) scored {
	// Laplace-smoothed prior over the bucket's engagement rate.
	var alpha, beta int64 = 1, 1
	if usePriors {
		counters, err := e.perf.Get(ctx, models.NewBucketKey(c.ID, deviceClass, slot))
		if err != nil {
			e.logger.Warn("prior read failed, scoring without history",
				zap.String("campaign_id", c.ID), zap.Error(err))
		} else {
			alpha = counters.Engagements + 1
			beta = counters.Impressions - counters.Engagements + 1
			if beta < 1 {
				beta = 1
			}
		}
	}

	sample := e.randFn() * float64(alpha) / float64(alpha+beta)
	score := sampleWeight*sample + timeFitWeight*timeTargetFit(slot.Hour()) + pricingWeight*pricingFactor(c.PricingModel)
	if c.RemainingFlightFraction(e.nowFn()) < endOfFlightThreshold {
		score *= endOfFlightBoost
	}
	return scored{campaign: c, score: score, alpha: alpha}
}

// roulette draws proportionally to score. Ties collapse onto the candidate
// with more observed engagements.
func (e *Engine) roulette(candidates []scored, total float64) *models.Campaign {
	target := e.randFn() * total
	var acc float64
	for i, sc := range candidates {
		acc += sc.score
		if target < acc {
			// Equal-score neighbors: prefer the higher alpha.
			best := sc
			for j := i + 1; j < len(candidates); j++ {
				if candidates[j].score == best.score && candidates[j].alpha > best.alpha {
					best = candidates[j]
				}
			}
			return best.campaign
		}
	}
	return candidates[len(candidates)-1].campaign
}

// PickCreative chooses within the campaign: A/B allocation when an active
// test covers the slot, UCB-flavored exploration otherwise. Exposed so the
// scheduler can resolve a creative for direct scheduleAd requests.
func (e *Engine) PickCreative(c *models.Campaign, slot time.Time) (*models.Creative, string) {
	creatives := e.store.ApprovedCreatives(c.ID)
	if len(creatives) == 0 {
		return nil, ""
	}
	if len(creatives) == 1 {
		return creatives[0], "only-candidate"
	}

	if test := e.store.ActiveTestForCampaign(c.ID); test != nil && test.Covers(slot) {
		if cr := e.pickVariant(test, creatives); cr != nil {
			return cr, "ab-test"
		}
	}

	type weighted struct {
		creative *models.Creative
		weight   float64
	}
	scoredCreatives := make([]weighted, 0, len(creatives))
	var total float64
	for _, cr := range creatives {
		var bonus float64
		if cr.Impressions == 0 {
			// UCB bonus is unbounded at zero plays; cap it so one cold
			// creative cannot fully starve the rest of the draw.
			bonus = 10
		} else {
			bonus = math.Sqrt(2 * math.Log(100) / float64(cr.Impressions))
		}
		w := (creativeRateWeight*cr.EngagementRate() + creativeExplorationWeight*bonus) * cr.TypeMultiplier()
		if w <= 0 {
			continue
		}
		scoredCreatives = append(scoredCreatives, weighted{creative: cr, weight: w})
		total += w
	}
	if len(scoredCreatives) == 0 {
		return creatives[0], "only-candidate"
	}

	target := e.randFn() * total
	var acc float64
	for _, w := range scoredCreatives {
		acc += w.weight
		if target < acc {
			return w.creative, "bandit"
		}
	}
	return scoredCreatives[len(scoredCreatives)-1].creative, "bandit"
}

// pickVariant draws a creative by traffic allocation, normalizing in case
// the configured allocations do not sum to one.
func (e *Engine) pickVariant(test *models.ABTest, approved []*models.Creative) *models.Creative {
	byID := make(map[string]*models.Creative, len(approved))
	for _, cr := range approved {
		byID[cr.ID] = cr
	}
	var total float64
	for _, v := range test.Variants {
		if _, ok := byID[v.CreativeID]; ok && v.TrafficAllocation > 0 {
			total += v.TrafficAllocation
		}
	}
	if total <= 0 {
		return nil
	}
	target := e.randFn() * total
	var acc float64
	var last *models.Creative
	for _, v := range test.Variants {
		cr, ok := byID[v.CreativeID]
		if !ok || v.TrafficAllocation <= 0 {
			continue
		}
		last = cr
		acc += v.TrafficAllocation
		if target < acc {
			return cr
		}
	}
	return last
}
