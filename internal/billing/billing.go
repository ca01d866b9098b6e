// Package billing turns DELIVERED transitions into billing events and owns
// the monetary math. Amounts use decimal arithmetic so repeated small CPM
// charges do not drift.
package billing

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openooh/doohserve/internal/models"
)

// Flat unit rates per pricing model. HYBRID blends half the CPM component
// with half the performance components.
var (
	cpmPerThousand = decimal.NewFromFloat(5.0)  // per 1000 impressions
	cpePerUnit     = decimal.NewFromFloat(0.5)  // per engagement
	cpaPerUnit     = decimal.NewFromFloat(2.0)  // per completion
	hybridWeight   = decimal.NewFromFloat(0.5)
)

// Event is emitted to the sink on each DELIVERED transition. It carries all
// inputs an out-of-process biller would need to redo the math.
type Event struct {
	DeliveryID   string    `json:"delivery_id"`
	CampaignID   string    `json:"campaign_id"`
	AdvertiserID string    `json:"advertiser_id"`
	Impressions  int64     `json:"impressions"`
	Engagements  int64     `json:"engagements"`
	Completions  int64     `json:"completions"`
	PricingModel string    `json:"pricing_model"`
	Amount       float64   `json:"amount"`
	Timestamp    time.Time `json:"timestamp"`
}

// Sink receives billing events. Implementations must tolerate replays; events
// are keyed by DeliveryID.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// Compute returns the charge for one delivered play under the given model.
func Compute(pricingModel string, impressions, engagements, completions int64) float64 {
	imp := decimal.NewFromInt(impressions)
	eng := decimal.NewFromInt(engagements)
	cmp := decimal.NewFromInt(completions)

	cpm := cpmPerThousand.Mul(imp).Div(decimal.NewFromInt(1000))
	cpe := cpePerUnit.Mul(eng)
	cpa := cpaPerUnit.Mul(cmp)

	var total decimal.Decimal
	switch pricingModel {
	case models.PricingCPM:
		total = cpm
	case models.PricingCPE:
		total = cpe
	case models.PricingCPA:
		total = cpa
	case models.PricingHybrid:
		total = cpm.Mul(hybridWeight).Add(cpe.Add(cpa).Mul(hybridWeight))
	default:
		total = cpm
	}
	amount, _ := total.Round(4).Float64()
	return amount
}

// UnitRate returns the flat dollars-per-unit rate for projections: per
// impression for CPM, per engagement for CPE, per completion for CPA. HYBRID
// projects on the blended per-impression component.
func UnitRate(pricingModel string) float64 {
	switch pricingModel {
	case models.PricingCPE:
		f, _ := cpePerUnit.Float64()
		return f
	case models.PricingCPA:
		f, _ := cpaPerUnit.Float64()
		return f
	case models.PricingHybrid:
		f, _ := cpmPerThousand.Div(decimal.NewFromInt(1000)).Mul(hybridWeight).Float64()
		return f
	default:
		f, _ := cpmPerThousand.Div(decimal.NewFromInt(1000)).Float64()
		return f
	}
}

// LogSink writes billing events to the log. The default sink when no
// downstream biller is wired.
type LogSink struct {
	Logger *zap.Logger
}

func (s *LogSink) Emit(_ context.Context, ev Event) error {
	s.Logger.Info("billing event",
		zap.String("delivery_id", ev.DeliveryID),
		zap.String("campaign_id", ev.CampaignID),
		zap.String("pricing_model", ev.PricingModel),
		zap.Int64("impressions", ev.Impressions),
		zap.Int64("engagements", ev.Engagements),
		zap.Int64("completions", ev.Completions),
		zap.Float64("amount", ev.Amount),
	)
	return nil
}

// MemorySink collects events in memory, for tests.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func (s *MemorySink) Emit(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

// Events returns a copy of everything emitted so far.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}
