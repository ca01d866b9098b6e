// Package delivery owns every Delivery row after creation: queue promotion,
// playback reports, cancellation, expiry and the DELIVERED fan-out.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openooh/doohserve/internal/analytics"
	"github.com/openooh/doohserve/internal/billing"
	"github.com/openooh/doohserve/internal/db"
	"github.com/openooh/doohserve/internal/models"
	"github.com/openooh/doohserve/internal/observability"
	"github.com/openooh/doohserve/internal/oracle"
	"github.com/openooh/doohserve/internal/perf"
	"github.com/openooh/doohserve/internal/worker"
)

// SpendLedger accumulates daily campaign spend, backed by redis counters.
type SpendLedger interface {
	AddDailySpend(ctx context.Context, campaignID string, ts time.Time, amount float64) (float64, error)
}

// SpendPersister records campaign spend durably, backed by postgres.
type SpendPersister interface {
	AddCampaignSpend(ctx context.Context, campaignID string, amount float64) error
}

// sweepBatch bounds one expiry sweep pass.
const sweepBatch = 500

// Tracker drives the delivery state machine.
type Tracker struct {
	repo     Repo
	store    models.DataStore
	perf     perf.Store
	ledger   SpendLedger
	sink     billing.Sink
	analyzer oracle.Analyzer
	pool     *worker.Pool
	metrics  observability.MetricsRegistry
	logger   *zap.Logger

	recorder  analytics.Service
	persister SpendPersister

	slotDuration time.Duration
	graceSlots   int
	nowFn        func() time.Time
}

// SetRecorder wires the analytics sink for terminal transitions. Optional;
// nil disables recording.
func (t *Tracker) SetRecorder(rec analytics.Service) { t.recorder = rec }

// SetSpendPersister wires durable spend writes. Optional; nil keeps spend
// in the catalog snapshot only.
func (t *Tracker) SetSpendPersister(p SpendPersister) { t.persister = p }

// record logs a terminal row to analytics on the worker pool. Best effort.
func (t *Tracker) record(d *models.Delivery) {
	if t.recorder == nil {
		return
	}
	row := *d
	device := t.store.GetDevice(row.DeviceID)
	var class, partnerID string
	if device != nil {
		class, partnerID = device.Class, device.PartnerID
	}
	t.pool.Submit(func(ctx context.Context) {
		if err := t.recorder.RecordDelivery(ctx, &row, class, partnerID); err != nil && !errors.Is(err, analytics.ErrUnavailable) {
			t.logger.Warn("analytics record failed", zap.String("delivery_id", row.ID), zap.Error(err))
		}
	})
}

// NewTracker wires the tracker. ledger and analyzer may be nil.
func NewTracker(repo Repo, store models.DataStore, perfStore perf.Store, ledger SpendLedger, sink billing.Sink, analyzer oracle.Analyzer, pool *worker.Pool, slotDuration time.Duration, graceSlots int, metrics observability.MetricsRegistry, logger *zap.Logger) *Tracker {
	if analyzer == nil {
		analyzer = oracle.NullAnalyzer{}
	}
	return &Tracker{
		repo:         repo,
		store:        store,
		perf:         perfStore,
		ledger:       ledger,
		sink:         sink,
		analyzer:     analyzer,
		pool:         pool,
		metrics:      metrics,
		logger:       logger,
		slotDuration: slotDuration,
		graceSlots:   graceSlots,
		nowFn:        time.Now,
	}
}

// SetNowFn overrides the clock, for tests.
func (t *Tracker) SetNowFn(fn func() time.Time) { t.nowFn = fn }

// Get loads one delivery row.
func (t *Tracker) Get(ctx context.Context, id string) (*models.Delivery, error) {
	return t.repo.Get(ctx, id)
}

// PullQueue promotes the device's earliest eligible SCHEDULED delivery to
// DELIVERING and returns it first, followed by the upcoming SCHEDULED rows
// inside the lookahead window. An empty result means the caller should serve
// fallback content.
func (t *Tracker) PullQueue(ctx context.Context, deviceID string, lookahead time.Duration, limit int) ([]*models.Delivery, error) {
	now := t.nowFn()
	rows, err := t.repo.Promotable(ctx, deviceID, now.Add(lookahead), limit)
	if err != nil {
		t.metrics.IncrementQueuePulls("error")
		return nil, err
	}
	if len(rows) == 0 {
		t.metrics.IncrementQueuePulls("empty")
		return nil, nil
	}

	out := make([]*models.Delivery, 0, len(rows))
	promoted := false
	for _, d := range rows {
		// Only the entry whose window has opened is promoted; later entries
		// stay SCHEDULED so a higher-priority ad can still preempt them.
		if !promoted && !d.ScheduledTime.After(now.Add(lookahead)) {
			up, err := t.repo.Transition(ctx, d.ID, models.StateScheduled, models.StateDelivering, nil)
			if err != nil {
				if errors.Is(err, models.ErrStateConflict) {
					continue // lost a race with cancel/expire, try the next row
				}
				t.metrics.IncrementQueuePulls("error")
				return nil, err
			}
			t.metrics.IncrementTransitions(models.StateScheduled, models.StateDelivering)
			out = append(out, up)
			promoted = true
			continue
		}
		out = append(out, d)
	}
	t.metrics.IncrementQueuePulls("ok")
	return out, nil
}

// ReportPlayback applies a device playback report. Reports are idempotent on
// deliveryID: a report for an already-terminal delivery returns the stored
// row unchanged.
func (t *Tracker) ReportPlayback(ctx context.Context, report models.PlaybackReport) (*models.Delivery, error) {
	if report.DeliveryID == "" {
		return nil, fmt.Errorf("missing delivery id: %w", models.ErrInvalidParameter)
	}
	d, err := t.repo.Get(ctx, report.DeliveryID)
	if err != nil {
		return nil, err
	}

	switch d.State {
	case models.StateDelivered, models.StateFailed, models.StateCancelled, models.StateExpired:
		// Late or duplicate report: no counters move.
		t.metrics.IncrementPlaybackReports("duplicate")
		return d, nil
	case models.StateScheduled:
		// Device played without a prior pull (offline queue replay). Promote
		// first so the transition chain stays legal.
		d, err = t.repo.Transition(ctx, d.ID, models.StateScheduled, models.StateDelivering, nil)
		if err != nil {
			return nil, err
		}
		t.metrics.IncrementTransitions(models.StateScheduled, models.StateDelivering)
	}

	completed := report.Completed || report.CompletionRatio(d.Duration) >= models.CompletionThreshold
	target := models.StateDelivered
	if !completed {
		target = models.StateFailed
	}

	impressions := int64(report.ViewerMetrics.EstimatedCount)
	if completed && impressions < 1 {
		impressions = 1
	}
	engagements := int64(report.ViewerMetrics.EngagedCount)
	var completions int64
	if completed {
		completions = 1
	}

	campaign := t.store.GetCampaign(d.CampaignID)
	updated, err := t.repo.Transition(ctx, d.ID, models.StateDelivering, target, func(row *models.Delivery) {
		start := report.StartTime
		row.ActualPlayTime = &start
		row.Metadata = append(row.Metadata, models.PlaybackMeta(report))
		if target == models.StateFailed {
			reason := models.ReasonReportMissing
			if report.Interrupted {
				reason = "playback-interrupted"
			} else if !completed {
				reason = "incomplete-playback"
			}
			row.Metadata = append(row.Metadata, models.ReasonMeta(reason))
			return
		}
		row.Impressions = impressions
		row.Engagements = engagements
		row.Completions = completions
		if campaign != nil {
			row.Cost = billing.Compute(campaign.PricingModel, impressions, engagements, completions)
		}
	})
	if err != nil {
		if errors.Is(err, models.ErrStateConflict) {
			// Raced a cancel; re-read and report the terminal row.
			if cur, gerr := t.repo.Get(ctx, d.ID); gerr == nil {
				t.metrics.IncrementPlaybackReports("duplicate")
				return cur, nil
			}
		}
		return nil, err
	}
	t.metrics.IncrementTransitions(models.StateDelivering, target)

	if target == models.StateDelivered {
		t.metrics.IncrementPlaybackReports("delivered")
		t.fanOut(updated, report, campaign)
	} else {
		t.metrics.IncrementPlaybackReports("failed")
	}
	t.record(updated)
	return updated, nil
}

// fanOut runs the post-DELIVERED side effects on the worker pool: audience
// enrichment, performance counters, spend, creative stats and billing. All of
// it is telemetry; failures are logged and never unwind the transition.
func (t *Tracker) fanOut(d *models.Delivery, report models.PlaybackReport, campaign *models.Campaign) {
	row := *d
	t.pool.Submit(func(ctx context.Context) {
		audience, err := t.analyzer.Analyze(ctx, report.ViewerMetrics)
		if err != nil {
			audience = report.ViewerMetrics
		}

		key := models.NewBucketKey(row.CampaignID, t.deviceClass(row.DeviceID), row.ScheduledTime)
		applied, err := t.perf.Incr(ctx, key, row.ID, models.Counters{
			Impressions: row.Impressions,
			Engagements: row.Engagements,
			Completions: row.Completions,
		})
		if err != nil {
			// Counters are telemetry; the play still happened and still bills.
			// The idempotency marker was rolled back with the failed write, and
			// a replayed report stops at the terminal state check, so money is
			// not charged twice.
			t.metrics.IncrementPriorUpdateErrors()
			t.logger.Error("perf incr failed", zap.String("delivery_id", row.ID), zap.Error(err))
		} else if !applied {
			// Counters were applied by an earlier report for this delivery;
			// skip the money side too.
			return
		}

		if row.Cost > 0 {
			if err := t.store.AddCampaignSpend(row.CampaignID, row.Cost); err != nil {
				t.logger.Error("spend update failed", zap.String("campaign_id", row.CampaignID), zap.Error(err))
			}
			t.metrics.SetSpendTotal(row.CampaignID, t.campaignSpend(row.CampaignID))
			if t.persister != nil {
				err := db.Retry(ctx, func(ctx context.Context) error {
					return t.persister.AddCampaignSpend(ctx, row.CampaignID, row.Cost)
				})
				if err != nil {
					t.logger.Error("spend persist failed", zap.String("campaign_id", row.CampaignID), zap.Error(err))
				}
			}
			if t.ledger != nil {
				if _, err := t.ledger.AddDailySpend(ctx, row.CampaignID, row.ScheduledTime, row.Cost); err != nil {
					t.logger.Error("daily spend ledger failed", zap.String("campaign_id", row.CampaignID), zap.Error(err))
				}
			}
		}

		if err := t.store.UpdateCreativeCounters(row.CreativeID, row.Impressions, row.Engagements, audience.AttentionScore); err != nil {
			t.logger.Error("creative counter update failed", zap.String("creative_id", row.CreativeID), zap.Error(err))
		}

		ev := billing.Event{
			DeliveryID:   row.ID,
			CampaignID:   row.CampaignID,
			Impressions:  row.Impressions,
			Engagements:  row.Engagements,
			Completions:  row.Completions,
			Amount:       row.Cost,
			Timestamp:    t.nowFn().UTC(),
			PricingModel: models.PricingCPM,
		}
		if campaign != nil {
			ev.AdvertiserID = campaign.AdvertiserID
			ev.PricingModel = campaign.PricingModel
		}
		if err := t.sink.Emit(ctx, ev); err != nil {
			t.logger.Error("billing emit failed", zap.String("delivery_id", row.ID), zap.Error(err))
		}
	})
}

func (t *Tracker) deviceClass(deviceID string) string {
	if d := t.store.GetDevice(deviceID); d != nil {
		return d.Class
	}
	return ""
}

func (t *Tracker) campaignSpend(campaignID string) float64 {
	if c := t.store.GetCampaign(campaignID); c != nil {
		return c.Spend
	}
	return 0
}

// Cancel moves a delivery to CANCELLED from either live state.
func (t *Tracker) Cancel(ctx context.Context, id, reason string) (*models.Delivery, error) {
	mutate := func(row *models.Delivery) {
		row.Metadata = append(row.Metadata, models.ReasonMeta(reason))
	}
	d, err := t.repo.Transition(ctx, id, models.StateScheduled, models.StateCancelled, mutate)
	if err == nil {
		t.metrics.IncrementTransitions(models.StateScheduled, models.StateCancelled)
		t.record(d)
		return d, nil
	}
	if !errors.Is(err, models.ErrStateConflict) {
		return nil, err
	}
	d, err = t.repo.Transition(ctx, id, models.StateDelivering, models.StateCancelled, mutate)
	if err != nil {
		return nil, err
	}
	t.metrics.IncrementTransitions(models.StateDelivering, models.StateCancelled)
	t.record(d)
	return d, nil
}

// CancelCampaign cancels every live delivery of a paused or stopped campaign.
// Returns the number of rows cancelled.
func (t *Tracker) CancelCampaign(ctx context.Context, campaignID, reason string) (int, error) {
	rows, err := t.repo.ActiveByCampaign(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	cancelled := 0
	for _, d := range rows {
		if _, err := t.Cancel(ctx, d.ID, reason); err != nil {
			if errors.Is(err, models.ErrStateConflict) || errors.Is(err, models.ErrNotFound) {
				continue
			}
			return cancelled, err
		}
		cancelled++
	}
	return cancelled, nil
}

// ExpireStale sweeps rows that outlived their slot window: SCHEDULED rows
// become EXPIRED, DELIVERING rows with no report become FAILED. No billing
// either way. Returns the number of rows moved.
func (t *Tracker) ExpireStale(ctx context.Context) (int, error) {
	cutoff := t.nowFn().Add(-t.slotDuration * time.Duration(1+t.graceSlots))
	moved := 0

	stale, err := t.repo.StaleByState(ctx, models.StateScheduled, cutoff, sweepBatch)
	if err != nil {
		return 0, err
	}
	for _, d := range stale {
		up, err := t.repo.Transition(ctx, d.ID, models.StateScheduled, models.StateExpired, func(row *models.Delivery) {
			row.Metadata = append(row.Metadata, models.ReasonMeta(models.ReasonExpired))
		})
		if err != nil {
			if errors.Is(err, models.ErrStateConflict) {
				continue
			}
			return moved, err
		}
		t.metrics.IncrementTransitions(models.StateScheduled, models.StateExpired)
		t.record(up)
		moved++
	}

	hung, err := t.repo.StaleByState(ctx, models.StateDelivering, cutoff, sweepBatch)
	if err != nil {
		return moved, err
	}
	for _, d := range hung {
		up, err := t.repo.Transition(ctx, d.ID, models.StateDelivering, models.StateFailed, func(row *models.Delivery) {
			row.Metadata = append(row.Metadata, models.ReasonMeta(models.ReasonReportMissing))
		})
		if err != nil {
			if errors.Is(err, models.ErrStateConflict) {
				continue
			}
			return moved, err
		}
		t.metrics.IncrementTransitions(models.StateDelivering, models.StateFailed)
		t.record(up)
		moved++
	}
	return moved, nil
}

// RunSweeper expires stale rows on a ticker until ctx is done.
func (t *Tracker) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := t.ExpireStale(ctx); err != nil {
				t.logger.Error("expiry sweep failed", zap.Error(err))
			} else if n > 0 {
				t.logger.Info("expiry sweep", zap.Int("moved", n))
			}
		}
	}
}

// Fallback resolves the content served when nothing is promotable: device
// override, then partner override, then the class default.
func (t *Tracker) Fallback(device *models.Device) models.Fallback {
	t.metrics.IncrementFallbacks(fallbackSource(device, t.store))
	if device.Fallback != nil {
		return *device.Fallback
	}
	if p := t.store.GetPartner(device.PartnerID); p != nil && p.Fallback != nil {
		return *p.Fallback
	}
	return models.ClassFallback(device.Class)
}

func fallbackSource(device *models.Device, store models.DataStore) string {
	if device.Fallback != nil {
		return "device"
	}
	if p := store.GetPartner(device.PartnerID); p != nil && p.Fallback != nil {
		return "partner"
	}
	return "class"
}
