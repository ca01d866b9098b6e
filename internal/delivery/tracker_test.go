package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openooh/doohserve/internal/billing"
	"github.com/openooh/doohserve/internal/models"
	"github.com/openooh/doohserve/internal/observability"
	"github.com/openooh/doohserve/internal/perf"
	"github.com/openooh/doohserve/internal/worker"
)

type memLedger struct {
	mu    sync.Mutex
	total float64
	calls int
}

func (l *memLedger) AddDailySpend(_ context.Context, _ string, _ time.Time, amount float64) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.total += amount
	l.calls++
	return l.total, nil
}

type trackerHarness struct {
	repo    *MemoryRepo
	store   *models.InMemoryDataStore
	perf    *perf.MemoryStore
	ledger  *memLedger
	sink    *billing.MemorySink
	pool    *worker.Pool
	tracker *Tracker
	now     time.Time
}

func newHarness(t *testing.T) *trackerHarness {
	t.Helper()
	store := models.NewInMemoryDataStore()
	require.NoError(t, store.ReloadAll(
		[]models.Campaign{{
			ID: "camp-1", AdvertiserID: "adv-1", Status: models.CampaignStatusActive,
			TotalBudget: 100, PricingModel: models.PricingCPM,
		}},
		[]models.Creative{{
			ID: "cr-1", CampaignID: "camp-1", MediaType: models.MediaVideo,
			Status: models.CreativeStatusApproved,
		}},
		[]models.Device{{
			ID: "dev-1", PartnerID: "partner-1", Fingerprint: "fp-1",
			Class: models.ClassDigitalSignage, Status: models.DeviceStatusActive,
		}},
		[]models.Partner{{ID: "partner-1"}},
		nil,
	))

	h := &trackerHarness{
		repo:   NewMemoryRepo(),
		store:  store,
		perf:   perf.NewMemoryStore(),
		ledger: &memLedger{},
		sink:   &billing.MemorySink{},
		pool:   worker.NewPool(1, 16, zap.NewNop(), observability.NewNoOpRegistry()),
		now:    time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	h.tracker = NewTracker(h.repo, store, h.perf, h.ledger, h.sink, nil, h.pool,
		5*time.Minute, 1, observability.NewNoOpRegistry(), zap.NewNop())
	h.tracker.SetNowFn(func() time.Time { return h.now })
	return h
}

func (h *trackerHarness) insert(t *testing.T, id, state string, at time.Time) {
	t.Helper()
	require.NoError(t, h.repo.Insert(context.Background(), &models.Delivery{
		ID:            id,
		CampaignID:    "camp-1",
		CreativeID:    "cr-1",
		DeviceID:      "dev-1",
		ScheduledTime: at,
		Duration:      30,
		Priority:      5,
		State:         state,
	}))
}

// drain runs queued fan-out jobs to completion so assertions see their
// side effects.
func (h *trackerHarness) drain(ctx context.Context) {
	h.pool.Start(ctx)
	h.pool.Stop()
}

func reasonOf(t *testing.T, d *models.Delivery) string {
	t.Helper()
	m, ok := models.FindMeta(d.Metadata, models.MetaReason)
	require.True(t, ok, "expected a reason annotation")
	return m.Reason
}

func TestReportPlaybackDelivered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.insert(t, "del-1", models.StateDelivering, h.now)

	got, err := h.tracker.ReportPlayback(ctx, models.PlaybackReport{
		DeliveryID: "del-1",
		StartTime:  h.now,
		Completed:  true,
		ViewerMetrics: models.AudienceSnapshot{
			EstimatedCount: 4, EngagedCount: 1, AttentionScore: 0.8,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StateDelivered, got.State)
	assert.Equal(t, int64(4), got.Impressions)
	assert.Equal(t, int64(1), got.Engagements)
	assert.Equal(t, int64(1), got.Completions)
	assert.InDelta(t, 0.02, got.Cost, 1e-9)
	require.NotNil(t, got.ActualPlayTime)

	h.drain(ctx)

	key := models.NewBucketKey("camp-1", models.ClassDigitalSignage, h.now)
	counters, err := h.perf.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(4), counters.Impressions)
	assert.Equal(t, int64(1), counters.Completions)

	assert.InDelta(t, 0.02, h.store.GetCampaign("camp-1").Spend, 1e-9)
	assert.Equal(t, 1, h.ledger.calls)
	assert.InDelta(t, 0.02, h.ledger.total, 1e-9)

	events := h.sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "del-1", events[0].DeliveryID)
	assert.Equal(t, "adv-1", events[0].AdvertiserID)
	assert.Equal(t, models.PricingCPM, events[0].PricingModel)

	cr := h.store.GetCreative("cr-1")
	assert.Equal(t, int64(4), cr.Impressions)
	assert.Equal(t, int64(1), cr.DeliveryCount)
}

// downPerfStore fails every counter write, simulating a redis outage.
type downPerfStore struct{}

func (downPerfStore) Incr(context.Context, models.BucketKey, string, models.Counters) (bool, error) {
	return false, errors.New("redis down")
}

func (downPerfStore) Get(context.Context, models.BucketKey) (models.Counters, error) {
	return models.Counters{}, errors.New("redis down")
}

func (downPerfStore) Snapshot(context.Context, string) (map[models.BucketKey]models.Counters, error) {
	return nil, errors.New("redis down")
}

func (downPerfStore) Healthy() bool { return false }

func TestReportPlaybackBillsThroughPerfOutage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tracker := NewTracker(h.repo, h.store, downPerfStore{}, h.ledger, h.sink, nil, h.pool,
		5*time.Minute, 1, observability.NewNoOpRegistry(), zap.NewNop())
	tracker.SetNowFn(func() time.Time { return h.now })
	h.insert(t, "del-1", models.StateDelivering, h.now)

	got, err := tracker.ReportPlayback(ctx, models.PlaybackReport{
		DeliveryID:    "del-1",
		StartTime:     h.now,
		Completed:     true,
		ViewerMetrics: models.AudienceSnapshot{EstimatedCount: 4},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StateDelivered, got.State)
	h.drain(ctx)

	// A counter outage loses telemetry, never money.
	assert.InDelta(t, 0.02, h.store.GetCampaign("camp-1").Spend, 1e-9)
	assert.Equal(t, 1, h.ledger.calls)
	events := h.sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "del-1", events[0].DeliveryID)
	assert.InDelta(t, 0.02, events[0].Amount, 1e-9)
}

type memPersister struct {
	mu    sync.Mutex
	total float64
	calls int
}

func (p *memPersister) AddCampaignSpend(_ context.Context, _ string, amount float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total += amount
	p.calls++
	return nil
}

func TestReportPlaybackPersistsSpend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	persister := &memPersister{}
	h.tracker.SetSpendPersister(persister)
	h.insert(t, "del-1", models.StateDelivering, h.now)

	_, err := h.tracker.ReportPlayback(ctx, models.PlaybackReport{
		DeliveryID:    "del-1",
		StartTime:     h.now,
		Completed:     true,
		ViewerMetrics: models.AudienceSnapshot{EstimatedCount: 4},
	})
	require.NoError(t, err)
	h.drain(ctx)

	assert.Equal(t, 1, persister.calls)
	assert.InDelta(t, 0.02, persister.total, 1e-9)
}

func TestReportPlaybackDuplicate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.insert(t, "del-1", models.StateDelivering, h.now)

	report := models.PlaybackReport{
		DeliveryID:    "del-1",
		StartTime:     h.now,
		Completed:     true,
		ViewerMetrics: models.AudienceSnapshot{EstimatedCount: 4},
	}
	first, err := h.tracker.ReportPlayback(ctx, report)
	require.NoError(t, err)

	// The replay returns the stored row and moves no counters.
	second, err := h.tracker.ReportPlayback(ctx, report)
	require.NoError(t, err)
	assert.Equal(t, first.State, second.State)
	assert.Equal(t, first.Impressions, second.Impressions)

	h.drain(ctx)
	assert.Len(t, h.sink.Events(), 1)
	assert.InDelta(t, 0.02, h.store.GetCampaign("camp-1").Spend, 1e-9)
}

func TestReportPlaybackIncomplete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.insert(t, "del-1", models.StateDelivering, h.now)

	got, err := h.tracker.ReportPlayback(ctx, models.PlaybackReport{
		DeliveryID:         "del-1",
		StartTime:          h.now,
		ViewableTimeMillis: 10000, // a third of the 30s slot
		ViewerMetrics:      models.AudienceSnapshot{EstimatedCount: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, got.State)
	assert.Equal(t, "incomplete-playback", reasonOf(t, got))
	assert.Equal(t, int64(0), got.Impressions)
	assert.Equal(t, 0.0, got.Cost)

	h.drain(ctx)
	assert.Empty(t, h.sink.Events())
	assert.Equal(t, 0.0, h.store.GetCampaign("camp-1").Spend)
}

func TestReportPlaybackInterrupted(t *testing.T) {
	h := newHarness(t)
	h.insert(t, "del-1", models.StateDelivering, h.now)

	got, err := h.tracker.ReportPlayback(context.Background(), models.PlaybackReport{
		DeliveryID:  "del-1",
		StartTime:   h.now,
		Interrupted: true,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, got.State)
	assert.Equal(t, "playback-interrupted", reasonOf(t, got))
}

func TestReportPlaybackCompletionRatioCounts(t *testing.T) {
	h := newHarness(t)
	h.insert(t, "del-1", models.StateDelivering, h.now)

	// Not flagged complete, but 22.5s of a 30s slot crosses the threshold.
	// With no audience estimate the delivered play still bills one impression.
	got, err := h.tracker.ReportPlayback(context.Background(), models.PlaybackReport{
		DeliveryID:         "del-1",
		StartTime:          h.now,
		ViewableTimeMillis: 22500,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StateDelivered, got.State)
	assert.Equal(t, int64(1), got.Impressions)
	assert.Equal(t, int64(1), got.Completions)
}

func TestReportPlaybackPromotesScheduled(t *testing.T) {
	h := newHarness(t)
	h.insert(t, "del-1", models.StateScheduled, h.now)

	// Offline devices replay queued plays without a prior pull.
	got, err := h.tracker.ReportPlayback(context.Background(), models.PlaybackReport{
		DeliveryID: "del-1",
		StartTime:  h.now,
		Completed:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StateDelivered, got.State)
}

func TestReportPlaybackValidation(t *testing.T) {
	h := newHarness(t)

	_, err := h.tracker.ReportPlayback(context.Background(), models.PlaybackReport{})
	assert.ErrorIs(t, err, models.ErrInvalidParameter)

	_, err = h.tracker.ReportPlayback(context.Background(), models.PlaybackReport{DeliveryID: "missing"})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestPullQueue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.insert(t, "del-now", models.StateScheduled, h.now)
	h.insert(t, "del-soon", models.StateScheduled, h.now.Add(time.Minute))
	h.insert(t, "del-later", models.StateScheduled, h.now.Add(10*time.Minute))

	got, err := h.tracker.PullQueue(ctx, "dev-1", 5*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, got, 2, "the 10-minute row is outside the lookahead")

	// Only the head of the queue is promoted; the rest stay preemptible.
	assert.Equal(t, "del-now", got[0].ID)
	assert.Equal(t, models.StateDelivering, got[0].State)
	assert.Equal(t, "del-soon", got[1].ID)
	assert.Equal(t, models.StateScheduled, got[1].State)

	// The next pull skips the row already handed out for delivery.
	got, err = h.tracker.PullQueue(ctx, "dev-1", 5*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "del-soon", got[0].ID)
	assert.Equal(t, models.StateDelivering, got[0].State)
}

func TestPullQueueEmpty(t *testing.T) {
	h := newHarness(t)
	got, err := h.tracker.PullQueue(context.Background(), "dev-1", 5*time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.insert(t, "del-sched", models.StateScheduled, h.now)
	h.insert(t, "del-live", models.StateDelivering, h.now)

	got, err := h.tracker.Cancel(ctx, "del-sched", models.ReasonPreempted)
	require.NoError(t, err)
	assert.Equal(t, models.StateCancelled, got.State)
	assert.Equal(t, models.ReasonPreempted, reasonOf(t, got))

	got, err = h.tracker.Cancel(ctx, "del-live", models.ReasonCampaignPaused)
	require.NoError(t, err)
	assert.Equal(t, models.StateCancelled, got.State)

	// Terminal rows cannot be cancelled again.
	_, err = h.tracker.Cancel(ctx, "del-sched", models.ReasonPreempted)
	assert.ErrorIs(t, err, models.ErrStateConflict)
}

func TestCancelCampaign(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.insert(t, "del-1", models.StateScheduled, h.now)
	h.insert(t, "del-2", models.StateDelivering, h.now.Add(time.Minute))
	h.insert(t, "del-3", models.StateDelivered, h.now.Add(-time.Hour))

	n, err := h.tracker.CancelCampaign(ctx, "camp-1", models.ReasonCampaignPaused)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{"del-1", "del-2"} {
		d, err := h.repo.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StateCancelled, d.State, id)
	}
	d, err := h.repo.Get(ctx, "del-3")
	require.NoError(t, err)
	assert.Equal(t, models.StateDelivered, d.State)
}

func TestExpireStale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	// Cutoff is one slot plus one grace slot back: 10 minutes.
	h.insert(t, "del-old-sched", models.StateScheduled, h.now.Add(-15*time.Minute))
	h.insert(t, "del-old-live", models.StateDelivering, h.now.Add(-15*time.Minute))
	h.insert(t, "del-fresh", models.StateScheduled, h.now.Add(-5*time.Minute))

	moved, err := h.tracker.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	d, _ := h.repo.Get(ctx, "del-old-sched")
	assert.Equal(t, models.StateExpired, d.State)
	assert.Equal(t, models.ReasonExpired, reasonOf(t, d))

	d, _ = h.repo.Get(ctx, "del-old-live")
	assert.Equal(t, models.StateFailed, d.State)
	assert.Equal(t, models.ReasonReportMissing, reasonOf(t, d))

	d, _ = h.repo.Get(ctx, "del-fresh")
	assert.Equal(t, models.StateScheduled, d.State)
}

func TestFallbackChain(t *testing.T) {
	h := newHarness(t)

	deviceFB := &models.Fallback{MediaType: models.MediaImage, URL: "https://cdn/device.png"}
	withOwn := &models.Device{ID: "dev-1", PartnerID: "partner-1", Class: models.ClassDigitalSignage, Fallback: deviceFB}
	assert.Equal(t, *deviceFB, h.tracker.Fallback(withOwn))

	// Without a device override the partner's fallback applies.
	partnerFB := &models.Fallback{MediaType: models.MediaImage, URL: "https://cdn/partner.png"}
	require.NoError(t, h.store.ReloadAll(nil, nil, nil, []models.Partner{{ID: "partner-1", Fallback: partnerFB}}, nil))
	bare := &models.Device{ID: "dev-1", PartnerID: "partner-1", Class: models.ClassDigitalSignage}
	assert.Equal(t, *partnerFB, h.tracker.Fallback(bare))

	// Unknown partner lands on the class default.
	orphan := &models.Device{ID: "dev-9", PartnerID: "nobody", Class: models.ClassInteractiveKiosk}
	assert.Equal(t, models.ClassFallback(models.ClassInteractiveKiosk), h.tracker.Fallback(orphan))
}
