package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openooh/doohserve/internal/billing"
	"github.com/openooh/doohserve/internal/catalog"
	"github.com/openooh/doohserve/internal/delivery"
	"github.com/openooh/doohserve/internal/models"
	"github.com/openooh/doohserve/internal/observability"
	"github.com/openooh/doohserve/internal/perf"
	"github.com/openooh/doohserve/internal/pricing"
	"github.com/openooh/doohserve/internal/selection"
	"github.com/openooh/doohserve/internal/worker"
)

type stubDemand struct{}

func (stubDemand) GetDemandLevel(context.Context) (float64, bool, error) { return 0.5, true, nil }

type stubSpend map[string]float64

func (s stubSpend) GetDailySpend(_ context.Context, campaignID string, _ time.Time) (float64, error) {
	return s[campaignID], nil
}

type stubDemandSink struct {
	level float64
	set   bool
}

func (s *stubDemandSink) SetDemandLevel(_ context.Context, level float64) error {
	s.level = level
	s.set = true
	return nil
}

type schedHarness struct {
	store *models.InMemoryDataStore
	repo  *delivery.MemoryRepo
	sink  *stubDemandSink
	sched *Scheduler
	now   time.Time
}

func newSchedHarness(t *testing.T, campaigns []models.Campaign, creatives []models.Creative, devices []models.Device) *schedHarness {
	t.Helper()
	store := models.NewInMemoryDataStore()
	require.NoError(t, store.ReloadAll(campaigns, creatives, devices, nil, nil))

	logger := zap.NewNop()
	metrics := observability.NewNoOpRegistry()
	perfStore := perf.NewMemoryStore()
	repo := delivery.NewMemoryRepo()
	pool := worker.NewPool(1, 16, logger, metrics)
	tracker := delivery.NewTracker(repo, store, perfStore, nil, &billing.MemorySink{}, nil, pool,
		5*time.Minute, 1, metrics, logger)
	cat := catalog.New(store, stubSpend{}, nil, logger)
	selector := selection.New(store, perfStore, metrics, logger)
	pricer := pricing.NewEngine(stubDemand{}, perfStore, nil, 0.5, 0.10, 0, logger)
	sink := &stubDemandSink{}

	h := &schedHarness{
		store: store,
		repo:  repo,
		sink:  sink,
		now:   time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	cfg := Config{
		Horizon:      30 * time.Minute,
		SlotDuration: 5 * time.Minute,
		Interval:     time.Minute,
		ShardCount:   1,
		OfflineAfter: 2 * time.Minute,
	}
	h.sched = New(cfg, store, cat, selector, pricer, repo, tracker, perfStore, stubSpend{}, sink, nil, metrics, logger)
	h.sched.SetNowFn(func() time.Time { return h.now })
	seq := 0
	h.sched.SetIDFn(func() string {
		seq++
		return fmt.Sprintf("del-%d", seq)
	})
	tracker.SetNowFn(func() time.Time { return h.now })
	return h
}

func activeCampaign(id string) models.Campaign {
	return models.Campaign{
		ID: id, AdvertiserID: "adv-1", Status: models.CampaignStatusActive,
		TotalBudget: 100, PricingModel: models.PricingCPM,
	}
}

func approvedCreative(id, campaignID string) models.Creative {
	return models.Creative{
		ID: id, CampaignID: campaignID, MediaType: models.MediaImage,
		URL: "https://cdn/x", Status: models.CreativeStatusApproved,
	}
}

func activeDevice(id, class string) models.Device {
	return models.Device{
		ID: id, PartnerID: "partner-1", Fingerprint: "fp-" + id, Class: class,
		Status: models.DeviceStatusActive, Health: models.HealthHealthy,
	}
}

func TestSlotsForHour(t *testing.T) {
	// Class baseline, stretched 20% at peak, squeezed 20% overnight.
	assert.Equal(t, 24, slotsForHour(models.ClassDigitalSignage, 8))
	assert.Equal(t, 20, slotsForHour(models.ClassDigitalSignage, 10))
	assert.Equal(t, 16, slotsForHour(models.ClassDigitalSignage, 3))

	assert.Equal(t, 14, slotsForHour(models.ClassAndroidTV, 18))
	assert.Equal(t, 12, slotsForHour(models.ClassAndroidTV, 15))

	// Unknown classes fall back to the TV baseline.
	assert.Equal(t, 12, slotsForHour("MYSTERY_SCREEN", 15))
}

func TestEnumerateSlots(t *testing.T) {
	from := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	slots := enumerateSlots(models.ClassAndroidTV, from, from.Add(time.Hour))
	require.Len(t, slots, 12)
	assert.Equal(t, from, slots[0].start)
	assert.Equal(t, 5*time.Minute, slots[0].duration)
	assert.Equal(t, from.Add(55*time.Minute), slots[11].start)

	// Boundaries align to the hour grid, so a mid-hour rebuild re-derives the
	// same windows instead of inventing shifted ones.
	partial := enumerateSlots(models.ClassAndroidTV, from.Add(7*time.Minute), from.Add(time.Hour))
	require.NotEmpty(t, partial)
	assert.Equal(t, from.Add(10*time.Minute), partial[0].start)
	assert.Len(t, partial, 10)
}

func TestBuildTimelineFillsFreeSlots(t *testing.T) {
	h := newSchedHarness(t,
		[]models.Campaign{activeCampaign("camp-1")},
		[]models.Creative{approvedCreative("cr-1", "camp-1")},
		[]models.Device{activeDevice("dev-1", models.ClassAndroidTV)},
	)
	ctx := context.Background()
	device := h.store.GetDevice("dev-1")

	require.NoError(t, h.sched.BuildTimeline(ctx, device))

	rows, err := h.repo.DeviceWindow(ctx, "dev-1", h.now, h.now.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, rows, 6, "six 5-minute slots over a 30-minute horizon")
	for _, d := range rows {
		assert.Equal(t, models.StateScheduled, d.State)
		assert.Equal(t, "camp-1", d.CampaignID)
		assert.Equal(t, "cr-1", d.CreativeID)
		assert.Equal(t, models.DefaultPriority, d.Priority)
	}

	// A second pass finds every slot occupied and adds nothing.
	require.NoError(t, h.sched.BuildTimeline(ctx, device))
	rows, err = h.repo.DeviceWindow(ctx, "dev-1", h.now, h.now.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Len(t, rows, 6)
}

func TestBuildTimelineBudgetGuard(t *testing.T) {
	tapped := activeCampaign("camp-1")
	tapped.TotalBudget = 0.01 // below the expected per-play cost
	h := newSchedHarness(t,
		[]models.Campaign{tapped},
		[]models.Creative{approvedCreative("cr-1", "camp-1")},
		[]models.Device{activeDevice("dev-1", models.ClassAndroidTV)},
	)
	ctx := context.Background()

	require.NoError(t, h.sched.BuildTimeline(ctx, h.store.GetDevice("dev-1")))

	rows, err := h.repo.DeviceWindow(ctx, "dev-1", h.now, h.now.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, rows, "budget guard must keep the tapped-out campaign off the timeline")
}

func TestScheduleAdPreemptsLowerPriority(t *testing.T) {
	h := newSchedHarness(t,
		[]models.Campaign{activeCampaign("camp-1")},
		[]models.Creative{approvedCreative("cr-1", "camp-1")},
		[]models.Device{activeDevice("dev-1", models.ClassAndroidTV)},
	)
	ctx := context.Background()
	at := h.now.Add(10 * time.Minute)

	require.NoError(t, h.repo.Insert(ctx, &models.Delivery{
		ID: "del-low", CampaignID: "camp-1", CreativeID: "cr-1", DeviceID: "dev-1",
		ScheduledTime: at, Duration: 20, Priority: 3, State: models.StateScheduled,
	}))

	got, err := h.sched.ScheduleAd(ctx, "camp-1", "dev-1", at, 8)
	require.NoError(t, err)
	assert.Equal(t, 8, got.Priority)
	assert.Equal(t, models.StateScheduled, got.State)
	m, ok := models.FindMeta(got.Metadata, models.MetaPriority)
	require.True(t, ok)
	assert.Equal(t, 8, m.Priority)

	preempted, err := h.repo.Get(ctx, "del-low")
	require.NoError(t, err)
	assert.Equal(t, models.StateCancelled, preempted.State)
	reason, ok := models.FindMeta(preempted.Metadata, models.MetaReason)
	require.True(t, ok)
	assert.Equal(t, models.ReasonPreempted, reason.Reason)
}

func TestScheduleAdEqualPriorityHolds(t *testing.T) {
	h := newSchedHarness(t,
		[]models.Campaign{activeCampaign("camp-1")},
		[]models.Creative{approvedCreative("cr-1", "camp-1")},
		[]models.Device{activeDevice("dev-1", models.ClassAndroidTV)},
	)
	ctx := context.Background()
	at := h.now.Add(10 * time.Minute)

	require.NoError(t, h.repo.Insert(ctx, &models.Delivery{
		ID: "del-held", CampaignID: "camp-1", CreativeID: "cr-1", DeviceID: "dev-1",
		ScheduledTime: at, Duration: 20, Priority: 8, State: models.StateScheduled,
	}))

	_, err := h.sched.ScheduleAd(ctx, "camp-1", "dev-1", at, 8)
	assert.ErrorIs(t, err, models.ErrSlotOccupied)

	held, err := h.repo.Get(ctx, "del-held")
	require.NoError(t, err)
	assert.Equal(t, models.StateScheduled, held.State)
}

func TestScheduleAdValidation(t *testing.T) {
	h := newSchedHarness(t,
		[]models.Campaign{activeCampaign("camp-1"), activeCampaign("camp-bare")},
		[]models.Creative{approvedCreative("cr-1", "camp-1")},
		[]models.Device{activeDevice("dev-1", models.ClassAndroidTV)},
	)
	ctx := context.Background()
	at := h.now.Add(10 * time.Minute)

	_, err := h.sched.ScheduleAd(ctx, "camp-1", "dev-1", at, 0)
	assert.ErrorIs(t, err, models.ErrInvalidParameter)
	_, err = h.sched.ScheduleAd(ctx, "camp-1", "dev-1", at, 11)
	assert.ErrorIs(t, err, models.ErrInvalidParameter)

	_, err = h.sched.ScheduleAd(ctx, "missing", "dev-1", at, 5)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = h.sched.ScheduleAd(ctx, "camp-1", "missing", at, 5)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = h.sched.ScheduleAd(ctx, "camp-bare", "dev-1", at, 5)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestPublishDemand(t *testing.T) {
	h := newSchedHarness(t,
		[]models.Campaign{activeCampaign("camp-1")},
		[]models.Creative{approvedCreative("cr-1", "camp-1")},
		[]models.Device{activeDevice("dev-1", models.ClassAndroidTV)},
	)
	ctx := context.Background()

	h.sched.publishDemand(ctx, h.now)
	require.True(t, h.sink.set)
	assert.Equal(t, 0.0, h.sink.level)

	// One reserved slot out of twelve next-hour slots.
	require.NoError(t, h.repo.Insert(ctx, &models.Delivery{
		ID: "del-1", CampaignID: "camp-1", CreativeID: "cr-1", DeviceID: "dev-1",
		ScheduledTime: h.now, Duration: 20, Priority: 5, State: models.StateScheduled,
	}))
	h.sched.publishDemand(ctx, h.now)
	assert.InDelta(t, 1.0/12.0, h.sink.level, 1e-9)
}

func TestSweepHealth(t *testing.T) {
	stale := activeDevice("dev-1", models.ClassAndroidTV)
	stale.LastSeen = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	h := newSchedHarness(t, nil, nil, []models.Device{stale})

	h.sched.sweepHealth(h.store.GetDevice("dev-1"), h.now)
	assert.Equal(t, models.HealthOffline, h.store.GetDevice("dev-1").Health)

	// A device inside the heartbeat window is left alone.
	fresh := activeDevice("dev-2", models.ClassAndroidTV)
	fresh.LastSeen = h.now.Add(-time.Minute)
	require.NoError(t, h.store.UpsertDevice(fresh))
	h.sched.sweepHealth(h.store.GetDevice("dev-2"), h.now)
	assert.Equal(t, models.HealthHealthy, h.store.GetDevice("dev-2").Health)
}

func TestShardOfStable(t *testing.T) {
	h := newSchedHarness(t, nil, nil, nil)
	a := h.sched.shardOf("dev-1")
	assert.Equal(t, a, h.sched.shardOf("dev-1"))
	assert.GreaterOrEqual(t, a, 0)
	assert.Less(t, a, 1)
}
