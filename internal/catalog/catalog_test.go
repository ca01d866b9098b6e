package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openooh/doohserve/internal/models"
	"github.com/openooh/doohserve/internal/oracle"
)

type mapSpend struct {
	spent map[string]float64
	err   error
}

func (m mapSpend) GetDailySpend(_ context.Context, campaignID string, _ time.Time) (float64, error) {
	if m.err != nil {
		return 0, m.err
	}
	return m.spent[campaignID], nil
}

type fakeModerator struct {
	verdict oracle.ModerationVerdict
	err     error
}

func (f fakeModerator) Review(context.Context, *models.Creative) (oracle.ModerationVerdict, error) {
	return f.verdict, f.err
}

func storeWith(t *testing.T, campaigns []models.Campaign, creatives []models.Creative) *models.InMemoryDataStore {
	t.Helper()
	s := models.NewInMemoryDataStore()
	require.NoError(t, s.ReloadAll(campaigns, creatives, nil, nil, nil))
	return s
}

func eligibleIDs(campaigns []*models.Campaign) []string {
	ids := make([]string, 0, len(campaigns))
	for _, c := range campaigns {
		ids = append(ids, c.ID)
	}
	return ids
}

func TestEligibleCampaignsFilters(t *testing.T) {
	slot := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC) // Monday, 08:00
	flightStart := slot.AddDate(0, 0, -5)
	flightEnd := slot.AddDate(0, 0, 5)

	campaigns := []models.Campaign{
		{ID: "ok", Status: models.CampaignStatusActive, TotalBudget: 100,
			StartDate: flightStart, EndDate: flightEnd},
		{ID: "paused", Status: models.CampaignStatusPaused, TotalBudget: 100},
		{ID: "not-in-flight", Status: models.CampaignStatusActive, TotalBudget: 100,
			StartDate: slot.AddDate(0, 0, 1), EndDate: flightEnd},
		{ID: "spent-out", Status: models.CampaignStatusActive, TotalBudget: 100, Spend: 100},
		{ID: "wrong-hour", Status: models.CampaignStatusActive, TotalBudget: 100,
			Targeting: models.Targeting{Schedule: models.ScheduleTargeting{HoursOfDay: []int{17, 18}}}},
		{ID: "wrong-city", Status: models.CampaignStatusActive, TotalBudget: 100,
			Targeting: models.Targeting{Location: models.LocationTargeting{Cities: []string{"Chicago"}}}},
		{ID: "no-creatives", Status: models.CampaignStatusActive, TotalBudget: 100},
	}
	creatives := []models.Creative{
		{ID: "cr-ok", CampaignID: "ok", MediaType: models.MediaVideo, Status: models.CreativeStatusApproved},
		{ID: "cr-flight", CampaignID: "not-in-flight", MediaType: models.MediaVideo, Status: models.CreativeStatusApproved},
		{ID: "cr-spent", CampaignID: "spent-out", MediaType: models.MediaVideo, Status: models.CreativeStatusApproved},
		{ID: "cr-hour", CampaignID: "wrong-hour", MediaType: models.MediaVideo, Status: models.CreativeStatusApproved},
		{ID: "cr-city", CampaignID: "wrong-city", MediaType: models.MediaVideo, Status: models.CreativeStatusApproved},
		{ID: "cr-pending", CampaignID: "no-creatives", MediaType: models.MediaVideo, Status: models.CreativeStatusPending},
	}

	cat := New(storeWith(t, campaigns, creatives), mapSpend{}, nil, zap.NewNop())
	device := &models.Device{
		ID:       "dev-1",
		Class:    models.ClassDigitalSignage,
		Location: models.Location{City: "New York", LocationType: "urban"},
	}

	got := cat.EligibleCampaigns(context.Background(), device, slot)
	assert.Equal(t, []string{"ok"}, eligibleIDs(got))
}

func TestEligibleCampaignsDailyCap(t *testing.T) {
	slot := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	campaigns := []models.Campaign{
		{ID: "capped", Status: models.CampaignStatusActive, TotalBudget: 100, DailyBudget: 10},
		{ID: "under-cap", Status: models.CampaignStatusActive, TotalBudget: 100, DailyBudget: 10},
	}
	creatives := []models.Creative{
		{ID: "cr-1", CampaignID: "capped", MediaType: models.MediaVideo, Status: models.CreativeStatusApproved},
		{ID: "cr-2", CampaignID: "under-cap", MediaType: models.MediaVideo, Status: models.CreativeStatusApproved},
	}
	store := storeWith(t, campaigns, creatives)
	device := &models.Device{ID: "dev-1", Class: models.ClassDigitalSignage}

	cat := New(store, mapSpend{spent: map[string]float64{"capped": 10, "under-cap": 4}}, nil, zap.NewNop())
	got := cat.EligibleCampaigns(context.Background(), device, slot)
	assert.Equal(t, []string{"under-cap"}, eligibleIDs(got))

	// Spend source down: both are admitted and the schedule-time budget guard
	// decides.
	cat = New(store, mapSpend{err: errors.New("redis down")}, nil, zap.NewNop())
	got = cat.EligibleCampaigns(context.Background(), device, slot)
	assert.Len(t, got, 2)
}

func TestVerifyCreativeBasicRejection(t *testing.T) {
	creatives := []models.Creative{
		{ID: "cr-no-url", CampaignID: "camp-1", MediaType: models.MediaVideo, Status: models.CreativeStatusPending},
		{ID: "cr-bad-type", CampaignID: "camp-1", MediaType: "HOLOGRAM", URL: "https://cdn/x", Status: models.CreativeStatusPending},
		{ID: "cr-long", CampaignID: "camp-1", MediaType: models.MediaVideo, URL: "https://cdn/x", Duration: 600, Status: models.CreativeStatusPending},
	}
	store := storeWith(t, []models.Campaign{{ID: "camp-1", Status: models.CampaignStatusActive}}, creatives)
	cat := New(store, mapSpend{}, fakeModerator{verdict: oracle.ModerationVerdict{Approved: true, Confidence: 1}}, zap.NewNop())
	ctx := context.Background()

	for _, id := range []string{"cr-no-url", "cr-bad-type", "cr-long"} {
		status, err := cat.VerifyCreative(ctx, id)
		assert.Equal(t, models.CreativeStatusRejected, status, id)
		assert.ErrorIs(t, err, models.ErrPolicyRejected, id)
		// Deterministic failures never reach the moderator.
		assert.Equal(t, models.VerificationBasic, store.GetCreative(id).VerificationMethod, id)
	}
}

func TestVerifyCreativeModeratorWins(t *testing.T) {
	pending := models.Creative{ID: "cr-1", CampaignID: "camp-1", MediaType: models.MediaVideo, URL: "https://cdn/x", Status: models.CreativeStatusPending}
	ctx := context.Background()

	// Confident rejection overrides passing basic checks.
	store := storeWith(t, []models.Campaign{{ID: "camp-1", Status: models.CampaignStatusActive}}, []models.Creative{pending})
	cat := New(store, mapSpend{}, fakeModerator{verdict: oracle.ModerationVerdict{
		Approved: false, Confidence: 0.95, Reasons: []string{"prohibited category"},
	}}, zap.NewNop())
	status, err := cat.VerifyCreative(ctx, "cr-1")
	assert.Equal(t, models.CreativeStatusRejected, status)
	assert.ErrorIs(t, err, models.ErrPolicyRejected)
	cr := store.GetCreative("cr-1")
	assert.Equal(t, models.VerificationAI, cr.VerificationMethod)
	assert.Equal(t, []string{"prohibited category"}, cr.RejectionReasons)

	// Confident approval records an AI verdict.
	store = storeWith(t, []models.Campaign{{ID: "camp-1", Status: models.CampaignStatusActive}}, []models.Creative{pending})
	cat = New(store, mapSpend{}, fakeModerator{verdict: oracle.ModerationVerdict{Approved: true, Confidence: 0.9}}, zap.NewNop())
	status, err = cat.VerifyCreative(ctx, "cr-1")
	require.NoError(t, err)
	assert.Equal(t, models.CreativeStatusApproved, status)
	assert.Equal(t, models.VerificationAI, store.GetCreative("cr-1").VerificationMethod)
}

func TestVerifyCreativeLowConfidenceFallsBack(t *testing.T) {
	pending := models.Creative{ID: "cr-1", CampaignID: "camp-1", MediaType: models.MediaVideo, URL: "https://cdn/x", Status: models.CreativeStatusPending}
	ctx := context.Background()

	// An unsure rejection does not override passing basic checks.
	store := storeWith(t, []models.Campaign{{ID: "camp-1", Status: models.CampaignStatusActive}}, []models.Creative{pending})
	cat := New(store, mapSpend{}, fakeModerator{verdict: oracle.ModerationVerdict{Approved: false, Confidence: 0.4}}, zap.NewNop())
	status, err := cat.VerifyCreative(ctx, "cr-1")
	require.NoError(t, err)
	assert.Equal(t, models.CreativeStatusApproved, status)
	assert.Equal(t, models.VerificationBasic, store.GetCreative("cr-1").VerificationMethod)

	// Moderator outage degrades to basic verification.
	store = storeWith(t, []models.Campaign{{ID: "camp-1", Status: models.CampaignStatusActive}}, []models.Creative{pending})
	cat = New(store, mapSpend{}, fakeModerator{err: errors.New("timeout")}, zap.NewNop())
	status, err = cat.VerifyCreative(ctx, "cr-1")
	require.NoError(t, err)
	assert.Equal(t, models.CreativeStatusApproved, status)
	assert.Equal(t, models.VerificationBasic, store.GetCreative("cr-1").VerificationMethod)
}

func TestVerifyCreativeNotFound(t *testing.T) {
	cat := New(storeWith(t, nil, nil), mapSpend{}, nil, zap.NewNop())
	_, err := cat.VerifyCreative(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
