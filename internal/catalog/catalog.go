// Package catalog answers "which campaigns may play in this slot" and owns
// creative verification. It reads the in-memory snapshot store and consults
// the daily spend source, so a call never blocks on Postgres.
package catalog

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openooh/doohserve/internal/models"
	"github.com/openooh/doohserve/internal/oracle"
)

// SpendSource reads the day's accumulated spend for a campaign. Backed by
// redis daily counters in production, by a map fake in tests.
type SpendSource interface {
	GetDailySpend(ctx context.Context, campaignID string, ts time.Time) (float64, error)
}

// moderatorConfidenceFloor is the minimum confidence an AI verdict needs
// before the catalog trusts it over the deterministic checks.
const moderatorConfidenceFloor = 0.8

// Catalog performs eligibility filtering and creative verification.
type Catalog struct {
	store     models.DataStore
	spend     SpendSource
	moderator oracle.Moderator
	logger    *zap.Logger
}

// New creates a catalog. A nil moderator falls back to basic checks only.
func New(store models.DataStore, spend SpendSource, moderator oracle.Moderator, logger *zap.Logger) *Catalog {
	if moderator == nil {
		moderator = oracle.NullModerator{}
	}
	return &Catalog{store: store, spend: spend, moderator: moderator, logger: logger}
}

// EligibleCampaigns returns the campaigns allowed to play on the device at
// the slot time. A campaign qualifies when it is ACTIVE, in flight, under
// both budgets, matches the device's location and the slot's schedule
// targeting, and has at least one approved creative.
func (c *Catalog) EligibleCampaigns(ctx context.Context, device *models.Device, slot time.Time) []*models.Campaign {
	var out []*models.Campaign
	for _, camp := range c.store.ActiveCampaigns() {
		if !camp.InFlight(slot) {
			continue
		}
		if camp.Spend >= camp.TotalBudget {
			continue
		}
		if !camp.Targeting.Schedule.Matches(slot) {
			continue
		}
		if !camp.Targeting.Location.Matches(device.Location) {
			continue
		}
		if len(c.store.ApprovedCreatives(camp.ID)) == 0 {
			continue
		}
		if camp.DailyBudget > 0 {
			spent, err := c.spend.GetDailySpend(ctx, camp.ID, slot)
			if err != nil {
				// Spend source down: admit the campaign and let the budget
				// guard at schedule time make the final call.
				c.logger.Warn("daily spend read failed, admitting campaign",
					zap.String("campaign_id", camp.ID), zap.Error(err))
			} else if spent >= camp.DailyBudget {
				continue
			}
		}
		out = append(out, camp)
	}
	return out
}

// basicChecks runs the deterministic policy checks on a creative. Returns
// the rejection reasons, empty on pass.
func basicChecks(cr *models.Creative) []string {
	var reasons []string
	if cr.URL == "" {
		reasons = append(reasons, "missing media url")
	}
	switch cr.MediaType {
	case models.MediaImage, models.MediaVideo, models.MediaText, models.MediaHTML,
		models.MediaInteractive, models.MediaAR, models.MediaVoice:
	default:
		reasons = append(reasons, fmt.Sprintf("unknown media type %q", cr.MediaType))
	}
	if cr.Duration < 0 || cr.Duration > 300 {
		reasons = append(reasons, "duration out of range")
	}
	if (cr.Width < 0) || (cr.Height < 0) {
		reasons = append(reasons, "negative dimensions")
	}
	return reasons
}

// VerifyCreative runs verification and persists the verdict on the snapshot
// store. The AI moderator wins when it answers with enough confidence;
// otherwise the deterministic checks decide and the verdict is marked BASIC.
func (c *Catalog) VerifyCreative(ctx context.Context, creativeID string) (string, error) {
	cr := c.store.GetCreative(creativeID)
	if cr == nil {
		return "", fmt.Errorf("creative %s: %w", creativeID, models.ErrNotFound)
	}

	reasons := basicChecks(cr)
	status := models.CreativeStatusApproved
	method := models.VerificationBasic
	if len(reasons) > 0 {
		status = models.CreativeStatusRejected
	}

	if status == models.CreativeStatusApproved {
		verdict, err := c.moderator.Review(ctx, cr)
		switch {
		case err != nil:
			c.logger.Warn("moderator unavailable, using basic verification",
				zap.String("creative_id", creativeID), zap.Error(err))
		case verdict.Confidence >= moderatorConfidenceFloor:
			method = models.VerificationAI
			if !verdict.Approved {
				status = models.CreativeStatusRejected
				reasons = verdict.Reasons
				if len(reasons) == 0 {
					reasons = []string{"rejected by content moderation"}
				}
			}
		}
	}

	if err := c.store.SetCreativeVerification(creativeID, status, method, reasons); err != nil {
		return "", err
	}
	if status == models.CreativeStatusRejected {
		return status, fmt.Errorf("creative %s: %v: %w", creativeID, reasons, models.ErrPolicyRejected)
	}
	return status, nil
}
