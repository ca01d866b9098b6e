// Package oracle holds the clients for the external AI services the core
// consults: creative moderation, price optimization and audience analysis.
// Every client degrades to a safe default when its service is unreachable;
// the core never blocks a delivery decision on an oracle.
package oracle

import (
	"context"
	"time"

	"github.com/openooh/doohserve/internal/models"
)

// ModerationVerdict is the content moderator's verdict on one creative.
type ModerationVerdict struct {
	Approved   bool     `json:"approved"`
	Confidence float64  `json:"confidence"`
	Reasons    []string `json:"reasons,omitempty"`
}

// Moderator reviews creatives before they become selectable.
type Moderator interface {
	Review(ctx context.Context, c *models.Creative) (ModerationVerdict, error)
}

// PriceHint is the optimizer's suggested adjustment to a computed rate.
type PriceHint struct {
	Multiplier float64 `json:"multiplier"` // applied on top of the computed rate
	Confidence float64 `json:"confidence"`
}

// Optimizer suggests rate adjustments from signals the core does not see.
type Optimizer interface {
	Hint(ctx context.Context, campaignID, deviceClass string, slot time.Time) (PriceHint, error)
}

// Analyzer turns raw playback audience telemetry into an AudienceSnapshot.
type Analyzer interface {
	Analyze(ctx context.Context, raw models.AudienceSnapshot) (models.AudienceSnapshot, error)
}

// ProposedSlot is one slot assignment in a device window, as proposed by the
// scheduler or rearranged by the optimizer.
type ProposedSlot struct {
	SlotTime   time.Time `json:"slot_time"`
	Duration   int       `json:"duration"`
	CampaignID string    `json:"campaign_id"`
	CreativeID string    `json:"creative_id"`
}

// ScheduleOptimizer may rearrange a device's proposed window. On error the
// scheduler keeps its deterministic per-slot assignment.
type ScheduleOptimizer interface {
	Optimize(ctx context.Context, deviceID string, proposal []ProposedSlot) ([]ProposedSlot, error)
}

// NullScheduleOptimizer keeps the proposal unchanged.
type NullScheduleOptimizer struct{}

func (NullScheduleOptimizer) Optimize(_ context.Context, _ string, proposal []ProposedSlot) ([]ProposedSlot, error) {
	return proposal, nil
}

// NullModerator approves everything with low confidence, forcing BASIC
// verification in the catalog. Used when no moderator URL is configured.
type NullModerator struct{}

func (NullModerator) Review(context.Context, *models.Creative) (ModerationVerdict, error) {
	return ModerationVerdict{Approved: true, Confidence: 0}, nil
}

// NullOptimizer returns the identity hint.
type NullOptimizer struct{}

func (NullOptimizer) Hint(context.Context, string, string, time.Time) (PriceHint, error) {
	return PriceHint{Multiplier: 1.0, Confidence: 0}, nil
}

// NullAnalyzer passes the raw snapshot through unchanged.
type NullAnalyzer struct{}

func (NullAnalyzer) Analyze(_ context.Context, raw models.AudienceSnapshot) (models.AudienceSnapshot, error) {
	return raw, nil
}
