package models

import "time"

// A/B test statuses.
const (
	ABTestStatusDraft     = "DRAFT"
	ABTestStatusActive    = "ACTIVE"
	ABTestStatusCompleted = "COMPLETED"
)

// ABVariant allocates a share of traffic to one creative.
type ABVariant struct {
	CreativeID        string  `json:"creative_id"`
	TrafficAllocation float64 `json:"traffic_allocation"` // fraction in (0,1]
}

// ABTest splits a campaign's creative traffic by configured allocation
// instead of the exploration scorer. Allocations are expected to sum to 1;
// the selection engine normalizes whatever it finds.
type ABTest struct {
	ID         string      `json:"id"`
	CampaignID string      `json:"campaign_id"`
	Status     string      `json:"status"`
	StartTime  time.Time   `json:"start_time"`
	EndTime    time.Time   `json:"end_time"`
	Variants   []ABVariant `json:"variants"`
}

// Covers reports whether the test is ACTIVE and its window contains the slot.
func (t *ABTest) Covers(slot time.Time) bool {
	if t.Status != ABTestStatusActive {
		return false
	}
	if !t.StartTime.IsZero() && slot.Before(t.StartTime) {
		return false
	}
	if !t.EndTime.IsZero() && slot.After(t.EndTime) {
		return false
	}
	return len(t.Variants) > 0
}
