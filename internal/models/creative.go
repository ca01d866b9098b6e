package models

import "time"

// Creative media types.
const (
	MediaImage       = "IMAGE"
	MediaVideo       = "VIDEO"
	MediaText        = "TEXT"
	MediaHTML        = "HTML"
	MediaInteractive = "INTERACTIVE"
	MediaAR          = "AR"
	MediaVoice       = "VOICE"
)

// Creative approval statuses. Only APPROVED creatives are selectable.
const (
	CreativeStatusPending  = "PENDING"
	CreativeStatusApproved = "APPROVED"
	CreativeStatusRejected = "REJECTED"
)

// Verification methods recorded alongside the approval verdict.
const (
	// VerificationBasic marks a verdict produced by the deterministic policy
	// checks, used when no moderation oracle is configured or the oracle failed.
	VerificationBasic = "BASIC"
	// VerificationAI marks a verdict produced by the content moderation oracle.
	VerificationAI = "AI"
)

// defaultDurations maps media type to display duration in seconds, used when
// a creative carries no natural duration.
var defaultDurations = map[string]int{
	MediaImage:       20,
	MediaVideo:       30,
	MediaText:        15,
	MediaHTML:        25,
	MediaInteractive: 45,
	MediaAR:          60,
	MediaVoice:       45,
}

// Creative is a renderable asset owned by a campaign. The core never touches
// the media itself; devices fetch it from URL.
type Creative struct {
	ID         string `json:"id"`
	CampaignID string `json:"campaign_id"`
	MediaType  string `json:"media_type"`
	URL        string `json:"url"`
	Format     string `json:"format"` // container/mime hint, e.g. "mp4", "jpeg"
	// Duration is the natural play length in seconds. Zero means "use the
	// media-type default".
	Duration int    `json:"duration"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Status   string `json:"status"`
	// VerificationMethod records how the current Status was produced.
	VerificationMethod string   `json:"verification_method,omitempty"`
	RejectionReasons   []string `json:"rejection_reasons,omitempty"`

	// Running performance counters, updated by the Delivery Tracker on each
	// DELIVERED transition. AttentionScore is an incremental mean over
	// DeliveryCount plays.
	Impressions    int64     `json:"impressions"`
	Engagements    int64     `json:"engagements"`
	DeliveryCount  int64     `json:"delivery_count"`
	AttentionScore float64   `json:"attention_score"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// DisplayDuration returns the seconds this creative should hold a slot:
// its natural duration when set, otherwise the media-type default.
func (c *Creative) DisplayDuration() int {
	if c.Duration > 0 {
		return c.Duration
	}
	if d, ok := defaultDurations[c.MediaType]; ok {
		return d
	}
	return 20
}

// EngagementRate returns engagements/impressions, zero when unplayed.
func (c *Creative) EngagementRate() float64 {
	if c.Impressions == 0 {
		return 0
	}
	return float64(c.Engagements) / float64(c.Impressions)
}

// typeMultipliers boost richer formats during creative selection.
var typeMultipliers = map[string]float64{
	MediaVideo:       1.2,
	MediaInteractive: 1.3,
	MediaAR:          1.4,
}

// TypeMultiplier returns the selection boost for the creative's media type.
func (c *Creative) TypeMultiplier() float64 {
	if m, ok := typeMultipliers[c.MediaType]; ok {
		return m
	}
	return 1.0
}
