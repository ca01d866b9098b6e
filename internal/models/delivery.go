package models

import "time"

// Delivery states.
const (
	StateScheduled  = "SCHEDULED"
	StateDelivering = "DELIVERING"
	StateDelivered  = "DELIVERED"
	StateFailed     = "FAILED"
	StateCancelled  = "CANCELLED"
	StateExpired    = "EXPIRED"
)

// validTransitions encodes the delivery state machine. Terminal states have
// no outgoing edges; any write violating this map is rejected with a CAS
// failure by the repository.
var validTransitions = map[string][]string{
	StateScheduled:  {StateDelivering, StateCancelled, StateExpired},
	StateDelivering: {StateDelivered, StateFailed, StateCancelled},
}

// CanTransition reports whether from -> to is a legal state machine edge.
func CanTransition(from, to string) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// TerminalState reports whether a delivery in the given state can never move again.
func TerminalState(s string) bool {
	return len(validTransitions[s]) == 0
}

// Delivery is one scheduled play of one creative on one device. Created by
// the Scheduler in state SCHEDULED, mutated only by the Delivery Tracker
// thereafter, never deleted.
type Delivery struct {
	ID         string `json:"id"`
	CampaignID string `json:"campaign_id"`
	CreativeID string `json:"creative_id"`
	DeviceID   string `json:"device_id"`

	ScheduledTime time.Time `json:"scheduled_time"`
	Duration      int       `json:"duration"` // seconds
	Priority      int       `json:"priority"` // 1-10
	State         string    `json:"state"`

	ActualPlayTime *time.Time `json:"actual_play_time,omitempty"`
	Impressions    int64      `json:"impressions"`
	Engagements    int64      `json:"engagements"`
	Completions    int64      `json:"completions"`
	Cost           float64    `json:"cost"`

	Metadata  []DeliveryMetadata `json:"metadata,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Window returns the interval the delivery occupies on the device timeline.
func (d *Delivery) Window() (start, end time.Time) {
	return d.ScheduledTime, d.ScheduledTime.Add(time.Duration(d.Duration) * time.Second)
}

// Overlaps reports whether the delivery intersects [from, to).
func (d *Delivery) Overlaps(from, to time.Time) bool {
	start, end := d.Window()
	return start.Before(to) && from.Before(end)
}

// Active reports whether the delivery still holds its slot.
func (d *Delivery) Active() bool {
	return d.State == StateScheduled || d.State == StateDelivering
}

// CompletionThreshold is the viewable-time ratio at or above which a playback
// counts as completed.
const CompletionThreshold = 0.75

// PlaybackReport is the device's account of one play attempt.
type PlaybackReport struct {
	DeliveryID         string           `json:"delivery_id"`
	StartTime          time.Time        `json:"start_time"`
	EndTime            time.Time        `json:"end_time"`
	Completed          bool             `json:"completed"`
	Interrupted        bool             `json:"interrupted"`
	ViewableTimeMillis int64            `json:"viewable_time_millis"`
	ViewerMetrics      AudienceSnapshot `json:"viewer_metrics"`
	DeviceMetrics      DeviceMetrics    `json:"device_metrics"`
}

// CompletionRatio returns viewable time over the scheduled duration.
func (r *PlaybackReport) CompletionRatio(durationSeconds int) float64 {
	if durationSeconds <= 0 {
		return 0
	}
	return float64(r.ViewableTimeMillis) / (float64(durationSeconds) * 1000)
}

// AudienceSnapshot carries the telemetry producer's audience estimate for one
// play. All fields are best-effort; processing failures are telemetry-only.
type AudienceSnapshot struct {
	EstimatedCount int                `json:"estimated_count"`
	EngagedCount   int                `json:"engaged_count"`
	AttentionScore float64            `json:"attention_score"` // 0-1 mean attention
	Demographics   map[string]float64 `json:"demographics,omitempty"`
	EmotionScores  map[string]float64 `json:"emotion_scores,omitempty"`
}

// DeviceMetrics are playback-time hardware stats used for health scoring.
type DeviceMetrics struct {
	CPUPercent  float64 `json:"cpu_percent,omitempty"`
	MemPercent  float64 `json:"mem_percent,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}
