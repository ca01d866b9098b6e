package models

import (
	"fmt"
	"time"
)

// BucketKey identifies one performance bucket: the sufficient statistic the
// bandit keys its priors on.
type BucketKey struct {
	CampaignID  string `json:"campaign_id"`
	DeviceClass string `json:"device_class"`
	HourOfDay   int    `json:"hour_of_day"`
	DayOfWeek   int    `json:"day_of_week"` // 0=Sunday, matching time.Weekday
}

// NewBucketKey builds the bucket key for a campaign playing on a device
// class at the given slot time.
func NewBucketKey(campaignID, deviceClass string, slot time.Time) BucketKey {
	return BucketKey{
		CampaignID:  campaignID,
		DeviceClass: deviceClass,
		HourOfDay:   slot.Hour(),
		DayOfWeek:   int(slot.Weekday()),
	}
}

// String renders the key in the form used for redis hashes and snapshots.
func (k BucketKey) String() string {
	return fmt.Sprintf("%s:%s:%d:%d", k.CampaignID, k.DeviceClass, k.HourOfDay, k.DayOfWeek)
}

// Counters is the monotonically increasing value of one performance bucket.
type Counters struct {
	Impressions int64     `json:"impressions"`
	Engagements int64     `json:"engagements"`
	Completions int64     `json:"completions"`
	LastUpdated time.Time `json:"last_updated"`
}

// Add returns the sum of two counter sets.
func (c Counters) Add(d Counters) Counters {
	out := Counters{
		Impressions: c.Impressions + d.Impressions,
		Engagements: c.Engagements + d.Engagements,
		Completions: c.Completions + d.Completions,
		LastUpdated: c.LastUpdated,
	}
	if d.LastUpdated.After(out.LastUpdated) {
		out.LastUpdated = d.LastUpdated
	}
	return out
}

// Zero reports whether no counter has been incremented.
func (c Counters) Zero() bool {
	return c.Impressions == 0 && c.Engagements == 0 && c.Completions == 0
}
