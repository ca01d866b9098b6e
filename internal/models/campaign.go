package models

import (
	"strings"
	"time"
)

// Campaign lifecycle statuses. Only ACTIVE campaigns are eligible for
// scheduling; PAUSED campaigns keep their deliveries but stop accruing new
// ones, and a pause cancels any still-SCHEDULED rows.
const (
	CampaignStatusDraft           = "DRAFT"
	CampaignStatusPendingApproval = "PENDING_APPROVAL"
	CampaignStatusActive          = "ACTIVE"
	CampaignStatusPaused          = "PAUSED"
	CampaignStatusCompleted       = "COMPLETED"
	CampaignStatusRejected        = "REJECTED"
	CampaignStatusCancelled       = "CANCELLED"
)

// Pricing models define how a campaign is billed and how the bandit weighs it.
const (
	PricingCPM    = "CPM"    // cost per thousand impressions
	PricingCPE    = "CPE"    // cost per engagement
	PricingCPA    = "CPA"    // cost per action (completion)
	PricingHybrid = "HYBRID" // blended
)

// Campaign objectives. Applied as a pricing multiplier only, never in bandit
// scoring, so performance is not double-counted.
const (
	ObjectiveAwareness     = "AWARENESS"
	ObjectiveConsideration = "CONSIDERATION"
	ObjectiveConversion    = "CONVERSION"
	ObjectiveEngagement    = "ENGAGEMENT"
)

// DefaultPriority is assigned to deliveries when the campaign carries no
// manual override. Valid priorities are 1 (lowest) through 10.
const DefaultPriority = 5

// LocationTargeting restricts a campaign to devices in matching venues.
// Empty slices match everything.
type LocationTargeting struct {
	LocationTypes []string `json:"location_types,omitempty"` // urban, suburban, rural
	VenueTypes    []string `json:"venue_types,omitempty"`    // mall, transit, gym, ...
	Cities        []string `json:"cities,omitempty"`
}

// ScheduleTargeting restricts a campaign to hours of day and days of week.
// Empty slices match every hour/day.
type ScheduleTargeting struct {
	HoursOfDay []int          `json:"hours_of_day,omitempty"` // 0-23
	DaysOfWeek []time.Weekday `json:"days_of_week,omitempty"` // time.Sunday..time.Saturday
}

// Targeting groups all campaign targeting predicates.
type Targeting struct {
	Location     LocationTargeting `json:"location"`
	Schedule     ScheduleTargeting `json:"schedule"`
	Demographics map[string]string `json:"demographics,omitempty"`
}

// Campaign is the advertiser's intent: a budget, a flight window, targeting
// predicates and a set of creatives. Eligibility for a slot is evaluated by
// the Catalog against status, flight dates, spend and targeting.
type Campaign struct {
	ID           string    `json:"id"`
	AdvertiserID string    `json:"advertiser_id"`
	Name         string    `json:"name"`
	Status       string    `json:"status"`
	StartDate    time.Time `json:"start_date"` // flight start, inclusive
	EndDate      time.Time `json:"end_date"`   // flight end, inclusive
	// TotalBudget is the monetary ceiling for the whole flight. Delivery stops
	// once spend reaches it; the budget guard keeps the invariant spend <= budget.
	TotalBudget float64 `json:"total_budget"`
	// DailyBudget caps a single day's spend. Zero means uncapped.
	DailyBudget float64 `json:"daily_budget"`
	// Spend is the accumulated spend across DELIVERED rows. Tracked in memory
	// and periodically persisted, mirroring the daily counters in redis.
	Spend        float64   `json:"spend"`
	PricingModel string    `json:"pricing_model"`
	Objective    string    `json:"objective"`
	Priority     int       `json:"priority"` // 1-10, DefaultPriority when zero
	Targeting    Targeting `json:"targeting"`
}

// EffectivePriority returns the campaign priority clamped to [1,10], with
// DefaultPriority substituted for an unset value.
func (c *Campaign) EffectivePriority() int {
	p := c.Priority
	if p == 0 {
		p = DefaultPriority
	}
	if p < 1 {
		p = 1
	}
	if p > 10 {
		p = 10
	}
	return p
}

// InFlight reports whether now falls inside the campaign's flight window.
func (c *Campaign) InFlight(now time.Time) bool {
	if !c.StartDate.IsZero() && now.Before(c.StartDate) {
		return false
	}
	if !c.EndDate.IsZero() && now.After(c.EndDate) {
		return false
	}
	return true
}

// RemainingFlightFraction returns the fraction of the flight still ahead of
// now, in [0,1]. Used for the end-of-flight boost in selection scoring.
func (c *Campaign) RemainingFlightFraction(now time.Time) float64 {
	if c.StartDate.IsZero() || c.EndDate.IsZero() || !c.EndDate.After(c.StartDate) {
		return 1
	}
	total := c.EndDate.Sub(c.StartDate)
	left := c.EndDate.Sub(now)
	if left <= 0 {
		return 0
	}
	if left >= total {
		return 1
	}
	return float64(left) / float64(total)
}

// Matches reports whether the slot time satisfies the campaign's time-of-day
// and day-of-week targeting.
func (t ScheduleTargeting) Matches(slot time.Time) bool {
	if len(t.HoursOfDay) > 0 {
		ok := false
		for _, h := range t.HoursOfDay {
			if h == slot.Hour() {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(t.DaysOfWeek) > 0 {
		ok := false
		for _, d := range t.DaysOfWeek {
			if d == slot.Weekday() {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Matches reports whether the device location satisfies the location targeting.
func (t LocationTargeting) Matches(loc Location) bool {
	if len(t.LocationTypes) > 0 && !containsFold(t.LocationTypes, loc.LocationType) {
		return false
	}
	if len(t.VenueTypes) > 0 && !containsFold(t.VenueTypes, loc.VenueType) {
		return false
	}
	if len(t.Cities) > 0 && !containsFold(t.Cities, loc.City) {
		return false
	}
	return true
}

func containsFold(hay []string, needle string) bool {
	for _, h := range hay {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}
