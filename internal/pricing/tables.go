package pricing

import (
	"strings"

	"github.com/openooh/doohserve/internal/models"
)

// Tables holds the multiplier tables the engine composes. The active set is
// swapped copy-on-write on config push; a Quote call reads one consistent set.
type Tables struct {
	// BaseRates are dollars per thousand plays-equivalent, by creative type.
	BaseRates map[string]float64
	// ObjectiveMultipliers scale by campaign objective. Applied here only,
	// never in selection scoring.
	ObjectiveMultipliers map[string]float64
	TimeMultipliers      [24]float64
	DayMultipliers       [7]float64 // indexed by time.Weekday, 0=Sunday
	LocationMultipliers  map[string]float64
	DeviceMultipliers    map[string]float64
}

// DefaultTables returns the stock multiplier set: morning, lunch and evening
// peaks, a late-night trough, weekday premium and an urban surcharge.
func DefaultTables() *Tables {
	t := &Tables{
		BaseRates: map[string]float64{
			models.MediaImage:       3.0,
			models.MediaVideo:       5.0,
			models.MediaText:        2.0,
			models.MediaHTML:        4.0,
			models.MediaInteractive: 6.0,
			models.MediaAR:          8.0,
			models.MediaVoice:       4.5,
		},
		ObjectiveMultipliers: map[string]float64{
			models.ObjectiveAwareness:     1.0,
			models.ObjectiveConsideration: 1.1,
			models.ObjectiveEngagement:    1.15,
			models.ObjectiveConversion:    1.25,
		},
		LocationMultipliers: map[string]float64{
			"URBAN":    1.3,
			"SUBURBAN": 1.0,
			"RURAL":    0.8,
		},
		DeviceMultipliers: map[string]float64{
			models.ClassInteractiveKiosk: 1.5,
			models.ClassDigitalSignage:   1.2,
			models.ClassAndroidTV:        1.0,
			models.ClassVehicleMounted:   1.1,
			models.ClassRetailDisplay:    1.3,
		},
	}
	for h := 0; h < 24; h++ {
		switch {
		case h >= 7 && h <= 9: // morning commute
			t.TimeMultipliers[h] = 1.3
		case h >= 11 && h <= 13: // lunch
			t.TimeMultipliers[h] = 1.2
		case h >= 17 && h <= 20: // evening
			t.TimeMultipliers[h] = 1.5
		case h >= 0 && h <= 5: // late night
			t.TimeMultipliers[h] = 0.7
		default:
			t.TimeMultipliers[h] = 1.0
		}
	}
	// Sunday..Saturday
	t.DayMultipliers = [7]float64{0.9, 1.1, 1.1, 1.2, 1.3, 1.4, 1.0}
	return t
}

func (t *Tables) baseRate(creativeType string) float64 {
	if r, ok := t.BaseRates[strings.ToUpper(creativeType)]; ok {
		return r
	}
	return 3.0
}

func (t *Tables) objectiveMultiplier(objective string) float64 {
	if objective == "" {
		return 1.0
	}
	if m, ok := t.ObjectiveMultipliers[strings.ToUpper(objective)]; ok {
		return m
	}
	return 1.0
}

func (t *Tables) locationMultiplier(locationType string) float64 {
	if m, ok := t.LocationMultipliers[strings.ToUpper(locationType)]; ok {
		return m
	}
	return 1.0
}

func (t *Tables) deviceMultiplier(class string) float64 {
	if m, ok := t.DeviceMultipliers[class]; ok {
		return m
	}
	return 1.0
}
