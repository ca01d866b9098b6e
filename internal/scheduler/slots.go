package scheduler

import (
	"time"

	"github.com/openooh/doohserve/internal/models"
)

// Peak and off-peak hour sets, matching the pricing time curve: commute,
// lunch and evening hours run denser, late night runs sparser.
func peakFactor(hour int) float64 {
	switch {
	case hour >= 7 && hour <= 9, hour >= 11 && hour <= 13, hour >= 17 && hour <= 20:
		return 1.2
	case hour >= 0 && hour <= 5:
		return 0.8
	default:
		return 1.0
	}
}

// slotsForHour returns the target slot count for a device class at an hour,
// the class baseline adjusted +-20% for peak and off-peak.
func slotsForHour(class string, hour int) int {
	base, ok := models.TargetSlotsPerHour[class]
	if !ok {
		base = 12
	}
	n := int(float64(base)*peakFactor(hour) + 0.5)
	if n < 1 {
		n = 1
	}
	return n
}

// slot is one open scheduling window on a device timeline.
type slot struct {
	start    time.Time
	duration time.Duration
}

// enumerateSlots lists the slot windows in [from, to), hour by hour, each
// hour divided evenly by its class slot count. Slot boundaries align to the
// hour grid so consecutive rebuilds produce the same windows.
func enumerateSlots(class string, from, to time.Time) []slot {
	var out []slot
	hourStart := from.Truncate(time.Hour)
	for hourStart.Before(to) {
		n := slotsForHour(class, hourStart.Hour())
		width := time.Hour / time.Duration(n)
		for i := 0; i < n; i++ {
			start := hourStart.Add(time.Duration(i) * width)
			if start.Before(from) || !start.Before(to) {
				continue
			}
			out = append(out, slot{start: start, duration: width})
		}
		hourStart = hourStart.Add(time.Hour)
	}
	return out
}
