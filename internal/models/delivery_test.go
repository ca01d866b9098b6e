package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to string
		ok       bool
	}{
		{StateScheduled, StateDelivering, true},
		{StateScheduled, StateCancelled, true},
		{StateScheduled, StateExpired, true},
		{StateScheduled, StateDelivered, false},
		{StateDelivering, StateDelivered, true},
		{StateDelivering, StateFailed, true},
		{StateDelivering, StateCancelled, true},
		{StateDelivering, StateScheduled, false},
		{StateDelivered, StateFailed, false},
		{StateCancelled, StateScheduled, false},
		{StateExpired, StateDelivering, false},
		{StateFailed, StateDelivered, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestTerminalState(t *testing.T) {
	for _, s := range []string{StateDelivered, StateFailed, StateCancelled, StateExpired} {
		assert.True(t, TerminalState(s), s)
	}
	for _, s := range []string{StateScheduled, StateDelivering} {
		assert.False(t, TerminalState(s), s)
	}
}

func TestDeliveryOverlaps(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	d := &Delivery{ScheduledTime: base, Duration: 30}

	assert.True(t, d.Overlaps(base, base.Add(time.Minute)))
	assert.True(t, d.Overlaps(base.Add(15*time.Second), base.Add(45*time.Second)))
	// Adjacent windows do not overlap.
	assert.False(t, d.Overlaps(base.Add(30*time.Second), base.Add(time.Minute)))
	assert.False(t, d.Overlaps(base.Add(-time.Minute), base))
}

func TestCompletionRatio(t *testing.T) {
	r := &PlaybackReport{ViewableTimeMillis: 22500}
	assert.InDelta(t, 0.75, r.CompletionRatio(30), 1e-9)
	assert.Equal(t, 0.0, r.CompletionRatio(0))

	short := &PlaybackReport{ViewableTimeMillis: 10000}
	assert.Less(t, short.CompletionRatio(30), CompletionThreshold)
}

func TestFindMeta(t *testing.T) {
	meta := []DeliveryMetadata{
		PriorityMeta(8),
		ReasonMeta(ReasonPreempted),
	}
	m, ok := FindMeta(meta, MetaReason)
	assert.True(t, ok)
	assert.Equal(t, ReasonPreempted, m.Reason)

	_, ok = FindMeta(meta, MetaPlayback)
	assert.False(t, ok)
}

func TestMarshalMetaNil(t *testing.T) {
	b, err := MarshalMeta(nil)
	assert.NoError(t, err)
	assert.Equal(t, "[]", string(b))
}
