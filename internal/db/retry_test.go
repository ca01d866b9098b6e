package db

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openooh/doohserve/internal/models"
)

func shortSchedule(t *testing.T) {
	t.Helper()
	saved := retrySchedule
	retrySchedule = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	t.Cleanup(func() { retrySchedule = saved })
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	shortSchedule(t)
	calls := 0
	err := Retry(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("flaky: %w", models.ErrTransientStorage)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	shortSchedule(t)
	calls := 0
	boom := errors.New("constraint violation")
	err := Retry(context.Background(), func(context.Context) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls, "permanent errors are not retried")
}

func TestRetryExhaustsSchedule(t *testing.T) {
	shortSchedule(t)
	calls := 0
	err := Retry(context.Background(), func(context.Context) error {
		calls++
		return models.ErrTransientStorage
	})
	assert.ErrorIs(t, err, models.ErrTransientStorage)
	assert.Equal(t, 1+len(retrySchedule), calls)
}

func TestRetryHonorsCancellation(t *testing.T) {
	saved := retrySchedule
	retrySchedule = []time.Duration{time.Minute}
	t.Cleanup(func() { retrySchedule = saved })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Retry(ctx, func(context.Context) error {
		calls++
		return models.ErrTransientStorage
	})
	assert.ErrorIs(t, err, models.ErrTransientStorage)
	assert.Equal(t, 1, calls, "cancellation preempts the backoff sleep")
}
