package db

import (
	"context"
	"errors"
	"time"

	"github.com/openooh/doohserve/internal/models"
)

// retrySchedule is the wait between attempts after a transient failure.
var retrySchedule = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// Retry runs fn, retrying on ErrTransientStorage with exponential backoff.
// Any other error, or context cancellation, ends the attempts immediately.
// The last error is returned when the schedule is exhausted.
func Retry(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for i := 0; ; i++ {
		err = fn(ctx)
		if err == nil || !errors.Is(err, models.ErrTransientStorage) {
			return err
		}
		if i >= len(retrySchedule) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(retrySchedule[i]):
		}
	}
}
