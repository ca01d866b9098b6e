package delivery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openooh/doohserve/internal/models"
)

// Repo persists Delivery rows. Rows are never deleted; terminal rows feed
// analytics. The Postgres implementation lives in internal/db.
type Repo interface {
	Insert(ctx context.Context, d *models.Delivery) error
	Get(ctx context.Context, id string) (*models.Delivery, error)
	// Transition atomically moves id from the expected state to the next one,
	// applying mutate to the locked row first. A stale expectation returns
	// ErrStateConflict.
	Transition(ctx context.Context, id, from, to string, mutate func(*models.Delivery)) (*models.Delivery, error)
	// DeviceWindow returns active rows on the device overlapping [from, to).
	DeviceWindow(ctx context.Context, deviceID string, from, to time.Time) ([]*models.Delivery, error)
	// Promotable returns the device's SCHEDULED rows starting at or before
	// cutoff, earliest first.
	Promotable(ctx context.Context, deviceID string, cutoff time.Time, limit int) ([]*models.Delivery, error)
	// StaleByState returns rows stuck in state scheduled before cutoff.
	StaleByState(ctx context.Context, state string, cutoff time.Time, limit int) ([]*models.Delivery, error)
	// ActiveByCampaign returns the campaign's SCHEDULED and DELIVERING rows.
	ActiveByCampaign(ctx context.Context, campaignID string) ([]*models.Delivery, error)
}

// MemoryRepo is an in-process Repo for tests and single-node runs. All
// methods copy on the way in and out so callers never share row memory.
type MemoryRepo struct {
	mu   sync.Mutex
	rows map[string]*models.Delivery
}

// NewMemoryRepo returns an empty repo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{rows: make(map[string]*models.Delivery)}
}

func copyRow(d *models.Delivery) *models.Delivery {
	cp := *d
	if d.Metadata != nil {
		cp.Metadata = make([]models.DeliveryMetadata, len(d.Metadata))
		copy(cp.Metadata, d.Metadata)
	}
	if d.ActualPlayTime != nil {
		t := *d.ActualPlayTime
		cp.ActualPlayTime = &t
	}
	return &cp
}

func (r *MemoryRepo) Insert(_ context.Context, d *models.Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rows[d.ID]; exists {
		return fmt.Errorf("delivery %s already exists: %w", d.ID, models.ErrInvalidParameter)
	}
	r.rows[d.ID] = copyRow(d)
	return nil
}

func (r *MemoryRepo) Get(_ context.Context, id string) (*models.Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.rows[id]
	if !ok {
		return nil, fmt.Errorf("delivery %s: %w", id, models.ErrNotFound)
	}
	return copyRow(d), nil
}

func (r *MemoryRepo) Transition(_ context.Context, id, from, to string, mutate func(*models.Delivery)) (*models.Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.rows[id]
	if !ok {
		return nil, fmt.Errorf("delivery %s: %w", id, models.ErrNotFound)
	}
	if d.State != from {
		return nil, fmt.Errorf("delivery %s is %s, want %s: %w", id, d.State, from, models.ErrStateConflict)
	}
	if !models.CanTransition(from, to) {
		return nil, fmt.Errorf("transition %s -> %s: %w", from, to, models.ErrStateConflict)
	}
	next := copyRow(d)
	if mutate != nil {
		mutate(next)
	}
	next.State = to
	next.UpdatedAt = time.Now().UTC()
	r.rows[id] = next
	return copyRow(next), nil
}

func (r *MemoryRepo) DeviceWindow(_ context.Context, deviceID string, from, to time.Time) ([]*models.Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Delivery
	for _, d := range r.rows {
		if d.DeviceID == deviceID && d.Active() && d.Overlaps(from, to) {
			out = append(out, copyRow(d))
		}
	}
	sortByTime(out)
	return out, nil
}

func (r *MemoryRepo) Promotable(_ context.Context, deviceID string, cutoff time.Time, limit int) ([]*models.Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Delivery
	for _, d := range r.rows {
		if d.DeviceID == deviceID && d.State == models.StateScheduled && !d.ScheduledTime.After(cutoff) {
			out = append(out, copyRow(d))
		}
	}
	sortByTime(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepo) StaleByState(_ context.Context, state string, cutoff time.Time, limit int) ([]*models.Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Delivery
	for _, d := range r.rows {
		if d.State == state && d.ScheduledTime.Before(cutoff) {
			out = append(out, copyRow(d))
		}
	}
	sortByTime(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepo) ActiveByCampaign(_ context.Context, campaignID string) ([]*models.Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Delivery
	for _, d := range r.rows {
		if d.CampaignID == campaignID && d.Active() {
			out = append(out, copyRow(d))
		}
	}
	sortByTime(out)
	return out, nil
}

func sortByTime(ds []*models.Delivery) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].ScheduledTime.Equal(ds[j].ScheduledTime) {
			return ds[i].ID < ds[j].ID
		}
		return ds[i].ScheduledTime.Before(ds[j].ScheduledTime)
	})
}
