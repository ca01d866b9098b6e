package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openooh/doohserve/internal/models"
)

const deliveryColumns = `id, campaign_id, creative_id, device_id, scheduled_time, duration, priority, state, actual_play_time, impressions, engagements, completions, cost, metadata, created_at, updated_at`

// InsertDelivery persists a new delivery row.
func (p *Postgres) InsertDelivery(ctx context.Context, d *models.Delivery) error {
	meta, err := models.MarshalMeta(d.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = p.DB.ExecContext(ctx, `INSERT INTO deliveries (`+deliveryColumns+`)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		d.ID, d.CampaignID, d.CreativeID, d.DeviceID, d.ScheduledTime, d.Duration, d.Priority, d.State,
		nullTimePtr(d.ActualPlayTime), d.Impressions, d.Engagements, d.Completions, d.Cost, meta, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return wrapStorage("insert delivery", err)
	}
	return nil
}

// GetDelivery loads one delivery by ID.
func (p *Postgres) GetDelivery(ctx context.Context, id string) (*models.Delivery, error) {
	row := p.DB.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE id = $1`, id)
	d, err := scanDelivery(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("delivery %s: %w", id, models.ErrNotFound)
		}
		return nil, wrapStorage("get delivery", err)
	}
	return d, nil
}

// TransitionDelivery moves a delivery from one state to another atomically.
// The row is locked, the precondition checked, mutate applied, then the edge
// validated against the state machine. Losing a race returns ErrStateConflict.
func (p *Postgres) TransitionDelivery(ctx context.Context, id, from, to string, mutate func(*models.Delivery)) (*models.Delivery, error) {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapStorage("begin transition", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE id = $1 FOR UPDATE`, id)
	d, err := scanDelivery(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("delivery %s: %w", id, models.ErrNotFound)
		}
		return nil, wrapStorage("lock delivery", err)
	}
	if d.State != from {
		return nil, fmt.Errorf("delivery %s is %s, want %s: %w", id, d.State, from, models.ErrStateConflict)
	}
	if !models.CanTransition(from, to) {
		return nil, fmt.Errorf("transition %s -> %s: %w", from, to, models.ErrStateConflict)
	}

	if mutate != nil {
		mutate(d)
	}
	d.State = to
	d.UpdatedAt = time.Now().UTC()

	meta, err := models.MarshalMeta(d.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE deliveries SET state = $2, actual_play_time = $3,
        impressions = $4, engagements = $5, completions = $6, cost = $7, metadata = $8, updated_at = $9
        WHERE id = $1`,
		d.ID, d.State, nullTimePtr(d.ActualPlayTime), d.Impressions, d.Engagements, d.Completions, d.Cost, meta, d.UpdatedAt); err != nil {
		return nil, wrapStorage("update delivery", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, wrapStorage("commit transition", err)
	}
	return d, nil
}

// ListDeviceWindow returns active deliveries on a device overlapping [from, to).
func (p *Postgres) ListDeviceWindow(ctx context.Context, deviceID string, from, to time.Time) ([]*models.Delivery, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT `+deliveryColumns+` FROM deliveries
        WHERE device_id = $1 AND state IN ('SCHEDULED','DELIVERING')
          AND scheduled_time < $3 AND scheduled_time + (duration || ' seconds')::interval > $2
        ORDER BY scheduled_time`, deviceID, from, to)
	if err != nil {
		return nil, wrapStorage("list device window", err)
	}
	return collectDeliveries(rows)
}

// ListPromotable returns a device's SCHEDULED deliveries starting before the
// cutoff, earliest first. The first row is the pull queue's promotion candidate.
func (p *Postgres) ListPromotable(ctx context.Context, deviceID string, cutoff time.Time, limit int) ([]*models.Delivery, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT `+deliveryColumns+` FROM deliveries
        WHERE device_id = $1 AND state = 'SCHEDULED' AND scheduled_time <= $2
        ORDER BY scheduled_time LIMIT $3`, deviceID, cutoff, limit)
	if err != nil {
		return nil, wrapStorage("list promotable", err)
	}
	return collectDeliveries(rows)
}

// ListStaleByState returns deliveries stuck in state with scheduled_time
// before the cutoff, for the expiry sweep.
func (p *Postgres) ListStaleByState(ctx context.Context, state string, cutoff time.Time, limit int) ([]*models.Delivery, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT `+deliveryColumns+` FROM deliveries
        WHERE state = $1 AND scheduled_time < $2
        ORDER BY scheduled_time LIMIT $3`, state, cutoff, limit)
	if err != nil {
		return nil, wrapStorage("list stale", err)
	}
	return collectDeliveries(rows)
}

// ListActiveByCampaign returns a campaign's SCHEDULED and DELIVERING rows,
// used when pausing a campaign cancels its pending plays.
func (p *Postgres) ListActiveByCampaign(ctx context.Context, campaignID string) ([]*models.Delivery, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT `+deliveryColumns+` FROM deliveries
        WHERE campaign_id = $1 AND state IN ('SCHEDULED','DELIVERING')
        ORDER BY scheduled_time`, campaignID)
	if err != nil {
		return nil, wrapStorage("list campaign active", err)
	}
	return collectDeliveries(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDelivery(row rowScanner) (*models.Delivery, error) {
	var d models.Delivery
	var actual sql.NullTime
	var meta []byte
	if err := row.Scan(&d.ID, &d.CampaignID, &d.CreativeID, &d.DeviceID, &d.ScheduledTime, &d.Duration, &d.Priority, &d.State,
		&actual, &d.Impressions, &d.Engagements, &d.Completions, &d.Cost, &meta, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	if actual.Valid {
		t := actual.Time
		d.ActualPlayTime = &t
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &d.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &d, nil
}

func collectDeliveries(rows *sql.Rows) ([]*models.Delivery, error) {
	defer func() { _ = rows.Close() }()
	var out []*models.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, wrapStorage("scan delivery", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorage("iterate deliveries", err)
	}
	return out, nil
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
