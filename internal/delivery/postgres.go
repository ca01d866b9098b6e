package delivery

import (
	"context"
	"time"

	"github.com/openooh/doohserve/internal/db"
	"github.com/openooh/doohserve/internal/models"
)

// PostgresRepo adapts the postgres delivery queries to the Repo interface.
type PostgresRepo struct {
	PG *db.Postgres
}

func (r *PostgresRepo) Insert(ctx context.Context, d *models.Delivery) error {
	return r.PG.InsertDelivery(ctx, d)
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*models.Delivery, error) {
	return r.PG.GetDelivery(ctx, id)
}

func (r *PostgresRepo) Transition(ctx context.Context, id, from, to string, mutate func(*models.Delivery)) (*models.Delivery, error) {
	return r.PG.TransitionDelivery(ctx, id, from, to, mutate)
}

func (r *PostgresRepo) DeviceWindow(ctx context.Context, deviceID string, from, to time.Time) ([]*models.Delivery, error) {
	return r.PG.ListDeviceWindow(ctx, deviceID, from, to)
}

func (r *PostgresRepo) Promotable(ctx context.Context, deviceID string, cutoff time.Time, limit int) ([]*models.Delivery, error) {
	return r.PG.ListPromotable(ctx, deviceID, cutoff, limit)
}

func (r *PostgresRepo) StaleByState(ctx context.Context, state string, cutoff time.Time, limit int) ([]*models.Delivery, error) {
	return r.PG.ListStaleByState(ctx, state, cutoff, limit)
}

func (r *PostgresRepo) ActiveByCampaign(ctx context.Context, campaignID string) ([]*models.Delivery, error) {
	return r.PG.ListActiveByCampaign(ctx, campaignID)
}
