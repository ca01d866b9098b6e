package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	_ "github.com/ClickHouse/clickhouse-go/v2"

	"github.com/openooh/doohserve/internal/models"
	"github.com/openooh/doohserve/internal/observability"
)

// Service records delivery outcomes and answers revenue queries.
// Implementations should handle unavailable storage by returning
// ErrUnavailable rather than blocking callers.
type Service interface {
	// RecordDelivery logs one terminal delivery transition.
	RecordDelivery(ctx context.Context, d *models.Delivery, deviceClass, partnerID string) error
	// PartnerRevenue sums delivered cost per partner over [from, to), after
	// applying each partner's revenue share.
	PartnerRevenue(ctx context.Context, partnerID string, from, to time.Time, share float64) (RevenueReport, error)
	// DeliveriesBetween streams terminal rows for the replay command.
	DeliveriesBetween(ctx context.Context, from, to time.Time) ([]DeliveryRecord, error)
}

// ErrUnavailable is returned when the analytics DB is not configured.
var ErrUnavailable = fmt.Errorf("analytics unavailable")

// Analytics wraps a ClickHouse connection.
type Analytics struct {
	DB      *sql.DB
	Metrics observability.MetricsRegistry
}

// DeliveryRecord mirrors one row in the deliveries table.
type DeliveryRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	DeliveryID  string    `json:"delivery_id"`
	CampaignID  string    `json:"campaign_id"`
	CreativeID  string    `json:"creative_id"`
	DeviceID    string    `json:"device_id"`
	DeviceClass string    `json:"device_class"`
	PartnerID   string    `json:"partner_id"`
	State       string    `json:"state"`
	Impressions int64     `json:"impressions"`
	Engagements int64     `json:"engagements"`
	Completions int64     `json:"completions"`
	Cost        float64   `json:"cost"`
}

// RevenueReport is the answer to a partner revenue query.
type RevenueReport struct {
	PartnerID   string  `json:"partner_id"`
	Plays       int64   `json:"plays"`
	Impressions int64   `json:"impressions"`
	GrossCost   float64 `json:"gross_cost"`
	PartnerCut  float64 `json:"partner_cut"`
}

// InitClickHouse connects and ensures the deliveries table exists.
func InitClickHouse(dsn string, metrics observability.MetricsRegistry) (*Analytics, error) {
	chdb, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	chdb.SetMaxOpenConns(25)
	if err := chdb.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	create := `CREATE TABLE IF NOT EXISTS deliveries (
       timestamp    DateTime,
       delivery_id  String,
       campaign_id  String,
       creative_id  String,
       device_id    String,
       device_class String,
       partner_id   String,
       state        String,
       impressions  Int64,
       engagements  Int64,
       completions  Int64,
       cost         Float64
   ) ENGINE=MergeTree() ORDER BY (state, timestamp)`
	if _, err := chdb.ExecContext(context.Background(), create); err != nil {
		return nil, fmt.Errorf("clickhouse create table: %w", err)
	}

	zap.L().Info("Connected to ClickHouse")
	return &Analytics{DB: chdb, Metrics: metrics}, nil
}

// Close closes the connection.
func (a *Analytics) Close() {
	if a != nil && a.DB != nil {
		if err := a.DB.Close(); err != nil {
			zap.L().Error("clickhouse close", zap.Error(err))
		}
	}
}

func (a *Analytics) RecordDelivery(ctx context.Context, d *models.Delivery, deviceClass, partnerID string) error {
	if a == nil || a.DB == nil {
		return ErrUnavailable
	}
	ts := d.UpdatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := a.DB.ExecContext(ctx, `INSERT INTO deliveries
        (timestamp, delivery_id, campaign_id, creative_id, device_id, device_class, partner_id, state, impressions, engagements, completions, cost)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts, d.ID, d.CampaignID, d.CreativeID, d.DeviceID, deviceClass, partnerID, d.State,
		d.Impressions, d.Engagements, d.Completions, d.Cost)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

func (a *Analytics) PartnerRevenue(ctx context.Context, partnerID string, from, to time.Time, share float64) (RevenueReport, error) {
	report := RevenueReport{PartnerID: partnerID}
	if a == nil || a.DB == nil {
		return report, ErrUnavailable
	}
	row := a.DB.QueryRowContext(ctx, `SELECT count(), sum(impressions), sum(cost)
        FROM deliveries
        WHERE partner_id = ? AND state = 'DELIVERED' AND timestamp >= ? AND timestamp < ?`,
		partnerID, from, to)
	var gross sql.NullFloat64
	var plays, impressions sql.NullInt64
	if err := row.Scan(&plays, &impressions, &gross); err != nil {
		return report, fmt.Errorf("partner revenue query: %w", err)
	}
	report.Plays = plays.Int64
	report.Impressions = impressions.Int64
	report.GrossCost = gross.Float64
	report.PartnerCut = gross.Float64 * share
	return report, nil
}

func (a *Analytics) DeliveriesBetween(ctx context.Context, from, to time.Time) ([]DeliveryRecord, error) {
	if a == nil || a.DB == nil {
		return nil, ErrUnavailable
	}
	rows, err := a.DB.QueryContext(ctx, `SELECT timestamp, delivery_id, campaign_id, creative_id, device_id, device_class, partner_id, state, impressions, engagements, completions, cost
        FROM deliveries WHERE timestamp >= ? AND timestamp < ? ORDER BY timestamp`, from, to)
	if err != nil {
		return nil, fmt.Errorf("deliveries query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []DeliveryRecord
	for rows.Next() {
		var r DeliveryRecord
		if err := rows.Scan(&r.Timestamp, &r.DeliveryID, &r.CampaignID, &r.CreativeID, &r.DeviceID, &r.DeviceClass, &r.PartnerID, &r.State, &r.Impressions, &r.Engagements, &r.Completions, &r.Cost); err != nil {
			return nil, fmt.Errorf("scan delivery record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
