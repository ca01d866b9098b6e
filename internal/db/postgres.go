package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/openooh/doohserve/internal/models"
)

// Postgres wraps a postgres DB connection.
type Postgres struct {
	DB *sql.DB
}

// migrations are applied in order; schema_migrations records the version
// high-water mark so upgrades are linear and idempotent.
var migrations = []string{
	// 1: base entity tables
	`CREATE TABLE IF NOT EXISTS partners (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    api_token TEXT NOT NULL,
    revenue_share DOUBLE PRECISION NOT NULL DEFAULT 0.7,
    config_version INT NOT NULL DEFAULT 1,
    fallback JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS campaigns (
    id TEXT PRIMARY KEY,
    advertiser_id TEXT NOT NULL,
    name TEXT NOT NULL,
    status TEXT NOT NULL,
    start_date TIMESTAMPTZ,
    end_date TIMESTAMPTZ,
    total_budget DOUBLE PRECISION NOT NULL,
    daily_budget DOUBLE PRECISION NOT NULL DEFAULT 0,
    spend DOUBLE PRECISION NOT NULL DEFAULT 0,
    pricing_model TEXT NOT NULL,
    objective TEXT,
    priority INT NOT NULL DEFAULT 5,
    targeting JSONB
);

CREATE TABLE IF NOT EXISTS creatives (
    id TEXT PRIMARY KEY,
    campaign_id TEXT REFERENCES campaigns(id),
    media_type TEXT NOT NULL,
    url TEXT NOT NULL,
    format TEXT,
    duration INT NOT NULL DEFAULT 0,
    width INT,
    height INT,
    status TEXT NOT NULL DEFAULT 'PENDING',
    verification_method TEXT,
    rejection_reasons TEXT[],
    impressions BIGINT NOT NULL DEFAULT 0,
    engagements BIGINT NOT NULL DEFAULT 0,
    delivery_count BIGINT NOT NULL DEFAULT 0,
    attention_score DOUBLE PRECISION NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS devices (
    id TEXT PRIMARY KEY,
    partner_id TEXT REFERENCES partners(id),
    fingerprint TEXT NOT NULL,
    class TEXT NOT NULL,
    location JSONB NOT NULL,
    specs JSONB,
    status TEXT NOT NULL DEFAULT 'PENDING',
    health TEXT NOT NULL DEFAULT 'UNKNOWN',
    last_seen TIMESTAMPTZ,
    config_version INT NOT NULL DEFAULT 0,
    registered_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    fallback JSONB,
    UNIQUE (partner_id, fingerprint)
);`,

	// 2: deliveries and A/B tests
	`CREATE TABLE IF NOT EXISTS deliveries (
    id TEXT PRIMARY KEY,
    campaign_id TEXT NOT NULL,
    creative_id TEXT NOT NULL,
    device_id TEXT NOT NULL,
    scheduled_time TIMESTAMPTZ NOT NULL,
    duration INT NOT NULL,
    priority INT NOT NULL DEFAULT 5,
    state TEXT NOT NULL DEFAULT 'SCHEDULED',
    actual_play_time TIMESTAMPTZ,
    impressions BIGINT NOT NULL DEFAULT 0,
    engagements BIGINT NOT NULL DEFAULT 0,
    completions BIGINT NOT NULL DEFAULT 0,
    cost DOUBLE PRECISION NOT NULL DEFAULT 0,
    metadata JSONB NOT NULL DEFAULT '[]',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS ab_tests (
    id TEXT PRIMARY KEY,
    campaign_id TEXT REFERENCES campaigns(id),
    status TEXT NOT NULL,
    start_time TIMESTAMPTZ,
    end_time TIMESTAMPTZ,
    variants JSONB NOT NULL
);`,

	// 3: serving indexes
	`CREATE INDEX IF NOT EXISTS idx_campaigns_status_dates ON campaigns (status, start_date, end_date) WHERE status = 'ACTIVE';
CREATE INDEX IF NOT EXISTS idx_creatives_campaign_status ON creatives (campaign_id, status);
CREATE INDEX IF NOT EXISTS idx_devices_partner_id ON devices (partner_id);
CREATE INDEX IF NOT EXISTS idx_deliveries_device_window ON deliveries (device_id, scheduled_time) WHERE state IN ('SCHEDULED','DELIVERING');
CREATE INDEX IF NOT EXISTS idx_deliveries_state_sched ON deliveries (state, scheduled_time);
CREATE INDEX IF NOT EXISTS idx_deliveries_campaign ON deliveries (campaign_id);`,
}

// InitPostgres connects to Postgres with connection pooling configuration.
func InitPostgres(dsn string, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) (*Postgres, error) {
	// Register the otelsql wrapper for postgres
	driverName, err := otelsql.Register("postgres",
		otelsql.WithAttributes(
			attribute.String("db.system", "postgresql"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("register otelsql: %w", err)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	zap.L().Info("Connected to Postgres")
	return &Postgres{DB: db}, nil
}

// Migrate applies outstanding migrations in order.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.DB.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (version INT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW())`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := p.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for v := current; v < len(migrations); v++ {
		tx, err := p.DB.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", v+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[v]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", v+1, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, v+1); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", v+1, err)
		}
		zap.L().Info("applied migration", zap.Int("version", v+1))
	}
	return nil
}

// Close closes the database connection.
func (p *Postgres) Close() {
	if p != nil && p.DB != nil {
		if err := p.DB.Close(); err != nil {
			zap.L().Error("postgres close", zap.Error(err))
		}
	}
}

// LoadPartners returns every partner row.
func (p *Postgres) LoadPartners(ctx context.Context) ([]models.Partner, error) {
	rows, err := p.DB.QueryContext(ctx,
		`SELECT id, name, api_token, revenue_share, config_version, fallback, created_at FROM partners`)
	if err != nil {
		return nil, fmt.Errorf("load partners: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.Partner
	for rows.Next() {
		var pt models.Partner
		var fallback []byte
		if err := rows.Scan(&pt.ID, &pt.Name, &pt.APIToken, &pt.RevenueShare, &pt.ConfigVersion, &fallback, &pt.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan partner: %w", err)
		}
		if len(fallback) > 0 {
			var fb models.Fallback
			if err := json.Unmarshal(fallback, &fb); err == nil {
				pt.Fallback = &fb
			}
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}

// LoadCampaigns returns every campaign row.
func (p *Postgres) LoadCampaigns(ctx context.Context) ([]models.Campaign, error) {
	rows, err := p.DB.QueryContext(ctx,
		`SELECT id, advertiser_id, name, status, start_date, end_date, total_budget, daily_budget, spend, pricing_model, COALESCE(objective,''), priority, targeting FROM campaigns`)
	if err != nil {
		return nil, fmt.Errorf("load campaigns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.Campaign
	for rows.Next() {
		var c models.Campaign
		var start, end sql.NullTime
		var targeting []byte
		if err := rows.Scan(&c.ID, &c.AdvertiserID, &c.Name, &c.Status, &start, &end, &c.TotalBudget, &c.DailyBudget, &c.Spend, &c.PricingModel, &c.Objective, &c.Priority, &targeting); err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		if start.Valid {
			c.StartDate = start.Time
		}
		if end.Valid {
			c.EndDate = end.Time
		}
		if len(targeting) > 0 {
			if err := json.Unmarshal(targeting, &c.Targeting); err != nil {
				zap.L().Warn("bad campaign targeting json", zap.String("campaign_id", c.ID), zap.Error(err))
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LoadCreatives returns every creative row.
func (p *Postgres) LoadCreatives(ctx context.Context) ([]models.Creative, error) {
	rows, err := p.DB.QueryContext(ctx,
		`SELECT id, campaign_id, media_type, url, COALESCE(format,''), duration, COALESCE(width,0), COALESCE(height,0), status, COALESCE(verification_method,''), rejection_reasons, impressions, engagements, delivery_count, attention_score, updated_at FROM creatives`)
	if err != nil {
		return nil, fmt.Errorf("load creatives: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.Creative
	for rows.Next() {
		var c models.Creative
		var reasons pq.StringArray
		if err := rows.Scan(&c.ID, &c.CampaignID, &c.MediaType, &c.URL, &c.Format, &c.Duration, &c.Width, &c.Height, &c.Status, &c.VerificationMethod, &reasons, &c.Impressions, &c.Engagements, &c.DeliveryCount, &c.AttentionScore, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan creative: %w", err)
		}
		c.RejectionReasons = reasons
		out = append(out, c)
	}
	return out, rows.Err()
}

// LoadDevices returns every device row.
func (p *Postgres) LoadDevices(ctx context.Context) ([]models.Device, error) {
	rows, err := p.DB.QueryContext(ctx,
		`SELECT id, partner_id, fingerprint, class, location, specs, status, health, last_seen, config_version, registered_at, fallback FROM devices`)
	if err != nil {
		return nil, fmt.Errorf("load devices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.Device
	for rows.Next() {
		var d models.Device
		var location, specs, fallback []byte
		var lastSeen sql.NullTime
		if err := rows.Scan(&d.ID, &d.PartnerID, &d.Fingerprint, &d.Class, &location, &specs, &d.Status, &d.Health, &lastSeen, &d.ConfigVersion, &d.RegisteredAt, &fallback); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		if len(fallback) > 0 {
			var fb models.Fallback
			if err := json.Unmarshal(fallback, &fb); err == nil {
				d.Fallback = &fb
			}
		}
		if lastSeen.Valid {
			d.LastSeen = lastSeen.Time
		}
		if len(location) > 0 {
			if err := json.Unmarshal(location, &d.Location); err != nil {
				zap.L().Warn("bad device location json", zap.String("device_id", d.ID), zap.Error(err))
			}
		}
		if len(specs) > 0 {
			_ = json.Unmarshal(specs, &d.Specs)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// LoadABTests returns every A/B test row.
func (p *Postgres) LoadABTests(ctx context.Context) ([]models.ABTest, error) {
	rows, err := p.DB.QueryContext(ctx,
		`SELECT id, campaign_id, status, start_time, end_time, variants FROM ab_tests`)
	if err != nil {
		return nil, fmt.Errorf("load ab tests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.ABTest
	for rows.Next() {
		var t models.ABTest
		var start, end sql.NullTime
		var variants []byte
		if err := rows.Scan(&t.ID, &t.CampaignID, &t.Status, &start, &end, &variants); err != nil {
			return nil, fmt.Errorf("scan ab test: %w", err)
		}
		if start.Valid {
			t.StartTime = start.Time
		}
		if end.Valid {
			t.EndTime = end.Time
		}
		if err := json.Unmarshal(variants, &t.Variants); err != nil {
			zap.L().Warn("bad ab test variants json", zap.String("test_id", t.ID), zap.Error(err))
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpsertDevice inserts or updates a device keyed by (partner, fingerprint).
func (p *Postgres) UpsertDevice(ctx context.Context, d models.Device) error {
	location, err := json.Marshal(d.Location)
	if err != nil {
		return fmt.Errorf("marshal location: %w", err)
	}
	specs, err := json.Marshal(d.Specs)
	if err != nil {
		return fmt.Errorf("marshal specs: %w", err)
	}
	_, err = p.DB.ExecContext(ctx, `INSERT INTO devices
        (id, partner_id, fingerprint, class, location, specs, status, health, last_seen, config_version, registered_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
        ON CONFLICT (partner_id, fingerprint) DO UPDATE SET
        class = EXCLUDED.class, location = EXCLUDED.location, specs = EXCLUDED.specs, last_seen = EXCLUDED.last_seen`,
		d.ID, d.PartnerID, d.Fingerprint, d.Class, location, specs, d.Status, d.Health, nullTime(d.LastSeen), d.ConfigVersion, d.RegisteredAt)
	if err != nil {
		return wrapStorage("upsert device", err)
	}
	return nil
}

// TouchDevice updates lastSeen and health after a heartbeat.
func (p *Postgres) TouchDevice(ctx context.Context, id, health string, lastSeen time.Time) error {
	res, err := p.DB.ExecContext(ctx,
		`UPDATE devices SET health = $2, last_seen = $3 WHERE id = $1`, id, health, lastSeen)
	if err != nil {
		return wrapStorage("touch device", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("device %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// UpdateCreativeVerification persists a verification verdict.
func (p *Postgres) UpdateCreativeVerification(ctx context.Context, id, status, method string, reasons []string) error {
	_, err := p.DB.ExecContext(ctx,
		`UPDATE creatives SET status = $2, verification_method = $3, rejection_reasons = $4, updated_at = NOW() WHERE id = $1`,
		id, status, method, pq.StringArray(reasons))
	if err != nil {
		return wrapStorage("update creative verification", err)
	}
	return nil
}

// UpdateCreativeCounters persists the creative's running performance totals.
func (p *Postgres) UpdateCreativeCounters(ctx context.Context, c *models.Creative) error {
	_, err := p.DB.ExecContext(ctx,
		`UPDATE creatives SET impressions = $2, engagements = $3, delivery_count = $4, attention_score = $5, updated_at = NOW() WHERE id = $1`,
		c.ID, c.Impressions, c.Engagements, c.DeliveryCount, c.AttentionScore)
	if err != nil {
		return wrapStorage("update creative counters", err)
	}
	return nil
}

// AddCampaignSpend adds amount to the persisted campaign spend.
func (p *Postgres) AddCampaignSpend(ctx context.Context, id string, amount float64) error {
	_, err := p.DB.ExecContext(ctx,
		`UPDATE campaigns SET spend = spend + $2 WHERE id = $1`, id, amount)
	if err != nil {
		return wrapStorage("add campaign spend", err)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// wrapStorage tags driver errors as transient so callers can retry them.
func wrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	return fmt.Errorf("%s: %v: %w", op, err, models.ErrTransientStorage)
}
