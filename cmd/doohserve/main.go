package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/openooh/doohserve/internal/analytics"
	"github.com/openooh/doohserve/internal/api"
	"github.com/openooh/doohserve/internal/billing"
	"github.com/openooh/doohserve/internal/catalog"
	"github.com/openooh/doohserve/internal/config"
	"github.com/openooh/doohserve/internal/db"
	"github.com/openooh/doohserve/internal/delivery"
	"github.com/openooh/doohserve/internal/models"
	"github.com/openooh/doohserve/internal/observability"
	"github.com/openooh/doohserve/internal/oracle"
	"github.com/openooh/doohserve/internal/perf"
	"github.com/openooh/doohserve/internal/pricing"
	"github.com/openooh/doohserve/internal/ratelimit"
	"github.com/openooh/doohserve/internal/scheduler"
	"github.com/openooh/doohserve/internal/selection"
	"github.com/openooh/doohserve/internal/worker"
)

const (
	exitOK = iota
	exitConfig
	exitStorage
	exitCancelled
)

func main() {
	cfg := config.Load()

	logger, err := observability.InitLoggerWithService(cfg.ServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(exitConfig)
	}
	defer func() { _ = logger.Sync() }()

	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var runErr error
	switch cmd {
	case "serve":
		runErr = serve(ctx, logger, cfg)
	case "migrate":
		runErr = migrate(ctx, cfg)
	case "seed":
		runErr = seed(ctx, logger, cfg)
	case "replay":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: doohserve replay <from> <to> (RFC3339)")
			os.Exit(exitConfig)
		}
		runErr = replayWindow(ctx, logger, cfg, args[0], args[1])
	case "recompute-priors":
		now := time.Now().UTC()
		runErr = replayWindow(ctx, logger, cfg,
			now.AddDate(0, 0, -30).Format(time.RFC3339), now.Format(time.RFC3339))
	case "inspect-device":
		if len(args) != 1 {
			fmt.Fprintln(os.Stderr, "usage: doohserve inspect-device <id>")
			os.Exit(exitConfig)
		}
		runErr = inspectDevice(ctx, cfg, args[0])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		os.Exit(exitConfig)
	}

	if runErr != nil {
		logger.Error("command failed", zap.String("command", cmd), zap.Error(runErr))
		os.Exit(exitCode(runErr))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, context.Canceled):
		return exitCancelled
	case errors.Is(err, models.ErrTransientStorage):
		return exitStorage
	default:
		return exitConfig
	}
}

func serve(ctx context.Context, logger *zap.Logger, cfg config.Config) error {
	if cfg.TracingEnabled {
		shutdown, err := observability.InitTracing(ctx, logger, cfg.ServiceName, cfg.TempoEndpoint, cfg.TracingSampleRate)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer shutdown()
	}

	pg, err := db.InitPostgres(cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	if err != nil {
		return fmt.Errorf("connect postgres: %v: %w", err, models.ErrTransientStorage)
	}
	defer pg.Close()
	if err := pg.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %v: %w", err, models.ErrTransientStorage)
	}

	store := models.NewInMemoryDataStore()
	if err := loadCatalog(ctx, pg, store); err != nil {
		return err
	}

	rdb, err := db.InitRedis(cfg.RedisAddr)
	if err != nil {
		return fmt.Errorf("connect redis: %v: %w", err, models.ErrTransientStorage)
	}
	defer rdb.Close()

	metrics := observability.NewPrometheusRegistry()

	perfStore := perf.NewRedisStore(rdb)
	go perfStore.Probe(ctx)

	analyticsSvc, err := analytics.InitClickHouse(cfg.ClickHouseDSN, metrics)
	if err != nil {
		return fmt.Errorf("connect clickhouse: %v: %w", err, models.ErrTransientStorage)
	}
	defer analyticsSvc.Close()

	var moderator oracle.Moderator
	if cfg.ModeratorURL != "" {
		moderator = oracle.NewHTTPModerator(cfg.ModeratorURL, cfg.OracleTimeout, logger, metrics)
	}
	var priceOpt oracle.Optimizer
	var schedOpt oracle.ScheduleOptimizer
	if cfg.OptimizerEnabled && cfg.OptimizerURL != "" {
		priceOpt = oracle.NewHTTPOptimizer(cfg.OptimizerURL, cfg.OracleTimeout, cfg.OracleCacheTTL, logger, metrics)
		schedOpt = oracle.NewHTTPScheduleOptimizer(cfg.OptimizerURL, cfg.OracleTimeout, logger, metrics)
	}
	var analyzer oracle.Analyzer
	if cfg.AnalyzerURL != "" {
		analyzer = oracle.NewHTTPAnalyzer(cfg.AnalyzerURL, cfg.OracleTimeout, logger, metrics)
	}

	pricer := pricing.NewEngine(rdb, perfStore, priceOpt, cfg.DemandDefault, cfg.MinRate, cfg.PriceCacheTTL, logger)

	pool := worker.NewPool(cfg.WorkerCount, cfg.WorkerQueueSize, logger, metrics)
	pool.Start(ctx)
	defer pool.Stop()

	repo := &delivery.PostgresRepo{PG: pg}
	tracker := delivery.NewTracker(repo, store, perfStore, rdb, &billing.LogSink{Logger: logger}, analyzer, pool,
		cfg.SlotDuration, cfg.GraceSlots, metrics, logger)
	tracker.SetRecorder(analyticsSvc)
	tracker.SetSpendPersister(pg)
	go tracker.RunSweeper(ctx, cfg.SweepInterval)

	cat := catalog.New(store, rdb, moderator, logger)
	selector := selection.New(store, perfStore, metrics, logger)

	sched := scheduler.New(scheduler.Config{
		Horizon:      cfg.Horizon,
		SlotDuration: cfg.SlotDuration,
		Interval:     cfg.RebuildInterval,
		ShardCount:   cfg.ShardCount,
		OfflineAfter: cfg.OfflineAfter,
	}, store, cat, selector, pricer, repo, tracker, perfStore, rdb, rdb, schedOpt, metrics, logger)
	go sched.Run(ctx)

	limiter := ratelimit.NewDeviceLimiter(ratelimit.Config{
		RatePerSec: float64(cfg.PullRatePerSec),
		Burst:      cfg.PullBurst,
		Enabled:    cfg.RateLimitEnabled,
	})

	srvDeps := api.NewServer(logger, store, pg, tracker, sched, pricer, analyticsSvc, limiter, metrics, cfg)

	var handler http.Handler = srvDeps.Router()
	if cfg.TracingEnabled {
		handler = otelhttp.NewHandler(handler, "http.server")
	}
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	logger.Info("delivery core running", zap.String("addr", srv.Addr))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("listen: %w", err)
		}
	}()

	if cfg.ReloadInterval > 0 {
		ticker := time.NewTicker(cfg.ReloadInterval)
		go func() {
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if err := srvDeps.Reload(ctx); err != nil {
						logger.Error("auto reload", zap.Error(err))
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

func loadCatalog(ctx context.Context, pg *db.Postgres, store *models.InMemoryDataStore) error {
	campaigns, err := pg.LoadCampaigns(ctx)
	if err != nil {
		return fmt.Errorf("load campaigns: %v: %w", err, models.ErrTransientStorage)
	}
	creatives, err := pg.LoadCreatives(ctx)
	if err != nil {
		return fmt.Errorf("load creatives: %v: %w", err, models.ErrTransientStorage)
	}
	devices, err := pg.LoadDevices(ctx)
	if err != nil {
		return fmt.Errorf("load devices: %v: %w", err, models.ErrTransientStorage)
	}
	partners, err := pg.LoadPartners(ctx)
	if err != nil {
		return fmt.Errorf("load partners: %v: %w", err, models.ErrTransientStorage)
	}
	tests, err := pg.LoadABTests(ctx)
	if err != nil {
		return fmt.Errorf("load ab tests: %v: %w", err, models.ErrTransientStorage)
	}
	if err := store.ReloadAll(campaigns, creatives, devices, partners, tests); err != nil {
		return fmt.Errorf("populate data store: %w", err)
	}
	return nil
}

func migrate(ctx context.Context, cfg config.Config) error {
	pg, err := db.InitPostgres(cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	if err != nil {
		return fmt.Errorf("connect postgres: %v: %w", err, models.ErrTransientStorage)
	}
	defer pg.Close()
	if err := pg.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %v: %w", err, models.ErrTransientStorage)
	}
	return nil
}

// seedStatements give a runnable local setup: one partner, two campaigns
// with approved creatives, and a small fleet.
var seedStatements = []string{
	`INSERT INTO partners (id, name, api_token, revenue_share, config_version, fallback)
     VALUES ('partner-1', 'Demo Networks', 'demo-partner-token', 0.7, 1,
             '{"media_type":"VIDEO","url":"https://cdn.example.com/house/default.mp4","format":"mp4","duration":30}')
     ON CONFLICT (id) DO NOTHING`,
	`INSERT INTO campaigns (id, advertiser_id, name, status, start_date, end_date, total_budget, daily_budget, spend, pricing_model, objective, priority, targeting)
     VALUES
       ('camp-coffee', 'adv-1', 'Morning Coffee', 'ACTIVE', NOW() - INTERVAL '1 day', NOW() + INTERVAL '30 days', 5000, 250, 0, 'CPM', 'AWARENESS', 5,
        '{"location":{},"schedule":{"hours_of_day":[6,7,8,9,10]}}'),
       ('camp-streaming', 'adv-2', 'Evening Streaming', 'ACTIVE', NOW() - INTERVAL '1 day', NOW() + INTERVAL '30 days', 8000, 400, 0, 'CPE', 'ENGAGEMENT', 7,
        '{"location":{"location_types":["urban"]},"schedule":{"hours_of_day":[17,18,19,20,21]}}')
     ON CONFLICT (id) DO NOTHING`,
	`INSERT INTO creatives (id, campaign_id, media_type, url, format, duration, width, height, status, verification_method)
     VALUES
       ('cr-coffee-15', 'camp-coffee', 'VIDEO', 'https://cdn.example.com/coffee/15s.mp4', 'mp4', 15, 1920, 1080, 'APPROVED', 'BASIC'),
       ('cr-coffee-still', 'camp-coffee', 'IMAGE', 'https://cdn.example.com/coffee/still.jpg', 'jpeg', 10, 1920, 1080, 'APPROVED', 'BASIC'),
       ('cr-stream-30', 'camp-streaming', 'VIDEO', 'https://cdn.example.com/stream/30s.mp4', 'mp4', 30, 1920, 1080, 'APPROVED', 'BASIC')
     ON CONFLICT (id) DO NOTHING`,
	`INSERT INTO devices (id, partner_id, fingerprint, class, location, specs, status, health, last_seen, config_version)
     VALUES
       ('dev-kiosk-1', 'partner-1', 'fp-kiosk-1', 'INTERACTIVE_KIOSK', '{"lat":40.7128,"lng":-74.0060,"location_type":"urban","venue_type":"mall","city":"New York"}', '{"screen_w":1080,"screen_h":1920}', 'ACTIVE', 'HEALTHY', NOW(), 1),
       ('dev-sign-1', 'partner-1', 'fp-sign-1', 'DIGITAL_SIGNAGE', '{"lat":40.7306,"lng":-73.9352,"location_type":"urban","venue_type":"transit","city":"New York"}', '{"screen_w":1920,"screen_h":1080}', 'ACTIVE', 'HEALTHY', NOW(), 1),
       ('dev-tv-1', 'partner-1', 'fp-tv-1', 'ANDROID_TV', '{"lat":41.8781,"lng":-87.6298,"location_type":"suburban","city":"Chicago"}', '{"screen_w":1920,"screen_h":1080}', 'ACTIVE', 'HEALTHY', NOW(), 1)
     ON CONFLICT (id) DO NOTHING`,
	`INSERT INTO ab_tests (id, campaign_id, status, start_time, end_time, variants)
     VALUES ('ab-coffee', 'camp-coffee', 'ACTIVE', NOW() - INTERVAL '1 day', NOW() + INTERVAL '14 days',
             '[{"id":"control","creative_id":"cr-coffee-15","allocation":0.5},{"id":"still","creative_id":"cr-coffee-still","allocation":0.5}]')
     ON CONFLICT (id) DO NOTHING`,
}

func seed(ctx context.Context, logger *zap.Logger, cfg config.Config) error {
	pg, err := db.InitPostgres(cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	if err != nil {
		return fmt.Errorf("connect postgres: %v: %w", err, models.ErrTransientStorage)
	}
	defer pg.Close()
	if err := pg.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %v: %w", err, models.ErrTransientStorage)
	}
	for _, stmt := range seedStatements {
		if _, err := pg.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("seed: %v: %w", err, models.ErrTransientStorage)
		}
	}
	logger.Info("seed data applied")
	return nil
}

// replayWindow re-applies delivered rows from the analytics log to the
// performance buckets. Incrementing is keyed by delivery ID, so rows whose
// applied markers are still live are skipped.
func replayWindow(ctx context.Context, logger *zap.Logger, cfg config.Config, fromArg, toArg string) error {
	from, err := time.Parse(time.RFC3339, fromArg)
	if err != nil {
		return fmt.Errorf("bad from %q: %w", fromArg, err)
	}
	to, err := time.Parse(time.RFC3339, toArg)
	if err != nil {
		return fmt.Errorf("bad to %q: %w", toArg, err)
	}

	metrics := observability.NewPrometheusRegistry()
	analyticsSvc, err := analytics.InitClickHouse(cfg.ClickHouseDSN, metrics)
	if err != nil {
		return fmt.Errorf("connect clickhouse: %v: %w", err, models.ErrTransientStorage)
	}
	defer analyticsSvc.Close()

	rdb, err := db.InitRedis(cfg.RedisAddr)
	if err != nil {
		return fmt.Errorf("connect redis: %v: %w", err, models.ErrTransientStorage)
	}
	defer rdb.Close()

	records, err := analyticsSvc.DeliveriesBetween(ctx, from, to)
	if err != nil {
		return fmt.Errorf("read deliveries: %v: %w", err, models.ErrTransientStorage)
	}

	var applied, skipped int
	for _, rec := range records {
		if rec.State != models.StateDelivered {
			continue
		}
		key := models.NewBucketKey(rec.CampaignID, rec.DeviceClass, rec.Timestamp)
		ok, err := rdb.IncrBucket(ctx, key, rec.DeliveryID, models.Counters{
			Impressions: rec.Impressions,
			Engagements: rec.Engagements,
			Completions: rec.Completions,
			LastUpdated: rec.Timestamp,
		})
		if err != nil {
			return fmt.Errorf("apply bucket: %v: %w", err, models.ErrTransientStorage)
		}
		if ok {
			applied++
		} else {
			skipped++
		}
	}
	logger.Info("replay complete",
		zap.Time("from", from), zap.Time("to", to),
		zap.Int("applied", applied), zap.Int("skipped", skipped))
	return nil
}

func inspectDevice(ctx context.Context, cfg config.Config, id string) error {
	pg, err := db.InitPostgres(cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	if err != nil {
		return fmt.Errorf("connect postgres: %v: %w", err, models.ErrTransientStorage)
	}
	defer pg.Close()

	devices, err := pg.LoadDevices(ctx)
	if err != nil {
		return fmt.Errorf("load devices: %v: %w", err, models.ErrTransientStorage)
	}
	var device *models.Device
	for i := range devices {
		if devices[i].ID == id {
			device = &devices[i]
			break
		}
	}
	if device == nil {
		return fmt.Errorf("device %s: %w", id, models.ErrNotFound)
	}

	now := time.Now().UTC()
	pending, err := pg.ListDeviceWindow(ctx, id, now.Add(-cfg.SlotDuration), now.Add(cfg.Horizon))
	if err != nil {
		return fmt.Errorf("load timeline: %v: %w", err, models.ErrTransientStorage)
	}

	out := struct {
		Device   *models.Device     `json:"device"`
		Timeline []*models.Delivery `json:"timeline"`
	}{Device: device, Timeline: pending}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
