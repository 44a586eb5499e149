package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/haulkind/dispatch-engine/internal/auth"
	"github.com/haulkind/dispatch-engine/internal/config"
	"github.com/haulkind/dispatch-engine/internal/dispatch"
	"github.com/haulkind/dispatch-engine/internal/distance"
	"github.com/haulkind/dispatch-engine/internal/events"
	"github.com/haulkind/dispatch-engine/internal/geo"
	httpapi "github.com/haulkind/dispatch-engine/internal/http"
	"github.com/haulkind/dispatch-engine/internal/ingest"
	"github.com/haulkind/dispatch-engine/internal/jobs"
	"github.com/haulkind/dispatch-engine/internal/logging"
	"github.com/haulkind/dispatch-engine/internal/models"
	"github.com/haulkind/dispatch-engine/internal/payments"
	"github.com/haulkind/dispatch-engine/internal/payout"
	"github.com/haulkind/dispatch-engine/internal/pricing"
	"github.com/haulkind/dispatch-engine/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

type closer func() error

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var closers []closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close failed", "err", err)
			}
		}
	}()
	var readiness []func(context.Context) error

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if pg, ok := store.(*storage.PostgresStore); ok {
		closers = append(closers, pg.Close)
		readiness = append(readiness, pg.Ping)
	}

	catalog, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		return err
	}

	var (
		locator   geo.Locator        = geo.NewIndex()
		sweepLock dispatch.SweepLock = dispatch.LocalLock{}
		rc        *redis.Client
	)
	if cfg.RedisAddr != "" {
		if rc, err = geo.Connect(cfg.RedisAddr, cfg.RedisPassword); err != nil {
			return err
		}
		closers = append(closers, rc.Close)
		readiness = append(readiness, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
		locator = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		sweepLock = dispatch.NewRedisSweepLock(rc, "", cfg.SweepLockTTL)
		logger.Info("redis enabled", "addr", cfg.RedisAddr)
	}

	feed := events.NewMemorySink(0)
	var sink events.Sink = feed
	var locations ingest.Publisher = ingest.Direct{Locator: locator}
	if len(cfg.KafkaBrokers) > 0 {
		ks, err := events.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		if err != nil {
			return err
		}
		closers = append(closers, ks.Close)
		sink = events.FanOut{feed, ks}
		if rc != nil {
			kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
			closers = append(closers, kp.Close)
			locations = kp
		}
		logger.Info("kafka enabled", "brokers", cfg.KafkaBrokers, "events_topic", cfg.KafkaEventsTopic)
	}
	emitter := events.NewEmitter(sink, logging.Component(logger, "events"))

	ws := dispatch.NewWSRegistry()
	var notifier dispatch.Notifier = ws
	if cfg.PushEndpoint != "" {
		notifier = dispatch.MultiNotifier{ws, dispatch.NewPushNotifier(cfg.PushEndpoint, cfg.PushKey)}
	}

	async := dispatch.NewAsyncNotifier(notifier, cfg.NotifyQueueSize, cfg.NotifyWorkers, logging.Component(logger, "notify"))
	closers = append(closers, async.Close)

	coord := dispatch.NewCoordinator(store, dispatch.Config{WaveSize: cfg.WaveSize, OfferTTL: cfg.OfferTTL}, logging.Component(logger, "dispatch"))
	coord.Notifier = async
	coord.Events = emitter
	if cfg.Ranking == "proximity" {
		coord.Selector = dispatch.Proximity{Locator: locator, RatingWeight: 0.5}
	}

	verifiers := payments.Registry{"manual": payments.Accepting{}, "test": payments.Accepting{}}
	if cfg.StripeAPIKey != "" {
		verifiers["stripe"] = payments.NewStripeVerifier(cfg.StripeAPIKey)
	}
	svc := jobs.NewService(store, coord, verifiers, emitter, feed, logging.Component(logger, "jobs"))
	ledger := payout.NewLedger(store, emitter, logging.Component(logger, "payout"))

	resolver := &distance.Resolver{Fallback: distance.StraightLine{DetourFactor: 1.3}, Cache: distance.NewCache(10 * time.Minute)}
	if cfg.OSRMEndpoint != "" {
		resolver.Primary = distance.NewOSRMClient(cfg.OSRMEndpoint)
	}

	var authn auth.Authenticator = auth.DevHeaders{}
	if cfg.JWTSecret != "" {
		authn = auth.NewJWT(cfg.JWTSecret, 24*time.Hour)
	} else {
		logger.Warn("JWT_SECRET not set; trusting X-Principal-* headers")
	}

	api := httpapi.NewServer(httpapi.Deps{
		Quoter:      pricing.NewCalculator(catalog),
		Catalog:     catalog,
		Distance:    resolver,
		Jobs:        svc,
		Offers:      coord,
		Drivers:     store,
		Payouts:     ledger,
		Locations:   locations,
		WS:          ws,
		Auth:        authn,
		CORSOrigins: cfg.CORSOrigins,
		Logger:      logging.Component(logger, "http"),
		Ready: func(ctx context.Context) error {
			var errs []error
			for _, check := range readiness {
				errs = append(errs, check(ctx))
			}
			return errors.Join(errs...)
		},
	})

	sweeper := &dispatch.Sweeper{
		Coordinator: coord,
		Jobs:        store,
		Lock:        sweepLock,
		Interval:    cfg.SweepInterval,
		Logger:      logging.Component(logger, "sweeper"),
	}
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go sweeper.Run(sweepCtx)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("dispatch engine listening", "addr", cfg.HTTPAddr, "wave_size", cfg.WaveSize, "offer_ttl", cfg.OfferTTL, "ranking", cfg.Ranking)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	stopSweep()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set; using in-memory store with demo drivers")
		m := storage.NewMemoryStore()
		seedDrivers(ctx, m)
		return m, nil
	}
	pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	if cfg.RunMigrations {
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, err
		}
		logger.Info("schema migrated")
	}
	return pg, nil
}

func loadCatalog(path string) (pricing.Catalog, error) {
	if path == "" {
		return pricing.DefaultCatalog(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()
	return pricing.LoadCatalogYAML(f)
}

func seedDrivers(ctx context.Context, s storage.DriverRepository) {
	demo := []models.Driver{
		{ID: "drv-alvarez", Name: "M. Alvarez", Rating: 4.9, Loc: &models.Coord{Lat: 39.9612, Lon: -75.1550}},
		{ID: "drv-chen", Name: "L. Chen", Rating: 4.7, Loc: &models.Coord{Lat: 39.9400, Lon: -75.1800}},
		{ID: "drv-okafor", Name: "T. Okafor", Rating: 4.8, Loc: &models.Coord{Lat: 40.0010, Lon: -75.1300}},
		{ID: "drv-novak", Name: "J. Novak", Rating: 4.5, Loc: &models.Coord{Lat: 39.9100, Lon: -75.2000}},
		{ID: "drv-reyes", Name: "S. Reyes", Rating: 4.6, Loc: &models.Coord{Lat: 39.9800, Lon: -75.2300}},
	}
	now := time.Now().UTC()
	for i := range demo {
		d := demo[i]
		d.Status = models.DriverApproved
		d.Online = true
		d.UpdatedAt = now
		_ = s.UpsertDriver(ctx, &d)
	}
}
