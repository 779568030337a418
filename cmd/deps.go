package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"festival-booking/config"
	"festival-booking/internal/services"
	"festival-booking/internal/services/bank"
	"festival-booking/internal/services/cache"
	"festival-booking/internal/services/notify"
	"festival-booking/internal/status"
	"festival-booking/internal/storage"
	"festival-booking/migrations"
	"festival-booking/monitoring"
	"festival-booking/utils"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// deps is the object graph shared by the server and the maintenance
// commands.
type deps struct {
	store    *storage.Store
	redis    *redis.Client
	registry *bank.Registry
	gateway  *bank.Guarded
	monitor  *monitoring.Monitor
	coord    *services.Coordinator
	catalog  *services.Catalog
	sweeper  *services.Sweeper

	settlements chan *status.Settlement
	closeDB     func() error
}

func openDB(ctx context.Context, app core.App, cfg *config.Config) (*dbx.DB, func() error, error) {
	if cfg.DatabaseURL == "" {
		db, ok := app.NonconcurrentDB().(*dbx.DB)
		if !ok {
			return nil, nil, errors.New("unexpected pocketbase database type")
		}
		// pocketbase owns this connection
		return db, func() error { return nil }, nil
	}

	db, err := storage.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := migrations.Apply(ctx, db); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("apply postgres schema: %w", err)
	}
	return db, db.Close, nil
}

func buildDeps(ctx context.Context, app core.App, cfg *config.Config, reg prometheus.Registerer) (*deps, error) {
	log := app.Logger()

	db, closeDB, err := openDB(ctx, app, cfg)
	if err != nil {
		return nil, err
	}
	d := &deps{
		store:       storage.New(db),
		monitor:     monitoring.NewMonitor(reg),
		settlements: make(chan *status.Settlement, 64),
		closeDB:     closeDB,
	}

	var c services.Cache = cache.Nop{}
	if cfg.RedisURL != "" {
		rdb, err := utils.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			log.Warn("redis unavailable, running without cache", "error", err)
		} else {
			d.redis = rdb
			c = cache.NewRedis(rdb, cfg.CacheTTL)
		}
	}

	var n services.Notifier = notify.Nop{}
	if cfg.PubNubPublishKey != "" {
		n = notify.NewPubNub(cfg.PubNubPublishKey, cfg.PubNubSubscribeKey, cfg.PubNubUserID)
	}

	d.registry = bank.NewRegistry(bank.NewFactory())
	if cfg.PaymentProvider == string(bank.ProviderJDB) {
		if err := d.registry.RegisterGateway(ctx, bank.ProviderJDB, &cfg.JDBConfig); err != nil {
			log.Error("failed to set up JDB, falling back to the mock gateway", "error", err)
		}
	}
	primary := d.registry.Primary()
	primary.SetSettlementChannel(d.settlements)
	d.gateway = bank.NewGuarded(primary,
		bank.WithTimeout(cfg.PaymentTimeout),
		bank.WithObserver(d.monitor),
	)

	d.coord = services.NewCoordinator(d.store, d.gateway,
		services.WithLogger(log),
		services.WithCache(c),
		services.WithNotifier(n),
		services.WithMetrics(d.monitor),
		services.WithRetryPolicy(services.RetryPolicy{
			MaxAttempts: cfg.ReserveMaxAttempts,
			BaseDelay:   cfg.ReserveRetryDelay,
			Jitter:      cfg.ReserveRetryJitter,
		}),
	)
	d.catalog = services.NewCatalog(d.store, c, log)
	d.sweeper = services.NewSweeper(d.coord, services.SweeperConfig{
		Interval:          cfg.SweepInterval,
		BatchSize:         cfg.SweepBatchSize,
		PendingPaymentTTL: cfg.PendingPaymentTTL,
		PaymentFailedTTL:  cfg.PaymentFailedTTL,
		PendingTTL:        cfg.PendingTTL,
	})

	log.Info("dependencies ready",
		"payment_provider", primary.Provider(),
		"postgres", cfg.DatabaseURL != "",
		"cache", d.redis != nil,
	)
	return d, nil
}

func (d *deps) close(ctx context.Context, log *slog.Logger) {
	d.coord.Close()
	if err := d.registry.Close(ctx); err != nil {
		log.Error("failed to close payment gateways", "error", err)
	}
	if d.redis != nil {
		if err := d.redis.Close(); err != nil {
			log.Error("failed to close redis", "error", err)
		}
	}
	if err := d.closeDB(); err != nil {
		log.Error("failed to close database", "error", err)
	}
}
