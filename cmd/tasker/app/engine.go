package app

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"

	apiv1 "github.com/tasker-systems/tasker/pkg/api/v1"
	"github.com/tasker-systems/tasker/pkg/config"
	"github.com/tasker-systems/tasker/pkg/coordinator"
	"github.com/tasker-systems/tasker/pkg/events"
	"github.com/tasker-systems/tasker/pkg/handler"
	"github.com/tasker-systems/tasker/pkg/logger"
	"github.com/tasker-systems/tasker/pkg/storage"
	"github.com/tasker-systems/tasker/pkg/storage/memory"
	"github.com/tasker-systems/tasker/pkg/storage/postgres"
	"github.com/tasker-systems/tasker/pkg/telemetry"
	"github.com/tasker-systems/tasker/pkg/templates"
)

// jwtSecretEnv holds the HMAC secret for API tokens. It deliberately stays
// out of the config file.
const jwtSecretEnv = "TASKER_API_JWT_SECRET"

// engine bundles the wired components shared by the serve and worker
// commands.
type engine struct {
	cfg         *config.Config
	store       storage.Store
	pinger      apiv1.Pinger
	catalog     *events.Catalog
	bus         *events.Bus
	registry    *handler.Registry
	coordinator *coordinator.Coordinator
	initializer *coordinator.Initializer
	metrics     *telemetry.Metrics
	gatherer    prometheus.Gatherer

	close func()
}

func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetString("config"))
}

// buildEngine wires storage, events, handlers, and the coordinator from the
// loaded configuration. The caller must invoke engine.close on shutdown.
func buildEngine(ctx context.Context, cfg *config.Config) (*engine, error) {
	eng := &engine{cfg: cfg, close: func() {}}

	if cfg.Database.URL != "" {
		store, closeStore, err := connectPostgres(ctx, cfg)
		if err != nil {
			return nil, err
		}
		eng.store = store
		eng.pinger = store
		eng.close = closeStore
		logger.Infow("using postgres store", "max_conns", cfg.Database.MaxConns)
	} else {
		store := memory.New()
		eng.store = store
		eng.pinger = store
		logger.Warnw("no database configured, using in-memory store; state will not survive restarts")
	}

	eng.catalog = events.NewCatalog()
	eng.bus = events.NewBus(eng.catalog)
	eng.registry = handler.NewRegistry(eng.catalog)

	if len(cfg.Engine.TaskDirectories) > 0 {
		count, err := templates.LoadDirectories(eng.registry, nil, cfg.Engine.TaskDirectories)
		if err != nil {
			eng.close()
			return nil, err
		}
		logger.Infow("loaded task templates", "count", count, "directories", cfg.Engine.TaskDirectories)
	}

	if cfg.Telemetry.MetricsEnabled {
		reg := prometheus.NewRegistry()
		eng.metrics = telemetry.NewMetrics(reg)
		eng.gatherer = reg
	}

	reenqueuer := coordinator.NewQueueReenqueuer(eng.store)

	coordCfg := coordinator.Config{
		MaxConcurrency:     cfg.Execution.MaxConcurrency,
		StepTimeout:        cfg.Execution.StepTimeout,
		AmbiguousDelay:     cfg.Execution.AmbiguousDelay,
		MaxAmbiguousPasses: cfg.Execution.MaxAmbiguousPasses,
		MinBatchSize:       cfg.Execution.MinConcurrentSteps,
		MaxBatchSize:       cfg.Execution.MaxConcurrentStepsLimit,
	}
	if pg, ok := eng.store.(*postgres.Store); ok {
		coordCfg.PoolPressure = pg.PoolPressure
	}

	coordOpts := []coordinator.Option{coordinator.WithConfig(coordCfg)}
	if eng.metrics != nil {
		coordOpts = append(coordOpts, coordinator.WithMetrics(eng.metrics))
	}
	eng.coordinator = coordinator.New(eng.store, eng.registry, eng.bus, reenqueuer, coordOpts...)
	eng.initializer = coordinator.NewInitializer(eng.store, eng.registry, reenqueuer, eng.bus,
		coordinator.WithDedupWindow(cfg.Execution.DedupWindow))

	return eng, nil
}

// connectPostgres builds a bounded pool and applies migrations when
// configured to. The returned close function releases the pool.
func connectPostgres(ctx context.Context, cfg *config.Config) (*postgres.Store, func(), error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing database url: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("pinging database: %w", err)
	}

	if cfg.Database.MigrateOnStart {
		db := stdlib.OpenDBFromPool(pool)
		err := postgres.RunMigrations(ctx, db)
		if cerr := db.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
	}

	return postgres.New(pool), pool.Close, nil
}

// workerID builds a fleet-unique worker identity.
func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "tasker"
	}
	return host + "-" + uuid.NewString()[:8]
}
