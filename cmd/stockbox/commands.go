package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	tally "github.com/uber-go/tally/v4"
	tallyprom "github.com/uber-go/tally/v4/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	gormpg "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/3rs4lg4d0/stockbox/coordinator"
	memcoord "github.com/3rs4lg4d0/stockbox/coordinator/memory"
	rediscoord "github.com/3rs4lg4d0/stockbox/coordinator/redis"
	kafkaemitter "github.com/3rs4lg4d0/stockbox/emitter/kafka"
	"github.com/3rs4lg4d0/stockbox/emitter/kafkago"
	"github.com/3rs4lg4d0/stockbox/idempotency"
	"github.com/3rs4lg4d0/stockbox/internal/inventory"
	"github.com/3rs4lg4d0/stockbox/lock"
	"github.com/3rs4lg4d0/stockbox/logger"
	zaplogger "github.com/3rs4lg4d0/stockbox/logger/zap"
	zerologger "github.com/3rs4lg4d0/stockbox/logger/zerolog"
	"github.com/3rs4lg4d0/stockbox/metrics"
	prommetrics "github.com/3rs4lg4d0/stockbox/metrics/prometheus"
	tallymetrics "github.com/3rs4lg4d0/stockbox/metrics/tally"
	"github.com/3rs4lg4d0/stockbox/outbox"
	"github.com/3rs4lg4d0/stockbox/repository"
	gormrepo "github.com/3rs4lg4d0/stockbox/repository/gorm"
	"github.com/3rs4lg4d0/stockbox/repository/memory"
	"github.com/3rs4lg4d0/stockbox/repository/pgxv5"
	sqlrepo "github.com/3rs4lg4d0/stockbox/repository/sql"
	"github.com/3rs4lg4d0/stockbox/stock"
)

const shutdownTimeout = 10 * time.Second

type txCtxKey struct{}

// store groups the repositories of one durable store driver.
type store struct {
	outbox    outbox.Repository
	stock     stock.Repository
	txManager repository.TxManager
	close     func()
}

func runMigrate(cfg *Config) error {
	l, err := newLogger(cfg)
	if err != nil {
		return err
	}
	l.Info(fmt.Sprintf("running database migrations from '%s'", cfg.MigrationsPath))

	m, err := migrate.New(cfg.MigrationsPath, cfg.DBConnectionString)
	if err != nil {
		return fmt.Errorf("could not create the migrate instance: %w", err)
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			l.Error("could not close the migrate instance", errors.Join(srcErr, dbErr))
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not run the migrations: %w", err)
	}
	l.Info("migrations completed")
	return nil
}

func runDispatch(ctx context.Context, cfg *Config) error {
	l, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	e, closeEmitter, err := newEmitter(cfg)
	if err != nil {
		return err
	}
	defer closeEmitter()

	reg := prometheus.NewRegistry()
	counters, closeCounters, err := newCounterFactory(cfg, reg)
	if err != nil {
		return err
	}
	defer closeCounters()

	settings := outbox.Settings{
		PollingInterval: cfg.PollingInterval,
		BatchSize:       cfg.BatchSize,
		MaxAttempts:     cfg.MaxAttempts,
		StaleAfter:      cfg.StaleAfter,
		SweepInterval:   cfg.SweepInterval,
		DeliveryTimeout: cfg.DeliveryTimeout,
	}

	dispatchers, err := newDispatchers(cfg.Dispatchers, settings, st.outbox, e, counters, component(l, "dispatcher"))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, d := range dispatchers {
		d := d
		g.Go(func() error {
			return d.Run(gctx)
		})
	}

	metricsServer := newHTTPServer(cfg.ServerHost, cfg.MetricsPort, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	g.Go(func() error {
		return serveUntilDone(gctx, metricsServer, l)
	})

	l.Info(fmt.Sprintf("%d dispatcher(s) running, metrics on %s", cfg.Dispatchers, metricsServer.Addr))
	return g.Wait()
}

// newDispatchers builds n dispatchers with their counters. Nothing is
// started, so a failure leaves no goroutine behind.
func newDispatchers(n int, s outbox.Settings, r outbox.Repository, e outbox.Emitter, counters counterFactory, l logger.Logger) ([]*outbox.Dispatcher, error) {
	dispatchers := make([]*outbox.Dispatcher, 0, n)
	for i := 0; i < n; i++ {
		id := uuid.New()
		published, failed, deadLettered, err := counters(id.String())
		if err != nil {
			return nil, fmt.Errorf("could not create the counters of dispatcher '%s': %w", id, err)
		}
		dispatchers = append(dispatchers, outbox.NewDispatcher(s, r, e,
			outbox.WithID(id),
			outbox.WithLogger(l),
			outbox.WithCounters(published, failed, deadLettered),
		))
	}
	return dispatchers, nil
}

func runSweep(ctx context.Context, cfg *Config) error {
	l, err := newLogger(cfg)
	if err != nil {
		return err
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	n, err := st.outbox.ReclaimStale(ctx, cfg.StaleAfter)
	if err != nil {
		return fmt.Errorf("could not reclaim stale outbox events: %w", err)
	}
	l.Info(fmt.Sprintf("%d stale outbox event(s) returned to pending", n))
	return nil
}

func runServe(ctx context.Context, cfg *Config) error {
	l, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	coord, closeCoord, err := newCoordinator(cfg)
	if err != nil {
		return err
	}
	defer closeCoord()
	logger.Propagate(component(l, "coordinator"), coord)

	locks := lock.New(coord, lock.WithLogger(component(l, "lock")))
	mutator := stock.NewMutator(
		stock.Settings{LockTTL: cfg.LockTTL, LockWait: cfg.LockWait},
		st.stock, st.txManager,
		stock.WithLocks(locks),
		stock.WithLogger(component(l, "mutator")),
	)
	svc := inventory.NewService(mutator, outbox.New(st.outbox), inventory.WithLogger(component(l, "inventory")))
	guard := idempotency.NewGuard(coord,
		idempotency.WithTTL(cfg.IdempotencyTTL),
		idempotency.WithLogger(component(l, "idempotency")),
	)

	server := newHTTPServer(cfg.ServerHost, cfg.ServerPort,
		inventory.NewRouter(inventory.NewHandler(svc, component(l, "http")), guard))
	l.Info(fmt.Sprintf("inventory API listening on %s", server.Addr))
	return serveUntilDone(ctx, server, l)
}

// openStore connects the durable store selected by STORE_DRIVER.
func openStore(ctx context.Context, cfg *Config) (*store, error) {
	key := txCtxKey{}

	switch cfg.StoreDriver {
	case "pgx":
		pool, err := pgxpool.New(ctx, cfg.DBConnectionString)
		if err != nil {
			return nil, fmt.Errorf("could not create the connection pool: %w", err)
		}
		return &store{
			outbox:    pgxv5.NewOutboxRepository(key, pool),
			stock:     pgxv5.NewStockRepository(key, pool),
			txManager: pgxv5.NewTxManager(key, pool),
			close:     pool.Close,
		}, nil
	case "gorm":
		db, err := gorm.Open(gormpg.Open(cfg.DBConnectionString), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("could not open the gorm connection: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("could not get the gorm connection pool: %w", err)
		}
		return &store{
			outbox:    gormrepo.NewOutboxRepository(key, db),
			stock:     gormrepo.NewStockRepository(key, db),
			txManager: gormrepo.NewTxManager(key, db),
			close:     func() { _ = sqlDB.Close() },
		}, nil
	case "sql":
		db, err := sql.Open("postgres", cfg.DBConnectionString)
		if err != nil {
			return nil, fmt.Errorf("could not open the database: %w", err)
		}
		r := sqlrepo.New(key, db, true)
		return &store{outbox: r, stock: r, txManager: r, close: func() { _ = db.Close() }}, nil
	case "memory":
		s := memory.New(key)
		return &store{outbox: s, stock: s, txManager: s, close: func() {}}, nil
	default:
		return nil, fmt.Errorf("unknown store driver '%s'", cfg.StoreDriver)
	}
}

// newCoordinator connects to Redis, or falls back to an in-process
// coordinator when REDIS_URL is empty (single replica only).
func newCoordinator(cfg *Config) (coordinator.Coordinator, func(), error) {
	if cfg.RedisURL == "" {
		return memcoord.New(), func() {}, nil
	}
	client, err := rediscoord.Connect(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return rediscoord.New(client), func() { _ = client.Close() }, nil
}

func newEmitter(cfg *Config) (outbox.Emitter, func(), error) {
	switch cfg.BusDriver {
	case "confluent":
		p, err := kafka.NewProducer(&kafka.ConfigMap{
			"bootstrap.servers":  cfg.KafkaBrokers,
			"linger.ms":          500,
			"batch.size":         100 * 1024,
			"compression.type":   "lz4",
			"acks":               -1,
			"enable.idempotence": true,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("could not create the kafka producer: %w", err)
		}
		return kafkaemitter.New(p, kafkaemitter.WithTopicPrefix(cfg.TopicPrefix)), p.Close, nil
	case "segmentio":
		w := kafkago.NewWriter(strings.Split(cfg.KafkaBrokers, ",")...)
		return kafkago.New(w, kafkago.WithTopicPrefix(cfg.TopicPrefix)), func() { _ = w.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown bus driver '%s'", cfg.BusDriver)
	}
}

type counterFactory func(dispatcher string) (published, failed, deadLettered metrics.Counter, err error)

// newCounterFactory returns a function building the counters of each
// dispatcher. Both backends end up registered in reg.
func newCounterFactory(cfg *Config, reg *prometheus.Registry) (counterFactory, func(), error) {
	switch cfg.MetricsBackend {
	case "prometheus":
		return func(dispatcher string) (metrics.Counter, metrics.Counter, metrics.Counter, error) {
			return prommetrics.OutboxCounters(reg, cfg.MetricsNamespace, dispatcher)
		}, func() {}, nil
	case "tally":
		reporter := tallyprom.NewReporter(tallyprom.Options{Registerer: reg})
		scope, closer := tally.NewRootScope(tally.ScopeOptions{
			Prefix:         cfg.MetricsNamespace,
			CachedReporter: reporter,
			Separator:      tallyprom.DefaultSeparator,
		}, time.Second)
		return func(dispatcher string) (metrics.Counter, metrics.Counter, metrics.Counter, error) {
			p, f, d := tallymetrics.DispatcherCounters(scope, dispatcher)
			return p, f, d, nil
		}, func() { _ = closer.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown metrics backend '%s'", cfg.MetricsBackend)
	}
}

func newLogger(cfg *Config) (logger.Logger, error) {
	switch cfg.LogBackend {
	case "zerolog":
		lvl, err := zerolog.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid log level '%s': %w", cfg.LogLevel, err)
		}
		return &zerologger.Logger{
			Logger: zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger(),
		}, nil
	case "zap":
		lvl, err := zapcore.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid log level '%s': %w", cfg.LogLevel, err)
		}
		zc := zap.NewProductionConfig()
		zc.Level = zap.NewAtomicLevelAt(lvl)
		zl, err := zc.Build()
		if err != nil {
			return nil, fmt.Errorf("could not build the zap logger: %w", err)
		}
		return zaplogger.New(zl), nil
	default:
		return nil, fmt.Errorf("unknown log backend '%s'", cfg.LogBackend)
	}
}

// component tags l with a component name when the backend supports it.
func component(l logger.Logger, name string) logger.Logger {
	if zl, ok := l.(*zerologger.Logger); ok {
		return zl.With(name)
	}
	return l
}

func newHTTPServer(host string, port int, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// serveUntilDone runs s until ctx is done and then shuts it down gracefully.
func serveUntilDone(ctx context.Context, s *http.Server, l logger.Logger) error {
	serverErr := make(chan error, 1)
	go func() {
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server on %s failed: %w", s.Addr, err)
		}
		return nil
	case <-ctx.Done():
		l.Info(fmt.Sprintf("shutting down the server on %s", s.Addr))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("could not shut down the server on %s: %w", s.Addr, err)
		}
		return nil
	}
}
