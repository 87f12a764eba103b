package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"catlock"
	"catlock/admin"
	"catlock/circuit"
	"catlock/consume"
	"catlock/event"
	"catlock/idempotency"
	promstore "catlock/metrics/prometheus"
	"catlock/publish"
	mysqlstore "catlock/store/mysql"
	"catlock/store/memory"
	redisstore "catlock/store/redis"
	"catlock/tracing"
	"catlock/txn"
)

// daemon owns every long-lived component and tears them down in reverse
// order of construction.
type daemon struct {
	cfg    *daemonConfig
	logger *zap.Logger

	db          *sql.DB
	redis       *redis.Client
	traces      *sdktrace.TracerProvider
	storeGuard  *circuit.Store
	locks       *catlock.Manager
	txns        *txn.Manager
	publisher   *publish.Publisher
	source      consume.Source
	consumer    *consume.Consumer
	events      *admin.EventStore
	adminServer *admin.AdminServer
}

func newDaemon(ctx context.Context, cfg *daemonConfig, logger *zap.Logger) (_ *daemon, err error) {
	d := &daemon{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			if d.source != nil {
				if cerr := d.source.Close(); cerr != nil {
					logger.Debug("close event source after failed start", zap.Error(cerr))
				}
			}
			if cerr := d.closeStorage(); cerr != nil {
				logger.Debug("close storage after failed start", zap.Error(cerr))
			}
			if d.traces != nil {
				if cerr := d.traces.Shutdown(context.WithoutCancel(ctx)); cerr != nil {
					logger.Debug("shut down tracing after failed start", zap.Error(cerr))
				}
			}
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mt := promstore.New(promstore.Config{Namespace: "catlock", Registry: reg})
	tracingCfg := tracing.DefaultConfig()
	if cfg.TraceStdout {
		if d.traces, err = tracing.NewStdoutProvider(os.Stderr); err != nil {
			return nil, err
		}
		tracingCfg.TracerProvider = d.traces
	}
	tracer := tracing.NewOTelTracer(tracingCfg)

	store, err := d.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if cfg.Store != storeMemory {
		d.storeGuard = circuit.NewStore(store,
			circuit.WithConfig(cfg.Breaker),
			circuit.WithLogger(logger.Named("circuit")),
		)
		store = d.storeGuard
	}

	d.txns = txn.NewManager(txn.WithLogger(logger.Named("txn")))
	d.locks, err = catlock.NewManager(
		catlock.WithStore(store),
		catlock.WithLogger(logger.Named("locks")),
		catlock.WithMetrics(mt),
		catlock.WithTracer(tracer),
		catlock.WithManagerConfig(catlock.ApplyOptions(catlock.WithChunkSize(cfg.ChunkSize))),
	)
	if err != nil {
		return nil, err
	}

	topics := event.DefaultTopics(cfg.TopicPrefix)
	if len(cfg.Brokers) > 0 {
		pubCfg := publish.ApplyOptions(
			publish.WithTransactionalIDPrefix(cfg.TxIDPrefix),
			publish.WithKafkaVersion(cfg.KafkaVersion),
		)
		d.publisher, err = publish.NewPublisher(
			publish.KafkaProducerFactory(cfg.Brokers, pubCfg, logger.Named("producer")),
			publish.WithConfig(pubCfg),
			publish.WithTopics(topics),
			publish.WithLogger(logger.Named("publish")),
			publish.WithMetrics(mt),
			publish.WithTracer(tracer),
		)
		if err != nil {
			return nil, err
		}
	}

	d.events = admin.NewEventStore(cfg.EventBuffer)
	if cfg.Consume {
		if err := d.setupConsumer(topics, mt); err != nil {
			return nil, err
		}
	}

	adminOpts := []admin.AdminOption{
		admin.WithManager(d.locks),
		admin.WithAdminEventStore(d.events),
		admin.WithAdminLogger(logger.Named("admin")),
	}
	if d.publisher != nil {
		adminOpts = append(adminOpts,
			admin.WithSessions(d.publisher),
			admin.WithReindex(d.txns, d.publisher),
		)
	}
	if d.consumer != nil {
		adminOpts = append(adminOpts, admin.WithConsumer(d.consumer))
	}
	if d.storeGuard != nil {
		adminOpts = append(adminOpts, admin.WithStoreBreaker(d.storeGuard.Breaker()))
	}
	d.adminServer = admin.NewAdminServer(
		admin.WithAddr(cfg.AdminAddr),
		admin.WithAdminImpl(admin.NewAdmin(adminOpts...)),
		admin.WithEventStore(d.events),
		admin.WithHandler("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})),
		admin.WithServerLogger(logger.Named("http")),
	)
	return d, nil
}

func (d *daemon) openStore(ctx context.Context) (catlock.LockStore, error) {
	switch d.cfg.Store {
	case storeMySQL:
		db, err := sql.Open("mysql", d.cfg.MySQLDSN)
		if err != nil {
			return nil, fmt.Errorf("open mysql: %w", err)
		}
		d.db = db
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("ping mysql: %w", err)
		}
		store := mysqlstore.New(db)
		if err := store.Migrate(ctx); err != nil {
			return nil, err
		}
		if d.cfg.Consume {
			if _, err := db.ExecContext(ctx, consume.ImportJobSchema); err != nil {
				return nil, fmt.Errorf("migrate import jobs: %w", err)
			}
		}
		d.logger.Info("using mysql lock store")
		return store, nil
	case storeRedis:
		d.redis = redis.NewClient(&redis.Options{
			Addr:     d.cfg.RedisAddr,
			Password: d.cfg.RedisPassword,
			DB:       d.cfg.RedisDB,
		})
		if err := d.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		d.logger.Info("using redis lock store", zap.String("addr", d.cfg.RedisAddr))
		return redisstore.New(d.redis), nil
	default:
		d.logger.Warn("using in-memory lock store, locks do not survive a restart")
		return memory.New(), nil
	}
}

func (d *daemon) setupConsumer(topics event.Topics, mt *promstore.PrometheusMetrics) error {
	src, err := consume.NewSaramaSource(consume.SaramaSourceConfig{
		Brokers: d.cfg.Brokers,
		Group:   d.cfg.Group,
		Topics:  topics.All(),
		Start:   d.cfg.StartOffset,
		Sarama:  consume.SaramaConfig(d.cfg.Group, d.cfg.KafkaVersion),
		Logger:  d.logger.Named("source"),
	})
	if err != nil {
		return err
	}
	d.source = src

	router := event.NewRouter(event.WithLogger(d.logger.Named("router")))
	router.HandleAll(d.events.Handler())
	router.Handle(event.ActionImport, verifyImportObjects)

	consumerCfg := consume.DefaultConfig()
	consumerCfg.PollInterval = d.cfg.PollInterval
	consumerCfg.DedupTTL = d.cfg.DedupTTL

	// Redelivered events are skipped; the marks are shared across replicas
	// only when Redis is available.
	var seen idempotency.Checker = idempotency.NewMemoryChecker()
	if d.redis != nil {
		seen = idempotency.NewRedisChecker(d.redis, "")
	}
	opts := []consume.Option{
		consume.WithConfig(consumerCfg),
		consume.WithDeduplication(seen),
		consume.WithLogger(d.logger.Named("consumer")),
		consume.WithMetrics(mt),
	}
	if d.db != nil {
		opts = append(opts, consume.WithJobRecorder(consume.NewSQLJobRecorder(d.db)))
	}
	d.consumer, err = consume.NewConsumer(src, router.Dispatch, opts...)
	return err
}

// run serves until ctx is cancelled or the admin server fails.
func (d *daemon) run(ctx context.Context) error {
	if d.consumer != nil {
		if err := d.consumer.Start(ctx); err != nil {
			return err
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- d.adminServer.Start()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		d.logger.Info("shutdown requested")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("admin server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.ShutdownTimeout)
	defer cancel()
	return errors.Join(runErr, d.shutdown(shutdownCtx))
}

// shutdown stops intake first, then drains the publisher and the storage.
func (d *daemon) shutdown(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error {
		return d.adminServer.Stop(ctx)
	})
	g.Go(func() error {
		if d.consumer != nil {
			d.consumer.Stop()
		}
		if d.source != nil {
			return d.source.Close()
		}
		return nil
	})
	err := g.Wait()

	if d.publisher != nil {
		err = errors.Join(err, d.publisher.Close(ctx))
	}
	err = errors.Join(err, d.closeStorage())
	if d.traces != nil {
		err = errors.Join(err, d.traces.Shutdown(ctx))
	}
	if err != nil {
		d.logger.Error("shutdown incomplete", zap.Error(err))
		return err
	}
	d.logger.Info("shutdown complete", zap.Duration("timeout", d.cfg.ShutdownTimeout))
	return nil
}

func (d *daemon) closeStorage() error {
	var err error
	if d.db != nil {
		err = errors.Join(err, d.db.Close())
		d.db = nil
	}
	if d.redis != nil {
		err = errors.Join(err, d.redis.Close())
		d.redis = nil
	}
	return err
}

// verifyImportObjects rejects import events whose job payloads cannot be
// decoded, so the consumer marks the job failed instead of passing garbage on.
func verifyImportObjects(_ context.Context, e *event.Event) error {
	for _, o := range e.Objects {
		if o.Type != string(catlock.TargetImportJob) {
			continue
		}
		if _, err := o.Body(); err != nil {
			return fmt.Errorf("import job %s: %w", o.ID, err)
		}
	}
	return nil
}

// newLogger builds the production or development zap logger at level.
func newLogger(cfg *daemonConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.LogDevelopment {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(cfg.LogLevel)
	zc.EncoderConfig.TimeKey = "ts"
	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger.With(zap.String("service", "catlockd")), nil
}
