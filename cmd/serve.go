package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jdiitm/logconsole/internal/api"
	"github.com/jdiitm/logconsole/internal/blobstore"
	"github.com/jdiitm/logconsole/internal/config"
	"github.com/jdiitm/logconsole/internal/connection"
	"github.com/jdiitm/logconsole/internal/dedup"
	"github.com/jdiitm/logconsole/internal/dispatcher"
	"github.com/jdiitm/logconsole/internal/fanout"
	"github.com/jdiitm/logconsole/internal/logclient"
	"github.com/jdiitm/logconsole/internal/metrics"
	"github.com/jdiitm/logconsole/internal/ratelimit"
	"github.com/jdiitm/logconsole/internal/retention"
	"github.com/jdiitm/logconsole/internal/session"
	"github.com/jdiitm/logconsole/internal/store"
	"github.com/jdiitm/logconsole/internal/telemetry"
	"github.com/jdiitm/logconsole/internal/worker"
)

const redisPublishQueue = 1024

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the session API, workers and retention sweep",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, logger, logclient.NewKafkaOpener(logger, cfg.MaxPollRecords))
		},
	}
}

type closeFunc func(ctx context.Context) error

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger, opener logclient.Opener) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger.Info("starting logconsole",
		slog.String("http_addr", cfg.HTTPAddr),
		slog.String("store", cfg.StoreType),
		slog.String("connections", cfg.ConnectionSource),
		slog.Int("max_sessions", cfg.MaxSessions))

	tp, err := initTracing(cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	var db store.DB
	if needsDatabase(cfg) {
		pool, err := store.Connect(ctx, cfg.DatabaseURL, cfg.DBConnectTimeout, logger)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := store.Migrate(ctx, pool); err != nil {
			return err
		}
		db = pool
	}

	m := metrics.New()

	sessions := buildSessions(cfg, db)
	records, err := dedup.NewRepository(dedup.Config{
		StoreType:        cfg.StoreType,
		FallbackCapacity: cfg.FallbackCapacity,
		RedisURL:         cfg.DedupRedisURL,
		CacheTTL:         cfg.DedupCacheTTL,
	}, db, m, logger)
	if err != nil {
		return err
	}
	resolver, err := buildResolver(cfg, db)
	if err != nil {
		return err
	}

	hub := fanout.NewHub(cfg.FanoutBuffer, fanout.WithDropObserver(m))
	publisher, closers, err := buildPublisher(cfg, m, logger)
	if err != nil {
		return err
	}

	ctrlOpts := []session.Option{
		session.WithConfig(session.Config{
			Worker: worker.Config{
				IdleTimeout:     cfg.IdleTimeout,
				PauseInterval:   cfg.PauseInterval,
				CheckpointEvery: cfg.CheckpointEvery,
			},
			DeleteWait: cfg.DeleteWait,
		}),
		session.WithDispatcher(dispatcher.New(dispatcher.Config{MaxWorkers: cfg.MaxSessions})),
		session.WithHub(hub),
		session.WithObserver(m),
		session.WithLogger(logger),
	}
	if publisher != nil {
		ctrlOpts = append(ctrlOpts, session.WithPublisher(publisher))
	}
	ctrl := session.New(sessions, records, resolver, opener, ctrlOpts...)

	if n, err := ctrl.Reconcile(ctx); err != nil {
		logger.Warn("reconcile at boot failed", slog.Any("error", err))
	} else if n > 0 {
		logger.Info("reconciled orphaned sessions", slog.Int("count", n))
	}

	sweeper, err := buildSweeper(cfg, records, m, logger)
	if err != nil {
		return err
	}

	apiSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.New(ctrl, api.WithLogger(logger)).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return listen(apiSrv, "api", logger) })
	g.Go(func() error { return listen(metricsSrv, "metrics", logger) })
	if sweeper != nil {
		g.Go(func() error { return sweeper.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return shutdown(shutdownCtx, ctrl, []*http.Server{apiSrv, metricsSrv}, closers, logger)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func listen(srv *http.Server, name string, logger *slog.Logger) error {
	logger.Info(name+" server listening", slog.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

// shutdown stops the workers before the servers so their final status
// events still reach open streams.
func shutdown(ctx context.Context, ctrl *session.Controller, servers []*http.Server, closers []closeFunc, logger *slog.Logger) error {
	var errs []error
	if err := ctrl.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop sessions: %w", err))
	}
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("forcing server close", slog.String("addr", srv.Addr), slog.Any("error", err))
			_ = srv.Close()
		}
	}
	for _, c := range closers {
		if err := c(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func initTracing(endpoint string) (*sdktrace.TracerProvider, error) {
	if endpoint == "" {
		return telemetry.Init(telemetry.WithNoopExporter())
	}
	return telemetry.Init(telemetry.WithEndpoint(endpoint))
}

func needsDatabase(cfg *config.Config) bool {
	return cfg.StoreType == config.StorePostgres || cfg.ConnectionSource == config.ConnectionsPostgres
}

func buildSessions(cfg *config.Config, db store.DB) store.Sessions {
	if cfg.StoreType == config.StorePostgres {
		return store.NewPostgresSessions(db)
	}
	return store.NewMemorySessions()
}

func buildResolver(cfg *config.Config, db store.DB) (connection.Resolver, error) {
	switch cfg.ConnectionSource {
	case config.ConnectionsPostgres:
		if db == nil {
			return nil, errors.New("CONNECTION_SOURCE=postgres requires a database")
		}
		return connection.NewPostgresResolver(db), nil
	case config.ConnectionsStatic:
		for _, c := range cfg.Connections {
			if err := c.Validate(); err != nil {
				return nil, err
			}
		}
		return connection.NewStaticResolver(cfg.Connections...), nil
	default:
		return nil, fmt.Errorf("unknown CONNECTION_SOURCE %q", cfg.ConnectionSource)
	}
}

// buildPublisher returns the cross-replica event publishers configured in
// addition to the in-process hub, or nil when there are none.
func buildPublisher(cfg *config.Config, drops fanout.DropObserver, logger *slog.Logger) (fanout.Publisher, []closeFunc, error) {
	var pubs fanout.Multi
	var closers []closeFunc
	if cfg.FanoutRedisURL != "" {
		p := fanout.NewRedisPublisher(fanout.NewGoRedisPubClient(cfg.FanoutRedisURL), redisPublishQueue,
			fanout.WithRedisLogger(logger), fanout.WithRedisDropObserver(drops))
		pubs = append(pubs, p)
		closers = append(closers, p.Close)
		logger.Info("fanout: redis pub/sub enabled")
	}
	if brokers := strings.TrimSpace(cfg.FanoutKafkaBrokers); brokers != "" {
		p, err := fanout.NewKafkaPublisher(brokers, cfg.FanoutKafkaTopic,
			fanout.WithKafkaLogger(logger), fanout.WithKafkaDropObserver(drops))
		if err != nil {
			return nil, nil, fmt.Errorf("create kafka event publisher: %w", err)
		}
		pubs = append(pubs, p)
		closers = append(closers, p.Close)
		logger.Info("fanout: kafka event mirror enabled", slog.String("topic", cfg.FanoutKafkaTopic))
	}
	switch len(pubs) {
	case 0:
		return nil, nil, nil
	case 1:
		return pubs[0], closers, nil
	default:
		return pubs, closers, nil
	}
}

func buildSweeper(cfg *config.Config, records dedup.Repository, obs retention.Observer, logger *slog.Logger) (*retention.Sweeper, error) {
	if cfg.RetentionAge <= 0 {
		return nil, nil
	}
	expirer, ok := dedup.Expiring(records)
	if !ok {
		logger.Warn("retention: record store does not support expiry, sweep disabled")
		return nil, nil
	}
	archive, err := blobstore.New(blobstore.Config{
		Type:     cfg.ArchiveStoreType,
		Bucket:   cfg.ArchiveBucket,
		Region:   cfg.AWSRegion,
		Endpoint: cfg.ArchiveEndpoint,
	}, logger)
	if err != nil {
		return nil, err
	}
	return retention.New(expirer,
		retention.WithConfig(retention.Config{Age: cfg.RetentionAge, Interval: cfg.RetentionInterval}),
		retention.WithArchive(archive),
		retention.WithLimiter(ratelimit.New(cfg.RetentionRate, 1)),
		retention.WithObserver(obs),
		retention.WithLogger(logger),
	), nil
}
