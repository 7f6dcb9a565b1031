package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"nclbk/internal/archiver"
	"nclbk/internal/config"
	"nclbk/internal/metrics"
	"nclbk/internal/publisher"
	"nclbk/internal/scheduler"
	"nclbk/internal/service"
	"nclbk/internal/source/nextcloud"
	"nclbk/internal/storage/postgres"
)

type deps struct {
	gateway   *nextcloud.Client
	archiver  *archiver.Archiver
	history   *service.History
	publisher service.Publisher
	logger    *slog.Logger
	closers   []func() error
}

func newGateway(cfg *config.Config, logger *slog.Logger) (*nextcloud.Client, error) {
	client, err := nextcloud.New(nextcloud.Config{
		BaseURL:    cfg.Remote.BaseURL,
		APIPath:    cfg.Remote.APIPath,
		AuthID:     cfg.Remote.AuthID,
		AuthSecret: cfg.Remote.AuthSecret,
		Timeout:    cfg.Remote.Timeout,
		RateLimit:  cfg.Remote.RateLimit,
		RateBurst:  cfg.Remote.RateBurst,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create nextcloud client: %w", err)
	}
	return client, nil
}

// buildDeps connects every configured collaborator. The archiver's output
// goes to processOut. The ledger and the publisher are only set up when
// their config sections are filled in.
func buildDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger, processOut io.Writer) (*deps, error) {
	gateway, err := newGateway(cfg, logger)
	if err != nil {
		return nil, err
	}

	d := &deps{
		gateway: gateway,
		archiver: archiver.New(archiver.Config{
			Timeout: cfg.Archive.Timeout,
			Stdout:  processOut,
			Stderr:  processOut,
		}, logger),
		logger: logger,
	}

	if cfg.Database.Enabled() {
		if err := postgres.RunMigrations(cfg.Database.URL()); err != nil {
			return nil, err
		}

		db, err := postgres.Connect(ctx, cfg.Database.DSN())
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, db.Close)
		logger.Info("connected to database", "host", cfg.Database.Host, "dbname", cfg.Database.DBName)

		d.history = &service.History{
			Runs:      postgres.NewRunStore(db),
			Items:     postgres.NewItemStore(db),
			States:    postgres.NewAccountStateStore(db),
			TxManager: postgres.NewTransactionManager(db),
		}
	}

	if cfg.RabbitMQ.Enabled() {
		rabbitMQ, err := publisher.NewRabbitMQ(publisher.Config{
			URL:        cfg.RabbitMQ.URL,
			Exchange:   cfg.RabbitMQ.Exchange,
			RoutingKey: cfg.RabbitMQ.RoutingKey,
			QueueName:  cfg.RabbitMQ.QueueName,
		}, logger)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.closers = append(d.closers, rabbitMQ.Close)
		d.publisher = rabbitMQ
	}

	return d, nil
}

func (d *deps) service(cfg *config.Config, collector metrics.MetricsCollector) *service.SyncService {
	return service.NewSyncService(d.gateway, d.archiver, d.history, d.publisher, collector, d.logger, cfg)
}

func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.logger.Warn("failed to close resource", "error", err)
		}
	}
	d.closers = nil
}

func runWatch(ctx context.Context, cfg *config.Config, logger *slog.Logger, processOut io.Writer) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	d, err := buildDeps(ctx, cfg, logger, processOut)
	if err != nil {
		return err
	}
	defer d.Close()

	if cfg.Metrics.Listen != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           metrics.SetupMetricsRoute(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("serving metrics", "addr", cfg.Metrics.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	sched := scheduler.NewScheduler(d.service(cfg, collector), cfg.Sync.Interval, cfg.Sync.RunTimeout, logger)

	logger.Info("starting bookmark watcher",
		"account", d.gateway.Account(),
		"interval", cfg.Sync.Interval,
		"download", cfg.Sync.Download,
		"remove", cfg.Sync.Remove,
	)

	if err := sched.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("scheduler: %w", err)
	}
	return nil
}
