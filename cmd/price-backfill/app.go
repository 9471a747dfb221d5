package main

import (
	"context"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ahmethakanbesel/price-backfill/internal/backfill"
	"github.com/ahmethakanbesel/price-backfill/internal/config"
	"github.com/ahmethakanbesel/price-backfill/internal/fetcher"
	"github.com/ahmethakanbesel/price-backfill/internal/fetcher/chart"
	"github.com/ahmethakanbesel/price-backfill/internal/fetcher/dailyform"
	"github.com/ahmethakanbesel/price-backfill/internal/fetcher/series"
	"github.com/ahmethakanbesel/price-backfill/internal/joblog"
	"github.com/ahmethakanbesel/price-backfill/internal/metrics"
	"github.com/ahmethakanbesel/price-backfill/internal/platform/sqlite"
	backfillrepo "github.com/ahmethakanbesel/price-backfill/internal/repository/backfill"
	joblogrepo "github.com/ahmethakanbesel/price-backfill/internal/repository/joblog"
	snapshotrepo "github.com/ahmethakanbesel/price-backfill/internal/repository/snapshot"
	sourcerepo "github.com/ahmethakanbesel/price-backfill/internal/repository/source"
	"github.com/ahmethakanbesel/price-backfill/internal/snapshot"
	"github.com/ahmethakanbesel/price-backfill/internal/source"
)

// app is the wired service graph.
type app struct {
	db       *sqlite.DB
	sources  *sourcerepo.Repository
	jobs     *backfillrepo.Repository
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	manager  *backfill.Manager
	executor *backfill.Executor
	pool     *backfill.WorkerPool
}

func newApp(cfg config.Config) (*app, error) {
	db, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	a := &app{
		db:       db,
		sources:  sourcerepo.NewRepository(db.DB),
		jobs:     backfillrepo.NewRepository(db.DB),
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry)

	fetchers := fetcher.NewRegistry()
	fetchers.Register(dailyform.APIType, dailyform.Constructor())
	fetchers.Register(chart.APIType, chart.Constructor())
	fetchers.Register(series.APIType, series.Constructor())

	logs := joblog.NewLogger(joblogrepo.NewRepository(db.DB))
	writer := snapshot.NewWriter(snapshotrepo.NewRepository(db.DB))

	a.executor = backfill.NewExecutor(a.jobs, a.sources, fetchers, writer, logs,
		backfill.WithCheckpointEvery(cfg.CheckpointEvery),
		backfill.WithStatusCheckEvery(cfg.StatusCheckEvery),
		backfill.WithMetrics(a.metrics),
	)
	a.pool = backfill.NewWorkerPool(a.jobs, a.executor, cfg.Workers,
		backfill.WithPollInterval(cfg.PollInterval))
	a.manager = backfill.NewManager(a.jobs, a.sources, logs, backfill.WithNotify(a.pool.Notify))
	return a, nil
}

func (a *app) seed(ctx context.Context, r io.Reader) (source.SeedResult, error) {
	res, err := source.Seed(ctx, a.sources, r)
	if err != nil {
		return res, fmt.Errorf("seed: %w", err)
	}
	return res, nil
}

func (a *app) Close() {
	_ = a.db.Close()
}
