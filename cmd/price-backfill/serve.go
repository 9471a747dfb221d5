package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ahmethakanbesel/price-backfill/internal/scheduler"
	"github.com/ahmethakanbesel/price-backfill/internal/server"
)

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control API, the job workers and the recovery scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(c.cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return c.serve(cmd.Context(), a)
		},
	}
}

func (c *cli) serve(ctx context.Context, a *app) error {
	// Nothing can be running yet, so every running job was interrupted.
	if _, err := a.manager.RecoverStaleJobs(ctx, 0); err != nil {
		slog.Error("failed to recover stale jobs", "error", err)
	}

	sched, err := scheduler.New(c.cfg.RecoverySchedule, c.cfg.StaleAfter, a.manager, a.pool,
		scheduler.WithMetrics(a.metrics))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	srv := server.New(gctx, c.cfg.Port, a.manager, a.registry)

	g.Go(func() error {
		a.pool.Run(gctx)
		return nil
	})
	g.Go(func() error {
		sched.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return srv.Run(gctx)
	})

	a.pool.Notify()
	slog.Info("service started", "port", c.cfg.Port, "workers", c.cfg.Workers)

	err = g.Wait()
	slog.Info("service stopped")
	return err
}
