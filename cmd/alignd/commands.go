package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var metricsAddr string

// withApp builds the app for one subcommand and closes it afterwards.
func withApp(fn func(cmd *cobra.Command, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, a)
	}
}

// untilDone treats cancellation of the process context as a clean exit.
func untilDone(loop func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := loop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the webhook, health, metrics and admin endpoints",
		RunE: withApp(func(cmd *cobra.Command, a *app) error {
			ctx := cmd.Context()
			server, err := a.httpServer()
			if err != nil {
				return err
			}
			return server.Start(ctx)
		}),
	}
}

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run job workers over the configured dequeuer",
		RunE: withApp(func(cmd *cobra.Command, a *app) error {
			ctx := cmd.Context()
			return runWithMetrics(ctx, a, a.runtime.RunWorkers)
		}),
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics on this address")
	return cmd
}

func newSchedulerCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Run the leader-elected scheduler loop",
		RunE: withApp(func(cmd *cobra.Command, a *app) error {
			ctx := cmd.Context()
			if once {
				stats, err := a.runtime.Scheduler().Tick(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "scheduler tick: %+v\n", stats)
				return err
			}
			return runWithMetrics(ctx, a, a.runtime.RunScheduler)
		}),
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single tick and exit")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics on this address")
	return cmd
}

func newDLQCmd() *cobra.Command {
	var once bool
	var batch int
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Replay due dead-letter rows",
		RunE: withApp(func(cmd *cobra.Command, a *app) error {
			ctx := cmd.Context()
			if once {
				stats, err := a.runtime.DLQ().RunBatch(ctx, batch)
				fmt.Fprintf(cmd.OutOrStdout(), "dlq batch: %+v\n", stats)
				return err
			}
			return runWithMetrics(ctx, a, a.runtime.RunDLQ)
		}),
	}
	cmd.Flags().BoolVar(&once, "once", false, "replay a single batch and exit")
	cmd.Flags().IntVar(&batch, "batch", 0, "batch size for --once (0 uses dlq.batch_size)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics on this address")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded SQL migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(ctx, configPath, envFile)
			if err != nil {
				return err
			}
			_, client, err := openDatabase(cfg.Database)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()
			return migrate(ctx, cfg.Database, client)
		},
	}
}

// newRunCmd runs every role in one process. The first role to fail stops
// the others.
func newRunCmd() *cobra.Command {
	var skipMigrate bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the API, workers, scheduler and DLQ retrier together",
		RunE: withApp(func(cmd *cobra.Command, a *app) error {
			ctx := cmd.Context()
			if !skipMigrate {
				if err := migrate(ctx, a.config.Database, a.client); err != nil {
					return err
				}
			}
			server, err := a.httpServer()
			if err != nil {
				return err
			}
			group, ctx := errgroup.WithContext(ctx)
			group.Go(func() error { return server.Start(ctx) })
			group.Go(func() error { return untilDone(a.runtime.RunScheduler)(ctx) })
			group.Go(func() error { return untilDone(a.runtime.RunDLQ)(ctx) })
			if a.runtime.Runner() != nil {
				group.Go(func() error { return untilDone(a.runtime.RunWorkers)(ctx) })
			}
			return group.Wait()
		}),
	}
	cmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not apply migrations on start")
	return cmd
}

// runWithMetrics runs loop and, when --metrics-addr is set, a metrics
// listener beside it.
func runWithMetrics(ctx context.Context, a *app, loop func(context.Context) error) error {
	loop = untilDone(loop)
	addr := strings.TrimSpace(metricsAddr)
	if addr == "" {
		return loop(ctx)
	}
	server := a.metricsServer(addr)
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	group.Go(func() error { return loop(ctx) })
	return group.Wait()
}
