package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/taskhub/pkg/httpserver"
)

func newServeCmd() *cobra.Command {
	var (
		envFiles   []string
		withWorker bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server receiving payment provider webhooks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runUntilSignal(cmd.Context(), func(ctx context.Context) error {
				cfg, err := loadConfig(envFiles)
				if err != nil {
					return err
				}
				a, err := newApp(ctx, cfg)
				if err != nil {
					return err
				}
				defer a.Close()

				g, ctx := errgroup.WithContext(ctx)
				server := httpserver.NewFromConfig(cfg.HTTP, httpserver.WithLogger(a.log))
				handler := newRouter(a.log, a.reconciler, a.registry, a.healthchecks()...)
				g.Go(func() error { return server.Run(ctx, handler) })
				if withWorker {
					if err := a.runWorkers(ctx, g); err != nil {
						return err
					}
				}
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringSliceVar(&envFiles, "env-file", nil, "additional .env files to load")
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "also run the queue workers and scheduler in this process")
	return cmd
}

func runUntilSignal(parent context.Context, run func(ctx context.Context) error) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return run(ctx)
}
