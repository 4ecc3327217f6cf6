package main

import (
	"context"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/dmitrymomot/taskhub/migrations"
	"github.com/dmitrymomot/taskhub/pkg/config"
	"github.com/dmitrymomot/taskhub/pkg/logger"
	"github.com/dmitrymomot/taskhub/pkg/pg"
)

func newMigrateCmd() *cobra.Command {
	var envFiles []string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema",
	}
	cmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "additional .env files to load")

	step := func(use, short string, run func(ctx context.Context, pool *pgxpool.Pool, cfg dbConfig) error) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runUntilSignal(cmd.Context(), func(ctx context.Context) error {
					var cfg dbConfig
					if err := config.Load(&cfg, envFiles...); err != nil {
						return err
					}
					pool, err := pg.Connect(ctx, cfg.PG)
					if err != nil {
						return err
					}
					defer pool.Close()
					return run(ctx, pool, cfg)
				})
			},
		}
	}

	cmd.AddCommand(
		step("up", "Apply all pending migrations", func(ctx context.Context, pool *pgxpool.Pool, cfg dbConfig) error {
			return pg.Migrate(ctx, pool, migrations.FS, cfg.PG, logger.NewFromConfig(cfg.Log, os.Stdout))
		}),
		step("down", "Roll back the latest migration", func(ctx context.Context, pool *pgxpool.Pool, cfg dbConfig) error {
			return pg.Rollback(ctx, pool, migrations.FS, cfg.PG, logger.NewFromConfig(cfg.Log, os.Stdout))
		}),
		step("status", "Show the applied state of each migration", func(ctx context.Context, pool *pgxpool.Pool, cfg dbConfig) error {
			return pg.MigrationStatus(ctx, pool, migrations.FS, cfg.PG, logger.NewFromConfig(cfg.Log, os.Stdout))
		}),
	)
	return cmd
}
