package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// Migrate applies every pending goose migration found at the root of fsys.
func Migrate(ctx context.Context, pool *pgxpool.Pool, fsys fs.FS, cfg Config, log logger) error {
	return withGoose(ctx, pool, fsys, cfg, log, func(db *sql.DB) error {
		return goose.UpContext(ctx, db, ".")
	})
}

// Rollback reverts the most recent migration.
func Rollback(ctx context.Context, pool *pgxpool.Pool, fsys fs.FS, cfg Config, log logger) error {
	return withGoose(ctx, pool, fsys, cfg, log, func(db *sql.DB) error {
		return goose.DownContext(ctx, db, ".")
	})
}

// MigrationStatus logs the applied state of each migration.
func MigrationStatus(ctx context.Context, pool *pgxpool.Pool, fsys fs.FS, cfg Config, log logger) error {
	return withGoose(ctx, pool, fsys, cfg, log, func(db *sql.DB) error {
		return goose.StatusContext(ctx, db, ".")
	})
}

func withGoose(ctx context.Context, pool *pgxpool.Pool, fsys fs.FS, cfg Config, log logger, run func(*sql.DB) error) error {
	if fsys == nil {
		return errors.Join(ErrFailedToApplyMigrations, ErrMigrationsFSNotProvided)
	}

	db := stdlib.OpenDBFromPool(pool)
	defer func() {
		if err := db.Close(); err != nil {
			log.ErrorContext(ctx, "failed to close migration connection", "error", err)
		}
	}()

	goose.SetBaseFS(fsys)
	goose.SetLogger(gooseLogger{log: log})
	if cfg.MigrationsTable != "" {
		goose.SetTableName(cfg.MigrationsTable)
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Join(ErrFailedToApplyMigrations, err)
	}

	if err := run(db); err != nil {
		return errors.Join(ErrFailedToApplyMigrations, err)
	}
	return nil
}

type gooseLogger struct {
	log logger
}

func (a gooseLogger) Fatalf(format string, v ...any) {
	a.log.ErrorContext(context.Background(), fmt.Sprintf(format, v...))
}

func (a gooseLogger) Printf(format string, v ...any) {
	a.log.InfoContext(context.Background(), fmt.Sprintf(format, v...))
}
