package db

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/common"
	config_pkg "github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/config"
)

const migrationsTable = "adaptive_captcha_migrations"

var (
	connectOnce          sync.Once
	globalPool           *pgxpool.Pool
	globalClickhouse     *sql.DB
	globalDBErr          error
	errConnectionTimeout = errors.New("connection timeout")
)

func Connect(ctx context.Context, cfg common.ConfigStore, timeout time.Duration, admin bool) (*pgxpool.Pool, *sql.DB, error) {
	connectOnce.Do(func() {
		globalPool, globalClickhouse, globalDBErr = connectEx(ctx, cfg, timeout, admin)
	})
	return globalPool, globalClickhouse, globalDBErr
}

func MigrateClickHouse(ctx context.Context, db *sql.DB, cfg common.ConfigStore, up bool) error {
	if db == nil {
		return nil
	}

	dbCfg := cfg.Get(common.ClickHouseDBKey)

	return MigrateClickhouseEx(common.TraceContext(ctx, "clickhouse"), db, clickhouseMigrationsFS, dbCfg.Value(), migrationsTable, up)
}

func MigratePostgres(ctx context.Context, pool *pgxpool.Pool, up bool) error {
	return MigratePostgresEx(common.TraceContext(ctx, "postgres"), pool, postgresMigrationsFS, "migrations/postgres", migrationsTable, up)
}

func connectEx(ctx context.Context, cfg common.ConfigStore, timeout time.Duration, admin bool) (pool *pgxpool.Pool, clickhouse *sql.DB, err error) {
	errs, ctx := errgroup.WithContext(ctx)

	errs.Go(func() error {
		opts := ClickHouseConnectOpts{
			Host:     cfg.Get(common.ClickHouseHostKey).Value(),
			Database: cfg.Get(common.ClickHouseDBKey).Value(),
			User:     cfg.Get(common.ClickHouseUserKey).Value(),
			Password: cfg.Get(common.ClickHousePasswordKey).Value(),
			Port:     9000,
			Verbose:  config_pkg.AsBool(cfg.Get(common.VerboseKey)),
		}

		// the gateway runs without analytics when ClickHouse is not deployed
		if opts.Empty() {
			slog.WarnContext(ctx, "Clickhouse connection variables are empty")
			return nil
		}

		clickhouse = connectClickhouse(ctx, opts)
		if perr := clickhouse.Ping(); perr != nil {
			return perr
		}

		return nil
	})

	errs.Go(func() error {
		config, cerr := createPgxConfig(ctx, cfg, admin)
		if cerr != nil {
			return cerr
		}

		var perr error
		pool, perr = connectPostgres(ctx, config, timeout)
		if perr != nil {
			return perr
		}
		if perr := pool.Ping(ctx); perr != nil {
			return perr
		}

		return nil
	})

	err = errs.Wait()

	return
}
