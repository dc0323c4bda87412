package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/voicetranslate/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/voicetranslate/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/voicetranslate/internal/store/redisstore"
	"github.com/MarkoPoloResearchLab/voicetranslate/pkg/ledger"
)

const (
	driverSQLite   = "sqlite"
	driverPostgres = "postgres"
	driverRedis    = "redis"

	postgresDriverGORM = "gorm"
	postgresDriverPGX  = "pgx"
)

// openStore resolves the storage URL into a ledger.Store and its cleanup.
func openStore(ctx context.Context, cfg *runtimeConfig) (ledger.Store, func() error, error) {
	driver, location, err := resolveDriver(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	switch {
	case driver == driverRedis:
		return openRedisStore(ctx, location, cfg.RedisPrefix)
	case driver == driverPostgres && cfg.PostgresDriver == postgresDriverPGX:
		return openPGXStore(ctx, location)
	default:
		return openGORMStore(ctx, driver, location)
	}
}

func openGORMStore(ctx context.Context, driver string, location string) (ledger.Store, func() error, error) {
	var (
		db  *gorm.DB
		err error
	)
	cfg := &gorm.Config{}
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(location), cfg)
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(location), cfg)
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	if err := prepareSchema(db, driver); err != nil {
		_ = sqlDB.Close()
		return nil, nil, err
	}
	return gormstore.New(db.WithContext(ctx)), sqlDB.Close, nil
}

func openPGXStore(ctx context.Context, dsn string) (ledger.Store, func() error, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("pgx pool: %w", err)
	}
	store := pgstore.New(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store, func() error { pool.Close(); return nil }, nil
}

func openRedisStore(ctx context.Context, rawURL string, prefix string) (ledger.Store, func() error, error) {
	options, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	store, err := redisstore.Open(ctx, redisstore.Options{
		Addr:         options.Addr,
		Password:     options.Password,
		DB:           options.DB,
		PoolSize:     options.PoolSize,
		DialTimeout:  options.DialTimeout,
		ReadTimeout:  options.ReadTimeout,
		WriteTimeout: options.WriteTimeout,
		KeyPrefix:    prefix,
	})
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

// resolveDriver returns the driver name and the location handed to it.
func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return driverPostgres, dsn, nil
	}
	if strings.HasPrefix(dsn, "redis://") || strings.HasPrefix(dsn, "rediss://") {
		return driverRedis, dsn, nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "voicetranslate.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

// prepareSchema auto-migrates sqlite; postgres schemas are managed out of band.
func prepareSchema(db *gorm.DB, driver string) error {
	if driver != driverSQLite {
		return nil
	}
	if err := gormstore.AutoMigrate(db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
