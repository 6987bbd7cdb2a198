// Package database opens the database/sql pools the service talks to.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/marcboeker/go-duckdb/v2"
)

type Config struct {
	// Driver is mysql, postgres (or pgx) or duckdb.
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

// DriverName maps a configured driver to its database/sql registration.
func DriverName(driver string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "mysql":
		return "mysql", nil
	case "postgres", "pgx":
		return "pgx", nil
	case "duckdb":
		return "duckdb", nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Open creates the pool and pings it. An empty duckdb DSN opens an
// in-memory database; every other driver requires a DSN.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	driverName, err := DriverName(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if cfg.DSN == "" && driverName != "duckdb" {
		return nil, fmt.Errorf("%s dsn is required", cfg.Driver)
	}

	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", cfg.Driver, err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s db: %w", cfg.Driver, err)
	}

	return db, nil
}
