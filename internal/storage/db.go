package storage

import (
	"context"
	"fmt"
)

// Config holds connection settings for the two export sinks.
type Config struct {
	ClickHouse ClickHouseConfig
	Postgres   PostgresConfig
}

// DefaultConfig returns settings for a local development pair.
func DefaultConfig() Config {
	return Config{
		ClickHouse: ClickHouseConfig{
			Host:     "localhost",
			Port:     9000,
			Database: "bydlink",
			User:     "default",
			Password: "",
		},
		Postgres: PostgresConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "bydlink_state",
			User:     "bydlink",
			Password: "bydlink",
		},
	}
}

// DB bundles the export sinks a Recorder writes to: ClickHouse keeps the
// append-only event history, Postgres keeps the latest section snapshot
// per vehicle.
type DB struct {
	CH *ClickHouseDB
	PG *PostgresDB
}

// Open connects to both sinks and ensures their schemas exist, so a
// Recorder can flush into them straight away. Either sink failing closes
// whatever was already opened.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	ch, err := OpenClickHouse(ctx, cfg.ClickHouse)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: %w", err)
	}

	pg, err := OpenPostgres(ctx, cfg.Postgres)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("postgres: %w", err)
	}

	db := &DB{CH: ch, PG: pg}
	if err := db.createSchemas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func (d *DB) createSchemas(ctx context.Context) error {
	if err := d.CH.CreateSchema(ctx); err != nil {
		return fmt.Errorf("clickhouse schema: %w", err)
	}
	if err := d.PG.CreateSchema(ctx); err != nil {
		return fmt.Errorf("postgres schema: %w", err)
	}
	return nil
}

// Close tears down both sinks. The Postgres pool close never fails, so
// only a ClickHouse error is reported.
func (d *DB) Close() error {
	if d.PG != nil {
		d.PG.Close()
	}
	if d.CH != nil {
		if err := d.CH.Close(); err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
	}
	return nil
}
