package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// PostgresDB wraps a PostgreSQL connection pool holding the latest section
// snapshot per vehicle, for dashboards and external consumers.
type PostgresDB struct {
	pool *pgxpool.Pool
}

// OpenPostgres opens a connection pool to PostgreSQL.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresDB, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	// Test the connection.
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresDB{pool: pool}, nil
}

// Close closes the PostgreSQL connection pool.
func (d *PostgresDB) Close() {
	d.pool.Close()
}

// CreateSchema creates the PostgreSQL tables.
func (d *PostgresDB) CreateSchema(ctx context.Context) error {
	schema := `
	-- Latest merged snapshot per vehicle section.
	CREATE TABLE IF NOT EXISTS vehicle_sections (
		vin             TEXT NOT NULL,
		section         TEXT NOT NULL,
		data            JSONB NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (vin, section)
	);

	CREATE INDEX IF NOT EXISTS idx_vehicle_sections_updated ON vehicle_sections(updated_at);

	-- Vehicles ever seen, for enumeration.
	CREATE TABLE IF NOT EXISTS vehicles (
		vin             TEXT PRIMARY KEY,
		first_seen      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_seen       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		update_count    BIGINT NOT NULL DEFAULT 1
	);
	`
	if _, err := d.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create postgres schema: %w", err)
	}
	return nil
}

// UpsertSection writes the latest merged data for one vehicle section.
func (d *PostgresDB) UpsertSection(ctx context.Context, vin, section string, data map[string]any) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal section data: %w", err)
	}

	_, err = d.pool.Exec(ctx, `
		INSERT INTO vehicle_sections (vin, section, data, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (vin, section) DO UPDATE SET
			data = EXCLUDED.data,
			updated_at = NOW()
	`, vin, section, string(dataJSON))
	if err != nil {
		return fmt.Errorf("upsert section: %w", err)
	}

	_, err = d.pool.Exec(ctx, `
		INSERT INTO vehicles (vin)
		VALUES ($1)
		ON CONFLICT (vin) DO UPDATE SET
			last_seen = NOW(),
			update_count = vehicles.update_count + 1
	`, vin)
	if err != nil {
		return fmt.Errorf("upsert vehicle: %w", err)
	}
	return nil
}

// GetSection reads back the latest stored data for one vehicle section.
// Returns nil when nothing is stored.
func (d *PostgresDB) GetSection(ctx context.Context, vin, section string) (map[string]any, error) {
	var dataJSON string
	err := d.pool.QueryRow(ctx, `
		SELECT data FROM vehicle_sections WHERE vin = $1 AND section = $2
	`, vin, section).Scan(&dataJSON)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get section: %w", err)
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
		return nil, fmt.Errorf("unmarshal section data: %w", err)
	}
	return data, nil
}

// ListVehicles returns all VINs ever recorded, most recently seen first.
func (d *PostgresDB) ListVehicles(ctx context.Context) ([]string, error) {
	rows, err := d.pool.Query(ctx, "SELECT vin FROM vehicles ORDER BY last_seen DESC")
	if err != nil {
		return nil, fmt.Errorf("list vehicles: %w", err)
	}
	defer rows.Close()

	var vins []string
	for rows.Next() {
		var vin string
		if err := rows.Scan(&vin); err != nil {
			return nil, fmt.Errorf("scan vin: %w", err)
		}
		vins = append(vins, vin)
	}
	return vins, rows.Err()
}
