// Package storage provides optional export sinks for the sync engine:
// append-only event history in ClickHouse and latest section snapshots in
// PostgreSQL. Both are best-effort; the engine never depends on them.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// ClickHouseDB wraps a ClickHouse connection for event history storage.
type ClickHouseDB struct {
	conn driver.Conn
}

// OpenClickHouse opens a connection to ClickHouse.
func OpenClickHouse(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	// Test the connection.
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	return &ClickHouseDB{conn: conn}, nil
}

// Close closes the ClickHouse connection.
func (d *ClickHouseDB) Close() error {
	return d.conn.Close()
}

// CreateSchema creates the ClickHouse tables.
func (d *ClickHouseDB) CreateSchema(ctx context.Context) error {
	query := `CREATE TABLE IF NOT EXISTS event_history (
		id           String,
		vin          LowCardinality(String),
		section      LowCardinality(String),
		source       LowCardinality(String),
		observed_at  DateTime64(3),
		payload_ts   Nullable(Float64),
		accepted     UInt8,
		data_json    String,
		raw_json     String,
		created_at   DateTime64(3) DEFAULT now64(3)
	)
	ENGINE = MergeTree()
	PARTITION BY toYYYYMM(observed_at)
	ORDER BY (vin, section, observed_at, id)
	SETTINGS index_granularity = 8192`

	if err := d.conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// HistoryRow is one event as stored in ClickHouse.
type HistoryRow struct {
	ID         string
	VIN        string
	Section    string
	Source     string
	ObservedAt time.Time
	PayloadTS  *float64
	Accepted   bool
	DataJSON   string
	RawJSON    string
	CreatedAt  time.Time
}

// InsertBatch stores multiple event rows efficiently.
func (d *ClickHouseDB) InsertBatch(ctx context.Context, rows []HistoryRow) error {
	if len(rows) == 0 {
		return nil
	}

	batch, err := d.conn.PrepareBatch(ctx, `
		INSERT INTO event_history (id, vin, section, source, observed_at, payload_ts, accepted, data_json, raw_json)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, r := range rows {
		accepted := uint8(0)
		if r.Accepted {
			accepted = 1
		}
		if err := batch.Append(r.ID, r.VIN, r.Section, r.Source, r.ObservedAt,
			r.PayloadTS, accepted, r.DataJSON, r.RawJSON); err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// HistoryQuery contains filtering options for querying event history.
type HistoryQuery struct {
	VIN      string
	Section  string
	Source   string
	Accepted *bool
	Since    time.Time
	Limit    int
}

// Query retrieves event rows matching the given parameters, newest first.
func (d *ClickHouseDB) Query(ctx context.Context, q HistoryQuery) ([]HistoryRow, error) {
	query := `SELECT id, vin, section, source, observed_at, payload_ts, accepted, data_json, raw_json, created_at
		FROM event_history WHERE 1 = 1`
	var args []interface{}

	if q.VIN != "" {
		query += " AND vin = ?"
		args = append(args, q.VIN)
	}
	if q.Section != "" {
		query += " AND section = ?"
		args = append(args, q.Section)
	}
	if q.Source != "" {
		query += " AND source = ?"
		args = append(args, q.Source)
	}
	if q.Accepted != nil {
		accepted := uint8(0)
		if *q.Accepted {
			accepted = 1
		}
		query += " AND accepted = ?"
		args = append(args, accepted)
	}
	if !q.Since.IsZero() {
		query += " AND observed_at >= ?"
		args = append(args, q.Since)
	}

	limit := 100
	if q.Limit > 0 {
		limit = q.Limit
	}
	query += fmt.Sprintf(" ORDER BY observed_at DESC LIMIT %d", limit)

	rows, err := d.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query event history: %w", err)
	}
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		var r HistoryRow
		var accepted uint8
		if err := rows.Scan(&r.ID, &r.VIN, &r.Section, &r.Source, &r.ObservedAt,
			&r.PayloadTS, &accepted, &r.DataJSON, &r.RawJSON, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		r.Accepted = accepted == 1
		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// Count returns the total number of stored events, optionally per VIN.
func (d *ClickHouseDB) Count(ctx context.Context, vin string) (uint64, error) {
	var count uint64
	var err error
	if vin != "" {
		row := d.conn.QueryRow(ctx, "SELECT count() FROM event_history WHERE vin = ?", vin)
		err = row.Scan(&count)
	} else {
		row := d.conn.QueryRow(ctx, "SELECT count() FROM event_history")
		err = row.Scan(&count)
	}
	return count, err
}

// CountBySource returns event counts grouped by source.
func (d *ClickHouseDB) CountBySource(ctx context.Context) (map[string]uint64, error) {
	counts := make(map[string]uint64)
	rows, err := d.conn.Query(ctx, "SELECT source, count() FROM event_history GROUP BY source")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var source string
		var count uint64
		if err := rows.Scan(&source, &count); err != nil {
			return nil, fmt.Errorf("scan count by source: %w", err)
		}
		counts[source] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate count by source: %w", err)
	}
	return counts, nil
}
