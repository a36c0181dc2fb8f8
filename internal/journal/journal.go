// Package journal keeps a best-effort local record of ingestion events for
// diagnostics. It is write-mostly and never read back to restore state;
// the store is an in-memory, process-lifetime cache by design.
package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"bydlink/internal/state"
	"bydlink/internal/vehicle"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	vin         TEXT NOT NULL,
	section     TEXT NOT NULL,
	source      TEXT NOT NULL,
	observed_at DATETIME NOT NULL,
	payload_ts  REAL,
	accepted    INTEGER NOT NULL,
	data_json   TEXT NOT NULL,
	raw_json    TEXT,
	created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_events_vin_section ON events(vin, section);
CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
`

// Entry is one journaled event row.
type Entry struct {
	ID         int64
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

// Journal wraps the SQLite database holding the event log.
type Journal struct {
	db *sql.DB
}

// Open opens or creates the journal database. An empty path or ":memory:"
// keeps it in memory.
func Open(path string) (*Journal, error) {
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}

	return &Journal{db: db}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Attach subscribes the journal to every event flowing through the store.
func (j *Journal) Attach(store *state.Store) {
	store.OnEvent(j.Record)
}

// Record writes one event row. Errors are silently ignored; the journal is
// best-effort and must never affect the sync path.
func (j *Journal) Record(ev vehicle.Event, accepted bool) {
	dataJSON, _ := json.Marshal(ev.Data)
	var rawJSON []byte
	if ev.Raw != nil {
		rawJSON, _ = json.Marshal(ev.Raw)
	}

	acceptedInt := 0
	if accepted {
		acceptedInt = 1
	}

	var payloadTS any
	if ev.PayloadTS != nil {
		payloadTS = *ev.PayloadTS
	}

	_, err := j.db.Exec(`
		INSERT INTO events (vin, section, source, observed_at, payload_ts, accepted, data_json, raw_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.VIN, string(ev.Section), ev.Source.String(), ev.ObservedAt, payloadTS, acceptedInt,
		string(dataJSON), string(rawJSON))
	_ = err
}

// Recent returns the newest entries for a VIN, most recent first.
func (j *Journal) Recent(vin string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := j.db.Query(`
		SELECT id, vin, section, source, observed_at, payload_ts, accepted, data_json, raw_json, created_at
		FROM events
		WHERE vin = ?
		ORDER BY id DESC
		LIMIT ?
	`, vin, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var payloadTS sql.NullFloat64
		var raw sql.NullString
		var accepted int
		if err := rows.Scan(&e.ID, &e.VIN, &e.Section, &e.Source, &e.ObservedAt,
			&payloadTS, &accepted, &e.DataJSON, &raw, &e.CreatedAt); err != nil {
			continue
		}
		if payloadTS.Valid {
			ts := payloadTS.Float64
			e.PayloadTS = &ts
		}
		e.RawJSON = raw.String
		e.Accepted = accepted == 1
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes entries older than the given age and returns how many went.
func (j *Journal) Prune(olderThan time.Duration) int {
	res, err := j.db.Exec("DELETE FROM events WHERE created_at < ?",
		time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0
	}
	n, _ := res.RowsAffected()
	return int(n)
}
