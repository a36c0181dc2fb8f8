package storage

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"bydlink/internal/state"
	"bydlink/internal/vehicle"
)

// RecorderConfig tunes the background export.
type RecorderConfig struct {
	// FlushInterval is how often buffered history rows are sent.
	FlushInterval time.Duration

	// BufferSize bounds the in-memory history buffer; rows beyond it are
	// dropped with a log line.
	BufferSize int
}

// DefaultRecorderConfig returns export settings for a low-traffic client.
func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		FlushInterval: 10 * time.Second,
		BufferSize:    512,
	}
}

// Recorder exports the sync engine's activity: every ingestion event to
// the ClickHouse history table and every accepted section update to the
// Postgres snapshot table. Both paths buffer on the hook and write from
// the background loop; the hooks run under the engine's dispatch path and
// must never block on a database. Failures are logged and dropped, never
// surfaced to the engine.
type Recorder struct {
	cfg RecorderConfig
	db  *DB

	mu      sync.Mutex
	buf     []HistoryRow
	pending map[sectionKey]map[string]any // latest section data wins
	cancel  context.CancelFunc
	done    chan struct{}
}

type sectionKey struct {
	vin     string
	section string
}

// NewRecorder creates a stopped recorder over open connections.
func NewRecorder(cfg RecorderConfig, db *DB) *Recorder {
	return &Recorder{
		cfg:     cfg,
		db:      db,
		pending: make(map[sectionKey]map[string]any),
	}
}

// Attach subscribes the recorder to a store's hooks.
func (r *Recorder) Attach(store *state.Store) {
	store.OnEvent(r.recordEvent)
	store.OnSectionUpdate(r.recordUpdate)
}

// Start launches the background flush loop.
func (r *Recorder) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	r.mu.Lock()
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	go r.flushLoop(runCtx, done)
}

// Stop flushes what remains and stops the loop.
func (r *Recorder) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.cancel = nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	r.flush(context.Background())
}

func (r *Recorder) flushLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.flush(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Recorder) flush(ctx context.Context) {
	r.mu.Lock()
	rows := r.buf
	r.buf = nil
	pending := r.pending
	r.pending = make(map[sectionKey]map[string]any)
	r.mu.Unlock()

	if len(rows) > 0 {
		if err := r.db.CH.InsertBatch(ctx, rows); err != nil {
			log.Printf("recorder: flush %d history rows: %v", len(rows), err)
		}
	}

	for key, data := range pending {
		upsertCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := r.db.PG.UpsertSection(upsertCtx, key.vin, key.section, data)
		cancel()
		if err != nil {
			log.Printf("recorder: upsert %s/%s: %v", key.vin, key.section, err)
		}
	}
}

// recordEvent buffers one event for the history table.
func (r *Recorder) recordEvent(ev vehicle.Event, accepted bool) {
	dataJSON, _ := json.Marshal(ev.Data)
	var rawJSON []byte
	if ev.Raw != nil {
		rawJSON, _ = json.Marshal(ev.Raw)
	}

	row := HistoryRow{
		ID:         uuid.NewString(),
		VIN:        ev.VIN,
		Section:    string(ev.Section),
		Source:     ev.Source.String(),
		ObservedAt: ev.ObservedAt,
		PayloadTS:  ev.PayloadTS,
		Accepted:   accepted,
		DataJSON:   string(dataJSON),
		RawJSON:    string(rawJSON),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) >= r.cfg.BufferSize {
		log.Printf("recorder: history buffer full, dropping event for %s/%s", ev.VIN, ev.Section)
		return
	}
	r.buf = append(r.buf, row)
}

// recordUpdate stages the latest snapshot for a section. Runs on the
// store's hook path, which sits under the push dispatch lock, so it only
// touches the in-memory map; the background loop does the round trips.
// Consecutive updates to the same section collapse to the newest data.
func (r *Recorder) recordUpdate(vin string, section vehicle.Section, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[sectionKey{vin: vin, section: string(section)}] = data
}
