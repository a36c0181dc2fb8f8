package storage

import (
	"strings"
	"testing"

	"bydlink/internal/vehicle"
)

func TestRecordEventBuffersRow(t *testing.T) {
	r := NewRecorder(DefaultRecorderConfig(), nil)

	ts := 1700000000.0
	r.recordEvent(vehicle.NewEvent("VIN1", vehicle.SectionRealtime, vehicle.SourcePush,
		map[string]any{"speed": 42}, map[string]any{"speed": 42, "junk": "--"}, &ts), true)

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) != 1 {
		t.Fatalf("buffered %d rows, want 1", len(r.buf))
	}
	row := r.buf[0]
	if row.ID == "" {
		t.Error("row id empty")
	}
	if row.VIN != "VIN1" || row.Section != "realtime" || row.Source != "push" {
		t.Errorf("row = %+v", row)
	}
	if !row.Accepted {
		t.Error("accepted flag lost")
	}
	if row.PayloadTS == nil || *row.PayloadTS != ts {
		t.Errorf("payload ts = %v, want %v", row.PayloadTS, ts)
	}
	if !strings.Contains(row.DataJSON, `"speed":42`) {
		t.Errorf("data json = %s", row.DataJSON)
	}
	if !strings.Contains(row.RawJSON, `"junk"`) {
		t.Errorf("raw json = %s", row.RawJSON)
	}
}

func TestRecordEventDropsWhenFull(t *testing.T) {
	cfg := DefaultRecorderConfig()
	cfg.BufferSize = 2
	r := NewRecorder(cfg, nil)

	for i := 0; i < 5; i++ {
		r.recordEvent(vehicle.NewEvent("VIN1", vehicle.SectionEnergy, vehicle.SourcePoll,
			map[string]any{"n": i}, nil, nil), true)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) != 2 {
		t.Errorf("buffered %d rows, want 2 (overflow must drop, not grow)", len(r.buf))
	}
}

func TestRecordUpdateStagesWithoutRoundTrip(t *testing.T) {
	// db is nil: any database touch on the hook path would panic.
	r := NewRecorder(DefaultRecorderConfig(), nil)

	r.recordUpdate("VIN1", vehicle.SectionRealtime, map[string]any{"speed": 10})
	r.recordUpdate("VIN1", vehicle.SectionEnergy, map[string]any{"soc": 80})

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) != 2 {
		t.Fatalf("staged %d sections, want 2", len(r.pending))
	}
	if got := r.pending[sectionKey{vin: "VIN1", section: "realtime"}]; got["speed"] != 10 {
		t.Errorf("realtime = %v", got)
	}
}

func TestRecordUpdateLatestWins(t *testing.T) {
	r := NewRecorder(DefaultRecorderConfig(), nil)

	r.recordUpdate("VIN1", vehicle.SectionRealtime, map[string]any{"speed": 10})
	r.recordUpdate("VIN1", vehicle.SectionRealtime, map[string]any{"speed": 55})

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) != 1 {
		t.Fatalf("staged %d sections, want 1 (same section collapses)", len(r.pending))
	}
	if got := r.pending[sectionKey{vin: "VIN1", section: "realtime"}]; got["speed"] != 55 {
		t.Errorf("speed = %v, want 55 (newest data wins)", got["speed"])
	}
}
