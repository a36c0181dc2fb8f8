package vehicle

import (
	"testing"
	"time"
)

func TestPruneSentinels(t *testing.T) {
	in := map[string]any{
		"speed":    float64(42),
		"soc":      float64(0), // zero is data, not a placeholder
		"range":    "--",
		"odometer": "N/A",
		"heading":  "",
		"plate":    nil,
		"model":    "Seal",
	}
	got := PruneSentinels(in)

	want := map[string]any{
		"speed": float64(42),
		"soc":   float64(0),
		"model": "Seal",
	}
	if len(got) != len(want) {
		t.Fatalf("got %d keys %v, want %d", len(got), got, len(want))
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v, want %v", k, got[k], v)
		}
	}

	// Input map untouched.
	if len(in) != 7 {
		t.Errorf("input mutated: %v", in)
	}
}

func TestPayloadTimestamp(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
		want    float64
		wantNil bool
	}{
		{"seconds", map[string]any{"timestamp": float64(1700000000)}, 1700000000, false},
		{"milliseconds scaled", map[string]any{"timestamp": float64(1700000000000)}, 1700000000, false},
		{"dataTime alias", map[string]any{"dataTime": float64(1700000001)}, 1700000001, false},
		{"uploadTime alias", map[string]any{"uploadTime": float64(1700000002)}, 1700000002, false},
		{"int value", map[string]any{"ts": 1700000003}, 1700000003, false},
		{"zero skipped", map[string]any{"timestamp": float64(0)}, 0, true},
		{"string skipped", map[string]any{"timestamp": "2024-01-01"}, 0, true},
		{"absent", map[string]any{"speed": float64(1)}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PayloadTimestamp(tt.payload)
			if tt.wantNil {
				if got != nil {
					t.Errorf("got %v, want nil", *got)
				}
				return
			}
			if got == nil {
				t.Fatal("got nil")
			}
			if *got != tt.want {
				t.Errorf("got %v, want %v", *got, tt.want)
			}
		})
	}
}

func TestNewOptimisticTTL(t *testing.T) {
	ev := NewOptimistic("vin", SectionRealtime, map[string]any{"lock_status": 1}, 0)
	if ev.Source != SourceOptimistic {
		t.Errorf("source = %v, want optimistic", ev.Source)
	}
	if ev.TTL == nil || *ev.TTL != 0 {
		t.Errorf("TTL = %v, want explicit zero (sticky)", ev.TTL)
	}
}

func TestSourceString(t *testing.T) {
	tests := []struct {
		src  Source
		want string
	}{
		{SourceOptimistic, "optimistic"},
		{SourceDerived, "derived"},
		{SourcePush, "push"},
		{SourcePoll, "poll"},
		{Source(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.src.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", int(tt.src), got, tt.want)
		}
	}
}

func TestNewEventObservedAtUTC(t *testing.T) {
	ev := NewEvent("vin", SectionEnergy, SourcePoll, map[string]any{"soc": float64(50)}, nil, nil)
	if ev.ObservedAt.Location() != time.UTC {
		t.Errorf("ObservedAt zone = %v, want UTC", ev.ObservedAt.Location())
	}
	if ev.TTL != nil {
		t.Error("authoritative events carry no TTL")
	}
}
