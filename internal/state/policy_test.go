package state

import (
	"testing"
	"time"

	"bydlink/internal/vehicle"
)

func ts(v float64) *float64 { return &v }

func TestSourcePriority(t *testing.T) {
	order := []vehicle.Source{
		vehicle.SourceOptimistic,
		vehicle.SourceDerived,
		vehicle.SourcePush,
		vehicle.SourcePoll,
	}
	for i := 1; i < len(order); i++ {
		lo, hi := order[i-1], order[i]
		if sourcePriority(lo) >= sourcePriority(hi) {
			t.Errorf("sourcePriority(%v) = %d, want below %v = %d",
				lo, sourcePriority(lo), hi, sourcePriority(hi))
		}
	}
}

func TestShouldAccept(t *testing.T) {
	tests := []struct {
		name        string
		cachedTS    *float64
		incomingTS  *float64
		cachedSrc   vehicle.Source
		incomingSrc vehicle.Source
		skew        float64
		want        bool
	}{
		{
			name:       "newer timestamp accepted",
			cachedTS:   ts(100),
			incomingTS: ts(101),
			skew:       60,
			want:       true,
		},
		{
			name:       "equal timestamp accepted",
			cachedTS:   ts(100),
			incomingTS: ts(100),
			skew:       60,
			want:       true,
		},
		{
			name:       "within skew accepted",
			cachedTS:   ts(100),
			incomingTS: ts(50),
			skew:       60,
			want:       true,
		},
		{
			name:       "exactly at skew boundary accepted",
			cachedTS:   ts(100),
			incomingTS: ts(40),
			skew:       60,
			want:       true,
		},
		{
			name:       "beyond skew rejected",
			cachedTS:   ts(100),
			incomingTS: ts(10),
			skew:       60,
			want:       false,
		},
		{
			name:       "zero skew rejects any older",
			cachedTS:   ts(100),
			incomingTS: ts(99),
			skew:       0,
			want:       false,
		},
		{
			name:        "missing incoming ts, higher priority accepted",
			cachedTS:    ts(100),
			cachedSrc:   vehicle.SourcePush,
			incomingSrc: vehicle.SourcePoll,
			want:        true,
		},
		{
			name:        "missing incoming ts, equal priority accepted",
			cachedTS:    ts(100),
			cachedSrc:   vehicle.SourcePoll,
			incomingSrc: vehicle.SourcePoll,
			want:        true,
		},
		{
			name:        "missing incoming ts, lower priority rejected",
			cachedTS:    ts(100),
			cachedSrc:   vehicle.SourcePoll,
			incomingSrc: vehicle.SourceDerived,
			want:        false,
		},
		{
			name:        "missing cached ts, falls back to priority",
			incomingTS:  ts(100),
			cachedSrc:   vehicle.SourcePoll,
			incomingSrc: vehicle.SourcePush,
			want:        false,
		},
		{
			name:        "both missing, priority tie accepted",
			cachedSrc:   vehicle.SourcePush,
			incomingSrc: vehicle.SourcePush,
			want:        true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := shouldAccept(tt.cachedTS, tt.incomingTS, tt.cachedSrc, tt.incomingSrc, tt.skew)
			if got != tt.want {
				t.Errorf("shouldAccept() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsExpired(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	if isExpired(now, time.Time{}) {
		t.Error("zero expiry (sticky) must never expire")
	}
	if isExpired(now, now.Add(time.Second)) {
		t.Error("future expiry reported expired")
	}
	if !isExpired(now, now.Add(-time.Second)) {
		t.Error("past expiry not reported expired")
	}
	if isExpired(now, now) {
		t.Error("expiry exactly now should not count as expired")
	}
}
