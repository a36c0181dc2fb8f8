// Package vehicle provides the normalized types shared by every channel:
// ingestion events, state sections, event sources and command results.
package vehicle

import "time"

// Section is a named category of vehicle state. Sections are the unit of
// staleness tracking and optimistic override, not individual fields.
type Section string

const (
	SectionRealtime Section = "realtime" // live telemetry: speed, doors, locks, windows
	SectionLocation Section = "location" // GPS position and heading
	SectionClimate  Section = "climate"  // HVAC state and cabin temperature
	SectionCharging Section = "charging" // charge state, plug state, charge rate
	SectionEnergy   Section = "energy"   // SOC, range, consumption
	SectionInfo     Section = "info"     // static vehicle metadata
	SectionCommand  Section = "command"  // last remote command result
)

// Sections lists all known sections in a stable order.
var Sections = []Section{
	SectionRealtime,
	SectionLocation,
	SectionClimate,
	SectionCharging,
	SectionEnergy,
	SectionInfo,
	SectionCommand,
}

// Source identifies which channel produced an event.
type Source int

const (
	// SourceOptimistic is a locally synthesized guess written ahead of a
	// command's confirmed effect. Never authoritative.
	SourceOptimistic Source = iota

	// SourceDerived is computed locally from other sections.
	SourceDerived

	// SourcePush arrived over the passive push subscription.
	SourcePush

	// SourcePoll arrived over the request/response polling channel.
	SourcePoll
)

func (s Source) String() string {
	switch s {
	case SourceOptimistic:
		return "optimistic"
	case SourceDerived:
		return "derived"
	case SourcePush:
		return "push"
	case SourcePoll:
		return "poll"
	}
	return "unknown"
}

// Event is the normalized unit of update. Every channel must produce one
// before it may affect shared state. Events are treated as immutable once
// constructed.
type Event struct {
	// VIN identifies the vehicle. Never empty.
	VIN string

	Section Section
	Source  Source

	// ObservedAt is the wall-clock instant the event was created locally,
	// always UTC.
	ObservedAt time.Time

	// PayloadTS is the timestamp the vehicle itself reported, in seconds
	// since epoch. Nil when the source payload carried no usable timestamp.
	PayloadTS *float64

	// Data maps field name to value, already pruned of placeholder values.
	// An absent key means "no information", never "explicitly empty".
	Data map[string]any

	// Raw retains the original payload for diagnostics only. The store
	// never interprets it.
	Raw map[string]any

	// TTL applies to optimistic events only. Nil means use the store's
	// default overlay TTL; a value <= 0 means sticky (cleared only by the
	// next authoritative update to the section).
	TTL *time.Duration
}

// NewEvent builds an authoritative event observed now.
func NewEvent(vin string, section Section, source Source, data, raw map[string]any, payloadTS *float64) Event {
	return Event{
		VIN:        vin,
		Section:    section,
		Source:     source,
		ObservedAt: time.Now().UTC(),
		PayloadTS:  payloadTS,
		Data:       data,
		Raw:        raw,
	}
}

// NewOptimistic builds an optimistic overlay event with the given TTL.
// A TTL <= 0 makes the overlay sticky.
func NewOptimistic(vin string, section Section, data map[string]any, ttl time.Duration) Event {
	return Event{
		VIN:        vin,
		Section:    section,
		Source:     SourceOptimistic,
		ObservedAt: time.Now().UTC(),
		Data:       data,
		TTL:        &ttl,
	}
}

// placeholder values the vendor uses for "no data". Pruned at the event
// boundary so the store never has to know about them.
var placeholders = map[any]bool{
	nil:   true,
	"":    true,
	"--":  true,
	"N/A": true,
}

// PruneSentinels returns a copy of data with placeholder values removed.
// The input map is not modified.
func PruneSentinels(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		switch t := v.(type) {
		case string:
			if placeholders[t] {
				continue
			}
		case nil:
			continue
		}
		out[k] = v
	}
	return out
}

// PayloadTimestamp extracts a seconds-since-epoch timestamp from a decoded
// payload, checking the keys the vendor is known to use. Returns nil when
// none is present or the value is unusable.
func PayloadTimestamp(payload map[string]any) *float64 {
	for _, key := range []string{"timestamp", "dataTime", "uploadTime", "ts"} {
		v, ok := payload[key]
		if !ok {
			continue
		}
		var sec float64
		switch t := v.(type) {
		case float64:
			sec = t
		case int64:
			sec = float64(t)
		case int:
			sec = float64(t)
		default:
			continue
		}
		if sec <= 0 {
			continue
		}
		// Vendor payloads mix seconds and milliseconds.
		if sec > 1e12 {
			sec = sec / 1000.0
		}
		return &sec
	}
	return nil
}
