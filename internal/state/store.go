package state

import (
	"sync"
	"time"

	"bydlink/internal/vehicle"
)

// Config holds merge and overlay settings for a Store.
type Config struct {
	// SkewAllowance is the clock-disagreement tolerance in seconds.
	SkewAllowance float64

	// DefaultOverlayTTL applies to optimistic events that do not carry
	// their own TTL.
	DefaultOverlayTTL time.Duration
}

// DefaultConfig returns settings suitable for the vendor's channels, which
// have been observed up to a minute apart on the same report.
func DefaultConfig() Config {
	return Config{
		SkewAllowance:     60,
		DefaultOverlayTTL: 90 * time.Second,
	}
}

// snapshot is the confirmed merged state of one section.
type snapshot struct {
	data       map[string]any
	payloadTS  *float64 // never moves backward once set
	source     vehicle.Source
	observedAt time.Time
}

// overlay is an optimistic guess shown to readers until it expires or an
// authoritative event for the section arrives.
type overlay struct {
	data      map[string]any
	appliedAt time.Time
	expiry    time.Time // zero = sticky
}

// entity holds all state for one VIN behind a coarse lock.
type entity struct {
	mu       sync.Mutex
	sections map[vehicle.Section]*snapshot
	overlays map[vehicle.Section]*overlay
}

// Store is the only component allowed to mutate per-vehicle state. Inputs
// are accepted, fill-merged or silently ignored per policy; there are no
// error returns because rejecting stale data is its normal operating mode.
type Store struct {
	cfg Config

	mu       sync.Mutex
	entities map[string]*entity

	hookMu    sync.Mutex
	onEvent   []func(ev vehicle.Event, accepted bool)
	onUpdate  []func(vin string, section vehicle.Section, data map[string]any)
	nowFunc   func() time.Time
}

// New creates an empty store.
func New(cfg Config) *Store {
	return &Store{
		cfg:      cfg,
		entities: make(map[string]*entity),
		nowFunc:  func() time.Time { return time.Now().UTC() },
	}
}

// OnEvent registers a tap called for every applied event with whether it
// was accepted. Used by the diagnostics journal and history sink.
func (s *Store) OnEvent(fn func(ev vehicle.Event, accepted bool)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.onEvent = append(s.onEvent, fn)
}

// OnSectionUpdate registers a callback fired after an accepted
// authoritative update, with a copy of the merged section data. Callbacks
// run outside the entity lock.
func (s *Store) OnSectionUpdate(fn func(vin string, section vehicle.Section, data map[string]any)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.onUpdate = append(s.onUpdate, fn)
}

// entityFor returns the entity for vin, creating it on first use. Only the
// mutation path may call this; entities exist exactly for vehicles that
// produced at least one event.
func (s *Store) entityFor(vin string) *entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[vin]
	if !ok {
		e = &entity{
			sections: make(map[vehicle.Section]*snapshot),
			overlays: make(map[vehicle.Section]*overlay),
		}
		s.entities[vin] = e
	}
	return e
}

// lookup returns the entity for vin or nil. Reads must not create entities;
// querying an unknown VIN is not an observation of it.
func (s *Store) lookup(vin string) *entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entities[vin]
}

// Apply is the single mutation entrypoint. Optimistic events replace the
// section's overlay and never touch the snapshot. Authoritative events
// first drop any overlay for the section unconditionally, then merge per
// policy or are silently dropped.
func (s *Store) Apply(ev vehicle.Event) {
	if ev.VIN == "" {
		return
	}

	if ev.Source == vehicle.SourceOptimistic {
		s.applyOptimistic(ev)
		s.fireEvent(ev, true)
		return
	}

	accepted, merged := s.applyAuthoritative(ev)
	s.fireEvent(ev, accepted)
	if accepted {
		s.fireUpdate(ev.VIN, ev.Section, merged)
	}
}

func (s *Store) applyOptimistic(ev vehicle.Event) {
	now := s.nowFunc()

	ttl := s.cfg.DefaultOverlayTTL
	if ev.TTL != nil {
		ttl = *ev.TTL
	}
	var expiry time.Time // sticky
	if ttl > 0 {
		expiry = now.Add(ttl)
	}

	e := s.entityFor(ev.VIN)
	e.mu.Lock()
	defer e.mu.Unlock()

	// Replace, never merge: the newest guess fully supersedes the old one.
	e.overlays[ev.Section] = &overlay{
		data:      copyMap(ev.Data),
		appliedAt: now,
		expiry:    expiry,
	}
}

func (s *Store) applyAuthoritative(ev vehicle.Event) (bool, map[string]any) {
	e := s.entityFor(ev.VIN)
	e.mu.Lock()
	defer e.mu.Unlock()

	// Any authoritative signal invalidates a guess, whether or not the
	// event itself ends up accepted.
	delete(e.overlays, ev.Section)

	snap, ok := e.sections[ev.Section]
	if !ok {
		snap = &snapshot{
			data:       copyMap(ev.Data),
			payloadTS:  ev.PayloadTS,
			source:     ev.Source,
			observedAt: ev.ObservedAt,
		}
		e.sections[ev.Section] = snap
		return true, copyMap(snap.data)
	}

	if !shouldAccept(snap.payloadTS, ev.PayloadTS, snap.source, ev.Source, s.cfg.SkewAllowance) {
		return false, nil
	}

	// An older-but-tolerated update may only add fields it knows and the
	// cache does not, unless its source strictly outranks the cache.
	fillOnly := snap.payloadTS != nil && ev.PayloadTS != nil &&
		*ev.PayloadTS < *snap.payloadTS &&
		sourcePriority(ev.Source) <= sourcePriority(snap.source)

	for k, v := range ev.Data {
		if fillOnly {
			if _, known := snap.data[k]; known {
				continue
			}
		}
		snap.data[k] = v
	}

	// The stored payload timestamp never moves backward.
	if ev.PayloadTS != nil {
		if snap.payloadTS == nil || *ev.PayloadTS > *snap.payloadTS {
			ts := *ev.PayloadTS
			snap.payloadTS = &ts
		}
	}
	snap.source = ev.Source
	snap.observedAt = ev.ObservedAt

	return true, copyMap(snap.data)
}

// Section returns the merged snapshot for one section with any live overlay
// applied on top; overlay fields always win. Reading lazily evicts an
// expired overlay. Returns nil if nothing is known.
func (s *Store) Section(vin string, section vehicle.Section) map[string]any {
	e := s.lookup(vin)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.sectionLocked(e, section)
}

func (s *Store) sectionLocked(e *entity, section vehicle.Section) map[string]any {
	ov := e.overlays[section]
	if ov != nil && isExpired(s.nowFunc(), ov.expiry) {
		delete(e.overlays, section)
		ov = nil
	}

	snap := e.sections[section]
	if snap == nil && ov == nil {
		return nil
	}

	out := make(map[string]any)
	if snap != nil {
		for k, v := range snap.data {
			out[k] = v
		}
	}
	if ov != nil {
		for k, v := range ov.data {
			out[k] = v
		}
	}
	return out
}

// VINs returns every vehicle the store has seen, in no particular order.
func (s *Store) VINs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entities))
	for vin := range s.entities {
		out = append(out, vin)
	}
	return out
}

// SectionTimestamp returns the payload timestamp last accepted for a
// section, nil if the section is unknown or never carried one.
func (s *Store) SectionTimestamp(vin string, section vehicle.Section) *float64 {
	e := s.lookup(vin)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := e.sections[section]
	if snap == nil || snap.payloadTS == nil {
		return nil
	}
	ts := *snap.payloadTS
	return &ts
}

// Snapshot returns every section with a snapshot or live overlay present.
func (s *Store) Snapshot(vin string) map[vehicle.Section]map[string]any {
	out := make(map[vehicle.Section]map[string]any)
	e := s.lookup(vin)
	if e == nil {
		return out
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, section := range vehicle.Sections {
		if data := s.sectionLocked(e, section); data != nil {
			out[section] = data
		}
	}
	return out
}

func (s *Store) fireEvent(ev vehicle.Event, accepted bool) {
	s.hookMu.Lock()
	taps := s.onEvent
	s.hookMu.Unlock()
	for _, fn := range taps {
		fn(ev, accepted)
	}
}

func (s *Store) fireUpdate(vin string, section vehicle.Section, data map[string]any) {
	s.hookMu.Lock()
	hooks := s.onUpdate
	s.hookMu.Unlock()
	for _, fn := range hooks {
		fn(vin, section, data)
	}
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
