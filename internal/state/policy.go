// Package state holds the per-vehicle state store and the merge policy
// deciding which channel's report wins when they disagree.
package state

import (
	"time"

	"bydlink/internal/vehicle"
)

// sourcePriority ranks event sources for tie-breaks when timestamps are
// unavailable. Higher wins.
func sourcePriority(s vehicle.Source) int {
	switch s {
	case vehicle.SourcePoll:
		return 3
	case vehicle.SourcePush:
		return 2
	case vehicle.SourceDerived:
		return 1
	default:
		return 0
	}
}

// shouldAccept decides whether an incoming event may touch the cached
// snapshot. With both timestamps present, anything not more than skew
// seconds behind the cache is accepted; this tolerates minor clock
// disagreement between channels while rejecting truly stale replays.
// When either timestamp is missing the decision falls back to source
// priority.
func shouldAccept(cachedTS, incomingTS *float64, cachedSrc, incomingSrc vehicle.Source, skew float64) bool {
	if cachedTS != nil && incomingTS != nil {
		return *incomingTS >= *cachedTS-skew
	}
	return sourcePriority(incomingSrc) >= sourcePriority(cachedSrc)
}

// isExpired reports whether an overlay expiry instant has passed. A zero
// expiry means sticky: never expired by time.
func isExpired(now, expiry time.Time) bool {
	return !expiry.IsZero() && now.After(expiry)
}
