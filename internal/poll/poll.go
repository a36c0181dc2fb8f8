// Package poll implements the trigger-then-poll protocol used by slow
// asynchronous reads: one request to start the operation on the vehicle,
// repeated requests until the answer is materially present.
package poll

import (
	"context"
	"time"
)

// Response is one round-trip's worth of decoded answer: the payload plus
// the correlation serial to ask with next, if the device provided one.
type Response struct {
	Serial  string
	Payload map[string]any
}

// Options configures one UntilReady run.
type Options struct {
	// Trigger issues the initial request. Its error propagates to the
	// caller unchanged; everything after it is best-effort.
	Trigger func(ctx context.Context) (Response, error)

	// Poll issues one follow-up request with the current serial.
	Poll func(ctx context.Context, serial string) (Response, error)

	// Ready reports whether a payload materially answers the read, as
	// opposed to an echoed correlation id or placeholder.
	Ready func(payload map[string]any) bool

	// Attempts bounds the poll loop. Zero means no polling after the
	// trigger.
	Attempts int

	// Interval is slept before each poll attempt.
	Interval time.Duration

	// ShortCircuit, when set, is consulted once before the poll loop: a
	// bounded wait for a fresher push-channel answer. If it reports true
	// its payload is returned and the loop is skipped entirely. The push
	// channel is typically faster than polling once the vehicle is
	// actively reporting.
	ShortCircuit func(ctx context.Context) (map[string]any, bool)
}

// UntilReady runs the protocol and returns the best available payload. It
// always terminates: by readiness, by attempt exhaustion, by the short
// circuit, or by context cancellation (which degrades to returning the
// best payload seen so far, not an error).
func UntilReady(ctx context.Context, opts Options) (map[string]any, error) {
	resp, err := opts.Trigger(ctx)
	if err != nil {
		return nil, err
	}
	if opts.Ready != nil && opts.Ready(resp.Payload) {
		return resp.Payload, nil
	}

	// Without a serial there is nothing to ask for.
	if resp.Serial == "" {
		return resp.Payload, nil
	}

	if opts.ShortCircuit != nil {
		if payload, ok := opts.ShortCircuit(ctx); ok {
			return payload, nil
		}
	}

	best := resp.Payload
	serial := resp.Serial

	for attempt := 0; attempt < opts.Attempts; attempt++ {
		if !sleep(ctx, opts.Interval) {
			return best, nil
		}

		r, err := opts.Poll(ctx, serial)
		if err != nil {
			// Transient poll failures are swallowed; the loop keeps the
			// best snapshot seen so far.
			continue
		}
		if r.Serial != "" {
			// The device may rotate the serial between polls.
			serial = r.Serial
		}
		if len(r.Payload) > 0 {
			best = r.Payload
		}
		if opts.Ready != nil && opts.Ready(r.Payload) {
			return r.Payload, nil
		}
	}

	return best, nil
}

// sleep waits for d or until ctx is done, reporting whether the full
// interval elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
