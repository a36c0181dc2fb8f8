// Package transport defines the request-channel boundary. Signing, payload
// encryption and the binary envelope are applied by the implementor; this
// core only sees decoded payloads.
package transport

import "context"

// Client issues one signed request and returns the decoded response body.
// Errors are transport or protocol faults and are never retried by the
// core; the caller decides whether to refresh the session or abort.
type Client interface {
	Issue(ctx context.Context, endpoint string, payload map[string]any) (map[string]any, error)
}
