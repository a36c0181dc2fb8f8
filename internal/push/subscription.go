// Package push owns the push-subscription lifecycle and is the single
// point translating inbound push messages into store events and into
// resolution signals for waiting readers and commands.
package push

import "context"

// Message is one decoded push delivery. Envelope decryption and decoding
// happen upstream; the coordinator only sees plain payloads.
type Message struct {
	Topic   string
	Payload map[string]any
}

// Subscription is the transport boundary for the push channel. Start
// delivers messages to the handler on the transport's own goroutine; the
// handler must not block.
type Subscription interface {
	Start(ctx context.Context, deliver func(Message)) error
	Stop() error
}
