package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig holds connection settings for the NATS-backed subscription.
type NATSConfig struct {
	URL string

	// Subject is the wildcard subject the vehicle feed publishes on,
	// e.g. "byd.vehicle.>".
	Subject string

	// Name identifies this client on the server.
	Name string
}

// DefaultNATSConfig returns local development settings.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:     nats.DefaultURL,
		Subject: "byd.vehicle.>",
		Name:    "bydlink",
	}
}

// NATSSubscription implements Subscription over a NATS connection. Each
// delivery is decoded from JSON and handed to the coordinator's handler.
type NATSSubscription struct {
	cfg  NATSConfig
	conn *nats.Conn
	sub  *nats.Subscription
}

// NewNATSSubscription creates an unstarted subscription.
func NewNATSSubscription(cfg NATSConfig) *NATSSubscription {
	return &NATSSubscription{cfg: cfg}
}

// Start connects and subscribes. Messages that fail to decode are dropped
// with a log line; the feed is noisy and a bad payload is not fatal.
func (n *NATSSubscription) Start(ctx context.Context, deliver func(Message)) error {
	conn, err := nats.Connect(n.cfg.URL,
		nats.Name(n.cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}

	sub, err := conn.Subscribe(n.cfg.Subject, func(m *nats.Msg) {
		var payload map[string]any
		if err := json.Unmarshal(m.Data, &payload); err != nil {
			log.Printf("push: dropping undecodable message on %s: %v", m.Subject, err)
			return
		}
		deliver(Message{Topic: m.Subject, Payload: payload})
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("subscribe %s: %w", n.cfg.Subject, err)
	}

	n.conn = conn
	n.sub = sub
	return nil
}

// Stop unsubscribes and closes the connection.
func (n *NATSSubscription) Stop() error {
	if n.sub != nil {
		_ = n.sub.Unsubscribe()
		n.sub = nil
	}
	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
	}
	return nil
}
