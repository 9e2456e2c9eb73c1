package bridge

import (
	"context"
	"encoding/json"
)

// Transport is the wire layer beneath the bridge client.
type Transport interface {
	// Connect establishes the transport connection.
	Connect(ctx context.Context) error

	// Close closes the transport connection.
	Close() error

	// Call sends a request and waits for a response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification (no response expected).
	Notify(ctx context.Context, method string, params any) error

	// Events returns a channel of server-initiated notifications.
	Events() <-chan *JSONRPCNotification

	// Connected returns whether the transport is up.
	Connected() bool
}

// NewTransport creates a transport from the bridge configuration.
func NewTransport(cfg *Config) Transport {
	switch cfg.Transport {
	case TransportHTTP:
		return NewHTTPTransport(cfg)
	default:
		return NewStdioTransport(cfg)
	}
}
