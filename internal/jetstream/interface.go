package jetstream

import (
	"context"

	"github.com/nats-io/nats.go"
)

// ClientInterface defines the interface for the JetStream client
// This allows for easy mocking in tests
type ClientInterface interface {
	// SetupStream ensures the stream exists with the given configuration
	SetupStream(ctx context.Context, streamConfig *nats.StreamConfig) error

	// SubscribeEphemeral creates a per-subscriber push consumer starting at new messages
	SubscribeEphemeral(stream, subject string, handler nats.MsgHandler) (*nats.Subscription, error)

	// SubscribeCore subscribes to a plain NATS subject
	SubscribeCore(subject string, handler nats.MsgHandler) (*nats.Subscription, error)

	// Publish publishes a message to a stream subject with optional headers
	Publish(subject string, data []byte, headers map[string]string) error

	// PublishCore publishes to a plain NATS subject
	PublishCore(subject string, data []byte) error

	// IsConnected reports connection health for readiness probes
	IsConnected() bool

	// Close closes the NATS connection
	Close()

	// NatsConn returns the underlying *nats.Conn
	NatsConn() *nats.Conn
}
