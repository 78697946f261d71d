package adapter

import "context"

// Transport is the minimal publish/subscribe primitive the PubSub
// adapter is built on. RedisTransport and NATSTransport both
// implement it over their respective client libraries, so the
// aggregate-query and fan-out logic is written once against this
// interface (spec §9's "dynamic driver selection": one implementation
// per capability, chosen at startup).
type Transport interface {
	// NodeID is this process's stable identifier, used to build its
	// private response topic and to identify it in heartbeats.
	NodeID() string

	// Publish sends payload to topic. Delivery to other subscribers
	// is fire-and-forget from the caller's perspective.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers handler for messages published to topic.
	// The returned func unsubscribes; handler may be invoked
	// concurrently with other topics' handlers and must not block.
	Subscribe(ctx context.Context, topic string, handler func(payload []byte)) (func(), error)

	// Close releases the underlying connection.
	Close() error
}
