package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/pulsehub-io/pulsehub/internal/logging"
)

// NATSTransport implements Transport over NATS subjects, offered as
// an alternative to Redis Pub/Sub for the same fan-out and
// request/response contract (spec §9, "dynamic driver selection").
// Subject names are the same topic strings the rest of the adapter
// computes; NATS subjects and Redis channels share the same
// colon-delimited naming convention used throughout.
type NATSTransport struct {
	conn   *nats.Conn
	nodeID string
}

// Dial connects to a NATS server with a bounded reconnect policy: up
// to 10 reconnect attempts, 2s apart.
func Dial(url string, nodeID string) (*NATSTransport, error) {
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	log := logging.Adapter()

	conn, err := nats.Connect(url,
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats transport disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats transport reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats transport: connect: %w", err)
	}
	return &NATSTransport{conn: conn, nodeID: nodeID}, nil
}

func (n *NATSTransport) NodeID() string { return n.nodeID }

func (n *NATSTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := n.conn.Publish(topic, payload); err != nil {
		return fmt.Errorf("nats transport: publish %s: %w", topic, err)
	}
	return nil
}

func (n *NATSTransport) Subscribe(ctx context.Context, topic string, handler func(payload []byte)) (func(), error) {
	sub, err := n.conn.Subscribe(topic, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats transport: subscribe %s: %w", topic, err)
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil {
			logging.Adapter().Warn().Err(err).Str("topic", topic).Msg("unsubscribing nats topic")
		}
	}, nil
}

func (n *NATSTransport) Close() error {
	if err := n.conn.Drain(); err != nil {
		return fmt.Errorf("nats transport: drain: %w", err)
	}
	n.conn.Close()
	return nil
}
