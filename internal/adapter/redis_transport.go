package adapter

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pulsehub-io/pulsehub/internal/logging"
)

// RedisTransport implements Transport over Redis Pub/Sub, the fan-out
// mechanism this project's ancestry already uses for multi-pod
// coordination (seen in the Redis-backed agent hub variant).
type RedisTransport struct {
	client *redis.Client
	nodeID string
}

// NewRedisTransport wraps an existing *redis.Client. nodeID should be
// stable for the process lifetime (e.g. pod name or a generated UUID).
func NewRedisTransport(client *redis.Client, nodeID string) *RedisTransport {
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	return &RedisTransport{client: client, nodeID: nodeID}
}

func (r *RedisTransport) NodeID() string { return r.nodeID }

func (r *RedisTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := r.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redis transport: publish %s: %w", topic, err)
	}
	return nil
}

func (r *RedisTransport) Subscribe(ctx context.Context, topic string, handler func(payload []byte)) (func(), error) {
	sub := r.client.Subscribe(ctx, topic)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("redis transport: subscribe %s: %w", topic, err)
	}

	log := logging.Adapter()
	ch := sub.Channel()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		if err := sub.Close(); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("closing redis subscription")
		}
	}, nil
}

func (r *RedisTransport) Close() error {
	return r.client.Close()
}
