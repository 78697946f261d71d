package adapter

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pulsehub-io/pulsehub/internal/logging"
)

// heartbeatMsg is published by every node on the shared presence
// topic (spec §6) so peers can learn the current cluster size.
type heartbeatMsg struct {
	NodeID string `json:"node_id"`
	TS     int64  `json:"ts"` // unix milliseconds
}

// Membership tracks which nodes have been heard from recently via the
// heartbeat topic, and is what an aggregate request/response query
// consults to compute expected_responders (spec §4.F).
type Membership struct {
	mu           sync.RWMutex
	lastSeen     map[string]time.Time
	missedLimit  time.Duration // a node absent longer than this is considered departed
	selfNodeID   string
}

// NewMembership creates a Membership that considers a peer departed
// after missing roughly 3 heartbeat intervals (spec §6).
func NewMembership(selfNodeID string, heartbeatInterval time.Duration) *Membership {
	return &Membership{
		lastSeen:    make(map[string]time.Time),
		missedLimit: 3 * heartbeatInterval,
		selfNodeID:  selfNodeID,
	}
}

// Observe records a heartbeat from a peer (or self).
func (m *Membership) Observe(nodeID string, ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSeen[nodeID] = ts
}

// Size returns the number of nodes considered currently alive,
// including self.
func (m *Membership) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cutoff := time.Now().Add(-m.missedLimit)
	n := 0
	for _, seen := range m.lastSeen {
		if seen.After(cutoff) {
			n++
		}
	}
	return n
}

// StartHeartbeat publishes this node's presence on an interval and
// subscribes to the shared presence topic to observe peers. Returns a
// stop function.
func StartHeartbeat(ctx context.Context, transport Transport, topic string, membership *Membership, interval time.Duration) (stop func(), err error) {
	log := logging.Adapter()

	unsubscribe, err := transport.Subscribe(ctx, topic, func(payload []byte) {
		var hb heartbeatMsg
		if err := json.Unmarshal(payload, &hb); err != nil {
			log.Warn().Err(err).Msg("discarding malformed heartbeat")
			return
		}
		membership.Observe(hb.NodeID, time.UnixMilli(hb.TS))
	})
	if err != nil {
		return nil, err
	}

	membership.Observe(transport.NodeID(), time.Now())

	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				hb := heartbeatMsg{NodeID: transport.NodeID(), TS: time.Now().UnixMilli()}
				payload, _ := json.Marshal(hb)
				if err := transport.Publish(ctx, topic, payload); err != nil {
					log.Warn().Err(err).Msg("heartbeat publish failed")
				}
				membership.Observe(transport.NodeID(), time.Now())
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		ticker.Stop()
		unsubscribe()
	}, nil
}
