// Package adapter implements cluster-wide fan-out for the channel
// registry: broadcasting a message to every subscriber of a channel
// across every node, and answering aggregate queries (subscriber
// counts, presence rosters, socket counts) that span the whole
// cluster rather than one node's local state.
//
// Local is a single-node adapter used for tests and standalone
// deployments. PubSub generalizes over any Transport (Redis, NATS)
// implementing the same publish/subscribe contract, following the
// topic conventions from spec §6:
//
//	{prefix}:{app_id}:{channel}     fan-out per channel
//	{prefix}:requests               aggregate-query requests
//	{prefix}:responses:{node_id}    aggregate-query responses
//	{prefix}:presence               cluster membership heartbeat
package adapter

import "context"

// Delivery is the local-node side of fan-out: whatever owns the
// channel registry and the live sockets implements this so the
// adapter can hand it messages without knowing about connection
// management itself.
type Delivery interface {
	DeliverLocal(appID, channel string, message []byte, exceptSocketID string)
	LocalSubscriberCount(appID, channel string) int
	LocalPresenceMembers(appID, channel string) map[string]string
	LocalSocketsCount(appID string) int
	LocalChannelsWithCounts(appID string) map[string]int
	LocalTerminateUser(appID, userID string)
}

// Adapter is the cluster-wide fan-out and aggregate-query contract
// (spec §4.F).
type Adapter interface {
	// Broadcast delivers message to every subscriber of channel
	// across the cluster, skipping exceptSocketID.
	Broadcast(ctx context.Context, appID, channel string, message []byte, exceptSocketID string) error

	// SubscribersCount aggregates the subscriber count for a channel
	// across every node.
	SubscribersCount(ctx context.Context, appID, channel string) (int, error)

	// PresenceMembers unions the presence roster for a channel across
	// every node. First-writer wins on user_info conflicts.
	PresenceMembers(ctx context.Context, appID, channel string) (map[string]string, error)

	// SocketsCount aggregates the total connected-socket count for an
	// app across every node.
	SocketsCount(ctx context.Context, appID string) (int, error)

	// ChannelsWithCounts aggregates every channel with at least one
	// subscriber somewhere in the cluster, with its cluster-wide count.
	ChannelsWithCounts(ctx context.Context, appID string) (map[string]int, error)

	// TerminateUser instructs every node to close all sockets
	// belonging to userID within appID.
	TerminateUser(ctx context.Context, appID, userID string) error

	// OnLocalSubscriberAdded/Removed let the caller keep the
	// adapter's topic subscriptions bounded to channels that
	// currently have at least one local subscriber (spec §4.F: "added
	// on first local subscriber and dropped on last").
	OnLocalSubscriberAdded(ctx context.Context, appID, channel string) error
	OnLocalSubscriberRemoved(ctx context.Context, appID, channel string) error

	// Close releases any background resources (subscriptions,
	// heartbeat tickers).
	Close() error
}

func topicFor(prefix, appID, channel string) string {
	return prefix + ":" + appID + ":" + channel
}
