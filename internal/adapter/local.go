package adapter

import "context"

// Local is the single-node Adapter: every aggregate query is
// answered purely from Delivery's local view, and broadcasts never
// leave the process. Used for standalone deployments and as the
// baseline every PubSub-backed variant must behave identically to
// within a single node.
type Local struct {
	delivery Delivery
}

// NewLocal wraps a Delivery implementation with no cluster fan-out.
func NewLocal(delivery Delivery) *Local {
	return &Local{delivery: delivery}
}

func (l *Local) Broadcast(ctx context.Context, appID, channel string, message []byte, exceptSocketID string) error {
	l.delivery.DeliverLocal(appID, channel, message, exceptSocketID)
	return nil
}

func (l *Local) SubscribersCount(ctx context.Context, appID, channel string) (int, error) {
	return l.delivery.LocalSubscriberCount(appID, channel), nil
}

func (l *Local) PresenceMembers(ctx context.Context, appID, channel string) (map[string]string, error) {
	return l.delivery.LocalPresenceMembers(appID, channel), nil
}

func (l *Local) SocketsCount(ctx context.Context, appID string) (int, error) {
	return l.delivery.LocalSocketsCount(appID), nil
}

func (l *Local) ChannelsWithCounts(ctx context.Context, appID string) (map[string]int, error) {
	return l.delivery.LocalChannelsWithCounts(appID), nil
}

func (l *Local) TerminateUser(ctx context.Context, appID, userID string) error {
	l.delivery.LocalTerminateUser(appID, userID)
	return nil
}

func (l *Local) OnLocalSubscriberAdded(ctx context.Context, appID, channel string) error   { return nil }
func (l *Local) OnLocalSubscriberRemoved(ctx context.Context, appID, channel string) error { return nil }
func (l *Local) Close() error                                                             { return nil }
