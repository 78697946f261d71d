package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pulsehub-io/pulsehub/internal/logging"
)

// broadcastEnvelope carries a fan-out message over the transport.
// OriginNode lets every node (including the publisher, which Redis
// and NATS both loop messages back to when subscribed to their own
// publish topic) tell whether it already delivered the message
// locally and should skip doing so again.
type broadcastEnvelope struct {
	OriginNode     string `json:"origin_node"`
	ExceptSocketID string `json:"except_socket_id,omitempty"`
	Payload        []byte `json:"payload"`
}

// PubSub is the cluster-wide Adapter, generic over any Transport.
// Local delivery is always immediate; remote delivery and aggregate
// queries go over the transport following the topic conventions in
// spec §6.
type PubSub struct {
	transport  Transport
	delivery   Delivery
	prefix     string
	membership *Membership
	reqTimeout time.Duration

	stopHeartbeat func()

	subMu         sync.Mutex
	channelSubs   map[string]func() // topic -> unsubscribe, one per (app,channel) with local subscribers

	pendingMu sync.Mutex
	pending   map[string]chan aggregateResponse

	unsubRequests func()
	unsubReplies  func()
}

// Config configures a PubSub adapter.
type Config struct {
	Prefix            string
	HeartbeatInterval time.Duration
	RequestTimeout    time.Duration
}

// NewPubSub wires a Transport and a Delivery into a cluster-wide
// Adapter: subscribes to the requests topic (to answer queries from
// peers) and this node's private reply topic (to collect answers to
// its own queries), and starts the membership heartbeat.
func NewPubSub(ctx context.Context, transport Transport, delivery Delivery, cfg Config) (*PubSub, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "pulsehub"
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 2 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Second
	}

	ps := &PubSub{
		transport:   transport,
		delivery:    delivery,
		prefix:      cfg.Prefix,
		membership:  NewMembership(transport.NodeID(), cfg.HeartbeatInterval),
		reqTimeout:  cfg.RequestTimeout,
		channelSubs: make(map[string]func()),
		pending:     make(map[string]chan aggregateResponse),
	}

	stopHB, err := StartHeartbeat(ctx, transport, ps.presenceTopic(), ps.membership, cfg.HeartbeatInterval)
	if err != nil {
		return nil, fmt.Errorf("adapter: start heartbeat: %w", err)
	}
	ps.stopHeartbeat = stopHB

	unsubReq, err := transport.Subscribe(ctx, ps.requestsTopic(), ps.handleRequest(ctx))
	if err != nil {
		stopHB()
		return nil, fmt.Errorf("adapter: subscribe requests: %w", err)
	}
	ps.unsubRequests = unsubReq

	unsubReply, err := transport.Subscribe(ctx, ps.replyTopic(), ps.handleReply)
	if err != nil {
		unsubReq()
		stopHB()
		return nil, fmt.Errorf("adapter: subscribe replies: %w", err)
	}
	ps.unsubReplies = unsubReply

	return ps, nil
}

func (p *PubSub) presenceTopic() string  { return p.prefix + ":presence" }
func (p *PubSub) requestsTopic() string  { return p.prefix + ":requests" }
func (p *PubSub) replyTopic() string     { return p.prefix + ":responses:" + p.transport.NodeID() }

// Broadcast delivers locally first (immediate, per spec §4.F), then
// publishes for remote nodes to pick up.
func (p *PubSub) Broadcast(ctx context.Context, appID, channel string, message []byte, exceptSocketID string) error {
	p.delivery.DeliverLocal(appID, channel, message, exceptSocketID)

	env := broadcastEnvelope{OriginNode: p.transport.NodeID(), ExceptSocketID: exceptSocketID, Payload: message}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("adapter: marshal envelope: %w", err)
	}
	return p.transport.Publish(ctx, topicFor(p.prefix, appID, channel), payload)
}

// OnLocalSubscriberAdded subscribes to the channel's fan-out topic on
// first local subscriber, bounding fan-in to channels this node
// actually needs (spec §4.F).
func (p *PubSub) OnLocalSubscriberAdded(ctx context.Context, appID, channel string) error {
	topic := topicFor(p.prefix, appID, channel)

	p.subMu.Lock()
	defer p.subMu.Unlock()
	if _, ok := p.channelSubs[topic]; ok {
		return nil
	}

	unsub, err := p.transport.Subscribe(ctx, topic, p.handleBroadcast(appID, channel))
	if err != nil {
		return fmt.Errorf("adapter: subscribe %s: %w", topic, err)
	}
	p.channelSubs[topic] = unsub
	return nil
}

// OnLocalSubscriberRemoved drops the topic subscription once this
// node no longer has any local subscriber for the channel.
func (p *PubSub) OnLocalSubscriberRemoved(ctx context.Context, appID, channel string) error {
	topic := topicFor(p.prefix, appID, channel)

	p.subMu.Lock()
	defer p.subMu.Unlock()
	unsub, ok := p.channelSubs[topic]
	if !ok {
		return nil
	}
	unsub()
	delete(p.channelSubs, topic)
	return nil
}

func (p *PubSub) handleBroadcast(appID, channel string) func([]byte) {
	log := logging.Adapter()
	return func(payload []byte) {
		var env broadcastEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			log.Warn().Err(err).Str("app_id", appID).Str("channel", channel).Msg("discarding malformed broadcast envelope")
			return
		}
		if env.OriginNode == p.transport.NodeID() {
			return // already delivered locally in Broadcast
		}
		p.delivery.DeliverLocal(appID, channel, env.Payload, env.ExceptSocketID)
	}
}

// SubscribersCount aggregates across the cluster via request/response.
func (p *PubSub) SubscribersCount(ctx context.Context, appID, channel string) (int, error) {
	resps, err := p.query(ctx, aggregateRequest{Kind: kindSubscribersCount, AppID: appID, Channel: channel})
	if err != nil {
		return 0, err
	}
	total := 0
	for _, r := range resps {
		total += r.Count
	}
	return total, nil
}

// PresenceMembers unions rosters across the cluster, first-writer
// wins on conflicting user_info for the same user_id.
func (p *PubSub) PresenceMembers(ctx context.Context, appID, channel string) (map[string]string, error) {
	resps, err := p.query(ctx, aggregateRequest{Kind: kindPresenceMembers, AppID: appID, Channel: channel})
	if err != nil {
		return nil, err
	}
	merged := make(map[string]string)
	for _, r := range resps {
		for userID, info := range r.Presence {
			if _, exists := merged[userID]; !exists {
				merged[userID] = info
			}
		}
	}
	return merged, nil
}

func (p *PubSub) SocketsCount(ctx context.Context, appID string) (int, error) {
	resps, err := p.query(ctx, aggregateRequest{Kind: kindSocketsCount, AppID: appID})
	if err != nil {
		return 0, err
	}
	total := 0
	for _, r := range resps {
		total += r.Count
	}
	return total, nil
}

func (p *PubSub) ChannelsWithCounts(ctx context.Context, appID string) (map[string]int, error) {
	resps, err := p.query(ctx, aggregateRequest{Kind: kindChannelsWithCounts, AppID: appID})
	if err != nil {
		return nil, err
	}
	merged := make(map[string]int)
	for _, r := range resps {
		for ch, count := range r.ChannelsCounts {
			merged[ch] += count
		}
	}
	return merged, nil
}

// TerminateUser fans the instruction out cluster-wide and does not
// wait for responses; each node acts on its own local sockets.
func (p *PubSub) TerminateUser(ctx context.Context, appID, userID string) error {
	p.delivery.LocalTerminateUser(appID, userID)

	req := aggregateRequest{ReqID: uuid.NewString(), Kind: kindTerminateUser, AppID: appID, UserID: userID, ReplyTo: p.replyTopic()}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return p.transport.Publish(ctx, p.requestsTopic(), payload)
}

// query publishes an aggregate request and collects responses until
// either every currently-known node has answered or reqTimeout
// elapses. A node that misses the window contributes zero and is
// logged as a partial result, never blocking the caller.
func (p *PubSub) query(ctx context.Context, req aggregateRequest) ([]aggregateResponse, error) {
	req.ReqID = uuid.NewString()
	req.ReplyTo = p.replyTopic()
	req.ExpectedResponders = p.membership.Size()

	ch := make(chan aggregateResponse, req.ExpectedResponders+1)
	p.pendingMu.Lock()
	p.pending[req.ReqID] = ch
	p.pendingMu.Unlock()
	defer func() {
		p.pendingMu.Lock()
		delete(p.pending, req.ReqID)
		p.pendingMu.Unlock()
	}()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if err := p.transport.Publish(ctx, p.requestsTopic(), payload); err != nil {
		return nil, fmt.Errorf("adapter: publish request: %w", err)
	}

	timeout := time.NewTimer(p.reqTimeout)
	defer timeout.Stop()

	var responses []aggregateResponse
	want := req.ExpectedResponders
	if want <= 0 {
		want = 1
	}
	for len(responses) < want {
		select {
		case resp := <-ch:
			responses = append(responses, resp)
		case <-timeout.C:
			logging.Adapter().Warn().
				Str("req_id", req.ReqID).
				Int("expected", want).
				Int("received", len(responses)).
				Msg("aggregate query timed out, treating missing nodes as partial")
			return responses, nil
		case <-ctx.Done():
			return responses, ctx.Err()
		}
	}
	return responses, nil
}

func (p *PubSub) handleReply(payload []byte) {
	var resp aggregateResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		logging.Adapter().Warn().Err(err).Msg("discarding malformed aggregate response")
		return
	}
	p.pendingMu.Lock()
	ch, ok := p.pending[resp.ReqID]
	p.pendingMu.Unlock()
	if !ok {
		return // response to a request we've already timed out on
	}
	select {
	case ch <- resp:
	default:
	}
}

func (p *PubSub) handleRequest(ctx context.Context) func([]byte) {
	log := logging.Adapter()
	return func(payload []byte) {
		var req aggregateRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			log.Warn().Err(err).Msg("discarding malformed aggregate request")
			return
		}

		resp := aggregateResponse{ReqID: req.ReqID, NodeID: p.transport.NodeID()}
		switch req.Kind {
		case kindSubscribersCount:
			resp.Count = p.delivery.LocalSubscriberCount(req.AppID, req.Channel)
		case kindPresenceMembers:
			resp.Presence = p.delivery.LocalPresenceMembers(req.AppID, req.Channel)
		case kindSocketsCount:
			resp.Count = p.delivery.LocalSocketsCount(req.AppID)
		case kindChannelsWithCounts:
			resp.ChannelsCounts = p.delivery.LocalChannelsWithCounts(req.AppID)
		case kindTerminateUser:
			if req.ReplyTo != p.replyTopic() { // the origin already acted in TerminateUser
				p.delivery.LocalTerminateUser(req.AppID, req.UserID)
			}
			return // one-way instruction, no response expected
		default:
			log.Warn().Str("kind", string(req.Kind)).Msg("unknown aggregate request kind")
			return
		}

		payload, err := json.Marshal(resp)
		if err != nil {
			log.Error().Err(err).Msg("marshal aggregate response")
			return
		}
		if err := p.transport.Publish(ctx, req.ReplyTo, payload); err != nil {
			log.Warn().Err(err).Msg("publish aggregate response")
		}
	}
}

// Close stops the heartbeat and every subscription this adapter owns.
func (p *PubSub) Close() error {
	if p.stopHeartbeat != nil {
		p.stopHeartbeat()
	}
	if p.unsubRequests != nil {
		p.unsubRequests()
	}
	if p.unsubReplies != nil {
		p.unsubReplies()
	}
	p.subMu.Lock()
	for _, unsub := range p.channelSubs {
		unsub()
	}
	p.subMu.Unlock()
	return p.transport.Close()
}
