package connmgr

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/pulsehub-io/pulsehub/internal/adapter"
	"github.com/pulsehub-io/pulsehub/internal/apperr"
	"github.com/pulsehub-io/pulsehub/internal/appregistry"
	"github.com/pulsehub-io/pulsehub/internal/channelregistry"
	"github.com/pulsehub-io/pulsehub/internal/config"
	"github.com/pulsehub-io/pulsehub/internal/logging"
	"github.com/pulsehub-io/pulsehub/internal/quota"
	"github.com/pulsehub-io/pulsehub/internal/signature"
	"github.com/pulsehub-io/pulsehub/internal/webhook"
)

// connectBurst and connectWindow bound how many handshakes one remote
// address may start per window, independent of any per-app connection
// ceiling.
const (
	connectBurst  = 20
	connectWindow = 10 * time.Second

	// genericErrorFrameCode fills pusher:error's numeric code field
	// for failures that carry no dedicated close code.
	genericErrorFrameCode = 4200
	// clientEventRateLimitCode is the error code a client receives in
	// the data of a rejected client event; it does not close the
	// connection.
	clientEventRateLimitCode = 4301
)

// Manager orchestrates every socket's handshake, subscription, and
// close lifecycle (spec §4.E), wiring together the channel registry,
// the app registry, quota enforcement, the cluster adapter, and
// webhook intents. One Manager serves every socket on a node.
type Manager struct {
	cfg      *config.Config
	registry *channelregistry.Registry
	apps     *appregistry.Registry
	quota    *quota.Limiter
	adapter  adapter.Adapter
	webhooks *webhook.Batcher

	mu      sync.RWMutex
	sockets map[string]*Socket
}

// NewManager wires a Manager over its collaborators. The adapter is
// set separately via SetAdapter, since adapters constructed over
// Delivery (Local, PubSub) need the Manager itself as their Delivery
// implementation and so cannot exist before it does.
func NewManager(cfg *config.Config, registry *channelregistry.Registry, apps *appregistry.Registry, limiter *quota.Limiter, webhooks *webhook.Batcher) *Manager {
	return &Manager{
		cfg:      cfg,
		registry: registry,
		apps:     apps,
		quota:    limiter,
		webhooks: webhooks,
		sockets:  make(map[string]*Socket),
	}
}

// SetAdapter installs the cluster adapter. Must be called before any
// socket is accepted.
func (m *Manager) SetAdapter(a adapter.Adapter) {
	m.adapter = a
}

// Accept validates a handshake against the app registry and the
// connection quota, then registers a new Socket and queues its
// pusher:connection_established frame. The caller (the gateway) owns
// the transport and must close it itself if a non-nil *apperr.AppError
// comes back.
func (m *Manager) Accept(ctx context.Context, appKey, socketID, remoteAddr string) (*Socket, *appregistry.Application, *apperr.AppError) {
	app, err := m.apps.FindByKey(ctx, appKey)
	if err != nil {
		if errors.Is(err, appregistry.ErrNotFound) {
			return nil, nil, &apperr.AppError{Code: apperr.CodeAppNotFound, Message: "no application for this key", StatusCode: 404, CloseCode: apperr.CloseAppNotFound}
		}
		return nil, nil, apperr.Internal(err)
	}
	if !app.Enabled {
		return nil, nil, &apperr.AppError{Code: apperr.CodeAppDisabled, Message: "application is disabled", StatusCode: 403, CloseCode: apperr.CloseAppDisabled}
	}

	if rejErr := m.quota.Consume(app.ID, quota.CategoryConnect, remoteAddr, connectBurst, connectWindow, 1); rejErr != nil {
		return nil, nil, apperr.Quota(apperr.CodeRateLimited, "too many connection attempts", 0)
	}

	if app.MaxConnections > 0 {
		count, err := m.adapter.SocketsCount(ctx, app.ID)
		if err == nil && count >= app.MaxConnections {
			return nil, nil, apperr.Quota(apperr.CodeConnectionQuota, "connection quota exceeded", apperr.CloseConnectionQuota)
		}
	}

	socket := NewSocket(socketID, app.ID, remoteAddr, m.cfg.OutboundQueueSize)
	m.mu.Lock()
	m.sockets[socketID] = socket
	m.mu.Unlock()
	socket.setState(StateEstablished)

	m.sendStringData(socket, EventConnectionEstablished, "", connectionEstablishedData{
		SocketID:        socketID,
		ActivityTimeout: int(m.cfg.ActivityTimeout.Seconds()),
	})
	return socket, app, nil
}

// HandleFrame parses and dispatches one inbound WebSocket text frame.
func (m *Manager) HandleFrame(ctx context.Context, socket *Socket, raw []byte) {
	socket.Touch()

	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		m.sendError(socket, apperr.Protocol(apperr.CodeMalformedFrame, "could not parse frame"))
		return
	}

	app, err := m.apps.FindByID(ctx, socket.AppID)
	if err != nil {
		m.sendError(socket, apperr.Internal(err))
		return
	}

	switch {
	case frame.Event == EventPing:
		m.send(socket, EventPong, "", struct{}{})
	case frame.Event == EventPong:
		// Touch() above already cleared pendingPong.
	case frame.Event == EventSubscribe:
		var d subscribeData
		if err := json.Unmarshal(frame.Data, &d); err != nil {
			m.sendError(socket, apperr.Protocol(apperr.CodeMalformedFrame, "malformed subscribe data"))
			return
		}
		m.handleSubscribe(ctx, socket, app, d)
	case frame.Event == EventUnsubscribe:
		var d unsubscribeData
		if err := json.Unmarshal(frame.Data, &d); err != nil {
			m.sendError(socket, apperr.Protocol(apperr.CodeMalformedFrame, "malformed unsubscribe data"))
			return
		}
		m.handleUnsubscribe(ctx, socket, app, d)
	case frame.Event == EventSignin:
		var d signinData
		if err := json.Unmarshal(frame.Data, &d); err != nil {
			m.sendError(socket, apperr.Protocol(apperr.CodeMalformedFrame, "malformed signin data"))
			return
		}
		m.handleSignin(socket, app, d)
	case isClientEvent(frame.Event):
		m.handleClientEvent(ctx, socket, app, frame)
	default:
		m.sendError(socket, apperr.Protocol(apperr.CodeUnknownEvent, "unrecognized event: "+frame.Event))
	}
}

func (m *Manager) handleSubscribe(ctx context.Context, socket *Socket, app *appregistry.Application, d subscribeData) {
	log := logging.Gateway()

	maxLen := app.MaxChannelNameLength
	if maxLen == 0 {
		maxLen = m.cfg.MaxChannelNameLength
	}
	if err := channelregistry.ValidateName(d.Channel, maxLen); err != nil {
		m.sendSubscriptionError(socket, d.Channel, 400, genericErrorFrameCode)
		return
	}

	ctype := channelregistry.TypeOf(d.Channel)
	if ctype != channelregistry.TypePublic {
		if !signature.VerifyChannelAuth(app.Key, app.Secret, socket.ID, d.Channel, d.ChannelData, d.Auth) {
			m.sendSubscriptionError(socket, d.Channel, 401, apperr.CloseAuthFailure)
			return
		}
	}

	if socket.hasChannel(d.Channel) {
		m.ackSubscribe(ctx, socket, app, d.Channel, ctype)
		return
	}

	if app.MaxSubscriptionsPerConn > 0 && len(socket.Channels()) >= app.MaxSubscriptionsPerConn {
		m.sendSubscriptionError(socket, d.Channel, 403, apperr.CloseOverSubscribed)
		socket.RequestClose(apperr.CloseOverSubscribed)
		return
	}

	var member *channelregistry.PresenceMember
	var clusterRosterBefore map[string]string
	if ctype == channelregistry.TypePresence {
		var cd channelDataPayload
		if err := json.Unmarshal([]byte(d.ChannelData), &cd); err != nil {
			m.sendSubscriptionError(socket, d.Channel, 400, genericErrorFrameCode)
			return
		}
		member = &channelregistry.PresenceMember{UserID: cd.UserID, UserInfo: string(cd.UserInfo)}

		roster, err := m.adapter.PresenceMembers(ctx, app.ID, d.Channel)
		if err != nil {
			log.Warn().Err(err).Str("channel", d.Channel).Msg("presence roster query failed, proceeding without cap check")
			roster = nil
		}
		clusterRosterBefore = roster

		maxMembers := m.cfg.MaxPresenceMembersPerChannel
		if _, already := roster[member.UserID]; maxMembers > 0 && len(roster) >= maxMembers && !already {
			m.sendSubscriptionError(socket, d.Channel, 403, apperr.CloseOverSubscribed)
			return
		}
	}

	res := m.registry.Add(d.Channel, socket.ID, member)
	socket.addChannel(d.Channel)

	if res.FirstLocal {
		if err := m.adapter.OnLocalSubscriberAdded(ctx, app.ID, d.Channel); err != nil {
			log.Warn().Err(err).Str("channel", d.Channel).Msg("adapter subscribe failed")
		}
	}

	if channelregistry.IsCache(d.Channel) {
		if cached := m.registry.GetCache(d.Channel); cached != nil {
			m.send(socket, cached.Event, d.Channel, json.RawMessage(cached.Data))
		}
	}

	m.ackSubscribe(ctx, socket, app, d.Channel, ctype)

	if res.FirstLocal {
		if count, err := m.adapter.SubscribersCount(ctx, app.ID, d.Channel); err == nil && count == 1 {
			m.webhooks.Enqueue(app.Key, app.Secret, urlsOf(app), webhook.Intent{Name: webhook.ChannelOccupied, Channel: d.Channel})
		}
	}
	if member != nil {
		if _, existed := clusterRosterBefore[member.UserID]; !existed {
			m.webhooks.Enqueue(app.Key, app.Secret, urlsOf(app), webhook.Intent{Name: webhook.MemberAdded, Channel: d.Channel, UserID: member.UserID})
		}
	}
}

func (m *Manager) ackSubscribe(ctx context.Context, socket *Socket, app *appregistry.Application, channel string, ctype channelregistry.ChannelType) {
	if ctype != channelregistry.TypePresence {
		m.sendStringData(socket, EventSubscriptionSucceeded, channel, struct{}{})
		return
	}

	roster, err := m.adapter.PresenceMembers(ctx, app.ID, channel)
	if err != nil {
		logging.Gateway().Warn().Err(err).Str("channel", channel).Msg("presence roster query failed for ack, falling back to local")
		roster = m.registry.PresenceRoster(channel)
	}
	ids := make([]string, 0, len(roster))
	hash := make(map[string]json.RawMessage, len(roster))
	for id, info := range roster {
		ids = append(ids, id)
		if info == "" {
			hash[id] = json.RawMessage("{}")
		} else {
			hash[id] = json.RawMessage(info)
		}
	}
	m.sendStringData(socket, EventSubscriptionSucceeded, channel, presenceSubscriptionData{
		Presence: presenceInfo{Count: len(ids), IDs: ids, Hash: hash},
	})
}

func (m *Manager) handleUnsubscribe(ctx context.Context, socket *Socket, app *appregistry.Application, d unsubscribeData) {
	if !socket.hasChannel(d.Channel) {
		return
	}
	res := m.registry.Remove(d.Channel, socket.ID)
	socket.removeChannel(d.Channel)

	if res.LastLocal {
		if err := m.adapter.OnLocalSubscriberRemoved(ctx, app.ID, d.Channel); err != nil {
			logging.Gateway().Warn().Err(err).Str("channel", d.Channel).Msg("adapter unsubscribe failed")
		}
	}

	if res.LeftPresence != nil {
		roster, err := m.adapter.PresenceMembers(ctx, app.ID, d.Channel)
		if err != nil || roster == nil {
			roster = m.registry.PresenceRoster(d.Channel)
		}
		if _, still := roster[res.LeftPresence.UserID]; !still {
			m.webhooks.Enqueue(app.Key, app.Secret, urlsOf(app), webhook.Intent{Name: webhook.MemberRemoved, Channel: d.Channel, UserID: res.LeftPresence.UserID})
		}
	}

	if res.LastLocal {
		if count, err := m.adapter.SubscribersCount(ctx, app.ID, d.Channel); err == nil && count == 0 {
			m.webhooks.Enqueue(app.Key, app.Secret, urlsOf(app), webhook.Intent{Name: webhook.ChannelVacated, Channel: d.Channel})
		}
	}
}

func (m *Manager) handleClientEvent(ctx context.Context, socket *Socket, app *appregistry.Application, frame Frame) {
	ctype := channelregistry.TypeOf(frame.Channel)
	if ctype == channelregistry.TypePublic {
		m.sendError(socket, apperr.Protocol(apperr.CodeBadRequest, "client events are not allowed on public channels"))
		return
	}
	if !app.EnableClientMessages {
		m.sendError(socket, apperr.Protocol(apperr.CodeBadRequest, "client events are disabled for this application"))
		return
	}
	if !socket.hasChannel(frame.Channel) {
		m.sendError(socket, apperr.Protocol(apperr.CodeBadRequest, "not subscribed to channel"))
		return
	}

	limit := m.cfg.MaxClientEventPayloadBytes
	if limit > 0 && len(frame.Data) > limit {
		m.sendError(socket, apperr.Quota(apperr.CodePayloadTooLarge, "client event payload too large", 0))
		return
	}

	perSecond := app.MaxClientEventsPerSecond
	if perSecond > 0 {
		if rejErr := m.quota.Consume(app.ID, quota.CategoryClientEvent, socket.ID, perSecond, time.Second, 1); rejErr != nil {
			m.send(socket, EventError, "", errorData{Message: "client event rate limit exceeded", Code: clientEventRateLimitCode})
			return
		}
	}

	raw, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if err := m.adapter.Broadcast(ctx, app.ID, frame.Channel, raw, socket.ID); err != nil {
		logging.Gateway().Warn().Err(err).Str("channel", frame.Channel).Msg("client event broadcast failed")
	}
}

func (m *Manager) handleSignin(socket *Socket, app *appregistry.Application, d signinData) {
	if !signature.VerifyChannelAuth(app.Key, app.Secret, socket.ID, signinChannel, string(d.UserData), d.Auth) {
		m.sendError(socket, apperr.Auth(apperr.CodeAuthFailed, "signin signature invalid"))
		return
	}
	var cd channelDataPayload
	if err := json.Unmarshal(d.UserData, &cd); err != nil || cd.UserID == "" {
		m.sendError(socket, apperr.Protocol(apperr.CodeMalformedFrame, "signin user_data missing user_id"))
		return
	}
	socket.setUserID(cd.UserID)
	m.send(socket, EventSigninSuccess, "", signinSuccessData{UserData: d.UserData})
}

// Close runs the full cleanup sequence for a departing socket: every
// channel it held is released in the registry, cluster-wide
// occupancy/presence webhook intents fire exactly as they would for an
// explicit unsubscribe, and the socket is dropped from the directory.
func (m *Manager) Close(ctx context.Context, socket *Socket) {
	app, err := m.apps.FindByID(ctx, socket.AppID)

	channels := socket.Channels()
	results := m.registry.CleanupSocket(socket.ID, channels)

	for _, r := range results {
		if err != nil {
			continue
		}
		if r.Result.LastLocal {
			if aerr := m.adapter.OnLocalSubscriberRemoved(ctx, app.ID, r.Channel); aerr != nil {
				logging.Gateway().Warn().Err(aerr).Str("channel", r.Channel).Msg("adapter unsubscribe failed during close")
			}
		}
		if r.Result.LeftPresence != nil {
			roster, rerr := m.adapter.PresenceMembers(ctx, app.ID, r.Channel)
			if rerr != nil || roster == nil {
				roster = m.registry.PresenceRoster(r.Channel)
			}
			if _, still := roster[r.Result.LeftPresence.UserID]; !still {
				m.webhooks.Enqueue(app.Key, app.Secret, urlsOf(app), webhook.Intent{Name: webhook.MemberRemoved, Channel: r.Channel, UserID: r.Result.LeftPresence.UserID})
			}
		}
		if r.Result.LastLocal {
			if count, cerr := m.adapter.SubscribersCount(ctx, app.ID, r.Channel); cerr == nil && count == 0 {
				m.webhooks.Enqueue(app.Key, app.Secret, urlsOf(app), webhook.Intent{Name: webhook.ChannelVacated, Channel: r.Channel})
			}
		}
	}

	m.mu.Lock()
	delete(m.sockets, socket.ID)
	m.mu.Unlock()
	socket.setState(StateClosing)
}

// Sweep checks every registered socket's idle time against the
// configured activity timeout and pong grace, sending pings and
// requesting closes as needed. The process entrypoint calls this on a
// ticker.
func (m *Manager) Sweep(now time.Time) {
	m.mu.RLock()
	sockets := make([]*Socket, 0, len(m.sockets))
	for _, s := range m.sockets {
		sockets = append(sockets, s)
	}
	m.mu.RUnlock()

	for _, s := range sockets {
		idle := s.idleSince(now)
		switch {
		case s.isPendingPong() && idle > m.cfg.ActivityTimeout+m.cfg.PingGrace:
			s.RequestClose(apperr.CloseActivityTimeout)
		case !s.isPendingPong() && idle > m.cfg.ActivityTimeout:
			s.setPendingPong(true)
			m.send(s, EventPing, "", struct{}{})
		}
	}
}

// Shutdown requests closure of every locally registered socket with
// the given close code, used by the process entrypoint's graceful
// shutdown sequence. It does not wait for the sockets' write pumps to
// finish draining; the caller bounds that with its own timeout.
func (m *Manager) Shutdown(code int) {
	m.mu.RLock()
	sockets := make([]*Socket, 0, len(m.sockets))
	for _, s := range m.sockets {
		sockets = append(sockets, s)
	}
	m.mu.RUnlock()

	for _, s := range sockets {
		s.RequestClose(code)
	}
}

// Delivery implementation, consumed by the cluster adapter.

func (m *Manager) DeliverLocal(appID, channel string, message []byte, exceptSocketID string) {
	for _, id := range m.registry.Subscribers(channel) {
		if id == exceptSocketID {
			continue
		}
		m.mu.RLock()
		s, ok := m.sockets[id]
		m.mu.RUnlock()
		if ok {
			s.Enqueue(message)
		}
	}
}

func (m *Manager) LocalSubscriberCount(appID, channel string) int {
	return m.registry.LocalSubscriberCount(channel)
}

func (m *Manager) LocalPresenceMembers(appID, channel string) map[string]string {
	return m.registry.PresenceRoster(channel)
}

func (m *Manager) LocalSocketsCount(appID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.sockets {
		if s.AppID == appID {
			n++
		}
	}
	return n
}

func (m *Manager) LocalChannelsWithCounts(appID string) map[string]int {
	return m.registry.ChannelsWithCounts()
}

func (m *Manager) LocalTerminateUser(appID, userID string) {
	m.mu.RLock()
	var targets []*Socket
	for _, s := range m.sockets {
		if s.AppID == appID && s.UserID() == userID {
			targets = append(targets, s)
		}
	}
	m.mu.RUnlock()
	for _, s := range targets {
		s.RequestClose(apperr.CloseAuthFailure)
	}
}

func (m *Manager) send(socket *Socket, event, channel string, data interface{}) {
	frame := Frame{Event: event, Channel: channel, Data: mustMarshal(data)}
	raw, err := json.Marshal(frame)
	if err != nil {
		return
	}
	socket.Enqueue(raw)
}

// sendStringData emits a frame whose data is itself a JSON-encoded
// string (see mustMarshalString), the form pusher:connection_established
// and pusher_internal:subscription_succeeded use on the wire.
func (m *Manager) sendStringData(socket *Socket, event, channel string, data interface{}) {
	frame := Frame{Event: event, Channel: channel, Data: mustMarshalString(data)}
	raw, err := json.Marshal(frame)
	if err != nil {
		return
	}
	socket.Enqueue(raw)
}

func (m *Manager) sendError(socket *Socket, e *apperr.AppError) {
	code := e.CloseCode
	if code == 0 {
		code = genericErrorFrameCode
	}
	m.send(socket, EventError, "", errorData{Message: e.Message, Code: code})
}

func (m *Manager) sendSubscriptionError(socket *Socket, channel string, status, code int) {
	m.send(socket, EventSubscriptionError, channel, subscriptionErrorData{Status: status, Code: code})
}

func urlsOf(app *appregistry.Application) []string {
	out := make([]string, 0, len(app.Webhooks))
	for _, w := range app.Webhooks {
		out = append(out, w.URL)
	}
	return out
}
