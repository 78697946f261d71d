package connmgr

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsehub-io/pulsehub/internal/adapter"
	"github.com/pulsehub-io/pulsehub/internal/appregistry"
	"github.com/pulsehub-io/pulsehub/internal/channelregistry"
	"github.com/pulsehub-io/pulsehub/internal/config"
	"github.com/pulsehub-io/pulsehub/internal/quota"
	"github.com/pulsehub-io/pulsehub/internal/signature"
	"github.com/pulsehub-io/pulsehub/internal/webhook"
)

func newTestManager(t *testing.T) (*Manager, *appregistry.Application) {
	t.Helper()
	store := appregistry.NewMemoryStore()
	app := &appregistry.Application{
		ID: "app1", Key: "key1", Secret: "secret1", Enabled: true,
		MaxConnections: 100, MaxSubscriptionsPerConn: 10,
		MaxClientEventsPerSecond: 10, MaxChannelNameLength: 200,
		EnableClientMessages: true,
	}
	require.NoError(t, store.Put(app))

	cfg := config.Default()
	cfg.OutboundQueueSize = 8

	m := NewManager(cfg, channelregistry.New(time.Minute), appregistry.New(store, time.Minute), quota.NewLimiter(0), webhook.NewBatcher(webhook.DefaultConfig()))
	m.SetAdapter(adapter.NewLocal(m))
	return m, app
}

func drain(t *testing.T, s *Socket) Frame {
	t.Helper()
	select {
	case raw := <-s.Outbound():
		var f Frame
		require.NoError(t, json.Unmarshal(raw, &f))
		return f
	default:
		t.Fatal("expected a queued outbound frame, found none")
		return Frame{}
	}
}

func acceptTestSocket(t *testing.T, m *Manager, id string) *Socket {
	t.Helper()
	socket, _, aerr := m.Accept(context.Background(), "key1", id, "127.0.0.1")
	require.Nil(t, aerr)
	require.Equal(t, EventConnectionEstablished, drain(t, socket).Event)
	return socket
}

func TestConnectionEstablishedDataIsAWireString(t *testing.T) {
	m, _ := newTestManager(t)

	socket, _, aerr := m.Accept(context.Background(), "key1", "1.2", "127.0.0.1")
	require.Nil(t, aerr)
	f := drain(t, socket)
	require.Equal(t, EventConnectionEstablished, f.Event)

	// data must be a JSON string a client can JSON.parse a second time,
	// not a raw object, per the real Pusher wire protocol.
	var inner string
	require.NoError(t, json.Unmarshal(f.Data, &inner))

	var ced connectionEstablishedData
	require.NoError(t, json.Unmarshal([]byte(inner), &ced))
	assert.Equal(t, "1.2", ced.SocketID)
}

func TestAcceptRejectsUnknownKey(t *testing.T) {
	m, _ := newTestManager(t)
	_, _, aerr := m.Accept(context.Background(), "nope", "1.1", "127.0.0.1")
	require.NotNil(t, aerr)
	assert.Equal(t, "APP_NOT_FOUND", aerr.Code)
}

func TestAcceptRejectsDisabledApp(t *testing.T) {
	m, app := newTestManager(t)
	app.Enabled = false
	_, _, aerr := m.Accept(context.Background(), "key1", "1.1", "127.0.0.1")
	require.NotNil(t, aerr)
	assert.Equal(t, "APP_DISABLED", aerr.Code)
}

func TestSubscribePublicChannelSucceeds(t *testing.T) {
	m, _ := newTestManager(t)
	socket := acceptTestSocket(t, m, "1.1")

	raw, _ := json.Marshal(Frame{Event: EventSubscribe, Data: mustMarshal(subscribeData{Channel: "news"})})
	m.HandleFrame(context.Background(), socket, raw)

	f := drain(t, socket)
	assert.Equal(t, EventSubscriptionSucceeded, f.Event)
	assert.Equal(t, "news", f.Channel)
	assert.Contains(t, socket.Channels(), "news")

	var inner string
	require.NoError(t, json.Unmarshal(f.Data, &inner))
	assert.Equal(t, "{}", inner)
}

func TestSubscribePrivateChannelRequiresValidAuth(t *testing.T) {
	m, app := newTestManager(t)
	socket := acceptTestSocket(t, m, "1.1")

	raw, _ := json.Marshal(Frame{Event: EventSubscribe, Data: mustMarshal(subscribeData{Channel: "private-room", Auth: "bogus"})})
	m.HandleFrame(context.Background(), socket, raw)

	f := drain(t, socket)
	assert.Equal(t, EventSubscriptionError, f.Event)
	assert.False(t, socket.hasChannel("private-room"))

	auth := signature.ChannelAuth(app.Key, app.Secret, socket.ID, "private-room", "")
	raw, _ = json.Marshal(Frame{Event: EventSubscribe, Data: mustMarshal(subscribeData{Channel: "private-room", Auth: auth})})
	m.HandleFrame(context.Background(), socket, raw)

	f = drain(t, socket)
	assert.Equal(t, EventSubscriptionSucceeded, f.Event)
	assert.True(t, socket.hasChannel("private-room"))
}

func TestSubscribePresenceChannelAcksWithRoster(t *testing.T) {
	m, app := newTestManager(t)
	socket := acceptTestSocket(t, m, "1.1")

	channelData := `{"user_id":"u1","user_info":{"name":"Ann"}}`
	auth := signature.ChannelAuth(app.Key, app.Secret, socket.ID, "presence-room", channelData)
	raw, _ := json.Marshal(Frame{Event: EventSubscribe, Data: mustMarshal(subscribeData{Channel: "presence-room", Auth: auth, ChannelData: channelData})})
	m.HandleFrame(context.Background(), socket, raw)

	f := drain(t, socket)
	require.Equal(t, EventSubscriptionSucceeded, f.Event)
	var inner string
	require.NoError(t, json.Unmarshal(f.Data, &inner))
	var psd presenceSubscriptionData
	require.NoError(t, json.Unmarshal([]byte(inner), &psd))
	assert.Equal(t, 1, psd.Presence.Count)
	assert.Equal(t, []string{"u1"}, psd.Presence.IDs)
}

func TestUnsubscribeIsIdempotentWhenNotSubscribed(t *testing.T) {
	m, _ := newTestManager(t)
	socket := acceptTestSocket(t, m, "1.1")

	raw, _ := json.Marshal(Frame{Event: EventUnsubscribe, Data: mustMarshal(unsubscribeData{Channel: "news"})})
	m.HandleFrame(context.Background(), socket, raw)

	select {
	case <-socket.Outbound():
		t.Fatal("unsubscribe of a channel never joined must not emit a frame")
	default:
	}
}

func TestClientEventFansOutExcludingSender(t *testing.T) {
	m, app := newTestManager(t)
	sender := acceptTestSocket(t, m, "1.1")
	other := acceptTestSocket(t, m, "1.2")

	for _, s := range []*Socket{sender, other} {
		auth := signature.ChannelAuth(app.Key, app.Secret, s.ID, "private-room", "")
		raw, _ := json.Marshal(Frame{Event: EventSubscribe, Data: mustMarshal(subscribeData{Channel: "private-room", Auth: auth})})
		m.HandleFrame(context.Background(), s, raw)
		drain(t, s)
	}

	raw, _ := json.Marshal(Frame{Event: "client-ping", Channel: "private-room", Data: mustMarshal("hello")})
	m.HandleFrame(context.Background(), sender, raw)

	select {
	case <-sender.Outbound():
		t.Fatal("sender must never receive its own client event back")
	default:
	}
	f := drain(t, other)
	assert.Equal(t, "client-ping", f.Event)
}

func TestClientEventRejectedOnPublicChannel(t *testing.T) {
	m, _ := newTestManager(t)
	socket := acceptTestSocket(t, m, "1.1")

	raw, _ := json.Marshal(Frame{Event: EventSubscribe, Data: mustMarshal(subscribeData{Channel: "news"})})
	m.HandleFrame(context.Background(), socket, raw)
	drain(t, socket)

	raw, _ = json.Marshal(Frame{Event: "client-ping", Channel: "news", Data: mustMarshal("hello")})
	m.HandleFrame(context.Background(), socket, raw)

	f := drain(t, socket)
	assert.Equal(t, EventError, f.Event)
}

func TestSigninSuccessSetsUserID(t *testing.T) {
	m, app := newTestManager(t)
	socket := acceptTestSocket(t, m, "1.1")

	userData := `{"user_id":"u42"}`
	auth := signature.ChannelAuth(app.Key, app.Secret, socket.ID, signinChannel, userData)
	raw, _ := json.Marshal(Frame{Event: EventSignin, Data: mustMarshal(signinData{Auth: auth, UserData: json.RawMessage(userData)})})
	m.HandleFrame(context.Background(), socket, raw)

	f := drain(t, socket)
	assert.Equal(t, EventSigninSuccess, f.Event)
	assert.Equal(t, "u42", socket.UserID())
}

func TestSigninFailureLeavesUserIDEmpty(t *testing.T) {
	m, _ := newTestManager(t)
	socket := acceptTestSocket(t, m, "1.1")

	raw, _ := json.Marshal(Frame{Event: EventSignin, Data: mustMarshal(signinData{Auth: "bogus", UserData: json.RawMessage(`{"user_id":"u1"}`)})})
	m.HandleFrame(context.Background(), socket, raw)

	f := drain(t, socket)
	assert.Equal(t, EventError, f.Event)
	assert.Empty(t, socket.UserID())
}

func TestCloseRemovesSocketFromDirectory(t *testing.T) {
	m, _ := newTestManager(t)
	socket := acceptTestSocket(t, m, "1.1")

	raw, _ := json.Marshal(Frame{Event: EventSubscribe, Data: mustMarshal(subscribeData{Channel: "news"})})
	m.HandleFrame(context.Background(), socket, raw)
	drain(t, socket)

	m.Close(context.Background(), socket)
	assert.Equal(t, 0, m.LocalSocketsCount("app1"))
	assert.Empty(t, m.registry.Subscribers("news"))
}

func TestSweepPingsIdleSocketThenClosesAfterGrace(t *testing.T) {
	m, _ := newTestManager(t)
	m.cfg.ActivityTimeout = 0
	m.cfg.PingGrace = 0
	socket := acceptTestSocket(t, m, "1.1")

	m.Sweep(time.Now())
	f := drain(t, socket)
	assert.Equal(t, EventPing, f.Event)

	m.Sweep(time.Now())
	select {
	case code := <-socket.CloseRequested():
		assert.NotZero(t, code)
	default:
		t.Fatal("expected a close request after missed pong within grace period")
	}
}
