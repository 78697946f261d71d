package wsgateway

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/pulsehub-io/pulsehub/internal/adapter"
	"github.com/pulsehub-io/pulsehub/internal/appregistry"
	"github.com/pulsehub-io/pulsehub/internal/channelregistry"
	"github.com/pulsehub-io/pulsehub/internal/config"
	"github.com/pulsehub-io/pulsehub/internal/connmgr"
	"github.com/pulsehub-io/pulsehub/internal/quota"
	"github.com/pulsehub-io/pulsehub/internal/webhook"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T) (*httptest.Server, *appregistry.Application) {
	t.Helper()
	store := appregistry.NewMemoryStore()
	app := &appregistry.Application{ID: "app1", Key: "key1", Secret: "secret1", Enabled: true, MaxChannelNameLength: 200}
	require.NoError(t, store.Put(app))

	cfg := config.Default()
	cfg.ActivityTimeout = time.Minute
	registry := channelregistry.New(time.Minute)
	apps := appregistry.New(store, time.Minute)
	limiter := quota.NewLimiter(0)
	batcher := webhook.NewBatcher(webhook.DefaultConfig())

	manager := connmgr.NewManager(cfg, registry, apps, limiter, batcher)
	manager.SetAdapter(adapter.NewLocal(manager))

	gw := New(manager, 1)
	r := gin.New()
	gw.RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, app
}

func dial(t *testing.T, srv *httptest.Server, key string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/app/" + key
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestHandshakeSendsConnectionEstablished(t *testing.T) {
	srv, app := newTestServer(t)
	conn := dial(t, srv, app.Key)
	defer conn.Close()

	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame connmgr.Frame
	require.NoError(t, json.Unmarshal(raw, &frame))
	require.Equal(t, connmgr.EventConnectionEstablished, frame.Event)
}

func TestUnknownAppKeyClosesHandshake(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv, "no-such-key")
	defer conn.Close()

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected a close frame, got %v", err)
	require.Equal(t, 4001, closeErr.Code)
}

func TestSubscribeToPublicChannelSucceeds(t *testing.T) {
	srv, app := newTestServer(t)
	conn := dial(t, srv, app.Key)
	defer conn.Close()

	_, _, err := conn.ReadMessage() // pusher:connection_established
	require.NoError(t, err)

	sub, _ := json.Marshal(map[string]interface{}{
		"event": "pusher:subscribe",
		"data":  map[string]interface{}{"channel": "room-a"},
	})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, sub))

	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame connmgr.Frame
	require.NoError(t, json.Unmarshal(raw, &frame))
	require.Equal(t, connmgr.EventSubscriptionSucceeded, frame.Event)
	require.Equal(t, "room-a", frame.Channel)
}
