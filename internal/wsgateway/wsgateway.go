// Package wsgateway upgrades HTTP connections to WebSocket and pumps
// frames between gorilla's websocket.Conn and a connmgr.Socket (spec
// §4.I). It owns the only two goroutines per connection (read pump,
// write pump) and nothing else; all protocol state lives in connmgr.
package wsgateway

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/pulsehub-io/pulsehub/internal/apperr"
	"github.com/pulsehub-io/pulsehub/internal/connmgr"
	"github.com/pulsehub-io/pulsehub/internal/logging"
)

// maxFrameBytes bounds a single inbound WebSocket message before the
// per-app client-event payload cap is even consulted; it exists so a
// misbehaving client can't force an unbounded read buffer allocation.
const maxFrameBytes = 64 * 1024

// Gateway upgrades connections at /app/{key} and drives their
// read/write pumps against a connmgr.Manager.
type Gateway struct {
	manager  *connmgr.Manager
	upgrader websocket.Upgrader
	counter  uint64
	nodeID   uint32
}

// New builds a Gateway over the given Manager. nodeID seeds the
// socket_id's high half so ids stay process-unique across restarts
// within a cluster without any coordination.
func New(manager *connmgr.Manager, nodeID uint32) *Gateway {
	return &Gateway{
		manager: manager,
		nodeID:  nodeID,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

// RegisterRoutes wires GET /app/:key onto the given gin router group.
func (g *Gateway) RegisterRoutes(r gin.IRouter) {
	r.GET("/app/:key", g.handleUpgrade)
}

// nextSocketID produces the "<uint>.<uint>" shape Pusher clients
// expect, scoped to this process by nodeID and monotonically
// increasing by counter.
func (g *Gateway) nextSocketID() string {
	n := atomic.AddUint64(&g.counter, 1)
	return fmt.Sprintf("%d.%d", g.nodeID, n)
}

func (g *Gateway) handleUpgrade(c *gin.Context) {
	appKey := c.Param("key")
	remoteAddr := c.ClientIP()
	socketID := g.nextSocketID()

	log := logging.Gateway()
	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Debug().Err(err).Str("app_key", appKey).Msg("websocket upgrade failed")
		return
	}

	socket, app, aerr := g.manager.Accept(c.Request.Context(), appKey, socketID, remoteAddr)
	if aerr != nil {
		closeWithCode(conn, aerr.CloseCode, aerr.Message)
		conn.Close()
		return
	}

	log.Info().Str("app_id", app.ID).Str("socket_id", socketID).Str("remote_addr", remoteAddr).Msg("socket accepted")

	done := make(chan struct{})
	go g.writePump(conn, socket, done)
	g.readPump(conn, socket)
	close(done)

	g.manager.Close(context.Background(), socket)
}

// readPump blocks the calling goroutine, dispatching every inbound
// text frame to the manager until the connection errs or closes.
func (g *Gateway) readPump(conn *websocket.Conn, socket *connmgr.Socket) {
	defer conn.Close()
	conn.SetReadLimit(maxFrameBytes)

	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			if strings.Contains(err.Error(), "read limit exceeded") {
				closeWithCode(conn, apperr.CloseServerShutdown, "frame too large")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		g.manager.HandleFrame(context.Background(), socket, raw)
	}
}

// writePump drains the socket's outbound queue onto the wire and
// honors close requests issued by the manager (quota rejection,
// terminate_connections, server shutdown).
func (g *Gateway) writePump(conn *websocket.Conn, socket *connmgr.Socket, done <-chan struct{}) {
	defer conn.Close()

	for {
		select {
		case payload, ok := <-socket.Outbound():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case code := <-socket.CloseRequested():
			closeWithCode(conn, code, "")
			return
		case <-done:
			return
		}
	}
}

func closeWithCode(conn *websocket.Conn, code int, reason string) {
	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteMessage(websocket.CloseMessage, msg)
}

// checkOrigin mirrors the allowlist convention used elsewhere in this
// codebase: an empty allowlist permits any origin (non-browser
// clients rarely set one), otherwise the Origin header must match one
// of CORS_ALLOWED_ORIGINS verbatim.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	allowed := os.Getenv("CORS_ALLOWED_ORIGINS")
	if allowed == "" {
		return true
	}
	for _, o := range strings.Split(allowed, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}
