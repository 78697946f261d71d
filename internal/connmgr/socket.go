package connmgr

import (
	"sync"
	"time"

	"github.com/pulsehub-io/pulsehub/internal/channelregistry"
	"github.com/pulsehub-io/pulsehub/internal/logging"
)

// State is the connection's position in the handshake/subscribe/close
// lifecycle (spec §4.E).
type State int

const (
	StateHandshakePending State = iota
	StateEstablished
	StateClosing
)

// Socket is one WebSocket connection's state (spec §3). socket_id is
// assigned by the caller (the gateway) in the "<uint>.<uint>" shape
// required for Pusher wire compatibility.
type Socket struct {
	ID         string
	AppID      string
	RemoteAddr string

	mu              sync.Mutex
	state           State
	userID          string
	channels        map[string]struct{}
	presence        map[string]channelregistry.PresenceMember
	lastActivity    time.Time
	pendingPong     bool

	outbound chan []byte
	closeReq chan int
}

// NewSocket creates a socket in HandshakePending with a bounded
// outbound queue. queueSize matches spec §5's default of 64.
func NewSocket(id, appID, remoteAddr string, queueSize int) *Socket {
	return &Socket{
		ID:         id,
		AppID:      appID,
		RemoteAddr: remoteAddr,
		state:      StateHandshakePending,
		channels:   make(map[string]struct{}),
		presence:   make(map[string]channelregistry.PresenceMember),
		lastActivity: time.Now(),
		outbound:   make(chan []byte, queueSize),
		closeReq:   make(chan int, 1),
	}
}

// RequestClose asks the gateway's write pump to close the underlying
// connection with the given Pusher close code. Non-blocking: a second
// request before the first is observed is dropped.
func (s *Socket) RequestClose(code int) {
	s.setState(StateClosing)
	select {
	case s.closeReq <- code:
	default:
	}
}

// CloseRequested exposes the close-code channel for the gateway's
// write pump to select on alongside Outbound().
func (s *Socket) CloseRequested() <-chan int {
	return s.closeReq
}

// idleSince reports how long it has been since the last inbound
// frame, used by the manager's activity sweep.
func (s *Socket) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity)
}

// Enqueue writes payload to the socket's bounded outbound queue.
// Overflow policy is drop-oldest: never block the producer (spec
// §5). Returns true if an older message was dropped to make room.
func (s *Socket) Enqueue(payload []byte) bool {
	select {
	case s.outbound <- payload:
		return false
	default:
	}

	// Queue full: drop the oldest message, then enqueue this one.
	select {
	case <-s.outbound:
	default:
	}
	select {
	case s.outbound <- payload:
	default:
		// Queue was drained and refilled concurrently by the writer;
		// this is a noop lose-a-message edge case under heavy
		// concurrent drops, logged rather than retried.
		logging.Gateway().Warn().Str("socket_id", s.ID).Msg("outbound queue contention on overflow, message dropped")
	}
	return true
}

// Outbound exposes the queue for the gateway's write pump to drain.
func (s *Socket) Outbound() <-chan []byte {
	return s.outbound
}

// State returns the current connection state.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Socket) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// UserID returns the identity established by pusher:signin, empty if
// none.
func (s *Socket) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Socket) setUserID(id string) {
	s.mu.Lock()
	s.userID = id
	s.mu.Unlock()
}

// Channels returns the set of channels this socket believes it is
// subscribed to (spec §3 invariant: must equal registry membership at
// all times).
func (s *Socket) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for c := range s.channels {
		out = append(out, c)
	}
	return out
}

func (s *Socket) addChannel(ch string) {
	s.mu.Lock()
	s.channels[ch] = struct{}{}
	s.mu.Unlock()
}

func (s *Socket) removeChannel(ch string) {
	s.mu.Lock()
	delete(s.channels, ch)
	s.mu.Unlock()
}

func (s *Socket) hasChannel(ch string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.channels[ch]
	return ok
}

// Touch resets the activity clock and clears any pending pong,
// called on every inbound frame (spec §4.E step 3).
func (s *Socket) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.pendingPong = false
	s.mu.Unlock()
}

func (s *Socket) setPendingPong(v bool) {
	s.mu.Lock()
	s.pendingPong = v
	s.mu.Unlock()
}

func (s *Socket) isPendingPong() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingPong
}
