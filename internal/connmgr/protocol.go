// Package connmgr implements the per-socket connection state machine
// driving the Pusher handshake, subscription lifecycle, and presence
// semantics (spec §4.E). It owns no transport: each Socket holds the
// bounded outbound queue its frames are written onto, and the
// gateway package (§4.I) is the only thing that touches gorilla's
// websocket.Conn directly.
package connmgr

import "encoding/json"

// Frame is the generic Pusher wire shape: {"event", "channel"?,
// "data"}. data is left as json.RawMessage because its shape depends
// on the event: a JSON object for protocol events, an opaque string
// for client events (spec §6).
type Frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Client-to-server protocol event names.
const (
	EventPing        = "pusher:ping"
	EventPong        = "pusher:pong"
	EventSubscribe   = "pusher:subscribe"
	EventUnsubscribe = "pusher:unsubscribe"
	EventSignin      = "pusher:signin"
)

// Server-to-client protocol event names.
const (
	EventConnectionEstablished  = "pusher:connection_established"
	EventError                  = "pusher:error"
	EventSubscriptionError       = "pusher:subscription_error"
	EventSubscriptionSucceeded   = "pusher_internal:subscription_succeeded"
	EventSigninSuccess           = "pusher_internal:signin_success"
)

const clientEventPrefix = "client-"

func isClientEvent(event string) bool {
	return len(event) > len(clientEventPrefix) && event[:len(clientEventPrefix)] == clientEventPrefix
}

// connectionEstablishedData is the payload of pusher:connection_established.
type connectionEstablishedData struct {
	SocketID       string `json:"socket_id"`
	ActivityTimeout int   `json:"activity_timeout"`
}

type subscribeData struct {
	Channel     string          `json:"channel"`
	Auth        string          `json:"auth,omitempty"`
	ChannelData string          `json:"channel_data,omitempty"`
}

type channelDataPayload struct {
	UserID   string          `json:"user_id"`
	UserInfo json.RawMessage `json:"user_info,omitempty"`
}

type unsubscribeData struct {
	Channel string `json:"channel"`
}

type subscriptionErrorData struct {
	Status int `json:"status"`
	Code   int `json:"code"`
}

type errorData struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

type presenceSubscriptionData struct {
	Presence presenceInfo `json:"presence"`
}

type presenceInfo struct {
	Count int                        `json:"count"`
	IDs   []string                   `json:"ids"`
	Hash  map[string]json.RawMessage `json:"hash"`
}

type signinData struct {
	Auth     string          `json:"auth"`
	UserData json.RawMessage `json:"user_data"`
}

type signinSuccessData struct {
	UserData json.RawMessage `json:"user_data"`
}

// signinChannel is the pseudo-channel name pusher:signin's auth
// signature is computed over, since signin has no real channel of its
// own (spec §4.E step 7).
const signinChannel = "pusher:user_auth"

func mustMarshal(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}

// mustMarshalString double-encodes v: once to JSON, then again as a
// JSON string literal wrapping that JSON. Real Pusher clients call
// JSON.parse on a frame's data a second time for pusher:connection_established
// and pusher_internal:subscription_succeeded (spec §8 scenarios 1, 2),
// so those two frames embed data as a string rather than a raw object.
func mustMarshalString(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		b = []byte("{}")
	}
	quoted, err := json.Marshal(string(b))
	if err != nil {
		return json.RawMessage(`"{}"`)
	}
	return json.RawMessage(quoted)
}
