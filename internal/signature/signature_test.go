package signature

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelAuthRoundTrip(t *testing.T) {
	auth := ChannelAuth("demo-key", "s", "1.1", "private-x", "")
	assert.True(t, VerifyChannelAuth("demo-key", "s", "1.1", "private-x", "", auth))
}

func TestChannelAuthMatchesScenario2(t *testing.T) {
	auth := ChannelAuth("demo-key", "s", "1.1", "private-x", "")
	require.True(t, strHasPrefix(auth, "demo-key:"))
}

func strHasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func TestChannelAuthWrongSecretFails(t *testing.T) {
	auth := ChannelAuth("demo-key", "wrong-secret", "1.1", "private-x", "")
	assert.False(t, VerifyChannelAuth("demo-key", "s", "1.1", "private-x", "", auth))
}

func TestChannelAuthBindsChannelData(t *testing.T) {
	a1 := ChannelAuth("k", "s", "1.1", "presence-room", `{"user_id":"1"}`)
	a2 := ChannelAuth("k", "s", "1.1", "presence-room", `{"user_id":"2"}`)
	assert.NotEqual(t, a1, a2)
}

func TestAPIRequestRoundTrip(t *testing.T) {
	q := url.Values{}
	q.Set("auth_key", "demo-key")
	q.Set("auth_timestamp", "1700000000")
	q.Set("auth_version", "1.0")
	req := APIRequest{Method: "POST", Path: "/apps/demo-app/events", Query: q, Body: []byte(`{"name":"msg"}`)}

	sig := SignAPIRequest("secret", req)
	now := time.Unix(1700000000, 0)
	err := VerifyAPIRequest("demo-key", "secret", req, sig, now)
	require.NoError(t, err)
}

func TestAPIRequestRejectsBitFlip(t *testing.T) {
	q := url.Values{}
	q.Set("auth_key", "demo-key")
	q.Set("auth_timestamp", "1700000000")
	q.Set("auth_version", "1.0")
	req := APIRequest{Method: "POST", Path: "/apps/demo-app/events", Query: q, Body: []byte(`{"name":"msg"}`)}

	sig := SignAPIRequest("secret", req)
	now := time.Unix(1700000000, 0)

	req.Body = []byte(`{"name":"msg2"}`)
	err := VerifyAPIRequest("demo-key", "secret", req, sig, now)
	assert.Error(t, err)
}

func TestAPIRequestRejectsTimestampSkew(t *testing.T) {
	q := url.Values{}
	q.Set("auth_key", "demo-key")
	q.Set("auth_timestamp", "1700000000")
	q.Set("auth_version", "1.0")
	req := APIRequest{Method: "POST", Path: "/p", Query: q}
	sig := SignAPIRequest("secret", req)

	now := time.Unix(1700000000, 0).Add(20 * time.Minute)
	err := VerifyAPIRequest("demo-key", "secret", req, sig, now)
	assert.Error(t, err)
}

func TestWebhookSignatureDeterministic(t *testing.T) {
	body := []byte(`{"time_ms":1,"events":[]}`)
	assert.Equal(t, WebhookSignature("secret", body), WebhookSignature("secret", body))
	assert.NotEqual(t, WebhookSignature("secret", body), WebhookSignature("other", body))
}
