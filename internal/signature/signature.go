// Package signature implements the two HMAC-SHA256 signing contracts
// the server relies on for authentication: the per-subscription
// channel auth token used by private/presence/encrypted channels, and
// the Pusher v1.1-style canonical-string signature used to authorize
// HTTP control API calls.
//
// Both verification paths use constant-time comparison
// (crypto/hmac.Equal) so that signature correctness never leaks
// through response timing.
package signature

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// MaxTimestampSkew is the allowed drift between a request's
// auth_timestamp and the server's clock before the request is
// rejected as expired.
const MaxTimestampSkew = 600 * time.Second

// ChannelAuth computes the subscription auth token for a socket
// subscribing to a channel, optionally binding presence channel_data.
//
//	token = app_key + ":" + hex(HMAC_SHA256(app_secret, socketID + ":" + channel [+ ":" + channelData]))
func ChannelAuth(appKey, appSecret, socketID, channel, channelData string) string {
	msg := socketID + ":" + channel
	if channelData != "" {
		msg += ":" + channelData
	}
	return appKey + ":" + hexHMAC(appSecret, msg)
}

// VerifyChannelAuth checks a client-supplied auth token against the
// expected value in constant time.
func VerifyChannelAuth(appKey, appSecret, socketID, channel, channelData, auth string) bool {
	expected := ChannelAuth(appKey, appSecret, socketID, channel, channelData)
	return hmac.Equal([]byte(expected), []byte(auth))
}

// APIRequest is the subset of an HTTP control API request the
// canonical string is built from.
type APIRequest struct {
	Method string
	Path   string
	Query  url.Values // all params except auth_signature
	Body   []byte     // raw request body, empty for GET
}

// CanonicalString builds the Pusher v1.1 canonical string:
// "METHOD\nPATH\nsorted&urlencoded(params)". If Body is non-empty the
// caller is expected to have already set body_md5 in Query.
func (r APIRequest) CanonicalString() string {
	keys := make([]string, 0, len(r.Query))
	for k := range r.Query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(r.Query.Get(k)))
	}
	return r.Method + "\n" + r.Path + "\n" + strings.Join(parts, "&")
}

// SignAPIRequest returns the hex HMAC-SHA256 of the request's
// canonical string under the app secret, populating body_md5 in
// Query when the body is non-empty.
func SignAPIRequest(appSecret string, r APIRequest) string {
	if len(r.Body) > 0 {
		sum := md5.Sum(r.Body)
		r.Query.Set("body_md5", hex.EncodeToString(sum[:]))
	}
	return hexHMAC(appSecret, r.CanonicalString())
}

// VerifyAPIRequest validates auth_key, auth_timestamp, auth_version,
// body_md5 (if a body is present), and the signature itself. now is
// injected for testability.
func VerifyAPIRequest(appKey, appSecret string, r APIRequest, signature string, now time.Time) error {
	if r.Query.Get("auth_key") != appKey {
		return fmt.Errorf("signature: auth_key mismatch")
	}
	if r.Query.Get("auth_version") != "1.0" {
		return fmt.Errorf("signature: unsupported auth_version")
	}
	tsRaw := r.Query.Get("auth_timestamp")
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return fmt.Errorf("signature: invalid auth_timestamp")
	}
	skew := now.Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxTimestampSkew {
		return fmt.Errorf("signature: auth_timestamp skew %s exceeds limit", skew)
	}
	if len(r.Body) > 0 {
		sum := md5.Sum(r.Body)
		if r.Query.Get("body_md5") != hex.EncodeToString(sum[:]) {
			return fmt.Errorf("signature: body_md5 mismatch")
		}
	}
	expected := hexHMAC(appSecret, r.CanonicalString())
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("signature: mismatch")
	}
	return nil
}

// WebhookSignature signs a webhook POST body the way subscribers are
// expected to verify it: hex HMAC-SHA256 under the app secret.
func WebhookSignature(appSecret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func hexHMAC(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}
