package webhook

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	body      wireBody
	signature string
	key       string
}

func newCapturingServer(t *testing.T, out *[]capturedRequest, mu *sync.Mutex) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body wireBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		*out = append(*out, capturedRequest{
			body:      body,
			signature: r.Header.Get("X-Pusher-Signature"),
			key:       r.Header.Get("X-Pusher-Key"),
		})
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
}

func TestBatcherDeliversOneBatchForMultipleIntents(t *testing.T) {
	var mu sync.Mutex
	var captured []capturedRequest
	srv := newCapturingServer(t, &captured, &mu)
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BatchDuration = 20 * time.Millisecond
	b := NewBatcher(cfg)

	b.Enqueue("key1", "secret", []string{srv.URL}, Intent{Name: ChannelOccupied, Channel: "c"})
	b.Enqueue("key1", "secret", []string{srv.URL}, Intent{Name: MemberAdded, Channel: "c", UserID: "u1"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(captured) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, captured[0].body.Events, 2)
	assert.Equal(t, "key1", captured[0].key, "X-Pusher-Key must carry the app's public key, not its internal id")
	assert.NotEmpty(t, captured[0].signature)
}

func TestBatcherSeparatesByURL(t *testing.T) {
	var mu sync.Mutex
	var captured1, captured2 []capturedRequest
	srv1 := newCapturingServer(t, &captured1, &mu)
	defer srv1.Close()
	srv2 := newCapturingServer(t, &captured2, &mu)
	defer srv2.Close()

	cfg := DefaultConfig()
	cfg.BatchDuration = 10 * time.Millisecond
	b := NewBatcher(cfg)

	b.Enqueue("key1", "secret", []string{srv1.URL, srv2.URL}, Intent{Name: ChannelOccupied, Channel: "c"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(captured1) == 1 && len(captured2) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestBatcherDropsAfterMaxAttempts(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BatchDuration = 5 * time.Millisecond
	cfg.MaxAttempts = 2
	cfg.BaseBackoff = 5 * time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	b := NewBatcher(cfg)

	b.Enqueue("key1", "secret", []string{srv.URL}, Intent{Name: ChannelOccupied, Channel: "c"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	}, time.Second, 5*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls, "must not retry beyond max attempts")
}
