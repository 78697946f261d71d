// Package webhook batches occupancy-transition and client-event
// intents produced by the channel registry and connection manager
// into signed HTTP POSTs delivered to each tenant's bound webhook
// URLs (spec §4.G).
//
// Batching is per (app key, url): intents accumulate for a configured
// duration or until a count cap, then one POST carries the whole
// batch. Delivery is at-least-once with exponential backoff; a batch
// that exhausts its attempts is dropped and logged, never retried
// forever and never blocking the connection that produced the
// intent.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pulsehub-io/pulsehub/internal/logging"
	"github.com/pulsehub-io/pulsehub/internal/signature"
)

// Name enumerates the webhook event names from spec §3's WebhookEvent.
type Name string

const (
	ChannelOccupied   Name = "channel_occupied"
	ChannelVacated    Name = "channel_vacated"
	MemberAdded       Name = "member_added"
	MemberRemoved     Name = "member_removed"
	SubscriptionCount Name = "subscription_count"
	ClientEvent       Name = "client_event"
)

// Intent is one lifecycle event awaiting delivery.
type Intent struct {
	Name    Name
	Channel string
	UserID  string `json:"user_id,omitempty"`
	Data    string `json:"data,omitempty"`
}

// wireEvent is Intent's shape inside the delivered JSON body.
type wireEvent struct {
	Name    Name   `json:"name"`
	Channel string `json:"channel"`
	UserID  string `json:"user_id,omitempty"`
	Data    string `json:"data,omitempty"`
}

type wireBody struct {
	TimeMS int64       `json:"time_ms"`
	Events []wireEvent `json:"events"`
}

type batchKey struct {
	appKey string
	url   string
}

type pendingBatch struct {
	mu      sync.Mutex
	secret  string
	intents []Intent
	timer   *time.Timer
}

// Config tunes batching and retry behavior.
type Config struct {
	BatchDuration time.Duration
	MaxBatchSize  int // 0 = unbounded, flush purely on timer
	MaxAttempts   int
	RequestTimeout time.Duration
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
}

// DefaultConfig matches the spec's stated defaults: 50ms batching
// window, exponential backoff base 1s factor 2 cap 30s, max 5 attempts.
func DefaultConfig() Config {
	return Config{
		BatchDuration:  50 * time.Millisecond,
		MaxAttempts:    5,
		RequestTimeout: 10 * time.Second,
		BaseBackoff:    1 * time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// Batcher accumulates intents per (app key, url) and delivers them as
// signed HTTP POSTs.
type Batcher struct {
	cfg    Config
	client *http.Client

	mu      sync.Mutex
	batches map[batchKey]*pendingBatch
	closed  bool
}

// NewBatcher builds a Batcher with the given config.
func NewBatcher(cfg Config) *Batcher {
	return &Batcher{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		batches: make(map[batchKey]*pendingBatch),
	}
}

// Enqueue adds intent to the batch for every (appKey, url) pair bound
// to the application, starting that batch's timer on first use. appKey
// is the application's public key, not its internal id: it is what
// X-Pusher-Key carries, letting the receiver look up which app's
// secret to verify X-Pusher-Signature against.
func (b *Batcher) Enqueue(appKey, appSecret string, urls []string, intent Intent) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	for _, url := range urls {
		b.enqueueOne(appKey, appSecret, url, intent)
	}
}

func (b *Batcher) enqueueOne(appKey, appSecret, url string, intent Intent) {
	key := batchKey{appKey: appKey, url: url}

	b.mu.Lock()
	pb, ok := b.batches[key]
	if !ok {
		pb = &pendingBatch{secret: appSecret}
		b.batches[key] = pb
	}
	b.mu.Unlock()

	pb.mu.Lock()
	pb.secret = appSecret
	pb.intents = append(pb.intents, intent)
	startTimer := pb.timer == nil
	full := b.cfg.MaxBatchSize > 0 && len(pb.intents) >= b.cfg.MaxBatchSize
	if startTimer && !full {
		pb.timer = time.AfterFunc(b.cfg.BatchDuration, func() { b.flush(appKey, url) })
	}
	pb.mu.Unlock()

	if full {
		b.flush(appKey, url)
	}
}

func (b *Batcher) flush(appKey, url string) {
	key := batchKey{appKey: appKey, url: url}

	b.mu.Lock()
	pb, ok := b.batches[key]
	b.mu.Unlock()
	if !ok {
		return
	}

	pb.mu.Lock()
	if pb.timer != nil {
		pb.timer.Stop()
		pb.timer = nil
	}
	intents := pb.intents
	secret := pb.secret
	pb.intents = nil
	pb.mu.Unlock()

	if len(intents) == 0 {
		return
	}

	events := make([]wireEvent, len(intents))
	for i, in := range intents {
		events[i] = wireEvent{Name: in.Name, Channel: in.Channel, UserID: in.UserID, Data: in.Data}
	}
	body := wireBody{TimeMS: time.Now().UnixMilli(), Events: events}
	payload, err := json.Marshal(body)
	if err != nil {
		logging.Webhook().Error().Err(err).Str("app_key", appKey).Str("url", url).Msg("marshal webhook batch")
		return
	}

	go b.deliverWithRetry(appKey, secret, url, payload)
}

func (b *Batcher) deliverWithRetry(appKey, appSecret, url string, payload []byte) {
	log := logging.Webhook()
	backoff := b.cfg.BaseBackoff
	maxAttempts := b.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := b.deliverOnce(appKey, appSecret, url, payload)
		if err == nil {
			return
		}
		log.Error().Err(err).Str("app_key", appKey).Str("url", url).Int("attempt", attempt).Msg("webhook delivery failed")
		if attempt == maxAttempts {
			log.Error().Str("app_key", appKey).Str("url", url).Msg("webhook batch dropped after exhausting retries")
			return
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > b.cfg.MaxBackoff {
			backoff = b.cfg.MaxBackoff
		}
	}
}

func (b *Batcher) deliverOnce(appKey, appSecret, url string, payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Pusher-Key", appKey)
	req.Header.Set("X-Pusher-Signature", signature.WebhookSignature(appSecret, payload))

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: remote returned status %d", resp.StatusCode)
	}
	return nil
}

// Flush starts delivery of every pending batch now rather than when
// its timer fires; graceful shutdown uses it to send outstanding
// intents. Deliveries run in background goroutines and Flush returns
// without waiting for them to complete.
func (b *Batcher) Flush() {
	b.mu.Lock()
	keys := make([]batchKey, 0, len(b.batches))
	for k := range b.batches {
		keys = append(keys, k)
	}
	b.mu.Unlock()

	for _, k := range keys {
		b.flush(k.appKey, k.url)
	}
}

// Close stops accepting new intents.
func (b *Batcher) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}
