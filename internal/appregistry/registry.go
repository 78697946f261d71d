// Package appregistry resolves a tenant Application by id or key,
// fronting a pluggable Store with a read-through TTL cache. Storage
// drivers themselves are out of this project's core scope (spec §1);
// this package defines the Store interface plus an in-memory
// implementation and a Postgres-backed one, both interchangeable
// behind the same Registry.
package appregistry

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Application is a tenant configuration keyed by app_id, with a
// symmetric secret used for signature verification (spec §4.A, §3).
type Application struct {
	ID                       string
	Key                      string
	Secret                   string
	Enabled                  bool
	MaxConnections           int
	MaxSubscriptionsPerConn  int
	MaxClientEventsPerSecond int
	MaxChannelNameLength     int
	EnableClientMessages     bool
	Webhooks                 []WebhookBinding
}

// WebhookBinding is one (url) a tenant wants occupancy-transition and
// client events delivered to (spec §4.G).
type WebhookBinding struct {
	URL string
}

// ErrNotFound indicates no application exists for the given id/key.
// Distinct from an application existing but disabled.
var ErrNotFound = errors.New("appregistry: application not found")

// Store is the pluggable backend behind the Registry's cache.
// Implementations: memory (tests, single-node demos), postgres
// (production).
type Store interface {
	FindByID(ctx context.Context, id string) (*Application, error)
	FindByKey(ctx context.Context, key string) (*Application, error)
}

type cacheEntry struct {
	app     *Application
	expires time.Time
}

// Registry is a read-through TTL cache in front of a Store. Safe for
// concurrent use; the cache itself is read-mostly (RWMutex), matching
// the contention profile the spec's resource model describes for the
// application registry.
type Registry struct {
	store Store
	ttl   time.Duration

	mu      sync.RWMutex
	byID    map[string]cacheEntry
	byKey   map[string]cacheEntry
}

// New builds a Registry over store with the given cache TTL.
func New(store Store, ttl time.Duration) *Registry {
	return &Registry{
		store: store,
		ttl:   ttl,
		byID:  make(map[string]cacheEntry),
		byKey: make(map[string]cacheEntry),
	}
}

// FindByID returns the cached or freshly-loaded Application for id.
// Returns ErrNotFound (propagated from the Store) when unknown.
func (r *Registry) FindByID(ctx context.Context, id string) (*Application, error) {
	if app, ok := r.lookup(r.byID, id); ok {
		return app, nil
	}
	app, err := r.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	r.put(app)
	return app, nil
}

// FindByKey returns the cached or freshly-loaded Application for key.
func (r *Registry) FindByKey(ctx context.Context, key string) (*Application, error) {
	if app, ok := r.lookup(r.byKey, key); ok {
		return app, nil
	}
	app, err := r.store.FindByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	r.put(app)
	return app, nil
}

func (r *Registry) lookup(m map[string]cacheEntry, k string) (*Application, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := m[k]
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	return e.app, true
}

func (r *Registry) put(app *Application) {
	r.mu.Lock()
	defer r.mu.Unlock()
	expires := time.Now().Add(r.ttl)
	r.byID[app.ID] = cacheEntry{app: app, expires: expires}
	r.byKey[app.Key] = cacheEntry{app: app, expires: expires}
}

// Invalidate drops any cached entry for an application, forcing the
// next lookup to hit the store. Used when an application's config
// changes out of band.
func (r *Registry) Invalidate(app *Application) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, app.ID)
	delete(r.byKey, app.Key)
}
