package appregistry

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store, suitable for tests and
// single-node demo deployments. Safe for concurrent use.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*Application
	byKey  map[string]*Application
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]*Application),
		byKey: make(map[string]*Application),
	}
}

// Put registers or replaces an application. Enforces the key
// uniqueness invariant from spec §3 by rejecting registration of a
// key already bound to a different app id.
func (m *MemoryStore) Put(app *Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byKey[app.Key]; ok && existing.ID != app.ID {
		return &KeyConflictError{Key: app.Key}
	}
	m.byID[app.ID] = app
	m.byKey[app.Key] = app
	return nil
}

// KeyConflictError reports an attempt to register a key already used
// by a different application.
type KeyConflictError struct {
	Key string
}

func (e *KeyConflictError) Error() string {
	return "appregistry: key already in use: " + e.Key
}

func (m *MemoryStore) FindByID(ctx context.Context, id string) (*Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	app, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return app, nil
}

func (m *MemoryStore) FindByKey(ctx context.Context, key string) (*Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	app, ok := m.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	return app, nil
}
