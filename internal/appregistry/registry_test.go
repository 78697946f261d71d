package appregistry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(id, key string, enabled bool) *Application {
	return &Application{ID: id, Key: key, Secret: "s", Enabled: enabled}
}

func TestMemoryStoreKeyUniqueness(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Put(newTestApp("app1", "key1", true)))
	err := store.Put(newTestApp("app2", "key1", true))
	require.Error(t, err)
	var conflict *KeyConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestMemoryStoreNotFound(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.FindByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

type countingStore struct {
	calls int
	app   *Application
}

func (c *countingStore) FindByID(ctx context.Context, id string) (*Application, error) {
	c.calls++
	if c.app == nil {
		return nil, ErrNotFound
	}
	return c.app, nil
}

func (c *countingStore) FindByKey(ctx context.Context, key string) (*Application, error) {
	c.calls++
	if c.app == nil {
		return nil, ErrNotFound
	}
	return c.app, nil
}

func TestRegistryCachesBetweenLookups(t *testing.T) {
	backend := &countingStore{app: newTestApp("app1", "key1", true)}
	reg := New(backend, time.Minute)

	for i := 0; i < 5; i++ {
		app, err := reg.FindByID(context.Background(), "app1")
		require.NoError(t, err)
		assert.Equal(t, "key1", app.Key)
	}
	assert.Equal(t, 1, backend.calls, "subsequent lookups should be served from cache")
}

func TestRegistryExpiresAfterTTL(t *testing.T) {
	backend := &countingStore{app: newTestApp("app1", "key1", true)}
	reg := New(backend, 10*time.Millisecond)

	_, err := reg.FindByID(context.Background(), "app1")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = reg.FindByID(context.Background(), "app1")
	require.NoError(t, err)
	assert.Equal(t, 2, backend.calls)
}

func TestRegistryInvalidate(t *testing.T) {
	backend := &countingStore{app: newTestApp("app1", "key1", true)}
	reg := New(backend, time.Minute)

	app, err := reg.FindByID(context.Background(), "app1")
	require.NoError(t, err)
	reg.Invalidate(app)
	_, err = reg.FindByID(context.Background(), "app1")
	require.NoError(t, err)
	assert.Equal(t, 2, backend.calls)
}

func TestRegistryPropagatesNotFound(t *testing.T) {
	backend := &countingStore{}
	reg := New(backend, time.Minute)
	_, err := reg.FindByKey(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
