package quota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumeWithinCapacitySucceeds(t *testing.T) {
	l := NewLimiter(0)
	for i := 0; i < 5; i++ {
		err := l.Consume("app1", CategoryClientEvent, "socket1", 5, time.Second, 1)
		require.NoError(t, err)
	}
}

func TestConsumeBeyondCapacityRejects(t *testing.T) {
	l := NewLimiter(0)
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Consume("app1", CategoryClientEvent, "socket1", 5, time.Second, 1))
	}
	err := l.Consume("app1", CategoryClientEvent, "socket1", 5, time.Second, 1)
	require.Error(t, err)
	rej, ok := err.(*Rejection)
	require.True(t, ok)
	assert.GreaterOrEqual(t, rej.RetryAfter, time.Duration(0))
}

func TestBucketsAreIndependentPerIdentifier(t *testing.T) {
	l := NewLimiter(0)
	require.NoError(t, l.Consume("app1", CategoryConnect, "1.2.3.4", 1, time.Second, 1))
	// a different remote address gets its own bucket
	require.NoError(t, l.Consume("app1", CategoryConnect, "5.6.7.8", 1, time.Second, 1))
}

func TestBucketsAreIndependentPerCategory(t *testing.T) {
	l := NewLimiter(0)
	require.NoError(t, l.Consume("app1", CategoryConnect, "socket1", 1, time.Second, 1))
	require.NoError(t, l.Consume("app1", CategoryClientEvent, "socket1", 1, time.Second, 1))
}

func TestRefillOverTime(t *testing.T) {
	l := NewLimiter(0)
	require.NoError(t, l.Consume("app1", CategoryClientEvent, "s", 1, 50*time.Millisecond, 1))
	require.Error(t, l.Consume("app1", CategoryClientEvent, "s", 1, 50*time.Millisecond, 1))
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, l.Consume("app1", CategoryClientEvent, "s", 1, 50*time.Millisecond, 1))
}
