package adapter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMembershipSizeCountsRecentHeartbeats(t *testing.T) {
	m := NewMembership("self", 10*time.Millisecond)
	m.Observe("self", time.Now())
	m.Observe("peer1", time.Now())
	assert.Equal(t, 2, m.Size())
}

func TestMembershipDropsStaleNodes(t *testing.T) {
	m := NewMembership("self", 10*time.Millisecond)
	m.Observe("self", time.Now())
	m.Observe("peer1", time.Now().Add(-1*time.Second))
	assert.Equal(t, 1, m.Size())
}
