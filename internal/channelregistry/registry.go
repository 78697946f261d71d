// Package channelregistry maintains, per node, the map of channel
// name to the sockets subscribed to it, together with presence
// rosters and per-channel last-event caches. It is sharded by
// channel-name hash so that unrelated channels never contend on the
// same lock, matching the concurrency profile the resource model
// calls for.
package channelregistry

import (
	"hash/fnv"
	"regexp"
	"sync"
	"time"
)

const numShards = 32

// ChannelType is derived from a channel name's prefix (spec §3).
type ChannelType int

const (
	TypePublic ChannelType = iota
	TypePrivate
	TypePrivateEncrypted
	TypePresence
)

// TypeOf derives a channel's type from its name prefix.
func TypeOf(name string) ChannelType {
	switch {
	case hasPrefix(name, "private-encrypted-"):
		return TypePrivateEncrypted
	case hasPrefix(name, "private-"):
		return TypePrivate
	case hasPrefix(name, "presence-"):
		return TypePresence
	default:
		return TypePublic
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// IsCache reports whether a channel name carries the cache- infix
// that enables last-event replay (e.g. "private-cache-foo").
func IsCache(name string) bool {
	return cacheInfix.MatchString(name)
}

var (
	validChannelName = regexp.MustCompile(`^[A-Za-z0-9_\-=@,.;]+$`)
	cacheInfix       = regexp.MustCompile(`^(private-|presence-|private-encrypted-)?cache-`)
)

// ValidateName enforces the max-length and charset invariants from
// spec §4.D. maxLen is the app's configured max_channel_name_length.
func ValidateName(name string, maxLen int) error {
	if len(name) == 0 || len(name) > maxLen {
		return ErrInvalidName
	}
	if !validChannelName.MatchString(name) {
		return ErrInvalidName
	}
	return nil
}

// ErrInvalidName is returned by ValidateName for a channel name that
// fails length or charset validation. Add does not validate names;
// callers run ValidateName before Add.
var ErrInvalidName = errInvalidName{}

type errInvalidName struct{}

func (errInvalidName) Error() string { return "channelregistry: invalid channel name" }

// PresenceMember is a single joined user on a presence channel
// (spec §3).
type PresenceMember struct {
	UserID   string
	UserInfo string // opaque JSON, passed through verbatim
}

type presenceEntry struct {
	member  PresenceMember
	sockets map[string]struct{}
}

// ChannelState is a shard's view of one channel.
type ChannelState struct {
	subscribers map[string]struct{}
	presence    map[string]*presenceEntry // nil for non-presence channels
	cached      *CachedEvent
}

// CachedEvent is the last event stored for a cache- channel, replayed
// to new subscribers before the subscription_succeeded ack (spec §9's
// fixed "replay first, ack after" ordering).
type CachedEvent struct {
	Event string
	Data  string
	TS    time.Time
}

type shard struct {
	mu       sync.RWMutex
	channels map[string]*ChannelState
}

// Registry is the sharded channel membership table for one node.
type Registry struct {
	shards  [numShards]*shard
	cacheTTL time.Duration
}

// New builds an empty Registry. cacheTTL governs how long a cache-
// channel's last event remains replayable.
func New(cacheTTL time.Duration) *Registry {
	r := &Registry{cacheTTL: cacheTTL}
	for i := range r.shards {
		r.shards[i] = &shard{channels: make(map[string]*ChannelState)}
	}
	return r
}

func (r *Registry) shardFor(channel string) *shard {
	h := fnv.New32a()
	h.Write([]byte(channel))
	return r.shards[h.Sum32()%numShards]
}

// AddResult reports the occupancy-transition facts Add observed
// locally; first_global is filled in by the adapter (spec §4.F), not
// here.
type AddResult struct {
	FirstLocal bool
}

// Add subscribes socketID to channel, creating local channel state on
// first use. For presence channels, member must be non-nil.
func (r *Registry) Add(channel, socketID string, member *PresenceMember) AddResult {
	sh := r.shardFor(channel)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cs, ok := sh.channels[channel]
	firstLocal := false
	if !ok {
		cs = &ChannelState{subscribers: make(map[string]struct{})}
		if TypeOf(channel) == TypePresence {
			cs.presence = make(map[string]*presenceEntry)
		}
		sh.channels[channel] = cs
		firstLocal = true
	}
	cs.subscribers[socketID] = struct{}{}

	if member != nil && cs.presence != nil {
		pe, ok := cs.presence[member.UserID]
		if !ok {
			pe = &presenceEntry{member: *member, sockets: make(map[string]struct{})}
			cs.presence[member.UserID] = pe
		}
		pe.sockets[socketID] = struct{}{}
	}

	return AddResult{FirstLocal: firstLocal}
}

// RemoveResult reports what Remove observed locally.
type RemoveResult struct {
	LastLocal    bool
	LeftPresence *PresenceMember // non-nil only if this was the user's last socket in the channel
}

// Remove unsubscribes socketID from channel. If the socket was the
// last local subscriber, the channel's local state is dropped (cache
// excepted — see SetCache).
func (r *Registry) Remove(channel, socketID string) RemoveResult {
	sh := r.shardFor(channel)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cs, ok := sh.channels[channel]
	if !ok {
		return RemoveResult{}
	}
	delete(cs.subscribers, socketID)

	var left *PresenceMember
	if cs.presence != nil {
		for userID, pe := range cs.presence {
			if _, joined := pe.sockets[socketID]; joined {
				delete(pe.sockets, socketID)
				if len(pe.sockets) == 0 {
					delete(cs.presence, userID)
					m := pe.member
					left = &m
				}
				break
			}
		}
	}

	lastLocal := len(cs.subscribers) == 0
	if lastLocal && cs.cached == nil {
		delete(sh.channels, channel)
	}
	return RemoveResult{LastLocal: lastLocal, LeftPresence: left}
}

// CleanupSocket removes socketID from every channel it had joined.
// Callers must track a socket's subscribed_channels set themselves
// (spec §3's Socket.subscribed_channels) and pass that set in;
// this keeps the registry from needing a reverse index of its own.
func (r *Registry) CleanupSocket(socketID string, channels []string) []struct {
	Channel string
	Result  RemoveResult
} {
	out := make([]struct {
		Channel string
		Result  RemoveResult
	}, 0, len(channels))
	for _, ch := range channels {
		out = append(out, struct {
			Channel string
			Result  RemoveResult
		}{Channel: ch, Result: r.Remove(ch, socketID)})
	}
	return out
}

// Subscribers returns the local socket set for a channel.
func (r *Registry) Subscribers(channel string) []string {
	sh := r.shardFor(channel)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	cs, ok := sh.channels[channel]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(cs.subscribers))
	for id := range cs.subscribers {
		out = append(out, id)
	}
	return out
}

// PresenceRoster returns the full presence map for a channel: user_id
// -> user_info. Empty for non-presence or unknown channels.
func (r *Registry) PresenceRoster(channel string) map[string]string {
	sh := r.shardFor(channel)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	cs, ok := sh.channels[channel]
	if !ok || cs.presence == nil {
		return nil
	}
	out := make(map[string]string, len(cs.presence))
	for userID, pe := range cs.presence {
		out[userID] = pe.member.UserInfo
	}
	return out
}

// SetCache stores the most recent event for a cache- channel.
func (r *Registry) SetCache(channel, event, data string) {
	sh := r.shardFor(channel)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cs, ok := sh.channels[channel]
	if !ok {
		cs = &ChannelState{subscribers: make(map[string]struct{})}
		sh.channels[channel] = cs
	}
	cs.cached = &CachedEvent{Event: event, Data: data, TS: time.Now()}
}

// GetCache returns the cached event for a channel if one exists and
// has not expired under cacheTTL.
func (r *Registry) GetCache(channel string) *CachedEvent {
	sh := r.shardFor(channel)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	cs, ok := sh.channels[channel]
	if !ok || cs.cached == nil {
		return nil
	}
	if r.cacheTTL > 0 && time.Since(cs.cached.TS) > r.cacheTTL {
		return nil
	}
	return cs.cached
}

// LocalSubscriberCount returns the local subscriber count for a
// channel, used by the adapter when answering aggregate queries.
func (r *Registry) LocalSubscriberCount(channel string) int {
	return len(r.Subscribers(channel))
}

// ChannelsWithCounts returns every channel with at least one local
// subscriber and its local subscriber count.
func (r *Registry) ChannelsWithCounts() map[string]int {
	out := make(map[string]int)
	for _, sh := range r.shards {
		sh.mu.RLock()
		for name, cs := range sh.channels {
			if len(cs.subscribers) > 0 {
				out[name] = len(cs.subscribers)
			}
		}
		sh.mu.RUnlock()
	}
	return out
}
