package adapter

import (
	"sync"
)

// fakeDelivery is a test double implementing Delivery purely in
// memory, standing in for whatever owns the channel registry and
// live sockets.
type fakeDelivery struct {
	mu        sync.Mutex
	delivered []deliveredMsg
	subs      map[string]int // appID+channel -> subscriber count
	presence  map[string]map[string]string
	sockets   map[string]int
	terminated []string
}

type deliveredMsg struct {
	AppID, Channel, Except string
	Payload                []byte
}

func newFakeDelivery() *fakeDelivery {
	return &fakeDelivery{
		subs:     make(map[string]int),
		presence: make(map[string]map[string]string),
		sockets:  make(map[string]int),
	}
}

func key(appID, channel string) string { return appID + "|" + channel }

func (f *fakeDelivery) DeliverLocal(appID, channel string, message []byte, except string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, deliveredMsg{AppID: appID, Channel: channel, Except: except, Payload: message})
}

func (f *fakeDelivery) LocalSubscriberCount(appID, channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[key(appID, channel)]
}

func (f *fakeDelivery) LocalPresenceMembers(appID, channel string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.presence[key(appID, channel)]
}

func (f *fakeDelivery) LocalSocketsCount(appID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sockets[appID]
}

func (f *fakeDelivery) LocalChannelsWithCounts(appID string) map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int)
	for k, v := range f.subs {
		out[k] = v // appID prefix not stripped; fine for single-app tests
	}
	return out
}

func (f *fakeDelivery) LocalTerminateUser(appID, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, appID+":"+userID)
}

func (f *fakeDelivery) setSubs(appID, channel string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[key(appID, channel)] = n
}

func (f *fakeDelivery) setPresence(appID, channel string, roster map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presence[key(appID, channel)] = roster
}
