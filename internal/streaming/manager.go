// Package streaming fans chat messages out to WebSocket subscribers, with a
// per-channel replay buffer and a Redis relay between instances.
package streaming

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types.
const (
	EventMessage = "message"
	EventDeleted = "message_deleted"
)

// Event is one chat event delivered to subscribers.
type Event struct {
	ChannelID string    `json:"channel_id"`
	Type      string    `json:"type"`
	MessageID string    `json:"message_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	UserName  string    `json:"user_name,omitempty"`
	Body      string    `json:"body,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Seq       uint64    `json:"seq"`
}

// Marshal returns the JSON encoding of e.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// DefaultCapacity is the replay buffer size per channel.
const DefaultCapacity = 256

// Manager provides in-memory pub/sub per chat channel.
type Manager struct {
	mu          sync.Mutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
	dropped     func(channelID string)
}

func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// OnDrop registers a callback for subscribers cut off for being slow.
func (m *Manager) OnDrop(fn func(channelID string)) {
	m.mu.Lock()
	m.dropped = fn
	m.mu.Unlock()
}

// Subscribe adds a subscriber. The caller must drain the channel and call
// Unsubscribe. A closed channel means the subscriber fell behind and was
// dropped.
func (m *Manager) Subscribe(channelID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[channelID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[channelID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes ch. Dropped subscribers are already gone.
func (m *Manager) Unsubscribe(channelID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(channelID, ch)
}

func (m *Manager) removeLocked(channelID string, ch chan Event) bool {
	subs, ok := m.subscribers[channelID]
	if !ok {
		return false
	}
	if _, ok := subs[ch]; !ok {
		return false
	}
	delete(subs, ch)
	close(ch)
	if len(subs) == 0 {
		delete(m.subscribers, channelID)
	}
	return true
}

// Publish assigns the next sequence number, records evt for replay and
// delivers it without blocking. Subscribers with a full buffer are dropped.
func (m *Manager) Publish(channelID string, evt Event) Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	rg := m.history[channelID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[channelID] = rg
	}
	rg.nextSeq++
	evt.ChannelID = channelID
	evt.Seq = rg.nextSeq
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	rg.push(evt)

	for ch := range m.subscribers[channelID] {
		select {
		case ch <- evt:
		default:
			m.removeLocked(channelID, ch)
			if m.dropped != nil {
				m.dropped(channelID)
			}
		}
	}
	return evt
}

// ReplaySince returns buffered events with Seq > since, oldest first.
func (m *Manager) ReplaySince(channelID string, since uint64) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	rg := m.history[channelID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Subscribers counts live subscribers on a channel.
func (m *Manager) Subscribers(channelID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscribers[channelID])
}

// ring is a fixed-capacity buffer of the most recent events.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
