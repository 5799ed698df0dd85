package ipc

import (
	"sync"

	"github.com/bdaemon/agentd/internal/daemonlog"
)

// subscriberBufferSize bounds how far a slow subscriber can lag before
// its oldest unread event is dropped in favor of the newest one.
const subscriberBufferSize = 64

// subscriber is one connection's view onto a session's event stream.
type subscriber struct {
	ch chan Event
}

// Hub fans session events out to every connection subscribed to that
// session. One broadcast channel is created lazily on first subscribe
// and torn down once its last subscriber leaves. The mutex is never
// held across a channel send.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]map[*subscriber]struct{}
	sequence int64
}

// NewHub builds an empty Hub.
func NewHub() *Hub {
	return &Hub{sessions: map[string]map[*subscriber]struct{}{}}
}

// Subscribe registers a new subscriber for sessionID, creating the
// broadcast set if this is the first subscriber. The returned channel
// receives every subsequent Publish for this session until Unsubscribe
// is called with the same subscriber handle.
func (h *Hub) Subscribe(sessionID string) (sub *subscriber, events <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.sessions[sessionID]
	if !ok {
		set = map[*subscriber]struct{}{}
		h.sessions[sessionID] = set
	}
	s := &subscriber{ch: make(chan Event, subscriberBufferSize)}
	set[s] = struct{}{}
	return s, s.ch
}

// Unsubscribe removes sub from sessionID's broadcast set, closing its
// channel, and tears the set down entirely once it is empty.
func (h *Hub) Unsubscribe(sessionID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.sessions[sessionID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	close(sub.ch)
	if len(set) == 0 {
		delete(h.sessions, sessionID)
	}
}

// Publish delivers an event to every current subscriber of sessionID.
// A subscriber whose buffer is full has its oldest queued event
// dropped to make room, so one slow reader can never block the
// others; the drop is logged, not silently eaten.
func (h *Hub) Publish(sessionID string, eventType EventType, payload any) {
	h.mu.Lock()
	h.sequence++
	evt := Event{Type: eventType, Sequence: h.sequence, SessionID: sessionID, Payload: payload}
	set := h.sessions[sessionID]
	subs := make([]*subscriber, 0, len(set))
	for s := range set {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- evt:
		default:
			select {
			case <-s.ch:
				daemonlog.Logf("ipc: dropped oldest event for session %s, subscriber buffer full", sessionID)
			default:
			}
			select {
			case s.ch <- evt:
			default:
				daemonlog.Logf("ipc: dropped event for session %s, subscriber buffer full", sessionID)
			}
		}
	}
}

// NextSequence hands out the next value in the hub's global sequence
// counter without publishing anything. Used to number initial-state
// events sent directly to a newly subscribed connection so they share
// the same monotonically increasing space as subsequent Publish calls.
func (h *Hub) NextSequence() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sequence++
	return h.sequence
}

// SubscriberCount reports how many connections currently subscribe to
// sessionID.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions[sessionID])
}
