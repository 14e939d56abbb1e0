package client

import (
	"sync"
	"time"
)

// Notification is one client event as seen by subscribers of the hub.
type Notification struct {
	Seq       int64     `json:"seq"`
	Method    string    `json:"method"`
	Topic     string    `json:"topic,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NotificationHub fans events out to subscribers and keeps the last limit
// entries so late subscribers can catch up from a sequence number.
type NotificationHub struct {
	mu      sync.Mutex
	nextSeq int64
	limit   int
	history []Notification
	subs    map[int]chan Notification
	nextSub int
	now     func() time.Time
}

func NewNotificationHub(limit int) *NotificationHub {
	if limit < 1 {
		limit = 1
	}
	return &NotificationHub{
		limit: limit,
		subs:  make(map[int]chan Notification),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Publish records the event and hands it to every subscriber. A subscriber
// whose buffer is full is dropped rather than blocking the client.
func (h *NotificationHub) Publish(method, topic string, payload any) Notification {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextSeq++
	n := Notification{
		Seq:       h.nextSeq,
		Method:    method,
		Topic:     topic,
		Payload:   payload,
		Timestamp: h.now(),
	}
	h.history = append(h.history, n)
	if len(h.history) > h.limit {
		h.history = append([]Notification(nil), h.history[len(h.history)-h.limit:]...)
	}

	for id, ch := range h.subs {
		select {
		case ch <- n:
		default:
			close(ch)
			delete(h.subs, id)
		}
	}
	return n
}

// Subscribe returns the backlog after fromSeq plus a live channel.
func (h *NotificationHub) Subscribe(fromSeq int64) ([]Notification, <-chan Notification, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	replay := make([]Notification, 0)
	for _, n := range h.history {
		if n.Seq > fromSeq {
			replay = append(replay, n)
		}
	}

	id := h.nextSub
	h.nextSub++
	ch := make(chan Notification, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			close(sub)
			delete(h.subs, id)
		}
	}
	return replay, ch, cancel
}

// Since is the non-blocking read used by polling callers.
func (h *NotificationHub) Since(fromSeq int64, max int) []Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Notification, 0)
	for _, n := range h.history {
		if n.Seq <= fromSeq {
			continue
		}
		out = append(out, n)
		if max > 0 && len(out) == max {
			break
		}
	}
	return out
}

func (h *NotificationHub) BacklogSize() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.history)
}
