package relay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"sync"
	"time"
)

// Bus is an in-process relay. Messages published to a topic nobody else is
// subscribed to wait in a mailbox until the first subscriber arrives.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string]map[*busTransport]string
	mailbox     map[string][]InboundMessage
	seq         uint64
}

// DefaultBus is shared by every mock transport created without an explicit bus.
var DefaultBus = NewBus()

func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string]map[*busTransport]string),
		mailbox:     make(map[string][]InboundMessage),
	}
}

// Transport returns a factory producing connections to this bus.
func (b *Bus) Transport() TransportFactory {
	return func() (Transport, error) {
		return &busTransport{bus: b, done: make(chan struct{})}, nil
	}
}

// DropAll closes every open connection as if the relay went away.
func (b *Bus) DropAll() {
	b.mu.Lock()
	seen := make(map[*busTransport]struct{})
	for _, subs := range b.subscribers {
		for t := range subs {
			seen[t] = struct{}{}
		}
	}
	b.mu.Unlock()
	for t := range seen {
		t.fail(errors.New("relay dropped connection"))
	}
}

func (b *Bus) subscribe(topic string, t *busTransport) (string, []InboundMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.subscribers[topic]
	if !ok {
		subs = make(map[*busTransport]string)
		b.subscribers[topic] = subs
	}
	if id, ok := subs[t]; ok {
		return id, nil
	}
	b.seq++
	sum := sha256.Sum256([]byte(topic + ":" + strconv.FormatUint(b.seq, 10)))
	id := hex.EncodeToString(sum[:])
	subs[t] = id
	pending := b.mailbox[topic]
	delete(b.mailbox, topic)
	return id, pending
}

func (b *Bus) unsubscribe(topic string, t *busTransport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[topic]
	delete(subs, t)
	if len(subs) == 0 {
		delete(b.subscribers, topic)
	}
}

func (b *Bus) unsubscribeAll(t *busTransport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, subs := range b.subscribers {
		delete(subs, t)
		if len(subs) == 0 {
			delete(b.subscribers, topic)
		}
	}
}

func (b *Bus) publish(from *busTransport, msg InboundMessage) {
	b.mu.Lock()
	targets := make([]*busTransport, 0, len(b.subscribers[msg.Topic]))
	for t := range b.subscribers[msg.Topic] {
		if t != from {
			targets = append(targets, t)
		}
	}
	if len(targets) == 0 {
		b.mailbox[msg.Topic] = append(b.mailbox[msg.Topic], msg)
	}
	b.mu.Unlock()
	for _, t := range targets {
		t.enqueue(msg)
	}
}

type busTransport struct {
	bus  *Bus
	done chan struct{}

	mu      sync.Mutex
	inbox   chan InboundMessage
	handler func(InboundMessage)
	err     error
	closed  bool
	once    sync.Once
}

func (t *busTransport) Name() string { return TransportMock }

func (t *busTransport) Open(_ context.Context, handler func(InboundMessage)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.handler = handler
	t.inbox = make(chan InboundMessage, 1024)
	go t.deliverLoop(t.inbox, handler)
	return nil
}

// deliverLoop hands messages to the handler one at a time, in publish order.
func (t *busTransport) deliverLoop(inbox <-chan InboundMessage, handler func(InboundMessage)) {
	for {
		select {
		case <-t.done:
			return
		case msg := <-inbox:
			if handler != nil {
				handler(msg)
			}
		}
	}
}

func (t *busTransport) enqueue(msg InboundMessage) {
	t.mu.Lock()
	inbox := t.inbox
	t.mu.Unlock()
	if inbox == nil {
		return
	}
	select {
	case inbox <- msg:
	case <-t.done:
	}
}

func (t *busTransport) Close() error {
	t.fail(ErrClosed)
	return nil
}

func (t *busTransport) fail(err error) {
	t.once.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.err = err
		t.mu.Unlock()
		t.bus.unsubscribeAll(t)
		close(t.done)
	})
}

func (t *busTransport) Done() <-chan struct{} { return t.done }

func (t *busTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *busTransport) Subscribe(_ context.Context, topic string) (string, error) {
	if t.isClosed() {
		return "", ErrClosed
	}
	id, pending := t.bus.subscribe(topic, t)
	for _, msg := range pending {
		t.enqueue(msg)
	}
	return id, nil
}

func (t *busTransport) Unsubscribe(_ context.Context, topic, _ string) error {
	if t.isClosed() {
		return ErrClosed
	}
	t.bus.unsubscribe(topic, t)
	return nil
}

func (t *busTransport) Publish(_ context.Context, topic, message string, _ IrnParams) error {
	if t.isClosed() {
		return ErrClosed
	}
	t.bus.publish(t, InboundMessage{Topic: topic, Message: message, PublishedAt: time.Now().UTC()})
	return nil
}

func (t *busTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
