package relay

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotConnected = errors.New("relay not connected")
	ErrQueueFull    = errors.New("relay publish queue is full")
	ErrRateLimited  = errors.New("relay publish rate limited")
	ErrClosed       = errors.New("relay transport closed")
	ErrDisconnected = errors.New("relay disconnect requested")
)

// IrnParams are the relay delivery hints attached to every publish.
type IrnParams struct {
	Tag    int           `json:"tag"`
	TTL    time.Duration `json:"-"`
	Prompt bool          `json:"prompt"`
}

func (p IrnParams) TTLSeconds() int64 {
	return int64(p.TTL / time.Second)
}

// InboundMessage is one relay delivery. Duplicates are expected after reconnects.
type InboundMessage struct {
	Topic       string
	Message     string
	PublishedAt time.Time
	Attestation string
}

// Transport is one physical connection. A new one is created for every dial.
type Transport interface {
	Name() string
	Open(ctx context.Context, handler func(InboundMessage)) error
	Close() error
	// Done is closed when the connection ends for any reason; Err then explains why.
	Done() <-chan struct{}
	Err() error
	Subscribe(ctx context.Context, topic string) (string, error)
	Unsubscribe(ctx context.Context, topic, subscriptionID string) error
	Publish(ctx context.Context, topic, message string, params IrnParams) error
}

type TransportFactory func() (Transport, error)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// DisconnectReason is ConnectionFailed or ConnectionClosed.
type DisconnectReason interface {
	isDisconnectReason()
	String() string
}

// ConnectionFailed means the dial (or resubscribe) never produced a usable connection.
type ConnectionFailed struct {
	Cause error
}

// ConnectionClosed means an established connection ended.
type ConnectionClosed struct {
	Reason string
}

func (ConnectionFailed) isDisconnectReason() {}
func (ConnectionClosed) isDisconnectReason() {}

func (r ConnectionFailed) String() string {
	return fmt.Sprintf("connection failed: %v", r.Cause)
}

func (r ConnectionClosed) String() string {
	if r.Reason == "" {
		return "connection closed"
	}
	return "connection closed: " + r.Reason
}

// ConnectionEvent is emitted on the States stream. Reason is nil for Connected.
type ConnectionEvent struct {
	State  State
	Reason DisconnectReason
	At     time.Time
}
