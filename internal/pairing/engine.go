package pairing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"wcsign/go-backend/internal/crypto"
	"wcsign/go-backend/internal/jsonrpc"
	"wcsign/go-backend/internal/storage"
	"wcsign/go-backend/pkg/models"
)

const (
	ProposedTTL = 5 * time.Minute
	ActiveTTL   = 30 * 24 * time.Hour

	CodeUserDisconnected = 6000
)

var (
	ErrInvalidURI     = errors.New("invalid pairing uri")
	ErrNotFound       = errors.New("pairing not found")
	ErrExpired        = errors.New("pairing expired")
	ErrAlreadyActive  = errors.New("pairing already exists and is active")
	ErrMissingSymKey  = errors.New("pairing has no symmetric key")
	ErrUnsupportedRPC = errors.New("pairing relay protocol not supported")
)

// Pairing is the long lived channel between two apps, keyed by its topic.
type Pairing struct {
	Topic        string              `json:"topic"`
	Expiry       time.Time           `json:"expiry"`
	Relay        models.Relay        `json:"relay"`
	PeerMetadata *models.AppMetadata `json:"peerMetadata,omitempty"`
	Active       bool                `json:"active"`
	Methods      []string            `json:"methods,omitempty"`
	URI          string              `json:"uri,omitempty"`
}

func (p Pairing) Expired(now time.Time) bool {
	return now.After(p.Expiry)
}

type EventType string

const (
	EventActivated EventType = "activated"
	EventDeleted   EventType = "deleted"
	EventExpired   EventType = "expired"
	EventPing      EventType = "ping"
)

type Event struct {
	Type  EventType
	Topic string
}

// Subscriber is the part of the relay connection the engine drives.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (string, error)
	Unsubscribe(ctx context.Context, topic string) error
}

type Options struct {
	Keys   crypto.KeyStore
	Relay  Subscriber
	RPC    *jsonrpc.Interactor
	Store  *storage.Table[Pairing]
	Logger *slog.Logger
	Now    func() time.Time
}

type Engine struct {
	keys     crypto.KeyStore
	relay    Subscriber
	rpc      *jsonrpc.Interactor
	pairings *storage.Table[Pairing]
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.RWMutex
	methods []string
	events  chan Event
}

func NewEngine(opts Options) *Engine {
	e := &Engine{
		keys:     opts.Keys,
		relay:    opts.Relay,
		rpc:      opts.RPC,
		pairings: opts.Store,
		logger:   opts.Logger,
		now:      opts.Now,
		events:   make(chan Event, 64),
	}
	if e.pairings == nil {
		e.pairings = storage.NewTable[Pairing]()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	e.rpc.HandleRequest(jsonrpc.MethodPairingPing, e.onPing)
	e.rpc.HandleRequest(jsonrpc.MethodPairingDelete, e.onDelete)
	return e
}

func (e *Engine) Events() <-chan Event { return e.events }

// RegisterMethods adds to the wc_ methods advertised in pairings created from now on.
func (e *Engine) RegisterMethods(methods ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, m := range methods {
		if !slices.Contains(e.methods, m) {
			e.methods = append(e.methods, m)
		}
	}
}

// Create starts a pairing we advertise through a URI. It stays inactive until the peer pings or approves.
func (e *Engine) Create(ctx context.Context, methods ...string) (*URI, Pairing, error) {
	symKey, err := crypto.GenerateSymKey()
	if err != nil {
		return nil, Pairing{}, err
	}
	topic := crypto.TopicFromKey(symKey)
	if err := e.keys.SetSymKey(topic, symKey); err != nil {
		return nil, Pairing{}, err
	}
	if len(methods) == 0 {
		e.mu.RLock()
		methods = append([]string(nil), e.methods...)
		e.mu.RUnlock()
	}
	expiry := e.now().Add(ProposedTTL)
	uri := &URI{
		Topic:           topic,
		Version:         protocolVersion,
		SymKey:          symKey.Hex(),
		Relay:           models.DefaultRelay(),
		ExpiryTimestamp: expiry.Unix(),
		Methods:         methods,
	}
	p := Pairing{
		Topic:   topic,
		Expiry:  expiry,
		Relay:   uri.Relay,
		Methods: methods,
		URI:     uri.String(),
	}
	if err := e.pairings.Put(topic, p); err != nil {
		return nil, Pairing{}, err
	}
	if _, err := e.relay.Subscribe(ctx, topic); err != nil {
		return nil, Pairing{}, err
	}
	e.logger.Info("pairing created", "topic", topic, "expiry", expiry)
	return uri, p, nil
}

// Pair accepts a scanned URI, storing its key and subscribing to its topic.
func (e *Engine) Pair(ctx context.Context, rawURI string, activate bool) (Pairing, error) {
	uri := ParseURI(rawURI)
	if uri == nil {
		return Pairing{}, ErrInvalidURI
	}
	if uri.Relay.Protocol != models.DefaultRelayProtocol {
		return Pairing{}, fmt.Errorf("%w: %s", ErrUnsupportedRPC, uri.Relay.Protocol)
	}
	symKey, err := crypto.ParseSymKey(uri.SymKey)
	if err != nil {
		return Pairing{}, fmt.Errorf("%w: %w", ErrInvalidURI, err)
	}
	if crypto.TopicFromKey(symKey) != uri.Topic {
		return Pairing{}, fmt.Errorf("%w: topic does not match key", ErrInvalidURI)
	}
	now := e.now()
	expiry := now.Add(ProposedTTL)
	if uri.ExpiryTimestamp > 0 {
		expiry = time.Unix(uri.ExpiryTimestamp, 0)
		if now.After(expiry) {
			return Pairing{}, ErrExpired
		}
	}
	if existing, ok := e.pairings.Get(uri.Topic); ok && existing.Active && !existing.Expired(now) {
		return existing, ErrAlreadyActive
	}

	if err := e.keys.SetSymKey(uri.Topic, symKey); err != nil {
		return Pairing{}, err
	}
	p := Pairing{
		Topic:   uri.Topic,
		Expiry:  expiry,
		Relay:   uri.Relay,
		Methods: uri.Methods,
	}
	if err := e.pairings.Put(p.Topic, p); err != nil {
		return Pairing{}, err
	}
	if _, err := e.relay.Subscribe(ctx, p.Topic); err != nil {
		return Pairing{}, err
	}
	e.logger.Info("pairing accepted", "topic", p.Topic)
	if activate {
		return e.Activate(p.Topic)
	}
	return p, nil
}

// Activate moves a pairing to Active and extends it to the full TTL.
func (e *Engine) Activate(topic string) (Pairing, error) {
	if _, err := e.keys.GetSymKey(topic); err != nil {
		return Pairing{}, fmt.Errorf("%w: %w", ErrMissingSymKey, err)
	}
	var out Pairing
	err := e.pairings.Update(func(rows map[string]Pairing) error {
		p, ok := rows[topic]
		if !ok {
			return ErrNotFound
		}
		p.Active = true
		p.Expiry = e.now().Add(ActiveTTL)
		rows[topic] = p
		out = p
		return nil
	})
	if err != nil {
		return Pairing{}, err
	}
	e.emit(Event{Type: EventActivated, Topic: topic})
	return out, nil
}

func (e *Engine) UpdateMetadata(topic string, metadata models.AppMetadata) error {
	return e.pairings.Update(func(rows map[string]Pairing) error {
		p, ok := rows[topic]
		if !ok {
			return ErrNotFound
		}
		meta := metadata
		p.PeerMetadata = &meta
		rows[topic] = p
		return nil
	})
}

// Get returns a live pairing. An expired one is removed on the way.
func (e *Engine) Get(ctx context.Context, topic string) (Pairing, error) {
	p, ok := e.pairings.Get(topic)
	if !ok {
		return Pairing{}, ErrNotFound
	}
	if p.Expired(e.now()) {
		e.expire(ctx, topic)
		return Pairing{}, ErrExpired
	}
	return p, nil
}

func (e *Engine) List(ctx context.Context) []Pairing {
	out := make([]Pairing, 0)
	now := e.now()
	for _, p := range e.pairings.Values() {
		if p.Expired(now) {
			e.expire(ctx, p.Topic)
			continue
		}
		out = append(out, p)
	}
	return out
}

// ExpireStale drops every expired pairing and reports how many went.
func (e *Engine) ExpireStale(ctx context.Context) int {
	before := e.pairings.Len()
	_ = e.List(ctx)
	return before - e.pairings.Len()
}

// Ping round-trips wc_pairingPing; an answer proves the peer holds the key.
func (e *Engine) Ping(ctx context.Context, topic string) error {
	if _, err := e.Get(ctx, topic); err != nil {
		return err
	}
	if _, err := e.rpc.RequestAwait(ctx, topic, jsonrpc.MethodPairingPing, struct{}{}); err != nil {
		return err
	}
	_, err := e.Activate(topic)
	return err
}

// Disconnect tells the peer and removes every trace of the pairing locally.
func (e *Engine) Disconnect(ctx context.Context, topic string) error {
	if _, err := e.Get(ctx, topic); err != nil {
		return err
	}
	_, err := e.rpc.Request(ctx, topic, jsonrpc.MethodPairingDelete, DeleteParams{
		Code:    CodeUserDisconnected,
		Message: "User disconnected.",
	})
	if cerr := e.cleanup(ctx, topic); cerr != nil {
		return cerr
	}
	e.emit(Event{Type: EventDeleted, Topic: topic})
	return err
}

type DeleteParams struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Engine) onPing(ctx context.Context, in jsonrpc.Inbound, req jsonrpc.Request) {
	if _, err := e.Get(ctx, in.Topic); err != nil {
		_ = e.rpc.RespondError(ctx, in.Topic, req.ID, jsonrpc.CodeInvalidRequest, err.Error())
		return
	}
	if err := e.rpc.Respond(ctx, in.Topic, req.ID, true); err != nil {
		e.logger.Warn("pairing ping response failed", "topic", in.Topic, "reason", err.Error())
		return
	}
	if _, err := e.Activate(in.Topic); err != nil {
		e.logger.Warn("pairing activation failed", "topic", in.Topic, "reason", err.Error())
	}
	e.emit(Event{Type: EventPing, Topic: in.Topic})
}

func (e *Engine) onDelete(ctx context.Context, in jsonrpc.Inbound, req jsonrpc.Request) {
	if _, ok := e.pairings.Get(in.Topic); !ok {
		_ = e.rpc.RespondError(ctx, in.Topic, req.ID, jsonrpc.CodeInvalidRequest, ErrNotFound.Error())
		return
	}
	_ = e.rpc.Respond(ctx, in.Topic, req.ID, true)
	if err := e.cleanup(ctx, in.Topic); err != nil {
		e.logger.Warn("pairing cleanup failed", "topic", in.Topic, "reason", err.Error())
		return
	}
	e.logger.Info("pairing deleted by peer", "topic", in.Topic)
	e.emit(Event{Type: EventDeleted, Topic: in.Topic})
}

func (e *Engine) expire(ctx context.Context, topic string) {
	if err := e.cleanup(ctx, topic); err != nil {
		e.logger.Warn("expired pairing cleanup failed", "topic", topic, "reason", err.Error())
		return
	}
	e.emit(Event{Type: EventExpired, Topic: topic})
}

// cleanup leaves no decryptable state for topic behind.
func (e *Engine) cleanup(ctx context.Context, topic string) error {
	if err := e.relay.Unsubscribe(ctx, topic); err != nil {
		e.logger.Debug("pairing unsubscribe failed", "topic", topic, "reason", err.Error())
	}
	if err := e.keys.DeleteTopic(topic); err != nil {
		return err
	}
	if _, err := e.rpc.History().DeleteByTopic(topic); err != nil {
		return err
	}
	return e.pairings.Delete(topic)
}

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.logger.Debug("pairing event dropped", "type", string(ev.Type), "topic", ev.Topic)
	}
}
