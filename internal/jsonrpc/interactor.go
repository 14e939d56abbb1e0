package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"wcsign/go-backend/internal/crypto"
	"wcsign/go-backend/internal/relay"
)

// Publisher is the outbound half of the relay connection.
type Publisher interface {
	Publish(ctx context.Context, topic, message string, params relay.IrnParams) error
}

// Inbound carries the transport facts of a delivered message.
type Inbound struct {
	Topic       string
	PublishedAt time.Time
	Attestation string
	Envelope    crypto.Envelope
}

type RequestHandler func(ctx context.Context, in Inbound, req Request)

type ResponseHandler func(ctx context.Context, in Inbound, rec Record, resp Response)

type sendOptions struct {
	envelopeType crypto.EnvelopeType
	participants *crypto.Participants
	irn          *relay.IrnParams
	id           int64
	answerTopic  string
}

type SendOption func(*sendOptions)

// WithEnvelope seals the message as a type 1 (or type 2) envelope.
func WithEnvelope(t crypto.EnvelopeType, participants *crypto.Participants) SendOption {
	return func(o *sendOptions) {
		o.envelopeType = t
		o.participants = participants
	}
}

// WithRequestID publishes the request under a caller chosen id.
func WithRequestID(id int64) SendOption {
	return func(o *sendOptions) { o.id = id }
}

// WithResponseTopic expects the answer on topic instead of the request topic.
func WithResponseTopic(topic string) SendOption {
	return func(o *sendOptions) { o.answerTopic = topic }
}

// WithIrnParams overrides the method's default relay hints.
func WithIrnParams(p relay.IrnParams) SendOption {
	return func(o *sendOptions) { o.irn = &p }
}

// Interactor seals, publishes and dispatches JSON-RPC traffic, recording
// every request in History before anything acts on it.
type Interactor struct {
	codec   crypto.Codec
	pub     Publisher
	history *History
	logger  *slog.Logger

	mu        sync.RWMutex
	requests  map[string]RequestHandler
	responses map[string]ResponseHandler
	waiters   map[int64]chan Response
}

func NewInteractor(codec crypto.Codec, pub Publisher, history *History, logger *slog.Logger) *Interactor {
	if logger == nil {
		logger = slog.Default()
	}
	if history == nil {
		history = NewHistory(nil)
	}
	return &Interactor{
		codec:     codec,
		pub:       pub,
		history:   history,
		logger:    logger,
		requests:  make(map[string]RequestHandler),
		responses: make(map[string]ResponseHandler),
		waiters:   make(map[int64]chan Response),
	}
}

func (i *Interactor) History() *History { return i.history }

func (i *Interactor) HandleRequest(method string, h RequestHandler) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.requests[method] = h
}

func (i *Interactor) HandleResponse(method string, h ResponseHandler) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.responses[method] = h
}

// Request publishes method on topic and returns the request id.
func (i *Interactor) Request(ctx context.Context, topic, method string, params any, opts ...SendOption) (int64, error) {
	req, err := newRequest(method, params, opts)
	if err != nil {
		return 0, err
	}
	if err := i.publishRequest(ctx, topic, req, opts...); err != nil {
		return 0, err
	}
	return req.ID, nil
}

// RequestAwait publishes method and blocks until the peer answers or ctx ends.
// A JSON-RPC error answer is returned as *ErrorObject.
func (i *Interactor) RequestAwait(ctx context.Context, topic, method string, params any, opts ...SendOption) (Response, error) {
	req, err := newRequest(method, params, opts)
	if err != nil {
		return Response{}, err
	}
	wait := make(chan Response, 1)
	i.mu.Lock()
	i.waiters[req.ID] = wait
	i.mu.Unlock()
	defer func() {
		i.mu.Lock()
		delete(i.waiters, req.ID)
		i.mu.Unlock()
	}()

	if err := i.publishRequest(ctx, topic, req, opts...); err != nil {
		return Response{}, err
	}
	select {
	case resp := <-wait:
		if resp.Error != nil {
			return resp, resp.Error
		}
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

func (i *Interactor) publishRequest(ctx context.Context, topic string, req Request, opts ...SendOption) error {
	o := applySendOptions(opts)
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := i.history.Insert(Record{
		ID:            req.ID,
		Topic:         topic,
		Method:        req.Method,
		Body:          body,
		Direction:     DirectionOutbound,
		ResponseTopic: o.answerTopic,
	}); err != nil {
		return err
	}
	irn := OptsFor(req.Method).Request
	if o.irn != nil {
		irn = *o.irn
	}
	return i.seal(ctx, topic, body, irn, o)
}

// Respond answers the inbound request id on topic with result.
func (i *Interactor) Respond(ctx context.Context, topic string, id int64, result any, opts ...SendOption) error {
	resp, err := NewResult(id, result)
	if err != nil {
		return err
	}
	return i.respond(ctx, topic, resp, opts...)
}

func (i *Interactor) RespondError(ctx context.Context, topic string, id int64, code int, message string, opts ...SendOption) error {
	return i.respond(ctx, topic, NewError(id, code, message), opts...)
}

func (i *Interactor) respond(ctx context.Context, topic string, resp Response, opts ...SendOption) error {
	rec, ok := i.history.Get(resp.ID)
	if !ok {
		return fmt.Errorf("respond to %d: %w", resp.ID, ErrRecordNotFound)
	}
	if err := i.history.SetResponse(resp.ID, resp); err != nil {
		return err
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	o := applySendOptions(opts)
	irn := OptsFor(rec.Method).Response
	if o.irn != nil {
		irn = *o.irn
	}
	if err := i.seal(ctx, topic, body, irn, o); err != nil {
		if cerr := i.history.clearResponse(resp.ID); cerr != nil {
			i.logger.Warn("unsent response not cleared", "topic", topic, "id", resp.ID, "reason", cerr.Error())
		}
		return err
	}
	return nil
}

func (i *Interactor) seal(ctx context.Context, topic string, body []byte, irn relay.IrnParams, o sendOptions) error {
	envelope, err := i.codec.Encrypt(topic, body, o.envelopeType, o.participants)
	if err != nil {
		return err
	}
	return i.pub.Publish(ctx, topic, crypto.EncodeMessage(envelope), irn)
}

// Handle opens one relay delivery and dispatches it. Duplicates and
// undecryptable messages are dropped; the returned error only explains why.
func (i *Interactor) Handle(ctx context.Context, msg relay.InboundMessage) error {
	raw, err := crypto.DecodeMessage(msg.Message)
	if err != nil {
		i.logger.Debug("relay message dropped", "topic", msg.Topic, "reason", err.Error())
		return err
	}
	plaintext, env, err := i.codec.DecryptEnvelope(msg.Topic, raw)
	if err != nil {
		i.logger.Debug("relay message dropped", "topic", msg.Topic, "reason", err.Error())
		return err
	}
	req, resp, err := DecodePayload(plaintext)
	if err != nil {
		i.logger.Debug("relay message dropped", "topic", msg.Topic, "reason", err.Error())
		return err
	}
	in := Inbound{Topic: msg.Topic, PublishedAt: msg.PublishedAt, Attestation: msg.Attestation, Envelope: env}
	if req != nil {
		return i.handleRequest(ctx, in, *req, plaintext)
	}
	return i.handleResponse(ctx, in, *resp)
}

func (i *Interactor) handleRequest(ctx context.Context, in Inbound, req Request, body []byte) error {
	err := i.history.Insert(Record{
		ID:        req.ID,
		Topic:     in.Topic,
		Method:    req.Method,
		Body:      body,
		Direction: DirectionInbound,
	})
	if errors.Is(err, ErrAlreadyExists) {
		i.replay(ctx, in.Topic, req.ID)
		return err
	}
	if err != nil {
		return err
	}

	i.mu.RLock()
	h, ok := i.requests[req.Method]
	i.mu.RUnlock()
	if !ok {
		i.logger.Warn("unsupported wc method", "method", req.Method, "topic", in.Topic)
		resp := UnsupportedMethod(req.ID, req.Method)
		return i.respond(ctx, in.Topic, resp)
	}
	h(ctx, in, req)
	return nil
}

// replay re-sends the recorded answer to a duplicated request, if there is one.
func (i *Interactor) replay(ctx context.Context, topic string, id int64) {
	rec, ok := i.history.Get(id)
	if !ok || rec.Response == nil || rec.Direction != DirectionInbound {
		i.logger.Debug("duplicate request dropped", "topic", topic, "id", id)
		return
	}
	body, err := json.Marshal(rec.Response)
	if err != nil {
		return
	}
	if err := i.seal(ctx, topic, body, OptsFor(rec.Method).Response, sendOptions{}); err != nil {
		i.logger.Debug("duplicate response replay failed", "topic", topic, "id", id, "reason", err.Error())
	}
}

func (i *Interactor) handleResponse(ctx context.Context, in Inbound, resp Response) error {
	rec, ok := i.history.Get(resp.ID)
	if !ok {
		i.logger.Debug("response for unknown request dropped", "topic", in.Topic, "id", resp.ID)
		return ErrRecordNotFound
	}
	if rec.Direction != DirectionOutbound {
		i.logger.Debug("response to an inbound request dropped", "topic", in.Topic, "id", resp.ID)
		return ErrForeignResponse
	}
	if in.Topic != rec.AnswerTopic() {
		i.logger.Warn("response on foreign topic dropped", "topic", in.Topic, "request_topic", rec.Topic, "id", resp.ID)
		return ErrForeignResponse
	}
	if err := i.history.SetResponse(resp.ID, resp); err != nil {
		if errors.Is(err, ErrAlreadyResponded) {
			i.logger.Debug("duplicate response dropped", "topic", in.Topic, "id", resp.ID)
		}
		return err
	}
	rec.Response = &resp

	i.mu.RLock()
	wait := i.waiters[resp.ID]
	h := i.responses[rec.Method]
	i.mu.RUnlock()
	if wait != nil {
		wait <- resp
	}
	if h != nil {
		h(ctx, in, rec, resp)
	}
	return nil
}

func newRequest(method string, params any, opts []SendOption) (Request, error) {
	req, err := NewRequest(method, params)
	if err != nil {
		return Request{}, err
	}
	if o := applySendOptions(opts); o.id != 0 {
		req.ID = o.id
	}
	return req, nil
}

func applySendOptions(opts []SendOption) sendOptions {
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
