package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"wcsign/go-backend/internal/cacao"
	"wcsign/go-backend/internal/crypto"
	"wcsign/go-backend/internal/jsonrpc"
	"wcsign/go-backend/internal/pairing"
	"wcsign/go-backend/internal/storage"
	"wcsign/go-backend/internal/verify"
	"wcsign/go-backend/pkg/models"
)

type EventType string

const (
	EventProposal         EventType = "session_proposal"
	EventProposalRejected EventType = "proposal_rejected"
	EventProposalExpired  EventType = "proposal_expired"
	EventSettled          EventType = "session_settled"
	EventUpdated          EventType = "session_updated"
	EventExtended         EventType = "session_extended"
	EventEmitted          EventType = "session_event"
	EventDeleted          EventType = "session_deleted"
	EventExpired          EventType = "session_expired"
	EventPing             EventType = "session_ping"
	EventAuthRequest      EventType = "session_authenticate"
	EventAuthenticated    EventType = "session_authenticated"
	EventAuthRejected     EventType = "session_authenticate_rejected"
)

type Event struct {
	Type    EventType
	Topic   string
	ID      int64
	ChainID string
	Event   *SessionEvent
	Err     error
}

// Pairings is the slice of the pairing engine sessions depend on.
type Pairings interface {
	Get(ctx context.Context, topic string) (pairing.Pairing, error)
	Activate(topic string) (pairing.Pairing, error)
	UpdateMetadata(topic string, metadata models.AppMetadata) error
}

// Subscriber is the part of the relay connection the engine drives.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (string, error)
	Unsubscribe(ctx context.Context, topic string) error
}

type Options struct {
	Metadata     models.AppMetadata
	Keys         crypto.KeyStore
	Relay        Subscriber
	RPC          *jsonrpc.Interactor
	Pairings     Pairings
	Sessions     *storage.Table[Session]
	Proposals    *storage.Table[Proposal]
	AuthRequests *storage.Table[AuthRequest]
	Verify       *verify.Service
	CacaoVerify  *cacao.Verifier
	Logger       *slog.Logger
	Now          func() time.Time
}

// Engine negotiates and runs sessions on top of pairings.
type Engine struct {
	metadata  models.AppMetadata
	keys      crypto.KeyStore
	relay     Subscriber
	rpc       *jsonrpc.Interactor
	pairings  Pairings
	sessions  *storage.Table[Session]
	proposals *storage.Table[Proposal]
	authReqs  *storage.Table[AuthRequest]
	authSent  *storage.Table[pendingAuth]
	verify    *verify.Service
	cacao     *cacao.Verifier
	logger    *slog.Logger
	now       func() time.Time

	requests *Queue[PendingRequest]
	events   chan Event
}

func NewEngine(opts Options) *Engine {
	e := &Engine{
		metadata:  opts.Metadata,
		keys:      opts.Keys,
		relay:     opts.Relay,
		rpc:       opts.RPC,
		pairings:  opts.Pairings,
		sessions:  opts.Sessions,
		proposals: opts.Proposals,
		authReqs:  opts.AuthRequests,
		authSent:  storage.NewTable[pendingAuth](),
		verify:    opts.Verify,
		cacao:     opts.CacaoVerify,
		logger:    opts.Logger,
		now:       opts.Now,
		requests:  NewQueue[PendingRequest](),
		events:    make(chan Event, 128),
	}
	if e.sessions == nil {
		e.sessions = storage.NewTable[Session]()
	}
	if e.proposals == nil {
		e.proposals = storage.NewTable[Proposal]()
	}
	if e.authReqs == nil {
		e.authReqs = storage.NewTable[AuthRequest]()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.cacao == nil {
		e.cacao = cacao.NewVerifier(nil, e.logger)
	}

	e.rpc.HandleRequest(jsonrpc.MethodSessionPropose, e.onPropose)
	e.rpc.HandleResponse(jsonrpc.MethodSessionPropose, e.onProposeResponse)
	e.rpc.HandleRequest(jsonrpc.MethodSessionSettle, e.onSettle)
	e.rpc.HandleResponse(jsonrpc.MethodSessionSettle, e.onSettleResponse)
	e.rpc.HandleRequest(jsonrpc.MethodSessionUpdate, e.onUpdate)
	e.rpc.HandleRequest(jsonrpc.MethodSessionExtend, e.onExtend)
	e.rpc.HandleRequest(jsonrpc.MethodSessionRequest, e.onRequest)
	e.rpc.HandleRequest(jsonrpc.MethodSessionEvent, e.onEvent)
	e.rpc.HandleRequest(jsonrpc.MethodSessionDelete, e.onDelete)
	e.rpc.HandleRequest(jsonrpc.MethodSessionPing, e.onPing)
	e.rpc.HandleRequest(jsonrpc.MethodSessionAuthenticate, e.onAuthenticate)
	e.rpc.HandleResponse(jsonrpc.MethodSessionAuthenticate, e.onAuthenticateResponse)
	return e
}

// Methods lists the wc_ methods pairings must advertise for this engine.
func Methods() []string {
	return []string{jsonrpc.MethodSessionPropose, jsonrpc.MethodSessionAuthenticate}
}

// Requests delivers authorized inbound session requests in arrival order.
func (e *Engine) Requests() <-chan PendingRequest { return e.requests.Out() }

func (e *Engine) Events() <-chan Event { return e.events }

// Close stops request delivery.
func (e *Engine) Close() {
	e.requests.Close()
}

// Propose asks the peer on pairingTopic for a session.
func (e *Engine) Propose(ctx context.Context, pairingTopic string, required, optional map[string]ProposalNamespace, properties map[string]string) (Proposal, error) {
	if _, err := e.pairings.Get(ctx, pairingTopic); err != nil {
		return Proposal{}, err
	}
	if err := ValidateProposalNamespaces(required); err != nil {
		return Proposal{}, err
	}
	if err := ValidateProposalNamespaces(optional); err != nil {
		return Proposal{}, err
	}
	if err := ValidateProperties(properties); err != nil {
		return Proposal{}, err
	}
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return Proposal{}, err
	}
	if err := e.keys.SetKeyPair(kp); err != nil {
		return Proposal{}, err
	}
	dropKey := func() { _ = e.keys.DeleteKeyPair(kp.PublicKeyHex()) }
	p := Proposal{
		PairingTopic:       pairingTopic,
		RequiredNamespaces: required,
		OptionalNamespaces: optional,
		Properties:         properties,
		Proposer:           models.Participant{PublicKey: kp.PublicKeyHex(), Metadata: e.metadata},
		Relays:             []models.Relay{models.DefaultRelay()},
		Expiry:             e.now().Add(ProposalTTL),
	}
	params := proposeParams{
		Relays:             p.Relays,
		Proposer:           p.Proposer,
		RequiredNamespaces: orEmpty(required),
		OptionalNamespaces: optional,
		SessionProperties:  properties,
		ExpiryTimestamp:    p.Expiry.Unix(),
	}
	p.ID = jsonrpc.NewID()
	// Stored before publishing so the answer always finds it.
	if err := e.proposals.Put(proposalKey(p.ID), p); err != nil {
		dropKey()
		return Proposal{}, err
	}
	if _, err := e.rpc.Request(ctx, pairingTopic, jsonrpc.MethodSessionPropose, params, jsonrpc.WithRequestID(p.ID)); err != nil {
		_ = e.proposals.Delete(proposalKey(p.ID))
		dropKey()
		return Proposal{}, err
	}
	e.logger.Info("session proposed", "topic", pairingTopic, "id", p.ID)
	return p, nil
}

// Approve accepts proposal id with the granted namespaces and settles the session.
func (e *Engine) Approve(ctx context.Context, id int64, namespaces map[string]Namespace, properties map[string]string) (Session, error) {
	p, err := e.GetProposal(id)
	if err != nil {
		return Session{}, err
	}
	if err := ValidateApproval(p.RequiredNamespaces, namespaces); err != nil {
		return Session{}, err
	}
	if properties == nil {
		properties = p.Properties
	}
	if err := ValidateProperties(properties); err != nil {
		return Session{}, err
	}

	self, err := crypto.GenerateKeyPair()
	if err != nil {
		return Session{}, err
	}
	peerPub, err := crypto.ParsePublicKey(p.Proposer.PublicKey)
	if err != nil {
		return Session{}, err
	}
	symKey, err := crypto.DeriveSymKey(self.PrivateKey, peerPub)
	if err != nil {
		return Session{}, err
	}
	topic := crypto.TopicFromKey(symKey)
	if err := e.keys.SetKeyPair(self); err != nil {
		return Session{}, err
	}
	partial := Session{Topic: topic, Self: models.Participant{PublicKey: self.PublicKeyHex()}}
	if err := e.keys.SetSymKey(topic, symKey); err != nil {
		return Session{}, e.rollback(ctx, partial, err)
	}
	if _, err := e.relay.Subscribe(ctx, topic); err != nil {
		return Session{}, e.rollback(ctx, partial, err)
	}

	relay := models.DefaultRelay()
	if len(p.Relays) > 0 {
		relay = p.Relays[0]
	}
	s := Session{
		Topic:              topic,
		PairingTopic:       p.PairingTopic,
		Relay:              relay,
		Namespaces:         cloneNamespaces(namespaces),
		RequiredNamespaces: p.RequiredNamespaces,
		OptionalNamespaces: p.OptionalNamespaces,
		Properties:         properties,
		Expiry:             e.now().Add(SessionTTL),
		Self:               models.Participant{PublicKey: self.PublicKeyHex(), Metadata: e.metadata},
		Peer:               p.Proposer,
		Controller:         self.PublicKeyHex(),
	}
	if err := e.sessions.Put(topic, s); err != nil {
		return Session{}, e.rollback(ctx, s, err)
	}
	// A failed answer leaves the proposal open so the approval can be retried.
	if err := e.rpc.Respond(ctx, p.PairingTopic, p.ID, proposeResult{Relay: relay, ResponderPublicKey: self.PublicKeyHex()}); err != nil {
		return Session{}, e.rollback(ctx, s, err)
	}
	settle := settleParams{
		Relay:              relay,
		Namespaces:         s.Namespaces,
		RequiredNamespaces: s.RequiredNamespaces,
		OptionalNamespaces: s.OptionalNamespaces,
		SessionProperties:  s.Properties,
		Expiry:             s.Expiry.Unix(),
		Controller:         s.Self,
	}
	if _, err := e.rpc.Request(ctx, topic, jsonrpc.MethodSessionSettle, settle); err != nil {
		_ = e.proposals.Delete(proposalKey(id))
		return Session{}, e.rollback(ctx, s, err)
	}
	_ = e.proposals.Delete(proposalKey(id))
	e.finishPairing(p.PairingTopic, p.Proposer.Metadata)
	e.logger.Info("session approved", "topic", topic, "pairing_topic", p.PairingTopic, "id", id)
	return s, nil
}

// Reject answers proposal id with reason, which defaults to USER_REJECTED.
func (e *Engine) Reject(ctx context.Context, id int64, reason *ValidationError) error {
	p, err := e.GetProposal(id)
	if err != nil {
		return err
	}
	if reason == nil {
		reason = NewValidationError(KindUserRejected, "")
	}
	if err := e.rpc.RespondError(ctx, p.PairingTopic, id, reason.Code, reason.Message); err != nil {
		return err
	}
	if err := e.proposals.Delete(proposalKey(id)); err != nil {
		return err
	}
	e.logger.Info("session proposal rejected", "id", id, "code", reason.Code)
	return nil
}

// GetProposal returns a live proposal. An expired one is removed on the way.
func (e *Engine) GetProposal(id int64) (Proposal, error) {
	p, ok := e.proposals.Get(proposalKey(id))
	if !ok {
		return Proposal{}, ErrProposalNotFound
	}
	if p.Expired(e.now()) {
		e.dropProposal(p)
		e.emit(Event{Type: EventProposalExpired, Topic: p.PairingTopic, ID: id})
		return Proposal{}, ErrProposalExpired
	}
	return p, nil
}

func (e *Engine) ListProposals() []Proposal {
	out := make([]Proposal, 0)
	for _, p := range e.proposals.Values() {
		if _, err := e.GetProposal(p.ID); err == nil {
			out = append(out, p)
		}
	}
	return out
}

// Get returns a live session. An expired one is cleaned up on the way.
func (e *Engine) Get(ctx context.Context, topic string) (Session, error) {
	s, ok := e.sessions.Get(topic)
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if s.Expired(e.now()) {
		if err := e.cleanup(ctx, s); err != nil {
			e.logger.Warn("expired session cleanup failed", "topic", topic, "reason", err.Error())
		}
		e.emit(Event{Type: EventExpired, Topic: topic})
		return Session{}, ErrSessionExpired
	}
	return s, nil
}

func (e *Engine) List(ctx context.Context) []Session {
	out := make([]Session, 0)
	for _, s := range e.sessions.Values() {
		if live, err := e.Get(ctx, s.Topic); err == nil {
			out = append(out, live)
		}
	}
	return out
}

// ExpireStale drops expired sessions, proposals and authenticate requests.
func (e *Engine) ExpireStale(ctx context.Context) int {
	before := e.sessions.Len() + e.proposals.Len() + e.authReqs.Len()
	_ = e.List(ctx)
	_ = e.ListProposals()
	_ = e.PendingAuthRequests()
	return before - e.sessions.Len() - e.proposals.Len() - e.authReqs.Len()
}

func (e *Engine) onPropose(ctx context.Context, in jsonrpc.Inbound, req jsonrpc.Request) {
	var params proposeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		e.respondValidation(ctx, in.Topic, req.ID, NewValidationError(KindInvalidSessionRequest, "malformed proposal"))
		return
	}
	if err := ValidateProposalNamespaces(params.RequiredNamespaces); err != nil {
		e.respondValidation(ctx, in.Topic, req.ID, err)
		return
	}
	if err := ValidateProposalNamespaces(params.OptionalNamespaces); err != nil {
		e.respondValidation(ctx, in.Topic, req.ID, err)
		return
	}
	if err := ValidateProperties(params.SessionProperties); err != nil {
		e.respondValidation(ctx, in.Topic, req.ID, err)
		return
	}
	if _, err := crypto.ParsePublicKey(params.Proposer.PublicKey); err != nil {
		e.respondValidation(ctx, in.Topic, req.ID, NewValidationError(KindInvalidSessionRequest, "proposer key"))
		return
	}
	expiry := time.Unix(params.ExpiryTimestamp, 0)
	if params.ExpiryTimestamp == 0 {
		expiry = e.now().Add(ProposalTTL)
	}
	if e.now().After(expiry) {
		e.logger.Debug("expired proposal dropped", "id", req.ID, "topic", in.Topic)
		return
	}
	p := Proposal{
		ID:                 req.ID,
		PairingTopic:       in.Topic,
		RequiredNamespaces: params.RequiredNamespaces,
		OptionalNamespaces: params.OptionalNamespaces,
		Properties:         params.SessionProperties,
		Proposer:           params.Proposer,
		Relays:             params.Relays,
		Expiry:             expiry,
		Verify:             e.resolveVerify(ctx, req.ID, in, params.Proposer.Metadata),
	}
	if err := e.proposals.Put(proposalKey(p.ID), p); err != nil {
		e.logger.Warn("proposal not stored", "id", p.ID, "reason", err.Error())
		return
	}
	e.logger.Info("session proposal received", "topic", in.Topic, "id", p.ID)
	e.emit(Event{Type: EventProposal, Topic: in.Topic, ID: p.ID})
}

func (e *Engine) onProposeResponse(ctx context.Context, in jsonrpc.Inbound, rec jsonrpc.Record, resp jsonrpc.Response) {
	p, ok := e.proposals.Get(proposalKey(rec.ID))
	if !ok {
		e.logger.Debug("answer to unknown proposal", "id", rec.ID)
		return
	}
	var result proposeResult
	if err := jsonrpc.DecodeResult(resp, &result); err != nil {
		e.dropProposal(p)
		e.emit(Event{Type: EventProposalRejected, Topic: p.PairingTopic, ID: p.ID, Err: err})
		return
	}
	self, err := e.keys.GetKeyPair(p.Proposer.PublicKey)
	if err != nil {
		e.logger.Warn("proposal key pair missing", "id", p.ID, "reason", err.Error())
		return
	}
	peerPub, err := crypto.ParsePublicKey(result.ResponderPublicKey)
	if err != nil {
		e.logger.Warn("responder key invalid", "id", p.ID, "reason", err.Error())
		return
	}
	symKey, err := crypto.DeriveSymKey(self.PrivateKey, peerPub)
	if err != nil {
		e.logger.Warn("session key agreement failed", "id", p.ID, "reason", err.Error())
		return
	}
	topic := crypto.TopicFromKey(symKey)
	if err := e.keys.SetSymKey(topic, symKey); err != nil {
		e.logger.Warn("session key not stored", "id", p.ID, "reason", err.Error())
		return
	}
	p.SessionTopic = topic
	if err := e.proposals.Put(proposalKey(p.ID), p); err != nil {
		e.logger.Warn("proposal not updated", "id", p.ID, "reason", err.Error())
		return
	}
	if _, err := e.relay.Subscribe(ctx, topic); err != nil {
		e.logger.Warn("session subscribe failed", "topic", topic, "reason", err.Error())
	}
}

func (e *Engine) onSettle(ctx context.Context, in jsonrpc.Inbound, req jsonrpc.Request) {
	var params settleParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		e.respondValidation(ctx, in.Topic, req.ID, NewValidationError(KindInvalidSessionRequest, "malformed settle"))
		return
	}
	var p *Proposal
	for _, candidate := range e.proposals.Values() {
		if candidate.SessionTopic == in.Topic {
			c := candidate
			p = &c
			break
		}
	}
	if p == nil {
		e.respondValidation(ctx, in.Topic, req.ID, NewValidationError(KindInvalidSessionRequest, "no proposal for topic"))
		return
	}
	if err := ValidateApproval(p.RequiredNamespaces, params.Namespaces); err != nil {
		e.respondValidation(ctx, in.Topic, req.ID, err)
		return
	}
	expiry := time.Unix(params.Expiry, 0)
	if e.now().After(expiry) {
		e.respondValidation(ctx, in.Topic, req.ID, NewValidationError(KindInvalidSessionRequest, "settled expired"))
		return
	}
	s := Session{
		Topic:              in.Topic,
		PairingTopic:       p.PairingTopic,
		Relay:              params.Relay,
		Namespaces:         params.Namespaces,
		RequiredNamespaces: p.RequiredNamespaces,
		OptionalNamespaces: p.OptionalNamespaces,
		Properties:         params.SessionProperties,
		Expiry:             expiry,
		Self:               p.Proposer,
		Peer:               params.Controller,
		Controller:         params.Controller.PublicKey,
		Acknowledged:       true,
	}
	if err := e.sessions.Put(s.Topic, s); err != nil {
		e.logger.Warn("session not stored", "topic", s.Topic, "reason", err.Error())
		return
	}
	_ = e.proposals.Delete(proposalKey(p.ID))
	if err := e.rpc.Respond(ctx, in.Topic, req.ID, true); err != nil {
		e.logger.Warn("settle ack failed", "topic", in.Topic, "reason", err.Error())
	}
	e.finishPairing(p.PairingTopic, params.Controller.Metadata)
	e.logger.Info("session settled", "topic", s.Topic, "pairing_topic", s.PairingTopic)
	e.emit(Event{Type: EventSettled, Topic: s.Topic, ID: p.ID})
}

func (e *Engine) onSettleResponse(ctx context.Context, in jsonrpc.Inbound, rec jsonrpc.Record, resp jsonrpc.Response) {
	if resp.Error != nil {
		e.logger.Warn("peer refused settlement", "topic", rec.Topic, "code", resp.Error.Code)
		if s, ok := e.sessions.Get(rec.Topic); ok {
			_ = e.cleanup(ctx, s)
		}
		e.emit(Event{Type: EventDeleted, Topic: rec.Topic, Err: resp.Error})
		return
	}
	err := e.sessions.Update(func(rows map[string]Session) error {
		s, ok := rows[rec.Topic]
		if !ok {
			return ErrSessionNotFound
		}
		s.Acknowledged = true
		rows[rec.Topic] = s
		return nil
	})
	if err != nil {
		e.logger.Debug("settle ack for unknown session", "topic", rec.Topic)
		return
	}
	e.emit(Event{Type: EventSettled, Topic: rec.Topic, ID: rec.ID})
}

// finishPairing marks the pairing used by a settled session as active.
func (e *Engine) finishPairing(topic string, peer models.AppMetadata) {
	if e.pairings == nil {
		return
	}
	if _, err := e.pairings.Activate(topic); err != nil {
		e.logger.Debug("pairing not activated", "topic", topic, "reason", err.Error())
		return
	}
	if err := e.pairings.UpdateMetadata(topic, peer); err != nil {
		e.logger.Debug("pairing metadata not updated", "topic", topic, "reason", err.Error())
	}
}

func (e *Engine) resolveVerify(ctx context.Context, id int64, in jsonrpc.Inbound, metadata models.AppMetadata) *verify.Context {
	if e.verify == nil {
		return nil
	}
	vc := e.verify.Resolve(ctx, id, in.Attestation, metadata)
	return &vc
}

func (e *Engine) respondValidation(ctx context.Context, topic string, id int64, err error, opts ...jsonrpc.SendOption) {
	var v *ValidationError
	if !errors.As(err, &v) {
		v = NewValidationError(KindInvalidSessionRequest, err.Error())
	}
	if rerr := e.rpc.RespondError(ctx, topic, id, v.Code, v.Message, opts...); rerr != nil {
		e.logger.Debug("rejection not sent", "topic", topic, "id", id, "reason", rerr.Error())
	}
}

func (e *Engine) dropProposal(p Proposal) {
	_ = e.proposals.Delete(proposalKey(p.ID))
	if p.SessionTopic != "" {
		_ = e.keys.DeleteTopic(p.SessionTopic)
	}
}

// rollback undoes a half-built session and returns cause.
func (e *Engine) rollback(ctx context.Context, s Session, cause error) error {
	if err := e.cleanup(ctx, s); err != nil {
		e.logger.Warn("session rollback incomplete", "topic", s.Topic, "reason", err.Error())
	}
	return cause
}

// cleanup removes every trace of a session: subscription, keys, history and row.
func (e *Engine) cleanup(ctx context.Context, s Session) error {
	if err := e.relay.Unsubscribe(ctx, s.Topic); err != nil {
		e.logger.Debug("session unsubscribe failed", "topic", s.Topic, "reason", err.Error())
	}
	if err := e.keys.DeleteTopic(s.Topic); err != nil {
		return err
	}
	if s.Self.PublicKey != "" {
		if err := e.keys.DeleteKeyPair(s.Self.PublicKey); err != nil {
			return err
		}
	}
	if _, err := e.rpc.History().DeleteByTopic(s.Topic); err != nil {
		return err
	}
	return e.sessions.Delete(s.Topic)
}

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.logger.Debug("session event dropped", "type", string(ev.Type), "topic", ev.Topic)
	}
}

func proposalKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

func orEmpty(ns map[string]ProposalNamespace) map[string]ProposalNamespace {
	if ns == nil {
		return map[string]ProposalNamespace{}
	}
	return ns
}

func wrapSession(op string, err error) error {
	return fmt.Errorf("session %s: %w", op, err)
}
