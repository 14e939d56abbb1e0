package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"wcsign/go-backend/internal/cacao"
	"wcsign/go-backend/internal/crypto"
	"wcsign/go-backend/internal/jsonrpc"
	"wcsign/go-backend/pkg/models"
)

var ErrInvalidAuthParams = errors.New("invalid authenticate params")

var defaultAuthEvents = []string{"chainChanged", "accountsChanged"}

// AuthParams describe a wc_sessionAuthenticate request. Methods, when set, are
// granted through a ReCap resource appended to the payload.
type AuthParams struct {
	Payload cacao.Request
	Methods []string
	TTL     time.Duration
}

// Authenticate asks the peer on pairingTopic to sign in and returns the request id.
// The answer arrives as a type 1 envelope on the hash of a fresh public key.
func (e *Engine) Authenticate(ctx context.Context, pairingTopic string, params AuthParams) (int64, error) {
	if _, err := e.pairings.Get(ctx, pairingTopic); err != nil {
		return 0, err
	}
	payload := params.Payload
	if err := validateAuthPayload(payload); err != nil {
		return 0, err
	}
	if payload.Iat == "" {
		payload.Iat = e.now().UTC().Format(time.RFC3339)
	}
	if payload.Type == "" {
		payload.Type = cacao.HeaderCAIP122
	}
	if len(params.Methods) > 0 {
		resources, err := withRecap(payload.Resources, params.Methods)
		if err != nil {
			return 0, err
		}
		payload.Resources = resources
	}
	ttl := params.TTL
	if ttl <= 0 {
		ttl = AuthenticateTTL
	}

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return 0, err
	}
	responseTopic := crypto.TopicFromKey(kp.PublicKey)
	pa := pendingAuth{
		ID:            jsonrpc.NewID(),
		PairingTopic:  pairingTopic,
		ResponseTopic: responseTopic,
		PublicKey:     kp.PublicKeyHex(),
		Payload:       payload,
		Expiry:        e.now().Add(ttl),
	}
	if err := e.keys.SetKeyPair(kp); err != nil {
		return 0, err
	}
	if err := e.keys.SetTopicPublicKey(responseTopic, kp.PublicKeyHex()); err != nil {
		e.dropPendingAuth(ctx, pa, true)
		return 0, err
	}
	if _, err := e.relay.Subscribe(ctx, responseTopic); err != nil {
		e.dropPendingAuth(ctx, pa, true)
		return 0, err
	}
	if err := e.authSent.Put(authKey(pa.ID), pa); err != nil {
		e.dropPendingAuth(ctx, pa, true)
		return 0, err
	}
	req := authenticateParams{
		Requester:       models.Participant{PublicKey: pa.PublicKey, Metadata: e.metadata},
		AuthPayload:     payload,
		ExpiryTimestamp: pa.Expiry.Unix(),
	}
	if _, err := e.rpc.Request(ctx, pairingTopic, jsonrpc.MethodSessionAuthenticate, req,
		jsonrpc.WithRequestID(pa.ID), jsonrpc.WithResponseTopic(responseTopic)); err != nil {
		e.dropPendingAuth(ctx, pa, true)
		return 0, err
	}
	e.logger.Info("session authenticate requested", "topic", pairingTopic, "id", pa.ID)
	return pa.ID, nil
}

// ApproveAuthenticate answers request id with signed cacaos and opens a session.
func (e *Engine) ApproveAuthenticate(ctx context.Context, id int64, cacaos []cacao.Cacao) (Session, error) {
	ar, err := e.GetAuthRequest(id)
	if err != nil {
		return Session{}, err
	}
	if len(cacaos) == 0 {
		return Session{}, ErrNoCacaos
	}
	if err := e.verifyCacaos(ctx, ar.Payload, cacaos); err != nil {
		return Session{}, err
	}
	peerPub, err := crypto.ParsePublicKey(ar.Requester.PublicKey)
	if err != nil {
		return Session{}, err
	}
	self, err := crypto.GenerateKeyPair()
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

	responder := models.Participant{PublicKey: self.PublicKeyHex(), Metadata: e.metadata}
	s := Session{
		Topic:          topic,
		PairingTopic:   ar.PairingTopic,
		Relay:          models.DefaultRelay(),
		Namespaces:     namespacesFromCacaos(cacaos),
		Expiry:         e.now().Add(SessionTTL),
		Self:           responder,
		Peer:           ar.Requester,
		Controller:     responder.PublicKey,
		Acknowledged:   true,
		Authentication: cacaos,
	}
	if err := e.sessions.Put(topic, s); err != nil {
		return Session{}, e.rollback(ctx, s, err)
	}
	responseTopic := crypto.TopicFromKey(peerPub)
	envelope := jsonrpc.WithEnvelope(crypto.EnvelopeType1, &crypto.Participants{
		SenderPublicKey:   responder.PublicKey,
		ReceiverPublicKey: ar.Requester.PublicKey,
	})
	if err := e.rpc.Respond(ctx, responseTopic, id, authenticateResult{Cacaos: cacaos, Responder: responder}, envelope); err != nil {
		return Session{}, e.rollback(ctx, s, err)
	}
	_ = e.authReqs.Delete(authKey(id))
	e.finishPairing(ar.PairingTopic, ar.Requester.Metadata)
	e.logger.Info("session authenticate approved", "topic", topic, "id", id)
	return s, nil
}

// RejectAuthenticate answers request id with reason, USER_REJECTED by default.
func (e *Engine) RejectAuthenticate(ctx context.Context, id int64, reason *ValidationError) error {
	ar, err := e.GetAuthRequest(id)
	if err != nil {
		return err
	}
	if reason == nil {
		reason = NewValidationError(KindUserRejected, "")
	}
	// The requester only knows its own key, so the rejection is sealed from a throwaway pair.
	ephemeral, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	if err := e.keys.SetKeyPair(ephemeral); err != nil {
		return err
	}
	defer func() { _ = e.keys.DeleteKeyPair(ephemeral.PublicKeyHex()) }()
	responseTopic, err := crypto.HashKey(ar.Requester.PublicKey)
	if err != nil {
		return err
	}
	err = e.rpc.RespondError(ctx, responseTopic, id, reason.Code, reason.Message,
		jsonrpc.WithEnvelope(crypto.EnvelopeType1, &crypto.Participants{
			SenderPublicKey:   ephemeral.PublicKeyHex(),
			ReceiverPublicKey: ar.Requester.PublicKey,
		}),
		jsonrpc.WithIrnParams(jsonrpc.RejectAuthenticateOpts.Response),
	)
	if err != nil {
		return err
	}
	return e.authReqs.Delete(authKey(id))
}

// GetAuthRequest returns a live inbound authenticate request.
func (e *Engine) GetAuthRequest(id int64) (AuthRequest, error) {
	ar, ok := e.authReqs.Get(authKey(id))
	if !ok {
		return AuthRequest{}, ErrAuthRequestNotFound
	}
	if ar.Expired(e.now()) {
		_ = e.authReqs.Delete(authKey(id))
		return AuthRequest{}, ErrAuthRequestExpired
	}
	return ar, nil
}

func (e *Engine) PendingAuthRequests() []AuthRequest {
	out := make([]AuthRequest, 0)
	for _, ar := range e.authReqs.Values() {
		if live, err := e.GetAuthRequest(ar.ID); err == nil {
			out = append(out, live)
		}
	}
	return out
}

// Sign produces one cacao per requested chain with signer's account on that chain.
func (a AuthRequest) Sign(ctx context.Context, signer cacao.Signer) ([]cacao.Cacao, error) {
	out := make([]cacao.Cacao, 0, len(a.Payload.Chains))
	for _, chain := range a.Payload.Chains {
		c, err := cacao.Sign(ctx, signer, a.Payload.PayloadFor(signer.Account(chain)))
		if err != nil {
			return nil, fmt.Errorf("sign %s: %w", chain, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func (e *Engine) onAuthenticate(ctx context.Context, in jsonrpc.Inbound, req jsonrpc.Request) {
	var params authenticateParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		e.logger.Debug("malformed authenticate request dropped", "topic", in.Topic, "id", req.ID)
		return
	}
	if _, err := crypto.ParsePublicKey(params.Requester.PublicKey); err != nil {
		e.logger.Debug("authenticate request without requester key", "topic", in.Topic, "id", req.ID)
		return
	}
	if err := validateAuthPayload(params.AuthPayload); err != nil {
		e.logger.Debug("invalid authenticate payload", "topic", in.Topic, "id", req.ID, "reason", err.Error())
		return
	}
	expiry := time.Unix(params.ExpiryTimestamp, 0)
	if params.ExpiryTimestamp == 0 {
		expiry = e.now().Add(AuthenticateTTL)
	}
	if e.now().After(expiry) {
		e.logger.Debug("expired authenticate request dropped", "topic", in.Topic, "id", req.ID)
		return
	}
	ar := AuthRequest{
		ID:           req.ID,
		PairingTopic: in.Topic,
		Requester:    params.Requester,
		Payload:      params.AuthPayload,
		Expiry:       expiry,
		Verify:       e.resolveVerify(ctx, req.ID, in, params.Requester.Metadata),
	}
	if err := e.authReqs.Put(authKey(ar.ID), ar); err != nil {
		e.logger.Warn("authenticate request not stored", "id", ar.ID, "reason", err.Error())
		return
	}
	e.emit(Event{Type: EventAuthRequest, Topic: in.Topic, ID: ar.ID})
}

func (e *Engine) onAuthenticateResponse(ctx context.Context, in jsonrpc.Inbound, rec jsonrpc.Record, resp jsonrpc.Response) {
	pa, ok := e.authSent.Get(authKey(rec.ID))
	if !ok {
		e.logger.Debug("answer to unknown authenticate request", "id", rec.ID)
		return
	}
	reject := func(err error) {
		e.logger.Info("session authenticate rejected", "id", pa.ID, "reason", err.Error())
		e.dropPendingAuth(ctx, pa, true)
		e.emit(Event{Type: EventAuthRejected, Topic: pa.PairingTopic, ID: pa.ID, Err: err})
	}
	if e.now().After(pa.Expiry) {
		reject(ErrAuthRequestExpired)
		return
	}
	var result authenticateResult
	if err := jsonrpc.DecodeResult(resp, &result); err != nil {
		reject(err)
		return
	}
	if len(result.Cacaos) == 0 {
		reject(ErrNoCacaos)
		return
	}
	if err := e.verifyCacaos(ctx, pa.Payload, result.Cacaos); err != nil {
		reject(err)
		return
	}
	self, err := e.keys.GetKeyPair(pa.PublicKey)
	if err != nil {
		reject(err)
		return
	}
	peerPub, err := crypto.ParsePublicKey(result.Responder.PublicKey)
	if err != nil {
		reject(err)
		return
	}
	symKey, err := crypto.DeriveSymKey(self.PrivateKey, peerPub)
	if err != nil {
		reject(err)
		return
	}
	topic := crypto.TopicFromKey(symKey)
	if err := e.keys.SetSymKey(topic, symKey); err != nil {
		reject(err)
		return
	}
	if _, err := e.relay.Subscribe(ctx, topic); err != nil {
		e.logger.Warn("session subscribe failed", "topic", topic, "reason", err.Error())
	}
	s := Session{
		Topic:          topic,
		PairingTopic:   pa.PairingTopic,
		Relay:          models.DefaultRelay(),
		Namespaces:     namespacesFromCacaos(result.Cacaos),
		Expiry:         e.now().Add(SessionTTL),
		Self:           models.Participant{PublicKey: pa.PublicKey, Metadata: e.metadata},
		Peer:           result.Responder,
		Controller:     result.Responder.PublicKey,
		Acknowledged:   true,
		Authentication: result.Cacaos,
	}
	if err := e.sessions.Put(topic, s); err != nil {
		reject(err)
		return
	}
	e.dropPendingAuth(ctx, pa, false)
	e.finishPairing(pa.PairingTopic, result.Responder.Metadata)
	e.logger.Info("session authenticated", "topic", topic, "id", pa.ID)
	e.emit(Event{Type: EventAuthenticated, Topic: topic, ID: pa.ID})
}

// verifyCacaos accepts the set only if every cacao answers this request.
func (e *Engine) verifyCacaos(ctx context.Context, req cacao.Request, cacaos []cacao.Cacao) error {
	for _, c := range cacaos {
		if c.P.Nonce != req.Nonce {
			return fmt.Errorf("%w: nonce", cacao.ErrInvalidSignature)
		}
		issuer, err := cacao.ParseIssuer(c.P.Iss)
		if err != nil {
			return err
		}
		if !slices.Contains(req.Chains, issuer.ChainID()) {
			return NewValidationError(KindUnsupportedChains, issuer.ChainID())
		}
		err = e.cacao.Verify(ctx, c, cacao.VerifyOptions{Domain: req.Domain, Aud: req.Aud, Now: e.now()})
		if err != nil {
			return err
		}
	}
	return nil
}

// dropPendingAuth forgets an outstanding request. The key pair survives when a
// session now uses it.
func (e *Engine) dropPendingAuth(ctx context.Context, pa pendingAuth, dropKey bool) {
	_ = e.authSent.Delete(authKey(pa.ID))
	if err := e.relay.Unsubscribe(ctx, pa.ResponseTopic); err != nil {
		e.logger.Debug("response topic unsubscribe failed", "topic", pa.ResponseTopic, "reason", err.Error())
	}
	_ = e.keys.DeleteTopic(pa.ResponseTopic)
	if dropKey {
		_ = e.keys.DeleteKeyPair(pa.PublicKey)
	}
}

func validateAuthPayload(p cacao.Request) error {
	if p.Domain == "" || p.Aud == "" || p.Nonce == "" {
		return fmt.Errorf("%w: domain, aud and nonce are required", ErrInvalidAuthParams)
	}
	if len(p.Chains) == 0 {
		return fmt.Errorf("%w: no chains", ErrInvalidAuthParams)
	}
	for _, c := range p.Chains {
		if !IsValidChainID(c) {
			return fmt.Errorf("%w: chain %q", ErrInvalidAuthParams, c)
		}
	}
	return nil
}

// withRecap merges a request ReCap for methods into the effective recap and
// leaves it as the only recap resource.
func withRecap(resources []string, methods []string) ([]string, error) {
	grant := cacao.NewRequestRecap("eip155", methods)
	existing, ok, err := cacao.RecapFromResources(resources)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(resources)+1)
	for _, r := range resources {
		if !strings.HasPrefix(r, "urn:recap:") {
			out = append(out, r)
		}
	}
	if ok {
		grant = cacao.MergeRecaps(existing, grant)
	}
	encoded, err := grant.Encode()
	if err != nil {
		return nil, err
	}
	return append(out, encoded), nil
}

func namespacesFromCacaos(cacaos []cacao.Cacao) map[string]Namespace {
	out := make(map[string]Namespace)
	for _, c := range cacaos {
		issuer, err := cacao.ParseIssuer(c.P.Iss)
		if err != nil {
			continue
		}
		n := out[issuer.Namespace]
		n.Chains = appendUnique(n.Chains, issuer.ChainID())
		n.Accounts = appendUnique(n.Accounts, issuer.Account())
		if recap, ok, err := cacao.RecapFromResources(c.P.Resources); err == nil && ok {
			n.Methods = appendUnique(n.Methods, recap.Methods(issuer.Namespace)...)
		}
		n.Events = appendUnique(n.Events, defaultAuthEvents...)
		out[issuer.Namespace] = n
	}
	return out
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		if !slices.Contains(dst, v) {
			dst = append(dst, v)
		}
	}
	return dst
}

func authKey(id int64) string {
	return strconv.FormatInt(id, 10)
}
