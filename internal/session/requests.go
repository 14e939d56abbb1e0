package session

import (
	"context"
	"encoding/json"
	"time"

	"wcsign/go-backend/internal/jsonrpc"
)

// Request sends method to the peer on topic and waits for its answer.
// The method and chain must be granted by the session. expiry 0 means the minimum.
func (e *Engine) Request(ctx context.Context, topic, chainID, method string, params any, expiry time.Duration) (jsonrpc.Response, error) {
	s, err := e.Get(ctx, topic)
	if err != nil {
		return jsonrpc.Response{}, err
	}
	if err := AuthorizeMethod(s.Namespaces, chainID, method); err != nil {
		return jsonrpc.Response{}, err
	}
	if expiry == 0 {
		expiry = MinRequestExpiry
	}
	if expiry < MinRequestExpiry || expiry > MaxRequestExpiry {
		return jsonrpc.Response{}, ErrInvalidExpiry
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return jsonrpc.Response{}, wrapSession("request", err)
	}
	deadline := e.now().Add(expiry)
	body := requestParams{
		Request: requestBody{Method: method, Params: raw, ExpiryTimestamp: deadline.Unix()},
		ChainID: chainID,
	}
	waitCtx, cancel := context.WithTimeout(ctx, expiry)
	defer cancel()
	return e.rpc.RequestAwait(waitCtx, topic, jsonrpc.MethodSessionRequest, body)
}

// Respond answers a pending request. resp.Error set means a JSON-RPC error answer.
func (e *Engine) Respond(ctx context.Context, topic string, resp jsonrpc.Response) error {
	if _, err := e.Get(ctx, topic); err != nil {
		return err
	}
	if resp.Error != nil {
		return e.rpc.RespondError(ctx, topic, resp.ID, resp.Error.Code, resp.Error.Message)
	}
	result := resp.Result
	if result == nil {
		result = json.RawMessage("null")
	}
	return e.rpc.Respond(ctx, topic, resp.ID, result)
}

// Update replaces the granted namespaces. Only the controller may update.
func (e *Engine) Update(ctx context.Context, topic string, namespaces map[string]Namespace) error {
	s, err := e.Get(ctx, topic)
	if err != nil {
		return err
	}
	if !s.IsController() {
		return ErrNotController
	}
	if err := ValidateApproval(s.RequiredNamespaces, namespaces); err != nil {
		return err
	}
	id, err := e.rpc.Request(ctx, topic, jsonrpc.MethodSessionUpdate, updateParams{Namespaces: namespaces})
	if err != nil {
		return err
	}
	return e.sessions.Update(func(rows map[string]Session) error {
		cur, ok := rows[topic]
		if !ok {
			return ErrSessionNotFound
		}
		cur.Namespaces = cloneNamespaces(namespaces)
		cur.LastUpdateID = id
		rows[topic] = cur
		return nil
	})
}

// Extend pushes the session expiry to now plus the session TTL. Controller only.
func (e *Engine) Extend(ctx context.Context, topic string) (time.Time, error) {
	s, err := e.Get(ctx, topic)
	if err != nil {
		return time.Time{}, err
	}
	if !s.IsController() {
		return time.Time{}, ErrNotController
	}
	expiry := e.now().Add(SessionTTL)
	if _, err := e.rpc.Request(ctx, topic, jsonrpc.MethodSessionExtend, extendParams{Expiry: expiry.Unix()}); err != nil {
		return time.Time{}, err
	}
	err = e.sessions.Update(func(rows map[string]Session) error {
		cur, ok := rows[topic]
		if !ok {
			return ErrSessionNotFound
		}
		cur.Expiry = expiry
		rows[topic] = cur
		return nil
	})
	return expiry, err
}

// Emit sends an application event the session has granted on chainID.
func (e *Engine) Emit(ctx context.Context, topic, chainID string, event SessionEvent) error {
	s, err := e.Get(ctx, topic)
	if err != nil {
		return err
	}
	if event.Name == "" {
		return NewValidationError(KindInvalidEvent, "empty name")
	}
	if err := AuthorizeEvent(s.Namespaces, chainID, event.Name); err != nil {
		return err
	}
	_, err = e.rpc.Request(ctx, topic, jsonrpc.MethodSessionEvent, eventParams{Event: event, ChainID: chainID})
	return err
}

// Disconnect tells the peer and removes the session locally. The pairing stays.
func (e *Engine) Disconnect(ctx context.Context, topic string) error {
	s, err := e.Get(ctx, topic)
	if err != nil {
		return err
	}
	reason := NewValidationError(KindUserDisconnected, "")
	_, sendErr := e.rpc.Request(ctx, topic, jsonrpc.MethodSessionDelete, deleteParams{Code: reason.Code, Message: reason.Message})
	if err := e.cleanup(ctx, s); err != nil {
		return err
	}
	e.logger.Info("session disconnected", "topic", topic)
	e.emit(Event{Type: EventDeleted, Topic: topic})
	return sendErr
}

func (e *Engine) Ping(ctx context.Context, topic string) error {
	if _, err := e.Get(ctx, topic); err != nil {
		return err
	}
	_, err := e.rpc.RequestAwait(ctx, topic, jsonrpc.MethodSessionPing, struct{}{})
	return err
}

// onRequest authorizes before anything else sees the request.
func (e *Engine) onRequest(ctx context.Context, in jsonrpc.Inbound, req jsonrpc.Request) {
	s, err := e.Get(ctx, in.Topic)
	if err != nil {
		e.respondValidation(ctx, in.Topic, req.ID, NewValidationError(KindInvalidSessionRequest, err.Error()))
		return
	}
	var params requestParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Request.Method == "" {
		e.respondValidation(ctx, in.Topic, req.ID, NewValidationError(KindInvalidSessionRequest, "malformed request"))
		return
	}
	if err := AuthorizeMethod(s.Namespaces, params.ChainID, params.Request.Method); err != nil {
		e.logger.Warn("unauthorized session request", "topic", in.Topic, "method", params.Request.Method, "chain_id", params.ChainID)
		e.respondValidation(ctx, in.Topic, req.ID, err)
		return
	}
	var expiry time.Time
	if params.Request.ExpiryTimestamp > 0 {
		expiry = time.Unix(params.Request.ExpiryTimestamp, 0)
		if e.now().After(expiry) {
			e.respondValidation(ctx, in.Topic, req.ID, NewValidationError(KindRequestExpired, ""))
			return
		}
	}
	e.requests.Push(PendingRequest{
		ID:      req.ID,
		Topic:   in.Topic,
		ChainID: params.ChainID,
		Method:  params.Request.Method,
		Params:  params.Request.Params,
		Expiry:  expiry,
		Verify:  e.resolveVerify(ctx, req.ID, in, s.Peer.Metadata),
	})
}

func (e *Engine) onEvent(ctx context.Context, in jsonrpc.Inbound, req jsonrpc.Request) {
	s, err := e.Get(ctx, in.Topic)
	if err != nil {
		e.respondValidation(ctx, in.Topic, req.ID, NewValidationError(KindInvalidEvent, err.Error()))
		return
	}
	var params eventParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Event.Name == "" {
		e.respondValidation(ctx, in.Topic, req.ID, NewValidationError(KindInvalidEvent, "malformed event"))
		return
	}
	if err := AuthorizeEvent(s.Namespaces, params.ChainID, params.Event.Name); err != nil {
		e.respondValidation(ctx, in.Topic, req.ID, err)
		return
	}
	if err := e.rpc.Respond(ctx, in.Topic, req.ID, true); err != nil {
		e.logger.Debug("event ack failed", "topic", in.Topic, "reason", err.Error())
	}
	ev := params.Event
	e.emit(Event{Type: EventEmitted, Topic: in.Topic, ID: req.ID, ChainID: params.ChainID, Event: &ev})
}

func (e *Engine) onUpdate(ctx context.Context, in jsonrpc.Inbound, req jsonrpc.Request) {
	s, err := e.Get(ctx, in.Topic)
	if err != nil {
		e.respondValidation(ctx, in.Topic, req.ID, NewValidationError(KindInvalidUpdateRequest, err.Error()))
		return
	}
	if s.IsController() {
		e.respondValidation(ctx, in.Topic, req.ID, NewValidationError(KindUnauthorizedUpdate, ""))
		return
	}
	var params updateParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		e.respondValidation(ctx, in.Topic, req.ID, NewValidationError(KindInvalidUpdateRequest, "malformed update"))
		return
	}
	if err := ValidateApproval(s.RequiredNamespaces, params.Namespaces); err != nil {
		e.respondValidation(ctx, in.Topic, req.ID, NewValidationError(KindInvalidUpdateRequest, err.Error()))
		return
	}
	// Updates delivered out of order must not roll namespaces back.
	if req.ID <= s.LastUpdateID {
		_ = e.rpc.Respond(ctx, in.Topic, req.ID, true)
		return
	}
	err = e.sessions.Update(func(rows map[string]Session) error {
		cur, ok := rows[in.Topic]
		if !ok {
			return ErrSessionNotFound
		}
		cur.Namespaces = params.Namespaces
		cur.LastUpdateID = req.ID
		rows[in.Topic] = cur
		return nil
	})
	if err != nil {
		e.respondValidation(ctx, in.Topic, req.ID, NewValidationError(KindInvalidUpdateRequest, err.Error()))
		return
	}
	_ = e.rpc.Respond(ctx, in.Topic, req.ID, true)
	e.emit(Event{Type: EventUpdated, Topic: in.Topic, ID: req.ID})
}

func (e *Engine) onExtend(ctx context.Context, in jsonrpc.Inbound, req jsonrpc.Request) {
	s, err := e.Get(ctx, in.Topic)
	if err != nil {
		e.respondValidation(ctx, in.Topic, req.ID, NewValidationError(KindInvalidExtendRequest, err.Error()))
		return
	}
	if s.IsController() {
		e.respondValidation(ctx, in.Topic, req.ID, NewValidationError(KindUnauthorizedExtend, ""))
		return
	}
	var params extendParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		e.respondValidation(ctx, in.Topic, req.ID, NewValidationError(KindInvalidExtendRequest, "malformed extend"))
		return
	}
	expiry := time.Unix(params.Expiry, 0)
	// A minute of slack absorbs clock skew between the peers.
	if !expiry.After(s.Expiry) || expiry.After(e.now().Add(SessionTTL+time.Minute)) {
		e.respondValidation(ctx, in.Topic, req.ID, NewValidationError(KindInvalidExtendRequest, "expiry out of range"))
		return
	}
	err = e.sessions.Update(func(rows map[string]Session) error {
		cur, ok := rows[in.Topic]
		if !ok {
			return ErrSessionNotFound
		}
		cur.Expiry = expiry
		rows[in.Topic] = cur
		return nil
	})
	if err != nil {
		e.respondValidation(ctx, in.Topic, req.ID, NewValidationError(KindInvalidExtendRequest, err.Error()))
		return
	}
	_ = e.rpc.Respond(ctx, in.Topic, req.ID, true)
	e.emit(Event{Type: EventExtended, Topic: in.Topic, ID: req.ID})
}

func (e *Engine) onDelete(ctx context.Context, in jsonrpc.Inbound, req jsonrpc.Request) {
	s, ok := e.sessions.Get(in.Topic)
	if !ok {
		e.respondValidation(ctx, in.Topic, req.ID, NewValidationError(KindInvalidSessionRequest, ErrSessionNotFound.Error()))
		return
	}
	_ = e.rpc.Respond(ctx, in.Topic, req.ID, true)
	if err := e.cleanup(ctx, s); err != nil {
		e.logger.Warn("session cleanup failed", "topic", in.Topic, "reason", err.Error())
		return
	}
	e.logger.Info("session deleted by peer", "topic", in.Topic)
	e.emit(Event{Type: EventDeleted, Topic: in.Topic, ID: req.ID})
}

func (e *Engine) onPing(ctx context.Context, in jsonrpc.Inbound, req jsonrpc.Request) {
	if _, err := e.Get(ctx, in.Topic); err != nil {
		e.respondValidation(ctx, in.Topic, req.ID, NewValidationError(KindInvalidSessionRequest, err.Error()))
		return
	}
	_ = e.rpc.Respond(ctx, in.Topic, req.ID, true)
	e.emit(Event{Type: EventPing, Topic: in.Topic, ID: req.ID})
}
