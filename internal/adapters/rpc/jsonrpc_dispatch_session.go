package rpc

import (
	"context"
	"encoding/json"
	"time"

	"wcsign/go-backend/internal/jsonrpc"
	"wcsign/go-backend/internal/session"
)

const maxNextRequestWait = 60 * time.Second

type proposeParams struct {
	PairingTopic       string                               `json:"pairingTopic"`
	RequiredNamespaces map[string]session.ProposalNamespace `json:"requiredNamespaces"`
	OptionalNamespaces map[string]session.ProposalNamespace `json:"optionalNamespaces"`
	SessionProperties  map[string]string                    `json:"sessionProperties"`
}

type approveParams struct {
	ID                int64                        `json:"id"`
	Namespaces        map[string]session.Namespace `json:"namespaces"`
	SessionProperties map[string]string            `json:"sessionProperties"`
}

type rejectParams struct {
	ID     int64  `json:"id"`
	Reason string `json:"reason"`
}

type requestParams struct {
	Topic   string `json:"topic"`
	ChainID string `json:"chainId"`
	Request struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	} `json:"request"`
	// Expiry is in seconds; zero means the shortest allowed expiry.
	Expiry int64 `json:"expiry"`
}

type respondParams struct {
	Topic  string               `json:"topic"`
	ID     int64                `json:"id"`
	Result json.RawMessage      `json:"result"`
	Error  *jsonrpc.ErrorObject `json:"error"`
}

type updateParams struct {
	Topic      string                       `json:"topic"`
	Namespaces map[string]session.Namespace `json:"namespaces"`
}

type emitParams struct {
	Topic   string               `json:"topic"`
	ChainID string               `json:"chainId"`
	Event   session.SessionEvent `json:"event"`
}

type nextRequestParams struct {
	TimeoutMs int64 `json:"timeoutMs"`
}

type notificationsParams struct {
	Cursor int64 `json:"cursor"`
	Limit  int   `json:"limit"`
}

func (s *Server) rpcPropose(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p proposeParams
	if err := decodeParams(raw, &p); err != nil || p.PairingTopic == "" {
		return nil, rpcInvalidParams()
	}
	proposal, err := s.service.Session().Propose(ctx, p.PairingTopic, p.RequiredNamespaces, p.OptionalNamespaces, p.SessionProperties)
	if err != nil {
		return nil, mapServiceError(err)
	}
	return proposal, nil
}

func (s *Server) rpcListProposals(_ context.Context, _ json.RawMessage) (any, *rpcError) {
	return s.service.Session().ListProposals(), nil
}

func (s *Server) rpcApprove(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p approveParams
	if err := decodeParams(raw, &p); err != nil || p.ID == 0 {
		return nil, rpcInvalidParams()
	}
	sess, err := s.service.Session().Approve(ctx, p.ID, p.Namespaces, p.SessionProperties)
	if err != nil {
		return nil, mapServiceError(err)
	}
	return sess, nil
}

func (s *Server) rpcReject(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p rejectParams
	if err := decodeParams(raw, &p); err != nil || p.ID == 0 {
		return nil, rpcInvalidParams()
	}
	var reason *session.ValidationError
	if p.Reason != "" {
		reason = session.NewValidationError(session.KindUserRejected, p.Reason)
	}
	if err := s.service.Session().Reject(ctx, p.ID, reason); err != nil {
		return nil, mapServiceError(err)
	}
	return true, nil
}

func (s *Server) rpcListSessions(ctx context.Context, _ json.RawMessage) (any, *rpcError) {
	return s.service.Session().List(ctx), nil
}

func (s *Server) rpcRequest(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p requestParams
	if err := decodeParams(raw, &p); err != nil || p.Topic == "" || p.ChainID == "" || p.Request.Method == "" {
		return nil, rpcInvalidParams()
	}
	resp, err := s.service.Session().Request(ctx, p.Topic, p.ChainID, p.Request.Method, p.Request.Params, time.Duration(p.Expiry)*time.Second)
	if err != nil {
		return nil, mapServiceError(err)
	}
	return resp.Result, nil
}

func (s *Server) rpcRespond(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p respondParams
	if err := decodeParams(raw, &p); err != nil || p.Topic == "" || p.ID == 0 {
		return nil, rpcInvalidParams()
	}
	resp := jsonrpc.Response{ID: p.ID, JSONRPC: jsonrpc.Version, Result: p.Result, Error: p.Error}
	if err := s.service.Session().Respond(ctx, p.Topic, resp); err != nil {
		return nil, mapServiceError(err)
	}
	return true, nil
}

func (s *Server) rpcUpdate(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p updateParams
	if err := decodeParams(raw, &p); err != nil || p.Topic == "" {
		return nil, rpcInvalidParams()
	}
	if err := s.service.Session().Update(ctx, p.Topic, p.Namespaces); err != nil {
		return nil, mapServiceError(err)
	}
	return true, nil
}

func (s *Server) rpcExtend(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	topic, err := decodeTopic(raw)
	if err != nil {
		return nil, rpcInvalidParams()
	}
	expiry, err := s.service.Session().Extend(ctx, topic)
	if err != nil {
		return nil, mapServiceError(err)
	}
	return map[string]int64{"expiry": expiry.Unix()}, nil
}

func (s *Server) rpcEmit(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p emitParams
	if err := decodeParams(raw, &p); err != nil || p.Topic == "" || p.ChainID == "" || p.Event.Name == "" {
		return nil, rpcInvalidParams()
	}
	if err := s.service.Session().Emit(ctx, p.Topic, p.ChainID, p.Event); err != nil {
		return nil, mapServiceError(err)
	}
	return true, nil
}

func (s *Server) rpcPing(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	topic, err := decodeTopic(raw)
	if err != nil {
		return nil, rpcInvalidParams()
	}
	if err := s.service.Session().Ping(ctx, topic); err != nil {
		return nil, mapServiceError(err)
	}
	return true, nil
}

func (s *Server) rpcDisconnect(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	topic, err := decodeTopic(raw)
	if err != nil {
		return nil, rpcInvalidParams()
	}
	if err := s.service.Session().Disconnect(ctx, topic); err != nil {
		return nil, mapServiceError(err)
	}
	return true, nil
}

// rpcNextRequest long-polls for one pending session request; null on timeout.
func (s *Server) rpcNextRequest(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p nextRequestParams
	if err := decodeOptionalParams(raw, &p); err != nil || p.TimeoutMs < 0 {
		return nil, rpcInvalidParams()
	}
	wait := time.Duration(p.TimeoutMs) * time.Millisecond
	if wait == 0 || wait > maxNextRequestWait {
		wait = maxNextRequestWait
	}
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	req, err := s.service.NextRequest(waitCtx)
	if err != nil {
		if waitCtx.Err() != nil && ctx.Err() == nil {
			return json.RawMessage("null"), nil
		}
		return nil, mapServiceError(err)
	}
	return req, nil
}

func (s *Server) rpcNotifications(_ context.Context, raw json.RawMessage) (any, *rpcError) {
	var p notificationsParams
	if err := decodeOptionalParams(raw, &p); err != nil || p.Cursor < 0 {
		return nil, rpcInvalidParams()
	}
	return s.service.Notifications().Since(p.Cursor, p.Limit), nil
}
