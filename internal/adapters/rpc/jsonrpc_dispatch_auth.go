package rpc

import (
	"context"
	"encoding/json"
	"time"

	"wcsign/go-backend/internal/cacao"
	"wcsign/go-backend/internal/session"
)

type authenticateParams struct {
	PairingTopic string        `json:"pairingTopic"`
	Payload      cacao.Request `json:"payload"`
	Methods      []string      `json:"methods"`
	// TTL is in seconds; zero means the default authenticate ttl.
	TTL int64 `json:"ttl"`
}

type approveAuthenticateParams struct {
	ID     int64         `json:"id"`
	Cacaos []cacao.Cacao `json:"cacaos"`
}

func (s *Server) rpcAuthenticate(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p authenticateParams
	if err := decodeParams(raw, &p); err != nil || p.PairingTopic == "" || p.TTL < 0 {
		return nil, rpcInvalidParams()
	}
	id, err := s.service.Session().Authenticate(ctx, p.PairingTopic, session.AuthParams{
		Payload: p.Payload,
		Methods: p.Methods,
		TTL:     time.Duration(p.TTL) * time.Second,
	})
	if err != nil {
		return nil, mapServiceError(err)
	}
	return map[string]int64{"id": id}, nil
}

func (s *Server) rpcListAuthRequests(_ context.Context, _ json.RawMessage) (any, *rpcError) {
	return s.service.Session().PendingAuthRequests(), nil
}

func (s *Server) rpcApproveAuthenticate(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p approveAuthenticateParams
	if err := decodeParams(raw, &p); err != nil || p.ID == 0 {
		return nil, rpcInvalidParams()
	}
	sess, err := s.service.Session().ApproveAuthenticate(ctx, p.ID, p.Cacaos)
	if err != nil {
		return nil, mapServiceError(err)
	}
	return sess, nil
}

func (s *Server) rpcRejectAuthenticate(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p rejectParams
	if err := decodeParams(raw, &p); err != nil || p.ID == 0 {
		return nil, rpcInvalidParams()
	}
	var reason *session.ValidationError
	if p.Reason != "" {
		reason = session.NewValidationError(session.KindUserRejected, p.Reason)
	}
	if err := s.service.Session().RejectAuthenticate(ctx, p.ID, reason); err != nil {
		return nil, mapServiceError(err)
	}
	return true, nil
}
