package rpc

import (
	"context"
	"encoding/json"
)

type pairParams struct {
	URI      string `json:"uri"`
	Activate bool   `json:"activate"`
}

type createPairingParams struct {
	Methods []string `json:"methods"`
}

func (s *Server) rpcPair(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p pairParams
	if err := decodeParams(raw, &p); err != nil || p.URI == "" {
		return nil, rpcInvalidParams()
	}
	pairing, err := s.service.Pairing().Pair(ctx, p.URI, p.Activate)
	if err != nil {
		return nil, mapServiceError(err)
	}
	return pairing, nil
}

func (s *Server) rpcCreatePairing(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p createPairingParams
	if err := decodeOptionalParams(raw, &p); err != nil {
		return nil, rpcInvalidParams()
	}
	uri, pairing, err := s.service.Pairing().Create(ctx, p.Methods...)
	if err != nil {
		return nil, mapServiceError(err)
	}
	return map[string]any{"uri": uri.String(), "pairing": pairing}, nil
}

func (s *Server) rpcListPairings(ctx context.Context, _ json.RawMessage) (any, *rpcError) {
	return s.service.Pairing().List(ctx), nil
}

func (s *Server) rpcPingPairing(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	topic, err := decodeTopic(raw)
	if err != nil {
		return nil, rpcInvalidParams()
	}
	if err := s.service.Pairing().Ping(ctx, topic); err != nil {
		return nil, mapServiceError(err)
	}
	return true, nil
}

func (s *Server) rpcDisconnectPairing(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	topic, err := decodeTopic(raw)
	if err != nil {
		return nil, rpcInvalidParams()
	}
	if err := s.service.Pairing().Disconnect(ctx, topic); err != nil {
		return nil, mapServiceError(err)
	}
	return true, nil
}
