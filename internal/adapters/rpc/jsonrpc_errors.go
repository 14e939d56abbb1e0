package rpc

import (
	"context"
	"errors"

	"wcsign/go-backend/internal/cacao"
	"wcsign/go-backend/internal/jsonrpc"
	"wcsign/go-backend/internal/pairing"
	"wcsign/go-backend/internal/session"
)

const (
	codeServiceError = -32000
	codeNotFound     = -32004
	codeExpired      = -32005
	codeConflict     = -32006
	codeTimeout      = -32008
	codeForbidden    = -32003
)

func rpcInvalidParams() *rpcError {
	return &rpcError{Code: -32602, Message: "invalid params"}
}

// mapServiceError keeps protocol codes (validation kinds, peer answers) intact
// and folds local failures into the -320xx range.
func mapServiceError(err error) *rpcError {
	if err == nil {
		return nil
	}
	var ve *session.ValidationError
	if errors.As(err, &ve) {
		return &rpcError{Code: ve.Code, Message: ve.Message}
	}
	var peer *jsonrpc.ErrorObject
	if errors.As(err, &peer) {
		return &rpcError{Code: peer.Code, Message: peer.Message}
	}
	switch {
	case errors.Is(err, pairing.ErrInvalidURI), errors.Is(err, pairing.ErrUnsupportedRPC), errors.Is(err, session.ErrInvalidExpiry),
		errors.Is(err, session.ErrInvalidAuthParams), errors.Is(err, session.ErrNoCacaos):
		return &rpcError{Code: -32602, Message: err.Error()}
	case errors.Is(err, pairing.ErrNotFound), errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrProposalNotFound), errors.Is(err, session.ErrAuthRequestNotFound):
		return &rpcError{Code: codeNotFound, Message: err.Error()}
	case errors.Is(err, pairing.ErrExpired), errors.Is(err, session.ErrSessionExpired),
		errors.Is(err, session.ErrProposalExpired), errors.Is(err, session.ErrAuthRequestExpired):
		return &rpcError{Code: codeExpired, Message: err.Error()}
	case errors.Is(err, pairing.ErrAlreadyActive):
		return &rpcError{Code: codeConflict, Message: err.Error()}
	case errors.Is(err, session.ErrNotController):
		return &rpcError{Code: codeForbidden, Message: err.Error()}
	case errors.Is(err, cacao.ErrSignatureMismatch), errors.Is(err, cacao.ErrInvalidSignature),
		errors.Is(err, cacao.ErrExpired), errors.Is(err, cacao.ErrNotYetValid),
		errors.Is(err, cacao.ErrDomainMismatch), errors.Is(err, cacao.ErrAudienceMismatch):
		return &rpcError{Code: codeForbidden, Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return &rpcError{Code: codeTimeout, Message: "request timed out"}
	default:
		return &rpcError{Code: codeServiceError, Message: err.Error()}
	}
}
