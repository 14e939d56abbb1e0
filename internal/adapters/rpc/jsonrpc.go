package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

const (
	maxRPCBodyBytes int64 = 1 << 20 // 1 MiB
	requestIDHeader       = "X-WC-Request-ID"
)

type rpcHandler func(ctx context.Context, params json.RawMessage) (any, *rpcError)

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if !s.applyCORS(w, r) {
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !s.authorizeRPC(w, r) {
		return
	}
	if s.service == nil {
		writeRPC(w, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: -32099, Message: "service is not initialized"},
		})
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	token := s.extractRPCToken(r)
	if !s.rpcLimiter.allow(rpcRateLimitKey(r, token), time.Now()) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRPCBodyBytes)
	var req rpcRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		writeRPC(w, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: -32700, Message: "parse error"},
		})
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		writeRPCInvalidRequest(w, req.ID)
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPCInvalidRequest(w, req.ID)
		return
	}

	reqID := strings.TrimSpace(r.Header.Get(requestIDHeader))
	if reqID == "" {
		reqID = uuid.NewString()
	}
	w.Header().Set(requestIDHeader, reqID)

	cacheKey := rpcIdempotencyKey(r.Header.Get(rpcIdempotencyHeader), token)
	if cacheKey != "" {
		wait, conflict := s.idempotency.begin(cacheKey, rpcRequestHash(req), time.Now())
		if conflict {
			writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: -32090, Message: "idempotency key reused with different request"}})
			return
		}
		if wait != nil {
			select {
			case <-wait.done:
			case <-r.Context().Done():
				return
			}
			replay := wait.resp
			replay.ID = req.ID
			writeRPC(w, replay)
			return
		}
	}

	started := time.Now()
	s.logger.Info("rpc request", "request_id", reqID, "method", req.Method, "rpc_id", string(req.ID))
	result, rpcErr := s.dispatchRPC(r.Context(), req.Method, req.Params)
	if rpcErr != nil {
		s.logger.Error("rpc failed", "request_id", reqID, "method", req.Method, "rpc_code", rpcErr.Code, "latency_ms", time.Since(started).Milliseconds())
	} else {
		s.logger.Info("rpc response", "request_id", reqID, "method", req.Method, "latency_ms", time.Since(started).Milliseconds())
	}
	resp := rpcResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  result,
		Error:   rpcErr,
	}
	if cacheKey != "" {
		s.idempotency.finish(cacheKey, resp)
	}
	writeRPC(w, resp)
}

func (s *Server) dispatchRPC(ctx context.Context, method string, params json.RawMessage) (any, *rpcError) {
	if method == "health_check" {
		return map[string]any{"status": "ok", "relay": s.service.Status()}, nil
	}
	if h, ok := s.methods()[method]; ok {
		return h(ctx, params)
	}
	return nil, &rpcError{Code: -32601, Message: "method not found"}
}

func (s *Server) methods() map[string]rpcHandler {
	return map[string]rpcHandler{
		"wc_pair":              s.rpcPair,
		"wc_createPairing":     s.rpcCreatePairing,
		"wc_listPairings":      s.rpcListPairings,
		"wc_pingPairing":       s.rpcPingPairing,
		"wc_disconnectPairing": s.rpcDisconnectPairing,
		"wc_propose":           s.rpcPropose,
		"wc_listProposals":     s.rpcListProposals,
		"wc_approve":           s.rpcApprove,
		"wc_reject":            s.rpcReject,
		"wc_listSessions":      s.rpcListSessions,
		"wc_request":           s.rpcRequest,
		"wc_respond":           s.rpcRespond,
		"wc_update":            s.rpcUpdate,
		"wc_extend":            s.rpcExtend,
		"wc_emit":              s.rpcEmit,
		"wc_ping":              s.rpcPing,
		"wc_disconnect":        s.rpcDisconnect,
		"wc_authenticate":      s.rpcAuthenticate,
		"wc_listAuthRequests":  s.rpcListAuthRequests,
		"wc_approveAuth":       s.rpcApproveAuthenticate,
		"wc_rejectAuth":        s.rpcRejectAuthenticate,
		"wc_nextRequest":       s.rpcNextRequest,
		"wc_notifications":     s.rpcNotifications,
	}
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func writeRPCInvalidRequest(w http.ResponseWriter, id json.RawMessage) {
	writeRPC(w, rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: -32600, Message: "invalid request"},
	})
}
