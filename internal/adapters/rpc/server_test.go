package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"wcsign/go-backend/internal/client"
	"wcsign/go-backend/internal/config"
	"wcsign/go-backend/internal/jsonrpc"
	"wcsign/go-backend/internal/pairing"
	"wcsign/go-backend/internal/relay"
	"wcsign/go-backend/internal/session"
	"wcsign/go-backend/pkg/models"
)

type wireResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

func newTestService(t *testing.T, ctx context.Context, bus *relay.Bus, name string) *client.Client {
	t.Helper()
	cfg := config.Default()
	cfg.Relay.Transport = relay.TransportMock
	cfg.Metadata = models.AppMetadata{Name: name, URL: "https://" + name + ".example"}
	c, err := client.New(ctx, client.Options{Config: cfg, Transport: bus.Transport()})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func newTestServer(svc Service, token string) *Server {
	return newServer(config.RPCConfig{ListenAddr: DefaultRPCAddr}, svc, token, token != "", Options{Gatherer: prometheus.NewRegistry()})
}

func rpcCall(t *testing.T, s *Server, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.HandleRPC(rec, req)
	return rec
}

func call(t *testing.T, s *Server, method string, params any) wireResponse {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	body := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":%q,"params":%s}`, method, raw)
	return decode(t, rpcCall(t, s, body, nil))
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) wireResponse {
	t.Helper()
	var resp wireResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode rpc response %q: %v", rec.Body.String(), err)
	}
	return resp
}

func mustResult(t *testing.T, resp wireResponse, v any) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("rpc error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	if v == nil {
		return
	}
	if err := json.Unmarshal(resp.Result, v); err != nil {
		t.Fatalf("decode result %s: %v", resp.Result, err)
	}
}

func TestRPCHealthzContract(t *testing.T) {
	s := newTestServer(nil, "")
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.HandleHealth(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("unexpected health body %s", rec.Body.String())
	}
}

func TestRPCRequiresToken(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newTestServer(newTestService(t, ctx, relay.NewBus(), "wallet"), "secret")
	body := `{"jsonrpc":"2.0","id":1,"method":"health_check"}`
	if rec := rpcCall(t, s, body, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	rec := rpcCall(t, s, body, map[string]string{"Authorization": "Bearer secret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get(requestIDHeader) == "" {
		t.Fatal("every answer carries a request id")
	}
}

func TestRPCWireErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newTestServer(newTestService(t, ctx, relay.NewBus(), "wallet"), "")

	cases := []struct {
		body string
		code int
	}{
		{`{not json`, -32700},
		{`{"jsonrpc":"1.0","id":1,"method":"health_check"}`, -32600},
		{`{"jsonrpc":"2.0","id":1,"method":"wc_unknown"}`, -32601},
		{`{"jsonrpc":"2.0","id":1,"method":"wc_pair","params":{}}`, -32602},
		{`{"jsonrpc":"2.0","id":1,"method":"wc_pair","params":{"uri":"wc:abc123@2?relay-protocol=irn&symKey=deadbeef"}}`, -32602},
		{`{"jsonrpc":"2.0","id":1,"method":"wc_disconnect","params":{"topic":"missing"}}`, codeNotFound},
	}
	for _, tc := range cases {
		resp := decode(t, rpcCall(t, s, tc.body, nil))
		if resp.Error == nil || resp.Error.Code != tc.code {
			t.Fatalf("%s: expected code %d, got %+v", tc.body, tc.code, resp.Error)
		}
	}
}

func TestRPCSessionFlowBetweenDaemons(t *testing.T) {
	t.Setenv(rpcRateLimitEnabledEnv, "false")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := relay.NewBus()
	dapp := newTestServer(newTestService(t, ctx, bus, "dapp"), "")
	wallet := newTestServer(newTestService(t, ctx, bus, "wallet"), "")

	var created struct {
		URI     string          `json:"uri"`
		Pairing pairing.Pairing `json:"pairing"`
	}
	mustResult(t, call(t, dapp, "wc_createPairing", map[string]any{}), &created)
	mustResult(t, call(t, wallet, "wc_pair", map[string]any{"uri": created.URI, "activate": true}), nil)

	var proposal session.Proposal
	mustResult(t, call(t, dapp, "wc_propose", map[string]any{
		"pairingTopic": created.Pairing.Topic,
		"requiredNamespaces": map[string]any{
			"eip155": map[string]any{"chains": []string{"eip155:1"}, "methods": []string{"personal_sign"}, "events": []string{"chainChanged"}},
		},
	}), &proposal)

	var proposals []session.Proposal
	deadline := time.Now().Add(3 * time.Second)
	for len(proposals) == 0 && time.Now().Before(deadline) {
		mustResult(t, call(t, wallet, "wc_listProposals", nil), &proposals)
		if len(proposals) == 0 {
			time.Sleep(10 * time.Millisecond)
		}
	}
	if len(proposals) != 1 || proposals[0].ID != proposal.ID {
		t.Fatalf("wallet never saw proposal %d: %+v", proposal.ID, proposals)
	}

	var settled session.Session
	mustResult(t, call(t, wallet, "wc_approve", map[string]any{
		"id": proposal.ID,
		"namespaces": map[string]any{
			"eip155": map[string]any{
				"chains":   []string{"eip155:1"},
				"accounts": []string{"eip155:1:0xab16a96d359ec26a11e2c2b3d8f8b8942d5bfcdb"},
				"methods":  []string{"personal_sign"},
				"events":   []string{"chainChanged"},
			},
		},
	}), &settled)

	var sessions []session.Session
	deadline = time.Now().Add(3 * time.Second)
	for len(sessions) == 0 && time.Now().Before(deadline) {
		mustResult(t, call(t, dapp, "wc_listSessions", nil), &sessions)
		if len(sessions) == 0 {
			time.Sleep(10 * time.Millisecond)
		}
	}
	if len(sessions) != 1 || sessions[0].Topic != settled.Topic {
		t.Fatalf("dapp never settled %s: %+v", settled.Topic, sessions)
	}

	unauthorized := call(t, dapp, "wc_request", map[string]any{
		"topic": settled.Topic, "chainId": "eip155:1",
		"request": map[string]any{"method": "eth_sendTransaction", "params": []any{}},
	})
	if unauthorized.Error == nil || unauthorized.Error.Code != session.CodeOf(session.KindUnauthorizedMethod) {
		t.Fatalf("expected unauthorized method, got %+v", unauthorized.Error)
	}

	answer := make(chan wireResponse, 1)
	go func() {
		body := fmt.Sprintf(`{"jsonrpc":"2.0","id":7,"method":"wc_request","params":{"topic":%q,"chainId":"eip155:1","request":{"method":"personal_sign","params":["0xdeadbeef"]}}}`, settled.Topic)
		req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewBufferString(body))
		rec := httptest.NewRecorder()
		dapp.HandleRPC(rec, req)
		var resp wireResponse
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
		answer <- resp
	}()

	var pending session.PendingRequest
	mustResult(t, call(t, wallet, "wc_nextRequest", map[string]any{"timeoutMs": 3000}), &pending)
	if pending.Method != "personal_sign" {
		t.Fatalf("unexpected pending request %+v", pending)
	}
	mustResult(t, call(t, wallet, "wc_respond", map[string]any{"topic": pending.Topic, "id": pending.ID, "result": "0xsigned"}), nil)

	select {
	case resp := <-answer:
		var sig string
		mustResult(t, resp, &sig)
		if sig != "0xsigned" {
			t.Fatalf("unexpected signature %q", sig)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("wc_request never returned")
	}

	var none json.RawMessage
	mustResult(t, call(t, wallet, "wc_nextRequest", map[string]any{"timeoutMs": 20}), &none)
	if string(none) != "null" {
		t.Fatalf("expected null on timeout, got %s", none)
	}

	mustResult(t, call(t, dapp, "wc_disconnect", map[string]any{"topic": settled.Topic}), nil)
	var notes []client.Notification
	mustResult(t, call(t, wallet, "wc_notifications", map[string]any{"cursor": 0}), &notes)
	if len(notes) == 0 {
		t.Fatal("wallet should have recorded notifications")
	}
}

func TestRPCIdempotencyReplaysAnswer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newTestServer(newTestService(t, ctx, relay.NewBus(), "dapp"), "")
	body := `{"jsonrpc":"2.0","id":1,"method":"wc_createPairing","params":{}}`
	headers := map[string]string{rpcIdempotencyHeader: "create-1"}

	first := decode(t, rpcCall(t, s, body, headers))
	second := decode(t, rpcCall(t, s, body, headers))
	if first.Error != nil || string(first.Result) != string(second.Result) {
		t.Fatalf("retry must replay the first answer:\n%s\n%s", first.Result, second.Result)
	}
	var pairings []pairing.Pairing
	mustResult(t, call(t, s, "wc_listPairings", nil), &pairings)
	if len(pairings) != 1 {
		t.Fatalf("expected a single pairing, got %d", len(pairings))
	}

	conflict := decode(t, rpcCall(t, s, `{"jsonrpc":"2.0","id":2,"method":"wc_listPairings"}`, headers))
	if conflict.Error == nil || conflict.Error.Code != -32090 {
		t.Fatalf("expected idempotency conflict, got %+v", conflict.Error)
	}
}

func TestRPCRateLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newTestServer(newTestService(t, ctx, relay.NewBus(), "wallet"), "")
	s.rpcLimiter = newRPCRateLimiter(rpcRateLimitConfig{Enabled: true, RPS: 0.001, Burst: 1})
	body := `{"jsonrpc":"2.0","id":1,"method":"health_check"}`
	if rec := rpcCall(t, s, body, nil); rec.Code != http.StatusOK {
		t.Fatalf("first call should pass, got %d", rec.Code)
	}
	if rec := rpcCall(t, s, body, nil); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second call should be limited, got %d", rec.Code)
	}
}

func TestStreamLimiter(t *testing.T) {
	l := newRPCStreamLimiter(rpcStreamLimitConfig{MaxGlobal: 2, MaxPerClient: 1})
	release, ok := l.acquire("a")
	if !ok {
		t.Fatal("first stream must be admitted")
	}
	if _, ok := l.acquire("a"); ok {
		t.Fatal("per client cap exceeded")
	}
	if _, ok := l.acquire("b"); !ok {
		t.Fatal("second client must be admitted")
	}
	if _, ok := l.acquire("c"); ok {
		t.Fatal("global cap exceeded")
	}
	release()
	release()
	if _, ok := l.acquire("c"); !ok {
		t.Fatal("released slot must be reusable")
	}
	if l.total != 2 {
		t.Fatalf("double release must not underflow, total=%d", l.total)
	}
}

func TestMapServiceError(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{session.NewValidationError(session.KindUnauthorizedEvent, ""), 3002},
		{&jsonrpc.ErrorObject{Code: 5000, Message: "User rejected."}, 5000},
		{fmt.Errorf("wrap: %w", pairing.ErrNotFound), codeNotFound},
		{session.ErrSessionExpired, codeExpired},
		{pairing.ErrAlreadyActive, codeConflict},
		{session.ErrNotController, codeForbidden},
		{context.DeadlineExceeded, codeTimeout},
		{errors.New("boom"), codeServiceError},
	}
	for _, tc := range cases {
		if got := mapServiceError(tc.err); got.Code != tc.code {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.code, got.Code)
		}
	}
}

func TestRPCAuthenticateRequests(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newTestServer(newTestService(t, ctx, relay.NewBus(), "dapp"), "")

	var created struct {
		Pairing pairing.Pairing `json:"pairing"`
	}
	mustResult(t, call(t, s, "wc_createPairing", nil), &created)

	payload := map[string]any{"chains": []string{"eip155:1"}, "domain": "app.example", "aud": "https://app.example/login"}
	missingNonce := call(t, s, "wc_authenticate", map[string]any{"pairingTopic": created.Pairing.Topic, "payload": payload})
	if missingNonce.Error == nil || missingNonce.Error.Code != -32602 {
		t.Fatalf("expected invalid params, got %+v", missingNonce.Error)
	}

	payload["nonce"] = "n0nce"
	var started struct {
		ID int64 `json:"id"`
	}
	mustResult(t, call(t, s, "wc_authenticate", map[string]any{
		"pairingTopic": created.Pairing.Topic,
		"payload":      payload,
		"methods":      []string{"personal_sign"},
	}), &started)
	if started.ID == 0 {
		t.Fatal("authenticate must return the request id")
	}

	unknown := call(t, s, "wc_approveAuth", map[string]any{"id": 42, "cacaos": []any{}})
	if unknown.Error == nil || unknown.Error.Code != codeNotFound {
		t.Fatalf("expected not found, got %+v", unknown.Error)
	}
	var pending []session.AuthRequest
	mustResult(t, call(t, s, "wc_listAuthRequests", nil), &pending)
	if len(pending) != 0 {
		t.Fatalf("requester side holds no inbound auth requests, got %d", len(pending))
	}
}
