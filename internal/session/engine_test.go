package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"wcsign/go-backend/internal/cacao"
	"wcsign/go-backend/internal/crypto"
	"wcsign/go-backend/internal/jsonrpc"
	"wcsign/go-backend/internal/pairing"
	"wcsign/go-backend/internal/relay"
	"wcsign/go-backend/pkg/models"
)

type peer struct {
	conn    *relay.Connection
	keys    *crypto.InMemoryKeyStore
	rpc     *jsonrpc.Interactor
	pairing *pairing.Engine
	engine  *Engine
}

func newPeer(t *testing.T, ctx context.Context, bus *relay.Bus, name string) *peer {
	t.Helper()
	cfg := relay.DefaultConfig()
	cfg.Transport = relay.TransportMock
	conn := relay.NewConnection(ctx, cfg, bus.Transport())
	if err := conn.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	keys := crypto.NewInMemoryKeyStore()
	rpc := jsonrpc.NewInteractor(crypto.NewChaChaPolyCodec(keys), conn, nil, nil)
	pe := pairing.NewEngine(pairing.Options{Keys: keys, Relay: conn, RPC: rpc})
	pe.RegisterMethods(Methods()...)
	p := &peer{
		conn:    conn,
		keys:    keys,
		rpc:     rpc,
		pairing: pe,
		engine: NewEngine(Options{
			Metadata: models.AppMetadata{Name: name, URL: "https://" + name + ".example"},
			Keys:     keys,
			Relay:    conn,
			RPC:      rpc,
			Pairings: pe,
		}),
	}
	t.Cleanup(p.engine.Close)
	go func() {
		for {
			select {
			case msg := <-conn.Messages():
				_ = rpc.Handle(ctx, msg)
			case <-ctx.Done():
				return
			}
		}
	}()
	return p
}

// pairPeers returns a dapp and a wallet sharing one pairing.
func pairPeers(t *testing.T, ctx context.Context) (*peer, *peer, string) {
	t.Helper()
	bus := relay.NewBus()
	dapp := newPeer(t, ctx, bus, "dapp")
	wallet := newPeer(t, ctx, bus, "wallet")
	uri, _, err := dapp.pairing.Create(ctx)
	if err != nil {
		t.Fatalf("create pairing: %v", err)
	}
	if _, err := wallet.pairing.Pair(ctx, uri.String(), true); err != nil {
		t.Fatalf("pair: %v", err)
	}
	return dapp, wallet, uri.Topic
}

func waitEvent(t *testing.T, e *Engine, typ EventType) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-e.Events():
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func requiredEVM() map[string]ProposalNamespace {
	return map[string]ProposalNamespace{
		"eip155": {Chains: []string{"eip155:1"}, Methods: []string{"personal_sign"}, Events: []string{"chainChanged"}},
	}
}

// settle runs a full propose/approve round and returns the session topic.
func settle(t *testing.T, ctx context.Context, dapp, wallet *peer, pairingTopic string) string {
	t.Helper()
	if _, err := dapp.engine.Propose(ctx, pairingTopic, requiredEVM(), nil, nil); err != nil {
		t.Fatalf("propose: %v", err)
	}
	ev := waitEvent(t, wallet.engine, EventProposal)
	s, err := wallet.engine.Approve(ctx, ev.ID, evmNamespaces(), nil)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	settled := waitEvent(t, dapp.engine, EventSettled)
	if settled.Topic != s.Topic {
		t.Fatalf("topic mismatch: dapp %s wallet %s", settled.Topic, s.Topic)
	}
	waitEvent(t, wallet.engine, EventSettled)
	return s.Topic
}

func TestProposeApproveSettlesBothSides(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dapp, wallet, pairingTopic := pairPeers(t, ctx)
	topic := settle(t, ctx, dapp, wallet, pairingTopic)

	if topic == pairingTopic {
		t.Fatal("session topic must differ from pairing topic")
	}
	ds, err := dapp.engine.Get(ctx, topic)
	if err != nil {
		t.Fatalf("dapp session: %v", err)
	}
	ws, err := wallet.engine.Get(ctx, topic)
	if err != nil {
		t.Fatalf("wallet session: %v", err)
	}
	if !ws.Acknowledged || !ds.Acknowledged {
		t.Fatal("both sides must be acknowledged")
	}
	if !ws.IsController() || ds.IsController() {
		t.Fatal("the wallet controls the session")
	}
	if ds.Peer.Metadata.Name != "wallet" || ws.Peer.Metadata.Name != "dapp" {
		t.Fatalf("peer metadata not exchanged: %+v / %+v", ds.Peer, ws.Peer)
	}
	if ds.PairingTopic != pairingTopic {
		t.Fatalf("unexpected pairing topic %s", ds.PairingTopic)
	}
	p, err := dapp.pairing.Get(ctx, pairingTopic)
	if err != nil || !p.Active {
		t.Fatalf("pairing should be active after settle: %+v err=%v", p, err)
	}
	if len(dapp.engine.ListProposals()) != 0 || len(wallet.engine.ListProposals()) != 0 {
		t.Fatal("proposals must be consumed by settlement")
	}
}

func TestRejectProposal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dapp, wallet, pairingTopic := pairPeers(t, ctx)

	p, err := dapp.engine.Propose(ctx, pairingTopic, requiredEVM(), nil, nil)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	ev := waitEvent(t, wallet.engine, EventProposal)
	if ev.ID != p.ID {
		t.Fatalf("proposal id mismatch %d vs %d", ev.ID, p.ID)
	}
	if err := wallet.engine.Reject(ctx, ev.ID, nil); err != nil {
		t.Fatalf("reject: %v", err)
	}
	rejected := waitEvent(t, dapp.engine, EventProposalRejected)
	var rpcErr *jsonrpc.ErrorObject
	if !errors.As(rejected.Err, &rpcErr) || rpcErr.Code != 5000 {
		t.Fatalf("expected user rejected 5000, got %v", rejected.Err)
	}
	if _, err := dapp.engine.GetProposal(p.ID); !errors.Is(err, ErrProposalNotFound) {
		t.Fatalf("rejected proposal should be gone, got %v", err)
	}
}

func TestApproveMissingRequiredMethodFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dapp, wallet, pairingTopic := pairPeers(t, ctx)
	if _, err := dapp.engine.Propose(ctx, pairingTopic, requiredEVM(), nil, nil); err != nil {
		t.Fatalf("propose: %v", err)
	}
	ev := waitEvent(t, wallet.engine, EventProposal)
	ns := evmNamespaces()
	n := ns["eip155"]
	n.Methods = []string{"eth_sendTransaction"}
	ns["eip155"] = n
	_, err := wallet.engine.Approve(ctx, ev.ID, ns, nil)
	if kind, _ := KindOf(err); kind != KindUserRejectedMethods {
		t.Fatalf("expected user rejected methods, got %v", err)
	}
}

func TestFailedApprovalLeavesNoSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dapp, wallet, pairingTopic := pairPeers(t, ctx)
	if _, err := dapp.engine.Propose(ctx, pairingTopic, requiredEVM(), nil, nil); err != nil {
		t.Fatalf("propose: %v", err)
	}
	ev := waitEvent(t, wallet.engine, EventProposal)
	subscribed := wallet.conn.Status().Subscribed

	pairingKey, err := wallet.keys.GetSymKey(pairingTopic)
	if err != nil {
		t.Fatalf("pairing key: %v", err)
	}
	_ = wallet.keys.DeleteTopic(pairingTopic)
	if _, err := wallet.engine.Approve(ctx, ev.ID, evmNamespaces(), nil); !errors.Is(err, crypto.ErrKeyNotFound) {
		t.Fatalf("expected missing pairing key, got %v", err)
	}
	if n := len(wallet.engine.List(ctx)); n != 0 {
		t.Fatalf("failed approval left %d sessions", n)
	}
	if got := wallet.conn.Status().Subscribed; got != subscribed {
		t.Fatalf("failed approval left a subscription: %d, want %d", got, subscribed)
	}

	// The proposal stays answerable once the pairing key is back.
	_ = wallet.keys.SetSymKey(pairingTopic, pairingKey)
	s, err := wallet.engine.Approve(ctx, ev.ID, evmNamespaces(), nil)
	if err != nil {
		t.Fatalf("retry approve: %v", err)
	}
	settled := waitEvent(t, dapp.engine, EventSettled)
	if settled.Topic != s.Topic {
		t.Fatalf("topic mismatch: dapp %s wallet %s", settled.Topic, s.Topic)
	}
}

// failingSubscriber refuses every subscription.
type failingSubscriber struct{}

func (failingSubscriber) Subscribe(context.Context, string) (string, error) {
	return "", relay.ErrNotConnected
}

func (failingSubscriber) Unsubscribe(context.Context, string) error { return nil }

func TestUnauthorizedMethodRejectedBeforeDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dapp, wallet, pairingTopic := pairPeers(t, ctx)
	topic := settle(t, ctx, dapp, wallet, pairingTopic)

	cases := []struct {
		chainID string
		method  string
		code    int
	}{
		{chainID: "eip155:1", method: "eth_signTypedData_v4", code: 3001},
		{chainID: "eip155:10", method: "personal_sign", code: 3005},
	}
	for _, tc := range cases {
		// Bypass the local check to exercise the receiving side.
		raw := requestParams{
			Request: requestBody{Method: tc.method, Params: json.RawMessage(`[]`)},
			ChainID: tc.chainID,
		}
		waitCtx, waitCancel := context.WithTimeout(ctx, 3*time.Second)
		_, err := dapp.rpc.RequestAwait(waitCtx, topic, jsonrpc.MethodSessionRequest, raw)
		waitCancel()
		var rpcErr *jsonrpc.ErrorObject
		if !errors.As(err, &rpcErr) || rpcErr.Code != tc.code {
			t.Fatalf("%s on %s: expected code %d, got %v", tc.method, tc.chainID, tc.code, err)
		}
	}
	select {
	case req := <-wallet.engine.Requests():
		t.Fatalf("unauthorized request reached the application: %+v", req)
	case <-time.After(100 * time.Millisecond):
	}

	if _, err := dapp.engine.Request(ctx, topic, "eip155:1", "eth_signTypedData_v4", []string{}, 0); err == nil {
		t.Fatal("local check must reject ungranted method")
	}
}

func TestSessionRequestRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dapp, wallet, pairingTopic := pairPeers(t, ctx)
	topic := settle(t, ctx, dapp, wallet, pairingTopic)

	type answer struct {
		resp jsonrpc.Response
		err  error
	}
	done := make(chan answer, 1)
	go func() {
		resp, err := dapp.engine.Request(ctx, topic, "eip155:1", "personal_sign", []string{"0x68656c6c6f", "0xab16"}, 0)
		done <- answer{resp, err}
	}()

	var pending PendingRequest
	select {
	case pending = <-wallet.engine.Requests():
	case <-time.After(3 * time.Second):
		t.Fatal("request not delivered")
	}
	if pending.Method != "personal_sign" || pending.ChainID != "eip155:1" || pending.Topic != topic {
		t.Fatalf("unexpected pending request %+v", pending)
	}
	if pending.Expiry.IsZero() {
		t.Fatal("request expiry should be carried")
	}
	resp, err := jsonrpc.NewResult(pending.ID, "0xsignature")
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if err := wallet.engine.Respond(ctx, topic, resp); err != nil {
		t.Fatalf("respond: %v", err)
	}

	got := <-done
	if got.err != nil {
		t.Fatalf("request: %v", got.err)
	}
	var sig string
	if err := jsonrpc.DecodeResult(got.resp, &sig); err != nil || sig != "0xsignature" {
		t.Fatalf("unexpected result %q err=%v", sig, err)
	}
}

func TestEmitEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dapp, wallet, pairingTopic := pairPeers(t, ctx)
	topic := settle(t, ctx, dapp, wallet, pairingTopic)

	event := SessionEvent{Name: "accountsChanged", Data: json.RawMessage(`["0xab16"]`)}
	if err := wallet.engine.Emit(ctx, topic, "eip155:1", event); err != nil {
		t.Fatalf("emit: %v", err)
	}
	ev := waitEvent(t, dapp.engine, EventEmitted)
	if ev.Event == nil || ev.Event.Name != "accountsChanged" || ev.ChainID != "eip155:1" {
		t.Fatalf("unexpected event %+v", ev)
	}
	err := wallet.engine.Emit(ctx, topic, "eip155:1", SessionEvent{Name: "walletLocked"})
	if kind, _ := KindOf(err); kind != KindUnauthorizedEvent {
		t.Fatalf("expected unauthorized event, got %v", err)
	}
}

func TestUpdateAndExtendByController(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dapp, wallet, pairingTopic := pairPeers(t, ctx)
	topic := settle(t, ctx, dapp, wallet, pairingTopic)

	ns := evmNamespaces()
	n := ns["eip155"]
	n.Methods = append(n.Methods, "eth_signTypedData_v4")
	ns["eip155"] = n
	if err := dapp.engine.Update(ctx, topic, ns); !errors.Is(err, ErrNotController) {
		t.Fatalf("dapp must not update, got %v", err)
	}
	if err := wallet.engine.Update(ctx, topic, ns); err != nil {
		t.Fatalf("update: %v", err)
	}
	waitEvent(t, dapp.engine, EventUpdated)
	ds, err := dapp.engine.Get(ctx, topic)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := AuthorizeMethod(ds.Namespaces, "eip155:1", "eth_signTypedData_v4"); err != nil {
		t.Fatalf("update not applied: %v", err)
	}

	before := ds.Expiry
	if _, err := dapp.engine.Extend(ctx, topic); !errors.Is(err, ErrNotController) {
		t.Fatalf("dapp must not extend, got %v", err)
	}
	time.Sleep(1100 * time.Millisecond)
	if _, err := wallet.engine.Extend(ctx, topic); err != nil {
		t.Fatalf("extend: %v", err)
	}
	waitEvent(t, dapp.engine, EventExtended)
	ds, _ = dapp.engine.Get(ctx, topic)
	if !ds.Expiry.After(before) {
		t.Fatalf("expiry not extended: %s -> %s", before, ds.Expiry)
	}
}

func TestDisconnectKeepsPairing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dapp, wallet, pairingTopic := pairPeers(t, ctx)
	topic := settle(t, ctx, dapp, wallet, pairingTopic)

	pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
	defer pingCancel()
	if err := dapp.engine.Ping(pingCtx, topic); err != nil {
		t.Fatalf("ping: %v", err)
	}

	if err := dapp.engine.Disconnect(ctx, topic); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	waitEvent(t, wallet.engine, EventDeleted)
	for name, p := range map[string]*peer{"dapp": dapp, "wallet": wallet} {
		if _, err := p.engine.Get(ctx, topic); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("%s: expected session gone, got %v", name, err)
		}
		if _, err := p.keys.GetSymKey(topic); err == nil {
			t.Fatalf("%s: session key survived", name)
		}
		if _, err := p.pairing.Get(ctx, pairingTopic); err != nil {
			t.Fatalf("%s: pairing must survive session delete: %v", name, err)
		}
	}
}

func authParams() AuthParams {
	return AuthParams{
		Payload: cacao.Request{
			Chains:    []string{"eip155:1"},
			Domain:    "dapp.example",
			Aud:       "https://dapp.example/login",
			Nonce:     "32891756",
			Statement: "Sign in to dapp",
		},
		Methods: []string{"personal_sign", "eth_sendTransaction"},
	}
}

func TestAuthenticateOpensSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dapp, wallet, pairingTopic := pairPeers(t, ctx)

	id, err := dapp.engine.Authenticate(ctx, pairingTopic, authParams())
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	ev := waitEvent(t, wallet.engine, EventAuthRequest)
	if ev.ID != id {
		t.Fatalf("id mismatch %d vs %d", ev.ID, id)
	}
	ar, err := wallet.engine.GetAuthRequest(id)
	if err != nil {
		t.Fatalf("auth request: %v", err)
	}
	signer, err := cacao.GeneratePrivateKeySigner()
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	cacaos, err := ar.Sign(ctx, signer)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	ws, err := wallet.engine.ApproveAuthenticate(ctx, id, cacaos)
	if err != nil {
		t.Fatalf("approve authenticate: %v", err)
	}

	done := waitEvent(t, dapp.engine, EventAuthenticated)
	if done.Topic != ws.Topic {
		t.Fatalf("session topic mismatch %s vs %s", done.Topic, ws.Topic)
	}
	ds, err := dapp.engine.Get(ctx, done.Topic)
	if err != nil {
		t.Fatalf("dapp session: %v", err)
	}
	account := signer.Account("eip155:1")
	n := ds.Namespaces["eip155"]
	if len(n.Accounts) != 1 || n.Accounts[0] != account {
		t.Fatalf("unexpected accounts %v, want %s", n.Accounts, account)
	}
	if err := AuthorizeMethod(ds.Namespaces, "eip155:1", "personal_sign"); err != nil {
		t.Fatalf("recap methods not granted: %v", err)
	}
	if len(ds.Authentication) != 1 {
		t.Fatalf("expected the cacao on the session, got %d", len(ds.Authentication))
	}
}

func TestAuthenticateRejectsForgedCacao(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dapp, wallet, pairingTopic := pairPeers(t, ctx)

	id, err := dapp.engine.Authenticate(ctx, pairingTopic, authParams())
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	waitEvent(t, wallet.engine, EventAuthRequest)
	ar, _ := wallet.engine.GetAuthRequest(id)

	claimed, _ := cacao.GeneratePrivateKeySigner()
	actual, _ := cacao.GeneratePrivateKeySigner()
	forged, err := cacao.Sign(ctx, actual, ar.Payload.PayloadFor(claimed.Account("eip155:1")))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := wallet.engine.ApproveAuthenticate(ctx, id, []cacao.Cacao{forged}); !errors.Is(err, cacao.ErrSignatureMismatch) {
		t.Fatalf("expected signature mismatch, got %v", err)
	}

	if err := wallet.engine.RejectAuthenticate(ctx, id, nil); err != nil {
		t.Fatalf("reject authenticate: %v", err)
	}
	rejected := waitEvent(t, dapp.engine, EventAuthRejected)
	var rpcErr *jsonrpc.ErrorObject
	if !errors.As(rejected.Err, &rpcErr) || rpcErr.Code != 5000 {
		t.Fatalf("expected 5000 rejection, got %v", rejected.Err)
	}
	if len(dapp.engine.List(ctx)) != 0 {
		t.Fatal("rejected authenticate must not open a session")
	}
}

func TestFailedAuthenticateApprovalLeavesNoSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dapp, wallet, pairingTopic := pairPeers(t, ctx)

	id, err := dapp.engine.Authenticate(ctx, pairingTopic, authParams())
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	waitEvent(t, wallet.engine, EventAuthRequest)
	ar, _ := wallet.engine.GetAuthRequest(id)
	signer, _ := cacao.GeneratePrivateKeySigner()
	cacaos, err := ar.Sign(ctx, signer)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	wallet.engine.relay = failingSubscriber{}
	if _, err := wallet.engine.ApproveAuthenticate(ctx, id, cacaos); !errors.Is(err, relay.ErrNotConnected) {
		t.Fatalf("expected subscribe failure, got %v", err)
	}
	if n := len(wallet.engine.List(ctx)); n != 0 {
		t.Fatalf("failed approval left %d sessions", n)
	}

	wallet.engine.relay = wallet.conn
	ws, err := wallet.engine.ApproveAuthenticate(ctx, id, cacaos)
	if err != nil {
		t.Fatalf("retry approve authenticate: %v", err)
	}
	if done := waitEvent(t, dapp.engine, EventAuthenticated); done.Topic != ws.Topic {
		t.Fatalf("session topic mismatch %s vs %s", done.Topic, ws.Topic)
	}
}

func TestExpiredProposalIsDroppedOnRead(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	e := NewEngine(Options{
		Keys: crypto.NewInMemoryKeyStore(),
		RPC:  jsonrpc.NewInteractor(crypto.NewChaChaPolyCodec(crypto.NewInMemoryKeyStore()), nil, nil, nil),
		Now:  func() time.Time { return now },
	})
	defer e.Close()
	if err := e.proposals.Put(proposalKey(7), Proposal{ID: 7, Expiry: now.Add(-time.Second)}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := e.GetProposal(7); !errors.Is(err, ErrProposalExpired) {
		t.Fatalf("expected ErrProposalExpired, got %v", err)
	}
	if _, err := e.GetProposal(7); !errors.Is(err, ErrProposalNotFound) {
		t.Fatalf("expected ErrProposalNotFound after lazy expiry, got %v", err)
	}
}

func TestProposalAtExactExpiryIsStillLive(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	e := NewEngine(Options{
		Keys: crypto.NewInMemoryKeyStore(),
		RPC:  jsonrpc.NewInteractor(crypto.NewChaChaPolyCodec(crypto.NewInMemoryKeyStore()), nil, nil, nil),
		Now:  func() time.Time { return now },
	})
	defer e.Close()
	if err := e.proposals.Put(proposalKey(8), Proposal{ID: 8, Expiry: now}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := e.GetProposal(8); err != nil {
		t.Fatalf("proposal at its expiry instant: %v", err)
	}
	now = now.Add(time.Second)
	if _, err := e.GetProposal(8); !errors.Is(err, ErrProposalExpired) {
		t.Fatalf("expected ErrProposalExpired one second later, got %v", err)
	}
}
