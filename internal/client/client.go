package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"wcsign/go-backend/internal/cacao"
	"wcsign/go-backend/internal/config"
	"wcsign/go-backend/internal/crypto"
	"wcsign/go-backend/internal/didjwt"
	"wcsign/go-backend/internal/identity"
	"wcsign/go-backend/internal/jsonrpc"
	"wcsign/go-backend/internal/pairing"
	"wcsign/go-backend/internal/relay"
	"wcsign/go-backend/internal/securestore"
	"wcsign/go-backend/internal/session"
	"wcsign/go-backend/internal/storage"
	"wcsign/go-backend/internal/verify"
	"wcsign/go-backend/pkg/models"
)

const (
	sweepInterval     = time.Minute
	notificationLimit = 2048
)

var (
	ErrNotStarted     = errors.New("client is not started")
	ErrAlreadyStarted = errors.New("client is already started")
)

type Options struct {
	Config config.Config
	// Identity signs relay auth tokens. Without it the websocket relay is dialed anonymously.
	Identity *identity.Manager
	// Transport replaces the transport chosen by Config.Relay.Transport.
	Transport     relay.TransportFactory
	Resolver      verify.AttestationResolver
	SmartAccounts cacao.SmartAccountVerifier
	Registerer    prometheus.Registerer
	Network       relay.NetworkMonitor
	Logger        *slog.Logger
	Now           func() time.Time
}

// Client owns one relay connection and the engines running over it.
type Client struct {
	cfg    config.Config
	logger *slog.Logger
	now    func() time.Time

	keys    crypto.KeyStore
	conn    *relay.Connection
	rpc     *jsonrpc.Interactor
	verify  *verify.Service
	pairing *pairing.Engine
	session *session.Engine
	hub     *NotificationHub

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds the client. ctx bounds the relay connection and its retries.
func New(ctx context.Context, opts Options) (*Client, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	st, err := openStores(cfg.Storage)
	if err != nil {
		return nil, err
	}

	factory := opts.Transport
	if factory == nil {
		factory, err = transportFor(cfg.Relay, opts.Identity)
		if err != nil {
			return nil, err
		}
	}
	connOpts := []relay.Option{
		relay.WithLogger(logger.With("component", "relay")),
		relay.WithClock(now),
		relay.WithMetrics(relay.NewMetrics(opts.Registerer)),
	}
	if opts.Network != nil {
		connOpts = append(connOpts, relay.WithNetworkMonitor(opts.Network))
	}
	conn := relay.NewConnection(ctx, cfg.Relay, factory, connOpts...)

	rpc := jsonrpc.NewInteractor(crypto.NewChaChaPolyCodec(st.keys), conn, jsonrpc.NewHistory(st.history), logger.With("component", "jsonrpc"))

	resolver := opts.Resolver
	if resolver == nil {
		resolver = verify.NewHTTPResolver(cfg.Relay.RequestTimeout)
	}
	verifier := verify.NewService(resolver, cfg.Metadata.VerifyURL, st.verify, logger.With("component", "verify"))

	smart := opts.SmartAccounts
	if smart == nil {
		smart = cacao.NewRPCVerifier("", cfg.Relay.ProjectID)
	}

	pe := pairing.NewEngine(pairing.Options{
		Keys:   st.keys,
		Relay:  conn,
		RPC:    rpc,
		Store:  st.pairings,
		Logger: logger.With("component", "pairing"),
		Now:    now,
	})
	pe.RegisterMethods(session.Methods()...)

	se := session.NewEngine(session.Options{
		Metadata:     cfg.Metadata,
		Keys:         st.keys,
		Relay:        conn,
		RPC:          rpc,
		Pairings:     pe,
		Sessions:     st.sessions,
		Proposals:    st.proposals,
		AuthRequests: st.authRequests,
		Verify:       verifier,
		CacaoVerify:  cacao.NewVerifier(smart, logger.With("component", "cacao")),
		Logger:       logger.With("component", "session"),
		Now:          now,
	})

	return &Client{
		cfg:     cfg,
		logger:  logger,
		now:     now,
		keys:    st.keys,
		conn:    conn,
		rpc:     rpc,
		verify:  verifier,
		pairing: pe,
		session: se,
		hub:     NewNotificationHub(notificationLimit),
	}, nil
}

func (c *Client) Pairing() *pairing.Engine { return c.pairing }

func (c *Client) Session() *session.Engine { return c.session }

func (c *Client) Notifications() *NotificationHub { return c.hub }

func (c *Client) Status() models.ConnectionStatus { return c.conn.Status() }

// Start connects, restores subscriptions of stored pairings and sessions and
// runs the dispatch loops until Stop or ctx ends.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.started = true
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(3)
	go c.dispatchLoop(loopCtx)
	go c.eventLoop(loopCtx)
	go c.sweepLoop(loopCtx)

	if err := c.conn.Connect(ctx); err != nil {
		if c.cfg.Relay.ConnectionType == relay.ConnectionTypeManual {
			_ = c.Stop(ctx)
			return fmt.Errorf("relay connect: %w", err)
		}
		c.logger.Warn("relay unavailable, retrying in background", "reason", err.Error())
	}
	c.restoreSubscriptions(ctx)
	return nil
}

func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return ErrNotStarted
	}
	c.started = false
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	err := c.conn.Disconnect(ctx)
	cancel()
	c.wg.Wait()
	return err
}

// Close stops the client for good; the session request stream ends.
func (c *Client) Close(ctx context.Context) error {
	err := c.Stop(ctx)
	c.session.Close()
	if errors.Is(err, ErrNotStarted) {
		return nil
	}
	return err
}

// NextRequest waits for the next authorized inbound session request.
func (c *Client) NextRequest(ctx context.Context) (session.PendingRequest, error) {
	select {
	case req, ok := <-c.session.Requests():
		if !ok {
			return session.PendingRequest{}, ErrNotStarted
		}
		return req, nil
	case <-ctx.Done():
		return session.PendingRequest{}, ctx.Err()
	}
}

func (c *Client) restoreSubscriptions(ctx context.Context) {
	topics := make([]string, 0)
	for _, p := range c.pairing.List(ctx) {
		topics = append(topics, p.Topic)
	}
	for _, s := range c.session.List(ctx) {
		topics = append(topics, s.Topic)
	}
	for _, topic := range topics {
		if _, err := c.conn.Subscribe(ctx, topic); err != nil {
			c.logger.Warn("resubscribe failed", "topic", topic, "reason", err.Error())
		}
	}
	if len(topics) > 0 {
		c.logger.Info("subscriptions restored", "count", len(topics))
	}
}

func (c *Client) dispatchLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.conn.Messages():
			if !ok {
				return
			}
			if err := c.rpc.Handle(ctx, msg); err != nil {
				c.logger.Debug("inbound message dropped", "topic", msg.Topic, "reason", err.Error())
			}
		}
	}
}

func (c *Client) eventLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.pairing.Events():
			c.hub.Publish("pairing_"+string(ev.Type), ev.Topic, nil)
		case ev := <-c.session.Events():
			c.hub.Publish(string(ev.Type), ev.Topic, sessionPayload(ev))
		case ev := <-c.conn.States():
			payload := map[string]any{"state": ev.State}
			if ev.Reason != nil {
				payload["reason"] = ev.Reason.String()
			}
			c.hub.Publish("relay_state", "", payload)
		case err := <-c.conn.Errors():
			c.hub.Publish("relay_error", "", map[string]any{"error": err.Error()})
		}
	}
}

func (c *Client) sweepLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p := c.pairing.ExpireStale(ctx)
			s := c.session.ExpireStale(ctx)
			h, err := c.rpc.History().Prune(time.Now())
			if err != nil {
				c.logger.Warn("history prune failed", "reason", err.Error())
			}
			if p+s+h > 0 {
				c.logger.Info("expired entries removed", "pairings", p, "sessions", s, "history", h)
			}
		}
	}
}

func sessionPayload(ev session.Event) map[string]any {
	out := map[string]any{}
	if ev.ID != 0 {
		out["id"] = ev.ID
	}
	if ev.ChainID != "" {
		out["chainId"] = ev.ChainID
	}
	if ev.Event != nil {
		out["event"] = ev.Event
	}
	if ev.Err != nil {
		out["error"] = ev.Err.Error()
	}
	return out
}

func transportFor(cfg relay.Config, id *identity.Manager) (relay.TransportFactory, error) {
	switch cfg.Transport {
	case relay.TransportWebsocket, "":
		var auth relay.AuthTokenFunc
		if id != nil {
			auth = func(relayURL string) (string, error) {
				return id.RelayAuthToken(relayURL, didjwt.DefaultRelayAuthTTL)
			}
		}
		return relay.NewWebsocketTransport(cfg, auth), nil
	case relay.TransportGoWaku:
		return relay.NewGoWakuTransport(cfg), nil
	case relay.TransportMock:
		return relay.NewBus().Transport(), nil
	default:
		return nil, fmt.Errorf("%w: unknown relay transport %q", config.ErrInvalidConfig, cfg.Transport)
	}
}

type stores struct {
	keys         crypto.KeyStore
	history      *storage.Table[jsonrpc.Record]
	pairings     *storage.Table[pairing.Pairing]
	sessions     *storage.Table[session.Session]
	proposals    *storage.Table[session.Proposal]
	authRequests *storage.Table[session.AuthRequest]
	verify       *storage.Table[verify.Context]
}

// openStores returns encrypted file tables when a data dir and passphrase are
// configured, memory tables otherwise.
func openStores(cfg config.StorageConfig) (stores, error) {
	if !securestore.IsStorageConfigured(cfg.DataDir, cfg.Passphrase) {
		return stores{
			keys:         crypto.NewInMemoryKeyStore(),
			history:      storage.NewTable[jsonrpc.Record](),
			pairings:     storage.NewTable[pairing.Pairing](),
			sessions:     storage.NewTable[session.Session](),
			proposals:    storage.NewTable[session.Proposal](),
			authRequests: storage.NewTable[session.AuthRequest](),
			verify:       storage.NewTable[verify.Context](),
		}, nil
	}
	path := func(name string) string { return filepath.Join(cfg.DataDir, name+".enc") }
	var (
		out stores
		err error
	)
	out.keys = crypto.NewEncryptedFileKeyStore(path("keys"), cfg.Passphrase)
	if out.history, err = storage.OpenEncryptedTable[jsonrpc.Record](path("history"), cfg.Passphrase); err != nil {
		return stores{}, fmt.Errorf("open history: %w", err)
	}
	if out.pairings, err = storage.OpenEncryptedTable[pairing.Pairing](path("pairings"), cfg.Passphrase); err != nil {
		return stores{}, fmt.Errorf("open pairings: %w", err)
	}
	if out.sessions, err = storage.OpenEncryptedTable[session.Session](path("sessions"), cfg.Passphrase); err != nil {
		return stores{}, fmt.Errorf("open sessions: %w", err)
	}
	if out.proposals, err = storage.OpenEncryptedTable[session.Proposal](path("proposals"), cfg.Passphrase); err != nil {
		return stores{}, fmt.Errorf("open proposals: %w", err)
	}
	if out.authRequests, err = storage.OpenEncryptedTable[session.AuthRequest](path("auth_requests"), cfg.Passphrase); err != nil {
		return stores{}, fmt.Errorf("open auth requests: %w", err)
	}
	if out.verify, err = storage.OpenEncryptedTable[verify.Context](path("verify"), cfg.Passphrase); err != nil {
		return stores{}, fmt.Errorf("open verify contexts: %w", err)
	}
	return out, nil
}
