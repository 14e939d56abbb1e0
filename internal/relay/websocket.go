package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	methodPublish      = "irn_publish"
	methodSubscribe    = "irn_subscribe"
	methodUnsubscribe  = "irn_unsubscribe"
	methodSubscription = "irn_subscription"
)

// AuthTokenFunc returns a fresh relay auth JWT for each dial.
type AuthTokenFunc func(relayURL string) (string, error)

type irnFrame struct {
	ID      int64           `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *irnError       `json:"error,omitempty"`
}

type irnError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *irnError) Error() string {
	return fmt.Sprintf("relay error %d: %s", e.Code, e.Message)
}

type irnPublishParams struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
	TTL     int64  `json:"ttl"`
	Tag     int    `json:"tag"`
	Prompt  bool   `json:"prompt,omitempty"`
}

type irnSubscribeParams struct {
	Topic string `json:"topic"`
}

type irnUnsubscribeParams struct {
	Topic string `json:"topic"`
	ID    string `json:"id"`
}

type irnSubscriptionParams struct {
	ID   string `json:"id"`
	Data struct {
		Topic       string `json:"topic"`
		Message     string `json:"message"`
		PublishedAt int64  `json:"publishedAt"`
		Attestation string `json:"attestation,omitempty"`
	} `json:"data"`
}

// NewWebsocketTransport returns a factory dialing the IRN relay at cfg.RelayURL.
func NewWebsocketTransport(cfg Config, auth AuthTokenFunc) TransportFactory {
	cfg = NormalizeConfig(cfg)
	return func() (Transport, error) {
		target, err := relayDialURL(cfg, auth)
		if err != nil {
			return nil, err
		}
		return &websocketTransport{
			url:            target,
			requestTimeout: cfg.RequestTimeout,
			pingInterval:   cfg.PingInterval,
			pending:        make(map[int64]chan irnFrame),
			done:           make(chan struct{}),
		}, nil
	}
}

func relayDialURL(cfg Config, auth AuthTokenFunc) (string, error) {
	u, err := url.Parse(cfg.RelayURL)
	if err != nil {
		return "", fmt.Errorf("relay url: %w", err)
	}
	q := u.Query()
	if auth != nil {
		token, err := auth(cfg.RelayURL)
		if err != nil {
			return "", fmt.Errorf("relay auth: %w", err)
		}
		q.Set("auth", token)
	}
	if cfg.ProjectID != "" {
		q.Set("projectId", cfg.ProjectID)
	}
	if cfg.UserAgent != "" {
		q.Set("ua", cfg.UserAgent)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type websocketTransport struct {
	url            string
	requestTimeout time.Duration
	pingInterval   time.Duration
	nextID         atomic.Int64

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu      sync.Mutex
	pending map[int64]chan irnFrame
	handler func(InboundMessage)
	err     error
	done    chan struct{}
	once    sync.Once
}

func (t *websocketTransport) Name() string { return TransportWebsocket }

func (t *websocketTransport) Open(ctx context.Context, handler func(InboundMessage)) error {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: t.requestTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("relay dial: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("relay dial: %w", err)
	}
	t.nextID.Store(time.Now().UnixMilli() * 1000)
	t.mu.Lock()
	t.conn = conn
	t.handler = handler
	t.mu.Unlock()
	go t.readLoop()
	go t.pingLoop()
	return nil
}

func (t *websocketTransport) Close() error {
	t.writeMu.Lock()
	if t.conn != nil {
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}
	t.writeMu.Unlock()
	t.fail(ErrClosed)
	return nil
}

func (t *websocketTransport) Done() <-chan struct{} { return t.done }

func (t *websocketTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *websocketTransport) Subscribe(ctx context.Context, topic string) (string, error) {
	raw, err := t.call(ctx, methodSubscribe, irnSubscribeParams{Topic: topic})
	if err != nil {
		return "", err
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", fmt.Errorf("relay subscribe result: %w", err)
	}
	return id, nil
}

func (t *websocketTransport) Unsubscribe(ctx context.Context, topic, subscriptionID string) error {
	_, err := t.call(ctx, methodUnsubscribe, irnUnsubscribeParams{Topic: topic, ID: subscriptionID})
	return err
}

func (t *websocketTransport) Publish(ctx context.Context, topic, message string, params IrnParams) error {
	_, err := t.call(ctx, methodPublish, irnPublishParams{
		Topic:   topic,
		Message: message,
		TTL:     params.TTLSeconds(),
		Tag:     params.Tag,
		Prompt:  params.Prompt,
	})
	return err
}

func (t *websocketTransport) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	id := t.nextID.Add(1)
	reply := make(chan irnFrame, 1)
	t.mu.Lock()
	if t.err != nil {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	t.pending[id] = reply
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	if err := t.write(irnFrame{ID: id, JSONRPC: "2.0", Method: method, Params: rawParams}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(t.requestTimeout)
	defer timer.Stop()
	select {
	case frame := <-reply:
		if frame.Error != nil {
			return nil, frame.Error
		}
		return frame.Result, nil
	case <-t.done:
		return nil, ErrClosed
	case <-timer.C:
		return nil, fmt.Errorf("relay %s: %w", method, context.DeadlineExceeded)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *websocketTransport) write(frame irnFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.conn == nil {
		return ErrClosed
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.requestTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *websocketTransport) readLoop() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.fail(ErrClosed)
			} else {
				t.fail(err)
			}
			return
		}
		var frame irnFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Debug("relay frame ignored", "reason", err.Error())
			continue
		}
		if frame.Method == "" {
			t.mu.Lock()
			reply, ok := t.pending[frame.ID]
			t.mu.Unlock()
			if ok {
				reply <- frame
			}
			continue
		}
		t.handleRequest(frame)
	}
}

func (t *websocketTransport) handleRequest(frame irnFrame) {
	if frame.Method != methodSubscription {
		_ = t.write(irnFrame{ID: frame.ID, JSONRPC: "2.0", Error: &irnError{Code: -32601, Message: "method not found"}})
		return
	}
	var params irnSubscriptionParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		_ = t.write(irnFrame{ID: frame.ID, JSONRPC: "2.0", Error: &irnError{Code: -32602, Message: "invalid params"}})
		return
	}
	_ = t.write(irnFrame{ID: frame.ID, JSONRPC: "2.0", Result: json.RawMessage("true")})

	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()
	if handler == nil {
		return
	}
	handler(InboundMessage{
		Topic:       params.Data.Topic,
		Message:     params.Data.Message,
		PublishedAt: time.UnixMilli(params.Data.PublishedAt).UTC(),
		Attestation: params.Data.Attestation,
	})
}

func (t *websocketTransport) pingLoop() {
	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.requestTimeout))
			t.writeMu.Unlock()
			if err != nil {
				t.fail(fmt.Errorf("relay ping: %w", err))
				return
			}
		}
	}
}

func (t *websocketTransport) fail(err error) {
	t.once.Do(func() {
		t.mu.Lock()
		if err == nil {
			err = ErrClosed
		}
		t.err = err
		conn := t.conn
		t.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		close(t.done)
	})
}

