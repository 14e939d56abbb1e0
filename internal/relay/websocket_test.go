package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeIRN echoes every irn_publish back to the client as an irn_subscription.
type fakeIRN struct {
	mu      sync.Mutex
	query   map[string]string
	methods []string
	acks    chan irnFrame
}

func (f *fakeIRN) handler(t *testing.T) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.query = map[string]string{
			"auth":      r.URL.Query().Get("auth"),
			"projectId": r.URL.Query().Get("projectId"),
		}
		f.mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame irnFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				t.Errorf("bad frame: %v", err)
				return
			}
			if frame.Method == "" {
				f.acks <- frame
				continue
			}
			f.mu.Lock()
			f.methods = append(f.methods, frame.Method)
			f.mu.Unlock()
			switch frame.Method {
			case methodSubscribe:
				_ = conn.WriteJSON(irnFrame{ID: frame.ID, JSONRPC: "2.0", Result: json.RawMessage(`"sub-1"`)})
			case methodPublish:
				var p irnPublishParams
				_ = json.Unmarshal(frame.Params, &p)
				_ = conn.WriteJSON(irnFrame{ID: frame.ID, JSONRPC: "2.0", Result: json.RawMessage("true")})
				params, _ := json.Marshal(map[string]any{
					"id": "sub-1",
					"data": map[string]any{
						"topic":       p.Topic,
						"message":     p.Message,
						"publishedAt": time.Now().UnixMilli(),
					},
				})
				_ = conn.WriteJSON(irnFrame{ID: 99, JSONRPC: "2.0", Method: methodSubscription, Params: params})
			default:
				_ = conn.WriteJSON(irnFrame{ID: frame.ID, JSONRPC: "2.0", Result: json.RawMessage("true")})
			}
		}
	}
}

func TestWebsocketTransportRoundTrip(t *testing.T) {
	fake := &fakeIRN{acks: make(chan irnFrame, 4)}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.RelayURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	cfg.ProjectID = "project-1"
	cfg.RequestTimeout = 2 * time.Second
	factory := NewWebsocketTransport(cfg, func(string) (string, error) { return "jwt-token", nil })
	tr, err := factory()
	if err != nil {
		t.Fatalf("factory: %v", err)
	}

	got := make(chan InboundMessage, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.Open(ctx, func(msg InboundMessage) { got <- msg }); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer tr.Close()

	id, err := tr.Subscribe(ctx, "abc")
	if err != nil || id != "sub-1" {
		t.Fatalf("subscribe: id=%q err=%v", id, err)
	}
	if err := tr.Publish(ctx, "abc", "payload", IrnParams{Tag: 1108, TTL: 5 * time.Minute}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-got:
		if msg.Topic != "abc" || msg.Message != "payload" {
			t.Fatalf("unexpected delivery %+v", msg)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for subscription delivery")
	}
	select {
	case ack := <-fake.acks:
		if ack.ID != 99 || string(ack.Result) != "true" {
			t.Fatalf("unexpected ack %+v", ack)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for subscription ack")
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.query["auth"] != "jwt-token" || fake.query["projectId"] != "project-1" {
		t.Fatalf("unexpected dial query %v", fake.query)
	}
}

func TestWebsocketTransportDoneOnServerClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.Close()
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.RelayURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	tr, err := NewWebsocketTransport(cfg, nil)()
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	if err := tr.Open(context.Background(), func(InboundMessage) {}); err != nil {
		t.Fatalf("open: %v", err)
	}
	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected transport to finish after server close")
	}
	if tr.Err() == nil {
		t.Fatal("expected a close reason")
	}
}
