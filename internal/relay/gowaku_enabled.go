//go:build real_waku

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/waku-org/go-waku/waku/persistence"
	"github.com/waku-org/go-waku/waku/persistence/sqlite"
	wakuNode "github.com/waku-org/go-waku/waku/v2/node"
	"github.com/waku-org/go-waku/waku/v2/protocol"
	legacyStore "github.com/waku-org/go-waku/waku/v2/protocol/legacy_store"
	wpb "github.com/waku-org/go-waku/waku/v2/protocol/pb"
	"github.com/waku-org/go-waku/waku/v2/protocol/relay"
	"github.com/waku-org/go-waku/waku/v2/utils"
)

const wakuPubsubTopic = "/waku/2/default-waku/proto"

var ErrGoWakuUnavailable = errors.New("go-waku node is not running")

// wakuEnvelope is the payload of every waku message carrying a relay publish.
type wakuEnvelope struct {
	Topic       string `json:"topic"`
	Message     string `json:"message"`
	Tag         int    `json:"tag"`
	PublishedAt int64  `json:"publishedAt"`
}

func contentTopic(topic string) string {
	return "/wc/1/" + topic + "/proto"
}

// NewGoWakuTransport returns a factory starting a fresh waku node per dial.
func NewGoWakuTransport(cfg Config) TransportFactory {
	cfg = NormalizeConfig(cfg)
	return func() (Transport, error) {
		return &goWakuTransport{cfg: cfg, subs: make(map[string][]*relay.Subscription), done: make(chan struct{})}, nil
	}
}

type goWakuTransport struct {
	cfg Config

	mu      sync.Mutex
	node    *wakuNode.WakuNode
	handler func(InboundMessage)
	subs    map[string][]*relay.Subscription
	err     error
	done    chan struct{}
	once    sync.Once
}

func (g *goWakuTransport) Name() string { return TransportGoWaku }

func (g *goWakuTransport) Open(ctx context.Context, handler func(InboundMessage)) error {
	for _, addr := range g.cfg.BootstrapNodes {
		if _, err := ma.NewMultiaddr(strings.TrimSpace(addr)); err != nil {
			return errors.New("invalid bootstrap multiaddr: " + addr)
		}
	}
	hostAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(g.cfg.Port)))
	if err != nil {
		return err
	}
	opts := []wakuNode.WakuNodeOption{wakuNode.WithHostAddress(hostAddr), wakuNode.WithWakuRelay()}
	if g.cfg.EnableStore {
		provider, err := newInMemoryMessageProvider()
		if err != nil {
			return err
		}
		opts = append(opts, wakuNode.WithMessageProvider(provider), wakuNode.WithWakuStore())
	}
	node, err := wakuNode.New(opts...)
	if err != nil {
		return err
	}
	if err := node.Start(ctx); err != nil {
		return err
	}
	connected := 0
	for _, addr := range g.cfg.BootstrapNodes {
		if err := node.DialPeer(ctx, strings.TrimSpace(addr)); err != nil {
			slog.Warn("waku bootstrap dial failed", "peer_addr", addr, "reason", err.Error())
			continue
		}
		connected++
	}
	if g.cfg.MinPeers > 0 && len(g.cfg.BootstrapNodes) > 0 && connected == 0 {
		node.Stop()
		return errors.New("no waku bootstrap peer reachable")
	}

	g.mu.Lock()
	g.node = node
	g.handler = handler
	g.mu.Unlock()
	return nil
}

func (g *goWakuTransport) Close() error {
	g.fail(ErrClosed)
	return nil
}

func (g *goWakuTransport) fail(err error) {
	g.once.Do(func() {
		g.mu.Lock()
		node := g.node
		g.node = nil
		g.err = err
		subs := g.subs
		g.subs = make(map[string][]*relay.Subscription)
		g.mu.Unlock()
		for _, list := range subs {
			for _, sub := range list {
				sub.Unsubscribe()
			}
		}
		if node != nil {
			node.Stop()
		}
		close(g.done)
	})
}

func (g *goWakuTransport) Done() <-chan struct{} { return g.done }

func (g *goWakuTransport) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

func (g *goWakuTransport) Subscribe(ctx context.Context, topic string) (string, error) {
	g.mu.Lock()
	node := g.node
	handler := g.handler
	g.mu.Unlock()
	if node == nil {
		return "", ErrGoWakuUnavailable
	}
	filter := protocol.NewContentFilter(wakuPubsubTopic, contentTopic(topic))
	subs, err := node.Relay().Subscribe(ctx, filter)
	if err != nil {
		return "", err
	}
	g.mu.Lock()
	g.subs[topic] = append(g.subs[topic], subs...)
	g.mu.Unlock()

	for _, sub := range subs {
		go func(subscription *relay.Subscription) {
			for env := range subscription.Ch {
				if env == nil || env.Message() == nil {
					continue
				}
				if msg, ok := decodeWakuEnvelope(topic, env.Message().Payload); ok {
					handler(msg)
				}
			}
		}(sub)
	}
	if g.cfg.EnableStore {
		go g.backfill(node, topic, handler)
	}
	return contentTopic(topic), nil
}

// backfill replays stored messages for topic that were published before the subscription.
func (g *goWakuTransport) backfill(node *wakuNode.WakuNode, topic string, handler func(InboundMessage)) {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.RequestTimeout)
	defer cancel()
	start := time.Now().Add(-24 * time.Hour).UnixNano()
	end := time.Now().UnixNano()
	criteria := legacyStore.Query{
		PubsubTopic:   wakuPubsubTopic,
		ContentTopics: []string{contentTopic(topic)},
		StartTime:     &start,
		EndTime:       &end,
	}
	result, err := node.LegacyStore().Query(ctx, criteria, legacyStore.WithPaging(true, 100))
	if err != nil {
		slog.Debug("waku store query failed", "topic", topic, "reason", err.Error())
		return
	}
	for {
		for _, wm := range result.Messages {
			if wm == nil {
				continue
			}
			if msg, ok := decodeWakuEnvelope(topic, wm.Payload); ok {
				handler(msg)
			}
		}
		if result.IsComplete() {
			return
		}
		result, err = node.LegacyStore().Next(ctx, result)
		if err != nil {
			return
		}
	}
}

func decodeWakuEnvelope(topic string, payload []byte) (InboundMessage, bool) {
	var env wakuEnvelope
	if err := json.Unmarshal(payload, &env); err != nil || env.Topic != topic {
		return InboundMessage{}, false
	}
	return InboundMessage{
		Topic:       env.Topic,
		Message:     env.Message,
		PublishedAt: time.UnixMilli(env.PublishedAt).UTC(),
	}, true
}

func (g *goWakuTransport) Unsubscribe(_ context.Context, topic, _ string) error {
	g.mu.Lock()
	subs := g.subs[topic]
	delete(g.subs, topic)
	g.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	return nil
}

func (g *goWakuTransport) Publish(ctx context.Context, topic, message string, params IrnParams) error {
	g.mu.Lock()
	node := g.node
	g.mu.Unlock()
	if node == nil {
		return ErrGoWakuUnavailable
	}
	now := time.Now()
	payload, err := json.Marshal(wakuEnvelope{Topic: topic, Message: message, Tag: params.Tag, PublishedAt: now.UnixMilli()})
	if err != nil {
		return err
	}
	ts := now.UnixNano()
	wm := &wpb.WakuMessage{
		Payload:      payload,
		ContentTopic: contentTopic(topic),
		Timestamp:    &ts,
	}
	_, err = node.Relay().Publish(ctx, wm, relay.WithPubSubTopic(wakuPubsubTopic))
	return err
}

func newInMemoryMessageProvider() (*persistence.DBStore, error) {
	db, err := sqlite.NewDB(":memory:", utils.Logger())
	if err != nil {
		return nil, err
	}
	return persistence.NewDBStore(
		prometheus.DefaultRegisterer,
		utils.Logger(),
		persistence.WithDB(db),
		persistence.WithMigrations(sqlite.Migrations),
	)
}
