package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Transport = TransportMock
	cfg.BackoffInitial = time.Millisecond
	cfg.BackoffMax = 5 * time.Millisecond
	return cfg
}

func waitMessage(t *testing.T, c *Connection, topic string) InboundMessage {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-c.Messages():
			if msg.Topic == topic {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for message on %s", topic)
		}
	}
}

func waitState(t *testing.T, c *Connection, state State) ConnectionEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-c.States():
			if ev.State == state {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s (current %s)", state, c.State())
		}
	}
}

func TestConnectionPublishSubscribeOverBus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewBus()
	a := NewConnection(ctx, testConfig(), bus.Transport())
	b := NewConnection(ctx, testConfig(), bus.Transport())
	if err := a.Connect(ctx); err != nil {
		t.Fatalf("connect a: %v", err)
	}
	if err := b.Connect(ctx); err != nil {
		t.Fatalf("connect b: %v", err)
	}
	id, err := b.Subscribe(ctx, "topic-1")
	if err != nil || id == "" {
		t.Fatalf("subscribe: id=%q err=%v", id, err)
	}
	if err := a.Publish(ctx, "topic-1", "hello", IrnParams{Tag: 1100, TTL: 5 * time.Minute}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if msg := waitMessage(t, b, "topic-1"); msg.Message != "hello" {
		t.Fatalf("unexpected message %q", msg.Message)
	}
}

func TestPublishWhileDisconnectedIsQueuedAndFlushed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewBus()
	a := NewConnection(ctx, testConfig(), bus.Transport())
	b := NewConnection(ctx, testConfig(), bus.Transport())
	if err := b.Connect(ctx); err != nil {
		t.Fatalf("connect b: %v", err)
	}
	if _, err := b.Subscribe(ctx, "topic-q"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := a.Publish(ctx, "topic-q", "queued", IrnParams{}); err != nil {
		t.Fatalf("publish while offline: %v", err)
	}
	if got := a.Status().Queued; got != 1 {
		t.Fatalf("expected 1 queued publish, got %d", got)
	}
	if err := a.Connect(ctx); err != nil {
		t.Fatalf("connect a: %v", err)
	}
	if msg := waitMessage(t, b, "topic-q"); msg.Message != "queued" {
		t.Fatalf("unexpected message %q", msg.Message)
	}
	if got := a.Status().Queued; got != 0 {
		t.Fatalf("expected empty queue after flush, got %d", got)
	}
}

func TestSubscribeWhileDisconnectedIsDeferred(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewBus()
	a := NewConnection(ctx, testConfig(), bus.Transport())
	id, err := a.Subscribe(ctx, "topic-d")
	if err != nil || id != "" {
		t.Fatalf("expected deferred subscription, got id=%q err=%v", id, err)
	}
	if !a.Subscribed("topic-d") {
		t.Fatal("expected topic to be recorded")
	}
	if err := a.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	b := NewConnection(ctx, testConfig(), bus.Transport())
	if err := b.Connect(ctx); err != nil {
		t.Fatalf("connect b: %v", err)
	}
	if err := b.Publish(ctx, "topic-d", "late", IrnParams{}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitMessage(t, a, "topic-d")
}

func TestManualConnectionRejectsWhileDisconnected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := testConfig()
	cfg.ConnectionType = ConnectionTypeManual
	c := NewConnection(ctx, cfg, NewBus().Transport())
	if _, err := c.Subscribe(ctx, "t"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected on subscribe, got %v", err)
	}
	if err := c.Publish(ctx, "t", "m", IrnParams{}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected on publish, got %v", err)
	}
}

func TestQueueBoundIsEnforced(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := testConfig()
	cfg.MaxQueuedPublishes = 1
	c := NewConnection(ctx, cfg, NewBus().Transport())
	if err := c.Publish(ctx, "t", "1", IrnParams{}); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := c.Publish(ctx, "t", "2", IrnParams{}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestPublishRateLimitPerTopic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := testConfig()
	cfg.PublishRPS = 1
	cfg.PublishBurst = 1
	now := time.Unix(1700000000, 0)
	c := NewConnection(ctx, cfg, NewBus().Transport(), WithClock(func() time.Time { return now }))
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Publish(ctx, "a", "1", IrnParams{}); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := c.Publish(ctx, "a", "2", IrnParams{}); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if err := c.Publish(ctx, "b", "1", IrnParams{}); err != nil {
		t.Fatalf("other topic should not be limited: %v", err)
	}
}

func TestReconnectResubscribesAfterDrop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewBus()
	a := NewConnection(ctx, testConfig(), bus.Transport())
	if err := a.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := a.Subscribe(ctx, "topic-r"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitState(t, a, StateConnected)

	bus.DropAll()
	ev := waitState(t, a, StateDisconnected)
	if _, ok := ev.Reason.(ConnectionClosed); !ok {
		t.Fatalf("expected ConnectionClosed reason, got %#v", ev.Reason)
	}
	waitState(t, a, StateConnected)

	b := NewConnection(ctx, testConfig(), bus.Transport())
	if err := b.Connect(ctx); err != nil {
		t.Fatalf("connect b: %v", err)
	}
	if err := b.Publish(ctx, "topic-r", "after-drop", IrnParams{}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitMessage(t, a, "topic-r")
}

// recordingTransport logs the order of subscribe and publish calls.
type recordingTransport struct {
	mu    sync.Mutex
	calls *[]string
	done  chan struct{}
}

func (r *recordingTransport) Name() string                                    { return "recording" }
func (r *recordingTransport) Open(context.Context, func(InboundMessage)) error { return nil }
func (r *recordingTransport) Close() error                                    { return nil }
func (r *recordingTransport) Done() <-chan struct{}                           { return r.done }
func (r *recordingTransport) Err() error                                      { return nil }
func (r *recordingTransport) Unsubscribe(context.Context, string, string) error {
	return nil
}

func (r *recordingTransport) Subscribe(_ context.Context, topic string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.calls = append(*r.calls, "sub:"+topic)
	return "id-" + topic, nil
}

func (r *recordingTransport) Publish(_ context.Context, topic, _ string, _ IrnParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.calls = append(*r.calls, "pub:"+topic)
	return nil
}

func TestConnectSubscribesBeforeFlushingQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls []string
	rt := &recordingTransport{calls: &calls, done: make(chan struct{})}
	c := NewConnection(ctx, testConfig(), func() (Transport, error) { return rt, nil })
	if _, err := c.Subscribe(ctx, "x"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := c.Publish(ctx, "x", "m", IrnParams{}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(calls) != 2 || calls[0] != "sub:x" || calls[1] != "pub:x" {
		t.Fatalf("unexpected call order %v", calls)
	}
}

func TestManualConnectionDoesNotRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var dials atomic.Int32
	cfg := testConfig()
	cfg.ConnectionType = ConnectionTypeManual
	c := NewConnection(ctx, cfg, func() (Transport, error) {
		dials.Add(1)
		return nil, errors.New("refused")
	})
	if err := c.Connect(ctx); err == nil {
		t.Fatal("expected connect failure")
	}
	ev := waitState(t, c, StateDisconnected)
	if _, ok := ev.Reason.(ConnectionFailed); !ok {
		t.Fatalf("expected ConnectionFailed reason, got %#v", ev.Reason)
	}
	time.Sleep(50 * time.Millisecond)
	if got := dials.Load(); got != 1 {
		t.Fatalf("expected exactly one dial, got %d", got)
	}
}

func TestRetriesWaitForNetwork(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewBus()
	factory := bus.Transport()
	var dials atomic.Int32
	monitor := NewManualNetworkMonitor(false)
	c := NewConnection(ctx, testConfig(), func() (Transport, error) {
		if dials.Add(1) == 1 {
			return nil, errors.New("offline")
		}
		return factory()
	}, WithNetworkMonitor(monitor))

	if err := c.Connect(ctx); err == nil {
		t.Fatal("expected first connect to fail")
	}
	time.Sleep(50 * time.Millisecond)
	if got := dials.Load(); got != 1 {
		t.Fatalf("expected retries suspended while offline, got %d dials", got)
	}
	monitor.Set(true)
	waitState(t, c, StateConnected)
	if c.Status().Attempts != 0 {
		t.Fatalf("expected attempts reset after success, got %d", c.Status().Attempts)
	}
}

func TestConcurrentRestartSharesOneDial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewBus()
	factory := bus.Transport()
	release := make(chan struct{})
	var dials atomic.Int32
	c := NewConnection(ctx, testConfig(), func() (Transport, error) {
		dials.Add(1)
		<-release
		return factory()
	})

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Restart(ctx)
		}()
	}
	time.Sleep(30 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("restart: %v", err)
		}
	}
	if got := dials.Load(); got != 1 {
		t.Fatalf("expected one shared dial, got %d", got)
	}
}

func TestDisconnectStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var dials atomic.Int32
	cfg := testConfig()
	cfg.BackoffInitial = 20 * time.Millisecond
	cfg.BackoffMax = 20 * time.Millisecond
	c := NewConnection(ctx, cfg, func() (Transport, error) {
		dials.Add(1)
		return nil, errors.New("refused")
	})
	_ = c.Connect(ctx)
	if err := c.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	time.Sleep(80 * time.Millisecond)
	if got := dials.Load(); got != 1 {
		t.Fatalf("expected no retries after disconnect, got %d dials", got)
	}
}

func TestConnectAfterDisconnectIgnoresAbandonedDial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewBus()
	factory := bus.Transport()
	release := make(chan struct{})
	var dials atomic.Int32
	c := NewConnection(ctx, testConfig(), func() (Transport, error) {
		switch dials.Add(1) {
		case 1:
			return nil, errors.New("refused")
		case 2:
			<-release
		}
		return factory()
	})

	if err := c.Connect(ctx); err == nil {
		t.Fatal("expected first connect to fail")
	}
	deadline := time.Now().Add(2 * time.Second)
	for dials.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("retry never dialed")
		}
		time.Sleep(time.Millisecond)
	}

	if err := c.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	c.mu.Lock()
	retrying := c.retrying
	c.mu.Unlock()
	if retrying {
		t.Fatal("disconnect must clear the retry flag")
	}

	connectCtx, connectCancel := context.WithTimeout(ctx, time.Second)
	defer connectCancel()
	if err := c.Connect(connectCtx); err != nil {
		t.Fatalf("connect after disconnect: %v", err)
	}
	close(release)
	time.Sleep(30 * time.Millisecond)
	if got := c.State(); got != StateConnected {
		t.Fatalf("abandoned dial changed state to %s", got)
	}
}
