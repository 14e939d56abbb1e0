package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"wcsign/go-backend/internal/platform/ratelimiter"
	"wcsign/go-backend/pkg/models"
)

// Connection owns the relay link. It remembers desired subscriptions and
// publishes made while offline, and replays both after every (re)connect.
type Connection struct {
	ctx          context.Context
	cfg          Config
	newTransport TransportFactory
	backoff      BackoffStrategy
	network      NetworkMonitor
	limiter      *ratelimiter.MapLimiter
	metrics      *Metrics
	logger       *slog.Logger
	now          func() time.Time

	mu          sync.Mutex
	state       State
	transport   Transport
	subs        map[string]string
	queue       []queuedPublish
	attempts    int
	inflight    *flight
	retrying    bool
	retryCancel context.CancelFunc
	stopped     bool
	epoch       uint64
	lastChange  time.Time
	lastFailure string

	messages chan InboundMessage
	events   chan ConnectionEvent
	errs     chan error
}

type queuedPublish struct {
	topic   string
	message string
	params  IrnParams
}

type flight struct {
	done chan struct{}
	err  error
}

type Option func(*Connection)

func WithBackoff(b BackoffStrategy) Option {
	return func(c *Connection) { c.backoff = b }
}

func WithNetworkMonitor(m NetworkMonitor) Option {
	return func(c *Connection) { c.network = m }
}

func WithMetrics(m *Metrics) Option {
	return func(c *Connection) { c.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Connection) { c.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Connection) { c.now = now }
}

// NewConnection binds the connection lifetime to ctx; background retries stop when it ends.
func NewConnection(ctx context.Context, cfg Config, factory TransportFactory, opts ...Option) *Connection {
	cfg = NormalizeConfig(cfg)
	c := &Connection{
		ctx:          ctx,
		cfg:          cfg,
		newTransport: factory,
		backoff:      ExponentialBackoff{Initial: cfg.BackoffInitial, Max: cfg.BackoffMax},
		network:      alwaysOnline{},
		limiter:      ratelimiter.New(cfg.PublishRPS, cfg.PublishBurst, 10*time.Minute),
		logger:       slog.Default(),
		now:          time.Now,
		state:        StateDisconnected,
		subs:         make(map[string]string),
		messages:     make(chan InboundMessage, cfg.InboundBuffer),
		events:       make(chan ConnectionEvent, 32),
		errs:         make(chan error, 32),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.lastChange = c.now()
	return c
}

// Messages streams every relay delivery, duplicates included.
func (c *Connection) Messages() <-chan InboundMessage { return c.messages }

func (c *Connection) States() <-chan ConnectionEvent { return c.events }

func (c *Connection) Errors() <-chan error { return c.errs }

func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.stopped = false
	connected := c.state == StateConnected
	c.mu.Unlock()
	if connected {
		return nil
	}
	return c.singleFlight(ctx, func(ctx context.Context) error {
		if c.State() == StateConnected {
			return nil
		}
		return c.dial(ctx, false)
	})
}

// Restart replaces the current transport. Concurrent callers share one reconnect.
func (c *Connection) Restart(ctx context.Context) error {
	c.mu.Lock()
	c.stopped = false
	c.mu.Unlock()
	return c.singleFlight(ctx, func(ctx context.Context) error {
		c.closeCurrent("restart")
		return c.dial(ctx, false)
	})
}

// Disconnect closes the transport and abandons any retry or dial in progress;
// a later Connect starts fresh.
func (c *Connection) Disconnect(_ context.Context) error {
	c.mu.Lock()
	c.stopped = true
	c.epoch++
	cancel := c.retryCancel
	c.retrying = false
	c.retryCancel = nil
	c.inflight = nil
	t := c.transport
	c.transport = nil
	wasUp := c.state != StateDisconnected
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if t != nil {
		err = t.Close()
	}
	if wasUp {
		c.emit(ConnectionEvent{State: StateDisconnected, Reason: ConnectionClosed{Reason: "disconnect requested"}})
	}
	return err
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) Status() models.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return models.ConnectionStatus{
		State:       string(c.state),
		Transport:   c.cfg.Transport,
		Subscribed:  len(c.subs),
		Queued:      len(c.queue),
		Attempts:    c.attempts,
		LastChange:  c.lastChange,
		LastFailure: c.lastFailure,
	}
}

// Subscribe records topic as desired and subscribes on the live transport.
// While an automatic connection is down the call succeeds with an empty id
// and the subscription is issued on the next connect.
func (c *Connection) Subscribe(ctx context.Context, topic string) (string, error) {
	c.mu.Lock()
	if id := c.subs[topic]; id != "" && c.state == StateConnected {
		c.mu.Unlock()
		return id, nil
	}
	c.subs[topic] = ""
	t := c.transport
	up := c.state == StateConnected && t != nil
	manual := c.cfg.ConnectionType == ConnectionTypeManual
	c.mu.Unlock()

	if !up {
		if manual {
			return "", ErrNotConnected
		}
		return "", nil
	}
	id, err := t.Subscribe(ctx, topic)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	if _, ok := c.subs[topic]; ok {
		c.subs[topic] = id
	}
	c.mu.Unlock()
	return id, nil
}

func (c *Connection) Unsubscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	id, ok := c.subs[topic]
	delete(c.subs, topic)
	t := c.transport
	up := c.state == StateConnected
	c.mu.Unlock()
	if !ok || !up || t == nil || id == "" {
		return nil
	}
	return t.Unsubscribe(ctx, topic, id)
}

// Subscribed reports whether topic is among the desired subscriptions.
func (c *Connection) Subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[topic]
	return ok
}

// Publish sends message on topic. Automatic connections queue it while offline.
func (c *Connection) Publish(ctx context.Context, topic, message string, params IrnParams) error {
	if !c.limiter.Allow(topic, c.now()) {
		c.metrics.publish("rate_limited")
		return ErrRateLimited
	}
	c.mu.Lock()
	t := c.transport
	if c.state != StateConnected || t == nil {
		err := c.enqueueLocked(topic, message, params)
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	if err := t.Publish(ctx, topic, message, params); err != nil {
		select {
		case <-t.Done():
			c.mu.Lock()
			qerr := c.enqueueLocked(topic, message, params)
			c.mu.Unlock()
			if qerr == nil {
				return nil
			}
		default:
		}
		c.metrics.publish("error")
		return err
	}
	c.metrics.publish("ok")
	return nil
}

func (c *Connection) enqueueLocked(topic, message string, params IrnParams) error {
	if c.cfg.ConnectionType == ConnectionTypeManual {
		return ErrNotConnected
	}
	if len(c.queue) >= c.cfg.MaxQueuedPublishes {
		c.metrics.publish("queue_full")
		return ErrQueueFull
	}
	c.queue = append(c.queue, queuedPublish{topic: topic, message: message, params: params})
	c.metrics.publish("queued")
	c.metrics.setQueued(len(c.queue))
	return nil
}

func (c *Connection) singleFlight(ctx context.Context, fn func(context.Context) error) error {
	c.mu.Lock()
	if f := c.inflight; f != nil {
		c.mu.Unlock()
		select {
		case <-f.done:
			return f.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f := &flight{done: make(chan struct{})}
	c.inflight = f
	c.mu.Unlock()

	f.err = fn(ctx)

	c.mu.Lock()
	if c.inflight == f {
		c.inflight = nil
	}
	c.mu.Unlock()
	close(f.done)
	return f.err
}

func (c *Connection) dial(ctx context.Context, fromRetry bool) error {
	c.mu.Lock()
	epoch := c.epoch
	c.setStateLocked(StateConnecting)
	for topic := range c.subs {
		c.subs[topic] = ""
	}
	c.mu.Unlock()
	c.emit(ConnectionEvent{State: StateConnecting})

	t, err := c.newTransport()
	if err == nil {
		err = t.Open(ctx, c.deliver)
	}
	if err == nil {
		err = c.resubscribe(ctx, t, epoch)
		if err != nil {
			_ = t.Close()
		}
	}
	if err != nil {
		if c.stale(epoch) {
			return err
		}
		c.failed(err, fromRetry)
		return err
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		_ = t.Close()
		return ErrDisconnected
	}
	if c.stopped {
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		_ = t.Close()
		return ErrDisconnected
	}
	c.transport = t
	c.attempts = 0
	c.lastFailure = ""
	c.setStateLocked(StateConnected)
	queued := c.queue
	c.queue = nil
	c.mu.Unlock()

	c.metrics.setConnected(true)
	c.logger.Info("relay connected", "transport", t.Name(), "subscriptions", c.Status().Subscribed)
	c.emit(ConnectionEvent{State: StateConnected})
	c.flush(ctx, t, queued)
	go c.watch(t)
	return nil
}

// resubscribe issues every desired subscription on t, including topics added while dialing.
func (c *Connection) resubscribe(ctx context.Context, t Transport, epoch uint64) error {
	for {
		c.mu.Lock()
		if c.epoch != epoch {
			c.mu.Unlock()
			return ErrDisconnected
		}
		pending := make([]string, 0)
		for topic, id := range c.subs {
			if id == "" {
				pending = append(pending, topic)
			}
		}
		c.mu.Unlock()
		if len(pending) == 0 {
			return nil
		}
		for _, topic := range pending {
			id, err := t.Subscribe(ctx, topic)
			if err != nil {
				return err
			}
			c.mu.Lock()
			if _, ok := c.subs[topic]; ok && c.epoch == epoch {
				c.subs[topic] = id
			}
			c.mu.Unlock()
		}
	}
}

func (c *Connection) flush(ctx context.Context, t Transport, queued []queuedPublish) {
	for i, q := range queued {
		if err := t.Publish(ctx, q.topic, q.message, q.params); err != nil {
			c.mu.Lock()
			c.queue = append(append([]queuedPublish(nil), queued[i:]...), c.queue...)
			n := len(c.queue)
			c.mu.Unlock()
			c.metrics.setQueued(n)
			c.reportError(err)
			return
		}
		c.metrics.publish("ok")
	}
	c.mu.Lock()
	n := len(c.queue)
	c.mu.Unlock()
	c.metrics.setQueued(n)
}

func (c *Connection) failed(err error, fromRetry bool) {
	c.mu.Lock()
	c.setStateLocked(StateDisconnected)
	c.lastFailure = err.Error()
	c.mu.Unlock()
	c.metrics.setConnected(false)
	c.logger.Warn("relay connect failed", "reason", err.Error())
	c.emit(ConnectionEvent{State: StateDisconnected, Reason: ConnectionFailed{Cause: err}})
	c.reportError(err)
	if !fromRetry {
		c.scheduleRetry()
	}
}

func (c *Connection) watch(t Transport) {
	<-t.Done()
	c.mu.Lock()
	if c.transport != t {
		c.mu.Unlock()
		return
	}
	c.transport = nil
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()
	c.metrics.setConnected(false)

	reason := "transport closed"
	if err := t.Err(); err != nil && !errors.Is(err, ErrClosed) {
		reason = err.Error()
		c.reportError(err)
	}
	c.logger.Warn("relay connection lost", "reason", reason)
	c.emit(ConnectionEvent{State: StateDisconnected, Reason: ConnectionClosed{Reason: reason}})
	c.scheduleRetry()
}

func (c *Connection) closeCurrent(reason string) {
	c.mu.Lock()
	t := c.transport
	c.transport = nil
	c.mu.Unlock()
	if t == nil {
		return
	}
	_ = t.Close()
	c.metrics.setConnected(false)
	c.emit(ConnectionEvent{State: StateDisconnected, Reason: ConnectionClosed{Reason: reason}})
}

// scheduleRetry starts the backoff loop. Manual connections never retry.
func (c *Connection) scheduleRetry() {
	c.mu.Lock()
	if c.cfg.ConnectionType == ConnectionTypeManual || c.stopped || c.retrying || c.ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.retrying = true
	c.retryCancel = cancel
	epoch := c.epoch
	c.mu.Unlock()
	go c.retryLoop(ctx, cancel, epoch)
}

func (c *Connection) retryLoop(ctx context.Context, cancel context.CancelFunc, epoch uint64) {
	defer cancel()
	for {
		if !c.waitOnline(ctx) {
			c.stopRetrying(epoch)
			return
		}
		c.mu.Lock()
		attempt := c.attempts
		c.mu.Unlock()

		timer := time.NewTimer(c.backoff.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			c.stopRetrying(epoch)
			return
		case <-timer.C:
		}
		// Offline while waiting: suspend without counting the attempt.
		if !c.network.Online() {
			continue
		}

		c.mu.Lock()
		c.attempts++
		n := c.attempts
		c.mu.Unlock()
		c.metrics.reconnectAttempt()
		c.logger.Info("relay reconnect attempt", "attempt", n)

		err := c.singleFlight(ctx, func(ctx context.Context) error {
			if c.State() == StateConnected {
				return nil
			}
			return c.dial(ctx, true)
		})
		if err != nil {
			continue
		}
		c.mu.Lock()
		if c.epoch != epoch {
			c.mu.Unlock()
			return
		}
		if c.state == StateConnected || c.stopped {
			c.retrying = false
			c.retryCancel = nil
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
	}
}

// stopRetrying clears the retry flag unless a Disconnect already handed it on.
func (c *Connection) stopRetrying(epoch uint64) {
	c.mu.Lock()
	if c.epoch == epoch {
		c.retrying = false
		c.retryCancel = nil
	}
	c.mu.Unlock()
}

// stale reports whether a Disconnect happened since epoch was read.
func (c *Connection) stale(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch != epoch
}

func (c *Connection) waitOnline(ctx context.Context) bool {
	for !c.network.Online() {
		select {
		case <-ctx.Done():
			return false
		case <-c.network.Changes():
		}
	}
	return ctx.Err() == nil
}

func (c *Connection) deliver(msg InboundMessage) {
	c.metrics.received()
	select {
	case c.messages <- msg:
	case <-c.ctx.Done():
	}
}

func (c *Connection) emit(ev ConnectionEvent) {
	if ev.At.IsZero() {
		ev.At = c.now()
	}
	select {
	case c.events <- ev:
	default:
		c.logger.Debug("relay state event dropped", "state", string(ev.State))
	}
}

func (c *Connection) reportError(err error) {
	select {
	case c.errs <- err:
	default:
	}
}

func (c *Connection) setStateLocked(next State) {
	if c.state == next {
		return
	}
	c.state = next
	c.lastChange = c.now()
}
