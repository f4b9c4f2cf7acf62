// Package messaging owns the publish/subscribe session to the active backend
// node: connect, reconnect with backoff, subscription bookkeeping, inbound
// decoding and outbound publish. Reconnect policy lives only here.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/HerbHall/stationlink/internal/backoff"
	"github.com/HerbHall/stationlink/internal/metrics"
	"github.com/HerbHall/stationlink/pkg/models"
)

// Defaults for Config fields left at zero.
const (
	DefaultLivenessWindow   = 45 * time.Second
	DefaultConnectTimeout   = 10 * time.Second
	DefaultSubscribeTimeout = 5 * time.Second
	DefaultKeepAliveTopic   = "heartbeat"
	defaultInboxSize        = 256

	// subscriptionWarnAfter is the number of consecutive failures after which
	// a topic's subscription failures are logged as warnings.
	subscriptionWarnAfter = 3
)

// Config tunes a Client.
type Config struct {
	Backoff backoff.Policy `mapstructure:"backoff"`
	// LivenessWindow is the longest silence tolerated on a connected session
	// before it is treated as stale.
	LivenessWindow   time.Duration `mapstructure:"liveness_window"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	SubscribeTimeout time.Duration `mapstructure:"subscribe_timeout"`
	// KeepAliveTopic is subscribed automatically; its messages count as
	// activity but are not forwarded.
	KeepAliveTopic string `mapstructure:"keepalive_topic"`
	InboxSize      int    `mapstructure:"inbox_size"`
}

func (c Config) withDefaults() Config {
	if c.LivenessWindow <= 0 {
		c.LivenessWindow = DefaultLivenessWindow
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.SubscribeTimeout <= 0 {
		c.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if c.InboxSize <= 0 {
		c.InboxSize = defaultInboxSize
	}
	return c
}

// Notifier receives connectivity transitions in the order they happened.
type Notifier func(change models.ConnectivityChange)

// ActiveConnection is a point-in-time view of the client's connection.
type ActiveConnection struct {
	Endpoint         models.Endpoint `json:"endpoint"`
	State            string          `json:"state"`
	SubscribedTopics []string        `json:"subscribed_topics"`
	LastActivityAt   time.Time       `json:"last_activity_at,omitempty"`
	// Generation increases every time a session replaces the previous one.
	Generation uint64 `json:"generation"`
}

type rawMessage struct {
	topic      string
	payload    []byte
	receivedAt time.Time
}

// connection is the live session state. A new connection replaces the old
// one on every successful connect; it is never reused.
type connection struct {
	gen      uint64
	endpoint models.Endpoint
	session  Session

	// requested and subscribed are guarded by Client.mu.
	requested  map[string]struct{}
	subscribed map[string]struct{}

	lastActivity atomic.Int64
	// lost is set when the transport drops the session before it was
	// committed as the active connection.
	lost      atomic.Bool
	inbox     chan rawMessage
	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(gen uint64, ep models.Endpoint, inboxSize int) *connection {
	return &connection{
		gen:        gen,
		endpoint:   ep,
		requested:  make(map[string]struct{}),
		subscribed: make(map[string]struct{}),
		inbox:      make(chan rawMessage, inboxSize),
		done:       make(chan struct{}),
	}
}

func (c *connection) touch(t time.Time) { c.lastActivity.Store(t.UnixNano()) }

func (c *connection) lastActivityAt() time.Time {
	n := c.lastActivity.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func (c *connection) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

type attempt struct {
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Client is the messaging state machine:
// Disconnected -> Connecting -> Connected -> Reconnecting -> ...
// Disconnected is only re-entered through Disconnect.
type Client struct {
	transport Transport
	sink      Sink
	cfg       Config
	logger    *zap.Logger
	clock     clock.Clock
	metrics   *metrics.Metrics
	notify    Notifier
	backoff   *backoff.Backoff
	decodeLog rate.Sometimes

	mu          sync.Mutex
	state       State
	endpoint    models.Endpoint
	hasEndpoint bool
	desired     []string
	desiredSet  map[string]struct{}
	subFailures map[string]int
	conn        *connection
	attempt     *attempt
	retryTimer  *clock.Timer
	gen         uint64

	notifyMu     sync.Mutex
	outbox       []models.ConnectivityChange
	lastNotified models.ConnectivityState
}

// Option customizes a Client.
type Option func(*Client)

// WithClock sets the time source for timers and timestamps.
func WithClock(c clock.Clock) Option {
	return func(cl *Client) { cl.clock = c }
}

// WithMetrics records connection metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(cl *Client) { cl.metrics = m }
}

// WithNotifier receives connectivity transitions.
func WithNotifier(n Notifier) Option {
	return func(cl *Client) { cl.notify = n }
}

// NewClient creates a disconnected client. Decoded messages go to sink.
func NewClient(transport Transport, sink Sink, cfg Config, logger *zap.Logger, opts ...Option) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		transport:   transport,
		sink:        sink,
		cfg:         cfg,
		logger:      logger,
		clock:       clock.New(),
		backoff:     backoff.New(cfg.Backoff),
		decodeLog:   rate.Sometimes{First: 3, Interval: 30 * time.Second},
		desiredSet:  make(map[string]struct{}),
		subFailures: make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	if cfg.KeepAliveTopic != "" {
		c.addDesiredLocked(cfg.KeepAliveTopic)
	}
	c.metrics.SetState(StateDisconnected.String(), allStates...)
	return c
}

// State returns the current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Endpoint returns the endpoint the client is bound to, if any.
func (c *Client) Endpoint() (models.Endpoint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint, c.hasEndpoint
}

// Subscriptions returns the desired topic set in subscription order.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.desired)
}

// Snapshot describes the current connection.
func (c *Client) Snapshot() ActiveConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := ActiveConnection{
		Endpoint:   c.endpoint,
		State:      c.state.String(),
		Generation: c.gen,
	}
	if c.conn != nil {
		for t := range c.conn.subscribed {
			snap.SubscribedTopics = append(snap.SubscribedTopics, t)
		}
		slices.Sort(snap.SubscribedTopics)
		snap.LastActivityAt = c.conn.lastActivityAt()
	}
	return snap
}

// Connect binds the client to ep and opens a session. It returns once the
// first attempt has finished, successfully or not; failures are retried in
// the background with backoff and never returned. Calls while Connecting
// wait for the attempt in flight, and calls while Connected are no-ops.
// The only error is ctx's, if it ends before the attempt does.
func (c *Client) Connect(ctx context.Context, ep models.Endpoint) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		a := c.attempt
		c.mu.Unlock()
		return waitAttempt(ctx, a)
	}

	c.stopRetryTimerLocked()
	c.endpoint = ep
	c.hasEndpoint = true
	a := c.startAttemptLocked()
	c.mu.Unlock()
	c.flushNotifications()

	return waitAttempt(ctx, a)
}

func waitAttempt(ctx context.Context, a *attempt) error {
	if a == nil {
		return nil
	}
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startAttemptLocked moves to Connecting and launches one connect attempt
// against c.endpoint.
func (c *Client) startAttemptLocked() *attempt {
	c.gen++
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	a := &attempt{
		gen:    c.gen,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.attempt = a
	c.setStateLocked(StateConnecting, "connect")
	go c.runAttempt(a, c.endpoint)
	return a
}

func (c *Client) runAttempt(a *attempt, ep models.Endpoint) {
	defer close(a.done)
	defer a.cancel()

	c.metrics.IncConnectAttempt()
	c.logger.Info("connecting", zap.String("endpoint", ep.String()), zap.Uint64("generation", a.gen))

	conn := newConnection(a.gen, ep, c.cfg.InboxSize)
	session, err := c.transport.Dial(a.ctx, ep, Handlers{
		OnMessage: func(topic string, payload []byte) { c.handleInbound(conn, topic, payload) },
		OnLost:    func(err error) { c.handleLost(conn, "connection_lost", err) },
	})
	if err != nil {
		c.mu.Lock()
		if c.attempt != a {
			c.mu.Unlock()
			return
		}
		c.attempt = nil
		c.logger.Warn("connect failed",
			zap.String("endpoint", ep.String()),
			zap.Error(err),
		)
		c.scheduleRetryLocked("connect_failed")
		c.mu.Unlock()
		c.flushNotifications()
		return
	}
	conn.session = session

	// Re-apply the desired subscriptions before anything is dispatched.
	// Inbound messages arriving meanwhile wait in the inbox.
	c.subscribeMissing(a.ctx, conn)

	c.mu.Lock()
	if c.attempt != a {
		c.mu.Unlock()
		conn.shutdown()
		session.Close()
		return
	}
	c.attempt = nil
	if conn.lost.Load() {
		c.logger.Warn("connection dropped during setup", zap.String("endpoint", ep.String()))
		c.scheduleRetryLocked("connection_lost")
		c.mu.Unlock()
		c.flushNotifications()
		conn.shutdown()
		session.Close()
		return
	}
	c.conn = conn
	conn.touch(c.clock.Now())
	c.backoff.Reset()
	c.setStateLocked(StateConnected, "connected")
	c.mu.Unlock()
	c.flushNotifications()

	// Topics added while the attempt was running.
	subCtx, cancel := context.WithTimeout(context.Background(), c.cfg.SubscribeTimeout)
	c.subscribeMissing(subCtx, conn)
	cancel()

	go c.pump(conn)
	go c.watchdog(conn)
}

// subscribeMissing issues one subscribe request for every desired topic not
// yet requested on conn.
func (c *Client) subscribeMissing(ctx context.Context, conn *connection) {
	c.mu.Lock()
	var topics []string
	for _, t := range c.desired {
		if _, ok := conn.requested[t]; ok {
			continue
		}
		conn.requested[t] = struct{}{}
		topics = append(topics, t)
	}
	c.mu.Unlock()

	for _, t := range topics {
		_ = c.subscribeOn(ctx, conn, t)
	}
}

func (c *Client) subscribeOn(ctx context.Context, conn *connection, topic string) error {
	subCtx, cancel := context.WithTimeout(ctx, c.cfg.SubscribeTimeout)
	defer cancel()
	err := conn.session.Subscribe(subCtx, topic)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.subFailures[topic]++
		failures := c.subFailures[topic]
		fields := []zap.Field{
			zap.String("topic", topic),
			zap.Int("consecutive_failures", failures),
			zap.Error(err),
		}
		if failures >= subscriptionWarnAfter {
			c.logger.Warn("subscription keeps failing", fields...)
		} else {
			c.logger.Info("subscription failed, will retry on reconnect", fields...)
		}
		return &SubscriptionError{Topic: topic, Err: err}
	}
	delete(c.subFailures, topic)
	conn.subscribed[topic] = struct{}{}
	c.logger.Debug("subscribed", zap.String("topic", topic), zap.Uint64("generation", conn.gen))
	return nil
}

// Subscribe adds topics to the desired set. Topics are issued right away on
// a connected session and otherwise applied on the next successful connect.
// Each topic is requested at most once per session. The returned error joins
// the SubscriptionErrors of topics the node rejected.
func (c *Client) Subscribe(ctx context.Context, topics ...string) error {
	c.mu.Lock()
	for _, t := range topics {
		if t != "" {
			c.addDesiredLocked(t)
		}
	}
	conn := c.conn
	var issue []string
	if c.state == StateConnected && conn != nil {
		for _, t := range topics {
			if t == "" {
				continue
			}
			if _, ok := conn.requested[t]; ok {
				continue
			}
			conn.requested[t] = struct{}{}
			issue = append(issue, t)
		}
	}
	c.mu.Unlock()

	var errs []error
	for _, t := range issue {
		if err := c.subscribeOn(ctx, conn, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Client) addDesiredLocked(topic string) {
	if _, ok := c.desiredSet[topic]; ok {
		return
	}
	c.desiredSet[topic] = struct{}{}
	c.desired = append(c.desired, topic)
}

// Publish sends payload on topic, fire-and-forget. It fails with
// ErrNotConnected unless the client is Connected.
func (c *Client) Publish(topic string, payload []byte) error {
	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	session := c.conn.session
	c.mu.Unlock()

	if err := session.Publish(topic, payload); err != nil {
		return fmt.Errorf("publish %q: %w", topic, err)
	}
	return nil
}

// handleInbound runs on the transport's delivery goroutine.
func (c *Client) handleInbound(conn *connection, topic string, payload []byte) {
	now := c.clock.Now()
	conn.touch(now)
	c.metrics.IncInbound(topic)
	if topic == c.cfg.KeepAliveTopic {
		return
	}
	select {
	case conn.inbox <- rawMessage{topic: topic, payload: payload, receivedAt: now.UTC()}:
	case <-conn.done:
	}
}

// pump decodes and forwards inbound messages one at a time, preserving wire
// order.
func (c *Client) pump(conn *connection) {
	for {
		select {
		case <-conn.done:
			return
		case m := <-conn.inbox:
			msg, err := decode(m)
			if err != nil {
				c.metrics.IncDecodeError()
				c.decodeLog.Do(func() {
					c.logger.Warn("dropping malformed message", zap.Error(err))
				})
				continue
			}
			c.sink.Deliver(msg)
		}
	}
}

func decode(m rawMessage) (models.InboundMessage, error) {
	msg := models.InboundMessage{Topic: m.topic, ReceivedAt: m.receivedAt}
	if len(m.payload) == 0 {
		return msg, nil
	}
	var payload any
	if err := json.Unmarshal(m.payload, &payload); err != nil {
		return models.InboundMessage{}, &DecodeError{Topic: m.topic, Err: err}
	}
	msg.Payload = payload
	msg.Raw = json.RawMessage(m.payload)
	return msg, nil
}

// watchdog force-reconnects a session that has been silent for longer than
// the liveness window, even if the transport still considers it open.
func (c *Client) watchdog(conn *connection) {
	every := c.cfg.LivenessWindow / 4
	if every < 10*time.Millisecond {
		every = 10 * time.Millisecond
	}
	ticker := c.clock.Ticker(every)
	defer ticker.Stop()

	for {
		select {
		case <-conn.done:
			return
		case <-ticker.C:
			silent := c.clock.Now().Sub(time.Unix(0, conn.lastActivity.Load()))
			if silent > c.cfg.LivenessWindow {
				c.handleLost(conn, "stale", fmt.Errorf("no traffic for %s", silent.Round(time.Millisecond)))
				return
			}
		}
	}
}

// handleLost tears down conn and schedules a reconnect, unless conn has
// already been replaced or torn down.
func (c *Client) handleLost(conn *connection, cause string, err error) {
	c.mu.Lock()
	if c.conn != conn {
		if c.attempt != nil && c.attempt.gen == conn.gen {
			conn.lost.Store(true)
		}
		c.mu.Unlock()
		return
	}
	session := c.teardownLocked()
	c.logger.Warn("connection lost",
		zap.String("endpoint", conn.endpoint.String()),
		zap.String("cause", cause),
		zap.Error(err),
	)
	c.scheduleRetryLocked(cause)
	c.mu.Unlock()
	c.flushNotifications()

	if session != nil {
		go session.Close()
	}
}

// scheduleRetryLocked enters Reconnecting and arms the backoff timer.
func (c *Client) scheduleRetryLocked(cause string) {
	delay := c.backoff.Next()
	c.metrics.IncReconnect(cause)
	c.setStateLocked(StateReconnecting, cause)
	c.logger.Info("reconnect scheduled",
		zap.String("endpoint", c.endpoint.String()),
		zap.Duration("delay", delay),
		zap.Int("attempt", c.backoff.Attempts()),
	)

	gen := c.gen
	c.stopRetryTimerLocked()
	c.retryTimer = c.clock.AfterFunc(delay, func() { c.retry(gen) })
}

func (c *Client) retry(gen uint64) {
	c.mu.Lock()
	if c.state != StateReconnecting || c.gen != gen || c.attempt != nil {
		c.mu.Unlock()
		return
	}
	c.retryTimer = nil
	c.startAttemptLocked()
	c.mu.Unlock()
	c.flushNotifications()
}

func (c *Client) stopRetryTimerLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

// teardownLocked drops the current connection and returns its session for
// the caller to close outside the lock.
func (c *Client) teardownLocked() Session {
	conn := c.conn
	if conn == nil {
		return nil
	}
	c.conn = nil
	conn.shutdown()
	return conn.session
}

// Detach releases the session, cancels any attempt or pending retry, and
// parks the client in Reconnecting without a retry timer so the caller can
// pick another endpoint. It returns after any in-flight attempt has ended.
func (c *Client) Detach(reason string) {
	c.stop(StateReconnecting, reason)
}

// Disconnect shuts the client down. No automatic reconnect happens until
// Connect is called again.
func (c *Client) Disconnect() {
	c.stop(StateDisconnected, "disconnect")
}

func (c *Client) stop(next State, reason string) {
	c.mu.Lock()
	c.stopRetryTimerLocked()
	a := c.attempt
	c.attempt = nil
	if a != nil {
		a.cancel()
	}
	session := c.teardownLocked()
	c.gen++
	c.setStateLocked(next, reason)
	c.mu.Unlock()
	c.flushNotifications()

	if session != nil {
		session.Close()
	}
	if a != nil {
		<-a.done
	}
}

// setStateLocked records a transition and queues its connectivity
// notification.
func (c *Client) setStateLocked(next State, reason string) {
	if c.state == next {
		return
	}
	prev := c.state
	c.state = next
	c.metrics.SetState(next.String(), allStates...)
	c.logger.Info("connection state changed",
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
		zap.String("reason", reason),
	)

	// Connecting is invisible, so Reconnecting -> Connecting -> Reconnecting
	// is reported once.
	cs, ok := next.Connectivity()
	if !ok || c.notify == nil || cs == c.lastNotified {
		return
	}
	c.lastNotified = cs
	change := models.ConnectivityChange{
		State:  cs,
		Reason: reason,
		At:     c.clock.Now().UTC(),
	}
	if c.hasEndpoint {
		ep := c.endpoint
		change.Endpoint = &ep
	}
	c.outbox = append(c.outbox, change)
}

// flushNotifications delivers queued transitions outside c.mu. Delivery is
// serialized, so notifications arrive in transition order even when several
// goroutines flush concurrently or a notifier re-enters the client.
func (c *Client) flushNotifications() {
	if c.notify == nil {
		return
	}
	for {
		if !c.notifyMu.TryLock() {
			return
		}
		for {
			c.mu.Lock()
			if len(c.outbox) == 0 {
				c.mu.Unlock()
				break
			}
			change := c.outbox[0]
			c.outbox = c.outbox[1:]
			c.mu.Unlock()
			c.notify(change)
		}
		c.notifyMu.Unlock()

		c.mu.Lock()
		pending := len(c.outbox)
		c.mu.Unlock()
		if pending == 0 {
			return
		}
	}
}
