// Package stationlink is the connectivity core of a station-operations front
// end. A Link finds a reachable backend node, keeps an MQTT session to it
// alive, and fans the node's updates out as named events.
//
// A Link is created once at application start, handed to the components
// that need it, and torn down with Close on shutdown.
package stationlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/HerbHall/stationlink/internal/config"
	"github.com/HerbHall/stationlink/internal/discovery"
	"github.com/HerbHall/stationlink/internal/event"
	"github.com/HerbHall/stationlink/internal/health"
	"github.com/HerbHall/stationlink/internal/messaging"
	"github.com/HerbHall/stationlink/internal/metrics"
	"github.com/HerbHall/stationlink/internal/probe"
	"github.com/HerbHall/stationlink/pkg/models"
)

// Event names, re-exported for handlers.
const (
	EventQueueUpdate             = event.QueueUpdate
	EventCashBookingUpdated      = event.CashBookingUpdated
	EventSeatAvailabilityChanged = event.SeatAvailabilityChanged
	EventFinancialUpdate         = event.FinancialUpdate
	EventDashboardUpdate         = event.DashboardUpdate
	EventUIRefreshRequired       = event.UIRefreshRequired
	EventConnectivityChanged     = event.ConnectivityChanged
)

type (
	Event     = event.Event
	Handler   = event.Handler
	HandlerID = event.HandlerID
)

var (
	// ErrClosed is returned by operations on a closed Link.
	ErrClosed = errors.New("stationlink: link closed")
	// ErrNotConnected is returned by Publish unless the session is up.
	ErrNotConnected = messaging.ErrNotConnected
	// ErrDisconnected is returned by Connect when Disconnect stops it before
	// a node was selected.
	ErrDisconnected = errors.New("stationlink: disconnected before a node was selected")
)

// Options configures a Link. Settings carry the file/env configuration; the
// remaining fields replace built-in components and are mostly used by tests
// and embedders.
type Options struct {
	Settings config.Settings
	Logger   *zap.Logger
	// Registerer receives the Link's Prometheus collectors; nil disables
	// registration.
	Registerer prometheus.Registerer

	Transport messaging.Transport
	Prober    probe.Prober
	// Source replaces the static and mDNS candidate sources.
	Source discovery.Source
	Clock  clock.Clock
}

// Link is the application-facing connectivity object.
type Link struct {
	logger     *zap.Logger
	clock      clock.Clock
	metrics    *metrics.Metrics
	dispatcher *event.Dispatcher
	client     *messaging.Client
	discovery  *discovery.Service
	source     discovery.Source
	healthCfg  health.Config
	topics     []string

	mu      sync.Mutex
	closed  bool
	cancel  context.CancelFunc
	running chan struct{}

	notifyMu sync.Mutex
	pending  []models.ConnectivityChange
	last     models.ConnectivityState
	current  models.ConnectivityState
	emitMu   sync.Mutex
}

// New builds a Link from opts. Nothing touches the network until Connect.
func New(opts Options) (*Link, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	s := opts.Settings
	m := metrics.New(opts.Registerer)

	l := &Link{
		logger:    logger,
		clock:     clk,
		metrics:   m,
		healthCfg: s.Health,
		topics:    s.Topics,
		current:   models.ConnectivityDisconnected,
	}
	if len(l.topics) == 0 {
		l.topics = event.DefaultTopics
	}
	for _, t := range l.topics {
		if !event.KnownTopic(t) {
			return nil, fmt.Errorf("unknown topic %q", t)
		}
	}

	prober := opts.Prober
	if prober == nil {
		prober = probe.NewDefault(probe.Options{
			HealthPath:    s.Discovery.HealthPath,
			WebSocketPath: s.Discovery.WebSocketPath,
			Clock:         clk,
		})
	}
	l.discovery = discovery.NewService(prober, discovery.Config{
		ProbeTimeout: s.Discovery.ProbeTimeout,
		Concurrency:  s.Discovery.Concurrency,
	}, logger.Named("discovery"), discovery.WithClock(clk), discovery.WithMetrics(m))

	l.source = opts.Source
	if l.source == nil {
		l.source = buildSource(s.Discovery, logger)
	}

	transport := opts.Transport
	if transport == nil {
		transport = messaging.NewMQTTTransport(s.MQTT, logger.Named("mqtt"))
	}
	l.dispatcher = event.NewDispatcher(logger.Named("events"), m)
	l.client = messaging.NewClient(transport, l.dispatcher, s.Messaging, logger.Named("messaging"),
		messaging.WithClock(clk),
		messaging.WithMetrics(m),
		messaging.WithNotifier(l.onConnectivity),
	)
	return l, nil
}

func buildSource(s config.DiscoverySettings, logger *zap.Logger) discovery.Source {
	static := discovery.StaticSource{
		Overrides: discovery.ParseEndpoints(s.Endpoints, logger),
		Defaults:  discovery.ParseEndpoints(s.Defaults, logger),
	}
	if !s.MDNS {
		return static
	}
	return discovery.MultiSource{
		static,
		discovery.NewMDNSSource(logger.Named("mdns"), s.ProbeTimeout, s.MDNSInterval),
	}
}

// Connect subscribes the configured topics, starts node selection and health
// monitoring, and returns once a node has been chosen and the first connect
// attempt has finished. If ctx ends first its error is returned and the Link
// keeps trying in the background until Disconnect. A Disconnect or Close
// that lands first makes Connect return ErrDisconnected or ErrClosed.
func (l *Link) Connect(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if l.cancel != nil {
		l.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	monitor := health.NewMonitor(l.discovery, l.source, l.client, l.healthCfg, l.logger.Named("health"),
		health.WithClock(l.clock),
		health.WithMetrics(l.metrics),
		health.WithNotifier(l.onConnectivity),
	)
	running := make(chan struct{})
	l.cancel = cancel
	l.running = running
	l.mu.Unlock()

	// Topics are queued on the client and applied by the first session.
	_ = l.client.Subscribe(ctx, l.topics...)

	go func() {
		defer close(running)
		if err := monitor.Run(runCtx); err != nil {
			l.logger.Error("health monitor exited", zap.Error(err))
		}
	}()

	select {
	case <-monitor.Ready():
		return nil
	case <-running:
		select {
		case <-monitor.Ready():
			return nil
		default:
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.closed {
			return ErrClosed
		}
		return ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect stops monitoring and closes the session. Connect may be called
// again afterwards.
func (l *Link) Disconnect() {
	l.mu.Lock()
	cancel, running := l.cancel, l.running
	l.cancel, l.running = nil, nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
		<-running
	}
	l.client.Disconnect()
}

// Close disconnects and releases the dispatcher. The Link cannot be reused.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.Disconnect()
	l.dispatcher.Close()
	return nil
}

// SubscribeToUpdates adds transport topics to the subscription set. Unknown
// topics are subscribed but produce no events.
func (l *Link) SubscribeToUpdates(ctx context.Context, topics ...string) error {
	return l.client.Subscribe(ctx, topics...)
}

// Publish JSON-encodes payload and sends it on topic.
func (l *Link) Publish(topic string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload for %q: %w", topic, err)
	}
	return l.client.Publish(topic, b)
}

// On registers h for event name and returns its ID for Off.
func (l *Link) On(name string, h Handler) HandlerID {
	return l.dispatcher.On(name, h)
}

// OnIsolated registers h to run on its own goroutine so that a slow handler
// does not hold up the others.
func (l *Link) OnIsolated(name string, h Handler) HandlerID {
	return l.dispatcher.OnIsolated(name, h)
}

// OnAll registers h for every event.
func (l *Link) OnAll(h Handler) HandlerID {
	return l.dispatcher.OnAll(h)
}

// Off removes a handler registered with On or OnIsolated (or OnAll, with an
// empty name).
func (l *Link) Off(name string, id HandlerID) bool {
	return l.dispatcher.Off(name, id)
}

// State returns the last reported connectivity state.
func (l *Link) State() models.ConnectivityState {
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()
	return l.current
}

// Snapshot describes the active connection.
func (l *Link) Snapshot() messaging.ActiveConnection {
	return l.client.Snapshot()
}

// Discover probes the current candidates without touching the session and
// returns them ranked, fastest reachable first.
func (l *Link) Discover(ctx context.Context) []models.ProbeResult {
	return l.discovery.Discover(ctx, l.source.Candidates(ctx))
}

// onConnectivity merges transitions from the messaging client and the health
// monitor, drops repeats, and emits the rest in order. A handler that calls
// back into the Link only queues further changes; the outer loop delivers
// them.
func (l *Link) onConnectivity(change models.ConnectivityChange) {
	l.notifyMu.Lock()
	if change.State == l.last {
		l.notifyMu.Unlock()
		return
	}
	l.last = change.State
	l.current = change.State
	l.pending = append(l.pending, change)
	l.notifyMu.Unlock()

	l.flush()
}

func (l *Link) flush() {
	for {
		if !l.emitMu.TryLock() {
			return
		}
		for {
			l.notifyMu.Lock()
			if len(l.pending) == 0 {
				l.notifyMu.Unlock()
				break
			}
			change := l.pending[0]
			l.pending = l.pending[1:]
			l.notifyMu.Unlock()

			l.dispatcher.EmitConnectivity(context.Background(), change)
		}
		l.emitMu.Unlock()

		l.notifyMu.Lock()
		pending := len(l.pending)
		l.notifyMu.Unlock()
		if pending == 0 {
			return
		}
	}
}
