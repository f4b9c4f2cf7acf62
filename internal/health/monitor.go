// Package health watches the active backend node and fails over to another
// one when it stops answering.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/HerbHall/stationlink/internal/backoff"
	"github.com/HerbHall/stationlink/internal/discovery"
	"github.com/HerbHall/stationlink/internal/messaging"
	"github.com/HerbHall/stationlink/internal/metrics"
	"github.com/HerbHall/stationlink/pkg/models"
)

// Defaults for Config fields left at zero.
const (
	DefaultInterval         = 5 * time.Second
	DefaultFailureThreshold = 3
)

// Config tunes a Monitor.
type Config struct {
	Interval time.Duration `mapstructure:"interval"`
	// FailureThreshold is the number of consecutive failed probes that
	// trigger failover, and of empty discovery rounds that report the node
	// as disconnected.
	FailureThreshold int            `mapstructure:"failure_threshold"`
	Backoff          backoff.Policy `mapstructure:"backoff"`
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	return c
}

// Discoverer finds and probes backend nodes. *discovery.Service satisfies it.
type Discoverer interface {
	DiscoverBest(ctx context.Context, candidates []models.Endpoint) (models.Endpoint, []models.ProbeResult, error)
	Probe(ctx context.Context, ep models.Endpoint) models.ProbeResult
}

// Client is the part of the messaging client the monitor drives.
// *messaging.Client satisfies it.
type Client interface {
	State() messaging.State
	Endpoint() (models.Endpoint, bool)
	Connect(ctx context.Context, ep models.Endpoint) error
	Detach(reason string)
}

// Notifier receives the monitor's connectivity judgements.
type Notifier func(change models.ConnectivityChange)

// Monitor probes the active endpoint on a fixed interval and runs the
// discovery loop whenever a node has to be (re)selected.
type Monitor struct {
	discoverer Discoverer
	source     discovery.Source
	client     Client
	cfg        Config
	logger     *zap.Logger
	clock      clock.Clock
	metrics    *metrics.Metrics
	notify     Notifier
	backoff    *backoff.Backoff

	mu       sync.Mutex
	failures int
	degraded bool

	ready     chan struct{}
	readyOnce sync.Once
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithClock sets the time source for ticks and backoff waits.
func WithClock(c clock.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// WithMetrics records failed health checks.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

// WithNotifier receives degraded/connected/reconnecting/disconnected
// judgements.
func WithNotifier(n Notifier) Option {
	return func(m *Monitor) { m.notify = n }
}

// NewMonitor creates a monitor. Candidates for every discovery round come
// from source.
func NewMonitor(d Discoverer, source discovery.Source, client Client, cfg Config, logger *zap.Logger, opts ...Option) *Monitor {
	cfg = cfg.withDefaults()
	m := &Monitor{
		discoverer: d,
		source:     source,
		client:     client,
		cfg:        cfg,
		logger:     logger,
		clock:      clock.New(),
		backoff:    backoff.New(cfg.Backoff),
		ready:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Ready is closed once the first node has been selected and the client
// asked to connect to it.
func (m *Monitor) Ready() <-chan struct{} {
	return m.ready
}

// Run selects a node, then checks it every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("health monitor starting",
		zap.Duration("interval", m.cfg.Interval),
		zap.Int("failure_threshold", m.cfg.FailureThreshold),
	)

	if !m.establish(ctx) {
		return nil
	}
	m.readyOnce.Do(func() { close(m.ready) })

	ticker := m.clock.Ticker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor stopped")
			return nil
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

// check runs one health probe against the active endpoint.
func (m *Monitor) check(ctx context.Context) {
	state := m.client.State()
	if state == messaging.StateDisconnected || state == messaging.StateConnecting {
		return
	}
	ep, ok := m.client.Endpoint()
	if !ok {
		return
	}

	res := m.discoverer.Probe(ctx, ep)
	if ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	if res.Reachable {
		recovered := m.degraded
		m.failures = 0
		m.degraded = false
		m.mu.Unlock()
		if recovered && state == messaging.StateConnected {
			m.logger.Info("node recovered", zap.String("endpoint", ep.String()))
			m.emit(models.ConnectivityConnected, &ep, "health_check_recovered")
		}
		return
	}

	m.failures++
	failures := m.failures
	firstFailure := !m.degraded
	m.degraded = true
	failover := failures >= m.cfg.FailureThreshold
	if failover {
		m.failures = 0
		m.degraded = false
	}
	m.mu.Unlock()

	m.metrics.IncHealthFailure()
	m.logger.Warn("health check failed",
		zap.String("endpoint", ep.String()),
		zap.Int("consecutive_failures", failures),
		zap.String("error", res.Error),
	)
	if firstFailure && state == messaging.StateConnected && !failover {
		m.emit(models.ConnectivityDegraded, &ep, "health_check_failed")
	}
	if !failover {
		return
	}

	m.logger.Warn("node unresponsive, selecting another", zap.String("endpoint", ep.String()))
	m.client.Detach("health_check_failed")
	m.emit(models.ConnectivityReconnecting, &ep, "failover")
	m.establish(ctx)
}

// establish runs discovery rounds until a node is found and the client has
// been asked to connect to it. It reports false if ctx ended first.
func (m *Monitor) establish(ctx context.Context) bool {
	m.backoff.Reset()
	empty := 0
	for {
		candidates := m.source.Candidates(ctx)
		best, results, err := m.discoverer.DiscoverBest(ctx, candidates)
		if ctx.Err() != nil {
			return false
		}
		if err == nil {
			m.logger.Info("node selected",
				zap.String("endpoint", best.String()),
				zap.Int("candidates", len(results)),
			)
			m.backoff.Reset()
			if cerr := m.client.Connect(ctx, best); cerr != nil {
				return false
			}
			return true
		}

		empty++
		delay := m.backoff.Next()
		m.logger.Warn("no reachable node",
			zap.Int("candidates", len(candidates)),
			zap.Int("round", empty),
			zap.Duration("retry_in", delay),
		)
		if empty == m.cfg.FailureThreshold {
			m.emit(models.ConnectivityDisconnected, nil, "discovery_failed")
		}

		t := m.clock.Timer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}
}

func (m *Monitor) emit(state models.ConnectivityState, ep *models.Endpoint, reason string) {
	if m.notify == nil {
		return
	}
	m.notify(models.ConnectivityChange{
		State:    state,
		Endpoint: ep,
		Reason:   reason,
		At:       m.clock.Now().UTC(),
	})
}
