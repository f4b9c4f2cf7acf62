// Package discovery finds the backend node to connect to by probing every
// candidate endpoint in parallel and ranking the ones that answered.
package discovery

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/HerbHall/stationlink/internal/metrics"
	"github.com/HerbHall/stationlink/internal/probe"
	"github.com/HerbHall/stationlink/pkg/models"
)

// ErrDiscoveryFailed is returned when no candidate endpoint is reachable.
var ErrDiscoveryFailed = errors.New("discovery: no reachable node")

// DefaultConcurrency caps simultaneous probes.
const DefaultConcurrency = 8

// Config tunes a discovery Service.
type Config struct {
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	Concurrency  int           `mapstructure:"concurrency"`
}

// Service probes candidate endpoints and ranks the results.
type Service struct {
	prober  probe.Prober
	cfg     Config
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithClock sets the time source used for probe timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithMetrics records probe outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a discovery service backed by prober.
func NewService(prober probe.Prober, cfg Config, logger *zap.Logger, opts ...Option) *Service {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = probe.DefaultTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	s := &Service{
		prober: prober,
		cfg:    cfg,
		clock:  clock.New(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Discover probes all candidates concurrently and returns one result per
// distinct endpoint: reachable endpoints first by ascending latency, then the
// unreachable ones. With no more candidates than the concurrency cap, the call
// returns within the probe timeout regardless of how many probes hang.
func (s *Service) Discover(ctx context.Context, candidates []models.Endpoint) []models.ProbeResult {
	unique := Dedupe(candidates)
	results := make([]models.ProbeResult, len(unique))
	if len(unique) == 0 {
		return results
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, ep := range unique {
		g.Go(func() error {
			r := probe.RunWithClock(gctx, s.clock, s.prober, ep, s.cfg.ProbeTimeout)
			results[i] = r
			latency, _ := r.LatencyMs()
			s.metrics.ObserveProbe(r.Reachable, latency/1000)
			s.logger.Debug("probed endpoint",
				zap.String("endpoint", ep.String()),
				zap.Bool("reachable", r.Reachable),
				zap.Duration("latency", r.Latency),
				zap.String("error", r.Error),
			)
			return nil
		})
	}
	_ = g.Wait()

	Rank(results)

	reachable := 0
	for _, r := range results {
		if r.Reachable {
			reachable++
		}
	}
	if reachable > 0 {
		s.metrics.IncDiscovery("found")
	} else {
		s.metrics.IncDiscovery("none")
	}
	s.logger.Info("discovery complete",
		zap.Int("candidates", len(unique)),
		zap.Int("reachable", reachable),
	)
	return results
}

// Rank orders results in place: reachable ascending by latency, then
// unreachable. The sort is stable so ties keep candidate order.
func Rank(results []models.ProbeResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Reachable != b.Reachable {
			return a.Reachable
		}
		if !a.Reachable {
			return false
		}
		return a.Latency < b.Latency
	})
}

// SelectBest returns the first reachable endpoint of ranked results.
func SelectBest(results []models.ProbeResult) (models.Endpoint, bool) {
	for _, r := range results {
		if r.Reachable {
			return r.Endpoint, true
		}
	}
	return models.Endpoint{}, false
}

// DiscoverBest runs Discover and SelectBest, returning ErrDiscoveryFailed when
// nothing answered.
func (s *Service) DiscoverBest(ctx context.Context, candidates []models.Endpoint) (models.Endpoint, []models.ProbeResult, error) {
	results := s.Discover(ctx, candidates)
	best, ok := SelectBest(results)
	if !ok {
		return models.Endpoint{}, results, ErrDiscoveryFailed
	}
	return best, results, nil
}

// Probe checks a single endpoint with the service's prober and timeout.
func (s *Service) Probe(ctx context.Context, ep models.Endpoint) models.ProbeResult {
	return probe.RunWithClock(ctx, s.clock, s.prober, ep, s.cfg.ProbeTimeout)
}

// Dedupe drops endpoints whose identity was already seen, keeping the first.
func Dedupe(candidates []models.Endpoint) []models.Endpoint {
	seen := make(map[string]struct{}, len(candidates))
	out := make([]models.Endpoint, 0, len(candidates))
	for _, ep := range candidates {
		if _, ok := seen[ep.Key()]; ok {
			continue
		}
		seen[ep.Key()] = struct{}{}
		out = append(out, ep)
	}
	return out
}
