//go:build !windows

package discovery

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"go.uber.org/zap"

	"github.com/HerbHall/stationlink/pkg/models"
)

// mdnsDefaultServices maps announced service types to the scheme used to
// reach them.
var mdnsDefaultServices = map[string]models.Scheme{
	"_mqtt._tcp":    models.SchemeTCP,
	"_mqtt-ws._tcp": models.SchemeWS,
}

// MDNSSource finds backend nodes announcing themselves over mDNS/Bonjour.
// Browse results are cached for the refresh interval so that a tight
// rediscovery loop does not wait on multicast every round.
type MDNSSource struct {
	logger   *zap.Logger
	timeout  time.Duration
	interval time.Duration
	services map[string]models.Scheme
	query    func(*mdns.QueryParam) error

	mu      sync.Mutex
	cached  []models.Endpoint
	browsed time.Time
}

// NewMDNSSource creates an mDNS candidate source. timeout bounds one browse;
// interval is how long browse results are reused.
func NewMDNSSource(logger *zap.Logger, timeout, interval time.Duration) *MDNSSource {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &MDNSSource{
		logger:   logger,
		timeout:  timeout,
		interval: interval,
		services: mdnsDefaultServices,
		query:    mdns.Query,
	}
}

// Candidates implements Source.
func (s *MDNSSource) Candidates(ctx context.Context) []models.Endpoint {
	s.mu.Lock()
	if !s.browsed.IsZero() && time.Since(s.browsed) < s.interval {
		out := append([]models.Endpoint(nil), s.cached...)
		s.mu.Unlock()
		return out
	}
	s.mu.Unlock()

	// mdns.Query does not take a context, so the service types are browsed
	// in parallel and a cancelled ctx abandons the round without caching it.
	results := make(chan []models.Endpoint, len(s.services))
	for svc, scheme := range s.services {
		go func() {
			results <- s.browse(ctx, svc, scheme)
		}()
	}
	var found []models.Endpoint
	for range len(s.services) {
		select {
		case eps := <-results:
			found = append(found, eps...)
		case <-ctx.Done():
			s.logger.Debug("mDNS browse abandoned", zap.Error(ctx.Err()))
			return nil
		}
	}
	found = Dedupe(found)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = found
	s.browsed = time.Now()

	s.logger.Debug("mDNS browse complete", zap.Int("nodes_found", len(found)))
	return append([]models.Endpoint(nil), found...)
}

// browse queries a single service type and converts the answers.
func (s *MDNSSource) browse(ctx context.Context, service string, scheme models.Scheme) []models.Endpoint {
	entries := make(chan *mdns.ServiceEntry, 16)

	var out []models.Endpoint
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			if ep, ok := endpointFromEntry(entry, scheme); ok {
				out = append(out, ep)
			}
		}
	}()

	params := mdns.DefaultParams(service)
	params.Timeout = s.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < params.Timeout {
			params.Timeout = remaining
		}
	}
	params.Entries = entries
	params.DisableIPv6 = true // Stick to IPv4 for simplicity.

	if params.Timeout > 0 {
		if err := s.query(params); err != nil {
			s.logger.Debug("mDNS query failed",
				zap.String("service", service),
				zap.Error(err),
			)
		}
	}
	close(entries)
	wg.Wait()

	return out
}

// endpointFromEntry converts an mDNS answer into an endpoint.
func endpointFromEntry(entry *mdns.ServiceEntry, scheme models.Scheme) (models.Endpoint, bool) {
	if entry == nil || entry.Port <= 0 {
		return models.Endpoint{}, false
	}
	var host string
	switch {
	case entry.AddrV4 != nil && !entry.AddrV4.IsUnspecified():
		host = entry.AddrV4.String()
	case entry.Addr != nil && !entry.Addr.IsUnspecified():
		// Fallback to deprecated Addr field for older mDNS implementations.
		host = entry.Addr.String()
	default:
		host = strings.TrimSuffix(entry.Host, ".")
	}
	if host == "" {
		return models.Endpoint{}, false
	}

	ep := models.Endpoint{Host: host, Port: entry.Port, Scheme: scheme}
	if scheme == models.SchemeWS {
		for _, field := range entry.InfoFields {
			if p, ok := strings.CutPrefix(field, "path="); ok {
				ep.Path = p
			}
		}
	}
	return ep, true
}
