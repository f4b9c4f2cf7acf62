// Package probe checks whether a single candidate endpoint is alive and how
// fast it answers. Probing is an observation: transport errors are folded
// into the returned ProbeResult and never propagated to callers.
package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/HerbHall/stationlink/pkg/models"
)

// Prober executes a reachability check against an endpoint. Implementations
// should honor ctx; Run enforces the deadline even if they do not.
type Prober interface {
	Probe(ctx context.Context, ep models.Endpoint) models.ProbeResult
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, ep models.Endpoint) models.ProbeResult

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context, ep models.Endpoint) models.ProbeResult {
	return f(ctx, ep)
}

// Run probes ep with p and never blocks longer than timeout. A probe that
// overruns is reported as unreachable; its goroutine is left to observe the
// cancelled context on its own.
func Run(ctx context.Context, p Prober, ep models.Endpoint, timeout time.Duration) models.ProbeResult {
	return RunWithClock(ctx, clock.New(), p, ep, timeout)
}

// RunWithClock is Run with an explicit time source for CheckedAt.
func RunWithClock(ctx context.Context, clk clock.Clock, p Prober, ep models.Endpoint, timeout time.Duration) models.ProbeResult {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan models.ProbeResult, 1)
	go func() {
		done <- p.Probe(probeCtx, ep)
	}()

	select {
	case r := <-done:
		r.Endpoint = ep
		if r.CheckedAt.IsZero() {
			r.CheckedAt = clk.Now().UTC()
		}
		if !r.Reachable {
			r.Latency = 0
		}
		return r
	case <-probeCtx.Done():
		reason := "probe timed out"
		if ctx.Err() != nil {
			reason = "probe cancelled"
		}
		return unreachable(clk, ep, reason)
	}
}

// DefaultTimeout bounds a probe when the caller passes no timeout.
const DefaultTimeout = 2 * time.Second

func unreachable(clk clock.Clock, ep models.Endpoint, reason string) models.ProbeResult {
	return models.ProbeResult{
		Endpoint:  ep,
		Reachable: false,
		Error:     reason,
		CheckedAt: clk.Now().UTC(),
	}
}

func reachable(clk clock.Clock, ep models.Endpoint, start time.Time) models.ProbeResult {
	latency := clk.Since(start)
	if latency <= 0 {
		latency = time.Microsecond
	}
	return models.ProbeResult{
		Endpoint:  ep,
		Reachable: true,
		Latency:   latency,
		CheckedAt: clk.Now().UTC(),
	}
}

// SchemeProber routes each endpoint to the prober registered for its scheme.
type SchemeProber struct {
	probers  map[models.Scheme]Prober
	fallback Prober
}

// NewSchemeProber creates a router that uses fallback for unregistered schemes.
func NewSchemeProber(fallback Prober) *SchemeProber {
	return &SchemeProber{
		probers:  make(map[models.Scheme]Prober),
		fallback: fallback,
	}
}

// Handle registers p for the given schemes.
func (s *SchemeProber) Handle(p Prober, schemes ...models.Scheme) *SchemeProber {
	for _, sc := range schemes {
		s.probers[sc] = p
	}
	return s
}

// Probe implements Prober.
func (s *SchemeProber) Probe(ctx context.Context, ep models.Endpoint) models.ProbeResult {
	if p, ok := s.probers[ep.Scheme]; ok {
		return p.Probe(ctx, ep)
	}
	if s.fallback != nil {
		return s.fallback.Probe(ctx, ep)
	}
	return models.ProbeResult{
		Endpoint:  ep,
		Error:     fmt.Sprintf("no prober for scheme %q", ep.Scheme),
		CheckedAt: time.Now().UTC(),
	}
}

// Options configures the default prober set.
type Options struct {
	// HealthPath is requested by the HTTP prober.
	HealthPath string
	// WebSocketPath is used for ws/wss endpoints that carry no path.
	WebSocketPath string
	Clock         clock.Clock
}

// NewDefault returns a SchemeProber wired with the TCP dial, websocket and
// HTTP probers. Unknown schemes fall back to a TCP dial.
func NewDefault(opts Options) *SchemeProber {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	dial := NewDialProber(clk)
	return NewSchemeProber(dial).
		Handle(dial, models.SchemeTCP, models.SchemeMQTT, models.SchemeSSL, models.SchemeMQTTS).
		Handle(NewWebSocketProber(opts.WebSocketPath, clk), models.SchemeWS, models.SchemeWSS).
		Handle(NewHTTPProber(opts.HealthPath, nil, clk), models.SchemeHTTP)
}
