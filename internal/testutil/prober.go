package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/HerbHall/stationlink/pkg/models"
)

// ProbeBehavior scripts how FakeProber answers for one endpoint.
type ProbeBehavior struct {
	Reachable bool
	// Latency is reported as-is; the fake does not sleep for it unless Delay is set.
	Latency time.Duration
	// Delay makes the probe take this long (honoring ctx).
	Delay time.Duration
	// Hang blocks until ctx is done.
	Hang bool
}

// FakeProber is a scripted, thread-safe prober. Unknown endpoints are
// unreachable.
type FakeProber struct {
	mu        sync.Mutex
	behaviors map[string]ProbeBehavior
	calls     map[string]int
}

// NewFakeProber returns an empty FakeProber.
func NewFakeProber() *FakeProber {
	return &FakeProber{
		behaviors: make(map[string]ProbeBehavior),
		calls:     make(map[string]int),
	}
}

// Set scripts the behavior for ep.
func (p *FakeProber) Set(ep models.Endpoint, b ProbeBehavior) *FakeProber {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.behaviors[ep.Key()] = b
	return p
}

// SetReachable flips reachability for ep, keeping its other settings.
func (p *FakeProber) SetReachable(ep models.Endpoint, reachable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := p.behaviors[ep.Key()]
	b.Reachable = reachable
	if reachable && b.Latency == 0 {
		b.Latency = time.Millisecond
	}
	p.behaviors[ep.Key()] = b
}

// Calls returns how many times ep was probed.
func (p *FakeProber) Calls(ep models.Endpoint) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[ep.Key()]
}

// Probe implements probe.Prober.
func (p *FakeProber) Probe(ctx context.Context, ep models.Endpoint) models.ProbeResult {
	p.mu.Lock()
	b := p.behaviors[ep.Key()]
	p.calls[ep.Key()]++
	p.mu.Unlock()

	if b.Hang {
		<-ctx.Done()
		return models.ProbeResult{Endpoint: ep, Error: "hung"}
	}
	if b.Delay > 0 {
		select {
		case <-time.After(b.Delay):
		case <-ctx.Done():
			return models.ProbeResult{Endpoint: ep, Error: ctx.Err().Error()}
		}
	}
	if !b.Reachable {
		return models.ProbeResult{Endpoint: ep, Error: "connection refused", CheckedAt: time.Now().UTC()}
	}
	return models.ProbeResult{
		Endpoint:  ep,
		Reachable: true,
		Latency:   b.Latency,
		CheckedAt: time.Now().UTC(),
	}
}
