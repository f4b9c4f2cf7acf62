package probe

import (
	"context"
	"net"

	"github.com/benbjohnson/clock"

	"github.com/HerbHall/stationlink/pkg/models"
)

// DialProber treats a completed TCP handshake as proof of life. It is the
// cheapest check a broker port can answer.
type DialProber struct {
	clock  clock.Clock
	dialer net.Dialer
}

// NewDialProber creates a TCP dial prober.
func NewDialProber(clk clock.Clock) *DialProber {
	if clk == nil {
		clk = clock.New()
	}
	return &DialProber{clock: clk}
}

// Probe implements Prober.
func (p *DialProber) Probe(ctx context.Context, ep models.Endpoint) models.ProbeResult {
	start := p.clock.Now()
	conn, err := p.dialer.DialContext(ctx, "tcp", ep.Address())
	if err != nil {
		return unreachable(p.clock, ep, err.Error())
	}
	result := reachable(p.clock, ep, start)
	_ = conn.Close()
	return result
}
