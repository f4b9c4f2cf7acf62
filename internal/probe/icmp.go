package probe

import (
	"context"
	"runtime"
	"time"

	"github.com/benbjohnson/clock"
	probing "github.com/prometheus-community/pro-bing"

	"github.com/HerbHall/stationlink/pkg/models"
)

// ICMPProber pings the endpoint's host using pro-bing. It checks host
// liveness only; the broker port may still be closed.
type ICMPProber struct {
	clock   clock.Clock
	timeout time.Duration
	count   int
}

// NewICMPProber creates an ICMP prober sending count echo requests.
func NewICMPProber(timeout time.Duration, count int, clk clock.Clock) *ICMPProber {
	if count <= 0 {
		count = 1
	}
	if clk == nil {
		clk = clock.New()
	}
	return &ICMPProber{
		clock:   clk,
		timeout: timeout,
		count:   count,
	}
}

// Probe implements Prober.
func (p *ICMPProber) Probe(ctx context.Context, ep models.Endpoint) models.ProbeResult {
	pinger, err := probing.NewPinger(ep.Host)
	if err != nil {
		return unreachable(p.clock, ep, "create pinger: "+err.Error())
	}

	pinger.Count = p.count
	if p.timeout > 0 {
		pinger.Timeout = p.timeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && (pinger.Timeout <= 0 || remaining < pinger.Timeout) {
			pinger.Timeout = remaining
		}
	}
	pinger.SetPrivileged(runtime.GOOS == "windows")

	// Run pinger in a goroutine for context cancellation.
	done := make(chan error, 1)
	go func() {
		done <- pinger.Run()
	}()

	select {
	case runErr := <-done:
		if runErr != nil {
			return unreachable(p.clock, ep, runErr.Error())
		}
		stats := pinger.Statistics()
		if stats.PacketsRecv == 0 {
			return unreachable(p.clock, ep, "all packets lost")
		}
		latency := stats.AvgRtt
		if latency <= 0 {
			latency = time.Microsecond
		}
		return models.ProbeResult{
			Endpoint:  ep,
			Reachable: true,
			Latency:   latency,
			CheckedAt: p.clock.Now().UTC(),
		}

	case <-ctx.Done():
		pinger.Stop()
		return unreachable(p.clock, ep, "probe cancelled")
	}
}
