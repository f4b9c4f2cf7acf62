package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/benbjohnson/clock"

	"github.com/HerbHall/stationlink/pkg/models"
)

// DefaultHealthPath is the local node's health route.
const DefaultHealthPath = "/api/health"

// HTTPProber issues GET <health path> against a node's HTTP API. Any 2xx
// response counts as alive.
type HTTPProber struct {
	clock  clock.Clock
	client *http.Client
	path   string
}

// NewHTTPProber creates an HTTP health prober. A nil client uses a client
// without its own timeout; the probe context bounds each request.
func NewHTTPProber(path string, client *http.Client, clk clock.Clock) *HTTPProber {
	if path == "" {
		path = DefaultHealthPath
	}
	if client == nil {
		client = &http.Client{}
	}
	if clk == nil {
		clk = clock.New()
	}
	return &HTTPProber{clock: clk, client: client, path: path}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, ep models.Endpoint) models.ProbeResult {
	target := "http://" + ep.Address() + p.path

	start := p.clock.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return unreachable(p.clock, ep, err.Error())
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return unreachable(p.clock, ep, err.Error())
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return unreachable(p.clock, ep, fmt.Sprintf("health returned %d", resp.StatusCode))
	}
	return reachable(p.clock, ep, start)
}
