package probe

import (
	"context"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"

	"github.com/HerbHall/stationlink/pkg/models"
)

// mqttSubprotocol is the websocket subprotocol brokers expect for MQTT.
const mqttSubprotocol = "mqtt"

// WebSocketProber performs a websocket upgrade against MQTT-over-websocket
// listeners and closes the connection immediately.
type WebSocketProber struct {
	clock       clock.Clock
	defaultPath string
}

// NewWebSocketProber creates a websocket prober. defaultPath is used for
// endpoints without a path.
func NewWebSocketProber(defaultPath string, clk clock.Clock) *WebSocketProber {
	if clk == nil {
		clk = clock.New()
	}
	return &WebSocketProber{clock: clk, defaultPath: defaultPath}
}

// Probe implements Prober.
func (p *WebSocketProber) Probe(ctx context.Context, ep models.Endpoint) models.ProbeResult {
	if ep.Path == "" && p.defaultPath != "" {
		ep.Path = p.defaultPath
	}
	target := ep.URL()
	if !ep.IsWebSocket() {
		target = "ws://" + strings.TrimPrefix(target, string(ep.Scheme)+"://")
	}

	start := p.clock.Now()
	conn, resp, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		Subprotocols: []string{mqttSubprotocol},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return unreachable(p.clock, ep, err.Error())
	}
	result := reachable(p.clock, ep, start)
	_ = conn.CloseNow()
	return result
}
