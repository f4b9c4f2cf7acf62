package models

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Scheme identifies how a backend node is reached.
type Scheme string

const (
	SchemeTCP   Scheme = "tcp"
	SchemeMQTT  Scheme = "mqtt"
	SchemeSSL   Scheme = "ssl"
	SchemeMQTTS Scheme = "mqtts"
	SchemeWS    Scheme = "ws"
	SchemeWSS   Scheme = "wss"
	SchemeHTTP  Scheme = "http"
)

// Endpoint is a candidate backend node. Identity is (Host, Port); Scheme and
// Path only describe how to talk to it.
type Endpoint struct {
	Host   string `json:"host" mapstructure:"host"`
	Port   int    `json:"port" mapstructure:"port"`
	Scheme Scheme `json:"scheme" mapstructure:"scheme"`
	// Path is only used by the websocket schemes (e.g. "/mqtt").
	Path string `json:"path,omitempty" mapstructure:"path"`
}

// Key returns the identity of the endpoint.
func (e Endpoint) Key() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return e.Key()
}

// URL renders the endpoint as a broker URL understood by the MQTT transport.
func (e Endpoint) URL() string {
	scheme := e.Scheme
	if scheme == "" {
		scheme = SchemeTCP
	}
	u := string(scheme) + "://" + e.Key()
	if e.IsWebSocket() && e.Path != "" {
		if !strings.HasPrefix(e.Path, "/") {
			u += "/"
		}
		u += e.Path
	}
	return u
}

// IsWebSocket reports whether the endpoint speaks MQTT over websockets.
func (e Endpoint) IsWebSocket() bool {
	return e.Scheme == SchemeWS || e.Scheme == SchemeWSS
}

// String implements fmt.Stringer.
func (e Endpoint) String() string {
	return e.URL()
}

// Validate reports whether the endpoint is usable as a probe or connect target.
func (e Endpoint) Validate() error {
	if e.Host == "" {
		return fmt.Errorf("endpoint host is required")
	}
	if e.Port <= 0 || e.Port > 65535 {
		return fmt.Errorf("endpoint %s: port %d out of range", e.Host, e.Port)
	}
	switch e.Scheme {
	case SchemeTCP, SchemeMQTT, SchemeSSL, SchemeMQTTS, SchemeWS, SchemeWSS, SchemeHTTP:
		return nil
	default:
		return fmt.Errorf("endpoint %s: unsupported scheme %q", e.Key(), e.Scheme)
	}
}

// ParseEndpoint parses "scheme://host:port[/path]". A missing scheme defaults
// to tcp.
func ParseEndpoint(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, fmt.Errorf("empty endpoint")
	}
	if !strings.Contains(raw, "://") {
		raw = string(SchemeTCP) + "://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: %w", raw, err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: invalid port", raw)
	}
	ep := Endpoint{
		Host:   u.Hostname(),
		Port:   port,
		Scheme: Scheme(strings.ToLower(u.Scheme)),
		Path:   u.Path,
	}
	if err := ep.Validate(); err != nil {
		return Endpoint{}, err
	}
	return ep, nil
}

// ProbeResult is a single observation of an endpoint. It is never mutated,
// only superseded by a newer probe.
type ProbeResult struct {
	Endpoint  Endpoint      `json:"endpoint"`
	Reachable bool          `json:"reachable"`
	Latency   time.Duration `json:"latency,omitempty"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// LatencyMs returns the measured latency in milliseconds and false when the
// endpoint was not reachable.
func (r ProbeResult) LatencyMs() (float64, bool) {
	if !r.Reachable {
		return 0, false
	}
	return float64(r.Latency) / float64(time.Millisecond), true
}
