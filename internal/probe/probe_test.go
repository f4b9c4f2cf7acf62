package probe

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HerbHall/stationlink/pkg/models"
)

// hangingProber ignores its context entirely.
type hangingProber struct{ release chan struct{} }

func (p *hangingProber) Probe(_ context.Context, ep models.Endpoint) models.ProbeResult {
	<-p.release
	return models.ProbeResult{Endpoint: ep, Reachable: true, Latency: time.Millisecond}
}

func endpointFor(t *testing.T, addr string, scheme models.Scheme) models.Endpoint {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return models.Endpoint{Host: host, Port: port, Scheme: scheme}
}

func TestRun_EnforcesTimeoutOnHungProbe(t *testing.T) {
	p := &hangingProber{release: make(chan struct{})}
	defer close(p.release)

	start := time.Now()
	r := Run(context.Background(), p, models.Endpoint{Host: "10.0.0.1", Port: 1883}, 50*time.Millisecond)
	elapsed := time.Since(start)

	assert.False(t, r.Reachable)
	assert.Equal(t, "probe timed out", r.Error)
	assert.Less(t, elapsed, time.Second)
}

func TestRun_ParentCancelled(t *testing.T) {
	p := &hangingProber{release: make(chan struct{})}
	defer close(p.release)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := Run(ctx, p, models.Endpoint{Host: "10.0.0.1", Port: 1883}, time.Minute)
	assert.False(t, r.Reachable)
	assert.Equal(t, "probe cancelled", r.Error)
}

func TestRunWithClock_StampsResult(t *testing.T) {
	mock := clock.NewMock()
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	mock.Set(at)

	ep := models.Endpoint{Host: "10.0.0.2", Port: 1883, Scheme: models.SchemeTCP}
	p := ProberFunc(func(context.Context, models.Endpoint) models.ProbeResult {
		// Latency on an unreachable result must be discarded.
		return models.ProbeResult{Reachable: false, Latency: time.Second}
	})

	r := RunWithClock(context.Background(), mock, p, ep, time.Second)
	assert.Equal(t, ep, r.Endpoint)
	assert.Equal(t, at, r.CheckedAt)
	assert.Zero(t, r.Latency)
}

func TestDialProber(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	open := endpointFor(t, ln.Addr().String(), models.SchemeTCP)

	closedLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closed := endpointFor(t, closedLn.Addr().String(), models.SchemeTCP)
	closedLn.Close()
	t.Cleanup(func() { ln.Close() })

	p := NewDialProber(nil)

	r := Run(context.Background(), p, open, time.Second)
	assert.True(t, r.Reachable, "open port: %s", r.Error)
	assert.Positive(t, r.Latency)

	r = Run(context.Background(), p, closed, time.Second)
	assert.False(t, r.Reachable)
	assert.NotEmpty(t, r.Error)
}

func TestHTTPProber(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   bool
	}{
		{name: "healthy", status: http.StatusOK, want: true},
		{name: "no content", status: http.StatusNoContent, want: true},
		{name: "unavailable", status: http.StatusServiceUnavailable, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			paths := make(chan string, 1)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				paths <- r.URL.Path
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			ep := endpointFor(t, srv.Listener.Addr().String(), models.SchemeHTTP)
			r := Run(context.Background(), NewHTTPProber("", nil, nil), ep, time.Second)

			assert.Equal(t, tt.want, r.Reachable, r.Error)
			assert.Equal(t, DefaultHealthPath, <-paths)
		})
	}
}

func TestWebSocketProber(t *testing.T) {
	paths := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{"mqtt"}})
		if err != nil {
			return
		}
		defer c.CloseNow()
		_, _, _ = c.Read(r.Context())
	}))
	defer srv.Close()

	ep := endpointFor(t, srv.Listener.Addr().String(), models.SchemeWS)
	r := Run(context.Background(), NewWebSocketProber("/mqtt", nil), ep, 2*time.Second)

	assert.True(t, r.Reachable, r.Error)
	assert.Equal(t, "/mqtt", <-paths)
}

func TestWebSocketProber_PlainHTTPRejects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	ep := endpointFor(t, srv.Listener.Addr().String(), models.SchemeWS)
	r := Run(context.Background(), NewWebSocketProber("", nil), ep, 2*time.Second)
	assert.False(t, r.Reachable)
}

func TestSchemeProber_Routes(t *testing.T) {
	var called []string
	named := func(name string) Prober {
		return ProberFunc(func(_ context.Context, ep models.Endpoint) models.ProbeResult {
			called = append(called, name)
			return models.ProbeResult{Endpoint: ep, Reachable: true}
		})
	}

	p := NewSchemeProber(named("fallback")).
		Handle(named("dial"), models.SchemeTCP, models.SchemeMQTT).
		Handle(named("ws"), models.SchemeWS)

	ctx := context.Background()
	p.Probe(ctx, models.Endpoint{Scheme: models.SchemeMQTT})
	p.Probe(ctx, models.Endpoint{Scheme: models.SchemeWS})
	p.Probe(ctx, models.Endpoint{Scheme: models.SchemeHTTP})

	assert.Equal(t, []string{"dial", "ws", "fallback"}, called)
}

func TestSchemeProber_NoFallback(t *testing.T) {
	p := NewSchemeProber(nil)
	r := p.Probe(context.Background(), models.Endpoint{Host: "h", Port: 1, Scheme: models.SchemeWS})
	assert.False(t, r.Reachable)
	assert.Contains(t, r.Error, "no prober")
}

func TestNewICMPProber(t *testing.T) {
	tests := []struct {
		name      string
		count     int
		wantCount int
	}{
		{name: "explicit count", count: 3, wantCount: 3},
		{name: "zero count defaults to one", count: 0, wantCount: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewICMPProber(time.Second, tt.count, nil)
			assert.Equal(t, tt.wantCount, p.count)
			assert.Equal(t, time.Second, p.timeout)
			assert.NotNil(t, p.clock)
		})
	}
}
