package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/HerbHall/stationlink/internal/messaging"
	"github.com/HerbHall/stationlink/internal/metrics"
	"github.com/HerbHall/stationlink/internal/testutil"
	"github.com/HerbHall/stationlink/pkg/models"
)

type fakeLink struct {
	mu        sync.Mutex
	state     models.ConnectivityState
	snapshot  messaging.ActiveConnection
	results   []models.ProbeResult
	publishes map[string]any
	pubErr    error
}

func (f *fakeLink) State() models.ConnectivityState { return f.state }

func (f *fakeLink) Snapshot() messaging.ActiveConnection { return f.snapshot }

func (f *fakeLink) Discover(context.Context) []models.ProbeResult { return f.results }

func (f *fakeLink) Publish(topic string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pubErr != nil {
		return f.pubErr
	}
	if f.publishes == nil {
		f.publishes = make(map[string]any)
	}
	f.publishes[topic] = payload
	return nil
}

func newTestServer(link Link) *Server {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.SetState("connected", "disconnected", "connecting", "connected", "reconnecting")
	return New("127.0.0.1:0", link, reg, zap.NewNop())
}

func TestHealth(t *testing.T) {
	srv := newTestServer(&fakeLink{state: models.ConnectivityDegraded})

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "dev", w.Header().Get("X-Stationlink-Version"))
	var body map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "stationlink", body["service"])
	assert.Equal(t, "degraded", body["connectivity"])
}

func TestConnectivity(t *testing.T) {
	ep := testutil.Endpoint("10.0.0.5", 1883)
	srv := newTestServer(&fakeLink{
		state: models.ConnectivityConnected,
		snapshot: messaging.ActiveConnection{
			Endpoint:         ep,
			State:            "connected",
			SubscribedTopics: []string{"queue_update"},
			Generation:       2,
		},
	})

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/connectivity", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var body connectivityResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, models.ConnectivityConnected, body.State)
	assert.Equal(t, ep.Key(), body.Connection.Endpoint.Key())
	assert.Equal(t, []string{"queue_update"}, body.Connection.SubscribedTopics)
	assert.Equal(t, uint64(2), body.Connection.Generation)
}

func TestDiscover(t *testing.T) {
	a := testutil.Endpoint("10.0.0.1", 1883)
	b := testutil.Endpoint("10.0.0.2", 1883)
	srv := newTestServer(&fakeLink{results: []models.ProbeResult{
		{Endpoint: b, Reachable: true, Latency: 12 * time.Millisecond},
		{Endpoint: a, Error: "connection refused"},
	}})

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/discover", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var body []probeResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.Len(t, body, 2)
	assert.True(t, body[0].Reachable)
	require.NotNil(t, body[0].LatencyMs)
	assert.InDelta(t, 12.0, *body[0].LatencyMs, 0.001)
	assert.False(t, body[1].Reachable)
	assert.Nil(t, body[1].LatencyMs)
	assert.Equal(t, "connection refused", body[1].Error)
}

func TestPublish(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		pubErr     error
		wantStatus int
	}{
		{"accepted", `{"id":7}`, nil, http.StatusAccepted},
		{"empty body", ``, nil, http.StatusAccepted},
		{"bad json", `{nope`, nil, http.StatusBadRequest},
		{"not connected", `{}`, messaging.ErrNotConnected, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			link := &fakeLink{pubErr: tt.pubErr}
			srv := newTestServer(link)

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/v1/publish/cash_booking_updated", strings.NewReader(tt.body))
			srv.Handler().ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusAccepted {
				assert.Contains(t, link.publishes, "cash_booking_updated")
			}
		})
	}
}

func TestPublish_PreservesLargeIntegers(t *testing.T) {
	link := &fakeLink{}
	srv := newTestServer(link)

	body := `{"booking_id":9007199254740993,"amount":12.50}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/publish/cash_booking_updated", strings.NewReader(body))
	srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)

	encoded, err := json.Marshal(link.publishes["cash_booking_updated"])
	require.NoError(t, err)
	assert.Contains(t, string(encoded), "9007199254740993")
	assert.JSONEq(t, body, string(encoded))
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(&fakeLink{})

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "stationlink_connection_state")
}

func TestMetricsDisabledWithoutGatherer(t *testing.T) {
	srv := New("127.0.0.1:0", &fakeLink{}, nil, zap.NewNop())

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
