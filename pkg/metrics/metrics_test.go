package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveTrafficAppearsInHandlerOutput(t *testing.T) {
	m := New()
	m.ObserveTraffic("alice", 100, 200, 10, 20)
	m.ConnectionOpened("alice")
	m.AuthFailure()
	m.RateLimited()
	m.FragmentDropped()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, req)

	require.Equal(t, 200, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, `tuicd_traffic_tcp_rx_bytes_total{user="alice"} 100`)
	assert.Contains(t, body, `tuicd_traffic_tcp_tx_bytes_total{user="alice"} 200`)
	assert.Contains(t, body, `tuicd_active_connections{user="alice"} 1`)
	assert.Contains(t, body, "tuicd_auth_failures_total 1")
	assert.Contains(t, body, "tuicd_auth_rate_limited_total 1")
	assert.Contains(t, body, "tuicd_fragment_dropped_total 1")
}

func TestConnectionClosedDecrementsGauge(t *testing.T) {
	m := New()
	m.ConnectionOpened("bob")
	m.ConnectionOpened("bob")
	m.ConnectionClosed("bob")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, req)

	assert.True(t, strings.Contains(rr.Body.String(), `tuicd_active_connections{user="bob"} 1`))
}
