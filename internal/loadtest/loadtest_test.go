package loadtest

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exposition = `# HELP chatsync_connections_total Current number of open WebSocket connections
# TYPE chatsync_connections_total gauge
chatsync_connections_total 42
chatsync_online_users 40
chatsync_events_total{outcome="sent",type="user_status"} 100
chatsync_events_total{outcome="sent",type="new_message"} 5
chatsync_events_total{outcome="blocked",type="user_typing"} 3
chatsync_evictions_total{reason="replaced"} 2
chatsync_evictions_total{reason="heartbeat"} 1
chatsync_handler_latency_seconds_sum{type="typing"} 0.5
chatsync_handler_latency_seconds_count{type="typing"} 10
chatsync_handler_latency_seconds_sum{type="stop_typing"} 0.25
chatsync_handler_latency_seconds_count{type="stop_typing"} 5
`

func TestParseMetricLine(t *testing.T) {
	name, labels, v, ok := parseMetricLine(`chatsync_events_total{outcome="sent",type="x"} 7`)
	require.True(t, ok)
	assert.Equal(t, "chatsync_events_total", name)
	assert.Equal(t, `outcome="sent",type="x"`, labels)
	assert.Equal(t, 7.0, v)

	name, labels, v, ok = parseMetricLine("chatsync_online_users 3 1700000000000")
	require.True(t, ok)
	assert.Equal(t, "chatsync_online_users", name)
	assert.Empty(t, labels)
	assert.Equal(t, 3.0, v)

	_, _, _, ok = parseMetricLine(`broken{label="x" 1`)
	assert.False(t, ok)
	_, _, _, ok = parseMetricLine("lonely")
	assert.False(t, ok)
}

func TestParseSnapshot(t *testing.T) {
	snap, err := parseSnapshot(strings.NewReader(exposition))
	require.NoError(t, err)
	assert.Equal(t, 42.0, snap.connections)
	assert.Equal(t, 40.0, snap.online)
	assert.Equal(t, 105.0, snap.eventsSent)
	assert.Equal(t, 3.0, snap.eventsBlocked)
	assert.Equal(t, 3.0, snap.evictions)
	assert.Equal(t, 0.75, snap.latencySum)
	assert.Equal(t, 15.0, snap.latencyCount)
}

func TestScraper_CollectsUntilStopped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, exposition)
	}))
	defer srv.Close()

	s := NewScraper(srv.URL, time.Hour)
	s.Start(context.Background())
	s.Stop()

	var buf bytes.Buffer
	s.Report(&buf)
	out := buf.String()
	assert.Contains(t, out, "2 snapshots")
	assert.Contains(t, out, "Online Users")
	assert.Contains(t, out, "avg: N/A")
}

func TestPercentiles(t *testing.T) {
	var ds []time.Duration
	for i := 1; i <= 100; i++ {
		ds = append(ds, time.Duration(i)*time.Millisecond)
	}
	out := Percentiles(ds)
	assert.Contains(t, out, "p50: 51ms")
	assert.Contains(t, out, "p95: 95ms")
	assert.Contains(t, out, "max: 100ms")
	assert.Contains(t, out, "(n=100)")

	assert.Equal(t, "no samples", Percentiles(nil))
}

func TestCollector_Report(t *testing.T) {
	c := NewCollector()
	c.AddConnect(time.Millisecond)
	c.AddConnect(2 * time.Millisecond)
	c.AddFanout(3 * time.Millisecond)
	c.AddError()
	c.AddClose(1008)

	assert.Equal(t, 2, c.ConnectionCount())
	assert.Equal(t, 1, c.ErrorCount())

	var buf bytes.Buffer
	c.Report(&buf)
	out := buf.String()
	assert.Contains(t, out, "Connections:  2")
	assert.Contains(t, out, "Error rate:   50.00%")
	assert.Contains(t, out, "1008: 1")
	assert.Contains(t, out, "Presence Fan-out Latency")
}
