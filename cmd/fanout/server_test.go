package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChannels(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    []string
		wantErr bool
	}{
		{name: "single execution channel", raw: "execution:abc", want: []string{"execution:abc"}},
		{name: "mixed list with spaces", raw: "execution:abc, workflow:daily-report", want: []string{"execution:abc", "workflow:daily-report"}},
		{name: "trailing comma tolerated", raw: "workflow:daily-report,", want: []string{"workflow:daily-report"}},
		{name: "empty", raw: "", wantErr: true},
		{name: "only separators", raw: ",,", wantErr: true},
		{name: "unknown family", raw: "telemetry:abc", wantErr: true},
		{name: "missing identifier", raw: "execution:", wantErr: true},
		{name: "no separator", raw: "execution", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseChannels(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func newTestGateway(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()

	hub := NewHub(&testLogger{t})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	srv := NewServer(hub, &testLogger{t})
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.HandleWebSocket)
	mux.HandleFunc("/health", srv.HandleHealth)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return hub, ts
}

func wsDial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocketReceivesBroadcasts(t *testing.T) {
	hub, ts := newTestGateway(t)

	conn := wsDial(t, ts, "channels=execution:e1")
	waitForClients(t, hub, 1)

	hub.broadcast <- &Message{
		Channel: "execution:e1",
		Data:    []byte(`{"type":"node_status","node_id":"n1","status":"running"}`),
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"node_status","node_id":"n1","status":"running"}`, string(data))
}

func TestWebSocketFramesStayIndividual(t *testing.T) {
	hub, ts := newTestGateway(t)

	conn := wsDial(t, ts, "channels=workflow:daily-report")
	waitForClients(t, hub, 1)

	hub.broadcast <- &Message{Channel: "workflow:daily-report", Data: []byte(`{"seq":1}`)}
	hub.broadcast <- &Message{Channel: "workflow:daily-report", Data: []byte(`{"seq":2}`)}

	for want := 1; want <= 2; want++ {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, want), string(data))
	}
}

func TestWebSocketRejectsBadChannelList(t *testing.T) {
	_, ts := newTestGateway(t)

	for _, query := range []string{"", "channels=", "channels=secrets:all"} {
		resp, err := http.Get(ts.URL + "/ws?" + query)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "query %q", query)
	}
}

func TestHealthReportsConnectionCounts(t *testing.T) {
	hub, ts := newTestGateway(t)

	wsDial(t, ts, "channels=execution:e1,workflow:daily-report")
	waitForClients(t, hub, 1)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Status   string `json:"status"`
		Service  string `json:"service"`
		Clients  int    `json:"clients"`
		Channels int    `json:"channels"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "fanout", body.Service)
	assert.Equal(t, 1, body.Clients)
	assert.Equal(t, 2, body.Channels)
}
