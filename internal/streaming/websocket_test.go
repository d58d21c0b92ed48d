package streaming

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newWSTestServer(t *testing.T, mgr *Manager, origins []string) *httptest.Server {
	ws := NewWSServer(mgr, origins, zaptest.NewLogger(t))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		since, _ := strconv.ParseUint(r.URL.Query().Get("since"), 10, 64)
		ws.Serve(w, r, "general", since)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
}

func TestWebSocketReplaysThenStreams(t *testing.T) {
	mgr := NewManager(16)
	for _, body := range []string{"one", "two", "three"} {
		mgr.Publish("general", Event{Type: EventMessage, Body: body})
	}
	srv := newWSTestServer(t, mgr, nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "since=1"), nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "two", ev.Body)
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "three", ev.Body)

	require.Eventually(t, func() bool { return mgr.Subscribers("general") == 1 }, time.Second, 10*time.Millisecond)
	mgr.Publish("general", Event{Type: EventMessage, Body: "live"})
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "live", ev.Body)
	assert.Equal(t, uint64(4), ev.Seq)
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	srv := newWSTestServer(t, NewManager(4), []string{"https://app.example.com"})

	header := http.Header{"Origin": {"https://evil.example.net"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header = http.Header{"Origin": {"https://app.example.com"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), header)
	require.NoError(t, err)
	conn.Close()
}
