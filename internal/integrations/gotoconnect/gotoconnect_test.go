package gotoconnect

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/oauth2"
)

func TestGetCallReport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/call-reports/v1/reports/cs-42", r.URL.Path)
		assert.Equal(t, "Bearer goto-token", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"conversationSpaceId":"cs-42","direction":"INBOUND",
			"callCreated":"2026-02-10T15:00:00Z","callAnswered":"2026-02-10T15:00:05Z","callEnded":"2026-02-10T15:04:05Z",
			"caller":{"name":"Pat Lee","number":"+15551234567"}}`)
	}))
	defer srv.Close()

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "goto-token"})
	report, err := New(srv.URL, srv.Client(), zaptest.NewLogger(t)).GetCallReport(context.Background(), ts, "cs-42")
	require.NoError(t, err)
	assert.Equal(t, "Pat Lee", report.Caller.Name)
	assert.Equal(t, 4*time.Minute, report.Duration())
}

func TestGetCallReportRequiresID(t *testing.T) {
	_, err := New("", nil, zaptest.NewLogger(t)).GetCallReport(context.Background(), nil, "")
	assert.Error(t, err)
}

func TestParseCallEvent(t *testing.T) {
	ev, err := ParseCallEvent([]byte(`{"source":"call-events","type":"ending",
		"content":{"metadata":{"conversationSpaceId":"cs-1","direction":"OUTBOUND"},
		"state":{"caller":{"number":"+1555000"},"callee":{"name":"Acme","number":"+1555999"},"durationSeconds":93}}}`))
	require.NoError(t, err)
	assert.Equal(t, EventEnding, ev.Type)
	assert.Equal(t, "outbound", ev.Direction())
	name, number := ev.RemoteParty()
	assert.Equal(t, "Acme", name)
	assert.Equal(t, "+1555999", number)
}

func TestParseCallEventRejects(t *testing.T) {
	for name, body := range map[string]string{
		"not json":     `{`,
		"no space id":  `{"type":"ENDING","content":{"metadata":{}}}`,
		"unknown type": `{"type":"TRANSFERRED","content":{"metadata":{"conversationSpaceId":"x"}}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCallEvent([]byte(body))
			assert.Error(t, err)
		})
	}
}
