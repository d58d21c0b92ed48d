package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/oauth2"

	"github.com/ledgerline/opshub/internal/auth"
	"github.com/ledgerline/opshub/internal/integrations/graph"
	"github.com/ledgerline/opshub/internal/oauth"
)

type fakeConnections struct {
	fakeTokens
	userID      uuid.UUID
	callbackErr error
	disconnect  error
	started     []string
}

func (f *fakeConnections) StartFlow(_ context.Context, _ uuid.UUID, provider string) (string, error) {
	if provider != oauth.ProviderMicrosoft && provider != oauth.ProviderGoogle {
		return "", oauth.ErrUnknownProvider
	}
	f.started = append(f.started, provider)
	return "https://login.example.test/authorize?state=abc", nil
}

func (f *fakeConnections) HandleCallback(_ context.Context, provider, state, _ string) (uuid.UUID, *oauth.Connection, error) {
	if f.callbackErr != nil {
		return uuid.Nil, nil, f.callbackErr
	}
	if state == "" {
		return uuid.Nil, nil, oauth.ErrInvalidState
	}
	return f.userID, &oauth.Connection{Provider: provider, Connected: true}, nil
}

func (f *fakeConnections) Status(context.Context, uuid.UUID) ([]oauth.Connection, error) {
	return []oauth.Connection{
		{Provider: oauth.ProviderMicrosoft, Connected: true, AccountEmail: "me@ledgerline.test"},
		{Provider: oauth.ProviderGoogle},
	}, nil
}

func (f *fakeConnections) Disconnect(context.Context, uuid.UUID, string) error { return f.disconnect }

type fakeSubscriber struct {
	notificationURL string
	clientState     string
}

func (f *fakeSubscriber) CreateSubscription(_ context.Context, _ oauth2.TokenSource, notificationURL, clientState string, expires time.Time) (*graph.Subscription, error) {
	f.notificationURL, f.clientState = notificationURL, clientState
	return &graph.Subscription{ID: "sub-1", ExpirationDateTime: expires, ClientState: clientState}, nil
}

func newIntegrationHandler(t *testing.T, conns Connections, sub MailSubscriber, baseURL string) (*IntegrationHandler, sqlmock.Sqlmock) {
	database, mock := newMockDB(t)
	h := NewIntegrationHandler(database, testPolicy(t), nil, conns, sub, baseURL, "https://app.ledgerline.test/", zaptest.NewLogger(t))
	return h, mock
}

func TestListIntegrations(t *testing.T) {
	h, _ := newIntegrationHandler(t, &fakeConnections{}, nil, "")

	rec := call(t, "GET /api/integrations", h.ListIntegrations, testUser(auth.RoleViewer), http.MethodGet, "/api/integrations", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decode(t, rec)["integrations"], 2)
}

func TestStartOAuth(t *testing.T) {
	conns := &fakeConnections{}
	h, _ := newIntegrationHandler(t, conns, nil, "")
	user := testUser(auth.RoleStaff)

	rec := call(t, "GET /api/oauth/{provider}/start", h.StartOAuth, user, http.MethodGet, "/api/oauth/microsoft/start", nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://login.example.test/authorize?state=abc", rec.Header().Get("Location"))

	rec = call(t, "GET /api/oauth/{provider}/start", h.StartOAuth, user, http.MethodGet, "/api/oauth/google/start?format=json", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://login.example.test/authorize?state=abc", decode(t, rec)["url"])

	rec = call(t, "GET /api/oauth/{provider}/start", h.StartOAuth, user, http.MethodGet, "/api/oauth/dropbox/start", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, []string{"microsoft", "google"}, conns.started)
}

func TestDisconnectIntegration(t *testing.T) {
	for name, tt := range map[string]struct {
		err  error
		code int
	}{
		"disconnected":  {nil, http.StatusNoContent},
		"not connected": {oauth.ErrNotConnected, http.StatusNotFound},
		"unknown":       {oauth.ErrUnknownProvider, http.StatusNotFound},
		"store down":    {errors.New("db gone"), http.StatusInternalServerError},
	} {
		t.Run(name, func(t *testing.T) {
			h, _ := newIntegrationHandler(t, &fakeConnections{disconnect: tt.err}, nil, "")
			rec := call(t, "DELETE /api/integrations/{provider}", h.Disconnect, testUser(auth.RoleStaff), http.MethodDelete,
				"/api/integrations/google", nil)
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}

func landing(t *testing.T, location string) url.Values {
	t.Helper()
	u, err := url.Parse(location)
	require.NoError(t, err)
	assert.Equal(t, "app.ledgerline.test", u.Host)
	assert.Equal(t, "/settings/integrations", u.Path)
	return u.Query()
}

func TestOAuthCallbackFailures(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target string
		want   string
	}{
		{"user denied", nil, "/api/oauth/google/callback?error=access_denied", "denied"},
		{"bad state", nil, "/api/oauth/google/callback?code=c", "invalid_state"},
		{"exchange", errors.New("token endpoint 500"), "/api/oauth/google/callback?state=s&code=c", "exchange_failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newIntegrationHandler(t, &fakeConnections{callbackErr: tt.err}, nil, "")
			rec := call(t, "GET /api/oauth/{provider}/callback", h.OAuthCallback, nil, http.MethodGet, tt.target, nil)
			require.Equal(t, http.StatusFound, rec.Code)
			q := landing(t, rec.Header().Get("Location"))
			assert.Equal(t, tt.want, q.Get("error"))
			assert.Equal(t, "google", q.Get("provider"))
		})
	}
}

func TestOAuthCallbackMicrosoftSubscribesInbox(t *testing.T) {
	userID := uuid.New()
	sub := &fakeSubscriber{}
	h, mock := newIntegrationHandler(t, &fakeConnections{userID: userID}, sub, "https://api.ledgerline.test")
	now := time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO graph_subscriptions`)).
		WithArgs(userID, "sub-1", graph.InboxResource, sqlmock.AnyArg(), now.Add(graph.MaxSubscriptionLifetime)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(uuid.NewString(), now))

	rec := call(t, "GET /api/oauth/{provider}/callback", h.OAuthCallback, nil, http.MethodGet,
		"/api/oauth/microsoft/callback?state=s&code=c", nil)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "microsoft", landing(t, rec.Header().Get("Location")).Get("connected"))
	assert.Equal(t, "https://api.ledgerline.test/api/webhooks/graph", sub.notificationURL)
	assert.Len(t, sub.clientState, 32)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOAuthCallbackSkipsSubscriptionWithoutHTTPS(t *testing.T) {
	sub := &fakeSubscriber{}
	h, mock := newIntegrationHandler(t, &fakeConnections{userID: uuid.New()}, sub, "http://localhost:8080")

	rec := call(t, "GET /api/oauth/{provider}/callback", h.OAuthCallback, nil, http.MethodGet,
		"/api/oauth/microsoft/callback?state=s&code=c", nil)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Empty(t, sub.notificationURL)
	assert.NoError(t, mock.ExpectationsWereMet())
}
