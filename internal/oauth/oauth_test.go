package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/oauth2"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fixture struct {
	svc   *Service
	mock  sqlmock.Sqlmock
	redis *miniredis.Miniredis
	token *httptest.Server
	forms chan url.Values
}

func newFixture(t *testing.T, tokenResponse map[string]interface{}) *fixture {
	t.Helper()
	f := &fixture{forms: make(chan url.Values, 4)}

	f.token = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		f.forms <- r.PostForm
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(tokenResponse)
	}))
	t.Cleanup(f.token.Close)

	f.redis = miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: f.redis.Addr()})
	t.Cleanup(func() { rdb.Close() })

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	f.mock = mock

	cipher, err := NewCipher(testSecret)
	require.NoError(t, err)

	p := GoToProvider("client-id", "client-secret", "https://hub.example/api/oauth/goto/callback", []string{"cr.v1.read"})
	p.Config.Endpoint = oauth2.Endpoint{
		AuthURL:   f.token.URL + "/authorize",
		TokenURL:  f.token.URL + "/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
	f.svc = NewService(sqlx.NewDb(sqlDB, "sqlmock"), rdb, cipher, zaptest.NewLogger(t), p).WithHTTPClient(f.token.Client())
	return f
}

func stateFrom(t *testing.T, authURL string) string {
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	return u.Query().Get("state")
}

func expectSave(mock sqlmock.Sqlmock) {
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO oauth_tokens")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(uuid.NewString(), now, now))
}

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher(testSecret)
	require.NoError(t, err)

	enc, err := c.Encrypt("access-token-value")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(enc, "v1:"))
	assert.NotContains(t, enc, "access-token-value")

	again, _ := c.Encrypt("access-token-value")
	assert.NotEqual(t, enc, again, "nonce must differ")

	plain, err := c.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "access-token-value", plain)

	empty, err := c.Encrypt("")
	require.NoError(t, err)
	assert.Equal(t, "", empty)

	other, _ := NewCipher(strings.Repeat("z", 32))
	_, err = other.Decrypt(enc)
	assert.ErrorIs(t, err, ErrCiphertext)

	_, err = c.Decrypt("plaintext-from-before-encryption")
	assert.ErrorIs(t, err, ErrCiphertext)

	_, err = NewCipher("short")
	assert.Error(t, err)
}

func TestStartFlowStoresSingleUseState(t *testing.T) {
	f := newFixture(t, nil)
	userID := uuid.New()

	authURL, err := f.svc.StartFlow(context.Background(), userID, ProviderGoTo)
	require.NoError(t, err)

	u, _ := url.Parse(authURL)
	q := u.Query()
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))

	key := stateKeyPrefix + q.Get("state")
	assert.True(t, f.redis.Exists(key))
	assert.Equal(t, StateTTL, f.redis.TTL(key))

	_, err = f.svc.StartFlow(context.Background(), userID, "dropbox")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestHandleCallbackExchangesAndStores(t *testing.T) {
	f := newFixture(t, map[string]interface{}{
		"access_token":  "at-1",
		"refresh_token": "rt-1",
		"token_type":    "Bearer",
		"expires_in":    3600,
		"scope":         "cr.v1.read",
	})
	userID := uuid.New()
	authURL, err := f.svc.StartFlow(context.Background(), userID, ProviderGoTo)
	require.NoError(t, err)
	state := stateFrom(t, authURL)

	expectSave(f.mock)
	gotUser, conn, err := f.svc.HandleCallback(context.Background(), ProviderGoTo, state, "code-abc")
	require.NoError(t, err)
	assert.Equal(t, userID, gotUser)
	assert.True(t, conn.Connected)
	assert.Equal(t, "cr.v1.read", conn.Scopes)

	form := <-f.forms
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "code-abc", form.Get("code"))
	assert.NotEmpty(t, form.Get("code_verifier"))
	require.NoError(t, f.mock.ExpectationsWereMet())

	_, _, err = f.svc.HandleCallback(context.Background(), ProviderGoTo, state, "code-abc")
	assert.ErrorIs(t, err, ErrInvalidState, "state is single-use")
}

func TestHandleCallbackExpiredState(t *testing.T) {
	f := newFixture(t, nil)
	authURL, err := f.svc.StartFlow(context.Background(), uuid.New(), ProviderGoTo)
	require.NoError(t, err)

	f.redis.FastForward(StateTTL + time.Second)
	_, _, err = f.svc.HandleCallback(context.Background(), ProviderGoTo, stateFrom(t, authURL), "code")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestHandleCallbackRejectsProviderMismatch(t *testing.T) {
	f := newFixture(t, nil)
	// a state minted for one provider cannot complete another provider's flow
	require.NoError(t, f.redis.Set(stateKeyPrefix+"s1", `{"user_id":"`+uuid.NewString()+`","provider":"google","verifier":"v"}`))
	_, _, err := f.svc.HandleCallback(context.Background(), ProviderGoTo, "s1", "code")
	assert.ErrorIs(t, err, ErrInvalidState)
}

var tokenColumns = []string{"id", "user_id", "provider", "access_token", "refresh_token", "token_type", "expires_at",
	"scopes", "account_email", "created_at", "updated_at"}

func TestRefreshExpiring(t *testing.T) {
	f := newFixture(t, map[string]interface{}{
		"access_token": "at-2",
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
	refresh, err := f.svc.cipher.Encrypt("rt-old")
	require.NoError(t, err)
	access, _ := f.svc.cipher.Encrypt("at-old")
	soon := time.Now().Add(2 * time.Minute)

	f.mock.ExpectQuery(regexp.QuoteMeta("WHERE refresh_token <> ''")).
		WillReturnRows(sqlmock.NewRows(tokenColumns).
			AddRow(uuid.NewString(), uuid.NewString(), ProviderGoTo, access, refresh, "Bearer", soon, "", "", time.Now(), time.Now()))
	expectSave(f.mock)

	n, err := f.svc.RefreshExpiring(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	form := <-f.forms
	assert.Equal(t, "refresh_token", form.Get("grant_type"))
	assert.Equal(t, "rt-old", form.Get("refresh_token"))
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestTokenSourceReturnsStoredToken(t *testing.T) {
	f := newFixture(t, nil)
	userID := uuid.New()
	access, _ := f.svc.cipher.Encrypt("at-live")
	later := time.Now().Add(time.Hour)

	f.mock.ExpectQuery(regexp.QuoteMeta("FROM oauth_tokens WHERE user_id = $1 AND provider = $2")).
		WithArgs(userID, ProviderGoTo).
		WillReturnRows(sqlmock.NewRows(tokenColumns).
			AddRow(uuid.NewString(), userID.String(), ProviderGoTo, access, "", "Bearer", later, "", "", time.Now(), time.Now()))

	ts, err := f.svc.TokenSource(context.Background(), userID, ProviderGoTo)
	require.NoError(t, err)
	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "at-live", tok.AccessToken)
	assert.Empty(t, f.forms, "valid token must not hit the token endpoint")
}

func TestTokenSourceNotConnected(t *testing.T) {
	f := newFixture(t, nil)
	f.mock.ExpectQuery(regexp.QuoteMeta("FROM oauth_tokens")).WillReturnRows(sqlmock.NewRows(tokenColumns))
	_, err := f.svc.TokenSource(context.Background(), uuid.New(), ProviderGoTo)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestStatusListsEveryProvider(t *testing.T) {
	f := newFixture(t, nil)
	userID := uuid.New()
	f.mock.ExpectQuery(regexp.QuoteMeta("FROM oauth_tokens WHERE user_id = $1 ORDER BY provider")).
		WillReturnRows(sqlmock.NewRows(tokenColumns))

	conns, err := f.svc.Status(context.Background(), userID)
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, ProviderGoTo, conns[0].Provider)
	assert.False(t, conns[0].Connected)
}

func TestDisconnectNotConnected(t *testing.T) {
	f := newFixture(t, nil)
	f.mock.ExpectExec(regexp.QuoteMeta("DELETE FROM oauth_tokens")).WillReturnResult(sqlmock.NewResult(0, 0))
	err := f.svc.Disconnect(context.Background(), uuid.New(), ProviderGoTo)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestAccountEmailFromIDToken(t *testing.T) {
	idToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"preferred_username": "ana@firm.example"}).
		SignedString([]byte("any"))
	require.NoError(t, err)
	tok := (&oauth2.Token{AccessToken: "x"}).WithExtra(map[string]interface{}{"id_token": idToken})
	assert.Equal(t, "ana@firm.example", accountEmail(tok))
	assert.Equal(t, "", accountEmail(&oauth2.Token{}))
}

func TestProvidersUseExpectedEndpoints(t *testing.T) {
	ms := MicrosoftProvider("id", "secret", "contoso", RedirectURL("https://hub.example/", ProviderMicrosoft), nil)
	assert.Contains(t, ms.Config.Endpoint.TokenURL, "login.microsoftonline.com/contoso/")
	assert.Equal(t, "https://hub.example/api/oauth/microsoft/callback", ms.Config.RedirectURL)

	g := GoogleProvider("id", "secret", "", nil)
	assert.Contains(t, g.Config.AuthCodeURL("s", g.AuthOptions...), "access_type=offline")
}
