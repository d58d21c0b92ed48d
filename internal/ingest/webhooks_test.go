package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ledgerline/opshub/internal/db"
	"github.com/ledgerline/opshub/internal/integrations/twilio"
)

type fakeEmails struct {
	mu   sync.Mutex
	seen []string
}

func (f *fakeEmails) ProcessGraphMessage(_ context.Context, userID uuid.UUID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, userID.String()+"/"+messageID)
	return nil
}

type fakeFollowUps struct {
	mu    sync.Mutex
	calls []uuid.UUID
}

func (f *fakeFollowUps) ExtractTasksFromCall(_ context.Context, callID uuid.UUID) ([]db.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, callID)
	return nil, nil
}

func newWebhookPipeline(t *testing.T, cfg Config, opts ...Option) (*Pipeline, sqlmock.Sqlmock, *markQueue, *http.ServeMux) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	if cfg.Workers == 0 {
		cfg.Workers = 1
		cfg.QueueSize = 8
	}
	q := newMarkQueue()
	opts = append(opts, WithWriteQueue(q))
	p := NewPipeline(cfg, sqlx.NewDb(sqlDB, "sqlmock"), zaptest.NewLogger(t), opts...)
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	mux := http.NewServeMux()
	p.Register(mux)
	return p, mock, q, mux
}

func expectLog(mock sqlmock.Sqlmock, source string) uuid.UUID {
	id := uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO webhook_logs`)).
		WithArgs(source, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), db.WebhookReceived).
		WillReturnRows(sqlmock.NewRows([]string{"id", "received_at"}).AddRow(id.String(), time.Now()))
	return id
}

func expectNoPartyMatch(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM clients`)).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM user_profiles`)).WillReturnRows(sqlmock.NewRows([]string{"id"}))
}

func expectCallUpsert(mock sqlmock.Sqlmock, provider, externalID, status string) uuid.UUID {
	id := uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO calls`)).
		WithArgs(provider, externalID, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), status,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "created_at", "updated_at"}).
			AddRow(id.String(), status, time.Now(), time.Now()))
	return id
}

const gotoStarting = `{
	"source": "call-events",
	"type": "STARTING",
	"timestamp": "2026-02-03T14:00:00Z",
	"content": {
		"metadata": {"conversationSpaceId": "cs-77", "direction": "INBOUND", "callCreated": "2026-02-03T14:00:00Z"},
		"state": {"sequence": 1, "caller": {"name": "Acme", "number": "+1 (555) 123-0000"}, "callee": {"number": "+15559870000"}}
	}
}`

func TestGraphValidationHandshake(t *testing.T) {
	_, mock, _, mux := newWebhookPipeline(t, Config{})

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/graph?validationToken=Validation%3A+Testing+client", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "Validation: Testing client", rec.Body.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGoToRejectsBadToken(t *testing.T) {
	_, mock, _, mux := newWebhookPipeline(t, Config{GoToToken: "shared-token"})

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/goto?token=wrong", strings.NewReader(gotoStarting))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGoToStartingEventUpsertsCall(t *testing.T) {
	_, mock, q, mux := newWebhookPipeline(t, Config{GoToToken: "shared-token"})

	logID := expectLog(mock, SourceGoTo)
	expectNoPartyMatch(mock)
	expectCallUpsert(mock, SourceGoTo, "cs-77", db.CallRinging)

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/goto", strings.NewReader(gotoStarting))
	req.Header.Set("X-Webhook-Token", "shared-token")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, db.WebhookProcessed, q.status(logID))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGoToMalformedIsLoggedAsFailed(t *testing.T) {
	_, mock, q, mux := newWebhookPipeline(t, Config{})
	logID := expectLog(mock, SourceGoTo)

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/goto", strings.NewReader(`{"type":"STARTING"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, db.WebhookFailed, q.status(logID))
	assert.Contains(t, q.errText(logID), "conversationSpaceId")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNonJSONBodyIsStoredWrapped(t *testing.T) {
	_, mock, q, mux := newWebhookPipeline(t, Config{})
	logID := uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO webhook_logs`)).
		WithArgs(SourceGoTo, "", "", db.RawJSON(`{"raw":"not json"}`), sqlmock.AnyArg(), db.WebhookReceived).
		WillReturnRows(sqlmock.NewRows([]string{"id", "received_at"}).AddRow(logID.String(), time.Now()))

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/goto", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, db.WebhookFailed, q.status(logID))
	assert.NoError(t, mock.ExpectationsWereMet())
}

const vapiEndOfCall = `{"message": {
	"type": "end-of-call-report",
	"endedReason": "customer-ended-call",
	"call": {"id": "vapi-call-1", "type": "inboundPhoneCall", "customer": {"number": "+15551230000"}, "phoneNumber": {"number": "+15559870000"}},
	"artifact": {"transcript": "AI: Hello. Customer: I need my W-2 copy.", "recordingUrl": "https://storage.vapi.ai/rec.wav"},
	"analysis": {"summary": "Client requested a W-2 copy."},
	"durationSeconds": 42.6
}}`

func TestVAPIEndOfCallQueuesFollowUps(t *testing.T) {
	follow := &fakeFollowUps{}
	p, mock, q, mux := newWebhookPipeline(t, Config{VAPISecret: "vapi-secret"}, WithCallFollowUps(follow))

	logID := expectLog(mock, SourceVAPI)
	expectNoPartyMatch(mock)
	callID := expectCallUpsert(mock, SourceVAPI, "vapi-call-1", db.CallCompleted)

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/vapi", strings.NewReader(vapiEndOfCall))
	req.Header.Set("X-Vapi-Secret", "vapi-secret")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, logID.String(), body["id"])

	require.NoError(t, p.Close(context.Background()))
	assert.Equal(t, []uuid.UUID{callID}, follow.calls)
	assert.Equal(t, db.WebhookProcessed, q.status(logID))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVAPIIgnoresOtherMessageTypes(t *testing.T) {
	_, mock, q, mux := newWebhookPipeline(t, Config{})
	logID := expectLog(mock, SourceVAPI)

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/vapi",
		strings.NewReader(`{"message":{"type":"transcript","call":{"id":"c1"},"transcript":"hi"}}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, db.WebhookIgnored, q.status(logID))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVAPIRejectsMissingSecret(t *testing.T) {
	_, mock, _, mux := newWebhookPipeline(t, Config{VAPISecret: "vapi-secret"})

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/vapi", strings.NewReader(vapiEndOfCall))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func twilioForm() url.Values {
	return url.Values{
		"MessageSid": {"SM123"},
		"AccountSid": {"AC1"},
		"From":       {"+15551230000"},
		"To":         {"+15559870000"},
		"Body":       {"Running late, see you at 3"},
	}
}

func TestTwilioSignedSMS(t *testing.T) {
	const hookURL = "https://ops.example.com/api/webhooks/twilio/sms"
	_, mock, q, mux := newWebhookPipeline(t, Config{TwilioAuthToken: "twilio-token", TwilioWebhookURL: hookURL})
	form := twilioForm()

	logID := expectLog(mock, SourceTwilio)
	clientID := uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM clients`)).
		WithArgs("5551230000").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(clientID.String()))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM user_profiles`)).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO sms_messages`)).
		WithArgs("inbound", "+15551230000", "+15559870000", "Running late, see you at 3", "SM123", "received", clientID, nil).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(uuid.NewString(), time.Now()))

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/twilio/sms", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", twilio.Sign("twilio-token", hookURL, form))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/xml", rec.Header().Get("Content-Type"))
	assert.Equal(t, twilio.EmptyTwiML, rec.Body.String())
	assert.Equal(t, db.WebhookProcessed, q.status(logID))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTwilioDuplicateIsIgnored(t *testing.T) {
	_, mock, q, mux := newWebhookPipeline(t, Config{})
	logID := expectLog(mock, SourceTwilio)
	expectNoPartyMatch(mock)
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO sms_messages`)).WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}))

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/twilio/sms", strings.NewReader(twilioForm().Encode()))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, db.WebhookIgnored, q.status(logID))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTwilioRejectsBadSignature(t *testing.T) {
	_, mock, _, mux := newWebhookPipeline(t, Config{TwilioAuthToken: "twilio-token"})

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/twilio/sms", strings.NewReader(twilioForm().Encode()))
	req.Header.Set("X-Twilio-Signature", "bm90LWEtc2lnbmF0dXJl")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTwilioMalformedFormIsLoggedAsFailed(t *testing.T) {
	_, mock, q, mux := newWebhookPipeline(t, Config{TwilioAuthToken: "twilio-token"})
	logID := uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO webhook_logs`)).
		WithArgs(SourceTwilio, "sms", "", db.RawJSON(`{"raw":"From=%zz"}`), sqlmock.AnyArg(), db.WebhookReceived).
		WillReturnRows(sqlmock.NewRows([]string{"id", "received_at"}).AddRow(logID.String(), time.Now()))

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/twilio/sms", strings.NewReader("From=%zz"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, db.WebhookFailed, q.status(logID))
	assert.Contains(t, q.errText(logID), "parse form")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTruncateKeepsWholeRunes(t *testing.T) {
	s := strings.Repeat("a", 199) + "é"
	assert.Equal(t, s, truncate(s, 200))

	long := strings.Repeat("é", 150)
	got := truncate(long, 100)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, 100, utf8.RuneCountInString(got))
	assert.Equal(t, "abc", truncate("abcdef", 3))
}

var subscriptionCols = []string{"id", "user_id", "subscription_id", "resource", "client_state", "expires_at", "created_at"}

func graphBatch(clientState string) string {
	return `{"value":[{"subscriptionId":"sub-1","clientState":"` + clientState + `","changeType":"created",
		"resource":"Users/u1/Messages/AAMkAD","resourceData":{"id":"AAMkAD"}}]}`
}

func TestGraphNotificationQueuesClassification(t *testing.T) {
	emails := &fakeEmails{}
	p, mock, q, mux := newWebhookPipeline(t, Config{}, WithEmailProcessor(emails))
	userID := uuid.New()

	logID := expectLog(mock, SourceGraph)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM graph_subscriptions WHERE subscription_id = $1`)).
		WithArgs("sub-1").
		WillReturnRows(sqlmock.NewRows(subscriptionCols).
			AddRow(uuid.NewString(), userID.String(), "sub-1", "me/messages", "s3cret", time.Now().Add(time.Hour), time.Now()))

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/graph", strings.NewReader(graphBatch("s3cret")))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	require.NoError(t, p.Close(context.Background()))
	assert.Equal(t, []string{userID.String() + "/AAMkAD"}, emails.seen)
	assert.Equal(t, db.WebhookProcessed, q.status(logID))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGraphClientStateMismatch(t *testing.T) {
	emails := &fakeEmails{}
	_, mock, q, mux := newWebhookPipeline(t, Config{}, WithEmailProcessor(emails))

	logID := expectLog(mock, SourceGraph)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM graph_subscriptions`)).
		WillReturnRows(sqlmock.NewRows(subscriptionCols).
			AddRow(uuid.NewString(), uuid.NewString(), "sub-1", "me/messages", "s3cret", time.Now(), time.Now()))

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/graph", strings.NewReader(graphBatch("forged")))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, db.WebhookFailed, q.status(logID))
	assert.Empty(t, emails.seen)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGraphEmptyBatchIsMalformed(t *testing.T) {
	_, mock, q, mux := newWebhookPipeline(t, Config{})
	logID := expectLog(mock, SourceGraph)

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/graph", strings.NewReader(`{"value":[]}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, db.WebhookFailed, q.status(logID))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGotoStatusMapping(t *testing.T) {
	assert.Equal(t, db.CallRinging, gotoStatus("STARTING"))
	assert.Equal(t, db.CallInProgress, gotoStatus("ACTIVE"))
	assert.Equal(t, db.CallCompleted, gotoStatus("ENDING"))
	assert.Equal(t, db.CallMissed, gotoStatus("MISSED"))
}
