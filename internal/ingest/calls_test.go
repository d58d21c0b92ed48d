package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/ledgerline/opshub/internal/db"
	"github.com/ledgerline/opshub/internal/integrations/gotoconnect"
	"github.com/ledgerline/opshub/internal/oauth"
)

type fakeTokens struct {
	err error
}

func (f *fakeTokens) TokenSource(_ context.Context, _ uuid.UUID, provider string) (oauth2.TokenSource, error) {
	if f.err != nil {
		return nil, f.err
	}
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: provider + "-token"}), nil
}

type fakeReports struct {
	mu     sync.Mutex
	report string
	asked  []string
}

func (f *fakeReports) GetCallReport(_ context.Context, ts oauth2.TokenSource, conversationSpaceID string) (*gotoconnect.CallReport, error) {
	tok, err := ts.Token()
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.asked = append(f.asked, tok.AccessToken+"/"+conversationSpaceID)
	f.mu.Unlock()

	var r gotoconnect.CallReport
	if err := json.Unmarshal([]byte(f.report), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (f *fakeReports) requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.asked...)
}

const gotoEnding = `{
	"source": "call-events",
	"type": "ENDING",
	"timestamp": "2026-02-03T14:05:00Z",
	"content": {
		"metadata": {"conversationSpaceId": "cs-77", "direction": "INBOUND", "callCreated": "2026-02-03T14:00:00Z"},
		"state": {"sequence": 4, "caller": {"number": "+15551230000"}, "callee": {"number": "+15559870000"}, "durationSeconds": 290}
	}
}`

const gotoReport = `{
	"conversationSpaceId": "cs-77",
	"callCreated": "2026-02-03T14:00:00Z",
	"callAnswered": "2026-02-03T14:00:05Z",
	"callEnded": "2026-02-03T14:05:05Z",
	"recordings": [{"id": "rec-1", "url": "https://goto.example/rec-1.mp3"}],
	"transcript": "Client asked for an extension on the 1065.",
	"summary": "Extension request for partnership return."
}`

func expectEndingParties(mock sqlmock.Sqlmock, userID uuid.UUID) {
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM clients`)).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM user_profiles`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(userID.String()))
}

func postGoTo(mux *http.ServeMux, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/goto", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestGoToEndingMergesCallReport(t *testing.T) {
	reports := &fakeReports{report: gotoReport}
	followUps := &fakeFollowUps{}
	p, mock, q, mux := newWebhookPipeline(t, Config{},
		WithCallReports(reports, &fakeTokens{}),
		WithCallFollowUps(followUps),
	)

	logID := expectLog(mock, SourceGoTo)
	expectEndingParties(mock, uuid.New())
	callID := expectCallUpsert(mock, SourceGoTo, "cs-77", db.CallCompleted)
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO calls`)).
		WithArgs(SourceGoTo, "cs-77", "inbound", "+15551230000", "+15559870000", db.CallCompleted,
			sqlmock.AnyArg(), sqlmock.AnyArg(), int64(300), sqlmock.AnyArg(),
			"Client asked for an extension on the 1065.", "Extension request for partnership return.",
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "created_at", "updated_at"}).
			AddRow(callID.String(), db.CallCompleted, time.Now(), time.Now()))

	rec := postGoTo(mux, gotoEnding)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	require.NoError(t, p.Close(context.Background()))
	assert.Equal(t, []string{oauth.ProviderGoTo + "-token/cs-77"}, reports.requests())
	assert.Equal(t, []uuid.UUID{callID}, followUps.calls)
	assert.Equal(t, db.WebhookProcessed, q.status(logID))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGoToEndingWithoutConnectionSkipsReport(t *testing.T) {
	reports := &fakeReports{report: gotoReport}
	followUps := &fakeFollowUps{}
	p, mock, q, mux := newWebhookPipeline(t, Config{},
		WithCallReports(reports, &fakeTokens{err: oauth.ErrNotConnected}),
		WithCallFollowUps(followUps),
	)

	logID := expectLog(mock, SourceGoTo)
	expectEndingParties(mock, uuid.New())
	expectCallUpsert(mock, SourceGoTo, "cs-77", db.CallCompleted)

	rec := postGoTo(mux, gotoEnding)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	require.NoError(t, p.Close(context.Background()))
	assert.Empty(t, reports.requests())
	assert.Empty(t, followUps.calls, "nothing to extract without a transcript")
	assert.Equal(t, db.WebhookProcessed, q.status(logID))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyCallReportKeepsLongerDuration(t *testing.T) {
	p, mock, _, _ := newWebhookPipeline(t, Config{},
		WithCallReports(&fakeReports{report: `{"callAnswered": "2026-02-03T14:00:05Z", "callEnded": "2026-02-03T14:00:10Z"}`}, &fakeTokens{}),
	)
	userID := uuid.New()
	call := &db.Call{Provider: SourceGoTo, ExternalID: "cs-9", Status: db.CallCompleted, DurationSeconds: 60, UserID: &userID}
	expectCallUpsert(mock, SourceGoTo, "cs-9", db.CallCompleted)

	require.NoError(t, p.applyCallReport(context.Background(), call))
	assert.Equal(t, 60, call.DurationSeconds)
	require.NotNil(t, call.EndedAt)
	assert.Equal(t, time.Date(2026, 2, 3, 14, 0, 10, 0, time.UTC), *call.EndedAt)
	assert.Nil(t, call.RecordingURL)
	assert.NoError(t, mock.ExpectationsWereMet())
}
