package db

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

func strPtr(s string) *string { return &s }

func TestUpsertTaskFromSourceReportsCreation(t *testing.T) {
	sqlxDB, mock := newMock(t)
	now := time.Now()
	id := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (source_type, source_ref) WHERE source_ref IS NOT NULL")).
		WithArgs("Send engagement letter", "", TaskTodo, PriorityHigh, nil, nil, nil, nil, SourceEmail, "email:abc").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at", "inserted"}).
			AddRow(id.String(), now, now, true))
	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (source_type, source_ref)")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at", "inserted"}).
			AddRow(id.String(), now, now, false))

	task := &Task{Title: "Send engagement letter", Priority: PriorityHigh, SourceType: SourceEmail, SourceRef: strPtr("email:abc")}
	created, err := UpsertTaskFromSource(context.Background(), sqlxDB, task)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, id, task.ID)

	again := &Task{Title: "Send engagement letter", SourceType: SourceEmail, SourceRef: strPtr("email:abc")}
	created, err = UpsertTaskFromSource(context.Background(), sqlxDB, again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, again.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertTaskFromSourceRequiresRef(t *testing.T) {
	sqlxDB, _ := newMock(t)
	_, err := UpsertTaskFromSource(context.Background(), sqlxDB, &Task{Title: "x", SourceType: SourceCall})
	assert.Error(t, err)
}

func TestSaveClassificationInsertsActionItems(t *testing.T) {
	sqlxDB, mock := newMock(t)
	userID := uuid.New()
	classID := uuid.New()
	itemID := uuid.New()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO email_classifications")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(classID.String(), now))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO email_action_items")).
		WithArgs(classID, "Upload W-2", "", nil, PriorityMedium).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(itemID.String(), now))
	mock.ExpectCommit()

	c := &EmailClassification{
		UserID:         userID,
		GraphMessageID: "AAMk-1",
		Category:       "tax_document",
		Priority:       PriorityMedium,
		ActionItems:    []EmailActionItem{{Title: "Upload W-2", Priority: "whenever"}},
	}
	created, err := SaveClassification(context.Background(), sqlxDB, c)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, classID, c.ID)
	assert.Equal(t, itemID, c.ActionItems[0].ID)
	assert.Equal(t, PriorityMedium, c.ActionItems[0].Priority)
	assert.Equal(t, ClassificationPending, c.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveClassificationSkipsDuplicateMessage(t *testing.T) {
	sqlxDB, mock := newMock(t)
	userID := uuid.New()
	existing := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO email_classifications")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM email_classifications WHERE user_id = $1 AND graph_message_id = $2")).
		WithArgs(userID, "AAMk-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(existing.String()))
	mock.ExpectCommit()

	c := &EmailClassification{
		UserID:         userID,
		GraphMessageID: "AAMk-1",
		ActionItems:    []EmailActionItem{{Title: "never inserted"}},
	}
	created, err := SaveClassification(context.Background(), sqlxDB, c)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, existing, c.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertCallScansMergedStatus(t *testing.T) {
	sqlxDB, mock := newMock(t)
	id := uuid.New()
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (provider, external_id) DO UPDATE")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "created_at", "updated_at"}).
			AddRow(id.String(), CallCompleted, now, now))

	call := &Call{Provider: "goto", ExternalID: "conv-1", Status: CallRinging}
	require.NoError(t, UpsertCall(context.Background(), sqlxDB, call))
	assert.Equal(t, CallCompleted, call.Status, "terminal status from the database wins")
	assert.Equal(t, "inbound", call.Direction)
}

func TestInsertSMSDuplicateSID(t *testing.T) {
	sqlxDB, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (provider_sid) DO NOTHING")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}))

	created, err := InsertSMS(context.Background(), sqlxDB, &SMSMessage{
		Direction: "inbound", FromNumber: "+15551234567", ToNumber: "+15557654321",
		Body: "hi", ProviderSID: strPtr("SM1"),
	})
	require.NoError(t, err)
	assert.False(t, created)
}

func TestMarkWebhookLogNotFound(t *testing.T) {
	sqlxDB, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE webhook_logs SET status = $2, error = $3")).
		WithArgs("missing", WebhookFailed, "boom").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := MarkWebhookLog(context.Background(), sqlxDB, "missing", WebhookFailed, errors.New("boom"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueueWriteProcessesAuditLog(t *testing.T) {
	sqlxDB, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_logs")).WillReturnResult(sqlmock.NewResult(1, 1))

	client := NewClientFromDB(sqlxDB, zaptest.NewLogger(t), 1, 1)
	done := make(chan error, 1)
	client.QueueWrite(WriteTypeAuditLog, &AuditLog{Action: "task.create", EntityType: "task"}, func(err error) {
		done <- err
	})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("audit write was not processed")
	}
	client.Stop()
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueWriteAfterStopRunsInline(t *testing.T) {
	sqlxDB, mock := newMock(t)
	keyID := uuid.New()
	usedAt := time.Now()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE api_keys SET last_used = $2 WHERE id = $1")).
		WithArgs(keyID, usedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	client := NewClientFromDB(sqlxDB, zaptest.NewLogger(t), 1, 1)
	client.Stop()

	var got error = errors.New("not called")
	client.QueueWrite(WriteTypeAPIKeyUsage, &APIKeyUsage{KeyID: keyID, UsedAt: usedAt}, func(err error) { got = err })
	assert.NoError(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNormalizePhone(t *testing.T) {
	tests := map[string]string{
		"+1 (555) 123-4567": "5551234567",
		"555.123.4567":      "5551234567",
		"12345":             "12345",
		"":                  "",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizePhone(in), in)
	}
}

func TestJSONBScan(t *testing.T) {
	var j JSONB
	require.NoError(t, j.Scan([]byte(`{"a":1}`)))
	assert.Equal(t, float64(1), j["a"])
	require.NoError(t, j.Scan(`{"b":"x"}`))
	assert.Equal(t, "x", j["b"])
	assert.Error(t, j.Scan(42))
}
