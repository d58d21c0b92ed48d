package intelligence

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/oauth2"

	"github.com/ledgerline/opshub/internal/db"
	"github.com/ledgerline/opshub/internal/integrations/graph"
)

type fakeCompleter struct {
	mu      sync.Mutex
	answer  string
	err     error
	prompts []Prompt
}

func (f *fakeCompleter) Complete(_ context.Context, p Prompt) (*Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, p)
	if f.err != nil {
		return nil, f.err
	}
	return &Completion{Text: f.answer, InputTokens: 10, OutputTokens: 5}, nil
}

func (f *fakeCompleter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

type fakeMail struct {
	messages map[string]*graph.Message
	gets     int
}

func (f *fakeMail) GetMessage(_ context.Context, _ oauth2.TokenSource, id string) (*graph.Message, error) {
	f.gets++
	if m, ok := f.messages[id]; ok {
		return m, nil
	}
	return nil, errors.New("not found")
}

func (f *fakeMail) ListMessages(_ context.Context, _ oauth2.TokenSource, _ time.Time, _ int) ([]graph.Message, error) {
	out := make([]graph.Message, 0, len(f.messages))
	for _, m := range f.messages {
		out = append(out, *m)
	}
	return out, nil
}

type fakeTokens struct{}

func (fakeTokens) TokenSource(context.Context, uuid.UUID, string) (oauth2.TokenSource, error) {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "graph-token"}), nil
}

func newTestIntel(t *testing.T, llm Completer, mail MailReader) (*Service, sqlmock.Sqlmock) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	ps, err := NewPromptSet()
	require.NoError(t, err)
	svc := NewService(sqlx.NewDb(sqlDB, "sqlmock"), llm, ps, mail, fakeTokens{}, zaptest.NewLogger(t))
	svc.now = func() time.Time { return time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC) }
	return svc, mock
}

func testMessage() *graph.Message {
	return &graph.Message{
		ID:               "AAMkAGI2",
		Subject:          "Invoice #4411 overdue",
		From:             graph.Recipient{EmailAddress: graph.EmailAddress{Name: "Pat Lee", Address: "Pat@Acme.com"}},
		ReceivedDateTime: time.Date(2026, 2, 1, 15, 4, 0, 0, time.UTC),
		BodyPreview:      "Hi, our invoice is still open",
		Body:             graph.ItemBody{ContentType: "text", Content: "Hi, our invoice is still open. Please confirm payment by Friday."},
	}
}

func expectContacts(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(regexp.QuoteMeta(`FROM clients`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "email", "email_domain", "phone"}).
			AddRow(acmeID.String(), "Acme Holdings", nil, "acme.com", nil))
}

func TestExtractTasksFromEmail(t *testing.T) {
	llm := &fakeCompleter{answer: `{"category":"billing","priority":"high","summary":"Overdue invoice","confidence":0.82,
		"action_items":[{"title":"Confirm invoice 4411 payment","due_date":"2026-02-06","priority":"high"}]}`}
	svc, mock := newTestIntel(t, llm, nil)
	userID := uuid.New()
	classID, itemID := uuid.New(), uuid.New()
	now := time.Now()

	expectContacts(mock)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO email_classifications`)).
		WithArgs(userID, "AAMkAGI2", "Invoice #4411 overdue", "pat@acme.com", "Pat Lee", sqlmock.AnyArg(),
			sqlmock.AnyArg(), "billing", "high", "Overdue invoice", 0.82, sqlmock.AnyArg(), MatchDomain, db.ClassificationPending).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(classID.String(), now))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO email_action_items`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(itemID.String(), now))
	mock.ExpectCommit()

	c, created, err := svc.ExtractTasksFromEmail(context.Background(), userID, testMessage())
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, classID, c.ID)
	require.NotNil(t, c.ClientID)
	assert.Equal(t, acmeID, *c.ClientID)
	require.Len(t, c.ActionItems, 1)
	assert.Equal(t, itemID, c.ActionItems[0].ID)

	require.Equal(t, 1, llm.calls())
	assert.Contains(t, llm.prompts[0].User, "Known client: Acme Holdings")
	assert.Contains(t, llm.prompts[0].User, "Please confirm payment by Friday.")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExtractTasksFromEmailBadAnswer(t *testing.T) {
	svc, mock := newTestIntel(t, &fakeCompleter{answer: "Sorry, I can't help with that."}, nil)
	expectContacts(mock)

	_, _, err := svc.ExtractTasksFromEmail(context.Background(), uuid.New(), testMessage())
	assert.ErrorIs(t, err, ErrMalformedAnswer)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExtractWithoutLLM(t *testing.T) {
	svc, _ := newTestIntel(t, nil, nil)
	_, _, err := svc.ExtractTasksFromEmail(context.Background(), uuid.New(), testMessage())
	assert.ErrorIs(t, err, ErrLLMUnavailable)
	_, err = svc.ExtractTasksFromCall(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrLLMUnavailable)
}

func TestProcessGraphMessageSkipsClassified(t *testing.T) {
	llm := &fakeCompleter{}
	mail := &fakeMail{messages: map[string]*graph.Message{"AAMkAGI2": testMessage()}}
	svc, mock := newTestIntel(t, llm, mail)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS`)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	require.NoError(t, svc.ProcessGraphMessage(context.Background(), uuid.New(), "AAMkAGI2"))
	assert.Zero(t, mail.gets)
	assert.Zero(t, llm.calls())
	assert.NoError(t, mock.ExpectationsWereMet())
}

var callCols = []string{"id", "provider", "external_id", "direction", "from_number", "to_number", "status",
	"started_at", "ended_at", "duration_seconds", "recording_url", "transcript", "summary", "notes",
	"client_id", "user_id", "created_at", "updated_at"}

func TestExtractTasksFromCall(t *testing.T) {
	llm := &fakeCompleter{answer: `{"tasks":[{"title":"Email organizer checklist"},{"title":"Book review meeting","priority":"high"}]}`}
	svc, mock := newTestIntel(t, llm, nil)
	callID, userID := uuid.New(), uuid.New()
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta(`FROM calls WHERE id = $1`)).
		WithArgs(callID.String()).
		WillReturnRows(sqlmock.NewRows(callCols).AddRow(
			callID.String(), "goto", "conv-1", "inbound", "+15551230000", "+15559870000", "completed",
			now, now, 300, nil, "", "Client asked about the organizer", "", acmeID.String(), userID.String(), now, now))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT name FROM clients WHERE id = $1`)).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("Acme Holdings"))
	for i, ref := range []string{"goto:conv-1:1", "goto:conv-1:2"} {
		mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO tasks`)).
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), db.TaskTodo, sqlmock.AnyArg(), sqlmock.AnyArg(),
				sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), db.SourceCall, ref).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at", "inserted"}).
				AddRow(uuid.NewString(), now, now, i == 0))
	}

	tasks, err := svc.ExtractTasksFromCall(context.Background(), callID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "high", tasks[1].Priority)
	assert.Equal(t, acmeID, *tasks[0].ClientID)
	assert.Equal(t, userID, *tasks[0].AssigneeID)
	assert.Contains(t, llm.prompts[0].User, "client Acme Holdings")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExtractTasksFromCallNeedsContent(t *testing.T) {
	svc, mock := newTestIntel(t, &fakeCompleter{}, nil)
	callID := uuid.New()
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM calls WHERE id = $1`)).
		WillReturnRows(sqlmock.NewRows(callCols).AddRow(
			callID.String(), "vapi", "c-9", "inbound", "", "", "missed",
			nil, nil, 0, nil, "", "", "", nil, nil, now, now))

	_, err := svc.ExtractTasksFromCall(context.Background(), callID)
	assert.ErrorIs(t, err, ErrNothingToExtract)
}

var itemCols = []string{"id", "classification_id", "title", "description", "due_date", "priority", "task_id", "created_at"}

func TestApproveSelectedItems(t *testing.T) {
	svc, mock := newTestIntel(t, nil, nil)
	reviewer, owner := uuid.New(), uuid.New()
	classID, itemA, itemB := uuid.New(), uuid.New(), uuid.New()
	taskID := uuid.New()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM email_classifications WHERE id = $1 FOR UPDATE`)).
		WithArgs(classID).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "client_id", "status"}).
			AddRow(owner.String(), acmeID.String(), "pending"))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM email_action_items WHERE classification_id = $1`)).
		WillReturnRows(sqlmock.NewRows(itemCols).
			AddRow(itemA.String(), classID.String(), "Send W-9", "", nil, "medium", nil, now).
			AddRow(itemB.String(), classID.String(), "Schedule call", "", nil, "low", nil, now))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO tasks`)).
		WithArgs("Schedule call", "", db.TaskTodo, "low", nil, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			db.SourceEmail, "email:"+itemB.String()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at", "inserted"}).
			AddRow(taskID.String(), now, now, true))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE email_action_items SET task_id = $1 WHERE id = $2`)).
		WithArgs(taskID, itemB).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE email_classifications SET status = $2`)).
		WithArgs(classID, db.ClassificationApproved, reviewer, svc.now().UTC()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := svc.Approve(context.Background(), reviewer, classID, []uuid.UUID{itemB})
	require.NoError(t, err)
	require.Len(t, res.Tasks, 1)
	assert.Equal(t, taskID, res.Tasks[0].ID)
	assert.Equal(t, owner, *res.Tasks[0].AssigneeID)
	assert.Equal(t, reviewer, *res.Tasks[0].CreatedBy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApproveRejectsReviewedAndUnknownItems(t *testing.T) {
	svc, mock := newTestIntel(t, nil, nil)
	classID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "client_id", "status"}).
			AddRow(uuid.NewString(), nil, "approved"))
	mock.ExpectRollback()

	_, err := svc.Approve(context.Background(), uuid.New(), classID, nil)
	assert.ErrorIs(t, err, ErrNotPending)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "client_id", "status"}).
			AddRow(uuid.NewString(), nil, "pending"))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM email_action_items`)).
		WillReturnRows(sqlmock.NewRows(itemCols))
	mock.ExpectRollback()

	_, err = svc.Approve(context.Background(), uuid.New(), classID, []uuid.UUID{uuid.New()})
	assert.ErrorIs(t, err, ErrUnknownItem)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "client_id", "status"}))
	mock.ExpectRollback()

	_, err = svc.Approve(context.Background(), uuid.New(), classID, nil)
	assert.ErrorIs(t, err, db.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDismiss(t *testing.T) {
	svc, mock := newTestIntel(t, nil, nil)
	reviewer, classID := uuid.New(), uuid.New()

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE email_classifications SET status = $2`)).
		WithArgs(classID, db.ClassificationDismissed, reviewer, svc.now().UTC()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, svc.Dismiss(context.Background(), reviewer, classID))

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE email_classifications`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM email_classifications`)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("dismissed"))
	assert.ErrorIs(t, svc.Dismiss(context.Background(), reviewer, classID), ErrNotPending)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE email_classifications`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM email_classifications`)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}))
	assert.ErrorIs(t, svc.Dismiss(context.Background(), reviewer, classID), db.ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}
