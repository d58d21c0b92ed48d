package handlers

import (
	"context"
	"net/http"
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

var taskCols = []string{"id", "title", "status", "priority", "due_date", "created_by", "calendar_event_id", "source_type", "created_at", "updated_at"}

type fakeTokens struct{ err error }

func (f fakeTokens) TokenSource(context.Context, uuid.UUID, string) (oauth2.TokenSource, error) {
	if f.err != nil {
		return nil, f.err
	}
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "at"}), nil
}

type fakeCalendar struct{ created []graph.Event }

func (f *fakeCalendar) CreateEvent(_ context.Context, _ oauth2.TokenSource, e graph.Event) (*graph.Event, error) {
	f.created = append(f.created, e)
	e.ID = "evt-1"
	e.WebLink = "https://outlook.test/evt-1"
	return &e, nil
}

func TestListTasksAppliesFilters(t *testing.T) {
	database, mock := newMockDB(t)
	h := NewTaskHandler(database, testPolicy(t), nil, nil, nil, zaptest.NewLogger(t))
	clientID := uuid.New()
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta(`FROM tasks WHERE status = $1 AND client_id = $2 ORDER BY due_date ASC NULLS LAST, created_at DESC LIMIT $3 OFFSET $4`)).
		WithArgs("todo", clientID, 10, 0).
		WillReturnRows(sqlmock.NewRows(taskCols).
			AddRow(uuid.New().String(), "Call back", "todo", "high", nil, nil, nil, "manual", now, now))

	rec := call(t, "GET /api/tasks", h.ListTasks, testUser(auth.RoleViewer), http.MethodGet,
		"/api/tasks?status=todo&client_id="+clientID.String()+"&limit=10", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	tasks := decode(t, rec)["tasks"].([]interface{})
	require.Len(t, tasks, 1)
	assert.Equal(t, "Call back", tasks[0].(map[string]interface{})["title"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListTasksRejectsBadStatus(t *testing.T) {
	database, _ := newMockDB(t)
	h := NewTaskHandler(database, testPolicy(t), nil, nil, nil, zaptest.NewLogger(t))

	rec := call(t, "GET /api/tasks", h.ListTasks, testUser(auth.RoleStaff), http.MethodGet, "/api/tasks?status=open", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateTask(t *testing.T) {
	database, mock := newMockDB(t)
	audit := &recordingAuditor{}
	h := NewTaskHandler(database, testPolicy(t), audit, nil, nil, zaptest.NewLogger(t))
	user := testUser(auth.RoleStaff)
	id := uuid.New()
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO tasks`)).
		WithArgs("Send engagement letter", "", "todo", "high", nil, nil, nil, user.UserID, "manual", nil).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(id.String(), now, now))

	rec := call(t, "POST /api/tasks", h.CreateTask, user, http.MethodPost, "/api/tasks",
		map[string]string{"title": "  Send engagement letter ", "priority": "high"})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, id.String(), body["id"])
	assert.Equal(t, "Send engagement letter", body["title"])
	assert.Equal(t, []string{"task.created"}, audit.actions)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTaskValidation(t *testing.T) {
	database, _ := newMockDB(t)
	h := NewTaskHandler(database, testPolicy(t), nil, nil, nil, zaptest.NewLogger(t))

	tests := []struct {
		name string
		user *auth.UserContext
		body interface{}
		code int
	}{
		{"missing title", testUser(auth.RoleStaff), map[string]string{"description": "x"}, http.StatusBadRequest},
		{"blank title", testUser(auth.RoleStaff), map[string]string{"title": "   "}, http.StatusBadRequest},
		{"bad priority", testUser(auth.RoleStaff), map[string]string{"title": "x", "priority": "asap"}, http.StatusBadRequest},
		{"bad client", testUser(auth.RoleStaff), map[string]string{"title": "x", "client_id": "nope"}, http.StatusBadRequest},
		{"malformed json", testUser(auth.RoleStaff), "{", http.StatusBadRequest},
		{"viewer", testUser(auth.RoleViewer), map[string]string{"title": "x"}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := call(t, "POST /api/tasks", h.CreateTask, tt.user, http.MethodPost, "/api/tasks", tt.body)
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestUpdateTaskToDoneSetsCompletedAt(t *testing.T) {
	database, mock := newMockDB(t)
	h := NewTaskHandler(database, testPolicy(t), nil, nil, nil, zaptest.NewLogger(t))
	id := uuid.New()
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE tasks SET client_id = $2, status = $3, completed_at = COALESCE(completed_at, NOW()), updated_at = NOW()`)).
		WithArgs(id, nil, "done").
		WillReturnRows(sqlmock.NewRows(taskCols).
			AddRow(id.String(), "File return", "done", "medium", nil, nil, nil, "manual", now, now))

	rec := call(t, "PATCH /api/tasks/{id}", h.UpdateTask, testUser(auth.RoleStaff), http.MethodPatch,
		"/api/tasks/"+id.String(), map[string]string{"status": "done", "client_id": ""})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "done", decode(t, rec)["status"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTaskNotFound(t *testing.T) {
	database, mock := newMockDB(t)
	h := NewTaskHandler(database, testPolicy(t), nil, nil, nil, zaptest.NewLogger(t))
	id := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE tasks SET title = $2`)).
		WithArgs(id, "Renamed").
		WillReturnRows(sqlmock.NewRows(taskCols))

	rec := call(t, "PATCH /api/tasks/{id}", h.UpdateTask, testUser(auth.RoleStaff), http.MethodPatch,
		"/api/tasks/"+id.String(), map[string]string{"title": "Renamed"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Task not found", errorMessage(t, rec))
}

func TestUpdateTaskRequiresFields(t *testing.T) {
	database, _ := newMockDB(t)
	h := NewTaskHandler(database, testPolicy(t), nil, nil, nil, zaptest.NewLogger(t))

	rec := call(t, "PATCH /api/tasks/{id}", h.UpdateTask, testUser(auth.RoleStaff), http.MethodPatch,
		"/api/tasks/"+uuid.NewString(), map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteTaskOwnership(t *testing.T) {
	now := time.Now()
	staff := testUser(auth.RoleStaff)

	tests := []struct {
		name    string
		creator uuid.UUID
		code    int
	}{
		{"own task", staff.UserID, http.StatusNoContent},
		{"someone else's task", uuid.New(), http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			database, mock := newMockDB(t)
			h := NewTaskHandler(database, testPolicy(t), nil, nil, nil, zaptest.NewLogger(t))
			id := uuid.New()

			mock.ExpectQuery(regexp.QuoteMeta(`FROM tasks WHERE id = $1`)).
				WithArgs(id.String()).
				WillReturnRows(sqlmock.NewRows(taskCols).
					AddRow(id.String(), "x", "todo", "medium", nil, tt.creator.String(), nil, "manual", now, now))
			if tt.code == http.StatusNoContent {
				mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM tasks WHERE id = $1`)).
					WithArgs(id).
					WillReturnResult(sqlmock.NewResult(0, 1))
			}

			rec := call(t, "DELETE /api/tasks/{id}", h.DeleteTask, staff, http.MethodDelete, "/api/tasks/"+id.String(), nil)
			assert.Equal(t, tt.code, rec.Code)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestAddToCalendar(t *testing.T) {
	database, mock := newMockDB(t)
	cal := &fakeCalendar{}
	h := NewTaskHandler(database, testPolicy(t), nil, cal, fakeTokens{}, zaptest.NewLogger(t))
	id := uuid.New()
	now := time.Now()
	due := time.Date(2026, 11, 2, 15, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM tasks WHERE id = $1`)).
		WithArgs(id.String()).
		WillReturnRows(sqlmock.NewRows(taskCols).
			AddRow(id.String(), "Quarterly review", "todo", "medium", due, nil, nil, "manual", now, now))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE tasks SET calendar_event_id = $2`)).
		WithArgs(id.String(), "evt-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := call(t, "POST /api/tasks/{id}/calendar", h.AddToCalendar, testUser(auth.RoleStaff), http.MethodPost,
		"/api/tasks/"+id.String()+"/calendar", nil)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "evt-1", decode(t, rec)["event_id"])
	require.Len(t, cal.created, 1)
	assert.Equal(t, "Quarterly review", cal.created[0].Subject)
	assert.Equal(t, "2026-11-02T15:00:00", cal.created[0].Start.DateTime)
	assert.Equal(t, "2026-11-02T15:30:00", cal.created[0].End.DateTime)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddToCalendarPreconditions(t *testing.T) {
	now := time.Now()
	due := now.Add(24 * time.Hour)
	event := "evt-existing"

	tests := []struct {
		name   string
		due    interface{}
		event  interface{}
		tokens fakeTokens
		code   int
	}{
		{"no due date", nil, nil, fakeTokens{}, http.StatusBadRequest},
		{"already scheduled", due, event, fakeTokens{}, http.StatusConflict},
		{"mailbox not connected", due, nil, fakeTokens{err: oauth.ErrNotConnected}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			database, mock := newMockDB(t)
			h := NewTaskHandler(database, testPolicy(t), nil, &fakeCalendar{}, tt.tokens, zaptest.NewLogger(t))
			id := uuid.New()
			mock.ExpectQuery(regexp.QuoteMeta(`FROM tasks WHERE id = $1`)).
				WillReturnRows(sqlmock.NewRows(taskCols).
					AddRow(id.String(), "x", "todo", "medium", tt.due, nil, tt.event, "manual", now, now))

			rec := call(t, "POST /api/tasks/{id}/calendar", h.AddToCalendar, testUser(auth.RoleStaff), http.MethodPost,
				"/api/tasks/"+id.String()+"/calendar", nil)
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}
