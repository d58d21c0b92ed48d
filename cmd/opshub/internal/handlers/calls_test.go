package handlers

import (
	"context"
	"net/http"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ledgerline/opshub/internal/auth"
	"github.com/ledgerline/opshub/internal/db"
	"github.com/ledgerline/opshub/internal/intelligence"
)

var callCols = []string{"id", "provider", "external_id", "direction", "status", "summary", "notes", "client_id", "created_at", "updated_at"}

type fakeExtractor struct {
	tasks []db.Task
	err   error
}

func (f fakeExtractor) ExtractTasksFromCall(context.Context, uuid.UUID) ([]db.Task, error) {
	return f.tasks, f.err
}

func TestListCallsFilters(t *testing.T) {
	database, mock := newMockDB(t)
	h := NewCallHandler(database, testPolicy(t), nil, nil, zaptest.NewLogger(t))
	clientID := uuid.New()
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta(`FROM calls WHERE client_id = $1 AND direction = $2 ORDER BY started_at DESC NULLS LAST`)).
		WithArgs(clientID, "inbound", 50, 0).
		WillReturnRows(sqlmock.NewRows(callCols).
			AddRow(uuid.NewString(), "goto", "c-1", "inbound", "completed", "", "", clientID.String(), now, now))

	rec := call(t, "GET /api/calls", h.ListCalls, testUser(auth.RoleViewer), http.MethodGet,
		"/api/calls?client_id="+clientID.String()+"&direction=inbound", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decode(t, rec)["calls"], 1)
	assert.NoError(t, mock.ExpectationsWereMet())

	rec = call(t, "GET /api/calls", h.ListCalls, testUser(auth.RoleViewer), http.MethodGet, "/api/calls?direction=sideways", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetCallNotFound(t *testing.T) {
	database, mock := newMockDB(t)
	h := NewCallHandler(database, testPolicy(t), nil, nil, zaptest.NewLogger(t))

	mock.ExpectQuery(regexp.QuoteMeta(`FROM calls WHERE id = $1`)).WillReturnRows(sqlmock.NewRows(callCols))

	rec := call(t, "GET /api/calls/{id}", h.GetCall, testUser(auth.RoleStaff), http.MethodGet, "/api/calls/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Call not found", errorMessage(t, rec))
}

func TestUpdateCallNotes(t *testing.T) {
	database, mock := newMockDB(t)
	h := NewCallHandler(database, testPolicy(t), nil, nil, zaptest.NewLogger(t))
	id := uuid.New()
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE calls SET notes = $2, client_id = $3, updated_at = NOW()`)).
		WithArgs(id, "Left voicemail", nil).
		WillReturnRows(sqlmock.NewRows(callCols).
			AddRow(id.String(), "goto", "c-1", "outbound", "completed", "", "Left voicemail", nil, now, now))

	rec := call(t, "PATCH /api/calls/{id}", h.UpdateCall, testUser(auth.RoleStaff), http.MethodPatch, "/api/calls/"+id.String(),
		map[string]string{"notes": "Left voicemail", "client_id": ""})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Left voicemail", decode(t, rec)["notes"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateCallUnknownClient(t *testing.T) {
	database, mock := newMockDB(t)
	h := NewCallHandler(database, testPolicy(t), nil, nil, zaptest.NewLogger(t))

	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE calls SET client_id = $2`)).
		WillReturnError(&pq.Error{Code: "23503"})

	rec := call(t, "PATCH /api/calls/{id}", h.UpdateCall, testUser(auth.RoleStaff), http.MethodPatch, "/api/calls/"+uuid.NewString(),
		map[string]string{"client_id": uuid.NewString()})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Unknown client", errorMessage(t, rec))
}

func TestUpdateCallViewerForbidden(t *testing.T) {
	database, _ := newMockDB(t)
	h := NewCallHandler(database, testPolicy(t), nil, nil, zaptest.NewLogger(t))

	rec := call(t, "PATCH /api/calls/{id}", h.UpdateCall, testUser(auth.RoleViewer), http.MethodPatch, "/api/calls/"+uuid.NewString(),
		map[string]string{"notes": "x"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestExtractCallTasks(t *testing.T) {
	tests := []struct {
		name      string
		extractor FollowUpExtractor
		code      int
	}{
		{"extracted", fakeExtractor{tasks: []db.Task{{Title: "Send engagement letter"}}}, http.StatusOK},
		{"nothing to extract", fakeExtractor{err: intelligence.ErrNothingToExtract}, http.StatusBadRequest},
		{"no model", fakeExtractor{err: intelligence.ErrLLMUnavailable}, http.StatusServiceUnavailable},
		{"call missing", fakeExtractor{err: db.ErrNotFound}, http.StatusNotFound},
		{"not configured", nil, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			database, _ := newMockDB(t)
			audit := &recordingAuditor{}
			h := NewCallHandler(database, testPolicy(t), audit, tt.extractor, zaptest.NewLogger(t))
			id := uuid.New()

			rec := call(t, "POST /api/calls/{id}/tasks", h.ExtractTasks, testUser(auth.RoleStaff), http.MethodPost,
				"/api/calls/"+id.String()+"/tasks", nil)
			require.Equal(t, tt.code, rec.Code, rec.Body.String())
			if tt.code == http.StatusOK {
				body := decode(t, rec)
				assert.Equal(t, id.String(), body["call_id"])
				assert.Len(t, body["tasks"], 1)
				assert.Equal(t, []string{"call.tasks_extracted"}, audit.actions)
			}
		})
	}
}
