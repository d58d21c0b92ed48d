package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/ledgerline/opshub/internal/db"
	"github.com/ledgerline/opshub/internal/integrations/graph"
	"github.com/ledgerline/opshub/internal/oauth"
	"github.com/ledgerline/opshub/internal/policy"
)

const (
	maxTitleLength        = 200
	calendarEventDuration = 30 * time.Minute
)

// TokenSourcer hands out per-user OAuth token sources.
type TokenSourcer interface {
	TokenSource(ctx context.Context, userID uuid.UUID, provider string) (oauth2.TokenSource, error)
}

// CalendarWriter creates Outlook calendar events.
type CalendarWriter interface {
	CreateEvent(ctx context.Context, ts oauth2.TokenSource, event graph.Event) (*graph.Event, error)
}

type TaskHandler struct {
	base
	calendar CalendarWriter
	tokens   TokenSourcer
}

func NewTaskHandler(database db.DB, authz policy.Authorizer, audit Auditor, calendar CalendarWriter, tokens TokenSourcer, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{
		base:     newBase(database, authz, audit, logger),
		calendar: calendar,
		tokens:   tokens,
	}
}

// ListTasks handles GET /api/tasks
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	user, ok := h.principal(w, r)
	if !ok || !h.allow(w, r, user, policy.ActionRead, policy.ResourceTasks, nil) {
		return
	}

	q := r.URL.Query()
	var f filter
	if s := q.Get("status"); s != "" {
		if !db.ValidTaskStatus(s) {
			sendError(w, "Invalid status", http.StatusBadRequest)
			return
		}
		f.add("status = ?", s)
	}
	if p := q.Get("priority"); p != "" {
		if !db.ValidPriority(p) {
			sendError(w, "Invalid priority", http.StatusBadRequest)
			return
		}
		f.add("priority = ?", p)
	}
	for _, param := range []string{"client_id", "assignee_id"} {
		id, err := optionalID(q.Get(param))
		if err != nil {
			sendError(w, "Invalid "+param, http.StatusBadRequest)
			return
		}
		if id != nil {
			f.add(param+" = ?", *id)
		}
	}

	limit, offset := pagination(r)
	query := `SELECT ` + db.TaskColumns() + ` FROM tasks` + f.where() +
		` ORDER BY due_date ASC NULLS LAST, created_at DESC` + f.page(limit, offset)

	tasks := []db.Task{}
	if err := h.db.SelectContext(r.Context(), &tasks, query, f.args...); err != nil {
		h.fail(w, r, err, "Task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks":  tasks,
		"limit":  limit,
		"offset": offset,
	})
}

type taskRequest struct {
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	Status      *string    `json:"status"`
	Priority    *string    `json:"priority"`
	DueDate     *time.Time `json:"due_date"`
	ClientID    *string    `json:"client_id"`
	AssigneeID  *string    `json:"assignee_id"`
}

func (req *taskRequest) validate() string {
	if req.Title != nil {
		t := strings.TrimSpace(*req.Title)
		if t == "" {
			return "Title is required"
		}
		if len(t) > maxTitleLength {
			return "Title must be at most " + strconv.Itoa(maxTitleLength) + " characters"
		}
		req.Title = &t
	}
	if req.Status != nil && !db.ValidTaskStatus(*req.Status) {
		return "Invalid status"
	}
	if req.Priority != nil && !db.ValidPriority(*req.Priority) {
		return "Invalid priority"
	}
	return ""
}

// CreateTask handles POST /api/tasks
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	user, ok := h.principal(w, r)
	if !ok || !h.allow(w, r, user, policy.ActionWrite, policy.ResourceTasks, nil) {
		return
	}

	var req taskRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if req.Title == nil {
		sendError(w, "Title is required", http.StatusBadRequest)
		return
	}
	if msg := req.validate(); msg != "" {
		sendError(w, msg, http.StatusBadRequest)
		return
	}

	creator := user.UserID
	task := &db.Task{
		Title:     *req.Title,
		DueDate:   req.DueDate,
		CreatedBy: &creator,
	}
	if req.Description != nil {
		task.Description = *req.Description
	}
	if req.Status != nil {
		task.Status = *req.Status
	}
	if req.Priority != nil {
		task.Priority = *req.Priority
	}
	var err error
	if req.ClientID != nil {
		if task.ClientID, err = optionalID(*req.ClientID); err != nil {
			sendError(w, "Invalid client_id", http.StatusBadRequest)
			return
		}
	}
	if req.AssigneeID != nil {
		if task.AssigneeID, err = optionalID(*req.AssigneeID); err != nil {
			sendError(w, "Invalid assignee_id", http.StatusBadRequest)
			return
		}
	}

	if err := db.InsertTask(r.Context(), h.db, task); err != nil {
		if errors.Is(err, db.ErrConflict) {
			sendError(w, "Unknown client or assignee", http.StatusBadRequest)
			return
		}
		h.fail(w, r, err, "Task")
		return
	}

	h.logger.Info("Task created",
		zap.String("task_id", task.ID.String()),
		zap.String("user_id", user.UserID.String()),
	)
	h.record(user, r, "task.created", "task", task.ID.String(), nil)
	writeJSON(w, http.StatusCreated, task)
}

// GetTask handles GET /api/tasks/{id}
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	user, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok || !h.allow(w, r, user, policy.ActionRead, policy.ResourceTasks, nil) {
		return
	}
	task, err := db.GetTask(r.Context(), h.db, id.String())
	if err != nil {
		h.fail(w, r, err, "Task")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// UpdateTask handles PATCH /api/tasks/{id}. An empty client_id or
// assignee_id clears the link.
func (h *TaskHandler) UpdateTask(w http.ResponseWriter, r *http.Request) {
	user, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok || !h.allow(w, r, user, policy.ActionWrite, policy.ResourceTasks, nil) {
		return
	}

	var req taskRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if msg := req.validate(); msg != "" {
		sendError(w, msg, http.StatusBadRequest)
		return
	}

	var sets []string
	args := []interface{}{id}
	set := func(column string, v interface{}) {
		args = append(args, v)
		sets = append(sets, column+" = $"+strconv.Itoa(len(args)))
	}
	if req.Title != nil {
		set("title", *req.Title)
	}
	if req.Description != nil {
		set("description", *req.Description)
	}
	if req.Priority != nil {
		set("priority", *req.Priority)
	}
	if req.DueDate != nil {
		set("due_date", *req.DueDate)
	}
	refs := []struct {
		column string
		raw    *string
	}{{"client_id", req.ClientID}, {"assignee_id", req.AssigneeID}}
	for _, ref := range refs {
		if ref.raw == nil {
			continue
		}
		linked, err := optionalID(*ref.raw)
		if err != nil {
			sendError(w, "Invalid "+ref.column, http.StatusBadRequest)
			return
		}
		set(ref.column, linked)
	}
	if req.Status != nil {
		set("status", *req.Status)
		if *req.Status == db.TaskDone {
			sets = append(sets, "completed_at = COALESCE(completed_at, NOW())")
		} else {
			sets = append(sets, "completed_at = NULL")
		}
	}
	if len(sets) == 0 {
		sendError(w, "No fields to update", http.StatusBadRequest)
		return
	}

	var task db.Task
	query := `UPDATE tasks SET ` + strings.Join(sets, ", ") + `, updated_at = NOW()
		WHERE id = $1 RETURNING ` + db.TaskColumns()
	if err := h.db.GetContext(r.Context(), &task, query, args...); err != nil {
		if db.IsForeignKeyViolation(err) {
			sendError(w, "Unknown client or assignee", http.StatusBadRequest)
			return
		}
		h.fail(w, r, db.NotFound(err), "Task")
		return
	}

	h.logger.Info("Task updated",
		zap.String("task_id", task.ID.String()),
		zap.String("status", task.Status),
	)
	h.record(user, r, "task.updated", "task", task.ID.String(), nil)
	writeJSON(w, http.StatusOK, task)
}

// DeleteTask handles DELETE /api/tasks/{id}. Staff may delete tasks they
// created.
func (h *TaskHandler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	user, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	task, err := db.GetTask(r.Context(), h.db, id.String())
	if err != nil {
		h.fail(w, r, err, "Task")
		return
	}
	if !h.allow(w, r, user, policy.ActionDelete, policy.ResourceTasks, task.CreatedBy) {
		return
	}
	if _, err := h.db.ExecContext(r.Context(), `DELETE FROM tasks WHERE id = $1`, id); err != nil {
		h.fail(w, r, err, "Task")
		return
	}

	h.logger.Info("Task deleted", zap.String("task_id", id.String()))
	h.record(user, r, "task.deleted", "task", id.String(), nil)
	w.WriteHeader(http.StatusNoContent)
}

// AddToCalendar handles POST /api/tasks/{id}/calendar
func (h *TaskHandler) AddToCalendar(w http.ResponseWriter, r *http.Request) {
	user, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok || !h.allow(w, r, user, policy.ActionWrite, policy.ResourceTasks, nil) {
		return
	}

	task, err := db.GetTask(r.Context(), h.db, id.String())
	if err != nil {
		h.fail(w, r, err, "Task")
		return
	}
	if task.DueDate == nil {
		sendError(w, "Task has no due date", http.StatusBadRequest)
		return
	}
	if task.CalendarEventID != nil {
		sendError(w, "Task is already on the calendar", http.StatusConflict)
		return
	}
	if h.calendar == nil || h.tokens == nil {
		sendError(w, "Calendar integration not configured", http.StatusServiceUnavailable)
		return
	}

	ts, err := h.tokens.TokenSource(r.Context(), user.UserID, oauth.ProviderMicrosoft)
	if err != nil {
		if errors.Is(err, oauth.ErrNotConnected) {
			sendError(w, "Microsoft account not connected", http.StatusConflict)
			return
		}
		h.fail(w, r, err, "Task")
		return
	}
	event, err := h.calendar.CreateEvent(r.Context(), ts,
		graph.NewEvent(task.Title, task.Description, *task.DueDate, calendarEventDuration))
	if err != nil {
		h.fail(w, r, err, "Task")
		return
	}
	if err := db.SetTaskCalendarEvent(r.Context(), h.db, task.ID.String(), event.ID); err != nil {
		h.fail(w, r, err, "Task")
		return
	}
	task.CalendarEventID = &event.ID

	h.logger.Info("Task added to calendar",
		zap.String("task_id", task.ID.String()),
		zap.String("event_id", event.ID),
	)
	h.record(user, r, "task.calendar_event_created", "task", task.ID.String(),
		map[string]interface{}{"event_id": event.ID})
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"task":     task,
		"event_id": event.ID,
		"web_link": event.WebLink,
	})
}
