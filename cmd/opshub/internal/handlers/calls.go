package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ledgerline/opshub/internal/db"
	"github.com/ledgerline/opshub/internal/intelligence"
	"github.com/ledgerline/opshub/internal/policy"
)

// FollowUpExtractor turns a call transcript into tasks.
type FollowUpExtractor interface {
	ExtractTasksFromCall(ctx context.Context, callID uuid.UUID) ([]db.Task, error)
}

type CallHandler struct {
	base
	followUps FollowUpExtractor
}

func NewCallHandler(database db.DB, authz policy.Authorizer, audit Auditor, followUps FollowUpExtractor, logger *zap.Logger) *CallHandler {
	return &CallHandler{
		base:      newBase(database, authz, audit, logger),
		followUps: followUps,
	}
}

// ListCalls handles GET /api/calls
func (h *CallHandler) ListCalls(w http.ResponseWriter, r *http.Request) {
	user, ok := h.principal(w, r)
	if !ok || !h.allow(w, r, user, policy.ActionRead, policy.ResourceCalls, nil) {
		return
	}

	q := r.URL.Query()
	var f filter
	for _, param := range []string{"client_id", "user_id"} {
		id, err := optionalID(q.Get(param))
		if err != nil {
			sendError(w, "Invalid "+param, http.StatusBadRequest)
			return
		}
		if id != nil {
			f.add(param+" = ?", *id)
		}
	}
	if s := q.Get("status"); s != "" {
		f.add("status = ?", s)
	}
	if d := q.Get("direction"); d != "" {
		if d != "inbound" && d != "outbound" {
			sendError(w, "Invalid direction", http.StatusBadRequest)
			return
		}
		f.add("direction = ?", d)
	}

	limit, offset := pagination(r)
	query := `SELECT ` + db.CallColumns() + ` FROM calls` + f.where() +
		` ORDER BY started_at DESC NULLS LAST, created_at DESC` + f.page(limit, offset)

	calls := []db.Call{}
	if err := h.db.SelectContext(r.Context(), &calls, query, f.args...); err != nil {
		h.fail(w, r, err, "Call")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"calls":  calls,
		"limit":  limit,
		"offset": offset,
	})
}

// GetCall handles GET /api/calls/{id}
func (h *CallHandler) GetCall(w http.ResponseWriter, r *http.Request) {
	user, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok || !h.allow(w, r, user, policy.ActionRead, policy.ResourceCalls, nil) {
		return
	}
	call, err := db.GetCall(r.Context(), h.db, id.String())
	if err != nil {
		h.fail(w, r, err, "Call")
		return
	}
	writeJSON(w, http.StatusOK, call)
}

// UpdateCall handles PATCH /api/calls/{id}. Only staff-owned fields
// (notes, summary and the client link) are editable.
func (h *CallHandler) UpdateCall(w http.ResponseWriter, r *http.Request) {
	user, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok || !h.allow(w, r, user, policy.ActionWrite, policy.ResourceCalls, nil) {
		return
	}

	var req struct {
		Notes    *string `json:"notes"`
		Summary  *string `json:"summary"`
		ClientID *string `json:"client_id"`
	}
	if !decodeJSON(w, r, &req, false) {
		return
	}

	var sets []string
	args := []interface{}{id}
	set := func(column string, v interface{}) {
		args = append(args, v)
		sets = append(sets, column+" = $"+strconv.Itoa(len(args)))
	}
	if req.Notes != nil {
		set("notes", *req.Notes)
	}
	if req.Summary != nil {
		set("summary", *req.Summary)
	}
	if req.ClientID != nil {
		clientID, err := optionalID(*req.ClientID)
		if err != nil {
			sendError(w, "Invalid client_id", http.StatusBadRequest)
			return
		}
		set("client_id", clientID)
	}
	if len(sets) == 0 {
		sendError(w, "No fields to update", http.StatusBadRequest)
		return
	}

	var call db.Call
	query := `UPDATE calls SET ` + strings.Join(sets, ", ") + `, updated_at = NOW()
		WHERE id = $1 RETURNING ` + db.CallColumns()
	if err := h.db.GetContext(r.Context(), &call, query, args...); err != nil {
		if db.IsForeignKeyViolation(err) {
			sendError(w, "Unknown client", http.StatusBadRequest)
			return
		}
		h.fail(w, r, db.NotFound(err), "Call")
		return
	}

	h.logger.Info("Call updated", zap.String("call_id", call.ID.String()))
	h.record(user, r, "call.updated", "call", call.ID.String(), nil)
	writeJSON(w, http.StatusOK, call)
}

// ExtractTasks handles POST /api/calls/{id}/tasks
func (h *CallHandler) ExtractTasks(w http.ResponseWriter, r *http.Request) {
	user, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok || !h.allow(w, r, user, policy.ActionWrite, policy.ResourceTasks, nil) {
		return
	}
	if h.followUps == nil {
		sendError(w, "Follow-up extraction not configured", http.StatusServiceUnavailable)
		return
	}

	tasks, err := h.followUps.ExtractTasksFromCall(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, intelligence.ErrNothingToExtract):
			sendError(w, "Call has no transcript or summary", http.StatusBadRequest)
		case errors.Is(err, intelligence.ErrLLMUnavailable):
			sendError(w, "Extraction model unavailable", http.StatusServiceUnavailable)
		default:
			h.fail(w, r, err, "Call")
		}
		return
	}
	if tasks == nil {
		tasks = []db.Task{}
	}

	h.logger.Info("Call follow-ups extracted",
		zap.String("call_id", id.String()),
		zap.Int("tasks", len(tasks)),
	)
	h.record(user, r, "call.tasks_extracted", "call", id.String(), map[string]interface{}{"tasks": len(tasks)})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"call_id": id,
		"tasks":   tasks,
	})
}
