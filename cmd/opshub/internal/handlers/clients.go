package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ledgerline/opshub/internal/db"
	"github.com/ledgerline/opshub/internal/policy"
)

const activityLimit = 20

type ClientHandler struct {
	base
}

func NewClientHandler(database db.DB, authz policy.Authorizer, audit Auditor, logger *zap.Logger) *ClientHandler {
	return &ClientHandler{base: newBase(database, authz, audit, logger)}
}

type clientRequest struct {
	Name        *string `json:"name"`
	Email       *string `json:"email"`
	Phone       *string `json:"phone"`
	Company     *string `json:"company"`
	EmailDomain *string `json:"email_domain"`
	Status      *string `json:"status"`
	Notes       *string `json:"notes"`
}

func (req *clientRequest) validate() string {
	if req.Name != nil {
		n := strings.TrimSpace(*req.Name)
		if n == "" {
			return "Name is required"
		}
		req.Name = &n
	}
	if req.Status != nil && !db.ValidClientStatus(*req.Status) {
		return "Invalid status"
	}
	if req.Email != nil && *req.Email != "" && !strings.Contains(*req.Email, "@") {
		return "Invalid email"
	}
	if req.EmailDomain != nil {
		d := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(*req.EmailDomain), "@"))
		req.EmailDomain = &d
	}
	return ""
}

// nullable turns "" into NULL for optional text columns.
func nullable(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}

// ListClients handles GET /api/clients
func (h *ClientHandler) ListClients(w http.ResponseWriter, r *http.Request) {
	user, ok := h.principal(w, r)
	if !ok || !h.allow(w, r, user, policy.ActionRead, policy.ResourceClients, nil) {
		return
	}

	q := r.URL.Query()
	f := filter{clauses: []string{"deleted_at IS NULL"}}
	if term := strings.TrimSpace(q.Get("q")); term != "" {
		f.add("(name ILIKE ? OR email ILIKE ? OR company ILIKE ?)", "%"+term+"%")
	}
	if s := q.Get("status"); s != "" {
		if !db.ValidClientStatus(s) {
			sendError(w, "Invalid status", http.StatusBadRequest)
			return
		}
		f.add("status = ?", s)
	}

	limit, offset := pagination(r)
	query := `SELECT ` + db.ClientColumns() + ` FROM clients` + f.where() +
		` ORDER BY name ASC` + f.page(limit, offset)

	clients := []db.ClientRecord{}
	if err := h.db.SelectContext(r.Context(), &clients, query, f.args...); err != nil {
		h.fail(w, r, err, "Client")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"clients": clients,
		"limit":   limit,
		"offset":  offset,
	})
}

// CreateClient handles POST /api/clients
func (h *ClientHandler) CreateClient(w http.ResponseWriter, r *http.Request) {
	user, ok := h.principal(w, r)
	if !ok || !h.allow(w, r, user, policy.ActionWrite, policy.ResourceClients, nil) {
		return
	}

	var req clientRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if req.Name == nil {
		sendError(w, "Name is required", http.StatusBadRequest)
		return
	}
	if msg := req.validate(); msg != "" {
		sendError(w, msg, http.StatusBadRequest)
		return
	}

	status := db.ClientActive
	if req.Status != nil {
		status = *req.Status
	}
	notes := ""
	if req.Notes != nil {
		notes = *req.Notes
	}
	owner := user.UserID

	var client db.ClientRecord
	err := h.db.GetContext(r.Context(), &client, `
		INSERT INTO clients (name, email, phone, company, email_domain, status, notes, owner_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+db.ClientColumns(),
		*req.Name, nullable(req.Email), nullable(req.Phone), nullable(req.Company),
		nullable(req.EmailDomain), status, notes, owner,
	)
	if err != nil {
		h.fail(w, r, err, "Client")
		return
	}

	h.logger.Info("Client created",
		zap.String("client_id", client.ID.String()),
		zap.String("user_id", user.UserID.String()),
	)
	h.record(user, r, "client.created", "client", client.ID.String(), nil)
	writeJSON(w, http.StatusCreated, client)
}

// GetClient handles GET /api/clients/{id}
func (h *ClientHandler) GetClient(w http.ResponseWriter, r *http.Request) {
	user, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok || !h.allow(w, r, user, policy.ActionRead, policy.ResourceClients, nil) {
		return
	}
	client, err := db.GetClient(r.Context(), h.db, id)
	if err != nil {
		h.fail(w, r, err, "Client")
		return
	}
	writeJSON(w, http.StatusOK, client)
}

// UpdateClient handles PATCH /api/clients/{id}
func (h *ClientHandler) UpdateClient(w http.ResponseWriter, r *http.Request) {
	user, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok || !h.allow(w, r, user, policy.ActionWrite, policy.ResourceClients, nil) {
		return
	}

	var req clientRequest
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
	if req.Name != nil {
		set("name", *req.Name)
	}
	if req.Email != nil {
		set("email", nullable(req.Email))
	}
	if req.Phone != nil {
		set("phone", nullable(req.Phone))
	}
	if req.Company != nil {
		set("company", nullable(req.Company))
	}
	if req.EmailDomain != nil {
		set("email_domain", nullable(req.EmailDomain))
	}
	if req.Status != nil {
		set("status", *req.Status)
	}
	if req.Notes != nil {
		set("notes", *req.Notes)
	}
	if len(sets) == 0 {
		sendError(w, "No fields to update", http.StatusBadRequest)
		return
	}

	var client db.ClientRecord
	query := `UPDATE clients SET ` + strings.Join(sets, ", ") + `, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL RETURNING ` + db.ClientColumns()
	if err := h.db.GetContext(r.Context(), &client, query, args...); err != nil {
		h.fail(w, r, db.NotFound(err), "Client")
		return
	}

	h.logger.Info("Client updated", zap.String("client_id", client.ID.String()))
	h.record(user, r, "client.updated", "client", client.ID.String(), nil)
	writeJSON(w, http.StatusOK, client)
}

// DeleteClient handles DELETE /api/clients/{id}. The row is kept with
// deleted_at set so linked calls and tasks keep their history.
func (h *ClientHandler) DeleteClient(w http.ResponseWriter, r *http.Request) {
	user, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	client, err := db.GetClient(r.Context(), h.db, id)
	if err != nil {
		h.fail(w, r, err, "Client")
		return
	}
	if !h.allow(w, r, user, policy.ActionDelete, policy.ResourceClients, client.OwnerID) {
		return
	}

	res, err := h.db.ExecContext(r.Context(),
		`UPDATE clients SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		h.fail(w, r, err, "Client")
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		sendError(w, "Client not found", http.StatusNotFound)
		return
	}

	h.logger.Info("Client deleted", zap.String("client_id", id.String()))
	h.record(user, r, "client.deleted", "client", id.String(), nil)
	w.WriteHeader(http.StatusNoContent)
}

// ClientActivity handles GET /api/clients/{id}/activity
func (h *ClientHandler) ClientActivity(w http.ResponseWriter, r *http.Request) {
	user, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok || !h.allow(w, r, user, policy.ActionRead, policy.ResourceClients, nil) {
		return
	}
	if _, err := db.GetClient(r.Context(), h.db, id); err != nil {
		h.fail(w, r, err, "Client")
		return
	}

	var (
		tasks = []db.Task{}
		calls = []db.Call{}
		sms   = []db.SMSMessage{}
	)
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		return h.db.SelectContext(ctx, &tasks, `SELECT `+db.TaskColumns()+` FROM tasks
			WHERE client_id = $1 ORDER BY created_at DESC LIMIT $2`, id, activityLimit)
	})
	g.Go(func() error {
		return h.db.SelectContext(ctx, &calls, `SELECT `+db.CallColumns()+` FROM calls
			WHERE client_id = $1 ORDER BY started_at DESC NULLS LAST LIMIT $2`, id, activityLimit)
	})
	g.Go(func() error {
		return h.db.SelectContext(ctx, &sms, `SELECT `+db.SMSColumns()+` FROM sms_messages
			WHERE client_id = $1 ORDER BY created_at DESC LIMIT $2`, id, activityLimit)
	})
	if err := g.Wait(); err != nil {
		h.fail(w, r, err, "Client")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"client_id": id,
		"tasks":     tasks,
		"calls":     calls,
		"sms":       sms,
	})
}
