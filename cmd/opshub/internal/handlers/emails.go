package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ledgerline/opshub/internal/auth"
	"github.com/ledgerline/opshub/internal/db"
	"github.com/ledgerline/opshub/internal/integrations/resend"
	"github.com/ledgerline/opshub/internal/intelligence"
	"github.com/ledgerline/opshub/internal/oauth"
	"github.com/ledgerline/opshub/internal/policy"
)

const (
	defaultSyncLimit = 25
	maxSyncLimit     = 100
)

// EmailReviewer classifies inbox mail and resolves review decisions.
// intelligence.Service satisfies it.
type EmailReviewer interface {
	SyncInbox(ctx context.Context, userID uuid.UUID, since time.Time, limit int) (intelligence.SyncResult, error)
	Approve(ctx context.Context, reviewer, classificationID uuid.UUID, itemIDs []uuid.UUID) (*intelligence.ApproveResult, error)
	Dismiss(ctx context.Context, reviewer, classificationID uuid.UUID) error
}

// EmailSender delivers outbound mail.
type EmailSender interface {
	SendEmail(ctx context.Context, e resend.Email) (string, error)
}

type EmailHandler struct {
	base
	reviewer     EmailReviewer
	sender       EmailSender
	syncLookback time.Duration
	now          func() time.Time
}

func NewEmailHandler(database db.DB, authz policy.Authorizer, audit Auditor, reviewer EmailReviewer, sender EmailSender, syncLookback time.Duration, logger *zap.Logger) *EmailHandler {
	if syncLookback <= 0 {
		syncLookback = 24 * time.Hour
	}
	return &EmailHandler{
		base:         newBase(database, authz, audit, logger),
		reviewer:     reviewer,
		sender:       sender,
		syncLookback: syncLookback,
		now:          time.Now,
	}
}

// ListClassifications handles GET /api/emails/classifications. Admins may
// pass user_id to review another mailbox.
func (h *EmailHandler) ListClassifications(w http.ResponseWriter, r *http.Request) {
	user, ok := h.principal(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	owner := user.UserID
	if raw := q.Get("user_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			sendError(w, "Invalid user_id", http.StatusBadRequest)
			return
		}
		owner = id
	}
	if !h.allow(w, r, user, policy.ActionRead, policy.ResourceEmailClassifications, &owner) {
		return
	}

	var f filter
	f.add("user_id = ?", owner)
	if s := q.Get("status"); s != "" {
		switch s {
		case db.ClassificationPending, db.ClassificationApproved, db.ClassificationDismissed:
		default:
			sendError(w, "Invalid status", http.StatusBadRequest)
			return
		}
		f.add("status = ?", s)
	}
	limit, offset := pagination(r)
	query := `SELECT ` + db.ClassificationColumns() + ` FROM email_classifications` + f.where() +
		` ORDER BY received_at DESC NULLS LAST, created_at DESC` + f.page(limit, offset)

	items := []db.EmailClassification{}
	if err := h.db.SelectContext(r.Context(), &items, query, f.args...); err != nil {
		h.fail(w, r, err, "Classification")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"classifications": items,
		"limit":           limit,
		"offset":          offset,
	})
}

// load fetches a classification and checks the caller may act on it.
func (h *EmailHandler) load(w http.ResponseWriter, r *http.Request, user *auth.UserContext, action string) (*db.EmailClassification, bool) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return nil, false
	}
	c, err := db.GetClassification(r.Context(), h.db, id.String())
	if err != nil {
		h.fail(w, r, err, "Classification")
		return nil, false
	}
	if !h.allow(w, r, user, action, policy.ResourceEmailClassifications, &c.UserID) {
		return nil, false
	}
	return c, true
}

// GetClassification handles GET /api/emails/classifications/{id}
func (h *EmailHandler) GetClassification(w http.ResponseWriter, r *http.Request) {
	user, ok := h.principal(w, r)
	if !ok {
		return
	}
	c, ok := h.load(w, r, user, policy.ActionRead)
	if !ok {
		return
	}
	if c.ActionItems == nil {
		c.ActionItems = []db.EmailActionItem{}
	}
	writeJSON(w, http.StatusOK, c)
}

// Approve handles POST /api/emails/classifications/{id}/approve. Without
// action_item_ids every extracted item becomes a task.
func (h *EmailHandler) Approve(w http.ResponseWriter, r *http.Request) {
	user, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req struct {
		ActionItemIDs []uuid.UUID `json:"action_item_ids"`
	}
	if !decodeJSON(w, r, &req, true) {
		return
	}
	c, ok := h.load(w, r, user, policy.ActionWrite)
	if !ok {
		return
	}
	if h.reviewer == nil {
		sendError(w, "Email review not configured", http.StatusServiceUnavailable)
		return
	}

	result, err := h.reviewer.Approve(r.Context(), user.UserID, c.ID, req.ActionItemIDs)
	if err != nil {
		h.reviewError(w, r, err)
		return
	}

	h.logger.Info("Classification approved",
		zap.String("classification_id", c.ID.String()),
		zap.String("reviewer", user.UserID.String()),
		zap.Int("tasks", len(result.Tasks)),
	)
	h.record(user, r, "email.approved", "email_classification", c.ID.String(),
		map[string]interface{}{"tasks": len(result.Tasks)})
	writeJSON(w, http.StatusOK, result)
}

// Dismiss handles POST /api/emails/classifications/{id}/dismiss
func (h *EmailHandler) Dismiss(w http.ResponseWriter, r *http.Request) {
	user, ok := h.principal(w, r)
	if !ok {
		return
	}
	c, ok := h.load(w, r, user, policy.ActionWrite)
	if !ok {
		return
	}
	if h.reviewer == nil {
		sendError(w, "Email review not configured", http.StatusServiceUnavailable)
		return
	}
	if err := h.reviewer.Dismiss(r.Context(), user.UserID, c.ID); err != nil {
		h.reviewError(w, r, err)
		return
	}

	h.logger.Info("Classification dismissed",
		zap.String("classification_id", c.ID.String()),
		zap.String("reviewer", user.UserID.String()),
	)
	h.record(user, r, "email.dismissed", "email_classification", c.ID.String(), nil)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"classification_id": c.ID,
		"status":            db.ClassificationDismissed,
	})
}

func (h *EmailHandler) reviewError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, intelligence.ErrNotPending):
		sendError(w, "Classification has already been reviewed", http.StatusConflict)
	case errors.Is(err, intelligence.ErrUnknownItem):
		sendError(w, "Unknown action item", http.StatusBadRequest)
	default:
		h.fail(w, r, err, "Classification")
	}
}

// Sync handles POST /api/emails/sync
func (h *EmailHandler) Sync(w http.ResponseWriter, r *http.Request) {
	user, ok := h.principal(w, r)
	if !ok {
		return
	}
	owner := user.UserID
	if !h.allow(w, r, user, policy.ActionWrite, policy.ResourceEmailClassifications, &owner) {
		return
	}
	var req struct {
		SinceHours int `json:"since_hours"`
		Limit      int `json:"limit"`
	}
	if !decodeJSON(w, r, &req, true) {
		return
	}
	if h.reviewer == nil {
		sendError(w, "Email review not configured", http.StatusServiceUnavailable)
		return
	}

	lookback := h.syncLookback
	if req.SinceHours > 0 {
		lookback = time.Duration(req.SinceHours) * time.Hour
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultSyncLimit
	}
	if limit > maxSyncLimit {
		limit = maxSyncLimit
	}

	result, err := h.reviewer.SyncInbox(r.Context(), user.UserID, h.now().Add(-lookback), limit)
	if err != nil {
		switch {
		case errors.Is(err, oauth.ErrNotConnected):
			sendError(w, "Microsoft account not connected", http.StatusConflict)
		case errors.Is(err, intelligence.ErrLLMUnavailable):
			sendError(w, "Classification model unavailable", http.StatusServiceUnavailable)
		default:
			h.fail(w, r, err, "Mailbox")
		}
		return
	}

	h.logger.Info("Inbox synced",
		zap.String("user_id", user.UserID.String()),
		zap.Int("fetched", result.Fetched),
		zap.Int("classified", result.Classified),
		zap.Int("failed", result.Failed),
	)
	writeJSON(w, http.StatusOK, result)
}

// Send handles POST /api/emails/send
func (h *EmailHandler) Send(w http.ResponseWriter, r *http.Request) {
	user, ok := h.principal(w, r)
	if !ok || !h.allow(w, r, user, policy.ActionWrite, policy.ResourceEmails, nil) {
		return
	}
	var req struct {
		To       []string `json:"to"`
		CC       []string `json:"cc"`
		BCC      []string `json:"bcc"`
		Subject  string   `json:"subject"`
		HTML     string   `json:"html"`
		Text     string   `json:"text"`
		ClientID string   `json:"client_id"`
	}
	if !decodeJSON(w, r, &req, false) {
		return
	}
	clientID, err := optionalID(req.ClientID)
	if err != nil {
		sendError(w, "Invalid client_id", http.StatusBadRequest)
		return
	}
	if h.sender == nil {
		sendError(w, "Email delivery not configured", http.StatusServiceUnavailable)
		return
	}

	email := resend.Email{
		To:      req.To,
		CC:      req.CC,
		BCC:     req.BCC,
		Subject: strings.TrimSpace(req.Subject),
		HTML:    req.HTML,
		Text:    req.Text,
		Tags:    []resend.Tag{{Name: "sender", Value: user.UserID.String()}},
	}
	if user.Email != "" {
		email.ReplyTo = []string{user.Email}
	}
	if clientID != nil {
		email.Tags = append(email.Tags, resend.Tag{Name: "client", Value: clientID.String()})
	}
	if err := email.Validate(); err != nil {
		sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := h.sender.SendEmail(r.Context(), email)
	if err != nil {
		h.fail(w, r, err, "Email")
		return
	}

	h.logger.Info("Email sent",
		zap.String("email_id", id),
		zap.String("user_id", user.UserID.String()),
		zap.Int("recipients", len(req.To)+len(req.CC)+len(req.BCC)),
	)
	h.record(user, r, "email.sent", "email", id, map[string]interface{}{"recipients": len(req.To)})
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}
