package handlers

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ledgerline/opshub/internal/db"
	"github.com/ledgerline/opshub/internal/integrations/twilio"
	"github.com/ledgerline/opshub/internal/policy"
)

const maxSMSBody = 1600

// SMSSender sends text messages. twilio.Client satisfies it.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) (*twilio.Message, error)
	FromNumber() string
}

type SMSHandler struct {
	base
	sender SMSSender
}

func NewSMSHandler(database db.DB, authz policy.Authorizer, audit Auditor, sender SMSSender, logger *zap.Logger) *SMSHandler {
	return &SMSHandler{base: newBase(database, authz, audit, logger), sender: sender}
}

// ListSMS handles GET /api/sms
func (h *SMSHandler) ListSMS(w http.ResponseWriter, r *http.Request) {
	user, ok := h.principal(w, r)
	if !ok || !h.allow(w, r, user, policy.ActionRead, policy.ResourceSMS, nil) {
		return
	}
	q := r.URL.Query()
	var f filter
	clientID, err := optionalID(q.Get("client_id"))
	if err != nil {
		sendError(w, "Invalid client_id", http.StatusBadRequest)
		return
	}
	if clientID != nil {
		f.add("client_id = ?", *clientID)
	}
	if d := q.Get("direction"); d != "" {
		if d != "inbound" && d != "outbound" {
			sendError(w, "Invalid direction", http.StatusBadRequest)
			return
		}
		f.add("direction = ?", d)
	}
	limit, offset := pagination(r)
	query := `SELECT ` + db.SMSColumns() + ` FROM sms_messages` + f.where() +
		` ORDER BY created_at DESC` + f.page(limit, offset)

	messages := []db.SMSMessage{}
	if err := h.db.SelectContext(r.Context(), &messages, query, f.args...); err != nil {
		h.fail(w, r, err, "Message")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": messages,
		"limit":    limit,
		"offset":   offset,
	})
}

// SendSMS handles POST /api/sms. Without client_id the recipient number is
// matched against client phones.
func (h *SMSHandler) SendSMS(w http.ResponseWriter, r *http.Request) {
	user, ok := h.principal(w, r)
	if !ok || !h.allow(w, r, user, policy.ActionWrite, policy.ResourceSMS, nil) {
		return
	}
	var req struct {
		To       string `json:"to"`
		Body     string `json:"body"`
		ClientID string `json:"client_id"`
	}
	if !decodeJSON(w, r, &req, false) {
		return
	}
	to := strings.TrimSpace(req.To)
	body := strings.TrimSpace(req.Body)
	if len(db.NormalizePhone(to)) < 7 {
		sendError(w, "Invalid recipient number", http.StatusBadRequest)
		return
	}
	if body == "" || len(body) > maxSMSBody {
		sendError(w, "Message body is required and limited to 1600 characters", http.StatusBadRequest)
		return
	}
	clientID, err := optionalID(req.ClientID)
	if err != nil {
		sendError(w, "Invalid client_id", http.StatusBadRequest)
		return
	}
	if h.sender == nil {
		sendError(w, "SMS not configured", http.StatusServiceUnavailable)
		return
	}

	if clientID == nil {
		if clientID, err = db.FindClientByPhone(r.Context(), h.db, to); err != nil {
			h.fail(w, r, err, "Client")
			return
		}
	}

	sent, err := h.sender.SendSMS(r.Context(), to, body)
	if err != nil {
		h.fail(w, r, err, "Message")
		return
	}

	sender := user.UserID
	sid := sent.SID
	msg := &db.SMSMessage{
		Direction:   "outbound",
		FromNumber:  h.sender.FromNumber(),
		ToNumber:    to,
		Body:        body,
		ProviderSID: &sid,
		Status:      sent.Status,
		ClientID:    clientID,
		UserID:      &sender,
	}
	if sent.From != "" {
		msg.FromNumber = sent.From
	}
	if msg.Status == "" {
		msg.Status = "queued"
	}
	if _, err := db.InsertSMS(r.Context(), h.db, msg); err != nil {
		// The text already left; losing the row is logged, not surfaced.
		h.logger.Error("SMS sent but not recorded",
			zap.String("sid", sid),
			zap.Error(err),
		)
	}

	h.logger.Info("SMS sent",
		zap.String("sid", sid),
		zap.String("user_id", user.UserID.String()),
		zap.String("status", msg.Status),
	)
	h.record(user, r, "sms.sent", "sms", sid, nil)
	writeJSON(w, http.StatusCreated, msg)
}
