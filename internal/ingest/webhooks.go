package ingest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/ledgerline/opshub/internal/db"
	"github.com/ledgerline/opshub/internal/integrations/graph"
	"github.com/ledgerline/opshub/internal/integrations/twilio"
	"github.com/ledgerline/opshub/internal/integrations/vapi"
	"github.com/ledgerline/opshub/internal/metrics"
)

const maxWebhookBody = 1 << 20

// Headers copied into webhook_logs.headers.
var loggedHeaders = []string{"Content-Type", "User-Agent", "X-Forwarded-For", "X-Request-Id", "Traceparent"}

// Register mounts the webhook endpoints.
func (p *Pipeline) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/webhooks/goto", p.HandleGoTo)
	mux.HandleFunc("POST /api/webhooks/vapi", p.HandleVAPI)
	mux.HandleFunc("POST /api/webhooks/graph", p.HandleGraph)
	mux.HandleFunc("POST /api/webhooks/twilio/sms", p.HandleTwilioSMS)
}

// HandleGoTo ingests GoTo Connect call events. The shared token arrives in
// the "token" query parameter or the X-Webhook-Token header.
func (p *Pipeline) HandleGoTo(w http.ResponseWriter, r *http.Request) {
	if p.cfg.GoToToken != "" {
		got := r.URL.Query().Get("token")
		if got == "" {
			got = r.Header.Get("X-Webhook-Token")
		}
		if !secretEqual(p.cfg.GoToToken, got) {
			p.reject(w, SourceGoTo, "invalid webhook token")
			return
		}
	}
	body, ok := p.readBody(w, r, SourceGoTo)
	if !ok {
		return
	}
	entry, ok := p.logPayload(w, r, SourceGoTo, body,
		gjson.GetBytes(body, "type").String(),
		gjson.GetBytes(body, "content.metadata.conversationSpaceId").String())
	if !ok {
		return
	}
	p.respond(w, r, entry, p.processGoTo(r.Context(), body))
}

// HandleVAPI ingests VAPI server messages authenticated by X-Vapi-Secret.
func (p *Pipeline) HandleVAPI(w http.ResponseWriter, r *http.Request) {
	if p.cfg.VAPISecret != "" && !vapi.VerifySecret(p.cfg.VAPISecret, r.Header.Get(vapi.SecretHeader)) {
		p.reject(w, SourceVAPI, "invalid webhook secret")
		return
	}
	body, ok := p.readBody(w, r, SourceVAPI)
	if !ok {
		return
	}
	entry, ok := p.logPayload(w, r, SourceVAPI, body,
		gjson.GetBytes(body, "message.type").String(),
		gjson.GetBytes(body, "message.call.id").String())
	if !ok {
		return
	}
	p.respond(w, r, entry, p.processVAPI(r.Context(), body))
}

// HandleGraph answers the subscription validation handshake and ingests
// change notifications. Notifications whose clientState does not match the
// stored subscription are dropped; a batch with none left is rejected.
func (p *Pipeline) HandleGraph(w http.ResponseWriter, r *http.Request) {
	if token := r.URL.Query().Get("validationToken"); token != "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, token)
		metrics.WebhooksReceived.WithLabelValues(SourceGraph, "validation").Inc()
		return
	}
	body, ok := p.readBody(w, r, SourceGraph)
	if !ok {
		return
	}
	entry, ok := p.logPayload(w, r, SourceGraph, body,
		gjson.GetBytes(body, "value.0.changeType").String(),
		gjson.GetBytes(body, "value.0.subscriptionId").String())
	if !ok {
		return
	}
	p.respond(w, r, entry, p.processGraph(r.Context(), body))
}

// HandleTwilioSMS ingests inbound SMS and answers with empty TwiML.
func (p *Pipeline) HandleTwilioSMS(w http.ResponseWriter, r *http.Request) {
	body, ok := p.readBody(w, r, SourceTwilio)
	if !ok {
		return
	}
	form, err := url.ParseQuery(string(body))
	if err != nil {
		// Unparseable bodies are still recorded.
		entry, ok := p.logPayload(w, r, SourceTwilio, body, "sms", "")
		if !ok {
			return
		}
		p.respond(w, r, entry, malformed(fmt.Errorf("parse form: %w", err)))
		return
	}
	if p.cfg.TwilioAuthToken != "" {
		if !twilio.ValidateSignature(p.cfg.TwilioAuthToken, p.twilioURL(r), form, r.Header.Get("X-Twilio-Signature")) {
			p.reject(w, SourceTwilio, "invalid twilio signature")
			return
		}
	}

	payload, _ := json.Marshal(flattenForm(form))
	entry, ok := p.logPayload(w, r, SourceTwilio, payload, "sms", form.Get("MessageSid"))
	if !ok {
		return
	}
	res := p.processTwilio(r.Context(), form)
	if res.err != nil {
		p.respond(w, r, entry, res)
		return
	}
	p.finish(r.Context(), entry, res)
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, twilio.EmptyTwiML)
}

// outcome is what a processor did with a logged payload.
type outcome struct {
	badRequest bool
	err        error
	ignored    string
	job        *Job
}

func failed(err error) outcome { return outcome{err: err} }
func malformed(err error) outcome { return outcome{badRequest: true, err: err} }
func ignoredBecause(why string) outcome { return outcome{ignored: why} }

// respond marks the log row and writes the status for res. Queued jobs
// mark the row themselves.
func (p *Pipeline) respond(w http.ResponseWriter, r *http.Request, entry *db.WebhookLog, res outcome) {
	if res.err != nil {
		p.mark(r.Context(), entry.ID, db.WebhookFailed, res.err)
		code, outcomeLabel, msg := http.StatusInternalServerError, "error", "Failed to process webhook"
		if res.badRequest {
			code, outcomeLabel, msg = http.StatusBadRequest, "malformed", "Malformed payload"
		}
		if errors.Is(res.err, errUnauthorized) {
			code, outcomeLabel, msg = http.StatusUnauthorized, "unauthorized", "Unauthorized"
		}
		metrics.WebhooksReceived.WithLabelValues(entry.Source, outcomeLabel).Inc()
		p.logger.Warn("Webhook rejected",
			zap.String("source", entry.Source),
			zap.String("log_id", entry.ID.String()),
			zap.Int("status", code),
			zap.Error(res.err),
		)
		sendError(w, msg, code)
		return
	}

	queued := p.finish(r.Context(), entry, res)
	code := http.StatusOK
	if queued {
		code = http.StatusAccepted
	}
	writeJSON(w, code, map[string]interface{}{"ok": true, "id": entry.ID})
}

// finish settles a successful outcome and reports whether work was queued.
func (p *Pipeline) finish(ctx context.Context, entry *db.WebhookLog, res outcome) bool {
	switch {
	case res.job != nil:
		res.job.LogID = entry.ID
		queued := p.Submit(ctx, *res.job)
		label := "processed"
		if queued {
			label = "queued"
		}
		metrics.WebhooksReceived.WithLabelValues(entry.Source, label).Inc()
		return queued
	case res.ignored != "":
		p.mark(ctx, entry.ID, db.WebhookIgnored, errors.New(res.ignored))
		metrics.WebhooksReceived.WithLabelValues(entry.Source, "ignored").Inc()
	default:
		p.mark(ctx, entry.ID, db.WebhookProcessed, nil)
		metrics.WebhooksReceived.WithLabelValues(entry.Source, "processed").Inc()
	}
	return false
}

var errUnauthorized = errors.New("unauthorized")

func (p *Pipeline) reject(w http.ResponseWriter, source, reason string) {
	metrics.WebhooksReceived.WithLabelValues(source, "unauthorized").Inc()
	p.logger.Warn("Webhook authentication failed", zap.String("source", source), zap.String("reason", reason))
	sendError(w, "Unauthorized", http.StatusUnauthorized)
}

func (p *Pipeline) readBody(w http.ResponseWriter, r *http.Request, source string) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			sendError(w, "Payload too large", http.StatusRequestEntityTooLarge)
		} else {
			sendError(w, "Failed to read body", http.StatusBadRequest)
		}
		metrics.WebhooksReceived.WithLabelValues(source, "malformed").Inc()
		return nil, false
	}
	return body, true
}

// logPayload writes the raw body to webhook_logs before anything parses it.
// Bodies that are not JSON are stored wrapped as {"raw": "..."}.
func (p *Pipeline) logPayload(w http.ResponseWriter, r *http.Request, source string, body []byte, eventType, externalID string) (*db.WebhookLog, bool) {
	payload := body
	if !gjson.ValidBytes(body) {
		payload, _ = json.Marshal(map[string]string{"raw": string(body)})
	}
	headers := db.JSONB{}
	for _, h := range loggedHeaders {
		if v := r.Header.Get(h); v != "" {
			headers[h] = v
		}
	}
	entry := &db.WebhookLog{
		Source:     source,
		EventType:  truncate(eventType, 100),
		ExternalID: truncate(externalID, 200),
		Payload:    db.RawJSON(payload),
		Headers:    headers,
		Status:     db.WebhookReceived,
	}
	if err := db.InsertWebhookLog(r.Context(), p.db, entry); err != nil {
		p.logger.Error("Failed to log webhook", zap.String("source", source), zap.Error(err))
		metrics.WebhooksReceived.WithLabelValues(source, "error").Inc()
		sendError(w, "Failed to record webhook", http.StatusInternalServerError)
		return nil, false
	}
	return entry, true
}

// twilioURL is the URL Twilio signed: the configured public URL, or the
// request's own URL behind a trusted proxy.
func (p *Pipeline) twilioURL(r *http.Request) string {
	if p.cfg.TwilioWebhookURL != "" {
		return p.cfg.TwilioWebhookURL
	}
	scheme := "https"
	if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") == "" {
		scheme = "http"
	} else if fp := r.Header.Get("X-Forwarded-Proto"); fp != "" {
		scheme = fp
	}
	return fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.RequestURI())
}

func (p *Pipeline) processGraph(ctx context.Context, body []byte) outcome {
	var batch graph.NotificationBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		return malformed(fmt.Errorf("invalid graph payload: %w", err))
	}
	if len(batch.Value) == 0 {
		return malformed(errors.New("invalid graph payload: no notifications"))
	}

	type target struct {
		userID    uuid.UUID
		messageID string
	}
	var targets []target
	for _, n := range batch.Value {
		sub, err := db.GetGraphSubscription(ctx, p.db, n.SubscriptionID)
		if errors.Is(err, db.ErrNotFound) {
			p.logger.Warn("Notification for unknown subscription", zap.String("subscription_id", n.SubscriptionID))
			continue
		}
		if err != nil {
			return failed(err)
		}
		if !secretEqual(sub.ClientState, n.ClientState) {
			p.logger.Warn("Notification clientState mismatch", zap.String("subscription_id", n.SubscriptionID))
			continue
		}
		msgID := n.ResourceData.ID
		if msgID == "" {
			msgID = lastSegment(n.Resource)
		}
		if msgID == "" || strings.EqualFold(n.ChangeType, "deleted") {
			continue
		}
		targets = append(targets, target{userID: sub.UserID, messageID: msgID})
	}
	if len(targets) == 0 {
		return failed(fmt.Errorf("%w: no notification carried a valid clientState", errUnauthorized))
	}
	if p.emails == nil {
		return ignoredBecause("email classification disabled")
	}

	return outcome{job: &Job{
		Kind: "graph_message",
		Run: func(ctx context.Context) error {
			var errs []error
			for _, t := range targets {
				if err := p.emails.ProcessGraphMessage(ctx, t.userID, t.messageID); err != nil {
					errs = append(errs, fmt.Errorf("message %s: %w", t.messageID, err))
				}
			}
			return errors.Join(errs...)
		},
	}}
}

func (p *Pipeline) processTwilio(ctx context.Context, form url.Values) outcome {
	in, err := twilio.ParseInbound(form)
	if err != nil {
		return malformed(err)
	}
	sid := in.MessageSID
	msg := &db.SMSMessage{
		Direction:   "inbound",
		FromNumber:  in.From,
		ToNumber:    in.To,
		Body:        in.Body,
		ProviderSID: &sid,
		Status:      "received",
	}
	if msg.ClientID, err = db.FindClientByPhone(ctx, p.db, in.From); err != nil {
		return failed(err)
	}
	if msg.UserID, err = db.FindUserByPhone(ctx, p.db, in.To); err != nil {
		return failed(err)
	}
	created, err := db.InsertSMS(ctx, p.db, msg)
	if err != nil {
		return failed(err)
	}
	if !created {
		return ignoredBecause("duplicate message " + sid)
	}
	p.logger.Info("Inbound SMS stored",
		zap.String("sms_id", msg.ID.String()),
		zap.Bool("client_matched", msg.ClientID != nil),
	)
	return outcome{}
}

func secretEqual(expected, got string) bool {
	return expected != "" && subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}

func flattenForm(form url.Values) map[string]string {
	out := make(map[string]string, len(form))
	for k, v := range form {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func lastSegment(resource string) string {
	resource = strings.TrimRight(resource, "/")
	if i := strings.LastIndexByte(resource, '/'); i >= 0 {
		return resource[i+1:]
	}
	return ""
}

// truncate keeps at most n runes of s so VARCHAR limits never split a
// multi-byte character.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}
