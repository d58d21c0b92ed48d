// Package handlers implements the opshub REST API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ledgerline/opshub/internal/auth"
	"github.com/ledgerline/opshub/internal/circuitbreaker"
	"github.com/ledgerline/opshub/internal/db"
	"github.com/ledgerline/opshub/internal/integrations"
	"github.com/ledgerline/opshub/internal/oauth"
	"github.com/ledgerline/opshub/internal/policy"
)

const (
	defaultLimit = 50
	maxLimit     = 200
	maxBodyBytes = 1 << 20
)

// Auditor records user actions. auth.Service satisfies it.
type Auditor interface {
	Audit(user *auth.UserContext, action, entityType, entityID, ip string, details map[string]interface{})
}

// base carries what every resource handler needs.
type base struct {
	db     db.DB
	policy policy.Authorizer
	audit  Auditor
	logger *zap.Logger
}

func newBase(database db.DB, authz policy.Authorizer, audit Auditor, logger *zap.Logger) base {
	return base{db: database, policy: authz, audit: audit, logger: logger}
}

func sendError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a bounded JSON body into dst, answering 400 on failure.
// An empty body leaves dst untouched when allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}, allowEmpty bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || (allowEmpty && errors.Is(err, io.EOF)) {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		sendError(w, "Request body too large", http.StatusRequestEntityTooLarge)
		return false
	}
	sendError(w, "Invalid request body", http.StatusBadRequest)
	return false
}

func (b *base) principal(w http.ResponseWriter, r *http.Request) (*auth.UserContext, bool) {
	user, err := auth.GetUserContext(r.Context())
	if err != nil {
		sendError(w, "Unauthorized", http.StatusUnauthorized)
		return nil, false
	}
	return user, true
}

// allow checks the key scope and the access policy. owner is the row owner
// for owner-scoped checks and may be nil.
func (b *base) allow(w http.ResponseWriter, r *http.Request, user *auth.UserContext, action, resource string, owner *uuid.UUID) bool {
	if user.IsAPIKey && action != policy.ActionRead && !user.HasScope(auth.ScopeWrite) {
		sendError(w, "Insufficient scope", http.StatusForbidden)
		return false
	}
	input := policy.Input{
		UserID:   user.UserID.String(),
		Role:     user.Role,
		Action:   action,
		Resource: resource,
	}
	if owner != nil {
		input.OwnerID = owner.String()
	}
	decision, err := b.policy.Authorize(r.Context(), input)
	if err != nil {
		b.logger.Error("Policy evaluation failed",
			zap.String("resource", resource),
			zap.String("action", action),
			zap.Error(err),
		)
		sendError(w, "Authorization unavailable", http.StatusServiceUnavailable)
		return false
	}
	if !decision.Allow {
		b.logger.Debug("Request denied by policy",
			zap.String("user_id", input.UserID),
			zap.String("resource", resource),
			zap.String("action", action),
			zap.String("reason", decision.Reason),
		)
		sendError(w, "Forbidden", http.StatusForbidden)
		return false
	}
	return true
}

// fail maps a store or upstream error to a response. what names the
// resource in a 404 message.
func (b *base) fail(w http.ResponseWriter, r *http.Request, err error, what string) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		sendError(w, what+" not found", http.StatusNotFound)
	case errors.Is(err, db.ErrConflict):
		sendError(w, "Conflicting "+strings.ToLower(what), http.StatusConflict)
	case errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
		sendError(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, integrations.ErrNotConfigured):
		sendError(w, "Integration not configured", http.StatusServiceUnavailable)
	case errors.Is(err, oauth.ErrNotConnected):
		sendError(w, "Integration not connected", http.StatusConflict)
	case errors.Is(err, context.Canceled):
		b.logger.Debug("Request canceled", zap.String("path", r.URL.Path))
	default:
		var apiErr *integrations.APIError
		if errors.As(err, &apiErr) {
			b.logger.Warn("Upstream request failed",
				zap.String("integration", apiErr.Integration),
				zap.Int("status", apiErr.StatusCode),
				zap.String("path", r.URL.Path),
			)
			sendError(w, "Upstream request failed", http.StatusBadGateway)
			return
		}
		b.logger.Error("Request failed", zap.String("path", r.URL.Path), zap.Error(err))
		sendError(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (b *base) record(user *auth.UserContext, r *http.Request, action, entityType, entityID string, details map[string]interface{}) {
	if b.audit == nil {
		return
	}
	b.audit.Audit(user, action, entityType, entityID, clientIP(r), details)
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		sendError(w, "Invalid "+name, http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func pagination(r *http.Request) (limit, offset int) {
	limit, offset = defaultLimit, 0
	q := r.URL.Query()
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}

// optionalID parses an optional uuid; "" yields nil.
func optionalID(s string) (*uuid.UUID, error) {
	if s == "" {
		return nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// filter accumulates WHERE clauses with positional arguments.
type filter struct {
	clauses []string
	args    []interface{}
}

func (f *filter) add(clause string, arg interface{}) {
	f.args = append(f.args, arg)
	f.clauses = append(f.clauses, strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(f.args))))
}

func (f *filter) where() string {
	if len(f.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(f.clauses, " AND ")
}

// page appends LIMIT and OFFSET placeholders.
func (f *filter) page(limit, offset int) string {
	f.args = append(f.args, limit, offset)
	n := len(f.args)
	return " LIMIT $" + strconv.Itoa(n-1) + " OFFSET $" + strconv.Itoa(n)
}
