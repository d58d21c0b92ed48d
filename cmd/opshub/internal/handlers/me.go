package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ledgerline/opshub/internal/auth"
	"github.com/ledgerline/opshub/internal/db"
	"github.com/ledgerline/opshub/internal/policy"
)

// AccountService loads profiles and manages API keys. auth.Service
// satisfies it.
type AccountService interface {
	LoadProfile(ctx context.Context, userID uuid.UUID) (*db.UserProfile, error)
	CreateAPIKey(ctx context.Context, userID uuid.UUID, name string, scopes []string, expiresAt *time.Time) (string, *db.APIKey, error)
	RevokeAPIKey(ctx context.Context, userID, keyID uuid.UUID) error
}

type MeHandler struct {
	base
	accounts AccountService
}

func NewMeHandler(database db.DB, authz policy.Authorizer, audit Auditor, accounts AccountService, logger *zap.Logger) *MeHandler {
	return &MeHandler{base: newBase(database, authz, audit, logger), accounts: accounts}
}

type apiKeyResponse struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	Prefix    string     `json:"prefix"`
	Scopes    []string   `json:"scopes"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	IsActive  bool       `json:"is_active"`
	CreatedAt time.Time  `json:"created_at"`
}

func keyResponse(k *db.APIKey) apiKeyResponse {
	return apiKeyResponse{
		ID:        k.ID,
		Name:      k.Name,
		Prefix:    k.KeyPrefix,
		Scopes:    []string(k.Scopes),
		LastUsed:  k.LastUsed,
		ExpiresAt: k.ExpiresAt,
		IsActive:  k.IsActive,
		CreatedAt: k.CreatedAt,
	}
}

// GetMe handles GET /api/me
func (h *MeHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	user, ok := h.principal(w, r)
	if !ok {
		return
	}
	resp := map[string]interface{}{"user": user}
	if h.accounts != nil {
		profile, err := h.accounts.LoadProfile(r.Context(), user.UserID)
		if err != nil {
			h.fail(w, r, err, "Profile")
			return
		}
		resp["profile"] = profile
	}
	writeJSON(w, http.StatusOK, resp)
}

// sessionOnly rejects requests authenticated with an API key.
func (h *MeHandler) sessionOnly(w http.ResponseWriter, user *auth.UserContext) bool {
	if user.IsAPIKey {
		sendError(w, "API keys cannot manage API keys", http.StatusForbidden)
		return false
	}
	return true
}

// ListAPIKeys handles GET /api/me/api-keys
func (h *MeHandler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	user, ok := h.principal(w, r)
	if !ok || !h.sessionOnly(w, user) {
		return
	}
	owner := user.UserID
	if !h.allow(w, r, user, policy.ActionRead, policy.ResourceAPIKeys, &owner) {
		return
	}
	var rows []db.APIKey
	if err := h.db.SelectContext(r.Context(), &rows, `
		SELECT id, user_id, key_hash, key_prefix, name, scopes, last_used, expires_at, is_active, created_at
		FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC`, owner); err != nil {
		h.fail(w, r, err, "API key")
		return
	}
	keys := make([]apiKeyResponse, 0, len(rows))
	for i := range rows {
		keys = append(keys, keyResponse(&rows[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"api_keys": keys})
}

// CreateAPIKey handles POST /api/me/api-keys. The plaintext key is only
// returned here.
func (h *MeHandler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	user, ok := h.principal(w, r)
	if !ok || !h.sessionOnly(w, user) {
		return
	}
	owner := user.UserID
	if !h.allow(w, r, user, policy.ActionWrite, policy.ResourceAPIKeys, &owner) {
		return
	}
	var req struct {
		Name      string     `json:"name"`
		Scopes    []string   `json:"scopes"`
		ExpiresAt *time.Time `json:"expires_at"`
	}
	if !decodeJSON(w, r, &req, false) {
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		sendError(w, "Name is required", http.StatusBadRequest)
		return
	}
	for _, scope := range req.Scopes {
		if !auth.ValidScope(scope) {
			sendError(w, "Unknown scope: "+scope, http.StatusBadRequest)
			return
		}
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
		sendError(w, "expires_at must be in the future", http.StatusBadRequest)
		return
	}
	if h.accounts == nil {
		sendError(w, "API keys not available", http.StatusServiceUnavailable)
		return
	}

	plaintext, key, err := h.accounts.CreateAPIKey(r.Context(), owner, name, req.Scopes, req.ExpiresAt)
	if err != nil {
		h.fail(w, r, err, "API key")
		return
	}
	h.logger.Info("API key created",
		zap.String("user_id", owner.String()),
		zap.String("key_id", key.ID.String()),
	)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"key":     plaintext,
		"api_key": keyResponse(key),
	})
}

// RevokeAPIKey handles DELETE /api/me/api-keys/{id}
func (h *MeHandler) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	user, ok := h.principal(w, r)
	if !ok || !h.sessionOnly(w, user) {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	owner := user.UserID
	if !h.allow(w, r, user, policy.ActionDelete, policy.ResourceAPIKeys, &owner) {
		return
	}
	if h.accounts == nil {
		sendError(w, "API keys not available", http.StatusServiceUnavailable)
		return
	}
	if err := h.accounts.RevokeAPIKey(r.Context(), owner, id); err != nil {
		h.fail(w, r, err, "API key")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
