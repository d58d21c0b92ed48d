package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"regexp"

	"go.uber.org/zap"

	"github.com/ledgerline/opshub/internal/db"
	"github.com/ledgerline/opshub/internal/policy"
)

const maxSettingBytes = 64 << 10

var settingKeyPattern = regexp.MustCompile(`^[a-z][a-z0-9_.-]{0,63}$`)

type SettingsHandler struct {
	base
}

func NewSettingsHandler(database db.DB, authz policy.Authorizer, audit Auditor, logger *zap.Logger) *SettingsHandler {
	return &SettingsHandler{base: newBase(database, authz, audit, logger)}
}

// GetSettings handles GET /api/settings and returns a key to value map.
func (h *SettingsHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	user, ok := h.principal(w, r)
	if !ok {
		return
	}
	owner := user.UserID
	if !h.allow(w, r, user, policy.ActionRead, policy.ResourceSettings, &owner) {
		return
	}
	settings, err := db.ListUserSettings(r.Context(), h.db, owner)
	if err != nil {
		h.fail(w, r, err, "Setting")
		return
	}
	out := make(map[string]json.RawMessage, len(settings))
	for _, s := range settings {
		out[s.Key] = json.RawMessage(s.Value)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"settings": out})
}

// PutSetting handles PUT /api/settings/{key}. The body is the raw JSON
// value to store.
func (h *SettingsHandler) PutSetting(w http.ResponseWriter, r *http.Request) {
	user, ok := h.principal(w, r)
	if !ok {
		return
	}
	key := r.PathValue("key")
	if !settingKeyPattern.MatchString(key) {
		sendError(w, "Invalid setting key", http.StatusBadRequest)
		return
	}
	owner := user.UserID
	if !h.allow(w, r, user, policy.ActionWrite, policy.ResourceSettings, &owner) {
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSettingBytes))
	if err != nil {
		sendError(w, "Setting value too large", http.StatusRequestEntityTooLarge)
		return
	}
	if !json.Valid(raw) {
		sendError(w, "Setting value must be valid JSON", http.StatusBadRequest)
		return
	}

	setting := &db.UserSetting{UserID: owner, Key: key, Value: db.RawJSON(raw)}
	if err := db.PutUserSetting(r.Context(), h.db, setting); err != nil {
		h.fail(w, r, err, "Setting")
		return
	}

	h.logger.Debug("Setting saved", zap.String("user_id", owner.String()), zap.String("key", key))
	writeJSON(w, http.StatusOK, setting)
}
