package handlers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
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

// Connections runs OAuth flows and reports stored connections.
// oauth.Service satisfies it.
type Connections interface {
	TokenSourcer
	StartFlow(ctx context.Context, userID uuid.UUID, provider string) (string, error)
	HandleCallback(ctx context.Context, provider, state, code string) (uuid.UUID, *oauth.Connection, error)
	Status(ctx context.Context, userID uuid.UUID) ([]oauth.Connection, error)
	Disconnect(ctx context.Context, userID uuid.UUID, provider string) error
}

// MailSubscriber registers Graph change notifications.
type MailSubscriber interface {
	CreateSubscription(ctx context.Context, ts oauth2.TokenSource, notificationURL, clientState string, expires time.Time) (*graph.Subscription, error)
}

type IntegrationHandler struct {
	base
	connections Connections
	subscriber  MailSubscriber
	baseURL     string
	appURL      string
	now         func() time.Time
}

// NewIntegrationHandler builds the integration and OAuth handlers. baseURL
// is this server's public URL; appURL is where browsers land after a
// callback.
func NewIntegrationHandler(database db.DB, authz policy.Authorizer, audit Auditor, connections Connections, subscriber MailSubscriber, baseURL, appURL string, logger *zap.Logger) *IntegrationHandler {
	return &IntegrationHandler{
		base:        newBase(database, authz, audit, logger),
		connections: connections,
		subscriber:  subscriber,
		baseURL:     strings.TrimRight(baseURL, "/"),
		appURL:      strings.TrimRight(appURL, "/"),
		now:         time.Now,
	}
}

// ListIntegrations handles GET /api/integrations
func (h *IntegrationHandler) ListIntegrations(w http.ResponseWriter, r *http.Request) {
	user, ok := h.principal(w, r)
	if !ok {
		return
	}
	owner := user.UserID
	if !h.allow(w, r, user, policy.ActionRead, policy.ResourceIntegrations, &owner) {
		return
	}
	conns, err := h.connections.Status(r.Context(), owner)
	if err != nil {
		h.fail(w, r, err, "Integration")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"integrations": conns})
}

// Disconnect handles DELETE /api/integrations/{provider}
func (h *IntegrationHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	user, ok := h.principal(w, r)
	if !ok {
		return
	}
	owner := user.UserID
	if !h.allow(w, r, user, policy.ActionDelete, policy.ResourceIntegrations, &owner) {
		return
	}
	provider := r.PathValue("provider")
	if err := h.connections.Disconnect(r.Context(), owner, provider); err != nil {
		switch {
		case errors.Is(err, oauth.ErrUnknownProvider):
			sendError(w, "Unknown provider", http.StatusNotFound)
		case errors.Is(err, oauth.ErrNotConnected):
			sendError(w, "Integration not connected", http.StatusNotFound)
		default:
			h.fail(w, r, err, "Integration")
		}
		return
	}
	h.record(user, r, "integration.disconnected", "integration", provider, nil)
	w.WriteHeader(http.StatusNoContent)
}

// StartOAuth handles GET /api/oauth/{provider}/start. Browsers are
// redirected; ?format=json returns the URL for SPA clients.
func (h *IntegrationHandler) StartOAuth(w http.ResponseWriter, r *http.Request) {
	user, ok := h.principal(w, r)
	if !ok {
		return
	}
	owner := user.UserID
	if !h.allow(w, r, user, policy.ActionWrite, policy.ResourceIntegrations, &owner) {
		return
	}
	provider := r.PathValue("provider")
	authURL, err := h.connections.StartFlow(r.Context(), owner, provider)
	if err != nil {
		if errors.Is(err, oauth.ErrUnknownProvider) {
			sendError(w, "Unknown provider", http.StatusNotFound)
			return
		}
		h.fail(w, r, err, "Integration")
		return
	}
	if r.URL.Query().Get("format") == "json" {
		writeJSON(w, http.StatusOK, map[string]string{"url": authURL})
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// OAuthCallback handles GET /api/oauth/{provider}/callback. It runs without
// a session; the state ties the callback to the user who started the flow.
func (h *IntegrationHandler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		h.logger.Warn("OAuth provider returned an error",
			zap.String("provider", provider),
			zap.String("error", e),
		)
		h.land(w, r, provider, "denied")
		return
	}

	userID, conn, err := h.connections.HandleCallback(r.Context(), provider, q.Get("state"), q.Get("code"))
	if err != nil {
		switch {
		case errors.Is(err, oauth.ErrUnknownProvider):
			sendError(w, "Unknown provider", http.StatusNotFound)
		case errors.Is(err, oauth.ErrInvalidState):
			h.land(w, r, provider, "invalid_state")
		default:
			h.logger.Error("OAuth callback failed", zap.String("provider", provider), zap.Error(err))
			h.land(w, r, provider, "exchange_failed")
		}
		return
	}

	if provider == oauth.ProviderMicrosoft {
		h.subscribeInbox(r.Context(), userID)
	}
	h.logger.Info("Integration connected",
		zap.String("provider", conn.Provider),
		zap.String("user_id", userID.String()),
	)
	h.land(w, r, provider, "")
}

// subscribeInbox registers inbox notifications for a newly connected
// mailbox. Failure leaves manual sync working.
func (h *IntegrationHandler) subscribeInbox(ctx context.Context, userID uuid.UUID) {
	if h.subscriber == nil || !strings.HasPrefix(h.baseURL, "https://") {
		return
	}
	ts, err := h.connections.TokenSource(ctx, userID, oauth.ProviderMicrosoft)
	if err != nil {
		h.logger.Warn("No token for inbox subscription", zap.String("user_id", userID.String()), zap.Error(err))
		return
	}
	secret := make([]byte, 16)
	if _, err := rand.Read(secret); err != nil {
		h.logger.Error("Failed to generate client state", zap.Error(err))
		return
	}
	clientState := hex.EncodeToString(secret)

	sub, err := h.subscriber.CreateSubscription(ctx, ts, h.baseURL+"/api/webhooks/graph", clientState,
		h.now().Add(graph.MaxSubscriptionLifetime))
	if err != nil {
		h.logger.Warn("Inbox subscription failed", zap.String("user_id", userID.String()), zap.Error(err))
		return
	}
	row := &db.GraphSubscription{
		UserID:         userID,
		SubscriptionID: sub.ID,
		Resource:       graph.InboxResource,
		ClientState:    clientState,
		ExpiresAt:      sub.ExpirationDateTime,
	}
	if err := db.SaveGraphSubscription(ctx, h.db, row); err != nil {
		h.logger.Error("Failed to store inbox subscription",
			zap.String("subscription_id", sub.ID),
			zap.Error(err),
		)
		return
	}
	h.logger.Info("Inbox subscription created",
		zap.String("user_id", userID.String()),
		zap.String("subscription_id", sub.ID),
		zap.Time("expires_at", sub.ExpirationDateTime),
	)
}

// land redirects the browser back to the app's integration settings.
func (h *IntegrationHandler) land(w http.ResponseWriter, r *http.Request, provider, failure string) {
	v := url.Values{}
	if failure == "" {
		v.Set("connected", provider)
	} else {
		v.Set("provider", provider)
		v.Set("error", failure)
	}
	http.Redirect(w, r, h.appURL+"/settings/integrations?"+v.Encode(), http.StatusFound)
}
