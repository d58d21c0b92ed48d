package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Middleware authenticates HTTP requests.
type Middleware struct {
	service       *Service
	logger        *zap.Logger
	sessionCookie string
	devUser       *UserContext
}

// MiddlewareOption configures a Middleware.
type MiddlewareOption func(*Middleware)

// WithSessionCookie sets the cookie carrying the session token.
func WithSessionCookie(name string) MiddlewareOption {
	return func(m *Middleware) { m.sessionCookie = name }
}

// WithDevUser bypasses authentication and attaches an admin principal.
// Development only.
func WithDevUser(userID uuid.UUID) MiddlewareOption {
	return func(m *Middleware) {
		m.devUser = &UserContext{
			UserID:    userID,
			Email:     "dev@opshub.local",
			FullName:  "Developer",
			Role:      RoleAdmin,
			Scopes:    ScopesForRole(RoleAdmin),
			TokenType: TokenTypeDev,
		}
	}
}

func NewMiddleware(service *Service, logger *zap.Logger, opts ...MiddlewareOption) *Middleware {
	m := &Middleware{
		service:       service,
		logger:        logger,
		sessionCookie: "sb-access-token",
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.devUser != nil {
		logger.Warn("Authentication is disabled, all requests run as the dev user",
			zap.String("user_id", m.devUser.UserID.String()))
	}
	return m
}

// HTTPMiddleware checks, in order, the session cookie, the Authorization
// bearer token and the X-API-Key header. Bearer values with the API key
// prefix are treated as API keys.
func (m *Middleware) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.devUser != nil {
			dev := *m.devUser
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), &dev)))
			return
		}

		var (
			user *UserContext
			err  error
		)
		switch token, kind := m.extractCredential(r); kind {
		case TokenTypeSession:
			user, err = m.service.AuthenticateSession(r.Context(), token)
		case TokenTypeAPIKey:
			user, err = m.service.ValidateAPIKey(r.Context(), token)
		default:
			m.sendUnauthorized(w, "Authentication required")
			return
		}

		if err != nil {
			switch {
			case errors.Is(err, ErrInactiveUser):
				m.sendError(w, "Account is disabled", http.StatusForbidden)
			case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrKeyExpired):
				m.logger.Debug("Authentication failed", zap.Error(err), zap.String("path", r.URL.Path))
				m.sendUnauthorized(w, "Invalid credentials")
			default:
				m.logger.Error("Authentication error", zap.Error(err))
				m.sendError(w, "Authentication unavailable", http.StatusServiceUnavailable)
			}
			return
		}

		m.logger.Debug("Request authenticated",
			zap.String("user_id", user.UserID.String()),
			zap.String("token_type", user.TokenType),
			zap.String("path", r.URL.Path),
		)
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

func (m *Middleware) extractCredential(r *http.Request) (string, string) {
	if c, err := r.Cookie(m.sessionCookie); err == nil && c.Value != "" {
		return c.Value, TokenTypeSession
	}
	if token := ExtractBearerToken(r.Header.Get("Authorization")); token != "" {
		if strings.HasPrefix(token, APIKeyPrefix) {
			return token, TokenTypeAPIKey
		}
		return token, TokenTypeSession
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key, TokenTypeAPIKey
	}
	return "", ""
}

// ExtractBearerToken extracts the token from "Bearer <token>".
func ExtractBearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// RequireRole rejects principals whose role is not listed.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := GetUserContext(r.Context())
			if err != nil {
				writeJSONError(w, "Authentication required", http.StatusUnauthorized)
				return
			}
			for _, role := range roles {
				if user.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeJSONError(w, "Forbidden", http.StatusForbidden)
		})
	}
}

// RequireScope rejects principals lacking scope.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := GetUserContext(r.Context())
			if err != nil {
				writeJSONError(w, "Authentication required", http.StatusUnauthorized)
				return
			}
			if !user.HasScope(scope) {
				writeJSONError(w, ErrInsufficientScope.Error(), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m *Middleware) sendUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="opshub"`)
	writeJSONError(w, message, http.StatusUnauthorized)
}

func (m *Middleware) sendError(w http.ResponseWriter, message string, code int) {
	writeJSONError(w, message, code)
}

func writeJSONError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
