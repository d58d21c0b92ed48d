package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Roles stored in user_profiles.role
const (
	RoleAdmin  = "admin"
	RoleStaff  = "staff"
	RoleViewer = "viewer"
)

// API key scopes. Session users receive the scopes of their role.
const (
	ScopeRead  = "api:read"
	ScopeWrite = "api:write"
	ScopeAdmin = "api:admin"
)

// Token types carried in UserContext.TokenType
const (
	TokenTypeSession = "session"
	TokenTypeAPIKey  = "api_key"
	TokenTypeDev     = "dev"
)

// APIKeyPrefix marks every key issued by CreateAPIKey.
const APIKeyPrefix = "ok_"

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInactiveUser       = errors.New("user is inactive")
	ErrKeyExpired         = errors.New("api key expired")
	ErrNoUser             = errors.New("no user in context")
	ErrInsufficientScope  = errors.New("insufficient scope")
	ErrUnknownScope       = errors.New("unknown scope")
)

// ValidScope reports whether scope can be granted to an API key.
func ValidScope(scope string) bool {
	switch scope {
	case ScopeRead, ScopeWrite, ScopeAdmin:
		return true
	}
	return false
}

// UserContext is the authenticated principal attached to a request.
type UserContext struct {
	UserID    uuid.UUID  `json:"user_id"`
	Email     string     `json:"email"`
	FullName  string     `json:"full_name"`
	Role      string     `json:"role"`
	Scopes    []string   `json:"scopes"`
	IsAPIKey  bool       `json:"is_api_key"`
	TokenType string     `json:"token_type"`
	APIKeyID  *uuid.UUID `json:"api_key_id,omitempty"`
}

// HasScope reports whether the principal holds scope. ScopeAdmin implies all.
func (u *UserContext) HasScope(scope string) bool {
	for _, s := range u.Scopes {
		if s == scope || s == ScopeAdmin {
			return true
		}
	}
	return false
}

func (u *UserContext) IsAdmin() bool { return u.Role == RoleAdmin }

// ContextKey is the type for context keys
type ContextKey string

const UserContextKey ContextKey = "user"

// WithUser returns a copy of ctx carrying user.
func WithUser(ctx context.Context, user *UserContext) context.Context {
	return context.WithValue(ctx, UserContextKey, user)
}

// GetUserContext extracts the user context from the request context
func GetUserContext(ctx context.Context) (*UserContext, error) {
	user, ok := ctx.Value(UserContextKey).(*UserContext)
	if !ok || user == nil {
		return nil, ErrNoUser
	}
	return user, nil
}

// ScopesForRole returns the scopes granted to a session user.
func ScopesForRole(role string) []string {
	switch role {
	case RoleAdmin:
		return []string{ScopeRead, ScopeWrite, ScopeAdmin}
	case RoleStaff:
		return []string{ScopeRead, ScopeWrite}
	default:
		return []string{ScopeRead}
	}
}

// ValidRole reports whether role is one of the known roles.
func ValidRole(role string) bool {
	switch role {
	case RoleAdmin, RoleStaff, RoleViewer:
		return true
	}
	return false
}
