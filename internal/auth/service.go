package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ledgerline/opshub/internal/db"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// WriteQueue accepts fire-and-forget writes. *db.Client satisfies it.
type WriteQueue interface {
	QueueWrite(writeType db.WriteType, data interface{}, callback func(error))
}

// Service authenticates sessions and API keys against user_profiles.
type Service struct {
	db     db.Querier
	writes WriteQueue
	jwt    *JWTManager
	logger *zap.Logger
	now    func() time.Time
}

func NewService(q db.Querier, writes WriteQueue, jwtManager *JWTManager, logger *zap.Logger) *Service {
	return &Service{
		db:     q,
		writes: writes,
		jwt:    jwtManager,
		logger: logger,
		now:    time.Now,
	}
}

// JWT exposes the token manager.
func (s *Service) JWT() *JWTManager { return s.jwt }

// AuthenticateSession validates a session token and resolves the profile.
func (s *Service) AuthenticateSession(ctx context.Context, token string) (*UserContext, error) {
	claims, err := s.jwt.ValidateAccessToken(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	userID := uuid.MustParse(claims.Subject)

	profile, err := s.LoadProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &UserContext{
		UserID:    profile.ID,
		Email:     profile.Email,
		FullName:  profile.FullName,
		Role:      profile.Role,
		Scopes:    ScopesForRole(profile.Role),
		TokenType: TokenTypeSession,
	}, nil
}

// LoadProfile fetches an active profile.
func (s *Service) LoadProfile(ctx context.Context, userID uuid.UUID) (*db.UserProfile, error) {
	var profile db.UserProfile
	err := s.db.GetContext(ctx, &profile, `
		SELECT id, email, full_name, role, phone, is_active, created_at, updated_at
		FROM user_profiles
		WHERE id = $1`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to load user profile: %w", err)
	}
	if !profile.IsActive {
		return nil, ErrInactiveUser
	}
	if !ValidRole(profile.Role) {
		return nil, fmt.Errorf("unknown role %q for user %s", profile.Role, userID)
	}
	return &profile, nil
}

// ValidateAPIKey resolves an API key to its owner.
func (s *Service) ValidateAPIKey(ctx context.Context, apiKey string) (*UserContext, error) {
	if !strings.HasPrefix(apiKey, APIKeyPrefix) || len(apiKey) < 8 {
		return nil, ErrInvalidCredentials
	}
	keyHash := hashToken(apiKey)

	var keys []db.APIKey
	err := s.db.SelectContext(ctx, &keys, `
		SELECT id, user_id, key_hash, key_prefix, name, scopes, last_used, expires_at, is_active, created_at
		FROM api_keys
		WHERE key_prefix = $1 AND is_active = true`, apiKey[:8])
	if err != nil {
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}

	var key *db.APIKey
	for i := range keys {
		if compareTokenHash(keys[i].KeyHash, keyHash) {
			key = &keys[i]
			break
		}
	}
	if key == nil {
		return nil, ErrInvalidCredentials
	}

	now := s.now()
	if key.ExpiresAt != nil && key.ExpiresAt.Before(now) {
		return nil, ErrKeyExpired
	}

	profile, err := s.LoadProfile(ctx, key.UserID)
	if err != nil {
		return nil, err
	}

	if s.writes != nil {
		s.writes.QueueWrite(db.WriteTypeAPIKeyUsage, &db.APIKeyUsage{KeyID: key.ID, UsedAt: now}, nil)
	}

	keyID := key.ID
	scopes := []string(key.Scopes)
	if len(scopes) == 0 {
		scopes = ScopesForRole(profile.Role)
	}
	return &UserContext{
		UserID:    profile.ID,
		Email:     profile.Email,
		FullName:  profile.FullName,
		Role:      profile.Role,
		Scopes:    limitScopes(scopes, ScopesForRole(profile.Role)),
		IsAPIKey:  true,
		TokenType: TokenTypeAPIKey,
		APIKeyID:  &keyID,
	}, nil
}

// CreateAPIKey stores a new key and returns its plaintext exactly once.
func (s *Service) CreateAPIKey(ctx context.Context, userID uuid.UUID, name string, scopes []string, expiresAt *time.Time) (string, *db.APIKey, error) {
	if strings.TrimSpace(name) == "" {
		return "", nil, fmt.Errorf("api key name is required")
	}
	for _, scope := range scopes {
		if !ValidScope(scope) {
			return "", nil, fmt.Errorf("%w: %q", ErrUnknownScope, scope)
		}
	}
	if _, err := s.LoadProfile(ctx, userID); err != nil {
		return "", nil, err
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, fmt.Errorf("failed to generate api key: %w", err)
	}
	plaintext := APIKeyPrefix + hex.EncodeToString(b)

	key := &db.APIKey{
		ID:        uuid.New(),
		UserID:    userID,
		KeyHash:   hashToken(plaintext),
		KeyPrefix: plaintext[:8],
		Name:      name,
		Scopes:    pq.StringArray(scopes),
		ExpiresAt: expiresAt,
		IsActive:  true,
		CreatedAt: s.now(),
	}
	if key.Scopes == nil {
		key.Scopes = pq.StringArray{}
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO api_keys (id, user_id, key_hash, key_prefix, name, scopes, expires_at, is_active, created_at)
		VALUES (:id, :user_id, :key_hash, :key_prefix, :name, :scopes, :expires_at, :is_active, :created_at)`, key)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create api key: %w", err)
	}

	s.Audit(&UserContext{UserID: userID}, "api_key.created", "api_key", key.ID.String(), "", map[string]interface{}{"name": name})
	return plaintext, key, nil
}

// RevokeAPIKey deactivates one of the caller's keys.
func (s *Service) RevokeAPIKey(ctx context.Context, userID, keyID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET is_active = false WHERE id = $1 AND user_id = $2 AND is_active = true`, keyID, userID)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return db.ErrNotFound
	}
	s.Audit(&UserContext{UserID: userID}, "api_key.revoked", "api_key", keyID.String(), "", nil)
	return nil
}

// Audit queues an audit log entry.
func (s *Service) Audit(user *UserContext, action, entityType, entityID, ip string, details map[string]interface{}) {
	if s.writes == nil {
		return
	}
	entry := &db.AuditLog{
		ID:         uuid.New(),
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		IPAddress:  ip,
		Details:    db.JSONB(details),
		CreatedAt:  s.now(),
	}
	if user != nil {
		id := user.UserID
		entry.UserID = &id
	}
	s.writes.QueueWrite(db.WriteTypeAuditLog, entry, func(err error) {
		if err != nil {
			s.logger.Warn("Failed to write audit log", zap.String("action", action), zap.Error(err))
		}
	})
}

// limitScopes drops key scopes above what the owner's role grants.
func limitScopes(requested, allowed []string) []string {
	out := make([]string, 0, len(requested))
	for _, r := range requested {
		for _, a := range allowed {
			if r == a {
				out = append(out, r)
				break
			}
		}
	}
	return out
}
