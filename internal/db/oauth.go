package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const oauthTokenColumns = `id, user_id, provider, access_token, refresh_token, token_type, expires_at,
	scopes, account_email, created_at, updated_at`

// SaveOAuthToken upserts the encrypted token pair for (user, provider). An
// empty refresh token, scope or account keeps the stored value, since
// providers often omit them on refresh.
func SaveOAuthToken(ctx context.Context, q Querier, t *OAuthToken) error {
	err := q.QueryRowxContext(ctx, `
		INSERT INTO oauth_tokens (user_id, provider, access_token, refresh_token, token_type, expires_at, scopes, account_email)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			access_token  = EXCLUDED.access_token,
			refresh_token = COALESCE(NULLIF(EXCLUDED.refresh_token, ''), oauth_tokens.refresh_token),
			token_type    = EXCLUDED.token_type,
			expires_at    = EXCLUDED.expires_at,
			scopes        = COALESCE(NULLIF(EXCLUDED.scopes, ''), oauth_tokens.scopes),
			account_email = COALESCE(NULLIF(EXCLUDED.account_email, ''), oauth_tokens.account_email),
			updated_at    = NOW()
		RETURNING id, created_at, updated_at`,
		t.UserID, t.Provider, t.AccessToken, t.RefreshToken, t.TokenType, t.ExpiresAt, t.Scopes, t.AccountEmail,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save oauth token: %w", err)
	}
	return nil
}

// GetOAuthToken returns ErrNotFound when the user has not connected provider.
func GetOAuthToken(ctx context.Context, q Querier, userID uuid.UUID, provider string) (*OAuthToken, error) {
	var t OAuthToken
	err := q.GetContext(ctx, &t, `SELECT `+oauthTokenColumns+` FROM oauth_tokens WHERE user_id = $1 AND provider = $2`, userID, provider)
	if err != nil {
		return nil, NotFound(err)
	}
	return &t, nil
}

func ListOAuthTokens(ctx context.Context, q Querier, userID uuid.UUID) ([]OAuthToken, error) {
	var out []OAuthToken
	if err := q.SelectContext(ctx, &out, `SELECT `+oauthTokenColumns+` FROM oauth_tokens WHERE user_id = $1 ORDER BY provider`, userID); err != nil {
		return nil, fmt.Errorf("failed to list oauth tokens: %w", err)
	}
	return out, nil
}

// ListExpiringOAuthTokens returns refreshable tokens expiring before cutoff.
func ListExpiringOAuthTokens(ctx context.Context, q Querier, cutoff time.Time) ([]OAuthToken, error) {
	var out []OAuthToken
	err := q.SelectContext(ctx, &out, `
		SELECT `+oauthTokenColumns+`
		FROM oauth_tokens
		WHERE refresh_token <> '' AND expires_at IS NOT NULL AND expires_at < $1
		ORDER BY expires_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring oauth tokens: %w", err)
	}
	return out, nil
}

func DeleteOAuthToken(ctx context.Context, q Querier, userID uuid.UUID, provider string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE user_id = $1 AND provider = $2`, userID, provider)
	if err != nil {
		return fmt.Errorf("failed to delete oauth token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
