// Package oauth runs the authorization-code flows for the connected
// integrations and hands out refreshing token sources.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/ledgerline/opshub/internal/db"
	"github.com/ledgerline/opshub/internal/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	stateKeyPrefix = "opshub:oauth:state:"
	// StateTTL bounds how long a user may take on the consent screen.
	StateTTL = 10 * time.Minute
)

var (
	ErrInvalidState    = errors.New("invalid or expired oauth state")
	ErrNotConnected    = errors.New("integration not connected")
	ErrUnknownProvider = errors.New("unknown oauth provider")
)

type pendingFlow struct {
	UserID   uuid.UUID `json:"user_id"`
	Provider string    `json:"provider"`
	Verifier string    `json:"verifier"`
	Created  time.Time `json:"created"`
}

// Connection describes a user's link to one provider.
type Connection struct {
	Provider     string     `json:"provider"`
	Connected    bool       `json:"connected"`
	AccountEmail string     `json:"account_email,omitempty"`
	Scopes       string     `json:"scopes,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
}

// Service stores flow state in Redis and encrypted tokens in Postgres.
type Service struct {
	providers map[string]Provider
	redis     redis.Cmdable
	db        db.Querier
	cipher    *Cipher
	logger    *zap.Logger

	// httpClient is used for token endpoint calls when set.
	httpClient *http.Client
	now        func() time.Time

	// serializes refreshes per (user, provider)
	refreshMu sync.Map
}

func NewService(q db.Querier, rdb redis.Cmdable, cipher *Cipher, logger *zap.Logger, providers ...Provider) *Service {
	s := &Service{
		providers: make(map[string]Provider, len(providers)),
		redis:     rdb,
		db:        q,
		cipher:    cipher,
		logger:    logger,
		now:       time.Now,
	}
	for _, p := range providers {
		s.providers[p.Name] = p
	}
	return s
}

// WithHTTPClient sets the client used to reach token endpoints.
func (s *Service) WithHTTPClient(c *http.Client) *Service {
	s.httpClient = c
	return s
}

// Providers lists configured provider names.
func (s *Service) Providers() []string {
	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Service) provider(name string) (Provider, error) {
	p, ok := s.providers[name]
	if !ok {
		return Provider{}, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

func (s *Service) oauthContext(ctx context.Context) context.Context {
	if s.httpClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	}
	return ctx
}

// StartFlow records a single-use state with a PKCE verifier and returns the
// provider's authorization URL.
func (s *Service) StartFlow(ctx context.Context, userID uuid.UUID, providerName string) (string, error) {
	p, err := s.provider(providerName)
	if err != nil {
		return "", err
	}

	state, err := randomState()
	if err != nil {
		return "", err
	}
	flow := pendingFlow{
		UserID:   userID,
		Provider: p.Name,
		Verifier: oauth2.GenerateVerifier(),
		Created:  s.now(),
	}
	data, err := json.Marshal(flow)
	if err != nil {
		return "", err
	}
	if err := s.redis.Set(ctx, stateKeyPrefix+state, data, StateTTL).Err(); err != nil {
		return "", fmt.Errorf("failed to store oauth state: %w", err)
	}

	opts := append([]oauth2.AuthCodeOption{oauth2.S256ChallengeOption(flow.Verifier)}, p.AuthOptions...)
	s.logger.Info("OAuth flow started", zap.String("provider", p.Name), zap.String("user_id", userID.String()))
	return p.Config.AuthCodeURL(state, opts...), nil
}

// HandleCallback consumes state, exchanges code and stores the tokens.
func (s *Service) HandleCallback(ctx context.Context, providerName, state, code string) (uuid.UUID, *Connection, error) {
	p, err := s.provider(providerName)
	if err != nil {
		return uuid.Nil, nil, err
	}
	if state == "" || code == "" {
		return uuid.Nil, nil, ErrInvalidState
	}

	data, err := s.redis.GetDel(ctx, stateKeyPrefix+state).Bytes()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, nil, ErrInvalidState
	}
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("failed to load oauth state: %w", err)
	}
	var flow pendingFlow
	if err := json.Unmarshal(data, &flow); err != nil || flow.Provider != p.Name {
		return uuid.Nil, nil, ErrInvalidState
	}

	tok, err := p.Config.Exchange(s.oauthContext(ctx), code, oauth2.VerifierOption(flow.Verifier))
	if err != nil {
		return flow.UserID, nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	row, err := s.save(ctx, flow.UserID, p.Name, tok)
	if err != nil {
		return flow.UserID, nil, err
	}
	s.logger.Info("OAuth provider connected",
		zap.String("provider", p.Name),
		zap.String("user_id", flow.UserID.String()),
	)
	return flow.UserID, connectionFromRow(row), nil
}

// TokenSource returns a source that refreshes through the provider and
// persists rotated tokens.
func (s *Service) TokenSource(ctx context.Context, userID uuid.UUID, providerName string) (oauth2.TokenSource, error) {
	p, err := s.provider(providerName)
	if err != nil {
		return nil, err
	}
	tok, err := s.load(ctx, userID, providerName)
	if err != nil {
		return nil, err
	}
	base := p.Config.TokenSource(s.oauthContext(ctx), tok)
	return oauth2.ReuseTokenSource(tok, &persistingSource{
		svc:      s,
		userID:   userID,
		provider: providerName,
		base:     base,
		last:     tok.AccessToken,
	}), nil
}

// RefreshExpiring refreshes every stored token expiring within the window.
func (s *Service) RefreshExpiring(ctx context.Context, within time.Duration) (int, error) {
	rows, err := db.ListExpiringOAuthTokens(ctx, s.db, s.now().Add(within))
	if err != nil {
		return 0, err
	}

	var (
		refreshed int
		errs      []error
	)
	for _, row := range rows {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := s.refresh(ctx, row); err != nil {
			s.logger.Warn("OAuth refresh failed",
				zap.String("provider", row.Provider),
				zap.String("user_id", row.UserID.String()),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s/%s: %w", row.Provider, row.UserID, err))
			continue
		}
		refreshed++
	}
	return refreshed, errors.Join(errs...)
}

func (s *Service) refresh(ctx context.Context, row db.OAuthToken) error {
	p, err := s.provider(row.Provider)
	if err != nil {
		return err
	}
	unlock := s.lock(row.UserID, row.Provider)
	defer unlock()

	refreshToken, err := s.cipher.Decrypt(row.RefreshToken)
	if err != nil {
		return err
	}
	// An empty access token forces the refresh grant.
	tok, err := p.Config.TokenSource(s.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	metrics.RecordOAuthRefresh(row.Provider, err)
	if err != nil {
		return fmt.Errorf("refresh grant: %w", err)
	}
	_, err = s.save(ctx, row.UserID, row.Provider, tok)
	return err
}

// Status reports the connection state of every configured provider.
func (s *Service) Status(ctx context.Context, userID uuid.UUID) ([]Connection, error) {
	rows, err := db.ListOAuthTokens(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	byProvider := make(map[string]db.OAuthToken, len(rows))
	for _, r := range rows {
		byProvider[r.Provider] = r
	}

	out := make([]Connection, 0, len(s.providers))
	for _, name := range s.Providers() {
		if row, ok := byProvider[name]; ok {
			out = append(out, *connectionFromRow(&row))
			continue
		}
		out = append(out, Connection{Provider: name})
	}
	return out, nil
}

// Disconnect forgets the user's tokens for provider.
func (s *Service) Disconnect(ctx context.Context, userID uuid.UUID, providerName string) error {
	if _, err := s.provider(providerName); err != nil {
		return err
	}
	if err := db.DeleteOAuthToken(ctx, s.db, userID, providerName); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return ErrNotConnected
		}
		return err
	}
	s.logger.Info("OAuth provider disconnected", zap.String("provider", providerName), zap.String("user_id", userID.String()))
	return nil
}

func (s *Service) load(ctx context.Context, userID uuid.UUID, provider string) (*oauth2.Token, error) {
	row, err := db.GetOAuthToken(ctx, s.db, userID, provider)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotConnected
	}
	if err != nil {
		return nil, err
	}
	access, err := s.cipher.Decrypt(row.AccessToken)
	if err != nil {
		return nil, err
	}
	refresh, err := s.cipher.Decrypt(row.RefreshToken)
	if err != nil {
		return nil, err
	}
	tok := &oauth2.Token{AccessToken: access, RefreshToken: refresh, TokenType: row.TokenType}
	if row.ExpiresAt != nil {
		tok.Expiry = *row.ExpiresAt
	}
	return tok, nil
}

func (s *Service) save(ctx context.Context, userID uuid.UUID, provider string, tok *oauth2.Token) (*db.OAuthToken, error) {
	access, err := s.cipher.Encrypt(tok.AccessToken)
	if err != nil {
		return nil, err
	}
	refresh, err := s.cipher.Encrypt(tok.RefreshToken)
	if err != nil {
		return nil, err
	}
	row := &db.OAuthToken{
		UserID:       userID,
		Provider:     provider,
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    tok.Type(),
		AccountEmail: accountEmail(tok),
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		row.Scopes = scope
	}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry
		row.ExpiresAt = &exp
	}
	if err := db.SaveOAuthToken(ctx, s.db, row); err != nil {
		return nil, err
	}
	return row, nil
}

func (s *Service) lock(userID uuid.UUID, provider string) func() {
	v, _ := s.refreshMu.LoadOrStore(userID.String()+"/"+provider, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// persistingSource stores the token whenever the wrapped source rotates it.
type persistingSource struct {
	svc      *Service
	userID   uuid.UUID
	provider string
	base     oauth2.TokenSource

	mu   sync.Mutex
	last string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		metrics.RecordOAuthRefresh(p.provider, err)
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if tok.AccessToken == p.last {
		return tok, nil
	}
	p.last = tok.AccessToken
	metrics.RecordOAuthRefresh(p.provider, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := p.svc.save(ctx, p.userID, p.provider, tok); err != nil {
		p.svc.logger.Error("Failed to persist refreshed token", zap.String("provider", p.provider), zap.Error(err))
	}
	return tok, nil
}

func connectionFromRow(row *db.OAuthToken) *Connection {
	c := &Connection{
		Provider:     row.Provider,
		Connected:    true,
		AccountEmail: row.AccountEmail,
		Scopes:       row.Scopes,
		ExpiresAt:    row.ExpiresAt,
	}
	if !row.UpdatedAt.IsZero() {
		updated := row.UpdatedAt
		c.UpdatedAt = &updated
	}
	return c
}

// accountEmail reads the account from an id_token returned alongside the
// access token. The signature is not checked.
func accountEmail(tok *oauth2.Token) string {
	raw, ok := tok.Extra("id_token").(string)
	if !ok || raw == "" {
		return ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return ""
	}
	for _, key := range []string{"email", "preferred_username", "upn"} {
		if v, ok := claims[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func randomState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
