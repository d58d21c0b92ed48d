// Package scheduler runs the periodic maintenance jobs: OAuth token
// refresh, Graph subscription renewal and webhook log retention.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/ledgerline/opshub/internal/db"
	"github.com/ledgerline/opshub/internal/integrations/graph"
	"github.com/ledgerline/opshub/internal/metrics"
	"github.com/ledgerline/opshub/internal/oauth"
)

// Job names, also used as the metric label.
const (
	JobTokenRefresh        = "oauth_token_refresh"
	JobSubscriptionRenewal = "graph_subscription_renewal"
	JobWebhookPurge        = "webhook_log_purge"
)

const (
	tokenRefreshWindow  = 5 * time.Minute
	subscriptionWindow  = 24 * time.Hour
	defaultJobTimeout   = 5 * time.Minute
	defaultRetentionDay = 30
)

// TokenRefresher renews OAuth tokens close to expiry.
type TokenRefresher interface {
	RefreshExpiring(ctx context.Context, within time.Duration) (int, error)
}

// TokenSourcer hands out per-user OAuth token sources.
type TokenSourcer interface {
	TokenSource(ctx context.Context, userID uuid.UUID, provider string) (oauth2.TokenSource, error)
}

// SubscriptionRenewer extends Graph change-notification subscriptions.
type SubscriptionRenewer interface {
	RenewSubscription(ctx context.Context, ts oauth2.TokenSource, id string, expires time.Time) (*graph.Subscription, error)
}

// Config holds the cron specs. Empty specs use the defaults.
type Config struct {
	TokenRefreshSpec        string
	SubscriptionRenewalSpec string
	PurgeSpec               string
	RetentionDays           int
	JobTimeout              time.Duration
}

func (c *Config) applyDefaults() {
	if c.TokenRefreshSpec == "" {
		c.TokenRefreshSpec = "* * * * *"
	}
	if c.SubscriptionRenewalSpec == "" {
		c.SubscriptionRenewalSpec = "0 */6 * * *"
	}
	if c.PurgeSpec == "" {
		c.PurgeSpec = "0 3 * * *"
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = defaultRetentionDay
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaultJobTimeout
	}
}

// Scheduler owns the cron runner and the collaborators its jobs use.
// Collaborators left nil skip their job.
type Scheduler struct {
	cfg    Config
	db     db.Querier
	tokens TokenRefresher
	source TokenSourcer
	graph  SubscriptionRenewer
	logger *zap.Logger
	now    func() time.Time

	cron    *cron.Cron
	mu      sync.Mutex
	started bool
}

// New registers the jobs without starting them.
func New(cfg Config, q db.Querier, tokens TokenRefresher, source TokenSourcer, renewer SubscriptionRenewer, logger *zap.Logger) (*Scheduler, error) {
	cfg.applyDefaults()
	s := &Scheduler{
		cfg:    cfg,
		db:     q,
		tokens: tokens,
		source: source,
		graph:  renewer,
		logger: logger,
		now:    time.Now,
		cron: cron.New(
			cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
			cron.WithLocation(time.UTC),
		),
	}

	jobs := []struct {
		name string
		spec string
		fn   func(context.Context) error
		skip bool
	}{
		{JobTokenRefresh, cfg.TokenRefreshSpec, s.RefreshTokens, tokens == nil},
		{JobSubscriptionRenewal, cfg.SubscriptionRenewalSpec, s.RenewSubscriptions, renewer == nil || source == nil},
		{JobWebhookPurge, cfg.PurgeSpec, s.PurgeWebhookLogs, q == nil},
	}
	for _, j := range jobs {
		if j.skip {
			logger.Info("Scheduled job disabled", zap.String("job", j.name))
			continue
		}
		name, fn := j.name, j.fn
		if _, err := s.cron.AddFunc(j.spec, func() { s.Run(name, fn) }); err != nil {
			return nil, fmt.Errorf("invalid schedule %q for %s: %w", j.spec, j.name, err)
		}
	}
	return s, nil
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	s.logger.Info("Scheduler started", zap.Int("jobs", len(s.cron.Entries())))
}

// Stop waits for running jobs or until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	done := s.cron.Stop().Done()
	select {
	case <-done:
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop interrupted: %w", ctx.Err())
	}
}

// Run executes one job with a timeout, recovering panics so a broken job
// never takes the cron runner down.
func (s *Scheduler) Run(name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job %s panicked: %v", name, r)
			}
		}()
		return fn(ctx)
	}()
	metrics.RecordSchedulerRun(name, err)
	if err != nil {
		s.logger.Error("Scheduled job failed", zap.String("job", name), zap.Error(err))
		return
	}
	s.logger.Debug("Scheduled job finished", zap.String("job", name), zap.Duration("duration", time.Since(start)))
}

// RefreshTokens renews OAuth tokens expiring within five minutes.
func (s *Scheduler) RefreshTokens(ctx context.Context) error {
	n, err := s.tokens.RefreshExpiring(ctx, tokenRefreshWindow)
	if n > 0 {
		s.logger.Info("Refreshed OAuth tokens", zap.Int("count", n))
	}
	return err
}

// RenewSubscriptions extends Graph subscriptions expiring within a day.
// Subscriptions whose owner disconnected Microsoft are removed.
func (s *Scheduler) RenewSubscriptions(ctx context.Context) error {
	now := s.now()
	subs, err := db.ListExpiringSubscriptions(ctx, s.db, now.Add(subscriptionWindow))
	if err != nil {
		return err
	}
	var errs []error
	renewed := 0
	for i := range subs {
		sub := subs[i]
		ts, err := s.source.TokenSource(ctx, sub.UserID, oauth.ProviderMicrosoft)
		if errors.Is(err, oauth.ErrNotConnected) {
			if err := db.DeleteGraphSubscription(ctx, s.db, sub.SubscriptionID); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("token for subscription %s: %w", sub.SubscriptionID, err))
			continue
		}
		updated, err := s.graph.RenewSubscription(ctx, ts, sub.SubscriptionID, now.Add(graph.MaxSubscriptionLifetime))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		sub.ExpiresAt = updated.ExpirationDateTime
		if err := db.SaveGraphSubscription(ctx, s.db, &sub); err != nil {
			errs = append(errs, err)
			continue
		}
		renewed++
	}
	s.logger.Info("Graph subscriptions renewed",
		zap.Int("due", len(subs)),
		zap.Int("renewed", renewed),
		zap.Int("failed", len(errs)),
	)
	return errors.Join(errs...)
}

// PurgeWebhookLogs deletes webhook logs past the retention window.
func (s *Scheduler) PurgeWebhookLogs(ctx context.Context) error {
	cutoff := s.now().AddDate(0, 0, -s.cfg.RetentionDays)
	n, err := db.PurgeWebhookLogs(ctx, s.db, cutoff)
	if err != nil {
		return err
	}
	s.logger.Info("Purged webhook logs", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
	return nil
}
