package db

import (
	"context"
	"fmt"
	"time"
)

// InsertWebhookLog stores a raw inbound payload before any parsing happens.
func InsertWebhookLog(ctx context.Context, q Querier, log *WebhookLog) error {
	if log.Status == "" {
		log.Status = WebhookReceived
	}
	if log.Headers == nil {
		log.Headers = JSONB{}
	}
	err := q.QueryRowxContext(ctx, `
		INSERT INTO webhook_logs (source, event_type, external_id, payload, headers, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, received_at`,
		log.Source, log.EventType, log.ExternalID, log.Payload, log.Headers, log.Status,
	).Scan(&log.ID, &log.ReceivedAt)
	if err != nil {
		return fmt.Errorf("failed to insert webhook log: %w", err)
	}
	return nil
}

// MarkWebhookLog records the processing outcome for a log row.
func MarkWebhookLog(ctx context.Context, q Querier, id, status string, cause error) error {
	var errText *string
	if cause != nil {
		s := cause.Error()
		errText = &s
	}
	res, err := q.ExecContext(ctx, `
		UPDATE webhook_logs SET status = $2, error = $3, processed_at = NOW()
		WHERE id = $1`, id, status, errText)
	if err != nil {
		return fmt.Errorf("failed to update webhook log: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeWebhookLogs deletes log rows received before cutoff.
func PurgeWebhookLogs(ctx context.Context, q Querier, cutoff time.Time) (int64, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM webhook_logs WHERE received_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge webhook logs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GetGraphSubscription looks a change-notification subscription up by the
// id Graph sends in each notification.
func GetGraphSubscription(ctx context.Context, q Querier, subscriptionID string) (*GraphSubscription, error) {
	var sub GraphSubscription
	err := q.GetContext(ctx, &sub, `
		SELECT id, user_id, subscription_id, resource, client_state, expires_at, created_at
		FROM graph_subscriptions WHERE subscription_id = $1`, subscriptionID)
	if err != nil {
		return nil, NotFound(err)
	}
	return &sub, nil
}

// SaveGraphSubscription inserts or refreshes a subscription row.
func SaveGraphSubscription(ctx context.Context, q Querier, sub *GraphSubscription) error {
	err := q.QueryRowxContext(ctx, `
		INSERT INTO graph_subscriptions (user_id, subscription_id, resource, client_state, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (subscription_id) DO UPDATE SET
			expires_at = EXCLUDED.expires_at,
			client_state = EXCLUDED.client_state
		RETURNING id, created_at`,
		sub.UserID, sub.SubscriptionID, sub.Resource, sub.ClientState, sub.ExpiresAt,
	).Scan(&sub.ID, &sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save graph subscription: %w", err)
	}
	return nil
}

// ListExpiringSubscriptions returns subscriptions that expire before cutoff.
func ListExpiringSubscriptions(ctx context.Context, q Querier, cutoff time.Time) ([]GraphSubscription, error) {
	var subs []GraphSubscription
	err := q.SelectContext(ctx, &subs, `
		SELECT id, user_id, subscription_id, resource, client_state, expires_at, created_at
		FROM graph_subscriptions WHERE expires_at < $1 ORDER BY expires_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring subscriptions: %w", err)
	}
	return subs, nil
}

// DeleteGraphSubscription removes a subscription Graph no longer knows about.
func DeleteGraphSubscription(ctx context.Context, q Querier, subscriptionID string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM graph_subscriptions WHERE subscription_id = $1`, subscriptionID)
	if err != nil {
		return fmt.Errorf("failed to delete graph subscription: %w", err)
	}
	return nil
}
