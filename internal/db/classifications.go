package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const classificationColumns = `id, user_id, graph_message_id, subject, from_address, from_name,
	received_at, body_preview, category, priority, summary, confidence, client_id, match_reason,
	status, reviewed_by, reviewed_at, created_at`

// ClassificationColumns is the column list matching EmailClassification.
func ClassificationColumns() string { return classificationColumns }

// SaveClassification stores a classification and its action items in one
// transaction. A message already classified for the user is left untouched
// and created=false is returned with the stored id.
func SaveClassification(ctx context.Context, db DB, c *EmailClassification) (created bool, err error) {
	if c.Status == "" {
		c.Status = ClassificationPending
	}
	err = WithTx(ctx, db, func(tx *sqlx.Tx) error {
		row := tx.QueryRowxContext(ctx, `
			INSERT INTO email_classifications (
				user_id, graph_message_id, subject, from_address, from_name, received_at,
				body_preview, category, priority, summary, confidence, client_id, match_reason, status
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (user_id, graph_message_id) DO NOTHING
			RETURNING id, created_at`,
			c.UserID, c.GraphMessageID, c.Subject, c.FromAddress, c.FromName, c.ReceivedAt,
			c.BodyPreview, c.Category, c.Priority, c.Summary, c.Confidence, c.ClientID, c.MatchReason, c.Status,
		)
		if scanErr := row.Scan(&c.ID, &c.CreatedAt); scanErr != nil {
			if !errors.Is(scanErr, sql.ErrNoRows) {
				return fmt.Errorf("failed to insert classification: %w", scanErr)
			}
			return tx.GetContext(ctx, &c.ID,
				`SELECT id FROM email_classifications WHERE user_id = $1 AND graph_message_id = $2`,
				c.UserID, c.GraphMessageID)
		}

		created = true
		for i := range c.ActionItems {
			item := &c.ActionItems[i]
			item.ClassificationID = c.ID
			if !ValidPriority(item.Priority) {
				item.Priority = PriorityMedium
			}
			if err := tx.QueryRowxContext(ctx, `
				INSERT INTO email_action_items (classification_id, title, description, due_date, priority)
				VALUES ($1, $2, $3, $4, $5)
				RETURNING id, created_at`,
				item.ClassificationID, item.Title, item.Description, item.DueDate, item.Priority,
			).Scan(&item.ID, &item.CreatedAt); err != nil {
				return fmt.Errorf("failed to insert action item: %w", err)
			}
		}
		return nil
	})
	return created, err
}

// GetClassification loads a classification with its action items.
func GetClassification(ctx context.Context, q Querier, id string) (*EmailClassification, error) {
	var c EmailClassification
	if err := q.GetContext(ctx, &c,
		`SELECT `+classificationColumns+` FROM email_classifications WHERE id = $1`, id); err != nil {
		return nil, NotFound(err)
	}
	items, err := ListActionItems(ctx, q, id)
	if err != nil {
		return nil, err
	}
	c.ActionItems = items
	return &c, nil
}

// ListActionItems returns a classification's action items in creation order.
func ListActionItems(ctx context.Context, q Querier, classificationID string) ([]EmailActionItem, error) {
	items := []EmailActionItem{}
	err := q.SelectContext(ctx, &items, `
		SELECT id, classification_id, title, description, due_date, priority, task_id, created_at
		FROM email_action_items WHERE classification_id = $1 ORDER BY created_at, id`, classificationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list action items: %w", err)
	}
	return items, nil
}
