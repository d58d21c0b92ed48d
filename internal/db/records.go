package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// InsertSMS stores a message; a repeated provider SID is ignored and
// reported with created=false.
func InsertSMS(ctx context.Context, q Querier, msg *SMSMessage) (created bool, err error) {
	if msg.Status == "" {
		msg.Status = "received"
	}
	err = q.QueryRowxContext(ctx, `
		INSERT INTO sms_messages (direction, from_number, to_number, body, provider_sid, status, client_id, user_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (provider_sid) DO NOTHING
		RETURNING id, created_at`,
		msg.Direction, msg.FromNumber, msg.ToNumber, msg.Body, msg.ProviderSID, msg.Status, msg.ClientID, msg.UserID,
	).Scan(&msg.ID, &msg.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert sms: %w", err)
	}
	return true, nil
}

// SaveAuditLog writes an audit entry.
func SaveAuditLog(ctx context.Context, q Querier, audit *AuditLog) error {
	if audit.ID == uuid.Nil {
		audit.ID = uuid.New()
	}
	if audit.CreatedAt.IsZero() {
		audit.CreatedAt = time.Now()
	}
	if audit.Details == nil {
		audit.Details = JSONB{}
	}
	_, err := q.NamedExecContext(ctx, `
		INSERT INTO audit_logs (id, user_id, action, entity_type, entity_id, ip_address, details, created_at)
		VALUES (:id, :user_id, :action, :entity_type, :entity_id, :ip_address, :details, :created_at)`, audit)
	if err != nil {
		return fmt.Errorf("failed to save audit log: %w", err)
	}
	return nil
}

// ClientContact is the slice of a client row used for matching inbound
// email, calls and SMS to a client.
type ClientContact struct {
	ID          uuid.UUID `db:"id"`
	Name        string    `db:"name"`
	Email       *string   `db:"email"`
	EmailDomain *string   `db:"email_domain"`
	Phone       *string   `db:"phone"`
}

// ListClientContacts returns contact fields for all live clients.
func ListClientContacts(ctx context.Context, q Querier) ([]ClientContact, error) {
	var contacts []ClientContact
	err := q.SelectContext(ctx, &contacts, `
		SELECT id, name, email, email_domain, phone FROM clients
		WHERE deleted_at IS NULL AND status <> 'inactive'
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list client contacts: %w", err)
	}
	return contacts, nil
}

// FindClientByPhone matches on the last ten digits so +1 and formatting
// differences do not matter.
func FindClientByPhone(ctx context.Context, q Querier, phone string) (*uuid.UUID, error) {
	digits := NormalizePhone(phone)
	if len(digits) < 7 {
		return nil, nil
	}
	var id uuid.UUID
	err := q.GetContext(ctx, &id, `
		SELECT id FROM clients
		WHERE deleted_at IS NULL AND right(regexp_replace(phone, '\D', '', 'g'), 10) = $1
		ORDER BY created_at LIMIT 1`, digits)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to match client by phone: %w", err)
	}
	return &id, nil
}

// FindUserByPhone resolves a staff member from their direct line.
func FindUserByPhone(ctx context.Context, q Querier, phone string) (*uuid.UUID, error) {
	digits := NormalizePhone(phone)
	if len(digits) < 7 {
		return nil, nil
	}
	var id uuid.UUID
	err := q.GetContext(ctx, &id, `
		SELECT id FROM user_profiles
		WHERE is_active AND right(regexp_replace(phone, '\D', '', 'g'), 10) = $1
		LIMIT 1`, digits)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to match user by phone: %w", err)
	}
	return &id, nil
}

// NormalizePhone keeps the last ten digits of a phone number.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	d := b.String()
	if len(d) > 10 {
		d = d[len(d)-10:]
	}
	return d
}
