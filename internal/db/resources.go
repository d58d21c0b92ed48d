package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

const (
	clientColumns = `id, name, email, phone, company, email_domain, status, notes, owner_id,
	created_at, updated_at, deleted_at`
	smsColumns         = `id, direction, from_number, to_number, body, provider_sid, status, client_id, user_id, created_at`
	fileColumns        = `id, owner_id, client_id, name, content_type, size_bytes, storage_key, sha256, created_at, deleted_at`
	chatMessageColumns = `id, channel_id, user_id, body, created_at`
)

// Client statuses.
const (
	ClientActive   = "active"
	ClientProspect = "prospect"
	ClientInactive = "inactive"
)

func ValidClientStatus(s string) bool {
	switch s {
	case ClientActive, ClientProspect, ClientInactive:
		return true
	}
	return false
}

func ClientColumns() string      { return clientColumns }
func SMSColumns() string         { return smsColumns }
func FileColumns() string        { return fileColumns }
func ChatMessageColumns() string { return chatMessageColumns }

// GetClient loads a client that has not been soft-deleted.
func GetClient(ctx context.Context, q Querier, id uuid.UUID) (*ClientRecord, error) {
	var c ClientRecord
	if err := q.GetContext(ctx, &c,
		`SELECT `+clientColumns+` FROM clients WHERE id = $1 AND deleted_at IS NULL`, id); err != nil {
		return nil, NotFound(err)
	}
	return &c, nil
}

// GetFile loads a live file row.
func GetFile(ctx context.Context, q Querier, id uuid.UUID) (*File, error) {
	var f File
	if err := q.GetContext(ctx, &f,
		`SELECT `+fileColumns+` FROM files WHERE id = $1 AND deleted_at IS NULL`, id); err != nil {
		return nil, NotFound(err)
	}
	return &f, nil
}

// InsertFile records an uploaded blob.
func InsertFile(ctx context.Context, q Querier, f *File) error {
	err := q.QueryRowxContext(ctx, `
		INSERT INTO files (owner_id, client_id, name, content_type, size_bytes, storage_key, sha256)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		f.OwnerID, f.ClientID, f.Name, f.ContentType, f.SizeBytes, f.StorageKey, f.SHA256,
	).Scan(&f.ID, &f.CreatedAt)
	if err != nil {
		if IsForeignKeyViolation(err) {
			return fmt.Errorf("failed to record file: %w", ErrConflict)
		}
		return fmt.Errorf("failed to record file: %w", err)
	}
	return nil
}

// LockBlob takes a transaction-scoped advisory lock on a storage key. Uploads
// and deletes that share a blob serialize on it, so a delete cannot remove
// a blob that a concurrent upload has just referenced.
func LockBlob(ctx context.Context, tx Querier, storageKey string) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, storageKey); err != nil {
		return fmt.Errorf("failed to lock blob: %w", err)
	}
	return nil
}

// SoftDeleteFile marks a file deleted and reports whether other live rows
// still reference its blob.
func SoftDeleteFile(ctx context.Context, q Querier, f *File) (blobShared bool, err error) {
	res, err := q.ExecContext(ctx,
		`UPDATE files SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, f.ID)
	if err != nil {
		return false, fmt.Errorf("failed to delete file: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, ErrNotFound
	}
	var refs int
	if err := q.GetContext(ctx, &refs,
		`SELECT COUNT(*) FROM files WHERE storage_key = $1 AND deleted_at IS NULL`, f.StorageKey); err != nil {
		return false, fmt.Errorf("failed to count blob references: %w", err)
	}
	return refs > 0, nil
}

// GetChatChannel loads a channel by id.
func GetChatChannel(ctx context.Context, q Querier, id uuid.UUID) (*ChatChannel, error) {
	var ch ChatChannel
	if err := q.GetContext(ctx, &ch,
		`SELECT id, name, created_by, created_at FROM chat_channels WHERE id = $1`, id); err != nil {
		return nil, NotFound(err)
	}
	return &ch, nil
}

// InsertChatMessage stores a chat message.
func InsertChatMessage(ctx context.Context, q Querier, msg *ChatMessage) error {
	err := q.QueryRowxContext(ctx, `
		INSERT INTO chat_messages (channel_id, user_id, body)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`,
		msg.ChannelID, msg.UserID, msg.Body,
	).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		if IsForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to insert chat message: %w", err)
	}
	return nil
}

// ListUserSettings returns every setting stored for a user.
func ListUserSettings(ctx context.Context, q Querier, userID uuid.UUID) ([]UserSetting, error) {
	settings := []UserSetting{}
	if err := q.SelectContext(ctx, &settings,
		`SELECT user_id, key, value, updated_at FROM user_settings WHERE user_id = $1 ORDER BY key`, userID); err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	return settings, nil
}

// PutUserSetting upserts one setting.
func PutUserSetting(ctx context.Context, q Querier, s *UserSetting) error {
	err := q.QueryRowxContext(ctx, `
		INSERT INTO user_settings (user_id, key, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
		RETURNING updated_at`,
		s.UserID, s.Key, s.Value,
	).Scan(&s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save setting: %w", err)
	}
	return nil
}
