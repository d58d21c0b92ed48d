package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// JSONB represents a PostgreSQL jsonb column holding an object.
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
	return json.Unmarshal(raw, j)
}

// RawJSON is a jsonb column kept as undecoded bytes, used for webhook
// payloads that are stored verbatim.
type RawJSON json.RawMessage

func (r RawJSON) Value() (driver.Value, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return []byte(r), nil
}

func (r *RawJSON) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*r = nil
	case []byte:
		*r = append((*r)[:0], v...)
	case string:
		*r = RawJSON(v)
	default:
		return fmt.Errorf("cannot scan %T into RawJSON", value)
	}
	return nil
}

func (r RawJSON) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

// Task statuses, priorities and sources.
const (
	TaskTodo       = "todo"
	TaskInProgress = "in_progress"
	TaskDone       = "done"
	TaskCancelled  = "cancelled"

	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"

	SourceManual = "manual"
	SourceEmail  = "email"
	SourceCall   = "call"
	SourceSMS    = "sms"
)

// ValidTaskStatus reports whether s is a task status.
func ValidTaskStatus(s string) bool {
	switch s {
	case TaskTodo, TaskInProgress, TaskDone, TaskCancelled:
		return true
	}
	return false
}

// ValidPriority reports whether p is a priority.
func ValidPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type UserProfile struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Email     string    `db:"email" json:"email"`
	FullName  string    `db:"full_name" json:"full_name"`
	Role      string    `db:"role" json:"role"`
	Phone     *string   `db:"phone" json:"phone,omitempty"`
	IsActive  bool      `db:"is_active" json:"is_active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// ClientRecord is a firm client (CRM row).
type ClientRecord struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	Name        string     `db:"name" json:"name"`
	Email       *string    `db:"email" json:"email,omitempty"`
	Phone       *string    `db:"phone" json:"phone,omitempty"`
	Company     *string    `db:"company" json:"company,omitempty"`
	EmailDomain *string    `db:"email_domain" json:"email_domain,omitempty"`
	Status      string     `db:"status" json:"status"`
	Notes       string     `db:"notes" json:"notes"`
	OwnerID     *uuid.UUID `db:"owner_id" json:"owner_id,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
	DeletedAt   *time.Time `db:"deleted_at" json:"-"`
}

type Task struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	Title           string     `db:"title" json:"title"`
	Description     string     `db:"description" json:"description"`
	Status          string     `db:"status" json:"status"`
	Priority        string     `db:"priority" json:"priority"`
	DueDate         *time.Time `db:"due_date" json:"due_date,omitempty"`
	ClientID        *uuid.UUID `db:"client_id" json:"client_id,omitempty"`
	AssigneeID      *uuid.UUID `db:"assignee_id" json:"assignee_id,omitempty"`
	CreatedBy       *uuid.UUID `db:"created_by" json:"created_by,omitempty"`
	SourceType      string     `db:"source_type" json:"source_type"`
	SourceRef       *string    `db:"source_ref" json:"source_ref,omitempty"`
	CalendarEventID *string    `db:"calendar_event_id" json:"calendar_event_id,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
	CompletedAt     *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

type EmailClassification struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	UserID         uuid.UUID  `db:"user_id" json:"user_id"`
	GraphMessageID string     `db:"graph_message_id" json:"graph_message_id"`
	Subject        string     `db:"subject" json:"subject"`
	FromAddress    string     `db:"from_address" json:"from_address"`
	FromName       string     `db:"from_name" json:"from_name"`
	ReceivedAt     *time.Time `db:"received_at" json:"received_at,omitempty"`
	BodyPreview    string     `db:"body_preview" json:"body_preview"`
	Category       string     `db:"category" json:"category"`
	Priority       string     `db:"priority" json:"priority"`
	Summary        string     `db:"summary" json:"summary"`
	Confidence     float64    `db:"confidence" json:"confidence"`
	ClientID       *uuid.UUID `db:"client_id" json:"client_id,omitempty"`
	MatchReason    string     `db:"match_reason" json:"match_reason,omitempty"`
	Status         string     `db:"status" json:"status"`
	ReviewedBy     *uuid.UUID `db:"reviewed_by" json:"reviewed_by,omitempty"`
	ReviewedAt     *time.Time `db:"reviewed_at" json:"reviewed_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`

	ActionItems []EmailActionItem `db:"-" json:"action_items,omitempty"`
}

type EmailActionItem struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	ClassificationID uuid.UUID  `db:"classification_id" json:"classification_id"`
	Title            string     `db:"title" json:"title"`
	Description      string     `db:"description" json:"description"`
	DueDate          *time.Time `db:"due_date" json:"due_date,omitempty"`
	Priority         string     `db:"priority" json:"priority"`
	TaskID           *uuid.UUID `db:"task_id" json:"task_id,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
}

// Classification statuses.
const (
	ClassificationPending   = "pending"
	ClassificationApproved  = "approved"
	ClassificationDismissed = "dismissed"
)

type Call struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	Provider        string     `db:"provider" json:"provider"`
	ExternalID      string     `db:"external_id" json:"external_id"`
	Direction       string     `db:"direction" json:"direction"`
	FromNumber      string     `db:"from_number" json:"from_number"`
	ToNumber        string     `db:"to_number" json:"to_number"`
	Status          string     `db:"status" json:"status"`
	StartedAt       *time.Time `db:"started_at" json:"started_at,omitempty"`
	EndedAt         *time.Time `db:"ended_at" json:"ended_at,omitempty"`
	DurationSeconds int        `db:"duration_seconds" json:"duration_seconds"`
	RecordingURL    *string    `db:"recording_url" json:"recording_url,omitempty"`
	Transcript      string     `db:"transcript" json:"transcript,omitempty"`
	Summary         string     `db:"summary" json:"summary"`
	Notes           string     `db:"notes" json:"notes"`
	ClientID        *uuid.UUID `db:"client_id" json:"client_id,omitempty"`
	UserID          *uuid.UUID `db:"user_id" json:"user_id,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// Call statuses.
const (
	CallRinging    = "ringing"
	CallInProgress = "in_progress"
	CallCompleted  = "completed"
	CallMissed     = "missed"
	CallFailed     = "failed"
)

type SMSMessage struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	Direction   string     `db:"direction" json:"direction"`
	FromNumber  string     `db:"from_number" json:"from_number"`
	ToNumber    string     `db:"to_number" json:"to_number"`
	Body        string     `db:"body" json:"body"`
	ProviderSID *string    `db:"provider_sid" json:"provider_sid,omitempty"`
	Status      string     `db:"status" json:"status"`
	ClientID    *uuid.UUID `db:"client_id" json:"client_id,omitempty"`
	UserID      *uuid.UUID `db:"user_id" json:"user_id,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

type ChatChannel struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	Name      string     `db:"name" json:"name"`
	CreatedBy *uuid.UUID `db:"created_by" json:"created_by,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

type ChatMessage struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	ChannelID uuid.UUID  `db:"channel_id" json:"channel_id"`
	UserID    *uuid.UUID `db:"user_id" json:"user_id,omitempty"`
	Body      string     `db:"body" json:"body"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

type File struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	OwnerID     *uuid.UUID `db:"owner_id" json:"owner_id,omitempty"`
	ClientID    *uuid.UUID `db:"client_id" json:"client_id,omitempty"`
	Name        string     `db:"name" json:"name"`
	ContentType string     `db:"content_type" json:"content_type"`
	SizeBytes   int64      `db:"size_bytes" json:"size_bytes"`
	StorageKey  string     `db:"storage_key" json:"-"`
	SHA256      string     `db:"sha256" json:"sha256"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	DeletedAt   *time.Time `db:"deleted_at" json:"-"`
}

type UserSetting struct {
	UserID    uuid.UUID `db:"user_id" json:"-"`
	Key       string    `db:"key" json:"key"`
	Value     RawJSON   `db:"value" json:"value"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

type OAuthToken struct {
	ID           uuid.UUID  `db:"id"`
	UserID       uuid.UUID  `db:"user_id"`
	Provider     string     `db:"provider"`
	AccessToken  string     `db:"access_token"`
	RefreshToken string     `db:"refresh_token"`
	TokenType    string     `db:"token_type"`
	ExpiresAt    *time.Time `db:"expires_at"`
	Scopes       string     `db:"scopes"`
	AccountEmail string     `db:"account_email"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
}

type GraphSubscription struct {
	ID             uuid.UUID `db:"id"`
	UserID         uuid.UUID `db:"user_id"`
	SubscriptionID string    `db:"subscription_id"`
	Resource       string    `db:"resource"`
	ClientState    string    `db:"client_state"`
	ExpiresAt      time.Time `db:"expires_at"`
	CreatedAt      time.Time `db:"created_at"`
}

type WebhookLog struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	Source      string     `db:"source" json:"source"`
	EventType   string     `db:"event_type" json:"event_type"`
	ExternalID  string     `db:"external_id" json:"external_id"`
	Payload     RawJSON    `db:"payload" json:"payload"`
	Headers     JSONB      `db:"headers" json:"headers"`
	Status      string     `db:"status" json:"status"`
	Error       *string    `db:"error" json:"error,omitempty"`
	ReceivedAt  time.Time  `db:"received_at" json:"received_at"`
	ProcessedAt *time.Time `db:"processed_at" json:"processed_at,omitempty"`
}

// Webhook log statuses.
const (
	WebhookReceived  = "received"
	WebhookProcessed = "processed"
	WebhookFailed    = "failed"
	WebhookIgnored   = "ignored"
)

type AuditLog struct {
	ID         uuid.UUID  `db:"id"`
	UserID     *uuid.UUID `db:"user_id"`
	Action     string     `db:"action"`
	EntityType string     `db:"entity_type"`
	EntityID   string     `db:"entity_id"`
	IPAddress  string     `db:"ip_address"`
	Details    JSONB      `db:"details"`
	CreatedAt  time.Time  `db:"created_at"`
}

type APIKey struct {
	ID        uuid.UUID      `db:"id"`
	UserID    uuid.UUID      `db:"user_id"`
	KeyHash   string         `db:"key_hash"`
	KeyPrefix string         `db:"key_prefix"`
	Name      string         `db:"name"`
	Scopes    pq.StringArray `db:"scopes"`
	LastUsed  *time.Time     `db:"last_used"`
	ExpiresAt *time.Time     `db:"expires_at"`
	IsActive  bool           `db:"is_active"`
	CreatedAt time.Time      `db:"created_at"`
}
