package intelligence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/ledgerline/opshub/internal/db"
	"github.com/ledgerline/opshub/internal/integrations/graph"
	"github.com/ledgerline/opshub/internal/metrics"
	"github.com/ledgerline/opshub/internal/oauth"
)

var (
	// ErrNotPending is returned when reviewing an already reviewed classification.
	ErrNotPending = errors.New("classification is not pending")
	// ErrUnknownItem is returned when an approval names an item of another classification.
	ErrUnknownItem = errors.New("action item does not belong to classification")
	// ErrNothingToExtract is returned for calls without a transcript or summary.
	ErrNothingToExtract = errors.New("call has no transcript or summary")
)

const maxBodyChars = 12000

// MailReader is the Graph surface used for email intake.
type MailReader interface {
	GetMessage(ctx context.Context, ts oauth2.TokenSource, id string) (*graph.Message, error)
	ListMessages(ctx context.Context, ts oauth2.TokenSource, since time.Time, limit int) ([]graph.Message, error)
}

// TokenSourcer hands out per-user OAuth token sources.
type TokenSourcer interface {
	TokenSource(ctx context.Context, userID uuid.UUID, provider string) (oauth2.TokenSource, error)
}

// Service classifies email and turns email and calls into tasks.
type Service struct {
	db      db.DB
	llm     Completer
	prompts *PromptSet
	matcher *ClientMatcher
	mail    MailReader
	tokens  TokenSourcer
	logger  *zap.Logger
	now     func() time.Time
}

// NewService wires the service. llm may be nil, in which case classification
// and extraction return ErrLLMUnavailable while review still works.
func NewService(database db.DB, llm Completer, prompts *PromptSet, mail MailReader, tokens TokenSourcer, logger *zap.Logger) *Service {
	return &Service{
		db:      database,
		llm:     llm,
		prompts: prompts,
		matcher: NewClientMatcher(database),
		mail:    mail,
		tokens:  tokens,
		logger:  logger,
		now:     time.Now,
	}
}

// Prompts exposes the template set for hot reload.
func (s *Service) Prompts() *PromptSet { return s.prompts }

type emailPromptData struct {
	ReceivedAt  string
	FromName    string
	FromAddress string
	ClientName  string
	Subject     string
	Body        string
}

// ExtractTasksFromEmail classifies msg, matches the sender to a client and
// stores a pending classification with its action items. A message already
// classified for the user returns the stored row with created=false.
func (s *Service) ExtractTasksFromEmail(ctx context.Context, userID uuid.UUID, msg *graph.Message) (*db.EmailClassification, bool, error) {
	if s.llm == nil {
		return nil, false, ErrLLMUnavailable
	}
	sender := msg.From.EmailAddress

	match, err := s.matcher.Match(ctx, sender.Address, sender.Name)
	if err != nil {
		return nil, false, err
	}

	body := strings.TrimSpace(msg.Body.Content)
	if body == "" {
		body = msg.BodyPreview
	}
	prompt, err := s.prompts.Render(PromptClassifyEmail, emailPromptData{
		ReceivedAt:  msg.ReceivedDateTime.UTC().Format(time.RFC3339),
		FromName:    sender.Name,
		FromAddress: sender.Address,
		ClientName:  match.ClientName,
		Subject:     msg.Subject,
		Body:        truncate(body, maxBodyChars),
	})
	if err != nil {
		return nil, false, err
	}
	completion, err := s.llm.Complete(ctx, prompt)
	if err != nil {
		return nil, false, err
	}
	result, err := ParseClassification(completion.Text)
	if err != nil {
		return nil, false, fmt.Errorf("failed to parse classification: %w", err)
	}

	c := &db.EmailClassification{
		UserID:         userID,
		GraphMessageID: msg.ID,
		Subject:        truncate(msg.Subject, 500),
		FromAddress:    strings.ToLower(sender.Address),
		FromName:       sender.Name,
		BodyPreview:    truncate(msg.BodyPreview, 500),
		Category:       result.Category,
		Priority:       result.Priority,
		Summary:        result.Summary,
		Confidence:     result.Confidence,
		ClientID:       match.ClientID,
		MatchReason:    match.Reason,
		Status:         db.ClassificationPending,
	}
	if !msg.ReceivedDateTime.IsZero() {
		received := msg.ReceivedDateTime.UTC()
		c.ReceivedAt = &received
	}
	for _, cand := range result.ActionItems {
		c.ActionItems = append(c.ActionItems, db.EmailActionItem{
			Title:       cand.Title,
			Description: cand.Description,
			DueDate:     cand.DueDate,
			Priority:    cand.Priority,
		})
	}

	created, err := db.SaveClassification(ctx, s.db, c)
	if err != nil {
		return nil, false, err
	}
	if created {
		metrics.Classifications.WithLabelValues(c.Category).Inc()
		s.logger.Info("Email classified",
			zap.String("classification_id", c.ID.String()),
			zap.String("category", c.Category),
			zap.Int("action_items", len(c.ActionItems)),
			zap.String("match_reason", c.MatchReason),
		)
	}
	return c, created, nil
}

// ProcessGraphMessage fetches a message named by a Graph notification and
// classifies it unless it already has been.
func (s *Service) ProcessGraphMessage(ctx context.Context, userID uuid.UUID, messageID string) error {
	seen, err := s.classified(ctx, userID, messageID)
	if err != nil || seen {
		return err
	}
	ts, err := s.tokens.TokenSource(ctx, userID, oauth.ProviderMicrosoft)
	if err != nil {
		return err
	}
	msg, err := s.mail.GetMessage(ctx, ts, messageID)
	if err != nil {
		return err
	}
	_, _, err = s.ExtractTasksFromEmail(ctx, userID, msg)
	return err
}

// SyncResult summarizes an inbox pull.
type SyncResult struct {
	Fetched    int `json:"fetched"`
	Classified int `json:"classified"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

// SyncInbox classifies inbox messages received since the given time.
// Individual failures are counted and logged; only setup errors abort.
func (s *Service) SyncInbox(ctx context.Context, userID uuid.UUID, since time.Time, limit int) (SyncResult, error) {
	var res SyncResult
	if s.llm == nil {
		return res, ErrLLMUnavailable
	}
	ts, err := s.tokens.TokenSource(ctx, userID, oauth.ProviderMicrosoft)
	if err != nil {
		return res, err
	}
	messages, err := s.mail.ListMessages(ctx, ts, since, limit)
	if err != nil {
		return res, err
	}
	res.Fetched = len(messages)

	for i := range messages {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		msg := &messages[i]
		seen, err := s.classified(ctx, userID, msg.ID)
		if err != nil {
			return res, err
		}
		if seen {
			res.Skipped++
			continue
		}
		if _, created, err := s.ExtractTasksFromEmail(ctx, userID, msg); err != nil {
			res.Failed++
			s.logger.Warn("Failed to classify message",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		} else if created {
			res.Classified++
		} else {
			res.Skipped++
		}
	}
	return res, nil
}

func (s *Service) classified(ctx context.Context, userID uuid.UUID, messageID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
		SELECT EXISTS (SELECT 1 FROM email_classifications WHERE user_id = $1 AND graph_message_id = $2)`,
		userID, messageID)
	if err != nil {
		return false, fmt.Errorf("failed to check classification: %w", err)
	}
	return exists, nil
}

type callPromptData struct {
	Direction       string
	StartedAt       string
	DurationSeconds int
	ClientName      string
	Summary         string
	Transcript      string
}

// ExtractTasksFromCall proposes follow-up tasks from a call's summary and
// transcript. Task n of a call gets source_ref <provider>:<external id>:<n>,
// so running it twice returns the same tasks.
func (s *Service) ExtractTasksFromCall(ctx context.Context, callID uuid.UUID) ([]db.Task, error) {
	if s.llm == nil {
		return nil, ErrLLMUnavailable
	}
	call, err := db.GetCall(ctx, s.db, callID.String())
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(call.Transcript) == "" && strings.TrimSpace(call.Summary) == "" {
		return nil, ErrNothingToExtract
	}

	data := callPromptData{
		Direction:       call.Direction,
		DurationSeconds: call.DurationSeconds,
		Summary:         call.Summary,
		Transcript:      truncate(call.Transcript, maxBodyChars),
	}
	if call.StartedAt != nil {
		data.StartedAt = call.StartedAt.UTC().Format(time.RFC3339)
	}
	if call.ClientID != nil {
		if err := s.db.GetContext(ctx, &data.ClientName,
			`SELECT name FROM clients WHERE id = $1`, *call.ClientID); err != nil && !errors.Is(db.NotFound(err), db.ErrNotFound) {
			return nil, fmt.Errorf("failed to load call client: %w", err)
		}
	}

	prompt, err := s.prompts.Render(PromptExtractCallTasks, data)
	if err != nil {
		return nil, err
	}
	completion, err := s.llm.Complete(ctx, prompt)
	if err != nil {
		return nil, err
	}
	candidates, err := ParseCallTasks(completion.Text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse call tasks: %w", err)
	}

	tasks := make([]db.Task, 0, len(candidates))
	created := 0
	for i, cand := range candidates {
		ref := fmt.Sprintf("%s:%s:%d", call.Provider, call.ExternalID, i+1)
		task := db.Task{
			Title:       cand.Title,
			Description: cand.Description,
			Priority:    cand.Priority,
			DueDate:     cand.DueDate,
			ClientID:    call.ClientID,
			AssigneeID:  call.UserID,
			SourceType:  db.SourceCall,
			SourceRef:   &ref,
		}
		isNew, err := db.UpsertTaskFromSource(ctx, s.db, &task)
		if err != nil {
			return nil, err
		}
		if isNew {
			created++
		}
		tasks = append(tasks, task)
	}

	s.logger.Info("Call follow-ups extracted",
		zap.String("call_id", call.ID.String()),
		zap.Int("candidates", len(candidates)),
		zap.Int("created", created),
	)
	return tasks, nil
}

type reviewRow struct {
	UserID   uuid.UUID  `db:"user_id"`
	ClientID *uuid.UUID `db:"client_id"`
	Status   string     `db:"status"`
}

// ApproveResult lists the tasks created or linked by an approval.
type ApproveResult struct {
	ClassificationID uuid.UUID `json:"classification_id"`
	Tasks            []db.Task `json:"tasks"`
}

// Approve turns the selected action items (all when itemIDs is empty) into
// tasks and marks the classification approved. Only a pending
// classification can be approved.
func (s *Service) Approve(ctx context.Context, reviewer, classificationID uuid.UUID, itemIDs []uuid.UUID) (*ApproveResult, error) {
	res := &ApproveResult{ClassificationID: classificationID, Tasks: []db.Task{}}
	err := db.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		row, err := lockPending(ctx, tx, classificationID)
		if err != nil {
			return err
		}
		items, err := db.ListActionItems(ctx, tx, classificationID.String())
		if err != nil {
			return err
		}
		selected, err := selectItems(items, itemIDs)
		if err != nil {
			return err
		}

		for _, item := range selected {
			ref := "email:" + item.ID.String()
			assignee := row.UserID
			task := db.Task{
				Title:       item.Title,
				Description: item.Description,
				Priority:    item.Priority,
				DueDate:     item.DueDate,
				ClientID:    row.ClientID,
				AssigneeID:  &assignee,
				CreatedBy:   &reviewer,
				SourceType:  db.SourceEmail,
				SourceRef:   &ref,
			}
			if _, err := db.UpsertTaskFromSource(ctx, tx, &task); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE email_action_items SET task_id = $1 WHERE id = $2`, task.ID, item.ID); err != nil {
				return fmt.Errorf("failed to link action item: %w", err)
			}
			res.Tasks = append(res.Tasks, task)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE email_classifications SET status = $2, reviewed_by = $3, reviewed_at = $4
			WHERE id = $1`,
			classificationID, db.ClassificationApproved, reviewer, s.now().UTC()); err != nil {
			return fmt.Errorf("failed to approve classification: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.ClassificationReviews.WithLabelValues(db.ClassificationApproved).Inc()
	s.logger.Info("Classification approved",
		zap.String("classification_id", classificationID.String()),
		zap.String("reviewer", reviewer.String()),
		zap.Int("tasks", len(res.Tasks)),
	)
	return res, nil
}

// Dismiss marks a pending classification dismissed.
func (s *Service) Dismiss(ctx context.Context, reviewer, classificationID uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE email_classifications SET status = $2, reviewed_by = $3, reviewed_at = $4
		WHERE id = $1 AND status = 'pending'`,
		classificationID, db.ClassificationDismissed, reviewer, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to dismiss classification: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		var status string
		if err := s.db.GetContext(ctx, &status,
			`SELECT status FROM email_classifications WHERE id = $1`, classificationID); err != nil {
			return db.NotFound(err)
		}
		return ErrNotPending
	}
	metrics.ClassificationReviews.WithLabelValues(db.ClassificationDismissed).Inc()
	s.logger.Info("Classification dismissed",
		zap.String("classification_id", classificationID.String()),
		zap.String("reviewer", reviewer.String()),
	)
	return nil
}

func lockPending(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (*reviewRow, error) {
	var row reviewRow
	if err := tx.GetContext(ctx, &row,
		`SELECT user_id, client_id, status FROM email_classifications WHERE id = $1 FOR UPDATE`, id); err != nil {
		return nil, db.NotFound(err)
	}
	if row.Status != db.ClassificationPending {
		return nil, ErrNotPending
	}
	return &row, nil
}

func selectItems(items []db.EmailActionItem, ids []uuid.UUID) ([]db.EmailActionItem, error) {
	if len(ids) == 0 {
		return items, nil
	}
	byID := make(map[uuid.UUID]db.EmailActionItem, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}
	out := make([]db.EmailActionItem, 0, len(ids))
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		it, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownItem, id)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, it)
	}
	return out, nil
}
