package db

import (
	"context"
	"fmt"
)

const taskColumns = `id, title, description, status, priority, due_date, client_id, assignee_id,
	created_by, source_type, source_ref, calendar_event_id, created_at, updated_at, completed_at`

// TaskColumns is the column list matching Task, for handler queries.
func TaskColumns() string { return taskColumns }

// InsertTask creates a manual task.
func InsertTask(ctx context.Context, q Querier, task *Task) error {
	applyTaskDefaults(task)
	err := q.QueryRowxContext(ctx, `
		INSERT INTO tasks (title, description, status, priority, due_date, client_id,
			assignee_id, created_by, source_type, source_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`,
		task.Title, task.Description, task.Status, task.Priority, task.DueDate, task.ClientID,
		task.AssigneeID, task.CreatedBy, task.SourceType, task.SourceRef,
	).Scan(&task.ID, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		if IsForeignKeyViolation(err) {
			return fmt.Errorf("failed to create task: %w", ErrConflict)
		}
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// UpsertTaskFromSource creates a task derived from an email, call or SMS.
// The (source_type, source_ref) pair is unique, so replaying the same
// webhook or approving twice returns the existing task with created=false.
func UpsertTaskFromSource(ctx context.Context, q Querier, task *Task) (created bool, err error) {
	if task.SourceRef == nil || *task.SourceRef == "" {
		return false, fmt.Errorf("source ref is required for %s tasks", task.SourceType)
	}
	applyTaskDefaults(task)
	err = q.QueryRowxContext(ctx, `
		INSERT INTO tasks (title, description, status, priority, due_date, client_id,
			assignee_id, created_by, source_type, source_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (source_type, source_ref) WHERE source_ref IS NOT NULL
			DO UPDATE SET source_ref = EXCLUDED.source_ref
		RETURNING id, created_at, updated_at, (xmax = 0) AS inserted`,
		task.Title, task.Description, task.Status, task.Priority, task.DueDate, task.ClientID,
		task.AssigneeID, task.CreatedBy, task.SourceType, task.SourceRef,
	).Scan(&task.ID, &task.CreatedAt, &task.UpdatedAt, &created)
	if err != nil {
		return false, fmt.Errorf("failed to upsert %s task: %w", task.SourceType, err)
	}
	return created, nil
}

// GetTask loads a task by id.
func GetTask(ctx context.Context, q Querier, id string) (*Task, error) {
	var task Task
	if err := q.GetContext(ctx, &task, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id); err != nil {
		return nil, NotFound(err)
	}
	return &task, nil
}

// SetTaskCalendarEvent stores the Outlook event id created for a task.
func SetTaskCalendarEvent(ctx context.Context, q Querier, taskID, eventID string) error {
	res, err := q.ExecContext(ctx,
		`UPDATE tasks SET calendar_event_id = $2, updated_at = NOW() WHERE id = $1`, taskID, eventID)
	if err != nil {
		return fmt.Errorf("failed to store calendar event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func applyTaskDefaults(task *Task) {
	if task.Status == "" {
		task.Status = TaskTodo
	}
	if task.Priority == "" {
		task.Priority = PriorityMedium
	}
	if task.SourceType == "" {
		task.SourceType = SourceManual
	}
}
