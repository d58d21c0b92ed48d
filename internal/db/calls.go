package db

import (
	"context"
	"fmt"
)

// UpsertCall inserts or merges a call keyed by (provider, external_id).
// Providers deliver events out of order and more than once, so the merge
// never moves a call out of a terminal status, keeps the earliest start,
// and only overwrites text columns with non-empty values.
func UpsertCall(ctx context.Context, q Querier, call *Call) error {
	if call.Direction == "" {
		call.Direction = "inbound"
	}
	if call.Status == "" {
		call.Status = CallRinging
	}
	err := q.QueryRowxContext(ctx, `
		INSERT INTO calls (
			provider, external_id, direction, from_number, to_number, status,
			started_at, ended_at, duration_seconds, recording_url, transcript,
			summary, client_id, user_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (provider, external_id) DO UPDATE SET
			direction = EXCLUDED.direction,
			from_number = COALESCE(NULLIF(EXCLUDED.from_number, ''), calls.from_number),
			to_number = COALESCE(NULLIF(EXCLUDED.to_number, ''), calls.to_number),
			status = CASE
				WHEN calls.status IN ('completed', 'missed', 'failed') THEN calls.status
				ELSE EXCLUDED.status
			END,
			started_at = LEAST(calls.started_at, EXCLUDED.started_at),
			ended_at = COALESCE(EXCLUDED.ended_at, calls.ended_at),
			duration_seconds = GREATEST(calls.duration_seconds, EXCLUDED.duration_seconds),
			recording_url = COALESCE(EXCLUDED.recording_url, calls.recording_url),
			transcript = COALESCE(NULLIF(EXCLUDED.transcript, ''), calls.transcript),
			summary = COALESCE(NULLIF(EXCLUDED.summary, ''), calls.summary),
			client_id = COALESCE(calls.client_id, EXCLUDED.client_id),
			user_id = COALESCE(calls.user_id, EXCLUDED.user_id),
			updated_at = NOW()
		RETURNING id, status, created_at, updated_at`,
		call.Provider, call.ExternalID, call.Direction, call.FromNumber, call.ToNumber, call.Status,
		call.StartedAt, call.EndedAt, call.DurationSeconds, call.RecordingURL, call.Transcript,
		call.Summary, call.ClientID, call.UserID,
	).Scan(&call.ID, &call.Status, &call.CreatedAt, &call.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert call: %w", err)
	}
	return nil
}

const callColumns = `id, provider, external_id, direction, from_number, to_number, status,
	started_at, ended_at, duration_seconds, recording_url, transcript, summary, notes,
	client_id, user_id, created_at, updated_at`

// GetCall loads a call by id.
func GetCall(ctx context.Context, q Querier, id string) (*Call, error) {
	var call Call
	if err := q.GetContext(ctx, &call, `SELECT `+callColumns+` FROM calls WHERE id = $1`, id); err != nil {
		return nil, NotFound(err)
	}
	return &call, nil
}

// CallColumns is the column list matching Call, for handler queries.
func CallColumns() string { return callColumns }
