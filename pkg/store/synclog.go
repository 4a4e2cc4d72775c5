package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/harrisonrobin/taskboard/pkg/model"
)

// AppendSyncLog inserts an audit entry. Entries are never updated.
func (s *Store) AppendSyncLog(ctx context.Context, e *model.SyncLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = s.timestamp()

	query := `INSERT INTO calendar_sync_log (id, user_id, task_id, kind, external_event_id, action, status, error_message, created_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.exec(ctx, query,
		e.ID, e.UserID, nullString(e.TaskID), nullString(string(e.Kind)), nullString(e.ExternalEventID),
		e.Action, e.Status, nullString(e.ErrorMessage), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append sync log: %w", err)
	}
	return nil
}

// ListSyncLog returns the user's most recent entries, newest first.
func (s *Store) ListSyncLog(ctx context.Context, userID string, limit int) ([]model.SyncLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, user_id, task_id, kind, external_event_id, action, status, error_message, created_at
	          FROM calendar_sync_log WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`

	rows, err := s.query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sync log: %w", err)
	}
	defer rows.Close()

	var entries []model.SyncLogEntry
	for rows.Next() {
		var (
			e                             model.SyncLogEntry
			taskID, kind, eventID, errMsg sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.UserID, &taskID, &kind, &eventID, &e.Action, &e.Status, &errMsg, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan sync log: %w", err)
		}
		e.TaskID = taskID.String
		e.Kind = model.Kind(kind.String)
		e.ExternalEventID = eventID.String
		e.ErrorMessage = errMsg.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
