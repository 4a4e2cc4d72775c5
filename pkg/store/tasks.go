package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/harrisonrobin/taskboard/pkg/model"
)

func tableFor(kind model.Kind) (string, error) {
	switch kind {
	case model.KindTask:
		return "tasks", nil
	case model.KindSubtask:
		return "subtasks", nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", model.ErrTaskNotFound, kind)
	}
}

func parentColumn(kind model.Kind) string {
	if kind == model.KindSubtask {
		return "task_id"
	}
	return "''"
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner, kind model.Kind) (*model.Task, error) {
	var (
		t        model.Task
		due      sql.NullString
		dueTime  sql.NullString
		duration sql.NullInt64
		eventID  sql.NullString
	)
	err := row.Scan(
		&t.ID, &t.UserID, &t.ParentID, &t.Title, &t.Description, &t.Status, &t.Priority,
		&due, &dueTime, &duration, &eventID, &t.SyncVersion, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Kind = kind
	t.DueDate = due.String
	t.DueTime = dueTime.String
	t.Duration = int(duration.Int64)
	t.ExternalEventID = eventID.String
	return &t, nil
}

// GetTask loads a task or subtask owned by userID.
func (s *Store) GetTask(ctx context.Context, userID string, kind model.Kind, id string) (*model.Task, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT id, user_id, %s, title, description, status, priority,
	          due_date, due_time, duration, external_event_id, sync_version, updated_at
	          FROM %s WHERE id = ? AND user_id = ?`, parentColumn(kind), table)

	t, err := scanTask(s.queryRow(ctx, query, id, userID), kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", kind, err)
	}
	return t, nil
}

// CreateTask inserts a new task or subtask. An empty ID is generated.
func (s *Store) CreateTask(ctx context.Context, t *model.Task) error {
	table, err := tableFor(t.Kind)
	if err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := s.timestamp()
	t.UpdatedAt = now

	cols := "id, user_id, title, description, status, priority, due_date, due_time, duration, external_event_id, sync_version, created_at, updated_at"
	args := []any{
		t.ID, t.UserID, t.Title, t.Description, t.Status, t.Priority,
		nullString(t.DueDate), nullString(t.DueTime), sql.NullInt64{Int64: int64(t.Duration), Valid: t.Duration > 0},
		nullString(t.ExternalEventID), t.SyncVersion, now, now,
	}
	if t.Kind == model.KindSubtask {
		cols = "task_id, " + cols
		args = append([]any{t.ParentID}, args...)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", ")

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, table, cols, placeholders)
	if _, err := s.exec(ctx, query, args...); err != nil {
		return fmt.Errorf("create %s: %w", t.Kind, err)
	}
	return nil
}

// UpdateTaskFields applies a plain field edit and returns the updated record.
// It never touches the calendar linkage.
func (s *Store) UpdateTaskFields(ctx context.Context, userID string, kind model.Kind, id string, f model.TaskFields) (*model.Task, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	var (
		sets []string
		args []any
	)
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if f.Title != nil {
		add("title", *f.Title)
	}
	if f.Description != nil {
		add("description", *f.Description)
	}
	if f.Status != nil {
		add("status", *f.Status)
	}
	if f.Priority != nil {
		add("priority", *f.Priority)
	}
	if f.DueDate != nil {
		add("due_date", nullString(*f.DueDate))
	}
	if f.DueTime != nil {
		add("due_time", nullString(*f.DueTime))
	}
	if f.Duration != nil {
		add("duration", sql.NullInt64{Int64: int64(*f.Duration), Valid: *f.Duration > 0})
	}
	add("updated_at", s.timestamp())

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE id = ? AND user_id = ?`, table, strings.Join(sets, ", "))
	args = append(args, id, userID)

	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", kind, err)
	}
	n, err := affected(res)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, model.ErrTaskNotFound
	}
	return s.GetTask(ctx, userID, kind, id)
}

// SetExternalEventID writes the linkage if the record is still at
// expectedVersion, bumping the version. An empty eventID clears the linkage.
// It returns model.ErrExternalConflict when another writer got there first.
func (s *Store) SetExternalEventID(ctx context.Context, userID string, kind model.Kind, id string, expectedVersion int64, eventID string) (int64, error) {
	table, err := tableFor(kind)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`UPDATE %s
	          SET external_event_id = ?, sync_version = sync_version + 1, updated_at = ?
	          WHERE id = ? AND user_id = ? AND sync_version = ?`, table)

	res, err := s.exec(ctx, query, nullString(eventID), s.timestamp(), id, userID, expectedVersion)
	if err != nil {
		return 0, fmt.Errorf("set external event id: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("%s %s at version %d: %w", kind, id, expectedVersion, model.ErrExternalConflict)
	}
	return expectedVersion + 1, nil
}

// ListLinks returns every record of the user that is linked to a calendar event.
func (s *Store) ListLinks(ctx context.Context, userID string) ([]model.Link, error) {
	query := `SELECT id, 'task', external_event_id, status FROM tasks
	          WHERE user_id = ? AND external_event_id IS NOT NULL
	          UNION ALL
	          SELECT id, 'subtask', external_event_id, status FROM subtasks
	          WHERE user_id = ? AND external_event_id IS NOT NULL`

	rows, err := s.query(ctx, query, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	defer rows.Close()

	var links []model.Link
	for rows.Next() {
		var (
			l    model.Link
			kind string
		)
		if err := rows.Scan(&l.TaskID, &kind, &l.ExternalEventID, &l.Status); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		l.Kind = model.Kind(kind)
		links = append(links, l)
	}
	return links, rows.Err()
}
