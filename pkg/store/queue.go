package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/harrisonrobin/taskboard/pkg/model"
)

// Enqueue adds a pending work item for the user. If an identical item is
// already pending its id is returned instead, so duplicate notifications
// collapse into one pass.
func (s *Store) Enqueue(ctx context.Context, userID, kind string) (string, error) {
	var existing string
	err := s.queryRow(ctx,
		`SELECT id FROM calendar_reconcile_queue WHERE user_id = ? AND kind = ? AND status = ? LIMIT 1`,
		userID, kind, model.QueuePending,
	).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("enqueue: %w", err)
	}

	id := uuid.NewString()
	now := s.timestamp()
	query := `INSERT INTO calendar_reconcile_queue (id, user_id, kind, status, attempts, last_error, created_at, updated_at)
	          VALUES (?, ?, ?, ?, 0, '', ?, ?)`
	if _, err := s.exec(ctx, query, id, userID, kind, model.QueuePending, now, now); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

// ClaimPending moves up to limit pending items to running and returns them.
// Each claim is conditional on the item still being pending, so concurrent
// workers never process the same item.
func (s *Store) ClaimPending(ctx context.Context, limit int) ([]model.QueueItem, error) {
	rows, err := s.query(ctx,
		`SELECT id, user_id, kind, status, attempts, last_error, created_at, updated_at
		 FROM calendar_reconcile_queue WHERE status = ? ORDER BY created_at LIMIT ?`,
		model.QueuePending, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}
	var candidates []model.QueueItem
	for rows.Next() {
		var it model.QueueItem
		if err := rows.Scan(&it.ID, &it.UserID, &it.Kind, &it.Status, &it.Attempts, &it.LastError, &it.CreatedAt, &it.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		candidates = append(candidates, it)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	var claimed []model.QueueItem
	for _, it := range candidates {
		now := s.timestamp()
		res, err := s.exec(ctx,
			`UPDATE calendar_reconcile_queue SET status = ?, attempts = attempts + 1, updated_at = ?
			 WHERE id = ? AND status = ?`,
			model.QueueRunning, now, it.ID, model.QueuePending,
		)
		if err != nil {
			return claimed, fmt.Errorf("claim %s: %w", it.ID, err)
		}
		n, err := affected(res)
		if err != nil {
			return claimed, err
		}
		if n == 1 {
			it.Status = model.QueueRunning
			it.Attempts++
			it.UpdatedAt = now
			claimed = append(claimed, it)
		}
	}
	return claimed, nil
}

// CompleteItem marks a running item done, or failed with runErr's text.
func (s *Store) CompleteItem(ctx context.Context, id string, runErr error) error {
	status, msg := model.QueueDone, ""
	if runErr != nil {
		status, msg = model.QueueFailed, runErr.Error()
	}
	_, err := s.exec(ctx,
		`UPDATE calendar_reconcile_queue SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		status, msg, s.timestamp(), id,
	)
	if err != nil {
		return fmt.Errorf("complete %s: %w", id, err)
	}
	return nil
}

// RequeueStale puts running items last touched before cutoff back to
// pending. A worker that stopped mid-batch leaves its claims running; this
// hands them to the next drain. It returns how many items were requeued.
func (s *Store) RequeueStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.exec(ctx,
		`UPDATE calendar_reconcile_queue SET status = ?, updated_at = ? WHERE status = ? AND updated_at < ?`,
		model.QueuePending, s.timestamp(), model.QueueRunning, cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale: %w", err)
	}
	return affected(res)
}
