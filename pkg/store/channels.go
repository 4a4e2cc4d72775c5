package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/harrisonrobin/taskboard/pkg/model"
)

// SaveChannel records which user a push notification channel belongs to.
func (s *Store) SaveChannel(ctx context.Context, ch *model.WatchChannel) error {
	ch.CreatedAt = s.timestamp()
	expires := sql.NullTime{Time: ch.ExpiresAt.UTC(), Valid: !ch.ExpiresAt.IsZero()}

	query := `INSERT INTO calendar_watch_channels (channel_id, user_id, resource_id, expires_at, created_at)
	          VALUES (?, ?, ?, ?, ?)
	          ON CONFLICT (channel_id) DO UPDATE SET
	              resource_id = excluded.resource_id,
	              expires_at = excluded.expires_at`

	if _, err := s.exec(ctx, query, ch.ChannelID, ch.UserID, ch.ResourceID, expires, ch.CreatedAt); err != nil {
		return fmt.Errorf("save channel: %w", err)
	}
	return nil
}

// ChannelOwner returns the user a channel was registered for.
func (s *Store) ChannelOwner(ctx context.Context, channelID string) (string, error) {
	var userID string
	err := s.queryRow(ctx, `SELECT user_id FROM calendar_watch_channels WHERE channel_id = ?`, channelID).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", model.ErrChannelNotFound
	}
	if err != nil {
		return "", fmt.Errorf("channel owner: %w", err)
	}
	return userID, nil
}

// DeleteChannels drops every channel registered for the user.
func (s *Store) DeleteChannels(ctx context.Context, userID string) error {
	if _, err := s.exec(ctx, `DELETE FROM calendar_watch_channels WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete channels: %w", err)
	}
	return nil
}

// ListChannels returns the channels registered for the user.
func (s *Store) ListChannels(ctx context.Context, userID string) ([]model.WatchChannel, error) {
	rows, err := s.query(ctx,
		`SELECT channel_id, user_id, resource_id, expires_at, created_at
		 FROM calendar_watch_channels WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var out []model.WatchChannel
	for rows.Next() {
		var (
			ch      model.WatchChannel
			expires sql.NullTime
		)
		if err := rows.Scan(&ch.ChannelID, &ch.UserID, &ch.ResourceID, &expires, &ch.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		if expires.Valid {
			ch.ExpiresAt = expires.Time
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}
