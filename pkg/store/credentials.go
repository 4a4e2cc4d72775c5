package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/harrisonrobin/taskboard/pkg/model"
)

// GetCredential returns the user's calendar grant or model.ErrNotConnected.
func (s *Store) GetCredential(ctx context.Context, userID string) (*model.Credential, error) {
	query := `SELECT user_id, access_token, refresh_token, expires_at, scope, token_type, updated_at
	          FROM calendar_credentials WHERE user_id = ?`

	var c model.Credential
	err := s.queryRow(ctx, query, userID).Scan(
		&c.UserID, &c.AccessToken, &c.RefreshToken, &c.ExpiresAt, &c.Scope, &c.TokenType, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotConnected
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return &c, nil
}

// SaveCredential inserts or replaces the user's grant. An empty refresh token
// keeps the stored one.
func (s *Store) SaveCredential(ctx context.Context, c *model.Credential) error {
	query := `
		INSERT INTO calendar_credentials (user_id, access_token, refresh_token, expires_at, scope, token_type, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = CASE WHEN excluded.refresh_token = '' THEN calendar_credentials.refresh_token
			                     ELSE excluded.refresh_token END,
			expires_at = excluded.expires_at,
			scope = excluded.scope,
			token_type = excluded.token_type,
			updated_at = excluded.updated_at`

	_, err := s.exec(ctx, query,
		c.UserID, c.AccessToken, c.RefreshToken, c.ExpiresAt.UTC(), c.Scope, c.TokenType, s.timestamp(),
	)
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// UpdateAccessToken stores a refreshed access token. The write only lands when
// expiresAt is later than the stored expiry, so a slower concurrent refresh
// cannot replace a newer token. It reports whether the row changed.
func (s *Store) UpdateAccessToken(ctx context.Context, userID, accessToken string, expiresAt time.Time) (bool, error) {
	query := `UPDATE calendar_credentials
	          SET access_token = ?, expires_at = ?, updated_at = ?
	          WHERE user_id = ? AND expires_at < ?`

	res, err := s.exec(ctx, query, accessToken, expiresAt.UTC(), s.timestamp(), userID, expiresAt.UTC())
	if err != nil {
		return false, fmt.Errorf("update access token: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DeleteCredential removes the user's grant. Deleting a missing row is not an error.
func (s *Store) DeleteCredential(ctx context.Context, userID string) error {
	if _, err := s.exec(ctx, `DELETE FROM calendar_credentials WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}
