package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/harrisonrobin/taskboard/pkg/model"
	"golang.org/x/oauth2"
)

// CredentialStore persists one credential per user.
type CredentialStore interface {
	GetCredential(ctx context.Context, userID string) (*model.Credential, error)
	SaveCredential(ctx context.Context, c *model.Credential) error
	UpdateAccessToken(ctx context.Context, userID, accessToken string, expiresAt time.Time) (bool, error)
	DeleteCredential(ctx context.Context, userID string) error
}

// OAuthProvider is the part of Provider the Manager needs.
type OAuthProvider interface {
	ParseState(state string) (string, error)
	Exchange(ctx context.Context, code string) (*model.Credential, error)
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// Manager hands out valid access tokens, refreshing them when they expire.
// It is the only writer of the credential row.
type Manager struct {
	store    CredentialStore
	provider OAuthProvider
	log      *slog.Logger
	now      func() time.Time
}

// NewManager returns a Manager.
func NewManager(store CredentialStore, provider OAuthProvider, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{store: store, provider: provider, log: log, now: time.Now}
}

// AccessToken returns a token that is valid now, or model.ErrNotConnected.
//
// A failed refresh leaves the stored credential in place so a later call can
// try again; the caller only sees that the user is not connected.
// Concurrent refreshes for one user are not coordinated: both calls get a
// valid token and the store keeps whichever expires last.
func (m *Manager) AccessToken(ctx context.Context, userID string) (string, error) {
	cred, err := m.store.GetCredential(ctx, userID)
	if err != nil {
		return "", err
	}
	if cred.ExpiresAt.After(m.now()) {
		return cred.AccessToken, nil
	}

	if cred.RefreshToken == "" {
		return "", fmt.Errorf("%w: access token expired and no refresh token stored", model.ErrNotConnected)
	}

	tok, err := m.provider.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		m.log.Warn("calendar token refresh failed", "user_id", userID, "error", err)
		return "", fmt.Errorf("%w: %v", model.ErrNotConnected, err)
	}
	if tok.AccessToken == "" || !tok.Expiry.After(m.now()) {
		m.log.Warn("calendar token refresh returned an unusable token", "user_id", userID, "expiry", tok.Expiry)
		return "", fmt.Errorf("%w: refreshed token already expired", model.ErrNotConnected)
	}

	stored, err := m.store.UpdateAccessToken(ctx, userID, tok.AccessToken, tok.Expiry)
	if err != nil {
		// The token is valid either way; the next call refreshes again.
		m.log.Error("persist refreshed calendar token", "user_id", userID, "error", err)
	} else if !stored {
		m.log.Debug("newer calendar token already stored", "user_id", userID)
	}
	return tok.AccessToken, nil
}

// Connect completes the consent flow: state identifies the user, code is
// exchanged for tokens and stored. It returns the connected user id.
func (m *Manager) Connect(ctx context.Context, state, code string) (string, error) {
	userID, err := m.provider.ParseState(state)
	if err != nil {
		return "", err
	}
	cred, err := m.provider.Exchange(ctx, code)
	if err != nil {
		return "", err
	}
	cred.UserID = userID
	if err := m.store.SaveCredential(ctx, cred); err != nil {
		return "", err
	}
	m.log.Info("calendar connected", "user_id", userID, "scope", cred.Scope)
	return userID, nil
}

// Disconnect forgets the user's credential.
func (m *Manager) Disconnect(ctx context.Context, userID string) error {
	if err := m.store.DeleteCredential(ctx, userID); err != nil {
		return err
	}
	m.log.Info("calendar disconnected", "user_id", userID)
	return nil
}

// Connected reports whether a credential is stored for the user.
func (m *Manager) Connected(ctx context.Context, userID string) (bool, error) {
	_, err := m.store.GetCredential(ctx, userID)
	if errors.Is(err, model.ErrNotConnected) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
