package auth

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/harrisonrobin/taskboard/pkg/model"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
)

const (
	stateIssuer = "taskboard-calendar"
	stateTTL    = 10 * time.Minute
)

// Scopes requested on consent.
var Scopes = []string{
	calendar.CalendarEventsScope,
	calendar.CalendarReadonlyScope,
}

// GoogleConfig builds the OAuth client configuration for Google Calendar.
func GoogleConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       Scopes,
		Endpoint:     google.Endpoint,
	}
}

// Provider runs the consent, code exchange and refresh legs of the OAuth flow.
type Provider struct {
	config      *oauth2.Config
	stateSecret []byte
	timeout     time.Duration
	httpClient  *http.Client
	now         func() time.Time
}

// NewProvider returns a Provider. The consent state is signed with a key
// derived from secret, never with secret itself, so a state token and a
// session token signed with the same secret cannot stand in for each other.
// Every token endpoint call is bounded by timeout.
func NewProvider(config *oauth2.Config, secret string, timeout time.Duration) *Provider {
	return &Provider{
		config:      config,
		stateSecret: stateKey(secret),
		timeout:     timeout,
		httpClient:  &http.Client{Timeout: timeout},
		now:         time.Now,
	}
}

func stateKey(secret string) []byte {
	key := make([]byte, sha256.Size)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(stateIssuer))
	if _, err := io.ReadFull(r, key); err != nil {
		// hkdf only fails past 255 blocks of output
		panic(err)
	}
	return key
}

type stateClaims struct {
	jwt.RegisteredClaims
}

// AuthURL returns the consent URL. The state is a short-lived signed token
// carrying userID, recovered by ParseState on the callback.
func (p *Provider) AuthURL(userID string) (string, error) {
	now := p.now()
	claims := stateClaims{jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    stateIssuer,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(stateTTL)),
	}}
	state, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.stateSecret)
	if err != nil {
		return "", fmt.Errorf("sign oauth state: %w", err)
	}
	// AccessTypeOffline plus forced consent makes Google return a refresh token.
	return p.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent")), nil
}

// ParseState verifies a consent state and returns the user it was issued for.
func (p *Provider) ParseState(state string) (string, error) {
	var claims stateClaims
	_, err := jwt.ParseWithClaims(state, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return p.stateSecret, nil
	}, jwt.WithIssuer(stateIssuer), jwt.WithTimeFunc(p.now))
	if err != nil {
		return "", fmt.Errorf("%w: oauth state: %v", model.ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: oauth state has no subject", model.ErrUnauthenticated)
	}
	return claims.Subject, nil
}

func (p *Provider) withClient(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	return context.WithTimeout(ctx, p.timeout)
}

// Exchange trades an authorization code for a credential. Both tokens must be
// present in the response.
func (p *Provider) Exchange(ctx context.Context, code string) (*model.Credential, error) {
	ctx, cancel := p.withClient(ctx)
	defer cancel()

	tok, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve token from Google: %w", err)
	}
	if tok.AccessToken == "" || tok.RefreshToken == "" {
		return nil, fmt.Errorf("token response is missing the access or refresh token")
	}

	scope, _ := tok.Extra("scope").(string)
	return &model.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		Scope:        scope,
		TokenType:    tok.Type(),
	}, nil
}

// Refresh obtains a new access token. The returned token may carry no
// refresh token.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	ctx, cancel := p.withClient(ctx)
	defer cancel()

	tok, err := p.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	return tok, nil
}
