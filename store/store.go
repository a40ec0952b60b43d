// Package store provides keyed persistence for OAuth grant records:
// client registrations, authorization codes, and access/refresh tokens.
//
// Every read enforces expiry. An expired record is treated as absent and
// purged, so callers never observe a record past its expires_at instant.
// Authorization codes are single-use: ConsumeAuthCode performs the
// read-check-mark sequence atomically so that concurrent exchanges of the
// same code cannot both succeed.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist or has been
	// purged after expiry.
	ErrNotFound = errors.New("store: record not found")

	// ErrExpired is returned by ConsumeAuthCode for a code past its TTL.
	ErrExpired = errors.New("store: record expired")

	// ErrCodeUsed is returned by ConsumeAuthCode when the code was
	// already consumed by an earlier exchange.
	ErrCodeUsed = errors.New("store: authorization code already used")
)

// Client is a dynamically registered OAuth client.
type Client struct {
	ID                      string    `json:"client_id"`
	SecretHash              string    `json:"secret_hash,omitempty"`
	RegistrationTokenHash   string    `json:"registration_token_hash,omitempty"`
	Name                    string    `json:"client_name,omitempty"`
	RedirectURIs            []string  `json:"redirect_uris"`
	GrantTypes              []string  `json:"grant_types"`
	Scope                   string    `json:"scope,omitempty"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method"`
	CreatedAt               time.Time `json:"created_at"`
}

// AllowsRedirect reports whether uri exactly matches one of the client's
// registered redirect URIs.
func (c Client) AllowsRedirect(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}

	return false
}

// AllowsGrant reports whether the client registered the given grant type.
func (c Client) AllowsGrant(grant string) bool {
	for _, g := range c.GrantTypes {
		if g == grant {
			return true
		}
	}

	return false
}

// AuthCode is a one-time grant binding a client to an authenticated
// end user. SealedIdentity is the JWE-encrypted delegated credential;
// the store only ever sees ciphertext.
type AuthCode struct {
	Code                string    `json:"code"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	Scope               string    `json:"scope"`
	SealedIdentity      string    `json:"sealed_identity"`
	ExpiresAt           time.Time `json:"expires_at"`
	Used                bool      `json:"used"`
}

// AccessToken is an issued bearer credential.
type AccessToken struct {
	Token          string    `json:"token"`
	ClientID       string    `json:"client_id"`
	SealedIdentity string    `json:"sealed_identity"`
	Scope          string    `json:"scope"`
	IssuedAt       time.Time `json:"issued_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// RefreshToken mints new access tokens without re-authenticating the
// end user. Tokens rotate: consuming one during refresh deletes it.
type RefreshToken struct {
	Token          string    `json:"token"`
	ClientID       string    `json:"client_id"`
	SealedIdentity string    `json:"sealed_identity"`
	Scope          string    `json:"scope"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Store is the persistence boundary shared by the registry, the
// authorization flow, the token exchange, and the dispatcher.
type Store interface {
	SaveClient(ctx context.Context, c Client) error
	GetClient(ctx context.Context, clientID string) (Client, error)

	SaveAuthCode(ctx context.Context, code AuthCode) error
	// ConsumeAuthCode atomically marks the code used and returns it.
	// Exactly one concurrent caller succeeds; later callers get
	// ErrCodeUsed (or ErrNotFound on backends that delete on consume).
	ConsumeAuthCode(ctx context.Context, code string) (AuthCode, error)

	SaveAccessToken(ctx context.Context, t AccessToken) error
	GetAccessToken(ctx context.Context, token string) (AccessToken, error)
	DeleteAccessToken(ctx context.Context, token string) error

	SaveRefreshToken(ctx context.Context, t RefreshToken) error
	GetRefreshToken(ctx context.Context, token string) (RefreshToken, error)
	DeleteRefreshToken(ctx context.Context, token string) error

	// PurgeExpired removes records past their expiry. Deleting an
	// already-deleted record is a no-op, so concurrent purges are safe.
	PurgeExpired(ctx context.Context) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// Open constructs a Store for the configured driver.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "memory":
		return NewMemory(), nil
	case "sqlite", "postgres":
		return OpenSQL(ctx, driver, dsn)
	case "redis":
		return OpenRedis(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
