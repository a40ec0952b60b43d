// Package monarch is the upstream collaborator: it verifies end-user
// credentials against the Monarch Money API and executes the read tools
// on the user's behalf over GraphQL.
package monarch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/patrickmn/go-cache"
	"github.com/tidwall/gjson"
)

var (
	// ErrMFARequired means the account demands a second factor the
	// caller did not supply. Recoverable: re-submit with the MFA secret.
	ErrMFARequired = errors.New("monarch: multi-factor authentication required")

	// ErrInvalidCredentials covers rejected email/password pairs and
	// rejected TOTP codes.
	ErrInvalidCredentials = errors.New("monarch: invalid credentials")
)

// Credentials is the delegated identity: what the end user types into
// the consent form, and what later tool calls act with. It is sealed
// before storage and only ever unsealed on the dispatch path.
type Credentials struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	MFASecret string `json:"mfa_secret,omitempty"`
}

// fingerprint keys the session cache without holding raw credentials
// as map keys.
func (c Credentials) fingerprint() string {
	sum := sha256.Sum256([]byte(c.Email + "\x00" + c.Password + "\x00" + c.MFASecret))
	return hex.EncodeToString(sum[:])
}

const (
	defaultSessionTTL = 4 * time.Hour
	sessionTTLMargin  = 5 * time.Minute
)

// Client talks to the Monarch Money API. Sessions from successful
// logins are cached per identity so repeated tool calls do not re-login.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	sessions   *cache.Cache
	logger     *slog.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		timeout:    timeout,
		sessions:   cache.New(defaultSessionTTL, 10*time.Minute),
		logger:     logger,
	}
}

// Login verifies credentials by authenticating against the upstream
// API. Outcomes: nil on success, ErrMFARequired when a second factor is
// missing, ErrInvalidCredentials on rejection, other errors for
// transport faults and timeouts.
func (c *Client) Login(ctx context.Context, creds Credentials) error {
	_, err := c.login(ctx, creds)
	return err
}

// session returns a cached session token or performs a fresh login.
func (c *Client) session(ctx context.Context, creds Credentials) (string, error) {
	if tok, ok := c.sessions.Get(creds.fingerprint()); ok {
		return tok.(string), nil
	}

	return c.login(ctx, creds)
}

func (c *Client) login(ctx context.Context, creds Credentials) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload := map[string]any{
		"username":       creds.Email,
		"password":       creds.Password,
		"trusted_device": true,
		"supports_mfa":   true,
	}

	if creds.MFASecret != "" {
		code, err := totpCode(creds.MFASecret, time.Now())
		if err != nil {
			return "", fmt.Errorf("%w: malformed MFA secret", ErrInvalidCredentials)
		}

		payload["totp"] = code
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/login/", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building login request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Client-Platform", "web")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upstream login: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("reading login response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		token := gjson.GetBytes(raw, "token").String()
		if token == "" {
			return "", fmt.Errorf("upstream login returned no session token")
		}

		c.sessions.Set(creds.fingerprint(), token, c.sessionTTL(token))
		c.logger.Debug("login: upstream session established")

		return token, nil

	case http.StatusForbidden:
		if isMFADemand(raw) {
			if creds.MFASecret == "" {
				return "", ErrMFARequired
			}

			return "", fmt.Errorf("%w: multi-factor code rejected", ErrInvalidCredentials)
		}

		return "", ErrInvalidCredentials

	case http.StatusUnauthorized:
		return "", ErrInvalidCredentials

	case http.StatusTooManyRequests:
		return "", fmt.Errorf("upstream login rate limited, retry later")

	default:
		return "", fmt.Errorf("upstream login failed with status %d", resp.StatusCode)
	}
}

func isMFADemand(body []byte) bool {
	if gjson.GetBytes(body, "error_code").String() == "MFA_REQUIRED" {
		return true
	}

	detail := strings.ToLower(gjson.GetBytes(body, "detail").String())

	return strings.Contains(detail, "multi-factor") || strings.Contains(detail, "mfa")
}

// sessionTTL derives the cache lifetime from the session token's exp
// claim when it parses as a JWT, with a safety margin. Opaque tokens
// fall back to a fixed default.
func (c *Client) sessionTTL(token string) time.Duration {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return defaultSessionTTL
	}

	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return defaultSessionTTL
	}

	ttl := time.Until(exp.Time) - sessionTTLMargin
	if ttl <= 0 {
		return defaultSessionTTL
	}

	return ttl
}

// gql runs a GraphQL operation with the user's session and returns the
// data object. A 401/403 drops the cached session so the next call
// re-authenticates.
func (c *Client) gql(ctx context.Context, creds Credentials, operation, query string, variables map[string]any) (gjson.Result, error) {
	session, err := c.session(ctx, creds)
	if err != nil {
		return gjson.Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(map[string]any{
		"operationName": operation,
		"query":         query,
		"variables":     variables,
	})
	if err != nil {
		return gjson.Result{}, fmt.Errorf("encoding %s request: %w", operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/graphql", bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("building %s request: %w", operation, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Token "+session)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s: %w", operation, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("reading %s response: %w", operation, err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		c.sessions.Delete(creds.fingerprint())
		return gjson.Result{}, fmt.Errorf("%s: upstream session rejected", operation)
	}

	if resp.StatusCode != http.StatusOK {
		return gjson.Result{}, fmt.Errorf("%s failed with status %d", operation, resp.StatusCode)
	}

	parsed := gjson.ParseBytes(raw)

	if errs := parsed.Get("errors"); errs.Exists() && len(errs.Array()) > 0 {
		return gjson.Result{}, fmt.Errorf("%s: %s", operation, errs.Array()[0].Get("message").String())
	}

	return parsed.Get("data"), nil
}
