package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	// Database drivers registered for database/sql.
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// SQL is a Store backed by sqlite or postgres through database/sql.
// Single-use consumption relies on a conditional UPDATE, so it is safe
// across multiple server instances sharing one database.
type SQL struct {
	db     *sql.DB
	driver string

	now func() time.Time
}

// OpenSQL connects to the database and creates the schema if needed.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQL, error) {
	var driverName string

	switch driver {
	case "sqlite":
		driverName = "sqlite3"
	case "postgres":
		driverName = "pgx"
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", driver, err)
	}

	// sqlite rejects concurrent writers with SQLITE_BUSY; one connection
	// serializes them instead.
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging %s database: %w", driver, err)
	}

	s := &SQL{db: db, driver: driver, now: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQL) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS oauth_clients (
			id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL UNIQUE,
			secret_hash TEXT NOT NULL DEFAULT '',
			registration_token_hash TEXT NOT NULL DEFAULT '',
			client_name TEXT NOT NULL DEFAULT '',
			redirect_uris TEXT NOT NULL,
			grant_types TEXT NOT NULL,
			scope TEXT NOT NULL DEFAULT '',
			auth_method TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS oauth_auth_codes (
			id TEXT PRIMARY KEY,
			code TEXT NOT NULL UNIQUE,
			client_id TEXT NOT NULL,
			redirect_uri TEXT NOT NULL,
			code_challenge TEXT NOT NULL,
			challenge_method TEXT NOT NULL,
			scope TEXT NOT NULL DEFAULT '',
			sealed_identity TEXT NOT NULL,
			expires_at BIGINT NOT NULL,
			used INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS oauth_access_tokens (
			id TEXT PRIMARY KEY,
			token TEXT NOT NULL UNIQUE,
			client_id TEXT NOT NULL,
			sealed_identity TEXT NOT NULL,
			scope TEXT NOT NULL DEFAULT '',
			issued_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS oauth_refresh_tokens (
			id TEXT PRIMARY KEY,
			token TEXT NOT NULL UNIQUE,
			client_id TEXT NOT NULL,
			sealed_identity TEXT NOT NULL,
			scope TEXT NOT NULL DEFAULT '',
			expires_at BIGINT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
	}

	return nil
}

// rebind rewrites ? placeholders to $1..$n for postgres. sqlite takes
// the queries as written.
func (s *SQL) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}

	var b strings.Builder

	n := 0

	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$")
			b.WriteString(strconv.Itoa(n))

			continue
		}

		b.WriteRune(r)
	}

	return b.String()
}

func (s *SQL) SaveClient(ctx context.Context, c Client) error {
	uris, err := json.Marshal(c.RedirectURIs)
	if err != nil {
		return fmt.Errorf("encoding redirect uris: %w", err)
	}

	grants, err := json.Marshal(c.GrantTypes)
	if err != nil {
		return fmt.Errorf("encoding grant types: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO oauth_clients (id, client_id, secret_hash, registration_token_hash, client_name, redirect_uris, grant_types, scope, auth_method, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		uuid.NewString(), c.ID, c.SecretHash, c.RegistrationTokenHash, c.Name, string(uris), string(grants), c.Scope, c.TokenEndpointAuthMethod, c.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("inserting client: %w", err)
	}

	return nil
}

func (s *SQL) GetClient(ctx context.Context, clientID string) (Client, error) {
	var (
		c         Client
		uris      string
		grants    string
		createdAt int64
	)

	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT client_id, secret_hash, registration_token_hash, client_name, redirect_uris, grant_types, scope, auth_method, created_at
		 FROM oauth_clients WHERE client_id = ?`), clientID).
		Scan(&c.ID, &c.SecretHash, &c.RegistrationTokenHash, &c.Name, &uris, &grants, &c.Scope, &c.TokenEndpointAuthMethod, &createdAt)
	if err == sql.ErrNoRows {
		return Client{}, ErrNotFound
	}

	if err != nil {
		return Client{}, fmt.Errorf("selecting client: %w", err)
	}

	if err := json.Unmarshal([]byte(uris), &c.RedirectURIs); err != nil {
		return Client{}, fmt.Errorf("decoding redirect uris: %w", err)
	}

	if err := json.Unmarshal([]byte(grants), &c.GrantTypes); err != nil {
		return Client{}, fmt.Errorf("decoding grant types: %w", err)
	}

	c.CreatedAt = time.Unix(createdAt, 0).UTC()

	return c, nil
}

func (s *SQL) SaveAuthCode(ctx context.Context, code AuthCode) error {
	used := 0
	if code.Used {
		used = 1
	}

	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO oauth_auth_codes (id, code, client_id, redirect_uri, code_challenge, challenge_method, scope, sealed_identity, expires_at, used)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		uuid.NewString(), code.Code, code.ClientID, code.RedirectURI, code.CodeChallenge, code.CodeChallengeMethod,
		code.Scope, code.SealedIdentity, code.ExpiresAt.Unix(), used)
	if err != nil {
		return fmt.Errorf("inserting auth code: %w", err)
	}

	return nil
}

// ConsumeAuthCode flips used with a conditional UPDATE. RowsAffected
// tells whether this caller won; losers are classified by re-reading
// the row.
func (s *SQL) ConsumeAuthCode(ctx context.Context, code string) (AuthCode, error) {
	now := s.now().Unix()

	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE oauth_auth_codes SET used = 1 WHERE code = ? AND used = 0 AND expires_at > ?`), code, now)
	if err != nil {
		return AuthCode{}, fmt.Errorf("consuming auth code: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return AuthCode{}, fmt.Errorf("consuming auth code: %w", err)
	}

	if n == 1 {
		return s.getAuthCode(ctx, code)
	}

	c, err := s.getAuthCode(ctx, code)
	if err != nil {
		return AuthCode{}, err
	}

	if c.Used {
		return AuthCode{}, ErrCodeUsed
	}

	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM oauth_auth_codes WHERE code = ?`), code); err != nil {
		return AuthCode{}, fmt.Errorf("purging expired auth code: %w", err)
	}

	return AuthCode{}, ErrExpired
}

func (s *SQL) getAuthCode(ctx context.Context, code string) (AuthCode, error) {
	var (
		c         AuthCode
		expiresAt int64
		used      int
	)

	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT code, client_id, redirect_uri, code_challenge, challenge_method, scope, sealed_identity, expires_at, used
		 FROM oauth_auth_codes WHERE code = ?`), code).
		Scan(&c.Code, &c.ClientID, &c.RedirectURI, &c.CodeChallenge, &c.CodeChallengeMethod, &c.Scope, &c.SealedIdentity, &expiresAt, &used)
	if err == sql.ErrNoRows {
		return AuthCode{}, ErrNotFound
	}

	if err != nil {
		return AuthCode{}, fmt.Errorf("selecting auth code: %w", err)
	}

	c.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	c.Used = used != 0

	return c, nil
}

func (s *SQL) SaveAccessToken(ctx context.Context, t AccessToken) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO oauth_access_tokens (id, token, client_id, sealed_identity, scope, issued_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		uuid.NewString(), t.Token, t.ClientID, t.SealedIdentity, t.Scope, t.IssuedAt.Unix(), t.ExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("inserting access token: %w", err)
	}

	return nil
}

func (s *SQL) GetAccessToken(ctx context.Context, token string) (AccessToken, error) {
	var (
		t         AccessToken
		issuedAt  int64
		expiresAt int64
	)

	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT token, client_id, sealed_identity, scope, issued_at, expires_at
		 FROM oauth_access_tokens WHERE token = ?`), token).
		Scan(&t.Token, &t.ClientID, &t.SealedIdentity, &t.Scope, &issuedAt, &expiresAt)
	if err == sql.ErrNoRows {
		return AccessToken{}, ErrNotFound
	}

	if err != nil {
		return AccessToken{}, fmt.Errorf("selecting access token: %w", err)
	}

	if s.now().Unix() >= expiresAt {
		if err := s.DeleteAccessToken(ctx, token); err != nil {
			return AccessToken{}, err
		}

		return AccessToken{}, ErrNotFound
	}

	t.IssuedAt = time.Unix(issuedAt, 0).UTC()
	t.ExpiresAt = time.Unix(expiresAt, 0).UTC()

	return t, nil
}

func (s *SQL) DeleteAccessToken(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM oauth_access_tokens WHERE token = ?`), token); err != nil {
		return fmt.Errorf("deleting access token: %w", err)
	}

	return nil
}

func (s *SQL) SaveRefreshToken(ctx context.Context, t RefreshToken) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO oauth_refresh_tokens (id, token, client_id, sealed_identity, scope, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		uuid.NewString(), t.Token, t.ClientID, t.SealedIdentity, t.Scope, t.ExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("inserting refresh token: %w", err)
	}

	return nil
}

func (s *SQL) GetRefreshToken(ctx context.Context, token string) (RefreshToken, error) {
	var (
		t         RefreshToken
		expiresAt int64
	)

	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT token, client_id, sealed_identity, scope, expires_at
		 FROM oauth_refresh_tokens WHERE token = ?`), token).
		Scan(&t.Token, &t.ClientID, &t.SealedIdentity, &t.Scope, &expiresAt)
	if err == sql.ErrNoRows {
		return RefreshToken{}, ErrNotFound
	}

	if err != nil {
		return RefreshToken{}, fmt.Errorf("selecting refresh token: %w", err)
	}

	if s.now().Unix() >= expiresAt {
		if err := s.DeleteRefreshToken(ctx, token); err != nil {
			return RefreshToken{}, err
		}

		return RefreshToken{}, ErrNotFound
	}

	t.ExpiresAt = time.Unix(expiresAt, 0).UTC()

	return t, nil
}

func (s *SQL) DeleteRefreshToken(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM oauth_refresh_tokens WHERE token = ?`), token); err != nil {
		return fmt.Errorf("deleting refresh token: %w", err)
	}

	return nil
}

func (s *SQL) PurgeExpired(ctx context.Context) (int64, error) {
	now := s.now().Unix()

	var purged int64

	for _, table := range []string{"oauth_auth_codes", "oauth_access_tokens", "oauth_refresh_tokens"} {
		res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM `+table+` WHERE expires_at <= ?`), now)
		if err != nil {
			return purged, fmt.Errorf("purging %s: %w", table, err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return purged, fmt.Errorf("purging %s: %w", table, err)
		}

		purged += n
	}

	return purged, nil
}

func (s *SQL) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQL) Close() error {
	return s.db.Close()
}
