// Package credseal encrypts the delegated end-user credential before it
// enters the token store and decrypts it on the dispatch path. The RSA
// key pair lives outside the store: ciphertext in a leaked store dump is
// useless without the key table (or the process memory, for the memory
// driver).
package credseal

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"database/sql"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

const (
	rsaKeyBits      = 2048
	refreshInterval = 10 * time.Minute
)

// KeyPair is an RSA key pair used for sealing. The private key never
// leaves this package except as DER persisted to the key table.
type KeyPair struct {
	id        string
	private   *rsa.PrivateKey
	createdAt time.Time
}

func (kp *KeyPair) ID() string { return kp.id }

func (kp *KeyPair) Public() *rsa.PublicKey { return &kp.private.PublicKey }

// PublicJWK exports the public half for the JWKS document.
func (kp *KeyPair) PublicJWK() (jwk.Key, error) {
	key, err := jwk.Import(kp.Public())
	if err != nil {
		return nil, fmt.Errorf("importing public key: %w", err)
	}

	if err := key.Set(jwk.KeyIDKey, kp.id); err != nil {
		return nil, fmt.Errorf("setting kid: %w", err)
	}

	if err := key.Set(jwk.KeyUsageKey, "enc"); err != nil {
		return nil, fmt.Errorf("setting use: %w", err)
	}

	return key, nil
}

// JWKS is the JSON document served at /.well-known/jwks.json.
type JWKS struct {
	Keys []jwk.Key `json:"keys"`
}

// KeyManager owns the sealing keys. With a sqlite or postgres backing
// database keys survive restarts, so sealed credentials written by a
// previous process remain readable. With no database the key is held in
// memory only and everything sealed under it dies with the process.
type KeyManager struct {
	mu          sync.RWMutex
	db          *sql.DB // nil for ephemeral keys
	driver      string
	keys        map[string]*KeyPair
	active      *KeyPair
	refreshedAt time.Time

	now func() time.Time
}

// NewKeyManager opens the key table for sqlite/postgres drivers; any
// other driver gets ephemeral in-memory keys.
func NewKeyManager(ctx context.Context, driver, dsn string) (*KeyManager, error) {
	var (
		db  *sql.DB
		err error
	)

	switch driver {
	case "sqlite":
		db, err = sql.Open("sqlite3", dsn)
	case "postgres":
		db, err = sql.Open("pgx", dsn)
	default:
		db = nil
	}

	if err != nil {
		return nil, fmt.Errorf("opening key database: %w", err)
	}

	km := &KeyManager{
		db:     db,
		driver: driver,
		keys:   make(map[string]*KeyPair),
		now:    time.Now,
	}

	if db != nil {
		if driver == "sqlite" {
			db.SetMaxOpenConns(1)
		}

		if _, err := db.ExecContext(ctx,
			`CREATE TABLE IF NOT EXISTS sealing_keys (
				key_id TEXT PRIMARY KEY,
				private_key TEXT NOT NULL,
				created_at BIGINT NOT NULL
			)`); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating key table: %w", err)
		}
	}

	return km, nil
}

func (km *KeyManager) rebind(query string) string {
	if km.driver != "postgres" {
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

// Active returns the current sealing key, loading it from the key table
// or generating one on first use.
func (km *KeyManager) Active(ctx context.Context) (*KeyPair, error) {
	km.mu.RLock()
	kp, fresh := km.active, km.now().Sub(km.refreshedAt) < refreshInterval
	km.mu.RUnlock()

	if kp != nil && fresh {
		return kp, nil
	}

	km.mu.Lock()
	defer km.mu.Unlock()

	if err := km.loadLocked(ctx); err != nil {
		return nil, err
	}

	if km.active != nil {
		return km.active, nil
	}

	return km.generateLocked(ctx)
}

// FindByID resolves a key by its kid, for unsealing ciphertext produced
// under a rotated-out key.
func (km *KeyManager) FindByID(ctx context.Context, keyID string) (*KeyPair, error) {
	km.mu.RLock()
	kp, ok := km.keys[keyID]
	km.mu.RUnlock()

	if ok {
		return kp, nil
	}

	km.mu.Lock()
	defer km.mu.Unlock()

	if err := km.loadLocked(ctx); err != nil {
		return nil, err
	}

	if kp, ok := km.keys[keyID]; ok {
		return kp, nil
	}

	return nil, fmt.Errorf("unknown sealing key %q", keyID)
}

// loadLocked refreshes the cache from the key table. Callers hold the
// write lock.
func (km *KeyManager) loadLocked(ctx context.Context) error {
	if km.db == nil {
		km.refreshedAt = km.now()
		return nil
	}

	rows, err := km.db.QueryContext(ctx, `SELECT key_id, private_key, created_at FROM sealing_keys`)
	if err != nil {
		return fmt.Errorf("loading sealing keys: %w", err)
	}
	defer rows.Close()

	var newest *KeyPair

	for rows.Next() {
		var (
			id        string
			keyB64    string
			createdAt int64
		)

		if err := rows.Scan(&id, &keyB64, &createdAt); err != nil {
			return fmt.Errorf("scanning sealing key: %w", err)
		}

		der, err := base64.StdEncoding.DecodeString(keyB64)
		if err != nil {
			return fmt.Errorf("decoding sealing key %s: %w", id, err)
		}

		parsed, err := x509.ParsePKCS8PrivateKey(der)
		if err != nil {
			return fmt.Errorf("parsing sealing key %s: %w", id, err)
		}

		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return fmt.Errorf("sealing key %s is not RSA", id)
		}

		kp := &KeyPair{id: id, private: rsaKey, createdAt: time.Unix(createdAt, 0).UTC()}
		km.keys[id] = kp

		if newest == nil || kp.createdAt.After(newest.createdAt) {
			newest = kp
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("loading sealing keys: %w", err)
	}

	if newest != nil {
		km.active = newest
	}

	km.refreshedAt = km.now()

	return nil
}

// generateLocked mints a fresh key pair and persists it when a key
// table is configured. Callers hold the write lock.
func (km *KeyManager) generateLocked(ctx context.Context) (*KeyPair, error) {
	private, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating sealing key: %w", err)
	}

	kp := &KeyPair{
		id:        rand.Text(),
		private:   private,
		createdAt: km.now().UTC(),
	}

	if km.db != nil {
		der, err := x509.MarshalPKCS8PrivateKey(private)
		if err != nil {
			return nil, fmt.Errorf("encoding sealing key: %w", err)
		}

		if _, err := km.db.ExecContext(ctx, km.rebind(
			`INSERT INTO sealing_keys (key_id, private_key, created_at) VALUES (?, ?, ?)`),
			kp.id, base64.StdEncoding.EncodeToString(der), kp.createdAt.Unix()); err != nil {
			return nil, fmt.Errorf("persisting sealing key: %w", err)
		}
	}

	km.keys[kp.id] = kp
	km.active = kp

	return kp, nil
}

// PublicJWKS exports the public halves of all known keys.
func (km *KeyManager) PublicJWKS(ctx context.Context) (JWKS, error) {
	if _, err := km.Active(ctx); err != nil {
		return JWKS{}, err
	}

	km.mu.RLock()
	defer km.mu.RUnlock()

	out := JWKS{Keys: make([]jwk.Key, 0, len(km.keys))}

	for _, kp := range km.keys {
		key, err := kp.PublicJWK()
		if err != nil {
			return JWKS{}, err
		}

		out.Keys = append(out.Keys, key)
	}

	return out, nil
}

func (km *KeyManager) Close() error {
	if km.db == nil {
		return nil
	}

	return km.db.Close()
}
