package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisClientPrefix  = "oauth:client:"
	redisCodePrefix    = "oauth:code:"
	redisAccessPrefix  = "oauth:at:"
	redisRefreshPrefix = "oauth:rt:"
)

// Redis is a Store backed by a shared redis instance, for deployments
// where authorization and exchange requests land on different server
// instances. Expiry is enforced by redis key TTLs; single-use
// consumption uses GETDEL, so a consumed code is simply gone.
type Redis struct {
	rdb *redis.Client

	now func() time.Time
}

// OpenRedis connects using a redis URL (redis://[user:pass@]host:port/db).
func OpenRedis(ctx context.Context, dsn string) (*Redis, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	rdb := redis.NewClient(opts)

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &Redis{rdb: rdb, now: time.Now}, nil
}

func (r *Redis) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}

	if err := r.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}

	return nil
}

func (r *Redis) getJSON(ctx context.Context, key string, v any) error {
	raw, err := r.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return ErrNotFound
	}

	if err != nil {
		return fmt.Errorf("reading %s: %w", key, err)
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding %s: %w", key, err)
	}

	return nil
}

// ttlUntil converts an absolute expiry to a redis TTL. Records already
// past expiry get a negative duration, which callers treat as absent.
func (r *Redis) ttlUntil(expiresAt time.Time) time.Duration {
	return expiresAt.Sub(r.now())
}

func (r *Redis) SaveClient(ctx context.Context, c Client) error {
	return r.setJSON(ctx, redisClientPrefix+c.ID, c, 0)
}

func (r *Redis) GetClient(ctx context.Context, clientID string) (Client, error) {
	var c Client
	if err := r.getJSON(ctx, redisClientPrefix+clientID, &c); err != nil {
		return Client{}, err
	}

	return c, nil
}

func (r *Redis) SaveAuthCode(ctx context.Context, code AuthCode) error {
	ttl := r.ttlUntil(code.ExpiresAt)
	if ttl <= 0 {
		return nil // born expired; absent by definition
	}

	return r.setJSON(ctx, redisCodePrefix+code.Code, code, ttl)
}

// ConsumeAuthCode uses GETDEL, which redis executes atomically: of two
// concurrent consumers exactly one receives the value. This backend
// cannot distinguish a consumed code from an unknown one, so losers
// get ErrNotFound rather than ErrCodeUsed.
func (r *Redis) ConsumeAuthCode(ctx context.Context, code string) (AuthCode, error) {
	raw, err := r.rdb.GetDel(ctx, redisCodePrefix+code).Bytes()
	if err == redis.Nil {
		return AuthCode{}, ErrNotFound
	}

	if err != nil {
		return AuthCode{}, fmt.Errorf("consuming auth code: %w", err)
	}

	var c AuthCode
	if err := json.Unmarshal(raw, &c); err != nil {
		return AuthCode{}, fmt.Errorf("decoding auth code: %w", err)
	}

	if !r.now().Before(c.ExpiresAt) {
		return AuthCode{}, ErrExpired
	}

	c.Used = true

	return c, nil
}

func (r *Redis) SaveAccessToken(ctx context.Context, t AccessToken) error {
	ttl := r.ttlUntil(t.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	return r.setJSON(ctx, redisAccessPrefix+t.Token, t, ttl)
}

func (r *Redis) GetAccessToken(ctx context.Context, token string) (AccessToken, error) {
	var t AccessToken
	if err := r.getJSON(ctx, redisAccessPrefix+token, &t); err != nil {
		return AccessToken{}, err
	}

	if !r.now().Before(t.ExpiresAt) {
		_ = r.rdb.Del(ctx, redisAccessPrefix+token).Err()
		return AccessToken{}, ErrNotFound
	}

	return t, nil
}

func (r *Redis) DeleteAccessToken(ctx context.Context, token string) error {
	if err := r.rdb.Del(ctx, redisAccessPrefix+token).Err(); err != nil {
		return fmt.Errorf("deleting access token: %w", err)
	}

	return nil
}

func (r *Redis) SaveRefreshToken(ctx context.Context, t RefreshToken) error {
	ttl := r.ttlUntil(t.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	return r.setJSON(ctx, redisRefreshPrefix+t.Token, t, ttl)
}

func (r *Redis) GetRefreshToken(ctx context.Context, token string) (RefreshToken, error) {
	var t RefreshToken
	if err := r.getJSON(ctx, redisRefreshPrefix+token, &t); err != nil {
		return RefreshToken{}, err
	}

	if !r.now().Before(t.ExpiresAt) {
		_ = r.rdb.Del(ctx, redisRefreshPrefix+token).Err()
		return RefreshToken{}, ErrNotFound
	}

	return t, nil
}

func (r *Redis) DeleteRefreshToken(ctx context.Context, token string) error {
	if err := r.rdb.Del(ctx, redisRefreshPrefix+token).Err(); err != nil {
		return fmt.Errorf("deleting refresh token: %w", err)
	}

	return nil
}

// PurgeExpired is a no-op: redis evicts expired keys itself.
func (r *Redis) PurgeExpired(context.Context) (int64, error) {
	return 0, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
