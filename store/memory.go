package store

import (
	"context"
	"sync"
	"time"
)

// Memory is a single-process Store backed by mutex-guarded maps.
// Suitable for one instance only; authorization and exchange requests
// must land on the same process for codes to resolve.
type Memory struct {
	mu            sync.RWMutex
	clients       map[string]Client
	codes         map[string]AuthCode
	accessTokens  map[string]AccessToken
	refreshTokens map[string]RefreshToken

	now func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		clients:       make(map[string]Client),
		codes:         make(map[string]AuthCode),
		accessTokens:  make(map[string]AccessToken),
		refreshTokens: make(map[string]RefreshToken),
		now:           time.Now,
	}
}

func (m *Memory) SaveClient(_ context.Context, c Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clients[c.ID] = c

	return nil
}

func (m *Memory) GetClient(_ context.Context, clientID string) (Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.clients[clientID]
	if !ok {
		return Client{}, ErrNotFound
	}

	return c, nil
}

func (m *Memory) SaveAuthCode(_ context.Context, code AuthCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.codes[code.Code] = code

	return nil
}

// ConsumeAuthCode holds the write lock across the read-check-mark
// sequence, so a second concurrent exchange of the same code observes
// Used=true and fails.
func (m *Memory) ConsumeAuthCode(_ context.Context, code string) (AuthCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.codes[code]
	if !ok {
		return AuthCode{}, ErrNotFound
	}

	if !m.now().Before(c.ExpiresAt) {
		delete(m.codes, code)
		return AuthCode{}, ErrExpired
	}

	if c.Used {
		return AuthCode{}, ErrCodeUsed
	}

	c.Used = true
	m.codes[code] = c

	return c, nil
}

func (m *Memory) SaveAccessToken(_ context.Context, t AccessToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.accessTokens[t.Token] = t

	return nil
}

func (m *Memory) GetAccessToken(_ context.Context, token string) (AccessToken, error) {
	m.mu.RLock()
	t, ok := m.accessTokens[token]
	m.mu.RUnlock()

	if !ok {
		return AccessToken{}, ErrNotFound
	}

	if !m.now().Before(t.ExpiresAt) {
		m.mu.Lock()
		delete(m.accessTokens, token)
		m.mu.Unlock()

		return AccessToken{}, ErrNotFound
	}

	return t, nil
}

func (m *Memory) DeleteAccessToken(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.accessTokens, token)

	return nil
}

func (m *Memory) SaveRefreshToken(_ context.Context, t RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refreshTokens[t.Token] = t

	return nil
}

func (m *Memory) GetRefreshToken(_ context.Context, token string) (RefreshToken, error) {
	m.mu.RLock()
	t, ok := m.refreshTokens[token]
	m.mu.RUnlock()

	if !ok {
		return RefreshToken{}, ErrNotFound
	}

	if !m.now().Before(t.ExpiresAt) {
		m.mu.Lock()
		delete(m.refreshTokens, token)
		m.mu.Unlock()

		return RefreshToken{}, ErrNotFound
	}

	return t, nil
}

func (m *Memory) DeleteRefreshToken(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.refreshTokens, token)

	return nil
}

func (m *Memory) PurgeExpired(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	var purged int64

	for k, c := range m.codes {
		if !now.Before(c.ExpiresAt) {
			delete(m.codes, k)
			purged++
		}
	}

	for k, t := range m.accessTokens {
		if !now.Before(t.ExpiresAt) {
			delete(m.accessTokens, k)
			purged++
		}
	}

	for k, t := range m.refreshTokens {
		if !now.Before(t.ExpiresAt) {
			delete(m.refreshTokens, k)
			purged++
		}
	}

	return purged, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
