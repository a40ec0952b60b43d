package wellknown

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerbridge/monarch-mcp-oauth/oauth/credseal"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	km, err := credseal.NewKeyManager(context.Background(), "", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = km.Close() })

	srv := NewServer(
		"https://auth.example",
		"https://auth.example/mcp",
		[]string{"mcp:read", "accounts:read"},
		km,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)

	mux := http.NewServeMux()
	srv.RegisterHTTP(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return ts
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))

	return resp, doc
}

func TestAuthorizationServerMetadata(t *testing.T) {
	ts := newTestServer(t)

	resp, doc := getJSON(t, ts.URL+"/.well-known/oauth-authorization-server")

	assert.Equal(t, "public, max-age=3600", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "https://auth.example", doc["issuer"])
	assert.Equal(t, "https://auth.example/authorize", doc["authorization_endpoint"])
	assert.Equal(t, "https://auth.example/token", doc["token_endpoint"])
	assert.Equal(t, "https://auth.example/register", doc["registration_endpoint"])
	assert.Equal(t, "https://auth.example/.well-known/jwks.json", doc["jwks_uri"])
	assert.Equal(t, []any{"code"}, doc["response_types_supported"])
	assert.Equal(t, []any{"authorization_code", "refresh_token"}, doc["grant_types_supported"])
	assert.Equal(t, []any{"client_secret_post", "none"}, doc["token_endpoint_auth_methods_supported"])
	assert.Equal(t, []any{"S256"}, doc["code_challenge_methods_supported"])
	assert.Equal(t, []any{"mcp:read", "accounts:read"}, doc["scopes_supported"])
}

func TestAuthorizationServerMetadata_AliasPaths(t *testing.T) {
	ts := newTestServer(t)

	paths := []string{
		"/.well-known/oauth-authorization-server/mcp",
		"/.well-known/openid-configuration",
		"/.well-known/openid-configuration/mcp",
	}

	for _, path := range paths {
		_, doc := getJSON(t, ts.URL+path)
		assert.Equal(t, "https://auth.example", doc["issuer"], "path %s", path)
	}
}

func TestProtectedResourceMetadata(t *testing.T) {
	ts := newTestServer(t)

	resp, doc := getJSON(t, ts.URL+"/.well-known/oauth-protected-resource")

	assert.Equal(t, "public, max-age=3600", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "https://auth.example/mcp", doc["resource"])
	assert.Equal(t, []any{"https://auth.example"}, doc["authorization_servers"])
	assert.Equal(t, []any{"header"}, doc["bearer_methods_supported"])
	assert.Equal(t, []any{"mcp:read", "accounts:read"}, doc["scopes_supported"])
}

func TestJWKS_ServesPublicSealingKey(t *testing.T) {
	ts := newTestServer(t)

	_, doc := getJSON(t, ts.URL+"/.well-known/jwks.json")

	keys, ok := doc["keys"].([]any)
	require.True(t, ok, "jwks document must carry a keys array")
	require.Len(t, keys, 1)

	key, ok := keys[0].(map[string]any)
	require.True(t, ok)

	assert.Equal(t, "RSA", key["kty"])
	assert.Equal(t, "enc", key["use"])
	assert.NotEmpty(t, key["kid"])
	assert.NotEmpty(t, key["n"], "public modulus must be present")
	assert.Empty(t, key["d"], "private material must never be served")
}
