package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ledgerbridge/monarch-mcp-oauth/monarch"
	"github.com/ledgerbridge/monarch-mcp-oauth/oauth/credseal"
	"github.com/ledgerbridge/monarch-mcp-oauth/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeVerifier stands in for the upstream identity check. The zero
// value accepts every login.
type fakeVerifier struct {
	mu    sync.Mutex
	err   error
	calls int
	last  monarch.Credentials
}

func (f *fakeVerifier) Login(_ context.Context, creds monarch.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	f.last = creds

	return f.err
}

func (f *fakeVerifier) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type testEnv struct {
	ts       *httptest.Server
	server   *Server
	store    *store.Memory
	verifier *fakeVerifier

	// client does not follow redirects so tests can read Location.
	client *http.Client
}

func newTestEnv(t *testing.T, opts ...func(*Options)) *testEnv {
	t.Helper()

	mem := store.NewMemory()

	km, err := credseal.NewKeyManager(context.Background(), "", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = km.Close() })

	verifier := &fakeVerifier{}

	mux := http.NewServeMux()
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	o := Options{
		BaseURL:  ts.URL,
		Store:    mem,
		Sealer:   credseal.NewSealer(km),
		Verifier: verifier,
		Logger:   testLogger(),
	}

	for _, opt := range opts {
		opt(&o)
	}

	srv := NewServer(o)
	srv.RegisterHTTP(mux)

	return &testEnv{
		ts:       ts,
		server:   srv,
		store:    mem,
		verifier: verifier,
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// registerClient registers a confidential client over HTTP and returns
// the registration response.
func registerClient(t *testing.T, env *testEnv, redirectURIs ...string) ClientRegistrationResponse {
	t.Helper()

	body, err := json.Marshal(ClientRegistrationRequest{
		RedirectURIs: redirectURIs,
		ClientName:   "test client",
	})
	require.NoError(t, err)

	resp, err := env.client.Post(env.ts.URL+"/register", "application/json", strings.NewReader(string(body)))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var reg ClientRegistrationResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reg))
	require.NotEmpty(t, reg.ClientID)

	return reg
}

func pkceChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

var csrfFieldRe = regexp.MustCompile(`name="csrf_token" value="([^"]+)"`)

// openConsent performs the authorization GET and returns the CSRF
// token, cookie, and response for further assertions.
func openConsent(t *testing.T, env *testEnv, params url.Values) (string, *http.Cookie, *http.Response) {
	t.Helper()

	resp, err := env.client.Get(env.ts.URL + "/authorize?" + params.Encode())
	require.NoError(t, err)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	resp.Body = io.NopCloser(strings.NewReader(string(body)))

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == csrfCookieName {
			cookie = c
		}
	}

	var token string
	if m := csrfFieldRe.FindStringSubmatch(string(body)); m != nil {
		token = m[1]
	}

	return token, cookie, resp
}

// submitConsent posts the consent form with the given credentials and
// action, carrying the CSRF cookie.
func submitConsent(t *testing.T, env *testEnv, form url.Values, cookie *http.Cookie) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, env.ts.URL+"/authorize", strings.NewReader(form.Encode()))
	require.NoError(t, err)

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if cookie != nil {
		req.AddCookie(cookie)
	}

	resp, err := env.client.Do(req)
	require.NoError(t, err)

	return resp
}

// obtainCode drives the full consent flow for the client and returns
// the authorization code from the redirect.
func obtainCode(t *testing.T, env *testEnv, reg ClientRegistrationResponse, redirectURI, verifier string) string {
	t.Helper()

	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {reg.ClientID},
		"redirect_uri":          {redirectURI},
		"state":                 {"st-123"},
		"scope":                 {"mcp:read accounts:read"},
		"code_challenge":        {pkceChallenge(verifier)},
		"code_challenge_method": {"S256"},
	}

	csrfToken, cookie, resp := openConsent(t, env, params)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, csrfToken)
	require.NotNil(t, cookie)

	form := url.Values{
		"client_id":             {reg.ClientID},
		"redirect_uri":          {redirectURI},
		"response_type":         {"code"},
		"state":                 {"st-123"},
		"scope":                 {"mcp:read accounts:read"},
		"code_challenge":        {pkceChallenge(verifier)},
		"code_challenge_method": {"S256"},
		"csrf_token":            {csrfToken},
		"action":                {"approve"},
		"email":                 {"user@example.com"},
		"password":              {"hunter2"},
	}

	post := submitConsent(t, env, form, cookie)
	defer post.Body.Close()

	require.Equal(t, http.StatusFound, post.StatusCode)

	loc, err := url.Parse(post.Header.Get("Location"))
	require.NoError(t, err)

	code := loc.Query().Get("code")
	require.NotEmpty(t, code)

	return code
}

// postToken sends a form-encoded token request and decodes the JSON
// response body into a generic map alongside the status code.
func postToken(t *testing.T, env *testEnv, form url.Values) (int, map[string]any) {
	t.Helper()

	resp, err := env.client.Post(env.ts.URL+"/token", "application/x-www-form-urlencoded",
		strings.NewReader(form.Encode()))
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	return resp.StatusCode, body
}
