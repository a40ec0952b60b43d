package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerbridge/monarch-mcp-oauth/monarch"
	"github.com/ledgerbridge/monarch-mcp-oauth/oauth/credseal"
	"github.com/ledgerbridge/monarch-mcp-oauth/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeFinance records the arguments of the last call and answers with
// a canned reply or error.
type fakeFinance struct {
	mu    sync.Mutex
	reply string
	err   error

	lastTool         string
	lastCreds        monarch.Credentials
	lastTransactions monarch.TransactionsQuery
	lastHistory      monarch.HistoryQuery
	lastStart        string
	lastEnd          string
}

func (f *fakeFinance) record(tool string, creds monarch.Credentials) (string, error) {
	f.lastTool = tool
	f.lastCreds = creds

	return f.reply, f.err
}

func (f *fakeFinance) GetAccounts(_ context.Context, creds monarch.Credentials) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.record("get_accounts", creds)
}

func (f *fakeFinance) GetTransactions(_ context.Context, creds monarch.Credentials, q monarch.TransactionsQuery) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lastTransactions = q

	return f.record("get_transactions", creds)
}

func (f *fakeFinance) GetBudgets(_ context.Context, creds monarch.Credentials, startDate, endDate string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lastStart, f.lastEnd = startDate, endDate

	return f.record("get_budgets", creds)
}

func (f *fakeFinance) GetSpendingPlan(_ context.Context, creds monarch.Credentials, startDate, endDate string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lastStart, f.lastEnd = startDate, endDate

	return f.record("get_spending_plan", creds)
}

func (f *fakeFinance) GetAccountHistory(_ context.Context, creds monarch.Credentials, q monarch.HistoryQuery) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lastHistory = q

	return f.record("get_account_history", creds)
}

type testEnv struct {
	ts      *httptest.Server
	store   *store.Memory
	sealer  *credseal.Sealer
	finance *fakeFinance
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mem := store.NewMemory()

	km, err := credseal.NewKeyManager(context.Background(), "", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = km.Close() })

	sealer := credseal.NewSealer(km)
	finance := &fakeFinance{reply: "Found 2 accounts"}

	mux := http.NewServeMux()
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	srv := NewServer(Options{
		BaseURL: ts.URL,
		Store:   mem,
		Sealer:  sealer,
		Finance: finance,
		Logger:  testLogger(),
	})
	srv.RegisterHTTP(mux)

	return &testEnv{ts: ts, store: mem, sealer: sealer, finance: finance}
}

// issueToken seals creds and plants a live access token in the store.
func (env *testEnv) issueToken(t *testing.T, token string, creds monarch.Credentials, ttl time.Duration) {
	t.Helper()

	sealed, err := env.sealer.Seal(context.Background(), creds)
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, env.store.SaveAccessToken(context.Background(), store.AccessToken{
		Token:          token,
		ClientID:       "mcp_testclient",
		Scope:          "mcp:read",
		SealedIdentity: sealed,
		IssuedAt:       now,
		ExpiresAt:      now.Add(ttl),
	}))
}

// rpc posts a raw JSON-RPC payload, optionally with a bearer token, and
// decodes the JSON response body when there is one.
func rpc(t *testing.T, env *testEnv, token, payload string) (*http.Response, map[string]any) {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, env.ts.URL+"/mcp", strings.NewReader(payload))
	require.NoError(t, err)

	req.Header.Set("Content-Type", "application/json")

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var body map[string]any
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &body))
	}

	return resp, body
}

func rpcErrorCode(t *testing.T, body map[string]any) float64 {
	t.Helper()

	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok, "response must carry an error object, got %v", body)

	code, ok := errObj["code"].(float64)
	require.True(t, ok)

	return code
}

// --- unauthenticated methods ---

func TestRPC_Initialize(t *testing.T) {
	env := newTestEnv(t)

	resp, body := rpc(t, env, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)

	require.Equal(t, http.StatusOK, resp.StatusCode)

	result, ok := body["result"].(map[string]any)
	require.True(t, ok)

	assert.Equal(t, "2025-06-18", result["protocolVersion"])

	caps := result["capabilities"].(map[string]any)
	tools := caps["tools"].(map[string]any)
	assert.Equal(t, false, tools["listChanged"])

	info := result["serverInfo"].(map[string]any)
	assert.Equal(t, "monarch-mcp-oauth", info["name"])
}

func TestRPC_ToolsListNeedsNoAuth(t *testing.T) {
	env := newTestEnv(t)

	resp, body := rpc(t, env, "", `{"jsonrpc":"2.0","id":2,"method":"tools/list","params":{}}`)

	require.Equal(t, http.StatusOK, resp.StatusCode)

	result := body["result"].(map[string]any)
	tools := result["tools"].([]any)
	require.Len(t, tools, 5)

	var names []string
	for _, raw := range tools {
		tool := raw.(map[string]any)
		names = append(names, tool["name"].(string))

		schema, ok := tool["inputSchema"].(map[string]any)
		require.True(t, ok, "every tool carries a schema")
		assert.Equal(t, "object", schema["type"])
	}

	assert.Equal(t, []string{
		"get_accounts",
		"get_transactions",
		"get_budgets",
		"get_spending_plan",
		"get_account_history",
	}, names)

	history := tools[4].(map[string]any)
	schema := history["inputSchema"].(map[string]any)
	assert.Equal(t, []any{"account_id"}, schema["required"])
}

func TestRPC_Ping(t *testing.T) {
	env := newTestEnv(t)

	resp, body := rpc(t, env, "", `{"jsonrpc":"2.0","id":3,"method":"ping"}`)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotNil(t, body["result"])
	assert.Nil(t, body["error"])
}

func TestRPC_InitializedNotificationAccepted(t *testing.T) {
	env := newTestEnv(t)

	resp, body := rpc(t, env, "", `{"jsonrpc":"2.0","method":"notifications/initialized"}`)

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Nil(t, body)
}

func TestRPC_MethodNotFound(t *testing.T) {
	env := newTestEnv(t)

	resp, body := rpc(t, env, "", `{"jsonrpc":"2.0","id":4,"method":"resources/list"}`)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(-32601), rpcErrorCode(t, body))
}

func TestRPC_ParseError(t *testing.T) {
	env := newTestEnv(t)

	resp, body := rpc(t, env, "", `{"jsonrpc":"2.0",`)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(-32700), rpcErrorCode(t, body))
}

func TestRPC_InvalidRequest(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name    string
		payload string
	}{
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"ping"}`},
		{"missing method", `{"jsonrpc":"2.0","id":1}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, body := rpc(t, env, "", tc.payload)
			assert.Equal(t, float64(-32600), rpcErrorCode(t, body))
		})
	}
}

func TestRPC_GetRejected(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/mcp")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

// --- tools/call authentication ---

const callAccounts = `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"get_accounts","arguments":{}}}`

func TestToolsCall_MissingTokenChallenges(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := rpc(t, env, "", callAccounts)

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	challenge := resp.Header.Get("WWW-Authenticate")
	assert.True(t, strings.HasPrefix(challenge, "Bearer "), "got %q", challenge)
	assert.Contains(t, challenge, `realm="`+env.ts.URL+`"`)
	assert.Contains(t, challenge, `authorization_uri="`+env.ts.URL+`/.well-known/oauth-protected-resource"`)
	assert.Contains(t, challenge, `resource_metadata="`)
	assert.NotContains(t, challenge, "invalid_token", "no error attribute when no token was presented")
}

func TestToolsCall_UnknownTokenChallengesWithError(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := rpc(t, env, "not-a-token", callAccounts)

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), `error="invalid_token"`)
}

func TestToolsCall_ExpiredToken(t *testing.T) {
	env := newTestEnv(t)
	env.issueToken(t, "at-expired", monarch.Credentials{Email: "u@e.com", Password: "pw"}, -time.Minute)

	resp, _ := rpc(t, env, "at-expired", callAccounts)

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), `error="invalid_token"`)
}

func TestToolsCall_BindsTokenToSealedIdentity(t *testing.T) {
	env := newTestEnv(t)
	creds := monarch.Credentials{Email: "user@example.com", Password: "hunter2", MFASecret: "JBSWY3DP"}
	env.issueToken(t, "at-live", creds, time.Hour)

	resp, body := rpc(t, env, "at-live", callAccounts)

	require.Equal(t, http.StatusOK, resp.StatusCode)

	result := body["result"].(map[string]any)
	content := result["content"].([]any)
	require.Len(t, content, 1)

	item := content[0].(map[string]any)
	assert.Equal(t, "text", item["type"])
	assert.Equal(t, "Found 2 accounts", item["text"])

	env.finance.mu.Lock()
	defer env.finance.mu.Unlock()
	assert.Equal(t, "get_accounts", env.finance.lastTool)
	assert.Equal(t, creds, env.finance.lastCreds, "the call must run as the identity sealed at consent time")
}

// --- tools/call argument validation ---

func callPayload(t *testing.T, name string, args map[string]any) string {
	t.Helper()

	params := map[string]any{"name": name}
	if args != nil {
		params["arguments"] = args
	}

	payload, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      9,
		"method":  "tools/call",
		"params":  params,
	})
	require.NoError(t, err)

	return string(payload)
}

func TestToolsCall_InvalidParams(t *testing.T) {
	cases := []struct {
		name    string
		tool    string
		args    map[string]any
		message string
	}{
		{"unknown tool", "get_crypto", nil, "unknown tool"},
		{"bad start date", "get_transactions", map[string]any{"start_date": "01/02/2025"}, "YYYY-MM-DD"},
		{"bad end date", "get_transactions", map[string]any{"end_date": "2025-13-45"}, "YYYY-MM-DD"},
		{"limit too large", "get_transactions", map[string]any{"limit": 5000}, "between 1 and 1000"},
		{"limit wrong type", "get_transactions", map[string]any{"limit": "many"}, "schema"},
		{"bad month", "get_spending_plan", map[string]any{"month": "December"}, "YYYY-MM"},
		{"history missing account", "get_account_history", map[string]any{}, "account_id is required"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.issueToken(t, "at-live", monarch.Credentials{Email: "u@e.com", Password: "pw"}, time.Hour)

			_, body := rpc(t, env, "at-live", callPayload(t, tc.tool, tc.args))

			assert.Equal(t, float64(-32602), rpcErrorCode(t, body))

			errObj := body["error"].(map[string]any)
			assert.Contains(t, errObj["message"], tc.message)
		})
	}
}

func TestToolsCall_MissingName(t *testing.T) {
	env := newTestEnv(t)
	env.issueToken(t, "at-live", monarch.Credentials{Email: "u@e.com", Password: "pw"}, time.Hour)

	_, body := rpc(t, env, "at-live",
		`{"jsonrpc":"2.0","id":9,"method":"tools/call","params":{"arguments":{}}}`)

	assert.Equal(t, float64(-32602), rpcErrorCode(t, body))
}

func TestToolsCall_CollaboratorFailureIsInternalError(t *testing.T) {
	env := newTestEnv(t)
	env.issueToken(t, "at-live", monarch.Credentials{Email: "u@e.com", Password: "pw"}, time.Hour)
	env.finance.err = errors.New("upstream 502")

	resp, body := rpc(t, env, "at-live", callAccounts)

	require.Equal(t, http.StatusOK, resp.StatusCode, "collaborator faults stay inside the RPC envelope")
	assert.Equal(t, float64(-32603), rpcErrorCode(t, body))

	errObj := body["error"].(map[string]any)
	assert.Contains(t, errObj["message"], "tool execution failed")
}

// --- tool argument plumbing ---

func TestToolsCall_TransactionsArguments(t *testing.T) {
	env := newTestEnv(t)
	env.issueToken(t, "at-live", monarch.Credentials{Email: "u@e.com", Password: "pw"}, time.Hour)

	_, body := rpc(t, env, "at-live", callPayload(t, "get_transactions", map[string]any{
		"start_date": "2025-01-01",
		"end_date":   "2025-01-31",
		"limit":      250,
		"account_id": "acc-1",
	}))

	require.Nil(t, body["error"])

	env.finance.mu.Lock()
	defer env.finance.mu.Unlock()
	assert.Equal(t, monarch.TransactionsQuery{
		StartDate: "2025-01-01",
		EndDate:   "2025-01-31",
		Limit:     250,
		AccountID: "acc-1",
	}, env.finance.lastTransactions)
}

func TestToolsCall_SpendingPlanMonthWindow(t *testing.T) {
	env := newTestEnv(t)
	env.issueToken(t, "at-live", monarch.Credentials{Email: "u@e.com", Password: "pw"}, time.Hour)

	_, body := rpc(t, env, "at-live", callPayload(t, "get_spending_plan", map[string]any{
		"month": "2025-12",
	}))

	require.Nil(t, body["error"])

	env.finance.mu.Lock()
	defer env.finance.mu.Unlock()
	assert.Equal(t, "2025-12-01", env.finance.lastStart)
	assert.Equal(t, "2026-01-01", env.finance.lastEnd, "December must roll over into January")
}

func TestToolsCall_BudgetsUseCurrentMonth(t *testing.T) {
	env := newTestEnv(t)
	env.issueToken(t, "at-live", monarch.Credentials{Email: "u@e.com", Password: "pw"}, time.Hour)

	_, body := rpc(t, env, "at-live", callPayload(t, "get_budgets", nil))

	require.Nil(t, body["error"])

	now := time.Now()
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	env.finance.mu.Lock()
	defer env.finance.mu.Unlock()
	assert.Equal(t, first.Format("2006-01-02"), env.finance.lastStart)
	assert.Equal(t, first.AddDate(0, 1, 0).Format("2006-01-02"), env.finance.lastEnd)
}

func TestToolsCall_HistoryArguments(t *testing.T) {
	env := newTestEnv(t)
	env.issueToken(t, "at-live", monarch.Credentials{Email: "u@e.com", Password: "pw"}, time.Hour)

	_, body := rpc(t, env, "at-live", callPayload(t, "get_account_history", map[string]any{
		"account_id": "acc-9",
		"start_date": "2025-06-01",
	}))

	require.Nil(t, body["error"])

	env.finance.mu.Lock()
	defer env.finance.mu.Unlock()
	assert.Equal(t, monarch.HistoryQuery{
		AccountID: "acc-9",
		StartDate: "2025-06-01",
	}, env.finance.lastHistory)
}
