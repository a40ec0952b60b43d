package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ledgerbridge/monarch-mcp-oauth/monarch"
	"github.com/ledgerbridge/monarch-mcp-oauth/oauth/credseal"
	"github.com/ledgerbridge/monarch-mcp-oauth/store"
)

const maxRequestBody = 4 << 20

// Server dispatches authenticated JSON-RPC calls to the finance
// client. Construct with NewServer and attach with RegisterHTTP.
type Server struct {
	store   store.Store
	sealer  *credseal.Sealer
	finance FinanceClient
	logger  *slog.Logger

	realm               string
	resourceMetadataURL string
}

type Options struct {
	BaseURL string
	Store   store.Store
	Sealer  *credseal.Sealer
	Finance FinanceClient
	Logger  *slog.Logger
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")

	return &Server{
		store:               opts.Store,
		sealer:              opts.Sealer,
		finance:             opts.Finance,
		logger:              logger,
		realm:               baseURL,
		resourceMetadataURL: baseURL + "/.well-known/oauth-protected-resource",
	}
}

// RegisterHTTP attaches the RPC endpoint to the mux.
func (s *Server) RegisterHTTP(mux *http.ServeMux) {
	mux.HandleFunc("/mcp", s.handleRPC)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodPost:
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req rpcRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		s.writeResponse(w, errorResponse(nil, codeParseError, "could not parse JSON-RPC request"))
		return
	}

	if req.JSONRPC != "2.0" || req.Method == "" {
		s.writeResponse(w, errorResponse(req.ID, codeInvalidRequest, "not a JSON-RPC 2.0 request"))
		return
	}

	s.logger.Debug("handleRPC: dispatching", "rpc_method", req.Method)

	switch rpcMethod(req.Method) {
	case methodInitialize:
		s.writeResponse(w, resultResponse(req.ID, initializeResult{
			ProtocolVersion: protocolVersion,
			Capabilities:    capabilities{Tools: toolsCapability{ListChanged: false}},
			ServerInfo:      serverInfo{Name: serverName, Version: serverVersion},
		}))

	case methodInitialized:
		// A notification: acknowledged without a response body.
		w.WriteHeader(http.StatusAccepted)

	case methodPing:
		s.writeResponse(w, resultResponse(req.ID, struct{}{}))

	case methodToolsList:
		s.writeResponse(w, resultResponse(req.ID, toolsListResult{Tools: toolCatalog()}))

	case methodToolsCall:
		s.handleToolsCall(w, r, req)

	default:
		s.writeResponse(w, errorResponse(req.ID, codeMethodNotFound,
			fmt.Sprintf("method not found: %s", req.Method)))
	}
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// handleToolsCall is the only authenticated method. The bearer token
// resolves to the sealed identity minted during consent; the tool then
// runs on that user's behalf. Collaborator failures surface as
// internal-error responses and are never retried here.
func (s *Server) handleToolsCall(w http.ResponseWriter, r *http.Request, req rpcRequest) {
	creds, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var params callParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.writeResponse(w, errorResponse(req.ID, codeInvalidParams, "params do not match the tools/call schema"))
			return
		}
	}

	if params.Name == "" {
		s.writeResponse(w, errorResponse(req.ID, codeInvalidParams, "tool name is required"))
		return
	}

	text, err := dispatchTool(r.Context(), s.finance, params.Name, params.Arguments, creds, time.Now())

	var argErr *invalidArgsError

	switch {
	case errors.As(err, &argErr):
		s.writeResponse(w, errorResponse(req.ID, codeInvalidParams, argErr.Error()))
	case err != nil:
		s.logger.Error("handleToolsCall: tool failed", "tool", params.Name, "error", err)
		s.writeResponse(w, errorResponse(req.ID, codeInternalError,
			fmt.Sprintf("tool execution failed: %v", err)))
	default:
		s.logger.Info("handleToolsCall: tool succeeded", "tool", params.Name)
		s.writeResponse(w, resultResponse(req.ID, textContent(text)))
	}
}

// authenticate resolves the bearer token to the sealed end-user
// credentials. On failure it writes the 401 challenge and returns
// ok=false.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (monarch.Credentials, bool) {
	token := extractBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		s.writeUnauthorized(w, false, "bearer token required")
		return monarch.Credentials{}, false
	}

	at, err := s.store.GetAccessToken(r.Context(), token)

	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrExpired):
		s.writeUnauthorized(w, true, "access token is invalid or expired")
		return monarch.Credentials{}, false
	case err != nil:
		s.logger.Error("authenticate: loading access token", "error", err)
		http.Error(w, "token validation unavailable", http.StatusInternalServerError)

		return monarch.Credentials{}, false
	}

	var creds monarch.Credentials
	if err := s.sealer.Unseal(r.Context(), at.SealedIdentity, &creds); err != nil {
		// The sealing key is gone, typically after a restart with
		// ephemeral keys. The token is unusable; force reauthorization.
		s.logger.Warn("authenticate: unsealing identity failed", "error", err)
		s.writeUnauthorized(w, true, "token identity cannot be recovered, reauthorize")

		return monarch.Credentials{}, false
	}

	return creds, true
}

func (s *Server) writeUnauthorized(w http.ResponseWriter, tokenPresented bool, detail string) {
	w.Header().Set("WWW-Authenticate", s.buildChallenge(tokenPresented))
	http.Error(w, detail, http.StatusUnauthorized)
}

// buildChallenge renders the RFC 6750 / RFC 9728 challenge. The error
// attribute is only legal when the caller actually presented a token.
func (s *Server) buildChallenge(includeError bool) string {
	parts := []string{
		fmt.Sprintf("realm=%q", s.realm),
		fmt.Sprintf("authorization_uri=%q", s.resourceMetadataURL),
		fmt.Sprintf("resource_metadata=%q", s.resourceMetadataURL),
	}

	if includeError {
		parts = append(parts, `error="invalid_token"`)
	}

	return "Bearer " + strings.Join(parts, ", ")
}

func (s *Server) writeResponse(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("writeResponse: encoding response", "error", err)
	}
}

func extractBearerToken(headerVal string) string {
	if headerVal == "" {
		return ""
	}

	parts := strings.SplitN(headerVal, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
