package oauth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ledgerbridge/monarch-mcp-oauth/store"
)

const (
	clientSecretBytes      = 48
	registrationTokenBytes = 32
	authCodeBytes          = 32

	registrationRateLimit  = 10
	registrationRateWindow = time.Minute
)

func randomString(numBytes int) (string, error) {
	buf := make([]byte, numBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	// URL-safe, no padding to keep it concise
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// newClientID mints an identifier in the issued "mcp_" + hex format.
func newClientID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}

	return "mcp_" + hex.EncodeToString(buf), nil
}

func extractBearerToken(headerVal string) string {
	if headerVal == "" {
		return ""
	}
	parts := strings.SplitN(headerVal, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// rateLimiter is a sliding-window counter per remote address. It only
// guards the open registration endpoint, so a coarse in-process window
// is enough.
type rateLimiter struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	limit  int
	window time.Duration
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		hits:   make(map[string][]time.Time),
		limit:  limit,
		window: window,
	}
}

func (rl *rateLimiter) allow(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	now := time.Now()
	cutoff := now.Add(-rl.window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	recent := rl.hits[host][:0]

	for _, t := range rl.hits[host] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= rl.limit {
		rl.hits[host] = recent
		return false
	}

	rl.hits[host] = append(recent, now)

	return true
}

// handleRegister implements open dynamic client registration. No
// authentication: any caller may register, subject to the rate limit.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.registrations.allow(r.RemoteAddr) {
		s.logger.Warn("handleRegister: rate limit exceeded", "remote", r.RemoteAddr)
		writeJSONError(w, http.StatusTooManyRequests, errInvalidRequest, "too many registration requests")

		return
	}

	var req ClientRegistrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, errInvalidClientMetadata, "request body is not valid JSON")
		return
	}

	if len(req.RedirectURIs) == 0 {
		writeJSONError(w, http.StatusBadRequest, errInvalidRedirectURI, "redirect_uris is required")
		return
	}

	for _, raw := range req.RedirectURIs {
		if err := validateRedirectURI(raw); err != nil {
			writeJSONError(w, http.StatusBadRequest, errInvalidRedirectURI, err.Error())
			return
		}
	}

	grantTypes, err := normalizeGrantTypes(req.GrantTypes)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, errInvalidClientMetadata, err.Error())
		return
	}

	authMethod := req.TokenEndpointAuthMethod
	switch authMethod {
	case "":
		authMethod = "client_secret_post"
	case "none", "client_secret_post":
	default:
		writeJSONError(w, http.StatusBadRequest, errInvalidClientMetadata,
			fmt.Sprintf("unsupported token_endpoint_auth_method %q", authMethod))

		return
	}

	scope, err := normalizeScope(req.Scope)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, errInvalidClientMetadata, err.Error())
		return
	}

	clientID, err := newClientID()
	if err != nil {
		s.logger.Error("handleRegister: generating client id", "error", err)
		writeJSONError(w, http.StatusInternalServerError, errServerError, "could not register client")

		return
	}

	var secret, secretHash string

	if authMethod != "none" {
		secret, err = randomString(clientSecretBytes)
		if err == nil {
			secretHash, err = HashSecret(secret)
		}

		if err != nil {
			s.logger.Error("handleRegister: generating client secret", "error", err)
			writeJSONError(w, http.StatusInternalServerError, errServerError, "could not register client")

			return
		}
	}

	registrationToken, err := randomString(registrationTokenBytes)
	if err != nil {
		s.logger.Error("handleRegister: generating registration token", "error", err)
		writeJSONError(w, http.StatusInternalServerError, errServerError, "could not register client")

		return
	}

	registrationTokenHash, err := HashSecret(registrationToken)
	if err != nil {
		s.logger.Error("handleRegister: hashing registration token", "error", err)
		writeJSONError(w, http.StatusInternalServerError, errServerError, "could not register client")

		return
	}

	now := time.Now().UTC()

	client := store.Client{
		ID:                      clientID,
		SecretHash:              secretHash,
		RegistrationTokenHash:   registrationTokenHash,
		Name:                    req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              grantTypes,
		Scope:                   scope,
		TokenEndpointAuthMethod: authMethod,
		CreatedAt:               now,
	}

	if err := s.store.SaveClient(r.Context(), client); err != nil {
		s.logger.Error("handleRegister: saving client", "error", err)
		writeJSONError(w, http.StatusInternalServerError, errServerError, "could not register client")

		return
	}

	s.logger.Info("handleRegister: client registered", "client_id", clientID, "client_name", req.ClientName)

	writeJSON(w, http.StatusCreated, ClientRegistrationResponse{
		ClientID:                clientID,
		ClientSecret:            secret,
		ClientIDIssuedAt:        now.Unix(),
		ClientSecretExpiresAt:   0,
		RegistrationAccessToken: registrationToken,
		RegistrationClientURI:   s.baseURL + "/register/" + clientID,
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           []string{"code"},
		ClientName:              client.Name,
		Scope:                   client.Scope,
	})
}

// handleClientRead serves registered metadata back to the client that
// holds the registration access token. The secret is never replayed.
func (s *Server) handleClientRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientID := r.PathValue("clientID")

	token := extractBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		writeJSONError(w, http.StatusUnauthorized, errInvalidClient, "registration access token required")
		return
	}

	client, err := s.store.GetClient(r.Context(), clientID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, errInvalidClient, "unknown client")
		return
	}

	if err != nil {
		s.logger.Error("handleClientRead: loading client", "error", err, "client_id", clientID)
		writeJSONError(w, http.StatusInternalServerError, errServerError, "could not load client")

		return
	}

	if !VerifySecret(token, client.RegistrationTokenHash) {
		writeJSONError(w, http.StatusUnauthorized, errInvalidClient, "registration access token rejected")
		return
	}

	writeJSON(w, http.StatusOK, ClientRegistrationResponse{
		ClientID:                client.ID,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           []string{"code"},
		ClientName:              client.Name,
		Scope:                   client.Scope,
	})
}

func validateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("redirect uri %q does not parse", raw)
	}

	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("redirect uri %q must be absolute", raw)
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("redirect uri %q must use http or https", raw)
	}

	if u.Fragment != "" {
		return fmt.Errorf("redirect uri %q must not carry a fragment", raw)
	}

	return nil
}

func normalizeGrantTypes(requested []string) ([]string, error) {
	if len(requested) == 0 {
		return []string{"authorization_code", "refresh_token"}, nil
	}

	for _, g := range requested {
		if g != "authorization_code" && g != "refresh_token" {
			return nil, fmt.Errorf("unsupported grant type %q", g)
		}
	}

	return requested, nil
}

// normalizeScope intersects the requested scope with SupportedScopes.
// Unknown scope tokens are an error rather than silently dropped.
func normalizeScope(requested string) (string, error) {
	if strings.TrimSpace(requested) == "" {
		return DefaultScope(), nil
	}

	supported := make(map[string]bool, len(SupportedScopes))
	for _, sc := range SupportedScopes {
		supported[sc] = true
	}

	fields := strings.Fields(requested)
	for _, sc := range fields {
		if !supported[sc] {
			return "", fmt.Errorf("unsupported scope %q", sc)
		}
	}

	return strings.Join(fields, " "), nil
}
