package oauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ledgerbridge/monarch-mcp-oauth/store"
)

// Fixed PKCE pair accepted only when InsecureTestMode is on. Lets local
// clients drive the flow without computing a challenge. MUST stay off
// in production deployments.
const (
	insecureTestChallenge = "test_challenge"
	insecureTestVerifier  = "test_verifier"
)

const (
	accessTokenBytes  = 32
	refreshTokenBytes = 32
)

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	CodeVerifier string `json:"code_verifier"`
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// handleToken implements the token endpoint for the authorization_code
// and refresh_token grants. All grant failures are terminal 400s; the
// caller restarts the flow rather than retrying.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req, err := parseTokenRequest(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, errInvalidRequest, err.Error())
		return
	}

	switch req.GrantType {
	case "":
		writeJSONError(w, http.StatusBadRequest, errInvalidRequest, "grant_type is required")
		return
	case "authorization_code", "refresh_token":
	default:
		writeJSONError(w, http.StatusBadRequest, errUnsupportedGrantType,
			"grant_type must be authorization_code or refresh_token")

		return
	}

	client, ok := s.authenticateClient(w, r, req)
	if !ok {
		return
	}

	if !client.AllowsGrant(req.GrantType) {
		writeJSONError(w, http.StatusBadRequest, errInvalidGrant,
			"client is not registered for this grant type")

		return
	}

	switch req.GrantType {
	case "authorization_code":
		s.exchangeCode(w, r, client, req)
	case "refresh_token":
		s.exchangeRefreshToken(w, r, client, req)
	}
}

// parseTokenRequest accepts both form-encoded and JSON bodies. Form
// encoding is the RFC shape; some RPC hosts post JSON instead.
func parseTokenRequest(r *http.Request) (tokenRequest, error) {
	var req tokenRequest

	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/json") {
		if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(&req); err != nil {
			return tokenRequest{}, errors.New("request body is not valid JSON")
		}

		return req, nil
	}

	if err := r.ParseForm(); err != nil {
		return tokenRequest{}, errors.New("request body is not a valid form")
	}

	req.GrantType = r.PostFormValue("grant_type")
	req.Code = r.PostFormValue("code")
	req.RedirectURI = r.PostFormValue("redirect_uri")
	req.ClientID = r.PostFormValue("client_id")
	req.ClientSecret = r.PostFormValue("client_secret")
	req.CodeVerifier = r.PostFormValue("code_verifier")
	req.RefreshToken = r.PostFormValue("refresh_token")

	return req, nil
}

// authenticateClient resolves and authenticates the requesting client.
// Public clients (auth method "none") skip the secret check; PKCE is
// their proof of possession. Returns ok=false after writing the error.
func (s *Server) authenticateClient(w http.ResponseWriter, r *http.Request, req tokenRequest) (store.Client, bool) {
	if req.ClientID == "" {
		writeJSONError(w, http.StatusBadRequest, errInvalidClient, "client_id is required")
		return store.Client{}, false
	}

	client, err := s.store.GetClient(r.Context(), req.ClientID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSONError(w, http.StatusBadRequest, errInvalidClient, "unknown client")
		return store.Client{}, false
	}

	if err != nil {
		s.logger.Error("authenticateClient: loading client", "error", err, "client_id", req.ClientID)
		writeJSONError(w, http.StatusInternalServerError, errServerError, "could not load client")

		return store.Client{}, false
	}

	if client.TokenEndpointAuthMethod != "none" {
		if !VerifySecret(req.ClientSecret, client.SecretHash) {
			writeJSONError(w, http.StatusBadRequest, errInvalidClient, "client authentication failed")
			return store.Client{}, false
		}
	}

	return client, true
}

// exchangeCode redeems a single-use authorization code. The code is
// consumed before any validation so that concurrent redemptions settle
// on exactly one winner; a consumed code never survives a failed
// exchange to be tried again.
func (s *Server) exchangeCode(w http.ResponseWriter, r *http.Request, client store.Client, req tokenRequest) {
	if req.Code == "" {
		writeJSONError(w, http.StatusBadRequest, errInvalidRequest, "code is required")
		return
	}

	ac, err := s.store.ConsumeAuthCode(r.Context(), req.Code)

	switch {
	case errors.Is(err, store.ErrCodeUsed):
		s.logger.Warn("exchangeCode: code replayed", "client_id", client.ID)
		writeJSONError(w, http.StatusBadRequest, errInvalidGrant, "authorization code already redeemed")

		return
	case errors.Is(err, store.ErrExpired):
		writeJSONError(w, http.StatusBadRequest, errInvalidGrant, "authorization code expired")
		return
	case errors.Is(err, store.ErrNotFound):
		writeJSONError(w, http.StatusBadRequest, errInvalidGrant, "authorization code not recognized")
		return
	case err != nil:
		s.logger.Error("exchangeCode: consuming code", "error", err)
		writeJSONError(w, http.StatusInternalServerError, errServerError, "could not redeem code")

		return
	}

	if ac.ClientID != client.ID {
		writeJSONError(w, http.StatusBadRequest, errInvalidGrant, "authorization code was issued to another client")
		return
	}

	if req.RedirectURI != ac.RedirectURI {
		writeJSONError(w, http.StatusBadRequest, errInvalidGrant, "redirect_uri does not match the authorization request")
		return
	}

	if !s.verifyPKCE(ac.CodeChallenge, req.CodeVerifier) {
		writeJSONError(w, http.StatusBadRequest, errInvalidGrant, "code_verifier rejected")
		return
	}

	s.issueTokens(w, r, client.ID, ac.Scope, ac.SealedIdentity)
}

// exchangeRefreshToken rotates a refresh token: the presented token is
// retired and a fresh access/refresh pair is minted for the same
// sealed identity.
func (s *Server) exchangeRefreshToken(w http.ResponseWriter, r *http.Request, client store.Client, req tokenRequest) {
	if req.RefreshToken == "" {
		writeJSONError(w, http.StatusBadRequest, errInvalidRequest, "refresh_token is required")
		return
	}

	rt, err := s.store.GetRefreshToken(r.Context(), req.RefreshToken)

	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrExpired):
		writeJSONError(w, http.StatusBadRequest, errInvalidGrant, "refresh token not recognized or expired")
		return
	case err != nil:
		s.logger.Error("exchangeRefreshToken: loading token", "error", err)
		writeJSONError(w, http.StatusInternalServerError, errServerError, "could not load refresh token")

		return
	}

	if rt.ClientID != client.ID {
		writeJSONError(w, http.StatusBadRequest, errInvalidGrant, "refresh token was issued to another client")
		return
	}

	if err := s.store.DeleteRefreshToken(r.Context(), rt.Token); err != nil {
		s.logger.Error("exchangeRefreshToken: retiring token", "error", err)
		writeJSONError(w, http.StatusInternalServerError, errServerError, "could not rotate refresh token")

		return
	}

	s.issueTokens(w, r, client.ID, rt.Scope, rt.SealedIdentity)
}

// issueTokens mints and persists an access/refresh pair carrying the
// sealed identity forward, then writes the token response.
func (s *Server) issueTokens(w http.ResponseWriter, r *http.Request, clientID, scope string, sealedIdentity string) {
	accessToken, err := randomString(accessTokenBytes)
	if err != nil {
		s.logger.Error("issueTokens: generating access token", "error", err)
		writeJSONError(w, http.StatusInternalServerError, errServerError, "could not issue tokens")

		return
	}

	refreshToken, err := randomString(refreshTokenBytes)
	if err != nil {
		s.logger.Error("issueTokens: generating refresh token", "error", err)
		writeJSONError(w, http.StatusInternalServerError, errServerError, "could not issue tokens")

		return
	}

	now := time.Now()

	at := store.AccessToken{
		Token:          accessToken,
		ClientID:       clientID,
		Scope:          scope,
		SealedIdentity: sealedIdentity,
		IssuedAt:       now,
		ExpiresAt:      now.Add(s.accessTokenTTL),
	}

	if err := s.store.SaveAccessToken(r.Context(), at); err != nil {
		s.logger.Error("issueTokens: saving access token", "error", err)
		writeJSONError(w, http.StatusInternalServerError, errServerError, "could not issue tokens")

		return
	}

	rt := store.RefreshToken{
		Token:          refreshToken,
		ClientID:       clientID,
		Scope:          scope,
		SealedIdentity: sealedIdentity,
		ExpiresAt:      now.Add(s.refreshTokenTTL),
	}

	if err := s.store.SaveRefreshToken(r.Context(), rt); err != nil {
		s.logger.Error("issueTokens: saving refresh token", "error", err)
		writeJSONError(w, http.StatusInternalServerError, errServerError, "could not issue tokens")

		return
	}

	s.logger.Info("issueTokens: tokens issued", "client_id", clientID, "expires_in", int64(s.accessTokenTTL.Seconds()))

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.accessTokenTTL.Seconds()),
		RefreshToken: refreshToken,
		Scope:        scope,
	})
}

// verifyPKCE checks that SHA-256(verifier), base64url-encoded without
// padding, matches the stored challenge. The sentinel pair short
// circuits only in insecure test mode.
func (s *Server) verifyPKCE(challenge, verifier string) bool {
	if s.insecureTestMode && challenge == insecureTestChallenge && verifier == insecureTestVerifier {
		return true
	}

	if verifier == "" {
		return false
	}

	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])

	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
