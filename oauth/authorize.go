package oauth

import (
	"bytes"
	_ "embed"
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ledgerbridge/monarch-mcp-oauth/monarch"
	"github.com/ledgerbridge/monarch-mcp-oauth/store"
)

//go:embed consent.html
var consentHTML string

var consentTemplate = template.Must(template.New("consent").Parse(consentHTML))

const (
	csrfCookieName = "consent_csrf"
	csrfTokenBytes = 16
	csrfCookieTTL  = 600
)

type consentData struct {
	ClientID            string
	ClientName          string
	RedirectURI         string
	State               string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	CSRFToken           string
	Error               string
	NeedsMFA            bool
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleAuthorizeForm(w, r)
	case http.MethodPost:
		s.handleAuthorizeSubmit(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleAuthorizeForm validates the authorization request and renders
// the consent form. Errors before the redirect URI is known to be
// registered are returned as plain 400s; afterwards they go back to the
// client via the redirect URI per RFC 6749 section 4.1.2.1.
func (s *Server) handleAuthorizeForm(w http.ResponseWriter, r *http.Request) {
	// A second "?" means the caller appended a query string to a URL
	// that already had one. Everything after it would be silently lost
	// by the query parser, so fail loudly instead.
	if strings.Contains(r.URL.RawQuery, "?") {
		http.Error(w, "malformed authorization request: query string contains a second '?'", http.StatusBadRequest)
		return
	}

	q := r.URL.Query()

	client, redirectURI, ok := s.resolveClient(w, r, q.Get("client_id"), q.Get("redirect_uri"))
	if !ok {
		return
	}

	state := q.Get("state")

	if rt := q.Get("response_type"); rt != "code" {
		s.redirectError(w, r, redirectURI, state, "unsupported_response_type", "only response_type=code is supported")
		return
	}

	challenge := q.Get("code_challenge")
	method := q.Get("code_challenge_method")

	if msg := s.checkChallenge(challenge, method); msg != "" {
		s.redirectError(w, r, redirectURI, state, "invalid_request", msg)
		return
	}

	scope, err := normalizeScope(q.Get("scope"))
	if err != nil {
		s.redirectError(w, r, redirectURI, state, "invalid_scope", err.Error())
		return
	}

	csrfToken, err := randomString(csrfTokenBytes)
	if err != nil {
		s.logger.Error("handleAuthorizeForm: generating csrf token", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)

		return
	}

	s.setCSRFCookie(w, csrfToken, csrfCookieTTL)

	s.renderConsent(w, http.StatusOK, consentData{
		ClientID:            client.ID,
		ClientName:          client.Name,
		RedirectURI:         redirectURI,
		State:               state,
		Scope:               scope,
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		CSRFToken:           csrfToken,
	})
}

// handleAuthorizeSubmit processes the consent form. The hidden fields
// are revalidated from scratch: the browser round trip is untrusted.
func (s *Server) handleAuthorizeSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}

	cookie, err := r.Cookie(csrfCookieName)
	if err != nil || cookie.Value == "" || cookie.Value != r.PostFormValue("csrf_token") {
		http.Error(w, "cross-site request rejected", http.StatusForbidden)
		return
	}

	client, redirectURI, ok := s.resolveClient(w, r, r.PostFormValue("client_id"), r.PostFormValue("redirect_uri"))
	if !ok {
		return
	}

	state := r.PostFormValue("state")
	challenge := r.PostFormValue("code_challenge")
	method := r.PostFormValue("code_challenge_method")

	if msg := s.checkChallenge(challenge, method); msg != "" {
		s.redirectError(w, r, redirectURI, state, "invalid_request", msg)
		return
	}

	scope, err := normalizeScope(r.PostFormValue("scope"))
	if err != nil {
		s.redirectError(w, r, redirectURI, state, "invalid_scope", err.Error())
		return
	}

	data := consentData{
		ClientID:            client.ID,
		ClientName:          client.Name,
		RedirectURI:         redirectURI,
		State:               state,
		Scope:               scope,
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		CSRFToken:           cookie.Value,
	}

	if r.PostFormValue("action") == "deny" {
		s.setCSRFCookie(w, "", -1)
		s.redirectError(w, r, redirectURI, state, "access_denied", "the user denied the request")

		return
	}

	creds := monarch.Credentials{
		Email:     strings.TrimSpace(r.PostFormValue("email")),
		Password:  r.PostFormValue("password"),
		MFASecret: strings.TrimSpace(r.PostFormValue("mfa_secret")),
	}

	if creds.Email == "" || creds.Password == "" {
		data.Error = "Email and password are required."
		s.renderConsent(w, http.StatusOK, data)

		return
	}

	switch err := s.verifier.Login(r.Context(), creds); {
	case err == nil:
	case errors.Is(err, monarch.ErrMFARequired):
		data.Error = "Multi-factor authentication is required. Enter your MFA secret to continue."
		data.NeedsMFA = true
		s.renderConsent(w, http.StatusOK, data)

		return
	case errors.Is(err, monarch.ErrInvalidCredentials):
		data.Error = "Monarch Money rejected the credentials. Check your email and password."
		s.renderConsent(w, http.StatusOK, data)

		return
	default:
		s.logger.Warn("handleAuthorizeSubmit: upstream verification failed", "error", err)

		data.Error = "Could not reach Monarch Money. Try again in a moment."
		s.renderConsent(w, http.StatusOK, data)

		return
	}

	sealed, err := s.sealer.Seal(r.Context(), creds)
	if err != nil {
		s.logger.Error("handleAuthorizeSubmit: sealing identity", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)

		return
	}

	code, err := randomString(authCodeBytes)
	if err != nil {
		s.logger.Error("handleAuthorizeSubmit: generating code", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)

		return
	}

	authCode := store.AuthCode{
		Code:                code,
		ClientID:            client.ID,
		RedirectURI:         redirectURI,
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		Scope:               scope,
		SealedIdentity:      sealed,
		ExpiresAt:           time.Now().Add(s.authCodeTTL),
	}

	if err := s.store.SaveAuthCode(r.Context(), authCode); err != nil {
		s.logger.Error("handleAuthorizeSubmit: saving code", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)

		return
	}

	s.logger.Info("handleAuthorizeSubmit: code issued", "client_id", client.ID)

	s.setCSRFCookie(w, "", -1)

	params := url.Values{}
	params.Set("code", code)
	params.Set("iss", s.baseURL)

	if state != "" {
		params.Set("state", state)
	}

	s.redirectTo(w, r, redirectURI, params)
}

// resolveClient loads and validates the client and redirect URI shared
// by the GET and POST halves of the flow. Failures here never redirect:
// a 400 page is the only safe answer before the URI is known to belong
// to the client. Returns ok=false after writing the response.
func (s *Server) resolveClient(w http.ResponseWriter, r *http.Request, clientID, redirectURI string) (store.Client, string, bool) {
	if clientID == "" {
		http.Error(w, "client_id is required", http.StatusBadRequest)
		return store.Client{}, "", false
	}

	if redirectURI == "" {
		http.Error(w, "redirect_uri is required", http.StatusBadRequest)
		return store.Client{}, "", false
	}

	client, err := s.store.GetClient(r.Context(), clientID)

	switch {
	case errors.Is(err, store.ErrNotFound) && s.allowUnregistered:
		client, err = s.autoRegister(r, clientID, redirectURI)
		if err != nil {
			s.logger.Error("resolveClient: auto-registering client", "error", err, "client_id", clientID)
			http.Error(w, "internal error", http.StatusInternalServerError)

			return store.Client{}, "", false
		}
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "unknown client", http.StatusBadRequest)
		return store.Client{}, "", false
	case err != nil:
		s.logger.Error("resolveClient: loading client", "error", err, "client_id", clientID)
		http.Error(w, "internal error", http.StatusInternalServerError)

		return store.Client{}, "", false
	}

	if !client.AllowsRedirect(redirectURI) {
		http.Error(w, "redirect_uri is not registered for this client", http.StatusBadRequest)
		return store.Client{}, "", false
	}

	return client, redirectURI, true
}

// autoRegister creates a public client bound to the presented redirect
// URI. Only reachable when AllowUnregisteredClients is on.
func (s *Server) autoRegister(r *http.Request, clientID, redirectURI string) (store.Client, error) {
	if err := validateRedirectURI(redirectURI); err != nil {
		return store.Client{}, err
	}

	client := store.Client{
		ID:                      clientID,
		Name:                    clientID,
		RedirectURIs:            []string{redirectURI},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		Scope:                   DefaultScope(),
		TokenEndpointAuthMethod: "none",
		CreatedAt:               time.Now().UTC(),
	}

	if err := s.store.SaveClient(r.Context(), client); err != nil {
		return store.Client{}, err
	}

	s.logger.Info("autoRegister: unknown client admitted", "client_id", clientID, "redirect_uri", redirectURI)

	return client, nil
}

// checkChallenge vets the PKCE parameters. An empty return means valid.
func (s *Server) checkChallenge(challenge, method string) string {
	if challenge == "" {
		return "code_challenge is required"
	}

	if s.insecureTestMode && challenge == insecureTestChallenge {
		return ""
	}

	if method != "S256" {
		return "only the S256 code_challenge_method is supported"
	}

	return ""
}

func (s *Server) setCSRFCookie(w http.ResponseWriter, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    value,
		Path:     "/authorize",
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   strings.HasPrefix(s.baseURL, "https://"),
	})
}

func (s *Server) renderConsent(w http.ResponseWriter, status int, data consentData) {
	var buf bytes.Buffer
	if err := consentTemplate.Execute(&buf, data); err != nil {
		s.logger.Error("renderConsent: executing template", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

// redirectError sends the user agent back to the client with an OAuth
// error code. Only called once the redirect URI has been validated.
func (s *Server) redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state, code, description string) {
	params := url.Values{}
	params.Set("error", code)
	params.Set("error_description", description)
	params.Set("iss", s.baseURL)

	if state != "" {
		params.Set("state", state)
	}

	s.redirectTo(w, r, redirectURI, params)
}

// redirectTo merges params into the redirect URI, preserving any query
// the client registered as part of it.
func (s *Server) redirectTo(w http.ResponseWriter, r *http.Request, redirectURI string, params url.Values) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		// resolveClient parsed this already; only a store mangling the
		// value gets here.
		s.logger.Error("redirectTo: unparseable redirect uri", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)

		return
	}

	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}

	u.RawQuery = q.Encode()

	http.Redirect(w, r, u.String(), http.StatusFound)
}
