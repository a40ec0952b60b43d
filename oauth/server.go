// Package oauth implements the credential-issuing authorization server:
// dynamic client registration, the PKCE consent flow against the
// upstream identity check, and the token exchange endpoint.
package oauth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ledgerbridge/monarch-mcp-oauth/monarch"
	"github.com/ledgerbridge/monarch-mcp-oauth/oauth/credseal"
	"github.com/ledgerbridge/monarch-mcp-oauth/store"
)

// SupportedScopes is the fixed list this server grants. There is no
// finer-grained consent: a grant carries the requested subset of these.
var SupportedScopes = []string{
	"mcp:read",
	"mcp:write",
	"accounts:read",
	"transactions:read",
	"budgets:read",
}

// DefaultScope is granted when an authorization request names no scope.
func DefaultScope() string {
	return strings.Join(SupportedScopes, " ")
}

// IdentityVerifier authenticates the end user's credentials against the
// upstream service during the consent step.
type IdentityVerifier interface {
	Login(ctx context.Context, creds monarch.Credentials) error
}

const (
	defaultAuthCodeTTL     = 10 * time.Minute
	defaultAccessTokenTTL  = time.Hour
	defaultRefreshTokenTTL = 30 * 24 * time.Hour
)

// Server carries the authorization endpoints. Construct with NewServer
// and attach with RegisterHTTP.
type Server struct {
	baseURL  string
	store    store.Store
	sealer   *credseal.Sealer
	verifier IdentityVerifier
	logger   *slog.Logger

	authCodeTTL     time.Duration
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration

	allowUnregistered bool
	insecureTestMode  bool

	registrations *rateLimiter
}

// Options configures a Server. Zero TTLs take the package defaults.
type Options struct {
	BaseURL  string
	Store    store.Store
	Sealer   *credseal.Sealer
	Verifier IdentityVerifier
	Logger   *slog.Logger

	AuthCodeTTL     time.Duration
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// AllowUnregisteredClients auto-registers unknown client IDs at the
	// authorization endpoint as public clients bound to the redirect
	// URI they presented.
	AllowUnregisteredClients bool

	// InsecureTestMode accepts the fixed PKCE sentinel pair. Never
	// enable outside local development.
	InsecureTestMode bool
}

func NewServer(opts Options) *Server {
	s := &Server{
		baseURL:           strings.TrimRight(opts.BaseURL, "/"),
		store:             opts.Store,
		sealer:            opts.Sealer,
		verifier:          opts.Verifier,
		logger:            opts.Logger,
		authCodeTTL:       opts.AuthCodeTTL,
		accessTokenTTL:    opts.AccessTokenTTL,
		refreshTokenTTL:   opts.RefreshTokenTTL,
		allowUnregistered: opts.AllowUnregisteredClients,
		insecureTestMode:  opts.InsecureTestMode,
		registrations:     newRateLimiter(registrationRateLimit, registrationRateWindow),
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}

	if s.authCodeTTL <= 0 {
		s.authCodeTTL = defaultAuthCodeTTL
	}

	if s.accessTokenTTL <= 0 {
		s.accessTokenTTL = defaultAccessTokenTTL
	}

	if s.refreshTokenTTL <= 0 {
		s.refreshTokenTTL = defaultRefreshTokenTTL
	}

	return s
}

// AccessTokenTTL reports the configured access token lifetime.
func (s *Server) AccessTokenTTL() time.Duration {
	return s.accessTokenTTL
}

// RegisterHTTP registers the OAuth endpoints on the given mux.
func (s *Server) RegisterHTTP(mux *http.ServeMux) {
	mux.HandleFunc("/register", s.handleRegister)
	mux.HandleFunc("/register/{clientID}", s.handleClientRead)
	mux.HandleFunc("/authorize", s.handleAuthorize)
	mux.HandleFunc("/token", s.handleToken)
}
