// Package wellknown serves the static discovery documents that let
// clients find the authorization endpoints and the sealing keys.
package wellknown

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ledgerbridge/monarch-mcp-oauth/oauth/credseal"
)

// metadataCacheControl applies to every discovery document. The
// documents only change on redeploy.
const metadataCacheControl = "public, max-age=3600"

// Server renders discovery metadata for a fixed base URL and resource.
type Server struct {
	baseURL  string
	resource string
	scopes   []string
	keys     *credseal.KeyManager
	logger   *slog.Logger
}

func NewServer(baseURL, resource string, scopes []string, keys *credseal.KeyManager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		baseURL:  baseURL,
		resource: resource,
		scopes:   scopes,
		keys:     keys,
		logger:   logger,
	}
}

func (s *Server) HandleJWKS(w http.ResponseWriter, r *http.Request) {
	jwks, err := s.keys.PublicJWKS(r.Context())
	if err != nil {
		s.logger.Error("HandleJWKS: exporting public keys", "error", err)
		http.Error(w, "could not export public keys", http.StatusInternalServerError)

		return
	}

	s.writeMetadata(w, jwks)
}

func (s *Server) writeMetadata(w http.ResponseWriter, doc any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", metadataCacheControl)

	if err := json.NewEncoder(w).Encode(doc); err != nil {
		s.logger.Error("writeMetadata: encoding document", "error", err)
	}
}

// RegisterHTTP attaches the discovery endpoints. The trailing-slash
// variants cover clients that append the resource path to the
// well-known prefix. The openid-configuration alias serves the same
// document for hosts that only probe the OIDC location.
func (s *Server) RegisterHTTP(mux *http.ServeMux) {
	mux.HandleFunc("/.well-known/oauth-authorization-server", s.HandleAuthorizationServer)
	mux.HandleFunc("/.well-known/oauth-authorization-server/", s.HandleAuthorizationServer)
	mux.HandleFunc("/.well-known/oauth-protected-resource", s.HandleProtectedResource)
	mux.HandleFunc("/.well-known/oauth-protected-resource/", s.HandleProtectedResource)
	mux.HandleFunc("/.well-known/openid-configuration", s.HandleAuthorizationServer)
	mux.HandleFunc("/.well-known/openid-configuration/", s.HandleAuthorizationServer)
	mux.HandleFunc("/.well-known/jwks.json", s.HandleJWKS)
}
