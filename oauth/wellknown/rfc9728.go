package wellknown

import (
	"net/http"
)

// ProtectedResourceMetadata is the RFC 9728 protected resource
// metadata document, trimmed to the fields this server populates.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	JwksURI                string   `json:"jwks_uri,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceName           string   `json:"resource_name,omitempty"`
	ResourceDocumentation  string   `json:"resource_documentation,omitempty"`
}

func (s *Server) HandleProtectedResource(w http.ResponseWriter, r *http.Request) {
	s.writeMetadata(w, ProtectedResourceMetadata{
		Resource:               s.resource,
		AuthorizationServers:   []string{s.baseURL},
		JwksURI:                s.baseURL + "/.well-known/jwks.json",
		ScopesSupported:        s.scopes,
		BearerMethodsSupported: []string{"header"},
		ResourceName:           "Monarch Money MCP",
		ResourceDocumentation:  "https://github.com/ledgerbridge/monarch-mcp-oauth",
	})
}
