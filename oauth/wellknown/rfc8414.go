package wellknown

import (
	"net/http"
)

// AuthServerMetadata is the RFC 8414 authorization server metadata
// document, trimmed to the fields this server populates.
type AuthServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint,omitempty"`
	TokenEndpoint                     string   `json:"token_endpoint,omitempty"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	JwksURI                           string   `json:"jwks_uri,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	ResponseModesSupported            []string `json:"response_modes_supported,omitempty"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	ServiceDocumentation              string   `json:"service_documentation,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
}

func (s *Server) HandleAuthorizationServer(w http.ResponseWriter, r *http.Request) {
	s.writeMetadata(w, AuthServerMetadata{
		Issuer:                 s.baseURL,
		AuthorizationEndpoint:  s.baseURL + "/authorize",
		TokenEndpoint:          s.baseURL + "/token",
		RegistrationEndpoint:   s.baseURL + "/register",
		JwksURI:                s.baseURL + "/.well-known/jwks.json",
		ScopesSupported:        s.scopes,
		ResponseTypesSupported: []string{"code"},
		ResponseModesSupported: []string{"query"},
		GrantTypesSupported: []string{
			"authorization_code",
			"refresh_token",
		},
		TokenEndpointAuthMethodsSupported: []string{
			"client_secret_post",
			"none",
		},
		ServiceDocumentation:          "https://github.com/ledgerbridge/monarch-mcp-oauth",
		CodeChallengeMethodsSupported: []string{"S256"},
	})
}
