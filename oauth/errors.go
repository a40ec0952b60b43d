package oauth

import (
	"encoding/json"
	"net/http"
)

// Grant-error vocabulary (RFC 6749 §5.2) plus the registration errors
// from RFC 7591 §3.2.2.
const (
	errInvalidRequest        = "invalid_request"
	errInvalidClient         = "invalid_client"
	errInvalidGrant          = "invalid_grant"
	errUnsupportedGrantType  = "unsupported_grant_type"
	errAccessDenied          = "access_denied"
	errUnsupportedResponse   = "unsupported_response_type"
	errServerError           = "server_error"
	errInvalidClientMetadata = "invalid_client_metadata"
	errInvalidRedirectURI    = "invalid_redirect_uri"
)

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// writeJSONError emits an OAuth error document. Token and registration
// responses are never cacheable.
func writeJSONError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(errorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}
