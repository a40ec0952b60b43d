package mcp

import (
	"log/slog"
	"net/http"
	"slices"
	"strings"
)

var corsMethods = []string{"GET", "POST", "OPTIONS"}

const corsHeaders = "Content-Type, Authorization, MCP-Protocol-Version"

// CorsChecker decides whether a cross-origin request is admitted.
type CorsChecker interface {
	Check(r *http.Request) bool
}

// NewAllowlistCorsChecker admits only the given origins.
func NewAllowlistCorsChecker(origins []string) CorsChecker {
	return &allowlistCorsChecker{origins: origins}
}

// NewAllowAllCorsChecker admits every origin. Intended for local
// development; browser-based RPC hosts need it when no allowlist is
// configured.
func NewAllowAllCorsChecker() CorsChecker {
	return &allowAllCorsChecker{}
}

type allowAllCorsChecker struct{}

func (*allowAllCorsChecker) Check(*http.Request) bool {
	return true
}

type allowlistCorsChecker struct {
	origins []string
}

func (a *allowlistCorsChecker) Check(r *http.Request) bool {
	origin := r.Header.Get("Origin")

	if !isPreflight(r) {
		return slices.Contains(a.origins, origin)
	}

	method := r.Header.Get("Access-Control-Request-Method")

	return slices.Contains(a.origins, origin) && slices.Contains(corsMethods, method)
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions &&
		r.Header.Get("Origin") != "" &&
		r.Header.Get("Access-Control-Request-Method") != ""
}

// CheckCORS wraps next with CORS handling driven by checker. Denied
// origins are passed through without the allow headers; the browser
// enforces the block.
func CheckCORS(next http.Handler, checker CorsChecker, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		switch {
		case origin == "":
			// Same-origin or non-browser request, nothing to decide.
		case checker.Check(r):
			w.Header().Set("Access-Control-Allow-Origin", origin)

			if isPreflight(r) {
				w.Header().Set("Access-Control-Allow-Methods", strings.Join(corsMethods, ", "))
				w.Header().Set("Access-Control-Allow-Headers", corsHeaders)
			}
		default:
			logger.Warn("CheckCORS: origin not allowed", "origin", origin, "path", r.URL.Path)
		}

		w.Header().Add("Vary", "Origin")
		next.ServeHTTP(w, r)
	})
}
