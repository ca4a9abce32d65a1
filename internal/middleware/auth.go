// Package middleware provides HTTP middleware for the Reelay gateway.
package middleware

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"reelay/pkg/protocol"
	"reelay/pkg/tokens"
)

// contextKey is a type for context keys to avoid collisions
type contextKey string

// AuthContextKey is the context key for storing authentication info
const AuthContextKey contextKey = "auth"

// TokenSource indicates where a token was extracted from
type TokenSource int

const (
	// TokenSourceNone indicates no token was found
	TokenSourceNone TokenSource = iota
	// TokenSourceBearerHeader indicates token from Authorization: Bearer header
	TokenSourceBearerHeader
	// TokenSourceQueryParam indicates token from ?token= query parameter
	TokenSourceQueryParam
	// TokenSourceSubprotocol indicates token from Sec-WebSocket-Protocol header
	TokenSourceSubprotocol
)

func (s TokenSource) String() string {
	switch s {
	case TokenSourceBearerHeader:
		return "bearer_header"
	case TokenSourceQueryParam:
		return "query_param"
	case TokenSourceSubprotocol:
		return "ws_subprotocol"
	default:
		return "none"
	}
}

// ExtractedToken is the outcome of scanning a request for credentials.
type ExtractedToken struct {
	Token  string
	Source TokenSource
	// IsMalformed means a credential carrier was present but empty
	// (e.g. "Authorization: Bearer" with nothing after it).
	IsMalformed bool
}

// ExtractToken scans an API request for a token. Sources in priority order:
//  1. Authorization: Bearer <token>
//  2. ?token= query parameter
func ExtractToken(r *http.Request) ExtractedToken {
	if t := extractFromBearerHeader(r); t.Source != TokenSourceNone {
		return t
	}
	if t := extractFromQueryParam(r); t.Source != TokenSourceNone {
		return t
	}
	return ExtractedToken{Source: TokenSourceNone}
}

// ExtractTokenWS scans a WebSocket upgrade request, additionally accepting
// the token as the extra entry in the requested sub-protocol list
// ("reelay.v1, <token>").
func ExtractTokenWS(r *http.Request) ExtractedToken {
	if t := extractFromBearerHeader(r); t.Source != TokenSourceNone {
		return t
	}
	if t := extractFromSubprotocol(r); t.Source != TokenSourceNone {
		return t
	}
	if t := extractFromQueryParam(r); t.Source != TokenSourceNone {
		return t
	}
	return ExtractedToken{Source: TokenSourceNone}
}

func extractFromBearerHeader(r *http.Request) ExtractedToken {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ExtractedToken{}
	}

	// Must start with "Bearer " (case-insensitive per RFC 7235)
	const bearerPrefix = "Bearer "
	if len(auth) < len(bearerPrefix) || !strings.EqualFold(auth[:len(bearerPrefix)], bearerPrefix) {
		return ExtractedToken{}
	}

	token := strings.TrimSpace(auth[len(bearerPrefix):])
	if token == "" {
		return ExtractedToken{Source: TokenSourceBearerHeader, IsMalformed: true}
	}
	return ExtractedToken{Token: token, Source: TokenSourceBearerHeader}
}

func extractFromQueryParam(r *http.Request) ExtractedToken {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		return ExtractedToken{}
	}
	return ExtractedToken{Token: token, Source: TokenSourceQueryParam}
}

// extractFromSubprotocol reads the token from the sub-protocol list. The
// client requests "reelay.v1" plus the raw token as a second protocol; any
// entry that is not the version protocol is treated as the credential.
func extractFromSubprotocol(r *http.Request) ExtractedToken {
	header := r.Header.Get("Sec-WebSocket-Protocol")
	if header == "" {
		return ExtractedToken{}
	}

	sawVersion := false
	var token string
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if part == protocol.Subprotocol {
			sawVersion = true
		} else if token == "" {
			token = part
		}
	}

	if !sawVersion || token == "" {
		return ExtractedToken{}
	}
	return ExtractedToken{Token: token, Source: TokenSourceSubprotocol}
}

// AuthInfo contains authenticated client information stored in request context
type AuthInfo struct {
	// Source indicates where the token was extracted from
	Source TokenSource
	// AuthenticatedAt is when this request was authenticated
	AuthenticatedAt time.Time
}

// GetAuthInfo retrieves authentication info from the request context
// Returns nil if the request is not authenticated
func GetAuthInfo(ctx context.Context) *AuthInfo {
	if info, ok := ctx.Value(AuthContextKey).(*AuthInfo); ok {
		return info
	}
	return nil
}

// IsAuthenticated checks if the request context contains valid auth info
func IsAuthenticated(ctx context.Context) bool {
	return GetAuthInfo(ctx) != nil
}

// AuthError represents an authentication error
type AuthError struct {
	// Code is the HTTP status code
	Code int `json:"-"`
	// Error is the error identifier (e.g., "unauthorized", "forbidden")
	Error string `json:"error"`
	// Message is a human-readable description (generic, no details)
	Message string `json:"message"`
}

// Standard auth errors - generic messages to avoid information leakage
var (
	ErrMissingToken = AuthError{
		Code:    http.StatusUnauthorized,
		Error:   "unauthorized",
		Message: "Authentication required",
	}
	ErrMalformedToken = AuthError{
		Code:    http.StatusUnauthorized,
		Error:   "unauthorized",
		Message: "Authentication required",
	}
	ErrInvalidToken = AuthError{
		Code:    http.StatusForbidden,
		Error:   "forbidden",
		Message: "Access denied",
	}
)

// TokenAuth validates requests against a single configured token. An empty
// token disables authentication entirely, which is the local-development
// default.
type TokenAuth struct {
	token     string
	skipPaths map[string]bool
	logger    *log.Logger
}

// TokenAuthConfig contains configuration for TokenAuth
type TokenAuthConfig struct {
	// Token is the shared secret; empty disables auth
	Token string
	// SkipPaths is a list of paths that don't require authentication
	SkipPaths []string
	// Logger overrides the default logger
	Logger *log.Logger
}

// NewTokenAuth creates the authentication middleware
func NewTokenAuth(cfg TokenAuthConfig) *TokenAuth {
	skip := make(map[string]bool)
	for _, p := range cfg.SkipPaths {
		skip[p] = true
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &TokenAuth{token: cfg.Token, skipPaths: skip, logger: logger}
}

// Enabled reports whether a token is configured.
func (a *TokenAuth) Enabled() bool {
	return a.token != ""
}

// Check validates an already-extracted token. Returns nil on success.
func (a *TokenAuth) Check(extracted ExtractedToken) *AuthError {
	if !a.Enabled() {
		return nil
	}
	if extracted.Token == "" {
		if extracted.IsMalformed {
			return &ErrMalformedToken
		}
		return &ErrMissingToken
	}
	if !tokens.CompareTokens(extracted.Token, a.token) {
		return &ErrInvalidToken
	}
	return nil
}

// Wrap wraps an http.Handler with authentication
func (a *TokenAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() || a.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		extracted := ExtractToken(r)
		if authErr := a.Check(extracted); authErr != nil {
			a.logger.Printf("[Auth] Rejected %s %s from %s (source: %s)",
				r.Method, r.URL.Path, r.RemoteAddr, extracted.Source)
			a.sendError(w, *authErr)
			return
		}

		info := &AuthInfo{Source: extracted.Source, AuthenticatedAt: time.Now()}
		ctx := context.WithValue(r.Context(), AuthContextKey, info)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WrapFunc wraps an http.HandlerFunc with authentication
func (a *TokenAuth) WrapFunc(next http.HandlerFunc) http.HandlerFunc {
	return a.Wrap(next).ServeHTTP
}

// sendError sends an authentication error response
func (a *TokenAuth) sendError(w http.ResponseWriter, authErr AuthError) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="reelay"`)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(authErr.Code)

	response := struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}{
		Error:   authErr.Error,
		Message: authErr.Message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		a.logger.Printf("[Auth] Failed to encode error response: %v", err)
	}
}
