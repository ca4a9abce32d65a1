package middleware

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"reelay/internal/config"
	"reelay/internal/ratelimit"
)

// RateLimitMiddleware provides HTTP rate limiting. Requests are keyed by
// client IP; authenticated requests get the larger window.
type RateLimitMiddleware struct {
	anonymousLimiter     *ratelimit.SlidingWindow
	authenticatedLimiter *ratelimit.SlidingWindow
	config               config.RateLimitingConfig
	logger               *log.Logger
	onRateLimitExceeded  func(r *http.Request, identifier string, isAnonymous bool)
}

// RateLimitOptions contains initialization options for the middleware
type RateLimitOptions struct {
	Config              config.RateLimitingConfig
	Logger              *log.Logger
	OnRateLimitExceeded func(r *http.Request, identifier string, isAnonymous bool)
}

// NewRateLimitMiddleware creates a new rate limiting middleware
func NewRateLimitMiddleware(opts RateLimitOptions) *RateLimitMiddleware {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	m := &RateLimitMiddleware{
		config:              opts.Config,
		logger:              logger,
		onRateLimitExceeded: opts.OnRateLimitExceeded,
	}
	if !opts.Config.Enabled {
		// Disabled middleware passes every request through
		return m
	}

	cleanupInterval := time.Duration(opts.Config.CleanupIntervalSeconds) * time.Second
	if cleanupInterval <= 0 {
		cleanupInterval = 60 * time.Second
	}

	m.anonymousLimiter = ratelimit.NewSlidingWindow(
		time.Duration(opts.Config.Anonymous.WindowSeconds)*time.Second,
		opts.Config.Anonymous.MaxRequests,
		cleanupInterval,
	)
	m.authenticatedLimiter = ratelimit.NewSlidingWindow(
		time.Duration(opts.Config.Authenticated.WindowSeconds)*time.Second,
		opts.Config.Authenticated.MaxRequests,
		cleanupInterval,
	)
	return m
}

// Wrap wraps an http.Handler with rate limiting
func (m *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.config.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		identifier := ExtractClientIP(r)
		isAnonymous := !IsAuthenticated(r.Context())

		var allowed bool
		var remaining, retryAfter int
		var resetTime time.Time
		if isAnonymous {
			allowed, remaining, resetTime, retryAfter = m.anonymousLimiter.Allow(identifier)
		} else {
			allowed, remaining, resetTime, retryAfter = m.authenticatedLimiter.Allow(identifier)
		}

		m.setRateLimitHeaders(w, allowed, remaining, resetTime, retryAfter, isAnonymous)

		if !allowed {
			if m.onRateLimitExceeded != nil {
				m.onRateLimitExceeded(r, identifier, isAnonymous)
			}
			m.logger.Printf("[RateLimit] Rate limit exceeded: %s %s (identifier: %s, type: %s)",
				r.Method, r.URL.Path, sanitizeIdentifier(identifier), identifierType(isAnonymous))
			m.sendRateLimitError(w, retryAfter)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// WrapFunc wraps an http.HandlerFunc with rate limiting
func (m *RateLimitMiddleware) WrapFunc(next http.HandlerFunc) http.HandlerFunc {
	return m.Wrap(next).ServeHTTP
}

// AllowCommand applies the limiter to a non-HTTP action, such as a command
// frame on an established WebSocket. Returns false with the retry delay in
// seconds when the client is over budget.
func (m *RateLimitMiddleware) AllowCommand(identifier string, authenticated bool) (bool, int) {
	if !m.config.Enabled {
		return true, 0
	}
	limiter := m.anonymousLimiter
	if authenticated {
		limiter = m.authenticatedLimiter
	}
	allowed, _, _, retryAfter := limiter.Allow(identifier)
	return allowed, retryAfter
}

// setRateLimitHeaders sets standard rate limiting HTTP headers
func (m *RateLimitMiddleware) setRateLimitHeaders(w http.ResponseWriter, allowed bool, remaining int, resetTime time.Time, retryAfter int, isAnonymous bool) {
	limit := m.config.Authenticated.MaxRequests
	if isAnonymous {
		limit = m.config.Anonymous.MaxRequests
	}

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime.Unix(), 10))
	if !allowed && retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
}

// sendRateLimitError sends a 429 Too Many Requests response
func (m *RateLimitMiddleware) sendRateLimitError(w http.ResponseWriter, retryAfter int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusTooManyRequests)

	errorResponse := struct {
		Error      string `json:"error"`
		Message    string `json:"message"`
		RetryAfter int    `json:"retryAfter"`
	}{
		Error:      "rate_limit_exceeded",
		Message:    "Rate limit exceeded. Try again later.",
		RetryAfter: retryAfter,
	}
	if err := json.NewEncoder(w).Encode(errorResponse); err != nil {
		m.logger.Printf("[RateLimit] Failed to encode error response: %v", err)
	}
}

// ExtractClientIP extracts the real client IP from the request, checking
// the standard proxy headers before falling back to RemoteAddr.
func ExtractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// First entry is the original client
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			ip := strings.TrimSpace(ips[0])
			if net.ParseIP(ip) != nil {
				return ip
			}
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		if net.ParseIP(xri) != nil {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// sanitizeIdentifier masks most of an IP for logging
func sanitizeIdentifier(identifier string) string {
	ip := net.ParseIP(identifier)
	if ip == nil {
		return "IP_ADDR"
	}
	if ip.To4() != nil {
		parts := strings.Split(identifier, ".")
		if len(parts) >= 2 {
			return fmt.Sprintf("%s.%s.*.*", parts[0], parts[1])
		}
	}
	parts := strings.Split(identifier, ":")
	if len(parts) >= 1 {
		return fmt.Sprintf("%s::*", parts[0])
	}
	return "IP_ADDR"
}

func identifierType(isAnonymous bool) string {
	if isAnonymous {
		return "anonymous"
	}
	return "authenticated"
}

// Stop stops the rate limiting middleware and cleans up resources
func (m *RateLimitMiddleware) Stop() {
	if m.anonymousLimiter != nil {
		m.anonymousLimiter.Stop()
	}
	if m.authenticatedLimiter != nil {
		m.authenticatedLimiter.Stop()
	}
}
