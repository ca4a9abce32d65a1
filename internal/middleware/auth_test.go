package middleware

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestTokenAuthValidBearer(t *testing.T) {
	auth := NewTokenAuth(TokenAuthConfig{Token: "secret-token", Logger: testLogger()})

	var sawAuthInfo bool
	handler := auth.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := GetAuthInfo(r.Context())
		if info == nil {
			t.Error("expected auth info in context, got nil")
		} else {
			sawAuthInfo = true
			if info.Source != TokenSourceBearerHeader {
				t.Errorf("Source = %v, want bearer_header", info.Source)
			}
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/chats", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if !sawAuthInfo {
		t.Error("handler never ran with auth info")
	}
}

func TestTokenAuthMissingToken(t *testing.T) {
	auth := NewTokenAuth(TokenAuthConfig{Token: "secret-token", Logger: testLogger()})
	handler := auth.Wrap(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chats", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if got := rec.Header().Get("WWW-Authenticate"); got != `Bearer realm="reelay"` {
		t.Errorf("WWW-Authenticate = %q", got)
	}

	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if body.Error != "unauthorized" {
		t.Errorf("error = %q, want unauthorized", body.Error)
	}
}

func TestTokenAuthWrongToken(t *testing.T) {
	auth := NewTokenAuth(TokenAuthConfig{Token: "secret-token", Logger: testLogger()})
	handler := auth.Wrap(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/chats", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestTokenAuthEmptyBearerIsMalformed(t *testing.T) {
	extracted := extractFromBearerHeader(&http.Request{Header: http.Header{"Authorization": {"Bearer "}}})
	if !extracted.IsMalformed {
		t.Error("empty bearer value should be malformed")
	}
	if extracted.Token != "" {
		t.Errorf("Token = %q, want empty", extracted.Token)
	}
}

func TestTokenAuthQueryParam(t *testing.T) {
	auth := NewTokenAuth(TokenAuthConfig{Token: "secret-token", Logger: testLogger()})
	handler := auth.Wrap(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chats?token=secret-token", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestTokenAuthDisabledWhenNoTokenConfigured(t *testing.T) {
	auth := NewTokenAuth(TokenAuthConfig{Token: "", Logger: testLogger()})
	if auth.Enabled() {
		t.Fatal("empty token should disable auth")
	}
	handler := auth.Wrap(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chats", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 with auth disabled", rec.Code)
	}
}

func TestTokenAuthSkipPaths(t *testing.T) {
	auth := NewTokenAuth(TokenAuthConfig{
		Token:     "secret-token",
		SkipPaths: []string{"/health"},
		Logger:    testLogger(),
	})
	handler := auth.Wrap(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/health status = %d, want 200 without credentials", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chats", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("/chats status = %d, want 401", rec.Code)
	}
}

func TestBearerHeaderCaseInsensitive(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "bearer secret-token")
	extracted := ExtractToken(req)
	if extracted.Token != "secret-token" {
		t.Errorf("Token = %q, want secret-token", extracted.Token)
	}
	if extracted.Source != TokenSourceBearerHeader {
		t.Errorf("Source = %v, want bearer_header", extracted.Source)
	}
}

func TestBearerHeaderWinsOverQueryParam(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?token=from-query", nil)
	req.Header.Set("Authorization", "Bearer from-header")
	extracted := ExtractToken(req)
	if extracted.Token != "from-header" {
		t.Errorf("Token = %q, want from-header", extracted.Token)
	}
}
