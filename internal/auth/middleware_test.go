package auth

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStaticAPIKeyValidatorParsing(t *testing.T) {
	validator, err := NewStaticAPIKeyValidator("k1:alice:query_runner|query_reader, k2:bob:query_reader")
	if err != nil {
		t.Fatalf("NewStaticAPIKeyValidator() error = %v", err)
	}
	identity, ok := validator.Validate(context.Background(), "k1")
	if !ok {
		t.Fatal("expected key to be valid")
	}
	if identity.UserID != "alice" {
		t.Fatalf("UserID = %q", identity.UserID)
	}
	if !identity.HasRole(RoleQueryRunner) || !identity.HasRole(RoleQueryReader) {
		t.Fatalf("roles = %v", identity.Roles)
	}
	if identity.Roles[0] != RoleQueryReader {
		t.Fatalf("roles not sorted: %v", identity.Roles)
	}

	bob, ok := validator.Validate(context.Background(), "k2")
	if !ok || bob.HasRole(RoleQueryRunner) {
		t.Fatalf("bob = %+v, ok = %v", bob, ok)
	}
	if _, ok := validator.Validate(context.Background(), "missing"); ok {
		t.Fatal("unknown key should be invalid")
	}
}

func TestStaticAPIKeyValidatorRejectsBadSpec(t *testing.T) {
	for _, spec := range []string{"invalid", "k1::query_reader", "k1:alice: | ", "k1:a:r,k1:b:r"} {
		if _, err := NewStaticAPIKeyValidator(spec); err == nil {
			t.Fatalf("expected parse error for %q", spec)
		}
	}
}

func TestMiddlewareRequiresKey(t *testing.T) {
	validator, err := NewStaticAPIKeyValidator("k1:alice:query_reader")
	if err != nil {
		t.Fatalf("validator setup: %v", err)
	}

	mw := Middleware(slog.New(slog.NewJSONHandler(io.Discard, nil)), validator)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/query/history", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/query/history", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestMiddlewareInjectsIdentity(t *testing.T) {
	validator, err := NewStaticAPIKeyValidator("k1:alice:query_reader")
	if err != nil {
		t.Fatalf("validator setup: %v", err)
	}

	mw := Middleware(nil, validator)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatal("expected identity in context")
		}
		if got := UserIDFromRequest(r, "system"); got != "alice" || identity.UserID != "alice" {
			t.Fatalf("UserIDFromRequest() = %q", got)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/query/history", nil)
	req.Header.Set("Authorization", "Bearer k1")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestUserIDFromRequestFallbacks(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := UserIDFromRequest(req, "system"); got != "system" {
		t.Fatalf("UserIDFromRequest() = %q, want system", got)
	}
	req.Header.Set("X-User-ID", " U123 ")
	if got := UserIDFromRequest(req, "system"); got != "U123" {
		t.Fatalf("UserIDFromRequest() = %q, want U123", got)
	}
}

func TestAPIKeyFromRequestPrefersHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "PREMIUM_abc")
	req.Header.Set("Authorization", "Bearer other")
	if got := APIKeyFromRequest(req); got != "PREMIUM_abc" {
		t.Fatalf("APIKeyFromRequest() = %q", got)
	}
	req.Header.Del("X-API-Key")
	req.Header.Set("Authorization", "Basic zzz")
	if got := APIKeyFromRequest(req); got != "" {
		t.Fatalf("APIKeyFromRequest() = %q, want empty", got)
	}
}
