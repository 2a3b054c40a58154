package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func guarded(t *testing.T, tokens ...Token) http.Handler {
	t.Helper()
	svc, err := NewService(tokens)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	mw := svc.Middleware(MiddlewareConfig{RequiredPermissions: map[string][]string{
		http.MethodGet:  {PermissionRead},
		http.MethodPost: {PermissionWrite},
	}})
	return mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := SubjectFromContext(r.Context())
		if subject != nil {
			w.Header().Set("X-Subject", subject.Name)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
}

func TestMiddlewareDisabledWithoutTokens(t *testing.T) {
	rec := httptest.NewRecorder()
	guarded(t).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/agents/a/inbox", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected pass-through, got %d", rec.Code)
	}
}

func TestMiddlewareEnforcesTokensAndPermissions(t *testing.T) {
	handler := guarded(t,
		Token{Name: "viewer", Secret: "view-secret", Permissions: []string{PermissionRead}},
		Token{Name: "operator", Secret: "op-secret", Permissions: []string{"READ", "write"}},
	)

	cases := []struct {
		name   string
		method string
		header string
		want   int
		user   string
	}{
		{"missing header", http.MethodGet, "", http.StatusUnauthorized, ""},
		{"wrong scheme", http.MethodGet, "Basic view-secret", http.StatusUnauthorized, ""},
		{"unknown token", http.MethodGet, "Bearer nope", http.StatusUnauthorized, ""},
		{"viewer reads", http.MethodGet, "Bearer view-secret", http.StatusNoContent, "viewer"},
		{"viewer cannot write", http.MethodPost, "Bearer view-secret", http.StatusForbidden, ""},
		{"operator writes", http.MethodPost, "bearer op-secret", http.StatusNoContent, "operator"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, "/api/v1/agents", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
			if got := rec.Header().Get("X-Subject"); got != tc.user {
				t.Fatalf("unexpected subject %q", got)
			}
		})
	}
}

func TestNewServiceRejectsEmptySecret(t *testing.T) {
	if _, err := NewService([]Token{{Name: "x"}}); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}
