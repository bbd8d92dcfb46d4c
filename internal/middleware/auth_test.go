package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/cardservice/internal/model"
)

func TestAuthMiddleware_WithValidToken(t *testing.T) {
	m := NewAuthMiddleware("test-secret")
	token, err := m.IssueToken(Claims{Subject: "ext-42", Email: "jane@example.com", Role: model.RoleUser})
	require.NoError(t, err)

	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		c, ok := GetClaimsFromContext(r.Context())
		if !ok {
			t.Fatalf("claims not in context")
		}
		if c.Subject != "ext-42" || c.Email != "jane@example.com" {
			t.Fatalf("claims from context = %+v", c)
		}
	})

	r := httptest.NewRequest(http.MethodGet, "/api/cards", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	m.Middleware(next).ServeHTTP(httptest.NewRecorder(), r)

	if !nextCalled {
		t.Fatalf("next handler was not called")
	}
}

func TestAuthMiddleware_Rejects(t *testing.T) {
	m := NewAuthMiddleware("test-secret")
	other := NewAuthMiddleware("other-secret")

	valid, err := m.IssueToken(Claims{Subject: "ext-1"})
	require.NoError(t, err)
	foreign, err := other.IssueToken(Claims{Subject: "ext-1"})
	require.NoError(t, err)
	noSubject, err := m.IssueToken(Claims{Email: "a@b.c"})
	require.NoError(t, err)
	expired, err := m.IssueToken(Claims{Subject: "ext-1", ExpiresAt: time.Now().Add(-time.Minute).Unix()})
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
	}{
		{"no header", ""},
		{"basic scheme", "Basic " + valid},
		{"foreign signature", "Bearer " + foreign},
		{"tampered payload", "Bearer x" + valid},
		{"no subject", "Bearer " + noSubject},
		{"expired", "Bearer " + expired},
		{"garbage", "Bearer not-a-token"},
	}

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next handler should not be called")
	})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/api/cards", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}

			m.Middleware(next).ServeHTTP(w, r)

			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
		})
	}
}

func TestRequireAdmin(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name   string
		claims *Claims
		want   int
	}{
		{"admin", &Claims{Subject: "a", Role: model.RoleAdmin}, http.StatusNoContent},
		{"user", &Claims{Subject: "u", Role: model.RoleUser}, http.StatusForbidden},
		{"anonymous", nil, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/admin/requests", nil)
			if tt.claims != nil {
				r = r.WithContext(WithClaims(r.Context(), *tt.claims))
			}
			w := httptest.NewRecorder()

			RequireAdmin(ok).ServeHTTP(w, r)

			assert.Equal(t, tt.want, w.Code)
		})
	}
}
