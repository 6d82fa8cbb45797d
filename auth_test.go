package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTokenMatches(t *testing.T) {
	cases := []struct {
		expected, got string
		want          bool
	}{
		{"admin", "admin", true},
		{"admin", "admin ", false},
		{"admin", "", false},
		{"", "", false},
		{"admin", "ADMIN", false},
	}
	for _, c := range cases {
		if got := tokenMatches(c.expected, c.got); got != c.want {
			t.Errorf("tokenMatches(%q, %q) = %v", c.expected, c.got, got)
		}
	}
}

func TestAuthMiddleware(t *testing.T) {
	h := AuthMiddleware("admin")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for header, want := range map[string]int{
		"":             http.StatusUnauthorized,
		"admin":        http.StatusUnauthorized,
		"Basic admin":  http.StatusUnauthorized,
		"Bearer nope":  http.StatusUnauthorized,
		"Bearer admin": http.StatusNoContent,
	} {
		req := httptest.NewRequest(http.MethodGet, "/config", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Errorf("Authorization %q: got %d, want %d", header, rec.Code, want)
		}
	}
}
