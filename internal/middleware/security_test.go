package middleware

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSecurity_Headers(t *testing.T) {
	t.Parallel()

	serve := func(dev bool) http.Header {
		h := Security(SecurityConfig{IsDevelopment: dev})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/general/test", nil))
		return rec.Header()
	}

	prod := serve(false)
	want := map[string]string{
		"X-Content-Type-Options":       "nosniff",
		"X-Frame-Options":              "DENY",
		"Referrer-Policy":              "strict-origin-when-cross-origin",
		"Content-Security-Policy":      "default-src 'none'; frame-ancestors 'none'",
		"Cross-Origin-Opener-Policy":   "same-origin",
		"Cross-Origin-Resource-Policy": "same-origin",
		"Pragma":                       "no-cache",
		"Strict-Transport-Security":    "max-age=31536000; includeSubDomains; preload",
	}
	for k, v := range want {
		if got := prod.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
	if !strings.Contains(prod.Get("Cache-Control"), "no-store") {
		t.Errorf("Cache-Control = %q, quota responses must not be cached", prod.Get("Cache-Control"))
	}

	if got := serve(true).Get("Strict-Transport-Security"); got != "" {
		t.Errorf("development HSTS = %q, want unset", got)
	}
}

func TestMaxBodySize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		body        string
		hideLength  bool
		wantStatus  int
		wantReadErr bool
	}{
		{"within limit", `{"username":"a"}`, false, http.StatusOK, false},
		{"declared length over limit", strings.Repeat("x", 64), false, http.StatusRequestEntityTooLarge, false},
		{"undeclared length over limit", strings.Repeat("x", 64), true, http.StatusOK, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var readErr error
			h := MaxBodySize(32)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, readErr = io.ReadAll(r.Body)
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodPost, "/account/register", strings.NewReader(tt.body))
			if tt.hideLength {
				req.ContentLength = -1
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var maxErr *http.MaxBytesError
			if got := errors.As(readErr, &maxErr); got != tt.wantReadErr {
				t.Errorf("read error = %v, want MaxBytesError: %v", readErr, tt.wantReadErr)
			}
		})
	}
}
