package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		key    string
		header string
		query  string
		want   int
	}{
		{"no key configured passes", "", "", "", http.StatusOK},
		{"missing key rejected", "secret", "", "", http.StatusUnauthorized},
		{"wrong key rejected", "secret", "guess", "", http.StatusUnauthorized},
		{"header key passes", "secret", "secret", "", http.StatusOK},
		{"query key passes", "secret", "", "secret", http.StatusOK},
		{"header beats query", "secret", "secret", "wrong", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := requireKey(tt.key, okHandler())

			target := "/api/positions"
			if tt.query != "" {
				target += "?api_key=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("X-API-Key", tt.header)
			}

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
