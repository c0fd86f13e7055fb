package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORS(t *testing.T) {
	t.Parallel()
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	const frontend = "https://app.example.com"
	tests := []struct {
		name       string
		allowAny   bool
		origin     string
		method     string
		wantOrigin string
		wantCreds  string
		wantStatus int
	}{
		{"frontend origin", false, frontend, http.MethodGet, frontend, "true", http.StatusTeapot},
		{"frontend origin in dev", true, frontend, http.MethodGet, frontend, "true", http.StatusTeapot},
		{"any origin in dev", true, "https://x.example.com", http.MethodGet, "https://x.example.com", "", http.StatusTeapot},
		{"rejected origin", false, "https://evil.example.com", http.MethodGet, "", "", http.StatusTeapot},
		{"no origin", true, "", http.MethodGet, "", "", http.StatusTeapot},
		{"preflight", true, "https://x.example.com", http.MethodOptions, "https://x.example.com", "", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(tt.method, "/api/campaigns", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			CORS(frontend+"/", tt.allowAny)(next).ServeHTTP(w, r)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("allow origin = %q, want %q", got, tt.wantOrigin)
			}
			if got := w.Header().Get("Access-Control-Allow-Credentials"); got != tt.wantCreds {
				t.Errorf("allow credentials = %q, want %q", got, tt.wantCreds)
			}
		})
	}
}
