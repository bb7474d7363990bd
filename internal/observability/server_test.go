package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandler_Endpoints(t *testing.T) {
	ready := true
	h := Handler(func() bool { return ready })

	tests := []struct {
		name   string
		path   string
		ready  bool
		status int
	}{
		{"healthz", "/healthz", true, http.StatusOK},
		{"readyz ready", "/readyz", true, http.StatusOK},
		{"readyz draining", "/readyz", false, http.StatusServiceUnavailable},
		{"metrics", "/metrics", true, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ready = tt.ready
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.status {
				t.Errorf("GET %s = %d, want %d", tt.path, rec.Code, tt.status)
			}
		})
	}
}
