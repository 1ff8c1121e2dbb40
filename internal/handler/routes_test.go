package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRegisterRoutes_Wiring(t *testing.T) {
	var upstreamPaths []string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamPaths = append(upstreamPaths, r.Method+" "+r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	cfg := testConfig(upstream.URL)
	e, _ := newTestEcho(t, cfg)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		proxied    bool
	}{
		{"GET /healthz", http.MethodGet, "/healthz", http.StatusOK, false},
		{"GET /proxy/status", http.MethodGet, "/proxy/status", http.StatusOK, false},
		{"GET /metrics", http.MethodGet, "/metrics", http.StatusOK, false},
		{"GET rule prefix", http.MethodGet, "/proxyPrefix/articles/42", http.StatusOK, true},
		{"POST rule prefix", http.MethodPost, "/proxyPrefix/form", http.StatusOK, true},
		{"DELETE rule prefix", http.MethodDelete, "/proxyPrefix/item/1", http.StatusOK, true},
		{"GET catch-all", http.MethodGet, "/flows/develop", http.StatusOK, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(upstreamPaths)

			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if proxied := len(upstreamPaths) > before; proxied != tt.proxied {
				t.Errorf("proxied = %v, want %v", proxied, tt.proxied)
			}
		})
	}
}

func TestRegisterRoutes_MetricsDisabled(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Metrics.Enabled = false
	e, _ := newTestEcho(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	// Without the local route the path is proxy-bound; the unreachable
	// upstream makes it fall through to 404.
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if strings.Contains(rec.Body.String(), "markproxy_") {
		t.Error("metrics exposed while disabled")
	}
}
