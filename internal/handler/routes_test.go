package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"relay-proxy/internal/config"
	"relay-proxy/internal/metrics"
)

func TestRegisterRoutes_Wiring(t *testing.T) {
	cfg := &config.Config{
		Server:  config.ServerConfig{Port: 15213, MaxWorkers: 4},
		Metrics: config.MetricsConfig{Path: "/internal/metrics"},
	}
	m := metrics.New()
	m.ConnectionsTotal.WithLabelValues(metrics.ResultAccepted).Inc()

	e := echo.New()
	RegisterRoutes(e, NewHealthHandler(cfg, fakeStats{capacity: 4}, "test"), m, cfg)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantBody   string
	}{
		{"GET /healthz", http.MethodGet, "/healthz", http.StatusOK, `"status":"ok"`},
		{"GET /proxy/status", http.MethodGet, "/proxy/status", http.StatusOK, `"listen_port":15213`},
		{"GET metrics", http.MethodGet, "/internal/metrics", http.StatusOK, "relay_proxy_connections_total"},
		{"POST /healthz not allowed", http.MethodPost, "/healthz", http.StatusMethodNotAllowed, ""},
		{"GET /metrics at default path is absent", http.MethodGet, "/metrics", http.StatusNotFound, ""},
		{"GET /unknown", http.MethodGet, "/unknown", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantBody != "" && !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body missing %q:\n%s", tt.wantBody, rec.Body.String())
			}
		})
	}
}
