package api

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psaab/bpfpp/pkg/config"
	"github.com/psaab/bpfpp/pkg/stats"
)

func basicAuth(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func guardedServer(t *testing.T, api config.APIConfig) http.Handler {
	t.Helper()
	s := NewServer(Config{
		API:    api,
		Source: histogramStore(t),
	})
	return s.httpServer.Handler
}

func TestAuthLatencyEndpoints(t *testing.T) {
	h := guardedServer(t, config.APIConfig{
		Users:   map[string]string{"ops": "s3cret"},
		APIKeys: []string{"key-a", "key-b"},
	})

	tests := []struct {
		name   string
		path   string
		header map[string]string
		want   int
	}{
		{name: "health is public", path: "/health", want: http.StatusOK},
		{name: "status is public", path: "/api/v1/status", want: http.StatusOK},
		{name: "metrics open to scrapers", path: "/metrics", want: http.StatusOK},
		{name: "stats without credentials", path: "/api/v1/stats", want: http.StatusUnauthorized},
		{name: "histogram without credentials", path: "/api/v1/histogram", want: http.StatusUnauthorized},
		{name: "timestamps without credentials", path: "/api/v1/timestamps/3", want: http.StatusUnauthorized},
		{
			name:   "basic auth",
			path:   "/api/v1/stats",
			header: map[string]string{"Authorization": basicAuth("ops", "s3cret")},
			want:   http.StatusOK,
		},
		{
			name:   "basic auth wrong password",
			path:   "/api/v1/stats",
			header: map[string]string{"Authorization": basicAuth("ops", "s3cret!")},
			want:   http.StatusUnauthorized,
		},
		{
			name:   "basic auth unknown user",
			path:   "/api/v1/stats",
			header: map[string]string{"Authorization": basicAuth("root", "s3cret")},
			want:   http.StatusUnauthorized,
		},
		{
			name:   "basic auth malformed",
			path:   "/api/v1/stats",
			header: map[string]string{"Authorization": "Basic %%%"},
			want:   http.StatusUnauthorized,
		},
		{
			name:   "second key as bearer token",
			path:   "/api/v1/histogram",
			header: map[string]string{"Authorization": "Bearer key-b"},
			want:   http.StatusOK,
		},
		{
			name:   "key prefix is not a key",
			path:   "/api/v1/histogram",
			header: map[string]string{"Authorization": "Bearer key-"},
			want:   http.StatusUnauthorized,
		},
		{
			name:   "X-API-Key",
			path:   "/api/v1/stats",
			header: map[string]string{"X-API-Key": "key-a"},
			want:   http.StatusOK,
		},
		{
			name:   "wrong X-API-Key",
			path:   "/api/v1/stats",
			header: map[string]string{"X-API-Key": "key-c"},
			want:   http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Basic realm=")
				assert.Contains(t, w.Body.String(), "authentication required")
			}
		})
	}
}

func TestAuthProtectMetrics(t *testing.T) {
	h := guardedServer(t, config.APIConfig{APIKeys: []string{"k"}, ProtectMetrics: true})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest("GET", "/metrics", nil)
	req.Header.Set("X-API-Key", "k")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "bpfpp_rounds_total")
}

func TestAuthDisabledWithoutCredentials(t *testing.T) {
	assert.Nil(t, newAuthenticator(config.APIConfig{Addr: ":9464"}))

	h := guardedServer(t, config.APIConfig{})
	var resp StatsResponse
	require.Equal(t, http.StatusOK, get(t, h, "/api/v1/stats", &resp))
	assert.Equal(t, stats.ModeHistogram.String(), resp.Mode)
}
