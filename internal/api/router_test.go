package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/charlesng35/confsessions/internal/api"
	"github.com/charlesng35/confsessions/internal/app"
	iauth "github.com/charlesng35/confsessions/internal/auth"
	"github.com/charlesng35/confsessions/internal/handlers/testutil"
	"github.com/charlesng35/confsessions/internal/monitoring"
	"github.com/charlesng35/confsessions/internal/monitoring/checks"
	"github.com/charlesng35/confsessions/internal/realtime"
	"github.com/charlesng35/confsessions/internal/sessions"
)

func TestNewRouterRequiresDependencies(t *testing.T) {
	_, err := api.NewRouter(api.Dependencies{})
	require.Error(t, err)

	_, err = api.NewRouter(api.Dependencies{Config: &app.Config{}})
	require.ErrorContains(t, err, "registry")
}

func TestRouterHealthRoutes(t *testing.T) {
	env := testutil.NewEnv(t)
	env.Monitoring.Health().RegisterReadiness(checks.SessionStore(env.Registry, time.Second))

	for _, path := range []string{"/health", "/health/live", "/health/ready", "/api/health/ready"} {
		w := env.Request(http.MethodGet, path, nil, "")
		require.Equal(t, http.StatusOK, w.Code, path)
	}

	w := env.Request(http.MethodGet, "/health/ready", nil, "")
	var body struct {
		Success bool                     `json:"success"`
		Checks  []monitoring.ProbeResult `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.True(t, body.Success)
	require.Len(t, body.Checks, 1)
	require.Equal(t, "session_store", body.Checks[0].Component)
	require.Equal(t, "memory", body.Checks[0].Details)
}

func TestRouterHealthReportsDownCheck(t *testing.T) {
	env := testutil.NewEnv(t)
	env.Monitoring.Health().RegisterReadiness(checks.SessionStore(nil, time.Second))

	w := env.Request(http.MethodGet, "/health/ready", nil, "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code, w.Body.String())

	// Liveness does not depend on readiness checks.
	w = env.Request(http.MethodGet, "/health/live", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestRouterMetricsEndpoint(t *testing.T) {
	env := testutil.NewEnv(t)
	monitoring.SetModule(env.Monitoring)

	w := env.Request(http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = env.Request(http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "confsessions_api_latency_seconds")
}

func TestRouterNotFound(t *testing.T) {
	env := testutil.NewEnv(t)

	w := env.Request(http.MethodGet, "/nothing/here", nil, "")
	require.Equal(t, http.StatusNotFound, w.Code)

	resp := testutil.DecodeResponse(t, w)
	require.False(t, resp.Success)
	require.Equal(t, "NOT_FOUND", resp.Error.Code)
}

func TestRouterProtectedRoutes(t *testing.T) {
	env := testutil.NewEnv(t)

	for _, route := range []struct{ method, path string }{
		{http.MethodGet, "/api/sessions"},
		{http.MethodGet, "/api/sessions/statistics"},
		{http.MethodPost, "/api/streams"},
		{http.MethodGet, "/api/rooms/1/counts"},
		{http.MethodGet, "/api/servers/local/rooms"},
		{http.MethodGet, "/api/monitoring/summary"},
	} {
		w := env.Request(route.method, route.path, nil, "")
		require.Equal(t, http.StatusUnauthorized, w.Code, route.path)
		require.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"), route.path)
	}
}

func TestRouterRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := &app.Config{
		Server: app.ServerConfig{RateLimit: app.RateLimitConfig{Requests: 2, Window: time.Minute}},
		Auth:   app.AuthConfig{JWT: app.JWTSettings{Secret: "rate-limit-secret-with-32-bytes!!", Issuer: "test"}},
	}
	jwtSvc, err := iauth.NewJWTService(cfg.Auth.JWTServiceConfig())
	require.NoError(t, err)
	registry, err := sessions.NewRegistry(sessions.NewMemorySource(), sessions.Options{})
	require.NoError(t, err)

	router, err := api.NewRouter(api.Dependencies{
		Config:   cfg,
		Registry: registry,
		JWT:      jwtSvc,
		Hub:      realtime.NewHub(""),
	})
	require.NoError(t, err)

	token, err := jwtSvc.GenerateToken(iauth.TokenInput{Subject: "operator", Roles: []string{iauth.RoleAdmin}})
	require.NoError(t, err)

	status := func() int {
		req := httptest.NewRequest(http.MethodGet, "/api/sessions/statistics", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}
	require.Equal(t, http.StatusOK, status())
	require.Equal(t, http.StatusOK, status())
	require.Equal(t, http.StatusTooManyRequests, status())

	// Health and metrics stay outside the limited group.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.NotEqual(t, http.StatusTooManyRequests, w.Code)
}
