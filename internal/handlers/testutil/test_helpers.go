package testutil

import (
	"bytes"
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
	"github.com/charlesng35/confsessions/internal/monitoring"
	"github.com/charlesng35/confsessions/internal/realtime"
	"github.com/charlesng35/confsessions/internal/sessions"
	"github.com/charlesng35/confsessions/pkg/response"
)

const testSecret = "test-suite-super-secret-key-32-bytes!!"

// Env encapsulates a fully-wired API instance backed by an in-memory registry for handler tests.
type Env struct {
	T          *testing.T
	Config     *app.Config
	Registry   *sessions.Registry
	Hub        *realtime.Hub
	JWT        *iauth.JWTService
	Monitoring *monitoring.Module
	Router     *gin.Engine
}

// Option customises the environment before the router is built.
type Option func(*envOptions)

type envOptions struct {
	node   *sessions.Server
	source sessions.Source
}

// WithNode makes the registry run as node instead of the master node.
func WithNode(node *sessions.Server) Option {
	return func(o *envOptions) { o.node = node }
}

// WithSource replaces the in-memory session source.
func WithSource(source sessions.Source) Option {
	return func(o *envOptions) { o.source = source }
}

// NewEnv provisions a fresh handler test environment.
func NewEnv(t *testing.T, opts ...Option) *Env {
	t.Helper()

	gin.SetMode(gin.TestMode)

	options := envOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if options.source == nil {
		options.source = sessions.NewMemorySource()
	}

	cfg := &app.Config{
		Monitoring: app.MonitoringConfig{
			Prometheus: app.PrometheusConfig{Enabled: true, Endpoint: "/metrics"},
			Health:     app.HealthConfig{Enabled: true, Timeout: time.Second},
		},
		Auth: app.AuthConfig{
			JWT: app.JWTSettings{Secret: testSecret, Issuer: "test-suite", TTL: time.Hour},
		},
	}
	if options.node != nil {
		cfg.Cluster.ServerID = options.node.ID
		cfg.Cluster.ServerName = options.node.Name
	}

	jwtSvc, err := iauth.NewJWTService(cfg.Auth.JWTServiceConfig())
	require.NoError(t, err)

	mod, err := monitoring.NewModule(monitoring.Options{DisableGoCollector: true, DisableProcessCollector: true})
	require.NoError(t, err)

	hub := realtime.NewHub("")
	registry, err := sessions.NewRegistry(options.source, sessions.Options{
		Node:         options.node,
		StoreTimeout: time.Second,
		Events:       hub,
	})
	require.NoError(t, err)

	router, err := api.NewRouter(api.Dependencies{
		Config:     cfg,
		Registry:   registry,
		JWT:        jwtSvc,
		Hub:        hub,
		Monitoring: mod,
	})
	require.NoError(t, err)

	return &Env{
		T:          t,
		Config:     cfg,
		Registry:   registry,
		Hub:        hub,
		JWT:        jwtSvc,
		Monitoring: mod,
		Router:     router,
	}
}

// Token issues a token for subject carrying roles.
func (e *Env) Token(subject string, roles ...string) string {
	e.T.Helper()
	token, err := e.JWT.GenerateToken(iauth.TokenInput{Subject: subject, Roles: roles})
	require.NoError(e.T, err)
	return token
}

// ServerToken issues a media token bound to serverID.
func (e *Env) ServerToken(subject, serverID string) string {
	e.T.Helper()
	token, err := e.JWT.GenerateToken(iauth.TokenInput{Subject: subject, Roles: []string{iauth.RoleMedia}, ServerID: serverID})
	require.NoError(e.T, err)
	return token
}

// AdminToken issues an operator token.
func (e *Env) AdminToken() string {
	return e.Token("operator", iauth.RoleAdmin)
}

// MediaToken issues a token for a media server without a bound server id.
func (e *Env) MediaToken() string {
	return e.Token("media-server", iauth.RoleMedia)
}

// APIResponse represents the canonical API envelope returned by handlers.
type APIResponse struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *response.ErrorInfo `json:"error"`
	Meta    *response.Meta      `json:"meta"`
}

// DecodeResponse parses the standard API response object from a recorder.
func DecodeResponse(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

// DecodeInto unmarshals the data payload into the provided destination.
func DecodeInto[T any](t *testing.T, raw json.RawMessage, dest *T) {
	t.Helper()
	if dest == nil {
		t.Fatal("destination must not be nil")
	}
	require.NoError(t, json.Unmarshal(raw, dest))
}

// Request executes an HTTP request against the test router, applying JSON encoding and auth headers automatically.
func (e *Env) Request(method, path string, body any, token string) *httptest.ResponseRecorder {
	e.T.Helper()

	var buf *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(e.T, err)
		buf = bytes.NewBuffer(data)
	} else {
		buf = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, path, buf)
	require.NoError(e.T, err)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	e.Router.ServeHTTP(w, req)
	return w
}
