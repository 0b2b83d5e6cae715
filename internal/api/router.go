package api

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/confsessions/internal/app"
	iauth "github.com/charlesng35/confsessions/internal/auth"
	"github.com/charlesng35/confsessions/internal/handlers"
	"github.com/charlesng35/confsessions/internal/middleware"
	"github.com/charlesng35/confsessions/internal/monitoring"
	"github.com/charlesng35/confsessions/internal/realtime"
	"github.com/charlesng35/confsessions/internal/sessions"
)

// Dependencies are the services the HTTP surface is built on.
type Dependencies struct {
	Config     *app.Config
	Registry   *sessions.Registry
	JWT        *iauth.JWTService
	Hub        *realtime.Hub
	Monitoring *monitoring.Module
	// RateStore shares rate limit counters between nodes. Nil keeps them in process memory.
	RateStore middleware.RateStore
}

// NewRouter builds the Gin engine, wires middleware and registers every route.
func NewRouter(deps Dependencies) (*gin.Engine, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("config must be provided")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("session registry must be provided")
	}
	if deps.JWT == nil {
		return nil, fmt.Errorf("jwt service must be provided")
	}
	if deps.Hub == nil {
		return nil, fmt.Errorf("realtime hub must be provided")
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders())

	registerHealthRoutes(r, deps.Config, deps.Monitoring)
	registerMetricsRoute(r, deps.Config, deps.Monitoring)

	api := r.Group("/api")
	api.Use(middleware.Auth(deps.JWT))

	limit := deps.Config.Server.RateLimit
	if limit.Requests > 0 {
		api.Use(middleware.RateLimit(deps.RateStore, limit.Requests, limit.Window))
	}

	streamHandler, err := handlers.NewStreamHandler(deps.Registry)
	if err != nil {
		return nil, err
	}
	registerStreamRoutes(api, streamHandler)

	sessionHandler, err := handlers.NewSessionHandler(deps.Registry)
	if err != nil {
		return nil, err
	}
	roomHandler, err := handlers.NewRoomHandler(deps.Registry)
	if err != nil {
		return nil, err
	}
	registerSessionRoutes(api, sessionHandler)
	registerRoomRoutes(api, roomHandler)

	registerMonitoringRoutes(api, handlers.NewMonitoringHandler(deps.Monitoring, deps.Config))

	// The websocket authenticates from the query string, so it sits outside the bearer group.
	realtimeHandler := handlers.NewRealtimeHandler(deps.Hub, deps.JWT, realtime.Streams()...)
	r.GET("/api/realtime", realtimeHandler.Stream)
	r.GET("/api/realtime/:stream", realtimeHandler.Stream)

	r.NoRoute(middleware.NotFoundHandler)

	return r, nil
}

func registerMetricsRoute(r *gin.Engine, cfg *app.Config, mon *monitoring.Module) {
	if mon == nil || !cfg.Monitoring.Prometheus.Enabled {
		return
	}
	endpoint := strings.TrimSpace(cfg.Monitoring.Prometheus.Endpoint)
	if endpoint == "" {
		endpoint = "/metrics"
	}
	r.GET(endpoint, gin.WrapH(mon.Handler()))
}
