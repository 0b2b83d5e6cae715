package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/confsessions/internal/api"
	"github.com/charlesng35/confsessions/internal/app"
	"github.com/charlesng35/confsessions/internal/app/maintenance"
	iauth "github.com/charlesng35/confsessions/internal/auth"
	"github.com/charlesng35/confsessions/internal/cache"
	"github.com/charlesng35/confsessions/internal/database"
	"github.com/charlesng35/confsessions/internal/middleware"
	"github.com/charlesng35/confsessions/internal/monitoring"
	"github.com/charlesng35/confsessions/internal/monitoring/checks"
	"github.com/charlesng35/confsessions/internal/realtime"
	"github.com/charlesng35/confsessions/internal/sessions"
	"github.com/charlesng35/confsessions/pkg/logger"
)

// runtimeStack bundles long-lived services used by the HTTP server.
type runtimeStack struct {
	DB         *gorm.DB
	Redis      *cache.RedisClient
	Cache      cache.Store
	Hub        *realtime.Hub
	Registry   *sessions.Registry
	Monitoring *monitoring.Module
	Scheduler  *maintenance.Scheduler
	RateStore  middleware.RateStore
	Router     *gin.Engine

	log *zap.Logger
}

// bootstrapRuntime initialises the database, caches, registry, cluster jobs and HTTP router.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{log: log}
	var err error
	success := false

	defer func() {
		if !success {
			_ = stack.Shutdown(context.Background())
		}
	}()

	// enable gin debug mod
	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	stack.Monitoring, err = monitoring.NewModule(monitoring.Options{})
	if err != nil {
		return nil, fmt.Errorf("initialise monitoring: %w", err)
	}
	monitoring.SetModule(stack.Monitoring)

	stack.DB, err = initialiseDatabase(cfg)
	if err != nil {
		return nil, err
	}

	stack.Cache = stack.initialiseCache(cfg)

	source, err := newSessionSource(stack.DB, cfg)
	if err != nil {
		return nil, err
	}

	node := cfg.Cluster.Node()
	stack.Hub = realtime.NewHub(cfg.Cluster.ServerID)

	// Room counts are only worth publishing when another process can read them.
	var counter *sessions.RoomCounter
	if stack.Redis != nil || cfg.Cluster.Shared() {
		counter = sessions.NewRoomCounter(stack.Cache, cfg.Sessions.RoomCountTTL)
	}

	stack.Registry, err = sessions.NewRegistry(source, sessions.Options{
		Node:         node,
		StoreTimeout: cfg.Sessions.StoreTimeout,
		Counter:      counter,
		Events:       stack.Hub,
	})
	if err != nil {
		return nil, fmt.Errorf("initialise session registry: %w", err)
	}
	if err := stack.Registry.SessionStart(ctx); err != nil {
		return nil, fmt.Errorf("start session registry: %w", err)
	}

	jwtSvc, err := iauth.NewJWTService(cfg.Auth.JWTServiceConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise jwt service: %w", err)
	}

	var schedulerDB *gorm.DB
	if cfg.Cluster.Shared() {
		schedulerDB = stack.DB
	}
	stack.Scheduler = maintenance.NewScheduler(schedulerDB, node, stack.Registry,
		maintenance.WithHeartbeatSchedule(cfg.Cluster.HeartbeatSchedule),
		maintenance.WithStalePurgeSchedule(cfg.Cluster.StalePurgeSchedule),
		maintenance.WithStaleAfter(cfg.Cluster.StaleAfter),
	)
	if err := stack.Scheduler.Start(); err != nil {
		return nil, fmt.Errorf("start maintenance jobs: %w", err)
	}

	stack.registerHealthChecks(cfg)

	stack.RateStore = middleware.NewCacheRateStore(stack.Cache)

	stack.Router, err = api.NewRouter(api.Dependencies{
		Config:     cfg,
		Registry:   stack.Registry,
		JWT:        jwtSvc,
		Hub:        stack.Hub,
		Monitoring: stack.Monitoring,
		RateStore:  stack.RateStore,
	})
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	success = true
	return stack, nil
}

// initialiseCache connects Redis when enabled and falls back to the database-backed store.
func (s *runtimeStack) initialiseCache(cfg *app.Config) cache.Store {
	if cfg.Cache.Redis.Enabled {
		client, err := cache.NewRedisClient(cfg.Cache.RedisClientConfig())
		if err != nil {
			s.log.Warn("redis unavailable; falling back to database-backed cache", zap.Error(err))
		} else {
			s.log.Info("redis connected", zap.String("addr", cfg.Cache.Redis.Address))
			s.Redis = client
			return client
		}
	}
	return cache.NewDatabaseStore(s.DB)
}

func (s *runtimeStack) registerHealthChecks(cfg *app.Config) {
	health := s.Monitoring.Health()
	timeout := cfg.Monitoring.Health.Timeout

	health.RegisterLiveness(checks.Realtime(s.Hub))
	if s.Scheduler.Enabled() {
		health.RegisterLiveness(checks.Maintenance(0))
	}

	health.RegisterReadiness(checks.Database(s.DB, timeout))
	health.RegisterReadiness(checks.SessionStore(s.Registry, timeout))
	if pinger, ok := s.Cache.(cache.Pinger); ok {
		backend := "database"
		if s.Redis != nil {
			backend = "redis"
		}
		health.RegisterReadiness(checks.Cache(backend, pinger, timeout))
	}
}

// Shutdown stops background jobs and releases resources. The node's sessions stay in a shared
// store until the node restarts or the stale purge of another node removes them.
func (s *runtimeStack) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}

	var errs error
	if s.Scheduler != nil {
		select {
		case <-s.Scheduler.Stop().Done():
		case <-ctx.Done():
			errs = multierr.Append(errs, fmt.Errorf("waiting for maintenance jobs: %w", ctx.Err()))
		}
	}

	if s.Redis != nil {
		errs = multierr.Append(errs, s.Redis.Close())
	}

	if s.DB != nil {
		if sqlDB, err := s.DB.DB(); err != nil {
			errs = multierr.Append(errs, err)
		} else {
			errs = multierr.Append(errs, sqlDB.Close())
		}
	}

	return errs
}

func newSessionSource(db *gorm.DB, cfg *app.Config) (sessions.Source, error) {
	if !cfg.Cluster.Shared() {
		return sessions.NewMemorySource(), nil
	}
	source, err := sessions.NewDatabaseSource(db, sessions.DatabaseSourceOptions{
		Node:   cfg.Cluster.ServerID,
		Labels: cfg.Cluster.Labels,
	})
	if err != nil {
		return nil, fmt.Errorf("initialise database session source: %w", err)
	}
	return source, nil
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := cfg.Database.ConnectionConfig()
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	log := logger.WithModule("database")
	log.Info("database connected", zap.String("driver", strings.ToLower(strings.TrimSpace(dbCfg.Driver))))

	return db, nil
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	if db == nil {
		return
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("failed to obtain underlying sql DB for closing", zap.Error(err))
		return
	}

	if err := sqlDB.Close(); err != nil {
		log.Warn("failed to close database", zap.Error(err))
	}
}
