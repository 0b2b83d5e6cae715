package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/confsessions/internal/database"
	"github.com/charlesng35/confsessions/internal/models"
	"github.com/charlesng35/confsessions/internal/monitoring"
	"github.com/charlesng35/confsessions/internal/sessions"
	"github.com/charlesng35/confsessions/pkg/logger"
)

// Job names, also used as metric labels.
const (
	JobHeartbeat  = "server_heartbeat"
	JobStalePurge = "stale_server_purge"
)

const (
	defaultHeartbeatSpec  = "@every 30s"
	defaultStalePurgeSpec = "@every 1m"
	defaultStaleAfter     = 2 * time.Minute
	defaultJobTimeout     = 30 * time.Second
)

// ServerPurger removes every session a server left in the registry.
type ServerPurger interface {
	PurgeServer(ctx context.Context, server *sessions.Server) (int64, error)
}

// Scheduler runs the cluster housekeeping jobs. Both jobs need the shared database and a named
// node; without them the scheduler is a no-op.
type Scheduler struct {
	db       *gorm.DB
	node     *sessions.Server
	registry ServerPurger
	cron     *cron.Cron
	now      func() time.Time
	log      *zap.Logger

	heartbeatSchedule  string
	stalePurgeSchedule string
	staleAfter         time.Duration
}

// Option customises the Scheduler.
type Option func(*Scheduler)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.cron = c
		}
	}
}

// WithNow overrides the clock used for heartbeats and staleness comparisons.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithHeartbeatSchedule overrides the cron specification of the heartbeat job.
func WithHeartbeatSchedule(spec string) Option {
	return func(s *Scheduler) {
		if spec != "" {
			s.heartbeatSchedule = spec
		}
	}
}

// WithStalePurgeSchedule overrides the cron specification of the stale server purge.
func WithStalePurgeSchedule(spec string) Option {
	return func(s *Scheduler) {
		if spec != "" {
			s.stalePurgeSchedule = spec
		}
	}
}

// WithStaleAfter sets how long a server may miss heartbeats before its sessions are purged.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// NewScheduler constructs a Scheduler with default schedules.
func NewScheduler(db *gorm.DB, node *sessions.Server, registry ServerPurger, opts ...Option) *Scheduler {
	s := &Scheduler{
		db:                 db,
		node:               node,
		registry:           registry,
		now:                time.Now,
		log:                logger.WithModule("maintenance"),
		heartbeatSchedule:  defaultHeartbeatSpec,
		stalePurgeSchedule: defaultStalePurgeSpec,
		staleAfter:         defaultStaleAfter,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cron == nil {
		s.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}
	return s
}

// Enabled reports whether any job will be scheduled.
func (s *Scheduler) Enabled() bool {
	return s.db != nil && s.node != nil && !s.node.IsLocal()
}

// Start registers the jobs with the cron scheduler and launches it.
func (s *Scheduler) Start() error {
	if !s.Enabled() {
		return nil
	}

	if _, err := s.cron.AddFunc(s.heartbeatSchedule, func() {
		s.run(JobHeartbeat, s.Heartbeat)
	}); err != nil {
		return fmt.Errorf("maintenance: schedule %s: %w", JobHeartbeat, err)
	}

	if s.registry != nil {
		if _, err := s.cron.AddFunc(s.stalePurgeSchedule, func() {
			s.run(JobStalePurge, func(ctx context.Context) error {
				_, err := s.PurgeStaleServers(ctx)
				return err
			})
		}); err != nil {
			return fmt.Errorf("maintenance: schedule %s: %w", JobStalePurge, err)
		}
	}

	s.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (s *Scheduler) Stop() context.Context {
	if s.cron == nil {
		return context.Background()
	}
	return s.cron.Stop()
}

// RunOnce executes every enabled job sequentially.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}

	var errs error
	errs = multierr.Append(errs, s.Heartbeat(ctx))
	if s.registry != nil {
		_, err := s.PurgeStaleServers(ctx)
		errs = multierr.Append(errs, err)
	}
	return errs
}

// Heartbeat refreshes this node's last_seen_at, re-registering the node when its row is gone.
func (s *Scheduler) Heartbeat(ctx context.Context) error {
	if !s.Enabled() {
		return errors.New("maintenance: heartbeat needs a database and a named node")
	}

	now := s.now()
	err := database.TouchServer(ctx, s.db, s.node.ID, now)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.log.Warn("server row missing, re-registering", zap.String("server_id", s.node.ID))
		return database.UpsertServer(ctx, s.db, &models.Server{
			BaseModel:  models.BaseModel{ID: s.node.ID},
			Name:       s.node.Name,
			Address:    s.node.Address,
			LastSeenAt: now,
		})
	}
	return err
}

// PurgeStaleServers removes the sessions of every server that stopped sending heartbeats and
// marks it inactive. It returns the number of sessions removed.
func (s *Scheduler) PurgeStaleServers(ctx context.Context) (int64, error) {
	if !s.Enabled() || s.registry == nil {
		return 0, errors.New("maintenance: stale purge needs a database, a named node and a registry")
	}

	cutoff := s.now().Add(-s.staleAfter)
	stale, err := database.StaleServers(ctx, s.db, cutoff)
	if err != nil {
		return 0, err
	}

	var (
		total int64
		errs  error
	)
	for _, server := range stale {
		if server.ID == s.node.ID {
			continue
		}
		removed, err := s.registry.PurgeServer(ctx, &sessions.Server{ID: server.ID, Name: server.Name, Address: server.Address})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("purge server %q: %w", server.ID, err))
			continue
		}
		total += removed
		if err := database.DeactivateServer(ctx, s.db, server.ID); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("deactivate server %q: %w", server.ID, err))
			continue
		}
		s.log.Info("purged stale server",
			zap.String("server_id", server.ID),
			zap.Time("last_seen_at", server.LastSeenAt),
			zap.Int64("sessions", removed),
		)
	}
	return total, errs
}

func (s *Scheduler) run(job string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultJobTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start)
	if err != nil {
		s.log.Warn("maintenance job failed", zap.String("job", job), zap.Error(err))
		monitoring.RecordMaintenanceRun(job, "failure", err.Error(), duration)
		return
	}
	monitoring.RecordMaintenanceRun(job, "success", "", duration)
}
