package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	iauth "github.com/civigate/civigate/internal/auth"
	"github.com/civigate/civigate/internal/cache"
	"github.com/civigate/civigate/internal/ratelimit"
	"github.com/civigate/civigate/internal/services"
	"github.com/civigate/civigate/pkg/logger"
)

const (
	defaultAuditRetentionDays = 90
	defaultSessionRetention   = 720 * time.Hour // 30 days
	defaultSessionSpec        = "@hourly"
	defaultAuditSpec          = "@daily"
	defaultAbuseSpec          = "@every 10m"
	defaultCacheSpec          = "@daily"
)

// Cleaner coordinates background maintenance tasks: purging expired and stale
// sessions, enforcing audit log retention, expiring abuse-tracking counters,
// and pruning the database cache fallback.
type Cleaner struct {
	sessions   *iauth.SessionService
	audit      *services.AuditService
	limiter    *ratelimit.Limiter
	detector   *ratelimit.Detector
	cacheStore *cache.DatabaseStore
	cron       *cron.Cron
	now        func() time.Time
	log        *zap.Logger
	enabled    bool

	auditRetention   int
	sessionRetention time.Duration

	sessionSchedule string
	auditSchedule   string
	abuseSchedule   string
	cacheSchedule   string
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithNow overrides the clock used for scheduling and cleanup comparisons.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithAuditRetentionDays adjusts how long audit logs are retained before cleanup.
func WithAuditRetentionDays(days int) Option {
	return func(cleaner *Cleaner) {
		if days > 0 {
			cleaner.auditRetention = days
		}
	}
}

// WithSessionRetention adjusts how long revoked or expired session rows are
// kept for audit trails before being deleted outright.
func WithSessionRetention(d time.Duration) Option {
	return func(cleaner *Cleaner) {
		if d > 0 {
			cleaner.sessionRetention = d
		}
	}
}

// WithCacheStore enables periodic purging of expired rows in the database
// cache fallback. Redis expires keys natively and needs no equivalent.
func WithCacheStore(store *cache.DatabaseStore) Option {
	return func(cleaner *Cleaner) {
		cleaner.cacheStore = store
	}
}

// WithSessionSchedule overrides the cron specification for session cleanup.
func WithSessionSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.sessionSchedule = spec
		}
	}
}

// WithAuditSchedule overrides the cron specification for audit retention enforcement.
func WithAuditSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.auditSchedule = spec
		}
	}
}

// WithAbuseSchedule overrides the cron specification for rate limiter and
// abuse detector counter expiry.
func WithAbuseSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.abuseSchedule = spec
		}
	}
}

// WithCacheSchedule overrides the cron specification for database cache purging.
func WithCacheSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.cacheSchedule = spec
		}
	}
}

// NewCleaner constructs a Cleaner with sensible defaults. Any nil dependency results in
// the corresponding cleanup job being skipped.
func NewCleaner(sessions *iauth.SessionService, audit *services.AuditService, limiter *ratelimit.Limiter, detector *ratelimit.Detector, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		sessions:         sessions,
		audit:            audit,
		limiter:          limiter,
		detector:         detector,
		now:              time.Now,
		auditRetention:   defaultAuditRetentionDays,
		sessionRetention: defaultSessionRetention,
		sessionSchedule:  defaultSessionSpec,
		auditSchedule:    defaultAuditSpec,
		abuseSchedule:    defaultAbuseSpec,
		cacheSchedule:    defaultCacheSpec,
		log:              logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	cleaner.enabled = cleaner.sessions != nil || cleaner.audit != nil ||
		cleaner.limiter != nil || cleaner.detector != nil || cleaner.cacheStore != nil

	return cleaner
}

// Start registers cleanup jobs with the cron scheduler and launches it if at least one cleanup is enabled.
func (c *Cleaner) Start() error {
	if !c.enabled {
		return nil
	}

	if c.sessions != nil {
		if _, err := c.cron.AddFunc(c.sessionSchedule, func() {
			ctx := context.Background()
			if _, err := c.sessions.CleanupExpired(ctx); err != nil {
				c.log.Warn("session cleanup failed", zap.Error(err))
			}
			if _, err := c.sessions.DeleteStale(ctx, c.sessionRetention); err != nil {
				c.log.Warn("stale session cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if c.audit != nil && c.auditRetention > 0 {
		if _, err := c.cron.AddFunc(c.auditSchedule, func() {
			ctx := context.Background()
			if _, err := c.audit.CleanupOlderThan(ctx, c.auditRetention); err != nil {
				c.log.Warn("audit cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if c.limiter != nil || c.detector != nil {
		if _, err := c.cron.AddFunc(c.abuseSchedule, func() {
			if c.limiter != nil {
				c.limiter.CleanupStale()
			}
			if c.detector != nil {
				c.detector.CleanupExpired()
			}
		}); err != nil {
			return err
		}
	}

	if c.cacheStore != nil {
		if _, err := c.cron.AddFunc(c.cacheSchedule, func() {
			ctx := context.Background()
			if _, err := c.cacheStore.PurgeExpired(ctx, c.now()); err != nil {
				c.log.Warn("cache cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	c.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes all configured cleanup routines sequentially. Primarily used in tests
// and during graceful shutdown.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	if c.sessions != nil {
		if _, err := c.sessions.CleanupExpired(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
		if _, err := c.sessions.DeleteStale(ctx, c.sessionRetention); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if c.audit != nil && c.auditRetention > 0 {
		if _, err := c.audit.CleanupOlderThan(ctx, c.auditRetention); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if c.limiter != nil {
		c.limiter.CleanupStale()
	}
	if c.detector != nil {
		c.detector.CleanupExpired()
	}

	if c.cacheStore != nil {
		if _, err := c.cacheStore.PurgeExpired(ctx, c.now()); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}
