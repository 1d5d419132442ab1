package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/civigate/civigate/internal/api"
	"github.com/civigate/civigate/internal/app"
	"github.com/civigate/civigate/internal/app/maintenance"
	iauth "github.com/civigate/civigate/internal/auth"
	"github.com/civigate/civigate/internal/auth/providers"
	"github.com/civigate/civigate/internal/cache"
	"github.com/civigate/civigate/internal/database"
	"github.com/civigate/civigate/internal/ratelimit"
	"github.com/civigate/civigate/internal/security"
	"github.com/civigate/civigate/internal/services"
	"github.com/civigate/civigate/pkg/logger"
)

// runtimeStack bundles long-lived services used by the HTTP server.
type runtimeStack struct {
	DB       *gorm.DB
	Redis    *cache.RedisStore
	Sessions *iauth.SessionService
	Audit    *services.AuditService
	Cleaner  *maintenance.Cleaner
	Router   *gin.Engine
}

// bootstrapRuntime initialises the database, caches, services, and the HTTP router.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{}
	var err error
	success := false

	defer func() {
		if !success {
			stack.Shutdown(context.Background(), log)
		}
	}()

	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	stack.DB, err = initialiseDatabase(cfg)
	if err != nil {
		return nil, err
	}

	dbStore := cache.NewDatabaseStore(stack.DB)

	if cfg.Cache.Redis.Enabled {
		if stack.Redis, err = cache.NewRedisStore(cfg.Cache.RedisClientConfig()); err != nil {
			log.Warn("redis unavailable; falling back to database-backed operations", zap.Error(err))
			stack.Redis = nil
		} else {
			log.Info("redis connected", zap.String("addr", cfg.Cache.Redis.Address))
		}
	}

	tokens, err := iauth.NewTokenService(cfg.Auth.TokenServiceConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise token service: %w", err)
	}

	cookieCfg, err := cfg.Auth.CookieManagerConfig()
	if err != nil {
		return nil, fmt.Errorf("initialise cookie manager: %w", err)
	}
	cookies := iauth.NewCookieManager(cookieCfg)
	if err := cookies.Validate(cfg.Server.Environment); err != nil {
		return nil, err
	}

	sessionCfg := cfg.Auth.SessionServiceConfig()
	switch {
	case stack.Redis != nil:
		sessionCfg.Cache = iauth.NewRedisSessionCache(stack.Redis)
	case dbStore != nil:
		sessionCfg.Cache = iauth.NewDatabaseSessionCache(dbStore)
	}

	stack.Sessions, err = iauth.NewSessionService(stack.DB, sessionCfg)
	if err != nil {
		return nil, fmt.Errorf("initialise session service: %w", err)
	}

	stack.Audit, err = services.NewAuditService(stack.DB)
	if err != nil {
		return nil, fmt.Errorf("initialise audit service: %w", err)
	}

	limiter, err := ratelimit.NewLimiter(cfg.RateLimit.LimiterConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise rate limiter: %w", err)
	}

	detector, err := ratelimit.NewDetector(cfg.RateLimit.DetectorConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise abuse detector: %w", err)
	}

	provider, err := providers.NewLocalProvider(stack.DB, providers.LocalConfig{})
	if err != nil {
		return nil, fmt.Errorf("initialise local provider: %w", err)
	}

	login, err := iauth.NewLoginService(iauth.LoginDeps{
		Principals: provider,
		Verifier:   iauth.BcryptVerifier{},
		Tokens:     tokens,
		Sessions:   stack.Sessions,
		Limiter:    limiter,
		Detector:   detector,
		Audit:      stack.Audit,
		Recorder:   provider,
	})
	if err != nil {
		return nil, fmt.Errorf("initialise login service: %w", err)
	}

	posture := security.NewPostureService(security.PostureDeps{
		DB:          stack.DB,
		Tokens:      tokens,
		Cookies:     cookies,
		Limiter:     limiter,
		Environment: cfg.Server.Environment,
	})

	cleanerOpts := []maintenance.Option{
		maintenance.WithAuditRetentionDays(cfg.Maintenance.AuditRetentionDays),
		maintenance.WithSessionRetention(cfg.Auth.Session.StaleAfter),
	}
	if stack.Redis == nil {
		cleanerOpts = append(cleanerOpts, maintenance.WithCacheStore(dbStore))
	}

	stack.Cleaner = maintenance.NewCleaner(stack.Sessions, stack.Audit, limiter, detector, cleanerOpts...)
	if err := stack.Cleaner.Start(); err != nil {
		return nil, fmt.Errorf("start maintenance jobs: %w", err)
	}

	stack.Router, err = api.NewRouter(api.Deps{
		DB:          stack.DB,
		Tokens:      tokens,
		Sessions:    stack.Sessions,
		Cookies:     cookies,
		Login:       login,
		Provider:    provider,
		Limiter:     limiter,
		Detector:    detector,
		Posture:     posture,
		Audit:       stack.Audit,
		CORSOrigins: cfg.Server.CORSOrigins,
		Environment: cfg.Server.Environment,
	})
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	success = true
	return stack, nil
}

// Shutdown gracefully stops background jobs and releases resources.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) {
	if s == nil {
		return
	}

	if s.Cleaner != nil {
		stopCtx := s.Cleaner.Stop()
		if stopCtx != nil {
			ctx = stopCtx
		}
		if err := s.Cleaner.RunOnce(ctx); err != nil {
			log.Warn("maintenance shutdown cleanup failed", zap.Error(err))
		}
	}

	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			log.Warn("redis shutdown", zap.Error(err))
		}
	}

	closeDatabase(s.DB, log)
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := cfg.Database.ServiceConfig()

	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrateAndSeed(db); err != nil {
		return nil, fmt.Errorf("auto-migrate database: %w", err)
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
