package api

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	iauth "github.com/civigate/civigate/internal/auth"
	"github.com/civigate/civigate/internal/auth/providers"
	"github.com/civigate/civigate/internal/handlers"
	"github.com/civigate/civigate/internal/middleware"
	"github.com/civigate/civigate/internal/models"
	"github.com/civigate/civigate/internal/ratelimit"
	"github.com/civigate/civigate/internal/security"
	"github.com/civigate/civigate/internal/services"
)

// Deps carries the constructed services the router wires into handlers.
type Deps struct {
	DB       *gorm.DB
	Tokens   *iauth.TokenService
	Sessions *iauth.SessionService
	Cookies  *iauth.CookieManager
	Login    *iauth.LoginService
	Provider *providers.LocalProvider
	Limiter  *ratelimit.Limiter
	Detector *ratelimit.Detector
	Posture  *security.PostureService

	// Audit is optional; absence disables audit side effects everywhere.
	Audit *services.AuditService

	// CORSOrigins switches to the credentialed CORS policy when set;
	// empty keeps the wildcard policy for token-only clients.
	CORSOrigins []string

	// Environment gates transport hardening headers; anything other than
	// "production" is treated as a plain-HTTP deployment.
	Environment string
}

func (d Deps) validate() error {
	if d.DB == nil {
		return errors.New("router: db is required")
	}
	if d.Tokens == nil {
		return errors.New("router: token service is required")
	}
	if d.Sessions == nil {
		return errors.New("router: session service is required")
	}
	if d.Cookies == nil {
		return errors.New("router: cookie manager is required")
	}
	if d.Login == nil {
		return errors.New("router: login service is required")
	}
	if d.Provider == nil {
		return errors.New("router: local provider is required")
	}
	if d.Limiter == nil {
		return errors.New("router: rate limiter is required")
	}
	if d.Detector == nil {
		return errors.New("router: abuse detector is required")
	}
	if d.Posture == nil {
		return errors.New("router: posture service is required")
	}
	return nil
}

// routeProfiles are the quota profiles the route table below consumes. A
// profile missing from the limiter fails construction, never a request.
var routeProfiles = []string{"general", "login", "refresh", "register", "critical"}

// NewRouter builds the Gin engine, wires middleware and registers routes.
func NewRouter(deps Deps) (*gin.Engine, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if err := deps.Limiter.Require(routeProfiles...); err != nil {
		return nil, err
	}

	r := gin.New()

	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders(deps.Environment))
	if len(deps.CORSOrigins) > 0 {
		r.Use(middleware.CORSForOrigins(deps.CORSOrigins))
	} else {
		r.Use(middleware.CORS())
	}
	r.Use(middleware.RateLimit(deps.Limiter, "general"))

	r.GET("/health", handlers.Health(deps.DB))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authHandler, err := handlers.NewAuthHandler(handlers.AuthHandlerDeps{
		DB:       deps.DB,
		Login:    deps.Login,
		Provider: deps.Provider,
		Tokens:   deps.Tokens,
		Sessions: deps.Sessions,
		Cookies:  deps.Cookies,
		Audit:    deps.Audit,
	})
	if err != nil {
		return nil, err
	}

	sessionHandler, err := handlers.NewSessionHandler(deps.DB, deps.Sessions, deps.Cookies, deps.Audit)
	if err != nil {
		return nil, err
	}

	securityHandler, err := handlers.NewSecurityHandler(handlers.SecurityHandlerDeps{
		Detector: deps.Detector,
		Sessions: deps.Sessions,
		Provider: deps.Provider,
		Posture:  deps.Posture,
		Audit:    deps.Audit,
	})
	if err != nil {
		return nil, err
	}

	auditHandler, err := handlers.NewAuditHandler(deps.DB)
	if err != nil {
		return nil, err
	}

	// Public credential routes. Logout stays here so expired credentials
	// can still be cleared; the service-side charge on the login profile
	// is keyed per identifier, the middleware charge per IP.
	auth := r.Group("/api/auth")
	{
		auth.POST("/login", middleware.RateLimit(deps.Limiter, "login"), authHandler.Login)
		auth.POST("/refresh", middleware.RateLimit(deps.Limiter, "refresh"), authHandler.Refresh)
		auth.POST("/register", middleware.RateLimit(deps.Limiter, "register"), authHandler.Register)
		auth.POST("/logout", authHandler.Logout)
	}

	// Everything below requires a live session. CSRF validation binds
	// unsafe cookie-authenticated requests to the access token's nonce.
	api := r.Group("/api")
	api.Use(middleware.Auth(deps.Tokens, deps.Sessions, deps.Cookies))
	api.Use(middleware.CSRF())

	api.GET("/auth/me", authHandler.Me)
	api.POST("/auth/password", middleware.RateLimit(deps.Limiter, "critical"), authHandler.ChangePassword)

	api.GET("/sessions", sessionHandler.List)
	api.DELETE("/sessions/:id", sessionHandler.Revoke)
	api.POST("/sessions/revoke_others", sessionHandler.RevokeOthers)
	api.POST("/sessions/revoke_all", sessionHandler.RevokeAll)

	admin := api.Group("")
	admin.Use(middleware.RequireRole(models.RoleAdmin))
	{
		sec := admin.Group("/security")
		sec.GET("/suspicious", securityHandler.Suspicious)
		sec.POST("/whitelist", securityHandler.Whitelist)
		sec.GET("/anomalies", securityHandler.Anomalies)
		sec.GET("/posture", securityHandler.Posture)
		sec.POST("/lock", middleware.RateLimit(deps.Limiter, "critical"), securityHandler.Lock)
		sec.POST("/unlock", securityHandler.Unlock)

		admin.GET("/audit", auditHandler.List)
		admin.GET("/audit/export", auditHandler.Export)
	}

	r.NoRoute(middleware.NotFoundHandler)

	return r, nil
}
