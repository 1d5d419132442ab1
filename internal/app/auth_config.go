package app

import (
	"strings"

	"github.com/civigate/civigate/internal/auth"
	"github.com/civigate/civigate/internal/database"
	"github.com/civigate/civigate/internal/ratelimit"
)

// TokenServiceConfig converts AuthConfig into token service parameters.
func (c AuthConfig) TokenServiceConfig() auth.TokenConfig {
	return auth.TokenConfig{
		AccessSecret:  c.Tokens.AccessSecret,
		RefreshSecret: c.Tokens.RefreshSecret,
		Issuer:        c.Tokens.Issuer,
		AccessTTL:     c.Tokens.AccessTTL,
		RefreshTTL:    c.Tokens.RefreshTTL,
	}
}

// CookieManagerConfig converts AuthConfig into cookie manager parameters.
// Cookie lifetimes follow the token TTLs.
func (c AuthConfig) CookieManagerConfig() (auth.CookieConfig, error) {
	sameSite, err := auth.SameSiteFromString(c.Cookies.SameSite)
	if err != nil {
		return auth.CookieConfig{}, err
	}

	return auth.CookieConfig{
		Domain:        strings.TrimSpace(c.Cookies.Domain),
		Path:          strings.TrimSpace(c.Cookies.Path),
		Secure:        c.Cookies.Secure,
		SameSite:      sameSite,
		AccessMaxAge:  c.Tokens.AccessTTL,
		RefreshMaxAge: c.Tokens.RefreshTTL,
	}, nil
}

// SessionServiceConfig converts AuthConfig into session service parameters.
// The session TTL defaults to the refresh token TTL so sessions and the
// tokens that authorize them expire together.
func (c AuthConfig) SessionServiceConfig() auth.SessionConfig {
	ttl := c.Session.TTL
	if ttl <= 0 {
		ttl = c.Tokens.RefreshTTL
	}

	return auth.SessionConfig{SessionTTL: ttl}
}

// LimiterConfig converts RateLimitConfig into rate limiter parameters.
func (c RateLimitConfig) LimiterConfig() ratelimit.Config {
	profiles := make(map[string]ratelimit.Profile, len(c.Profiles))
	for name, settings := range c.Profiles {
		profiles[strings.TrimSpace(name)] = ratelimit.Profile{
			Points:        settings.Points,
			Duration:      settings.Duration,
			BlockDuration: settings.BlockDuration,
			EvenSpacing:   settings.EvenSpacing,
		}
	}

	return ratelimit.Config{
		Profiles:  profiles,
		Whitelist: c.Whitelist,
	}
}

// DetectorConfig converts RateLimitConfig into abuse detector parameters.
// The whitelist is shared with the limiter so a trusted identifier is
// exempt from both mechanisms.
func (c RateLimitConfig) DetectorConfig() ratelimit.DetectorConfig {
	return ratelimit.DetectorConfig{
		Threshold: c.Detector.Threshold,
		Window:    c.Detector.Window,
		Retention: c.Detector.Retention,
		Whitelist: c.Whitelist,
	}
}

// ServiceConfig converts DatabaseConfig into database package parameters.
// Host-based drivers win over the SQLite fallback when enabled.
func (c DatabaseConfig) ServiceConfig() database.Config {
	cfg := database.Config{
		Driver: c.Driver,
		Path:   c.Path,
		DSN:    c.DSN,
	}

	switch {
	case c.Postgres.Enabled:
		cfg.Driver = "postgres"
		cfg.Host = c.Postgres.Host
		cfg.Port = c.Postgres.Port
		cfg.Name = c.Postgres.Database
		cfg.User = c.Postgres.Username
		cfg.Password = c.Postgres.Password
	case c.MySQL.Enabled:
		cfg.Driver = "mysql"
		cfg.Host = c.MySQL.Host
		cfg.Port = c.MySQL.Port
		cfg.Name = c.MySQL.Database
		cfg.User = c.MySQL.Username
		cfg.Password = c.MySQL.Password
	}

	return cfg
}
