package app

import (
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/civigate/civigate/internal/auth"
	"github.com/civigate/civigate/internal/ratelimit"
)

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join("testdata")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "debug", cfg.Server.LogLevel)
	require.Equal(t, "production", cfg.Server.Environment)
	require.Equal(t, []string{"https://portal.example.gov", "https://admin.example.gov"}, cfg.Server.CORSOrigins)

	require.Equal(t, "postgres", cfg.Database.Driver)
	require.True(t, cfg.Database.Postgres.Enabled)
	require.Equal(t, "db.example.com", cfg.Database.Postgres.Host)
	require.Equal(t, 5433, cfg.Database.Postgres.Port)
	require.Equal(t, "civigate", cfg.Database.Postgres.Database)

	require.True(t, cfg.Cache.Redis.Enabled)
	require.Equal(t, "cache.example.com:6380", cfg.Cache.Redis.Address)
	require.Equal(t, 2, cfg.Cache.Redis.DB)
	require.Equal(t, 2*time.Second, cfg.Cache.Redis.Timeout)

	require.Equal(t, "file-access-secret", cfg.Auth.Tokens.AccessSecret)
	require.Equal(t, "file-refresh-secret", cfg.Auth.Tokens.RefreshSecret)
	require.Equal(t, "civigate-test", cfg.Auth.Tokens.Issuer)
	require.Equal(t, 10*time.Minute, cfg.Auth.Tokens.AccessTTL)
	require.Equal(t, 72*time.Hour, cfg.Auth.Tokens.RefreshTTL)

	require.Equal(t, "portal.example.gov", cfg.Auth.Cookies.Domain)
	require.Equal(t, "/", cfg.Auth.Cookies.Path)
	require.True(t, cfg.Auth.Cookies.Secure)
	require.Equal(t, "lax", cfg.Auth.Cookies.SameSite)

	require.Equal(t, 48*time.Hour, cfg.Auth.Session.TTL)
	require.Equal(t, 240*time.Hour, cfg.Auth.Session.StaleAfter)

	// Profiles from the file merge over the defaults: login is overridden,
	// webhook is new, and the remaining defaults survive untouched.
	login := cfg.RateLimit.Profiles["login"]
	require.Equal(t, 3, login.Points)
	require.Equal(t, 10*time.Minute, login.Duration)
	require.Equal(t, 30*time.Minute, login.BlockDuration)

	webhook := cfg.RateLimit.Profiles["webhook"]
	require.Equal(t, 20, webhook.Points)
	require.Equal(t, time.Minute, webhook.Duration)
	require.True(t, webhook.EvenSpacing)

	general := cfg.RateLimit.Profiles["general"]
	require.Equal(t, 100, general.Points)
	require.Equal(t, time.Minute, general.Duration)
	require.Contains(t, cfg.RateLimit.Profiles, "refresh")
	require.Contains(t, cfg.RateLimit.Profiles, "register")
	require.Contains(t, cfg.RateLimit.Profiles, "critical")

	require.Equal(t, []string{"10.0.0.1"}, cfg.RateLimit.Whitelist)
	require.Equal(t, 8, cfg.RateLimit.Detector.Threshold)
	require.Equal(t, 20*time.Minute, cfg.RateLimit.Detector.Window)
	require.Equal(t, 48*time.Hour, cfg.RateLimit.Detector.Retention)

	require.Equal(t, 30, cfg.Maintenance.AuditRetentionDays)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, 8000, cfg.Server.Port)
	require.Equal(t, "development", cfg.Server.Environment)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, "./data/civigate.sqlite", cfg.Database.Path)
	require.False(t, cfg.Cache.Redis.Enabled)

	require.Equal(t, "civigate", cfg.Auth.Tokens.Issuer)
	require.Equal(t, 24*time.Hour, cfg.Auth.Tokens.AccessTTL)
	require.Equal(t, 168*time.Hour, cfg.Auth.Tokens.RefreshTTL)
	require.Equal(t, "strict", cfg.Auth.Cookies.SameSite)
	require.Equal(t, 720*time.Hour, cfg.Auth.Session.StaleAfter)

	for _, name := range []string{"general", "login", "refresh", "register", "critical"} {
		require.Contains(t, cfg.RateLimit.Profiles, name, "profile %s", name)
	}
	require.Equal(t, 5, cfg.RateLimit.Profiles["login"].Points)
	require.Equal(t, 15*time.Minute, cfg.RateLimit.Profiles["login"].BlockDuration)

	require.Equal(t, 5, cfg.RateLimit.Detector.Threshold)
	require.Equal(t, 15*time.Minute, cfg.RateLimit.Detector.Window)
	require.Equal(t, 24*time.Hour, cfg.RateLimit.Detector.Retention)

	require.Equal(t, 90, cfg.Maintenance.AuditRetentionDays)
}

func TestAuthConfigAdapters(t *testing.T) {
	cfg := AuthConfig{
		Tokens: TokenSettings{
			AccessSecret:  "access-secret",
			RefreshSecret: "refresh-secret",
			Issuer:        "issuer",
			AccessTTL:     30 * time.Minute,
			RefreshTTL:    10 * time.Hour,
		},
		Cookies: CookieSettings{
			Domain:   "portal.example.gov",
			Path:     "/",
			Secure:   true,
			SameSite: "lax",
		},
	}

	require.Equal(t, auth.TokenConfig{
		AccessSecret:  "access-secret",
		RefreshSecret: "refresh-secret",
		Issuer:        "issuer",
		AccessTTL:     30 * time.Minute,
		RefreshTTL:    10 * time.Hour,
	}, cfg.TokenServiceConfig())

	cookieCfg, err := cfg.CookieManagerConfig()
	require.NoError(t, err)
	require.Equal(t, auth.CookieConfig{
		Domain:        "portal.example.gov",
		Path:          "/",
		Secure:        true,
		SameSite:      http.SameSiteLaxMode,
		AccessMaxAge:  30 * time.Minute,
		RefreshMaxAge: 10 * time.Hour,
	}, cookieCfg)

	// Session TTL falls back to the refresh TTL until set explicitly.
	require.Equal(t, 10*time.Hour, cfg.SessionServiceConfig().SessionTTL)
	cfg.Session.TTL = 48 * time.Hour
	require.Equal(t, 48*time.Hour, cfg.SessionServiceConfig().SessionTTL)
}

func TestAuthConfigAdapterRejectsUnknownSameSite(t *testing.T) {
	cfg := AuthConfig{Cookies: CookieSettings{SameSite: "sideways"}}

	_, err := cfg.CookieManagerConfig()
	require.Error(t, err)
	require.Contains(t, err.Error(), "SameSite")
}

func TestRateLimitConfigAdapters(t *testing.T) {
	cfg := RateLimitConfig{
		Profiles: map[string]ProfileSettings{
			"login": {Points: 5, Duration: 15 * time.Minute, BlockDuration: 15 * time.Minute},
			"drip":  {Points: 10, Duration: time.Minute, EvenSpacing: true},
		},
		Whitelist: []string{"10.0.0.1"},
		Detector: DetectorSettings{
			Threshold: 5,
			Window:    15 * time.Minute,
			Retention: 24 * time.Hour,
		},
	}

	limiterCfg := cfg.LimiterConfig()
	require.Equal(t, ratelimit.Profile{
		Points:        5,
		Duration:      15 * time.Minute,
		BlockDuration: 15 * time.Minute,
	}, limiterCfg.Profiles["login"])
	require.True(t, limiterCfg.Profiles["drip"].EvenSpacing)
	require.Equal(t, []string{"10.0.0.1"}, limiterCfg.Whitelist)

	detectorCfg := cfg.DetectorConfig()
	require.Equal(t, 5, detectorCfg.Threshold)
	require.Equal(t, 15*time.Minute, detectorCfg.Window)
	require.Equal(t, 24*time.Hour, detectorCfg.Retention)
	require.Equal(t, []string{"10.0.0.1"}, detectorCfg.Whitelist)
}

func TestDatabaseConfigAdapter(t *testing.T) {
	sqlite := DatabaseConfig{Driver: "sqlite", Path: "./data/test.sqlite"}
	cfg := sqlite.ServiceConfig()
	require.Equal(t, "sqlite", cfg.Driver)
	require.Equal(t, "./data/test.sqlite", cfg.Path)

	postgres := DatabaseConfig{
		Driver: "sqlite",
		Postgres: DBAuthConfig{
			Enabled:  true,
			Host:     "db.example.com",
			Port:     5433,
			Database: "civigate",
			Username: "svc",
			Password: "s3cret",
		},
	}
	cfg = postgres.ServiceConfig()
	require.Equal(t, "postgres", cfg.Driver)
	require.Equal(t, "db.example.com", cfg.Host)
	require.Equal(t, 5433, cfg.Port)
	require.Equal(t, "civigate", cfg.Name)
	require.Equal(t, "svc", cfg.User)
	require.Equal(t, "s3cret", cfg.Password)

	mysql := DatabaseConfig{
		MySQL: DBAuthConfig{Enabled: true, Host: "mysql.example.com", Port: 3307, Database: "civigate"},
	}
	cfg = mysql.ServiceConfig()
	require.Equal(t, "mysql", cfg.Driver)
	require.Equal(t, "mysql.example.com", cfg.Host)
}
