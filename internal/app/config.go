package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config represents the runtime configuration for the CiviGate backend.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Auth        AuthConfig        `mapstructure:"auth"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int      `mapstructure:"port"`
	LogLevel    string   `mapstructure:"log_level"`
	Environment string   `mapstructure:"environment"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver   string       `mapstructure:"driver"`
	Path     string       `mapstructure:"path"`
	DSN      string       `mapstructure:"dsn"`
	Postgres DBAuthConfig `mapstructure:"postgres"`
	MySQL    DBAuthConfig `mapstructure:"mysql"`
}

// DBAuthConfig represents host based database parameters.
type DBAuthConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// CacheConfig describes cache backends.
type CacheConfig struct {
	Redis RedisCacheConfig `mapstructure:"redis"`
}

// RedisCacheConfig holds Redis connection options.
type RedisCacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Address  string        `mapstructure:"address"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TLS      bool          `mapstructure:"tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// AuthConfig captures all authentication-related settings.
type AuthConfig struct {
	Tokens  TokenSettings   `mapstructure:"tokens"`
	Cookies CookieSettings  `mapstructure:"cookies"`
	Session SessionSettings `mapstructure:"session"`
}

// TokenSettings configures the access/refresh token pair. The two secrets
// must differ; the token service rejects identical values at startup.
type TokenSettings struct {
	AccessSecret  string        `mapstructure:"access_secret"`
	RefreshSecret string        `mapstructure:"refresh_secret"`
	Issuer        string        `mapstructure:"issuer"`
	AccessTTL     time.Duration `mapstructure:"access_ttl"`
	RefreshTTL    time.Duration `mapstructure:"refresh_ttl"`
}

// CookieSettings configures the credential cookie attributes.
type CookieSettings struct {
	Domain   string `mapstructure:"domain"`
	Path     string `mapstructure:"path"`
	Secure   bool   `mapstructure:"secure"`
	SameSite string `mapstructure:"same_site"`
}

// SessionSettings configures server-side session lifetimes. TTL falls back
// to the refresh token TTL; StaleAfter bounds how long inactive rows are
// retained before the cleanup job deletes them.
type SessionSettings struct {
	TTL        time.Duration `mapstructure:"ttl"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// RateLimitConfig configures quota profiles and the abuse detector.
type RateLimitConfig struct {
	Profiles  map[string]ProfileSettings `mapstructure:"profiles"`
	Whitelist []string                   `mapstructure:"whitelist"`
	Detector  DetectorSettings           `mapstructure:"detector"`
}

// ProfileSettings is one named quota profile.
type ProfileSettings struct {
	Points        int           `mapstructure:"points"`
	Duration      time.Duration `mapstructure:"duration"`
	BlockDuration time.Duration `mapstructure:"block_duration"`
	EvenSpacing   bool          `mapstructure:"even_spacing"`
}

// DetectorSettings tunes the consecutive-failure abuse detector.
type DetectorSettings struct {
	Threshold int           `mapstructure:"threshold"`
	Window    time.Duration `mapstructure:"window"`
	Retention time.Duration `mapstructure:"retention"`
}

// MaintenanceConfig tunes the background cleanup jobs.
type MaintenanceConfig struct {
	AuditRetentionDays int `mapstructure:"audit_retention_days"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("CIVIGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.environment", "development")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/civigate.sqlite")

	v.SetDefault("cache.redis.enabled", false)
	v.SetDefault("cache.redis.address", "127.0.0.1:6379")
	v.SetDefault("cache.redis.username", "")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.tls", false)
	v.SetDefault("cache.redis.timeout", "5s")

	v.SetDefault("auth.tokens.issuer", "civigate")
	v.SetDefault("auth.tokens.access_ttl", "24h")
	v.SetDefault("auth.tokens.refresh_ttl", "168h") // 7 days
	v.SetDefault("auth.cookies.path", "/")
	v.SetDefault("auth.cookies.secure", false)
	v.SetDefault("auth.cookies.same_site", "strict")
	v.SetDefault("auth.session.stale_after", "720h") // 30 days

	v.SetDefault("rate_limit.profiles.general.points", 100)
	v.SetDefault("rate_limit.profiles.general.duration", "1m")
	v.SetDefault("rate_limit.profiles.login.points", 5)
	v.SetDefault("rate_limit.profiles.login.duration", "15m")
	v.SetDefault("rate_limit.profiles.login.block_duration", "15m")
	v.SetDefault("rate_limit.profiles.refresh.points", 30)
	v.SetDefault("rate_limit.profiles.refresh.duration", "5m")
	v.SetDefault("rate_limit.profiles.refresh.block_duration", "5m")
	v.SetDefault("rate_limit.profiles.register.points", 3)
	v.SetDefault("rate_limit.profiles.register.duration", "1h")
	v.SetDefault("rate_limit.profiles.register.block_duration", "1h")
	v.SetDefault("rate_limit.profiles.critical.points", 5)
	v.SetDefault("rate_limit.profiles.critical.duration", "1h")
	v.SetDefault("rate_limit.profiles.critical.block_duration", "1h")
	v.SetDefault("rate_limit.detector.threshold", 5)
	v.SetDefault("rate_limit.detector.window", "15m")
	v.SetDefault("rate_limit.detector.retention", "24h")

	v.SetDefault("maintenance.audit_retention_days", 90)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
