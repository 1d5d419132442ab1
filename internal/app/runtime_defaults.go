package app

import (
	"fmt"
	"strings"

	"github.com/civigate/civigate/pkg/crypto"
)

const tokenSecretBytes = 48

// ApplyRuntimeDefaults ensures critical secrets are populated even when no configuration file is supplied.
// It returns a map describing which keys were generated so callers can log the event without exposing values.
// Production deployments must supply both signing secrets explicitly: a
// generated secret would be lost on restart, silently invalidating every
// outstanding token, so the absence is a startup failure there.
func ApplyRuntimeDefaults(cfg *Config) (map[string]bool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	if strings.EqualFold(strings.TrimSpace(cfg.Server.Environment), "production") {
		if strings.TrimSpace(cfg.Auth.Tokens.AccessSecret) == "" || strings.TrimSpace(cfg.Auth.Tokens.RefreshSecret) == "" {
			return nil, fmt.Errorf("token signing secrets must be configured explicitly in production")
		}
	}

	generated := make(map[string]bool)

	if strings.TrimSpace(cfg.Auth.Tokens.AccessSecret) == "" {
		secret, err := crypto.GenerateToken(tokenSecretBytes)
		if err != nil {
			return nil, fmt.Errorf("generate access token secret: %w", err)
		}
		cfg.Auth.Tokens.AccessSecret = secret
		generated["auth.tokens.access_secret"] = true
	}

	if strings.TrimSpace(cfg.Auth.Tokens.RefreshSecret) == "" {
		secret, err := crypto.GenerateToken(tokenSecretBytes)
		if err != nil {
			return nil, fmt.Errorf("generate refresh token secret: %w", err)
		}
		cfg.Auth.Tokens.RefreshSecret = secret
		generated["auth.tokens.refresh_secret"] = true
	}

	return generated, nil
}
