package app

import (
	"strings"
	"testing"
)

func TestApplyRuntimeDefaultsGeneratesMissingSecrets(t *testing.T) {
	cfg := &Config{}

	generated, err := ApplyRuntimeDefaults(cfg)
	if err != nil {
		t.Fatalf("ApplyRuntimeDefaults returned error: %v", err)
	}

	if cfg.Auth.Tokens.AccessSecret == "" {
		t.Fatal("expected access token secret to be generated")
	}
	if cfg.Auth.Tokens.RefreshSecret == "" {
		t.Fatal("expected refresh token secret to be generated")
	}
	if cfg.Auth.Tokens.AccessSecret == cfg.Auth.Tokens.RefreshSecret {
		t.Fatal("expected distinct access and refresh secrets")
	}
	if !generated["auth.tokens.access_secret"] || !generated["auth.tokens.refresh_secret"] {
		t.Fatalf("expected generated map to include both token secrets: %#v", generated)
	}
}

func TestApplyRuntimeDefaultsPreservesExistingSecrets(t *testing.T) {
	cfg := &Config{}
	cfg.Auth.Tokens.AccessSecret = strings.Repeat("a", 10)
	cfg.Auth.Tokens.RefreshSecret = strings.Repeat("b", 10)

	generated, err := ApplyRuntimeDefaults(cfg)
	if err != nil {
		t.Fatalf("ApplyRuntimeDefaults returned error: %v", err)
	}

	if len(generated) != 0 {
		t.Fatalf("expected no keys generated, got %#v", generated)
	}
	if cfg.Auth.Tokens.AccessSecret != strings.Repeat("a", 10) {
		t.Fatal("expected configured access secret to be preserved")
	}
}

func TestApplyRuntimeDefaultsRefusesProductionWithoutSecrets(t *testing.T) {
	cfg := &Config{}
	cfg.Server.Environment = "production"

	if _, err := ApplyRuntimeDefaults(cfg); err == nil {
		t.Fatal("expected error for missing production secrets")
	}

	cfg.Auth.Tokens.AccessSecret = strings.Repeat("a", 48)
	cfg.Auth.Tokens.RefreshSecret = strings.Repeat("b", 48)

	generated, err := ApplyRuntimeDefaults(cfg)
	if err != nil {
		t.Fatalf("ApplyRuntimeDefaults returned error: %v", err)
	}
	if len(generated) != 0 {
		t.Fatalf("expected no keys generated, got %#v", generated)
	}
}

func TestApplyRuntimeDefaultsNilConfig(t *testing.T) {
	_, err := ApplyRuntimeDefaults(nil)
	if err == nil || !strings.Contains(err.Error(), "config is nil") {
		t.Fatalf("expected nil config error, got %v", err)
	}
}
