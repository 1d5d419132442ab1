package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/joho/godotenv"
)

// EnvReport describes what LoadEnv did so callers can log it once the
// logger is configured. Secret values are never included.
type EnvReport struct {
	DotenvLoaded   string
	SecretID       string
	SecretsApplied int
}

// LoadEnv populates the process environment before configuration is read.
// When CIVIGATE_SECRETS_ID names an AWS Secrets Manager secret, its JSON
// payload is applied as environment variables; a configured secret that
// cannot be fetched is a startup failure rather than a silent fallback.
// A local dotenv file, when present, fills in anything still unset.
func LoadEnv(ctx context.Context) (EnvReport, error) {
	report := EnvReport{}

	secretID := strings.TrimSpace(os.Getenv("CIVIGATE_SECRETS_ID"))
	if secretID != "" {
		applied, err := applySecretsManagerEnv(ctx, secretID)
		if err != nil {
			return report, err
		}
		report.SecretID = secretID
		report.SecretsApplied = applied
	}

	report.DotenvLoaded = loadDotenv()
	return report, nil
}

func applySecretsManagerEnv(ctx context.Context, secretID string) (int, error) {
	cfg, err := loadAWSConfig(ctx)
	if err != nil {
		return 0, fmt.Errorf("load aws config: %w", err)
	}

	client := secretsmanager.NewFromConfig(cfg)
	output, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return 0, fmt.Errorf("fetch secret %s: %w", secretID, err)
	}

	var payload string
	switch {
	case output.SecretString != nil:
		payload = *output.SecretString
	case len(output.SecretBinary) > 0:
		payload = string(output.SecretBinary)
	default:
		return 0, fmt.Errorf("secret %s has no payload", secretID)
	}

	values := map[string]any{}
	if err := json.Unmarshal([]byte(payload), &values); err != nil {
		return 0, fmt.Errorf("parse secret %s as JSON: %w", secretID, err)
	}

	applied := 0
	for key, value := range values {
		key = strings.TrimSpace(key)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		if err := os.Setenv(key, fmt.Sprint(value)); err != nil {
			return applied, fmt.Errorf("set env %s: %w", key, err)
		}
		applied++
	}

	return applied, nil
}

func loadAWSConfig(ctx context.Context) (aws.Config, error) {
	if region := strings.TrimSpace(os.Getenv("CIVIGATE_SECRETS_REGION")); region != "" {
		return awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	}
	return awsconfig.LoadDefaultConfig(ctx)
}

func loadDotenv() string {
	if path := strings.TrimSpace(os.Getenv("CIVIGATE_ENV_FILE")); path != "" {
		if err := godotenv.Load(path); err == nil {
			return path
		}
		return ""
	}
	if err := godotenv.Load(); err == nil {
		return ".env"
	}
	return ""
}
