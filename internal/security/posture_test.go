package security

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	iauth "github.com/civigate/civigate/internal/auth"
	"github.com/civigate/civigate/internal/database"
	testutil "github.com/civigate/civigate/internal/database/testutil"
	"github.com/civigate/civigate/internal/models"
	"github.com/civigate/civigate/internal/ratelimit"
)

func strongTokenService(t *testing.T) *iauth.TokenService {
	t.Helper()

	svc, err := iauth.NewTokenService(iauth.TokenConfig{
		AccessSecret:  "access-secret-access-secret-access-secret-access",
		RefreshSecret: "refresh-secret-refresh-secret-refresh-secret-ref",
		Issuer:        "civigate-test",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    24 * time.Hour,
	})
	require.NoError(t, err)
	return svc
}

func fullProfileLimiter(t *testing.T) *ratelimit.Limiter {
	t.Helper()

	profiles := map[string]ratelimit.Profile{}
	for _, name := range []string{"general", "login", "refresh", "register", "critical"} {
		profiles[name] = ratelimit.Profile{
			Points:        10,
			Duration:      time.Minute,
			BlockDuration: 5 * time.Minute,
		}
	}

	limiter, err := ratelimit.NewLimiter(ratelimit.Config{Profiles: profiles})
	require.NoError(t, err)
	return limiter
}

func findCheck(t *testing.T, report Report, id string) Check {
	t.Helper()

	for _, check := range report.Checks {
		if check.ID == id {
			return check
		}
	}
	t.Fatalf("check %q not found in report", id)
	return Check{}
}

func TestPostureReportAllGreen(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithSeedData())

	admin := &models.User{
		TenantID: database.DefaultTenantID,
		Email:    "posture-admin@example.com",
		Password: "hashed",
		Role:     models.RoleAdmin,
		IsActive: true,
	}
	require.NoError(t, db.Create(admin).Error)

	fixed := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	svc := NewPostureService(PostureDeps{
		DB:     db,
		Tokens: strongTokenService(t),
		Cookies: iauth.NewCookieManager(iauth.CookieConfig{
			Secure:   true,
			SameSite: http.SameSiteStrictMode,
		}),
		Limiter:     fullProfileLimiter(t),
		Environment: "production",
		Clock:       func() time.Time { return fixed },
	})

	report := svc.Run(context.Background())

	require.Equal(t, fixed, report.CheckedAt)
	require.Len(t, report.Checks, 5)
	require.Equal(t, len(report.Checks), report.Summary[string(StatusPass)])
	require.Zero(t, report.Summary[string(StatusFail)])
}

func TestPostureDetectsMissingAdmin(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())

	svc := NewPostureService(PostureDeps{DB: db})
	report := svc.Run(context.Background())

	check := findCheck(t, report, "admin_user_present")
	require.Equal(t, StatusFail, check.Status)
}

func TestPostureFlagsWeakSecrets(t *testing.T) {
	tokens, err := iauth.NewTokenService(iauth.TokenConfig{
		AccessSecret:  "0123456789abcdef0123456789abcdef",
		RefreshSecret: "fedcba9876543210fedcba9876543210",
		Issuer:        "civigate-test",
	})
	require.NoError(t, err)

	svc := NewPostureService(PostureDeps{Tokens: tokens})
	report := svc.Run(context.Background())

	// 32-byte secrets clear the floor but stay below the recommendation.
	check := findCheck(t, report, "token_secret_strength")
	require.Equal(t, StatusWarn, check.Status)
}

func TestPostureCookiePolicySeverityFollowsEnvironment(t *testing.T) {
	insecure := iauth.NewCookieManager(iauth.CookieConfig{Secure: false})

	prod := NewPostureService(PostureDeps{Cookies: insecure, Environment: "production"})
	check := findCheck(t, prod.Run(context.Background()), "cookie_policy")
	require.Equal(t, StatusFail, check.Status)

	dev := NewPostureService(PostureDeps{Cookies: insecure, Environment: "development"})
	check = findCheck(t, dev.Run(context.Background()), "cookie_policy")
	require.Equal(t, StatusWarn, check.Status)
}

func TestPostureDetectsMissingProfiles(t *testing.T) {
	limiter, err := ratelimit.NewLimiter(ratelimit.Config{
		Profiles: map[string]ratelimit.Profile{
			"general": {Points: 10, Duration: time.Minute},
		},
	})
	require.NoError(t, err)

	svc := NewPostureService(PostureDeps{Limiter: limiter})
	report := svc.Run(context.Background())

	check := findCheck(t, report, "rate_limit_profiles")
	require.Equal(t, StatusFail, check.Status)
}

func TestPostureDegradesWithoutDependencies(t *testing.T) {
	svc := NewPostureService(PostureDeps{})
	report := svc.Run(context.Background())

	require.Len(t, report.Checks, 5)
	require.Equal(t, len(report.Checks), report.Summary[string(StatusWarn)])
}
