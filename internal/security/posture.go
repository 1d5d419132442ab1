package security

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	iauth "github.com/civigate/civigate/internal/auth"
	"github.com/civigate/civigate/internal/models"
	"github.com/civigate/civigate/internal/ratelimit"
)

// CheckStatus captures the outcome of a posture check.
type CheckStatus string

const (
	StatusPass CheckStatus = "pass"
	StatusWarn CheckStatus = "warn"
	StatusFail CheckStatus = "fail"
)

// Check contains the result of a single posture verification.
type Check struct {
	ID          string      `json:"id"`
	Status      CheckStatus `json:"status"`
	Message     string      `json:"message"`
	Remediation string      `json:"remediation,omitempty"`
	Details     any         `json:"details,omitempty"`
}

// Report aggregates all checks with a simple status summary.
type Report struct {
	CheckedAt time.Time      `json:"checked_at"`
	Checks    []Check        `json:"checks"`
	Summary   map[string]int `json:"summary"`
}

// Profiles every deployment is expected to register with the limiter.
var requiredProfiles = []string{"general", "login", "refresh", "register", "critical"}

// PostureDeps wires the collaborators the posture checks inspect. All of
// them are optional; missing inputs degrade specific checks to warnings.
type PostureDeps struct {
	DB      *gorm.DB
	Tokens  *iauth.TokenService
	Cookies *iauth.CookieManager
	Limiter *ratelimit.Limiter

	// Environment distinguishes production from everything else; cookie
	// policy violations only fail there.
	Environment string
	Clock       func() time.Time
}

// PostureService evaluates the deployed authentication configuration.
type PostureService struct {
	db      *gorm.DB
	tokens  *iauth.TokenService
	cookies *iauth.CookieManager
	limiter *ratelimit.Limiter
	env     string
	now     func() time.Time
}

// NewPostureService constructs the posture service.
func NewPostureService(deps PostureDeps) *PostureService {
	now := deps.Clock
	if now == nil {
		now = time.Now
	}

	return &PostureService{
		db:      deps.DB,
		tokens:  deps.Tokens,
		cookies: deps.Cookies,
		limiter: deps.Limiter,
		env:     deps.Environment,
		now:     now,
	}
}

// Run executes all posture checks and returns their outcome.
func (s *PostureService) Run(ctx context.Context) Report {
	if ctx == nil {
		ctx = context.Background()
	}

	checks := []Check{
		s.checkAdminPresence(ctx),
		s.checkTokenSecrets(),
		s.checkTokenTTLs(),
		s.checkCookiePolicy(),
		s.checkRateLimitProfiles(),
	}

	summary := map[string]int{
		string(StatusPass): 0,
		string(StatusWarn): 0,
		string(StatusFail): 0,
	}

	for _, check := range checks {
		summary[string(check.Status)]++
	}

	return Report{
		CheckedAt: s.now().UTC(),
		Checks:    checks,
		Summary:   summary,
	}
}

func (s *PostureService) checkAdminPresence(ctx context.Context) Check {
	if s.db == nil {
		return Check{
			ID:          "admin_user_present",
			Status:      StatusWarn,
			Message:     "Database unavailable; unable to confirm admin presence.",
			Remediation: "Ensure database connectivity before running the posture report.",
		}
	}

	var count int64
	if err := s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("role = ? AND is_active = ?", models.RoleAdmin, true).
		Count(&count).Error; err != nil {
		return Check{
			ID:          "admin_user_present",
			Status:      StatusWarn,
			Message:     fmt.Sprintf("Could not verify admin users: %v", err),
			Remediation: "Retry after resolving database errors.",
		}
	}

	if count == 0 {
		return Check{
			ID:          "admin_user_present",
			Status:      StatusFail,
			Message:     "No active admin user found.",
			Remediation: "Create an active admin user so the review surfaces stay reachable.",
		}
	}

	return Check{
		ID:      "admin_user_present",
		Status:  StatusPass,
		Message: "Active admin user present.",
		Details: map[string]any{"count": count},
	}
}

func (s *PostureService) checkTokenSecrets() Check {
	if s.tokens == nil {
		return Check{
			ID:          "token_secret_strength",
			Status:      StatusWarn,
			Message:     "Token service not initialised; unable to assess signing secret strength.",
			Remediation: "Initialise the token service with strong, distinct secrets.",
		}
	}

	access, refresh := s.tokens.SecretLengths()
	shortest := access
	if refresh < shortest {
		shortest = refresh
	}

	switch {
	case shortest < 32:
		return Check{
			ID:          "token_secret_strength",
			Status:      StatusFail,
			Message:     fmt.Sprintf("A signing secret is too short (%d bytes).", shortest),
			Remediation: "Use randomly generated secrets of at least 32 bytes.",
			Details:     map[string]any{"access_length": access, "refresh_length": refresh},
		}
	case shortest < 48:
		return Check{
			ID:          "token_secret_strength",
			Status:      StatusWarn,
			Message:     fmt.Sprintf("Shortest signing secret is %d bytes. Consider increasing to 48+ bytes.", shortest),
			Remediation: "Increase CIVIGATE_AUTH_ACCESS_SECRET and CIVIGATE_AUTH_REFRESH_SECRET to at least 48 bytes.",
			Details:     map[string]any{"access_length": access, "refresh_length": refresh},
		}
	default:
		return Check{
			ID:      "token_secret_strength",
			Status:  StatusPass,
			Message: "Both signing secrets meet the recommended length.",
			Details: map[string]any{"access_length": access, "refresh_length": refresh},
		}
	}
}

func (s *PostureService) checkTokenTTLs() Check {
	if s.tokens == nil {
		return Check{
			ID:          "token_lifetimes",
			Status:      StatusWarn,
			Message:     "Token service not initialised; unable to evaluate token lifetimes.",
			Remediation: "Initialise the token service before running the posture report.",
		}
	}

	accessTTL := s.tokens.AccessTTL()
	refreshTTL := s.tokens.RefreshTTL()

	if accessTTL >= refreshTTL {
		return Check{
			ID:          "token_lifetimes",
			Status:      StatusFail,
			Message:     fmt.Sprintf("Access token TTL (%s) is not shorter than the refresh TTL (%s).", accessTTL, refreshTTL),
			Remediation: "Keep access tokens short-lived; sessions outlive them through refresh.",
			Details:     map[string]any{"access_ttl": accessTTL.String(), "refresh_ttl": refreshTTL.String()},
		}
	}

	const maxRecommended = 30 * 24 * time.Hour
	if refreshTTL > maxRecommended {
		return Check{
			ID:          "token_lifetimes",
			Status:      StatusWarn,
			Message:     fmt.Sprintf("Refresh token TTL (%s) exceeds the recommended maximum (%s).", refreshTTL, maxRecommended),
			Remediation: "Reduce the refresh TTL to 30 days or lower to limit credential exposure.",
			Details:     map[string]any{"refresh_ttl": refreshTTL.String()},
		}
	}

	return Check{
		ID:      "token_lifetimes",
		Status:  StatusPass,
		Message: fmt.Sprintf("Access TTL %s, refresh TTL %s.", accessTTL, refreshTTL),
		Details: map[string]any{"access_ttl": accessTTL.String(), "refresh_ttl": refreshTTL.String()},
	}
}

func (s *PostureService) checkCookiePolicy() Check {
	if s.cookies == nil {
		return Check{
			ID:          "cookie_policy",
			Status:      StatusWarn,
			Message:     "Cookie manager not initialised; unable to verify cookie attributes.",
			Remediation: "Initialise the cookie manager before running the posture report.",
		}
	}

	err := s.cookies.Validate("production")
	if err == nil {
		return Check{
			ID:      "cookie_policy",
			Status:  StatusPass,
			Message: "Credential cookies are Secure with SameSite=Strict.",
		}
	}

	if isProduction(s.env) {
		return Check{
			ID:          "cookie_policy",
			Status:      StatusFail,
			Message:     fmt.Sprintf("Cookie policy violates production requirements: %v.", err),
			Remediation: "Enable Secure cookies and SameSite=Strict in production.",
		}
	}

	return Check{
		ID:          "cookie_policy",
		Status:      StatusWarn,
		Message:     fmt.Sprintf("Cookie policy would fail in production: %v.", err),
		Remediation: "Enable Secure cookies and SameSite=Strict before promoting this configuration.",
	}
}

func (s *PostureService) checkRateLimitProfiles() Check {
	if s.limiter == nil {
		return Check{
			ID:          "rate_limit_profiles",
			Status:      StatusWarn,
			Message:     "Rate limiter not initialised; unable to verify quota profiles.",
			Remediation: "Initialise the rate limiter before running the posture report.",
		}
	}

	var missing []string
	for _, name := range requiredProfiles {
		if _, ok := s.limiter.Profile(name); !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return Check{
			ID:          "rate_limit_profiles",
			Status:      StatusFail,
			Message:     fmt.Sprintf("Required quota profiles missing: %v.", missing),
			Remediation: "Register every expected profile in the rate limit configuration.",
			Details:     map[string]any{"missing": missing},
		}
	}

	if profile, ok := s.limiter.Profile("login"); ok && profile.BlockDuration <= 0 {
		return Check{
			ID:          "rate_limit_profiles",
			Status:      StatusWarn,
			Message:     "Login profile has no block duration; overruns are only rejected until the window resets.",
			Remediation: "Set a block duration on the login profile to slow brute-force attempts.",
		}
	}

	return Check{
		ID:      "rate_limit_profiles",
		Status:  StatusPass,
		Message: "All required quota profiles are registered.",
		Details: map[string]any{"profiles": s.limiter.ProfileNames()},
	}
}

func isProduction(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "production", "prod":
		return true
	default:
		return false
	}
}
