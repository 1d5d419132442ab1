package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/civigate/civigate/internal/ratelimit"
	"github.com/civigate/civigate/internal/services"
	apperrors "github.com/civigate/civigate/pkg/errors"
	"github.com/civigate/civigate/pkg/logger"
	"github.com/civigate/civigate/pkg/metrics"
)

// Internal failure sub-kinds. They reach the audit trail and the security
// log; clients only ever see the collapsed credential error.
const (
	reasonUserNotFound     = "user_not_found"
	reasonBadPassword      = "bad_password"
	reasonAccountDisabled  = "account_disabled"
	reasonAccountLocked    = "account_locked"
	reasonQuotaExceeded    = "quota_exceeded"
	reasonOriginSuspicious = "origin_suspicious"
)

const loginLoggerModule = "auth"

// LoginRecorder receives successful-login bookkeeping. Implemented by the
// user store; optional for callers that do not track last-login data.
type LoginRecorder interface {
	RecordLogin(ctx context.Context, principalID, ipAddress string, at time.Time) error
}

// LoginDeps wires the collaborators a LoginService composes.
type LoginDeps struct {
	Principals PrincipalRepository
	Verifier   SecretVerifier
	Tokens     *TokenService
	Sessions   *SessionService
	Limiter    *ratelimit.Limiter
	Detector   *ratelimit.Detector

	// Audit and Recorder are optional; absence disables the side effect.
	Audit    *services.AuditService
	Recorder LoginRecorder

	// Profile names the limiter profile charged per identifier on login
	// attempts. Defaults to "login".
	Profile string
	Clock   func() time.Time
}

// LoginInput carries one credential presentation.
type LoginInput struct {
	Identifier string
	Password   string
	IPAddress  string
	UserAgent  string
}

// LoginResult is the success outcome of a full login sequence. Transport
// attachment is left to the HTTP layer.
type LoginResult struct {
	Principal Principal
	SessionID string
	Tokens    TokenPair
}

// RefreshResult carries a rotated access credential for an existing session.
type RefreshResult struct {
	Principal   Principal
	SessionID   string
	AccessToken string
	CSRFNonce   string
}

// LoginService drives the credential verification sequence: abuse guard,
// principal lookup, secret verification, token issuance, session persistence.
// Each step aborts the sequence; no later step runs after a failure.
type LoginService struct {
	principals PrincipalRepository
	verifier   SecretVerifier
	tokens     *TokenService
	sessions   *SessionService
	limiter    *ratelimit.Limiter
	detector   *ratelimit.Detector
	audit      *services.AuditService
	recorder   LoginRecorder
	profile    string
	now        func() time.Time
	log        *zap.Logger
}

// NewLoginService validates the dependency set and builds the orchestrator.
func NewLoginService(deps LoginDeps) (*LoginService, error) {
	if deps.Principals == nil {
		return nil, errors.New("login service: principal repository is required")
	}
	if deps.Verifier == nil {
		return nil, errors.New("login service: secret verifier is required")
	}
	if deps.Tokens == nil {
		return nil, errors.New("login service: token service is required")
	}
	if deps.Sessions == nil {
		return nil, errors.New("login service: session service is required")
	}
	if deps.Limiter == nil {
		return nil, errors.New("login service: rate limiter is required")
	}
	if deps.Detector == nil {
		return nil, errors.New("login service: abuse detector is required")
	}

	profile := deps.Profile
	if profile == "" {
		profile = "login"
	}
	if err := deps.Limiter.Require(profile); err != nil {
		return nil, fmt.Errorf("login service: %w", err)
	}

	clock := time.Now
	if deps.Clock != nil {
		clock = deps.Clock
	}

	return &LoginService{
		principals: deps.Principals,
		verifier:   deps.Verifier,
		tokens:     deps.Tokens,
		sessions:   deps.Sessions,
		limiter:    deps.Limiter,
		detector:   deps.Detector,
		audit:      deps.Audit,
		recorder:   deps.Recorder,
		profile:    profile,
		now:        clock,
		log:        logger.WithModule(loginLoggerModule),
	}, nil
}

// Login runs the full authentication sequence for one credential
// presentation. Lookup misses, wrong secrets, and disabled or locked
// accounts all surface the same credential error so responses cannot be
// used to enumerate accounts.
func (s *LoginService) Login(ctx context.Context, input LoginInput) (*LoginResult, error) {
	identifier := strings.ToLower(strings.TrimSpace(input.Identifier))
	if identifier == "" || input.Password == "" {
		return nil, apperrors.ErrInvalidCredentials
	}

	ip := strings.TrimSpace(input.IPAddress)
	origins := loginOrigins(identifier, ip)

	if s.detector.IsSuspicious(origins...) {
		metrics.AuthAttempts.WithLabelValues("blocked").Inc()
		s.auditLogin(ctx, nil, identifier, input, services.AuditResultFailure, reasonOriginSuspicious)
		return nil, apperrors.ErrOriginBlocked
	}

	quota, err := s.limiter.Consume(s.profile, "id:"+identifier)
	if err != nil {
		return nil, fmt.Errorf("login service: consume quota: %w", err)
	}
	if !quota.Allowed {
		metrics.AuthAttempts.WithLabelValues("blocked").Inc()
		s.auditLogin(ctx, nil, identifier, input, services.AuditResultFailure, reasonQuotaExceeded)
		return nil, RateLimitedError(quota)
	}

	principal, err := s.principals.FindByIdentifier(ctx, identifier)
	if err != nil {
		return nil, fmt.Errorf("login service: find principal: %w", err)
	}
	if principal == nil {
		s.detector.RecordFailure(s.profile, origins...)
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		s.auditLogin(ctx, nil, identifier, input, services.AuditResultFailure, reasonUserNotFound)
		return nil, apperrors.ErrInvalidCredentials
	}

	if reason := statusReason(principal.Status); reason != "" {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		s.auditLogin(ctx, principal, identifier, input, services.AuditResultFailure, reason)
		return nil, apperrors.ErrInvalidCredentials
	}

	if !s.verifier.Verify(input.Password, principal.SecretDigest) {
		s.detector.RecordFailure(s.profile, origins...)
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		s.auditLogin(ctx, principal, identifier, input, services.AuditResultFailure, reasonBadPassword)
		return nil, apperrors.ErrInvalidCredentials
	}

	sessionID := uuid.NewString()
	pair, err := s.tokens.Issue(*principal, sessionID)
	if err != nil {
		return nil, fmt.Errorf("login service: issue tokens: %w", err)
	}

	session, err := s.sessions.Create(CreateSessionInput{
		SessionID: sessionID,
		UserID:    principal.ID,
		RawToken:  pair.RefreshToken,
		Metadata: SessionMetadata{
			IPAddress: ip,
			UserAgent: input.UserAgent,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("login service: persist session: %w", err)
	}

	s.detector.RecordSuccess(s.profile, origins...)
	if s.recorder != nil {
		if err := s.recorder.RecordLogin(ctx, principal.ID, ip, s.now()); err != nil {
			s.log.Warn("login bookkeeping failed",
				zap.String("user_id", principal.ID),
				zap.Error(err),
			)
		}
	}

	metrics.AuthAttempts.WithLabelValues("success").Inc()
	s.auditLogin(ctx, principal, identifier, input, services.AuditResultSuccess, "")

	return &LoginResult{
		Principal: *principal,
		SessionID: session.ID,
		Tokens:    pair,
	}, nil
}

// Refresh exchanges a valid refresh token for a fresh access token and CSRF
// nonce bound to the same session. The refresh token itself is not rotated.
// Failed verification never mutates session state.
func (s *LoginService) Refresh(ctx context.Context, rawRefreshToken string) (*RefreshResult, error) {
	raw := strings.TrimSpace(rawRefreshToken)
	if raw == "" {
		return nil, apperrors.ErrUnauthorized
	}

	claims, err := s.tokens.VerifyRefresh(raw)
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues("failure").Inc()
		s.log.Debug("refresh token rejected", zap.Error(err))
		return nil, apperrors.ErrUnauthorized
	}

	session, err := s.sessions.Validate(raw)
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues("failure").Inc()
		s.log.Debug("refresh session rejected",
			zap.String("session_id", claims.SessionID),
			zap.Error(err),
		)
		return nil, apperrors.ErrUnauthorized
	}

	principal, err := s.principals.FindByID(ctx, claims.UserID)
	if err != nil {
		return nil, fmt.Errorf("login service: find principal: %w", err)
	}
	if principal == nil || !principal.Active() {
		metrics.TokenRefreshes.WithLabelValues("failure").Inc()
		return nil, apperrors.ErrUnauthorized
	}

	accessToken, nonce, err := s.tokens.RotateAccess(claims, *principal)
	if err != nil {
		return nil, fmt.Errorf("login service: rotate access token: %w", err)
	}

	metrics.TokenRefreshes.WithLabelValues("success").Inc()
	return &RefreshResult{
		Principal:   *principal,
		SessionID:   session.ID,
		AccessToken: accessToken,
		CSRFNonce:   nonce,
	}, nil
}

// Logout invalidates the session. Unknown or already-invalidated sessions
// are a no-op so repeated logouts stay idempotent.
func (s *LoginService) Logout(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil
	}

	err := s.sessions.Invalidate(sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("login service: logout: %w", err)
	}

	if s.audit != nil {
		_ = s.audit.Log(ctx, services.AuditEntry{
			Action:   "auth.logout",
			Resource: sessionID,
			Result:   services.AuditResultSuccess,
		})
	}
	return nil
}

func (s *LoginService) auditLogin(ctx context.Context, principal *Principal, identifier string, input LoginInput, result, reason string) {
	if s.audit != nil {
		entry := services.AuditEntry{
			Username:  identifier,
			Action:    "auth.login",
			Resource:  "auth",
			Result:    result,
			IPAddress: strings.TrimSpace(input.IPAddress),
			UserAgent: input.UserAgent,
		}
		if principal != nil {
			id := principal.ID
			entry.UserID = &id
			entry.Resource = principal.ID
			if tenantID := principal.TenantID; tenantID != "" {
				entry.TenantID = &tenantID
			}
		}
		if reason != "" {
			entry.Metadata = map[string]any{"reason": reason}
		}
		_ = s.audit.Log(ctx, entry)
	}

	if result != services.AuditResultSuccess {
		s.log.Warn("login rejected",
			zap.String("identifier", identifier),
			zap.String("ip", strings.TrimSpace(input.IPAddress)),
			zap.String("reason", reason),
		)
	}
}

func statusReason(status PrincipalStatus) string {
	switch status {
	case PrincipalStatusActive:
		return ""
	case PrincipalStatusLocked:
		return reasonAccountLocked
	default:
		return reasonAccountDisabled
	}
}

func loginOrigins(identifier, ip string) []string {
	origins := []string{"id:" + identifier}
	if ip != "" {
		origins = append(origins, "ip:"+ip)
	}
	return origins
}

// RateLimitedError renders a quota rejection as the API-facing rate limit
// error, attaching the retry hint the contract allows to disclose.
func RateLimitedError(result ratelimit.Result) error {
	return apperrors.ErrRateLimit.WithDetails(map[string]any{
		"retry_after": ratelimit.RetrySeconds(result.RetryAfter),
	})
}
