package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/civigate/civigate/pkg/crypto"
)

// Token lifetimes applied when the configuration leaves them unset.
const (
	DefaultAccessTokenTTL  = 24 * time.Hour
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
)

// Audience markers keep the two token kinds mutually unusable: a refresh
// token can never be presented where an access token is expected.
const (
	AccessAudience  = "civigate:access"
	RefreshAudience = "civigate:refresh"
)

const csrfNonceLength = 16

// Token verification failures, distinguished internally for security triage
// and collapsed to one generic message at the API boundary.
var (
	ErrTokenExpired       = errors.New("token: expired")
	ErrTokenMalformed     = errors.New("token: malformed")
	ErrTokenWrongAudience = errors.New("token: audience mismatch")
)

// TokenConfig bundles the configuration required to build a TokenService.
type TokenConfig struct {
	AccessSecret  string
	RefreshSecret string
	Issuer        string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Clock         func() time.Time
}

// AccessClaims are embedded in access tokens and carried on every
// authenticated request. Never persisted.
type AccessClaims struct {
	UserID    string `json:"uid"`
	Role      string `json:"role,omitempty"`
	TenantID  string `json:"tid,omitempty"`
	SessionID string `json:"sid"`
	CSRFNonce string `json:"csrf,omitempty"`
	jwt.RegisteredClaims
}

// RefreshClaims are embedded in refresh tokens, scoped only to minting new
// access tokens for an existing session.
type RefreshClaims struct {
	UserID    string `json:"uid"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// TokenPair is the product of a successful issuance.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	CSRFNonce    string
}

// TokenService mints and validates access and refresh tokens with distinct
// signing secrets and audiences.
type TokenService struct {
	accessSecret  []byte
	refreshSecret []byte
	issuer        string
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

// NewTokenService validates the configuration and builds a TokenService.
func NewTokenService(cfg TokenConfig) (*TokenService, error) {
	if cfg.AccessSecret == "" {
		return nil, errors.New("token service: access secret must be provided")
	}
	if cfg.RefreshSecret == "" {
		return nil, errors.New("token service: refresh secret must be provided")
	}
	if cfg.AccessSecret == cfg.RefreshSecret {
		return nil, errors.New("token service: access and refresh secrets must differ")
	}

	accessTTL := cfg.AccessTTL
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTokenTTL
	}

	refreshTTL := cfg.RefreshTTL
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTokenTTL
	}

	now := time.Now
	if cfg.Clock != nil {
		now = cfg.Clock
	}

	return &TokenService{
		accessSecret:  []byte(cfg.AccessSecret),
		refreshSecret: []byte(cfg.RefreshSecret),
		issuer:        cfg.Issuer,
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
		now:           now,
	}, nil
}

// RefreshTTL exposes the configured refresh token lifetime so the session
// store can align session expiry with it.
func (s *TokenService) RefreshTTL() time.Duration {
	return s.refreshTTL
}

// AccessTTL exposes the configured access token lifetime.
func (s *TokenService) AccessTTL() time.Duration {
	return s.accessTTL
}

// SecretLengths reports the byte sizes of the signing secrets for security
// review surfaces. The secrets themselves are never exposed.
func (s *TokenService) SecretLengths() (access, refresh int) {
	return len(s.accessSecret), len(s.refreshSecret)
}

// Issue mints an access/refresh token pair bound to the given session.
func (s *TokenService) Issue(principal Principal, sessionID string) (TokenPair, error) {
	if principal.ID == "" {
		return TokenPair{}, errors.New("token service: principal id is required")
	}
	if sessionID == "" {
		return TokenPair{}, errors.New("token service: session id is required")
	}

	accessToken, nonce, err := s.mintAccess(principal, sessionID)
	if err != nil {
		return TokenPair{}, err
	}

	now := s.now()
	refreshClaims := &RefreshClaims{
		UserID:    principal.ID,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal.ID,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{RefreshAudience},
			ID:        sessionID,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.refreshTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	refreshToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, refreshClaims).SignedString(s.refreshSecret)
	if err != nil {
		return TokenPair{}, fmt.Errorf("token service: sign refresh token: %w", err)
	}

	return TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		CSRFNonce:    nonce,
	}, nil
}

// RotateAccess reissues the access token for an already-verified refresh
// claim set. The refresh token itself is not rotated; the caller is
// responsible for re-checking that the principal is still active.
func (s *TokenService) RotateAccess(claims *RefreshClaims, principal Principal) (string, string, error) {
	if claims == nil || claims.SessionID == "" {
		return "", "", fmt.Errorf("%w: missing session id", ErrTokenMalformed)
	}
	if principal.ID == "" || principal.ID != claims.UserID {
		return "", "", errors.New("token service: principal does not match refresh claims")
	}

	return s.mintAccess(principal, claims.SessionID)
}

func (s *TokenService) mintAccess(principal Principal, sessionID string) (string, string, error) {
	nonce, err := crypto.GenerateToken(csrfNonceLength)
	if err != nil {
		return "", "", fmt.Errorf("token service: generate csrf nonce: %w", err)
	}

	now := s.now()
	claims := &AccessClaims{
		UserID:    principal.ID,
		Role:      principal.Role,
		TenantID:  principal.TenantID,
		SessionID: sessionID,
		CSRFNonce: nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal.ID,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{AccessAudience},
			ID:        sessionID,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.accessSecret)
	if err != nil {
		return "", "", fmt.Errorf("token service: sign access token: %w", err)
	}

	return signed, nonce, nil
}

// VerifyAccess parses and validates an access token.
func (s *TokenService) VerifyAccess(tokenString string) (*AccessClaims, error) {
	var claims AccessClaims
	if err := s.verify(tokenString, AccessAudience, s.accessSecret, s.refreshSecret, &claims); err != nil {
		return nil, err
	}
	if claims.UserID == "" || claims.SessionID == "" {
		return nil, fmt.Errorf("%w: missing identity claims", ErrTokenMalformed)
	}
	return &claims, nil
}

// VerifyRefresh parses and validates a refresh token.
func (s *TokenService) VerifyRefresh(tokenString string) (*RefreshClaims, error) {
	var claims RefreshClaims
	if err := s.verify(tokenString, RefreshAudience, s.refreshSecret, s.accessSecret, &claims); err != nil {
		return nil, err
	}
	if claims.UserID == "" || claims.SessionID == "" {
		return nil, fmt.Errorf("%w: missing identity claims", ErrTokenMalformed)
	}
	return &claims, nil
}

func (s *TokenService) verify(tokenString, audience string, secret, otherSecret []byte, claims jwt.Claims) error {
	if tokenString == "" {
		return fmt.Errorf("%w: empty token", ErrTokenMalformed)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithAudience(audience),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	parser := jwt.NewParser(opts...)
	_, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err == nil {
		return nil
	}

	// The two token kinds use distinct secrets, so a refresh token presented
	// as an access token fails the signature check before any claim is
	// validated. Re-checking against the sibling secret separates that case
	// from genuine forgeries.
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) && s.signedWith(tokenString, otherSecret) {
		return fmt.Errorf("%w: token signed for a different context", ErrTokenWrongAudience)
	}

	switch {
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return fmt.Errorf("%w: %v", ErrTokenWrongAudience, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrTokenExpired, err)
	default:
		return fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
}

// signedWith reports whether the token's signature matches the given secret.
// Claim validation failures do not matter here; only the signature does.
func (s *TokenService) signedWith(tokenString string, secret []byte) bool {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	_, err := parser.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	})
	return err == nil || !errors.Is(err, jwt.ErrTokenSignatureInvalid)
}
