package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func testPrincipal() Principal {
	return Principal{
		ID:       "user-123",
		TenantID: "tenant-9",
		Role:     "staff",
		Status:   PrincipalStatusActive,
	}
}

func TestNewTokenServiceValidatesSecrets(t *testing.T) {
	_, err := NewTokenService(TokenConfig{RefreshSecret: "r"})
	require.EqualError(t, err, "token service: access secret must be provided")

	_, err = NewTokenService(TokenConfig{AccessSecret: "a"})
	require.EqualError(t, err, "token service: refresh secret must be provided")

	_, err = NewTokenService(TokenConfig{AccessSecret: "same", RefreshSecret: "same"})
	require.EqualError(t, err, "token service: access and refresh secrets must differ")
}

func TestIssueAndVerifyAccessToken(t *testing.T) {
	current := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	svc, err := NewTokenService(TokenConfig{
		AccessSecret:  "access-secret",
		RefreshSecret: "refresh-secret",
		Issuer:        "civigate",
		AccessTTL:     time.Hour,
		RefreshTTL:    24 * time.Hour,
		Clock:         func() time.Time { return current },
	})
	require.NoError(t, err)

	pair, err := svc.Issue(testPrincipal(), "session-456")
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	require.NotEmpty(t, pair.CSRFNonce)

	claims, err := svc.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "user-123", claims.UserID)
	require.Equal(t, "tenant-9", claims.TenantID)
	require.Equal(t, "staff", claims.Role)
	require.Equal(t, "session-456", claims.SessionID)
	require.Equal(t, pair.CSRFNonce, claims.CSRFNonce)
	require.Equal(t, "civigate", claims.Issuer)
	require.Equal(t, jwt.ClaimStrings{AccessAudience}, claims.Audience)
	require.True(t, claims.ExpiresAt.Time.Equal(current.Add(time.Hour)))

	refreshClaims, err := svc.VerifyRefresh(pair.RefreshToken)
	require.NoError(t, err)
	require.Equal(t, "user-123", refreshClaims.UserID)
	require.Equal(t, "session-456", refreshClaims.SessionID)
	require.True(t, refreshClaims.ExpiresAt.Time.Equal(current.Add(24*time.Hour)))
}

func TestVerifyRejectsCrossAudience(t *testing.T) {
	svc, err := NewTokenService(TokenConfig{
		AccessSecret:  "access-secret",
		RefreshSecret: "refresh-secret",
	})
	require.NoError(t, err)

	pair, err := svc.Issue(testPrincipal(), "session-456")
	require.NoError(t, err)

	_, err = svc.VerifyAccess(pair.RefreshToken)
	require.ErrorIs(t, err, ErrTokenWrongAudience)

	_, err = svc.VerifyRefresh(pair.AccessToken)
	require.ErrorIs(t, err, ErrTokenWrongAudience)
}

func TestVerifyExpiredTokens(t *testing.T) {
	current := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	svc, err := NewTokenService(TokenConfig{
		AccessSecret:  "access-secret",
		RefreshSecret: "refresh-secret",
		AccessTTL:     time.Hour,
		RefreshTTL:    24 * time.Hour,
		Clock:         func() time.Time { return current },
	})
	require.NoError(t, err)

	pair, err := svc.Issue(testPrincipal(), "session-456")
	require.NoError(t, err)

	current = current.Add(2 * time.Hour)
	_, err = svc.VerifyAccess(pair.AccessToken)
	require.ErrorIs(t, err, ErrTokenExpired)

	_, err = svc.VerifyRefresh(pair.RefreshToken)
	require.NoError(t, err)

	current = current.Add(24 * time.Hour)
	_, err = svc.VerifyRefresh(pair.RefreshToken)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerifyMalformedTokens(t *testing.T) {
	svc, err := NewTokenService(TokenConfig{
		AccessSecret:  "access-secret",
		RefreshSecret: "refresh-secret",
	})
	require.NoError(t, err)

	_, err = svc.VerifyAccess("")
	require.ErrorIs(t, err, ErrTokenMalformed)

	_, err = svc.VerifyAccess("not-a-token")
	require.ErrorIs(t, err, ErrTokenMalformed)

	other, err := NewTokenService(TokenConfig{
		AccessSecret:  "different-access",
		RefreshSecret: "different-refresh",
	})
	require.NoError(t, err)

	pair, err := other.Issue(testPrincipal(), "session-456")
	require.NoError(t, err)

	_, err = svc.VerifyAccess(pair.AccessToken)
	require.ErrorIs(t, err, ErrTokenMalformed)
}

func TestRotateAccessKeepsSessionBinding(t *testing.T) {
	current := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	svc, err := NewTokenService(TokenConfig{
		AccessSecret:  "access-secret",
		RefreshSecret: "refresh-secret",
		Clock:         func() time.Time { return current },
	})
	require.NoError(t, err)

	principal := testPrincipal()
	pair, err := svc.Issue(principal, "session-456")
	require.NoError(t, err)

	refreshClaims, err := svc.VerifyRefresh(pair.RefreshToken)
	require.NoError(t, err)

	current = current.Add(time.Minute)

	accessToken, nonce, err := svc.RotateAccess(refreshClaims, principal)
	require.NoError(t, err)
	require.NotEmpty(t, accessToken)
	require.NotEqual(t, pair.CSRFNonce, nonce)

	claims, err := svc.VerifyAccess(accessToken)
	require.NoError(t, err)
	require.Equal(t, "session-456", claims.SessionID)
	require.Equal(t, nonce, claims.CSRFNonce)

	_, _, err = svc.RotateAccess(refreshClaims, Principal{ID: "someone-else"})
	require.Error(t, err)

	_, _, err = svc.RotateAccess(nil, principal)
	require.ErrorIs(t, err, ErrTokenMalformed)
}
