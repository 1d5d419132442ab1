package auth

import (
	"context"

	"github.com/civigate/civigate/pkg/crypto"
)

// PrincipalStatus describes whether an account may authenticate.
type PrincipalStatus string

const (
	PrincipalStatusActive    PrincipalStatus = "active"
	PrincipalStatusSuspended PrincipalStatus = "suspended"
	PrincipalStatusLocked    PrincipalStatus = "locked"
)

// Principal is the authentication view of a platform user.
type Principal struct {
	ID           string
	TenantID     string
	Identifier   string
	Name         string
	Role         string
	SecretDigest string
	Status       PrincipalStatus
}

// Active reports whether the principal may authenticate.
func (p Principal) Active() bool {
	return p.Status == PrincipalStatusActive
}

// PrincipalRepository looks up principals in the external user store.
// Absence is reported as (nil, nil); errors are reserved for lookup
// failures.
type PrincipalRepository interface {
	FindByIdentifier(ctx context.Context, identifier string) (*Principal, error)
	FindByID(ctx context.Context, id string) (*Principal, error)
}

// SecretVerifier compares a plaintext secret against a stored digest.
// Implementations must take constant time with respect to the secret.
type SecretVerifier interface {
	Verify(plainSecret, storedDigest string) bool
}

// BcryptVerifier verifies secrets against bcrypt digests.
type BcryptVerifier struct{}

// Verify implements SecretVerifier.
func (BcryptVerifier) Verify(plainSecret, storedDigest string) bool {
	return crypto.VerifyPassword(storedDigest, plainSecret)
}
