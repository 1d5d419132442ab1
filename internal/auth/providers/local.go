// Package providers contains the credential backends the platform
// authenticates against. The local provider reads the platform's own user
// table; it is the only backend the service ships with.
package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/civigate/civigate/internal/auth"
	"github.com/civigate/civigate/internal/models"
	"github.com/civigate/civigate/pkg/crypto"
	apperrors "github.com/civigate/civigate/pkg/errors"
)

// LocalConfig defines tunable behaviour for the local provider.
type LocalConfig struct {
	Clock func() time.Time
}

// RegisterInput captures the details required to register a new account.
type RegisterInput struct {
	TenantID  string
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// LocalProvider backs authentication with the platform's user table. It
// implements auth.PrincipalRepository and auth.LoginRecorder.
type LocalProvider struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewLocalProvider builds a provider over the given database handle.
func NewLocalProvider(db *gorm.DB, cfg LocalConfig) (*LocalProvider, error) {
	if db == nil {
		return nil, errors.New("local provider: db is required")
	}

	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}

	return &LocalProvider{db: db, clock: clock}, nil
}

// FindByIdentifier resolves a principal by email. Absence is (nil, nil);
// rendering absence indistinguishable from a bad password is the caller's
// job.
func (p *LocalProvider) FindByIdentifier(ctx context.Context, identifier string) (*auth.Principal, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, nil
	}

	var user models.User
	err := p.db.WithContext(ctx).
		Where("LOWER(email) = LOWER(?)", identifier).
		Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("local provider: query user: %w", err)
	}

	return p.principalFor(&user), nil
}

// FindByID resolves a principal by primary key. Absence is (nil, nil).
func (p *LocalProvider) FindByID(ctx context.Context, id string) (*auth.Principal, error) {
	if strings.TrimSpace(id) == "" {
		return nil, nil
	}

	var user models.User
	err := p.db.WithContext(ctx).Take(&user, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("local provider: query user: %w", err)
	}

	return p.principalFor(&user), nil
}

// RecordLogin stores last-login bookkeeping after a successful
// authentication.
func (p *LocalProvider) RecordLogin(ctx context.Context, principalID, ipAddress string, at time.Time) error {
	err := p.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", principalID).
		Updates(map[string]any{
			"last_login_at": at,
			"last_login_ip": strings.TrimSpace(ipAddress),
		}).Error
	if err != nil {
		return fmt.Errorf("local provider: record login: %w", err)
	}
	return nil
}

// Register creates a new citizen account with a hashed password.
func (p *LocalProvider) Register(ctx context.Context, input RegisterInput) (*models.User, error) {
	email := strings.ToLower(strings.TrimSpace(input.Email))
	if email == "" || input.Password == "" {
		return nil, apperrors.NewBadRequest("email and password are required")
	}
	if strings.TrimSpace(input.TenantID) == "" {
		return nil, errors.New("local provider: tenant id is required")
	}

	hashed, err := crypto.HashPassword(input.Password)
	if err != nil {
		return nil, fmt.Errorf("local provider: hash password: %w", err)
	}

	user := &models.User{
		TenantID:  strings.TrimSpace(input.TenantID),
		Email:     email,
		Password:  hashed,
		FirstName: strings.TrimSpace(input.FirstName),
		LastName:  strings.TrimSpace(input.LastName),
		Role:      models.RoleCitizen,
		IsActive:  true,
	}

	if err := p.db.WithContext(ctx).Create(user).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, apperrors.ErrConflict.WithInternal(err)
		}
		return nil, fmt.Errorf("local provider: create user: %w", err)
	}

	return user, nil
}

// ChangePassword replaces a user's password after verifying the current one.
func (p *LocalProvider) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	if strings.TrimSpace(userID) == "" || newPassword == "" {
		return apperrors.NewBadRequest("user id and new password are required")
	}

	var user models.User
	if err := p.db.WithContext(ctx).Take(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.ErrInvalidCredentials
		}
		return fmt.Errorf("local provider: find user: %w", err)
	}

	if !crypto.VerifyPassword(user.Password, currentPassword) {
		return apperrors.ErrInvalidCredentials
	}

	hashed, err := crypto.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("local provider: hash password: %w", err)
	}

	if err := p.db.WithContext(ctx).Model(&user).Update("password", hashed).Error; err != nil {
		return fmt.Errorf("local provider: update password: %w", err)
	}

	return nil
}

// Lock blocks the account from authenticating until the given instant.
// Callers are expected to revoke the account's sessions alongside.
func (p *LocalProvider) Lock(ctx context.Context, userID string, until time.Time) error {
	if until.IsZero() {
		return apperrors.NewBadRequest("lock expiry is required")
	}

	result := p.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Update("locked_until", until)
	if result.Error != nil {
		return fmt.Errorf("local provider: lock user: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// Unlock clears an administrative lock so the account can log in again.
func (p *LocalProvider) Unlock(ctx context.Context, userID string) error {
	result := p.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Update("locked_until", nil)
	if result.Error != nil {
		return fmt.Errorf("local provider: unlock user: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (p *LocalProvider) principalFor(user *models.User) *auth.Principal {
	status := auth.PrincipalStatusActive
	switch {
	case !user.IsActive:
		status = auth.PrincipalStatusSuspended
	case user.Locked(p.clock()):
		status = auth.PrincipalStatusLocked
	}

	name := strings.TrimSpace(user.FirstName + " " + user.LastName)

	return &auth.Principal{
		ID:           user.ID,
		TenantID:     user.TenantID,
		Identifier:   user.Email,
		Name:         name,
		Role:         user.Role,
		SecretDigest: user.Password,
		Status:       status,
	}
}

// isUniqueViolation detects uniqueness constraint violations across the
// supported database vendors.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr != nil && pgErr.Code == "23505" {
		return true
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr != nil && myErr.Number == 1062 {
		return true
	}

	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "unique") || strings.Contains(lower, "duplicate")
}
