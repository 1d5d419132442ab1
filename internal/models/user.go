package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Platform roles, compared as plain strings. Finer-grained permissions are
// out of scope for this service.
const (
	RoleAdmin   = "admin"
	RoleStaff   = "staff"
	RoleCitizen = "citizen"
)

// User describes a platform principal scoped to one tenant.
type User struct {
	ID       string  `gorm:"primaryKey;type:uuid" json:"id"`
	TenantID string  `gorm:"type:uuid;not null;index" json:"tenant_id"`
	Tenant   *Tenant `gorm:"foreignKey:TenantID" json:"tenant,omitempty"`

	Email    string `gorm:"uniqueIndex;not null" json:"email"`
	Password string `gorm:"not null" json:"-"`

	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`

	Role     string `gorm:"not null;default:citizen" json:"role"`
	IsActive bool   `gorm:"default:true" json:"is_active"`

	// LockedUntil blocks logins until the given instant. Set through the
	// security review surface, cleared by unlocking or natural expiry.
	LockedUntil *time.Time `json:"-"`

	LastLoginAt *time.Time `json:"last_login_at"`
	LastLoginIP string     `json:"last_login_ip"`

	Sessions []Session `gorm:"foreignKey:UserID" json:"-"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// BeforeCreate ensures a UUID is present before persisting.
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

// Locked reports whether the account is under an active lock.
func (u *User) Locked(now time.Time) bool {
	return u.LockedUntil != nil && u.LockedUntil.After(now)
}
