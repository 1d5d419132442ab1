package database

import (
	"gorm.io/gorm"

	"github.com/civigate/civigate/internal/models"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Tenant{},
		&models.User{},
		&models.Session{},
		&models.AuditLog{},
		&models.CacheEntry{},
	)
}

// DefaultTenantID identifies the tenant every fresh install starts with.
const DefaultTenantID = "00000000-0000-0000-0000-000000000001"

// SeedData inserts the default tenant a fresh installation needs before the
// first user can be provisioned.
func SeedData(db *gorm.DB) error {
	tenant := models.Tenant{
		BaseModel: models.BaseModel{ID: DefaultTenantID},
		Name:      "Default Municipality",
		Slug:      "default",
		IsActive:  true,
	}

	return db.
		Where(models.Tenant{Slug: tenant.Slug}).
		Attrs(tenant).
		FirstOrCreate(&models.Tenant{}).Error
}
