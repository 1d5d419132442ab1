package models

import "gorm.io/datatypes"

// Tenant is the municipal organization a principal belongs to.
type Tenant struct {
	BaseModel

	Name     string         `gorm:"not null" json:"name"`
	Slug     string         `gorm:"uniqueIndex;not null" json:"slug"`
	IsActive bool           `gorm:"default:true" json:"is_active"`
	Settings datatypes.JSON `json:"settings"`

	Users []User `gorm:"foreignKey:TenantID" json:"users,omitempty"`
}
