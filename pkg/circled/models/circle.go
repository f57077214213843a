package models

import (
	"time"

	"gorm.io/gorm"
)

// Circle represents a group of members that can itself be nested inside
// other circles. A circle belongs to exactly one instance; remote instances
// hold members of it but never own it.
type Circle struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
	SingleID  string         `gorm:"uniqueIndex;not null" json:"single_id"` // Globally unique, instance-qualified
	Name      string         `gorm:"not null" json:"name"`
	Instance  string         `gorm:"not null;index" json:"instance"` // Owning instance identifier

	// Configuration flags
	Visible   bool `gorm:"default:true" json:"visible"`    // Listed to non-members
	Open      bool `gorm:"default:false" json:"open"`      // Anyone may request to join
	Personal  bool `gorm:"default:false" json:"personal"`  // Single-user circle, never shared
	Federated bool `gorm:"default:false" json:"federated"` // Propagated to remote instances
	Backend   bool `gorm:"default:false" json:"backend"`   // Managed by the system, hidden from listings

	// Initiator is the acting member for the current operation.
	// Request-scoped only, never persisted.
	Initiator *Member `gorm:"-" json:"initiator,omitempty"`

	// Relationships
	Members []Member `gorm:"foreignKey:CircleID" json:"members,omitempty"`
}
