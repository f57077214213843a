package models

import (
	"time"
)

// Membership is a derived cache row recording that an entity is reachable
// inside a circle, either directly (depth 1) or through nested circles
// (depth = shortest chain found). Rows are fully recomputed whenever any
// member edge changes on a circle in the reachable graph; they are never
// edited in place.
type Membership struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	SingleID  string    `gorm:"not null;uniqueIndex:idx_entity_circle" json:"single_id"` // Entity SingleID
	CircleID  string    `gorm:"not null;uniqueIndex:idx_entity_circle" json:"circle_id"` // Circle SingleID
	Depth     int       `gorm:"not null" json:"depth"`
	Level     Level     `gorm:"not null;default:0" json:"level"` // Effective level along the shortest path
}
