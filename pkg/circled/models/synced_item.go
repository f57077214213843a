package models

import (
	"time"

	"gorm.io/gorm"
)

// SyncedItem is a versioned shared artifact replicated across instances.
// Checksum is always the hash of Snapshot; an instance that recomputes the
// checksum and finds a mismatch against its known value must treat the
// update as a conflict, never overwrite blindly.
type SyncedItem struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
	SingleID  string         `gorm:"uniqueIndex;not null" json:"single_id"`
	Checksum  string         `gorm:"not null" json:"checksum"`
	Snapshot  []byte         `json:"snapshot"`
}

// SyncedItemLock is an advisory, time-bounded lock held by the instance
// currently driving an update of a synced item. An expired lock is treated
// as absent; at most one live lock exists per SingleID.
type SyncedItemLock struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	SingleID  string    `gorm:"uniqueIndex;not null" json:"single_id"`
	Instance  string    `gorm:"not null" json:"instance"` // Holder
	Token     string    `gorm:"not null" json:"token"`    // Rotates on every acquisition
	ExpiresAt time.Time `gorm:"not null" json:"expires_at"`
}
