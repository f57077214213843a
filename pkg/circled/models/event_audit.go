package models

import (
	"time"
)

// SeenEvent records a federated event identifier that has already been
// applied locally. Re-delivery of the same identifier finds this row and
// becomes a no-op, making manage idempotent. Payload keeps the serialized
// event so a compensating rollback can reconstruct it.
type SeenEvent struct {
	ID         uint      `gorm:"primarykey" json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	EventID    string    `gorm:"uniqueIndex;not null" json:"event_id"`
	Kind       string    `gorm:"not null" json:"kind"`
	Origin     string    `json:"origin"`
	Payload    []byte    `json:"payload"`
	RolledBack bool      `gorm:"default:false" json:"rolled_back"`
}

// EventAudit records the outcome of one event on one target instance.
// Partial success must stay diagnosable after the fact, so one row is
// written per target (plus one for the local apply).
type EventAudit struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	EventID   string    `gorm:"not null;index" json:"event_id"`
	Kind      string    `gorm:"not null" json:"kind"`
	Instance  string    `gorm:"not null" json:"instance"`
	Status    string    `gorm:"not null" json:"status"` // ok, rejected, conflict, unreachable, rolled_back
	Detail    string    `json:"detail"`
}
