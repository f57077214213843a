package models

import (
	"time"

	"gorm.io/gorm"
)

// Level is a ranked member level within a circle. Higher values hold every
// right of the levels below them.
type Level int

const (
	LevelNone      Level = 0
	LevelMember    Level = 1
	LevelModerator Level = 4
	LevelAdmin     Level = 8
	LevelOwner     Level = 9
)

// String returns the lowercase name of the level.
func (l Level) String() string {
	switch l {
	case LevelMember:
		return "member"
	case LevelModerator:
		return "moderator"
	case LevelAdmin:
		return "admin"
	case LevelOwner:
		return "owner"
	default:
		return "none"
	}
}

// IsAtLeast reports whether the level ranks at or above the required level.
func (l Level) IsAtLeast(required Level) bool {
	return l >= required
}

// CanManageMembers reports whether the level may add or invite members.
func (l Level) CanManageMembers() bool {
	return l >= LevelModerator
}

// CanManageLevels reports whether the level may change other members' levels.
func (l Level) CanManageLevels() bool {
	return l >= LevelAdmin
}

// ParseLevel maps a level name to its ranked value.
// Unknown names map to LevelNone.
func ParseLevel(s string) Level {
	switch s {
	case "member":
		return LevelMember
	case "moderator":
		return LevelModerator
	case "admin":
		return LevelAdmin
	case "owner":
		return LevelOwner
	default:
		return LevelNone
	}
}

// MemberStatus represents the lifecycle state of a member edge
type MemberStatus string

const (
	StatusInvited    MemberStatus = "invited"
	StatusRequesting MemberStatus = "requesting"
	StatusMember     MemberStatus = "member"
	StatusBlocked    MemberStatus = "blocked"
)

// MemberType identifies the kind of entity bound to a circle
type MemberType string

const (
	TypeUser   MemberType = "user"
	TypeGroup  MemberType = "group"
	TypeMail   MemberType = "mail"
	TypeCircle MemberType = "circle" // Nested circle
	TypeApp    MemberType = "app"
	TypeAdmin  MemberType = "admin"
)

// Member binds an entity to exactly one circle with a level and a status.
// When Type is TypeCircle, SingleID refers to the nested circle's SingleID
// and the nested circle's own members are inherited transitively.
type Member struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
	CircleID  string         `gorm:"not null;uniqueIndex:idx_circle_entity" json:"circle_id"` // Circle SingleID
	SingleID  string         `gorm:"not null;uniqueIndex:idx_circle_entity" json:"single_id"` // Entity SingleID
	Type      MemberType     `gorm:"type:varchar(20);default:'user'" json:"type"`
	Level     Level          `gorm:"not null;default:0" json:"level"`
	Status    MemberStatus   `gorm:"type:varchar(20);default:'member'" json:"status"`
	Instance  string         `gorm:"not null;index" json:"instance"` // Instance hosting the entity
	Name      string         `json:"name"`                           // Display name, denormalized
}

// IsValid reports whether the member row satisfies structural invariants.
// Malformed rows are skipped during graph traversal, not fatal.
func (m *Member) IsValid() bool {
	return m.CircleID != "" && m.SingleID != "" && m.CircleID != m.SingleID
}
