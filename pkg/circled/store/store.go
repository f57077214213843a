package store

import (
	"errors"

	"github.com/mikepea/circled/pkg/circled/models"
	"gorm.io/gorm"
)

var (
	ErrCircleNotFound = errors.New("circle not found")
	ErrEntityNotFound = errors.New("entity not found")
	ErrAlreadyMember  = errors.New("entity is already a member")
	ErrOwnerExists    = errors.New("circle already has an owner")
)

// Store is the single gateway to the circle/member graph and its derived
// membership cache. All graph mutation goes through here; nothing else
// writes these tables directly.
type Store struct {
	db *gorm.DB
}

// New creates a store over the given database handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// CircleBySingleID fetches a circle by its globally unique identifier.
func (s *Store) CircleBySingleID(singleID string) (*models.Circle, error) {
	var circle models.Circle
	if err := s.db.Where("single_id = ?", singleID).First(&circle).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCircleNotFound
		}
		return nil, err
	}
	return &circle, nil
}

// CreateCircle persists a new circle.
func (s *Store) CreateCircle(circle *models.Circle) error {
	return s.db.Create(circle).Error
}

// DeleteCircle removes a circle together with its member edges, its own
// edges into parent circles, and any cached membership rows naming it on
// either side.
func (s *Store) DeleteCircle(singleID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Where("single_id = ?", singleID).Delete(&models.Circle{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrCircleNotFound
		}
		if err := tx.Where("circle_id = ? OR single_id = ?", singleID, singleID).Delete(&models.Member{}).Error; err != nil {
			return err
		}
		return tx.Where("circle_id = ? OR single_id = ?", singleID, singleID).Delete(&models.Membership{}).Error
	})
}

// DirectMembers returns the member edges of a circle, malformed rows included;
// callers that traverse the graph filter with Member.IsValid.
func (s *Store) DirectMembers(circleID string) ([]models.Member, error) {
	var members []models.Member
	if err := s.db.Where("circle_id = ?", circleID).Order("single_id").Find(&members).Error; err != nil {
		return nil, err
	}
	return members, nil
}

// CirclesContaining returns the member edges binding the given entity to
// any circle. For a nested circle this is the set of parent edges.
func (s *Store) CirclesContaining(singleID string) ([]models.Member, error) {
	var members []models.Member
	if err := s.db.Where("single_id = ?", singleID).Order("circle_id").Find(&members).Error; err != nil {
		return nil, err
	}
	return members, nil
}

// Member fetches one member edge.
func (s *Store) Member(circleID, singleID string) (*models.Member, error) {
	var member models.Member
	err := s.db.Where("circle_id = ? AND single_id = ?", circleID, singleID).First(&member).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEntityNotFound
		}
		return nil, err
	}
	return &member, nil
}

// Owner returns the owner member edge of a circle, if any.
func (s *Store) Owner(circleID string) (*models.Member, error) {
	var member models.Member
	err := s.db.Where("circle_id = ? AND level = ?", circleID, models.LevelOwner).First(&member).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEntityNotFound
		}
		return nil, err
	}
	return &member, nil
}

// AddMember inserts a member edge. Adding an entity that is already bound
// to the circle returns ErrAlreadyMember; adding a second owner returns
// ErrOwnerExists (ownership transfer is an explicit operation).
func (s *Store) AddMember(member *models.Member) error {
	if member.Level == models.LevelOwner {
		if _, err := s.Owner(member.CircleID); err == nil {
			return ErrOwnerExists
		} else if !errors.Is(err, ErrEntityNotFound) {
			return err
		}
	}
	if err := s.db.Create(member).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrAlreadyMember
		}
		return err
	}
	return nil
}

// UpdateMemberLevel changes a member's level. Promoting to owner while
// another owner exists returns ErrOwnerExists.
func (s *Store) UpdateMemberLevel(circleID, singleID string, level models.Level) error {
	if level == models.LevelOwner {
		owner, err := s.Owner(circleID)
		if err == nil && owner.SingleID != singleID {
			return ErrOwnerExists
		}
		if err != nil && !errors.Is(err, ErrEntityNotFound) {
			return err
		}
	}
	res := s.db.Model(&models.Member{}).
		Where("circle_id = ? AND single_id = ?", circleID, singleID).
		Update("level", level)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrEntityNotFound
	}
	return nil
}

// RemoveMember deletes a member edge.
func (s *Store) RemoveMember(circleID, singleID string) error {
	res := s.db.Where("circle_id = ? AND single_id = ?", circleID, singleID).Delete(&models.Member{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrEntityNotFound
	}
	return nil
}

// MembershipsOf returns the cached membership rows for an entity.
func (s *Store) MembershipsOf(singleID string) ([]models.Membership, error) {
	var rows []models.Membership
	if err := s.db.Where("single_id = ?", singleID).Order("depth, circle_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ReplaceMemberships swaps the entity's cached membership rows for a freshly
// computed set, in one transaction so readers never see a half-built cache.
func (s *Store) ReplaceMemberships(singleID string, rows []models.Membership) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("single_id = ?", singleID).Delete(&models.Membership{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
}
