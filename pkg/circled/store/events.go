package store

import (
	"errors"

	"github.com/mikepea/circled/pkg/circled/models"
	"gorm.io/gorm"
)

// MarkEventSeen records that the event identifier has been applied locally.
// It returns false when the identifier was already recorded, which is how
// manage stays idempotent under re-delivery.
func (s *Store) MarkEventSeen(eventID, kind, origin string, payload []byte) (bool, error) {
	row := models.SeenEvent{
		EventID: eventID,
		Kind:    kind,
		Origin:  origin,
		Payload: payload,
	}
	if err := s.db.Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// SeenEvent fetches the applied-event record for an identifier.
func (s *Store) SeenEvent(eventID string) (*models.SeenEvent, error) {
	var row models.SeenEvent
	if err := s.db.Where("event_id = ?", eventID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEntityNotFound
		}
		return nil, err
	}
	return &row, nil
}

// MarkRolledBack flags an applied event as compensated so a rollback
// re-delivery is as idempotent as the original manage.
func (s *Store) MarkRolledBack(eventID string) error {
	return s.db.Model(&models.SeenEvent{}).
		Where("event_id = ?", eventID).
		Update("rolled_back", true).Error
}

// RecordAudit persists one per-instance outcome row.
func (s *Store) RecordAudit(audit *models.EventAudit) error {
	return s.db.Create(audit).Error
}

// AuditFor returns the outcome rows recorded for an event.
func (s *Store) AuditFor(eventID string) ([]models.EventAudit, error) {
	var rows []models.EventAudit
	if err := s.db.Where("event_id = ?", eventID).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
