package conflict

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mikepea/circled/pkg/circled/clock"
	"github.com/mikepea/circled/pkg/circled/models"
	"gorm.io/gorm"
)

// ErrItemLocked is returned when another driver holds a live lock on the
// item. Callers retry later; this is not a hard failure.
var ErrItemLocked = errors.New("synced item is locked by another driver")

// ErrItemNotFound is returned when no synced item is known for a SingleID.
var ErrItemNotFound = errors.New("synced item not found")

// DefaultLockTTL bounds a lock's lifetime so a crashed instance cannot
// permanently wedge an item.
const DefaultLockTTL = 5 * time.Minute

// ConflictError reports that a candidate item is not a valid successor of
// the locally known state. It carries enough to diagnose and reconcile
// later; it is never resolved silently.
type ConflictError struct {
	SingleID      string
	KnownChecksum string
	PrevChecksum  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("synced item conflict on %s: known checksum %s, candidate predecessor %s",
		e.SingleID, e.KnownChecksum, e.PrevChecksum)
}

// Candidate is a proposed new state for a synced item. PrevChecksum declares
// the checksum the sender believes the item currently has; a candidate whose
// predecessor no longer matches is rejected, not silently applied.
type Candidate struct {
	SingleID     string
	Snapshot     []byte
	Checksum     string
	PrevChecksum string
}

// Manager tracks per-item checksums and advisory locks so only one instance
// drives an update of a shared item at a time.
type Manager struct {
	db       *gorm.DB
	clock    clock.Clock
	instance string
	lockTTL  time.Duration
}

// New creates a conflict manager. A zero lockTTL falls back to
// DefaultLockTTL.
func New(db *gorm.DB, clk clock.Clock, instance string, lockTTL time.Duration) *Manager {
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	return &Manager{db: db, clock: clk, instance: instance, lockTTL: lockTTL}
}

// Checksum returns the hex digest used to version item snapshots.
func Checksum(snapshot []byte) string {
	sum := sha256.Sum256(snapshot)
	return hex.EncodeToString(sum[:])
}

// Item returns the locally known state of a synced item.
func (m *Manager) Item(singleID string) (*models.SyncedItem, error) {
	var item models.SyncedItem
	if err := m.db.Where("single_id = ?", singleID).First(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrItemNotFound
		}
		return nil, err
	}
	return &item, nil
}

// CompareWithKnownItem checks that the candidate is a valid successor of the
// locally known item. When the item is known and its checksum differs from
// the candidate's declared predecessor, the update is a conflict in either
// mode. An item unknown locally is accepted as a new baseline in non-strict
// mode; in strict mode a candidate that declares a predecessor for an
// unknown item is also a conflict, since it claims history this instance
// never saw.
func (m *Manager) CompareWithKnownItem(candidate *Candidate, strict bool) error {
	if candidate.Checksum != "" && candidate.Checksum != Checksum(candidate.Snapshot) {
		return &ConflictError{
			SingleID:      candidate.SingleID,
			KnownChecksum: Checksum(candidate.Snapshot),
			PrevChecksum:  candidate.Checksum,
		}
	}
	known, err := m.Item(candidate.SingleID)
	if err != nil {
		if errors.Is(err, ErrItemNotFound) {
			if strict && candidate.PrevChecksum != "" {
				return &ConflictError{
					SingleID:     candidate.SingleID,
					PrevChecksum: candidate.PrevChecksum,
				}
			}
			return nil
		}
		return err
	}
	if known.Checksum != candidate.PrevChecksum {
		return &ConflictError{
			SingleID:      candidate.SingleID,
			KnownChecksum: known.Checksum,
			PrevChecksum:  candidate.PrevChecksum,
		}
	}
	return nil
}

// AcquireLock atomically creates the advisory lock for the item if no live
// lock exists, and returns the acquisition token the holder must present to
// release it. An expired lock counts as absent and is taken over. A live
// lock held by anyone, including this instance, fails with ErrItemLocked;
// there is no wait queue.
func (m *Manager) AcquireLock(singleID string) (string, error) {
	now := m.clock.Now()
	token := uuid.NewString()
	err := m.db.Transaction(func(tx *gorm.DB) error {
		var existing models.SyncedItemLock
		err := tx.Where("single_id = ?", singleID).First(&existing).Error
		switch {
		case err == nil:
			if existing.ExpiresAt.After(now) {
				return ErrItemLocked
			}
			return tx.Model(&existing).Updates(map[string]interface{}{
				"instance":   m.instance,
				"token":      token,
				"expires_at": now.Add(m.lockTTL),
			}).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&models.SyncedItemLock{
				SingleID:  singleID,
				Instance:  m.instance,
				Token:     token,
				ExpiresAt: now.Add(m.lockTTL),
			}).Error
		default:
			return err
		}
	})
	// A concurrent creator winning the race on the unique index reads the
	// same as a live lock.
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return "", ErrItemLocked
	}
	if err != nil {
		return "", err
	}
	return token, nil
}

// ReleaseLock removes the lock only if the given acquisition token still
// holds it. A stale token is a no-op, so a late release can never delete a
// lock a newer driver has since acquired. Safe to call on the unhappy path
// even when the lock was never acquired.
func (m *Manager) ReleaseLock(singleID, token string) error {
	return m.db.Where("single_id = ? AND token = ?", singleID, token).Delete(&models.SyncedItemLock{}).Error
}

// Locked reports whether a live lock currently exists for the item.
func (m *Manager) Locked(singleID string) (bool, error) {
	var lock models.SyncedItemLock
	err := m.db.Where("single_id = ?", singleID).First(&lock).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return lock.ExpiresAt.After(m.clock.Now()), nil
}

// DeleteItem removes a synced item. Used by compensating rollback when the
// item did not exist before the event being undone.
func (m *Manager) DeleteItem(singleID string) error {
	return m.db.Where("single_id = ?", singleID).Delete(&models.SyncedItem{}).Error
}

// CommitItem persists the snapshot with a freshly computed checksum and
// releases the lock in the same transaction, so concurrent readers never
// observe a released lock alongside a stale checksum.
func (m *Manager) CommitItem(singleID string, snapshot []byte) (string, error) {
	checksum := Checksum(snapshot)
	err := m.db.Transaction(func(tx *gorm.DB) error {
		var item models.SyncedItem
		err := tx.Where("single_id = ?", singleID).First(&item).Error
		switch {
		case err == nil:
			if err := tx.Model(&item).Updates(map[string]interface{}{
				"snapshot": snapshot,
				"checksum": checksum,
			}).Error; err != nil {
				return err
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(&models.SyncedItem{
				SingleID: singleID,
				Checksum: checksum,
				Snapshot: snapshot,
			}).Error; err != nil {
				return err
			}
		default:
			return err
		}
		return tx.Where("single_id = ?", singleID).Delete(&models.SyncedItemLock{}).Error
	})
	if err != nil {
		return "", err
	}
	return checksum, nil
}
