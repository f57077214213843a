package conflict

import (
	"errors"
	"testing"
	"time"

	"github.com/mikepea/circled/pkg/circled/clock"
	"github.com/mikepea/circled/pkg/circled/database"
	"github.com/mikepea/circled/pkg/circled/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupTestManager(t *testing.T, clk clock.Clock) (*Manager, *gorm.DB) {
	db, err := database.Open(":memory:")
	require.NoError(t, err, "connect to test database")
	require.NoError(t, models.AutoMigrate(db))
	return New(db, clk, "alpha", time.Minute), db
}

func TestCommitAndFetchItem(t *testing.T) {
	m, _ := setupTestManager(t, clock.Real{})

	checksum, err := m.CommitItem("item1", []byte("v1"))
	require.NoError(t, err)
	assert.Equal(t, Checksum([]byte("v1")), checksum)

	item, err := m.Item("item1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), item.Snapshot)
	assert.Equal(t, checksum, item.Checksum)

	_, err = m.Item("missing")
	assert.ErrorIs(t, err, ErrItemNotFound)
}

func TestCompareWithKnownItemSuccession(t *testing.T) {
	m, _ := setupTestManager(t, clock.Real{})

	v1 := []byte("v1")
	_, err := m.CommitItem("item1", v1)
	require.NoError(t, err)

	// A candidate declaring the current checksum as predecessor is a valid
	// successor.
	good := &Candidate{SingleID: "item1", Snapshot: []byte("v2"), PrevChecksum: Checksum(v1)}
	assert.NoError(t, m.CompareWithKnownItem(good, true))

	// A stale predecessor is a conflict in both modes, never silently applied.
	stale := &Candidate{SingleID: "item1", Snapshot: []byte("v2"), PrevChecksum: Checksum([]byte("old"))}
	var conflictErr *ConflictError
	err = m.CompareWithKnownItem(stale, false)
	require.ErrorAs(t, err, &conflictErr)
	assert.Equal(t, "item1", conflictErr.SingleID)
	assert.Equal(t, Checksum(v1), conflictErr.KnownChecksum)

	// The stored item is untouched by a rejected candidate.
	item, err := m.Item("item1")
	require.NoError(t, err)
	assert.Equal(t, v1, item.Snapshot)
}

func TestCompareWithUnknownItem(t *testing.T) {
	m, _ := setupTestManager(t, clock.Real{})

	// Non-strict: an unknown item is accepted as a new baseline even with a
	// declared predecessor.
	baseline := &Candidate{SingleID: "new", Snapshot: []byte("v1"), PrevChecksum: "abc"}
	assert.NoError(t, m.CompareWithKnownItem(baseline, false))

	// Strict: a predecessor this instance never saw is a conflict.
	var conflictErr *ConflictError
	assert.ErrorAs(t, m.CompareWithKnownItem(baseline, true), &conflictErr)

	// Strict with no declared predecessor is a plain new item.
	fresh := &Candidate{SingleID: "new", Snapshot: []byte("v1")}
	assert.NoError(t, m.CompareWithKnownItem(fresh, true))
}

func TestCompareRejectsCorruptCandidate(t *testing.T) {
	m, _ := setupTestManager(t, clock.Real{})

	corrupt := &Candidate{SingleID: "item1", Snapshot: []byte("v1"), Checksum: "not-the-digest"}
	var conflictErr *ConflictError
	assert.ErrorAs(t, m.CompareWithKnownItem(corrupt, false), &conflictErr)
}

func TestAcquireLockMutualExclusion(t *testing.T) {
	m, db := setupTestManager(t, clock.Real{})

	token, err := m.AcquireLock("item1")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	_, err = m.AcquireLock("item1")
	assert.ErrorIs(t, err, ErrItemLocked)

	// Another instance over the same database sees the same lock.
	other := New(db, clock.Real{}, "beta", time.Minute)
	_, err = other.AcquireLock("item1")
	assert.ErrorIs(t, err, ErrItemLocked)

	require.NoError(t, m.ReleaseLock("item1", token))
	_, err = other.AcquireLock("item1")
	assert.NoError(t, err)
}

func TestExpiredLockIsTakenOver(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	m, db := setupTestManager(t, clk)

	_, err := m.AcquireLock("item1")
	require.NoError(t, err)

	locked, err := m.Locked("item1")
	require.NoError(t, err)
	assert.True(t, locked)

	clk.Advance(2 * time.Minute)

	locked, err = m.Locked("item1")
	require.NoError(t, err)
	assert.False(t, locked)

	other := New(db, clk, "beta", time.Minute)
	_, err = other.AcquireLock("item1")
	require.NoError(t, err)

	var lock models.SyncedItemLock
	require.NoError(t, db.Where("single_id = ?", "item1").First(&lock).Error)
	assert.Equal(t, "beta", lock.Instance)
}

func TestReleaseLockIsIdempotent(t *testing.T) {
	m, _ := setupTestManager(t, clock.Real{})

	assert.NoError(t, m.ReleaseLock("never-locked", "no-token"))
}

func TestReleaseLockIgnoresStaleToken(t *testing.T) {
	m, db := setupTestManager(t, clock.Real{})

	stale, err := m.AcquireLock("item1")
	require.NoError(t, err)
	_, err = m.CommitItem("item1", []byte("v1"))
	require.NoError(t, err)

	// A new driver takes the lock between the commit and the old driver's
	// deferred release. The stale token must not evict it.
	other := New(db, clock.Real{}, "beta", time.Minute)
	_, err = other.AcquireLock("item1")
	require.NoError(t, err)

	require.NoError(t, m.ReleaseLock("item1", stale))

	locked, err := m.Locked("item1")
	require.NoError(t, err)
	assert.True(t, locked)

	var lock models.SyncedItemLock
	require.NoError(t, db.Where("single_id = ?", "item1").First(&lock).Error)
	assert.Equal(t, "beta", lock.Instance)
}

func TestCommitItemReleasesLock(t *testing.T) {
	m, _ := setupTestManager(t, clock.Real{})

	_, err := m.AcquireLock("item1")
	require.NoError(t, err)
	_, err = m.CommitItem("item1", []byte("v1"))
	require.NoError(t, err)

	locked, err := m.Locked("item1")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestDeleteItem(t *testing.T) {
	m, _ := setupTestManager(t, clock.Real{})

	_, err := m.CommitItem("item1", []byte("v1"))
	require.NoError(t, err)
	require.NoError(t, m.DeleteItem("item1"))

	_, err = m.Item("item1")
	assert.True(t, errors.Is(err, ErrItemNotFound))
}
