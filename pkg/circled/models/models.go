package models

import "gorm.io/gorm"

// AllModels returns all models for migration
// Note: Circle must be migrated first as other models depend on it
func AllModels() []interface{} {
	return []interface{}{
		&Circle{},
		&Member{},
		&Membership{},
		&SyncedItem{},
		&SyncedItemLock{},
		&SeenEvent{},
		&EventAudit{},
		&User{},
	}
}

// AutoMigrate runs GORM auto-migration for all models
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(AllModels()...)
}
