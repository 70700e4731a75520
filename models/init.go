package models

import "gorm.io/gorm"

// Migrate creates or updates the campaign engine's tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Campaign{},
		&SequenceStep{},
		&CampaignContact{},
		&CampaignContactList{},
		&Contact{},
		&ContactList{},
		&ContactListMembership{},
		&EmailAccount{},
		&TrackingRecord{},
	)
}
