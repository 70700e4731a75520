package models

import "gorm.io/gorm"

// Contact is a recipient. Contact CRUD lives upstream; the engine only
// reads these rows.
type Contact struct {
	gorm.Model
	Email     string `gorm:"not null;uniqueIndex" json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`

	// IANA zone detected for the contact, empty when unknown.
	Timezone string `json:"timezone"`

	IsBounced      bool `gorm:"default:false" json:"is_bounced"`
	IsUnsubscribed bool `gorm:"default:false" json:"is_unsubscribed"`
	IsDoNotContact bool `gorm:"default:false" json:"is_do_not_contact"`
}

// Sendable reports whether the contact may still be emailed at all.
func (c *Contact) Sendable() bool {
	return !c.IsBounced && !c.IsUnsubscribed && !c.IsDoNotContact
}

// ContactList groups contacts for campaign targeting.
type ContactList struct {
	gorm.Model
	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`
}

// ContactListMembership joins contacts to lists.
type ContactListMembership struct {
	gorm.Model
	ContactListID uint `gorm:"not null;index" json:"contact_list_id"`
	ContactID     uint `gorm:"not null;index" json:"contact_id"`
}
