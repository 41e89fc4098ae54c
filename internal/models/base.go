package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// NewID mints a UUID primary key. Row IDs are strings for API compatibility
// with the services that consume them.
func NewID() string {
	return uuid.New().String()
}

// BeforeCreate assigns the document ID when the caller did not.
func (d *DocumentModel) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = NewID()
	}
	return nil
}
