package models

import "time"

// CatalogEntryModel mirrors one file a machine exposes for project browsing.
// A machine's whole catalog is replaced transactionally on every sync.
type CatalogEntryModel struct {
	ID          uint64    `json:"-"            gorm:"primaryKey;autoIncrement"`
	UserID      string    `json:"user_id"      gorm:"column:user_id;type:uuid;not null;index:catalog_user_machine_idx,priority:1"`
	MachineID   string    `json:"machine_id"   gorm:"column:machine_id;not null;index:catalog_user_machine_idx,priority:2"`
	Project     string    `json:"project"      gorm:"column:project;not null"`
	DocPath     string    `json:"doc_path"     gorm:"column:doc_path;not null"`
	ContentHash string    `json:"content_hash" gorm:"column:content_hash"`
	ByteSize    int64     `json:"byte_size"    gorm:"column:byte_size"`
	UpdatedAt   time.Time `json:"updated_at"   gorm:"column:updated_at"`
}

func (CatalogEntryModel) TableName() string {
	return "catalog"
}
