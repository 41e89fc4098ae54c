package models

import "time"

// DocumentModel is one persisted collaborative document: the latest encoded
// CRDT state for a (user, project, docPath) triple, plus the text
// materialization used for previews and search.
type DocumentModel struct {
	ID          string    `json:"id"           gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	UserID      string    `json:"user_id"      gorm:"column:user_id;type:uuid;not null;uniqueIndex:documents_user_project_doc_key,priority:1;index:documents_user_project_idx,priority:1"`
	Project     string    `json:"project"      gorm:"column:project;not null;uniqueIndex:documents_user_project_doc_key,priority:2;index:documents_user_project_idx,priority:2"`
	DocPath     string    `json:"doc_path"     gorm:"column:doc_path;not null;uniqueIndex:documents_user_project_doc_key,priority:3"`
	YjsState    []byte    `json:"-"            gorm:"column:yjs_state;type:bytea"`
	ContentText string    `json:"content_text" gorm:"column:content_text"`
	ContentHash string    `json:"content_hash" gorm:"column:content_hash"`
	ByteSize    int       `json:"byte_size"    gorm:"column:byte_size;default:0"`
	UpdatedAt   time.Time `json:"updated_at"   gorm:"column:updated_at;index:documents_updated_at_idx"`
	CreatedAt   time.Time `json:"created_at"   gorm:"column:created_at"`
}

func (DocumentModel) TableName() string {
	return "documents"
}
