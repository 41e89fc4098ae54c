package store

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"time"

	"github.com/mrmd-cloud/core/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// catalogInsertChunk bounds one batched insert during a catalog sync, to stay
// under the driver's bind-parameter limit.
const catalogInsertChunk = 500

type Store struct{ db *gorm.DB }

func NewStore(db *gorm.DB) *Store { return &Store{db: db} }

// ContentHash is the md5 hex digest stored alongside document text.
func ContentHash(text string) string {
	sum := md5.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}

// LoadDocument returns the persisted row for a document, or nil when the
// document has never been saved.
func (s *Store) LoadDocument(userID, project, docPath string) (*models.DocumentModel, error) {
	var doc models.DocumentModel
	err := s.db.
		Where("user_id = ? AND project = ? AND doc_path = ?", userID, project, docPath).
		First(&doc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &doc, nil
}

// SaveDocument upserts the encoded CRDT state and text materialization.
func (s *Store) SaveDocument(userID, project, docPath string, yjsState []byte, contentText string) error {
	now := time.Now()
	hash := ContentHash(contentText)
	doc := models.DocumentModel{
		UserID:      userID,
		Project:     project,
		DocPath:     docPath,
		YjsState:    yjsState,
		ContentText: contentText,
		ContentHash: hash,
		ByteSize:    len(yjsState),
		UpdatedAt:   now,
		CreatedAt:   now,
	}
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "project"}, {Name: "doc_path"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"yjs_state":    yjsState,
			"content_text": contentText,
			"content_hash": hash,
			"byte_size":    len(yjsState),
			"updated_at":   now,
		}),
	}).Create(&doc).Error
}

// documentMetaColumns lists the columns returned by listing endpoints; the
// state blob and text are opt-in.
func documentColumns(withContent, withState bool) []string {
	cols := []string{"id", "user_id", "project", "doc_path", "content_hash", "byte_size", "updated_at", "created_at"}
	if withContent {
		cols = append(cols, "content_text")
	}
	if withState {
		cols = append(cols, "yjs_state")
	}
	return cols
}

// ListUserDocuments returns a user's documents, newest first.
func (s *Store) ListUserDocuments(userID string, withContent, withState bool) ([]models.DocumentModel, error) {
	var docs []models.DocumentModel
	err := s.db.
		Select(documentColumns(withContent, withState)).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Find(&docs).Error
	return docs, err
}

// ListProjectDocuments returns one project's documents for a user.
func (s *Store) ListProjectDocuments(userID, project string, withContent, withState bool) ([]models.DocumentModel, error) {
	var docs []models.DocumentModel
	err := s.db.
		Select(documentColumns(withContent, withState)).
		Where("user_id = ? AND project = ?", userID, project).
		Order("doc_path ASC").
		Find(&docs).Error
	return docs, err
}

// DeleteUserDocuments removes all persisted state for a user (account delete).
func (s *Store) DeleteUserDocuments(userID string) error {
	return s.db.Where("user_id = ?", userID).Delete(&models.DocumentModel{}).Error
}

// UpsertMachine records a machine coming online, or refreshes its metadata
// and heartbeat if already known.
func (s *Store) UpsertMachine(m *models.MachineModel) error {
	now := time.Now()
	m.Status = models.MachineStatusOnline
	m.LastSeen = now
	if m.ConnectedAt.IsZero() {
		m.ConnectedAt = now
	}
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "machine_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"machine_name": m.MachineName,
			"hostname":     m.Hostname,
			"capabilities": m.Capabilities,
			"status":       models.MachineStatusOnline,
			"last_seen":    now,
			"connected_at": m.ConnectedAt,
		}),
	}).Create(m).Error
}

// SetMachineOffline flips a machine offline after its provider disconnects.
func (s *Store) SetMachineOffline(userID, machineID string) error {
	return s.db.Model(&models.MachineModel{}).
		Where("user_id = ? AND machine_id = ?", userID, machineID).
		Updates(map[string]interface{}{
			"status":    models.MachineStatusOffline,
			"last_seen": time.Now(),
		}).Error
}

// ListUserMachines returns all machines registered by a user, most recently
// seen first.
func (s *Store) ListUserMachines(userID string) ([]models.MachineModel, error) {
	var machines []models.MachineModel
	err := s.db.
		Where("user_id = ?", userID).
		Order("last_seen DESC").
		Find(&machines).Error
	return machines, err
}

// SyncCatalog atomically replaces one machine's catalog rows. The old rows
// are deleted and the new ones inserted in bounded chunks inside a single
// transaction, so a reader never observes a half-applied snapshot.
func (s *Store) SyncCatalog(userID, machineID string, entries []models.CatalogEntryModel) error {
	now := time.Now()
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("user_id = ? AND machine_id = ?", userID, machineID).
			Delete(&models.CatalogEntryModel{}).Error; err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		for i := range entries {
			entries[i].ID = 0
			entries[i].UserID = userID
			entries[i].MachineID = machineID
			entries[i].UpdatedAt = now
		}
		return tx.CreateInBatches(entries, catalogInsertChunk).Error
	})
}

// ListCatalog returns the user's catalog, optionally filtered by project.
func (s *Store) ListCatalog(userID, project string) ([]models.CatalogEntryModel, error) {
	tx := s.db.Where("user_id = ?", userID)
	if project != "" {
		tx = tx.Where("project = ?", project)
	}
	var entries []models.CatalogEntryModel
	err := tx.Order("machine_id ASC, project ASC, doc_path ASC").Find(&entries).Error
	return entries, err
}

// MachineCounts holds per-machine catalog totals for the compact machine list.
type MachineCounts struct {
	MachineID string `json:"machine_id"`
	Docs      int64  `json:"docs"`
	Projects  int64  `json:"projects"`
}

// CatalogCounts returns doc and distinct-project counts per machine.
func (s *Store) CatalogCounts(userID string) (map[string]MachineCounts, error) {
	var rows []MachineCounts
	err := s.db.Model(&models.CatalogEntryModel{}).
		Select("machine_id, COUNT(*) AS docs, COUNT(DISTINCT project) AS projects").
		Where("user_id = ?", userID).
		Group("machine_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]MachineCounts, len(rows))
	for _, r := range rows {
		counts[r.MachineID] = r
	}
	return counts, nil
}
