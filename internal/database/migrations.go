package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/compliance-store/internal/docstore/sqlstore"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillAttachmentDigests = "2026-09-14_backfill_attachment_digests"
	migrationPurgeOrphanViewRows       = "2026-10-02_purge_orphan_view_rows"

	backfillBatchSize = 100
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillAttachmentDigests, apply: backfillAttachmentDigests},
		{name: migrationPurgeOrphanViewRows, apply: purgeOrphanViewRows},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(migration.apply); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillAttachmentDigests fills digests of attachments stored before digests
// were recorded.
func backfillAttachmentDigests(db *gorm.DB) error {
	for {
		var pending []sqlstore.AttachmentRecord
		if err := db.Where("digest = ?", "").Limit(backfillBatchSize).Find(&pending).Error; err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}
		for _, attachment := range pending {
			if err := db.Model(&sqlstore.AttachmentRecord{}).
				Where("database_name = ? AND doc_id = ? AND name = ?", attachment.Database, attachment.DocID, attachment.Name).
				Update("digest", sqlstore.AttachmentDigest(attachment.Data)).Error; err != nil {
				return err
			}
		}
	}
}

// purgeOrphanViewRows drops index rows whose document is gone or deleted.
func purgeOrphanViewRows(db *gorm.DB) error {
	live := db.Model(&sqlstore.DocumentRecord{}).
		Select("doc_id").
		Where("docstore_documents.database_name = docstore_view_rows.database_name AND docstore_documents.deleted = ?", false)
	return db.Where("doc_id NOT IN (?)", live).Delete(&sqlstore.ViewRowRecord{}).Error
}
