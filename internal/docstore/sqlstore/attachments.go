package sqlstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/MarcoPoloResearchLab/compliance-store/internal/docstore"
	"gorm.io/gorm"
)

const (
	opGetAttachment = "sqlstore.get_attachment"
	opPutAttachment = "sqlstore.put_attachment"

	digestPrefix = "md5-"
)

// GetAttachment streams the named attachment of a live document.
func (s *Store) GetAttachment(ctx context.Context, database, id, name string) (io.ReadCloser, error) {
	tx := s.db.WithContext(ctx)
	if err := requireDatabase(tx, database, opGetAttachment); err != nil {
		return nil, err
	}
	if _, err := loadDocument(tx, database, id, opGetAttachment); err != nil {
		return nil, err
	}
	var record AttachmentRecord
	err := tx.Where("database_name = ? AND doc_id = ? AND name = ?", database, id, name).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newError(opGetAttachment, kindNotFound, "Document is missing attachment")
	}
	if err != nil {
		return nil, docstore.NewStoreError(opGetAttachment, err)
	}
	return io.NopCloser(bytes.NewReader(record.Data)), nil
}

// PutAttachment stores body under name on the document at revision rev and
// returns the document's new revision.
func (s *Store) PutAttachment(ctx context.Context, database, id, rev, name, contentType string, body io.Reader) (string, error) {
	if name == "" {
		return "", newError(opPutAttachment, kindBadRequest, "Attachment name must not be empty")
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", docstore.NewStoreError(opPutAttachment, err)
	}
	digest := AttachmentDigest(data)

	var newRev string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireDatabase(tx, database, opPutAttachment); err != nil {
			return err
		}
		existing, err := loadDocument(tx, database, id, opPutAttachment)
		if err != nil {
			return err
		}
		if existing.Rev != rev {
			return newError(opPutAttachment, kindConflict, reasonConflict)
		}

		generation := existing.Generation + 1
		revSum := md5.Sum([]byte(existing.Rev + name + digest))
		newRev = fmt.Sprintf("%d-%s", generation, hex.EncodeToString(revSum[:]))

		record := AttachmentRecord{
			Database:    database,
			DocID:       id,
			Name:        name,
			ContentType: contentType,
			Length:      int64(len(data)),
			Digest:      digest,
			RevPos:      generation,
			Data:        data,
		}
		if err := tx.Save(&record).Error; err != nil {
			return docstore.NewStoreError(opPutAttachment, err)
		}
		if err := tx.Model(&DocumentRecord{}).
			Where(queryDatabaseDoc, database, id).
			Updates(map[string]any{
				"generation":   generation,
				"rev":          newRev,
				"updated_at_s": s.clock().UTC().Unix(),
			}).Error; err != nil {
			return docstore.NewStoreError(opPutAttachment, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return newRev, nil
}

// AttachmentDigest returns the digest the store records for data.
func AttachmentDigest(data []byte) string {
	sum := md5.Sum(data)
	return digestPrefix + base64.StdEncoding.EncodeToString(sum[:])
}
