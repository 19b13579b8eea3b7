package sqlstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/compliance-store/internal/docstore"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase  = errors.New("sqlstore: database handle is required")
	databaseNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_$()+/-]*$`)
)

const (
	opCreateDatabase = "sqlstore.create_database"
	opDeleteDatabase = "sqlstore.delete_database"
	opGet            = "sqlstore.get"
	opGetMany        = "sqlstore.get_many"
	opRevision       = "sqlstore.revision"
	opPut            = "sqlstore.put"
	opDelete         = "sqlstore.delete"
	opBulkDocs       = "sqlstore.bulk_docs"

	kindNotFound     = "not_found"
	kindConflict     = "conflict"
	kindFileExists   = "file_exists"
	kindIllegalDocID = "illegal_docid"
	kindBadRequest   = "bad_request"
	kindQueryParse   = "query_parse_error"

	reasonMissingDatabase = "Database does not exist."
	reasonMissing         = "missing"
	reasonDeleted         = "deleted"
	reasonConflict        = "Document update conflict."

	queryDatabase    = "database_name = ?"
	queryDatabaseDoc = "database_name = ? AND doc_id = ?"
)

// Config describes the dependencies of the embedded store.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is a docstore.Backend kept in SQL tables. Writes run in transactions
// and view indexes are maintained on every write.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

var _ docstore.Backend = (*Store)(nil)

// New validates cfg and returns a Store. The schema must already be migrated.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Close releases the SQL connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateDatabase registers a database; an existing name reports file_exists.
func (s *Store) CreateDatabase(ctx context.Context, name string) error {
	if !databaseNamePattern.MatchString(name) {
		return newError(opCreateDatabase, "illegal_database_name", "Name: '"+name+"'. Only lowercase characters (a-z), digits (0-9), and any of the characters _, $, (, ), +, -, and / are allowed. Must begin with a letter.")
	}
	record := DatabaseRecord{Name: name, CreatedAtSeconds: s.clock().UTC().Unix()}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if result.Error != nil {
		return docstore.NewStoreError(opCreateDatabase, result.Error)
	}
	if result.RowsAffected == 0 {
		return newError(opCreateDatabase, kindFileExists, "The database could not be created, the file already exists.")
	}
	return nil
}

// DeleteDatabase removes a database with all its documents, attachments and views.
func (s *Store) DeleteDatabase(ctx context.Context, name string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("name = ?", name).Delete(&DatabaseRecord{})
		if result.Error != nil {
			return docstore.NewStoreError(opDeleteDatabase, result.Error)
		}
		if result.RowsAffected == 0 {
			return newError(opDeleteDatabase, kindNotFound, reasonMissingDatabase)
		}
		for _, model := range []any{&DocumentRecord{}, &AttachmentRecord{}, &DesignRecord{}, &ViewRowRecord{}} {
			if err := tx.Where(queryDatabase, name).Delete(model).Error; err != nil {
				return docstore.NewStoreError(opDeleteDatabase, err)
			}
		}
		return nil
	})
}

// Get returns the current revision of a document with its attachment stubs.
func (s *Store) Get(ctx context.Context, database, id string) ([]byte, error) {
	tx := s.db.WithContext(ctx)
	if err := requireDatabase(tx, database, opGet); err != nil {
		return nil, err
	}
	record, err := loadDocument(tx, database, id, opGet)
	if err != nil {
		return nil, err
	}
	docs, err := assemble(tx, database, []DocumentRecord{*record})
	if err != nil {
		return nil, docstore.NewStoreError(opGet, err)
	}
	return docs[0], nil
}

// Revision returns the current revision of a live document.
func (s *Store) Revision(ctx context.Context, database, id string) (string, error) {
	tx := s.db.WithContext(ctx)
	if err := requireDatabase(tx, database, opRevision); err != nil {
		return "", err
	}
	record, err := loadDocument(tx, database, id, opRevision)
	if err != nil {
		return "", err
	}
	return record.Rev, nil
}

// GetMany returns the live documents among ids.
func (s *Store) GetMany(ctx context.Context, database string, ids []string) ([][]byte, error) {
	tx := s.db.WithContext(ctx)
	if err := requireDatabase(tx, database, opGetMany); err != nil {
		return nil, err
	}
	var records []DocumentRecord
	if err := tx.Where("database_name = ? AND doc_id IN ? AND deleted = ?", database, ids, false).
		Find(&records).Error; err != nil {
		return nil, docstore.NewStoreError(opGetMany, err)
	}
	docs, err := assemble(tx, database, records)
	if err != nil {
		return nil, docstore.NewStoreError(opGetMany, err)
	}
	return docs, nil
}

// Put creates or updates a document.
func (s *Store) Put(ctx context.Context, database, id string, body []byte) (string, error) {
	doc, err := decodeBody(body)
	if err != nil {
		return "", newError(opPut, kindBadRequest, "Document must be a JSON object")
	}
	var rev string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireDatabase(tx, database, opPut); err != nil {
			return err
		}
		designs, err := loadDesigns(tx, database)
		if err != nil {
			return docstore.NewStoreError(opPut, err)
		}
		rev, err = s.writeDocument(tx, database, id, doc, false, designs)
		return err
	})
	if err != nil {
		return "", err
	}
	return rev, nil
}

// Delete replaces a live document with a tombstone.
func (s *Store) Delete(ctx context.Context, database, id, rev string) (string, error) {
	var newRev string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireDatabase(tx, database, opDelete); err != nil {
			return err
		}
		designs, err := loadDesigns(tx, database)
		if err != nil {
			return docstore.NewStoreError(opDelete, err)
		}
		newRev, err = s.writeDocument(tx, database, id, map[string]any{"_rev": rev}, true, designs)
		return err
	})
	if err != nil {
		return "", err
	}
	return newRev, nil
}

// BulkDocs writes every entry inside one transaction. Entries rejected by
// validation or revision checks are reported per document and do not affect
// the others; any SQL failure aborts the whole request.
func (s *Store) BulkDocs(ctx context.Context, database string, entries []docstore.BulkDoc) ([]docstore.BulkResult, error) {
	results := make([]docstore.BulkResult, 0, len(entries))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireDatabase(tx, database, opBulkDocs); err != nil {
			return err
		}
		designs, err := loadDesigns(tx, database)
		if err != nil {
			return docstore.NewStoreError(opBulkDocs, err)
		}
		for _, entry := range entries {
			doc := map[string]any{"_rev": entry.Rev}
			if !entry.Deleted {
				decoded, decodeErr := decodeBody(entry.Body)
				if decodeErr != nil {
					results = append(results, docstore.BulkResult{ID: entry.ID, Error: kindBadRequest, Reason: "Document must be a JSON object"})
					continue
				}
				doc = decoded
			}
			id := entry.ID
			if id == "" {
				id, _ = doc["_id"].(string)
			}
			rev, writeErr := s.writeDocument(tx, database, id, doc, entry.Deleted, designs)
			if writeErr != nil {
				var storeErr *docstore.StoreError
				if errors.As(writeErr, &storeErr) && storeErr.Kind != "" {
					results = append(results, docstore.BulkResult{ID: id, Error: storeErr.Kind, Reason: storeErr.Reason})
					continue
				}
				return writeErr
			}
			results = append(results, docstore.BulkResult{ID: id, Rev: rev})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Store) writeDocument(tx *gorm.DB, database, id string, doc map[string]any, deleted bool, designs []designViews) (string, error) {
	op := opPut
	if deleted {
		op = opDelete
	}
	if err := validateDocID(id, op); err != nil {
		return "", err
	}
	if bodyID, ok := doc["_id"].(string); ok && bodyID != "" && bodyID != id {
		return "", newError(op, kindBadRequest, "Document id does not match the request id.")
	}

	existing, err := findDocument(tx, database, id)
	if err != nil {
		return "", docstore.NewStoreError(op, err)
	}
	incomingRev, _ := doc["_rev"].(string)
	switch {
	case deleted && existing == nil:
		return "", newError(op, kindNotFound, reasonMissing)
	case deleted && existing.Deleted:
		return "", newError(op, kindNotFound, reasonDeleted)
	case existing == nil && incomingRev != "":
		return "", newError(op, kindConflict, reasonConflict)
	case existing != nil && !existing.Deleted && incomingRev != existing.Rev:
		return "", newError(op, kindConflict, reasonConflict)
	case existing != nil && existing.Deleted && incomingRev != "" && incomingRev != existing.Rev:
		return "", newError(op, kindConflict, reasonConflict)
	}

	retained := attachmentNames(doc["_attachments"])
	for _, key := range []string{"_id", "_rev", "_attachments", "_deleted"} {
		delete(doc, key)
	}
	body := "{}"
	if !deleted {
		encoded, err := jsonAPI.Marshal(doc)
		if err != nil {
			return "", newError(op, kindBadRequest, err.Error())
		}
		body = string(encoded)
	}

	generation := int64(1)
	previousRev := ""
	if existing != nil {
		generation = existing.Generation + 1
		previousRev = existing.Rev
	}
	digest := md5.Sum([]byte(previousRev + body))
	checksum := hex.EncodeToString(digest[:])
	record := DocumentRecord{
		Database:         database,
		DocID:            id,
		Generation:       generation,
		Rev:              fmt.Sprintf("%d-%s", generation, checksum),
		Body:             body,
		MD5Sum:           checksum,
		Deleted:          deleted,
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := tx.Save(&record).Error; err != nil {
		return "", docstore.NewStoreError(op, err)
	}

	if existing != nil {
		prune := tx.Where(queryDatabaseDoc, database, id)
		if !deleted && len(retained) > 0 {
			prune = prune.Where("name NOT IN ?", retained)
		}
		if err := prune.Delete(&AttachmentRecord{}).Error; err != nil {
			return "", docstore.NewStoreError(op, err)
		}
	}

	if err := tx.Where(queryDatabaseDoc, database, id).Delete(&ViewRowRecord{}).Error; err != nil {
		return "", docstore.NewStoreError(op, err)
	}
	if !deleted {
		doc["_id"] = id
		rows := make([]ViewRowRecord, 0)
		for _, design := range designs {
			emitted, err := emitRows(database, design, id, doc)
			if err != nil {
				return "", docstore.NewStoreError(op, err)
			}
			rows = append(rows, emitted...)
		}
		if len(rows) > 0 {
			if err := tx.CreateInBatches(rows, 200).Error; err != nil {
				return "", docstore.NewStoreError(op, err)
			}
		}
	}
	return record.Rev, nil
}

func requireDatabase(tx *gorm.DB, database, op string) error {
	var count int64
	if err := tx.Model(&DatabaseRecord{}).Where("name = ?", database).Count(&count).Error; err != nil {
		return docstore.NewStoreError(op, err)
	}
	if count == 0 {
		return newError(op, kindNotFound, reasonMissingDatabase)
	}
	return nil
}

func findDocument(tx *gorm.DB, database, id string) (*DocumentRecord, error) {
	var record DocumentRecord
	result := tx.Where(queryDatabaseDoc, database, id).Limit(1).Find(&record)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &record, nil
}

func loadDocument(tx *gorm.DB, database, id, op string) (*DocumentRecord, error) {
	record, err := findDocument(tx, database, id)
	if err != nil {
		return nil, docstore.NewStoreError(op, err)
	}
	if record == nil {
		return nil, newError(op, kindNotFound, reasonMissing)
	}
	if record.Deleted {
		return nil, newError(op, kindNotFound, reasonDeleted)
	}
	return record, nil
}

// assemble renders stored records as documents carrying _id, _rev and
// attachment stubs, in the order of records.
func assemble(tx *gorm.DB, database string, records []DocumentRecord) ([][]byte, error) {
	if len(records) == 0 {
		return [][]byte{}, nil
	}
	ids := make([]string, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.DocID)
	}
	var attachments []AttachmentRecord
	if err := tx.Select("doc_id", "name", "content_type", "length", "digest", "rev_pos").
		Where("database_name = ? AND doc_id IN ?", database, ids).
		Order("doc_id ASC, name ASC").
		Find(&attachments).Error; err != nil {
		return nil, err
	}
	stubs := make(map[string]map[string]any)
	for _, attachment := range attachments {
		if stubs[attachment.DocID] == nil {
			stubs[attachment.DocID] = make(map[string]any)
		}
		stubs[attachment.DocID][attachment.Name] = map[string]any{
			"content_type": attachment.ContentType,
			"length":       attachment.Length,
			"digest":       attachment.Digest,
			"revpos":       attachment.RevPos,
			"stub":         true,
		}
	}

	docs := make([][]byte, 0, len(records))
	for _, record := range records {
		doc, err := decodeBody([]byte(record.Body))
		if err != nil {
			return nil, err
		}
		doc["_id"] = record.DocID
		doc["_rev"] = record.Rev
		if docStubs, ok := stubs[record.DocID]; ok {
			doc["_attachments"] = docStubs
		}
		encoded, err := jsonAPI.Marshal(doc)
		if err != nil {
			return nil, err
		}
		docs = append(docs, encoded)
	}
	return docs, nil
}

func decodeBody(body []byte) (map[string]any, error) {
	var doc map[string]any
	if err := jsonAPI.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("document body is not an object")
	}
	return doc, nil
}

func attachmentNames(value any) []string {
	stubs, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	names := make([]string, 0, len(stubs))
	for name := range stubs {
		names = append(names, name)
	}
	return names
}

func validateDocID(id, op string) error {
	if strings.TrimSpace(id) == "" {
		return newError(op, kindBadRequest, "Document id must not be empty")
	}
	if strings.HasPrefix(id, "_") && !strings.HasPrefix(id, "_design/") && !strings.HasPrefix(id, "_local/") {
		return newError(op, kindIllegalDocID, "Only reserved document ids may start with underscore.")
	}
	return nil
}

func newError(op, kind, reason string) *docstore.StoreError {
	return &docstore.StoreError{Op: op, Kind: kind, Reason: reason, Err: docstore.ErrorForKind(kind)}
}
