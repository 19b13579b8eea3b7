package sqlstore

import (
	"bytes"
	"context"
	"errors"
	"strconv"

	"github.com/MarcoPoloResearchLab/compliance-store/internal/docstore"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opPutDesign = "sqlstore.put_design"
	opQueryView = "sqlstore.query_view"

	rebuildBatchSize = 200
	insertBatchSize  = 200
)

type designViews struct {
	name  string
	views []docstore.ViewDefinition
}

// PutDesign publishes a design document. When its views changed the index of
// every view in the design is rebuilt from the live documents.
func (s *Store) PutDesign(ctx context.Context, database string, design docstore.DesignDocument) error {
	definition, err := jsonAPI.Marshal(design.Views)
	if err != nil {
		return docstore.NewStoreError(opPutDesign, err)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireDatabase(tx, database, opPutDesign); err != nil {
			return err
		}
		var existing DesignRecord
		err := tx.Where("database_name = ? AND name = ?", database, design.Name).Take(&existing).Error
		switch {
		case err == nil && existing.Definition == string(definition):
			return nil
		case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
			return docstore.NewStoreError(opPutDesign, err)
		}

		record := DesignRecord{Database: database, Name: design.Name, Definition: string(definition)}
		if err := tx.Save(&record).Error; err != nil {
			return docstore.NewStoreError(opPutDesign, err)
		}
		if err := tx.Where("database_name = ? AND design = ?", database, design.Name).Delete(&ViewRowRecord{}).Error; err != nil {
			return docstore.NewStoreError(opPutDesign, err)
		}
		if err := rebuildDesign(tx, database, designViews{name: design.Name, views: design.Views}); err != nil {
			return docstore.NewStoreError(opPutDesign, err)
		}
		s.logger.Info("view index rebuilt",
			zap.String("database", database),
			zap.String("design", design.Name),
			zap.Int("views", len(design.Views)))
		return nil
	})
}

// QueryView reads rows of a view index.
func (s *Store) QueryView(ctx context.Context, database, design, view string, query docstore.ViewQuery) (docstore.ViewResult, error) {
	tx := s.db.WithContext(ctx)
	if err := requireDatabase(tx, database, opQueryView); err != nil {
		return docstore.ViewResult{}, err
	}
	definition, err := findView(tx, database, design, view)
	if err != nil {
		return docstore.ViewResult{}, err
	}
	scope := func() *gorm.DB {
		return tx.Model(&ViewRowRecord{}).Where("database_name = ? AND design = ? AND view = ?", database, design, view)
	}

	var total int64
	if err := scope().Count(&total).Error; err != nil {
		return docstore.ViewResult{}, docstore.NewStoreError(opQueryView, err)
	}
	result := docstore.ViewResult{TotalRows: int(total), Offset: query.Skip, Rows: []docstore.ViewRow{}}
	if query.CountOnly {
		return result, nil
	}
	if query.Reduce && definition.Reduce == docstore.ReduceNone {
		return docstore.ViewResult{}, newError(opQueryView, kindQueryParse, "Reduce is invalid for map-only views.")
	}

	records, err := selectRows(scope, query, !query.Reduce)
	if err != nil {
		return docstore.ViewResult{}, docstore.NewStoreError(opQueryView, err)
	}
	if query.Reduce {
		rows, err := reduceRows(definition.Reduce, records, query.Group)
		if err != nil {
			return docstore.ViewResult{}, docstore.NewStoreError(opQueryView, err)
		}
		result.Offset = 0
		result.Rows = rows
		return result, nil
	}

	rows := make([]docstore.ViewRow, 0, len(records))
	for _, record := range records {
		rows = append(rows, docstore.ViewRow{
			ID:    record.DocID,
			Key:   []byte(record.KeyJSON),
			Value: []byte(record.ValueJSON),
		})
	}
	if query.IncludeDocs {
		if err := includeDocs(tx, database, rows); err != nil {
			return docstore.ViewResult{}, docstore.NewStoreError(opQueryView, err)
		}
	}
	result.Rows = rows
	return result, nil
}

func findView(tx *gorm.DB, database, design, view string) (docstore.ViewDefinition, error) {
	var record DesignRecord
	err := tx.Where("database_name = ? AND name = ?", database, design).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return docstore.ViewDefinition{}, newError(opQueryView, kindNotFound, reasonMissing)
	}
	if err != nil {
		return docstore.ViewDefinition{}, docstore.NewStoreError(opQueryView, err)
	}
	var views []docstore.ViewDefinition
	if err := jsonAPI.Unmarshal([]byte(record.Definition), &views); err != nil {
		return docstore.ViewDefinition{}, docstore.NewStoreError(opQueryView, err)
	}
	for _, definition := range views {
		if definition.Name == view {
			return definition, nil
		}
	}
	return docstore.ViewDefinition{}, newError(opQueryView, kindNotFound, "missing_named_view")
}

func loadDesigns(tx *gorm.DB, database string) ([]designViews, error) {
	var records []DesignRecord
	if err := tx.Where(queryDatabase, database).Order("name ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	designs := make([]designViews, 0, len(records))
	for _, record := range records {
		var views []docstore.ViewDefinition
		if err := jsonAPI.Unmarshal([]byte(record.Definition), &views); err != nil {
			return nil, err
		}
		designs = append(designs, designViews{name: record.Name, views: views})
	}
	return designs, nil
}

// rebuildDesign walks the live documents in id order, one batch at a time.
func rebuildDesign(tx *gorm.DB, database string, design designViews) error {
	lastID := ""
	for {
		var batch []DocumentRecord
		if err := tx.Where("database_name = ? AND deleted = ? AND doc_id > ?", database, false, lastID).
			Order("doc_id ASC").
			Limit(rebuildBatchSize).
			Find(&batch).Error; err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		rows := make([]ViewRowRecord, 0, len(batch))
		for _, record := range batch {
			doc, err := decodeBody([]byte(record.Body))
			if err != nil {
				return err
			}
			doc["_id"] = record.DocID
			emitted, err := emitRows(database, design, record.DocID, doc)
			if err != nil {
				return err
			}
			rows = append(rows, emitted...)
		}
		if len(rows) > 0 {
			if err := tx.CreateInBatches(rows, insertBatchSize).Error; err != nil {
				return err
			}
		}
		lastID = batch[len(batch)-1].DocID
		if len(batch) < rebuildBatchSize {
			return nil
		}
	}
}

func emitRows(database string, design designViews, id string, doc map[string]any) ([]ViewRowRecord, error) {
	rows := make([]ViewRowRecord, 0)
	for _, view := range design.views {
		for _, emitted := range view.Emit(doc) {
			key, err := normalizeKey(emitted.Key)
			if err != nil {
				return nil, err
			}
			keyJSON, err := jsonAPI.Marshal(key)
			if err != nil {
				return nil, err
			}
			valueJSON, err := jsonAPI.Marshal(emitted.Value)
			if err != nil {
				return nil, err
			}
			rows = append(rows, ViewRowRecord{
				Database:  database,
				Design:    design.name,
				View:      view.Name,
				SortKey:   encodeKey(key),
				DocID:     id,
				KeyJSON:   string(keyJSON),
				ValueJSON: string(valueJSON),
			})
		}
	}
	return rows, nil
}

// selectRows applies key selection, ordering and, when paginate is set,
// skip and limit.
func selectRows(scope func() *gorm.DB, query docstore.ViewQuery, paginate bool) ([]ViewRowRecord, error) {
	order := "sort_key ASC, doc_id ASC"
	if query.Descending {
		order = "sort_key DESC, doc_id DESC"
	}

	var records []ViewRowRecord
	if len(query.Keys) > 0 {
		for _, key := range query.Keys {
			var matched []ViewRowRecord
			if err := scope().Where("sort_key = ?", encodeKey(key)).Order(order).Find(&matched).Error; err != nil {
				return nil, err
			}
			records = append(records, matched...)
		}
		if paginate {
			records = window(records, query.Skip, query.Limit)
		}
		return records, nil
	}

	statement := scope()
	if query.Key != nil {
		statement = statement.Where("sort_key = ?", encodeKey(query.Key))
	}
	if query.StartKey != nil {
		operator := "sort_key >= ?"
		if query.Descending {
			operator = "sort_key <= ?"
		}
		statement = statement.Where(operator, encodeKey(query.StartKey))
	}
	if query.EndKey != nil {
		operator := "sort_key <= ?"
		switch {
		case query.Descending && query.ExclusiveEnd:
			operator = "sort_key > ?"
		case query.Descending:
			operator = "sort_key >= ?"
		case query.ExclusiveEnd:
			operator = "sort_key < ?"
		}
		statement = statement.Where(operator, encodeKey(query.EndKey))
	}
	statement = statement.Order(order)
	if paginate && query.Limit > 0 {
		statement = statement.Limit(query.Limit).Offset(max(query.Skip, 0))
	}
	if err := statement.Find(&records).Error; err != nil {
		return nil, err
	}
	if paginate && query.Limit <= 0 {
		records = window(records, query.Skip, 0)
	}
	return records, nil
}

func window(records []ViewRowRecord, skip, limit int) []ViewRowRecord {
	if skip > 0 {
		if skip >= len(records) {
			return []ViewRowRecord{}
		}
		records = records[skip:]
	}
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	return records
}

func reduceRows(reduce docstore.Reduce, records []ViewRowRecord, group bool) ([]docstore.ViewRow, error) {
	rows := []docstore.ViewRow{}
	if len(records) == 0 {
		return rows, nil
	}
	if !group {
		value, err := aggregate(reduce, records)
		if err != nil {
			return nil, err
		}
		return append(rows, docstore.ViewRow{Key: []byte("null"), Value: value}), nil
	}
	start := 0
	for index := 1; index <= len(records); index++ {
		if index < len(records) && bytes.Equal(records[index].SortKey, records[start].SortKey) {
			continue
		}
		value, err := aggregate(reduce, records[start:index])
		if err != nil {
			return nil, err
		}
		rows = append(rows, docstore.ViewRow{Key: []byte(records[start].KeyJSON), Value: value})
		start = index
	}
	return rows, nil
}

func aggregate(reduce docstore.Reduce, records []ViewRowRecord) ([]byte, error) {
	if reduce == docstore.ReduceCount {
		return []byte(strconv.Itoa(len(records))), nil
	}
	total := 0.0
	for _, record := range records {
		var value float64
		if err := jsonAPI.Unmarshal([]byte(record.ValueJSON), &value); err != nil {
			return nil, errors.New("the _sum function requires that map values be numbers")
		}
		total += value
	}
	return []byte(strconv.FormatFloat(total, 'f', -1, 64)), nil
}

func includeDocs(tx *gorm.DB, database string, rows []docstore.ViewRow) error {
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	var records []DocumentRecord
	if err := tx.Where("database_name = ? AND doc_id IN ? AND deleted = ?", database, ids, false).
		Find(&records).Error; err != nil {
		return err
	}
	docs, err := assemble(tx, database, records)
	if err != nil {
		return err
	}
	byID := make(map[string][]byte, len(records))
	for index, record := range records {
		byID[record.DocID] = docs[index]
	}
	for index := range rows {
		doc, ok := byID[rows[index].ID]
		if !ok {
			doc = []byte("null")
		}
		rows[index].Doc = doc
	}
	return nil
}
