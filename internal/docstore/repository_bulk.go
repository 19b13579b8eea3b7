package docstore

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

const (
	opExecuteBulk = "docstore.execute_bulk"
	opDeleteBulk  = "docstore.delete_bulk"
)

// ExecuteBulk writes docs in one request. New documents without an id receive
// one. Each result reports the outcome of the document at the same index;
// written documents receive their new id and revision. When some documents
// fail, the full result slice is returned together with a *PartialBulkFailure;
// the others are durably written. A failure before the store processed the
// request returns no results. Documents that were not written keep the id and
// revision they came with.
func (r *Repository[T]) ExecuteBulk(ctx context.Context, docs []*T) ([]BulkResult, error) {
	if len(docs) == 0 {
		return []BulkResult{}, nil
	}
	for index, doc := range docs {
		if doc == nil {
			return nil, fmt.Errorf("%w: nil document at index %d", ErrInvalidDocument, index)
		}
	}
	originals := make([][2]string, len(docs))
	for index, doc := range docs {
		ident := r.identify(doc)
		originals[index] = [2]string{ident.DocumentID(), ident.DocumentRevision()}
	}
	restore := func(index int) {
		r.identify(docs[index]).SetDocumentIdentity(originals[index][0], originals[index][1])
	}
	restoreAll := func() {
		for index := range docs {
			restore(index)
		}
	}

	entries := make([]BulkDoc, 0, len(docs))
	for _, doc := range docs {
		ident := r.identify(doc)
		if ident.DocumentID() == "" {
			id, err := r.conn.idProvider.NewID()
			if err != nil {
				restoreAll()
				r.logError(opExecuteBulk, "id_generation_failed", err)
				return nil, NewStoreError(opExecuteBulk, err)
			}
			ident.SetDocumentIdentity(id, "")
		}
		ident.SetDocumentType(r.typeName)
		body, err := r.conn.serializer.Marshal(doc)
		if err != nil {
			restoreAll()
			r.logError(opExecuteBulk, "encode_failed", err, zap.String(fieldID, ident.DocumentID()))
			return nil, NewStoreError(opExecuteBulk, err)
		}
		entries = append(entries, BulkDoc{ID: ident.DocumentID(), Rev: ident.DocumentRevision(), Body: body})
	}

	results, err := r.submitBulk(ctx, opExecuteBulk, entries)
	if err != nil {
		restoreAll()
		return nil, err
	}
	for _, result := range results {
		if result.OK() {
			r.identify(docs[result.Index]).SetDocumentIdentity(result.ID, result.Rev)
			continue
		}
		restore(result.Index)
	}
	return results, r.bulkOutcome(opExecuteBulk, results)
}

// DeleteBulk removes docs in one request using the revisions they carry.
func (r *Repository[T]) DeleteBulk(ctx context.Context, docs []*T) ([]BulkResult, error) {
	if len(docs) == 0 {
		return []BulkResult{}, nil
	}
	entries := make([]BulkDoc, 0, len(docs))
	for index, doc := range docs {
		if doc == nil {
			return nil, fmt.Errorf("%w: nil document at index %d", ErrInvalidDocument, index)
		}
		ident := r.identify(doc)
		entries = append(entries, BulkDoc{ID: ident.DocumentID(), Rev: ident.DocumentRevision(), Deleted: true})
	}
	results, err := r.submitBulk(ctx, opDeleteBulk, entries)
	if err != nil {
		return nil, err
	}
	return results, r.bulkOutcome(opDeleteBulk, results)
}

// DeleteBulkByIDs removes the documents with the given ids that currently
// exist. A failure to resolve their revisions is returned, not skipped.
func (r *Repository[T]) DeleteBulkByIDs(ctx context.Context, ids []string) ([]BulkResult, error) {
	docs, err := r.getMany(ctx, ids)
	if err != nil {
		r.logError(opDeleteBulk, failureReason(err), err, zap.Int("requested", len(ids)))
		return nil, asStoreError(opDeleteBulk, err)
	}
	return r.DeleteBulk(ctx, docs)
}

func (r *Repository[T]) submitBulk(ctx context.Context, operation string, entries []BulkDoc) ([]BulkResult, error) {
	results, err := r.conn.backend.BulkDocs(ctx, r.database, entries)
	if err != nil {
		r.logError(operation, failureReason(err), err, zap.Int("documents", len(entries)))
		return nil, asStoreError(operation, err)
	}
	if len(results) != len(entries) {
		err := NewStoreError(operation, fmt.Errorf("store answered %d results for %d documents", len(results), len(entries)))
		r.logError(operation, "result_mismatch", err)
		return nil, err
	}
	for index := range results {
		results[index].Index = index
	}
	return results, nil
}

func (r *Repository[T]) bulkOutcome(operation string, results []BulkResult) error {
	failures := make([]BulkResult, 0)
	for _, result := range results {
		if !result.OK() {
			failures = append(failures, result)
		}
	}
	if len(failures) == 0 {
		return nil
	}
	r.logger.Warn("bulk request partially failed",
		zap.String("operation", operation),
		zap.Int("documents", len(results)),
		zap.Int("failures", len(failures)))
	return &PartialBulkFailure{Total: len(results), Failures: failures}
}
