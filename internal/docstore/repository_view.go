package docstore

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

const (
	opEnsureViews = "docstore.ensure_views"
	opQueryView   = "docstore.query_view"
	opQueryPage   = "docstore.query_page"
	opCount       = "docstore.count"
	fieldView     = "view"
)

// GetAll returns every document of the repository's type. A failed query is
// logged and yields an empty slice.
func (r *Repository[T]) GetAll(ctx context.Context) []*T {
	return r.QueryView(ctx, AllView, ViewQuery{})
}

// GetDocumentCount returns the number of documents of the repository's type,
// or zero when the store cannot be queried.
func (r *Repository[T]) GetDocumentCount(ctx context.Context) int {
	result, err := r.conn.backend.QueryView(ctx, r.database, r.design, AllView, ViewQuery{CountOnly: true})
	if err != nil {
		r.logWarn(opCount, failureReason(err), err, zap.String(fieldView, AllView))
		return 0
	}
	return result.TotalRows
}

// QueryViewStrict returns the documents of the rows selected by query.
func (r *Repository[T]) QueryViewStrict(ctx context.Context, view string, query ViewQuery) ([]*T, error) {
	if _, err := r.view(view); err != nil {
		return nil, err
	}
	query.IncludeDocs = true
	query.Reduce = false
	query.Group = false
	result, err := r.conn.backend.QueryView(ctx, r.database, r.design, view, query)
	if err != nil {
		return nil, err
	}
	return r.decodeRows(result.Rows), nil
}

// QueryView is QueryViewStrict with failures logged and reported as no rows.
func (r *Repository[T]) QueryView(ctx context.Context, view string, query ViewQuery) []*T {
	docs, err := r.QueryViewStrict(ctx, view, query)
	if err != nil {
		r.logWarn(opQueryView, failureReason(err), err, zap.String(fieldView, view))
		return []*T{}
	}
	return docs
}

// QueryIDs returns the distinct document ids of the rows selected by query.
func (r *Repository[T]) QueryIDs(ctx context.Context, view string, query ViewQuery) []string {
	ids := []string{}
	if _, err := r.view(view); err != nil {
		r.logWarn(opQueryView, failureReason(err), err, zap.String(fieldView, view))
		return ids
	}
	query.IncludeDocs = false
	query.Reduce = false
	query.Group = false
	result, err := r.conn.backend.QueryView(ctx, r.database, r.design, view, query)
	if err != nil {
		r.logWarn(opQueryView, failureReason(err), err, zap.String(fieldView, view))
		return ids
	}
	for _, row := range result.Rows {
		if row.ID != "" {
			ids = append(ids, row.ID)
		}
	}
	return uniqueStrings(ids)
}

// QueryByKey returns the documents indexed under key.
func (r *Repository[T]) QueryByKey(ctx context.Context, view string, key any) []*T {
	return r.QueryView(ctx, view, ViewQuery{Key: key})
}

// QueryByKeys returns the distinct documents indexed under any of keys.
func (r *Repository[T]) QueryByKeys(ctx context.Context, view string, keys []any) []*T {
	if len(keys) == 0 {
		return []*T{}
	}
	return r.distinct(r.QueryView(ctx, view, ViewQuery{Keys: keys}))
}

// QueryRange returns the documents whose key lies in [start, end].
func (r *Repository[T]) QueryRange(ctx context.Context, view string, start, end any) []*T {
	return r.QueryView(ctx, view, ViewQuery{StartKey: start, EndKey: end})
}

// QueryByPrefix returns the distinct documents whose string key starts with prefix.
func (r *Repository[T]) QueryByPrefix(ctx context.Context, view, prefix string) []*T {
	return r.distinct(r.QueryView(ctx, view, prefixQuery(prefix)))
}

// QueryIDsByPrefix returns the ids of documents whose string key starts with prefix.
func (r *Repository[T]) QueryIDsByPrefix(ctx context.Context, view, prefix string) []string {
	return r.QueryIDs(ctx, view, prefixQuery(prefix))
}

// QueryPage returns one page of the rows selected by query, ordered as
// requested, together with the total row count. Rows per page of
// UnlimitedRows (or zero) returns everything from DisplayStart on.
func (r *Repository[T]) QueryPage(ctx context.Context, view string, request PageRequest, query ViewQuery) Page[T] {
	page := Page[T]{Items: []*T{}, Request: request}
	definition, err := r.view(view)
	if err != nil {
		r.logWarn(opQueryPage, failureReason(err), err, zap.String(fieldView, view))
		return page
	}

	paged := query
	paged.Descending = !request.Ascending
	if paged.Descending {
		paged.StartKey, paged.EndKey = query.EndKey, query.StartKey
	}
	paged.Skip = max(request.DisplayStart, 0)
	paged.Limit = 0
	if request.RowsPerPage > 0 {
		paged.Limit = request.RowsPerPage
	}

	items, err := r.QueryViewStrict(ctx, view, paged)
	if err != nil {
		r.logWarn(opQueryPage, failureReason(err), err, zap.String(fieldView, view))
		return page
	}
	page.Items = items
	page.TotalRowCount = r.totalRowCount(ctx, definition, query)
	return page
}

// CountByKey sums the reduce output of a reduce view for key.
func (r *Repository[T]) CountByKey(ctx context.Context, view string, key any) int {
	definition, err := r.view(view)
	if err != nil || definition.Reduce == ReduceNone {
		if err == nil {
			err = fmt.Errorf("%w: view %s has no reduce", ErrNotFound, view)
		}
		r.logWarn(opCount, failureReason(err), err, zap.String(fieldView, view))
		return 0
	}
	return r.reduceTotal(ctx, view, ViewQuery{Key: key, Reduce: true})
}

func (r *Repository[T]) totalRowCount(ctx context.Context, definition ViewDefinition, query ViewQuery) int {
	if definition.Reduce != ReduceNone {
		return r.reduceTotal(ctx, definition.Name, ViewQuery{
			Key:          query.Key,
			Keys:         query.Keys,
			StartKey:     query.StartKey,
			EndKey:       query.EndKey,
			ExclusiveEnd: query.ExclusiveEnd,
			Reduce:       true,
		})
	}
	result, err := r.conn.backend.QueryView(ctx, r.database, r.design, definition.Name, ViewQuery{CountOnly: true})
	if err != nil {
		r.logWarn(opCount, failureReason(err), err, zap.String(fieldView, definition.Name))
		return 0
	}
	return result.TotalRows
}

func (r *Repository[T]) reduceTotal(ctx context.Context, view string, query ViewQuery) int {
	result, err := r.conn.backend.QueryView(ctx, r.database, r.design, view, query)
	if err != nil {
		r.logWarn(opCount, failureReason(err), err, zap.String(fieldView, view))
		return 0
	}
	total := 0.0
	for _, row := range result.Rows {
		var value float64
		if err := r.conn.serializer.Unmarshal(row.Value, &value); err != nil {
			continue
		}
		total += value
	}
	return int(total)
}

func (r *Repository[T]) view(name string) (ViewDefinition, error) {
	definition, ok := r.views[name]
	if !ok {
		return ViewDefinition{}, fmt.Errorf("%w: view %s/%s", ErrNotFound, r.design, name)
	}
	return definition, nil
}

func (r *Repository[T]) decodeRows(rows []ViewRow) []*T {
	docs := make([]*T, 0, len(rows))
	for _, row := range rows {
		if len(row.Doc) == 0 || string(row.Doc) == "null" {
			continue
		}
		doc, err := r.decode(row.Doc)
		if err != nil {
			continue
		}
		docs = append(docs, doc)
	}
	return docs
}

func (r *Repository[T]) distinct(docs []*T) []*T {
	seen := make(map[string]struct{}, len(docs))
	unique := make([]*T, 0, len(docs))
	for _, doc := range docs {
		id := r.identify(doc).DocumentID()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, doc)
	}
	return unique
}

func prefixQuery(prefix string) ViewQuery {
	return ViewQuery{StartKey: prefix, EndKey: PrefixEnd(prefix)}
}
