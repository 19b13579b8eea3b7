package docstore

import (
	"context"
	"encoding/json"
	"io"
)

// Backend is the contract a document-oriented store must honour. Documents are
// exchanged as raw JSON carrying _id, _rev, type and _attachments stubs.
//
// Implementations report failures as *StoreError whose cause is ErrNotFound,
// ErrConflict, ErrDatabaseExists or ErrInvalidDocument where applicable.
type Backend interface {
	CreateDatabase(ctx context.Context, name string) error
	DeleteDatabase(ctx context.Context, name string) error

	Get(ctx context.Context, database, id string) ([]byte, error)
	// Revision returns the current revision without loading the body.
	Revision(ctx context.Context, database, id string) (string, error)
	// GetMany returns the documents that exist among ids; missing ids are skipped.
	GetMany(ctx context.Context, database string, ids []string) ([][]byte, error)
	// Put creates (body without _rev) or updates (body with the current _rev) a document.
	Put(ctx context.Context, database, id string, body []byte) (string, error)
	Delete(ctx context.Context, database, id, rev string) (string, error)
	// BulkDocs writes every entry in one request; results follow input order.
	BulkDocs(ctx context.Context, database string, docs []BulkDoc) ([]BulkResult, error)

	PutDesign(ctx context.Context, database string, design DesignDocument) error
	QueryView(ctx context.Context, database, design, view string, query ViewQuery) (ViewResult, error)

	GetAttachment(ctx context.Context, database, id, name string) (io.ReadCloser, error)
	PutAttachment(ctx context.Context, database, id, rev, name, contentType string, body io.Reader) (string, error)
}

// BulkDoc is one entry of a bulk write. Body carries the full document for
// writes; deletions only need ID, Rev and Deleted.
type BulkDoc struct {
	ID      string
	Rev     string
	Deleted bool
	Body    []byte
}

// BulkResult reports the outcome of one bulk entry.
type BulkResult struct {
	Index  int    `json:"-"`
	ID     string `json:"id"`
	Rev    string `json:"rev,omitempty"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// OK reports whether the entry was written.
func (r BulkResult) OK() bool {
	return r.Error == ""
}

// Err returns the classified failure of the entry, or nil.
func (r BulkResult) Err() error {
	if r.OK() {
		return nil
	}
	return &StoreError{Op: "bulk_docs", Kind: r.Error, Reason: r.Reason, Err: ErrorForKind(r.Error)}
}

// ViewQuery selects rows of a view. A nil Key, StartKey or EndKey is unset.
type ViewQuery struct {
	Key          any
	Keys         []any
	StartKey     any
	EndKey       any
	ExclusiveEnd bool
	Descending   bool
	// Limit of zero means unlimited; use CountOnly for a zero-row query.
	Limit       int
	Skip        int
	CountOnly   bool
	IncludeDocs bool
	Reduce      bool
	Group       bool
}

// ViewResult is the answer of a view query. TotalRows counts every row of the
// view regardless of the selected range.
type ViewResult struct {
	TotalRows int       `json:"total_rows"`
	Offset    int       `json:"offset"`
	Rows      []ViewRow `json:"rows"`
}

// ViewRow is a single emitted (or reduced) row.
type ViewRow struct {
	ID    string          `json:"id,omitempty"`
	Key   json.RawMessage `json:"key"`
	Value json.RawMessage `json:"value"`
	Doc   json.RawMessage `json:"doc,omitempty"`
	Error string          `json:"error,omitempty"`
}
