package docstore

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates that a database, document, view or attachment does not exist.
	ErrNotFound = errors.New("docstore: not found")
	// ErrConflict indicates a stale revision or an id that already exists on create.
	ErrConflict = errors.New("docstore: conflict")
	// ErrPermissionDenied indicates the caller may not read the requested content.
	ErrPermissionDenied = errors.New("docstore: permission denied")
	// ErrTimeout indicates that a remote download exceeded its deadline.
	ErrTimeout = errors.New("docstore: timeout")
	// ErrStore indicates a transport, authentication or serialization failure.
	ErrStore = errors.New("docstore: store error")
	// ErrPartialBulk indicates that some documents of a bulk request were rejected.
	ErrPartialBulk = errors.New("docstore: partial bulk failure")
	// ErrDatabaseExists is reported by backends when creating a database that is already present.
	ErrDatabaseExists = errors.New("docstore: database already exists")
	// ErrInvalidDocument indicates a document the store refused to accept as written.
	ErrInvalidDocument = errors.New("docstore: invalid document")
)

// StoreError describes a failed backend request. Classified causes (not found,
// conflict, database exists, timeout, invalid document) are reachable through
// errors.Is; every other cause matches ErrStore.
type StoreError struct {
	Op     string
	Status int
	Kind   string
	Reason string
	Err    error
}

// NewStoreError wraps cause into a StoreError for the given operation.
func NewStoreError(op string, cause error) *StoreError {
	return &StoreError{Op: op, Err: cause}
}

func (e *StoreError) Error() string {
	var builder strings.Builder
	builder.WriteString("docstore: ")
	builder.WriteString(e.Op)
	if e.Kind != "" {
		builder.WriteString(": ")
		builder.WriteString(e.Kind)
	}
	if e.Reason != "" {
		builder.WriteString(" (")
		builder.WriteString(e.Reason)
		builder.WriteString(")")
	}
	if e.Err != nil && e.Kind == "" {
		builder.WriteString(": ")
		builder.WriteString(e.Err.Error())
	}
	return builder.String()
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is reports ErrStore for unclassified causes only.
func (e *StoreError) Is(target error) bool {
	return target == ErrStore && !e.classified()
}

func (e *StoreError) classified() bool {
	if e.Err == nil {
		return false
	}
	for _, sentinel := range []error{ErrNotFound, ErrConflict, ErrDatabaseExists, ErrTimeout, ErrInvalidDocument} {
		if errors.Is(e.Err, sentinel) {
			return true
		}
	}
	return false
}

// PartialBulkFailure lists the per-document failures of a bulk request whose
// remaining documents were written.
type PartialBulkFailure struct {
	Total    int
	Failures []BulkResult
}

func (e *PartialBulkFailure) Error() string {
	return fmt.Sprintf("docstore: %d of %d bulk documents failed", len(e.Failures), e.Total)
}

// Is matches ErrPartialBulk.
func (e *PartialBulkFailure) Is(target error) bool {
	return target == ErrPartialBulk
}

// ErrorForKind maps a store error short form (as CouchDB reports it) onto a sentinel.
func ErrorForKind(kind string) error {
	switch kind {
	case "":
		return nil
	case "not_found":
		return ErrNotFound
	case "conflict":
		return ErrConflict
	case "file_exists":
		return ErrDatabaseExists
	case "bad_request", "illegal_docid", "forbidden", "doc_validation":
		return ErrInvalidDocument
	default:
		return ErrStore
	}
}
