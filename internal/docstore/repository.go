package docstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

var (
	errMissingConnection = errors.New("docstore: connection is required")
	errMissingDatabase   = errors.New("docstore: database name is required")
	errMissingTypeName   = errors.New("docstore: type name is required")
)

const (
	opNewRepository = "docstore.repository.new"
	opGet           = "docstore.get"
	opGetByIDs      = "docstore.get_by_ids"
	opAdd           = "docstore.add"
	opUpdate        = "docstore.update"
	opRemove        = "docstore.remove"
	opDecode        = "docstore.decode"
	fieldID         = "id"
	fieldDatabase   = "database"
	fieldTypeName   = "type_name"
)

// legacyTypeNames lists entity kinds whose stored type field predates their
// current name. Reads through repositories for these kinds skip the type guard.
var legacyTypeNames = map[string]struct{}{
	"obligation":       {},
	"obligationList":   {},
	"moderationRecord": {},
}

func isLegacyType(typeName string) bool {
	_, ok := legacyTypeNames[typeName]
	return ok
}

// RepositoryConfig describes where a repository stores its documents.
type RepositoryConfig struct {
	Database string
	TypeName string
	// Design names the design document holding the views; defaults to TypeName.
	Design string
	Views  []ViewDefinition
}

// Repository provides typed access to the documents of one type. *T must
// implement Identifiable, which embedding Document provides.
type Repository[T any] struct {
	conn     *Connection
	database string
	typeName string
	design   string
	views    map[string]ViewDefinition
	logger   *zap.Logger
}

// NewRepository validates cfg and returns a repository bound to conn.
func NewRepository[T any](conn *Connection, cfg RepositoryConfig) (*Repository[T], error) {
	if conn == nil {
		return nil, errMissingConnection
	}
	if _, ok := any(new(T)).(Identifiable); !ok {
		return nil, fmt.Errorf("%s: %T does not implement Identifiable", opNewRepository, new(T))
	}
	database := strings.TrimSpace(cfg.Database)
	if database == "" {
		return nil, errMissingDatabase
	}
	typeName := strings.TrimSpace(cfg.TypeName)
	if typeName == "" {
		return nil, errMissingTypeName
	}
	design := strings.TrimSpace(cfg.Design)
	if design == "" {
		design = typeName
	}

	views := map[string]ViewDefinition{
		AllView: {Name: AllView, TypeName: typeName},
	}
	for _, view := range cfg.Views {
		if view.Name == "" {
			return nil, fmt.Errorf("%s: view without name", opNewRepository)
		}
		if view.TypeName == "" {
			view.TypeName = typeName
		}
		views[view.Name] = view
	}

	return &Repository[T]{
		conn:     conn,
		database: database,
		typeName: typeName,
		design:   design,
		views:    views,
		logger:   conn.logger.With(zap.String(fieldDatabase, database), zap.String(fieldTypeName, typeName)),
	}, nil
}

// Database returns the database name.
func (r *Repository[T]) Database() string {
	return r.database
}

// TypeName returns the type discriminator written on every document.
func (r *Repository[T]) TypeName() string {
	return r.typeName
}

// Connection returns the connection the repository borrows.
func (r *Repository[T]) Connection() *Connection {
	return r.conn
}

// EnsureViews publishes the repository's views to the store.
func (r *Repository[T]) EnsureViews(ctx context.Context) error {
	names := make([]string, 0, len(r.views))
	for name := range r.views {
		names = append(names, name)
	}
	sort.Strings(names)
	design := DesignDocument{Name: r.design, Views: make([]ViewDefinition, 0, len(names))}
	for _, name := range names {
		design.Views = append(design.Views, r.views[name])
	}
	if err := r.conn.backend.PutDesign(ctx, r.database, design); err != nil {
		r.logError(opEnsureViews, failureReason(err), err)
		return err
	}
	return nil
}

// Get fetches a document of the repository's type. Any failure, including an
// unreachable store, is reported as ErrNotFound; store failures are logged.
func (r *Repository[T]) Get(ctx context.Context, id string) (*T, error) {
	doc, err := r.GetStrict(ctx, id)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, ErrNotFound) {
		r.logWarn(opGet, failureReason(err), err, zap.String(fieldID, id))
		return nil, ErrNotFound
	}
	return nil, err
}

// GetStrict fetches a document and reports the precise failure.
func (r *Repository[T]) GetStrict(ctx context.Context, id string) (*T, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: empty id", ErrNotFound)
	}
	raw, err := r.conn.backend.Get(ctx, r.database, id)
	if err != nil {
		return nil, err
	}
	return r.decode(raw)
}

// GetByIDs fetches many documents in one request. Unknown ids and documents of
// another type are dropped; input order is not preserved.
func (r *Repository[T]) GetByIDs(ctx context.Context, ids []string) []*T {
	docs, err := r.getMany(ctx, ids)
	if err != nil {
		r.logWarn(opGetByIDs, failureReason(err), err, zap.Int("requested", len(ids)))
		return []*T{}
	}
	return docs
}

func (r *Repository[T]) getMany(ctx context.Context, ids []string) ([]*T, error) {
	docs := make([]*T, 0, len(ids))
	if len(ids) == 0 {
		return docs, nil
	}
	raws, err := r.conn.backend.GetMany(ctx, r.database, uniqueStrings(ids))
	if err != nil {
		return nil, err
	}
	for _, raw := range raws {
		doc, err := r.decode(raw)
		if err != nil {
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Add creates a new document. An empty id is assigned by the connection's
// IDProvider. The new id and revision are written back into doc; on failure
// doc keeps the id and revision it came with.
func (r *Repository[T]) Add(ctx context.Context, doc *T) error {
	if doc == nil {
		return fmt.Errorf("%w: nil document", ErrInvalidDocument)
	}
	ident := r.identify(doc)
	id := ident.DocumentID()
	originalID, originalRev := id, ident.DocumentRevision()
	if id == "" {
		generated, err := r.conn.idProvider.NewID()
		if err != nil {
			r.logError(opAdd, "id_generation_failed", err)
			return NewStoreError(opAdd, err)
		}
		id = generated
	}
	ident.SetDocumentIdentity(id, "")
	ident.SetDocumentType(r.typeName)

	body, err := r.conn.serializer.Marshal(doc)
	if err != nil {
		ident.SetDocumentIdentity(originalID, originalRev)
		r.logError(opAdd, "encode_failed", err, zap.String(fieldID, id))
		return NewStoreError(opAdd, err)
	}
	rev, err := r.conn.backend.Put(ctx, r.database, id, body)
	if err != nil {
		ident.SetDocumentIdentity(originalID, originalRev)
		r.logError(opAdd, failureReason(err), err, zap.String(fieldID, id))
		return err
	}
	ident.SetDocumentIdentity(id, rev)
	return nil
}

// Update writes doc over the stored revision it carries. A stale or missing
// revision yields ErrConflict and leaves the stored document untouched.
func (r *Repository[T]) Update(ctx context.Context, doc *T) error {
	if doc == nil {
		return fmt.Errorf("%w: nil document", ErrInvalidDocument)
	}
	ident := r.identify(doc)
	id := ident.DocumentID()
	if id == "" {
		return fmt.Errorf("%w: update without id", ErrInvalidDocument)
	}
	if ident.DocumentRevision() == "" {
		err := NewStoreError(opUpdate, fmt.Errorf("%w: update of %s without revision", ErrConflict, id))
		r.logError(opUpdate, "missing_revision", err, zap.String(fieldID, id))
		return err
	}
	ident.SetDocumentType(r.typeName)

	body, err := r.conn.serializer.Marshal(doc)
	if err != nil {
		r.logError(opUpdate, "encode_failed", err, zap.String(fieldID, id))
		return NewStoreError(opUpdate, err)
	}
	rev, err := r.conn.backend.Put(ctx, r.database, id, body)
	if err != nil {
		r.logError(opUpdate, failureReason(err), err, zap.String(fieldID, id))
		return err
	}
	ident.SetDocumentIdentity(id, rev)
	return nil
}

// Remove deletes the in-hand document using the revision it carries. A
// document that is already gone counts as removed.
func (r *Repository[T]) Remove(ctx context.Context, doc *T) error {
	if doc == nil {
		return nil
	}
	ident := r.identify(doc)
	if ident.DocumentRevision() == "" {
		return r.RemoveByID(ctx, ident.DocumentID())
	}
	return r.remove(ctx, ident.DocumentID(), ident.DocumentRevision())
}

// RemoveByID deletes a document after looking up its current revision.
func (r *Repository[T]) RemoveByID(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: remove without id", ErrInvalidDocument)
	}
	rev, err := r.conn.backend.Revision(ctx, r.database, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		r.logError(opRemove, failureReason(err), err, zap.String(fieldID, id))
		return err
	}
	return r.remove(ctx, id, rev)
}

func (r *Repository[T]) remove(ctx context.Context, id, rev string) error {
	_, err := r.conn.backend.Delete(ctx, r.database, id, rev)
	if err == nil || errors.Is(err, ErrNotFound) {
		return nil
	}
	r.logError(opRemove, failureReason(err), err, zap.String(fieldID, id))
	return err
}

func (r *Repository[T]) identify(doc *T) Identifiable {
	return any(doc).(Identifiable)
}

func (r *Repository[T]) decode(raw []byte) (*T, error) {
	storedType := r.conn.serializer.DocumentType(raw)
	if storedType != "" && storedType != r.typeName && !isLegacyType(r.typeName) {
		return nil, fmt.Errorf("%w: stored type %q is not %q", ErrNotFound, storedType, r.typeName)
	}
	doc := new(T)
	if err := r.conn.serializer.Unmarshal(raw, doc); err != nil {
		return nil, NewStoreError(opDecode, err)
	}
	return doc, nil
}

func (r *Repository[T]) logError(operation, reason string, err error, fields ...zap.Field) {
	r.logger.Error("docstore repository error", r.logFields(operation, reason, err, fields)...)
}

func (r *Repository[T]) logWarn(operation, reason string, err error, fields ...zap.Field) {
	r.logger.Warn("docstore read degraded", r.logFields(operation, reason, err, fields)...)
}

func (r *Repository[T]) logFields(operation, reason string, err error, fields []zap.Field) []zap.Field {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	return append(attrs, fields...)
}

func failureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidDocument):
		return "invalid_document"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "store_failed"
	}
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	unique := make([]string, 0, len(values))
	for _, value := range values {
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		unique = append(unique, value)
	}
	return unique
}
