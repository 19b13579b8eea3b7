package docstore_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/compliance-store/internal/docstore"
	"github.com/MarcoPoloResearchLab/compliance-store/internal/docstore/sqlstore"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

const testDatabase = "components"

type component struct {
	docstore.Document
	Name   string   `json:"name"`
	Vendor string   `json:"vendor,omitempty"`
	Tags   []string `json:"tags,omitempty"`
}

type release struct {
	docstore.Document
	Name string `json:"name"`
}

var componentViews = []docstore.ViewDefinition{
	{Name: "byName", KeyFields: []string{"name"}},
	{Name: "byTag", KeyFields: []string{"tags"}, EmitEach: true},
	{Name: "countByVendor", KeyFields: []string{"vendor"}, Reduce: docstore.ReduceCount},
}

func newTestConnection(t *testing.T, logger *zap.Logger) *docstore.Connection {
	t.Helper()

	dsn := fmt.Sprintf("file:repository_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(sqlstore.Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store, err := sqlstore.New(sqlstore.Config{Database: db})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}

	conn, err := docstore.NewConnection(docstore.ConnectionConfig{Backend: store, Logger: logger})
	if err != nil {
		t.Fatalf("failed to construct connection: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := conn.EnsureDatabaseExists(context.Background(), testDatabase); err != nil {
		t.Fatalf("failed to ensure database: %v", err)
	}
	return conn
}

func newComponentRepository(t *testing.T, conn *docstore.Connection) *docstore.Repository[component] {
	t.Helper()
	repository, err := docstore.NewRepository[component](conn, docstore.RepositoryConfig{
		Database: testDatabase,
		TypeName: "component",
		Views:    componentViews,
	})
	if err != nil {
		t.Fatalf("failed to construct repository: %v", err)
	}
	if err := repository.EnsureViews(context.Background()); err != nil {
		t.Fatalf("failed to publish views: %v", err)
	}
	return repository
}

func mustAdd[T any](t *testing.T, repository *docstore.Repository[T], doc *T) *T {
	t.Helper()
	if err := repository.Add(context.Background(), doc); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	return doc
}

func TestNewRepositoryValidatesConfiguration(t *testing.T) {
	conn := newTestConnection(t, nil)

	if _, err := docstore.NewRepository[struct{ Name string }](conn, docstore.RepositoryConfig{Database: testDatabase, TypeName: "x"}); err == nil {
		t.Fatalf("expected entity without Identifiable to be rejected")
	}
	if _, err := docstore.NewRepository[component](conn, docstore.RepositoryConfig{TypeName: "component"}); err == nil {
		t.Fatalf("expected missing database to be rejected")
	}
	if _, err := docstore.NewRepository[component](nil, docstore.RepositoryConfig{Database: testDatabase, TypeName: "component"}); err == nil {
		t.Fatalf("expected missing connection to be rejected")
	}
}

func TestReadYourWrites(t *testing.T) {
	repository := newComponentRepository(t, newTestConnection(t, nil))

	added := mustAdd(t, repository, &component{Name: "alpha", Vendor: "acme", Tags: []string{"go"}})
	if !regexp.MustCompile(`^[0-9a-f]{32}$`).MatchString(added.ID) {
		t.Fatalf("expected generated dash-less id, got %q", added.ID)
	}
	if added.Rev == "" || added.Type != "component" {
		t.Fatalf("expected revision and type to be written back, got %+v", added.Document)
	}

	loaded, err := repository.Get(context.Background(), added.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if loaded.Name != "alpha" || loaded.Vendor != "acme" || len(loaded.Tags) != 1 || loaded.Rev != added.Rev {
		t.Fatalf("unexpected document %+v", loaded)
	}
}

func TestRevisionDisciplineOnUpdate(t *testing.T) {
	ctx := context.Background()
	repository := newComponentRepository(t, newTestConnection(t, nil))
	original := mustAdd(t, repository, &component{Document: docstore.Document{ID: "c1"}, Name: "alpha"})

	if err := repository.Add(ctx, &component{Document: docstore.Document{ID: "c1"}, Name: "dup"}); !errors.Is(err, docstore.ErrConflict) {
		t.Fatalf("expected conflict for existing id, got %v", err)
	}

	stale := *original
	original.Name = "beta"
	if err := repository.Update(ctx, original); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if original.Rev == stale.Rev {
		t.Fatalf("expected new revision after update")
	}

	stale.Name = "gamma"
	if err := repository.Update(ctx, &stale); !errors.Is(err, docstore.ErrConflict) {
		t.Fatalf("expected conflict for stale revision, got %v", err)
	}
	noRevision := &component{Document: docstore.Document{ID: "c1"}, Name: "delta"}
	if err := repository.Update(ctx, noRevision); !errors.Is(err, docstore.ErrConflict) {
		t.Fatalf("expected conflict for missing revision, got %v", err)
	}

	loaded, err := repository.Get(ctx, "c1")
	if err != nil || loaded.Name != "beta" {
		t.Fatalf("expected stored document untouched by rejected writes, got %+v (%v)", loaded, err)
	}
}

func TestTypeGuard(t *testing.T) {
	ctx := context.Background()
	conn := newTestConnection(t, nil)
	components := newComponentRepository(t, conn)
	releases, err := docstore.NewRepository[release](conn, docstore.RepositoryConfig{Database: testDatabase, TypeName: "release"})
	if err != nil {
		t.Fatalf("failed to construct release repository: %v", err)
	}
	mustAdd(t, releases, &release{Document: docstore.Document{ID: "shared"}, Name: "r1"})

	if _, err := components.Get(ctx, "shared"); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound across types, got %v", err)
	}
	if docs := components.GetByIDs(ctx, []string{"shared"}); len(docs) != 0 {
		t.Fatalf("expected foreign type dropped from bulk get, got %d", len(docs))
	}

	legacy, err := docstore.NewRepository[release](conn, docstore.RepositoryConfig{Database: testDatabase, TypeName: "obligation"})
	if err != nil {
		t.Fatalf("failed to construct legacy repository: %v", err)
	}
	loaded, err := legacy.Get(ctx, "shared")
	if err != nil || loaded.Name != "r1" {
		t.Fatalf("expected legacy type to bypass the guard, got %+v (%v)", loaded, err)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repository := newComponentRepository(t, newTestConnection(t, nil))
	doc := mustAdd(t, repository, &component{Name: "alpha"})

	if err := repository.Remove(ctx, doc); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if err := repository.Remove(ctx, doc); err != nil {
		t.Fatalf("second remove must succeed, got %v", err)
	}
	if err := repository.RemoveByID(ctx, "never-existed"); err != nil {
		t.Fatalf("remove by missing id must succeed, got %v", err)
	}

	other := mustAdd(t, repository, &component{Name: "beta"})
	if err := repository.RemoveByID(ctx, other.ID); err != nil {
		t.Fatalf("remove by id failed: %v", err)
	}
	if count := repository.GetDocumentCount(ctx); count != 0 {
		t.Fatalf("expected empty repository, got %d", count)
	}
}

func TestExecuteBulkReportsPartialFailure(t *testing.T) {
	ctx := context.Background()
	repository := newComponentRepository(t, newTestConnection(t, nil))
	existing := mustAdd(t, repository, &component{Document: docstore.Document{ID: "c1"}, Name: "alpha"})
	stale := &component{Document: docstore.Document{ID: existing.ID, Rev: "1-0000"}, Name: "stale"}
	fresh := &component{Name: "beta"}
	named := &component{Document: docstore.Document{ID: "c3"}, Name: "gamma"}

	results, err := repository.ExecuteBulk(ctx, []*component{fresh, stale, named})
	if !errors.Is(err, docstore.ErrPartialBulk) {
		t.Fatalf("expected partial bulk failure, got %v", err)
	}
	var partial *docstore.PartialBulkFailure
	if !errors.As(err, &partial) || partial.Total != 3 || len(partial.Failures) != 1 || partial.Failures[0].Index != 1 {
		t.Fatalf("unexpected failure detail %+v", partial)
	}
	if len(results) != 3 || !results[0].OK() || results[1].OK() || !results[2].OK() {
		t.Fatalf("unexpected results %+v", results)
	}
	if fresh.ID == "" || fresh.Rev == "" || named.Rev == "" {
		t.Fatalf("expected written documents to receive identity: %+v %+v", fresh.Document, named.Document)
	}
	if stale.Rev != "1-0000" {
		t.Fatalf("failed document must keep its revision, got %q", stale.Rev)
	}
	if count := repository.GetDocumentCount(ctx); count != 3 {
		t.Fatalf("expected three stored components, got %d", count)
	}

	deleted, err := repository.DeleteBulkByIDs(ctx, []string{fresh.ID, named.ID, "missing"})
	if err != nil || len(deleted) != 2 {
		t.Fatalf("unexpected bulk deletion %+v (%v)", deleted, err)
	}
	if count := repository.GetDocumentCount(ctx); count != 1 {
		t.Fatalf("expected one remaining component, got %d", count)
	}
}

func TestViewQueries(t *testing.T) {
	ctx := context.Background()
	repository := newComponentRepository(t, newTestConnection(t, nil))
	mustAdd(t, repository, &component{Document: docstore.Document{ID: "c1"}, Name: "alpha", Vendor: "acme", Tags: []string{"db", "go"}})
	mustAdd(t, repository, &component{Document: docstore.Document{ID: "c2"}, Name: "alphabet", Vendor: "acme", Tags: []string{"go", "go"}})
	mustAdd(t, repository, &component{Document: docstore.Document{ID: "c3"}, Name: "beta", Vendor: "globex"})

	if docs := repository.GetAll(ctx); len(docs) != 3 {
		t.Fatalf("expected three documents, got %d", len(docs))
	}
	if docs := repository.QueryByPrefix(ctx, "byName", "alpha"); len(docs) != 2 {
		t.Fatalf("expected two prefix matches, got %d", len(docs))
	}
	if ids := repository.QueryIDsByPrefix(ctx, "byName", "alphab"); len(ids) != 1 || ids[0] != "c2" {
		t.Fatalf("unexpected prefix ids %v", ids)
	}
	if docs := repository.QueryByKey(ctx, "byTag", "go"); len(docs) != 3 {
		t.Fatalf("expected one row per emitted tag, got %d", len(docs))
	}
	if docs := repository.QueryByKeys(ctx, "byTag", []any{"go", "db"}); len(docs) != 2 {
		t.Fatalf("expected distinct documents for key set, got %d", len(docs))
	}
	if docs := repository.QueryRange(ctx, "byName", "alphabet", "beta"); len(docs) != 2 {
		t.Fatalf("expected inclusive range, got %d", len(docs))
	}
	if count := repository.CountByKey(ctx, "countByVendor", "acme"); count != 2 {
		t.Fatalf("expected two acme components, got %d", count)
	}
	if count := repository.CountByKey(ctx, "byName", "alpha"); count != 0 {
		t.Fatalf("expected zero for a view without reduce, got %d", count)
	}
	if docs := repository.QueryView(ctx, "unknown", docstore.ViewQuery{}); len(docs) != 0 {
		t.Fatalf("expected unknown view to degrade to empty")
	}
	if _, err := repository.QueryViewStrict(ctx, "unknown", docstore.ViewQuery{}); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from strict query, got %v", err)
	}
}

func TestQueryPage(t *testing.T) {
	ctx := context.Background()
	repository := newComponentRepository(t, newTestConnection(t, nil))
	for index, name := range []string{"alpha", "beta", "gamma", "delta"} {
		vendor := "acme"
		if index == 3 {
			vendor = ""
		}
		mustAdd(t, repository, &component{Name: name, Vendor: vendor})
	}

	page := repository.QueryPage(ctx, "byName", docstore.PageRequest{RowsPerPage: 2, DisplayStart: 1, Ascending: false}, docstore.ViewQuery{})
	if page.TotalRowCount != 4 || len(page.Items) != 2 {
		t.Fatalf("unexpected page %+v", page)
	}
	if page.Items[0].Name != "delta" || page.Items[1].Name != "beta" {
		t.Fatalf("unexpected descending order %s, %s", page.Items[0].Name, page.Items[1].Name)
	}

	unlimited := repository.QueryPage(ctx, "byName", docstore.PageRequest{RowsPerPage: docstore.UnlimitedRows, Ascending: true}, docstore.ViewQuery{})
	if len(unlimited.Items) != 4 || unlimited.Items[0].Name != "alpha" {
		t.Fatalf("unexpected unlimited page %+v", unlimited.Items)
	}

	reduced := repository.QueryPage(ctx, "countByVendor", docstore.PageRequest{RowsPerPage: 1, Ascending: true}, docstore.ViewQuery{})
	if reduced.TotalRowCount != 3 || len(reduced.Items) != 1 {
		t.Fatalf("expected reduce total of three, got %+v", reduced)
	}
}

func TestReadConveniencesDegradeWhileWritesSurface(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.WarnLevel)
	conn, err := docstore.NewConnection(docstore.ConnectionConfig{Backend: unreachableBackend{}, Logger: zap.New(core)})
	if err != nil {
		t.Fatalf("failed to construct connection: %v", err)
	}
	repository, err := docstore.NewRepository[component](conn, docstore.RepositoryConfig{Database: testDatabase, TypeName: "component"})
	if err != nil {
		t.Fatalf("failed to construct repository: %v", err)
	}

	if _, err := repository.Get(ctx, "c1"); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("expected Get to degrade to ErrNotFound, got %v", err)
	}
	if _, err := repository.GetStrict(ctx, "c1"); !errors.Is(err, docstore.ErrStore) {
		t.Fatalf("expected GetStrict to surface ErrStore, got %v", err)
	}
	if docs := repository.GetAll(ctx); docs == nil || len(docs) != 0 {
		t.Fatalf("expected empty slice, got %v", docs)
	}
	if count := repository.GetDocumentCount(ctx); count != 0 {
		t.Fatalf("expected zero count, got %d", count)
	}
	added := &component{Name: "alpha"}
	if err := repository.Add(ctx, added); !errors.Is(err, docstore.ErrStore) {
		t.Fatalf("expected Add to surface ErrStore, got %v", err)
	}
	if added.ID != "" || added.Rev != "" {
		t.Fatalf("failed Add must leave the document identity untouched, got %+v", added.Document)
	}
	kept := &component{Document: docstore.Document{ID: "c9", Rev: "2-abc"}, Name: "kept"}
	fresh := &component{Name: "fresh"}
	if _, err := repository.ExecuteBulk(ctx, []*component{fresh, kept}); !errors.Is(err, docstore.ErrStore) {
		t.Fatalf("expected bulk to surface ErrStore, got %v", err)
	}
	if fresh.ID != "" || kept.ID != "c9" || kept.Rev != "2-abc" {
		t.Fatalf("failed bulk must restore identities, got %+v %+v", fresh.Document, kept.Document)
	}
	if results, err := repository.DeleteBulkByIDs(ctx, []string{"c1", "c2"}); !errors.Is(err, docstore.ErrStore) || results != nil {
		t.Fatalf("expected bulk delete to surface ErrStore, got %v (%v)", results, err)
	}
	if logs.Len() == 0 {
		t.Fatalf("expected degraded reads to be logged")
	}
}

func TestConnectionDatabaseLifecycle(t *testing.T) {
	ctx := context.Background()
	conn := newTestConnection(t, nil)

	if err := conn.EnsureDatabaseExists(ctx, testDatabase); err != nil {
		t.Fatalf("second ensure must succeed, got %v", err)
	}
	if err := conn.DeleteDatabase(ctx, testDatabase); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := conn.DeleteDatabase(ctx, testDatabase); err != nil {
		t.Fatalf("deleting an absent database must succeed, got %v", err)
	}
	if _, err := docstore.NewConnection(docstore.ConnectionConfig{}); err == nil {
		t.Fatalf("expected missing backend to be rejected")
	}
}

var errUnreachable = errors.New("dial tcp: connection refused")

type unreachableBackend struct{}

func (unreachableBackend) fail(op string) error {
	return docstore.NewStoreError(op, errUnreachable)
}

func (b unreachableBackend) CreateDatabase(context.Context, string) error {
	return b.fail("create_database")
}

func (b unreachableBackend) DeleteDatabase(context.Context, string) error {
	return b.fail("delete_database")
}

func (b unreachableBackend) Get(context.Context, string, string) ([]byte, error) {
	return nil, b.fail("get")
}

func (b unreachableBackend) Revision(context.Context, string, string) (string, error) {
	return "", b.fail("revision")
}

func (b unreachableBackend) GetMany(context.Context, string, []string) ([][]byte, error) {
	return nil, b.fail("get_many")
}

func (b unreachableBackend) Put(context.Context, string, string, []byte) (string, error) {
	return "", b.fail("put")
}

func (b unreachableBackend) Delete(context.Context, string, string, string) (string, error) {
	return "", b.fail("delete")
}

func (b unreachableBackend) BulkDocs(context.Context, string, []docstore.BulkDoc) ([]docstore.BulkResult, error) {
	return nil, b.fail("bulk_docs")
}

func (b unreachableBackend) PutDesign(context.Context, string, docstore.DesignDocument) error {
	return b.fail("put_design")
}

func (b unreachableBackend) QueryView(context.Context, string, string, string, docstore.ViewQuery) (docstore.ViewResult, error) {
	return docstore.ViewResult{}, b.fail("query_view")
}

func (b unreachableBackend) GetAttachment(context.Context, string, string, string) (io.ReadCloser, error) {
	return nil, b.fail("get_attachment")
}

func (b unreachableBackend) PutAttachment(context.Context, string, string, string, string, string, io.Reader) (string, error) {
	return "", b.fail("put_attachment")
}
