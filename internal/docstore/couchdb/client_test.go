package couchdb

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/compliance-store/internal/docstore"
)

type recordedRequest struct {
	method string
	path   string
	query  string
	body   string
	user   string
}

type fakeCouch struct {
	mu       sync.Mutex
	requests []recordedRequest
	routes   map[string]func(http.ResponseWriter, *http.Request)
}

func newFakeCouch(t *testing.T, routes map[string]func(http.ResponseWriter, *http.Request)) (*fakeCouch, *Client) {
	t.Helper()
	fake := &fakeCouch{routes: routes}
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		body, _ := io.ReadAll(request.Body)
		user, _, _ := request.BasicAuth()
		fake.mu.Lock()
		fake.requests = append(fake.requests, recordedRequest{
			method: request.Method,
			path:   request.URL.EscapedPath(),
			query:  request.URL.RawQuery,
			body:   string(body),
			user:   user,
		})
		fake.mu.Unlock()
		request.Body = io.NopCloser(bytes.NewReader(body))
		handler, ok := fake.routes[request.Method+" "+request.URL.EscapedPath()]
		if !ok {
			writer.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(writer, `{"error":"not_found","reason":"missing"}`)
			return
		}
		handler(writer, request)
	}))
	t.Cleanup(server.Close)

	client, err := New(Config{BaseURL: server.URL + "/", Username: "admin", Password: "secret"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return fake, client
}

func (f *fakeCouch) last() recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func respond(status int, body string) func(http.ResponseWriter, *http.Request) {
	return func(writer http.ResponseWriter, _ *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		writer.WriteHeader(status)
		_, _ = io.WriteString(writer, body)
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New(Config{BaseURL: "  "}); !errors.Is(err, errMissingBaseURL) {
		t.Fatalf("expected missing base url error, got %v", err)
	}
}

func TestCreateDatabaseMapsExistingDatabase(t *testing.T) {
	fake, client := newFakeCouch(t, map[string]func(http.ResponseWriter, *http.Request){
		"PUT /components": respond(http.StatusPreconditionFailed, `{"error":"file_exists","reason":"The database could not be created, the file already exists."}`),
	})

	err := client.CreateDatabase(context.Background(), "components")
	if !errors.Is(err, docstore.ErrDatabaseExists) {
		t.Fatalf("expected ErrDatabaseExists, got %v", err)
	}
	if errors.Is(err, docstore.ErrStore) {
		t.Fatalf("classified error must not match ErrStore")
	}
	var storeErr *docstore.StoreError
	if !errors.As(err, &storeErr) || storeErr.Status != http.StatusPreconditionFailed {
		t.Fatalf("expected status 412 on store error, got %#v", err)
	}
	if fake.last().user != "admin" {
		t.Fatalf("expected basic auth user, got %q", fake.last().user)
	}
}

func TestPutAndConflict(t *testing.T) {
	calls := 0
	fake, client := newFakeCouch(t, map[string]func(http.ResponseWriter, *http.Request){
		"PUT /components/doc-1": func(writer http.ResponseWriter, request *http.Request) {
			calls++
			if calls == 1 {
				respond(http.StatusCreated, `{"ok":true,"id":"doc-1","rev":"1-abc"}`)(writer, request)
				return
			}
			respond(http.StatusConflict, `{"error":"conflict","reason":"Document update conflict."}`)(writer, request)
		},
	})

	rev, err := client.Put(context.Background(), "components", "doc-1", []byte(`{"_id":"doc-1","type":"component"}`))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if rev != "1-abc" {
		t.Fatalf("unexpected revision %q", rev)
	}
	if fake.last().body != `{"_id":"doc-1","type":"component"}` {
		t.Fatalf("body not forwarded verbatim: %s", fake.last().body)
	}

	_, err = client.Put(context.Background(), "components", "doc-1", []byte(`{"_id":"doc-1","_rev":"0-stale"}`))
	if !errors.Is(err, docstore.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestRevisionReadsETag(t *testing.T) {
	_, client := newFakeCouch(t, map[string]func(http.ResponseWriter, *http.Request){
		"HEAD /components/doc-1": func(writer http.ResponseWriter, _ *http.Request) {
			writer.Header().Set("ETag", `"3-def"`)
			writer.WriteHeader(http.StatusOK)
		},
	})

	rev, err := client.Revision(context.Background(), "components", "doc-1")
	if err != nil {
		t.Fatalf("revision: %v", err)
	}
	if rev != "3-def" {
		t.Fatalf("unexpected revision %q", rev)
	}

	if _, err := client.Revision(context.Background(), "components", "missing"); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing document, got %v", err)
	}
}

func TestGetManySkipsMissingAndDeleted(t *testing.T) {
	fake, client := newFakeCouch(t, map[string]func(http.ResponseWriter, *http.Request){
		"POST /components/_all_docs": respond(http.StatusOK, `{"total_rows":2,"rows":[
			{"id":"a","key":"a","value":{"rev":"1-a"},"doc":{"_id":"a","_rev":"1-a"}},
			{"key":"b","error":"not_found"},
			{"id":"c","key":"c","value":{"rev":"2-c","deleted":true},"doc":null}
		]}`),
	})

	docs, err := client.GetMany(context.Background(), "components", []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("get many: %v", err)
	}
	if len(docs) != 1 || !strings.Contains(string(docs[0]), `"_id":"a"`) {
		t.Fatalf("unexpected documents: %q", docs)
	}
	request := fake.last()
	if request.query != "include_docs=true" || request.body != `{"keys":["a","b","c"]}` {
		t.Fatalf("unexpected request: %+v", request)
	}
}

func TestBulkDocsSendsTombstonesAndParsesResults(t *testing.T) {
	fake, client := newFakeCouch(t, map[string]func(http.ResponseWriter, *http.Request){
		"POST /components/_bulk_docs": respond(http.StatusCreated, `[
			{"ok":true,"id":"a","rev":"1-a"},
			{"id":"b","error":"conflict","reason":"Document update conflict."}
		]`),
	})

	results, err := client.BulkDocs(context.Background(), "components", []docstore.BulkDoc{
		{ID: "a", Body: []byte(`{"_id":"a"}`)},
		{ID: "b", Rev: "1-b", Deleted: true},
	})
	if err != nil {
		t.Fatalf("bulk docs: %v", err)
	}
	if len(results) != 2 || !results[0].OK() || results[0].Rev != "1-a" {
		t.Fatalf("unexpected results: %+v", results)
	}
	if !errors.Is(results[1].Err(), docstore.ErrConflict) {
		t.Fatalf("expected conflict for second entry, got %v", results[1].Err())
	}
	body := fake.last().body
	if !strings.Contains(body, `{"_id":"a"}`) || !strings.Contains(body, `"_deleted":true`) {
		t.Fatalf("unexpected bulk body: %s", body)
	}
}

func TestQueryViewEncodesKeysAsJSON(t *testing.T) {
	fake, client := newFakeCouch(t, map[string]func(http.ResponseWriter, *http.Request){
		"GET /components/_design/component/_view/byName": respond(http.StatusOK, `{"total_rows":4,"offset":1,"rows":[
			{"id":"a","key":"alpha","value":null,"doc":{"_id":"a"}}
		]}`),
	})

	result, err := client.QueryView(context.Background(), "components", "component", "byName", docstore.ViewQuery{
		StartKey:    "al",
		EndKey:      docstore.PrefixEnd("al"),
		Descending:  true,
		Limit:       10,
		Skip:        1,
		IncludeDocs: true,
	})
	if err != nil {
		t.Fatalf("query view: %v", err)
	}
	if result.TotalRows != 4 || len(result.Rows) != 1 || result.Rows[0].ID != "a" {
		t.Fatalf("unexpected result: %+v", result)
	}
	query := fake.last().query
	for _, expected := range []string{"startkey=%22al%22", "endkey=%22al%EF%BF%B0%22", "descending=true", "limit=10", "skip=1", "include_docs=true", "reduce=false"} {
		if !strings.Contains(query, expected) {
			t.Fatalf("query %q lacks %q", query, expected)
		}
	}
}

func TestQueryViewPostsKeySets(t *testing.T) {
	fake, client := newFakeCouch(t, map[string]func(http.ResponseWriter, *http.Request){
		"POST /components/_design/component/_view/byName": respond(http.StatusOK, `{"rows":[]}`),
	})

	result, err := client.QueryView(context.Background(), "components", "component", "byName", docstore.ViewQuery{
		Keys: []any{"a", 2},
	})
	if err != nil {
		t.Fatalf("query view: %v", err)
	}
	if result.Rows == nil {
		t.Fatalf("rows must never be nil")
	}
	if fake.last().body != `{"keys":["a",2]}` {
		t.Fatalf("unexpected body %s", fake.last().body)
	}
}

func TestPutDesignSkipsUnchangedDocument(t *testing.T) {
	design := docstore.DesignDocument{Name: "component", Views: []docstore.ViewDefinition{
		{Name: "byName", TypeName: "component", KeyFields: []string{"name"}, Reduce: docstore.ReduceCount},
	}}
	var stored string
	fake, client := newFakeCouch(t, map[string]func(http.ResponseWriter, *http.Request){
		"GET /components/_design/component": func(writer http.ResponseWriter, request *http.Request) {
			if stored == "" {
				respond(http.StatusNotFound, `{"error":"not_found","reason":"missing"}`)(writer, request)
				return
			}
			respond(http.StatusOK, stored)(writer, request)
		},
		"PUT /components/_design/component": func(writer http.ResponseWriter, request *http.Request) {
			body, _ := io.ReadAll(request.Body)
			stored = strings.Replace(string(body), `"_id":"_design/component"`, `"_id":"_design/component","_rev":"1-x"`, 1)
			respond(http.StatusCreated, `{"ok":true,"id":"_design/component","rev":"1-x"}`)(writer, request)
		},
	})

	if err := client.PutDesign(context.Background(), "components", design); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if !strings.Contains(stored, `"reduce":"_count"`) || !strings.Contains(stored, "emit(heads[j], value)") {
		t.Fatalf("unexpected design document: %s", stored)
	}
	published := len(fake.requests)

	if err := client.PutDesign(context.Background(), "components", design); err != nil {
		t.Fatalf("second publish: %v", err)
	}
	if len(fake.requests) != published+1 || fake.last().method != http.MethodGet {
		t.Fatalf("expected unchanged design to be read only, got %d requests", len(fake.requests)-published)
	}
}

func TestAttachmentRoundTrip(t *testing.T) {
	fake, client := newFakeCouch(t, map[string]func(http.ResponseWriter, *http.Request){
		"PUT /contents/c1/report%20v1.pdf": respond(http.StatusCreated, `{"ok":true,"id":"c1","rev":"2-b"}`),
		"GET /contents/c1/report%20v1.pdf": func(writer http.ResponseWriter, _ *http.Request) {
			writer.Header().Set("Content-Type", "application/pdf")
			_, _ = io.WriteString(writer, "%PDF-1.7")
		},
	})

	rev, err := client.PutAttachment(context.Background(), "contents", "c1", "1-a", "report v1.pdf", "", strings.NewReader("%PDF-1.7"))
	if err != nil {
		t.Fatalf("put attachment: %v", err)
	}
	if rev != "2-b" || fake.last().query != "rev=1-a" {
		t.Fatalf("unexpected revision %q or query %q", rev, fake.last().query)
	}

	reader, err := client.GetAttachment(context.Background(), "contents", "c1", "report v1.pdf")
	if err != nil {
		t.Fatalf("get attachment: %v", err)
	}
	defer reader.Close()
	payload, _ := io.ReadAll(reader)
	if string(payload) != "%PDF-1.7" {
		t.Fatalf("unexpected payload %q", payload)
	}
}

func TestMapFunctionShapes(t *testing.T) {
	testCases := []struct {
		name     string
		view     docstore.ViewDefinition
		expected []string
	}{
		{
			name:     "id view",
			view:     docstore.ViewDefinition{Name: "all", TypeName: "attachment"},
			expected: []string{`doc.type !== "attachment"`, "emit(doc._id, value)"},
		},
		{
			name:     "compound key",
			view:     docstore.ViewDefinition{Name: "byOwner", TypeName: "attachment", KeyFields: []string{"owner.id", "filename"}, ValueField: "size"},
			expected: []string{`field("owner.id")`, `var rest = [field("filename")]`, `var value = field("size")`, "emit([heads[j]].concat(rest), value)"},
		},
		{
			name:     "emit each",
			view:     docstore.ViewDefinition{Name: "byContent", TypeName: "attachmentOwnership", KeyFields: []string{"contentIds"}, EmitEach: true},
			expected: []string{"Array.isArray(head)", "Object.keys(head).sort()"},
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			source := mapFunction(testCase.view)
			for _, fragment := range testCase.expected {
				if !strings.Contains(source, fragment) {
					t.Fatalf("map function lacks %q:\n%s", fragment, source)
				}
			}
		})
	}
}

func TestAttachmentStreamOutlivesResponseTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		flusher := writer.(http.Flusher)
		writer.Header().Set("Content-Type", "application/octet-stream")
		writer.WriteHeader(http.StatusOK)
		flusher.Flush()
		for index := 0; index < 6; index++ {
			time.Sleep(50 * time.Millisecond)
			_, _ = io.WriteString(writer, "x")
			flusher.Flush()
		}
	}))
	t.Cleanup(server.Close)

	client, err := New(Config{BaseURL: server.URL, ResponseTimeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	reader, err := client.GetAttachment(context.Background(), "contents", "c1", "slow.bin")
	if err != nil {
		t.Fatalf("get attachment: %v", err)
	}
	defer reader.Close()
	payload, err := io.ReadAll(reader)
	if err != nil || string(payload) != "xxxxxx" {
		t.Fatalf("expected the whole stream, got %q (%v)", payload, err)
	}
}

func TestSlowResponseHeadersTimeOut(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		select {
		case <-release:
		case <-request.Context().Done():
		}
		writer.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	t.Cleanup(func() { close(release) })

	client, err := New(Config{BaseURL: server.URL, ResponseTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.Get(context.Background(), "components", "doc-1"); !errors.Is(err, docstore.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}
