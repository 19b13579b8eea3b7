package couchdb

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/MarcoPoloResearchLab/compliance-store/internal/docstore"
)

const (
	opCreateDatabase = "couchdb.create_database"
	opDeleteDatabase = "couchdb.delete_database"
	opGet            = "couchdb.get"
	opRevision       = "couchdb.revision"
	opGetMany        = "couchdb.get_many"
	opPut            = "couchdb.put"
	opDelete         = "couchdb.delete"
	opBulkDocs       = "couchdb.bulk_docs"
)

// CreateDatabase creates a database; an existing one reports file_exists.
func (c *Client) CreateDatabase(ctx context.Context, name string) error {
	return c.doJSON(ctx, opCreateDatabase, http.MethodPut, databasePath(name), nil, nil, nil)
}

// DeleteDatabase drops a database.
func (c *Client) DeleteDatabase(ctx context.Context, name string) error {
	return c.doJSON(ctx, opDeleteDatabase, http.MethodDelete, databasePath(name), nil, nil, nil)
}

// Get returns the latest revision of a document.
func (c *Client) Get(ctx context.Context, database, id string) ([]byte, error) {
	response, err := c.do(ctx, opGet, http.MethodGet, documentPath(database, id), nil, nil, "")
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, docstore.NewStoreError(opGet, err)
	}
	return body, nil
}

// Revision reads the current revision from the ETag of a HEAD request.
func (c *Client) Revision(ctx context.Context, database, id string) (string, error) {
	response, err := c.do(ctx, opRevision, http.MethodHead, documentPath(database, id), nil, nil, "")
	if err != nil {
		return "", err
	}
	defer response.Body.Close()
	return strings.Trim(response.Header.Get("ETag"), `"`), nil
}

type allDocsRow struct {
	ID    string          `json:"id"`
	Error string          `json:"error"`
	Doc   json.RawMessage `json:"doc"`
}

type allDocsResult struct {
	Rows []allDocsRow `json:"rows"`
}

// GetMany fetches the live documents among ids through _all_docs.
func (c *Client) GetMany(ctx context.Context, database string, ids []string) ([][]byte, error) {
	if len(ids) == 0 {
		return [][]byte{}, nil
	}
	query := url.Values{"include_docs": []string{"true"}}
	var result allDocsResult
	if err := c.doJSON(ctx, opGetMany, http.MethodPost, databasePath(database)+"/_all_docs", query,
		map[string]any{"keys": ids}, &result); err != nil {
		return nil, err
	}
	docs := make([][]byte, 0, len(result.Rows))
	for _, row := range result.Rows {
		if row.Error != "" || len(row.Doc) == 0 || string(row.Doc) == "null" {
			continue
		}
		docs = append(docs, row.Doc)
	}
	return docs, nil
}

// Put writes a document; body carries _rev for updates.
func (c *Client) Put(ctx context.Context, database, id string, body []byte) (string, error) {
	response, err := c.do(ctx, opPut, http.MethodPut, documentPath(database, id), nil, bytes.NewReader(body), contentTypeJSON)
	if err != nil {
		return "", err
	}
	return decodeWrite(opPut, response)
}

// Delete writes a tombstone over revision rev.
func (c *Client) Delete(ctx context.Context, database, id, rev string) (string, error) {
	query := url.Values{"rev": []string{rev}}
	response, err := c.do(ctx, opDelete, http.MethodDelete, documentPath(database, id), query, nil, "")
	if err != nil {
		return "", err
	}
	return decodeWrite(opDelete, response)
}

// BulkDocs posts every entry to _bulk_docs with per-document semantics.
func (c *Client) BulkDocs(ctx context.Context, database string, entries []docstore.BulkDoc) ([]docstore.BulkResult, error) {
	docs := make([]json.RawMessage, 0, len(entries))
	for _, entry := range entries {
		if entry.Deleted {
			tombstone, err := jsonAPI.Marshal(map[string]any{"_id": entry.ID, "_rev": entry.Rev, "_deleted": true})
			if err != nil {
				return nil, docstore.NewStoreError(opBulkDocs, err)
			}
			docs = append(docs, tombstone)
			continue
		}
		docs = append(docs, entry.Body)
	}
	var results []docstore.BulkResult
	if err := c.doJSON(ctx, opBulkDocs, http.MethodPost, databasePath(database)+"/_bulk_docs", nil,
		map[string]any{"docs": docs}, &results); err != nil {
		return nil, err
	}
	return results, nil
}

func decodeWrite(op string, response *http.Response) (string, error) {
	defer response.Body.Close()
	var result writeResult
	if err := jsonAPI.NewDecoder(response.Body).Decode(&result); err != nil {
		return "", docstore.NewStoreError(op, err)
	}
	return result.Rev, nil
}
