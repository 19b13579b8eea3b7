package couchdb

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

const (
	opGetAttachment = "couchdb.get_attachment"
	opPutAttachment = "couchdb.put_attachment"

	defaultAttachmentType = "application/octet-stream"
)

// GetAttachment streams an attachment. The caller closes the reader.
func (c *Client) GetAttachment(ctx context.Context, database, id, name string) (io.ReadCloser, error) {
	response, err := c.do(ctx, opGetAttachment, http.MethodGet, attachmentPath(database, id, name), nil, nil, "")
	if err != nil {
		return nil, err
	}
	return response.Body, nil
}

// PutAttachment uploads body under name at revision rev and returns the new
// document revision.
func (c *Client) PutAttachment(ctx context.Context, database, id, rev, name, contentType string, body io.Reader) (string, error) {
	if contentType == "" {
		contentType = defaultAttachmentType
	}
	query := url.Values{"rev": []string{rev}}
	response, err := c.do(ctx, opPutAttachment, http.MethodPut, attachmentPath(database, id, name), query, body, contentType)
	if err != nil {
		return "", err
	}
	return decodeWrite(opPutAttachment, response)
}

func attachmentPath(database, id, name string) string {
	return documentPath(database, id) + "/" + url.PathEscape(name)
}
