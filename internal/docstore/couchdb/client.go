// Package couchdb implements docstore.Backend against a CouchDB server.
package couchdb

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/compliance-store/internal/docstore"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var (
	errMissingBaseURL = errors.New("couchdb: base url is required")
	jsonAPI           = jsoniter.ConfigCompatibleWithStandardLibrary
)

const (
	contentTypeJSON        = "application/json"
	defaultConnectTimeout  = 10 * time.Second
	defaultResponseTimeout = 30 * time.Second
)

// Config describes how to reach the server.
type Config struct {
	BaseURL  string
	Username string
	Password string
	// ConnectTimeout bounds dialing and the TLS handshake.
	ConnectTimeout time.Duration
	// ResponseTimeout bounds the wait for response headers. Bodies are not
	// bounded so attachment streams last as long as the request context.
	ResponseTimeout time.Duration
	HTTPClient      *http.Client
	Logger          *zap.Logger
}

// Client talks to one CouchDB server. It is safe for concurrent use.
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	logger     *zap.Logger
}

var _ docstore.Backend = (*Client)(nil)

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, err
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = newHTTPClient(cfg.ConnectTimeout, cfg.ResponseTimeout)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		username:   cfg.Username,
		password:   cfg.Password,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

func newHTTPClient(connectTimeout, responseTimeout time.Duration) *http.Client {
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	if responseTimeout <= 0 {
		responseTimeout = defaultResponseTimeout
	}
	return &http.Client{Transport: &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: responseTimeout,
		MaxIdleConnsPerHost:   16,
	}}
}

// couchError is the error body CouchDB answers with.
type couchError struct {
	Kind   string `json:"error"`
	Reason string `json:"reason"`
}

// writeResult is the answer to a single document write.
type writeResult struct {
	OK  bool   `json:"ok"`
	ID  string `json:"id"`
	Rev string `json:"rev"`
}

// do sends a request and turns error statuses into *docstore.StoreError. The
// caller owns the returned body.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body io.Reader, contentType string) (*http.Response, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	request, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, docstore.NewStoreError(op, err)
	}
	request.Header.Set("Accept", contentTypeJSON)
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	if c.username != "" {
		request.SetBasicAuth(c.username, c.password)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil, &docstore.StoreError{Op: op, Kind: "timeout", Err: docstore.ErrTimeout}
		}
		return nil, docstore.NewStoreError(op, err)
	}
	if response.StatusCode < http.StatusBadRequest {
		return response, nil
	}

	defer response.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(response.Body, 1<<16))
	var failure couchError
	_ = jsonAPI.Unmarshal(payload, &failure)
	kind := failure.Kind
	if kind == "" {
		kind = kindForStatus(response.StatusCode)
	}
	storeErr := &docstore.StoreError{
		Op:     op,
		Status: response.StatusCode,
		Kind:   kind,
		Reason: failure.Reason,
		Err:    docstore.ErrorForKind(kind),
	}
	if storeErr.Err == nil {
		storeErr.Err = docstore.ErrStore
	}
	c.logger.Debug("couchdb request failed",
		zap.String("operation", op),
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", response.StatusCode),
		zap.String("reason", kind))
	return nil, storeErr
}

// doJSON sends an optional JSON body and decodes the JSON answer into target.
func (c *Client) doJSON(ctx context.Context, op, method, path string, query url.Values, payload any, target any) error {
	var body io.Reader
	contentType := ""
	if payload != nil {
		encoded, err := jsonAPI.Marshal(payload)
		if err != nil {
			return docstore.NewStoreError(op, err)
		}
		body = bytes.NewReader(encoded)
		contentType = contentTypeJSON
	}
	response, err := c.do(ctx, op, method, path, query, body, contentType)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if target == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := jsonAPI.NewDecoder(response.Body).Decode(target); err != nil {
		return docstore.NewStoreError(op, err)
	}
	return nil
}

func kindForStatus(status int) string {
	switch status {
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusPreconditionFailed:
		return "file_exists"
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	default:
		return ""
	}
}

func databasePath(database string) string {
	return "/" + url.PathEscape(database)
}

func documentPath(database, id string) string {
	for _, prefix := range []string{"_design/", "_local/"} {
		if strings.HasPrefix(id, prefix) {
			return databasePath(database) + "/" + prefix + url.PathEscape(strings.TrimPrefix(id, prefix))
		}
	}
	return databasePath(database) + "/" + url.PathEscape(id)
}
