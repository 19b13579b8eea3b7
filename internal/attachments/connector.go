package attachments

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/MarcoPoloResearchLab/compliance-store/internal/docstore"
)

const (
	opReadStream      = "attachments.read_stream"
	opReadStreamFor   = "attachments.read_stream_for"
	opMaterialize     = "attachments.materialize_remote"
	opWriteStream     = "attachments.write_stream"
	opWritePart       = "attachments.write_part"
	opCreateContent   = "attachments.create_content"
	opCreateRemote    = "attachments.create_remote_content"
	opDeleteContents  = "attachments.delete_contents"
	fieldContentID    = "content_id"
	fieldPartName     = "part_name"
	fieldRemoteURL    = "remote_url"
	reasonPermission  = "permission_denied"
	reasonPersistence = "persist_failed"
)

var (
	errMissingContents = errors.New("attachments: content repository is required")
	errInvalidPart     = fmt.Errorf("%w: invalid part index", docstore.ErrInvalidDocument)
	errInvalidRemote   = fmt.Errorf("%w: remote url must be absolute http or https", docstore.ErrInvalidDocument)
	errMissingFilename = fmt.Errorf("%w: filename is required", docstore.ErrInvalidDocument)
)

// ConnectorConfig describes the dependencies of a StreamConnector.
type ConnectorConfig struct {
	Contents    *ContentRepository
	Permissions PermissionChecker
	Fetcher     RemoteFetcher
	// OnPersistFailure is told about remote payloads that were served but
	// could not be stored. The content stays remote-only.
	OnPersistFailure func(contentID string, err error)
	Logger           *zap.Logger
}

// StreamConnector reads and writes attachment payloads of Content documents.
// It is safe for concurrent use.
type StreamConnector struct {
	contents    *ContentRepository
	backend     docstore.Backend
	database    string
	permissions PermissionChecker
	fetcher     RemoteFetcher
	downloads   singleflight.Group
	onPersist   func(contentID string, err error)
	logger      *zap.Logger
}

// NewStreamConnector validates cfg and returns a connector. Permissions
// default to VisibilityPolicy and remote downloads to an HTTPFetcher.
func NewStreamConnector(cfg ConnectorConfig) (*StreamConnector, error) {
	if cfg.Contents == nil {
		return nil, errMissingContents
	}
	permissions := cfg.Permissions
	if permissions == nil {
		permissions = VisibilityPolicy{}
	}
	fetcher := cfg.Fetcher
	if fetcher == nil {
		fetcher = NewHTTPFetcher(HTTPFetcherConfig{})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamConnector{
		contents:    cfg.Contents,
		backend:     cfg.Contents.Connection().Backend(),
		database:    cfg.Contents.Database(),
		permissions: permissions,
		fetcher:     fetcher,
		onPersist:   cfg.OnPersistFailure,
		logger:      logger,
	}, nil
}

// ReadStream opens the payload of contentID without a permission check.
// Remote-only content is downloaded and stored before it is served.
func (c *StreamConnector) ReadStream(ctx context.Context, contentID string) (io.ReadCloser, error) {
	content, err := c.contents.GetStrict(ctx, contentID)
	if err != nil {
		return nil, err
	}
	return c.open(ctx, content)
}

// ReadStreamFor opens the payload of contentID on behalf of identity within
// the ownership context owner.
func (c *StreamConnector) ReadStreamFor(ctx context.Context, identity Identity, contentID string, owner *Ownership) (io.ReadCloser, error) {
	content, err := c.contents.GetStrict(ctx, contentID)
	if err != nil {
		return nil, err
	}
	if err := c.authorize(ctx, opReadStreamFor, identity, content, owner); err != nil {
		return nil, err
	}
	return c.open(ctx, content)
}

// Chunks yields the payload of contentID as a finite sequence of chunks. The
// sequence opens the stream when iterated and closes it when iteration stops.
func (c *StreamConnector) Chunks(ctx context.Context, contentID string) iter.Seq2[[]byte, error] {
	return chunks(func() (io.ReadCloser, error) {
		return c.ReadStream(ctx, contentID)
	})
}

func (c *StreamConnector) authorize(ctx context.Context, operation string, identity Identity, content *Content, owner *Ownership) error {
	if c.permissions.CanDownload(ctx, identity, content, owner) {
		return nil
	}
	c.logger.Warn("attachment download denied",
		zap.String("operation", operation),
		zap.String("reason", reasonPermission),
		zap.String(fieldContentID, content.ID),
		zap.String("user_id", identity.UserID))
	return fmt.Errorf("%w: content %s", docstore.ErrPermissionDenied, content.ID)
}

func (c *StreamConnector) open(ctx context.Context, content *Content) (io.ReadCloser, error) {
	if content.OnlyRemote {
		data, err := c.materialize(ctx, content)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	if content.IsChunked() {
		return newPartReader(ctx, c.backend, c.database, content.ID, content.PartNames()), nil
	}
	stream, err := c.backend.GetAttachment(ctx, c.database, content.ID, content.Filename)
	if err != nil {
		c.logError(opReadStream, err, zap.String(fieldContentID, content.ID))
		return nil, err
	}
	return stream, nil
}

// materialize downloads remote-only content once per id, however many callers
// ask concurrently, and stores it as the local payload.
func (c *StreamConnector) materialize(ctx context.Context, content *Content) ([]byte, error) {
	results := c.downloads.DoChan(content.ID, func() (any, error) {
		return c.download(context.WithoutCancel(ctx), content)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-results:
		if result.Err != nil {
			return nil, result.Err
		}
		return result.Val.([]byte), nil
	}
}

func (c *StreamConnector) download(ctx context.Context, content *Content) ([]byte, error) {
	payload, err := c.fetcher.Fetch(ctx, content.RemoteURL)
	if err != nil {
		c.logError(opMaterialize, err,
			zap.String(fieldContentID, content.ID),
			zap.String(fieldRemoteURL, content.RemoteURL))
		return nil, err
	}
	if err := c.persistRemote(ctx, content.ID, payload); err != nil {
		c.logger.Warn("remote payload served without being stored",
			zap.String("operation", opMaterialize),
			zap.String("reason", reasonPersistence),
			zap.String(fieldContentID, content.ID),
			zap.Error(err))
		if c.onPersist != nil {
			c.onPersist(content.ID, err)
		}
	}
	return payload.Data, nil
}

func (c *StreamConnector) persistRemote(ctx context.Context, contentID string, payload RemotePayload) error {
	current, err := c.contents.GetStrict(ctx, contentID)
	if err != nil {
		return err
	}
	if !current.OnlyRemote {
		return nil
	}
	contentType := current.ContentType
	if contentType == "" {
		contentType = payload.ContentType
	}
	if _, err := c.backend.PutAttachment(ctx, c.database, contentID, current.Rev, current.Filename, contentType, bytes.NewReader(payload.Data)); err != nil {
		return err
	}

	stored, err := c.contents.GetStrict(ctx, contentID)
	if err != nil {
		return err
	}
	stored.OnlyRemote = false
	stored.ContentType = contentType
	return c.contents.Update(ctx, stored)
}

// WriteStream stores payload as the attachment name of contentID at its
// current revision and returns the new revision.
func (c *StreamConnector) WriteStream(ctx context.Context, contentID, name, contentType string, payload io.Reader) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("%w: empty attachment name", docstore.ErrInvalidDocument)
	}
	rev, err := c.backend.Revision(ctx, c.database, contentID)
	if err != nil {
		c.logError(opWriteStream, err, zap.String(fieldContentID, contentID))
		return "", err
	}
	if contentType == "" {
		contentType = defaultContentType
	}
	newRev, err := c.backend.PutAttachment(ctx, c.database, contentID, rev, name, contentType, payload)
	if err != nil {
		c.logError(opWriteStream, err,
			zap.String(fieldContentID, contentID),
			zap.String(fieldPartName, name))
		return "", err
	}
	return newRev, nil
}

// WritePart stores payload as the 1-based part index of contentID.
func (c *StreamConnector) WritePart(ctx context.Context, contentID string, index int, payload io.Reader) (string, error) {
	content, err := c.contents.GetStrict(ctx, contentID)
	if err != nil {
		return "", err
	}
	if index < 1 || (content.IsChunked() && index > *content.PartsCount) {
		return "", fmt.Errorf("%w: %d for %s", errInvalidPart, index, contentID)
	}
	name := PartName(content.Filename, index)
	rev, err := c.WriteStream(ctx, contentID, name, content.mediaType(), payload)
	if err != nil {
		c.logError(opWritePart, err, zap.String(fieldContentID, contentID), zap.Int("part_index", index))
		return "", err
	}
	return rev, nil
}

// CreateContent adds content and, when payload is not nil, stores it as the
// single part named after the filename. content is refreshed with the stored
// revision and attachment stubs.
func (c *StreamConnector) CreateContent(ctx context.Context, content *Content, payload io.Reader) error {
	if content == nil || strings.TrimSpace(content.Filename) == "" {
		return errMissingFilename
	}
	if err := c.contents.Add(ctx, content); err != nil {
		return err
	}
	if payload == nil {
		return nil
	}
	if _, err := c.backend.PutAttachment(ctx, c.database, content.ID, content.Rev, content.Filename, content.mediaType(), payload); err != nil {
		c.logError(opCreateContent, err, zap.String(fieldContentID, content.ID))
		return err
	}
	stored, err := c.contents.GetStrict(ctx, content.ID)
	if err != nil {
		return err
	}
	*content = *stored
	return nil
}

// CreateRemoteContent registers content whose payload is downloaded from
// remoteURL on first read.
func (c *StreamConnector) CreateRemoteContent(ctx context.Context, filename, contentType, remoteURL string) (*Content, error) {
	if strings.TrimSpace(filename) == "" {
		return nil, errMissingFilename
	}
	parsed, err := url.Parse(remoteURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		c.logger.Warn("remote content rejected",
			zap.String("operation", opCreateRemote),
			zap.String("reason", "invalid_url"),
			zap.String(fieldRemoteURL, remoteURL))
		return nil, fmt.Errorf("%w: %q", errInvalidRemote, remoteURL)
	}
	content := &Content{
		Filename:    filename,
		ContentType: contentType,
		OnlyRemote:  true,
		RemoteURL:   remoteURL,
	}
	if err := c.contents.Add(ctx, content); err != nil {
		return nil, err
	}
	return content, nil
}

// DeleteContents removes the content documents ids together with their parts.
// Ids that no longer exist are ignored.
func (c *StreamConnector) DeleteContents(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := c.contents.DeleteBulkByIDs(ctx, ids); err != nil {
		c.logError(opDeleteContents, err, zap.Int("count", len(ids)))
		return err
	}
	return nil
}

// ListRemoteOnly returns the contents still waiting for their download.
func (c *StreamConnector) ListRemoteOnly(ctx context.Context) []*Content {
	return c.contents.ListRemoteOnly(ctx)
}

func (c *StreamConnector) logError(operation string, err error, fields ...zap.Field) {
	all := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reasonOf(err)),
		zap.Error(err),
	}, fields...)
	c.logger.Error("attachment operation failed", all...)
}

func reasonOf(err error) string {
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		return "not_found"
	case errors.Is(err, docstore.ErrConflict):
		return "conflict"
	case errors.Is(err, docstore.ErrTimeout):
		return "timeout"
	case errors.Is(err, docstore.ErrPermissionDenied):
		return reasonPermission
	default:
		return "store_error"
	}
}
