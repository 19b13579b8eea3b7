package attachments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"

	"github.com/MarcoPoloResearchLab/compliance-store/internal/docstore"
)

const (
	opReadBundle        = "attachments.read_bundle"
	fallbackEntryName   = "attachment"
	reasonEntrySkipped  = "entry_unreadable"
	reasonBundleAborted = "bundle_aborted"
)

var errBundleClosed = errors.New("attachments: bundle reader closed")

// ReadBundle streams the payloads of contents as a zip archive. Contents the
// identity may not download, or whose payload cannot be opened, are left out
// with a warning. Entries keep their filename; repeated names become
// "name (n).ext" in the order they are met. Closing the returned reader stops
// the producer.
//
// When every content is denied, ReadBundle returns ErrPermissionDenied rather
// than an empty archive. A read failure after an entry's first bytes were
// written aborts the whole archive with that error, since a partial zip entry
// cannot be withdrawn.
func (c *StreamConnector) ReadBundle(ctx context.Context, contents []*Content, identity Identity, owner *Ownership) (io.ReadCloser, error) {
	allowed := make([]*Content, 0, len(contents))
	for _, content := range contents {
		if content == nil {
			continue
		}
		if err := c.authorize(ctx, opReadBundle, identity, content, owner); err != nil {
			continue
		}
		allowed = append(allowed, content)
	}
	if len(contents) > 0 && len(allowed) == 0 {
		return nil, fmt.Errorf("%w: no content of the bundle may be downloaded", docstore.ErrPermissionDenied)
	}

	ctx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(ctx)
	reader, writer := io.Pipe()
	group.Go(func() error {
		err := c.writeBundle(groupCtx, writer, allowed)
		writer.CloseWithError(err)
		return err
	})
	return &bundleReader{reader: reader, cancel: cancel, group: group}, nil
}

func (c *StreamConnector) writeBundle(ctx context.Context, destination io.Writer, contents []*Content) error {
	sink := &trackingWriter{writer: destination}
	archive := zip.NewWriter(sink)
	names := newBundleNamer()
	modified := time.Now().UTC()

	for _, content := range contents {
		if err := ctx.Err(); err != nil {
			return err
		}
		stream, err := c.open(ctx, content)
		if err != nil {
			c.logger.Warn("bundle entry skipped",
				zap.String("operation", opReadBundle),
				zap.String("reason", reasonEntrySkipped),
				zap.String(fieldContentID, content.ID),
				zap.Error(err))
			continue
		}
		if err := c.writeEntry(archive, sink, names.next(content.Filename), modified, stream); err != nil {
			c.logger.Warn("bundle aborted",
				zap.String("operation", opReadBundle),
				zap.String("reason", reasonBundleAborted),
				zap.String(fieldContentID, content.ID),
				zap.Error(err))
			return err
		}
	}
	return archive.Close()
}

func (c *StreamConnector) writeEntry(archive *zip.Writer, sink *trackingWriter, name string, modified time.Time, stream io.ReadCloser) error {
	defer stream.Close()
	entry, err := archive.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: modified,
	})
	if err != nil {
		return err
	}
	if _, err := io.Copy(entry, stream); err != nil {
		if sink.err != nil {
			return sink.err
		}
		return fmt.Errorf("attachments: read %s: %w", name, err)
	}
	return nil
}

// trackingWriter remembers the first write failure, which tells a consumer
// that went away apart from a payload that failed mid-read.
type trackingWriter struct {
	writer io.Writer
	err    error
}

func (w *trackingWriter) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	n, err := w.writer.Write(p)
	if err != nil {
		w.err = err
	}
	return n, err
}

type bundleReader struct {
	reader *io.PipeReader
	cancel context.CancelFunc
	group  *errgroup.Group
}

func (r *bundleReader) Read(p []byte) (int, error) {
	return r.reader.Read(p)
}

// Close stops the producer and waits for it to release its streams.
func (r *bundleReader) Close() error {
	r.cancel()
	r.reader.CloseWithError(errBundleClosed)
	err := r.group.Wait()
	if err == nil || errors.Is(err, errBundleClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// bundleNamer hands out unique archive entry names.
type bundleNamer struct {
	used map[string]struct{}
}

func newBundleNamer() *bundleNamer {
	return &bundleNamer{used: make(map[string]struct{})}
}

func (n *bundleNamer) next(filename string) string {
	name := sanitizeEntryName(filename)
	if _, taken := n.used[name]; !taken {
		n.used[name] = struct{}{}
		return name
	}
	base, ext := splitExtension(name)
	for counter := 1; ; counter++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, counter, ext)
		if _, taken := n.used[candidate]; !taken {
			n.used[candidate] = struct{}{}
			return candidate
		}
	}
}

func sanitizeEntryName(filename string) string {
	name := strings.NewReplacer("/", "_", "\\", "_").Replace(filename)
	name = strings.TrimSpace(norm.NFC.String(name))
	if name == "" || name == "." || name == ".." {
		return fallbackEntryName
	}
	return name
}

// splitExtension treats a leading dot as part of the base name, so ".env"
// has no extension.
func splitExtension(name string) (string, string) {
	ext := path.Ext(name)
	if ext == name {
		return name, ""
	}
	return strings.TrimSuffix(name, ext), ext
}
