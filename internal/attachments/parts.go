package attachments

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"

	"github.com/MarcoPoloResearchLab/compliance-store/internal/docstore"
)

const chunkSize = 64 << 10

// partReader concatenates the parts of a payload. A part is opened only when
// the previous one is exhausted and closed as soon as it is consumed.
type partReader struct {
	ctx      context.Context
	backend  docstore.Backend
	database string
	id       string
	names    []string
	next     int
	current  io.ReadCloser
}

func newPartReader(ctx context.Context, backend docstore.Backend, database, id string, names []string) *partReader {
	return &partReader{ctx: ctx, backend: backend, database: database, id: id, names: names}
}

func (r *partReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if r.current == nil {
			if r.next >= len(r.names) {
				return 0, io.EOF
			}
			name := r.names[r.next]
			part, err := r.backend.GetAttachment(r.ctx, r.database, r.id, name)
			if err != nil {
				r.next = len(r.names)
				return 0, fmt.Errorf("attachments: open part %s of %s: %w", name, r.id, err)
			}
			r.next++
			r.current = part
		}

		n, err := r.current.Read(p)
		switch {
		case err == io.EOF:
			closeErr := r.current.Close()
			r.current = nil
			if closeErr != nil {
				r.next = len(r.names)
				return n, closeErr
			}
			if n > 0 {
				return n, nil
			}
		case err != nil:
			_ = r.current.Close()
			r.current = nil
			r.next = len(r.names)
			return n, err
		default:
			return n, nil
		}
	}
}

// Close releases the part being read and ends the stream.
func (r *partReader) Close() error {
	r.next = len(r.names)
	if r.current == nil {
		return nil
	}
	err := r.current.Close()
	r.current = nil
	return err
}

// chunks adapts a stream into a finite sequence of byte chunks. The stream is
// closed when iteration ends; iterating again re-opens it from the start.
func chunks(open func() (io.ReadCloser, error)) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		stream, err := open()
		if err != nil {
			yield(nil, err)
			return
		}
		defer stream.Close()

		buffer := make([]byte, chunkSize)
		for {
			n, err := stream.Read(buffer)
			if n > 0 {
				if !yield(bytes.Clone(buffer[:n]), nil) {
					return
				}
			}
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
		}
	}
}
