package docstore

import (
	"strings"

	"github.com/google/uuid"
)

// Identifiable is implemented by every entity a Repository persists. Embedding
// Document satisfies it.
type Identifiable interface {
	DocumentID() string
	DocumentRevision() string
	SetDocumentIdentity(id, rev string)
	SetDocumentType(typeName string)
}

// Document carries the store-level fields shared by all entities.
type Document struct {
	ID          string                    `json:"_id,omitempty"`
	Rev         string                    `json:"_rev,omitempty"`
	Type        string                    `json:"type,omitempty"`
	Attachments map[string]AttachmentStub `json:"_attachments,omitempty"`
}

// AttachmentStub describes a binary part stored under a document without its payload.
type AttachmentStub struct {
	ContentType string `json:"content_type,omitempty"`
	Length      int64  `json:"length,omitempty"`
	Digest      string `json:"digest,omitempty"`
	RevPos      int    `json:"revpos,omitempty"`
	Stub        bool   `json:"stub,omitempty"`
}

// DocumentID returns the document identifier.
func (d *Document) DocumentID() string {
	return d.ID
}

// DocumentRevision returns the last revision read or written.
func (d *Document) DocumentRevision() string {
	return d.Rev
}

// SetDocumentIdentity records the id and revision assigned by the store.
func (d *Document) SetDocumentIdentity(id, rev string) {
	d.ID, d.Rev = id, rev
}

// SetDocumentType stamps the type discriminator.
func (d *Document) SetDocumentType(typeName string) {
	d.Type = typeName
}

// HasAttachment reports whether a part with the given name is stored under the document.
func (d *Document) HasAttachment(name string) bool {
	_, ok := d.Attachments[name]
	return ok
}

// IDProvider issues identifiers for documents created without one.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues dash-less UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(value.String(), "-", ""), nil
}
