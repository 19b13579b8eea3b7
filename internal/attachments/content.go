// Package attachments stores binary payloads as named parts of metadata
// documents and serves them as streams, chunk sequences and zip bundles.
package attachments

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/MarcoPoloResearchLab/compliance-store/internal/docstore"
)

const (
	// ContentTypeName is the type discriminator of attachment content documents.
	ContentTypeName = "attachment"

	defaultContentType = "application/octet-stream"
)

// Content describes a stored payload. A payload is either one part named
// after Filename or PartsCount parts named by PartName.
type Content struct {
	docstore.Document
	Filename    string `json:"filename"`
	ContentType string `json:"contentType,omitempty"`
	OnlyRemote  bool   `json:"onlyRemote,omitempty"`
	RemoteURL   string `json:"remoteUrl,omitempty"`
	PartsCount  *int   `json:"partsCount,omitempty"`
}

// IsChunked reports whether the payload is split into parts.
func (c *Content) IsChunked() bool {
	return c.PartsCount != nil && *c.PartsCount > 0
}

// PartNames lists the attachment names holding the payload, in read order.
func (c *Content) PartNames() []string {
	if !c.IsChunked() {
		return []string{c.Filename}
	}
	names := make([]string, 0, *c.PartsCount)
	for index := 1; index <= *c.PartsCount; index++ {
		names = append(names, PartName(c.Filename, index))
	}
	return names
}

func (c *Content) mediaType() string {
	if strings.TrimSpace(c.ContentType) == "" {
		return defaultContentType
	}
	return c.ContentType
}

// PartName returns the attachment name of the 1-based part index.
func PartName(filename string, index int) string {
	return fmt.Sprintf("%s_part%d", filename, index)
}

// CheckStatus is the review state of an attachment.
type CheckStatus int

const (
	CheckNotChecked CheckStatus = iota
	CheckAccepted
	CheckRejected
)

var checkStatusNames = [...]string{
	CheckNotChecked: "NOT_CHECKED",
	CheckAccepted:   "ACCEPTED",
	CheckRejected:   "REJECTED",
}

func (s CheckStatus) String() string {
	if s < 0 || int(s) >= len(checkStatusNames) {
		return fmt.Sprintf("CheckStatus(%d)", int(s))
	}
	return checkStatusNames[s]
}

// ParseCheckStatus resolves a stored status name.
func ParseCheckStatus(name string) (CheckStatus, error) {
	for index, candidate := range checkStatusNames {
		if candidate == name {
			return CheckStatus(index), nil
		}
	}
	return CheckNotChecked, fmt.Errorf("attachments: unknown check status %q", name)
}

// CheckStatusHook stores CheckStatus values by name.
func CheckStatusHook() docstore.TypeHook {
	return docstore.TypeHook{
		Type: reflect.TypeOf(CheckNotChecked),
		Encode: func(value any) (any, error) {
			status := value.(CheckStatus)
			if status < 0 || int(status) >= len(checkStatusNames) {
				return nil, fmt.Errorf("attachments: invalid check status %d", int(status))
			}
			return status.String(), nil
		},
		Decode: func(raw []byte) (any, error) {
			if string(raw) == "null" {
				return CheckNotChecked, nil
			}
			return ParseCheckStatus(strings.Trim(string(raw), `"`))
		},
	}
}

// Attachment is the reference a business document keeps to stored content,
// together with the payload checksums and its review state.
type Attachment struct {
	AttachmentContentID string      `json:"attachmentContentId"`
	Filename            string      `json:"filename"`
	SHA1                string      `json:"sha1,omitempty"`
	MD5                 string      `json:"md5,omitempty"`
	SHA256              string      `json:"sha256,omitempty"`
	CheckStatus         CheckStatus `json:"checkStatus"`
}
