// Package checksum computes and validates the integrity digests of attachment
// payloads.
package checksum

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/compliance-store/internal/attachments"
)

const (
	opSetIfAbsent = "checksum.set_if_absent"
	opRecompute   = "checksum.recompute"
	opValidate    = "checksum.validate"
)

var (
	errMissingSource  = errors.New("checksum: payload source is required")
	errMissingContent = errors.New("checksum: attachment has no content id")
)

// Digests holds the hex encoded digests of one payload.
type Digests struct {
	SHA1   string
	MD5    string
	SHA256 string
}

// ComputeAll reads r once and returns its sha1, md5 and sha256 digests.
func ComputeAll(r io.Reader) (Digests, error) {
	sha1Hash := sha1.New()
	md5Hash := md5.New()
	sha256Hash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(sha1Hash, md5Hash, sha256Hash), r); err != nil {
		return Digests{}, fmt.Errorf("checksum: read payload: %w", err)
	}
	return Digests{
		SHA1:   hex.EncodeToString(sha1Hash.Sum(nil)),
		MD5:    hex.EncodeToString(md5Hash.Sum(nil)),
		SHA256: hex.EncodeToString(sha256Hash.Sum(nil)),
	}, nil
}

// Source opens attachment payloads.
type Source interface {
	ReadStream(ctx context.Context, contentID string) (io.ReadCloser, error)
}

// ServiceConfig describes the dependencies of a Service.
type ServiceConfig struct {
	Source Source
	Logger *zap.Logger
}

// Service maintains the checksum fields of attachments.
type Service struct {
	source Source
	logger *zap.Logger
}

// NewService validates cfg and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{source: cfg.Source, logger: logger}, nil
}

// SetIfAbsent fills the checksum fields that are still empty. Populated fields
// are never changed, and the payload is not read when all are present.
func (s *Service) SetIfAbsent(ctx context.Context, attachment *attachments.Attachment) error {
	if attachment.SHA1 != "" && attachment.MD5 != "" && attachment.SHA256 != "" {
		return nil
	}
	digests, err := s.digest(ctx, opSetIfAbsent, attachment.AttachmentContentID)
	if err != nil {
		return err
	}
	if attachment.SHA1 == "" {
		attachment.SHA1 = digests.SHA1
	}
	if attachment.MD5 == "" {
		attachment.MD5 = digests.MD5
	}
	if attachment.SHA256 == "" {
		attachment.SHA256 = digests.SHA256
	}
	return nil
}

// Recompute overwrites every checksum field with the digests of the current
// payload.
func (s *Service) Recompute(ctx context.Context, attachment *attachments.Attachment) error {
	digests, err := s.digest(ctx, opRecompute, attachment.AttachmentContentID)
	if err != nil {
		return err
	}
	attachment.SHA1 = digests.SHA1
	attachment.MD5 = digests.MD5
	attachment.SHA256 = digests.SHA256
	return nil
}

// Validate compares the checksum fields present on attachment with the
// payload. An attachment without checksum fields is valid.
func (s *Service) Validate(ctx context.Context, attachment attachments.Attachment) (bool, error) {
	if attachment.SHA1 == "" && attachment.MD5 == "" && attachment.SHA256 == "" {
		return true, nil
	}
	digests, err := s.digest(ctx, opValidate, attachment.AttachmentContentID)
	if err != nil {
		return false, err
	}
	valid := matches(attachment.SHA1, digests.SHA1) &&
		matches(attachment.MD5, digests.MD5) &&
		matches(attachment.SHA256, digests.SHA256)
	if !valid {
		s.logger.Warn("attachment checksum mismatch",
			zap.String("operation", opValidate),
			zap.String("reason", "checksum_mismatch"),
			zap.String("content_id", attachment.AttachmentContentID))
	}
	return valid, nil
}

func (s *Service) digest(ctx context.Context, operation, contentID string) (Digests, error) {
	if strings.TrimSpace(contentID) == "" {
		return Digests{}, errMissingContent
	}
	stream, err := s.source.ReadStream(ctx, contentID)
	if err != nil {
		s.logError(operation, "open_failed", contentID, err)
		return Digests{}, err
	}
	defer stream.Close()
	digests, err := ComputeAll(stream)
	if err != nil {
		s.logError(operation, "read_failed", contentID, err)
		return Digests{}, err
	}
	return digests, nil
}

func (s *Service) logError(operation, reason, contentID string, err error) {
	s.logger.Error("checksum computation failed",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("content_id", contentID),
		zap.Error(err))
}

func matches(stored, computed string) bool {
	return stored == "" || strings.EqualFold(stored, computed)
}

// HasDuplicates reports whether two distinct attachments share a sha1 or a
// filename. Entries pointing at the same content are the same attachment.
func HasDuplicates(list []attachments.Attachment) bool {
	bySHA1 := make(map[string]string, len(list))
	byFilename := make(map[string]string, len(list))
	for index, attachment := range list {
		identity := attachment.AttachmentContentID
		if identity == "" {
			identity = fmt.Sprintf("#%d", index)
		}
		if collides(bySHA1, strings.ToLower(attachment.SHA1), identity) {
			return true
		}
		if collides(byFilename, attachment.Filename, identity) {
			return true
		}
	}
	return false
}

func collides(seen map[string]string, value, identity string) bool {
	if value == "" {
		return false
	}
	if previous, ok := seen[value]; ok {
		return previous != identity
	}
	seen[value] = identity
	return false
}
