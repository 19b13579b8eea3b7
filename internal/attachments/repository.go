package attachments

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/compliance-store/internal/docstore"
)

const (
	// OwnershipTypeName is the type discriminator of ownership documents.
	OwnershipTypeName = "attachmentOwnership"

	viewOnlyRemote = "onlyRemote"
	viewByFilename = "byFilename"
	viewByContent  = "byContentId"
	viewByOwner    = "byOwnerId"
)

var errMissingConnection = errors.New("attachments: connection is required")

// ContentRepository stores Content documents.
type ContentRepository struct {
	*docstore.Repository[Content]
}

// NewContentRepository binds a content repository to database.
func NewContentRepository(conn *docstore.Connection, database string) (*ContentRepository, error) {
	if conn == nil {
		return nil, errMissingConnection
	}
	repository, err := docstore.NewRepository[Content](conn, docstore.RepositoryConfig{
		Database: database,
		TypeName: ContentTypeName,
		Views: []docstore.ViewDefinition{
			{Name: viewOnlyRemote, KeyFields: []string{"onlyRemote"}},
			{Name: viewByFilename, KeyFields: []string{"filename"}},
		},
	})
	if err != nil {
		return nil, err
	}
	return &ContentRepository{Repository: repository}, nil
}

// ListRemoteOnly returns the contents whose payload has not been downloaded yet.
func (r *ContentRepository) ListRemoteOnly(ctx context.Context) []*Content {
	return r.QueryByKey(ctx, viewOnlyRemote, true)
}

// FindByFilenamePrefix returns the contents whose filename starts with prefix.
func (r *ContentRepository) FindByFilenamePrefix(ctx context.Context, prefix string) []*Content {
	return r.QueryByPrefix(ctx, viewByFilename, prefix)
}

// Visibility decides who may download the contents of an ownership context.
type Visibility string

const (
	VisibilityPublic   Visibility = "PUBLIC"
	VisibilityEveryone Visibility = "EVERYONE"
	VisibilityMembers  Visibility = "MEMBERS"
	VisibilityPrivate  Visibility = "PRIVATE"
)

// Ownership links contents to the business context that owns them.
type Ownership struct {
	docstore.Document
	OwnerID    string     `json:"ownerId"`
	Visibility Visibility `json:"visibility"`
	Members    []string   `json:"members,omitempty"`
	ContentIDs []string   `json:"contentIds"`
}

// Owns reports whether contentID belongs to the context.
func (o *Ownership) Owns(contentID string) bool {
	for _, candidate := range o.ContentIDs {
		if candidate == contentID {
			return true
		}
	}
	return false
}

// IsMember reports whether userID is the owner or a listed member.
func (o *Ownership) IsMember(userID string) bool {
	if userID == "" {
		return false
	}
	if o.OwnerID == userID {
		return true
	}
	for _, member := range o.Members {
		if strings.EqualFold(member, userID) {
			return true
		}
	}
	return false
}

// OwnershipResolver finds the ownership context of contents.
type OwnershipResolver struct {
	*docstore.Repository[Ownership]
}

// NewOwnershipResolver binds an ownership repository to database.
func NewOwnershipResolver(conn *docstore.Connection, database string) (*OwnershipResolver, error) {
	if conn == nil {
		return nil, errMissingConnection
	}
	repository, err := docstore.NewRepository[Ownership](conn, docstore.RepositoryConfig{
		Database: database,
		TypeName: OwnershipTypeName,
		Views: []docstore.ViewDefinition{
			{Name: viewByContent, KeyFields: []string{"contentIds"}, EmitEach: true},
			{Name: viewByOwner, KeyFields: []string{"ownerId"}},
		},
	})
	if err != nil {
		return nil, err
	}
	return &OwnershipResolver{Repository: repository}, nil
}

// OwnerOf returns the first ownership context listing contentID, or nil.
func (r *OwnershipResolver) OwnerOf(ctx context.Context, contentID string) *Ownership {
	owners := r.QueryView(ctx, viewByContent, docstore.ViewQuery{Key: contentID, Limit: 1})
	if len(owners) == 0 {
		return nil
	}
	return owners[0]
}

// OwnedBy returns every ownership context of ownerID.
func (r *OwnershipResolver) OwnedBy(ctx context.Context, ownerID string) []*Ownership {
	return r.QueryByKey(ctx, viewByOwner, ownerID)
}
