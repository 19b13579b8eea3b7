package attachments

import "context"

// Identity is the caller on whose behalf content is read.
type Identity struct {
	UserID string
	Email  string
	Admin  bool
}

// PermissionChecker decides whether identity may download content within the
// ownership context owner.
type PermissionChecker interface {
	CanDownload(ctx context.Context, identity Identity, content *Content, owner *Ownership) bool
}

// VisibilityPolicy grants downloads according to the visibility of the
// ownership context. A missing context, or one that does not list the
// content, denies every caller.
type VisibilityPolicy struct{}

// CanDownload implements PermissionChecker.
func (VisibilityPolicy) CanDownload(_ context.Context, identity Identity, content *Content, owner *Ownership) bool {
	if content == nil || owner == nil || !owner.Owns(content.ID) {
		return false
	}
	if identity.Admin {
		return true
	}
	switch owner.Visibility {
	case VisibilityPublic:
		return true
	case VisibilityEveryone:
		return identity.UserID != ""
	case VisibilityMembers:
		return owner.IsMember(identity.UserID) || owner.IsMember(identity.Email)
	case VisibilityPrivate:
		return identity.UserID != "" && owner.OwnerID == identity.UserID
	default:
		return false
	}
}

// PermissionFunc adapts a function to PermissionChecker.
type PermissionFunc func(ctx context.Context, identity Identity, content *Content, owner *Ownership) bool

// CanDownload implements PermissionChecker.
func (f PermissionFunc) CanDownload(ctx context.Context, identity Identity, content *Content, owner *Ownership) bool {
	return f(ctx, identity, content, owner)
}
