// Package authz decides who may manage a stream or recording.
package authz

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/aura-webinar/livestream/internal/errs"
	"github.com/aura-webinar/livestream/internal/models"
)

// Requester is the authenticated caller of an operation.
type Requester struct {
	UserID uuid.UUID
	Role   string
}

// Authorizer checks whether a requester may manage a resource owned by ownerID.
// A negative answer is errs.ErrForbidden.
type Authorizer interface {
	CanManage(r Requester, ownerID uuid.UUID) error
}

// RoleAuthorizer allows the owner and any privileged role.
type RoleAuthorizer struct {
	privileged map[string]bool
}

// NewRoleAuthorizer creates an authorizer. Without roles, admin and moderator are privileged.
func NewRoleAuthorizer(roles ...string) *RoleAuthorizer {
	if len(roles) == 0 {
		roles = []string{models.RoleAdmin, models.RoleModerator}
	}
	p := make(map[string]bool, len(roles))
	for _, r := range roles {
		p[r] = true
	}
	return &RoleAuthorizer{privileged: p}
}

// IsPrivileged reports whether role may manage any resource.
func (a *RoleAuthorizer) IsPrivileged(role string) bool {
	return a.privileged[role]
}

func (a *RoleAuthorizer) CanManage(r Requester, ownerID uuid.UUID) error {
	if r.UserID != uuid.Nil && r.UserID == ownerID {
		return nil
	}
	if a.IsPrivileged(r.Role) {
		return nil
	}
	return fmt.Errorf("%w: user %s may not manage resources of %s", errs.ErrForbidden, r.UserID, ownerID)
}
