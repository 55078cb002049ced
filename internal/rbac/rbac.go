// Package rbac implements the role-check contract at the HTTP/WS boundary.
// The identity model itself (users, sessions, OIDC) is out of scope; this
// package only answers "can this role do X".
package rbac

import (
	"context"

	"github.com/agentmaestro/agentmaestro/internal/domain"
	"github.com/agentmaestro/agentmaestro/internal/errs"
)

// Action represents a specific operation to authorize.
type Action string

const (
	ActionViewRun        Action = "runs:view"
	ActionStartRun       Action = "runs:start"
	ActionControlRun     Action = "runs:control" // cancel/pause/resume/retry
	ActionSpawnSubrun    Action = "runs:spawn_subrun"
	ActionApproveTool    Action = "toolcalls:approve"
	ActionSubscribeWS    Action = "ws:subscribe"
)

// allowed maps a role to the set of actions it may perform. Roles not
// present here (none exist outside domain.Role's four values) get a deny.
var allowed = map[domain.Role]map[Action]bool{
	domain.RoleOwner: {
		ActionViewRun: true, ActionStartRun: true, ActionControlRun: true,
		ActionSpawnSubrun: true, ActionApproveTool: true, ActionSubscribeWS: true,
	},
	domain.RoleAdmin: {
		ActionViewRun: true, ActionStartRun: true, ActionControlRun: true,
		ActionSpawnSubrun: true, ActionApproveTool: true, ActionSubscribeWS: true,
	},
	domain.RoleOperator: {
		ActionViewRun: true, ActionStartRun: true, ActionControlRun: true,
		ActionSpawnSubrun: true, ActionApproveTool: true, ActionSubscribeWS: true,
	},
	domain.RoleViewer: {
		ActionViewRun: true, ActionSubscribeWS: true,
	},
}

// Can reports whether role may perform action.
func Can(role domain.Role, action Action) bool {
	set, ok := allowed[role]
	if !ok {
		return false
	}
	return set[action]
}

// Require returns a PermissionError-shaped error if role may not perform
// action; callers at the HTTP/WS boundary map this to 403 / WS error frame.
func Require(role domain.Role, action Action) error {
	if Can(role, action) {
		return nil
	}
	return errs.NewPermission("role %s may not perform %s", role, action)
}

// Identity is the resolved caller the out-of-scope auth layer is expected
// to attach to a request context before it reaches httpapi/wsapi: who they
// are, which workspace their session is scoped to, and their membership
// role in it. Nothing in this package populates one — cookie sessions,
// OIDC, and membership lookups all live outside this boundary.
type Identity struct {
	UserID      string
	WorkspaceID string
	Role        domain.Role
}

type identityCtxKey struct{}

// WithIdentity attaches identity to ctx for downstream handlers.
func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityCtxKey{}, identity)
}

// IdentityFromContext retrieves the Identity attached by WithIdentity.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityCtxKey{}).(Identity)
	return identity, ok
}
