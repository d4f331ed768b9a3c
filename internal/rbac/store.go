package rbac

import (
	"context"
	"time"
)

// RoleGrant is a role-derived permission row returned by the policy store.
type RoleGrant struct {
	RoleID     int64
	Permission Permission
}

// Assignment is a user-role row joined with its role.
type Assignment struct {
	UserRole
	Role Role
}

// Override is a user-permission row joined with its permission.
type Override struct {
	UserPermission
	Permission Permission
}

// PolicyReader is the read-only view of the policy store used by evaluation.
//
// Implementations may pre-filter on activity and expiry, but the calculator
// re-checks both, so returning extra rows is safe.
type PolicyReader interface {
	// UserAssignments returns active, unexpired role assignments of the user at now.
	UserAssignments(ctx context.Context, userID int64, now time.Time) ([]Assignment, error)
	// RoleGrants returns active links to active permissions for the given roles.
	RoleGrants(ctx context.Context, roleIDs []int64) ([]RoleGrant, error)
	// UserOverrides returns active, unexpired user-level overrides at now.
	UserOverrides(ctx context.Context, userID int64, now time.Time) ([]Override, error)
	// GetRole returns the role by id or shared.ErrNotFound.
	GetRole(ctx context.Context, id int64) (Role, error)
	// PolicyVersion returns the monotonic counter bumped on every policy write.
	PolicyVersion(ctx context.Context) (int64, error)
}

// NewPermission is the validated input for creating a permission.
type NewPermission struct {
	Name        string
	Description string
	Resource    string
	Action      string
	Scope       Scope
	RiskLevel   RiskLevel
}

// RoleInput is the validated input for creating or updating a role.
type RoleInput struct {
	Name        string
	Description string
	Level       int
	Priority    int
	IsActive    bool
}

// PolicyWriter is the administrative side of the policy store. Every method
// bumps the policy version in the same transaction as its write.
type PolicyWriter interface {
	ListPermissions(ctx context.Context) ([]Permission, error)
	GetPermission(ctx context.Context, id int64) (Permission, error)
	CreatePermission(ctx context.Context, in NewPermission) (Permission, error)
	SetPermissionActive(ctx context.Context, id int64, active bool) (Permission, error)

	ListRoles(ctx context.Context) ([]Role, error)
	CreateRole(ctx context.Context, in RoleInput, isSystem bool) (Role, error)
	UpdateRole(ctx context.Context, id int64, in RoleInput) (Role, error)
	SoftDeleteRole(ctx context.Context, id int64) error
	CloneRole(ctx context.Context, sourceID int64, in RoleInput) (Role, error)
	RolePermissions(ctx context.Context, roleID int64) ([]Permission, error)
	SetRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error
	SetRolePermissionActive(ctx context.Context, roleID, permissionID int64, active bool) error

	AssignRole(ctx context.Context, link UserRole) error
	RevokeRole(ctx context.Context, userID, roleID int64) error

	UpsertOverride(ctx context.Context, o UserPermission) error
	RemoveOverride(ctx context.Context, userID, permissionID int64) error
	ListOverrides(ctx context.Context, userID int64) ([]Override, error)

	UserExists(ctx context.Context, userID int64) error
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
}
