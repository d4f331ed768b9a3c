package roles

import (
	"time"

	"github.com/assetdesk/assetdesk/internal/rbac"
)

// Route requirements for role administration.
var (
	NeedRolesView   = rbac.Can("roles", "view", rbac.ScopeAll)
	NeedRolesManage = rbac.Can("roles", "update", rbac.ScopeAll)
	NeedRolesAssign = rbac.Can("roles", "assign", rbac.ScopeAll)
)

// RoleInput is the administrative input for creating or updating a role.
type RoleInput struct {
	Name        string `json:"name" validate:"required,max=80"`
	Description string `json:"description" validate:"max=500"`
	Level       int    `json:"level" validate:"gte=0,lte=1000"`
	Priority    int    `json:"priority" validate:"gte=0"`
	IsActive    *bool  `json:"is_active"`
}

// AssignmentInput assigns a role to a user.
type AssignmentInput struct {
	UserID    int64      `json:"user_id" validate:"required,gt=0"`
	IsPrimary bool       `json:"is_primary"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// PermissionsInput replaces the permission set of a role.
type PermissionsInput struct {
	PermissionIDs []int64 `json:"permission_ids" validate:"dive,gt=0"`
}

// RoleView is the JSON form of a role.
type RoleView struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Level       int       `json:"level"`
	Priority    int       `json:"priority"`
	IsSystem    bool      `json:"is_system"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func viewOf(r rbac.Role) RoleView {
	return RoleView{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Level:       r.Level,
		Priority:    r.Priority,
		IsSystem:    r.IsSystem,
		IsActive:    r.IsActive,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}
