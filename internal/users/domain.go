package users

import (
	"time"

	"github.com/assetdesk/assetdesk/internal/lockout"
	"github.com/assetdesk/assetdesk/internal/rbac"
)

// Route requirements for user administration.
var (
	NeedUsersView   = rbac.Can("users", "view", rbac.ScopeAll)
	NeedUsersManage = rbac.Can("users", "manage", rbac.ScopeAll)
	NeedUsersLock   = rbac.Can("users", "lock", rbac.ScopeAll)
)

// User represents a user account for management.
type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OverrideInput grants or denies one permission to a user.
type OverrideInput struct {
	PermissionID int64      `json:"permission_id" validate:"required,gt=0"`
	Denied       bool       `json:"denied"`
	ExpiresAt    *time.Time `json:"expires_at"`
}

// OverrideView is the JSON form of a user-level override.
type OverrideView struct {
	Permission rbac.PermissionView `json:"permission"`
	Denied     bool                `json:"denied"`
	IsActive   bool                `json:"is_active"`
	ExpiresAt  *time.Time          `json:"expires_at,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
}

// EffectiveView is the evaluated permission set of a user.
type EffectiveView struct {
	User          User                 `json:"user"`
	Permissions   []rbac.PermissionKey `json:"permissions"`
	Roles         []string             `json:"roles"`
	Super         bool                 `json:"super"`
	PolicyVersion int64                `json:"policy_version"`
	EvaluatedAt   time.Time            `json:"evaluated_at"`
	ValidUntil    *time.Time           `json:"valid_until,omitempty"`
	Lock          lockout.LockState    `json:"lock"`
}

func overrideView(o rbac.Override) OverrideView {
	return OverrideView{
		Permission: rbac.ViewOf(o.Permission),
		Denied:     o.IsDenied,
		IsActive:   o.IsActive,
		ExpiresAt:  o.ExpiresAt,
		CreatedAt:  o.CreatedAt,
	}
}
