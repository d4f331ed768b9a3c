package roles

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/assetdesk/assetdesk/internal/rbac"
	"github.com/assetdesk/assetdesk/internal/shared"
)

// ErrOutranked is returned when the actor does not outrank the role involved.
var ErrOutranked = fmt.Errorf("%w: role level is not below the actor's", shared.ErrForbidden)

// RepositoryPort defines data access methods for roles.
type RepositoryPort interface {
	ListRoles(ctx context.Context) ([]rbac.Role, error)
	GetRole(ctx context.Context, id int64) (rbac.Role, error)
	CreateRole(ctx context.Context, in rbac.RoleInput, isSystem bool) (rbac.Role, error)
	UpdateRole(ctx context.Context, id int64, in rbac.RoleInput) (rbac.Role, error)
	SoftDeleteRole(ctx context.Context, id int64) error
	CloneRole(ctx context.Context, sourceID int64, in rbac.RoleInput) (rbac.Role, error)
	RolePermissions(ctx context.Context, roleID int64) ([]rbac.Permission, error)
	SetRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error
	SetRolePermissionActive(ctx context.Context, roleID, permissionID int64, active bool) error
	AssignRole(ctx context.Context, link rbac.UserRole) error
	RevokeRole(ctx context.Context, userID, roleID int64) error
	UserExists(ctx context.Context, userID int64) error
}

// Authority is the hierarchy gate consulted before every write.
type Authority interface {
	AuthorityOf(ctx context.Context, actorID int64) (rbac.Authority, error)
	CanManage(ctx context.Context, actorID, targetRoleID int64) (bool, error)
}

// Service handles role business logic.
type Service struct {
	repo      RepositoryPort
	hierarchy Authority
	audit     rbac.AuditHook
	now       func() time.Time
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, hierarchy Authority, audit rbac.AuditHook) *Service {
	if audit == nil {
		audit = rbac.NopAudit
	}
	return &Service{repo: repo, hierarchy: hierarchy, audit: audit, now: time.Now}
}

// ListRoles returns all roles that are not deleted.
func (s *Service) ListRoles(ctx context.Context) ([]rbac.Role, error) {
	return s.repo.ListRoles(ctx)
}

// RolePermissions returns the active permissions of a role.
func (s *Service) RolePermissions(ctx context.Context, roleID int64) ([]rbac.Permission, error) {
	if _, err := s.repo.GetRole(ctx, roleID); err != nil {
		return nil, err
	}
	return s.repo.RolePermissions(ctx, roleID)
}

// CreateRole creates a role strictly below the actor's level.
func (s *Service) CreateRole(ctx context.Context, actorID int64, in RoleInput) (rbac.Role, error) {
	ri, err := normalize(in, true)
	if err != nil {
		return rbac.Role{}, err
	}
	if err := s.requireAbove(ctx, actorID, ri.Level); err != nil {
		return rbac.Role{}, err
	}
	role, err := s.repo.CreateRole(ctx, ri, false)
	if err != nil {
		return rbac.Role{}, err
	}
	s.emit(ctx, actorID, "role:create", map[string]any{"role_id": role.ID, "name": role.Name, "level": role.Level})
	return role, nil
}

// UpdateRole edits a role the actor outranks. The new level must also stay
// below the actor's own.
func (s *Service) UpdateRole(ctx context.Context, actorID, roleID int64, in RoleInput) (rbac.Role, error) {
	current, err := s.repo.GetRole(ctx, roleID)
	if err != nil {
		return rbac.Role{}, err
	}
	if err := s.requireManage(ctx, actorID, roleID); err != nil {
		return rbac.Role{}, err
	}
	ri, err := normalize(in, current.IsActive)
	if err != nil {
		return rbac.Role{}, err
	}
	if current.IsSystem && ri.Name != current.Name {
		return rbac.Role{}, fmt.Errorf("%w: system roles cannot be renamed", shared.ErrForbidden)
	}
	if err := s.requireAbove(ctx, actorID, ri.Level); err != nil {
		return rbac.Role{}, err
	}
	role, err := s.repo.UpdateRole(ctx, roleID, ri)
	if err != nil {
		return rbac.Role{}, err
	}
	s.emit(ctx, actorID, "role:update", map[string]any{"role_id": role.ID, "level": role.Level, "active": role.IsActive})
	return role, nil
}

// DeleteRole soft deletes a non-system role.
func (s *Service) DeleteRole(ctx context.Context, actorID, roleID int64) error {
	if err := s.requireManage(ctx, actorID, roleID); err != nil {
		return err
	}
	if err := s.repo.SoftDeleteRole(ctx, roleID); err != nil {
		return err
	}
	s.emit(ctx, actorID, "role:delete", map[string]any{"role_id": roleID})
	return nil
}

// CloneRole copies the active permission links of sourceID onto a new role.
func (s *Service) CloneRole(ctx context.Context, actorID, sourceID int64, in RoleInput) (rbac.Role, error) {
	if err := s.requireManage(ctx, actorID, sourceID); err != nil {
		return rbac.Role{}, err
	}
	ri, err := normalize(in, true)
	if err != nil {
		return rbac.Role{}, err
	}
	if err := s.requireAbove(ctx, actorID, ri.Level); err != nil {
		return rbac.Role{}, err
	}
	role, err := s.repo.CloneRole(ctx, sourceID, ri)
	if err != nil {
		return rbac.Role{}, err
	}
	s.emit(ctx, actorID, "role:clone", map[string]any{"role_id": role.ID, "source_id": sourceID})
	return role, nil
}

// SetPermissions replaces the permission set of a role.
func (s *Service) SetPermissions(ctx context.Context, actorID, roleID int64, permissionIDs []int64) error {
	if err := s.requireManage(ctx, actorID, roleID); err != nil {
		return err
	}
	ids := uniqueIDs(permissionIDs)
	if err := s.repo.SetRolePermissions(ctx, roleID, ids); err != nil {
		return err
	}
	s.emit(ctx, actorID, "role:set_permissions", map[string]any{"role_id": roleID, "permission_ids": ids})
	return nil
}

// GrantPermission activates one permission link on a role.
func (s *Service) GrantPermission(ctx context.Context, actorID, roleID, permissionID int64) error {
	return s.setLink(ctx, actorID, roleID, permissionID, true)
}

// RevokePermission deactivates one permission link on a role.
func (s *Service) RevokePermission(ctx context.Context, actorID, roleID, permissionID int64) error {
	return s.setLink(ctx, actorID, roleID, permissionID, false)
}

func (s *Service) setLink(ctx context.Context, actorID, roleID, permissionID int64, active bool) error {
	if err := s.requireManage(ctx, actorID, roleID); err != nil {
		return err
	}
	if err := s.repo.SetRolePermissionActive(ctx, roleID, permissionID, active); err != nil {
		return err
	}
	s.emit(ctx, actorID, "role:set_permission", map[string]any{"role_id": roleID, "permission_id": permissionID, "active": active})
	return nil
}

// Assign gives userID the role. Assignment expiry must lie in the future.
func (s *Service) Assign(ctx context.Context, actorID, roleID int64, in AssignmentInput) error {
	if in.ExpiresAt != nil && !in.ExpiresAt.After(s.now()) {
		return fmt.Errorf("%w: expires_at must be in the future", shared.ErrValidation)
	}
	if err := s.requireManage(ctx, actorID, roleID); err != nil {
		return err
	}
	if err := s.repo.UserExists(ctx, in.UserID); err != nil {
		return err
	}
	link := rbac.UserRole{UserID: in.UserID, RoleID: roleID, IsActive: true, IsPrimary: in.IsPrimary, ExpiresAt: in.ExpiresAt}
	if err := s.repo.AssignRole(ctx, link); err != nil {
		return err
	}
	meta := map[string]any{"role_id": roleID, "user_id": in.UserID, "primary": in.IsPrimary}
	if in.ExpiresAt != nil {
		meta["expires_at"] = in.ExpiresAt.UTC()
	}
	s.emit(ctx, actorID, "role:assign", meta)
	return nil
}

// Revoke removes the role from userID.
func (s *Service) Revoke(ctx context.Context, actorID, roleID, userID int64) error {
	if err := s.requireManage(ctx, actorID, roleID); err != nil {
		return err
	}
	if err := s.repo.RevokeRole(ctx, userID, roleID); err != nil {
		return err
	}
	s.emit(ctx, actorID, "role:revoke", map[string]any{"role_id": roleID, "user_id": userID})
	return nil
}

func (s *Service) requireManage(ctx context.Context, actorID, roleID int64) error {
	ok, err := s.hierarchy.CanManage(ctx, actorID, roleID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return err
		}
		return fmt.Errorf("roles: hierarchy: %w: %w", shared.ErrUnavailable, err)
	}
	if !ok {
		return ErrOutranked
	}
	return nil
}

func (s *Service) requireAbove(ctx context.Context, actorID int64, level int) error {
	auth, err := s.hierarchy.AuthorityOf(ctx, actorID)
	if err != nil {
		return fmt.Errorf("roles: hierarchy: %w: %w", shared.ErrUnavailable, err)
	}
	if !auth.Outranks(level) {
		return ErrOutranked
	}
	return nil
}

func (s *Service) emit(ctx context.Context, actorID int64, subject string, meta map[string]any) {
	ev := rbac.NewAuditEvent(rbac.AuditAdminChange, actorID, subject)
	ev.Meta = meta
	s.audit.Notify(ctx, ev)
}

func normalize(in RoleInput, defaultActive bool) (rbac.RoleInput, error) {
	name := shared.NormalizeName(in.Name)
	if name == "" {
		return rbac.RoleInput{}, fmt.Errorf("%w: role name is required", shared.ErrValidation)
	}
	if in.Level < 0 || in.Priority < 0 {
		return rbac.RoleInput{}, fmt.Errorf("%w: level and priority must not be negative", shared.ErrValidation)
	}
	active := defaultActive
	if in.IsActive != nil {
		active = *in.IsActive
	}
	return rbac.RoleInput{
		Name:        name,
		Description: strings.TrimSpace(in.Description),
		Level:       in.Level,
		Priority:    in.Priority,
		IsActive:    active,
	}, nil
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id <= 0 {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
