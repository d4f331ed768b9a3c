package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/assetdesk/assetdesk/internal/shared"
)

// ListPermissions returns every permission ordered by name.
func (s *PGStore) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+permissionColumns+` FROM permissions p ORDER BY p.name`)
	if err != nil {
		return nil, fmt.Errorf("rbac: list permissions: %w", err)
	}
	defer rows.Close()
	var out []Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, fmt.Errorf("rbac: scan permission: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPermission returns a permission by id.
func (s *PGStore) GetPermission(ctx context.Context, id int64) (Permission, error) {
	p, err := scanPermission(s.pool.QueryRow(ctx, `SELECT `+permissionColumns+` FROM permissions p WHERE p.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Permission{}, fmt.Errorf("rbac: permission %d: %w", id, shared.ErrNotFound)
		}
		return Permission{}, fmt.Errorf("rbac: get permission: %w", err)
	}
	return p, nil
}

// CreatePermission inserts a permission. Duplicate names are shared.ErrConflict.
func (s *PGStore) CreatePermission(ctx context.Context, in NewPermission) (Permission, error) {
	var p Permission
	err := s.write(ctx, func(tx pgx.Tx) error {
		var err error
		p, err = scanPermission(tx.QueryRow(ctx, `
INSERT INTO permissions AS p (name, description, resource, action, scope, risk_level, is_active)
VALUES ($1, $2, $3, $4, $5, $6, TRUE)
RETURNING `+permissionColumns, in.Name, in.Description, in.Resource, in.Action, string(in.Scope.orAll()), string(in.RiskLevel)))
		return err
	})
	return p, mapWriteError("create permission", err)
}

// SetPermissionActive toggles activation, the only mutation allowed once a
// permission exists.
func (s *PGStore) SetPermissionActive(ctx context.Context, id int64, active bool) (Permission, error) {
	var p Permission
	err := s.write(ctx, func(tx pgx.Tx) error {
		var err error
		p, err = scanPermission(tx.QueryRow(ctx, `
UPDATE permissions AS p SET is_active = $2, updated_at = NOW() WHERE p.id = $1
RETURNING `+permissionColumns, id, active))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("rbac: permission %d: %w", id, shared.ErrNotFound)
		}
		return err
	})
	return p, mapWriteError("set permission active", err)
}

// ListRoles returns roles that are not soft-deleted.
func (s *PGStore) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+roleColumns+` FROM roles r WHERE r.deleted_at IS NULL ORDER BY r.level DESC, r.name`)
	if err != nil {
		return nil, fmt.Errorf("rbac: list roles: %w", err)
	}
	defer rows.Close()
	var out []Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("rbac: scan role: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CreateRole inserts a role.
func (s *PGStore) CreateRole(ctx context.Context, in RoleInput, isSystem bool) (Role, error) {
	var role Role
	err := s.write(ctx, func(tx pgx.Tx) error {
		var err error
		role, err = insertRole(ctx, tx, in, isSystem)
		return err
	})
	return role, mapWriteError("create role", err)
}

func insertRole(ctx context.Context, q querier, in RoleInput, isSystem bool) (Role, error) {
	return scanRole(q.QueryRow(ctx, `
INSERT INTO roles AS r (name, description, level, priority, is_system, is_active)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING `+roleColumns, in.Name, in.Description, in.Level, in.Priority, isSystem, in.IsActive))
}

// UpdateRole updates a live role.
func (s *PGStore) UpdateRole(ctx context.Context, id int64, in RoleInput) (Role, error) {
	var role Role
	err := s.write(ctx, func(tx pgx.Tx) error {
		var err error
		role, err = scanRole(tx.QueryRow(ctx, `
UPDATE roles AS r
SET name = $2, description = $3, level = $4, priority = $5, is_active = $6, updated_at = NOW()
WHERE r.id = $1 AND r.deleted_at IS NULL
RETURNING `+roleColumns, id, in.Name, in.Description, in.Level, in.Priority, in.IsActive))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("rbac: role %d: %w", id, shared.ErrNotFound)
		}
		return err
	})
	return role, mapWriteError("update role", err)
}

// SoftDeleteRole deactivates a non-system role together with its links and
// assignments. History rows are kept.
func (s *PGStore) SoftDeleteRole(ctx context.Context, id int64) error {
	err := s.write(ctx, func(tx pgx.Tx) error {
		var (
			isSystem  bool
			deletedAt *time.Time
		)
		err := tx.QueryRow(ctx, `SELECT is_system, deleted_at FROM roles WHERE id = $1 FOR UPDATE`, id).Scan(&isSystem, &deletedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("rbac: role %d: %w", id, shared.ErrNotFound)
			}
			return err
		}
		if isSystem {
			return ErrSystemRole
		}
		if deletedAt != nil {
			return nil
		}
		if _, err := tx.Exec(ctx, `UPDATE roles SET is_active = FALSE, deleted_at = NOW(), updated_at = NOW() WHERE id = $1`, id); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE role_permissions SET is_active = FALSE, updated_at = NOW() WHERE role_id = $1 AND is_active`, id); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE user_roles SET is_active = FALSE, updated_at = NOW() WHERE role_id = $1 AND is_active`, id)
		return err
	})
	return mapWriteError("delete role", err)
}

// CloneRole creates a new role carrying a copy of the source's active links.
func (s *PGStore) CloneRole(ctx context.Context, sourceID int64, in RoleInput) (Role, error) {
	var role Role
	err := s.write(ctx, func(tx pgx.Tx) error {
		src, err := getRole(ctx, tx, sourceID)
		if err != nil {
			return err
		}
		if src.DeletedAt != nil {
			return fmt.Errorf("rbac: role %d: %w", sourceID, shared.ErrNotFound)
		}
		role, err = insertRole(ctx, tx, in, false)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
INSERT INTO role_permissions (role_id, permission_id, is_active)
SELECT $1, permission_id, TRUE FROM role_permissions WHERE role_id = $2 AND is_active`, role.ID, sourceID)
		return err
	})
	return role, mapWriteError("clone role", err)
}

// RolePermissions returns permissions actively linked to a role.
func (s *PGStore) RolePermissions(ctx context.Context, roleID int64) ([]Permission, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+permissionColumns+`
FROM role_permissions rp
JOIN permissions p ON p.id = rp.permission_id
WHERE rp.role_id = $1 AND rp.is_active
ORDER BY p.name`, roleID)
	if err != nil {
		return nil, fmt.Errorf("rbac: role permissions: %w", err)
	}
	defer rows.Close()
	var out []Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, fmt.Errorf("rbac: scan permission: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetRolePermissions makes exactly permissionIDs active on the role. Links
// that drop out are deactivated, not deleted.
func (s *PGStore) SetRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	if permissionIDs == nil {
		permissionIDs = []int64{}
	}
	err := s.write(ctx, func(tx pgx.Tx) error {
		role, err := getRole(ctx, tx, roleID)
		if err != nil {
			return err
		}
		if role.DeletedAt != nil {
			return fmt.Errorf("rbac: role %d: %w", roleID, shared.ErrNotFound)
		}
		if _, err := tx.Exec(ctx, `
UPDATE role_permissions SET is_active = FALSE, updated_at = NOW()
WHERE role_id = $1 AND is_active AND NOT (permission_id = ANY($2))`, roleID, permissionIDs); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
INSERT INTO role_permissions (role_id, permission_id, is_active)
SELECT $1, unnest($2::bigint[]), TRUE
ON CONFLICT (role_id, permission_id) DO UPDATE SET is_active = TRUE, updated_at = NOW()`, roleID, permissionIDs)
		return err
	})
	return mapWriteError("set role permissions", err)
}

// SetRolePermissionActive activates or deactivates a single role-permission
// link, creating it when activating.
func (s *PGStore) SetRolePermissionActive(ctx context.Context, roleID, permissionID int64, active bool) error {
	err := s.write(ctx, func(tx pgx.Tx) error {
		role, err := getRole(ctx, tx, roleID)
		if err != nil {
			return err
		}
		if role.DeletedAt != nil {
			return fmt.Errorf("rbac: role %d: %w", roleID, shared.ErrNotFound)
		}
		if active {
			_, err = tx.Exec(ctx, `
INSERT INTO role_permissions (role_id, permission_id, is_active)
VALUES ($1, $2, TRUE)
ON CONFLICT (role_id, permission_id) DO UPDATE SET is_active = TRUE, updated_at = NOW()`, roleID, permissionID)
			return err
		}
		tag, err := tx.Exec(ctx, `UPDATE role_permissions SET is_active = FALSE, updated_at = NOW() WHERE role_id = $1 AND permission_id = $2 AND is_active`, roleID, permissionID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("rbac: role permission %d/%d: %w", roleID, permissionID, shared.ErrNotFound)
		}
		return nil
	})
	return mapWriteError("set role permission", err)
}

// AssignRole upserts a user-role link and reactivates it.
func (s *PGStore) AssignRole(ctx context.Context, link UserRole) error {
	err := s.write(ctx, func(tx pgx.Tx) error {
		if link.IsPrimary {
			if _, err := tx.Exec(ctx, `UPDATE user_roles SET is_primary = FALSE WHERE user_id = $1 AND role_id <> $2 AND is_primary`, link.UserID, link.RoleID); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx, `
INSERT INTO user_roles (user_id, role_id, is_active, is_primary, expires_at)
VALUES ($1, $2, TRUE, $3, $4)
ON CONFLICT (user_id, role_id) DO UPDATE
SET is_active = TRUE, is_primary = EXCLUDED.is_primary, expires_at = EXCLUDED.expires_at, updated_at = NOW()`,
			link.UserID, link.RoleID, link.IsPrimary, link.ExpiresAt)
		return err
	})
	return mapWriteError("assign role", err)
}

// RevokeRole deactivates a user-role link.
func (s *PGStore) RevokeRole(ctx context.Context, userID, roleID int64) error {
	err := s.write(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE user_roles SET is_active = FALSE, updated_at = NOW() WHERE user_id = $1 AND role_id = $2 AND is_active`, userID, roleID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("rbac: assignment %d/%d: %w", userID, roleID, shared.ErrNotFound)
		}
		return nil
	})
	return mapWriteError("revoke role", err)
}

// UpsertOverride creates or replaces a user-level grant or deny.
func (s *PGStore) UpsertOverride(ctx context.Context, o UserPermission) error {
	err := s.write(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
INSERT INTO user_permissions (user_id, permission_id, is_denied, is_active, expires_at)
VALUES ($1, $2, $3, TRUE, $4)
ON CONFLICT (user_id, permission_id) DO UPDATE
SET is_denied = EXCLUDED.is_denied, is_active = TRUE, expires_at = EXCLUDED.expires_at, updated_at = NOW()`,
			o.UserID, o.PermissionID, o.IsDenied, o.ExpiresAt)
		return err
	})
	return mapWriteError("upsert override", err)
}

// RemoveOverride deactivates a user-level override.
func (s *PGStore) RemoveOverride(ctx context.Context, userID, permissionID int64) error {
	err := s.write(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE user_permissions SET is_active = FALSE, updated_at = NOW() WHERE user_id = $1 AND permission_id = $2 AND is_active`, userID, permissionID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("rbac: override %d/%d: %w", userID, permissionID, shared.ErrNotFound)
		}
		return nil
	})
	return mapWriteError("remove override", err)
}

// UserExists returns shared.ErrNotFound for unknown users.
func (s *PGStore) UserExists(ctx context.Context, userID int64) error {
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM users WHERE id = $1`, userID).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("rbac: user %d: %w", userID, shared.ErrNotFound)
		}
		return fmt.Errorf("rbac: user exists: %w", err)
	}
	return nil
}

// SweepExpired deactivates assignments and overrides whose expiry has passed.
// The version is only bumped when something changed.
func (s *PGStore) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	err := s.write(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE user_roles SET is_active = FALSE, updated_at = NOW() WHERE is_active AND expires_at < $1`, now)
		if err != nil {
			return err
		}
		total += tag.RowsAffected()
		tag, err = tx.Exec(ctx, `UPDATE user_permissions SET is_active = FALSE, updated_at = NOW() WHERE is_active AND expires_at < $1`, now)
		if err != nil {
			return err
		}
		total += tag.RowsAffected()
		if total == 0 {
			return errNothingSwept
		}
		return nil
	})
	if errors.Is(err, errNothingSwept) {
		return 0, nil
	}
	return total, mapWriteError("sweep expired", err)
}

var errNothingSwept = errors.New("rbac: nothing swept")
