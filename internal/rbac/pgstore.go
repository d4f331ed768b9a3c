package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/assetdesk/assetdesk/internal/platform/db"
	"github.com/assetdesk/assetdesk/internal/shared"
)

// ErrSystemRole rejects deletion of a system role.
var ErrSystemRole = fmt.Errorf("%w: system roles cannot be deleted", shared.ErrForbidden)

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGStore is the PostgreSQL policy store. Reads never run inside a
// transaction so evaluation always sees the latest committed rows.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs a PGStore.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const roleColumns = `r.id, r.name, r.description, r.level, r.priority, r.is_system, r.is_active, r.deleted_at, r.created_at, r.updated_at`

const permissionColumns = `p.id, p.name, p.description, p.resource, p.action, p.scope, p.risk_level, p.is_active, p.created_at, p.updated_at`

func scanRole(row pgx.Row, extra ...any) (Role, error) {
	var r Role
	dest := append(extra, &r.ID, &r.Name, &r.Description, &r.Level, &r.Priority, &r.IsSystem, &r.IsActive, &r.DeletedAt, &r.CreatedAt, &r.UpdatedAt)
	if err := row.Scan(dest...); err != nil {
		return Role{}, err
	}
	return r, nil
}

func permissionDest(p *Permission) []any {
	return []any{&p.ID, &p.Name, &p.Description, &p.Resource, &p.Action, &p.Scope, &p.RiskLevel, &p.IsActive, &p.CreatedAt, &p.UpdatedAt}
}

func scanPermission(row pgx.Row) (Permission, error) {
	var p Permission
	if err := row.Scan(permissionDest(&p)...); err != nil {
		return Permission{}, err
	}
	p.Scope = p.Scope.orAll()
	return p, nil
}

// UserAssignments implements PolicyReader.
func (s *PGStore) UserAssignments(ctx context.Context, userID int64, now time.Time) ([]Assignment, error) {
	rows, err := s.pool.Query(ctx, `
SELECT ur.user_id, ur.role_id, ur.is_active, ur.is_primary, ur.expires_at, ur.created_at, `+roleColumns+`
FROM user_roles ur
JOIN roles r ON r.id = ur.role_id
WHERE ur.user_id = $1
  AND ur.is_active
  AND (ur.expires_at IS NULL OR ur.expires_at >= $2)
  AND r.is_active AND r.deleted_at IS NULL
ORDER BY r.level DESC, r.id`, userID, now)
	if err != nil {
		return nil, fmt.Errorf("rbac: user assignments: %w", err)
	}
	defer rows.Close()
	var out []Assignment
	for rows.Next() {
		var a Assignment
		role, err := scanRole(rows, &a.UserID, &a.RoleID, &a.IsActive, &a.IsPrimary, &a.ExpiresAt, &a.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("rbac: scan assignment: %w", err)
		}
		a.Role = role
		out = append(out, a)
	}
	return out, rows.Err()
}

// RoleGrants implements PolicyReader.
func (s *PGStore) RoleGrants(ctx context.Context, roleIDs []int64) ([]RoleGrant, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
SELECT rp.role_id, `+permissionColumns+`
FROM role_permissions rp
JOIN permissions p ON p.id = rp.permission_id
WHERE rp.role_id = ANY($1) AND rp.is_active AND p.is_active`, roleIDs)
	if err != nil {
		return nil, fmt.Errorf("rbac: role grants: %w", err)
	}
	defer rows.Close()
	var out []RoleGrant
	for rows.Next() {
		var g RoleGrant
		if err := rows.Scan(append([]any{&g.RoleID}, permissionDest(&g.Permission)...)...); err != nil {
			return nil, fmt.Errorf("rbac: scan grant: %w", err)
		}
		g.Permission.Scope = g.Permission.Scope.orAll()
		out = append(out, g)
	}
	return out, rows.Err()
}

// UserOverrides implements PolicyReader.
func (s *PGStore) UserOverrides(ctx context.Context, userID int64, now time.Time) ([]Override, error) {
	return s.overrides(ctx, `
SELECT up.user_id, up.permission_id, up.is_denied, up.is_active, up.expires_at, up.created_at, `+permissionColumns+`
FROM user_permissions up
JOIN permissions p ON p.id = up.permission_id
WHERE up.user_id = $1
  AND up.is_active
  AND (up.expires_at IS NULL OR up.expires_at >= $2)
  AND p.is_active`, userID, now)
}

// ListOverrides returns every active override of the user, expired or not.
func (s *PGStore) ListOverrides(ctx context.Context, userID int64) ([]Override, error) {
	return s.overrides(ctx, `
SELECT up.user_id, up.permission_id, up.is_denied, up.is_active, up.expires_at, up.created_at, `+permissionColumns+`
FROM user_permissions up
JOIN permissions p ON p.id = up.permission_id
WHERE up.user_id = $1 AND up.is_active
ORDER BY p.name`, userID)
}

func (s *PGStore) overrides(ctx context.Context, sql string, args ...any) ([]Override, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("rbac: user overrides: %w", err)
	}
	defer rows.Close()
	var out []Override
	for rows.Next() {
		var o Override
		dest := append([]any{&o.UserID, &o.PermissionID, &o.IsDenied, &o.IsActive, &o.ExpiresAt, &o.CreatedAt}, permissionDest(&o.Permission)...)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("rbac: scan override: %w", err)
		}
		o.Permission.Scope = o.Permission.Scope.orAll()
		out = append(out, o)
	}
	return out, rows.Err()
}

// GetRole implements PolicyReader.
func (s *PGStore) GetRole(ctx context.Context, id int64) (Role, error) {
	return getRole(ctx, s.pool, id)
}

func getRole(ctx context.Context, q querier, id int64) (Role, error) {
	role, err := scanRole(q.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles r WHERE r.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, fmt.Errorf("rbac: role %d: %w", id, shared.ErrNotFound)
		}
		return Role{}, fmt.Errorf("rbac: get role: %w", err)
	}
	return role, nil
}

// PolicyVersion implements PolicyReader.
func (s *PGStore) PolicyVersion(ctx context.Context) (int64, error) {
	var v int64
	err := s.pool.QueryRow(ctx, `SELECT version FROM rbac_policy_version WHERE id`).Scan(&v)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("rbac: policy version: %w", err)
	}
	return v, nil
}

func bumpVersion(ctx context.Context, tx pgx.Tx) error {
	_, err := tx.Exec(ctx, `
INSERT INTO rbac_policy_version (id, version, updated_at) VALUES (TRUE, 1, NOW())
ON CONFLICT (id) DO UPDATE SET version = rbac_policy_version.version + 1, updated_at = NOW()`)
	if err != nil {
		return fmt.Errorf("rbac: bump policy version: %w", err)
	}
	return nil
}

// write runs fn in a transaction and bumps the policy version with it.
func (s *PGStore) write(ctx context.Context, fn func(pgx.Tx) error) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		return bumpVersion(ctx, tx)
	})
}

func mapWriteError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case db.IsCode(err, db.CodeUniqueViolation):
		return fmt.Errorf("rbac: %s: %w", op, shared.ErrConflict)
	case db.IsCode(err, db.CodeForeignKeyViolation):
		return fmt.Errorf("rbac: %s: %w", op, shared.ErrNotFound)
	case errors.Is(err, shared.ErrNotFound), errors.Is(err, shared.ErrConflict), errors.Is(err, shared.ErrForbidden):
		return err
	default:
		return fmt.Errorf("rbac: %s: %w", op, err)
	}
}

var (
	_ PolicyReader = (*PGStore)(nil)
	_ PolicyWriter = (*PGStore)(nil)
)
