package rbac

import (
	"context"
	"fmt"
	"strings"

	"github.com/assetdesk/assetdesk/internal/shared"
)

// PermissionWriter is the slice of the policy store used to administer
// permissions.
type PermissionWriter interface {
	ListPermissions(ctx context.Context) ([]Permission, error)
	CreatePermission(ctx context.Context, in NewPermission) (Permission, error)
	SetPermissionActive(ctx context.Context, id int64, active bool) (Permission, error)
}

// PermissionInput is the raw input for a new permission.
type PermissionInput struct {
	Name        string
	Description string
	Resource    string
	Action      string
	Scope       string
	RiskLevel   string
}

// AdminService administers the permission catalogue.
type AdminService struct {
	store PermissionWriter
	audit AuditHook
}

// NewAdminService constructs an AdminService.
func NewAdminService(store PermissionWriter, audit AuditHook) *AdminService {
	if audit == nil {
		audit = NopAudit
	}
	return &AdminService{store: store, audit: audit}
}

// ListPermissions returns the catalogue.
func (s *AdminService) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.store.ListPermissions(ctx)
}

// CreatePermission validates and stores a new permission. Scope and risk
// level are resolved to explicit enum values here, never inferred later.
func (s *AdminService) CreatePermission(ctx context.Context, actorID int64, in PermissionInput) (Permission, error) {
	np, err := ValidatePermission(in)
	if err != nil {
		return Permission{}, err
	}
	p, err := s.store.CreatePermission(ctx, np)
	if err != nil {
		return Permission{}, err
	}
	ev := NewAuditEvent(AuditAdminChange, actorID, "permission:create")
	ev.Keys = []PermissionKey{p.Key()}
	ev.Meta = map[string]any{"name": p.Name, "risk_level": string(p.RiskLevel)}
	s.audit.Notify(ctx, ev)
	return p, nil
}

// SetPermissionActive toggles a permission.
func (s *AdminService) SetPermissionActive(ctx context.Context, actorID, id int64, active bool) (Permission, error) {
	p, err := s.store.SetPermissionActive(ctx, id, active)
	if err != nil {
		return Permission{}, err
	}
	ev := NewAuditEvent(AuditAdminChange, actorID, "permission:set_active")
	ev.Keys = []PermissionKey{p.Key()}
	ev.Meta = map[string]any{"active": active}
	s.audit.Notify(ctx, ev)
	return p, nil
}

// ValidatePermission normalises and checks permission input.
func ValidatePermission(in PermissionInput) (NewPermission, error) {
	scope, err := ParseScope(in.Scope)
	if err != nil {
		return NewPermission{}, err
	}
	risk, err := ParseRiskLevel(in.RiskLevel)
	if err != nil {
		return NewPermission{}, err
	}
	np := NewPermission{
		Name:        shared.NormalizeName(in.Name),
		Description: strings.TrimSpace(in.Description),
		Resource:    strings.ToLower(shared.NormalizeName(in.Resource)),
		Action:      strings.ToLower(shared.NormalizeName(in.Action)),
		Scope:       scope,
		RiskLevel:   risk,
	}
	if np.Resource == "" || np.Action == "" {
		return NewPermission{}, fmt.Errorf("%w: resource and action are required", shared.ErrValidation)
	}
	if np.Name == "" {
		np.Name = np.Resource + "." + np.Action + "." + string(np.Scope)
	}
	return np, nil
}
