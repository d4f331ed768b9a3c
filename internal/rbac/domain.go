package rbac

import (
	"fmt"
	"strings"
	"time"

	"github.com/assetdesk/assetdesk/internal/shared"
)

// Scope narrows which records an action applies to.
type Scope string

// Supported scopes.
const (
	ScopeOwn  Scope = "own"
	ScopeTeam Scope = "team"
	ScopeAll  Scope = "all"
)

// ParseScope validates a scope at the data-entry boundary. An empty value is
// normalised to ScopeAll so that stored rows always carry an explicit scope.
func ParseScope(raw string) (Scope, error) {
	switch s := Scope(strings.ToLower(strings.TrimSpace(raw))); s {
	case "":
		return ScopeAll, nil
	case ScopeOwn, ScopeTeam, ScopeAll:
		return s, nil
	default:
		return "", fmt.Errorf("%w: unknown scope %q", shared.ErrValidation, raw)
	}
}

// orAll resolves an absent scope read back from storage.
func (s Scope) orAll() Scope {
	if s == "" {
		return ScopeAll
	}
	return s
}

// RiskLevel classifies how dangerous exercising a permission is.
type RiskLevel string

// Supported risk levels.
const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// ParseRiskLevel validates a risk level. Empty defaults to LOW.
func ParseRiskLevel(raw string) (RiskLevel, error) {
	switch r := RiskLevel(strings.ToUpper(strings.TrimSpace(raw))); r {
	case "":
		return RiskLow, nil
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return r, nil
	default:
		return "", fmt.Errorf("%w: unknown risk level %q", shared.ErrValidation, raw)
	}
}

// RequiresMFA is true only for CRITICAL permissions.
func (r RiskLevel) RequiresMFA() bool { return r == RiskCritical }

// AuditRequired is true for HIGH and CRITICAL permissions.
func (r RiskLevel) AuditRequired() bool { return r == RiskHigh || r == RiskCritical }

// PermissionKey identifies a grant structurally. It is comparable and used as a
// map key, so resource or action names containing ':' can never collide.
type PermissionKey struct {
	Resource string
	Action   string
	Scope    Scope
}

// Key builds a PermissionKey, resolving an empty scope to ScopeAll.
func Key(resource, action string, scope Scope) PermissionKey {
	return PermissionKey{Resource: resource, Action: action, Scope: scope.orAll()}
}

// String renders the key for logs and audit records only.
func (k PermissionKey) String() string {
	return k.Resource + ":" + k.Action + ":" + string(k.Scope.orAll())
}

// MarshalText lets keys appear in JSON payloads as readable strings.
func (k PermissionKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses the "resource:action:scope" form. The resource may
// itself contain ':'.
func (k *PermissionKey) UnmarshalText(b []byte) error {
	raw := string(b)
	i := strings.LastIndexByte(raw, ':')
	if i <= 0 {
		return fmt.Errorf("%w: malformed permission key %q", shared.ErrValidation, raw)
	}
	j := strings.LastIndexByte(raw[:i], ':')
	if j <= 0 {
		return fmt.Errorf("%w: malformed permission key %q", shared.ErrValidation, raw)
	}
	scope, err := ParseScope(raw[i+1:])
	if err != nil {
		return err
	}
	*k = PermissionKey{Resource: raw[:j], Action: raw[j+1 : i], Scope: scope}
	return nil
}

// Permission represents an atomic capability.
type Permission struct {
	ID          int64
	Name        string
	Description string
	Resource    string
	Action      string
	Scope       Scope
	RiskLevel   RiskLevel
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Key returns the structural key of the permission.
func (p Permission) Key() PermissionKey {
	return Key(p.Resource, p.Action, p.Scope)
}

// RequiresMFA is derived from the risk level.
func (p Permission) RequiresMFA() bool { return p.RiskLevel.RequiresMFA() }

// AuditRequired is derived from the risk level.
func (p Permission) AuditRequired() bool { return p.RiskLevel.AuditRequired() }

// Role represents a permission grouping with a level in the management hierarchy.
type Role struct {
	ID          int64
	Name        string
	Description string
	Level       int
	Priority    int
	IsSystem    bool
	IsActive    bool
	DeletedAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Usable reports whether the role may contribute grants.
func (r Role) Usable() bool {
	return r.IsActive && r.DeletedAt == nil
}

// RolePermission ties a permission to a role.
type RolePermission struct {
	RoleID       int64
	PermissionID int64
	IsActive     bool
	CreatedAt    time.Time
}

// UserRole links a user to a role.
type UserRole struct {
	UserID    int64
	RoleID    int64
	IsActive  bool
	IsPrimary bool
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// UserPermission is a user-level grant or deny override.
type UserPermission struct {
	UserID       int64
	PermissionID int64
	IsDenied     bool
	IsActive     bool
	ExpiresAt    *time.Time
	CreatedAt    time.Time
}

// validAt reports whether an optional expiry still holds at now.
func validAt(expiresAt *time.Time, now time.Time) bool {
	return expiresAt == nil || !expiresAt.Before(now)
}

// Grant carries the metadata of a granted key needed by the guard.
type Grant struct {
	Permission string
	RiskLevel  RiskLevel
}

// EffectivePermissions is the deny-resolved set of grants for one principal at
// one instant. It must not be reused across requests.
type EffectivePermissions struct {
	PrincipalID int64
	Keys        map[PermissionKey]Grant
	// Super is set when the principal holds the configured super role.
	Super bool
	// Roles lists the names of the roles that contributed.
	Roles         []string
	PolicyVersion int64
	EvaluatedAt   time.Time
	// ValidUntil is the earliest future expiry among contributing rows; zero
	// means nothing contributing expires.
	ValidUntil time.Time
}

// Has reports whether the key is granted.
func (e EffectivePermissions) Has(k PermissionKey) bool {
	_, ok := e.Keys[Key(k.Resource, k.Action, k.Scope)]
	return ok
}

// List returns the granted keys, for display.
func (e EffectivePermissions) List() []PermissionKey {
	keys := make([]PermissionKey, 0, len(e.Keys))
	for k := range e.Keys {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}

func (e EffectivePermissions) clone() EffectivePermissions {
	out := e
	out.Keys = make(map[PermissionKey]Grant, len(e.Keys))
	for k, v := range e.Keys {
		out.Keys[k] = v
	}
	out.Roles = append([]string(nil), e.Roles...)
	return out
}
