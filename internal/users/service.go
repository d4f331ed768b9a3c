package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/assetdesk/assetdesk/internal/lockout"
	"github.com/assetdesk/assetdesk/internal/rbac"
	"github.com/assetdesk/assetdesk/internal/shared"
)

// ErrOutranked is returned when the actor does not outrank the target user.
var ErrOutranked = fmt.Errorf("%w: target user is not below the actor", shared.ErrForbidden)

// ErrNotHeld is returned when an actor grants a permission it does not hold.
var ErrNotHeld = fmt.Errorf("%w: cannot grant a permission the actor does not hold", shared.ErrForbidden)

// DirectoryPort looks up user accounts.
type DirectoryPort interface {
	GetUser(ctx context.Context, id int64) (User, error)
}

// PolicyPort defines the override side of the policy store.
type PolicyPort interface {
	GetPermission(ctx context.Context, id int64) (rbac.Permission, error)
	UpsertOverride(ctx context.Context, o rbac.UserPermission) error
	RemoveOverride(ctx context.Context, userID, permissionID int64) error
	ListOverrides(ctx context.Context, userID int64) ([]rbac.Override, error)
}

// LockPort is the account lock administration surface.
type LockPort interface {
	CheckLock(ctx context.Context, principalID int64) (lockout.LockState, error)
	Lock(ctx context.Context, principalID int64) (lockout.LockState, error)
	Unlock(ctx context.Context, principalID int64) error
}

// Authority resolves hierarchy standing.
type Authority interface {
	AuthorityOf(ctx context.Context, actorID int64) (rbac.Authority, error)
}

// Service handles user business logic.
type Service struct {
	directory DirectoryPort
	policy    PolicyPort
	evaluator rbac.Evaluator
	locks     LockPort
	hierarchy Authority
	audit     rbac.AuditHook
	now       func() time.Time
}

// NewService builds Service instance.
func NewService(directory DirectoryPort, policy PolicyPort, evaluator rbac.Evaluator, locks LockPort, hierarchy Authority, audit rbac.AuditHook) *Service {
	if audit == nil {
		audit = rbac.NopAudit
	}
	return &Service{
		directory: directory,
		policy:    policy,
		evaluator: evaluator,
		locks:     locks,
		hierarchy: hierarchy,
		audit:     audit,
		now:       time.Now,
	}
}

// EffectivePermissions evaluates the current permission set of a user.
func (s *Service) EffectivePermissions(ctx context.Context, userID int64) (EffectiveView, error) {
	user, err := s.directory.GetUser(ctx, userID)
	if err != nil {
		return EffectiveView{}, err
	}
	eff, err := s.evaluator.Evaluate(ctx, userID)
	if err != nil {
		return EffectiveView{}, err
	}
	view := EffectiveView{
		User:          user,
		Permissions:   eff.List(),
		Roles:         eff.Roles,
		Super:         eff.Super,
		PolicyVersion: eff.PolicyVersion,
		EvaluatedAt:   eff.EvaluatedAt,
	}
	if view.Roles == nil {
		view.Roles = []string{}
	}
	if !eff.ValidUntil.IsZero() {
		until := eff.ValidUntil
		view.ValidUntil = &until
	}
	view.Lock, err = s.LockStatus(ctx, userID)
	if err != nil {
		return EffectiveView{}, err
	}
	return view, nil
}

// ListOverrides returns every override row of a user, including inactive ones.
func (s *Service) ListOverrides(ctx context.Context, userID int64) ([]rbac.Override, error) {
	if _, err := s.directory.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return s.policy.ListOverrides(ctx, userID)
}

// SetOverride grants or denies one permission to a user. A grant is only
// allowed for permissions the actor holds itself.
func (s *Service) SetOverride(ctx context.Context, actorID, userID int64, in OverrideInput) error {
	if in.ExpiresAt != nil && !in.ExpiresAt.After(s.now()) {
		return fmt.Errorf("%w: expires_at must be in the future", shared.ErrValidation)
	}
	if _, err := s.directory.GetUser(ctx, userID); err != nil {
		return err
	}
	actor, err := s.requireOutrank(ctx, actorID, userID)
	if err != nil {
		return err
	}
	perm, err := s.policy.GetPermission(ctx, in.PermissionID)
	if err != nil {
		return err
	}
	if !in.Denied && !actor.Super {
		eff, err := s.evaluator.Evaluate(ctx, actorID)
		if err != nil {
			return err
		}
		if !eff.Has(perm.Key()) {
			return ErrNotHeld
		}
	}
	o := rbac.UserPermission{UserID: userID, PermissionID: perm.ID, IsDenied: in.Denied, IsActive: true, ExpiresAt: in.ExpiresAt}
	if err := s.policy.UpsertOverride(ctx, o); err != nil {
		return err
	}
	ev := rbac.NewAuditEvent(rbac.AuditAdminChange, actorID, "user:override")
	ev.Keys = []rbac.PermissionKey{perm.Key()}
	ev.Meta = map[string]any{"user_id": userID, "denied": in.Denied}
	if in.ExpiresAt != nil {
		ev.Meta["expires_at"] = in.ExpiresAt.UTC()
	}
	s.audit.Notify(ctx, ev)
	return nil
}

// RemoveOverride deactivates an override.
func (s *Service) RemoveOverride(ctx context.Context, actorID, userID, permissionID int64) error {
	if _, err := s.requireOutrank(ctx, actorID, userID); err != nil {
		return err
	}
	if err := s.policy.RemoveOverride(ctx, userID, permissionID); err != nil {
		return err
	}
	ev := rbac.NewAuditEvent(rbac.AuditAdminChange, actorID, "user:remove_override")
	ev.Meta = map[string]any{"user_id": userID, "permission_id": permissionID}
	s.audit.Notify(ctx, ev)
	return nil
}

// LockStatus returns the lock state of a user.
func (s *Service) LockStatus(ctx context.Context, userID int64) (lockout.LockState, error) {
	st, err := s.locks.CheckLock(ctx, userID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return st, err
		}
		return st, fmt.Errorf("users: lock status: %w: %w", shared.ErrUnavailable, err)
	}
	return st, nil
}

// Lock places a manual lock on a user.
func (s *Service) Lock(ctx context.Context, actorID, userID int64) (lockout.LockState, error) {
	if actorID == userID {
		return lockout.LockState{}, fmt.Errorf("%w: cannot lock own account", shared.ErrValidation)
	}
	if _, err := s.directory.GetUser(ctx, userID); err != nil {
		return lockout.LockState{}, err
	}
	if _, err := s.requireOutrank(ctx, actorID, userID); err != nil {
		return lockout.LockState{}, err
	}
	st, err := s.locks.Lock(ctx, userID)
	if err != nil {
		return st, err
	}
	ev := rbac.NewAuditEvent(rbac.AuditAdminChange, actorID, "user:lock")
	ev.Meta = map[string]any{"user_id": userID}
	s.audit.Notify(ctx, ev)
	return st, nil
}

// Unlock clears a lock and the failure counter.
func (s *Service) Unlock(ctx context.Context, actorID, userID int64) error {
	if _, err := s.directory.GetUser(ctx, userID); err != nil {
		return err
	}
	if _, err := s.requireOutrank(ctx, actorID, userID); err != nil {
		return err
	}
	if err := s.locks.Unlock(ctx, userID); err != nil {
		return err
	}
	ev := rbac.NewAuditEvent(rbac.AuditAdminChange, actorID, "user:unlock")
	ev.Meta = map[string]any{"user_id": userID}
	s.audit.Notify(ctx, ev)
	return nil
}

func (s *Service) requireOutrank(ctx context.Context, actorID, userID int64) (rbac.Authority, error) {
	actor, err := s.hierarchy.AuthorityOf(ctx, actorID)
	if err != nil {
		return actor, fmt.Errorf("users: hierarchy: %w: %w", shared.ErrUnavailable, err)
	}
	if actor.Super {
		return actor, nil
	}
	target, err := s.hierarchy.AuthorityOf(ctx, userID)
	if err != nil {
		return actor, fmt.Errorf("users: hierarchy: %w: %w", shared.ErrUnavailable, err)
	}
	if target.Super || !actor.Outranks(target.Level) {
		return actor, ErrOutranked
	}
	return actor, nil
}
