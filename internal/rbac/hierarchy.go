package rbac

import (
	"context"
	"time"

	"github.com/assetdesk/assetdesk/internal/shared"
)

// Authority describes an actor's standing in the role hierarchy.
type Authority struct {
	// Level is the highest level among the actor's usable roles; -1 when none.
	Level int
	Super bool
}

// Outranks reports whether the actor may administer a role of the given level.
func (a Authority) Outranks(level int) bool {
	return a.Super || a.Level > level
}

// Hierarchy decides whether an actor may administer a role. It is a second
// gate layered on top of the permission check of the route.
type Hierarchy struct {
	store     PolicyReader
	superRole string
	timeout   time.Duration
	now       func() time.Time
}

// NewHierarchy constructs a Hierarchy. storeTimeout bounds each store call;
// zero disables the bound.
func NewHierarchy(store PolicyReader, superRole string, storeTimeout time.Duration, now func() time.Time) *Hierarchy {
	superRole = shared.NormalizeName(superRole)
	if superRole == "" {
		superRole = DefaultSuperRole
	}
	if now == nil {
		now = time.Now
	}
	return &Hierarchy{store: store, superRole: superRole, timeout: storeTimeout, now: now}
}

// AuthorityOf resolves the actor's highest active role level.
func (h *Hierarchy) AuthorityOf(ctx context.Context, actorID int64) (Authority, error) {
	auth := Authority{Level: -1}
	if actorID <= 0 {
		return auth, nil
	}
	now := h.now()
	var assignments []Assignment
	err := h.call(ctx, func(ctx context.Context) (err error) {
		assignments, err = h.store.UserAssignments(ctx, actorID, now)
		return err
	})
	if err != nil {
		return auth, err
	}
	for _, a := range assignments {
		if a.UserID != actorID || !a.IsActive || !validAt(a.ExpiresAt, now) || !a.Role.Usable() {
			continue
		}
		if shared.NormalizeName(a.Role.Name) == h.superRole {
			auth.Super = true
		}
		if a.Role.Level > auth.Level {
			auth.Level = a.Role.Level
		}
	}
	return auth, nil
}

// CanManage reports whether actorID may assign, revoke or edit targetRoleID.
// An unknown role is shared.ErrNotFound.
func (h *Hierarchy) CanManage(ctx context.Context, actorID, targetRoleID int64) (bool, error) {
	var target Role
	err := h.call(ctx, func(ctx context.Context) (err error) {
		target, err = h.store.GetRole(ctx, targetRoleID)
		return err
	})
	if err != nil {
		return false, err
	}
	auth, err := h.AuthorityOf(ctx, actorID)
	if err != nil {
		return false, err
	}
	return auth.Outranks(target.Level), nil
}

func (h *Hierarchy) call(ctx context.Context, fn func(context.Context) error) error {
	if h.timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	return fn(ctx)
}
