package rbac

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/assetdesk/assetdesk/internal/shared"
)

// DefaultSuperRole is the role name that bypasses every requirement.
const DefaultSuperRole = "super_admin"

// Evaluator computes effective permissions for a principal.
type Evaluator interface {
	Evaluate(ctx context.Context, principalID int64) (EffectivePermissions, error)
}

// CalculatorConfig tunes the calculator.
type CalculatorConfig struct {
	// SuperRole names the role whose holders bypass every requirement.
	SuperRole string
	// StoreTimeout bounds each policy store call. Zero disables the bound.
	StoreTimeout time.Duration
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// Calculator resolves the effective permission set from policy store rows.
type Calculator struct {
	store        PolicyReader
	superRole    string
	storeTimeout time.Duration
	now          func() time.Time
}

// NewCalculator constructs a Calculator.
func NewCalculator(store PolicyReader, cfg CalculatorConfig) *Calculator {
	superRole := shared.NormalizeName(cfg.SuperRole)
	if superRole == "" {
		superRole = DefaultSuperRole
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Calculator{store: store, superRole: superRole, storeTimeout: cfg.StoreTimeout, now: now}
}

// SuperRole returns the configured bypass role name.
func (c *Calculator) SuperRole() string { return c.superRole }

// Evaluate computes the effective permissions of principalID at the current
// instant. An unknown principal yields an empty set. Any store failure is
// reported as shared.ErrUnavailable together with an empty set.
func (c *Calculator) Evaluate(ctx context.Context, principalID int64) (EffectivePermissions, error) {
	now := c.now()
	eff := EffectivePermissions{PrincipalID: principalID, Keys: map[PermissionKey]Grant{}, EvaluatedAt: now}
	if principalID <= 0 {
		return eff, nil
	}

	var (
		assignments []Assignment
		overrides   []Override
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.call(gctx, func(ctx context.Context) (err error) {
			assignments, err = c.store.UserAssignments(ctx, principalID, now)
			return err
		})
	})
	g.Go(func() error {
		return c.call(gctx, func(ctx context.Context) (err error) {
			overrides, err = c.store.UserOverrides(ctx, principalID, now)
			return err
		})
	})
	if err := g.Wait(); err != nil {
		return eff, unavailable(err)
	}

	var validUntil time.Time
	track := func(expiresAt *time.Time) {
		if expiresAt == nil {
			return
		}
		if validUntil.IsZero() || expiresAt.Before(validUntil) {
			validUntil = *expiresAt
		}
	}

	roleIDs := make([]int64, 0, len(assignments))
	active := make(map[int64]struct{}, len(assignments))
	for _, a := range assignments {
		if a.UserID != principalID || !a.IsActive || !validAt(a.ExpiresAt, now) || !a.Role.Usable() {
			continue
		}
		if _, dup := active[a.RoleID]; dup {
			continue
		}
		active[a.RoleID] = struct{}{}
		roleIDs = append(roleIDs, a.RoleID)
		eff.Roles = append(eff.Roles, a.Role.Name)
		if shared.NormalizeName(a.Role.Name) == c.superRole {
			eff.Super = true
		}
		track(a.ExpiresAt)
	}

	if len(roleIDs) > 0 {
		var grants []RoleGrant
		err := c.call(ctx, func(ctx context.Context) (err error) {
			grants, err = c.store.RoleGrants(ctx, roleIDs)
			return err
		})
		if err != nil {
			return EffectivePermissions{PrincipalID: principalID, Keys: map[PermissionKey]Grant{}, EvaluatedAt: now}, unavailable(err)
		}
		for _, rg := range grants {
			if _, ok := active[rg.RoleID]; !ok || !rg.Permission.IsActive {
				continue
			}
			eff.Keys[rg.Permission.Key()] = grantOf(rg.Permission)
		}
	}

	// Additive overrides first, then denies, so that a deny wins regardless of
	// row order.
	for _, o := range overrides {
		if o.IsDenied || !overrideValid(o, principalID, now) {
			continue
		}
		eff.Keys[o.Permission.Key()] = grantOf(o.Permission)
		track(o.ExpiresAt)
	}
	for _, o := range overrides {
		if !o.IsDenied || !overrideValid(o, principalID, now) {
			continue
		}
		delete(eff.Keys, o.Permission.Key())
		track(o.ExpiresAt)
	}

	sort.Strings(eff.Roles)
	eff.ValidUntil = validUntil
	return eff, nil
}

func overrideValid(o Override, principalID int64, now time.Time) bool {
	return o.UserID == principalID && o.IsActive && validAt(o.ExpiresAt, now) && o.Permission.IsActive
}

func grantOf(p Permission) Grant {
	risk := p.RiskLevel
	if risk == "" {
		risk = RiskLow
	}
	return Grant{Permission: p.Name, RiskLevel: risk}
}

func (c *Calculator) call(ctx context.Context, fn func(context.Context) error) error {
	if c.storeTimeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()
	return fn(ctx)
}

func unavailable(err error) error {
	return fmt.Errorf("rbac: %w: %w", shared.ErrUnavailable, err)
}
