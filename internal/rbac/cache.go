package rbac

import (
	"context"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// VersionedCache memoizes evaluations keyed by (principal, policy version).
// The version is read on every call, so an administrative write invalidates
// every entry at once; entries are also dropped once a contributing row
// expires. A failed version read is ErrUnavailable, never a cached hit.
//
// The version is read before the rows, so a cached set is never older than
// the version it is stored under.
type VersionedCache struct {
	store   PolicyReader
	next    Evaluator
	items   *gocache.Cache
	group   singleflight.Group
	now     func() time.Time
	timeout time.Duration
}

// NewVersionedCache wraps next. ttl only bounds memory; correctness comes from
// the version key.
func NewVersionedCache(store PolicyReader, next Evaluator, ttl, storeTimeout time.Duration, now func() time.Time) *VersionedCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &VersionedCache{
		store:   store,
		next:    next,
		items:   gocache.New(ttl, 2*ttl),
		now:     now,
		timeout: storeTimeout,
	}
}

// Evaluate implements Evaluator.
func (c *VersionedCache) Evaluate(ctx context.Context, principalID int64) (EffectivePermissions, error) {
	if principalID <= 0 {
		return c.next.Evaluate(ctx, principalID)
	}
	empty := EffectivePermissions{PrincipalID: principalID, Keys: map[PermissionKey]Grant{}, EvaluatedAt: c.now()}

	version, err := c.version(ctx)
	if err != nil {
		return empty, unavailable(err)
	}
	key := strconv.FormatInt(principalID, 10) + "@" + strconv.FormatInt(version, 10)

	if v, ok := c.items.Get(key); ok {
		eff := v.(EffectivePermissions)
		if eff.ValidUntil.IsZero() || !c.now().After(eff.ValidUntil) {
			return eff.clone(), nil
		}
		c.items.Delete(key)
	}

	// The shared call outlives any single caller; the store timeout bounds it.
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		eff, err := c.next.Evaluate(detached, principalID)
		if err != nil {
			return nil, err
		}
		eff.PolicyVersion = version
		c.items.SetDefault(key, eff)
		return eff, nil
	})
	select {
	case <-ctx.Done():
		return empty, unavailable(ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return empty, res.Err
		}
		return res.Val.(EffectivePermissions).clone(), nil
	}
}

// Flush drops every entry.
func (c *VersionedCache) Flush() {
	c.items.Flush()
}

func (c *VersionedCache) version(ctx context.Context) (int64, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return c.store.PolicyVersion(ctx)
}
