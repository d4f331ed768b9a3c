package rbac

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assetdesk/assetdesk/internal/shared"
)

func TestVersionedCacheHitsUntilVersionChanges(t *testing.T) {
	s := seededStore()
	s.assign(7, 3, nil)
	calc := NewCalculator(s, CalculatorConfig{Now: clock})
	c := NewVersionedCache(s, calc, time.Minute, 0, clock)
	ctx := context.Background()

	eff, err := c.Evaluate(ctx, 7)
	require.NoError(t, err)
	require.False(t, eff.Has(Key("users", "manage", ScopeAll)))
	_, err = c.Evaluate(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, s.assignCalls)

	s.mu.Lock()
	s.override(7, 15, false, nil)
	s.mu.Unlock()
	s.bump()

	eff, err = c.Evaluate(ctx, 7)
	require.NoError(t, err)
	assert.True(t, eff.Has(Key("users", "manage", ScopeAll)))
	assert.Equal(t, int64(1), eff.PolicyVersion)
	assert.Equal(t, 2, s.assignCalls)
}

func TestVersionedCacheDropsExpiredEntries(t *testing.T) {
	s := seededStore()
	until := fixedNow.Add(time.Minute)
	s.assign(7, 2, &until)

	now := fixedNow
	tick := func() time.Time { return now }
	calc := NewCalculator(s, CalculatorConfig{Now: tick})
	c := NewVersionedCache(s, calc, time.Hour, 0, tick)
	ctx := context.Background()

	eff, err := c.Evaluate(ctx, 7)
	require.NoError(t, err)
	require.True(t, eff.Has(Key("assets", "update", ScopeAll)))

	now = fixedNow.Add(2 * time.Minute)
	eff, err = c.Evaluate(ctx, 7)
	require.NoError(t, err)
	assert.False(t, eff.Has(Key("assets", "update", ScopeAll)))
	assert.Equal(t, 2, s.assignCalls)
}

func TestVersionedCacheVersionFailureIsUnavailable(t *testing.T) {
	s := seededStore()
	s.assign(7, 2, nil)
	c := NewVersionedCache(s, NewCalculator(s, CalculatorConfig{Now: clock}), time.Minute, 0, clock)

	_, err := c.Evaluate(context.Background(), 7)
	require.NoError(t, err)

	s.versionErr = errors.New("db down")
	eff, err := c.Evaluate(context.Background(), 7)
	assert.ErrorIs(t, err, shared.ErrUnavailable)
	assert.Empty(t, eff.Keys)
}

func TestVersionedCacheReturnsCopies(t *testing.T) {
	s := seededStore()
	s.assign(7, 2, nil)
	c := NewVersionedCache(s, NewCalculator(s, CalculatorConfig{Now: clock}), time.Minute, 0, clock)

	eff, err := c.Evaluate(context.Background(), 7)
	require.NoError(t, err)
	delete(eff.Keys, Key("assets", "view", ScopeAll))

	again, err := c.Evaluate(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, again.Has(Key("assets", "view", ScopeAll)))
}

func TestVersionedCacheDoesNotStoreFailures(t *testing.T) {
	s := seededStore()
	s.assign(7, 2, nil)
	s.err = errors.New("boom")
	c := NewVersionedCache(s, NewCalculator(s, CalculatorConfig{Now: clock}), time.Minute, 0, clock)

	_, err := c.Evaluate(context.Background(), 7)
	require.Error(t, err)

	s.mu.Lock()
	s.err = nil
	s.mu.Unlock()
	eff, err := c.Evaluate(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, eff.Has(Key("assets", "view", ScopeAll)))
}

// gatedEvaluator blocks until released or its context ends.
type gatedEvaluator struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedEvaluator) Evaluate(ctx context.Context, principalID int64) (EffectivePermissions, error) {
	g.once.Do(func() { close(g.started) })
	select {
	case <-ctx.Done():
		return EffectivePermissions{}, ctx.Err()
	case <-g.release:
	}
	return EffectivePermissions{
		PrincipalID: principalID,
		Keys:        map[PermissionKey]Grant{Key("assets", "view", ScopeAll): {Permission: "assets.view.all", RiskLevel: RiskLow}},
		EvaluatedAt: fixedNow,
	}, nil
}

func TestVersionedCacheCanceledCallerDoesNotFailOthers(t *testing.T) {
	s := seededStore()
	next := &gatedEvaluator{started: make(chan struct{}), release: make(chan struct{})}
	c := NewVersionedCache(s, next, time.Minute, 0, clock)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := c.Evaluate(ctxA, 7)
		errA <- err
	}()
	<-next.started

	type result struct {
		eff EffectivePermissions
		err error
	}
	resB := make(chan result, 1)
	go func() {
		eff, err := c.Evaluate(context.Background(), 7)
		resB <- result{eff, err}
	}()

	cancelA()
	err := <-errA
	assert.ErrorIs(t, err, context.Canceled)

	close(next.release)
	b := <-resB
	require.NoError(t, b.err)
	assert.True(t, b.eff.Has(Key("assets", "view", ScopeAll)))
}
