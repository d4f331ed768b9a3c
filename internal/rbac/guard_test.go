package rbac

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evaluate(t *testing.T, s *fakeStore, userID int64) EffectivePermissions {
	t.Helper()
	eff, err := NewCalculator(s, CalculatorConfig{Now: clock}).Evaluate(context.Background(), userID)
	require.NoError(t, err)
	return eff
}

func TestGuardManagerScenarios(t *testing.T) {
	s := seededStore()
	s.assign(7, 2, nil)
	eff := evaluate(t, s, 7)
	g := NewGuard()

	tests := []struct {
		name    string
		req     Requirement
		allowed bool
		reason  Reason
		missing []PermissionKey
	}{
		{
			name:    "all satisfied",
			req:     All(Can("assets", "view", ScopeAll), Can("assets", "update", ScopeAll)),
			allowed: true,
			reason:  ReasonGranted,
		},
		{
			name:    "all missing one",
			req:     All(Can("assets", "view", ScopeAll), Can("assets", "delete", ScopeAll)),
			allowed: false,
			reason:  ReasonMissing,
			missing: []PermissionKey{Key("assets", "delete", ScopeAll)},
		},
		{
			name:    "any with one match",
			req:     Any(Can("assets", "delete", ScopeAll), Can("tickets", "view", ScopeTeam)),
			allowed: true,
			reason:  ReasonGranted,
		},
		{
			name:    "any with none",
			req:     Any(Can("assets", "delete", ScopeAll), Can("users", "manage", ScopeAll)),
			allowed: false,
			reason:  ReasonMissing,
			missing: []PermissionKey{Key("assets", "delete", ScopeAll), Key("users", "manage", ScopeAll)},
		},
		{
			name:    "empty requirement",
			req:     All(),
			allowed: true,
			reason:  ReasonNoRequirement,
		},
		{
			name:    "scope does not widen",
			req:     All(Can("tickets", "view", ScopeAll)),
			allowed: false,
			reason:  ReasonMissing,
			missing: []PermissionKey{Key("tickets", "view", ScopeAll)},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := g.Decide(eff, tc.req)
			assert.Equal(t, tc.allowed, d.Allowed)
			assert.Equal(t, tc.reason, d.Reason)
			assert.Equal(t, tc.missing, d.Missing)
		})
	}
}

func TestGuardTechnicianOwnScope(t *testing.T) {
	s := seededStore()
	s.assign(8, 3, nil)
	eff := evaluate(t, s, 8)
	g := NewGuard()

	assert.True(t, g.Decide(eff, All(Can("tickets", "update", ScopeOwn))).Allowed)
	assert.False(t, g.Decide(eff, All(Can("tickets", "update", ScopeTeam))).Allowed)
	assert.False(t, g.Decide(eff, All(Can("assets", "update", ScopeAll))).Allowed)
}

func TestGuardEmptyScopeMeansAll(t *testing.T) {
	s := seededStore()
	s.assign(7, 2, nil)
	eff := evaluate(t, s, 7)

	d := NewGuard().Decide(eff, All(Can("assets", "view", "")))
	assert.True(t, d.Allowed)
	assert.Equal(t, []PermissionKey{Key("assets", "view", ScopeAll)}, d.Matched)
}

func TestGuardCriticalRequiresMFA(t *testing.T) {
	s := seededStore()
	s.assign(9, 4, nil)
	eff := evaluate(t, s, 9)

	d := NewGuard().Decide(eff, All(Can("assets", "delete", ScopeAll)))
	require.True(t, d.Allowed)
	assert.True(t, d.RequiresMFA)
	assert.Equal(t, []PermissionKey{Key("assets", "delete", ScopeAll)}, d.Critical)

	d = NewGuard().Decide(eff, All(Can("users", "manage", ScopeAll)))
	require.True(t, d.Allowed)
	assert.False(t, d.RequiresMFA)
}

func TestGuardSuperRoleBypass(t *testing.T) {
	eff := EffectivePermissions{PrincipalID: 1, Keys: map[PermissionKey]Grant{}, Super: true}

	d := NewGuard().Decide(eff, All(Can("anything", "at-all", ScopeAll)))
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonSuperRole, d.Reason)
}

func TestGuardDuplicateNeedsReportedOnce(t *testing.T) {
	eff := EffectivePermissions{Keys: map[PermissionKey]Grant{}}
	need := Can("assets", "delete", ScopeAll)

	d := NewGuard().Decide(eff, All(need, need))
	assert.Equal(t, []PermissionKey{need.Key()}, d.Missing)
}

func TestGuardColonInNamesDoesNotCollide(t *testing.T) {
	eff := EffectivePermissions{Keys: map[PermissionKey]Grant{
		Key("a:b", "c", ScopeAll): {Permission: "weird", RiskLevel: RiskLow},
	}}
	d := NewGuard().Decide(eff, All(Can("a", "b:c", ScopeAll)))
	assert.False(t, d.Allowed)
}
