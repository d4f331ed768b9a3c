package rbac

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assetdesk/assetdesk/internal/lockout"
)

func TestManagerWithUserDenyOnTicketUpdate(t *testing.T) {
	s := newFakeStore()
	s.addRole(2, "Manager", 50)
	s.addPerm(30, "tickets", "update", ScopeAll, RiskMedium)
	s.link(2, 30)
	s.assign(11, 2, nil)
	s.override(11, 30, true, nil)

	eff := evaluate(t, s, 11)
	d := NewGuard().Decide(eff, All(Can("tickets", "update", ScopeAll)))
	assert.False(t, d.Allowed)
	assert.Equal(t, []PermissionKey{Key("tickets", "update", ScopeAll)}, d.Missing)
}

func TestTechnicianAnyOfEquipmentDeleteOrUpdate(t *testing.T) {
	s := newFakeStore()
	s.addRole(3, "Technician", 30)
	s.addPerm(40, "equipment", "view", ScopeAll, RiskLow)
	s.addPerm(41, "equipment", "update", ScopeAll, RiskMedium)
	s.link(3, 40, 41)
	s.assign(12, 3, nil)

	eff := evaluate(t, s, 12)
	d := NewGuard().Decide(eff, Any(Can("equipment", "delete", ScopeAll), Can("equipment", "update", ScopeAll)))
	assert.True(t, d.Allowed)
	assert.Equal(t, []PermissionKey{Key("equipment", "update", ScopeAll)}, d.Matched)
}

func TestManagerCannotManageAdminDespiteAssignPermission(t *testing.T) {
	s := newFakeStore()
	s.addRole(2, "Manager", 50)
	s.addRole(4, "Admin", 80)
	s.addPerm(50, "roles", "assign", ScopeAll, RiskHigh)
	s.link(2, 50)
	s.assign(13, 2, nil)

	eff := evaluate(t, s, 13)
	require.True(t, eff.Has(Key("roles", "assign", ScopeAll)))

	ok, err := NewHierarchy(s, "", 0, clock).CanManage(context.Background(), 13, 4)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSixthLoginAttemptNeverEvaluates(t *testing.T) {
	s := seededStore()
	s.assign(14, 2, nil)
	tracker := lockout.NewTracker(lockout.NewMemoryStore(), lockout.Config{Now: clock})
	e, _, _ := newTestEnforcer(s, tracker)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := tracker.RecordFailedAuth(ctx, 14)
		require.NoError(t, err)
	}
	st, err := tracker.CheckLock(ctx, 14)
	require.NoError(t, err)
	require.True(t, st.Locked())

	d := e.Authorize(ctx, 14, All(Can("assets", "view", ScopeAll)))
	assert.Equal(t, ReasonLocked, d.Reason)
	assert.Zero(t, s.assignCalls)
}
