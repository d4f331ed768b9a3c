package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assetdesk/assetdesk/internal/lockout"
	"github.com/assetdesk/assetdesk/internal/rbac"
)

type stubEvaluator struct {
	eff rbac.EffectivePermissions
}

func (s stubEvaluator) Evaluate(ctx context.Context, principalID int64) (rbac.EffectivePermissions, error) {
	eff := s.eff
	eff.PrincipalID = principalID
	return eff, nil
}

func managerPermissions() rbac.EffectivePermissions {
	return rbac.EffectivePermissions{
		Keys: map[rbac.PermissionKey]rbac.Grant{
			rbac.Key("assets", "view", rbac.ScopeAll):    {Permission: "assets.view.all", RiskLevel: rbac.RiskLow},
			rbac.Key("tickets", "update", rbac.ScopeOwn): {Permission: "tickets.update.own", RiskLevel: rbac.RiskLow},
		},
		Roles:         []string{"Manager"},
		PolicyVersion: 7,
	}
}

func TestExplainReportsPermissionsAndCheck(t *testing.T) {
	tracker := lockout.NewTracker(lockout.NewMemoryStore(), lockout.Config{})
	var out bytes.Buffer
	c := &AccessCLI{Evaluator: stubEvaluator{eff: managerPermissions()}, Locks: tracker, Out: &out}

	require.NoError(t, c.Explain(context.Background(), "3", "tickets:update:all"))

	var got explanation
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, int64(3), got.UserID)
	assert.Equal(t, []string{"assets:view:all", "tickets:update:own"}, got.Permissions)
	assert.Equal(t, int64(7), got.PolicyVersion)
	require.NotNil(t, got.Check)
	assert.False(t, got.Check.Allowed)
	assert.Equal(t, string(rbac.ReasonMissing), got.Check.Reason)
}

func TestExplainLockedUserIsDenied(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	tracker := lockout.NewTracker(lockout.NewMemoryStore(), lockout.Config{Now: func() time.Time { return now }})
	_, err := tracker.Lock(context.Background(), 3)
	require.NoError(t, err)

	var out bytes.Buffer
	c := &AccessCLI{Evaluator: stubEvaluator{eff: managerPermissions()}, Locks: tracker, Out: &out}
	require.NoError(t, c.Explain(context.Background(), "3", "assets:view:all"))

	var got explanation
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.True(t, got.Lock.Locked())
	assert.False(t, got.Check.Allowed)
	assert.Equal(t, string(rbac.ReasonLocked), got.Check.Reason)

	out.Reset()
	require.NoError(t, c.Unlock(context.Background(), "3"))
	assert.Contains(t, out.String(), "user 3 unlocked")
	st, err := tracker.CheckLock(context.Background(), 3)
	require.NoError(t, err)
	assert.False(t, st.Locked())
}

func TestExplainRejectsBadInput(t *testing.T) {
	c := &AccessCLI{Evaluator: stubEvaluator{}, Locks: lockout.NewTracker(lockout.NewMemoryStore(), lockout.Config{}), Out: &bytes.Buffer{}}

	assert.Error(t, c.Explain(context.Background(), "abc", ""))
	assert.Error(t, c.Explain(context.Background(), "0", ""))
	assert.Error(t, c.Explain(context.Background(), "3", "tickets:update:galaxy"))
}
