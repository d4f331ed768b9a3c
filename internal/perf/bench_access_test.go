package perf

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/assetdesk/assetdesk/internal/lockout"
	"github.com/assetdesk/assetdesk/internal/rbac"
)

// catalogPolicy serves a wide role for benchmarking evaluation.
type catalogPolicy struct {
	perms []rbac.Permission
}

func newCatalogPolicy(n int) *catalogPolicy {
	p := &catalogPolicy{}
	scopes := []rbac.Scope{rbac.ScopeOwn, rbac.ScopeTeam, rbac.ScopeAll}
	for i := 0; i < n; i++ {
		res := fmt.Sprintf("res%02d", i/3)
		scope := scopes[i%3]
		p.perms = append(p.perms, rbac.Permission{
			ID:        int64(i + 1),
			Name:      res + ".view." + string(scope),
			Resource:  res,
			Action:    "view",
			Scope:     scope,
			RiskLevel: rbac.RiskLow,
			IsActive:  true,
		})
	}
	return p
}

func (p *catalogPolicy) UserAssignments(ctx context.Context, userID int64, now time.Time) ([]rbac.Assignment, error) {
	return []rbac.Assignment{{
		UserRole: rbac.UserRole{UserID: userID, RoleID: 1, IsActive: true},
		Role:     rbac.Role{ID: 1, Name: "Admin", Level: 80, IsActive: true},
	}}, nil
}

func (p *catalogPolicy) RoleGrants(ctx context.Context, roleIDs []int64) ([]rbac.RoleGrant, error) {
	out := make([]rbac.RoleGrant, 0, len(p.perms))
	for _, perm := range p.perms {
		out = append(out, rbac.RoleGrant{RoleID: 1, Permission: perm})
	}
	return out, nil
}

func (p *catalogPolicy) UserOverrides(ctx context.Context, userID int64, now time.Time) ([]rbac.Override, error) {
	return nil, nil
}

func (p *catalogPolicy) GetRole(ctx context.Context, id int64) (rbac.Role, error) {
	return rbac.Role{ID: id, Name: "Admin", Level: 80, IsActive: true}, nil
}

func (p *catalogPolicy) PolicyVersion(ctx context.Context) (int64, error) { return 1, nil }

func BenchmarkGuardDecideAll(b *testing.B) {
	calc := rbac.NewCalculator(newCatalogPolicy(150), rbac.CalculatorConfig{SuperRole: "super_admin"})
	eff, err := calc.Evaluate(context.Background(), 1)
	if err != nil {
		b.Fatal(err)
	}
	req := rbac.All(
		rbac.Can("res10", "view", rbac.ScopeAll),
		rbac.Can("res20", "view", rbac.ScopeTeam),
		rbac.Can("res49", "view", rbac.ScopeOwn),
	)
	guard := rbac.NewGuard()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if d := guard.Decide(eff, req); !d.Allowed {
			b.Fatalf("unexpected deny: %s", d.Reason)
		}
	}
}

func BenchmarkCalculatorEvaluate(b *testing.B) {
	calc := rbac.NewCalculator(newCatalogPolicy(150), rbac.CalculatorConfig{SuperRole: "super_admin"})
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := calc.Evaluate(ctx, 1); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCachedEvaluate(b *testing.B) {
	policy := newCatalogPolicy(150)
	calc := rbac.NewCalculator(policy, rbac.CalculatorConfig{SuperRole: "super_admin"})
	cache := rbac.NewVersionedCache(policy, calc, time.Minute, time.Second, nil)
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := cache.Evaluate(ctx, 1); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkEnforcerAuthorize(b *testing.B) {
	calc := rbac.NewCalculator(newCatalogPolicy(150), rbac.CalculatorConfig{SuperRole: "super_admin"})
	enforcer := rbac.NewEnforcer(rbac.EnforcerConfig{
		Evaluator: calc,
		Locks:     lockout.NewTracker(lockout.NewMemoryStore(), lockout.Config{}),
	})
	req := rbac.Any(rbac.Can("res01", "view", rbac.ScopeOwn), rbac.Can("res02", "view", rbac.ScopeTeam))
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if d := enforcer.Authorize(ctx, 1, req); !d.Allowed {
			b.Fatalf("unexpected deny: %s", d.Reason)
		}
	}
}

// TestEvaluationLatencyBudget keeps uncached evaluation over a wide role
// well under the request budget.
func TestEvaluationLatencyBudget(t *testing.T) {
	if testing.Short() {
		t.Skip("latency sampling skipped in short mode")
	}
	calc := rbac.NewCalculator(newCatalogPolicy(150), rbac.CalculatorConfig{SuperRole: "super_admin"})
	ctx := context.Background()
	samples := make([]time.Duration, 0, 200)
	for i := 0; i < 200; i++ {
		start := time.Now()
		if _, err := calc.Evaluate(ctx, 1); err != nil {
			t.Fatal(err)
		}
		samples = append(samples, time.Since(start))
	}
	if p95 := percentile95(samples); p95 > 50*time.Millisecond {
		t.Fatalf("evaluation latency regression: p95=%s threshold=%s", p95, 50*time.Millisecond)
	}
}

func percentile95(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	index := int(float64(len(sorted)-1) * 0.95)
	if index < 0 {
		index = 0
	}
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}
