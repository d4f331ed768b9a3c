package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/assetdesk/assetdesk/internal/app"
	"github.com/assetdesk/assetdesk/internal/auth"
	"github.com/assetdesk/assetdesk/internal/lockout"
	"github.com/assetdesk/assetdesk/internal/platform/httpx"
	"github.com/assetdesk/assetdesk/internal/rbac"
	"github.com/assetdesk/assetdesk/internal/shared"
	_ "github.com/assetdesk/assetdesk/testing"
)

// memPolicy is an in-memory policy reader with one role per user.
type memPolicy struct {
	roles  map[int64]rbac.Role
	grants map[int64][]rbac.Permission
	users  map[int64]int64
}

func (p *memPolicy) UserAssignments(ctx context.Context, userID int64, now time.Time) ([]rbac.Assignment, error) {
	roleID, ok := p.users[userID]
	if !ok {
		return nil, nil
	}
	return []rbac.Assignment{{
		UserRole: rbac.UserRole{UserID: userID, RoleID: roleID, IsActive: true, IsPrimary: true},
		Role:     p.roles[roleID],
	}}, nil
}

func (p *memPolicy) RoleGrants(ctx context.Context, roleIDs []int64) ([]rbac.RoleGrant, error) {
	var out []rbac.RoleGrant
	for _, id := range roleIDs {
		for _, perm := range p.grants[id] {
			out = append(out, rbac.RoleGrant{RoleID: id, Permission: perm})
		}
	}
	return out, nil
}

func (p *memPolicy) UserOverrides(ctx context.Context, userID int64, now time.Time) ([]rbac.Override, error) {
	return nil, nil
}

func (p *memPolicy) GetRole(ctx context.Context, id int64) (rbac.Role, error) {
	r, ok := p.roles[id]
	if !ok {
		return rbac.Role{}, shared.ErrNotFound
	}
	return r, nil
}

func (p *memPolicy) PolicyVersion(ctx context.Context) (int64, error) { return 1, nil }

func perm(id int64, resource, action string, scope rbac.Scope, risk rbac.RiskLevel) rbac.Permission {
	return rbac.Permission{
		ID:        id,
		Name:      resource + "." + action + "." + string(scope),
		Resource:  resource,
		Action:    action,
		Scope:     scope,
		RiskLevel: risk,
		IsActive:  true,
	}
}

type memDirectory struct {
	mu    sync.Mutex
	users map[string]*auth.User
}

func (d *memDirectory) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[strings.ToLower(email)]
	if !ok {
		return nil, shared.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (d *memDirectory) FindByID(ctx context.Context, id int64) (*auth.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range d.users {
		if u.ID == id {
			cp := *u
			return &cp, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (d *memDirectory) SetMFASecret(ctx context.Context, userID int64, secret string) error {
	return nil
}

func (d *memDirectory) CreateSession(ctx context.Context, id string, userID int64, expiresAt time.Time, ip, ua string) error {
	return nil
}

func (d *memDirectory) DeleteSession(ctx context.Context, id string) error { return nil }

type stack struct {
	server  *httptest.Server
	tracker *lockout.Tracker
}

func newStack(t *testing.T) *stack {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("correct-horse"), bcrypt.MinCost)
	require.NoError(t, err)

	policy := &memPolicy{
		roles: map[int64]rbac.Role{
			3: {ID: 3, Name: "Technician", Level: 30, IsActive: true, IsSystem: true},
			5: {ID: 5, Name: "Manager", Level: 50, IsActive: true, IsSystem: true},
		},
		grants: map[int64][]rbac.Permission{
			3: {
				perm(1, "assets", "view", rbac.ScopeAll, rbac.RiskLow),
				perm(2, "tickets", "update", rbac.ScopeOwn, rbac.RiskLow),
			},
			5: {
				perm(1, "assets", "view", rbac.ScopeAll, rbac.RiskLow),
				perm(3, "tickets", "update", rbac.ScopeTeam, rbac.RiskMedium),
			},
		},
		users: map[int64]int64{7: 3, 8: 5},
	}
	directory := &memDirectory{users: map[string]*auth.User{
		"tech@assetdesk.test":    {ID: 7, Email: "tech@assetdesk.test", Name: "Tech", PasswordHash: string(hash), IsActive: true},
		"manager@assetdesk.test": {ID: 8, Email: "manager@assetdesk.test", Name: "Manager", PasswordHash: string(hash), IsActive: true},
	}}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	sessions := shared.NewSessionManager(client, "assetdesk_session", time.Hour, false)

	tracker := lockout.NewTracker(lockout.NewMemoryStore(), lockout.Config{Threshold: 5, Duration: 15 * time.Minute})
	calc := rbac.NewCalculator(policy, rbac.CalculatorConfig{SuperRole: "super_admin"})
	enforcer := rbac.NewEnforcer(rbac.EnforcerConfig{Evaluator: calc, Locks: tracker})
	mw := rbac.Middleware{Enforcer: enforcer}

	authHandler := auth.NewHandler(nil, auth.NewService(directory, tracker, "AssetDesk", nil), sessions, calc, 0)

	r := chi.NewRouter()
	r.Use(app.SessionMiddleware(sessions, app.NewLogger(&app.Config{AppEnv: "test"})))
	r.Route("/auth", authHandler.MountRoutes)
	ok := func(w http.ResponseWriter, r *http.Request) { httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"}) }
	r.With(mw.RequireAll(rbac.Can("assets", "view", rbac.ScopeAll))).Get("/assets", ok)
	r.With(mw.RequireAll(rbac.Can("assets", "delete", rbac.ScopeAll))).Delete("/assets/{id}", ok)
	r.With(mw.RequireAny(
		rbac.Can("tickets", "update", rbac.ScopeOwn),
		rbac.Can("tickets", "update", rbac.ScopeTeam),
	)).Put("/tickets/{id}", ok)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &stack{server: srv, tracker: tracker}
}

func (s *stack) client(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar}
}

func (s *stack) do(t *testing.T, c *http.Client, method, path, body string) (*http.Response, httpx.ProblemDetail) {
	t.Helper()
	req, err := http.NewRequest(method, s.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := c.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	var p httpx.ProblemDetail
	if res.StatusCode >= 400 {
		_ = json.NewDecoder(res.Body).Decode(&p)
	}
	return res, p
}

func (s *stack) login(t *testing.T, c *http.Client, email, password string) *http.Response {
	t.Helper()
	res, _ := s.do(t, c, http.MethodPost, "/auth/login", `{"email":"`+email+`","password":"`+password+`"}`)
	return res
}

func TestAnonymousRequestIsUnauthenticated(t *testing.T) {
	s := newStack(t)

	res, p := s.do(t, s.client(t), http.MethodGet, "/assets", "")
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthenticated", p.Code)
}

func TestTechnicianAllAndAnyRequirements(t *testing.T) {
	s := newStack(t)
	c := s.client(t)
	require.Equal(t, http.StatusOK, s.login(t, c, "tech@assetdesk.test", "correct-horse").StatusCode)

	res, _ := s.do(t, c, http.MethodGet, "/assets", "")
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, p := s.do(t, c, http.MethodDelete, "/assets/42", "")
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "missing_permissions", p.Code)
	assert.Equal(t, []string{"assets:delete:all"}, p.Missing)

	// tickets:update:own satisfies the ANY requirement on its own.
	res, _ = s.do(t, c, http.MethodPut, "/tickets/5", "")
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestManagerPassesAnyThroughTeamScope(t *testing.T) {
	s := newStack(t)
	c := s.client(t)
	require.Equal(t, http.StatusOK, s.login(t, c, "manager@assetdesk.test", "correct-horse").StatusCode)

	res, _ := s.do(t, c, http.MethodPut, "/tickets/5", "")
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestLockoutRejectsLiveSession(t *testing.T) {
	s := newStack(t)
	session := s.client(t)
	require.Equal(t, http.StatusOK, s.login(t, session, "tech@assetdesk.test", "correct-horse").StatusCode)

	attacker := s.client(t)
	for i := 0; i < 5; i++ {
		res := s.login(t, attacker, "tech@assetdesk.test", "wrong-password")
		require.Equal(t, http.StatusUnauthorized, res.StatusCode, "attempt %d", i+1)
	}

	res := s.login(t, attacker, "tech@assetdesk.test", "correct-horse")
	assert.Equal(t, http.StatusLocked, res.StatusCode)
	assert.NotEmpty(t, res.Header.Get("Retry-After"))

	// The session opened before the lock is refused as well.
	res, p := s.do(t, session, http.MethodGet, "/assets", "")
	assert.Equal(t, http.StatusLocked, res.StatusCode)
	assert.Equal(t, "locked", p.Code)

	require.NoError(t, s.tracker.Unlock(context.Background(), 7))
	res, _ = s.do(t, session, http.MethodGet, "/assets", "")
	assert.Equal(t, http.StatusOK, res.StatusCode)
}
