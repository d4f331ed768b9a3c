package roles

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assetdesk/assetdesk/internal/rbac"
	"github.com/assetdesk/assetdesk/internal/shared"
)

type memRepo struct {
	mu        sync.Mutex
	nextID    int64
	roles     map[int64]rbac.Role
	perms     map[int64]rbac.Permission
	links     map[int64]map[int64]bool
	userRoles map[[2]int64]rbac.UserRole
	users     map[int64]bool
	version   int64
}

func newMemRepo() *memRepo {
	r := &memRepo{
		nextID:    100,
		roles:     map[int64]rbac.Role{},
		perms:     map[int64]rbac.Permission{},
		links:     map[int64]map[int64]bool{},
		userRoles: map[[2]int64]rbac.UserRole{},
		users:     map[int64]bool{},
	}
	r.roles[1] = rbac.Role{ID: 1, Name: "super_admin", Level: 100, IsSystem: true, IsActive: true}
	r.roles[2] = rbac.Role{ID: 2, Name: "Admin", Level: 80, IsSystem: true, IsActive: true}
	r.roles[3] = rbac.Role{ID: 3, Name: "Manager", Level: 50, IsSystem: true, IsActive: true}
	r.roles[4] = rbac.Role{ID: 4, Name: "Technician", Level: 30, IsActive: true}
	r.perms[10] = rbac.Permission{ID: 10, Name: "assets.view.all", Resource: "assets", Action: "view", Scope: rbac.ScopeAll, RiskLevel: rbac.RiskLow, IsActive: true}
	r.perms[11] = rbac.Permission{ID: 11, Name: "assets.update.all", Resource: "assets", Action: "update", Scope: rbac.ScopeAll, RiskLevel: rbac.RiskMedium, IsActive: true}
	r.links[4] = map[int64]bool{10: true, 11: true}
	for _, id := range []int64{20, 21, 22, 30} {
		r.users[id] = true
	}
	r.userRoles[[2]int64{20, 3}] = rbac.UserRole{UserID: 20, RoleID: 3, IsActive: true}
	r.userRoles[[2]int64{21, 2}] = rbac.UserRole{UserID: 21, RoleID: 2, IsActive: true}
	r.userRoles[[2]int64{22, 1}] = rbac.UserRole{UserID: 22, RoleID: 1, IsActive: true}
	return r
}

func (r *memRepo) UserAssignments(_ context.Context, userID int64, _ time.Time) ([]rbac.Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []rbac.Assignment
	for k, ur := range r.userRoles {
		if k[0] == userID {
			out = append(out, rbac.Assignment{UserRole: ur, Role: r.roles[ur.RoleID]})
		}
	}
	return out, nil
}

func (r *memRepo) RoleGrants(context.Context, []int64) ([]rbac.RoleGrant, error) { return nil, nil }

func (r *memRepo) UserOverrides(context.Context, int64, time.Time) ([]rbac.Override, error) {
	return nil, nil
}

func (r *memRepo) PolicyVersion(context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version, nil
}

func (r *memRepo) ListRoles(context.Context) ([]rbac.Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []rbac.Role
	for _, role := range r.roles {
		if role.DeletedAt == nil {
			out = append(out, role)
		}
	}
	return out, nil
}

func (r *memRepo) GetRole(_ context.Context, id int64) (rbac.Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	role, ok := r.roles[id]
	if !ok || role.DeletedAt != nil {
		return rbac.Role{}, shared.ErrNotFound
	}
	return role, nil
}

func (r *memRepo) CreateRole(_ context.Context, in rbac.RoleInput, isSystem bool) (rbac.Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, role := range r.roles {
		if role.Name == in.Name {
			return rbac.Role{}, shared.ErrConflict
		}
	}
	r.nextID++
	role := rbac.Role{ID: r.nextID, Name: in.Name, Description: in.Description, Level: in.Level, Priority: in.Priority, IsActive: in.IsActive, IsSystem: isSystem}
	r.roles[role.ID] = role
	r.version++
	return role, nil
}

func (r *memRepo) UpdateRole(_ context.Context, id int64, in rbac.RoleInput) (rbac.Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	role := r.roles[id]
	role.Name, role.Description, role.Level, role.Priority, role.IsActive = in.Name, in.Description, in.Level, in.Priority, in.IsActive
	r.roles[id] = role
	r.version++
	return role, nil
}

func (r *memRepo) SoftDeleteRole(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	role := r.roles[id]
	if role.IsSystem {
		return rbac.ErrSystemRole
	}
	now := time.Now()
	role.DeletedAt = &now
	role.IsActive = false
	r.roles[id] = role
	for k, ur := range r.userRoles {
		if k[1] == id {
			ur.IsActive = false
			r.userRoles[k] = ur
		}
	}
	r.version++
	return nil
}

func (r *memRepo) CloneRole(ctx context.Context, sourceID int64, in rbac.RoleInput) (rbac.Role, error) {
	role, err := r.CreateRole(ctx, in, false)
	if err != nil {
		return rbac.Role{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := map[int64]bool{}
	for id, active := range r.links[sourceID] {
		if active {
			copied[id] = true
		}
	}
	r.links[role.ID] = copied
	return role, nil
}

func (r *memRepo) RolePermissions(_ context.Context, roleID int64) ([]rbac.Permission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []rbac.Permission
	for id, active := range r.links[roleID] {
		if active {
			out = append(out, r.perms[id])
		}
	}
	return out, nil
}

func (r *memRepo) SetRolePermissions(_ context.Context, roleID int64, ids []int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := map[int64]bool{}
	for _, id := range ids {
		if _, ok := r.perms[id]; !ok {
			return shared.ErrNotFound
		}
		set[id] = true
	}
	r.links[roleID] = set
	r.version++
	return nil
}

func (r *memRepo) SetRolePermissionActive(_ context.Context, roleID, permissionID int64, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.links[roleID] == nil {
		r.links[roleID] = map[int64]bool{}
	}
	if !active && !r.links[roleID][permissionID] {
		return shared.ErrNotFound
	}
	r.links[roleID][permissionID] = active
	r.version++
	return nil
}

func (r *memRepo) AssignRole(_ context.Context, link rbac.UserRole) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.userRoles[[2]int64{link.UserID, link.RoleID}] = link
	r.version++
	return nil
}

func (r *memRepo) RevokeRole(_ context.Context, userID, roleID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := [2]int64{userID, roleID}
	ur, ok := r.userRoles[k]
	if !ok || !ur.IsActive {
		return shared.ErrNotFound
	}
	ur.IsActive = false
	r.userRoles[k] = ur
	r.version++
	return nil
}

func (r *memRepo) UserExists(_ context.Context, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.users[userID] {
		return shared.ErrNotFound
	}
	return nil
}

type auditLog struct {
	mu     sync.Mutex
	events []rbac.AuditEvent
}

func (a *auditLog) Notify(_ context.Context, ev rbac.AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
}

func newTestService(repo *memRepo) (*Service, *auditLog) {
	audit := &auditLog{}
	svc := NewService(repo, rbac.NewHierarchy(repo, "", 0, nil), audit)
	return svc, audit
}

func TestManagerCannotAssignAdmin(t *testing.T) {
	repo := newMemRepo()
	svc, audit := newTestService(repo)

	err := svc.Assign(context.Background(), 20, 2, AssignmentInput{UserID: 30})
	assert.ErrorIs(t, err, ErrOutranked)
	assert.ErrorIs(t, err, shared.ErrForbidden)
	assert.Empty(t, audit.events)

	require.NoError(t, svc.Assign(context.Background(), 20, 4, AssignmentInput{UserID: 30}))
	assert.Len(t, audit.events, 1)
	assert.Equal(t, rbac.AuditAdminChange, audit.events[0].Kind)
}

func TestAssignRejectsPastExpiryAndUnknownUser(t *testing.T) {
	repo := newMemRepo()
	svc, _ := newTestService(repo)
	past := time.Now().Add(-time.Hour)

	err := svc.Assign(context.Background(), 21, 4, AssignmentInput{UserID: 30, ExpiresAt: &past})
	assert.ErrorIs(t, err, shared.ErrValidation)

	err = svc.Assign(context.Background(), 21, 4, AssignmentInput{UserID: 999})
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestCreateRoleMustStayBelowActor(t *testing.T) {
	repo := newMemRepo()
	svc, _ := newTestService(repo)
	ctx := context.Background()

	_, err := svc.CreateRole(ctx, 20, RoleInput{Name: "Lead", Level: 50})
	assert.ErrorIs(t, err, ErrOutranked)

	role, err := svc.CreateRole(ctx, 20, RoleInput{Name: "  Lead ", Level: 40})
	require.NoError(t, err)
	assert.Equal(t, "Lead", role.Name)
	assert.True(t, role.IsActive)

	_, err = svc.CreateRole(ctx, 20, RoleInput{Name: "Lead", Level: 10})
	assert.ErrorIs(t, err, shared.ErrConflict)

	_, err = svc.CreateRole(ctx, 22, RoleInput{Name: "Root", Level: 1000})
	assert.NoError(t, err, "super role is not bounded by level")
}

func TestUpdateRoleCannotRaiseAboveActor(t *testing.T) {
	repo := newMemRepo()
	svc, _ := newTestService(repo)

	_, err := svc.UpdateRole(context.Background(), 20, 4, RoleInput{Name: "Technician", Level: 60})
	assert.ErrorIs(t, err, ErrOutranked)

	role, err := svc.UpdateRole(context.Background(), 20, 4, RoleInput{Name: "Technician", Level: 35, Description: "field staff"})
	require.NoError(t, err)
	assert.Equal(t, 35, role.Level)
}

func TestSystemRoleCannotBeRenamedOrDeleted(t *testing.T) {
	repo := newMemRepo()
	svc, _ := newTestService(repo)

	_, err := svc.UpdateRole(context.Background(), 22, 3, RoleInput{Name: "Boss", Level: 50})
	assert.ErrorIs(t, err, shared.ErrForbidden)

	err = svc.DeleteRole(context.Background(), 22, 3)
	assert.ErrorIs(t, err, rbac.ErrSystemRole)
}

func TestDeleteRoleCascadesToAssignments(t *testing.T) {
	repo := newMemRepo()
	svc, _ := newTestService(repo)
	ctx := context.Background()
	require.NoError(t, svc.Assign(ctx, 21, 4, AssignmentInput{UserID: 30}))

	require.NoError(t, svc.DeleteRole(ctx, 21, 4))
	assert.False(t, repo.userRoles[[2]int64{30, 4}].IsActive)

	_, err := svc.RolePermissions(ctx, 4)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestCloneRoleIsIndependent(t *testing.T) {
	repo := newMemRepo()
	svc, _ := newTestService(repo)
	ctx := context.Background()

	clone, err := svc.CloneRole(ctx, 21, 4, RoleInput{Name: "Senior Technician", Level: 40})
	require.NoError(t, err)
	perms, err := svc.RolePermissions(ctx, clone.ID)
	require.NoError(t, err)
	assert.Len(t, perms, 2)

	require.NoError(t, svc.RevokePermission(ctx, 21, clone.ID, 11))
	src, err := svc.RolePermissions(ctx, 4)
	require.NoError(t, err)
	assert.Len(t, src, 2)
}

func TestCloneRequiresOutrankingSource(t *testing.T) {
	repo := newMemRepo()
	svc, _ := newTestService(repo)

	_, err := svc.CloneRole(context.Background(), 20, 2, RoleInput{Name: "Admin copy", Level: 10})
	assert.ErrorIs(t, err, ErrOutranked)
}

func TestSetPermissionsBumpsVersion(t *testing.T) {
	repo := newMemRepo()
	svc, audit := newTestService(repo)

	require.NoError(t, svc.SetPermissions(context.Background(), 20, 4, []int64{10, 10, 11}))
	assert.Equal(t, int64(1), repo.version)
	require.Len(t, audit.events, 1)
	assert.Equal(t, []int64{10, 11}, audit.events[0].Meta["permission_ids"])
}

func TestRevokeUnknownAssignment(t *testing.T) {
	repo := newMemRepo()
	svc, _ := newTestService(repo)

	err := svc.Revoke(context.Background(), 21, 4, 30)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestUnknownRoleIsNotFound(t *testing.T) {
	repo := newMemRepo()
	svc, _ := newTestService(repo)

	err := svc.DeleteRole(context.Background(), 22, 404)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}
