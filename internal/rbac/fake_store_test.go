package rbac

import (
	"context"
	"sync"
	"time"

	"github.com/assetdesk/assetdesk/internal/shared"
)

type fakeStore struct {
	mu          sync.Mutex
	roles       map[int64]Role
	perms       map[int64]Permission
	links       []RolePermission
	userRoles   []UserRole
	overrides   []UserPermission
	version     int64
	err         error
	versionErr  error
	grantsErr   error
	delay       time.Duration
	assignCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{roles: map[int64]Role{}, perms: map[int64]Permission{}}
}

func (s *fakeStore) addRole(id int64, name string, level int) {
	s.roles[id] = Role{ID: id, Name: name, Level: level, IsActive: true}
}

func (s *fakeStore) addPerm(id int64, resource, action string, scope Scope, risk RiskLevel) {
	s.perms[id] = Permission{
		ID:        id,
		Name:      resource + "." + action + "." + string(scope),
		Resource:  resource,
		Action:    action,
		Scope:     scope,
		RiskLevel: risk,
		IsActive:  true,
	}
}

func (s *fakeStore) link(roleID int64, permIDs ...int64) {
	for _, id := range permIDs {
		s.links = append(s.links, RolePermission{RoleID: roleID, PermissionID: id, IsActive: true})
	}
}

func (s *fakeStore) assign(userID, roleID int64, expiresAt *time.Time) {
	s.userRoles = append(s.userRoles, UserRole{UserID: userID, RoleID: roleID, IsActive: true, ExpiresAt: expiresAt})
}

func (s *fakeStore) override(userID, permID int64, denied bool, expiresAt *time.Time) {
	s.overrides = append(s.overrides, UserPermission{UserID: userID, PermissionID: permID, IsDenied: denied, IsActive: true, ExpiresAt: expiresAt})
}

func (s *fakeStore) bump() {
	s.mu.Lock()
	s.version++
	s.mu.Unlock()
}

func (s *fakeStore) wait(ctx context.Context) error {
	if s.delay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.delay):
		return nil
	}
}

func (s *fakeStore) UserAssignments(ctx context.Context, userID int64, now time.Time) ([]Assignment, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignCalls++
	if s.err != nil {
		return nil, s.err
	}
	var out []Assignment
	for _, ur := range s.userRoles {
		if ur.UserID != userID {
			continue
		}
		out = append(out, Assignment{UserRole: ur, Role: s.roles[ur.RoleID]})
	}
	return out, nil
}

func (s *fakeStore) RoleGrants(ctx context.Context, roleIDs []int64) ([]RoleGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grantsErr != nil {
		return nil, s.grantsErr
	}
	wanted := map[int64]bool{}
	for _, id := range roleIDs {
		wanted[id] = true
	}
	var out []RoleGrant
	for _, l := range s.links {
		if !wanted[l.RoleID] || !l.IsActive {
			continue
		}
		out = append(out, RoleGrant{RoleID: l.RoleID, Permission: s.perms[l.PermissionID]})
	}
	return out, nil
}

func (s *fakeStore) UserOverrides(ctx context.Context, userID int64, now time.Time) ([]Override, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []Override
	for _, o := range s.overrides {
		if o.UserID != userID {
			continue
		}
		out = append(out, Override{UserPermission: o, Permission: s.perms[o.PermissionID]})
	}
	return out, nil
}

func (s *fakeStore) GetRole(ctx context.Context, id int64) (Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[id]
	if !ok || r.DeletedAt != nil {
		return Role{}, shared.ErrNotFound
	}
	return r, nil
}

func (s *fakeStore) PolicyVersion(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.versionErr != nil {
		return 0, s.versionErr
	}
	return s.version, nil
}

func ptr(t time.Time) *time.Time { return &t }
