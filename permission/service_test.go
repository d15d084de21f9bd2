package permission

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cachepkg "github.com/r3e-forks/data-core/cache"
	"github.com/r3e-forks/data-core/db/repository"
	"github.com/r3e-forks/data-core/errs"
)

type fakeRoleRepo struct {
	roles       map[string]*repository.RoleRecord
	userRoles   map[string][]string
	apiKeyRoles map[string][]string
	userSuper   map[string]bool
	apiKeySuper map[string]bool
	roleUsers   map[string][]string
	roleAPIKeys map[string][]string
}

func newFakeRoleRepo() *fakeRoleRepo {
	return &fakeRoleRepo{
		roles:       map[string]*repository.RoleRecord{},
		userRoles:   map[string][]string{},
		apiKeyRoles: map[string][]string{},
		userSuper:   map[string]bool{},
		apiKeySuper: map[string]bool{},
		roleUsers:   map[string][]string{},
		roleAPIKeys: map[string][]string{},
	}
}

func (f *fakeRoleRepo) GetRole(ctx context.Context, uuid string) (*repository.RoleRecord, error) {
	return f.roles[uuid], nil
}
func (f *fakeRoleRepo) SaveRole(ctx context.Context, r *repository.RoleRecord) error {
	f.roles[r.UUID] = r
	return nil
}
func (f *fakeRoleRepo) DeleteRole(ctx context.Context, uuid string) error {
	delete(f.roles, uuid)
	return nil
}
func (f *fakeRoleRepo) ListRoles(ctx context.Context) ([]*repository.RoleRecord, error) {
	var out []*repository.RoleRecord
	for _, r := range f.roles {
		out = append(out, r)
	}
	return out, nil
}
func (f *fakeRoleRepo) RolesForUser(ctx context.Context, userUUID string) ([]*repository.RoleRecord, error) {
	var out []*repository.RoleRecord
	for _, ruuid := range f.userRoles[userUUID] {
		out = append(out, f.roles[ruuid])
	}
	return out, nil
}
func (f *fakeRoleRepo) RolesForAPIKey(ctx context.Context, apiKeyUUID string) ([]*repository.RoleRecord, error) {
	var out []*repository.RoleRecord
	for _, ruuid := range f.apiKeyRoles[apiKeyUUID] {
		out = append(out, f.roles[ruuid])
	}
	return out, nil
}
func (f *fakeRoleRepo) UserUUIDsForRole(ctx context.Context, roleUUID string) ([]string, error) {
	return f.roleUsers[roleUUID], nil
}
func (f *fakeRoleRepo) APIKeyUUIDsForRole(ctx context.Context, roleUUID string) ([]string, error) {
	return f.roleAPIKeys[roleUUID], nil
}
func (f *fakeRoleRepo) IsUserSuperAdmin(ctx context.Context, userUUID string) (bool, error) {
	return f.userSuper[userUUID], nil
}
func (f *fakeRoleRepo) IsAPIKeySuperAdmin(ctx context.Context, apiKeyUUID string) (bool, error) {
	return f.apiKeySuper[apiKeyUUID], nil
}
func (f *fakeRoleRepo) AuthenticateAPIKey(ctx context.Context, rawKey string) (string, error) {
	return "", errs.Unauthorized("not implemented in fake")
}

func permsJSON(t *testing.T, perms []Permission) []byte {
	b, err := json.Marshal(perms)
	require.NoError(t, err)
	return b
}

func TestHasPermissionSuperAdminPrincipalAlwaysAllowed(t *testing.T) {
	repo := newFakeRoleRepo()
	cache, err := cachepkg.New(16, 0, true)
	require.NoError(t, err)
	svc := NewService(repo, cache, nil)

	allowed, err := svc.HasPermission(context.Background(), Principal{UUID: "u1", SuperAdmin: true}, "workflows", Read, "", nil)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestHasPermissionSuperAdminRoleAlwaysAllowed(t *testing.T) {
	repo := newFakeRoleRepo()
	repo.roles["r1"] = &repository.RoleRecord{UUID: "r1", Name: "admin", SuperAdmin: true}
	repo.userRoles["u1"] = []string{"r1"}
	cache, _ := cachepkg.New(16, 0, true)
	svc := NewService(repo, cache, nil)

	allowed, err := svc.HasPermission(context.Background(), Principal{UUID: "u1"}, "anything", Delete, "", nil)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestHasPermissionAccessAll(t *testing.T) {
	repo := newFakeRoleRepo()
	repo.roles["r1"] = &repository.RoleRecord{UUID: "r1", Name: "editor", Permissions: permsJSON(t, []Permission{
		{ResourceNamespace: "workflows", PermissionType: Update, AccessLevel: AccessAll},
	})}
	repo.userRoles["u1"] = []string{"r1"}
	cache, _ := cachepkg.New(16, 0, true)
	svc := NewService(repo, cache, nil)

	allowed, err := svc.HasPermission(context.Background(), Principal{UUID: "u1"}, "workflows", Update, "any-uuid", nil)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestHasPermissionSelectedRequiresMembership(t *testing.T) {
	repo := newFakeRoleRepo()
	repo.roles["r1"] = &repository.RoleRecord{UUID: "r1", Permissions: permsJSON(t, []Permission{
		{ResourceNamespace: "workflows", PermissionType: Read, AccessLevel: AccessSelected, ResourceUUIDs: []string{"w1"}},
	})}
	repo.userRoles["u1"] = []string{"r1"}
	cache, _ := cachepkg.New(16, 0, true)
	svc := NewService(repo, cache, nil)

	allowed, err := svc.HasPermission(context.Background(), Principal{UUID: "u1"}, "workflows", Read, "w2", nil)
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, err = svc.HasPermission(context.Background(), Principal{UUID: "u1"}, "workflows", Read, "w1", nil)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestHasPermissionOwnUsesCallerPredicate(t *testing.T) {
	repo := newFakeRoleRepo()
	repo.roles["r1"] = &repository.RoleRecord{UUID: "r1", Permissions: permsJSON(t, []Permission{
		{ResourceNamespace: "entity-definitions", PermissionType: Update, AccessLevel: AccessOwn},
	})}
	repo.userRoles["u1"] = []string{"r1"}
	cache, _ := cachepkg.New(16, 0, true)
	svc := NewService(repo, cache, nil)

	allowed, err := svc.HasPermission(context.Background(), Principal{UUID: "u1"}, "entity-definitions", Update, "e1",
		func(resourceUUID string) bool { return resourceUUID == "e1" })
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = svc.HasPermission(context.Background(), Principal{UUID: "u1"}, "entity-definitions", Update, "e1", nil)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestGetMergedPermissionsDeduplicatesAndSorts(t *testing.T) {
	repo := newFakeRoleRepo()
	repo.roles["r1"] = &repository.RoleRecord{UUID: "r1", Permissions: permsJSON(t, []Permission{
		{ResourceNamespace: "workflows", PermissionType: Read, AccessLevel: AccessAll},
	})}
	repo.roles["r2"] = &repository.RoleRecord{UUID: "r2", Permissions: permsJSON(t, []Permission{
		{ResourceNamespace: "workflows", PermissionType: Read, AccessLevel: AccessAll},
		{ResourceNamespace: "entity-definitions", PermissionType: Create, AccessLevel: AccessAll},
	})}
	repo.userRoles["u1"] = []string{"r1", "r2"}
	cache, _ := cachepkg.New(16, 0, true)
	svc := NewService(repo, cache, nil)

	perms, err := svc.GetMergedPermissions(context.Background(), Principal{UUID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"entity-definitions:Create", "workflows:Read"}, perms)
}

func TestGetMergedPermissionsExcludesSuperAdminRolePermissions(t *testing.T) {
	repo := newFakeRoleRepo()
	repo.roles["r1"] = &repository.RoleRecord{UUID: "r1", SuperAdmin: true, Permissions: permsJSON(t, []Permission{
		{ResourceNamespace: "workflows", PermissionType: Read, AccessLevel: AccessAll},
	})}
	repo.userRoles["u1"] = []string{"r1"}
	cache, _ := cachepkg.New(16, 0, true)
	svc := NewService(repo, cache, nil)

	perms, err := svc.GetMergedPermissions(context.Background(), Principal{UUID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, perms)
}

func TestInvalidateRoleClearsReverseLookupCaches(t *testing.T) {
	repo := newFakeRoleRepo()
	repo.roleUsers["r1"] = []string{"u1"}
	repo.roleAPIKeys["r1"] = []string{"k1"}
	cache, _ := cachepkg.New(16, 0, true)
	svc := NewService(repo, cache, nil)
	ctx := context.Background()

	_ = cache.Set(ctx, cachepkg.PrefixRole+"r1", "stale", 0)
	_ = cache.Set(ctx, cachepkg.PrefixUserPermissions+"u1", []string{"stale"}, 0)
	_ = cache.Set(ctx, cachepkg.PrefixAPIKeyPermissions+"k1", []string{"stale"}, 0)

	svc.InvalidateRole(ctx, "r1")

	var s string
	hit, _ := cache.Get(ctx, cachepkg.PrefixRole+"r1", &s)
	assert.False(t, hit)
	hit, _ = cache.Get(ctx, cachepkg.PrefixUserPermissions+"u1", &s)
	assert.False(t, hit)
	hit, _ = cache.Get(ctx, cachepkg.PrefixAPIKeyPermissions+"k1", &s)
	assert.False(t, hit)
}
