package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	cachepkg "github.com/r3e-forks/data-core/cache"
	"github.com/r3e-forks/data-core/common"
	"github.com/r3e-forks/data-core/db/repository"
	"github.com/r3e-forks/data-core/errs"
)

// Service answers has_permission and produces merged permission sets,
// cached per principal under user_permissions:{uuid}/
// api_key_permissions:{uuid} and per role under role:{uuid} (§3.7).
type Service struct {
	roles repository.RoleRepository
	cache *cachepkg.Cache
	log   *common.ContextLogger
}

func NewService(roles repository.RoleRepository, cache *cachepkg.Cache, log *common.ContextLogger) *Service {
	return &Service{roles: roles, cache: cache, log: log}
}

// HasPermission implements §4.4's has_permission. owner is consulted
// only when a matching permission's access_level is Own; it may be nil
// if the caller has no owner identity to check (such calls then treat
// Own permissions as non-matching).
func (s *Service) HasPermission(ctx context.Context, p Principal, namespace string, ptype PermissionType, resourceUUID string, owner OwnerCheck) (bool, error) {
	superAdmin, err := s.isSuperAdmin(ctx, p)
	if err != nil {
		return false, err
	}
	if superAdmin {
		return true, nil
	}

	perms, err := s.mergedPermissionTuples(ctx, p)
	if err != nil {
		return false, err
	}

	for _, perm := range perms {
		if perm.ResourceNamespace != namespace || perm.PermissionType != ptype {
			continue
		}
		switch perm.AccessLevel {
		case AccessAll:
			return true, nil
		case AccessSelected:
			if resourceUUID != "" && containsString(perm.ResourceUUIDs, resourceUUID) {
				return true, nil
			}
		case AccessOwn:
			if owner != nil && resourceUUID != "" && owner(resourceUUID) {
				return true, nil
			}
		}
	}
	return false, nil
}

// GetMergedPermissions implements §4.4's get_merged_permissions: a
// stable, deduplicated list of canonical `namespace:type` or
// `namespace:{path}:type` strings.
func (s *Service) GetMergedPermissions(ctx context.Context, p Principal) ([]string, error) {
	key := permissionsCacheKey(p)

	if s.cache != nil {
		var cached []string
		if hit, err := s.cache.Get(ctx, key, &cached); err == nil && hit {
			return cached, nil
		}
	}

	perms, err := s.mergedPermissionTuples(ctx, p)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var out []string
	for _, perm := range perms {
		canon := canonicalString(perm)
		if !seen[canon] {
			seen[canon] = true
			out = append(out, canon)
		}
	}
	sort.Strings(out)

	if s.cache != nil {
		_ = s.cache.Set(ctx, key, out, 0)
	}
	return out, nil
}

// InvalidateRole implements the role-update half of §4.4's cache
// invalidation protocol: the role cache plus every principal cache that
// references it via reverse lookup. Failures are logged, not
// propagated. This service writes its entries with ttl 0, so they do not
// expire: an entry a failed delete leaves behind stays until a later
// delete removes it.
func (s *Service) InvalidateRole(ctx context.Context, roleUUID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, cachepkg.PrefixRole+roleUUID); err != nil && s.log != nil {
		s.log.WithError(err).Warn("failed to invalidate role cache")
	}

	userUUIDs, err := s.roles.UserUUIDsForRole(ctx, roleUUID)
	if err != nil {
		if s.log != nil {
			s.log.WithError(err).Warn("failed to reverse-lookup users for role invalidation")
		}
	} else {
		for _, u := range userUUIDs {
			if err := s.cache.Delete(ctx, cachepkg.PrefixUserPermissions+u); err != nil && s.log != nil {
				s.log.WithError(err).Warn("failed to invalidate user permission cache")
			}
		}
	}

	keyUUIDs, err := s.roles.APIKeyUUIDsForRole(ctx, roleUUID)
	if err != nil {
		if s.log != nil {
			s.log.WithError(err).Warn("failed to reverse-lookup api keys for role invalidation")
		}
	} else {
		for _, k := range keyUUIDs {
			if err := s.cache.Delete(ctx, cachepkg.PrefixAPIKeyPermissions+k); err != nil && s.log != nil {
				s.log.WithError(err).Warn("failed to invalidate api key permission cache")
			}
		}
	}
}

// InvalidatePrincipal invalidates a single principal's merged-permission
// cache, used on role (un)assignment.
func (s *Service) InvalidatePrincipal(ctx context.Context, p Principal) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, permissionsCacheKey(p)); err != nil && s.log != nil {
		s.log.WithError(err).Warn("failed to invalidate principal permission cache")
	}
}

func (s *Service) isSuperAdmin(ctx context.Context, p Principal) (bool, error) {
	if p.SuperAdmin {
		return true, nil
	}
	var superAdmin bool
	var err error
	if p.Kind == PrincipalAPIKey {
		superAdmin, err = s.roles.IsAPIKeySuperAdmin(ctx, p.UUID)
	} else {
		superAdmin, err = s.roles.IsUserSuperAdmin(ctx, p.UUID)
	}
	if err != nil {
		return false, err
	}
	if superAdmin {
		return true, nil
	}

	roles, err := s.rolesForPrincipal(ctx, p)
	if err != nil {
		return false, err
	}
	for _, r := range roles {
		if r.SuperAdmin {
			return true, nil
		}
	}
	return false, nil
}

// mergedPermissionTuples is the union of every non-super-admin role's
// permissions for the principal.
func (s *Service) mergedPermissionTuples(ctx context.Context, p Principal) ([]Permission, error) {
	roles, err := s.rolesForPrincipal(ctx, p)
	if err != nil {
		return nil, err
	}

	var out []Permission
	for _, r := range roles {
		if r.SuperAdmin {
			continue
		}
		out = append(out, r.Permissions...)
	}
	return out, nil
}

func (s *Service) rolesForPrincipal(ctx context.Context, p Principal) ([]*Role, error) {
	var records []*repository.RoleRecord
	var err error
	if p.Kind == PrincipalAPIKey {
		records, err = s.roles.RolesForAPIKey(ctx, p.UUID)
	} else {
		records, err = s.roles.RolesForUser(ctx, p.UUID)
	}
	if err != nil {
		return nil, err
	}

	out := make([]*Role, 0, len(records))
	for _, rec := range records {
		role, err := s.roleFromRecord(ctx, rec)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, nil
}

// roleFromRecord decodes a role's permission list, reading through the
// role:{uuid} cache first.
func (s *Service) roleFromRecord(ctx context.Context, rec *repository.RoleRecord) (*Role, error) {
	key := cachepkg.PrefixRole + rec.UUID

	if s.cache != nil {
		var cached Role
		if hit, err := s.cache.Get(ctx, key, &cached); err == nil && hit {
			return &cached, nil
		}
	}

	var perms []Permission
	if len(rec.Permissions) > 0 {
		if err := json.Unmarshal(rec.Permissions, &perms); err != nil {
			return nil, errs.Serialization(err)
		}
	}
	role := &Role{UUID: rec.UUID, Name: rec.Name, Permissions: perms, SuperAdmin: rec.SuperAdmin}

	if s.cache != nil {
		_ = s.cache.Set(ctx, key, role, 0)
	}
	return role, nil
}

func permissionsCacheKey(p Principal) string {
	if p.Kind == PrincipalAPIKey {
		return cachepkg.PrefixAPIKeyPermissions + p.UUID
	}
	return cachepkg.PrefixUserPermissions + p.UUID
}

// canonicalString renders a permission as `namespace:type` or, when the
// tuple carries a sub-resource path constraint, `namespace:{path}:type`
// (§4.4).
func canonicalString(p Permission) string {
	if path, ok := p.Constraints["path"].(string); ok && path != "" {
		return fmt.Sprintf("%s:%s:%s", p.ResourceNamespace, path, p.PermissionType)
	}
	return fmt.Sprintf("%s:%s", p.ResourceNamespace, p.PermissionType)
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
