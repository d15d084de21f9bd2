package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/r3e-forks/data-core/db"
	"github.com/r3e-forks/data-core/errs"
)

// GormRoleRepository implements RoleRepository against the GORM-backed
// administrative tables (`roles`, `user_roles`, `api_key_roles`,
// `admin_users`, `api_keys`) defined in package db.
type GormRoleRepository struct {
	store *db.GormStore
}

func NewGormRoleRepository(store *db.GormStore) *GormRoleRepository {
	return &GormRoleRepository{store: store}
}

func (r *GormRoleRepository) GetRole(ctx context.Context, roleUUID string) (*RoleRecord, error) {
	var m db.RoleModel
	result := r.store.DB().WithContext(ctx).Where("uuid = ?", roleUUID).First(&m)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, errs.NotFound("role:" + roleUUID)
		}
		return nil, errs.Database(result.Error)
	}
	return roleRecordFromModel(&m), nil
}

func (r *GormRoleRepository) SaveRole(ctx context.Context, rec *RoleRecord) error {
	m := db.RoleModel{UUID: rec.UUID, Name: rec.Name, Permissions: rec.Permissions, SuperAdmin: rec.SuperAdmin}
	result := r.store.DB().WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "uuid"}},
		UpdateAll: true,
	}).Create(&m)
	if result.Error != nil {
		return errs.Database(result.Error)
	}
	return nil
}

func (r *GormRoleRepository) DeleteRole(ctx context.Context, roleUUID string) error {
	result := r.store.DB().WithContext(ctx).Where("uuid = ?", roleUUID).Delete(&db.RoleModel{})
	if result.Error != nil {
		return errs.Database(result.Error)
	}
	return nil
}

func (r *GormRoleRepository) ListRoles(ctx context.Context) ([]*RoleRecord, error) {
	var models []db.RoleModel
	result := r.store.DB().WithContext(ctx).Find(&models)
	if result.Error != nil {
		return nil, errs.Database(result.Error)
	}
	out := make([]*RoleRecord, 0, len(models))
	for i := range models {
		out = append(out, roleRecordFromModel(&models[i]))
	}
	return out, nil
}

func (r *GormRoleRepository) RolesForUser(ctx context.Context, userUUID string) ([]*RoleRecord, error) {
	var models []db.RoleModel
	result := r.store.DB().WithContext(ctx).
		Joins("JOIN user_roles ON user_roles.role_uuid = roles.uuid").
		Where("user_roles.user_uuid = ?", userUUID).
		Find(&models)
	if result.Error != nil {
		return nil, errs.Database(result.Error)
	}
	out := make([]*RoleRecord, 0, len(models))
	for i := range models {
		out = append(out, roleRecordFromModel(&models[i]))
	}
	return out, nil
}

func (r *GormRoleRepository) RolesForAPIKey(ctx context.Context, apiKeyUUID string) ([]*RoleRecord, error) {
	var models []db.RoleModel
	result := r.store.DB().WithContext(ctx).
		Joins("JOIN api_key_roles ON api_key_roles.role_uuid = roles.uuid").
		Where("api_key_roles.api_key_uuid = ?", apiKeyUUID).
		Find(&models)
	if result.Error != nil {
		return nil, errs.Database(result.Error)
	}
	out := make([]*RoleRecord, 0, len(models))
	for i := range models {
		out = append(out, roleRecordFromModel(&models[i]))
	}
	return out, nil
}

func (r *GormRoleRepository) UserUUIDsForRole(ctx context.Context, roleUUID string) ([]string, error) {
	var rows []db.UserRoleModel
	result := r.store.DB().WithContext(ctx).Where("role_uuid = ?", roleUUID).Find(&rows)
	if result.Error != nil {
		return nil, errs.Database(result.Error)
	}
	out := make([]string, len(rows))
	for i, row := range rows {
		out[i] = row.UserUUID
	}
	return out, nil
}

func (r *GormRoleRepository) APIKeyUUIDsForRole(ctx context.Context, roleUUID string) ([]string, error) {
	var rows []db.APIKeyRoleModel
	result := r.store.DB().WithContext(ctx).Where("role_uuid = ?", roleUUID).Find(&rows)
	if result.Error != nil {
		return nil, errs.Database(result.Error)
	}
	out := make([]string, len(rows))
	for i, row := range rows {
		out[i] = row.APIKeyUUID
	}
	return out, nil
}

func (r *GormRoleRepository) IsUserSuperAdmin(ctx context.Context, userUUID string) (bool, error) {
	var m db.AdminUserModel
	result := r.store.DB().WithContext(ctx).Select("super_admin").Where("uuid = ?", userUUID).First(&m)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return false, nil
		}
		return false, errs.Database(result.Error)
	}
	return m.SuperAdmin, nil
}

func (r *GormRoleRepository) IsAPIKeySuperAdmin(ctx context.Context, apiKeyUUID string) (bool, error) {
	var m db.APIKeyModel
	result := r.store.DB().WithContext(ctx).Select("super_admin").Where("uuid = ?", apiKeyUUID).First(&m)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return false, nil
		}
		return false, errs.Database(result.Error)
	}
	return m.SuperAdmin, nil
}

// HashAPIKeyForLookup reduces a raw API key to the value stored in
// api_keys.key_hash. Unlike bcrypt password hashes, this must be
// deterministic: the column carries a unique index so a presented key can
// be found with an equality lookup instead of scanning every row.
func HashAPIKeyForLookup(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

func (r *GormRoleRepository) AuthenticateAPIKey(ctx context.Context, rawKey string) (string, error) {
	var m db.APIKeyModel
	result := r.store.DB().WithContext(ctx).Where("key_hash = ?", HashAPIKeyForLookup(rawKey)).First(&m)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return "", errs.Unauthorized("invalid API key")
		}
		return "", errs.Database(result.Error)
	}
	if !m.Enabled {
		return "", errs.Unauthorized("API key disabled")
	}
	if m.ExpiresAt != nil && m.ExpiresAt.Before(time.Now()) {
		return "", errs.Unauthorized("API key expired")
	}
	return m.UUID, nil
}

func roleRecordFromModel(m *db.RoleModel) *RoleRecord {
	return &RoleRecord{UUID: m.UUID, Name: m.Name, Permissions: m.Permissions, SuperAdmin: m.SuperAdmin}
}
