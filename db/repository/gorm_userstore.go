package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/r3e-forks/data-core/auth"
	"github.com/r3e-forks/data-core/db"
	"github.com/r3e-forks/data-core/errs"
)

// GormUserStore implements auth.UserStore against the `admin_users`,
// `user_roles`, `refresh_tokens`, and `auth_audit_logs` tables, so the
// auth package's account/token/audit machinery runs on the same
// PostgreSQL database as the rest of the platform. Role membership is
// resolved through `roles` by name, since auth.User carries role names
// while the RBAC core (GormRoleRepository) keys everything by role UUID.
type GormUserStore struct {
	store *db.GormStore
}

func NewGormUserStore(store *db.GormStore) *GormUserStore {
	return &GormUserStore{store: store}
}

func (s *GormUserStore) CreateUser(u *auth.User) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	m := adminUserModelFromUser(u)

	return s.store.DB().Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&m).Error; err != nil {
			return errs.Database(err)
		}
		return setUserRoles(tx, u.ID, u.Roles)
	})
}

func (s *GormUserStore) GetUser(id string) (*auth.User, error) {
	var m db.AdminUserModel
	result := s.store.DB().Where("uuid = ?", id).First(&m)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, errs.NotFound("user:" + id)
		}
		return nil, errs.Database(result.Error)
	}
	roles, err := rolesForUser(s.store.DB(), id)
	if err != nil {
		return nil, err
	}
	return userFromAdminUserModel(&m, roles), nil
}

func (s *GormUserStore) GetUserByUsername(username string) (*auth.User, error) {
	var m db.AdminUserModel
	result := s.store.DB().Where("username = ?", username).First(&m)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, errs.NotFound("user:" + username)
		}
		return nil, errs.Database(result.Error)
	}
	roles, err := rolesForUser(s.store.DB(), m.UUID)
	if err != nil {
		return nil, err
	}
	return userFromAdminUserModel(&m, roles), nil
}

func (s *GormUserStore) GetUserByEmail(email string) (*auth.User, error) {
	var m db.AdminUserModel
	result := s.store.DB().Where("email = ?", email).First(&m)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, errs.NotFound("user:" + email)
		}
		return nil, errs.Database(result.Error)
	}
	roles, err := rolesForUser(s.store.DB(), m.UUID)
	if err != nil {
		return nil, err
	}
	return userFromAdminUserModel(&m, roles), nil
}

func (s *GormUserStore) UpdateUser(u *auth.User) error {
	m := adminUserModelFromUser(u)
	return s.store.DB().Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&db.AdminUserModel{}).Where("uuid = ?", u.ID).Updates(&m).Error; err != nil {
			return errs.Database(err)
		}
		return setUserRoles(tx, u.ID, u.Roles)
	})
}

func (s *GormUserStore) DeleteUser(id string) error {
	return s.store.DB().Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_uuid = ?", id).Delete(&db.UserRoleModel{}).Error; err != nil {
			return errs.Database(err)
		}
		if err := tx.Where("uuid = ?", id).Delete(&db.AdminUserModel{}).Error; err != nil {
			return errs.Database(err)
		}
		return nil
	})
}

func (s *GormUserStore) ListUsers() ([]*auth.User, error) {
	var models []db.AdminUserModel
	if result := s.store.DB().Find(&models); result.Error != nil {
		return nil, errs.Database(result.Error)
	}
	out := make([]*auth.User, 0, len(models))
	for i := range models {
		roles, err := rolesForUser(s.store.DB(), models[i].UUID)
		if err != nil {
			return nil, err
		}
		out = append(out, userFromAdminUserModel(&models[i], roles))
	}
	return out, nil
}

// RecordLoginAttempt resets the failed-login counter on success, or
// increments it and locks the account past the platform's fixed
// five-attempt threshold on failure.
func (s *GormUserStore) RecordLoginAttempt(username string, success bool) error {
	if success {
		result := s.store.DB().Model(&db.AdminUserModel{}).Where("username = ?", username).
			Updates(map[string]interface{}{"failed_logins": 0})
		if result.Error != nil {
			return errs.Database(result.Error)
		}
		return nil
	}

	var m db.AdminUserModel
	if result := s.store.DB().Where("username = ?", username).First(&m); result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil
		}
		return errs.Database(result.Error)
	}

	updates := map[string]interface{}{"failed_logins": m.FailedLogins + 1}
	if m.FailedLogins+1 >= 5 {
		updates["locked"] = true
	}
	if result := s.store.DB().Model(&db.AdminUserModel{}).Where("uuid = ?", m.UUID).Updates(updates); result.Error != nil {
		return errs.Database(result.Error)
	}
	return nil
}

func (s *GormUserStore) SaveRefreshToken(t *auth.RefreshToken) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	m := db.RefreshTokenModel{
		UUID:       t.ID,
		UserUUID:   t.UserID,
		TokenHash:  t.Token,
		ExpiresAt:  t.ExpiresAt,
		CreatedAt:  t.CreatedAt,
		LastUsedAt: t.LastUsedAt,
		Revoked:    t.Revoked,
	}
	result := s.store.DB().Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "uuid"}},
		UpdateAll: true,
	}).Create(&m)
	if result.Error != nil {
		return errs.Database(result.Error)
	}
	return nil
}

func (s *GormUserStore) GetRefreshToken(id string) (*auth.RefreshToken, error) {
	var m db.RefreshTokenModel
	result := s.store.DB().Where("uuid = ?", id).First(&m)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, errs.NotFound("refresh_token:" + id)
		}
		return nil, errs.Database(result.Error)
	}
	return refreshTokenFromModel(&m), nil
}

func (s *GormUserStore) GetRefreshTokensByUserID(userID string) ([]*auth.RefreshToken, error) {
	var models []db.RefreshTokenModel
	if result := s.store.DB().Where("user_uuid = ? AND revoked = false", userID).Find(&models); result.Error != nil {
		return nil, errs.Database(result.Error)
	}
	out := make([]*auth.RefreshToken, 0, len(models))
	for i := range models {
		out = append(out, refreshTokenFromModel(&models[i]))
	}
	return out, nil
}

func (s *GormUserStore) RevokeRefreshToken(id string) error {
	result := s.store.DB().Model(&db.RefreshTokenModel{}).Where("uuid = ?", id).Update("revoked", true)
	if result.Error != nil {
		return errs.Database(result.Error)
	}
	return nil
}

func (s *GormUserStore) DeleteExpiredRefreshTokens() error {
	result := s.store.DB().Where("expires_at < ?", time.Now()).Delete(&db.RefreshTokenModel{})
	if result.Error != nil {
		return errs.Database(result.Error)
	}
	return nil
}

func (s *GormUserStore) SaveAuditLog(log *auth.AuditLog) error {
	meta, err := json.Marshal(log.Metadata)
	if err != nil {
		return errs.Serialization(err)
	}
	m := db.AuditLogModel{
		UUID:         uuid.New().String(),
		Timestamp:    log.Timestamp,
		UserUUID:     log.UserID,
		Username:     log.Username,
		Action:       log.Action,
		Resource:     log.Resource,
		ResourceID:   log.ResourceID,
		Method:       log.Method,
		Path:         log.Path,
		IPAddress:    log.IPAddress,
		UserAgent:    log.UserAgent,
		Success:      log.Success,
		ErrorMessage: log.ErrorMessage,
		Metadata:     meta,
	}
	if result := s.store.DB().Create(&m); result.Error != nil {
		return errs.Database(result.Error)
	}
	return nil
}

func (s *GormUserStore) GetAuditLogs(criteria auth.AuditSearchCriteria) ([]*auth.AuditLog, error) {
	q := s.store.DB().Model(&db.AuditLogModel{})
	if criteria.UserID != "" {
		q = q.Where("user_uuid = ?", criteria.UserID)
	}
	if criteria.Username != "" {
		q = q.Where("username = ?", criteria.Username)
	}
	if criteria.Action != "" {
		q = q.Where("action = ?", criteria.Action)
	}
	if criteria.Resource != "" {
		q = q.Where("resource = ?", criteria.Resource)
	}
	if criteria.Success != nil {
		q = q.Where("success = ?", *criteria.Success)
	}
	if criteria.StartTime != nil {
		q = q.Where("timestamp >= ?", *criteria.StartTime)
	}
	if criteria.EndTime != nil {
		q = q.Where("timestamp <= ?", *criteria.EndTime)
	}
	q = q.Order("timestamp DESC")
	if criteria.Limit > 0 {
		q = q.Limit(criteria.Limit)
	}
	if criteria.Offset > 0 {
		q = q.Offset(criteria.Offset)
	}

	var models []db.AuditLogModel
	if result := q.Find(&models); result.Error != nil {
		return nil, errs.Database(result.Error)
	}
	out := make([]*auth.AuditLog, 0, len(models))
	for i := range models {
		out = append(out, auditLogFromModel(&models[i]))
	}
	return out, nil
}

func setUserRoles(tx *gorm.DB, userUUID string, roleNames []string) error {
	if err := tx.Where("user_uuid = ?", userUUID).Delete(&db.UserRoleModel{}).Error; err != nil {
		return errs.Database(err)
	}
	if len(roleNames) == 0 {
		return nil
	}
	var roles []db.RoleModel
	if err := tx.Where("name IN ?", roleNames).Find(&roles).Error; err != nil {
		return errs.Database(err)
	}
	rows := make([]db.UserRoleModel, 0, len(roles))
	for _, r := range roles {
		rows = append(rows, db.UserRoleModel{UserUUID: userUUID, RoleUUID: r.UUID})
	}
	if len(rows) == 0 {
		return nil
	}
	if err := tx.Create(&rows).Error; err != nil {
		return errs.Database(err)
	}
	return nil
}

func rolesForUser(tx *gorm.DB, userUUID string) ([]string, error) {
	var roles []db.RoleModel
	result := tx.Joins("JOIN user_roles ON user_roles.role_uuid = roles.uuid").
		Where("user_roles.user_uuid = ?", userUUID).Find(&roles)
	if result.Error != nil {
		return nil, errs.Database(result.Error)
	}
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = r.Name
	}
	return out, nil
}

func adminUserModelFromUser(u *auth.User) db.AdminUserModel {
	return db.AdminUserModel{
		UUID:               u.ID,
		Username:           u.Username,
		Email:              u.Email,
		Name:               u.Name,
		PasswordHash:       u.PasswordHash,
		Enabled:            u.Enabled,
		Locked:             u.Locked,
		MustChangePassword: u.MustChangePassword,
		FailedLogins:       u.FailedLogins,
		CreatedAt:          u.CreatedAt,
		UpdatedAt:          u.UpdatedAt,
		LastLoginAt:        u.LastLoginAt,
	}
}

func userFromAdminUserModel(m *db.AdminUserModel, roles []string) *auth.User {
	return &auth.User{
		Context:            "https://schema.org",
		Type:               "Person",
		ID:                 m.UUID,
		Username:           m.Username,
		Email:              m.Email,
		Name:               m.Name,
		PasswordHash:       m.PasswordHash,
		Roles:              roles,
		Enabled:            m.Enabled,
		Locked:             m.Locked,
		MustChangePassword: m.MustChangePassword,
		FailedLogins:       m.FailedLogins,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
		LastLoginAt:        m.LastLoginAt,
	}
}

func refreshTokenFromModel(m *db.RefreshTokenModel) *auth.RefreshToken {
	return &auth.RefreshToken{
		Context:    "https://schema.org",
		Type:       "RefreshToken",
		ID:         m.UUID,
		UserID:     m.UserUUID,
		Token:      m.TokenHash,
		ExpiresAt:  m.ExpiresAt,
		CreatedAt:  m.CreatedAt,
		LastUsedAt: m.LastUsedAt,
		Revoked:    m.Revoked,
	}
}

func auditLogFromModel(m *db.AuditLogModel) *auth.AuditLog {
	var meta map[string]interface{}
	_ = json.Unmarshal(m.Metadata, &meta)
	return &auth.AuditLog{
		Context:      "https://schema.org",
		Type:         "AuditLog",
		ID:           m.UUID,
		Timestamp:    m.Timestamp,
		UserID:       m.UserUUID,
		Username:     m.Username,
		Action:       m.Action,
		Resource:     m.Resource,
		ResourceID:   m.ResourceID,
		Method:       m.Method,
		Path:         m.Path,
		IPAddress:    m.IPAddress,
		UserAgent:    m.UserAgent,
		Success:      m.Success,
		ErrorMessage: m.ErrorMessage,
		Metadata:     meta,
	}
}
