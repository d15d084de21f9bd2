// Package db provides PostgreSQL database integration with GORM ORM for the
// platform's fixed administrative schema: entity definitions and their
// version history, roles, permission schemes, admin users/API keys,
// workflows, and system settings (§6.1). Per-type dynamic-entity tables
// (`entity_{entity_type}`) are handled separately through raw pgx, since
// their column set is only known at runtime — GORM's struct-tag mapping
// has no home there.
package db

import (
	"context"
	"encoding/json"
	"time"

	"github.com/r3e-forks/data-core/errs"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EntityDefinitionModel is the `entity_definitions` row (§3.1). Field
// definitions are stored as JSONB rather than normalised across rows: the
// ordered-list-of-FieldDefinition shape given in §3.2 round-trips cleanly
// through JSON and the engine (§4.2) only ever reads the whole list at
// once to emit DDL or validate a payload.
type EntityDefinitionModel struct {
	UUID             string `gorm:"column:uuid;primaryKey;type:uuid"`
	EntityType       string `gorm:"column:entity_type;uniqueIndex"`
	DisplayName      string `gorm:"column:display_name"`
	Description      string `gorm:"column:description"`
	EntityGroup      string `gorm:"column:entity_group"`
	Icon             string `gorm:"column:icon"`
	AllowChildren    bool   `gorm:"column:allow_children"`
	FieldDefinitions []byte `gorm:"column:field_definitions;type:jsonb"`
	Version          int    `gorm:"column:version;default:1"`
	Published        bool   `gorm:"column:published"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CreatedBy        string `gorm:"column:created_by"`
	UpdatedBy        string `gorm:"column:updated_by"`
}

func (EntityDefinitionModel) TableName() string { return "entity_definitions" }

// EntityVersionModel is a pre-update snapshot (§3.4), written in the same
// transaction as the update it precedes.
type EntityVersionModel struct {
	UUID          string `gorm:"column:uuid;primaryKey;type:uuid"`
	EntityUUID    string `gorm:"column:entity_uuid;index"`
	VersionNumber int    `gorm:"column:version_number"`
	Document      []byte `gorm:"column:document;type:jsonb"`
	CreatedAt     time.Time
}

func (EntityVersionModel) TableName() string { return "entity_versions" }

// RoleModel is a named set of Permissions plus a super_admin escape hatch
// (§3.5).
type RoleModel struct {
	UUID        string `gorm:"column:uuid;primaryKey;type:uuid"`
	Name        string `gorm:"column:name;uniqueIndex"`
	Permissions []byte `gorm:"column:permissions;type:jsonb"`
	SuperAdmin  bool   `gorm:"column:super_admin"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (RoleModel) TableName() string { return "roles" }

// PermissionSchemeModel groups role-to-permission associations (§3.5).
type PermissionSchemeModel struct {
	UUID      string `gorm:"column:uuid;primaryKey;type:uuid"`
	Name      string `gorm:"column:name;uniqueIndex"`
	RoleUUIDs []byte `gorm:"column:role_uuids;type:jsonb"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (PermissionSchemeModel) TableName() string { return "permission_schemes" }

// AdminUserModel is a human Principal (§3.5).
type AdminUserModel struct {
	UUID               string `gorm:"column:uuid;primaryKey;type:uuid"`
	Username           string `gorm:"column:username;uniqueIndex"`
	Email              string `gorm:"column:email"`
	Name               string `gorm:"column:name"`
	PasswordHash       string `gorm:"column:password_hash"`
	SuperAdmin         bool   `gorm:"column:super_admin"`
	Enabled            bool   `gorm:"column:enabled"`
	Locked             bool   `gorm:"column:locked"`
	MustChangePassword bool   `gorm:"column:must_change_password"`
	FailedLogins       int    `gorm:"column:failed_logins"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
	LastLoginAt        *time.Time `gorm:"column:last_login_at"`
}

func (AdminUserModel) TableName() string { return "admin_users" }

// RefreshTokenModel backs JWT refresh-token rotation: a hashed long-lived
// token tied to the admin user it was issued to.
type RefreshTokenModel struct {
	UUID       string `gorm:"column:uuid;primaryKey;type:uuid"`
	UserUUID   string `gorm:"column:user_uuid;index"`
	TokenHash  string `gorm:"column:token_hash;uniqueIndex"`
	ExpiresAt  time.Time
	CreatedAt  time.Time
	LastUsedAt *time.Time `gorm:"column:last_used_at"`
	Revoked    bool       `gorm:"column:revoked"`
}

func (RefreshTokenModel) TableName() string { return "refresh_tokens" }

// AuditLogModel records one authentication/authorization event (login,
// logout, password change, user lifecycle) for later review.
type AuditLogModel struct {
	UUID         string `gorm:"column:uuid;primaryKey;type:uuid"`
	Timestamp    time.Time
	UserUUID     string `gorm:"column:user_uuid;index"`
	Username     string `gorm:"column:username"`
	Action       string `gorm:"column:action;index"`
	Resource     string `gorm:"column:resource"`
	ResourceID   string `gorm:"column:resource_id"`
	Method       string `gorm:"column:method"`
	Path         string `gorm:"column:path"`
	IPAddress    string `gorm:"column:ip_address"`
	UserAgent    string `gorm:"column:user_agent"`
	Success      bool   `gorm:"column:success"`
	ErrorMessage string `gorm:"column:error_message"`
	Metadata     []byte `gorm:"column:metadata;type:jsonb"`
}

func (AuditLogModel) TableName() string { return "auth_audit_logs" }

// APIKeyModel is a machine Principal (§3.5).
type APIKeyModel struct {
	UUID       string `gorm:"column:uuid;primaryKey;type:uuid"`
	Name       string `gorm:"column:name"`
	KeyHash    string `gorm:"column:key_hash;uniqueIndex"`
	SuperAdmin bool   `gorm:"column:super_admin"`
	Enabled    bool   `gorm:"column:enabled"`
	CreatedAt  time.Time
	ExpiresAt  *time.Time `gorm:"column:expires_at"`
}

func (APIKeyModel) TableName() string { return "api_keys" }

// UserRoleModel is the `user_roles` join row.
type UserRoleModel struct {
	UserUUID string `gorm:"column:user_uuid;primaryKey;type:uuid"`
	RoleUUID string `gorm:"column:role_uuid;primaryKey;type:uuid"`
}

func (UserRoleModel) TableName() string { return "user_roles" }

// APIKeyRoleModel is the `api_key_roles` join row.
type APIKeyRoleModel struct {
	APIKeyUUID string `gorm:"column:api_key_uuid;primaryKey;type:uuid"`
	RoleUUID   string `gorm:"column:role_uuid;primaryKey;type:uuid"`
}

func (APIKeyRoleModel) TableName() string { return "api_key_roles" }

// WorkflowModel is a `workflows` row (§3.6).
type WorkflowModel struct {
	UUID               string `gorm:"column:uuid;primaryKey;type:uuid"`
	Name               string `gorm:"column:name;uniqueIndex"`
	Description        string `gorm:"column:description"`
	Kind               string `gorm:"column:kind"` // consumer | provider
	Enabled            bool   `gorm:"column:enabled"`
	ScheduleCron       string `gorm:"column:schedule_cron"`
	Config             []byte `gorm:"column:config;type:jsonb"`
	VersioningDisabled bool   `gorm:"column:versioning_disabled"`
	Version            int    `gorm:"column:version;default:1"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
	CreatedBy          string `gorm:"column:created_by"`
	UpdatedBy          string `gorm:"column:updated_by"`
}

func (WorkflowModel) TableName() string { return "workflows" }

// SystemSettingModel is a single `system_settings` row, keyed by setting
// name (e.g. the version-purge retention policy read by the maintenance
// task, §3.4).
type SystemSettingModel struct {
	Key       string `gorm:"column:key;primaryKey"`
	Value     []byte `gorm:"column:value;type:jsonb"`
	UpdatedAt time.Time
}

func (SystemSettingModel) TableName() string { return "system_settings" }

// GormStore wraps the GORM connection used for the fixed administrative
// tables. Dynamic per-type tables are never touched through this type.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens a GORM connection with production-sized pool limits.
func NewGormStore(pgUrl string) (*GormStore, error) {
	gdb, err := gorm.Open(postgres.Open(pgUrl), &gorm.Config{})
	if err != nil {
		return nil, errs.Database(err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, errs.Database(err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return &GormStore{db: gdb}, nil
}

// AutoMigrate creates or updates every administrative table. Per-type
// dynamic tables are handled by the entity-definition engine, not here.
func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(
		&EntityDefinitionModel{},
		&EntityVersionModel{},
		&RoleModel{},
		&PermissionSchemeModel{},
		&AdminUserModel{},
		&APIKeyModel{},
		&UserRoleModel{},
		&APIKeyRoleModel{},
		&WorkflowModel{},
		&SystemSettingModel{},
		&RefreshTokenModel{},
		&AuditLogModel{},
	)
}

// DB exposes the underlying *gorm.DB for packages that query these models
// directly (the db/repository implementations, the maintenance purger).
func (s *GormStore) DB() *gorm.DB { return s.db }

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GormDefinitionRepository implements repository.DefinitionRepository
// (db/repository/interfaces.go) against EntityDefinitionModel.
type GormDefinitionRepository struct {
	store *GormStore
}

// NewGormDefinitionRepository creates a definition repository bound to an
// open GormStore.
func NewGormDefinitionRepository(store *GormStore) *GormDefinitionRepository {
	return &GormDefinitionRepository{store: store}
}

// SaveDefinition upserts a definition row keyed by entity_type. Creation
// vs. version-bump semantics (§4.2 create/update) are the entity-
// definition engine's responsibility; this method is the storage
// primitive it calls after deciding which case applies.
func (r *GormDefinitionRepository) SaveDefinition(ctx context.Context, def map[string]interface{}) error {
	model, err := definitionModelFromMap(def)
	if err != nil {
		return err
	}

	result := r.store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entity_type"}},
		UpdateAll: true,
	}).Create(model)
	if result.Error != nil {
		return errs.Database(result.Error)
	}
	return nil
}

// GetDefinition reads one definition by entity_type.
func (r *GormDefinitionRepository) GetDefinition(ctx context.Context, entityType string) (map[string]interface{}, error) {
	var model EntityDefinitionModel
	result := r.store.db.WithContext(ctx).Where("entity_type = ?", entityType).First(&model)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, errs.NotFound("entity_definition:" + entityType)
		}
		return nil, errs.Database(result.Error)
	}
	return definitionModelToMap(&model)
}

// ListDefinitions returns every known definition, newest first.
func (r *GormDefinitionRepository) ListDefinitions(ctx context.Context) ([]map[string]interface{}, error) {
	var models []EntityDefinitionModel
	result := r.store.db.WithContext(ctx).Order("created_at DESC").Find(&models)
	if result.Error != nil {
		return nil, errs.Database(result.Error)
	}

	out := make([]map[string]interface{}, 0, len(models))
	for i := range models {
		m, err := definitionModelToMap(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// DeleteDefinition removes the definition row. Dropping the generated
// table and join tables is the engine's job, run before this call.
func (r *GormDefinitionRepository) DeleteDefinition(ctx context.Context, entityType string) error {
	result := r.store.db.WithContext(ctx).Where("entity_type = ?", entityType).Delete(&EntityDefinitionModel{})
	if result.Error != nil {
		return errs.Database(result.Error)
	}
	return nil
}

// IsPublished reports whether entityType names a published definition,
// used by the DSL validator (§4.5) to gate ResolveEntityPath/
// GetOrCreateEntity/Authenticate at validation time.
func (r *GormDefinitionRepository) IsPublished(ctx context.Context, entityType string) (bool, error) {
	var model EntityDefinitionModel
	result := r.store.db.WithContext(ctx).Select("published").Where("entity_type = ?", entityType).First(&model)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return false, nil
		}
		return false, errs.Database(result.Error)
	}
	return model.Published, nil
}

func definitionModelFromMap(def map[string]interface{}) (*EntityDefinitionModel, error) {
	fields, err := json.Marshal(def["field_definitions"])
	if err != nil {
		return nil, errs.Serialization(err)
	}

	m := &EntityDefinitionModel{
		UUID:             stringField(def, "uuid"),
		EntityType:       stringField(def, "entity_type"),
		DisplayName:      stringField(def, "display_name"),
		Description:      stringField(def, "description"),
		EntityGroup:      stringField(def, "entity_group"),
		Icon:             stringField(def, "icon"),
		AllowChildren:    boolField(def, "allow_children"),
		FieldDefinitions: fields,
		Published:        boolField(def, "published"),
		CreatedBy:        stringField(def, "created_by"),
		UpdatedBy:        stringField(def, "updated_by"),
	}
	if v, ok := def["version"].(int); ok {
		m.Version = v
	} else {
		m.Version = 1
	}
	return m, nil
}

func definitionModelToMap(m *EntityDefinitionModel) (map[string]interface{}, error) {
	var fields interface{}
	if len(m.FieldDefinitions) > 0 {
		if err := json.Unmarshal(m.FieldDefinitions, &fields); err != nil {
			return nil, errs.Serialization(err)
		}
	}
	return map[string]interface{}{
		"uuid":              m.UUID,
		"entity_type":       m.EntityType,
		"display_name":      m.DisplayName,
		"description":       m.Description,
		"entity_group":      m.EntityGroup,
		"icon":              m.Icon,
		"allow_children":    m.AllowChildren,
		"field_definitions": fields,
		"version":           m.Version,
		"published":         m.Published,
		"created_at":        m.CreatedAt,
		"updated_at":        m.UpdatedAt,
		"created_by":        m.CreatedBy,
		"updated_by":        m.UpdatedBy,
	}, nil
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func boolField(m map[string]interface{}, key string) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}
