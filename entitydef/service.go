package entitydef

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	cachepkg "github.com/r3e-forks/data-core/cache"
	"github.com/r3e-forks/data-core/db/repository"
	"github.com/r3e-forks/data-core/errs"
)

// Schema applies a batch of DDL statements to the dynamic-entity store.
// Implementations typically run each statement as its own pgx Exec call;
// a failure partway through is not rolled back since DDL in PostgreSQL
// is mostly but not entirely transactional across statement boundaries.
type Schema interface {
	Exec(ctx context.Context, stmt string) error
}

// Service implements the entity-definition engine's operations (§4.2):
// CRUD over definitions, DDL application, and cache-backed lookups.
type Service struct {
	repo   repository.DefinitionRepository
	schema Schema
	cache  *cachepkg.Cache
}

func NewService(repo repository.DefinitionRepository, schema Schema, cache *cachepkg.Cache) *Service {
	return &Service{repo: repo, schema: schema, cache: cache}
}

// Create validates the identifier rules, inserts the row, and applies the
// generated DDL for its table.
func (s *Service) Create(ctx context.Context, def *EntityDefinition) error {
	if !ValidIdentifier(def.EntityType) {
		return errs.Validation("entity_type", "must be a valid identifier")
	}
	for _, f := range def.Fields {
		if !ValidIdentifier(f.Name) {
			return errs.Validation("field_definitions", "field name \""+f.Name+"\" is not a valid identifier")
		}
	}
	if def.UUID == "" {
		def.UUID = uuid.New().String()
	}
	if def.Version == 0 {
		def.Version = 1
	}

	m, err := toMap(def)
	if err != nil {
		return err
	}
	if err := s.repo.SaveDefinition(ctx, m); err != nil {
		return err
	}

	if err := s.applySchema(ctx, EmitCreateTable(def)); err != nil {
		return err
	}
	return nil
}

// Update re-saves the row (bumping version), re-emits idempotent ADD
// COLUMN statements for any new fields, and invalidates the cached
// definition.
func (s *Service) Update(ctx context.Context, def *EntityDefinition) error {
	def.Version++
	m, err := toMap(def)
	if err != nil {
		return err
	}
	if err := s.repo.SaveDefinition(ctx, m); err != nil {
		return err
	}
	if err := s.applySchema(ctx, EmitAddColumns(def)); err != nil {
		return err
	}
	if s.cache != nil {
		_ = s.cache.Delete(ctx, cachepkg.PrefixEntityDefinition+def.EntityType)
	}
	return nil
}

// Delete drops the definition row and its generated table(s), and
// invalidates the cache entry.
func (s *Service) Delete(ctx context.Context, def *EntityDefinition) error {
	if err := s.repo.DeleteDefinition(ctx, def.EntityType); err != nil {
		return err
	}
	if err := s.applySchema(ctx, EmitDropTable(def)); err != nil {
		return err
	}
	if s.cache != nil {
		_ = s.cache.Delete(ctx, cachepkg.PrefixEntityDefinition+def.EntityType)
	}
	return nil
}

// GetByEntityType returns the cached definition when present, otherwise
// loads it from the repository and populates the cache (§3.7:
// `entity_def:{entity_type}`).
func (s *Service) GetByEntityType(ctx context.Context, entityType string) (*EntityDefinition, error) {
	key := cachepkg.PrefixEntityDefinition + entityType

	if s.cache != nil {
		var def EntityDefinition
		if hit, err := s.cache.Get(ctx, key, &def); err == nil && hit {
			return &def, nil
		}
	}

	m, err := s.repo.GetDefinition(ctx, entityType)
	if err != nil {
		return nil, err
	}
	def, err := fromMap(m)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		_ = s.cache.Set(ctx, key, def, 0)
	}
	return def, nil
}

// GetByUUID loads by uuid without going through the cache — lookups by
// uuid are rare (admin tooling) compared to the hot entity_type path.
func (s *Service) GetByUUID(ctx context.Context, entityUUID string) (*EntityDefinition, error) {
	all, err := s.repo.ListDefinitions(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range all {
		if stringField(m, "uuid") == entityUUID {
			return fromMap(m)
		}
	}
	return nil, errs.NotFound("entity_definition:" + entityUUID)
}

func (s *Service) List(ctx context.Context) ([]*EntityDefinition, error) {
	all, err := s.repo.ListDefinitions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*EntityDefinition, 0, len(all))
	for _, m := range all {
		def, err := fromMap(m)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

func (s *Service) Count(ctx context.Context) (int, error) {
	all, err := s.repo.ListDefinitions(ctx)
	if err != nil {
		return 0, err
	}
	return len(all), nil
}

func (s *Service) IsPublished(ctx context.Context, entityType string) (bool, error) {
	return s.repo.IsPublished(ctx, entityType)
}

func (s *Service) applySchema(ctx context.Context, stmts []string) error {
	if s.schema == nil {
		return nil
	}
	for _, stmt := range stmts {
		if err := s.schema.Exec(ctx, stmt); err != nil {
			return errs.Database(err)
		}
	}
	return nil
}

func toMap(def *EntityDefinition) (map[string]interface{}, error) {
	b, err := json.Marshal(def)
	if err != nil {
		return nil, errs.Serialization(err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, errs.Serialization(err)
	}
	return m, nil
}

func fromMap(m map[string]interface{}) (*EntityDefinition, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, errs.Serialization(err)
	}
	var def EntityDefinition
	if err := json.Unmarshal(b, &def); err != nil {
		return nil, errs.Serialization(err)
	}
	return &def, nil
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
