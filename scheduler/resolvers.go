package scheduler

import (
	"context"

	"github.com/r3e-forks/data-core/dsl"
	"github.com/r3e-forks/data-core/entitystore"
	"github.com/r3e-forks/data-core/errs"
)

// EntityStoreResolver adapts entitystore.Store to dsl.EntityResolver, the
// narrow interface the transform phase needs from the dynamic-entity
// store (§4.3/§4.6.1's resolve_entity_path and get_or_create_entity
// transforms).
type EntityStoreResolver struct {
	Store *entitystore.Store
}

func NewEntityStoreResolver(store *entitystore.Store) *EntityStoreResolver {
	return &EntityStoreResolver{Store: store}
}

// FindOne looks up a single entity of entityDefinition matching every
// column=value pair in filter.
func (r *EntityStoreResolver) FindOne(ctx context.Context, entityDefinition string, filter map[string]string) (dsl.Record, bool, error) {
	opts := entitystore.ListOptions{Limit: 1}
	for col, val := range filter {
		opts.Filters = append(opts.Filters, entitystore.Filter{Column: col, Value: val})
	}

	entities, _, err := r.Store.FilterEntities(ctx, entityDefinition, opts)
	if err != nil {
		return nil, false, err
	}
	if len(entities) == 0 {
		return nil, false, nil
	}
	return recordFromEntity(entities[0]), true, nil
}

// GetOrCreate returns the UUID of the entity matching filter, creating
// one with filter merged over defaults if none exists.
func (r *EntityStoreResolver) GetOrCreate(ctx context.Context, entityDefinition string, filter, defaults map[string]string) (string, error) {
	opts := entitystore.ListOptions{Limit: 1}
	for col, val := range filter {
		opts.Filters = append(opts.Filters, entitystore.Filter{Column: col, Value: val})
	}

	existing, _, err := r.Store.FilterEntities(ctx, entityDefinition, opts)
	if err != nil {
		return "", err
	}
	if len(existing) > 0 {
		return existing[0].UUID, nil
	}

	fields := make(map[string]interface{}, len(defaults)+len(filter))
	for k, v := range defaults {
		fields[k] = v
	}
	for k, v := range filter {
		fields[k] = v
	}

	key, _ := fields["entity_key"].(string)
	e := &entitystore.Entity{
		EntityType: entityDefinition,
		EntityKey:  key,
		Path:       "/" + entityDefinition + "/" + key,
		FieldData:  fields,
	}
	return r.Store.Create(ctx, e)
}

// WriteEntity implements the entity-sink half of a step's To (§4.6): a
// create writes a fresh row at the step's path; an update resolves the
// target via updateKey=identify and rewrites its field data.
func (r *EntityStoreResolver) WriteEntity(ctx context.Context, to dsl.To, record dsl.Record) error {
	fields := make(map[string]interface{}, len(record))
	for k, v := range record {
		if k == "uuid" || k == "path" {
			continue
		}
		fields[k] = v
	}

	if to.Mode == dsl.EntityModeUpdate {
		identify, _ := fields[to.Identify].(string)
		existing, found, err := r.FindOne(ctx, to.EntityDefinition, map[string]string{to.UpdateKey: identify})
		if err != nil {
			return err
		}
		if !found {
			return errs.NotFound(to.EntityDefinition + ":" + identify)
		}
		uuid, _ := existing["uuid"].(string)
		return r.Store.Update(ctx, &entitystore.Entity{UUID: uuid, EntityType: to.EntityDefinition, FieldData: fields}, false)
	}

	key, _ := fields["entity_key"].(string)
	path := to.Path
	if path == "" {
		path = "/" + to.EntityDefinition + "/" + key
	}
	_, err := r.Store.Create(ctx, &entitystore.Entity{EntityType: to.EntityDefinition, EntityKey: key, Path: path, FieldData: fields})
	return err
}

func recordFromEntity(e *entitystore.Entity) dsl.Record {
	out := make(dsl.Record, len(e.FieldData)+2)
	for k, v := range e.FieldData {
		out[k] = v
	}
	out["uuid"] = e.UUID
	out["path"] = e.Path
	return out
}
