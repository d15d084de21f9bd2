package entitystore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/r3e-forks/data-core/db"
	"github.com/r3e-forks/data-core/entitydef"
	"github.com/r3e-forks/data-core/errs"
)

// Store implements the dynamic-entity store (§4.3) against the
// per-type tables the entity-definition engine generates, using pgx
// directly the way `db/postgres_pgx.go` does for custom SQL.
type Store struct {
	pg   *db.PostgresDB
	defs *entitydef.Service
}

func NewStore(pg *db.PostgresDB, defs *entitydef.Service) *Store {
	return &Store{pg: pg, defs: defs}
}

// Create validates the payload, resolves path/parent_uuid, and writes
// the main row plus any many-to-many relation rows inside a single
// transaction (§4.3 write-path invariant).
func (s *Store) Create(ctx context.Context, e *Entity) (string, error) {
	def, err := s.defs.GetByEntityType(ctx, e.EntityType)
	if err != nil {
		return "", err
	}
	if err := entitydef.Validate(def, e.FieldData); err != nil {
		return "", err
	}

	tx, err := s.pg.Pool().Begin(ctx)
	if err != nil {
		return "", errs.Database(err)
	}
	defer tx.Rollback(ctx)

	if e.Path == "" && e.ParentUUID == "" {
		return "", errs.Validation("path", "either path or parent_uuid is required")
	}
	if e.Path == "" {
		parentPath, err := fetchPath(ctx, tx, entitydef.TableName(e.EntityType), e.ParentUUID)
		if err != nil {
			return "", err
		}
		e.Path = parentPath + "/" + e.EntityKey
	}

	if e.UUID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return "", errs.Database(err)
		}
		e.UUID = id.String()
	}
	now := time.Now()
	e.CreatedAt, e.UpdatedAt = now, now
	e.Version = 1

	columns, values := mainRowColumns(def, e, true)
	placeholders := make([]string, len(values))
	for i := range values {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	insertSQL := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		entitydef.TableName(e.EntityType), strings.Join(columns, ", "), strings.Join(placeholders, ", "))

	if _, err := tx.Exec(ctx, insertSQL, values...); err != nil {
		return "", wrapWriteError(err)
	}

	if err := writeManyToMany(ctx, tx, def, e.EntityType, e.UUID, e.FieldData); err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", errs.Database(err)
	}
	return e.UUID, nil
}

// Update snapshots the current row into entity_versions (unless
// versioningDisabled), applies the update with version+1, and
// reconciles many-to-many rows.
func (s *Store) Update(ctx context.Context, e *Entity, versioningDisabled bool) error {
	def, err := s.defs.GetByEntityType(ctx, e.EntityType)
	if err != nil {
		return err
	}
	if err := entitydef.Validate(def, e.FieldData); err != nil {
		return err
	}

	table := entitydef.TableName(e.EntityType)

	tx, err := s.pg.Pool().Begin(ctx)
	if err != nil {
		return errs.Database(err)
	}
	defer tx.Rollback(ctx)

	if !versioningDisabled {
		var currentDoc []byte
		row := tx.QueryRow(ctx, fmt.Sprintf("SELECT row_to_json(t) FROM %s t WHERE uuid = $1", table), e.UUID)
		if err := row.Scan(&currentDoc); err != nil {
			if err == pgx.ErrNoRows {
				return errs.NotFound(e.EntityType + ":" + e.UUID)
			}
			return errs.Database(err)
		}
		versionID, _ := uuid.NewV7()
		if _, err := tx.Exec(ctx, `
			INSERT INTO entity_versions (uuid, entity_uuid, version_number, document, created_at)
			VALUES ($1, $2, $3, $4, NOW())
		`, versionID.String(), e.UUID, e.Version, currentDoc); err != nil {
			return errs.Database(err)
		}
	}

	e.UpdatedAt = time.Now()
	columns, values := mainRowColumns(def, e, false)
	setClauses := make([]string, len(columns))
	for i, c := range columns {
		setClauses[i] = fmt.Sprintf("%s = $%d", c, i+1)
	}
	values = append(values, e.UUID)
	updateSQL := fmt.Sprintf(
		"UPDATE %s SET %s, version = version + 1 WHERE uuid = $%d",
		table, strings.Join(setClauses, ", "), len(values),
	)

	tag, err := tx.Exec(ctx, updateSQL, values...)
	if err != nil {
		return wrapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound(e.EntityType + ":" + e.UUID)
	}

	if err := reconcileManyToMany(ctx, tx, def, e.EntityType, e.UUID, e.FieldData); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errs.Database(err)
	}
	return nil
}

// Delete removes the row only. The generated join tables declare no
// foreign key to it, so its rel_* rows are not removed by this call or by
// the database. No version snapshot is taken
// here, matching the default in §4.3 (configurable by system setting
// at a higher layer, not this store).
func (s *Store) Delete(ctx context.Context, entityType, entityUUID string) error {
	table := entitydef.TableName(entityType)
	tag, err := s.pg.Pool().Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE uuid = $1", table), entityUUID)
	if err != nil {
		return errs.Database(err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound(entityType + ":" + entityUUID)
	}
	return nil
}

// GetByUUID loads a row, optionally a subset of columns, optionally
// alongside a count of direct children.
func (s *Store) GetByUUID(ctx context.Context, entityType, entityUUID string, fields []string, includeChildrenCount bool) (*Entity, int, error) {
	table := entitydef.TableName(entityType)
	selectCols := "*"
	if len(fields) > 0 {
		selectCols = strings.Join(append([]string{"uuid", "entity_key", "path", "parent_uuid", "created_at", "updated_at", "created_by", "updated_by", "published", "version"}, fields...), ", ")
	}

	row := s.pg.Pool().QueryRow(ctx, fmt.Sprintf("SELECT row_to_json(t) FROM (SELECT %s FROM %s WHERE uuid = $1) t", selectCols, table), entityUUID)
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if err == pgx.ErrNoRows {
			return nil, 0, errs.NotFound(entityType + ":" + entityUUID)
		}
		return nil, 0, errs.Database(err)
	}

	e, err := entityFromDoc(entityType, doc)
	if err != nil {
		return nil, 0, err
	}

	childCount := 0
	if includeChildrenCount {
		if err := s.pg.Pool().QueryRow(ctx,
			fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE parent_uuid = $1", table), entityUUID,
		).Scan(&childCount); err != nil {
			return nil, 0, errs.Database(err)
		}
	}
	return e, childCount, nil
}

// FilterEntities composes a parameterised WHERE clause from equality
// filters, an optional substring search, and an optional exact path
// filter, returning the page plus the exact total matching count
// (§4.3).
func (s *Store) FilterEntities(ctx context.Context, entityType string, opts ListOptions) ([]*Entity, int, error) {
	def, err := s.defs.GetByEntityType(ctx, entityType)
	if err != nil {
		return nil, 0, err
	}
	table := entitydef.TableName(entityType)

	var where []string
	var args []interface{}
	argN := 1

	for _, f := range opts.Filters {
		if !columnExists(def, f.Column) {
			return nil, 0, errs.Validation("filters", "unknown field: "+f.Column)
		}
		where = append(where, fmt.Sprintf("%s = $%d", f.Column, argN))
		args = append(args, f.Value)
		argN++
	}
	if opts.Path != "" {
		where = append(where, fmt.Sprintf("path = $%d", argN))
		args = append(args, opts.Path)
		argN++
	}
	if opts.Search != "" {
		var searchCols []string
		for _, fd := range def.Fields {
			if fd.Filterable && (fd.FieldType == entitydef.FieldString || fd.FieldType == entitydef.FieldText) {
				searchCols = append(searchCols, fmt.Sprintf("%s ILIKE $%d", fd.Name, argN))
			}
		}
		if len(searchCols) > 0 {
			where = append(where, "("+strings.Join(searchCols, " OR ")+")")
			args = append(args, "%"+opts.Search+"%")
			argN++
		}
	}

	whereSQL := ""
	if len(where) > 0 {
		whereSQL = "WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.pg.Pool().QueryRow(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s %s", table, whereSQL), args...,
	).Scan(&total); err != nil {
		return nil, 0, errs.Database(err)
	}

	orderSQL := ""
	if opts.Sort != "" {
		if !columnExists(def, opts.Sort) && opts.Sort != "created_at" && opts.Sort != "updated_at" {
			return nil, 0, errs.Validation("sort", "unknown field: "+opts.Sort)
		}
		dir := "ASC"
		if !opts.SortAsc {
			dir = "DESC"
		}
		orderSQL = fmt.Sprintf("ORDER BY %s %s", opts.Sort, dir)
	}

	limit, offset := opts.Limit, opts.Offset
	args = append(args, limit, offset)
	query := fmt.Sprintf("SELECT row_to_json(t) FROM (SELECT * FROM %s %s %s LIMIT $%d OFFSET $%d) t",
		table, whereSQL, orderSQL, argN, argN+1)

	rows, err := s.pg.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, 0, errs.Database(err)
	}
	defer rows.Close()

	var entities []*Entity
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, 0, errs.Database(err)
		}
		e, err := entityFromDoc(entityType, doc)
		if err != nil {
			return nil, 0, err
		}
		entities = append(entities, e)
	}
	return entities, total, nil
}

// BrowseByPath enumerates the direct children of path: entities with
// parent path == path, plus virtual folders for any deeper descendant
// whose immediate segment under path has no entity of its own.
// has_children is computed with two batched queries, never one query
// per node.
func (s *Store) BrowseByPath(ctx context.Context, entityType, path string, limit, offset int) ([]Node, int, error) {
	table := entitydef.TableName(entityType)

	rows, err := s.pg.Pool().Query(ctx, fmt.Sprintf(`
		SELECT uuid, entity_key, path FROM %s WHERE path LIKE $1 || '/%%'
	`, table), path)
	if err != nil {
		return nil, 0, errs.Database(err)
	}
	defer rows.Close()

	type childRow struct {
		uuid, key, fullPath string
	}
	var direct []childRow
	folderSet := map[string]bool{}

	for rows.Next() {
		var cr childRow
		if err := rows.Scan(&cr.uuid, &cr.key, &cr.fullPath); err != nil {
			return nil, 0, errs.Database(err)
		}
		rel := strings.TrimPrefix(cr.fullPath, path+"/")
		if !strings.Contains(rel, "/") {
			direct = append(direct, cr)
		} else {
			segment := strings.SplitN(rel, "/", 2)[0]
			folderSet[segment] = true
		}
	}

	var nodes []Node
	for _, cr := range direct {
		nodes = append(nodes, Node{UUID: cr.uuid, EntityKey: cr.key, Path: cr.fullPath})
	}
	for seg := range folderSet {
		fullPath := path + "/" + seg
		already := false
		for _, n := range nodes {
			if n.Path == fullPath {
				already = true
				break
			}
		}
		if !already {
			nodes = append(nodes, Node{EntityKey: seg, Path: fullPath, IsFolder: true})
		}
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Path < nodes[j].Path })
	total := len(nodes)
	if offset < len(nodes) {
		end := offset + limit
		if end > len(nodes) || limit <= 0 {
			end = len(nodes)
		}
		nodes = nodes[offset:end]
	} else {
		nodes = nil
	}

	if err := populateHasChildren(ctx, s.pg, table, nodes); err != nil {
		return nil, 0, err
	}
	return nodes, total, nil
}

// SearchByPathPrefix returns up to limit entities whose path starts with
// prefix, ordered by path, using its own prefix scan. It produces no
// virtual folder nodes.
func (s *Store) SearchByPathPrefix(ctx context.Context, entityType, prefix string, limit int) ([]Node, error) {
	table := entitydef.TableName(entityType)
	rows, err := s.pg.Pool().Query(ctx, fmt.Sprintf(`
		SELECT uuid, entity_key, path FROM %s WHERE path LIKE $1 || '%%' ORDER BY path LIMIT $2
	`, table), prefix, limit)
	if err != nil {
		return nil, errs.Database(err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		var n Node
		if err := rows.Scan(&n.UUID, &n.EntityKey, &n.Path); err != nil {
			return nil, errs.Database(err)
		}
		nodes = append(nodes, n)
	}
	if err := populateHasChildren(ctx, s.pg, table, nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// populateHasChildren batches has_children computation across all
// nodes in two queries (by parent_uuid, by path) instead of one query
// per node (§4.3).
func populateHasChildren(ctx context.Context, pg *db.PostgresDB, table string, nodes []Node) error {
	if len(nodes) == 0 {
		return nil
	}

	uuids := make([]string, 0, len(nodes))
	paths := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n.UUID != "" {
			uuids = append(uuids, n.UUID)
		}
		paths = append(paths, n.Path)
	}

	parentsWithChildren := map[string]bool{}
	if len(uuids) > 0 {
		rows, err := pg.Pool().Query(ctx,
			fmt.Sprintf("SELECT DISTINCT parent_uuid FROM %s WHERE parent_uuid = ANY($1)", table), uuids)
		if err != nil {
			return errs.Database(err)
		}
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				rows.Close()
				return errs.Database(err)
			}
			parentsWithChildren[p] = true
		}
		rows.Close()
	}

	pathsWithChildren := map[string]bool{}
	rows, err := pg.Pool().Query(ctx,
		fmt.Sprintf("SELECT DISTINCT path FROM %s WHERE path = ANY($1)", table), paths)
	if err != nil {
		return errs.Database(err)
	}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return errs.Database(err)
		}
		pathsWithChildren[p] = true
	}
	rows.Close()

	for i := range nodes {
		nodes[i].HasChildren = parentsWithChildren[nodes[i].UUID] || pathsWithChildren[nodes[i].Path]
	}
	return nil
}

func fetchPath(ctx context.Context, tx pgx.Tx, table, parentUUID string) (string, error) {
	var path string
	err := tx.QueryRow(ctx, fmt.Sprintf("SELECT path FROM %s WHERE uuid = $1", table), parentUUID).Scan(&path)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", errs.NotFound("parent:" + parentUUID)
		}
		return "", errs.Database(err)
	}
	return path, nil
}

// mainRowColumns builds the ordered (columns, values) pair for an
// INSERT or UPDATE, translating FieldData into typed columns per the
// definition and skipping ManyToMany fields (handled separately).
func mainRowColumns(def *entitydef.EntityDefinition, e *Entity, includeUUID bool) ([]string, []interface{}) {
	var columns []string
	var values []interface{}

	if includeUUID {
		columns = append(columns, "uuid", "entity_key", "path", "parent_uuid", "created_at", "updated_at", "created_by", "updated_by", "published", "version", "custom_fields")
		values = append(values, e.UUID, e.EntityKey, e.Path, nullable(e.ParentUUID), e.CreatedAt, e.UpdatedAt, e.CreatedBy, e.UpdatedBy, e.Published, e.Version, customFieldsJSON(e))
	} else {
		columns = append(columns, "entity_key", "path", "parent_uuid", "updated_at", "updated_by", "published")
		values = append(values, e.EntityKey, e.Path, nullable(e.ParentUUID), e.UpdatedAt, e.UpdatedBy, e.Published)
	}

	for _, f := range def.Fields {
		if f.FieldType == entitydef.FieldManyToMany {
			continue
		}
		raw, present := e.FieldData[f.Name]
		if !present {
			continue
		}
		name := f.Name
		if f.FieldType == entitydef.FieldManyToOne {
			name = f.Name + "_uuid"
		}
		columns = append(columns, name)
		values = append(values, fieldSQLValue(f.FieldType, raw))
	}
	return columns, values
}

func fieldSQLValue(ft entitydef.FieldType, raw interface{}) interface{} {
	switch ft {
	case entitydef.FieldJson, entitydef.FieldObject, entitydef.FieldArray:
		b, _ := json.Marshal(raw)
		return b
	default:
		return raw
	}
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func customFieldsJSON(e *Entity) []byte {
	b, _ := json.Marshal(map[string]interface{}{})
	return b
}

// writeManyToMany inserts join-table rows for every ManyToMany field
// present in the payload.
func writeManyToMany(ctx context.Context, tx pgx.Tx, def *entitydef.EntityDefinition, entityType, sourceUUID string, fieldData map[string]interface{}) error {
	for _, f := range def.Fields {
		if f.FieldType != entitydef.FieldManyToMany {
			continue
		}
		raw, ok := fieldData[f.Name]
		if !ok {
			continue
		}
		targets, _ := raw.([]interface{})
		table := fmt.Sprintf("rel_%s_%s", strings.ToLower(entityType), strings.ToLower(f.Name))
		for pos, t := range targets {
			target, _ := t.(string)
			if _, err := tx.Exec(ctx, fmt.Sprintf(
				"INSERT INTO %s (source_uuid, target_uuid, position) VALUES ($1, $2, $3)", table,
			), sourceUUID, target, pos); err != nil {
				return wrapWriteError(err)
			}
		}
	}
	return nil
}

// reconcileManyToMany deletes rows no longer present in the set and
// inserts new ones, per the update operation in §4.3.
func reconcileManyToMany(ctx context.Context, tx pgx.Tx, def *entitydef.EntityDefinition, entityType, sourceUUID string, fieldData map[string]interface{}) error {
	for _, f := range def.Fields {
		if f.FieldType != entitydef.FieldManyToMany {
			continue
		}
		raw, ok := fieldData[f.Name]
		if !ok {
			continue
		}
		table := fmt.Sprintf("rel_%s_%s", strings.ToLower(entityType), strings.ToLower(f.Name))
		if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE source_uuid = $1", table), sourceUUID); err != nil {
			return errs.Database(err)
		}
		targets, _ := raw.([]interface{})
		for pos, t := range targets {
			target, _ := t.(string)
			if _, err := tx.Exec(ctx, fmt.Sprintf(
				"INSERT INTO %s (source_uuid, target_uuid, position) VALUES ($1, $2, $3)", table,
			), sourceUUID, target, pos); err != nil {
				return wrapWriteError(err)
			}
		}
	}
	return nil
}

func columnExists(def *entitydef.EntityDefinition, name string) bool {
	for _, f := range def.Fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

// wrapWriteError maps a unique-constraint violation (SQLSTATE 23505)
// into a field-attached Validation error per §4.3's
// "Unique-field violations surface as Validation with an attached
// field name".
func wrapWriteError(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "23505") || strings.Contains(msg, "duplicate key") {
		field := extractConstraintField(msg)
		return errs.Validation(field, "value already in use")
	}
	return errs.Database(err)
}

func extractConstraintField(msg string) string {
	idx := strings.Index(msg, "constraint \"")
	if idx == -1 {
		return "unknown"
	}
	rest := msg[idx+len("constraint \""):]
	end := strings.Index(rest, "\"")
	if end == -1 {
		return "unknown"
	}
	return rest[:end]
}

func entityFromDoc(entityType string, doc []byte) (*Entity, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, errs.Serialization(err)
	}
	e := &Entity{EntityType: entityType, FieldData: m}
	if v, ok := m["uuid"].(string); ok {
		e.UUID = v
	}
	if v, ok := m["entity_key"].(string); ok {
		e.EntityKey = v
	}
	if v, ok := m["path"].(string); ok {
		e.Path = v
	}
	if v, ok := m["parent_uuid"].(string); ok {
		e.ParentUUID = v
	}
	if v, ok := m["published"].(bool); ok {
		e.Published = v
	}
	if v, ok := m["version"].(float64); ok {
		e.Version = int(v)
	}
	return e, nil
}
