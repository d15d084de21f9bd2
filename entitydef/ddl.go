package entitydef

import (
	"fmt"
	"strconv"
	"strings"
)

// TableName returns the generated table name for an entity type (§6.1).
func TableName(entityType string) string {
	return "entity_" + strings.ToLower(entityType)
}

// joinTableName returns the many-to-many join table name for a field
// (§4.2.1): `rel_{entity}_{field}`.
func joinTableName(entityType, field string) string {
	return fmt.Sprintf("rel_%s_%s", strings.ToLower(entityType), strings.ToLower(field))
}

// EmitCreateTable builds the CREATE TABLE statement and any accompanying
// statements (enum types, join tables, indexes) for a definition. The
// result is a slice of independent statements, ready to be executed one
// at a time by apply_schema (§4.2, "apply_schema(sql)").
func EmitCreateTable(def *EntityDefinition) []string {
	var stmts []string
	table := TableName(def.EntityType)

	columns := []string{
		"uuid UUID PRIMARY KEY",
		"entity_key TEXT",
		"path TEXT NOT NULL",
		"parent_uuid UUID",
		"created_at TIMESTAMPTZ",
		"updated_at TIMESTAMPTZ",
		"created_by TEXT",
		"updated_by TEXT",
		"published BOOLEAN",
		"version INTEGER DEFAULT 1",
		"custom_fields JSONB DEFAULT '{}'",
	}

	var checks []string
	var indexes []string

	for _, f := range def.Fields {
		switch f.FieldType {
		case FieldManyToMany:
			stmts = append(stmts, emitJoinTable(def.EntityType, f.Name))
			continue
		}

		col, enumStmt := columnDDL(def.EntityType, &f)
		if enumStmt != "" {
			stmts = append([]string{enumStmt}, stmts...)
		}
		columns = append(columns, col)

		if f.FieldType == FieldManyToOne && f.Validation != nil && f.Validation.TargetEntity != "" {
			columns = append(columns, fmt.Sprintf(
				"CONSTRAINT fk_%s_%s FOREIGN KEY (%s_uuid) REFERENCES %s(uuid) ON DELETE SET NULL",
				strings.ToLower(def.EntityType), f.Name, f.Name, TableName(f.Validation.TargetEntity),
			))
		}

		if f.Validation != nil {
			if ck := checkConstraintDDL(&f); ck != "" {
				checks = append(checks, ck)
			}
		}
		if f.Indexed {
			indexes = append(indexes, fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)",
				strings.ToLower(def.EntityType), f.Name, table, f.Name,
			))
		}
	}

	columns = append(columns, checks...)

	create := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)", table, strings.Join(columns, ",\n  "))
	stmts = append(stmts, create)
	stmts = append(stmts, indexes...)
	return stmts
}

// EmitAddColumns builds idempotent ADD COLUMN statements for fields added
// since the definition's last DDL emission (§4.2 update: "re-emit DDL
// idempotently ... to accommodate field additions").
func EmitAddColumns(def *EntityDefinition) []string {
	table := TableName(def.EntityType)
	var stmts []string
	for _, f := range def.Fields {
		if f.FieldType == FieldManyToMany {
			stmts = append(stmts, emitJoinTable(def.EntityType, f.Name))
			continue
		}
		col, enumStmt := columnDDL(def.EntityType, &f)
		if enumStmt != "" {
			stmts = append(stmts, strings.Replace(enumStmt, "CREATE TYPE", "CREATE TYPE IF NOT EXISTS", 1))
		}
		// ALTER TABLE ADD COLUMN IF NOT EXISTS takes "name type", not the
		// inline CONSTRAINT/FK clauses used at create time.
		name, sqlType, _ := splitColumnDDL(col)
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s", table, name, sqlType))
	}
	return stmts
}

// EmitDropTable drops the generated table and any join tables for every
// ManyToMany field, CASCADE to take dependent views/FKs with it (§4.2
// delete).
func EmitDropTable(def *EntityDefinition) []string {
	stmts := []string{fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", TableName(def.EntityType))}
	for _, f := range def.Fields {
		if f.FieldType == FieldManyToMany {
			stmts = append(stmts, fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", joinTableName(def.EntityType, f.Name)))
		}
	}
	return stmts
}

func emitJoinTable(entityType, field string) string {
	table := joinTableName(entityType, field)
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  source_uuid UUID NOT NULL,
  target_uuid UUID NOT NULL,
  position INTEGER,
  metadata JSONB DEFAULT '{}',
  UNIQUE (source_uuid, target_uuid)
);
CREATE INDEX IF NOT EXISTS idx_%s_source ON %s (source_uuid);
CREATE INDEX IF NOT EXISTS idx_%s_target ON %s (target_uuid)`,
		table, table, table, table, table)
}

// columnDDL returns the column clause for a field and, when the field is
// a Select with an enum source, a preceding CREATE TYPE statement.
func columnDDL(entityType string, f *FieldDefinition) (column string, enumStmt string) {
	name := f.Name

	switch f.FieldType {
	case FieldString:
		if f.Validation != nil && f.Validation.MaxLength != nil && *f.Validation.MaxLength <= 255 {
			sqlType := fmt.Sprintf("VARCHAR(%d)", *f.Validation.MaxLength)
			if f.Unique {
				sqlType += " UNIQUE"
			}
			return fmt.Sprintf("%s %s", name, sqlType), ""
		}
		return name + " TEXT", ""
	case FieldText, FieldWysiwyg:
		return name + " TEXT", ""
	case FieldInteger:
		return name + " BIGINT", ""
	case FieldFloat:
		return name + " DOUBLE PRECISION", ""
	case FieldBoolean:
		return name + " BOOLEAN", ""
	case FieldDate:
		return name + " DATE", ""
	case FieldDateTime:
		return name + " TIMESTAMPTZ", ""
	case FieldUuid:
		return name + " UUID", ""
	case FieldSelect:
		if f.Validation != nil && f.Validation.OptionsSource != "" {
			enumName := fmt.Sprintf("%s_enum", name)
			enumStmt = fmt.Sprintf("CREATE TYPE %s AS ENUM (%s)", enumName, f.Validation.OptionsSource)
			return fmt.Sprintf("%s %s", name, enumName), enumStmt
		}
		return name + " TEXT", ""
	case FieldMultiSelect:
		return name + " TEXT[]", ""
	case FieldJson, FieldObject, FieldArray:
		return name + " JSONB", ""
	case FieldImage, FieldFile:
		return name + " TEXT", ""
	case FieldManyToOne:
		return fmt.Sprintf("%s_uuid UUID", name), ""
	default:
		return name + " TEXT", ""
	}
}

// checkConstraintDDL realises numeric min/max and positive_only as CHECK
// constraints. String min/max length gets no CHECK constraint.
func checkConstraintDDL(f *FieldDefinition) string {
	v := f.Validation
	var parts []string
	if f.FieldType == FieldInteger || f.FieldType == FieldFloat {
		if v.PositiveOnly {
			parts = append(parts, fmt.Sprintf("%s > 0", f.Name))
		}
		if v.Min != nil {
			parts = append(parts, fmt.Sprintf("%s >= %s", f.Name, strconv.FormatFloat(*v.Min, 'f', -1, 64)))
		}
		if v.Max != nil {
			parts = append(parts, fmt.Sprintf("%s <= %s", f.Name, strconv.FormatFloat(*v.Max, 'f', -1, 64)))
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return fmt.Sprintf("CONSTRAINT chk_%s CHECK (%s)", f.Name, strings.Join(parts, " AND "))
}

// splitColumnDDL extracts "name" and "type" from a "name type [extra]"
// column clause, discarding inline CONSTRAINT/UNIQUE suffixes that ADD
// COLUMN cannot carry the same way CREATE TABLE can.
func splitColumnDDL(col string) (name, sqlType, rest string) {
	parts := strings.SplitN(col, " ", 2)
	if len(parts) == 1 {
		return parts[0], "", ""
	}
	if strings.HasSuffix(parts[1], " UNIQUE") {
		return parts[0], strings.TrimSuffix(parts[1], " UNIQUE"), "UNIQUE"
	}
	return parts[0], parts[1], ""
}
