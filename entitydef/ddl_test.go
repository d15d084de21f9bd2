package entitydef

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func maxLen(n int) *int { return &n }

func TestEmitCreateTableBaseColumns(t *testing.T) {
	def := &EntityDefinition{EntityType: "article"}
	stmts := EmitCreateTable(def)
	assert.Len(t, stmts, 1)
	create := stmts[0]
	assert.Contains(t, create, "CREATE TABLE IF NOT EXISTS entity_article")
	for _, col := range []string{"uuid UUID PRIMARY KEY", "path TEXT NOT NULL", "custom_fields JSONB DEFAULT '{}'"} {
		assert.Contains(t, create, col)
	}
}

func TestEmitCreateTableStringVarchar(t *testing.T) {
	def := &EntityDefinition{
		EntityType: "article",
		Fields: []FieldDefinition{
			{Name: "title", FieldType: FieldString, Validation: &FieldValidation{MaxLength: maxLen(120)}},
		},
	}
	create := EmitCreateTable(def)[0]
	assert.Contains(t, create, "title VARCHAR(120)")
}

func TestEmitCreateTableLongStringFallsBackToText(t *testing.T) {
	def := &EntityDefinition{
		EntityType: "article",
		Fields:     []FieldDefinition{{Name: "body", FieldType: FieldString}},
	}
	create := EmitCreateTable(def)[0]
	assert.Contains(t, create, "body TEXT")
}

func TestEmitCreateTableManyToOneForeignKey(t *testing.T) {
	def := &EntityDefinition{
		EntityType: "comment",
		Fields: []FieldDefinition{
			{Name: "author", FieldType: FieldManyToOne, Validation: &FieldValidation{TargetEntity: "user"}},
		},
	}
	create := EmitCreateTable(def)[0]
	assert.Contains(t, create, "author_uuid UUID")
	assert.Contains(t, create, "FOREIGN KEY (author_uuid) REFERENCES entity_user(uuid) ON DELETE SET NULL")
}

func TestEmitCreateTableManyToManyJoinTable(t *testing.T) {
	def := &EntityDefinition{
		EntityType: "article",
		Fields:     []FieldDefinition{{Name: "tags", FieldType: FieldManyToMany}},
	}
	stmts := EmitCreateTable(def)
	found := false
	for _, s := range stmts {
		if strings.Contains(s, "rel_article_tags") {
			found = true
		}
		assert.NotContains(t, s, "tags UUID")
	}
	assert.True(t, found, "expected a join table statement")
}

func TestEmitCreateTableCheckConstraint(t *testing.T) {
	min := 0.0
	def := &EntityDefinition{
		EntityType: "product",
		Fields: []FieldDefinition{
			{Name: "price", FieldType: FieldFloat, Validation: &FieldValidation{PositiveOnly: true, Min: &min}},
		},
	}
	create := EmitCreateTable(def)[0]
	assert.Contains(t, create, "CONSTRAINT chk_price CHECK (price > 0 AND price >= 0)")
}

func TestEmitCreateTableIndex(t *testing.T) {
	def := &EntityDefinition{
		EntityType: "article",
		Fields:     []FieldDefinition{{Name: "slug", FieldType: FieldString, Indexed: true}},
	}
	stmts := EmitCreateTable(def)
	found := false
	for _, s := range stmts {
		if strings.Contains(s, "CREATE INDEX IF NOT EXISTS idx_article_slug ON entity_article (slug)") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestEmitDropTableDropsJoinTables(t *testing.T) {
	def := &EntityDefinition{
		EntityType: "article",
		Fields:     []FieldDefinition{{Name: "tags", FieldType: FieldManyToMany}},
	}
	stmts := EmitDropTable(def)
	assert.Contains(t, stmts[0], "DROP TABLE IF EXISTS entity_article CASCADE")
	assert.Contains(t, stmts[1], "rel_article_tags")
}

func TestEmitAddColumnsStripsInlineConstraints(t *testing.T) {
	def := &EntityDefinition{
		EntityType: "article",
		Fields:     []FieldDefinition{{Name: "views", FieldType: FieldInteger}},
	}
	stmts := EmitAddColumns(def)
	assert.Contains(t, stmts[0], "ALTER TABLE entity_article ADD COLUMN IF NOT EXISTS views BIGINT")
}
