package entitystore

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-forks/data-core/entitydef"
	"github.com/r3e-forks/data-core/errs"
)

func TestMainRowColumnsIncludesTypedFields(t *testing.T) {
	def := &entitydef.EntityDefinition{
		EntityType: "article",
		Fields: []entitydef.FieldDefinition{
			{Name: "title", FieldType: entitydef.FieldString},
			{Name: "tags", FieldType: entitydef.FieldManyToMany},
		},
	}
	e := &Entity{
		UUID:      "u1",
		EntityKey: "hello",
		Path:      "/hello",
		FieldData: map[string]interface{}{"title": "Hello", "tags": []interface{}{"a"}},
	}
	columns, values := mainRowColumns(def, e, true)
	assert.Contains(t, columns, "title")
	assert.NotContains(t, columns, "tags")
	assert.Equal(t, len(columns), len(values))
}

func TestMainRowColumnsRelationUsesUUIDSuffix(t *testing.T) {
	def := &entitydef.EntityDefinition{
		EntityType: "comment",
		Fields:     []entitydef.FieldDefinition{{Name: "author", FieldType: entitydef.FieldManyToOne}},
	}
	e := &Entity{FieldData: map[string]interface{}{"author": "123"}}
	columns, _ := mainRowColumns(def, e, false)
	assert.Contains(t, columns, "author_uuid")
}

func TestColumnExists(t *testing.T) {
	def := &entitydef.EntityDefinition{Fields: []entitydef.FieldDefinition{{Name: "title"}}}
	assert.True(t, columnExists(def, "title"))
	assert.False(t, columnExists(def, "missing"))
}

func TestWrapWriteErrorExtractsConstraintField(t *testing.T) {
	err := wrapWriteError(fmt.Errorf(`duplicate key value violates unique constraint "entity_article_slug_key" (SQLSTATE 23505)`))
	e, ok := err.(*errs.Error)
	require.True(t, ok)
	assert.Equal(t, errs.KindValidation, e.Kind)
	assert.Equal(t, "entity_article_slug_key", e.Field)
}

func TestEntityFromDocPopulatesSystemFields(t *testing.T) {
	doc := []byte(`{"uuid":"u1","entity_key":"hello","path":"/hello","version":3,"published":true}`)
	e, err := entityFromDoc("article", doc)
	require.NoError(t, err)
	assert.Equal(t, "u1", e.UUID)
	assert.Equal(t, "/hello", e.Path)
	assert.Equal(t, 3, e.Version)
	assert.True(t, e.Published)
}
