// Package entitydef implements the entity-definition engine (§4.2): CRUD
// over EntityDefinition rows, DDL emission for their generated tables
// (§4.2.1), and payload validation against a definition (§4.2.2).
package entitydef

import "regexp"

// identifierPattern matches an identifier of ASCII letters, digits and
// underscores that does not start with a digit, used for both
// entity_type and field names (§3.1/§3.2).
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// FieldType is the closed variant set from §3.2.
type FieldType string

const (
	FieldString      FieldType = "String"
	FieldText        FieldType = "Text"
	FieldWysiwyg     FieldType = "Wysiwyg"
	FieldInteger     FieldType = "Integer"
	FieldFloat       FieldType = "Float"
	FieldBoolean     FieldType = "Boolean"
	FieldDate        FieldType = "Date"
	FieldDateTime    FieldType = "DateTime"
	FieldUuid        FieldType = "Uuid"
	FieldJson        FieldType = "Json"
	FieldObject      FieldType = "Object"
	FieldArray       FieldType = "Array"
	FieldSelect      FieldType = "Select"
	FieldMultiSelect FieldType = "MultiSelect"
	FieldImage       FieldType = "Image"
	FieldFile        FieldType = "File"
	FieldManyToOne   FieldType = "ManyToOne"
	FieldManyToMany  FieldType = "ManyToMany"
)

// FieldValidation holds the optional constraint block for a field (§3.2).
type FieldValidation struct {
	Min           *float64 `json:"min,omitempty"`
	Max           *float64 `json:"max,omitempty"`
	PositiveOnly  bool     `json:"positive_only,omitempty"`
	MinLength     *int     `json:"min_length,omitempty"`
	MaxLength     *int     `json:"max_length,omitempty"`
	Pattern       string   `json:"pattern,omitempty"`
	MinDate       string   `json:"min_date,omitempty"`
	MaxDate       string   `json:"max_date,omitempty"`
	TargetEntity  string   `json:"target_entity,omitempty"`  // relation field type
	OptionsSource string   `json:"options_source,omitempty"` // Select/MultiSelect enum source
}

// FieldDefinition is one column/relation in an EntityDefinition (§3.2).
type FieldDefinition struct {
	Name         string                 `json:"name"`
	DisplayName  string                 `json:"display_name"`
	Description  string                 `json:"description,omitempty"`
	FieldType    FieldType              `json:"field_type"`
	Required     bool                   `json:"required,omitempty"`
	Indexed      bool                   `json:"indexed,omitempty"`
	Filterable   bool                   `json:"filterable,omitempty"`
	Unique       bool                   `json:"unique,omitempty"`
	DefaultValue interface{}            `json:"default_value,omitempty"`
	Validation   *FieldValidation       `json:"validation,omitempty"`
	UIMetadata   map[string]interface{} `json:"ui_metadata,omitempty"`
}

// EntityDefinition is the full in-memory shape of §3.1, round-tripped to
// the `entity_definitions` row via db.EntityDefinitionModel.
type EntityDefinition struct {
	UUID          string            `json:"uuid"`
	EntityType    string            `json:"entity_type"`
	DisplayName   string            `json:"display_name"`
	Description   string            `json:"description,omitempty"`
	EntityGroup   string            `json:"entity_group,omitempty"`
	Icon          string            `json:"icon,omitempty"`
	AllowChildren bool              `json:"allow_children"`
	Fields        []FieldDefinition `json:"field_definitions"`
	Version       int               `json:"version"`
	Published     bool              `json:"published"`
	CreatedBy     string            `json:"created_by,omitempty"`
	UpdatedBy     string            `json:"updated_by,omitempty"`
}

// ValidIdentifier reports whether s matches the identifier regex shared
// by entity_type and field names.
func ValidIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}
