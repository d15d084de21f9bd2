// Package dsl defines the intermediate representation for workflow
// programs: a small JSON-native DSL of from/transform/to steps. Each
// tagged-union shape below is one flat struct holding the fields of every
// variant, with a "type" discriminator; a program decodes in a single
// json.Unmarshal pass.
package dsl

import (
	"encoding/json"
	"fmt"
)

// Program is a workflow's config: an ordered list of steps.
type Program struct {
	Steps []Step `json:"steps"`
}

// Step is one from -> transform -> to triple.
type Step struct {
	From      From      `json:"from"`
	Transform Transform `json:"transform"`
	To        To        `json:"to"`
}

// From variant kinds.
const (
	FromKindFormat       = "format"
	FromKindEntity       = "entity"
	FromKindPreviousStep = "previous_step"
	FromKindTrigger      = "trigger"
)

// From is the tagged union of a step's data source.
type From struct {
	Type string `json:"type"`

	// FromKindFormat
	Source *SourceConfig `json:"source,omitempty"`
	Format *FormatConfig `json:"format,omitempty"`

	// FromKindEntity
	EntityDefinition string          `json:"entity_definition,omitempty"`
	Filter           json.RawMessage `json:"filter,omitempty"`

	// shared by Format and Entity and PreviousStep
	Mapping map[string]string `json:"mapping,omitempty"`
}

// SourceConfig describes where a Format source's bytes come from.
type SourceConfig struct {
	SourceType string          `json:"source_type"` // uri | api | file
	Config     json.RawMessage `json:"config,omitempty"`
	Auth       json.RawMessage `json:"auth,omitempty"`
}

// URIConfig is the shape of SourceConfig.Config when SourceType is "uri".
type URIConfig struct {
	URI string `json:"uri"`
}

// FormatConfig describes how to decode/encode a Format source or sink.
type FormatConfig struct {
	FormatType string `json:"format_type"` // csv | json
	HasHeader  bool   `json:"has_header,omitempty"`
	Delimiter  string `json:"delimiter,omitempty"`
	Quote      string `json:"quote,omitempty"`
	Escape     string `json:"escape,omitempty"`
}

// To variant kinds.
const (
	ToKindFormat   = "format"
	ToKindEntity   = "entity"
	ToKindNextStep = "next_step"
)

// OutputMode is ToDef.Format's delivery mode.
type OutputMode struct {
	Mode        string `json:"mode"` // api | download | push
	Destination string `json:"destination,omitempty"`
	Method      string `json:"method,omitempty"`
}

// EntityWriteMode distinguishes create from update sinks.
const (
	EntityModeCreate = "create"
	EntityModeUpdate = "update"
)

// To is the tagged union of a step's sink.
type To struct {
	Type string `json:"type"`

	// ToKindFormat
	Output *OutputMode   `json:"output,omitempty"`
	Format *FormatConfig `json:"format,omitempty"`

	// ToKindEntity
	EntityDefinition string `json:"entity_definition,omitempty"`
	Path             string `json:"path,omitempty"`
	Mode             string `json:"mode,omitempty"` // create | update
	Identify         string `json:"identify,omitempty"`
	UpdateKey        string `json:"update_key,omitempty"`

	// shared
	Mapping map[string]string `json:"mapping,omitempty"`
}

// Transform variant kinds.
const (
	TransformNone              = "none"
	TransformArithmetic        = "arithmetic"
	TransformConcat            = "concat"
	TransformBuildPath         = "build_path"
	TransformResolveEntityPath = "resolve_entity_path"
	TransformGetOrCreateEntity = "get_or_create_entity"
	TransformAuthenticate      = "authenticate"
)

// ArithmeticOp is the operator of an Arithmetic transform.
type ArithmeticOp string

const (
	OpAdd ArithmeticOp = "add"
	OpSub ArithmeticOp = "sub"
	OpMul ArithmeticOp = "mul"
	OpDiv ArithmeticOp = "div"
)

// Operand is one side of an Arithmetic/Concat expression: a field
// reference, a literal constant, or a lookup against another entity.
type Operand struct {
	Kind                   string          `json:"kind"` // field | const | external_entity_field
	Field                  string          `json:"field,omitempty"`
	Value                  json.RawMessage `json:"value,omitempty"`
	ExternalEntityDef      string          `json:"entity_definition,omitempty"`
	ExternalEntityFilter   json.RawMessage `json:"filter,omitempty"`
	ExternalEntityField    string          `json:"external_field,omitempty"`
}

// FieldTransform is a per-field string normalization applied by BuildPath.
type FieldTransform string

const (
	FieldTransformLowercase FieldTransform = "lowercase"
	FieldTransformTrim      FieldTransform = "trim"
	FieldTransformSlugify   FieldTransform = "slugify"
)

// Transform is the tagged union of a step's data transformation.
type Transform struct {
	Type string `json:"type"`

	// Arithmetic
	Target string       `json:"target,omitempty"`
	Left   *Operand     `json:"left,omitempty"`
	Op     ArithmeticOp `json:"op,omitempty"`
	Right  *Operand     `json:"right,omitempty"`

	// Concat
	Separator string `json:"separator,omitempty"`

	// BuildPath
	Template        string                    `json:"template,omitempty"`
	FieldTransforms map[string]FieldTransform `json:"field_transforms,omitempty"`

	// ResolveEntityPath / GetOrCreateEntity / Authenticate
	EntityDefinition string            `json:"entity_definition,omitempty"`
	Filter           map[string]string `json:"filter,omitempty"`
	FallbackPath     string            `json:"fallback_path,omitempty"`
	Defaults         map[string]string `json:"defaults,omitempty"`
	Credentials      map[string]string `json:"credentials,omitempty"`
}

// LiteralPrefix marks a destination value in a To mapping as an inline
// JSON literal rather than a source-field lookup (§6.3).
const LiteralPrefix = "@literal:"

// ParseLiteral decodes the JSON following LiteralPrefix. ok is false if s
// does not carry the prefix.
func ParseLiteral(s string) (value interface{}, ok bool, err error) {
	if len(s) < len(LiteralPrefix) || s[:len(LiteralPrefix)] != LiteralPrefix {
		return nil, false, nil
	}
	var v interface{}
	if err := json.Unmarshal([]byte(s[len(LiteralPrefix):]), &v); err != nil {
		return nil, true, fmt.Errorf("invalid literal %q: %w", s, err)
	}
	return v, true, nil
}
