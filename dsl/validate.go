package dsl

import (
	"fmt"
	"regexp"

	"github.com/r3e-forks/data-core/errs"
)

// fieldRefPattern matches a dotted-path field reference (§4.5).
var fieldRefPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// EntityDefinitionLookup is the dependency the validator needs from the
// entity-definition engine: whether a published definition exists for a
// given entity_type. Kept as a narrow interface rather than importing the
// entitydef package directly, so the DSL package has no dependency on
// storage.
type EntityDefinitionLookup interface {
	IsPublished(entityType string) (bool, error)
}

// Validate checks a Program against the rules in spec §4.5. It returns a
// single Validation error referencing the first failing step index, or
// nil if the program is well formed.
func Validate(p *Program, lookup EntityDefinitionLookup) error {
	if len(p.Steps) == 0 {
		return errs.Validation("steps", "program must have at least one step")
	}

	last := len(p.Steps) - 1
	for i, step := range p.Steps {
		if err := validateStep(i, last, step, lookup); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i, last int, step Step, lookup EntityDefinitionLookup) error {
	if step.From.Type == FromKindPreviousStep && i == 0 {
		return stepErr(i, "step 0 cannot read from previous_step")
	}
	if step.To.Type == ToKindNextStep && i == last {
		return stepErr(i, "the last step cannot write to next_step")
	}

	if err := validateMapping(i, step.From.Mapping); err != nil {
		return err
	}
	if err := validateMapping(i, step.To.Mapping); err != nil {
		return err
	}

	if err := validateTransform(i, step, lookup); err != nil {
		return err
	}

	return nil
}

func validateMapping(i int, mapping map[string]string) error {
	for dst, src := range mapping {
		if !fieldRefPattern.MatchString(dst) {
			return stepErr(i, fmt.Sprintf("invalid mapping destination %q", dst))
		}
		if _, isLiteral, _ := ParseLiteral(src); isLiteral {
			continue
		}
		if !fieldRefPattern.MatchString(src) {
			return stepErr(i, fmt.Sprintf("invalid mapping source %q", src))
		}
	}
	return nil
}

func validateTransform(i int, step Step, lookup EntityDefinitionLookup) error {
	t := step.Transform
	switch t.Type {
	case "", TransformNone:
		return nil

	case TransformArithmetic:
		if t.Target == "" || !fieldRefPattern.MatchString(t.Target) {
			return stepErr(i, "arithmetic transform requires a valid target field")
		}
		if err := validateOperand(i, t.Left); err != nil {
			return err
		}
		if err := validateOperand(i, t.Right); err != nil {
			return err
		}
		switch t.Op {
		case OpAdd, OpSub, OpMul, OpDiv:
		default:
			return stepErr(i, fmt.Sprintf("unknown arithmetic operator %q", t.Op))
		}
		return nil

	case TransformConcat:
		if t.Target == "" || !fieldRefPattern.MatchString(t.Target) {
			return stepErr(i, "concat transform requires a valid target field")
		}
		if err := validateOperand(i, t.Left); err != nil {
			return err
		}
		return validateOperand(i, t.Right)

	case TransformBuildPath:
		if t.Target == "" || !fieldRefPattern.MatchString(t.Target) {
			return stepErr(i, "build_path transform requires a valid target field")
		}
		if t.Template == "" {
			return stepErr(i, "build_path transform requires a template")
		}
		return validateBuildPathTemplate(i, t.Template, step.From.Mapping)

	case TransformResolveEntityPath, TransformGetOrCreateEntity, TransformAuthenticate:
		if t.Type != TransformAuthenticate {
			if t.EntityDefinition == "" {
				return stepErr(i, fmt.Sprintf("%s requires entity_definition", t.Type))
			}
			if lookup != nil {
				published, err := lookup.IsPublished(t.EntityDefinition)
				if err != nil {
					return errs.Database(err)
				}
				if !published {
					return stepErr(i, fmt.Sprintf("entity_definition %q is not published", t.EntityDefinition))
				}
			}
		}
		return nil

	default:
		return stepErr(i, fmt.Sprintf("unknown transform type %q", t.Type))
	}
}

func validateOperand(i int, op *Operand) error {
	if op == nil {
		return stepErr(i, "missing operand")
	}
	switch op.Kind {
	case "field":
		if !fieldRefPattern.MatchString(op.Field) {
			return stepErr(i, fmt.Sprintf("invalid field reference %q", op.Field))
		}
	case "const":
		if len(op.Value) == 0 {
			return stepErr(i, "const operand requires a value")
		}
	case "external_entity_field":
		if op.ExternalEntityDef == "" || op.ExternalEntityField == "" {
			return stepErr(i, "external_entity_field operand requires entity_definition and external_field")
		}
	default:
		return stepErr(i, fmt.Sprintf("unknown operand kind %q", op.Kind))
	}
	return nil
}

// buildPathFieldPattern extracts {field} placeholders from a BuildPath
// template.
var buildPathFieldPattern = regexp.MustCompile(`\{([^}]+)\}`)

func validateBuildPathTemplate(i int, template string, mapping map[string]string) error {
	mapped := make(map[string]bool, len(mapping))
	for _, dst := range mapping {
		mapped[dst] = true
	}
	matches := buildPathFieldPattern.FindAllStringSubmatch(template, -1)
	for _, m := range matches {
		field := m[1]
		if !mapped[field] {
			return stepErr(i, fmt.Sprintf("build_path template references %q, which is not in the mapping", field))
		}
	}
	return nil
}

func stepErr(i int, message string) error {
	return errs.Validation("steps", fmt.Sprintf("step %d: %s", i, message))
}
