package dsl

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/r3e-forks/data-core/errs"
)

// Record is a loosely-typed document flowing through the executor: the
// program's input, a step's normalized working set, or a materialized
// output.
type Record map[string]interface{}

// EntityResolver is the dependency the async transform phase needs from
// the dynamic-entity store (§4.3). Implemented outside this package to
// avoid an import cycle.
type EntityResolver interface {
	FindOne(ctx context.Context, entityDefinition string, filter map[string]string) (Record, bool, error)
	GetOrCreate(ctx context.Context, entityDefinition string, filter map[string]string, defaults map[string]string) (uuid string, err error)
}

// PrincipalResolver backs the Authenticate transform.
type PrincipalResolver interface {
	Resolve(ctx context.Context, credentials map[string]string) (principalID string, err error)
}

// StepOutput pairs a step's ToDef with the record it produced, the shape
// the workflow service sinks according to §4.6.
type StepOutput struct {
	To       To
	Produced Record
}

// Executor runs a validated Program against an input document, per the
// per-step algorithm in §4.6. It holds no state of its own — one is
// constructed per worker run rather than shared as a package singleton,
// so concurrent runs never contend on executor-internal state.
type Executor struct {
	Entities   EntityResolver
	Principals PrincipalResolver
}

// NewExecutor constructs an Executor wired to the given resolvers. Either
// may be nil if the program is known not to use the corresponding
// transforms.
func NewExecutor(entities EntityResolver, principals PrincipalResolver) *Executor {
	return &Executor{Entities: entities, Principals: principals}
}

// Run executes every step of p against input in order and returns the
// per-step sink outputs.
func (e *Executor) Run(ctx context.Context, p *Program, input Record) ([]StepOutput, error) {
	outputs := make([]StepOutput, 0, len(p.Steps))

	var previous Record
	for i, step := range p.Steps {
		source, err := e.selectSource(i, step.From, input, previous)
		if err != nil {
			return outputs, err
		}

		normalized, err := normalize(source, step.From.Mapping)
		if err != nil {
			return outputs, stepWrap(i, err)
		}

		if err := e.applyTransform(ctx, i, step.Transform, normalized); err != nil {
			return outputs, err
		}

		produced, err := materialize(normalized, step.To.Mapping)
		if err != nil {
			return outputs, stepWrap(i, err)
		}

		outputs = append(outputs, StepOutput{To: step.To, Produced: produced})

		if step.To.Type == ToKindNextStep {
			previous = produced
		} else {
			previous = normalized
		}
	}

	return outputs, nil
}

func (e *Executor) selectSource(i int, from From, input, previous Record) (Record, error) {
	switch from.Type {
	case FromKindPreviousStep:
		if i == 0 {
			return nil, stepErr(i, "step 0 cannot read from previous_step")
		}
		return previous, nil
	case FromKindTrigger:
		return Record{}, nil
	case FromKindFormat, FromKindEntity:
		return input, nil
	default:
		return nil, stepErr(i, fmt.Sprintf("unknown from type %q", from.Type))
	}
}

// normalize implements §4.6 step 2: sorted-key, deterministic mapping of
// source fields into a fresh record via dotted-path navigation.
func normalize(source Record, mapping map[string]string) (Record, error) {
	if len(mapping) == 0 {
		clone := make(Record, len(source))
		for k, v := range source {
			clone[k] = v
		}
		return clone, nil
	}

	keys := sortedKeys(mapping)
	out := make(Record, len(mapping))
	for _, src := range keys {
		dst := mapping[src]
		val := lookupPath(source, src)
		setPath(out, dst, val)
	}
	return out, nil
}

// materialize implements §4.6 step 4: sorted-by-destination writes,
// supporting @literal: values.
func materialize(normalized Record, mapping map[string]string) (Record, error) {
	if len(mapping) == 0 {
		clone := make(Record, len(normalized))
		for k, v := range normalized {
			clone[k] = v
		}
		return clone, nil
	}

	dsts := make([]string, 0, len(mapping))
	for dst := range mapping {
		dsts = append(dsts, dst)
	}
	sort.Strings(dsts)

	out := make(Record)
	for _, dst := range dsts {
		src := mapping[dst]
		if lit, ok, err := ParseLiteral(src); err != nil {
			return nil, errs.Validation("to.mapping", err.Error())
		} else if ok {
			setPath(out, dst, lit)
			continue
		}
		setPath(out, dst, lookupPath(normalized, src))
	}
	return out, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// lookupPath reads a dotted-path field, returning nil for any missing
// segment.
func lookupPath(rec Record, path string) interface{} {
	segments := strings.Split(path, ".")
	var cur interface{} = map[string]interface{}(rec)
	for _, seg := range segments {
		m, ok := cur.(map[string]interface{})
		if !ok {
			if asRecord, ok2 := cur.(Record); ok2 {
				m = map[string]interface{}(asRecord)
			} else {
				return nil
			}
		}
		v, present := m[seg]
		if !present {
			return nil
		}
		cur = v
	}
	return cur
}

// setPath writes a dotted-path field, creating intermediate maps.
func setPath(rec Record, path string, value interface{}) {
	segments := strings.Split(path, ".")
	cur := map[string]interface{}(rec)
	for i, seg := range segments {
		if i == len(segments)-1 {
			cur[seg] = value
			return
		}
		next, ok := cur[seg].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			cur[seg] = next
		}
		cur = next
	}
}

func (e *Executor) applyTransform(ctx context.Context, i int, t Transform, normalized Record) error {
	switch t.Type {
	case "", TransformNone:
		return nil

	case TransformArithmetic:
		left, err := e.operandToNumber(ctx, i, t.Left, normalized)
		if err != nil {
			return err
		}
		right, err := e.operandToNumber(ctx, i, t.Right, normalized)
		if err != nil {
			return err
		}

		var result float64
		switch t.Op {
		case OpAdd:
			result = left + right
		case OpSub:
			result = left - right
		case OpMul:
			result = left * right
		case OpDiv:
			if right == 0.0 {
				return errs.Validation("transform", fmt.Sprintf("step %d: division by zero on target %q", i, t.Target))
			}
			result = left / right
		default:
			return stepErr(i, fmt.Sprintf("unknown arithmetic operator %q", t.Op))
		}
		setPath(normalized, t.Target, result)
		return nil

	case TransformConcat:
		left, err := e.operandToString(ctx, i, t.Left, normalized)
		if err != nil {
			return err
		}
		right, err := e.operandToString(ctx, i, t.Right, normalized)
		if err != nil {
			return err
		}
		setPath(normalized, t.Target, left+t.Separator+right)
		return nil

	case TransformBuildPath:
		rendered := renderBuildPath(t.Template, t.FieldTransforms, normalized)
		setPath(normalized, t.Target, rendered)
		return nil

	case TransformResolveEntityPath, TransformGetOrCreateEntity, TransformAuthenticate:
		// Not applied in the synchronous pass; resolved by the outer
		// async phase (§4.6.1) via ApplyAsyncTransform.
		return nil

	default:
		return stepErr(i, fmt.Sprintf("unknown transform type %q", t.Type))
	}
}

func (e *Executor) operandToNumber(ctx context.Context, i int, op *Operand, normalized Record) (float64, error) {
	v, err := e.operandValue(ctx, i, op, normalized)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case string:
		f, convErr := strconv.ParseFloat(n, 64)
		if convErr != nil {
			return 0, stepErr(i, fmt.Sprintf("operand %q is not numeric", n))
		}
		return f, nil
	case nil:
		return 0, stepErr(i, "operand resolved to null")
	default:
		return 0, stepErr(i, fmt.Sprintf("operand of type %T is not numeric", v))
	}
}

func (e *Executor) operandToString(ctx context.Context, i int, op *Operand, normalized Record) (string, error) {
	v, err := e.operandValue(ctx, i, op, normalized)
	if err != nil {
		return "", err
	}
	return stringify(v), nil
}

func (e *Executor) operandValue(ctx context.Context, i int, op *Operand, normalized Record) (interface{}, error) {
	if op == nil {
		return nil, stepErr(i, "missing operand")
	}
	switch op.Kind {
	case "field":
		return lookupPath(normalized, op.Field), nil
	case "const":
		var v interface{}
		if err := json.Unmarshal(op.Value, &v); err != nil {
			return nil, stepErr(i, fmt.Sprintf("invalid const operand: %v", err))
		}
		return v, nil
	case "external_entity_field":
		if e.Entities == nil {
			return nil, stepErr(i, "external_entity_field operand requires an entity resolver")
		}
		filter := map[string]string{}
		if len(op.ExternalEntityFilter) > 0 {
			if err := json.Unmarshal(op.ExternalEntityFilter, &filter); err != nil {
				return nil, stepErr(i, fmt.Sprintf("invalid external_entity_field filter: %v", err))
			}
		}
		rec, found, err := e.Entities.FindOne(ctx, op.ExternalEntityDef, filter)
		if err != nil {
			return nil, errs.Database(err)
		}
		if !found {
			return nil, errs.NotFound(fmt.Sprintf("entity:%s", op.ExternalEntityDef))
		}
		return lookupPath(rec, op.ExternalEntityField), nil
	default:
		return nil, stepErr(i, fmt.Sprintf("unknown operand kind %q", op.Kind))
	}
}

func stringify(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func renderBuildPath(template string, fieldTransforms map[string]FieldTransform, normalized Record) string {
	var b strings.Builder
	i := 0
	for i < len(template) {
		if template[i] == '{' {
			end := strings.IndexByte(template[i:], '}')
			if end < 0 {
				b.WriteByte(template[i])
				i++
				continue
			}
			field := template[i+1 : i+end]
			val := stringify(lookupPath(normalized, field))
			if ft, ok := fieldTransforms[field]; ok {
				val = applyFieldTransform(ft, val)
			}
			b.WriteString(val)
			i += end + 1
			continue
		}
		b.WriteByte(template[i])
		i++
	}
	return b.String()
}

func applyFieldTransform(ft FieldTransform, s string) string {
	switch ft {
	case FieldTransformLowercase:
		return strings.ToLower(s)
	case FieldTransformTrim:
		return strings.TrimSpace(s)
	case FieldTransformSlugify:
		return slugify(s)
	default:
		return s
	}
}

func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	lastDash := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// ApplyAsyncTransform runs the §4.6.1 async phase for a single step's
// transform. A build_path transform is rendered here as well, against the
// normalized record as it stands; other transform types are a no-op.
func (e *Executor) ApplyAsyncTransform(ctx context.Context, i int, t Transform, normalized Record) error {
	switch t.Type {
	case TransformResolveEntityPath:
		if e.Entities == nil {
			return stepErr(i, "resolve_entity_path requires an entity resolver")
		}
		rec, found, err := e.Entities.FindOne(ctx, t.EntityDefinition, t.Filter)
		if err != nil {
			return errs.Database(err)
		}
		if !found && t.FallbackPath != "" {
			rec, found, err = e.Entities.FindOne(ctx, t.EntityDefinition, map[string]string{"path": t.FallbackPath})
			if err != nil {
				return errs.Database(err)
			}
		}
		if !found {
			return errs.NotFound(fmt.Sprintf("entity:%s", t.EntityDefinition))
		}
		if path, ok := rec["path"]; ok {
			setPath(normalized, "path", path)
		}
		if uuid, ok := rec["uuid"]; ok {
			setPath(normalized, "parent_uuid", uuid)
		}
		return nil

	case TransformGetOrCreateEntity:
		if e.Entities == nil {
			return stepErr(i, "get_or_create_entity requires an entity resolver")
		}
		uuid, err := e.Entities.GetOrCreate(ctx, t.EntityDefinition, t.Filter, t.Defaults)
		if err != nil {
			return errs.Database(err)
		}
		setPath(normalized, t.Target, uuid)
		return nil

	case TransformAuthenticate:
		if e.Principals == nil {
			return stepErr(i, "authenticate requires a principal resolver")
		}
		principalID, err := e.Principals.Resolve(ctx, t.Credentials)
		if err != nil {
			return errs.Unauthorized("invalid credentials")
		}
		setPath(normalized, "principal_id", principalID)
		return nil

	case TransformBuildPath:
		rendered := renderBuildPath(t.Template, t.FieldTransforms, normalized)
		setPath(normalized, t.Target, rendered)
		return nil

	default:
		return nil
	}
}

func stepWrap(i int, err error) error {
	if de, ok := err.(*errs.Error); ok {
		return de
	}
	return stepErr(i, err.Error())
}
