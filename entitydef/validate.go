package entitydef

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-forks/data-core/errs"
)

// Validate checks a payload against a definition's fields in the order
// fixed by §4.2.2: required presence, per-field type check, constraints,
// relation UUID parsing, then the Json/Object/Array split. All
// violations are collected before returning, not just the first.
func Validate(def *EntityDefinition, payload map[string]interface{}) error {
	var violations []errs.Violation

	for _, f := range def.Fields {
		raw, present := payload[f.Name]

		if f.Required && (!present || isNilValue(raw)) {
			violations = append(violations, errs.Violation{Field: f.Name, Message: "required field is missing"})
			continue
		}
		if !present || isNilValue(raw) {
			continue
		}

		if msg := typeCheck(f.FieldType, raw); msg != "" {
			violations = append(violations, errs.Violation{Field: f.Name, Message: msg})
			continue
		}

		if f.Validation != nil {
			if msgs := constraintCheck(&f, raw); len(msgs) > 0 {
				for _, m := range msgs {
					violations = append(violations, errs.Violation{Field: f.Name, Message: m})
				}
				continue
			}
		}

		if f.FieldType == FieldManyToOne {
			if s, ok := raw.(string); ok {
				if _, err := uuid.Parse(s); err != nil {
					violations = append(violations, errs.Violation{Field: f.Name, Message: "not a valid uuid"})
					continue
				}
			}
		}
		if f.FieldType == FieldManyToMany {
			if arr, ok := raw.([]interface{}); ok {
				for _, item := range arr {
					s, ok := item.(string)
					if !ok {
						violations = append(violations, errs.Violation{Field: f.Name, Message: "relation targets must be uuid strings"})
						break
					}
					if _, err := uuid.Parse(s); err != nil {
						violations = append(violations, errs.Violation{Field: f.Name, Message: "not a valid uuid: " + s})
						break
					}
				}
			}
		}

		if msg := jsonShapeCheck(f.FieldType, raw); msg != "" {
			violations = append(violations, errs.Violation{Field: f.Name, Message: msg})
		}
	}

	if len(violations) > 0 {
		return errs.ValidationList(violations)
	}
	return nil
}

func isNilValue(v interface{}) bool {
	return v == nil
}

// typeCheck enforces that a value's concrete JSON-decoded type matches
// the declared field type. No coercion: a numeric string is not an
// Integer, a "true"/"false" string is not a Boolean.
func typeCheck(ft FieldType, v interface{}) string {
	switch ft {
	case FieldString, FieldText, FieldWysiwyg, FieldImage, FieldFile, FieldUuid, FieldDate, FieldDateTime:
		if _, ok := v.(string); !ok {
			return "expected a string"
		}
	case FieldInteger:
		n, ok := v.(json.Number)
		if !ok {
			if f, ok2 := v.(float64); ok2 {
				if f != float64(int64(f)) {
					return "expected an integer"
				}
				return ""
			}
			return "expected an integer"
		}
		if _, err := n.Int64(); err != nil {
			return "expected an integer"
		}
	case FieldFloat:
		switch v.(type) {
		case json.Number, float64:
		default:
			return "expected a number"
		}
	case FieldBoolean:
		if _, ok := v.(bool); !ok {
			return "expected a boolean"
		}
	case FieldSelect:
		if _, ok := v.(string); !ok {
			return "expected a string"
		}
	case FieldMultiSelect:
		arr, ok := v.([]interface{})
		if !ok {
			return "expected an array of strings"
		}
		for _, item := range arr {
			if _, ok := item.(string); !ok {
				return "expected an array of strings"
			}
		}
	case FieldManyToOne:
		if _, ok := v.(string); !ok {
			return "expected a uuid string"
		}
	case FieldManyToMany:
		if _, ok := v.([]interface{}); !ok {
			return "expected an array of uuid strings"
		}
	case FieldJson, FieldObject, FieldArray:
		// shape enforced later by jsonShapeCheck
	}
	if ft == FieldDate || ft == FieldDateTime {
		s := v.(string)
		layout := "2006-01-02"
		if ft == FieldDateTime {
			layout = time.RFC3339
		}
		if _, err := time.Parse(layout, s); err != nil {
			return fmt.Sprintf("not a valid %s", ft)
		}
	}
	return ""
}

// constraintCheck applies the optional FieldValidation block: numeric
// min/max/positive_only, string length, regex pattern, and date
// min/max (with the "now" token resolving to evaluation time).
func constraintCheck(f *FieldDefinition, v interface{}) []string {
	var msgs []string
	val := f.Validation

	switch f.FieldType {
	case FieldInteger, FieldFloat:
		num := numericValue(v)
		if val.PositiveOnly && num <= 0 {
			msgs = append(msgs, "must be positive")
		}
		if val.Min != nil && num < *val.Min {
			msgs = append(msgs, fmt.Sprintf("must be >= %v", *val.Min))
		}
		if val.Max != nil && num > *val.Max {
			msgs = append(msgs, fmt.Sprintf("must be <= %v", *val.Max))
		}
	case FieldString, FieldText, FieldWysiwyg:
		s, _ := v.(string)
		if val.MinLength != nil && len(s) < *val.MinLength {
			msgs = append(msgs, fmt.Sprintf("must be at least %d characters", *val.MinLength))
		}
		if val.MaxLength != nil && len(s) > *val.MaxLength {
			msgs = append(msgs, fmt.Sprintf("must be at most %d characters", *val.MaxLength))
		}
		if val.Pattern != "" {
			re, err := regexp.Compile(val.Pattern)
			if err == nil && !re.MatchString(s) {
				msgs = append(msgs, "does not match required pattern")
			}
		}
	case FieldSelect:
		s, _ := v.(string)
		if val.OptionsSource != "" && !enumContains(val.OptionsSource, s) {
			msgs = append(msgs, "not a member of the allowed options")
		}
	case FieldDate, FieldDateTime:
		s, _ := v.(string)
		layout := "2006-01-02"
		if f.FieldType == FieldDateTime {
			layout = time.RFC3339
		}
		t, err := time.Parse(layout, s)
		if err != nil {
			break
		}
		if val.MinDate != "" {
			min, ok := resolveDateToken(val.MinDate, layout)
			if ok && t.Before(min) {
				msgs = append(msgs, "must not be before "+val.MinDate)
			}
		}
		if val.MaxDate != "" {
			max, ok := resolveDateToken(val.MaxDate, layout)
			if ok && t.After(max) {
				msgs = append(msgs, "must not be after "+val.MaxDate)
			}
		}
	}
	return msgs
}

func numericValue(v interface{}) float64 {
	switch n := v.(type) {
	case json.Number:
		f, _ := n.Float64()
		return f
	case float64:
		return n
	}
	return 0
}

// resolveDateToken turns "now" into the current time and anything else
// into a parsed absolute bound.
func resolveDateToken(token, layout string) (time.Time, bool) {
	if token == "now" {
		return time.Now(), true
	}
	t, err := time.Parse(layout, token)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// enumContains treats options_source as a comma-separated literal list.
// A dynamic lookup source (e.g. "table:status_codes") always passes here;
// membership against live data is enforced by the caller, not this
// structural validator.
func enumContains(source, value string) bool {
	if len(source) > 0 && source[0] != ',' {
		for _, opt := range splitCSV(source) {
			if opt == value {
				return true
			}
		}
		return !isLiteralList(source)
	}
	return true
}

func isLiteralList(source string) bool {
	for _, r := range source {
		if r == ':' {
			return false
		}
	}
	return true
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, trimSpace(s[start:i]))
			start = i + 1
		}
	}
	out = append(out, trimSpace(s[start:]))
	return out
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t') {
		end--
	}
	return s[start:end]
}

// jsonShapeCheck enforces the three-way split for Json/Object/Array
// (§4.2.2): Object must decode to a map, Array to a slice, Json accepts
// either.
func jsonShapeCheck(ft FieldType, v interface{}) string {
	switch ft {
	case FieldObject:
		if _, ok := v.(map[string]interface{}); !ok {
			return "expected a json object"
		}
	case FieldArray:
		if _, ok := v.([]interface{}); !ok {
			return "expected a json array"
		}
	case FieldJson:
		switch v.(type) {
		case map[string]interface{}, []interface{}:
		default:
			return "expected a json object or array"
		}
	}
	return ""
}
