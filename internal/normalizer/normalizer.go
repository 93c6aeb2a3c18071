// Package normalizer applies a schema's transforms and constraints to
// extracted candidates.
package normalizer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MikeSquared-Agency/sift/internal/extractor"
	"github.com/MikeSquared-Agency/sift/internal/schema"
)

// ErrMissingRequired matches a *ValidationError.
var ErrMissingRequired = errors.New("missing required field")

// ValidationError reports required fields that were empty after
// normalization. Field is the first of them in schema order.
type ValidationError struct {
	Field   string
	Missing []string
}

func (e *ValidationError) Error() string {
	if len(e.Missing) > 1 {
		return fmt.Sprintf("missing required fields: %s", strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("missing required field %q", e.Field)
}

func (e *ValidationError) Is(target error) bool { return target == ErrMissingRequired }

// Reasons recorded on DegradedField.
const (
	ReasonNotInValidValues = "not_in_valid_values"
	ReasonMissing          = "missing"
	ReasonWrongType        = "wrong_type"
)

// DegradedField records a value that was replaced or dropped.
type DegradedField struct {
	Field       string `json:"field"`
	Original    string `json:"original,omitempty"`
	Replacement string `json:"replacement,omitempty"`
	Reason      string `json:"reason"`
}

// Record is a normalized candidate. Values follow the schema field order.
type Record struct {
	Values   []schema.Value
	Degraded []DegradedField
}

// Value returns the value of the named field.
func (r Record) Value(s *schema.Schema, name string) schema.Value {
	for i, n := range s.FieldOrder() {
		if n == name && i < len(r.Values) {
			return r.Values[i]
		}
	}
	return schema.Value{}
}

// Normalize coerces, transforms and validates c against s.
func Normalize(c extractor.Candidate, s *schema.Schema) (Record, error) {
	fields := s.Fields()
	rec := Record{Values: make([]schema.Value, len(fields))}
	var missing []string

	for i, f := range fields {
		v := coerce(f, c.Get(f.Name), &rec)

		if t, ok := s.TransformFor(f.Name); ok && t.Kind == schema.TransformRemovePrefix {
			v = removePrefix(v, t.Prefix)
		}

		if allowed := s.AllowedValues(f.Name); allowed != nil {
			v = constrain(f, v, allowed, defaultFor(s, f), &rec)
		}

		if f.Required && v.IsEmpty() {
			missing = append(missing, f.Name)
		}
		rec.Values[i] = v
	}

	if len(missing) > 0 {
		return rec, &ValidationError{Field: missing[0], Missing: missing}
	}
	return rec, nil
}

// coerce fits a raw value to the field's declared shape and trims strings.
func coerce(f schema.Field, v schema.Value, rec *Record) schema.Value {
	switch v.Kind() {
	case schema.KindInvalid:
		rec.Degraded = append(rec.Degraded, DegradedField{Field: f.Name, Original: v.Str(), Reason: ReasonWrongType})
		return schema.Value{}
	case schema.KindString:
		s := strings.TrimSpace(v.Str())
		if f.Type == schema.TypeArray {
			if s == "" {
				return schema.ListValue(nil)
			}
			return schema.ListValue([]string{s})
		}
		return schema.StringValue(s)
	case schema.KindList:
		if f.Type != schema.TypeArray {
			rec.Degraded = append(rec.Degraded, DegradedField{
				Field:    f.Name,
				Original: strings.Join(v.List(), ", "),
				Reason:   ReasonWrongType,
			})
			return schema.Value{}
		}
		items := v.List()
		out := items[:0]
		for _, item := range items {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		return schema.ListValue(out)
	}
	return v
}

func removePrefix(v schema.Value, prefix string) schema.Value {
	strip := func(s string) string {
		return strings.TrimLeft(strings.TrimPrefix(s, prefix), " \t")
	}
	switch v.Kind() {
	case schema.KindString:
		return schema.StringValue(strip(v.Str()))
	case schema.KindList:
		items := v.List()
		out := items[:0]
		for _, item := range items {
			if item = strip(item); item != "" {
				out = append(out, item)
			}
		}
		return schema.ListValue(out)
	}
	return v
}

// defaultFor returns the fallback for an out-of-set value: the normalize
// transform's default, else the field's declared default.
func defaultFor(s *schema.Schema, f schema.Field) string {
	if t, ok := s.TransformFor(f.Name); ok && t.Kind == schema.TransformNormalize && t.Default != "" {
		return t.Default
	}
	return f.Default
}

// constrain maps a string value onto the allowed set.
func constrain(f schema.Field, v schema.Value, allowed []string, def string, rec *Record) schema.Value {
	if v.Kind() != schema.KindString || v.IsEmpty() {
		if def == "" {
			return v
		}
		rec.Degraded = append(rec.Degraded, DegradedField{Field: f.Name, Replacement: def, Reason: ReasonMissing})
		return schema.StringValue(def)
	}

	got := v.Str()
	for _, a := range allowed {
		if a == got {
			return v
		}
	}
	for _, a := range allowed {
		if strings.EqualFold(a, got) {
			return schema.StringValue(a)
		}
	}

	rec.Degraded = append(rec.Degraded, DegradedField{
		Field:       f.Name,
		Original:    got,
		Replacement: def,
		Reason:      ReasonNotInValidValues,
	})
	if def == "" {
		return schema.Value{}
	}
	return schema.StringValue(def)
}
