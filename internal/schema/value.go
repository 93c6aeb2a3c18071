package schema

import "strings"

// Kind discriminates the shapes a field value can take.
type Kind int

const (
	KindAbsent Kind = iota
	KindString
	KindList
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindInvalid:
		return "invalid"
	default:
		return "absent"
	}
}

// Value is a single field value. The zero Value is absent.
type Value struct {
	kind Kind
	str  string
	list []string
}

// StringValue returns a string-kinded value.
func StringValue(s string) Value { return Value{kind: KindString, str: s} }

// ListValue returns a list-kinded value. The slice is copied.
func ListValue(items []string) Value {
	cp := make([]string, len(items))
	copy(cp, items)
	return Value{kind: KindList, list: cp}
}

// InvalidValue keeps the raw text of a value whose shape could not be represented.
func InvalidValue(raw string) Value { return Value{kind: KindInvalid, str: raw} }

func (v Value) Kind() Kind { return v.kind }

// Str returns the string payload for string and invalid values.
func (v Value) Str() string { return v.str }

// List returns a copy of the list payload.
func (v Value) List() []string {
	if v.kind != KindList {
		return nil
	}
	cp := make([]string, len(v.list))
	copy(cp, v.list)
	return cp
}

// IsEmpty reports whether the value carries no usable content.
func (v Value) IsEmpty() bool {
	switch v.kind {
	case KindString:
		return strings.TrimSpace(v.str) == ""
	case KindList:
		for _, item := range v.list {
			if strings.TrimSpace(item) != "" {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// Any returns the value as a plain Go value: string, []string or nil.
func (v Value) Any() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindList:
		return v.List()
	default:
		return nil
	}
}

// Equal reports whether two values have the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind || v.str != o.str || len(v.list) != len(o.list) {
		return false
	}
	for i := range v.list {
		if v.list[i] != o.list[i] {
			return false
		}
	}
	return true
}
