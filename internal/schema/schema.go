package schema

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// FieldType is the declared shape of a field.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeEnum   FieldType = "enum"
	TypeArray  FieldType = "array"
)

// TransformKind names a field transform.
type TransformKind string

const (
	TransformRemovePrefix TransformKind = "remove_prefix"
	TransformNormalize    TransformKind = "normalize"
)

// DefaultNaturalKey is used as the natural key when the document names none
// and a field of this name is declared.
const DefaultNaturalKey = "incident_id"

// ErrInvalid matches every schema validation error.
var ErrInvalid = errors.New("invalid schema")

// Error describes why a schema document was rejected.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	if e.Field == "" {
		return "schema: " + e.Reason
	}
	return fmt.Sprintf("schema: field %q: %s", e.Field, e.Reason)
}

func (e *Error) Is(target error) bool { return target == ErrInvalid }

func invalid(field, format string, args ...any) error {
	return &Error{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Field is a declared output field.
type Field struct {
	Name        string
	Type        FieldType
	Enum        []string
	Required    bool
	Description string
	Default     string
}

// Transform is a declared per-field transform.
type Transform struct {
	Kind        TransformKind
	Prefix      string
	ValidValues []string
	Default     string
}

// Schema is the validated extraction schema. It is immutable after Load.
type Schema struct {
	SystemPrompt string
	NaturalKey   string

	fields     []Field
	index      map[string]int
	transforms map[string]Transform
}

// Columns reserved by the destination table layout.
var reservedNames = map[string]bool{
	"natural_id":       true,
	"date":             true,
	"time":             true,
	"author":           true,
	"original_message": true,
	"created_at":       true,
	"updated_at":       true,
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type document struct {
	SystemPrompt    string                  `yaml:"system_prompt"`
	NaturalKey      string                  `yaml:"natural_key"`
	Fields          yaml.Node               `yaml:"fields"`
	OutputFormat    yaml.Node               `yaml:"output_format"`
	Properties      yaml.Node               `yaml:"properties"`
	Required        []string                `yaml:"required"`
	FieldTransforms map[string]transformDoc `yaml:"field_transforms"`
}

type fieldDoc struct {
	Type  string   `yaml:"type"`
	Enum  []string `yaml:"enum"`
	Items *struct {
		Type string `yaml:"type"`
	} `yaml:"items"`
	Required    *bool  `yaml:"required"`
	Description string `yaml:"description"`
	Default     string `yaml:"default"`
}

type transformDoc struct {
	Type        string   `yaml:"type"`
	Value       string   `yaml:"value"`
	ValidValues []string `yaml:"valid_values"`
	Default     string   `yaml:"default"`
}

// LoadFile reads and validates a schema document from disk.
func LoadFile(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", path, err)
	}
	return Parse(data)
}

// Load reads and validates a schema document.
func Load(r io.Reader) (*Schema, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return Parse(data)
}

// Parse validates a JSON or YAML schema document. Field order follows the
// document.
func Parse(data []byte) (*Schema, error) {
	// Tab-indented JSON is not valid YAML; compacting keeps key order.
	if json.Valid(data) {
		var compact bytes.Buffer
		if err := json.Compact(&compact, data); err == nil {
			data = compact.Bytes()
		}
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, invalid("", "parse document: %v", err)
	}

	if strings.TrimSpace(doc.SystemPrompt) == "" {
		return nil, invalid("", "system_prompt is required")
	}

	fieldsNode, err := pickFieldsNode(&doc)
	if err != nil {
		return nil, err
	}

	requiredSet := make(map[string]bool, len(doc.Required))
	for _, name := range doc.Required {
		requiredSet[name] = true
	}

	s := &Schema{
		SystemPrompt: doc.SystemPrompt,
		index:        make(map[string]int),
		transforms:   make(map[string]Transform),
	}

	for i := 0; i+1 < len(fieldsNode.Content); i += 2 {
		name := fieldsNode.Content[i].Value
		f, err := decodeField(name, fieldsNode.Content[i+1], requiredSet[name])
		if err != nil {
			return nil, err
		}
		if _, dup := s.index[name]; dup {
			return nil, invalid(name, "declared more than once")
		}
		s.index[name] = len(s.fields)
		s.fields = append(s.fields, f)
	}
	if len(s.fields) == 0 {
		return nil, invalid("", "no fields declared")
	}
	for name := range requiredSet {
		if _, ok := s.index[name]; !ok {
			return nil, invalid(name, "listed as required but not declared")
		}
	}

	names := make([]string, 0, len(doc.FieldTransforms))
	for name := range doc.FieldTransforms {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		t, err := s.decodeTransform(name, doc.FieldTransforms[name])
		if err != nil {
			return nil, err
		}
		s.transforms[name] = t
	}

	switch {
	case doc.NaturalKey != "":
		f, ok := s.Field(doc.NaturalKey)
		if !ok {
			return nil, invalid(doc.NaturalKey, "natural_key names an undeclared field")
		}
		if f.Type == TypeArray {
			return nil, invalid(doc.NaturalKey, "natural_key must be a string or enum field")
		}
		s.NaturalKey = doc.NaturalKey
	default:
		if f, ok := s.Field(DefaultNaturalKey); ok && f.Type != TypeArray {
			s.NaturalKey = DefaultNaturalKey
		}
	}

	return s, nil
}

func pickFieldsNode(doc *document) (*yaml.Node, error) {
	var found *yaml.Node
	for _, candidate := range []struct {
		key  string
		node *yaml.Node
	}{
		{"fields", &doc.Fields},
		{"output_format", &doc.OutputFormat},
		{"properties", &doc.Properties},
	} {
		if candidate.node.Kind == 0 {
			continue
		}
		if found != nil {
			return nil, invalid("", "only one of fields, output_format or properties may be declared")
		}
		if candidate.node.Kind != yaml.MappingNode {
			return nil, invalid("", "%s must be a mapping of field name to definition", candidate.key)
		}
		found = candidate.node
	}
	if found == nil {
		return nil, invalid("", "fields (or output_format) is required")
	}
	return found, nil
}

func decodeField(name string, node *yaml.Node, listedRequired bool) (Field, error) {
	if !identRe.MatchString(name) {
		return Field{}, invalid(name, "name must match %s", identRe.String())
	}
	if reservedNames[strings.ToLower(name)] {
		return Field{}, invalid(name, "name is reserved")
	}

	var fd fieldDoc
	switch node.Kind {
	case yaml.ScalarNode:
		// Shorthand: "field": "string".
		fd.Type = node.Value
	case yaml.MappingNode:
		if err := node.Decode(&fd); err != nil {
			return Field{}, invalid(name, "decode definition: %v", err)
		}
	default:
		return Field{}, invalid(name, "definition must be a mapping")
	}

	f := Field{
		Name:        name,
		Description: fd.Description,
		Required:    listedRequired,
		Default:     fd.Default,
	}
	if fd.Required != nil {
		f.Required = *fd.Required
	}

	switch strings.ToLower(strings.TrimSpace(fd.Type)) {
	case "string", "":
		f.Type = TypeString
		if len(fd.Enum) > 0 {
			f.Type = TypeEnum
		}
	case "enum":
		f.Type = TypeEnum
	case "array", "array-of-string", "string[]", "list":
		if fd.Items != nil && fd.Items.Type != "" && fd.Items.Type != "string" {
			return Field{}, invalid(name, "array items must be strings, got %q", fd.Items.Type)
		}
		f.Type = TypeArray
	default:
		return Field{}, invalid(name, "unsupported type %q", fd.Type)
	}

	if f.Type == TypeEnum {
		for _, v := range fd.Enum {
			if strings.TrimSpace(v) != "" {
				f.Enum = append(f.Enum, v)
			}
		}
		if len(f.Enum) == 0 {
			return Field{}, invalid(name, "enum field declares no values")
		}
		if f.Default != "" && !contains(f.Enum, f.Default) {
			return Field{}, invalid(name, "default %q is not an enum value", f.Default)
		}
	}
	return f, nil
}

func (s *Schema) decodeTransform(name string, td transformDoc) (Transform, error) {
	f, ok := s.Field(name)
	if !ok {
		return Transform{}, invalid(name, "transform references undeclared field")
	}

	switch TransformKind(td.Type) {
	case TransformRemovePrefix:
		if td.Value == "" {
			return Transform{}, invalid(name, "remove_prefix requires a value")
		}
		return Transform{Kind: TransformRemovePrefix, Prefix: td.Value}, nil

	case TransformNormalize:
		valid := td.ValidValues
		if len(valid) == 0 {
			valid = f.Enum
		}
		if len(valid) == 0 {
			return Transform{}, invalid(name, "normalize requires valid_values")
		}
		if f.Type == TypeArray {
			return Transform{}, invalid(name, "normalize applies to string or enum fields")
		}
		if f.Type == TypeEnum {
			for _, v := range valid {
				if !contains(f.Enum, v) {
					return Transform{}, invalid(name, "valid value %q is not an enum value", v)
				}
			}
		}
		if td.Default != "" && !contains(valid, td.Default) {
			return Transform{}, invalid(name, "default %q is not among valid_values", td.Default)
		}
		// The field default stands in when the transform has none.
		if td.Default == "" && f.Default != "" && !contains(valid, f.Default) {
			return Transform{}, invalid(name, "field default %q is not among valid_values", f.Default)
		}
		cp := make([]string, len(valid))
		copy(cp, valid)
		return Transform{Kind: TransformNormalize, ValidValues: cp, Default: td.Default}, nil

	default:
		return Transform{}, invalid(name, "unsupported transform type %q", td.Type)
	}
}

// Fields returns the declared fields in canonical order.
func (s *Schema) Fields() []Field {
	out := make([]Field, len(s.fields))
	copy(out, s.fields)
	return out
}

// FieldOrder returns field names in canonical (column) order.
func (s *Schema) FieldOrder() []string {
	out := make([]string, len(s.fields))
	for i, f := range s.fields {
		out[i] = f.Name
	}
	return out
}

// Field looks up a field by name.
func (s *Schema) Field(name string) (Field, bool) {
	i, ok := s.index[name]
	if !ok {
		return Field{}, false
	}
	return s.fields[i], true
}

// IsRequired reports whether the named field is required.
func (s *Schema) IsRequired(name string) bool {
	f, ok := s.Field(name)
	return ok && f.Required
}

// TransformFor returns the transform declared for a field, if any.
func (s *Schema) TransformFor(name string) (Transform, bool) {
	t, ok := s.transforms[name]
	return t, ok
}

// AllowedValues returns the closed value set a string field may hold once
// normalized, or nil when the field is open.
func (s *Schema) AllowedValues(name string) []string {
	if t, ok := s.transforms[name]; ok && t.Kind == TransformNormalize {
		return t.ValidValues
	}
	if f, ok := s.Field(name); ok && f.Type == TypeEnum {
		return f.Enum
	}
	return nil
}

type contractField struct {
	Type        string   `json:"type"`
	Items       string   `json:"items,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	Required    bool     `json:"required"`
	Description string   `json:"description,omitempty"`
}

// PromptContract renders the field declarations, in order, as an indented
// JSON object for the extraction prompt.
func (s *Schema) PromptContract() string {
	var buf bytes.Buffer
	buf.WriteString("{\n")
	for i, f := range s.fields {
		cf := contractField{
			Type:        "string",
			Enum:        s.AllowedValues(f.Name),
			Required:    f.Required,
			Description: f.Description,
		}
		if f.Type == TypeArray {
			cf.Type = "array"
			cf.Items = "string"
		}
		key, _ := json.Marshal(f.Name)
		val, _ := json.MarshalIndent(cf, "  ", "  ")
		fmt.Fprintf(&buf, "  %s: %s", key, val)
		if i < len(s.fields)-1 {
			buf.WriteString(",")
		}
		buf.WriteString("\n")
	}
	buf.WriteString("}")
	return buf.String()
}

// Fingerprint identifies the column-relevant parts of the schema.
func (s *Schema) Fingerprint() string {
	h := sha256.New()
	for _, f := range s.fields {
		fmt.Fprintf(h, "%s|%s|%t|%s\n", f.Name, f.Type, f.Required, strings.Join(s.AllowedValues(f.Name), ","))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
