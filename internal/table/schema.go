package table

import (
	"errors"
	"fmt"
	"strings"
)

// Identifier names a table inside a namespace.
type Identifier struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

// ParseIdentifier parses "namespace.name". The last dot separates the name, so
// namespaces may themselves contain dots.
func ParseIdentifier(s string) (Identifier, error) {
	s = strings.TrimSpace(s)
	idx := strings.LastIndex(s, ".")
	if idx <= 0 || idx == len(s)-1 {
		return Identifier{}, fmt.Errorf("invalid table identifier %q: want namespace.name", s)
	}
	return Identifier{Namespace: s[:idx], Name: s[idx+1:]}, nil
}

func (id Identifier) String() string { return id.Namespace + "." + id.Name }

// FieldType is the logical type of a column.
type FieldType string

const (
	TypeString    FieldType = "string"
	TypeLong      FieldType = "long"
	TypeDouble    FieldType = "double"
	TypeBoolean   FieldType = "boolean"
	TypeTimestamp FieldType = "timestamp"
)

// ParseFieldType accepts the canonical names plus a few common aliases.
func ParseFieldType(s string) (FieldType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "string":
		return TypeString, nil
	case "long", "int", "integer", "int64":
		return TypeLong, nil
	case "double", "float", "float64":
		return TypeDouble, nil
	case "boolean", "bool":
		return TypeBoolean, nil
	case "timestamp":
		return TypeTimestamp, nil
	default:
		return "", fmt.Errorf("unsupported field type %q", s)
	}
}

// Field is one column of a Schema.
type Field struct {
	ID       int       `json:"id"`
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`
}

// Schema is an ordered list of uniquely named fields.
type Schema struct {
	ID     int     `json:"schemaId"`
	Fields []Field `json:"fields"`
}

// NewSchema assigns field ids in order and validates names and types.
func NewSchema(fields ...Field) (Schema, error) {
	if len(fields) == 0 {
		return Schema{}, errors.New("schema needs at least one field")
	}
	seen := make(map[string]bool, len(fields))
	out := make([]Field, 0, len(fields))
	for i, f := range fields {
		name := strings.TrimSpace(f.Name)
		if name == "" {
			return Schema{}, fmt.Errorf("schema field %d has no name", i)
		}
		if seen[name] {
			return Schema{}, fmt.Errorf("duplicate schema field %q", name)
		}
		seen[name] = true
		t, err := ParseFieldType(string(f.Type))
		if err != nil {
			return Schema{}, fmt.Errorf("schema field %q: %w", name, err)
		}
		out = append(out, Field{ID: i + 1, Name: name, Type: t, Required: f.Required})
	}
	return Schema{Fields: out}, nil
}

// FieldByName looks a field up by name.
func (s Schema) FieldByName(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}
