// Package record binds typed records to store documents.
//
// A record declares its shape with an explicit [Schema] — field names, kinds
// and optionality — rather than struct reflection, keeping the connector
// core decoupled from how applications model their data. [Mapper] moves
// records through the store: every call is a direct pass-through to the
// store client with kind coercion at the boundary, no caching and no
// retries.
package record

import (
	"fmt"
	"strings"
	"time"

	"github.com/jacentio/wicker/store"
)

// Kind is a declared field type.
type Kind int

const (
	// KindAny passes values through uncoerced.
	KindAny Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	// KindTime holds time.Time, stored as an RFC 3339 string.
	KindTime
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindAny:
		return "any"
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Field declares one named field.
type Field struct {
	Name string
	Kind Kind

	// Optional fields may be absent or nil.
	Optional bool

	// Elem declares the element type for KindList and KindMap. Nil means
	// KindAny elements.
	Elem *Field
}

// Schema is the declared shape of a record.
type Schema struct {
	Fields []Field
}

// Validate checks the declaration itself: non-empty unique names, none
// reserved.
func (s Schema) Validate() error {
	seen := make(map[string]struct{}, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("%w: schema field with empty name", store.ErrValidation)
		}
		if strings.HasPrefix(f.Name, "_") {
			return fmt.Errorf("%w: schema field %q: underscore-prefixed names are reserved", store.ErrValidation, f.Name)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("%w: schema field %q declared twice", store.ErrValidation, f.Name)
		}
		seen[f.Name] = struct{}{}
	}
	return nil
}

// encodeFields validates a record's field map against the schema and
// produces wire values.
func encodeFields(s Schema, fields map[string]any) (map[string]any, error) {
	declared := make(map[string]Field, len(s.Fields))
	for _, f := range s.Fields {
		declared[f.Name] = f
	}
	for name := range fields {
		if _, ok := declared[name]; !ok {
			return nil, fmt.Errorf("%w: field %q not declared in schema", store.ErrValidation, name)
		}
	}
	out := make(map[string]any, len(fields))
	for _, f := range s.Fields {
		v, present := fields[f.Name]
		if !present || v == nil {
			if !f.Optional {
				return nil, fmt.Errorf("%w: field %q is required", store.ErrValidation, f.Name)
			}
			continue
		}
		enc, err := encodeValue(f, v)
		if err != nil {
			return nil, err
		}
		out[f.Name] = enc
	}
	return out, nil
}

func encodeValue(f Field, v any) (any, error) {
	switch f.Kind {
	case KindAny:
		return v, nil
	case KindString:
		s, ok := v.(string)
		if !ok {
			return nil, kindError(f, v)
		}
		return s, nil
	case KindInt:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			if n != float64(int64(n)) {
				return nil, kindError(f, v)
			}
			return int64(n), nil
		}
		return nil, kindError(f, v)
	case KindFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		}
		return nil, kindError(f, v)
	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return nil, kindError(f, v)
		}
		return b, nil
	case KindTime:
		t, ok := v.(time.Time)
		if !ok {
			return nil, kindError(f, v)
		}
		return t.UTC().Format(time.RFC3339Nano), nil
	case KindList:
		items, ok := v.([]any)
		if !ok {
			return nil, kindError(f, v)
		}
		elem := elemField(f)
		out := make([]any, len(items))
		for i, item := range items {
			enc, err := encodeValue(elem, item)
			if err != nil {
				return nil, fmt.Errorf("field %q[%d]: %w", f.Name, i, err)
			}
			out[i] = enc
		}
		return out, nil
	case KindMap:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, kindError(f, v)
		}
		elem := elemField(f)
		out := make(map[string]any, len(m))
		for k, item := range m {
			enc, err := encodeValue(elem, item)
			if err != nil {
				return nil, fmt.Errorf("field %q[%q]: %w", f.Name, k, err)
			}
			out[k] = enc
		}
		return out, nil
	default:
		return nil, kindError(f, v)
	}
}

// decodeFields coerces JSON-decoded document fields back to the declared
// kinds.
func decodeFields(s Schema, fields map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for _, f := range s.Fields {
		v, present := fields[f.Name]
		if !present || v == nil {
			if !f.Optional {
				return nil, fmt.Errorf("%w: field %q missing from document", store.ErrValidation, f.Name)
			}
			continue
		}
		dec, err := decodeValue(f, v)
		if err != nil {
			return nil, err
		}
		out[f.Name] = dec
	}
	return out, nil
}

func decodeValue(f Field, v any) (any, error) {
	switch f.Kind {
	case KindAny:
		return v, nil
	case KindString:
		s, ok := v.(string)
		if !ok {
			return nil, kindError(f, v)
		}
		return s, nil
	case KindInt:
		// JSON numbers decode as float64.
		switch n := v.(type) {
		case float64:
			if n != float64(int64(n)) {
				return nil, kindError(f, v)
			}
			return int64(n), nil
		case int64:
			return n, nil
		}
		return nil, kindError(f, v)
	case KindFloat:
		n, ok := v.(float64)
		if !ok {
			return nil, kindError(f, v)
		}
		return n, nil
	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return nil, kindError(f, v)
		}
		return b, nil
	case KindTime:
		s, ok := v.(string)
		if !ok {
			return nil, kindError(f, v)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("%w: field %q: %v", store.ErrValidation, f.Name, err)
		}
		return t, nil
	case KindList:
		items, ok := v.([]any)
		if !ok {
			return nil, kindError(f, v)
		}
		elem := elemField(f)
		out := make([]any, len(items))
		for i, item := range items {
			dec, err := decodeValue(elem, item)
			if err != nil {
				return nil, fmt.Errorf("field %q[%d]: %w", f.Name, i, err)
			}
			out[i] = dec
		}
		return out, nil
	case KindMap:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, kindError(f, v)
		}
		elem := elemField(f)
		out := make(map[string]any, len(m))
		for k, item := range m {
			dec, err := decodeValue(elem, item)
			if err != nil {
				return nil, fmt.Errorf("field %q[%q]: %w", f.Name, k, err)
			}
			out[k] = dec
		}
		return out, nil
	default:
		return nil, kindError(f, v)
	}
}

func elemField(f Field) Field {
	if f.Elem != nil {
		return *f.Elem
	}
	return Field{Name: f.Name, Kind: KindAny}
}

func kindError(f Field, v any) error {
	return fmt.Errorf("%w: field %q: %T is not %s", store.ErrValidation, f.Name, v, f.Kind)
}
