package strategy

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// FieldType enumerates the parameter value types a schema can declare.
type FieldType string

const (
	TypeInt    FieldType = "int"
	TypeFloat  FieldType = "float"
	TypeBool   FieldType = "bool"
	TypeString FieldType = "string"
)

// Field declares one schema parameter.
type Field struct {
	Label   string
	Type    FieldType
	Default any
}

// Schema maps parameter names to their declarations.
type Schema map[string]Field

// Params is a materialized parameter map. Values are already coerced to the
// schema's types.
type Params map[string]any

// Merge materializes parameters from layered string maps, later layers
// winning: schema defaults ← globals ← per-account ← one-shot overrides.
// Unparseable values fall back to the default with a warning; keys not in
// the schema are ignored with a warning.
func (s Schema) Merge(log *logrus.Entry, layers ...map[string]string) Params {
	out := make(Params, len(s))
	for name, field := range s {
		out[name] = field.Default
	}
	for _, layer := range layers {
		for name, raw := range layer {
			field, ok := s[name]
			if !ok {
				log.Warnf("ignoring unknown strategy parameter %q", name)
				continue
			}
			v, err := coerce(field.Type, raw)
			if err != nil {
				log.Warnf("parameter %s=%q: %v, keeping %v", name, raw, err, out[name])
				continue
			}
			out[name] = v
		}
	}
	return out
}

func coerce(t FieldType, raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	switch t {
	case TypeInt:
		v, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("not an int")
		}
		return v, nil
	case TypeFloat:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("not a float")
		}
		return v, nil
	case TypeBool:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("not a bool")
		}
		return v, nil
	case TypeString:
		return raw, nil
	}
	return nil, fmt.Errorf("unknown field type %q", t)
}

// Int reads an int parameter, falling back to def when absent or mistyped.
func (p Params) Int(name string, def int) int {
	if v, ok := p[name].(int); ok {
		return v
	}
	return def
}

// Float reads a float parameter.
func (p Params) Float(name string, def float64) float64 {
	switch v := p[name].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

// Bool reads a bool parameter.
func (p Params) Bool(name string, def bool) bool {
	if v, ok := p[name].(bool); ok {
		return v
	}
	return def
}

// String reads a string parameter.
func (p Params) String(name string, def string) string {
	if v, ok := p[name].(string); ok {
		return v
	}
	return def
}
