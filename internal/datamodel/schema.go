package datamodel

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

type ParamType string

const (
	TypeString      ParamType = "string"
	TypeBoolean     ParamType = "boolean"
	TypeInt         ParamType = "int"
	TypeUnsignedInt ParamType = "unsignedInt"
	TypeDateTime    ParamType = "dateTime"
)

// ObjectDef describes one supported object. Multi-instance tables use the
// "{i}." suffix, e.g. "Device.LocalAgent.Subscription.{i}.".
type ObjectDef struct {
	Path          string   `toml:"path"`
	MultiInstance bool     `toml:"multi_instance"`
	Writable      bool     `toml:"writable"`
	UniqueKeys    []string `toml:"unique_keys"`
}

// ParamDef describes one supported parameter in schema form.
type ParamDef struct {
	Path     string    `toml:"path"`
	Type     ParamType `toml:"type"`
	Writable bool      `toml:"writable"`
	Default  string    `toml:"default"`
}

// Schema is the supported data model: which objects and parameters exist
// and how they may be changed.
type Schema struct {
	objects map[string]ObjectDef
	params  map[string]ParamDef
}

func NewSchema(objects []ObjectDef, params []ParamDef) (*Schema, error) {
	s := &Schema{
		objects: make(map[string]ObjectDef, len(objects)),
		params:  make(map[string]ParamDef, len(params)),
	}
	for i, obj := range objects {
		obj.Path = strings.TrimSpace(obj.Path)
		if !IsObjectPath(obj.Path) {
			return nil, fmt.Errorf("%w: object[%d] path %q must end with '.'", ErrValidation, i, obj.Path)
		}
		if obj.MultiInstance != strings.HasSuffix(obj.Path, "."+instanceMarker+".") {
			return nil, fmt.Errorf("%w: object[%d] %q multi_instance must match {i} suffix", ErrValidation, i, obj.Path)
		}
		s.objects[obj.Path] = obj
	}
	for i, p := range params {
		p.Path = strings.TrimSpace(p.Path)
		if p.Path == "" || IsObjectPath(p.Path) {
			return nil, fmt.Errorf("%w: param[%d] path %q is not a parameter path", ErrValidation, i, p.Path)
		}
		if p.Type == "" {
			p.Type = TypeString
		}
		if p.Default != "" && !isDynamic(p.Default) {
			if err := ValidateValue(p.Type, p.Default); err != nil {
				return nil, fmt.Errorf("param[%d] %s default: %w", i, p.Path, err)
			}
		}
		s.params[p.Path] = p
	}
	return s, nil
}

func (s *Schema) Param(schemaPath string) (ParamDef, bool) {
	p, ok := s.params[schemaPath]
	return p, ok
}

func (s *Schema) Object(schemaPath string) (ObjectDef, bool) {
	o, ok := s.objects[schemaPath]
	return o, ok
}

// Supports reports whether p (instantiated, wildcarded or partial)
// addresses anything in the supported data model.
func (s *Schema) Supports(p string) bool {
	sp := SchemaForm(p)
	if !IsObjectPath(sp) {
		_, ok := s.params[sp]
		return ok
	}
	if _, ok := s.objects[sp]; ok {
		return true
	}
	for path := range s.params {
		if strings.HasPrefix(path, sp) {
			return true
		}
	}
	for path := range s.objects {
		if strings.HasPrefix(path, sp) {
			return true
		}
	}
	return false
}

// InstanceParams returns the parameters of one instance of the table at
// objSchemaPath, including single-instance sub-objects but excluding
// nested tables.
func (s *Schema) InstanceParams(objSchemaPath string) []ParamDef {
	var out []ParamDef
	for path, def := range s.params {
		if !strings.HasPrefix(path, objSchemaPath) {
			continue
		}
		if strings.Contains(Relative(objSchemaPath, path), instanceMarker) {
			continue
		}
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (s *Schema) Objects() []ObjectDef {
	out := make([]ObjectDef, 0, len(s.objects))
	for _, o := range s.objects {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (s *Schema) Params() []ParamDef {
	out := make([]ParamDef, 0, len(s.params))
	for _, p := range s.params {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// ValidateValue checks v against the parameter type.
func ValidateValue(t ParamType, v string) error {
	var err error
	switch t {
	case TypeString, "":
	case TypeBoolean:
		switch v {
		case "true", "false", "1", "0":
		default:
			err = fmt.Errorf("not a boolean")
		}
	case TypeInt:
		_, err = strconv.ParseInt(v, 10, 64)
	case TypeUnsignedInt:
		_, err = strconv.ParseUint(v, 10, 64)
	case TypeDateTime:
		_, err = time.Parse(time.RFC3339, v)
	default:
		err = fmt.Errorf("unknown type %q", t)
	}
	if err != nil {
		return fmt.Errorf("%w: %q as %s: %v", ErrValidation, v, t, err)
	}
	return nil
}

// ParseBool accepts the boolean forms ValidateValue accepts.
func ParseBool(v string) bool {
	return v == "true" || v == "1"
}
