package normalize

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/docgate/docgate/internal/pipeline/document"
)

// ErrSchemaNotRegistered is returned when a non-unknown document type has
// no registered schema. It is a configuration error: the process should
// refuse to start rather than guess at field layouts.
var ErrSchemaNotRegistered = errors.New("no normalization schema registered for document type")

// FieldSpec declares one field of a document type: how to find it and
// whether its absence must be recorded.
type FieldSpec struct {
	Name     string   `yaml:"name"`
	Required bool     `yaml:"required"`
	Patterns []string `yaml:"patterns"`
	Weight   float64  `yaml:"weight"`
}

// SchemaSpec is the on-disk form of one document type's schema.
type SchemaSpec struct {
	Fields []FieldSpec `yaml:"fields"`
}

// RegistryFile is the YAML layout of a schema registry override file.
type RegistryFile struct {
	Version string                `yaml:"version"`
	Schemas map[string]SchemaSpec `yaml:"schemas"`
}

type compiledField struct {
	name     string
	required bool
	patterns []*regexp.Regexp
	weight   float64
}

type compiledSchema struct {
	docType document.Type
	version string
	fields  []compiledField
}

// Registry maps document types to compiled schemas. It is built once at
// startup and read-only afterwards.
type Registry struct {
	version string
	schemas map[document.Type]*compiledSchema
}

// Version reports the schema version every NormalizedRecord will carry.
func (r *Registry) Version() string { return r.version }

// Schema resolves the compiled schema for a document type. Unknown always
// resolves to the generic schema; any other unregistered type is a
// configuration error.
func (r *Registry) Schema(t document.Type) (*compiledSchema, error) {
	if s, ok := r.schemas[t]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrSchemaNotRegistered, t)
}

// Validate checks that every type in the label set has a schema. Called at
// startup so a partial registry fails fast instead of failing per document.
func (r *Registry) Validate() error {
	for _, t := range document.Types() {
		if _, ok := r.schemas[t]; !ok {
			return fmt.Errorf("%w: %s", ErrSchemaNotRegistered, t)
		}
	}
	return nil
}

// RequiredFields lists the required field names for a type, in schema
// order. Types without a schema have no required fields.
func (r *Registry) RequiredFields(t document.Type) []string {
	s, ok := r.schemas[t]
	if !ok {
		return nil
	}
	var names []string
	for _, f := range s.fields {
		if f.required {
			names = append(names, f.name)
		}
	}
	return names
}

func compile(version string, specs map[document.Type]SchemaSpec) (*Registry, error) {
	reg := &Registry{
		version: version,
		schemas: make(map[document.Type]*compiledSchema, len(specs)),
	}
	for t, spec := range specs {
		if !t.Valid() {
			return nil, fmt.Errorf("schema for %q: not in the label set", t)
		}
		cs := &compiledSchema{docType: t, version: version}
		for _, f := range spec.Fields {
			if f.Name == "" {
				return nil, fmt.Errorf("schema %s: field with empty name", t)
			}
			if len(f.Patterns) == 0 {
				return nil, fmt.Errorf("schema %s: field %s has no patterns", t, f.Name)
			}
			cf := compiledField{name: f.Name, required: f.Required, weight: f.Weight}
			if cf.weight <= 0 {
				cf.weight = 1.0
			}
			for _, p := range f.Patterns {
				re, err := regexp.Compile(p)
				if err != nil {
					return nil, fmt.Errorf("schema %s: field %s: %w", t, f.Name, err)
				}
				cf.patterns = append(cf.patterns, re)
			}
			cs.fields = append(cs.fields, cf)
		}
		reg.schemas[t] = cs
	}
	return reg, nil
}

// LoadRegistry reads a YAML registry file. Types not present in the file
// fall back to the built-in defaults, so an override file only needs the
// schemas it changes.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading schema registry: %w", err)
	}
	var file RegistryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing schema registry: %w", err)
	}

	specs := defaultSpecs()
	for name, spec := range file.Schemas {
		specs[document.Type(name)] = spec
	}
	version := file.Version
	if version == "" {
		version = DefaultSchemaVersion
	}
	return compile(version, specs)
}

// DefaultRegistry builds the compiled-in schemas.
func DefaultRegistry() *Registry {
	reg, err := compile(DefaultSchemaVersion, defaultSpecs())
	if err != nil {
		// Built-in specs are compile-time constants; a failure here is a
		// programming error.
		panic(err)
	}
	return reg
}
