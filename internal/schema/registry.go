// Package schema loads target schemas and export templates from a YAML file.
package schema

import (
	"fmt"
	"os"
	"sort"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"ferry/internal/convert"
	"ferry/internal/model"
	"ferry/internal/validation"
)

type document struct {
	Schemas   []model.Schema         `yaml:"schemas"`
	Templates []model.ExportTemplate `yaml:"templates"`
}

// Registry is an immutable, validated set of schemas and templates
type Registry struct {
	schemas   map[string]*model.Schema
	rules     map[string]*validation.RuleSet
	templates map[string]*model.ExportTemplate
}

// Load reads and validates the registry file at path
func Load(path string, funcs *convert.Registry, customs map[string]validation.CustomFunc) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	r, err := Parse(data, funcs, customs)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	log.Info().
		Str("path", path).
		Int("schemas", len(r.schemas)).
		Int("templates", len(r.templates)).
		Msg("Loaded schema registry")

	return r, nil
}

// Parse decodes a registry document. Every rule set is compiled up front so a
// malformed definition is rejected before any job references it.
func Parse(data []byte, funcs *convert.Registry, customs map[string]validation.CustomFunc) (*Registry, error) {
	if funcs == nil {
		funcs = convert.NewRegistry()
	}
	if customs == nil {
		customs = validation.DefaultCustoms()
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, model.ConfigErrorf("parse schema registry: %v", err)
	}

	r := &Registry{
		schemas:   make(map[string]*model.Schema, len(doc.Schemas)),
		rules:     make(map[string]*validation.RuleSet, len(doc.Schemas)),
		templates: make(map[string]*model.ExportTemplate, len(doc.Templates)),
	}

	for i := range doc.Schemas {
		s := doc.Schemas[i]
		if err := checkSchema(&s, funcs); err != nil {
			return nil, err
		}
		if _, dup := r.schemas[s.ID]; dup {
			return nil, model.ConfigErrorf("duplicate schema %q", s.ID)
		}
		rs, err := validation.Compile(s.Rules, customs)
		if err != nil {
			return nil, fmt.Errorf("schema %q: %w", s.ID, err)
		}
		r.schemas[s.ID] = &s
		r.rules[s.ID] = rs
	}

	for i := range doc.Templates {
		tpl := doc.Templates[i]
		if err := r.checkTemplate(&tpl, funcs); err != nil {
			return nil, err
		}
		if _, dup := r.templates[tpl.ID]; dup {
			return nil, model.ConfigErrorf("duplicate template %q", tpl.ID)
		}
		r.templates[tpl.ID] = &tpl
	}

	return r, nil
}

func checkSchema(s *model.Schema, funcs *convert.Registry) error {
	if s.ID == "" {
		return model.ConfigErrorf("schema without id")
	}
	if s.Collection == "" {
		s.Collection = s.ID
	}
	if len(s.Fields) == 0 {
		return model.ConfigErrorf("schema %q has no fields", s.ID)
	}
	if s.FailureThreshold != nil && (*s.FailureThreshold < 0 || *s.FailureThreshold > 1) {
		return model.ConfigErrorf("schema %q: failure_threshold must be within [0,1]", s.ID)
	}

	seen := make(map[string]bool, len(s.Fields))
	for i, f := range s.Fields {
		if f.Name == "" {
			return model.ConfigErrorf("schema %q: field %d has no name", s.ID, i)
		}
		if seen[f.Name] {
			return model.ConfigErrorf("schema %q: duplicate field %q", s.ID, f.Name)
		}
		seen[f.Name] = true
		if f.Type == "" {
			s.Fields[i].Type = model.TypeText
		} else if !f.Type.Valid() {
			return model.ConfigErrorf("schema %q: field %q has unknown type %q", s.ID, f.Name, f.Type)
		}
	}

	for _, k := range s.NaturalKey {
		if !seen[k] {
			return model.ConfigErrorf("schema %q: natural key %q is not a field", s.ID, k)
		}
	}
	for _, rule := range s.Rules {
		if !seen[rule.Field] {
			return model.ConfigErrorf("schema %q: rule on unknown field %q", s.ID, rule.Field)
		}
	}
	for _, m := range s.Mapping.Fields {
		if !seen[m.Target] {
			return model.ConfigErrorf("schema %q: mapping targets unknown field %q", s.ID, m.Target)
		}
		if m.Transform != "" && !funcs.Has(m.Transform) {
			return model.ConfigErrorf("schema %q: unknown transform %q", s.ID, m.Transform)
		}
	}
	return nil
}

func (r *Registry) checkTemplate(tpl *model.ExportTemplate, funcs *convert.Registry) error {
	if tpl.ID == "" {
		return model.ConfigErrorf("template without id")
	}
	s, ok := r.schemas[tpl.SchemaID]
	if !ok {
		return model.ConfigErrorf("template %q references unknown schema %q", tpl.ID, tpl.SchemaID)
	}
	if tpl.Format != "" && !tpl.Format.Valid() {
		return model.ConfigErrorf("template %q: unsupported format %q", tpl.ID, tpl.Format)
	}
	if len(tpl.Columns) == 0 {
		return model.ConfigErrorf("template %q has no columns", tpl.ID)
	}
	for _, c := range tpl.Columns {
		if _, ok := s.Field(c.Field); !ok {
			return model.ConfigErrorf("template %q: column %q is not a field of %q", tpl.ID, c.Field, s.ID)
		}
		if c.Transform != "" && !funcs.Has(c.Transform) {
			return model.ConfigErrorf("template %q: unknown transform %q", tpl.ID, c.Transform)
		}
	}
	return nil
}

// Schema returns the schema and its compiled rule set
func (r *Registry) Schema(id string) (*model.Schema, *validation.RuleSet, error) {
	s, ok := r.schemas[id]
	if !ok {
		return nil, nil, model.ConfigErrorf("unknown schema %q", id)
	}
	return s, r.rules[id], nil
}

func (r *Registry) Template(id string) (*model.ExportTemplate, error) {
	tpl, ok := r.templates[id]
	if !ok {
		return nil, model.ConfigErrorf("unknown template %q", id)
	}
	return tpl, nil
}

// Schemas returns schema ids in sorted order
func (r *Registry) Schemas() []string {
	ids := make([]string, 0, len(r.schemas))
	for id := range r.schemas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
