// Package transform maps source records onto a target schema and renders
// stored records through export templates.
package transform

import (
	"errors"
	"fmt"
	"strings"

	"ferry/internal/convert"
	"ferry/internal/model"
)

// FieldError is the per-record transform failure. It is wrapped in a
// model.JobError of class transform.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func fieldError(field, format string, args ...any) error {
	fe := &FieldError{Field: field, Message: fmt.Sprintf(format, args...)}
	return &model.JobError{Class: model.ClassTransform, Message: "transform failed", Err: fe}
}

// AsFieldError extracts the field level detail from a transform error
func AsFieldError(err error) (*FieldError, bool) {
	var fe *FieldError
	ok := errors.As(err, &fe)
	return fe, ok
}

// Transformer resolves mapping plans and export renderings against a set of
// named value conversions.
type Transformer struct {
	funcs *convert.Registry
}

func New(funcs *convert.Registry) *Transformer {
	if funcs == nil {
		funcs = convert.NewRegistry()
	}
	return &Transformer{funcs: funcs}
}

// Functions exposes the conversion registry for schema checks
func (t *Transformer) Functions() *convert.Registry {
	return t.funcs
}

// Plan is the resolved mapping for one import attempt. It is immutable and
// safe for concurrent use.
type Plan struct {
	schema    *model.Schema
	mappings  []model.FieldMapping
	unmapped  []string
	suggested []model.FieldMapping
	funcs     *convert.Registry
}

func headerIndex(headers []string) map[string]string {
	idx := make(map[string]string, len(headers))
	for _, h := range headers {
		key := strings.ToLower(convert.CleanCell(h))
		if _, dup := idx[key]; !dup {
			idx[key] = h
		}
	}
	return idx
}

// NewPlan resolves one mapping per schema field. Precedence is manual override,
// then the schema's declared mapping, then a name suggestion at or above
// threshold, then the field default. Fields left without a source are reported
// by Unmapped. A malformed override is a configuration error.
func (t *Transformer) NewPlan(schema *model.Schema, overrides []model.FieldMapping, headers []string, threshold int) (*Plan, error) {
	if schema == nil {
		return nil, model.ConfigErrorf("no schema")
	}

	idx := headerIndex(headers)
	resolve := func(source string) (string, bool) {
		h, ok := idx[strings.ToLower(convert.CleanCell(source))]
		return h, ok
	}

	manual := make(map[string]model.FieldMapping, len(overrides))
	for _, o := range overrides {
		if _, ok := schema.Field(o.Target); !ok {
			return nil, model.ConfigErrorf("mapping override targets unknown field %q", o.Target)
		}
		if o.Transform != "" && !t.funcs.Has(o.Transform) {
			return nil, model.ConfigErrorf("mapping override for %q uses unknown transform %q", o.Target, o.Transform)
		}
		if o.Source != "" {
			h, ok := resolve(o.Source)
			if !ok {
				return nil, model.ConfigErrorf("mapping override for %q names missing column %q", o.Target, o.Source)
			}
			o.Source = h
		} else if o.Default == nil {
			return nil, model.ConfigErrorf("mapping override for %q has neither source nor default", o.Target)
		}
		manual[o.Target] = o
	}

	declared := make(map[string]model.FieldMapping, len(schema.Mapping.Fields))
	for _, m := range schema.Mapping.Fields {
		declared[m.Target] = m
	}

	p := &Plan{schema: schema, funcs: t.funcs}
	used := make(map[string]bool)
	pending := make([]model.FieldSpec, 0)

	for _, f := range schema.Fields {
		if m, ok := manual[f.Name]; ok {
			p.mappings = append(p.mappings, m)
			used[m.Source] = true
			continue
		}
		if m, ok := declared[f.Name]; ok {
			if h, found := resolve(m.Source); found && m.Source != "" {
				m.Source = h
				p.mappings = append(p.mappings, m)
				used[h] = true
				continue
			}
		}
		pending = append(pending, f)
	}

	var free []string
	for _, h := range headers {
		if !used[h] {
			free = append(free, h)
		}
	}
	targets := make([]string, 0, len(pending))
	for _, f := range pending {
		targets = append(targets, f.Name)
	}
	suggestions := Suggest(targets, free, threshold)

	for i, f := range pending {
		s := suggestions[i]
		m := model.FieldMapping{Target: f.Name}
		if d, ok := declared[f.Name]; ok {
			m.Default = d.Default
			m.Transform = d.Transform
		}
		if s.Accepted {
			m.Source = s.Source
			m.Confidence = s.Confidence
			m.Suggested = true
			p.suggested = append(p.suggested, m)
			p.mappings = append(p.mappings, m)
			continue
		}
		if m.Default == nil {
			m.Default = f.Default
		}
		if m.Default == nil {
			p.unmapped = append(p.unmapped, f.Name)
		}
		p.mappings = append(p.mappings, m)
	}

	return p, nil
}

// Unmapped lists target fields with no source column and no default
func (p *Plan) Unmapped() []string {
	return append([]string(nil), p.unmapped...)
}

// Suggested lists the mappings chosen by name similarity
func (p *Plan) Suggested() []model.FieldMapping {
	return append([]model.FieldMapping(nil), p.suggested...)
}

func (p *Plan) Mappings() []model.FieldMapping {
	return append([]model.FieldMapping(nil), p.mappings...)
}

// Project renames source columns to target fields and fills defaults. Values
// stay raw text so validation rules see what the user supplied.
func (p *Plan) Project(rec model.Record) model.Record {
	out := make(model.Record, len(p.mappings))
	for _, m := range p.mappings {
		var v string
		if m.Source != "" {
			v = convert.CleanCell(rec[m.Source])
		}
		if v == "" && m.Default != nil {
			v = *m.Default
		}
		out[m.Target] = v
	}
	return out
}

// Convert applies declared transforms and type coercion to a projected record
func (p *Plan) Convert(projected model.Record) (model.TargetRecord, error) {
	out := make(model.TargetRecord, len(p.mappings))

	for _, m := range p.mappings {
		field, _ := p.schema.Field(m.Target)
		raw := projected[m.Target]

		if m.Transform != "" {
			v, err := p.funcs.Apply(m.Transform, raw)
			if err != nil {
				return nil, fieldError(m.Target, "%v", err)
			}
			raw = v
		}

		if convert.CleanCell(raw) == "" {
			if field.Required {
				return nil, fieldError(m.Target, "required target field cannot be resolved")
			}
			out[m.Target] = nil
			continue
		}

		v, err := convert.Coerce(field.Type, raw)
		if err != nil {
			return nil, fieldError(m.Target, "%v", err)
		}
		out[m.Target] = v
	}

	for _, k := range p.schema.NaturalKey {
		if out[k] == nil {
			return nil, fieldError(k, "natural key field is empty")
		}
	}

	return out, nil
}

// Transform is Project followed by Convert
func (p *Plan) Transform(rec model.Record) (model.TargetRecord, error) {
	return p.Convert(p.Project(rec))
}

// Key is the stable row identifier used for idempotent upserts. It is the
// schema's natural key when declared, otherwise source#line.
func (p *Plan) Key(rec model.TargetRecord, source string, line int) string {
	return RecordKey(p.schema, rec, source, line)
}

func RecordKey(schema *model.Schema, rec model.TargetRecord, source string, line int) string {
	if len(schema.NaturalKey) == 0 {
		return fmt.Sprintf("%s#%d", source, line)
	}
	parts := make([]string, len(schema.NaturalKey))
	for i, k := range schema.NaturalKey {
		parts[i] = convert.Format(rec[k])
	}
	return schema.ID + ":" + strings.Join(parts, "|")
}

// Transform applies an explicit plan built from mapping alone, without header
// discovery. It is the one-shot form used outside jobs.
func (t *Transformer) Transform(rec model.Record, schema *model.Schema, mapping model.MappingSpec) (model.TargetRecord, error) {
	headers := make([]string, 0, len(rec))
	for h := range rec {
		headers = append(headers, h)
	}
	p, err := t.NewPlan(schema, mapping.Fields, headers, 101)
	if err != nil {
		return nil, err
	}
	return p.Transform(rec)
}

// Render produces one output row for an export template
func (t *Transformer) Render(fields map[string]any, tpl *model.ExportTemplate) ([]string, error) {
	row := make([]string, len(tpl.Columns))
	for i, col := range tpl.Columns {
		v, err := t.funcs.Apply(col.Transform, convert.Format(fields[col.Field]))
		if err != nil {
			return nil, fieldError(col.Field, "%v", err)
		}
		row[i] = v
	}
	return row, nil
}

// Headers returns the header row of an export template
func Headers(tpl *model.ExportTemplate) []string {
	out := make([]string, len(tpl.Columns))
	for i, c := range tpl.Columns {
		out[i] = c.HeaderName()
	}
	return out
}
