package model

import "strings"

// Format is one of the supported tabular file formats
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatXML  Format = "xml"
)

var SupportedFormats = []Format{FormatCSV, FormatXLSX, FormatXML}

func (f Format) Valid() bool {
	for _, s := range SupportedFormats {
		if f == s {
			return true
		}
	}
	return false
}

// ParseFormat accepts a format name or a file extension
func ParseFormat(s string) (Format, bool) {
	f := Format(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "."))
	if f == "tsv" || f == "txt" {
		f = FormatCSV
	}
	return f, f.Valid()
}

// FieldType is the declared type of a target field
type FieldType string

const (
	TypeText     FieldType = "text"
	TypeInt      FieldType = "int"
	TypeNumber   FieldType = "number"
	TypeCurrency FieldType = "currency"
	TypeDate     FieldType = "date"
	TypeBool     FieldType = "bool"
)

func (t FieldType) Valid() bool {
	switch t {
	case TypeText, TypeInt, TypeNumber, TypeCurrency, TypeDate, TypeBool:
		return true
	}
	return false
}

// RuleKind names a validation rule
type RuleKind string

const (
	RuleRequired RuleKind = "required"
	RuleType     RuleKind = "type"
	RuleRange    RuleKind = "range"
	RulePattern  RuleKind = "pattern"
	RuleCustom   RuleKind = "custom"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// ValidationRule is a declarative constraint bound to one field
type ValidationRule struct {
	Field    string    `yaml:"field" json:"field" bson:"field"`
	Kind     RuleKind  `yaml:"kind" json:"kind" bson:"kind"`
	Severity Severity  `yaml:"severity,omitempty" json:"severity,omitempty" bson:"severity,omitempty"`
	Type     FieldType `yaml:"type,omitempty" json:"type,omitempty" bson:"type,omitempty"`
	Min      *float64  `yaml:"min,omitempty" json:"min,omitempty" bson:"min,omitempty"`
	Max      *float64  `yaml:"max,omitempty" json:"max,omitempty" bson:"max,omitempty"`
	Pattern  string    `yaml:"pattern,omitempty" json:"pattern,omitempty" bson:"pattern,omitempty"`
	Custom   string    `yaml:"custom,omitempty" json:"custom,omitempty" bson:"custom,omitempty"`
	Message  string    `yaml:"message,omitempty" json:"message,omitempty" bson:"message,omitempty"`
}

// FieldMapping maps one source column onto one target field
type FieldMapping struct {
	Source     string  `yaml:"source" json:"source" bson:"source"`
	Target     string  `yaml:"target" json:"target" bson:"target"`
	Default    *string `yaml:"default,omitempty" json:"default,omitempty" bson:"default,omitempty"`
	Transform  string  `yaml:"transform,omitempty" json:"transform,omitempty" bson:"transform,omitempty"`
	Confidence int     `yaml:"-" json:"confidence,omitempty" bson:"confidence,omitempty"`
	Suggested  bool    `yaml:"-" json:"suggested,omitempty" bson:"suggested,omitempty"`
}

type MappingSpec struct {
	Fields []FieldMapping `yaml:"field_mappings" json:"field_mappings"`
}

// FieldSpec declares one target field of a schema
type FieldSpec struct {
	Name     string    `yaml:"name" json:"name"`
	Type     FieldType `yaml:"type" json:"type"`
	Required bool      `yaml:"required,omitempty" json:"required,omitempty"`
	Default  *string   `yaml:"default,omitempty" json:"default,omitempty"`
}

// Schema is a target definition an import validates and transforms into
type Schema struct {
	ID               string           `yaml:"id" json:"id"`
	Collection       string           `yaml:"collection" json:"collection"`
	NaturalKey       []string         `yaml:"natural_key,omitempty" json:"natural_key,omitempty"`
	FailureThreshold *float64         `yaml:"failure_threshold,omitempty" json:"failure_threshold,omitempty"`
	Fields           []FieldSpec      `yaml:"fields" json:"fields"`
	Rules            []ValidationRule `yaml:"rules,omitempty" json:"rules,omitempty"`
	Mapping          MappingSpec      `yaml:"mapping,omitempty" json:"mapping,omitempty"`
}

func (s *Schema) Field(name string) (FieldSpec, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

type TemplateColumn struct {
	Field     string `yaml:"field" json:"field"`
	Header    string `yaml:"header,omitempty" json:"header,omitempty"`
	Transform string `yaml:"transform,omitempty" json:"transform,omitempty"`
}

// HeaderName falls back to the field name when no header is set
func (c TemplateColumn) HeaderName() string {
	if c.Header != "" {
		return c.Header
	}
	return c.Field
}

// ExportTemplate describes how stored records of a schema are rendered
type ExportTemplate struct {
	ID       string           `yaml:"id" json:"id"`
	SchemaID string           `yaml:"schema" json:"schema"`
	Format   Format           `yaml:"format,omitempty" json:"format,omitempty"`
	Columns  []TemplateColumn `yaml:"columns" json:"columns"`
}
