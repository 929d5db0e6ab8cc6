package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ferry/internal/model"
)

const registryYAML = `
schemas:
  - id: customers
    collection: customers
    natural_key: [email]
    failure_threshold: 0.2
    fields:
      - name: email
        type: text
        required: true
      - name: name
      - name: balance
        type: currency
      - name: active
        type: bool
        default: "true"
    rules:
      - field: email
        kind: required
      - field: email
        kind: custom
        custom: email
      - field: balance
        kind: range
        min: 0
        severity: warning
    mapping:
      field_mappings:
        - source: E-mail
          target: email
          transform: lower
templates:
  - id: customers-basic
    schema: customers
    format: csv
    columns:
      - field: email
        header: Email
      - field: balance
        transform: currency
`

func TestParse(t *testing.T) {
	r, err := Parse([]byte(registryYAML), nil, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"customers"}, r.Schemas())

	s, rules, err := r.Schema("customers")
	require.NoError(t, err)
	assert.Equal(t, []string{"email"}, s.NaturalKey)
	require.NotNil(t, s.FailureThreshold)
	assert.InDelta(t, 0.2, *s.FailureThreshold, 1e-9)
	assert.Equal(t, 3, rules.Len())

	name, ok := s.Field("name")
	require.True(t, ok)
	assert.Equal(t, model.TypeText, name.Type)

	active, _ := s.Field("active")
	require.NotNil(t, active.Default)
	assert.Equal(t, "true", *active.Default)

	require.Len(t, s.Mapping.Fields, 1)
	assert.Equal(t, "E-mail", s.Mapping.Fields[0].Source)

	tpl, err := r.Template("customers-basic")
	require.NoError(t, err)
	assert.Equal(t, model.FormatCSV, tpl.Format)
	assert.Equal(t, "Email", tpl.Columns[0].HeaderName())
	assert.Equal(t, "balance", tpl.Columns[1].HeaderName())

	_, _, err = r.Schema("orders")
	assert.Equal(t, model.ClassConfig, model.Classify(err))
	_, err = r.Template("nope")
	assert.Equal(t, model.ClassConfig, model.Classify(err))
}

func TestParseRejectsMalformedDefinitions(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "bad yaml", yaml: "schemas: ["},
		{name: "no fields", yaml: "schemas:\n  - id: a\n"},
		{name: "unknown type", yaml: "schemas:\n  - id: a\n    fields:\n      - name: x\n        type: blob\n"},
		{name: "bad regex", yaml: "schemas:\n  - id: a\n    fields:\n      - name: x\n    rules:\n      - field: x\n        kind: pattern\n        pattern: \"(\"\n"},
		{name: "rule on unknown field", yaml: "schemas:\n  - id: a\n    fields:\n      - name: x\n    rules:\n      - field: y\n        kind: required\n"},
		{name: "unknown transform", yaml: "schemas:\n  - id: a\n    fields:\n      - name: x\n    mapping:\n      field_mappings:\n        - source: X\n          target: x\n          transform: rot13\n"},
		{name: "natural key not a field", yaml: "schemas:\n  - id: a\n    natural_key: [id]\n    fields:\n      - name: x\n"},
		{name: "template unknown schema", yaml: "templates:\n  - id: t\n    schema: missing\n    columns:\n      - field: x\n"},
		{name: "template unknown column", yaml: "schemas:\n  - id: a\n    fields:\n      - name: x\ntemplates:\n  - id: t\n    schema: a\n    columns:\n      - field: y\n"},
		{name: "threshold out of range", yaml: "schemas:\n  - id: a\n    failure_threshold: 2\n    fields:\n      - name: x\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml), nil, nil)
			require.Error(t, err)
			assert.Equal(t, model.ClassConfig, model.Classify(err))
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schemas.yaml")
	require.NoError(t, os.WriteFile(path, []byte(registryYAML), 0o600))

	r, err := Load(path, nil, nil)
	require.NoError(t, err)
	assert.Len(t, r.Schemas(), 1)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"), nil, nil)
	assert.Error(t, err)
}
