package validate

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/illmade-knight/go-iotmonitor/pkg/types"
)

// FieldType is a declared telemetry schema type, using device template vocabulary.
type FieldType string

const (
	FieldDateTime FieldType = "datetime"
	FieldDate     FieldType = "date"
	FieldTime     FieldType = "time"
	FieldDouble   FieldType = "double"
	FieldFloat    FieldType = "float"
	FieldInteger  FieldType = "integer"
	FieldLong     FieldType = "long"
	FieldBoolean  FieldType = "boolean"
	FieldString   FieldType = "string"
)

// NormalizeFieldType folds template spellings ("dateTime", "dtmi:...:double") onto FieldType.
func NormalizeFieldType(s string) FieldType {
	s = strings.ToLower(strings.TrimSpace(s))
	if i := strings.LastIndex(s, ":"); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.Index(s, ";"); i >= 0 {
		s = s[:i]
	}
	return FieldType(s)
}

// Schema declares the fields a payload is expected to carry.
type Schema struct {
	Fields map[string]FieldType
	// Strict flags payload fields that are not declared.
	Strict bool
	// Document, when set, is a JSON Schema every payload must satisfy.
	Document *gojsonschema.Schema
}

// SchemaSource resolves the declared schema for a record. A nil schema with a nil error means
// nothing is declared for the record.
type SchemaSource interface {
	SchemaFor(ctx context.Context, rec types.DecodedRecord) (*Schema, error)
}

// StaticSchema serves the same schema for every record.
type StaticSchema struct {
	Schema *Schema
}

// SchemaFor implements SchemaSource.
func (s StaticSchema) SchemaFor(_ context.Context, _ types.DecodedRecord) (*Schema, error) {
	return s.Schema, nil
}

// schemaFile is the on-disk form of a declared schema, in YAML or JSON.
type schemaFile struct {
	Strict     bool              `yaml:"strict"`
	Fields     map[string]string `yaml:"fields"`
	JSONSchema map[string]any    `yaml:"jsonSchema"`
}

// LoadSchemaFile reads a declared schema from path.
func LoadSchemaFile(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file %s: %w", path, err)
	}
	return ParseSchema(data)
}

// ParseSchema parses a declared schema document. JSON is accepted since it is valid YAML.
func ParseSchema(data []byte) (*Schema, error) {
	var f schemaFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}
	s := &Schema{Fields: make(map[string]FieldType, len(f.Fields)), Strict: f.Strict}
	for name, typ := range f.Fields {
		s.Fields[name] = NormalizeFieldType(typ)
	}
	if len(f.JSONSchema) > 0 {
		doc, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(f.JSONSchema))
		if err != nil {
			return nil, fmt.Errorf("cannot compile jsonSchema: %w", err)
		}
		s.Document = doc
	}
	return s, nil
}
