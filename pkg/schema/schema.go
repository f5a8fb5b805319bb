package schema

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Processor names form a closed set; unknown names degrade to
// ProcessorExtractSimple with a warning at processing time.
const (
	ProcessorExtractSimple     = "extract_simple"
	ProcessorExtractNested     = "extract_nested"
	ProcessorExtractUser       = "extract_user"
	ProcessorConvertDatetime   = "convert_datetime"
	ProcessorExtractComponents = "extract_components"
	ProcessorExtractVersions   = "extract_versions"
	ProcessorExtractLinks      = "extract_links"
	ProcessorExtractLinksFilt  = "extract_links_filtered"
	ProcessorExtractTicketLink = "extract_ticket_link"
)

// FieldTypeMultiSelect selects list-shaped output for array processors.
const FieldTypeMultiSelect = "multiselect"

// FieldMapping describes how one JIRA field path maps to a Lark field.
// LarkField holds one or more candidate target names; the first candidate
// present in the target table wins.
type FieldMapping struct {
	LarkField  []string `yaml:"-"`
	Processor  string   `yaml:"processor"`
	NestedPath string   `yaml:"nested_path,omitempty"`
	FieldType  string   `yaml:"field_type,omitempty"`
}

// UnmarshalYAML accepts lark_field as either a scalar or a sequence.
func (m *FieldMapping) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		LarkField  yaml.Node `yaml:"lark_field"`
		Processor  string    `yaml:"processor"`
		NestedPath string    `yaml:"nested_path"`
		FieldType  string    `yaml:"field_type"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	m.Processor = raw.Processor
	m.NestedPath = raw.NestedPath
	m.FieldType = raw.FieldType

	switch raw.LarkField.Kind {
	case yaml.ScalarNode:
		var single string
		if err := raw.LarkField.Decode(&single); err != nil {
			return err
		}
		m.LarkField = []string{single}
	case yaml.SequenceNode:
		if err := raw.LarkField.Decode(&m.LarkField); err != nil {
			return err
		}
	case 0:
		// lark_field absent; caught by validation.
	default:
		return fmt.Errorf("lark_field must be a string or a list of strings")
	}

	return nil
}

// Schema is the parsed field-mapping schema file. FieldMappings is keyed by
// JIRA field path ("key", "summary", "status.name", "customfield_10001", ...).
type Schema struct {
	FieldMappings map[string]FieldMapping `yaml:"field_mappings"`
}

// JIRAFieldPaths returns every mapped JIRA field path in stable order.
func (s *Schema) JIRAFieldPaths() []string {
	paths := make([]string, 0, len(s.FieldMappings))
	for path := range s.FieldMappings {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// RequiredJIRAFields returns the top-level JIRA field names a search must
// request to satisfy this schema: the first segment of each mapped path,
// plus the envelope fields the engine always needs.
func (s *Schema) RequiredJIRAFields() []string {
	seen := map[string]bool{"key": true, "id": true, "self": true}
	fields := []string{"key", "id", "self"}

	for _, path := range s.JIRAFieldPaths() {
		top := path
		for i := 0; i < len(path); i++ {
			if path[i] == '.' {
				top = path[:i]
				break
			}
		}
		if !seen[top] {
			seen[top] = true
			fields = append(fields, top)
		}
	}

	sort.Strings(fields)
	return fields
}

// Loader defines the interface for schema loading.
type Loader interface {
	Load(path string) (*Schema, error)
}

// YAMLLoader implements Loader for YAML schema files.
type YAMLLoader struct{}

// NewYAMLLoader creates a schema loader for YAML files.
func NewYAMLLoader() Loader {
	return &YAMLLoader{}
}

// Load reads and validates a schema file.
func (l *YAMLLoader) Load(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &SchemaError{
			Type:    "file_error",
			Message: "failed to read schema file",
			Err:     err,
			Context: path,
		}
	}

	schema := &Schema{}
	if err := yaml.Unmarshal(data, schema); err != nil {
		return nil, &SchemaError{
			Type:    "deserialization_error",
			Message: "failed to parse schema YAML",
			Err:     err,
			Context: path,
		}
	}

	if err := validate(schema); err != nil {
		return nil, err
	}

	return schema, nil
}

func validate(schema *Schema) error {
	if len(schema.FieldMappings) == 0 {
		return &SchemaError{
			Type:    "invalid_input",
			Message: "schema must define at least one field mapping",
		}
	}

	for path, mapping := range schema.FieldMappings {
		if len(mapping.LarkField) == 0 {
			return &SchemaError{
				Type:    "invalid_input",
				Message: "field mapping has no lark_field",
				Context: path,
			}
		}
		if mapping.Processor == "" {
			return &SchemaError{
				Type:    "invalid_input",
				Message: "field mapping has no processor",
				Context: path,
			}
		}
		if mapping.Processor == ProcessorExtractNested && mapping.NestedPath == "" {
			return &SchemaError{
				Type:    "invalid_input",
				Message: "extract_nested mapping requires nested_path",
				Context: path,
			}
		}
	}

	return nil
}
