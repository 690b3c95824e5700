package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// FieldPolicy is the declarative validation policy for one field type.
// Immutable once loaded.
type FieldPolicy struct {
	Name           string   `yaml:"name"`
	Description    string   `yaml:"description"`
	Prompt         string   `yaml:"prompt"`
	AllowedStatus  []string `yaml:"allowed_status"`
	AllowedTerms   []string `yaml:"allowed_terms"`
	ExampleContext string   `yaml:"example_context"`
	Pattern        string   `yaml:"pattern"`

	regex *regexp.Regexp
}

// Regex returns the compiled pattern, or nil when the policy has none.
func (p FieldPolicy) Regex() *regexp.Regexp {
	return p.regex
}

// MappingEntry binds one dotted payload path to a field-type policy.
type MappingEntry struct {
	Path      string `yaml:"path"`
	FieldType string `yaml:"field_type"`
}

type document struct {
	SystemPrompt string         `yaml:"system_prompt"`
	Fields       []FieldPolicy  `yaml:"fields"`
	FieldMapping []MappingEntry `yaml:"field_mapping"`
}

// Catalog is the process-wide field registry, constructed once at
// startup and passed by reference into the engine and the form
// service. There is no ambient global.
type Catalog struct {
	systemPrompt string
	fields       map[string]FieldPolicy
	mapping      []MappingEntry
	mappedTypes  map[string]string
}

// Load parses the declarative catalog document. Any malformation is a
// startup failure: the process must not serve with a partial catalog.
func Load(path string) (*Catalog, error) {
	// #nosec G304 -- path comes from operator-configured catalog path.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if doc.SystemPrompt == "" {
		return nil, fmt.Errorf("catalog: system_prompt is required")
	}

	cat := &Catalog{
		systemPrompt: doc.SystemPrompt,
		fields:       make(map[string]FieldPolicy, len(doc.Fields)),
		mapping:      doc.FieldMapping,
		mappedTypes:  make(map[string]string, len(doc.FieldMapping)),
	}

	for _, field := range doc.Fields {
		if field.Name == "" {
			return nil, fmt.Errorf("catalog: field with empty name")
		}
		if _, dup := cat.fields[field.Name]; dup {
			return nil, fmt.Errorf("catalog: duplicate field type %q", field.Name)
		}
		if len(field.AllowedStatus) == 0 {
			field.AllowedStatus = []string{"success", "objection"}
		}
		if field.Pattern != "" {
			compiled, err := regexp.Compile(field.Pattern)
			if err != nil {
				return nil, fmt.Errorf("catalog: field %q pattern: %w", field.Name, err)
			}
			field.regex = compiled
		}
		cat.fields[field.Name] = field
	}

	for _, entry := range doc.FieldMapping {
		if entry.Path == "" || entry.FieldType == "" {
			return nil, fmt.Errorf("catalog: mapping entry missing path or field_type")
		}
		if _, dup := cat.mappedTypes[entry.Path]; dup {
			return nil, fmt.Errorf("catalog: duplicate mapping path %q", entry.Path)
		}
		cat.mappedTypes[entry.Path] = entry.FieldType
	}

	return cat, nil
}

// Policy looks up the policy for a field type.
func (c *Catalog) Policy(fieldType string) (FieldPolicy, bool) {
	policy, ok := c.fields[fieldType]
	return policy, ok
}

// Mapping returns the dotted-path mapping in document order.
func (c *Catalog) Mapping() []MappingEntry {
	return c.mapping
}

// MappedType resolves a dotted path to its field type.
func (c *Catalog) MappedType(path string) (string, bool) {
	fieldType, ok := c.mappedTypes[path]
	return fieldType, ok
}

// promptPayload is the machine-checkable instruction set handed to the
// model. Structured on purpose: never free-form concatenation.
type promptPayload struct {
	FieldType     string   `json:"field_type"`
	Value         string   `json:"value"`
	Context       string   `json:"context"`
	Rules         string   `json:"rules"`
	AllowedStatus []string `json:"allowed_status"`
	AllowedTerms  []string `json:"allowed_terms,omitempty"`
}

// BuildPrompt assembles the (system, user) message pair for a model
// call. ok is false for an unknown field type.
func (c *Catalog) BuildPrompt(fieldType, value, context string) (system, user string, ok bool) {
	policy, found := c.fields[fieldType]
	if !found {
		return "", "", false
	}

	payload := promptPayload{
		FieldType:     fieldType,
		Value:         value,
		Context:       context,
		Rules:         policy.Prompt,
		AllowedStatus: policy.AllowedStatus,
		AllowedTerms:  policy.AllowedTerms,
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", "", false
	}
	return c.systemPrompt, string(encoded), true
}
