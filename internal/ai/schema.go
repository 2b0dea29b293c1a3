package ai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	fieldArabic = ResponseField{
		Name:        "arabic",
		Description: "The extracted Arabic text. Include all diacritics (harakat) if visible.",
	}
	fieldTranslation = ResponseField{
		Name:        "translation",
		Description: "A faithful English translation of the spiritual meaning.",
	}
	fieldCategory = ResponseField{
		Name:        "category",
		Description: "The most appropriate category.",
	}
)

// fieldsFor returns the required response properties of an operation.
func fieldsFor(op Operation) []ResponseField {
	switch op {
	case OpCleanup:
		return []ResponseField{fieldArabic}
	case OpImage, OpPage:
		return []ResponseField{fieldArabic, fieldCategory}
	default:
		return []ResponseField{fieldArabic, fieldTranslation, fieldCategory}
	}
}

// schemaDocument renders the JSON Schema used for local validation. Extra
// properties are tolerated.
func schemaDocument(fields []ResponseField) ([]byte, error) {
	props := make(map[string]any, len(fields))
	required := make([]string, 0, len(fields))
	for _, f := range fields {
		props[f.Name] = map[string]any{"type": "string", "description": f.Description}
		required = append(required, f.Name)
	}
	return json.Marshal(map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	})
}

func compileSchema(op Operation) (*jsonschema.Schema, error) {
	doc, err := schemaDocument(fieldsFor(op))
	if err != nil {
		return nil, fmt.Errorf("failed to render %s schema: %w", op, err)
	}
	url := string(op) + ".schema.json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("failed to load %s schema: %w", op, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("failed to compile %s schema: %w", op, err)
	}
	return schema, nil
}

// decodeResponse strips code fences, validates against schema and builds a
// record. Unknown categories are coerced, never rejected.
func decodeResponse(schema *jsonschema.Schema, content string) (*NormalizedRecord, error) {
	payload := stripCodeFences(content)
	if payload == "" {
		return nil, fmt.Errorf("empty structured output")
	}

	var doc any
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse structured JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("structured output does not match schema: %w", err)
	}

	fields := doc.(map[string]any)
	rec := &NormalizedRecord{
		Arabic:      strings.TrimSpace(stringField(fields, "arabic")),
		Translation: strings.TrimSpace(stringField(fields, "translation")),
	}
	if _, ok := fields["category"]; ok {
		rec.Category = ParseCategory(stringField(fields, "category"))
	}
	return rec, nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func stripCodeFences(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return ""
	}
	lines = lines[1:]
	if strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
