package toolregistry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExampleFromSchemaBuildsZeroValuesPerType(t *testing.T) {
	schema := map[string]any{
		"properties": map[string]any{
			"count":   map[string]any{"type": "integer"},
			"enabled": map[string]any{"type": "boolean"},
			"tags":    map[string]any{"type": "array"},
			"meta":    map[string]any{"type": "object"},
			"name":    map[string]any{"type": "string"},
		},
	}
	example := exampleFromSchema(schema)
	assert.Equal(t, 0, example["count"])
	assert.Equal(t, false, example["enabled"])
	assert.Equal(t, []any{}, example["tags"])
	assert.Equal(t, map[string]any{}, example["meta"])
	assert.Equal(t, "", example["name"])
}

func TestExampleFromSchemaNoPropertiesReturnsNil(t *testing.T) {
	assert.Nil(t, exampleFromSchema(map[string]any{}))
}

func TestExtractMissingPropertiesParsesQuotedFields(t *testing.T) {
	msg := "jsonschema validation failed\n- at '': missing properties 'url', 'method'"
	fields := extractMissingProperties(msg)
	assert.ElementsMatch(t, []string{"url", "method"}, fields)
}

func TestExtractMissingPropertiesReturnsNilWhenAbsent(t *testing.T) {
	assert.Nil(t, extractMissingProperties("type mismatch: expected string"))
}
