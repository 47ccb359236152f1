package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// configSchemaJSON is the structural schema every config_* file must
// satisfy before it is accepted by Validate. It intentionally only
// constrains the shape (required keys, types) and leaves semantic rules
// (e.g. "items must be a valid locator") to Config.Validate.
const configSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["site", "parsers"],
  "properties": {
    "site": {
      "type": "object",
      "required": ["name", "base_url"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "base_url": {"type": "string", "minLength": 1},
        "request": {"type": "object"},
        "crawl": {"type": "object"}
      }
    },
    "parsers": {
      "type": "object",
      "required": ["chapter_list", "chapter_content"],
      "properties": {
        "document_info": {"type": "object"},
        "chapter_list": {
          "type": "object",
          "required": ["items"],
          "properties": {
            "items": {"type": "object"},
            "title": {"type": "object"},
            "url": {"type": "object"},
            "pagination": {"type": "object"}
          }
        },
        "chapter_content": {
          "type": "object",
          "required": ["content"],
          "properties": {
            "content": {"type": "object"},
            "clean": {"type": "array"},
            "next_page": {"type": "object"}
          }
        }
      }
    }
  }
}`

var (
	schemaOnce    sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr     error
)

const schemaResourceName = "config.schema.json"

func compiledConfigSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaResourceName, bytes.NewReader([]byte(configSchemaJSON))); err != nil {
			schemaErr = fmt.Errorf("config: add schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile(schemaResourceName)
	})
	return compiledSchema, schemaErr
}

// ValidateSchema checks raw config bytes against the structural JSON Schema.
// ext selects how data is decoded before validation (YAML is converted to a
// plain interface{} tree so jsonschema can walk it).
func ValidateSchema(data []byte, ext string) error {
	schema, err := compiledConfigSchema()
	if err != nil {
		return err
	}

	var doc any
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("config: schema decode json: %w", err)
		}
	default:
		var y any
		if err := yaml.Unmarshal(data, &y); err != nil {
			return fmt.Errorf("config: schema decode yaml: %w", err)
		}
		doc = normalizeYAML(y)
	}

	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("config: schema validation: %w", err)
	}
	return nil
}

// normalizeYAML converts map[string]interface{} trees produced by
// gopkg.in/yaml.v3 (which may yield map[string]any already, but nested
// sequences/maps inside any-typed fields need no further conversion) into a
// form jsonschema accepts. yaml.v3 already unmarshals mapping nodes into
// map[string]interface{} when the target is `any`, unlike yaml.v2's
// map[interface{}]interface{}, so this is mostly a pass-through kept for
// defense against mixed-key maps.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return t
	}
}
