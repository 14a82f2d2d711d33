package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mountebank-testing/mbengine/internal/util"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const behaviorsSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "wait": {"oneOf": [{"type": "integer", "minimum": 0}, {"type": "string", "minLength": 1}]},
    "repeat": {"type": "integer", "minimum": 1},
    "copy": {"type": "array", "items": {"$ref": "#/$defs/copy"}},
    "lookup": {"type": "array", "items": {"$ref": "#/$defs/lookup"}},
    "shellTransform": {"oneOf": [
      {"type": "string", "minLength": 1},
      {"type": "array", "items": {"type": "string", "minLength": 1}}
    ]},
    "decorate": {"type": "string", "minLength": 1}
  },
  "$defs": {
    "from": {"oneOf": [
      {"type": "string", "minLength": 1},
      {"type": "object", "minProperties": 1, "maxProperties": 1}
    ]},
    "using": {
      "type": "object",
      "required": ["method", "selector"],
      "properties": {
        "method": {"enum": ["regex", "xpath", "jsonpath"]},
        "selector": {"type": "string", "minLength": 1},
        "ns": {"type": "object", "additionalProperties": {"type": "string"}},
        "options": {
          "type": "object",
          "additionalProperties": false,
          "properties": {"ignoreCase": {"type": "boolean"}, "multiline": {"type": "boolean"}}
        }
      }
    },
    "copy": {
      "type": "object",
      "required": ["from", "into"],
      "properties": {
        "from": {"$ref": "#/$defs/from"},
        "into": {"type": "string", "minLength": 1},
        "using": {"$ref": "#/$defs/using"}
      }
    },
    "lookup": {
      "type": "object",
      "required": ["key", "fromDataSource", "into"],
      "properties": {
        "key": {
          "type": "object",
          "required": ["from"],
          "properties": {
            "from": {"$ref": "#/$defs/from"},
            "using": {"$ref": "#/$defs/using"},
            "index": {"type": "integer", "minimum": 0}
          }
        },
        "fromDataSource": {
          "type": "object",
          "required": ["csv"],
          "properties": {
            "csv": {
              "type": "object",
              "required": ["path", "keyColumn"],
              "properties": {
                "path": {"type": "string", "minLength": 1},
                "keyColumn": {"type": "string", "minLength": 1},
                "delimiter": {"type": "string", "minLength": 1}
              }
            }
          }
        },
        "into": {"type": "string", "minLength": 1}
      }
    }
  }
}`

var (
	behaviorsSchemaOnce     sync.Once
	compiledBehaviorsSchema *jsonschema.Schema
	behaviorsSchemaErr      error
)

func loadBehaviorsSchema() (*jsonschema.Schema, error) {
	behaviorsSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource("behaviors.json", strings.NewReader(behaviorsSchema)); err != nil {
			behaviorsSchemaErr = err
			return
		}
		compiledBehaviorsSchema, behaviorsSchemaErr = compiler.Compile("behaviors.json")
	})
	return compiledBehaviorsSchema, behaviorsSchemaErr
}

// ValidateBehaviors checks a raw behaviors block against the behaviors schema and
// returns every violation, not just the first
func ValidateBehaviors(raw map[string]interface{}) error {
	if raw == nil {
		return nil
	}
	schema, err := loadBehaviorsSchema()
	if err != nil {
		return fmt.Errorf("behaviors schema: %w", err)
	}

	// normalize numeric types to what the validator expects
	var doc interface{}
	data, err := json.Marshal(raw)
	if err != nil {
		return util.NewValidationError("malformed behaviors", raw)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return util.NewValidationError("malformed behaviors", raw)
	}

	err = schema.Validate(doc)
	if err == nil {
		return nil
	}
	var validationErr *jsonschema.ValidationError
	if !errors.As(err, &validationErr) {
		return util.NewValidationError(err.Error(), raw)
	}

	var list util.ErrorList
	collectSchemaErrors(validationErr, raw, &list)
	return list.Err()
}

func collectSchemaErrors(err *jsonschema.ValidationError, source interface{}, list *util.ErrorList) {
	if len(err.Causes) == 0 {
		field := strings.ReplaceAll(strings.TrimPrefix(err.InstanceLocation, "/"), "/", ".")
		message := err.Message
		if field != "" {
			message = fmt.Sprintf("%s behavior: %s", field, err.Message)
		}
		list.Add(util.NewValidationError(message, source))
		return
	}
	for _, cause := range err.Causes {
		collectSchemaErrors(cause, source, list)
	}
}
