package collab

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const workbookSchemaURL = "https://relaysync.dev/schemas/workbook.json"

// The workbook body is opaque, but it must be an object and any sheet
// collection must be shaped so export can read it.
const workbookSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "activeSheet": {"type": "string"},
    "sheetOrder": {"type": "array", "items": {"type": "string"}},
    "sheets": {
      "oneOf": [
        {"type": "array", "items": {"$ref": "#/$defs/sheet"}},
        {"type": "object", "additionalProperties": {"$ref": "#/$defs/sheet"}}
      ]
    }
  },
  "$defs": {
    "sheet": {
      "type": "object",
      "properties": {
        "id": {"type": "string"},
        "name": {"type": "string"},
        "active": {"type": "boolean"},
        "rows": {"type": "array", "items": {"type": "array"}},
        "cellData": {
          "type": "object",
          "additionalProperties": {"type": "object"}
        }
      }
    }
  }
}`

var (
	workbookSchemaOnce sync.Once
	workbookSchema     *jsonschema.Schema
	workbookSchemaErr  error
)

func compiledWorkbookSchema() (*jsonschema.Schema, error) {
	workbookSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workbookSchemaJSON))
		if err != nil {
			workbookSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(workbookSchemaURL, doc); err != nil {
			workbookSchemaErr = err
			return
		}
		workbookSchema, workbookSchemaErr = compiler.Compile(workbookSchemaURL)
	})
	return workbookSchema, workbookSchemaErr
}

// ValidateWorkbookBody checks that body is a JSON object shaped like a
// workbook.
func ValidateWorkbookBody(body json.RawMessage) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return fmt.Errorf("%w: body is required", ErrInvalidInput)
	}
	schema, err := compiledWorkbookSchema()
	if err != nil {
		return fmt.Errorf("compile workbook schema: %w", err)
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: body is not valid json: %v", ErrInvalidInput, err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
