// Package validation checks reviewer payloads and extractor output against
// JSON schemas before they reach the store.
package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dunamismax/receiptflow/internal/domain"
	"github.com/xeipuuv/gojsonschema"
)

var ErrInvalid = errors.New("invalid payload")

const customDataSchema = `{
	"type": "object"
}`

const rawOCRDataSchema = `{
	"type": "object",
	"required": ["fields"],
	"properties": {
		"stub": {"type": "boolean"},
		"source_document": {"type": "string"},
		"document_bytes": {"type": "integer", "minimum": 0},
		"fields": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["key", "value", "confidence"],
				"properties": {
					"key": {"type": "string", "minLength": 1},
					"value": {"type": "string"},
					"confidence": {"type": "number", "minimum": 0, "maximum": 1}
				}
			}
		}
	}
}`

var (
	customDataLoader = gojsonschema.NewStringLoader(customDataSchema)
	rawOCRDataLoader = gojsonschema.NewStringLoader(rawOCRDataSchema)
)

// CustomData requires the reviewer payload to be a JSON object. An empty
// object is accepted; it simply does not count as validated.
func CustomData(raw json.RawMessage) error {
	if len(raw) == 0 {
		return fmt.Errorf("custom_data is required: %w", ErrInvalid)
	}
	if !json.Valid(raw) {
		return fmt.Errorf("custom_data is not valid JSON: %w", ErrInvalid)
	}
	return validate(customDataLoader, gojsonschema.NewBytesLoader(raw), "custom_data")
}

// RawOCRData checks an extractor's field set before it is persisted.
func RawOCRData(data domain.RawOCRData) error {
	return validate(rawOCRDataLoader, gojsonschema.NewGoLoader(data), "raw_ocr_data")
}

func validate(schema, document gojsonschema.JSONLoader, name string) error {
	result, err := gojsonschema.Validate(schema, document)
	if err != nil {
		return fmt.Errorf("%s validation error: %w", name, err)
	}
	if !result.Valid() {
		errs := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			errs[i] = desc.String()
		}
		return fmt.Errorf("%s failed validation (%s): %w", name, strings.Join(errs, "; "), ErrInvalid)
	}
	return nil
}
