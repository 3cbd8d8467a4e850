// internal/schema/validator.go
// Package schema provides JSON schema validation for inbound gateway payloads.
// It rejects structurally invalid documents before they are turned into purchase events.
package schema

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Document names understood by the validator.
const (
	PurchaseEvent = "purchase.event" // Generic signed notification body
	LineItems     = "purchase.items" // Line item array carried in gateway metadata
)

// SchemaVersions maps document names to the version of the schema compiled below.
var SchemaVersions = map[string]string{
	PurchaseEvent: "1.0.0",
	LineItems:     "1.0.0",
}

// itemsSchema is shared by both documents.
const itemsSchema = `{"type":"array","minItems":1,"maxItems":500,"items":{"type":"object","required":["productId","quantity"],"properties":{"productId":{"type":"string","minLength":1,"maxLength":256},"quantity":{"type":"integer","minimum":1,"maximum":10000}}}}`

// Validator validates gateway payloads against compiled JSON schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema // Map of document names to compiled schemas
}

// NewValidator compiles every supported schema.
// Returns:
//   - *Validator: Initialized validator instance
//   - error: Any error that occurred during compilation
func NewValidator() (*Validator, error) {
	v := &Validator{
		schemas: make(map[string]*gojsonschema.Schema),
	}
	if err := v.loadSchemas(); err != nil {
		return nil, fmt.Errorf("failed to load schemas: %w", err)
	}
	return v, nil
}

// MustValidator is NewValidator for package-level initialization; the schemas are constants.
func MustValidator() *Validator {
	v, err := NewValidator()
	if err != nil {
		panic(err)
	}
	return v
}

func (v *Validator) loadSchemas() error {
	// Purchase notification - purchase id, contact, and the line items bought
	eventSchema := `{"type":"object","required":["purchaseId","customerContact","items"],"properties":{` +
		`"eventId":{"type":"string"},` +
		`"purchaseId":{"type":"string","minLength":1,"maxLength":256},` +
		`"customerContact":{"type":"string","minLength":1,"maxLength":320},` +
		`"occurredAt":{"type":"string","format":"date-time"},` +
		`"items":` + itemsSchema + `}}`
	if err := v.loadSchema(PurchaseEvent, eventSchema); err != nil {
		return err
	}

	if err := v.loadSchema(LineItems, itemsSchema); err != nil {
		return err
	}
	return nil
}

// loadSchema parses and compiles a single schema.
func (v *Validator) loadSchema(document, schemaJSON string) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("invalid schema for %s: %w", document, err)
	}
	v.schemas[document] = schema
	return nil
}

// Validate checks a raw JSON payload against the named document schema.
// Parameters:
//   - document: One of PurchaseEvent or LineItems
//   - payload: The raw JSON bytes
//
// Returns:
//   - string: The schema version used for validation
//   - error: nil if valid, error listing every violation otherwise
func (v *Validator) Validate(document string, payload []byte) (string, error) {
	schema, exists := v.schemas[document]
	if !exists {
		return "", fmt.Errorf("schema not found for document: %s", document)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return "", fmt.Errorf("validation error: %w", err)
	}

	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return "", fmt.Errorf("validation failed: %s", strings.Join(errs, "; "))
	}

	return SchemaVersions[document], nil
}
