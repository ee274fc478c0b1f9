package schema

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

type SchemaType int

const (
	SchemaTypeConfig SchemaType = iota
	SchemaTypeCall
)

// Schema validates inbound protocol payloads before they reach the
// engine: the engine config carried by init, and the shape of call
// envelopes.
type Schema struct {
	schemas map[SchemaType]*gojsonschema.Schema
}

func new(config *gojsonschema.Schema, call *gojsonschema.Schema) *Schema {
	return &Schema{
		schemas: map[SchemaType]*gojsonschema.Schema{
			SchemaTypeConfig: config,
			SchemaTypeCall:   call,
		},
	}
}

func (s *Schema) Get(schemaType SchemaType) (*gojsonschema.Schema, error) {
	schema, ok := s.schemas[schemaType]
	if !ok {
		return nil, errors.New("schema not found")
	}

	return schema, nil
}

// ValidateBytes validates a raw JSON payload against the given schema
// and returns a single error describing all violations.
func (s *Schema) ValidateBytes(schemaType SchemaType, data []byte) error {
	schema, err := s.Get(schemaType)
	if err != nil {
		return err
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return err
	}

	return resultError(result)
}

// Validate validates an in-memory document against the given schema.
func (s *Schema) Validate(schemaType SchemaType, data map[string]any) error {
	schema, err := s.Get(schemaType)
	if err != nil {
		return err
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(data))
	if err != nil {
		return err
	}

	return resultError(result)
}

func resultError(result *gojsonschema.Result) error {
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}

	return fmt.Errorf("schema violation: %s", strings.Join(msgs, "; "))
}

//go:embed config.json
var configSchema json.RawMessage
var configSchemaLoader = gojsonschema.NewBytesLoader(configSchema)

//go:embed call.json
var callSchema json.RawMessage
var callSchemaLoader = gojsonschema.NewBytesLoader(callSchema)

// NewEnvelopeSchema loads the embedded protocol schemas.
func NewEnvelopeSchema() (*Schema, error) {
	config, err := gojsonschema.NewSchema(configSchemaLoader)
	if err != nil {
		return nil, err
	}

	call, err := gojsonschema.NewSchema(callSchemaLoader)
	if err != nil {
		return nil, err
	}

	return new(config, call), nil
}
