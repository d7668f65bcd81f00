package services

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	SchemaPurchaseRequest = "purchase_request"
	SchemaUsageRequest    = "usage_request"
	SchemaRevenueCatEvent = "revenuecat_event"
)

//go:embed schemas/*.json
var schemaFS embed.FS

type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles every embedded schemas/*.json file, keyed by file name
// without extension.
func NewValidator() (*Validator, error) {
	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, fmt.Errorf("read embedded schemas: %w", err)
	}
	schemas := make(map[string]*jsonschema.Schema, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		data, err := schemaFS.ReadFile("schemas/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", e.Name(), err)
		}
		id := "https://inaiurai.dev/schemas/consumables/" + name
		schemas[name], err = jsonschema.CompileString(id, string(data))
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", name, err)
		}
	}
	return &Validator{schemas: schemas}, nil
}

// Validate checks raw against the named schema. Both malformed JSON and
// schema violations wrap ErrValidation.
func (v *Validator) Validate(name string, raw json.RawMessage) error {
	schema, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrValidation, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

func (v *Validator) ValidatePurchaseRequest(raw json.RawMessage) error {
	return v.Validate(SchemaPurchaseRequest, raw)
}

func (v *Validator) ValidateUsageRequest(raw json.RawMessage) error {
	return v.Validate(SchemaUsageRequest, raw)
}

// ValidateWebhookEvent only checks the envelope. Whether the event is a
// purchase at all is decided by webhook.ParsePurchaseEvent.
func (v *Validator) ValidateWebhookEvent(raw json.RawMessage) error {
	return v.Validate(SchemaRevenueCatEvent, raw)
}

// ErrValidation can be used with errors.Is to detect rejected request bodies.
var ErrValidation = errors.New("validation failed")
