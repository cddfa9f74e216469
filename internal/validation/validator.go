// Package validation checks event payloads before they reach the local store.
//
// Every category has a JSON schema embedded in the binary. A payload must pass
// both its schema and the range checks of its Go type.
package validation

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	apperrors "github.com/IRSPlays/ProjectCortexV2-sub000/internal/errors"
	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/models"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const schemaBaseURL = "https://cortex.local/schemas/"

// MaxPayloadBytes caps a single encoded payload.
const MaxPayloadBytes = 64 * 1024

// Validator holds the compiled per-category schemas.
type Validator struct {
	schemas map[models.Category]*jsonschema.Schema
}

// New compiles the embedded schemas.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7

	for _, c := range models.Categories {
		data, err := schemaFS.ReadFile("schemas/" + string(c) + ".schema.json")
		if err != nil {
			return nil, fmt.Errorf("read schema for %s: %w", c, err)
		}
		if err := compiler.AddResource(schemaURL(c), bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema for %s: %w", c, err)
		}
	}

	v := &Validator{schemas: make(map[models.Category]*jsonschema.Schema, len(models.Categories))}
	for _, c := range models.Categories {
		schema, err := compiler.Compile(schemaURL(c))
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", c, err)
		}
		v.schemas[c] = schema
	}
	return v, nil
}

func schemaURL(c models.Category) string {
	return schemaBaseURL + string(c) + ".json"
}

// Encode validates p and returns its canonical JSON encoding.
func (v *Validator) Encode(p models.Payload) (json.RawMessage, error) {
	if p == nil {
		return nil, apperrors.New(apperrors.ErrValidation, "payload is nil")
	}
	c := p.Category()
	schema, ok := v.schemas[c]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrValidation, "unknown category %q", c)
	}

	data, err := json.Marshal(p)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "encode payload", err)
	}
	if len(data) > MaxPayloadBytes {
		return nil, apperrors.Newf(apperrors.ErrValidation, "%s payload is %d bytes (max %d)", c, len(data), MaxPayloadBytes)
	}

	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "decode payload", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, fmt.Sprintf("%s payload does not match schema", c), err)
	}
	if err := p.Check(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, fmt.Sprintf("%s payload", c), err)
	}
	return data, nil
}

// ValidateRaw checks an already encoded payload for category c.
func (v *Validator) ValidateRaw(c models.Category, raw json.RawMessage) error {
	p, err := models.DecodePayload(c, raw)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "decode payload", err)
	}
	_, err = v.Encode(p)
	return err
}
