// Package validation checks manifests and option structs before they reach
// the registry: JSON-schema validation of the raw document followed by the
// struct rules.
package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/reglet-dev/reglet-runtime/domain/entities"
	"github.com/reglet-dev/reglet-runtime/domain/ports"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// ManifestSchemaKind is the schema registry key of the manifest document.
const ManifestSchemaKind = "manifest"

// ManifestValidator implements ports.ManifestValidator using JSON schemas.
type ManifestValidator struct {
	registry ports.SchemaRegistry

	once    sync.Once
	schema  *jsonschema.Schema
	loadErr error
}

var _ ports.ManifestValidator = (*ManifestValidator)(nil)

// NewManifestValidator creates a validator reading the manifest schema from registry.
func NewManifestValidator(registry ports.SchemaRegistry) *ManifestValidator {
	return &ManifestValidator{registry: registry}
}

func (v *ManifestValidator) compile() (*jsonschema.Schema, error) {
	v.once.Do(func() {
		schemaStr, ok := v.registry.GetSchema(ManifestSchemaKind)
		if !ok {
			v.loadErr = fmt.Errorf("no schema registered for %s", ManifestSchemaKind)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(ManifestSchemaKind, strings.NewReader(schemaStr)); err != nil {
			v.loadErr = fmt.Errorf("failed to add schema resource for %s: %w", ManifestSchemaKind, err)
			return
		}
		v.schema, v.loadErr = compiler.Compile(ManifestSchemaKind)
	})
	return v.schema, v.loadErr
}

// ValidateRaw checks a YAML or JSON manifest document against the schema.
func (v *ManifestValidator) ValidateRaw(raw []byte) (*entities.ValidationResult, error) {
	sch, err := v.compile()
	if err != nil {
		return nil, err
	}

	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		res := &entities.ValidationResult{Valid: true}
		res.Add("", fmt.Sprintf("manifest is not valid YAML or JSON: %v", err))
		return res, nil
	}
	// Round-trip through JSON so the validator sees JSON types only.
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare validation object: %w", err)
	}
	var obj any
	if err := json.Unmarshal(b, &obj); err != nil {
		return nil, fmt.Errorf("failed to prepare validation object: %w", err)
	}

	res := &entities.ValidationResult{Valid: true}
	if err := sch.Validate(obj); err != nil {
		var ve *jsonschema.ValidationError
		if !errors.As(err, &ve) {
			return nil, err
		}
		for _, leaf := range leaves(ve) {
			field := strings.TrimPrefix(strings.ReplaceAll(leaf.InstanceLocation, "/", "."), ".")
			res.Add(field, leaf.Message)
		}
	}
	return res, nil
}

func leaves(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var out []*jsonschema.ValidationError
	for _, c := range ve.Causes {
		out = append(out, leaves(c)...)
	}
	return out
}

// Validate checks the parsed manifest against the struct rules.
func (v *ManifestValidator) Validate(m *entities.Manifest) *entities.ValidationResult {
	return Manifest(m)
}
