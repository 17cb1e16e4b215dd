package envelope

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema.json
var envelopeSchema []byte

const schemaURL = "https://aegnix.invictus.local/schemas/envelope-1.0.json"

// Validator checks inbound wire envelopes against the protocol JSON Schema
// and enforces schema-version compatibility before any trust decision runs.
type Validator struct {
	schema     *jsonschema.Schema
	constraint *semver.Constraints
}

// NewValidator compiles the embedded envelope schema. The version constraint
// admits any envelope sharing this implementation's major protocol version.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, bytes.NewReader(envelopeSchema)); err != nil {
		return nil, fmt.Errorf("envelope schema load failed: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("envelope schema compile failed: %w", err)
	}

	current := semver.MustParse(SchemaVersion)
	constraint, err := semver.NewConstraint(fmt.Sprintf("^%d", current.Major()))
	if err != nil {
		return nil, fmt.Errorf("envelope version constraint: %w", err)
	}
	return &Validator{schema: compiled, constraint: constraint}, nil
}

// Validate checks a raw wire document against the envelope schema.
func (v *Validator) Validate(raw []byte) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("envelope is not valid JSON: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("envelope schema validation failed: %w", err)
	}
	return nil
}

// CheckVersion reports whether ver is a protocol version this implementation
// can process.
func (v *Validator) CheckVersion(ver string) error {
	parsed, err := semver.NewVersion(ver)
	if err != nil {
		return fmt.Errorf("unparseable schema_ver %q: %w", ver, err)
	}
	if !v.constraint.Check(parsed) {
		return fmt.Errorf("incompatible schema_ver %q, this node speaks %s", ver, SchemaVersion)
	}
	return nil
}
