package services

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/inaiurai/localize/internal/events"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const envelopeSchemaFile = "envelope.json"

// Validator checks the structure of inbound event envelopes and, for kinds
// that carry partner-supplied payloads, the payload itself.
type Validator struct {
	envelope *jsonschema.Schema
	payloads map[events.Kind]*jsonschema.Schema
}

// NewValidator compiles the embedded schemas. Payload schema files are named
// after the event kind they validate, e.g. "prolific_results.received.json".
func NewValidator() (*Validator, error) {
	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, fmt.Errorf("read schemas: %w", err)
	}
	v := &Validator{payloads: make(map[events.Kind]*jsonschema.Schema)}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := schemaFS.ReadFile("schemas/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", e.Name(), err)
		}
		id := "https://localize.inaiurai.dev/schemas/" + e.Name()
		schema, err := jsonschema.CompileString(id, string(data))
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", e.Name(), err)
		}
		if e.Name() == envelopeSchemaFile {
			v.envelope = schema
			continue
		}
		kind := events.Kind(strings.TrimSuffix(e.Name(), ".json"))
		if !kind.Known() {
			return nil, fmt.Errorf("schema %q does not name a known event kind", e.Name())
		}
		v.payloads[kind] = schema
	}
	if v.envelope == nil {
		return nil, fmt.Errorf("missing %s", envelopeSchemaFile)
	}
	return v, nil
}

// ParseEvent validates raw against the envelope schema and decodes it.
// Every failure wraps ErrValidation.
func (v *Validator) ParseEvent(raw []byte) (events.Event, error) {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return events.Event{}, fmt.Errorf("%w: invalid JSON: %v", ErrValidation, err)
	}
	if err := v.envelope.Validate(doc); err != nil {
		return events.Event{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	var evt events.Event
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&evt); err != nil {
		return events.Event{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return evt, nil
}

// ValidatePayload checks evt.Data for kinds that have a payload schema.
// Kinds without one pass.
func (v *Validator) ValidatePayload(evt events.Event) error {
	schema, ok := v.payloads[evt.Type]
	if !ok {
		return nil
	}
	var doc interface{}
	if err := json.Unmarshal(evt.Data, &doc); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrValidation, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrValidation, evt.Type, err)
	}
	return nil
}

// ErrValidation can be used with errors.Is to detect structural rejects.
var ErrValidation = errors.New("validation failed")
