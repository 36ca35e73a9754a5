package events

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/text/unicode/norm"

	"github.com/sgttomas/solver-ralph-sub008/pkg/canonicalize"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://kernel.schemas.local/events/"

// PayloadCheck is a semantic validation hook for one event type, run after
// the payload passed its JSON schema.
type PayloadCheck func(payload json.RawMessage) error

// Validator validates and normalizes a draft in place.
type Validator interface {
	Validate(d *Draft) error
}

// Registry holds compiled payload schemas and semantic checks per event type.
type Registry struct {
	schemas map[string]*jsonschema.Schema
	checks  map[string]PayloadCheck
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithPayloadCheck registers a semantic check for eventType.
func WithPayloadCheck(eventType string, check PayloadCheck) RegistryOption {
	return func(r *Registry) { r.checks[eventType] = check }
}

// NewRegistry compiles the embedded schema of every catalogued event type.
func NewRegistry(opts ...RegistryOption) (*Registry, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true

	r := &Registry{
		schemas: make(map[string]*jsonschema.Schema, len(catalog)),
		checks:  make(map[string]PayloadCheck),
	}
	for eventType := range catalog {
		data, err := schemaFS.ReadFile("schemas/" + eventType + ".json")
		if err != nil {
			return nil, fmt.Errorf("missing payload schema for %s: %w", eventType, err)
		}
		url := schemaBaseURL + eventType + ".json"
		if err := c.AddResource(url, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("payload schema load failed for %s: %w", eventType, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("payload schema compile failed for %s: %w", eventType, err)
		}
		r.schemas[eventType] = compiled
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// MustRegistry is NewRegistry for package initialization and tests.
func MustRegistry(opts ...RegistryOption) *Registry {
	r, err := NewRegistry(opts...)
	if err != nil {
		panic(err)
	}
	return r
}

// Validate enforces the structural rules of an append and normalizes the
// draft: identifiers to NFC, unknown relations to relates_to and the
// payload to canonical JSON.
func (r *Registry) Validate(d *Draft) error {
	d.StreamID = norm.NFC.String(strings.TrimSpace(d.StreamID))
	if d.StreamID == "" {
		return Invalid("stream_id", "required")
	}
	if d.EventID != "" {
		d.EventID = norm.NFC.String(d.EventID)
	}
	if !Known(d.EventType) {
		return Invalid("event_type", "unknown event type %q", d.EventType)
	}

	d.Actor.ID = norm.NFC.String(strings.TrimSpace(d.Actor.ID))
	if err := checkActor(d.Actor, d.EventType); err != nil {
		return err
	}

	for i := range d.Refs {
		ref := &d.Refs[i]
		ref.ID = norm.NFC.String(ref.ID)
		if !IsNodeKind(ref.Kind) {
			return Invalid(fmt.Sprintf("refs[%d].kind", i), "unknown kind %q", ref.Kind)
		}
		if ref.ID == "" {
			return Invalid(fmt.Sprintf("refs[%d].id", i), "required")
		}
		ref.Rel = NormalizeRel(ref.Rel)
	}
	for i, s := range d.Supersedes {
		if s == "" {
			return Invalid(fmt.Sprintf("supersedes[%d]", i), "empty event id")
		}
	}

	if len(d.Payload) == 0 {
		d.Payload = json.RawMessage(`{}`)
	}
	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(d.Payload))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return Invalid("payload", "not valid JSON: %v", err)
	}
	if _, ok := doc.(map[string]interface{}); !ok {
		return Invalid("payload", "must be a JSON object")
	}
	if schema := r.schemas[d.EventType]; schema != nil {
		if err := schema.Validate(doc); err != nil {
			return Invalid("payload", "%s", err.Error())
		}
	}
	if field := StreamIDField(d.EventType); field != "" {
		id, _ := doc.(map[string]interface{})[field].(string)
		if norm.NFC.String(strings.TrimSpace(id)) != d.StreamID {
			return Invalid("payload."+field, "%q does not match stream %q", id, d.StreamID)
		}
	}
	if check := r.checks[d.EventType]; check != nil {
		if err := check(d.Payload); err != nil {
			return Invalid("payload", "%s", err.Error())
		}
	}

	canonical, err := canonicalize.Transform(d.Payload)
	if err != nil {
		return Invalid("payload", "%v", err)
	}
	d.Payload = canonical
	return nil
}
