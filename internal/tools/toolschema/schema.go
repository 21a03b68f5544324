// Package toolschema validates tool inputs against their JSON Schemas and
// renders tool catalogs for the planner prompt.
package toolschema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	santhosh "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/moonbotlabs/moonbot/internal/tools"
)

// FieldError locates one validation failure. Path segments are field
// names or array indices from the input root.
type FieldError struct {
	Path    []string `json:"path"`
	Message string   `json:"message"`
}

// Result is the outcome of validating one input.
type Result struct {
	OK bool
	// Validated is the normalized input, present iff OK.
	Validated map[string]any
	// Errors is non-empty iff !OK.
	Errors []FieldError
}

// Validator compiles schemas once and reuses them across invocations.
type Validator struct {
	mu       sync.Mutex
	compiled map[string]*santhosh.Schema
}

// NewValidator creates an empty validator.
func NewValidator() *Validator {
	return &Validator{compiled: make(map[string]*santhosh.Schema)}
}

// Validate checks input against schemaText. The returned error reports a
// broken schema; input failures come back inside the Result. Input passes
// through a JSON round trip so handlers always see decoded-JSON shapes.
func (v *Validator) Validate(toolID, schemaText string, input map[string]any) (Result, error) {
	schema, err := v.compile(toolID, schemaText)
	if err != nil {
		return Result{}, err
	}

	normalized, err := normalizeInput(input)
	if err != nil {
		return Result{}, fmt.Errorf("encode input: %w", err)
	}

	if err := schema.Validate(any(normalized)); err != nil {
		var ve *santhosh.ValidationError
		if errors.As(err, &ve) {
			return Result{Errors: flatten(ve)}, nil
		}
		return Result{Errors: []FieldError{{Message: err.Error()}}}, nil
	}
	return Result{OK: true, Validated: normalized}, nil
}

// compile returns the cached schema for schemaText, compiling on first use.
// The cache keys on the schema text itself so re-registered tools with new
// schemas never hit a stale entry.
func (v *Validator) compile(toolID, schemaText string) (*santhosh.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if s, ok := v.compiled[schemaText]; ok {
		return s, nil
	}
	s, err := santhosh.CompileString("tool_"+toolID, schemaText)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", toolID, err)
	}
	v.compiled[schemaText] = s
	return s, nil
}

func normalizeInput(input map[string]any) (map[string]any, error) {
	if input == nil {
		input = map[string]any{}
	}
	data, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// flatten collects leaf causes of a validation error tree.
func flatten(ve *santhosh.ValidationError) []FieldError {
	if len(ve.Causes) == 0 {
		return []FieldError{{Path: pointerSegments(ve.InstanceLocation), Message: ve.Message}}
	}
	var out []FieldError
	for _, cause := range ve.Causes {
		out = append(out, flatten(cause)...)
	}
	return out
}

// pointerSegments splits a JSON pointer into path segments.
func pointerSegments(pointer string) []string {
	if pointer == "" || pointer == "/" {
		return []string{}
	}
	parts := strings.Split(strings.TrimPrefix(pointer, "/"), "/")
	for i, p := range parts {
		p = strings.ReplaceAll(p, "~1", "/")
		parts[i] = strings.ReplaceAll(p, "~0", "~")
	}
	return parts
}

// Derive builds a JSON Schema document from a Go struct's json and
// jsonschema tags.
func Derive[T any]() (string, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))

	data, err := json.Marshal(schema)
	if err != nil {
		return "", err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return "", err
	}
	delete(m, "$schema")
	delete(m, "$id")

	out, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// MustDerive is Derive for static tool declarations. It panics on schemas
// that fail to build, which can only happen at init time.
func MustDerive[T any]() string {
	s, err := Derive[T]()
	if err != nil {
		panic(err)
	}
	return s
}

// RenderCatalog formats descriptors as the tool section of the planner
// prompt.
func RenderCatalog(descriptors []tools.Descriptor) string {
	var b strings.Builder
	b.WriteString("Available tools:\n")
	for _, d := range descriptors {
		fmt.Fprintf(&b, "- %s: %s", d.ID, d.Description)
		if d.RequiresApproval {
			b.WriteString(" (requires approval)")
		}
		b.WriteByte('\n')
		if d.InputSchema != "" {
			var compact bytes.Buffer
			if err := json.Compact(&compact, []byte(d.InputSchema)); err == nil {
				fmt.Fprintf(&b, "  input: %s\n", compact.String())
			}
		}
	}
	return b.String()
}
