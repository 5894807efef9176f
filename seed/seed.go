// Package seed parses and validates job seeds, the input payload an external
// submitter drops into the pending bucket. Validation happens before a job is
// promoted; a seed that fails here is moved to the rejected bucket and never
// becomes a job.
package seed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// MaxNameLength is the longest accepted display name.
const MaxNameLength = 120

// Seed is a validated job input payload.
type Seed struct {
	Name     string         `json:"name"`
	Data     map[string]any `json:"data"`
	Pipeline string         `json:"pipeline"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Context  map[string]any `json:"context,omitempty"`
}

// RejectReason is the sibling document written next to a rejected seed.
type RejectReason struct {
	JobID     string    `json:"jobId"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "data", "pipeline"],
  "additionalProperties": false,
  "properties": {
    "name":     {"type": "string", "minLength": 1, "maxLength": 120},
    "data":     {"type": "object"},
    "pipeline": {"type": "string", "minLength": 1},
    "metadata": {"type": "object"},
    "context":  {"type": "object"}
  }
}`

var compileSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("loading seed schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("seed.schema.json", doc); err != nil {
		return nil, fmt.Errorf("registering seed schema: %w", err)
	}

	return compiler.Compile("seed.schema.json")
})

// Validate checks data against the seed schema plus the constraints the
// schema cannot express (printable name, pipeline known to the registry).
// knownPipeline reports whether a pipeline slug exists in the registry.
func Validate(data []byte, knownPipeline func(slug string) bool) (*Seed, error) {
	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing seed: %w", err)
	}

	if err := schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("invalid seed: %w", err)
	}

	var s Seed
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing seed: %w", err)
	}

	for _, r := range s.Name {
		if !unicode.IsPrint(r) {
			return nil, fmt.Errorf("invalid seed: name contains non-printable character %q", r)
		}
	}

	if knownPipeline != nil && !knownPipeline(s.Pipeline) {
		return nil, fmt.Errorf("invalid seed: unknown pipeline %q", s.Pipeline)
	}

	return &s, nil
}
