package call

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/google/jsonschema-go/jsonschema"
)

// SchemaFor derives and resolves a JSON schema from a Go type. Fields without
// an omitempty tag are required. Stage output schemas are built once at
// pipeline construction and reused for every call.
func SchemaFor[T any]() (*jsonschema.Resolved, error) {
	s, err := jsonschema.For[T](nil)
	if err != nil {
		return nil, fmt.Errorf("call: derive schema: %w", err)
	}
	resolved, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("call: resolve schema: %w", err)
	}
	return resolved, nil
}

var (
	reFence = regexp.MustCompile("(?is)```(?:json)?\\s*([\\s\\S]*?)```")
	reObj   = regexp.MustCompile(`(?s)\{.*\}`)
)

// extractJSON strips markdown fences the model sometimes wraps around its
// output and falls back to the first {...} region. Returns input unchanged
// when no better candidate is found.
func extractJSON(raw []byte) []byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return trimmed
	}
	if m := reFence.FindSubmatch(trimmed); m != nil {
		return bytes.TrimSpace(m[1])
	}
	if m := reObj.Find(trimmed); m != nil {
		return m
	}
	return trimmed
}

// validate checks raw against the resolved schema and returns the cleaned
// payload that passed validation.
func validate(schema *jsonschema.Resolved, raw json.RawMessage) (json.RawMessage, error) {
	payload := extractJSON(raw)
	var instance any
	if err := json.Unmarshal(payload, &instance); err != nil {
		return nil, fmt.Errorf("call: response is not valid JSON: %w", err)
	}
	if schema != nil {
		if err := schema.Validate(instance); err != nil {
			return nil, fmt.Errorf("call: response failed schema validation: %w", err)
		}
	}
	return json.RawMessage(payload), nil
}
