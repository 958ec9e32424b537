package gateway

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Command payloads are validated against JSON Schemas before dispatch, so
// handlers never see structurally bad input. message.send is the only
// command with required payload fields today.
const messageSendSchema = `{
	"type": "object",
	"required": ["sessionId", "message"],
	"properties": {
		"sessionId": {"type": "string", "minLength": 1},
		"message": {"type": "string", "minLength": 1}
	}
}`

// commandSchemas maps command names to their compiled payload schemas. A
// missing entry means any payload (including none) is accepted.
func compileCommandSchemas() (map[string]*jsonschema.Schema, error) {
	raw := map[string]string{
		cmdMessageSend: messageSendSchema,
	}
	c := jsonschema.NewCompiler()
	for name, src := range raw {
		// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
		// validator requires.
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("gateway: unmarshal %s schema: %w", name, err)
		}
		if err := c.AddResource(name+".json", doc); err != nil {
			return nil, fmt.Errorf("gateway: add %s schema: %w", name, err)
		}
	}
	out := make(map[string]*jsonschema.Schema, len(raw))
	for name := range raw {
		schema, err := c.Compile(name + ".json")
		if err != nil {
			return nil, fmt.Errorf("gateway: compile %s schema: %w", name, err)
		}
		out[name] = schema
	}
	return out, nil
}

// validatePayload checks a raw command payload against the command's schema,
// if it has one. Returns the decoded payload for handler use.
func (s *Server) validatePayload(name string, raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if schema, ok := s.schemas[name]; ok {
		if err := schema.Validate(doc); err != nil {
			return nil, fmt.Errorf("payload schema mismatch: %w", err)
		}
	}
	payload, _ := doc.(map[string]any)
	if payload == nil {
		payload = map[string]any{}
	}
	return payload, nil
}
