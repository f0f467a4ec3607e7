package insight

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaVersion keys persisted analyses. Bump it when the payload shape
// changes; every entry then fails the staleness filter and gets re-analyzed
// under the new version.
const SchemaVersion = "v1"

// Payload is the structured insight the model is asked to produce.
type Payload struct {
	Summary                string      `json:"summary"`
	Mood                   string      `json:"mood"`
	Tags                   []string    `json:"tags"`
	TimeBlocks             []TimeBlock `json:"timeBlocks"`
	ActionItems            []string    `json:"actionItems"`
	IntegrationSuggestions []string    `json:"integrationSuggestions"`
}

type TimeBlock struct {
	Label     string `json:"label"`
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
}

// payloadSchemaJSON is sent to the providers as the response constraint and
// compiled locally to validate what comes back. It stays inside the keyword
// subset both uses accept.
const payloadSchemaJSON = `{
	"type": "object",
	"properties": {
		"summary": {"type": "string"},
		"mood": {"type": "string"},
		"tags": {"type": "array", "items": {"type": "string"}},
		"timeBlocks": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"label": {"type": "string"},
					"startTime": {"type": "string"},
					"endTime": {"type": "string"}
				},
				"required": ["label"]
			}
		},
		"actionItems": {"type": "array", "items": {"type": "string"}},
		"integrationSuggestions": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["summary", "mood"]
}`

// PayloadSchema returns the raw schema document for embedding in provider
// requests.
func PayloadSchema() json.RawMessage {
	return json.RawMessage(payloadSchemaJSON)
}

func compilePayloadSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(payloadSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal payload schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("insight-payload.json", doc); err != nil {
		return nil, fmt.Errorf("register payload schema: %w", err)
	}
	schema, err := compiler.Compile("insight-payload.json")
	if err != nil {
		return nil, fmt.Errorf("compile payload schema: %w", err)
	}
	return schema, nil
}

func validatePayload(schema *jsonschema.Schema, raw json.RawMessage) error {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("validate payload: %w", err)
	}
	return nil
}
