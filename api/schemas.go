package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Request body schemas. Each endpoint validates its payload against the
// compiled schema before decoding into the typed request, so malformed input
// is rejected with a field-level message instead of a zero-value surprise.
const (
	contextWriteSchema = `{
		"type": "object",
		"required": ["session_id", "intent", "data"],
		"properties": {
			"session_id": {"type": "string", "minLength": 1},
			"intent": {"type": "string", "minLength": 1},
			"data": {"type": "object"}
		},
		"additionalProperties": false
	}`

	contextAppendSchema = `{
		"type": "object",
		"required": ["session_id", "source", "output"],
		"properties": {
			"session_id": {"type": "string", "minLength": 1},
			"source": {"type": "string", "minLength": 1},
			"output": {"type": "object"}
		},
		"additionalProperties": false
	}`

	actionProposeSchema = `{
		"type": "object",
		"required": ["session_id", "message_id", "intent", "data"],
		"properties": {
			"session_id": {"type": "string", "minLength": 1},
			"message_id": {"type": "string", "minLength": 1},
			"intent": {"type": "string", "minLength": 1},
			"data": {"type": "object"}
		},
		"additionalProperties": false
	}`

	actionEditSchema = `{
		"type": "object",
		"required": ["session_id", "updates"],
		"properties": {
			"session_id": {"type": "string", "minLength": 1},
			"updates": {"type": "object", "minProperties": 1}
		},
		"additionalProperties": false
	}`

	actionResolveSchema = `{
		"type": "object",
		"required": ["session_id"],
		"properties": {
			"session_id": {"type": "string", "minLength": 1},
			"decision": {"type": "string", "enum": ["approve", "reject"]},
			"message": {"type": "string"}
		},
		"additionalProperties": false
	}`
)

const maxBodyBytes = 1 << 20

var requestSchemas = compileSchemas(map[string]string{
	"context_write.json":  contextWriteSchema,
	"context_append.json": contextAppendSchema,
	"action_propose.json": actionProposeSchema,
	"action_edit.json":    actionEditSchema,
	"action_resolve.json": actionResolveSchema,
})

func compileSchemas(sources map[string]string) map[string]*jsonschema.Schema {
	c := jsonschema.NewCompiler()
	for name, src := range sources {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(src)))
		if err != nil {
			panic(fmt.Sprintf("api: unmarshal schema %s: %v", name, err))
		}
		if err := c.AddResource(name, doc); err != nil {
			panic(fmt.Sprintf("api: add schema %s: %v", name, err))
		}
	}
	compiled := make(map[string]*jsonschema.Schema, len(sources))
	for name := range sources {
		schema, err := c.Compile(name)
		if err != nil {
			panic(fmt.Sprintf("api: compile schema %s: %v", name, err))
		}
		compiled[name] = schema
	}
	return compiled
}

// decodeBody validates the request body against the named schema and decodes
// it into dst. The two-pass read keeps schema validation on the raw document
// so "additionalProperties" and enum violations surface as 400s.
func decodeBody(r *http.Request, schemaName string, dst any) error {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := requestSchemas[schemaName].Validate(doc); err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
