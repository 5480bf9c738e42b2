package planner

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// rawSchemaDocs holds the JSON Schema parameters for every planning and
// recovery tool-call as plain Go values, both compiled into toolSchemas
// below and marshaled into the chatmodel.ToolSpec catalog surfaced to the
// model.
var rawSchemaDocs = map[string]map[string]any{
	"create_plan": {
		"type":                 "object",
		"required":             []string{"query"},
		"additionalProperties": true,
		"properties": map[string]any{
			"query": map[string]any{"type": "string"},
			"name":  map[string]any{"type": "string"},
		},
	},
	"add_phase": {
		"type":     "object",
		"required": []string{"name"},
		"properties": map[string]any{
			"name":             map[string]any{"type": "string"},
			"description":      map[string]any{"type": "string"},
			"replanCheckpoint": map[string]any{"type": "boolean"},
		},
	},
	"add_step": {
		"type":     "object",
		"required": []string{"phaseId", "toolName"},
		"properties": map[string]any{
			"phaseId":  map[string]any{"type": "string"},
			"type":     map[string]any{"type": "string"},
			"toolName": map[string]any{"type": "string"},
			"config":   map[string]any{"type": "object"},
			"dependsOn": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		},
	},
	"modify_step": {
		"type":     "object",
		"required": []string{"stepId", "changes"},
		"properties": map[string]any{
			"stepId":  map[string]any{"type": "string"},
			"changes": map[string]any{"type": "object"},
		},
	},
	"remove_step": {
		"type":     "object",
		"required": []string{"stepId"},
		"properties": map[string]any{
			"stepId": map[string]any{"type": "string"},
			"reason": map[string]any{"type": "string"},
		},
	},
	"skip_phase": {
		"type":     "object",
		"required": []string{"phaseId"},
		"properties": map[string]any{
			"phaseId": map[string]any{"type": "string"},
			"reason":  map[string]any{"type": "string"},
		},
	},
	"insert_phase_after": {
		"type":     "object",
		"required": []string{"afterPhaseId", "name"},
		"properties": map[string]any{
			"afterPhaseId":     map[string]any{"type": "string"},
			"name":             map[string]any{"type": "string"},
			"description":      map[string]any{"type": "string"},
			"replanCheckpoint": map[string]any{"type": "boolean"},
		},
	},
	"get_plan_status": {"type": "object"},
	"get_phase_results": {
		"type":     "object",
		"required": []string{"phaseId"},
		"properties": map[string]any{
			"phaseId": map[string]any{"type": "string"},
		},
	},
	"finalize_plan": {"type": "object"},

	"retry_step": {
		"type":     "object",
		"required": []string{"stepId", "reason"},
		"properties": map[string]any{
			"stepId":        map[string]any{"type": "string"},
			"reason":        map[string]any{"type": "string"},
			"modifiedConfig": map[string]any{"type": "object"},
		},
	},
	"skip_step": {
		"type":     "object",
		"required": []string{"stepId", "reason"},
		"properties": map[string]any{
			"stepId": map[string]any{"type": "string"},
			"reason": map[string]any{"type": "string"},
		},
	},
	"replace_step": {
		"type":     "object",
		"required": []string{"stepId", "alternativeToolName", "reason"},
		"properties": map[string]any{
			"stepId":              map[string]any{"type": "string"},
			"alternativeToolName": map[string]any{"type": "string"},
			"alternativeConfig":   map[string]any{"type": "object"},
			"reason":              map[string]any{"type": "string"},
		},
	},
	"abort_plan": {
		"type":     "object",
		"required": []string{"reason"},
		"properties": map[string]any{
			"reason": map[string]any{"type": "string"},
		},
	},
}

// toolSchemas compiles rawSchemaDocs exactly once at package init, matching
// the compile-then-validate pattern the code-generated golden tests use.
var toolSchemas = mustCompileAll(rawSchemaDocs)

func mustCompileAll(raw map[string]map[string]any) map[string]*jsonschema.Schema {
	out := make(map[string]*jsonschema.Schema, len(raw))
	for name, doc := range raw {
		c := jsonschema.NewCompiler()
		resource := name + ".json"
		if err := c.AddResource(resource, doc); err != nil {
			panic(fmt.Sprintf("planner: add schema resource %q: %v", name, err))
		}
		schema, err := c.Compile(resource)
		if err != nil {
			panic(fmt.Sprintf("planner: compile schema %q: %v", name, err))
		}
		out[name] = schema
	}
	return out
}

// validateArguments decodes raw tool-call arguments as JSON and validates
// them against the tool's compiled schema.
func validateArguments(toolName string, raw json.RawMessage) (map[string]any, error) {
	schema, ok := toolSchemas[toolName]
	if !ok {
		return nil, fmt.Errorf("planner: no schema registered for tool %q", toolName)
	}
	var args any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("planner: invalid JSON arguments for %q: %w", toolName, err)
	}
	if err := schema.Validate(args); err != nil {
		return nil, fmt.Errorf("planner: schema violation for %q: %w", toolName, err)
	}
	m, _ := args.(map[string]any)
	return m, nil
}
