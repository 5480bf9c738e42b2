package planner

import (
	"encoding/json"

	"deepresearch/chatmodel"
)

var planningToolOrder = []string{
	"create_plan", "add_phase", "add_step", "modify_step", "remove_step",
	"skip_phase", "insert_phase_after", "get_plan_status", "get_phase_results", "finalize_plan",
}

var planningToolDescriptions = map[string]string{
	"create_plan":        "Initialize a new, empty research plan for the given query.",
	"add_phase":          "Append a named phase to the current plan.",
	"add_step":           "Add a tool-invoking step to a phase.",
	"modify_step":        "Apply a shallow field overwrite to an existing step.",
	"remove_step":        "Remove a step from its phase.",
	"skip_phase":         "Mark a phase as skipped.",
	"insert_phase_after": "Splice a new phase in immediately after an existing one.",
	"get_plan_status":    "Read-only: return the current plan's phase/step structure and statuses.",
	"get_phase_results":  "Read-only: return the recorded step results for a completed phase.",
	"finalize_plan":      "Finish planning. Validates every phase has at least one step.",
}

var recoveryToolOrder = []string{"retry_step", "skip_step", "replace_step", "abort_plan"}

var recoveryToolDescriptions = map[string]string{
	"retry_step":   "Retry a failed step, optionally with a modified config.",
	"skip_step":    "Skip a failed step and continue the plan.",
	"replace_step": "Replace a failed step with an alternative tool invocation.",
	"abort_plan":   "Abort the plan entirely.",
}

func buildCatalog(names []string, descriptions map[string]string) []chatmodel.ToolSpec {
	out := make([]chatmodel.ToolSpec, 0, len(names))
	for _, name := range names {
		schemaDoc := rawSchemaDocs[name]
		schemaJSON, _ := json.Marshal(schemaDoc)
		out = append(out, chatmodel.ToolSpec{
			Name:        name,
			Description: descriptions[name],
			Schema:      schemaJSON,
		})
	}
	return out
}

// planningCatalog returns the closed planning tool-call catalog.
func planningCatalog() []chatmodel.ToolSpec {
	return buildCatalog(planningToolOrder, planningToolDescriptions)
}

// recoveryCatalog returns the closed recovery tool-call catalog.
func recoveryCatalog() []chatmodel.ToolSpec {
	return buildCatalog(recoveryToolOrder, recoveryToolDescriptions)
}
