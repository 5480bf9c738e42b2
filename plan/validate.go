package plan

import "fmt"

// ConfigValidator checks a Step's config map for a specific tool before the
// Step is allowed to be added to a Plan. Implementations are pure functions:
// no mutation, no side effects, just an accept/reject decision plus a reason.
// One small function per tool, invoked before mutation rather than inlined
// into the add_step handler.
type ConfigValidator func(config map[string]any) error

// ConfigValidators is the registry of known per-tool validators, keyed by
// tool name. Tools with no registered validator only undergo the generic
// "config must be non-empty" check performed by the caller.
var ConfigValidators = map[string]ConfigValidator{
	"tavily_search": requireNonEmptyString("query"),
	"web_search":    requireNonEmptyString("query"),
	"web_fetch":     requireNonEmptyString("url"),
	"synthesize":    requireNonEmptyString("prompt"),
}

func requireNonEmptyString(field string) ConfigValidator {
	return func(config map[string]any) error {
		v, ok := config[field]
		if !ok {
			return fmt.Errorf("config.%s is required", field)
		}
		s, ok := v.(string)
		if !ok || s == "" {
			return fmt.Errorf("config.%s must be a non-empty string", field)
		}
		return nil
	}
}

// ValidateStepConfig applies the generic non-empty check plus any
// tool-specific validator registered for toolName.
func ValidateStepConfig(toolName string, config map[string]any) error {
	if len(config) == 0 {
		return fmt.Errorf("config must not be empty")
	}
	if v, ok := ConfigValidators[toolName]; ok {
		return v(config)
	}
	return nil
}
