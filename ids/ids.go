// Package ids generates the opaque, globally unique identifiers used
// throughout the orchestration kernel for sessions, plans, phases, steps,
// sub-queries, and log entries.
package ids

import (
	"fmt"

	"github.com/google/uuid"
)

// New returns a globally unique identifier prefixed for observability, in the
// form "<prefix>-<uuid>". Every identifier minted by the kernel (plan, phase,
// step, sub-query, log entry, session) goes through this helper so traces and
// logs can be told apart at a glance.
func New(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

// Session mints a new session identifier.
func Session() string { return New("sess") }

// Plan mints a new plan identifier.
func Plan() string { return New("plan") }

// Phase mints a new phase identifier.
func Phase() string { return New("phase") }

// Step mints a new step identifier.
func Step() string { return New("step") }

// SubQuery mints a new sub-query identifier.
func SubQuery() string { return New("sq") }

// LogEntry mints a new log entry identifier.
func LogEntry() string { return New("log") }

// ToolCall mints a new tool-call identifier for chat transcripts.
func ToolCall() string { return New("call") }
