package tools

import "fmt"

// UnknownToolError is returned by Resolve when no tool is registered
// under the requested name. The agent reports it to the model as a
// failed tool result rather than ending the run.
type UnknownToolError struct {
	ToolName string
}

// Error implements the error interface.
func (e *UnknownToolError) Error() string {
	return "unknown tool: " + e.ToolName
}

// DuplicateToolError is returned by Register when the name is taken.
type DuplicateToolError struct {
	ToolName string
}

// Error implements the error interface.
func (e *DuplicateToolError) Error() string {
	return fmt.Sprintf("tool %q is already registered", e.ToolName)
}
