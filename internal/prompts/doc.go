// Package prompts holds the prompt text HAL sends to models.
//
// Prompts are Go code rather than config files: the defaults ship with
// the binary and are covered by tests. Operators can replace the system
// prompt through agent.system_prompt in config.yaml; the replacement is
// rendered with the same template data and functions as the default.
package prompts
