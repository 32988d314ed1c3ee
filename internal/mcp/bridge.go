package mcp

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/nugget/hal-agent/internal/tools"
)

// toolPrefix starts every qualified MCP tool name.
const toolPrefix = "mcp__"

// ToolName returns the registry name for a server's tool:
// mcp__<server>__<tool>. Server names never contain a double
// underscore, so the first one after the server splits the name
// unambiguously even when the tool name contains one.
func ToolName(server, tool string) string {
	return toolPrefix + server + "__" + tool
}

// ParseToolName splits a qualified name back into server and tool.
func ParseToolName(name string) (server, tool string, ok bool) {
	rest, found := strings.CutPrefix(name, toolPrefix)
	if !found {
		return "", "", false
	}
	server, tool, found = strings.Cut(rest, "__")
	if !found || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}

// Target is the invocation target of a bridged MCP tool: the session
// that hosts it and the tool's name on that server.
type Target struct {
	Session *Session
	RawName string
}

// Invoke implements tools.Invoker.
func (t *Target) Invoke(ctx context.Context, args map[string]any) tools.Result {
	return t.Session.Invoke(ctx, t.RawName, args)
}

// bridgeTools registers every tool of a Ready session that passes the
// include/exclude filters. A name collision skips that one tool; the
// rest are still registered. It returns the number registered.
func bridgeTools(s *Session, registry *tools.Registry, logger *slog.Logger) int {
	includeSet := toSet(s.spec.IncludeTools)
	excludeSet := toSet(s.spec.ExcludeTools)

	count := 0
	for _, td := range s.Tools() {
		if len(includeSet) > 0 {
			if !includeSet[td.Name] {
				continue
			}
		} else if excludeSet[td.Name] {
			continue
		}

		name := ToolName(s.Name(), td.Name)
		err := registry.Register(&tools.Tool{
			Name:        name,
			Description: td.Description,
			Parameters:  normalizeSchema(td.InputSchema),
			Target:      &Target{Session: s, RawName: td.Name},
		})
		if err != nil {
			var dup *tools.DuplicateToolError
			if errors.As(err, &dup) {
				logger.Warn("skipping duplicate MCP tool", "tool", name, "server", s.Name())
				continue
			}
			logger.Warn("failed to register MCP tool", "tool", name, "server", s.Name(), "error", err)
			continue
		}
		count++

		logger.Debug("bridged MCP tool",
			"mcp_name", td.Name,
			"tool", name,
			"server", s.Name(),
		)
	}
	return count
}

// normalizeSchema makes sure the schema handed to the model is an
// object schema even when a server omits it.
func normalizeSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	if _, ok := schema["type"]; !ok {
		schema["type"] = "object"
	}
	return schema
}

// toSet converts a string slice to a set for O(1) lookups.
func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
