package mcp

import (
	"testing"
)

func TestToolName(t *testing.T) {
	tests := []struct {
		server string
		tool   string
		want   string
	}{
		{"fs", "read_file", "mcp__fs__read_file"},
		{"home-assistant", "get_entities", "mcp__home-assistant__get_entities"},
		{"git", "log__oneline", "mcp__git__log__oneline"},
	}

	for _, tt := range tests {
		t.Run(tt.server+"/"+tt.tool, func(t *testing.T) {
			got := ToolName(tt.server, tt.tool)
			if got != tt.want {
				t.Errorf("ToolName(%q, %q) = %q, want %q", tt.server, tt.tool, got, tt.want)
			}

			server, tool, ok := ParseToolName(got)
			if !ok || server != tt.server || tool != tt.tool {
				t.Errorf("ParseToolName(%q) = %q, %q, %v; want %q, %q, true", got, server, tool, ok, tt.server, tt.tool)
			}
		})
	}
}

func TestParseToolName_Rejects(t *testing.T) {
	for _, name := range []string{
		"read_file",
		"mcp_fs_read_file",
		"mcp__fs",
		"mcp____read_file",
		"mcp__fs__",
	} {
		if s, tool, ok := ParseToolName(name); ok {
			t.Errorf("ParseToolName(%q) = %q, %q, true; want not ok", name, s, tool)
		}
	}
}

func TestNormalizeSchema(t *testing.T) {
	got := normalizeSchema(nil)
	if got["type"] != "object" {
		t.Errorf("nil schema type = %v, want object", got["type"])
	}

	got = normalizeSchema(map[string]any{"properties": map[string]any{}})
	if got["type"] != "object" {
		t.Errorf("typeless schema type = %v, want object", got["type"])
	}

	got = normalizeSchema(map[string]any{"type": "object", "required": []string{"x"}})
	if _, ok := got["required"]; !ok {
		t.Error("normalizeSchema dropped required")
	}
}

func TestToSet(t *testing.T) {
	if toSet(nil) != nil {
		t.Error("toSet(nil) should be nil")
	}
	s := toSet([]string{"a", "b"})
	if !s["a"] || !s["b"] || s["c"] {
		t.Errorf("toSet = %v", s)
	}
}
