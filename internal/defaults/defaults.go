// Package defaults provides the example configuration files written by
// hal init.
package defaults

import _ "embed"

// ConfigYAML is an annotated config.yaml.
//
//go:embed config.example.yaml
var ConfigYAML []byte

// MCPYAML is an example server list.
//
//go:embed mcp.example.yaml
var MCPYAML []byte
