// Package mcp implements the client side of MCP (Model Context
// Protocol) over subprocess stdio, so HAL can use tools hosted by
// external MCP servers.
//
// Each configured server runs as a long-lived child process speaking
// JSON-RPC 2.0 on its stdin and stdout, framed as newline-delimited
// JSON or with Content-Length headers. A [Session] owns one such
// process and moves through Starting, Ready, and then Stopped or
// Failed. [Build] starts every configured server concurrently and
// registers the tools of those that come up in a [tools.Registry]
// under qualified names of the form mcp__<server>__<tool>.
//
// Only tools are supported; resources, prompts and sampling are not.
package mcp
