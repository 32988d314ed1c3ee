package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/hal-agent/internal/buildinfo"
)

// ProtocolVersion is the MCP protocol version we advertise during initialization.
const ProtocolVersion = "2024-11-05"

// ToolDefinition is an MCP tool as returned by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ContentBlock is a single content item in a tools/call response.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// CallToolResult is the result payload of a tools/call response.
type CallToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Text flattens the content blocks into one string.
func (r *CallToolResult) Text() string {
	return extractText(r.Content)
}

type toolsListResult struct {
	Tools      []ToolDefinition `json:"tools"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type serverCapabilities struct {
	Tools *struct {
		ListChanged bool `json:"listChanged,omitempty"`
	} `json:"tools,omitempty"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      serverInfo         `json:"serverInfo"`
	Capabilities    serverCapabilities `json:"capabilities"`
}

// Conn is the request/response channel a [Client] speaks MCP over.
// [RPCClient] is the production implementation.
type Conn interface {
	Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
	Notify(ctx context.Context, method string, params any) error
}

// Client provides typed access to the MCP operations of a single
// server (initialize, tools/list, tools/call, ping).
type Client struct {
	name    string
	conn    Conn
	logger  *slog.Logger
	timeout time.Duration

	mu         sync.RWMutex
	serverName string
	serverVer  string
	protoVer   string
	tools      []ToolDefinition
}

// NewClient creates an MCP client for the named server. Every request
// is bounded by timeout; zero means only the caller's context applies.
func NewClient(name string, conn Conn, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		name:    name,
		conn:    conn,
		logger:  logger.With("mcp_server", name),
		timeout: timeout,
	}
}

// Name returns the configured server name.
func (c *Client) Name() string {
	return c.name
}

// ServerInfo returns the name and version the server reported during
// initialization.
func (c *Client) ServerInfo() (name, version string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverName, c.serverVer
}

// Initialize performs the MCP handshake: sends an initialize request
// and then the notifications/initialized notification.
func (c *Client) Initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "hal",
			"version": buildinfo.Version,
		},
	}

	raw, err := c.conn.Call(ctx, "initialize", params, c.timeout)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("unmarshal initialize result: %w", err)
	}

	c.mu.Lock()
	c.serverName = result.ServerInfo.Name
	c.serverVer = result.ServerInfo.Version
	c.protoVer = result.ProtocolVersion
	c.mu.Unlock()

	if result.ProtocolVersion != "" && result.ProtocolVersion != ProtocolVersion {
		c.logger.Debug("MCP server negotiated a different protocol version",
			"requested", ProtocolVersion,
			"negotiated", result.ProtocolVersion,
		)
	}

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)

	if err := c.conn.Notify(ctx, "notifications/initialized", nil); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}
	return nil
}

// ListTools calls tools/list, following nextCursor until the server
// reports no more pages. The result is cached until Refresh.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	c.mu.RLock()
	if c.tools != nil {
		defer c.mu.RUnlock()
		return c.tools, nil
	}
	c.mu.RUnlock()

	tools := []ToolDefinition{}
	seen := make(map[string]bool)
	cursor := ""
	for {
		var params any = map[string]any{}
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}

		raw, err := c.conn.Call(ctx, "tools/list", params, c.timeout)
		if err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}

		var page toolsListResult
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("unmarshal tools/list result: %w", err)
		}
		tools = append(tools, page.Tools...)

		if page.NextCursor == "" || seen[page.NextCursor] {
			break
		}
		seen[page.NextCursor] = true
		cursor = page.NextCursor
	}

	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()

	c.logger.Info("discovered MCP tools", "count", len(tools))
	return tools, nil
}

// Refresh drops the cached tool list so the next ListTools asks the
// server again.
func (c *Client) Refresh() {
	c.mu.Lock()
	c.tools = nil
	c.mu.Unlock()
}

// CallTool invokes a tool by its server-side name. A result with
// IsError set is returned without error; transport and protocol
// failures are returned as errors.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	raw, err := c.conn.Call(ctx, "tools/call", params, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}

	var result CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/call result: %w", err)
	}
	return &result, nil
}

// Ping checks whether the MCP server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.conn.Call(ctx, "ping", map[string]any{}, c.timeout)
	return err
}

// extractText joins all text content blocks into a single string.
// Non-text blocks are represented as inline markers.
func extractText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image":
			parts = append(parts, "[image]")
		case "resource":
			parts = append(parts, "[resource]")
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}
