// Package fsserver is the built-in filesystem MCP server. HAL starts it
// as a child process (hal mcp-fs <root>) when no server list is
// configured, so the agent always has a workspace to read and write.
package fsserver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nugget/hal-agent/internal/buildinfo"
	"github.com/nugget/hal-agent/internal/tools"
)

// ServerName is reported to clients during initialization.
const ServerName = "hal-fs"

// ReadFileInput is the read_file argument object.
type ReadFileInput struct {
	Path   string `json:"path" jsonschema:"path of the file to read, relative to the workspace root"`
	Offset int    `json:"offset,omitempty" jsonschema:"first line to return (1-based)"`
	Limit  int    `json:"limit,omitempty" jsonschema:"maximum number of lines to return"`
}

// WriteFileInput is the write_file argument object.
type WriteFileInput struct {
	Path    string `json:"path" jsonschema:"path of the file to write"`
	Content string `json:"content" jsonschema:"full new content of the file"`
}

// EditFileInput is the edit_file argument object.
type EditFileInput struct {
	Path    string `json:"path" jsonschema:"path of the file to edit"`
	OldText string `json:"old_text" jsonschema:"exact text to replace; must occur exactly once"`
	NewText string `json:"new_text" jsonschema:"replacement text"`
}

// ListDirectoryInput is the list_directory argument object.
type ListDirectoryInput struct {
	Path string `json:"path,omitempty" jsonschema:"directory to list; defaults to the workspace root"`
}

// Server serves file tools confined to one root directory.
type Server struct {
	files  *tools.FileTools
	server *mcp.Server
	logger *slog.Logger
}

// New creates a server rooted at root, creating the directory if needed.
func New(root string, logger *slog.Logger) (*Server, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		files:  tools.NewFileTools(root),
		logger: logger.With("root", root),
	}
	s.server = mcp.NewServer(&mcp.Implementation{
		Name:    ServerName,
		Title:   "HAL workspace files",
		Version: buildinfo.Version,
	}, nil)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "read_file",
		Description: "Read a text file from the workspace. Use offset and limit to page through large files.",
	}, s.readFile)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "write_file",
		Description: "Create or overwrite a file in the workspace. Parent directories are created as needed.",
	}, s.writeFile)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "edit_file",
		Description: "Replace one exact occurrence of old_text with new_text in a workspace file.",
	}, s.editFile)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_directory",
		Description: "List a workspace directory. Subdirectories end with a slash.",
	}, s.listDirectory)

	return s, nil
}

// Run serves on the process's stdin and stdout until the client closes
// stdin or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.Serve(ctx, os.Stdin, os.Stdout)
}

// Serve serves on an arbitrary stream pair.
func (s *Server) Serve(ctx context.Context, r io.ReadCloser, w io.WriteCloser) error {
	s.logger.Info("filesystem server started")
	err := s.server.Run(ctx, &mcp.IOTransport{Reader: r, Writer: w})
	s.logger.Info("filesystem server stopped", "error", err)
	return err
}

func (s *Server) readFile(ctx context.Context, _ *mcp.CallToolRequest, in ReadFileInput) (*mcp.CallToolResult, any, error) {
	content, err := s.files.Read(ctx, in.Path, in.Offset, in.Limit)
	return s.result("read_file", content, err), nil, nil
}

func (s *Server) writeFile(ctx context.Context, _ *mcp.CallToolRequest, in WriteFileInput) (*mcp.CallToolResult, any, error) {
	err := s.files.Write(ctx, in.Path, in.Content)
	return s.result("write_file", fmt.Sprintf("wrote %d bytes to %s", len(in.Content), in.Path), err), nil, nil
}

func (s *Server) editFile(ctx context.Context, _ *mcp.CallToolRequest, in EditFileInput) (*mcp.CallToolResult, any, error) {
	err := s.files.Edit(ctx, in.Path, in.OldText, in.NewText)
	return s.result("edit_file", "edited "+in.Path, err), nil, nil
}

func (s *Server) listDirectory(ctx context.Context, _ *mcp.CallToolRequest, in ListDirectoryInput) (*mcp.CallToolResult, any, error) {
	entries, err := s.files.List(ctx, in.Path)
	return s.result("list_directory", strings.Join(entries, "\n"), err), nil, nil
}

// result turns a file operation's outcome into tool content. Failures
// are tool errors the model can read, not protocol errors.
func (s *Server) result(tool, text string, err error) *mcp.CallToolResult {
	if err != nil {
		s.logger.Debug("tool failed", "tool", tool, "error", err)
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
			IsError: true,
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}
