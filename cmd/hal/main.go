// HAL is an interactive command-line agent for software engineering and
// production operations. It talks to a language model and gives it
// tools: a few built in, the rest hosted by MCP servers running as
// child processes.
//
// Usage:
//
//	hal chat               Start an interactive session (default)
//	hal ask <question>     Ask a single question and exit
//	hal tools              List the tools the model would see
//	hal sessions           List stored conversations
//	hal usage              Summarize model token usage
//	hal init [dir]         Write example config.yaml and mcp.yaml
//	hal mcp-fs <root>      Serve the built-in filesystem MCP server on stdio
//	hal version            Print version and build information
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// main builds the OS-level environment and hands off to [run], keeping
// os.Exit and the process's stdio out of the application logic so the
// commands can be driven from tests.
//
// Only SIGTERM is handled here. Commands decide what an interrupt
// means: chat cancels the current turn, the others stop.
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "hal: %s\n", err)
		os.Exit(1)
	}
}

// run executes one hal invocation. It returns nil on success; the
// caller prints any error and sets the exit status.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	root := newRootCmd(&streams{in: stdin, out: stdout, err: stderr})
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}
