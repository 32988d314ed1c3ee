package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/nugget/hal-agent/internal/buildinfo"
	"github.com/nugget/hal-agent/internal/config"
	"github.com/nugget/hal-agent/internal/fsserver"
)

// streams carries the process's stdio so commands never touch the os
// package's globals directly.
type streams struct {
	in  io.Reader
	out io.Writer
	err io.Writer
}

// globalFlags are the persistent flags shared by every command that
// loads configuration.
type globalFlags struct {
	configPath string
	mcpConfig  string
	model      string
	provider   string
	maxTurns   int
	logLevel   string
}

func newRootCmd(s *streams) *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "hal",
		Short: "Interactive agent for software engineering and operations",
		Long: `HAL is an interactive command-line agent. It sends your requests to a
language model and lets the model use tools: built-in file and shell
tools, plus any tools offered by the MCP servers listed in mcp.yaml.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd, s, flags, chatOptions{showThinking: true})
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "path to config.yaml (default: auto-discover)")
	pf.StringVar(&flags.mcpConfig, "mcp-config", "", "path to the MCP server list (default: mcp.yaml, mcp.json, or mcp.toml)")
	pf.StringVarP(&flags.model, "model", "m", "", "model name, optionally prefixed with a provider (openai/gpt-4o)")
	pf.StringVar(&flags.provider, "provider", "", "model provider: anthropic or openai")
	pf.IntVar(&flags.maxTurns, "max-turns", 0, "maximum model calls per request")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")

	root.AddCommand(
		newChatCmd(s, flags),
		newAskCmd(s, flags),
		newToolsCmd(s, flags),
		newSessionsCmd(s, flags),
		newUsageCmd(s, flags),
		newInitCmd(s),
		newMCPFSCmd(s),
		newVersionCmd(s),
	)
	return root
}

func newMCPFSCmd(s *streams) *cobra.Command {
	return &cobra.Command{
		Use:    "mcp-fs <root>",
		Short:  "Serve the built-in filesystem MCP server on stdio",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// The parent reads our stderr for diagnostics, so keep it quiet.
			logger, closer, err := config.NewLogger(s.err, config.LogOptions{Level: "warn"})
			if err != nil {
				return err
			}
			defer closer.Close()

			srv, err := fsserver.New(args[0], logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			in, ok := s.in.(io.ReadCloser)
			if !ok {
				in = io.NopCloser(s.in)
			}
			return srv.Serve(ctx, in, nopWriteCloser{s.out})
		},
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func newVersionCmd(s *streams) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			info := buildinfo.Info()
			if asJSON {
				enc := json.NewEncoder(s.out)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			fmt.Fprintln(s.out, buildinfo.String())
			for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
				fmt.Fprintf(s.out, "  %-12s %s\n", k+":", info[k])
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}
