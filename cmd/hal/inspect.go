package main

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/hal-agent/internal/llm"
	"github.com/nugget/hal-agent/internal/mcp"
	"github.com/nugget/hal-agent/internal/usage"
)

func newToolsCmd(s *streams, flags *globalFlags) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Start the configured MCP servers and list every tool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, s, flags, appNeeds{tools: true})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SERVER\tSTATE\tTOOLS\tDETAIL")
			for _, sess := range a.sessions {
				detail := ""
				if name, version := sess.ServerInfo(); name != "" {
					detail = strings.TrimSpace(name + " " + version)
				}
				if err := sess.Err(); err != nil {
					detail = firstLine(err.Error())
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", sess.Name(), sess.State(), len(sess.Tools()), detail)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintln(s.out)

			for _, t := range a.registry.List() {
				source := "local"
				if server, _, ok := mcp.ParseToolName(t.Name); ok {
					source = server
				}
				fmt.Fprintf(s.out, "%s  [%s]\n", t.Name, source)
				if verbose && t.Description != "" {
					fmt.Fprintln(s.out, indent(t.Description, "    "))
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "include tool descriptions")
	return cmd
}

func newSessionsCmd(s *streams, flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List stored conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, s, flags, appNeeds{store: true})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			convs, err := a.store.ListConversations()
			if err != nil {
				return err
			}
			if len(convs) == 0 {
				fmt.Fprintln(s.out, "No conversations yet.")
				return nil
			}
			tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tUPDATED\tMESSAGES")
			for _, c := range convs {
				fmt.Fprintf(tw, "%s\t%s\t%d\n", c.ID, c.UpdatedAt.Local().Format(time.DateTime), c.MessageCount)
			}
			return tw.Flush()
		},
	}
	cmd.AddCommand(newSessionShowCmd(s, flags))
	return cmd
}

func newSessionShowCmd(s *streams, flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a stored conversation and its tool calls",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, s, flags, appNeeds{store: true})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			msgs, err := a.store.GetMessages(args[0])
			if err != nil {
				return err
			}
			if len(msgs) == 0 {
				return fmt.Errorf("conversation %s not found", args[0])
			}
			calls, err := a.store.GetToolCalls(args[0])
			if err != nil {
				return err
			}
			writeTranscript(s.out, msgs)
			if len(calls) > 0 {
				fmt.Fprintf(s.out, "\n%d tool calls:\n", len(calls))
				for _, c := range calls {
					mark := "✅"
					if c.Error != "" {
						mark = "❌"
					}
					fmt.Fprintf(s.out, "  %s %s %dms %s\n", mark, c.ToolName, c.DurationMs, c.Arguments)
				}
			}
			return nil
		},
	}
}

func newUsageCmd(s *streams, flags *globalFlags) *cobra.Command {
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Summarize model token usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, s, flags, appNeeds{store: true})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if a.ledger == nil {
				return errors.New("usage is only recorded when data_dir is set")
			}
			end := time.Now()
			start := end.Add(-since)

			total, err := a.ledger.Summary(start, end)
			if err != nil {
				return err
			}
			fmt.Fprintf(s.out, "Last %s: %d model calls, %d input + %d output = %d tokens\n",
				since, total.Calls, total.InputTokens, total.OutputTokens, total.Total())
			if total.Calls == 0 {
				return nil
			}

			byModel, err := a.ledger.SummaryByModel(start, end)
			if err != nil {
				return err
			}
			byConv, err := a.ledger.SummaryByConversation(start, end)
			if err != nil {
				return err
			}
			fmt.Fprintln(s.out)
			if err := writeUsageTable(s.out, "MODEL", byModel); err != nil {
				return err
			}
			fmt.Fprintln(s.out)
			return writeUsageTable(s.out, "CONVERSATION", byConv)
		},
	}
	cmd.Flags().DurationVar(&since, "since", 30*24*time.Hour, "report usage within this window")
	return cmd
}

// writeUsageTable prints groups largest first.
func writeUsageTable(w io.Writer, label string, groups map[string]*usage.Summary) error {
	keys := slices.SortedFunc(maps.Keys(groups), func(a, b string) int {
		if d := cmp.Compare(groups[b].Total(), groups[a].Total()); d != 0 {
			return d
		}
		return strings.Compare(a, b)
	})
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "%s\tCALLS\tINPUT\tOUTPUT\n", label)
	for _, k := range keys {
		g := groups[k]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", k, g.Calls, g.InputTokens, g.OutputTokens)
	}
	return tw.Flush()
}

// writeTranscript prints messages in a compact, readable form.
func writeTranscript(w io.Writer, msgs []llm.Message) {
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleUser:
			fmt.Fprintf(w, "%s%s\n", promptString, m.Content)
		case llm.RoleAssistant:
			if m.Content != "" {
				fmt.Fprintf(w, "🤖 %s\n", m.Content)
			}
			for _, tc := range m.ToolCalls {
				fmt.Fprintf(w, "   → %s\n", tc.Function.Name)
			}
		case llm.RoleTool:
			mark := "✅"
			if m.IsError {
				mark = "❌"
			}
			fmt.Fprintf(w, "   %s %s\n", mark, firstLine(m.Content))
		}
	}
}
