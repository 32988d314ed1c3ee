package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nugget/hal-agent/internal/agent"
)

const (
	promptString = "> "
	goodbye      = "👋 Goodbye!"
)

type chatOptions struct {
	resume       string
	continueLast bool
	showThinking bool
}

func newChatCmd(s *streams, flags *globalFlags) *cobra.Command {
	var opts chatOptions
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd, s, flags, opts)
		},
	}
	addChatFlags(cmd, &opts)
	return cmd
}

func newAskCmd(s *streams, flags *globalFlags) *cobra.Command {
	var opts chatOptions
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a single question and exit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			sess, err := startSession(ctx, s, flags, opts)
			if err != nil {
				return err
			}
			defer sess.close(ctx)

			return sess.turn(ctx, strings.Join(args, " "))
		},
	}
	addChatFlags(cmd, &opts)
	return cmd
}

func addChatFlags(cmd *cobra.Command, opts *chatOptions) {
	f := cmd.Flags()
	f.StringVarP(&opts.resume, "resume", "r", "", "resume the conversation with this ID")
	f.BoolVar(&opts.continueLast, "continue", false, "resume the most recent conversation")
	f.BoolVar(&opts.showThinking, "thinking", true, "show the model's thinking")
	cmd.MarkFlagsMutuallyExclusive("resume", "continue")
}

// chatSession is a loaded app plus an agent loop bound to one
// conversation.
type chatSession struct {
	app   *app
	loop  *agent.Loop
	out   io.Writer
	print *printer
}

func startSession(ctx context.Context, s *streams, flags *globalFlags, opts chatOptions) (*chatSession, error) {
	a, err := newApp(ctx, s, flags, appNeeds{store: true, tools: true, model: true})
	if err != nil {
		return nil, err
	}
	a.reportServers(s.err)

	convID := opts.resume
	if opts.continueLast {
		convs, err := a.store.ListConversations()
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("list conversations: %w", err)
		}
		if len(convs) == 0 {
			a.Close(ctx)
			return nil, errors.New("no conversation to continue")
		}
		convID = convs[0].ID
	}

	system, err := a.systemPrompt()
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	cfg := a.cfg
	loop := agent.NewLoop(a.model, a.registry, a.store, agent.Config{
		Model:          cfg.Model.Name,
		System:         system,
		MaxTurns:       cfg.Agent.MaxTurns,
		MaxTokens:      cfg.Model.MaxTokens,
		ThinkingBudget: cfg.Model.ThinkingBudget,
		Sequential:     !cfg.Agent.Parallel(),
		ToolGrace:      cfg.Agent.ToolGrace(),
		ConversationID: convID,
	}, a.logger)

	if convID != "" {
		if err := loop.Resume(); err != nil {
			a.Close(ctx)
			return nil, err
		}
		if len(loop.History()) == 0 {
			a.Close(ctx)
			return nil, fmt.Errorf("conversation %s not found", convID)
		}
		fmt.Fprintf(s.err, "Resuming conversation %s (%d messages)\n", convID, len(loop.History()))
	}

	p := newPrinter(s.out, opts.showThinking)
	loop.OnEvent = p.handle
	if a.ledger != nil {
		loop.Usage = a.ledger
	}
	return &chatSession{app: a, loop: loop, out: s.out, print: p}, nil
}

func (c *chatSession) close(ctx context.Context) {
	if err := c.app.Close(context.WithoutCancel(ctx)); err != nil {
		c.app.logger.Warn("shutdown incomplete", "error", err)
	}
}

// turn runs one user request to completion. Hitting the turn limit
// and being interrupted are reported, not returned: the conversation
// stays usable.
func (c *chatSession) turn(ctx context.Context, input string) error {
	res, err := c.loop.Run(ctx, input)
	switch {
	case errors.Is(err, agent.ErrMaxTurnsExceeded):
		fmt.Fprintf(c.out, "⚠️  Stopped after %d model turns without a final answer.\n", res.Turns)
		return nil
	case res != nil && res.Outcome == agent.OutcomeCancelled:
		fmt.Fprintln(c.out, "⏹  Interrupted.")
		return nil
	case err != nil:
		return err
	}
	return nil
}

func runChat(cmd *cobra.Command, s *streams, flags *globalFlags, opts chatOptions) error {
	ctx := cmd.Context()
	sess, err := startSession(ctx, s, flags, opts)
	if err != nil {
		return err
	}
	defer sess.close(ctx)

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	fmt.Fprintf(s.out, "HAL is ready (model %s, %d tools). Type exit to quit.\n",
		sess.app.cfg.Model.Name, sess.app.registry.Len())
	return repl(ctx, s.in, s.out, interrupts, sess.turn)
}

// repl reads lines and hands each non-empty one to turn. An interrupt
// during a turn cancels that turn only; at the prompt it ends the
// session, as do "exit" or "quit" in any case and end of input.
func repl(ctx context.Context, in io.Reader, out io.Writer, interrupts <-chan os.Signal, turn func(context.Context, string) error) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			lines <- sc.Text()
		}
		readErr <- sc.Err()
		close(lines)
	}()

	for {
		fmt.Fprint(out, promptString)

		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case <-interrupts:
			fmt.Fprintln(out, "\n"+goodbye)
			return nil
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(out, "\n"+goodbye)
				return <-readErr
			}
			line = strings.TrimSpace(l)
		}

		switch strings.ToLower(line) {
		case "":
			continue
		case "exit", "quit":
			fmt.Fprintln(out, goodbye)
			return nil
		}

		turnCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			select {
			case <-interrupts:
				cancel()
			case <-done:
			}
		}()
		err := turn(turnCtx, line)
		close(done)
		cancel()
		if err != nil {
			fmt.Fprintf(out, "❌ %v\n", err)
		}
	}
}
