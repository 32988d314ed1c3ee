package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"

	"github.com/nugget/hal-agent/internal/agent"
	"github.com/nugget/hal-agent/internal/tools"
)

// markdownRenderer turns assistant markdown into terminal text.
type markdownRenderer interface {
	Render(in string) (string, error)
}

type plainRenderer struct{}

func (plainRenderer) Render(in string) (string, error) { return in, nil }

// newRenderer styles markdown for a terminal and leaves it untouched
// when output is piped.
func newRenderer(w io.Writer) markdownRenderer {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return plainRenderer{}
	}
	width := 100
	if cols, _, err := term.GetSize(int(f.Fd())); err == nil && cols > 20 {
		width = min(cols-4, 120)
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return plainRenderer{}
	}
	return r
}

// printer writes agent progress events for a human.
type printer struct {
	out      io.Writer
	md       markdownRenderer
	thinking bool
}

func newPrinter(w io.Writer, showThinking bool) *printer {
	return &printer{out: w, md: newRenderer(w), thinking: showThinking}
}

// handle is an agent.Loop OnEvent callback.
func (p *printer) handle(e agent.Event) {
	switch e.Kind {
	case agent.EventThinking:
		if p.thinking {
			fmt.Fprintf(p.out, "💭 %s\n", strings.TrimSpace(e.Text))
		}
	case agent.EventText:
		text, err := p.md.Render(e.Text)
		if err != nil {
			text = e.Text
		}
		fmt.Fprintf(p.out, "🤖 %s\n", strings.TrimSpace(text))
	case agent.EventToolStart:
		// Start lines would interleave with results when tools run in
		// parallel, so only completions are printed.
	case agent.EventToolDone:
		p.toolDone(e)
	}
}

func (p *printer) toolDone(e agent.Event) {
	if e.ToolCall == nil || e.Result == nil {
		return
	}
	mark := "✅"
	if !e.Result.Success {
		mark = "❌"
	}
	fmt.Fprintf(p.out, "%s %s (%s)\n", mark, e.ToolCall.Function.Name, e.Duration.Round(time.Millisecond))
	fmt.Fprintln(p.out, indent(formatResult(*e.Result), "   "))
}

// formatResult pretty-prints a tool result, clipped for the terminal.
func formatResult(r tools.Result) string {
	const maxLines = 20
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		data = []byte(r.String())
	}
	lines := strings.Split(string(data), "\n")
	if len(lines) > maxLines {
		lines = append(lines[:maxLines], fmt.Sprintf("... (%d more lines)", len(lines)-maxLines))
	}
	return strings.Join(lines, "\n")
}

func indent(s, prefix string) string {
	return prefix + strings.ReplaceAll(s, "\n", "\n"+prefix)
}
