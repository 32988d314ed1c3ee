// Package agent implements the core agent loop: send the conversation
// to the model, run the tools it asks for, feed the results back, and
// repeat until it answers in plain text.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/hal-agent/internal/llm"
	"github.com/nugget/hal-agent/internal/memory"
	"github.com/nugget/hal-agent/internal/tools"
	"github.com/nugget/hal-agent/internal/usage"
)

// Defaults applied by NewLoop to zero Config fields.
const (
	DefaultMaxTurns  = 25
	DefaultToolGrace = 5 * time.Second
)

// ErrMaxTurnsExceeded ends a run whose model kept requesting tools past
// the configured turn limit.
var ErrMaxTurnsExceeded = errors.New("agent: maximum turns exceeded")

// ToolInvoker is the slice of the tool registry the loop needs.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, args map[string]any) tools.Result
	List() []*tools.Tool
}

// Config tunes a Loop.
type Config struct {
	Model  string
	System string

	// MaxTurns bounds model calls per Run.
	MaxTurns int

	MaxTokens      int
	ThinkingBudget int

	// Sequential runs the tool calls of one turn one after another
	// instead of concurrently.
	Sequential bool

	// ToolGrace is how long in-flight tool calls may finish after the
	// run is cancelled.
	ToolGrace time.Duration

	// ConversationID names the transcript in the store. Empty
	// generates a new one.
	ConversationID string
}

// Outcome says how a run ended.
type Outcome int

const (
	// OutcomeDone means the model produced a final text answer.
	OutcomeDone Outcome = iota
	// OutcomeMaxTurnsExceeded means the turn limit stopped the run.
	OutcomeMaxTurnsExceeded
	// OutcomeCancelled means the context was cancelled.
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDone:
		return "done"
	case OutcomeMaxTurnsExceeded:
		return "max_turns_exceeded"
	case OutcomeCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Result summarizes one Run.
type Result struct {
	Outcome Outcome
	// Content is the final assistant text, empty unless OutcomeDone.
	Content string
	// Turns counts model calls.
	Turns     int
	ToolCalls int

	InputTokens  int
	OutputTokens int
}

// EventKind identifies a progress event.
type EventKind int

const (
	// EventThinking carries the model's extended thinking text.
	EventThinking EventKind = iota
	// EventText carries assistant text.
	EventText
	// EventToolStart fires as a tool call is dispatched.
	EventToolStart
	// EventToolDone fires with the tool's result.
	EventToolDone
)

// Event reports progress to the caller. Events are delivered from the
// goroutine running Run, in order.
type Event struct {
	Kind     EventKind
	Text     string
	ToolCall *llm.ToolCall
	Result   *tools.Result
	Duration time.Duration
}

// UsageRecorder is the token ledger written by the loop.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Loop drives one conversation. Run must not be called concurrently.
type Loop struct {
	client llm.Client
	tools  ToolInvoker
	store  memory.Store
	cfg    Config
	logger *slog.Logger

	// OnEvent, if set, receives progress events.
	OnEvent func(Event)
	// Usage, if set, receives the token usage of every model call.
	Usage UsageRecorder

	mu      sync.Mutex
	history []llm.Message
}

// NewLoop creates a loop. store may be nil.
func NewLoop(client llm.Client, invoker ToolInvoker, store memory.Store, cfg Config, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.ToolGrace <= 0 {
		cfg.ToolGrace = DefaultToolGrace
	}
	if cfg.ConversationID == "" {
		id, _ := uuid.NewV7()
		cfg.ConversationID = id.String()
	}
	return &Loop{
		client: client,
		tools:  invoker,
		store:  store,
		cfg:    cfg,
		logger: logger.With("conversation", cfg.ConversationID),
	}
}

// ConversationID returns the transcript identifier.
func (l *Loop) ConversationID() string { return l.cfg.ConversationID }

// Resume loads the stored transcript for the loop's conversation.
func (l *Loop) Resume() error {
	if l.store == nil {
		return nil
	}
	msgs, err := l.store.GetMessages(l.cfg.ConversationID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	l.mu.Lock()
	l.history = msgs
	l.mu.Unlock()
	l.logger.Info("conversation resumed", "messages", len(msgs))
	return nil
}

// History returns a copy of the transcript.
func (l *Loop) History() []llm.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.history)
}

// Run sends userMessage and loops until the model answers, the turn
// limit is hit, or ctx is cancelled. Every tool call in the transcript
// is followed by exactly one tool result, whatever the outcome.
func (l *Loop) Run(ctx context.Context, userMessage string) (*Result, error) {
	res := &Result{}
	l.append(llm.Message{Role: llm.RoleUser, Content: userMessage})

	toolSpecs := specsFor(l.tools)
	l.logger.Info("agent loop started",
		"model", l.cfg.Model,
		"tools", len(toolSpecs),
		"history", len(l.History()),
	)

	for turn := 0; ; turn++ {
		if ctx.Err() != nil {
			return l.cancelled(ctx, res)
		}
		if turn >= l.cfg.MaxTurns {
			res.Outcome = OutcomeMaxTurnsExceeded
			l.logger.Warn("agent loop hit turn limit", "max_turns", l.cfg.MaxTurns, "tool_calls", res.ToolCalls)
			return res, ErrMaxTurnsExceeded
		}

		l.logger.Debug("calling model", "turn", turn+1, "messages", len(l.history))
		resp, err := l.client.Chat(ctx, &llm.ChatRequest{
			Model:          l.cfg.Model,
			System:         l.cfg.System,
			Messages:       l.History(),
			Tools:          toolSpecs,
			MaxTokens:      l.cfg.MaxTokens,
			ThinkingBudget: l.cfg.ThinkingBudget,
		})
		if err != nil {
			if ctx.Err() != nil {
				return l.cancelled(ctx, res)
			}
			l.logger.Error("model call failed", "turn", turn+1, "error", err)
			return res, fmt.Errorf("model call: %w", err)
		}
		res.Turns++
		res.InputTokens += resp.InputTokens
		res.OutputTokens += resp.OutputTokens
		l.recordUsage(ctx, resp, res.Turns)

		msg := resp.Message
		msg.Role = llm.RoleAssistant
		for i := range msg.ToolCalls {
			// Tool results are matched by ID, so every call needs one.
			if msg.ToolCalls[i].ID == "" {
				msg.ToolCalls[i].ID = "call_" + uuid.NewString()
			}
		}
		l.append(msg)

		if msg.Thinking != "" {
			l.emit(Event{Kind: EventThinking, Text: msg.Thinking})
		}
		if msg.Content != "" {
			l.emit(Event{Kind: EventText, Text: msg.Content})
		}

		if len(msg.ToolCalls) == 0 {
			res.Outcome = OutcomeDone
			res.Content = msg.Content
			l.logger.Info("agent loop completed",
				"turns", res.Turns,
				"tool_calls", res.ToolCalls,
				"input_tokens", res.InputTokens,
				"output_tokens", res.OutputTokens,
			)
			return res, nil
		}

		outcomes := l.dispatch(ctx, msg.ToolCalls)
		res.ToolCalls += len(outcomes)
		for _, o := range outcomes {
			l.append(llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: o.call.ID,
				Content:    o.result.String(),
				IsError:    !o.result.Success,
			})
			l.record(o)
		}
	}
}

func (l *Loop) cancelled(ctx context.Context, res *Result) (*Result, error) {
	res.Outcome = OutcomeCancelled
	l.logger.Info("agent loop cancelled", "turns", res.Turns, "tool_calls", res.ToolCalls)
	return res, ctx.Err()
}

// callOutcome is one tool call's result and timing.
type callOutcome struct {
	index    int
	call     llm.ToolCall
	result   tools.Result
	started  time.Time
	duration time.Duration
	finished bool
}

// dispatch runs the tool calls of one turn and returns one outcome per
// call, in request order. Tools run on a context detached from ctx so
// a cancelled run gives them ToolGrace to finish; calls still running
// after that, or never started, get a cancelled result.
func (l *Loop) dispatch(ctx context.Context, calls []llm.ToolCall) []callOutcome {
	out := make([]callOutcome, len(calls))
	for i, c := range calls {
		out[i] = callOutcome{index: i, call: c}
	}

	toolCtx, cancelTools := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelTools()

	ch := make(chan callOutcome, len(calls))
	launch := func(i int) {
		call := calls[i]
		l.emit(Event{Kind: EventToolStart, ToolCall: &call})
		l.logger.Debug("invoking tool", "tool", call.Function.Name, "call_id", call.ID)
		started := time.Now()
		out[i].started = started
		go func() {
			r := l.tools.Invoke(toolCtx, call.Function.Name, call.Function.Arguments)
			ch <- callOutcome{index: i, call: call, result: r, started: started, duration: time.Since(started), finished: true}
		}()
	}

	next, inFlight := 0, 0
	launchMore := func() {
		for next < len(calls) && ctx.Err() == nil {
			launch(next)
			next++
			inFlight++
			if l.cfg.Sequential {
				return
			}
		}
	}
	launchMore()

	var grace *time.Timer
	var graceC <-chan time.Time
	ctxDone := ctx.Done()

wait:
	for inFlight > 0 {
		select {
		case o := <-ch:
			inFlight--
			out[o.index] = o
			l.emit(Event{Kind: EventToolDone, ToolCall: &o.call, Result: &o.result, Duration: o.duration})
			if inFlight == 0 {
				launchMore()
			}
		case <-ctxDone:
			ctxDone = nil
			grace = time.NewTimer(l.cfg.ToolGrace)
			graceC = grace.C
			l.logger.Info("run cancelled, waiting for in-flight tools", "in_flight", inFlight, "grace", l.cfg.ToolGrace)
		case <-graceC:
			l.logger.Warn("abandoning tool calls after grace period", "in_flight", inFlight)
			cancelTools()
			break wait
		}
	}
	if grace != nil {
		grace.Stop()
	}

	for i := range out {
		if out[i].finished {
			continue
		}
		msg := "cancelled before the tool started"
		if !out[i].started.IsZero() {
			msg = "cancelled while the tool was running"
			out[i].duration = time.Since(out[i].started)
		}
		out[i].result = tools.Result{Success: false, Error: msg}
		l.emit(Event{Kind: EventToolDone, ToolCall: &out[i].call, Result: &out[i].result, Duration: out[i].duration})
	}
	return out
}

// recordUsage adds one model call to the usage ledger, if one is set.
// A ledger failure is logged and never fails the turn.
func (l *Loop) recordUsage(ctx context.Context, resp *llm.ChatResponse, turn int) {
	if l.Usage == nil {
		return
	}
	model := resp.Model
	if model == "" {
		model = l.cfg.Model
	}
	err := l.Usage.Record(context.WithoutCancel(ctx), usage.Record{
		ConversationID: l.cfg.ConversationID,
		Model:          model,
		Turn:           turn,
		InputTokens:    resp.InputTokens,
		OutputTokens:   resp.OutputTokens,
	})
	if err != nil {
		l.logger.Warn("failed to record usage", "error", err)
	}
}

// append adds a message to the transcript and the store.
func (l *Loop) append(msg llm.Message) {
	l.mu.Lock()
	l.history = append(l.history, msg)
	l.mu.Unlock()

	if l.store == nil {
		return
	}
	if err := l.store.AddMessage(l.cfg.ConversationID, msg); err != nil {
		l.logger.Warn("failed to persist message", "role", msg.Role, "error", err)
	}
}

func (l *Loop) record(o callOutcome) {
	l.logger.Info("tool call",
		"tool", o.call.Function.Name,
		"call_id", o.call.ID,
		"success", o.result.Success,
		"duration", o.duration.Round(time.Millisecond),
	)
	if l.store == nil {
		return
	}

	args, _ := json.Marshal(o.call.Function.Arguments)
	tc := memory.ToolCall{
		ConversationID: l.cfg.ConversationID,
		CallID:         o.call.ID,
		ToolName:       o.call.Function.Name,
		Arguments:      string(args),
		Error:          o.result.Error,
		StartedAt:      o.started,
		DurationMs:     o.duration.Milliseconds(),
	}
	if o.result.Success {
		tc.Result = o.result.String()
	}
	if err := l.store.RecordToolCall(tc); err != nil {
		l.logger.Warn("failed to record tool call", "tool", tc.ToolName, "error", err)
	}
}

func (l *Loop) emit(e Event) {
	if l.OnEvent != nil {
		l.OnEvent(e)
	}
}

// specsFor lists the registry's tools in the shape the model expects.
func specsFor(invoker ToolInvoker) []llm.ToolSpec {
	if invoker == nil {
		return nil
	}
	list := invoker.List()
	specs := make([]llm.ToolSpec, 0, len(list))
	for _, t := range list {
		specs = append(specs, llm.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return specs
}
