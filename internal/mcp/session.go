package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nugget/hal-agent/internal/tools"
)

// Session defaults.
const (
	DefaultCallTimeout  = 60 * time.Second
	DefaultStartTimeout = 30 * time.Second
)

// exitDrain is how long the reader gets to deliver responses already
// in the pipe after the server process has exited.
const exitDrain = 500 * time.Millisecond

// State is the lifecycle state of a [Session].
type State int32

const (
	StateStarting State = iota
	StateReady
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ServerSpec describes one MCP server to launch.
type ServerSpec struct {
	Name    string
	Command string
	Args    []string
	Dir     string
	// Env entries are KEY=VALUE and are added to our environment.
	Env     []string
	Framing string

	// IncludeTools, when set, registers only the named tools.
	IncludeTools []string
	// ExcludeTools skips the named tools. Ignored when IncludeTools is set.
	ExcludeTools []string
}

// StartupError reports a server that could not be brought to Ready.
type StartupError struct {
	Server string
	Stage  string
	Err    error
	// Stderr is the tail of the server's stderr at the time of failure.
	Stderr string
}

func (e *StartupError) Error() string {
	msg := fmt.Sprintf("mcp server %s: %s: %v", e.Server, e.Stage, e.Err)
	if tail := lastLines(e.Stderr, 5); tail != "" {
		msg += "\nstderr:\n" + tail
	}
	return msg
}

func (e *StartupError) Unwrap() error { return e.Err }

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// processTransport is a [Transport] bound to a server process.
// *StdioTransport is the production implementation.
type processTransport interface {
	Transport
	Exited() <-chan struct{}
	ExitErr() error
	Diagnostics() string
	Stop(ctx context.Context, grace time.Duration) error
}

type dialFunc func(spec ServerSpec, logger *slog.Logger) (processTransport, error)

func dialStdio(spec ServerSpec, logger *slog.Logger) (processTransport, error) {
	framer, err := FramerFor(spec.Framing)
	if err != nil {
		return nil, err
	}
	return StartStdio(StdioConfig{
		Command: spec.Command,
		Args:    spec.Args,
		Dir:     spec.Dir,
		Env:     spec.Env,
		Framer:  framer,
		Logger:  logger,
	})
}

// SessionOptions tunes a [Session]. Zero values select the defaults.
type SessionOptions struct {
	CallTimeout  time.Duration
	StartTimeout time.Duration
	StopGrace    time.Duration
	Logger       *slog.Logger

	dial dialFunc
}

func (o SessionOptions) withDefaults() SessionOptions {
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = DefaultStartTimeout
	}
	if o.StopGrace <= 0 {
		o.StopGrace = DefaultStopGrace
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.dial == nil {
		o.dial = dialStdio
	}
	return o
}

// Session is one live MCP server: its process, transport, RPC client,
// lifecycle state and discovered tools. Sessions are owned by the
// registry that registered their tools and are stopped with it.
type Session struct {
	spec   ServerSpec
	opts   SessionOptions
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	err       error
	started   bool
	transport processTransport
	rpc       *RPCClient
	client    *Client
	tools     []ToolDefinition

	stopped  chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// NewSession returns a session in the Starting state. Nothing is
// launched until Start.
func NewSession(spec ServerSpec, opts SessionOptions) *Session {
	opts = opts.withDefaults()
	return &Session{
		spec:    spec,
		opts:    opts,
		logger:  opts.Logger.With("mcp_server", spec.Name),
		state:   StateStarting,
		stopped: make(chan struct{}),
	}
}

// Name returns the configured server name.
func (s *Session) Name() string { return s.spec.Name }

// Spec returns the spec the session was created from.
func (s *Session) Spec() ServerSpec { return s.spec }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that moved the session to Failed, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Tools returns the tools discovered during Start.
func (s *Session) Tools() []ToolDefinition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tools
}

// Diagnostics returns the retained stderr tail of the server process.
func (s *Session) Diagnostics() string {
	s.mu.Lock()
	tr := s.transport
	s.mu.Unlock()
	if tr == nil {
		return ""
	}
	return tr.Diagnostics()
}

// ServerInfo returns the name and version the server reported.
func (s *Session) ServerInfo() (name, version string) {
	s.mu.Lock()
	c := s.client
	s.mu.Unlock()
	if c == nil {
		return "", ""
	}
	return c.ServerInfo()
}

// Start launches the server, performs the initialize handshake and
// lists its tools. On success the session is Ready. On any failure it
// is Failed, its process is gone, and a *StartupError describes what
// happened.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("mcp server %s: already started", s.spec.Name)
	}
	s.started = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.opts.StartTimeout)
	defer cancel()

	tr, err := s.opts.dial(s.spec, s.logger)
	if err != nil {
		return s.fail(&StartupError{Server: s.spec.Name, Stage: "spawn", Err: err})
	}

	rpc := NewRPCClient(tr, RPCOptions{Logger: s.logger, OnNotification: s.handleNotification})
	client := NewClient(s.spec.Name, rpc, s.opts.CallTimeout, s.logger)

	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		_ = tr.Stop(ctx, s.opts.StopGrace)
		return &StartupError{Server: s.spec.Name, Stage: "spawn", Err: errors.New("session stopped during startup")}
	}
	s.transport = tr
	s.rpc = rpc
	s.client = client
	s.mu.Unlock()

	if err := client.Initialize(ctx); err != nil {
		return s.abort("initialize", err)
	}

	defs, err := client.ListTools(ctx)
	if err != nil {
		return s.abort("tools/list", err)
	}
	sort.SliceStable(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })

	s.mu.Lock()
	if s.state != StateStarting {
		s.mu.Unlock()
		return &StartupError{Server: s.spec.Name, Stage: "ready", Err: errors.New("session stopped during startup")}
	}
	s.tools = defs
	s.state = StateReady
	s.mu.Unlock()

	go s.watch(tr, rpc)

	s.logger.Info("MCP server ready", "tools", len(defs))
	return nil
}

// abort tears down a half-started server and records why.
func (s *Session) abort(stage string, cause error) error {
	s.mu.Lock()
	tr := s.transport
	s.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(context.Background(), s.opts.StopGrace+time.Second)
	defer cancel()
	_ = tr.Stop(stopCtx, s.opts.StopGrace)

	return s.fail(&StartupError{
		Server: s.spec.Name,
		Stage:  stage,
		Err:    cause,
		Stderr: tr.Diagnostics(),
	})
}

func (s *Session) fail(err error) error {
	s.mu.Lock()
	if s.state != StateStopped {
		s.state = StateFailed
	}
	s.err = err
	s.mu.Unlock()

	s.logger.Error("MCP server failed to start", "error", err)
	return err
}

// watch moves a Ready session to Failed when the server goes away
// unexpectedly: the process exits or the reader stops on a closed or
// corrupt stream. Pending calls are released by the RPC client.
func (s *Session) watch(tr processTransport, rpc *RPCClient) {
	var cause error
	select {
	case <-s.stopped:
		return
	case <-rpc.Done():
		cause = rpc.Err()
	case <-tr.Exited():
		select {
		case <-rpc.Done():
		case <-time.After(exitDrain):
		}
		cause = fmt.Errorf("server process exited: %v", tr.ExitErr())
		if tr.ExitErr() == nil {
			cause = errors.New("server process exited")
		}
	}

	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.err = fmt.Errorf("mcp server %s: %w", s.spec.Name, cause)
	s.mu.Unlock()

	s.logger.Error("MCP server failed", "error", cause, "stderr", lastLines(tr.Diagnostics(), 5))

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.StopGrace+time.Second)
	defer cancel()
	_ = tr.Stop(ctx, s.opts.StopGrace)
}

// Stop shuts the server down. It closes the server's stdin, allows a
// grace period bounded by ctx, then kills the process. Stop is
// idempotent and always leaves the session Stopped.
func (s *Session) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.state = StateStopped
		tr := s.transport
		rpc := s.rpc
		s.mu.Unlock()
		close(s.stopped)

		if tr == nil {
			return
		}

		if err := tr.Stop(ctx, s.opts.StopGrace); err != nil {
			s.stopErr = fmt.Errorf("stop mcp server %s: %w", s.spec.Name, err)
		}
		<-rpc.Done()
		s.logger.Info("MCP server stopped")
	})
	return s.stopErr
}

// Invoke calls a tool by its server-side name. Every failure is
// reported as a failed result: an unavailable server, an RPC timeout,
// a closed transport, an RPC error, or a result flagged isError.
func (s *Session) Invoke(ctx context.Context, rawName string, args map[string]any) tools.Result {
	s.mu.Lock()
	state, client := s.state, s.client
	s.mu.Unlock()

	if state != StateReady {
		return tools.Result{Success: false, Error: "server unavailable"}
	}

	res, err := client.CallTool(ctx, rawName, args)
	if err != nil {
		s.logger.Debug("MCP tool call failed", "tool", rawName, "error", err)
		return tools.Failure("tool %s failed: %v", rawName, err)
	}
	if res.IsError {
		text := res.Text()
		if text == "" {
			text = "tool reported an error"
		}
		return tools.Result{Success: false, Error: text}
	}
	return tools.Success(res.Text())
}

// Ping checks that a Ready server still answers.
func (s *Session) Ping(ctx context.Context) error {
	s.mu.Lock()
	state, client := s.state, s.client
	s.mu.Unlock()

	if state != StateReady {
		return fmt.Errorf("mcp server %s is %s", s.spec.Name, state)
	}
	return client.Ping(ctx)
}

func (s *Session) handleNotification(method string, params json.RawMessage) {
	switch method {
	case "notifications/tools/list_changed":
		// Registered tools stay fixed for the life of the session; only
		// the client's cache is dropped.
		s.mu.Lock()
		client := s.client
		s.mu.Unlock()
		if client != nil {
			client.Refresh()
		}
		s.logger.Info("MCP server tool list changed; restart to pick up changes")
	case "notifications/message":
		s.logger.Debug("MCP server log message", "params", string(params))
	default:
		s.logger.Debug("MCP notification", "method", method)
	}
}
