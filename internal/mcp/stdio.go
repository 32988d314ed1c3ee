package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// DefaultStopGrace is how long a subprocess gets to exit on its own
// after its stdin is closed before it is killed.
const DefaultStopGrace = 5 * time.Second

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over its stdin and stdout.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Dir is the working directory. Empty means inherit ours.
	Dir string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment.
	Env []string

	// Framer delimits messages on stdout and stdin. Nil selects
	// newline-delimited JSON.
	Framer Framer

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport owns an MCP server subprocess and speaks JSON-RPC
// over its stdio. Stderr is not part of the protocol; it is drained
// continuously into a bounded buffer so a chatty server can never
// block on a full pipe.
type StdioTransport struct {
	*StreamTransport

	logger  *slog.Logger
	cmd     *exec.Cmd
	stderr  *ringBuffer
	stderrR *os.File

	exited  chan struct{}
	exitErr error
	drained chan struct{}

	stopOnce sync.Once
	stopErr  error
}

// StartStdio launches the subprocess described by cfg and returns a
// transport connected to it.
func StartStdio(cfg StdioConfig) (*StdioTransport, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("starting MCP subprocess",
		"command", cfg.Command,
		"args", cfg.Args,
	)

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), cfg.Env...)
	isolateProcess(cmd)

	// Plain os.Pipe pairs instead of cmd.StdinPipe and friends: Wait
	// must not close our read ends, and a grandchild holding the
	// write end must not keep Wait from returning.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return nil, fmt.Errorf("start subprocess %s: %w", cfg.Command, err)
	}

	// The child has its own copies now.
	closeAll(stdinR, stdoutW, stderrW)

	t := &StdioTransport{
		StreamTransport: NewStreamTransport(stdoutR, stdinW, cfg.Framer),
		logger:          logger,
		cmd:             cmd,
		stderr:          newRingBuffer(stderrTailSize),
		stderrR:         stderrR,
		exited:          make(chan struct{}),
		drained:         make(chan struct{}),
	}

	go t.drainStderr(stderrR)
	go t.wait()

	logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return t, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// wait reaps the process and records how it ended.
func (t *StdioTransport) wait() {
	err := t.cmd.Wait()
	t.exitErr = err
	close(t.exited)
	if err != nil {
		t.logger.Debug("MCP subprocess exited", "pid", t.cmd.Process.Pid, "error", err)
	} else {
		t.logger.Debug("MCP subprocess exited", "pid", t.cmd.Process.Pid)
	}
}

// drainStderr copies stderr into the tail buffer and logs each line at
// debug level.
func (t *StdioTransport) drainStderr(r io.Reader) {
	defer close(t.drained)
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := br.ReadSlice('\n')
		if len(line) > 0 {
			_, _ = t.stderr.Write(line)
			t.logger.Debug("MCP subprocess stderr", "line", strings.TrimRight(string(line), "\r\n"))
		}
		if err != nil && !errors.Is(err, bufio.ErrBufferFull) {
			return
		}
	}
}

// Pid returns the subprocess ID.
func (t *StdioTransport) Pid() int {
	return t.cmd.Process.Pid
}

// Exited is closed once the subprocess has been reaped.
func (t *StdioTransport) Exited() <-chan struct{} {
	return t.exited
}

// ExitErr reports how the process ended. It is only meaningful after
// Exited is closed.
func (t *StdioTransport) ExitErr() error {
	select {
	case <-t.exited:
		return t.exitErr
	default:
		return nil
	}
}

// Diagnostics returns the retained tail of the subprocess's stderr.
func (t *StdioTransport) Diagnostics() string {
	return t.stderr.String()
}

// Stop closes the subprocess's stdin, waits up to grace (or until ctx
// is done) for it to exit, then kills it. Pipes are released and the
// process reaped on every path. Stop is idempotent.
func (t *StdioTransport) Stop(ctx context.Context, grace time.Duration) error {
	t.stopOnce.Do(func() {
		t.stopErr = t.stop(ctx, grace)
	})
	return t.stopErr
}

func (t *StdioTransport) stop(ctx context.Context, grace time.Duration) error {
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	pid := t.cmd.Process.Pid

	t.logger.Info("stopping MCP subprocess", "pid", pid)

	// Closing stdin is the stdio shutdown signal.
	_ = t.CloseWrite()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	var killed bool
	select {
	case <-t.exited:
	case <-timer.C:
		killed = true
	case <-ctx.Done():
		killed = true
	}

	if killed {
		t.logger.Warn("MCP subprocess did not exit gracefully, killing", "pid", pid)
		if err := t.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			t.logger.Debug("kill failed", "pid", pid, "error", err)
		}
		<-t.exited
	}

	// Let the drainer pick up the last of stderr unless a grandchild
	// is holding the pipe open.
	select {
	case <-t.drained:
	case <-time.After(500 * time.Millisecond):
	}

	_ = t.StreamTransport.Close()
	_ = t.stderrR.Close()

	if killed {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(t.exitErr, &exitErr) {
		// A non-zero status after stdin closes is not our failure.
		return nil
	}
	return t.exitErr
}

// Close stops the subprocess with the default grace period.
func (t *StdioTransport) Close() error {
	return t.Stop(context.Background(), DefaultStopGrace)
}
