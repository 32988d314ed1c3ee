package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"
)

// maxShellTimeout caps any requested command timeout.
const maxShellTimeout = 5 * time.Minute

// ShellExec runs shell commands on behalf of the model.
type ShellExec struct {
	workingDir     string
	allowedCmds    []string // empty = allow all
	deniedCmds     []string
	defaultTimeout time.Duration
	maxOutputBytes int
}

// ShellExecConfig configures the shell executor.
type ShellExecConfig struct {
	WorkingDir     string
	AllowedCmds    []string
	DeniedCmds     []string
	DefaultTimeout time.Duration
	MaxOutputBytes int
}

// DefaultShellExecConfig returns the stock deny list, a 30 second
// timeout, and a 100 KiB output cap.
func DefaultShellExecConfig() ShellExecConfig {
	return ShellExecConfig{
		DeniedCmds: []string{
			"rm -rf /",
			"rm -rf /*",
			"mkfs",
			"dd if=",
			"> /dev/sd",
			"chmod -R 777 /",
			":(){ :|:& };:", // fork bomb
		},
		DefaultTimeout: 30 * time.Second,
		MaxOutputBytes: 100 * 1024,
	}
}

// NewShellExec creates a shell executor.
func NewShellExec(cfg ShellExecConfig) *ShellExec {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 100 * 1024
	}
	return &ShellExec{
		workingDir:     cfg.WorkingDir,
		allowedCmds:    cfg.AllowedCmds,
		deniedCmds:     cfg.DeniedCmds,
		defaultTimeout: cfg.DefaultTimeout,
		maxOutputBytes: cfg.MaxOutputBytes,
	}
}

// ExecResult is the outcome of one command. Stdout and stderr are
// interleaved into Output in the order the command wrote them.
type ExecResult struct {
	Command  string `json:"command"`
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

// Exec runs command through sh -c. A non-zero exit is reported in the
// result, not as an error; errors mean the command was refused or could
// not be started.
func (s *ShellExec) Exec(ctx context.Context, command string, timeoutSec int) (*ExecResult, error) {
	if strings.TrimSpace(command) == "" {
		return nil, errors.New("command is required")
	}

	cmdLower := strings.ToLower(command)
	for _, denied := range s.deniedCmds {
		if strings.Contains(cmdLower, strings.ToLower(denied)) {
			return nil, fmt.Errorf("command blocked by security policy: matches denied pattern %q", denied)
		}
	}

	if len(s.allowedCmds) > 0 {
		allowed := false
		for _, prefix := range s.allowedCmds {
			if strings.HasPrefix(command, prefix) {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, errors.New("command not in allowlist")
		}
	}

	timeout := s.defaultTimeout
	if timeoutSec > 0 {
		timeout = time.Duration(timeoutSec) * time.Second
	}
	if timeout > maxShellTimeout {
		timeout = maxShellTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = s.workingDir
	cmd.WaitDelay = time.Second

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()

	result := &ExecResult{
		Command: command,
		Output:  truncateOutput(out.String(), s.maxOutputBytes),
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.ExitCode = -1
		return result, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("run command: %w", err)
		}
		result.ExitCode = exitErr.ExitCode()
	}
	return result, nil
}

// truncateOutput keeps at most maxBytes of s, cut on a rune boundary,
// and notes how much was dropped.
func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return fmt.Sprintf("%s\n\n[... %d bytes truncated ...]", s[:cut], len(s)-cut)
}
