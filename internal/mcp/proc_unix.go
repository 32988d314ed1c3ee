//go:build !windows

package mcp

import (
	"os/exec"
	"syscall"
)

// isolateProcess puts the server in its own process group so a Ctrl-C
// at the terminal interrupts the agent, not its tool servers. Servers
// are shut down through stdin instead.
func isolateProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
