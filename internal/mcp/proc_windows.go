//go:build windows

package mcp

import (
	"os/exec"
	"syscall"
)

// isolateProcess keeps console Ctrl-C events away from the server.
func isolateProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}
