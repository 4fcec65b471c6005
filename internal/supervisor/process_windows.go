//go:build windows
// +build windows

package supervisor

import (
	"os/exec"
	"syscall"
)

// configurePlatformProcess hides the child console window; coding
// assistant children have no interactive console of their own, so a
// visible window is pure noise on Windows.
func configurePlatformProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
}
