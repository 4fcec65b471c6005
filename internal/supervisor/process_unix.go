//go:build !windows
// +build !windows

package supervisor

import (
	"os/exec"
	"syscall"
)

// configurePlatformProcess places the child in its own process group so
// a future group-wide signal can reach helper processes the child
// itself forks, without affecting rally's own process group.
func configurePlatformProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
