//go:build unix

package handlers

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup starts the command in its own process group and
// kills the whole group on cancellation, so children of sh -c die too.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
