//go:build unix

package provider

import (
	"os/exec"
	"syscall"
)

// killProcessGroup makes cancellation kill the whole process group, so
// helpers spawned by the command (ffmpeg, shells) do not outlive it.
func killProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
