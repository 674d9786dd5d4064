//go:build unix

// Package procgroup runs child processes in their own process group so that
// terminating a child also terminates everything it spawned.
package procgroup

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Configure places cmd in a new process group.
func Configure(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// ConfigureCancel is Configure for commands built with exec.CommandContext:
// cancellation kills the whole group instead of only the direct child.
func ConfigureCancel(cmd *exec.Cmd) {
	Configure(cmd)
	cmd.Cancel = func() error {
		return Kill(cmd)
	}
}

// Kill sends SIGKILL to the process group of a started cmd. A group that
// has already exited is not an error.
func Kill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
