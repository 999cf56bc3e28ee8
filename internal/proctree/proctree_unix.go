//go:build !windows

package proctree

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Prepare starts the command in a new process group whose id equals the pid.
func Prepare(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// KillProcessTree signals the process group led by pid, then the pid
// itself if the group signal fails.
func KillProcessTree(pid int, sig Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	s := unix.SIGTERM
	if sig == Kill {
		s = unix.SIGKILL
	}

	groupErr := unix.Kill(-pid, s)
	if groupErr == nil {
		return nil
	}
	err := unix.Kill(pid, s)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.ESRCH):
		return ErrNoProcess
	default:
		return fmt.Errorf("signal %s to %d: %w", sig, pid, errors.Join(groupErr, err))
	}
}
