//go:build windows

package proctree

import (
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// Prepare detaches the command into its own process group so console
// control events sent to the host do not reach it.
func Prepare(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.CreationFlags |= syscall.CREATE_NEW_PROCESS_GROUP
}

// KillProcessTree runs taskkill /T, adding /F for Kill.
func KillProcessTree(pid int, sig Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	args := []string{"/PID", strconv.Itoa(pid), "/T"}
	if sig == Kill {
		args = append(args, "/F")
	}
	out, err := exec.Command("taskkill", args...).CombinedOutput()
	return taskkillError(args, out, err)
}

// taskkill exits with 128 when no process matches, whatever the locale of
// its message is.
const taskkillNotFound = 128

func taskkillError(args []string, out []byte, err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == taskkillNotFound {
		return ErrNoProcess
	}
	return fmt.Errorf("taskkill %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
}
