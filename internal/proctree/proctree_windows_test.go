//go:build windows

package proctree

import (
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTaskkillError(t *testing.T) {
	t.Parallel()
	require.NoError(t, taskkillError(nil, nil, nil))

	err := exec.Command("cmd", "/c", "exit 128").Run()
	require.Error(t, err)
	require.ErrorIs(t, taskkillError([]string{"/PID", "1"}, []byte("FEHLER: Prozess nicht gefunden"), err), ErrNoProcess)

	err = exec.Command("cmd", "/c", "exit 1").Run()
	require.Error(t, err)
	err = taskkillError([]string{"/PID", "1"}, []byte("access denied"), err)
	require.NotErrorIs(t, err, ErrNoProcess)
	require.ErrorContains(t, err, "access denied")
}

func TestKillProcessTreeExited(t *testing.T) {
	t.Parallel()
	cmd := exec.Command("cmd", "/c", "exit 0")
	require.NoError(t, cmd.Run())
	require.ErrorIs(t, KillProcessTree(cmd.Process.Pid, Kill), ErrNoProcess)
}
