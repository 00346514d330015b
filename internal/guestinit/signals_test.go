//go:build linux

package guestinit

import (
	"os/exec"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestExitCodeForWaitStatus_SignalKilledChildMaps128PlusSignal is the
// exact footgun SPEC_FULL.md §8 scenario 3 calls out: naively trusting
// ProcessState.ExitCode() for a self-signaled child yields -1, not 137.
// This drives a real child through SIGKILL so the WaitStatus reflects an
// actual signal termination rather than a hand-built one.
func TestExitCodeForWaitStatus_SignalKilledChildMaps128PlusSignal(t *testing.T) {
	cmd := exec.Command("/bin/sleep", "30")
	require.NoError(t, cmd.Start())

	require.NoError(t, cmd.Process.Kill()) // sends SIGKILL

	err := cmd.Wait()
	require.Error(t, err, "a signal-killed child reports a non-nil error from Wait")

	require.NotNil(t, cmd.ProcessState)
	ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus)
	require.True(t, ok, "ProcessState.Sys() must be a syscall.WaitStatus on linux")
	require.True(t, ws.Signaled())
	require.Equal(t, syscall.SIGKILL, ws.Signal())

	require.EqualValues(t, -1, cmd.ProcessState.ExitCode(), "ExitCode() alone is the footgun: -1, not 137")
	require.EqualValues(t, 137, exitCodeForWaitStatus(ws))
}

func TestExitCodeForWaitStatus_NormalExitReturnsCode(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "exit 7")
	err := cmd.Run()

	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	require.True(t, ok)
	require.True(t, ws.Exited())

	require.EqualValues(t, 7, exitCodeForWaitStatus(ws))
}
