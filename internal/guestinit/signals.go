//go:build linux

package guestinit

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/shuru-dev/shuru/internal/logging"
)

// InstallSignalHandlers wires SIGTERM/SIGINT to a sync-then-power-off
// shutdown (the guest's half of a graceful host stop) and leaves SIGCHLD
// delivery to the Go runtime: reaping itself happens by polling Wait4 after
// every accept (see ReapZombies), not from within a signal handler.
func InstallSignalHandlers(log *logging.Logger) {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, unix.SIGTERM, unix.SIGINT, unix.SIGCHLD)
	go func() {
		for sig := range ch {
			switch sig {
			case unix.SIGTERM, unix.SIGINT:
				log.Info("shutdown signal received", "signal", sig.String())
				unix.Sync()
				if err := unix.Reboot(unix.LINUX_REBOOT_CMD_POWER_OFF); err != nil {
					log.Error("reboot failed", "error", err)
				}
			case unix.SIGCHLD:
				// handled by the polling reaper in the accept loop
			}
		}
	}()
}

// ReapZombies collects every finished child without blocking, mirroring the
// teacher's container-init reap loop (wait4(-1, WNOHANG) until none remain).
func ReapZombies(log *logging.Logger) {
	for {
		var status syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &status, syscall.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
		if log != nil {
			log.Debug("reaped child", "pid", pid)
		}
	}
}

// exitCodeForWaitStatus maps a process's termination status to the shell
// exit-code convention: the code itself if it exited normally, 128+signal if
// killed by a signal, else 1. This must use the raw WaitStatus rather than
// trust a bare ExitCode(), which would report -1 (not 137) for a
// self-signaled child (SPEC_FULL §8 scenario 3).
func exitCodeForWaitStatus(ws syscall.WaitStatus) int32 {
	switch {
	case ws.Exited():
		return int32(ws.ExitStatus())
	case ws.Signaled():
		return int32(128 + int(ws.Signal()))
	default:
		return 1
	}
}
