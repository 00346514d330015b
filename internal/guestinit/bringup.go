//go:build linux

// Package guestinit is the guest-side PID-1 binary: filesystem bringup,
// signal handling, the vsock control/forward listeners, and the exec/PTY/
// mount/forward session handlers that run inside each accepted connection.
package guestinit

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/shuru-dev/shuru/internal/logging"
)

const hostname = "shuru"

// Bringup mounts the pseudo-filesystems, sets the hostname, and brings up
// loopback networking. Failures here are diagnostic-only: a sandbox missing
// /proc is degraded, not unbootable, so bringup logs and continues rather
// than aborting PID 1.
func Bringup(log *logging.Logger) {
	mounts := []struct {
		source, target, fstype, data string
		flags                        uintptr
	}{
		{"proc", "/proc", "proc", "", 0},
		{"sysfs", "/sys", "sysfs", "", 0},
		{"devtmpfs", "/dev", "devtmpfs", "", 0},
		{"tmpfs", "/tmp", "tmpfs", "", 0},
	}
	for _, m := range mounts {
		if err := unix.Mount(m.source, m.target, m.fstype, m.flags, m.data); err != nil {
			log.Warn("mount failed", "target", m.target, "error", err)
		}
	}

	if err := os.MkdirAll("/dev/pts", 0o755); err != nil {
		log.Warn("mkdir /dev/pts failed", "error", err)
	} else if err := unix.Mount("devpts", "/dev/pts", "devpts", 0, "newinstance,ptmxmode=0666"); err != nil {
		log.Warn("mount /dev/pts failed", "error", err)
	}

	if err := unix.Sethostname([]byte(hostname)); err != nil {
		log.Warn("sethostname failed", "error", err)
	}

	if err := bringUpLoopback(); err != nil {
		log.Warn("loopback bringup failed", "error", err)
	}
	if hasAddr, err := interfaceHasAddress("eth0"); err != nil {
		log.Info("eth0 not present", "error", err)
	} else {
		log.Info("eth0 status", "has_address", hasAddr, "note", "address assignment is left to initramfs DHCP")
	}
}

// bringUpLoopback sets IFF_UP on "lo" via SIOCSIFFLAGS on a throwaway
// AF_INET/SOCK_DGRAM socket, the traditional ioctl-based way to toggle an
// interface's flags without a full netlink round trip.
func bringUpLoopback() error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	var ifr unix.Ifreq
	ifr, err = unix.NewIfreq("lo")
	if err != nil {
		return err
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFFLAGS, &ifr); err != nil {
		return err
	}
	flags := ifr.Uint16()
	ifr.SetUint16(flags | unix.IFF_UP | unix.IFF_RUNNING)
	return unix.IoctlIfreq(fd, unix.SIOCSIFFLAGS, &ifr)
}

func interfaceHasAddress(name string) (bool, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return false, err
	}
	defer unix.Close(fd)

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return false, err
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFADDR, &ifr); err != nil {
		if errors.Is(err, unix.EADDRNOTAVAIL) {
			return false, nil
		}
		return false, fmt.Errorf("interface %s: %w", name, err)
	}
	return true, nil
}
