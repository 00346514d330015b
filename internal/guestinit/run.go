//go:build linux

package guestinit

import (
	"github.com/shuru-dev/shuru/internal/logging"
)

const (
	ControlPort = 1024
	ForwardPort = 1025
)

// Run is cmd/shuru-guest's entire PID-1 body: bringup, signal handlers, then
// the two vsock accept loops for the lifetime of the VM.
func Run(log *logging.Logger) error {
	Bringup(log)
	InstallSignalHandlers(log)

	control, err := listenVsock(ControlPort)
	if err != nil {
		return err
	}
	forwardLn, err := listenVsock(ForwardPort)
	if err != nil {
		return err
	}

	go forwardAcceptLoop(forwardLn, log)
	controlAcceptLoop(control, log)
	return nil
}

// controlAcceptLoop accepts one connection at a time, spawns a worker
// goroutine per session, and reaps finished children after every accept.
func controlAcceptLoop(ln *vsockListener, log *logging.Logger) {
	for {
		conn, err := ln.Accept()
		ReapZombies(log)
		if err != nil {
			log.Error("control accept failed", "error", err)
			continue
		}
		go handleSession(conn, log)
	}
}
