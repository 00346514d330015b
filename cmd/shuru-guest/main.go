//go:build linux

// Command shuru-guest is the PID-1 process inside the sandboxed VM.
package main

import (
	"os"

	"github.com/shuru-dev/shuru/internal/guestinit"
	"github.com/shuru-dev/shuru/internal/logging"
)

func main() {
	log, err := logging.New(logging.Config{Level: "info"})
	if err != nil {
		os.Exit(1)
	}
	defer log.Close()

	if err := guestinit.Run(log); err != nil {
		log.Error("guest init failed", "error", err)
		os.Exit(1)
	}
}
