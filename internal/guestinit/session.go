//go:build linux

package guestinit

import (
	"io"

	"github.com/shuru-dev/shuru/internal/logging"
	"github.com/shuru-dev/shuru/internal/protocol"
)

// handleSession is the per-connection worker for the control port: it reads
// a sequence of MountRequest lines (identified by the presence of a "tag"
// field) followed by exactly one ExecRequest, then dispatches to the piped
// or PTY exec handler.
func handleSession(conn *vsockConn, log *logging.Logger) {
	defer conn.Close()

	w := protocol.NewWriter(conn)
	r := protocol.NewReader(conn)

	for {
		line, err := r.ReadLine()
		if err != nil {
			if err != io.EOF {
				log.Warn("session read failed", "error", err)
			}
			return
		}
		if len(line) == 0 {
			continue
		}

		if protocol.HasTag(line) {
			handleMountLine(line, w, log)
			continue
		}

		handleExecLine(line, conn, w, r, log)
		return
	}
}

func handleMountLine(line []byte, w *protocol.Writer, log *logging.Logger) {
	var req protocol.MountRequest
	resp := mountRequestFromLine(line, &req)
	if log != nil {
		log.LogMount(req.Tag, req.GuestPath, req.Persistent, resp.OK, resp.Error)
	}
	_ = w.WriteFrame(resp)
}

func handleExecLine(line []byte, conn *vsockConn, w *protocol.Writer, r *protocol.Reader, log *logging.Logger) {
	var req protocol.ExecRequest
	if err := decodeExecRequest(line, &req); err != nil {
		_ = w.WriteFrame(protocol.ExecResponse{Type: protocol.ExecError, Data: "invalid exec request"})
		return
	}
	req.Normalize()
	if len(req.Argv) == 0 {
		_ = w.WriteFrame(protocol.ExecResponse{Type: protocol.ExecError, Data: "empty argv"})
		return
	}

	if req.TTY {
		runPTYExec(req, conn, w, r, log)
		return
	}
	runPipedExec(req, w, log)
}
