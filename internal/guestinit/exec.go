//go:build linux

package guestinit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"unsafe"

	"github.com/kr/pty"
	"golang.org/x/sys/unix"

	"github.com/shuru-dev/shuru/internal/logging"
	"github.com/shuru-dev/shuru/internal/protocol"
)

func decodeExecRequest(line []byte, req *protocol.ExecRequest) error {
	return json.Unmarshal(line, req)
}

func buildEnv(env map[string]string) []string {
	merged := map[string]string{
		"TERM": "xterm-256color",
		"PATH": "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
	}
	for k, v := range env {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

// runPipedExec spawns the command with piped stdout/stderr, buffers each
// stream into one frame, syncs the filesystem, then reports the exit code.
// The sync before exit is mandatory: a caller stopping the VM immediately on
// exit (checkpoint create) would otherwise lose writes.
func runPipedExec(req protocol.ExecRequest, w *protocol.Writer, log *logging.Logger) {
	cmd := exec.Command(req.Argv[0], req.Argv[1:]...)
	cmd.Env = buildEnv(req.Env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if log != nil {
		log.LogExec(req.Argv, false)
	}

	err := cmd.Run()

	if stdout.Len() > 0 {
		_ = w.WriteFrame(protocol.ExecResponse{Type: protocol.ExecStdout, Data: stdout.String()})
	}
	if stderr.Len() > 0 {
		_ = w.WriteFrame(protocol.ExecResponse{Type: protocol.ExecStderr, Data: stderr.String()})
	}

	unix.Sync()

	code := exitCodeFromError(cmd, err)
	if log != nil {
		log.LogExecExit(code)
	}
	_ = w.WriteFrame(protocol.ExecResponse{Type: protocol.ExecExit, Code: code})
}

func exitCodeFromError(cmd *exec.Cmd, err error) int32 {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			return exitCodeForWaitStatus(ws)
		}
		return int32(exitErr.ExitCode())
	}
	return 1
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

// runPTYExec allocates a PTY, starts the command attached to it, and runs
// the bidirectional poll loop until the child exits or the session closes.
func runPTYExec(req protocol.ExecRequest, conn *vsockConn, w *protocol.Writer, r *protocol.Reader, log *logging.Logger) {
	cmd := exec.Command(req.Argv[0], req.Argv[1:]...)
	cmd.Env = buildEnv(req.Env)

	master, err := pty.Start(cmd)
	if err != nil {
		_ = w.WriteFrame(protocol.ExecResponse{Type: protocol.ExecStdout, Data: fmt.Sprintf("exec failed: %v\r\n", err)})
		_ = w.WriteFrame(protocol.ExecResponse{Type: protocol.ExecExit, Code: 127})
		return
	}
	defer master.Close()

	_ = pty.Setsize(master, &pty.Winsize{Rows: req.Rows, Cols: req.Cols})

	if log != nil {
		log.LogExec(req.Argv, true)
	}

	ptyPollLoop(conn, master, cmd, w, r, log)

	_ = cmd.Wait()
	unix.Sync()

	var ws syscall.WaitStatus
	if cmd.ProcessState != nil {
		if s, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok {
			ws = s
		}
	}
	code := exitCodeForWaitStatus(ws)
	if log != nil {
		log.LogExecExit(code)
	}
	_ = w.WriteFrame(protocol.ExecResponse{Type: protocol.ExecExit, Code: code})
}

// ptyPollLoop relays bytes between the vsock session and the PTY master
// until the session hangs up (POLLHUP, after which the child receives
// SIGHUP) or the master hangs up (the child has exited, after draining any
// remaining output).
func ptyPollLoop(conn *vsockConn, master *os.File, cmd *exec.Cmd, w *protocol.Writer, r *protocol.Reader, log *logging.Logger) {
	sessionFd := conn.Fd()
	masterFd := int(master.Fd())

	var lineBuf []byte
	outBuf := make([]byte, 4096)

	for {
		fds := []unix.PollFd{
			{Fd: int32(sessionFd), Events: unix.POLLIN},
			{Fd: int32(masterFd), Events: unix.POLLIN},
		}
		n, err := unix.Poll(fds, 200)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		if n == 0 {
			continue
		}

		if fds[0].Revents&(unix.POLLHUP|unix.POLLERR) != 0 {
			_ = cmd.Process.Signal(syscall.SIGHUP)
			return
		}
		if fds[0].Revents&unix.POLLIN != 0 {
			buf := make([]byte, 4096)
			n, err := unix.Read(sessionFd, buf)
			if n > 0 {
				lineBuf = append(lineBuf, buf[:n]...)
				lineBuf = drainControlLines(lineBuf, master)
			}
			if err != nil && n <= 0 {
				_ = cmd.Process.Signal(syscall.SIGHUP)
				return
			}
		}

		if fds[1].Revents&unix.POLLIN != 0 {
			n, err := master.Read(outBuf)
			if n > 0 {
				_ = w.WriteFrame(protocol.ExecResponse{Type: protocol.ExecStdout, Data: string(outBuf[:n])})
			}
			if err != nil {
				return
			}
		}
		if fds[1].Revents&unix.POLLHUP != 0 {
			drainPTYOutput(master, w)
			return
		}
	}
}

func drainPTYOutput(master *os.File, w *protocol.Writer) {
	buf := make([]byte, 4096)
	for {
		n, err := master.Read(buf)
		if n > 0 {
			_ = w.WriteFrame(protocol.ExecResponse{Type: protocol.ExecStdout, Data: string(buf[:n])})
		}
		if err != nil {
			return
		}
	}
}

// drainControlLines extracts every complete newline-terminated ControlMessage
// from buf, applies it (write to master, or resize), and returns the
// remaining partial line.
func drainControlLines(buf []byte, master *os.File) []byte {
	for {
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			return buf
		}
		line := buf[:idx]
		buf = buf[idx+1:]

		var msg protocol.ControlMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case protocol.ControlStdin:
			_, _ = master.Write([]byte(msg.Data))
		case protocol.ControlResize:
			setWinsize(master, msg.Rows, msg.Cols)
		}
	}
}

type winsize struct {
	Rows, Cols, Xpixel, Ypixel uint16
}

func setWinsize(f *os.File, rows, cols uint16) {
	ws := winsize{Rows: rows, Cols: cols}
	_, _, _ = syscall.Syscall(syscall.SYS_IOCTL, f.Fd(), uintptr(unix.TIOCSWINSZ), uintptr(unsafe.Pointer(&ws)))
}
