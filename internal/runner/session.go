package runner

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/tetherlabs/tether/internal/protocol"
)

// session is one live PTY owned by this runner.
type session struct {
	id    string
	cmd   *exec.Cmd
	ptmx  *os.File
	out   *throttle
	input chan []byte

	done     chan struct{} // closed once the shell has been reaped
	readDone chan struct{} // closed when the PTY read loop exits
}

// startSession spawns a shell on a fresh PTY and begins streaming its
// output to the broker.
func (c *Client) startSession(id string) (*session, error) {
	shell := c.Shell
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/bash"
	}
	workdir := c.Workdir
	if workdir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			workdir = home
		}
	}

	cmd := exec.Command(shell)
	cmd.Dir = workdir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: 80, Rows: 24})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	sess := &session{
		id:       id,
		cmd:      cmd,
		ptmx:     ptmx,
		input:    make(chan []byte, 64),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	sess.out = newThrottle(outputInterval, func(data []byte) {
		if err := c.writeJSON(protocol.TerminalOutput{
			Type:      protocol.EvTerminalOutput,
			SessionID: id,
			Data:      string(data),
		}); err != nil {
			slog.Debug("terminal output dropped", "session", id, "error", err)
		}
	})

	c.sessMu.Lock()
	c.sessions[id] = sess
	c.sessMu.Unlock()

	go sess.readLoop()
	go sess.inputLoop()
	go sess.waitLoop(c)

	slog.Info("session started", "session", id, "shell", shell, "pid", cmd.Process.Pid)
	return sess, nil
}

// inputLoop feeds queued input to the PTY. A separate goroutine so a shell
// that stops reading cannot stall the client's read loop.
func (s *session) inputLoop() {
	for {
		select {
		case data := <-s.input:
			if _, err := s.ptmx.Write(data); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// readLoop copies PTY output into the throttle until the PTY closes.
func (s *session) readLoop() {
	defer close(s.readDone)
	buf := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.out.Write(data)
		}
		if err != nil {
			s.out.Close()
			return
		}
	}
}

// waitLoop reaps the shell, drains the last output and tells the broker
// the session is gone.
func (s *session) waitLoop(c *Client) {
	err := s.cmd.Wait()
	s.ptmx.Close()
	select {
	case <-s.readDone:
	case <-time.After(time.Second):
	}
	close(s.done)

	reason := ""
	if err != nil {
		reason = err.Error()
	}
	c.removeSession(s)
	if werr := c.writeJSON(protocol.SessionEnded{
		Type:      protocol.EvSessionEnded,
		SessionID: s.id,
		Reason:    reason,
	}); werr != nil {
		slog.Debug("session_ended not delivered", "session", s.id, "error", werr)
	}
	slog.Info("session ended", "session", s.id, "reason", reason)
}

// resize changes the PTY winsize.
func (s *session) resize(cols, rows int) error {
	return pty.Setsize(s.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// terminate asks the shell to exit and kills it if it lingers.
func (s *session) terminate() {
	if s.cmd.Process != nil {
		s.cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case <-s.done:
	case <-time.After(3 * time.Second):
		if s.cmd.Process != nil {
			s.cmd.Process.Kill()
		}
	}
}
