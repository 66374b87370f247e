package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/tetherlabs/tether/internal/protocol"
)

// ErrAuthRejected is returned when the broker refuses the runner's credentials.
var ErrAuthRejected = errors.New("broker rejected runner credentials")

var errNotConnected = errors.New("not connected")

const (
	heartbeatInterval = 15 * time.Second
	writeTimeout      = 10 * time.Second
	outputInterval    = 100 * time.Millisecond
	reconnectBase     = time.Second
	reconnectMax      = 10 * time.Second
)

// Client is the outbound WebSocket agent that connects a runner host to the
// broker, keeps its liveness record fresh and serves PTY sessions.
type Client struct {
	BrokerURL string // e.g. "wss://broker.example.com/ws/runner"
	RunnerID  string
	Secret    string

	Shell   string // login shell; defaults to $SHELL, then /bin/bash
	Workdir string // initial working directory; defaults to the home dir

	History HistoryProvider // optional transcript source

	// OnPairingCode is called each time the broker issues a fresh pairing
	// code for this runner.
	OnPairingCode func(code string, expiresAt time.Time)

	mu   sync.Mutex
	conn *websocket.Conn

	sessMu   sync.Mutex
	sessions map[string]*session

	heartbeat time.Duration // heartbeat period; heartbeatInterval when zero
}

// Run connects to the broker and serves sessions until ctx is cancelled,
// reconnecting with exponential backoff. Returns ErrAuthRejected without
// retrying when the broker refuses the runner's credentials.
func (c *Client) Run(ctx context.Context) error {
	backoff := NewBackoff(reconnectBase, reconnectMax)
	for {
		connected, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrAuthRejected) {
			return err
		}
		if connected {
			backoff.Reset()
		}
		delay := backoff.Next()
		slog.Warn("broker disconnected", "error", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context) (connected bool, err error) {
	conn, _, dialErr := websocket.Dial(ctx, c.BrokerURL, nil)
	if dialErr != nil {
		return false, fmt.Errorf("dial: %w", dialErr)
	}
	conn.SetReadLimit(512 * 1024) // matches the broker's read limit
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer conn.CloseNow()
	defer c.closeAllSessions()
	connected = true

	c.sessMu.Lock()
	if c.sessions == nil {
		c.sessions = make(map[string]*session)
	}
	c.sessMu.Unlock()

	// Credentials go in the first frame; the broker closes the socket on
	// anything else.
	reg := protocol.RunnerRegister{
		Type:     protocol.EvRunnerRegister,
		RunnerID: c.RunnerID,
		Secret:   c.Secret,
	}
	if err := c.writeJSON(reg); err != nil {
		return connected, fmt.Errorf("register: %w", err)
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go c.heartbeatLoop(hbCtx)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return connected, fmt.Errorf("read: %w", err)
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Debug("bad frame", "error", err)
			continue
		}

		switch env.Type {
		case protocol.EvRunnerRegistered:
			var msg protocol.RunnerRegistered
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			slog.Info("registered with broker", "runner", msg.RunnerID, "pairing_code", msg.PairingCode)
			if c.OnPairingCode != nil {
				c.OnPairingCode(msg.PairingCode, time.UnixMilli(msg.ExpiresAt))
			}

		case protocol.EvRunnerHeartbeatAck:
			// liveness confirmed

		case protocol.EvCreateSession:
			var msg protocol.CreateSession
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if c.session(msg.SessionID) != nil {
				// The broker re-sends create_session when an app
				// reconnects to a live session.
				continue
			}
			if _, err := c.startSession(msg.SessionID); err != nil {
				slog.Error("session spawn failed", "session", msg.SessionID, "error", err)
				c.writeJSON(protocol.SessionEnded{
					Type:      protocol.EvSessionEnded,
					SessionID: msg.SessionID,
					Reason:    "spawn failed",
				})
			}

		case protocol.EvTerminalInput:
			var msg protocol.TerminalInput
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if sess := c.session(msg.SessionID); sess != nil {
				select {
				case sess.input <- []byte(msg.Data):
				default:
				}
			}

		case protocol.EvTerminalResize:
			var msg protocol.TerminalResize
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if sess := c.session(msg.SessionID); sess != nil {
				if err := sess.resize(msg.Cols, msg.Rows); err != nil {
					slog.Debug("resize failed", "session", msg.SessionID, "error", err)
				}
			}

		case protocol.EvHistoryRequest:
			var msg protocol.HistoryRequest
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			go c.handleHistory(msg)

		case protocol.EvError:
			var msg protocol.ErrorMsg
			json.Unmarshal(data, &msg)
			if msg.Code == protocol.CodeUnauthorized {
				return connected, ErrAuthRejected
			}
			slog.Warn("broker error", "code", msg.Code, "message", msg.Message)

		default:
			slog.Debug("unhandled frame", "type", env.Type)
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	hb := c.heartbeat
	if hb == 0 {
		hb = heartbeatInterval
	}
	ticker := time.NewTicker(hb)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg := protocol.RunnerHeartbeat{Type: protocol.EvRunnerHeartbeat, RunnerID: c.RunnerID}
			if err := c.writeJSON(msg); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleHistory(req protocol.HistoryRequest) {
	resp := protocol.HistoryResponse{
		Type:      protocol.EvHistoryResponse,
		SessionID: req.SessionID,
		RequestID: req.RequestID,
	}
	if c.History == nil {
		resp.Error = "history not available"
	} else if entries, err := c.History.History(req.SessionID); err != nil {
		resp.Error = err.Error()
	} else {
		resp.Entries = entries
	}
	if err := c.writeJSON(resp); err != nil {
		slog.Debug("history response dropped", "session", req.SessionID, "error", err)
	}
}

func (c *Client) session(id string) *session {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	return c.sessions[id]
}

// removeSession drops s from the table. If the id already points at a
// newer session (the broker recreated it while s was being reaped), the
// newer one stays.
func (c *Client) removeSession(s *session) {
	c.sessMu.Lock()
	if c.sessions[s.id] == s {
		delete(c.sessions, s.id)
	}
	c.sessMu.Unlock()
}

// closeAllSessions terminates every PTY. Session records on the broker die
// with the runner connection, so the processes go too.
func (c *Client) closeAllSessions() {
	c.sessMu.Lock()
	sessions := c.sessions
	c.sessions = make(map[string]*session)
	c.sessMu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(s *session) {
			defer wg.Done()
			s.terminate()
		}(sess)
	}
	wg.Wait()
}

func (c *Client) writeJSON(v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
