package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/tetherlabs/tether/internal/protocol"
)

const disconnectTimeout = 5 * time.Second

// handleRunnerWS terminates a runner WebSocket. The first frame must be
// runner:register with valid credentials; everything after that is
// heartbeats and per-session terminal traffic.
func (s *Server) handleRunnerWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		slog.Error("runner websocket accept", "error", err)
		return
	}
	conn.SetReadLimit(maxFrameSize)
	defer conn.CloseNow()

	wc := newWSConn(conn)
	defer wc.close(websocket.StatusNormalClosure, "")

	ctx := r.Context()

	_, data, err := conn.Read(ctx)
	if err != nil {
		return
	}
	var reg protocol.RunnerRegister
	if err := json.Unmarshal(data, &reg); err != nil || reg.Type != protocol.EvRunnerRegister {
		wc.sendJSON(protocol.ErrorMsg{Type: protocol.EvError, Code: protocol.CodeInvalidFormat, Message: "expected runner:register"})
		wc.close(websocket.StatusPolicyViolation, "expected runner:register")
		return
	}
	if reg.RunnerID == "" || !s.auth.ValidateRunner(reg.RunnerID, reg.Secret) {
		slog.Warn("runner rejected", "runnerId", reg.RunnerID, "conn", wc.id)
		wc.sendJSON(protocol.ErrorMsg{Type: protocol.EvError, Code: protocol.CodeUnauthorized, Message: "invalid runner credentials"})
		wc.close(websocket.StatusPolicyViolation, "unauthorized")
		return
	}

	rc := &runnerConn{wsConn: wc, runnerID: reg.RunnerID, status: runnerStatusOnline, connectedAt: time.Now()}
	if prev := s.runners.register(rc); prev != nil {
		slog.Info("runner replaced earlier socket", "runnerId", rc.runnerID, "prev", prev.id)
		prev.close(websocket.StatusPolicyViolation, "replaced by newer registration")
	}
	connectedRunners.Inc()
	defer s.runnerDisconnected(rc)

	entry, err := s.pairing.RunnerRegistered(ctx, rc.runnerID)
	if err != nil {
		slog.Error("allocate pairing code", "runnerId", rc.runnerID, "error", err)
		wc.sendJSON(protocol.ErrorMsg{Type: protocol.EvError, Code: protocol.CodeInternal, Message: "could not allocate pairing code"})
		return
	}
	wc.sendJSON(protocol.RunnerRegistered{
		Type:        protocol.EvRunnerRegistered,
		RunnerID:    rc.runnerID,
		PairingCode: entry.Code,
		ExpiresAt:   entry.ExpiresAt,
	})
	slog.Info("runner registered", "runnerId", rc.runnerID, "conn", wc.id)

	s.notifyPairedApps(ctx, rc.runnerID, protocol.RunnerPresence{Type: protocol.EvRunnerOnline, RunnerID: rc.runnerID})

	go s.pingLoop(ctx, conn, wc)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			slog.Info("runner disconnected", "runnerId", rc.runnerID, "error", err)
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		switch env.Type {
		case protocol.EvRunnerHeartbeat:
			if err := s.pairing.Liveness.Beat(ctx, rc.runnerID); err != nil {
				slog.Warn("record heartbeat", "runnerId", rc.runnerID, "error", err)
				wc.sendJSON(protocol.ErrorMsg{Type: protocol.EvError, Code: protocol.CodeInternal, Message: "heartbeat not recorded"})
				continue
			}
			wc.sendJSON(protocol.RunnerHeartbeatAck{Type: protocol.EvRunnerHeartbeatAck})

		case protocol.EvTerminalOutput, protocol.EvHistoryResponse:
			var partial struct {
				SessionID string `json:"sessionId"`
			}
			if err := json.Unmarshal(data, &partial); err != nil {
				continue
			}
			s.forwardToApp(rc, partial.SessionID, data)

		case protocol.EvSessionEnded:
			var partial struct {
				SessionID string `json:"sessionId"`
			}
			if err := json.Unmarshal(data, &partial); err != nil {
				continue
			}
			sess := s.ptys.get(partial.SessionID)
			if sess == nil || sess.runnerID != rc.runnerID {
				continue
			}
			if app := sess.currentApp(); app != nil {
				app.enqueue(data)
			}
			s.ptys.remove(partial.SessionID)
			activeSessions.Dec()
			slog.Info("session ended", "sessionId", partial.SessionID, "runnerId", rc.runnerID)

		default:
			slog.Debug("runner sent unknown event", "runnerId", rc.runnerID, "type", env.Type)
		}
	}
}

// forwardToApp relays a runner frame to the session's current app socket.
// Frames for unknown sessions, sessions owned by another runner, or
// detached sessions are dropped.
func (s *Server) forwardToApp(rc *runnerConn, sessionID string, data []byte) {
	sess := s.ptys.get(sessionID)
	if sess == nil || sess.runnerID != rc.runnerID {
		droppedFrames.WithLabelValues("no_session").Inc()
		return
	}
	app := sess.currentApp()
	if app == nil {
		droppedFrames.WithLabelValues("detached").Inc()
		return
	}
	app.enqueue(data)
	forwardedFrames.WithLabelValues("runner_to_app").Inc()
}

// runnerDisconnected runs the disconnect protocol for a runner socket:
// end its sessions, invalidate its code and liveness, and tell paired apps
// it went offline. If the directory entry no longer points at this socket
// (a newer registration displaced it), only the socket itself goes away.
func (s *Server) runnerDisconnected(rc *runnerConn) {
	connectedRunners.Dec()
	if !s.runners.unregister(rc.runnerID, rc.id) {
		return
	}

	// The request context died with the socket.
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()

	for _, sess := range s.ptys.removeForRunner(rc.runnerID) {
		if app := sess.currentApp(); app != nil {
			app.sendJSON(protocol.SessionEnded{Type: protocol.EvSessionEnded, SessionID: sess.id, Reason: "runner disconnected"})
		}
		activeSessions.Dec()
	}

	tokens, err := s.pairing.RunnerDisconnected(ctx, rc.runnerID)
	if err != nil {
		slog.Error("runner disconnect cleanup", "runnerId", rc.runnerID, "error", err)
		return
	}
	offline := protocol.RunnerPresence{Type: protocol.EvRunnerOffline, RunnerID: rc.runnerID}
	for _, token := range tokens {
		if app := s.apps.current(token); app != nil {
			app.sendJSON(offline)
		}
	}
}

// notifyPairedApps sends ev to the current socket of every app paired with
// runnerID.
func (s *Server) notifyPairedApps(ctx context.Context, runnerID string, ev any) {
	tokens, err := s.pairing.Sessions.AppsByRunner(ctx, runnerID)
	if err != nil {
		slog.Warn("list paired apps", "runnerId", runnerID, "error", err)
		return
	}
	for _, token := range tokens {
		if app := s.apps.current(token); app != nil {
			app.sendJSON(ev)
		}
	}
}
