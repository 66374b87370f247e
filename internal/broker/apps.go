package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/tetherlabs/tether/internal/pairing"
	"github.com/tetherlabs/tether/internal/protocol"
)

// appConn is one app socket together with its authentication state.
// bearer and userID are only touched by the socket's read goroutine.
type appConn struct {
	*wsConn
	clientToken string
	resumable   bool
	bearer      string
	userID      string
}

// appEntry is the set of live sockets sharing one clientToken. The newest
// socket is current; older ones stay readable but receive no fan-out.
type appEntry struct {
	current *appConn
	conns   map[string]*appConn
}

// appRegistry tracks live app sockets by clientToken.
type appRegistry struct {
	mu      sync.RWMutex
	byToken map[string]*appEntry
}

func newAppRegistry() *appRegistry {
	return &appRegistry{byToken: make(map[string]*appEntry)}
}

// add registers conn as the token's current socket and returns the socket
// it displaced, if any.
func (r *appRegistry) add(token string, conn *appConn) *appConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.byToken[token]
	if e == nil {
		e = &appEntry{conns: make(map[string]*appConn)}
		r.byToken[token] = e
	}
	prev := e.current
	e.current = conn
	e.conns[conn.id] = conn
	return prev
}

// remove drops conn from its token's entry. The current pointer is cleared
// only while it still points at conn; the entry goes away with its last
// socket.
func (r *appRegistry) remove(token string, conn *appConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.byToken[token]
	if e == nil {
		return
	}
	delete(e.conns, conn.id)
	if e.current == conn {
		e.current = nil
	}
	if len(e.conns) == 0 {
		delete(r.byToken, token)
	}
}

// current returns the token's current socket, or nil.
func (r *appRegistry) current(token string) *appConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e := r.byToken[token]; e != nil {
		return e.current
	}
	return nil
}

func (r *appRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.byToken {
		n += len(e.conns)
	}
	return n
}

// all snapshots every live app socket across tokens.
func (r *appRegistry) all() []*appConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*appConn
	for _, e := range r.byToken {
		for _, c := range e.conns {
			out = append(out, c)
		}
	}
	return out
}

// handleAppWS terminates an app WebSocket. The clientToken comes from the
// query string or the X-Client-Token header; a socket that presents none
// is keyed by its own connection id and cannot resume sessions later.
func (s *Server) handleAppWS(w http.ResponseWriter, r *http.Request) {
	clientToken := r.URL.Query().Get("clientToken")
	if clientToken == "" {
		clientToken = r.Header.Get("X-Client-Token")
	}

	conn, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		slog.Error("app websocket accept", "error", err)
		return
	}
	conn.SetReadLimit(maxFrameSize)
	defer conn.CloseNow()

	wc := newWSConn(conn)
	defer wc.close(websocket.StatusNormalClosure, "")

	app := &appConn{wsConn: wc, clientToken: clientToken, resumable: clientToken != ""}
	if app.clientToken == "" {
		app.clientToken = wc.id
	}

	s.apps.add(app.clientToken, app)
	connectedApps.Inc()
	if taken := s.ptys.takeoverAll(app.clientToken, wc); taken > 0 {
		slog.Info("app socket took over sessions", "conn", wc.id, "sessions", taken)
	}
	defer func() {
		s.ptys.detachAll(wc)
		s.apps.remove(app.clientToken, app)
		connectedApps.Dec()
	}()

	ctx := r.Context()
	go s.pingLoop(ctx, conn, wc)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			slog.Debug("app disconnected", "conn", wc.id, "error", err)
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		switch env.Type {
		case protocol.EvAppAuth:
			var msg protocol.AppAuth
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			claims, err := s.auth.ValidateAppToken(msg.Token)
			if err != nil {
				wc.sendJSON(protocol.ErrorMsg{Type: protocol.EvError, Code: protocol.CodeUnauthorized, Message: "invalid bearer token"})
				wc.close(websocket.StatusPolicyViolation, "unauthorized")
				return
			}
			app.bearer = msg.Token
			app.userID = claims.Subject
			wc.sendJSON(protocol.AppAuthenticated{
				Type:    protocol.EvAppAuthenticated,
				UserID:  app.userID,
				Runners: s.runners.onlineIDs(),
			})
			slog.Info("app authenticated", "conn", wc.id, "userId", app.userID)

		case protocol.EvTerminalInput, protocol.EvTerminalResize:
			// Terminal frames are never answered; missing auth or unknown
			// sessions drop silently.
			if !s.authorized(app) {
				droppedFrames.WithLabelValues("unauthorized").Inc()
				continue
			}
			var partial struct {
				SessionID string `json:"sessionId"`
			}
			if err := json.Unmarshal(data, &partial); err != nil {
				continue
			}
			sess := s.ptys.get(partial.SessionID)
			if sess == nil || sess.clientToken != app.clientToken {
				droppedFrames.WithLabelValues("no_session").Inc()
				continue
			}
			rc := s.runners.get(sess.runnerID)
			if rc == nil {
				droppedFrames.WithLabelValues("runner_gone").Inc()
				continue
			}
			rc.enqueue(data)
			forwardedFrames.WithLabelValues("app_to_runner").Inc()

		case protocol.EvAppPair:
			if !s.authorized(app) {
				rejectUnauthorized(app)
				return
			}
			var msg protocol.AppPair
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			s.handlePair(ctx, app, msg.Code)

		case protocol.EvAppPairingStatus:
			if !s.authorized(app) {
				rejectUnauthorized(app)
				return
			}
			s.handlePairingStatus(ctx, app)

		case protocol.EvAppUnpair:
			if !s.authorized(app) {
				rejectUnauthorized(app)
				return
			}
			s.handleUnpair(ctx, app)

		case protocol.EvConnectRunner:
			if !s.authorized(app) {
				rejectUnauthorized(app)
				return
			}
			var msg protocol.ConnectRunner
			if err := json.Unmarshal(data, &msg); err != nil || msg.RunnerID == "" || msg.SessionID == "" {
				wc.sendJSON(protocol.ErrorMsg{Type: protocol.EvError, Code: protocol.CodeInvalidFormat, Message: "connect_runner needs runnerId and sessionId"})
				continue
			}
			s.handleConnectRunner(ctx, app, msg)

		case protocol.EvSessionResume:
			if !s.authorized(app) {
				rejectUnauthorized(app)
				return
			}
			var msg protocol.SessionResume
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			active := false
			if sess := s.ptys.get(msg.SessionID); sess != nil && sess.clientToken == app.clientToken {
				sess.attach(wc)
				active = true
			}
			wc.sendJSON(protocol.SessionResumed{Type: protocol.EvSessionResumed, SessionID: msg.SessionID, Active: active})

		case protocol.EvHistoryRequest:
			if !s.authorized(app) {
				rejectUnauthorized(app)
				return
			}
			var msg protocol.HistoryRequest
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			sess := s.ptys.get(msg.SessionID)
			if sess == nil || sess.clientToken != app.clientToken {
				wc.sendJSON(protocol.ErrorMsg{Type: protocol.EvError, Code: protocol.CodeSessionNotFound, Message: "unknown session"})
				continue
			}
			rc := s.runners.get(sess.runnerID)
			if rc == nil {
				wc.sendJSON(protocol.ErrorMsg{Type: protocol.EvError, Code: protocol.CodeRunnerOffline, Message: "runner is offline"})
				continue
			}
			rc.enqueue(data)

		default:
			slog.Debug("app sent unknown event", "conn", wc.id, "type", env.Type)
		}
	}
}

// authorized re-validates the socket's remembered bearer token. Expiry is
// enforced on every control event, not only at auth time.
func (s *Server) authorized(app *appConn) bool {
	if app.bearer == "" {
		return false
	}
	_, err := s.auth.ValidateAppToken(app.bearer)
	return err == nil
}

func rejectUnauthorized(app *appConn) {
	app.sendJSON(protocol.ErrorMsg{Type: protocol.EvError, Code: protocol.CodeUnauthorized, Message: "authenticate first"})
	app.close(websocket.StatusPolicyViolation, "unauthorized")
}

func (s *Server) handlePair(ctx context.Context, app *appConn, code string) {
	sess, err := s.pairing.Pair(ctx, app.clientToken, code)
	if err != nil {
		frame := pairingErrorFrame(err)
		pairingAttempts.WithLabelValues(strings.ToLower(frame.Code)).Inc()
		app.sendJSON(frame)
		return
	}
	pairingAttempts.WithLabelValues("success").Inc()
	slog.Info("app paired", "conn", app.id, "runnerId", sess.RunnerID)
	app.sendJSON(protocol.PairingSuccess{
		Type:         protocol.EvPairingSuccess,
		RunnerID:     sess.RunnerID,
		PairedAt:     sess.PairedAt,
		RunnerOnline: true,
	})
}

// pairingErrorFrame translates a pairing failure into its wire form.
func pairingErrorFrame(err error) protocol.PairingError {
	frame := protocol.PairingError{Type: protocol.EvPairingError}
	var banned *pairing.BanError
	var offline *pairing.OfflineError
	switch {
	case errors.As(err, &banned):
		frame.Code = protocol.CodeRateLimited
		frame.Message = "too many failed attempts, try again later"
		frame.RemainingBanTime = banned.RemainingSecs
	case errors.Is(err, pairing.ErrInvalidFormat):
		frame.Code = protocol.CodeInvalidFormat
		frame.Message = "pairing codes look like XXX-XXX-XXX"
	case errors.Is(err, pairing.ErrCodeNotFound):
		frame.Code = protocol.CodeNotFound
		frame.Message = "unknown pairing code"
	case errors.Is(err, pairing.ErrCodeExpired):
		frame.Code = protocol.CodeExpired
		frame.Message = "pairing code expired, restart the runner to get a fresh one"
	case errors.As(err, &offline):
		frame.Code = protocol.CodeRunnerOffline
		frame.Message = "runner is offline"
		frame.RunnerID = offline.RunnerID
	default:
		frame.Code = protocol.CodeInternal
		frame.Message = "pairing failed, try again"
	}
	return frame
}

func (s *Server) handlePairingStatus(ctx context.Context, app *appConn) {
	st, err := s.pairing.Status(ctx, app.clientToken)
	if err != nil {
		app.sendJSON(protocol.PairingError{Type: protocol.EvPairingError, Code: protocol.CodeInternal, Message: "status unavailable, try again"})
		return
	}
	app.sendJSON(protocol.PairingStatus{
		Type:         protocol.EvPairingStatus,
		IsPaired:     st.IsPaired,
		RunnerID:     st.RunnerID,
		PairedAt:     st.PairedAt,
		RunnerOnline: st.RunnerOnline,
	})
}

func (s *Server) handleUnpair(ctx context.Context, app *appConn) {
	err := s.pairing.Unpair(ctx, app.clientToken)
	switch {
	case errors.Is(err, pairing.ErrNotPaired):
		app.sendJSON(protocol.PairingError{Type: protocol.EvPairingError, Code: protocol.CodeNotPaired, Message: "not paired"})
	case err != nil:
		app.sendJSON(protocol.PairingError{Type: protocol.EvPairingError, Code: protocol.CodeInternal, Message: "unpair failed, try again"})
	default:
		slog.Info("app unpaired", "conn", app.id)
		app.sendJSON(protocol.PairingUnpaired{Type: protocol.EvPairingUnpaired})
	}
}

// handleConnectRunner opens (or re-targets) a PTY session on a paired
// runner and tells the runner to spawn the PTY.
func (s *Server) handleConnectRunner(ctx context.Context, app *appConn, msg protocol.ConnectRunner) {
	sess, err := s.pairing.Sessions.Get(ctx, app.clientToken)
	if errors.Is(err, pairing.ErrNotPaired) {
		app.sendJSON(protocol.ErrorMsg{Type: protocol.EvError, Code: protocol.CodeNotPaired, Message: "not paired with this runner"})
		return
	}
	if err != nil {
		app.sendJSON(protocol.ErrorMsg{Type: protocol.EvError, Code: protocol.CodeInternal, Message: "pairing lookup failed, try again"})
		return
	}
	if sess.RunnerID != msg.RunnerID {
		app.sendJSON(protocol.ErrorMsg{Type: protocol.EvError, Code: protocol.CodeNotPaired, Message: "not paired with this runner"})
		return
	}
	rc := s.runners.get(msg.RunnerID)
	if rc == nil {
		app.sendJSON(protocol.ErrorMsg{Type: protocol.EvError, Code: protocol.CodeRunnerOffline, Message: "runner is offline"})
		return
	}

	if existing := s.ptys.get(msg.SessionID); existing != nil {
		if existing.clientToken != app.clientToken {
			app.sendJSON(protocol.ErrorMsg{Type: protocol.EvError, Code: protocol.CodeSessionNotFound, Message: "session id unavailable"})
			return
		}
		if existing.runnerID == msg.RunnerID {
			// Same owner, same runner: re-target the app socket and ask the
			// runner again, which is a no-op for an already-running PTY.
			existing.attach(app.wsConn)
			rc.sendJSON(protocol.CreateSession{Type: protocol.EvCreateSession, SessionID: msg.SessionID})
			app.sendJSON(protocol.SessionCreated{Type: protocol.EvSessionCreated, SessionID: msg.SessionID})
			return
		}
		// Re-paired with a different runner; the old record is dead.
		s.ptys.remove(msg.SessionID)
		activeSessions.Dec()
	}

	s.ptys.add(&ptySession{
		id:          msg.SessionID,
		clientToken: app.clientToken,
		runnerID:    msg.RunnerID,
		app:         app.wsConn,
	})
	activeSessions.Inc()
	rc.sendJSON(protocol.CreateSession{Type: protocol.EvCreateSession, SessionID: msg.SessionID})
	app.sendJSON(protocol.SessionCreated{Type: protocol.EvSessionCreated, SessionID: msg.SessionID})
	slog.Info("session created", "sessionId", msg.SessionID, "runnerId", msg.RunnerID, "conn", app.id)
}
