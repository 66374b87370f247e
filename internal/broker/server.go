// Package broker implements the relay between apps and runners: it
// terminates both WebSocket gateways, owns the in-memory runner directory
// and PTY session table, and drives the pairing engine underneath them.
package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tetherlabs/tether/internal/auth"
	"github.com/tetherlabs/tether/internal/pairing"
	"github.com/tetherlabs/tether/internal/protocol"
	"github.com/tetherlabs/tether/internal/store"
)

const (
	maxFrameSize = 512 * 1024
	pingInterval = 25 * time.Second
	pongTimeout  = 60 * time.Second
)

// Config carries the broker's HTTP-level settings.
type Config struct {
	CORSOrigins    []string
	RequestsPerSec float64
	Burst          int
}

// Server is the relay broker.
type Server struct {
	auth    *auth.Validator
	pairing *pairing.Service

	runners *runnerDirectory
	apps    *appRegistry
	ptys    *sessionTable

	cors    []string
	mux     *http.ServeMux
	handler http.Handler
	metrics *prometheus.Registry
}

func NewServer(st *store.Store, validator *auth.Validator, cfg Config) (*Server, error) {
	reg, err := newMetricsRegistry()
	if err != nil {
		return nil, err
	}
	s := &Server{
		auth:    validator,
		pairing: pairing.NewService(st),
		runners: newRunnerDirectory(),
		apps:    newAppRegistry(),
		ptys:    newSessionTable(),
		cors:    cfg.CORSOrigins,
		mux:     http.NewServeMux(),
		metrics: reg,
	}
	s.mux.HandleFunc("GET /ws/app", s.handleAppWS)
	s.mux.HandleFunc("GET /ws/runner", s.handleRunnerWS)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	s.handler = http.Handler(s.mux)
	if cfg.RequestsPerSec > 0 {
		s.handler = NewRateLimiter(cfg.RequestsPerSec, cfg.Burst).Middleware(s.mux)
	}
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) acceptOptions() *websocket.AcceptOptions {
	if len(s.cors) == 0 {
		return &websocket.AcceptOptions{InsecureSkipVerify: true}
	}
	return &websocket.AcceptOptions{OriginPatterns: s.cors}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"runners":  len(s.runners.onlineIDs()),
		"apps":     s.apps.count(),
		"sessions": s.ptys.count(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// pingLoop keeps intermediaries from idling the socket out and detects
// dead peers. Runs until ctx is cancelled or a ping goes unanswered.
func (s *Server) pingLoop(ctx context.Context, conn *websocket.Conn, wc *wsConn) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, pongTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				wc.close(websocket.StatusPolicyViolation, "ping timeout")
				return
			}
		}
	}
}

// RevokeRunner force-unpairs every app attached to runnerID and drops the
// runner's socket. Called when the runner's credentials are removed from
// configuration.
func (s *Server) RevokeRunner(ctx context.Context, runnerID string) {
	tokens, err := s.pairing.RevokeRunner(ctx, runnerID)
	if err != nil {
		slog.Error("revoke runner", "runnerId", runnerID, "error", err)
		return
	}
	offline := protocol.RunnerPresence{Type: protocol.EvRunnerOffline, RunnerID: runnerID}
	for _, token := range tokens {
		if app := s.apps.current(token); app != nil {
			app.sendJSON(offline)
		}
	}
	if rc := s.runners.get(runnerID); rc != nil {
		rc.close(websocket.StatusPolicyViolation, "credentials revoked")
	}
	slog.Info("runner revoked", "runnerId", runnerID, "apps", len(tokens))
}

// Close tears down every live socket. Handlers finish on their own read
// loops.
func (s *Server) Close() {
	for _, rc := range s.runners.all() {
		rc.close(websocket.StatusGoingAway, "server shutting down")
	}
	for _, app := range s.apps.all() {
		app.close(websocket.StatusGoingAway, "server shutting down")
	}
}
