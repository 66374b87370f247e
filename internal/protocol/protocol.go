// Package protocol defines the broker WebSocket wire protocol: event names,
// frame payloads, and the error taxonomy shared by apps, the broker, and
// runner agents. Every frame is a flat JSON object carrying a "type" field
// used for routing.
package protocol

// Event names for the broker WebSocket protocol.
const (
	// App → Broker
	EvAppAuth          = "app:auth"
	EvAppPair          = "app:pair"
	EvAppPairingStatus = "app:pairing:status"
	EvAppUnpair        = "app:unpair"
	EvConnectRunner    = "connect_runner"
	EvSessionResume    = "session_resume"

	// Broker → App
	EvAppAuthenticated = "app:authenticated"
	EvPairingSuccess   = "pairing:success"
	EvPairingError     = "pairing:error"
	EvPairingStatus    = "pairing:status"
	EvPairingUnpaired  = "pairing:unpaired"
	EvRunnerOnline     = "runner:online"
	EvRunnerOffline    = "runner:offline"
	EvSessionCreated   = "session_created"
	EvSessionResumed   = "session_resumed"

	// Runner → Broker
	EvRunnerRegister  = "runner:register"
	EvRunnerHeartbeat = "runner:heartbeat"

	// Broker → Runner
	EvRunnerRegistered   = "runner:registered"
	EvRunnerHeartbeatAck = "runner:heartbeat:ack"
	EvCreateSession      = "create_session"

	// Terminal traffic (app → broker → runner and back)
	EvTerminalInput  = "terminal_input"  // app → broker → runner
	EvTerminalResize = "terminal_resize" // app → broker → runner
	EvTerminalOutput = "terminal_output" // runner → broker → app
	EvSessionEnded   = "session_ended"   // runner → broker → app

	// History passthrough (broker forwards, never interprets)
	EvHistoryRequest  = "history_request"  // app → broker → runner
	EvHistoryResponse = "history_response" // runner → broker → app

	// Broker → anyone
	EvError = "error"
)

// Error codes carried in error and pairing:error frames.
const (
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeInvalidFormat   = "INVALID_FORMAT"
	CodeNotFound        = "CODE_NOT_FOUND"
	CodeExpired         = "CODE_EXPIRED"
	CodeRunnerOffline   = "RUNNER_OFFLINE"
	CodeRateLimited     = "RATE_LIMITED"
	CodeNotPaired       = "NOT_PAIRED"
	CodeSessionNotFound = "SESSION_NOT_FOUND"
	CodeCollision       = "CODE_COLLISION"
	CodeInternal        = "INTERNAL"
)

// Envelope is the minimal frame read first to route by event name.
type Envelope struct {
	Type string `json:"type"`
}

// AppAuth carries the app's bearer token.
type AppAuth struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// AppAuthenticated acknowledges app:auth with the authenticated subject and
// the runner ids currently connected to this broker.
type AppAuthenticated struct {
	Type    string   `json:"type"`
	UserID  string   `json:"userId"`
	Runners []string `json:"runners"`
}

// AppPair submits a pairing code.
type AppPair struct {
	Type string `json:"type"`
	Code string `json:"code"`
}

// PairingSuccess confirms a new pairing. PairedAt is unix milliseconds.
type PairingSuccess struct {
	Type         string `json:"type"`
	RunnerID     string `json:"runnerId"`
	PairedAt     int64  `json:"pairedAt"`
	RunnerOnline bool   `json:"runnerOnline"`
}

// PairingError reports a failed pairing attempt. RemainingBanTime is seconds
// and set only for RATE_LIMITED.
type PairingError struct {
	Type             string `json:"type"`
	Code             string `json:"code"`
	Message          string `json:"message"`
	RunnerID         string `json:"runnerId,omitempty"`
	RemainingBanTime int64  `json:"remainingBanTime,omitempty"`
}

// AppPairingStatus requests the caller's pairing state.
type AppPairingStatus struct {
	Type string `json:"type"`
}

// PairingStatus answers app:pairing:status. RunnerID and PairedAt are absent
// when not paired.
type PairingStatus struct {
	Type         string `json:"type"`
	IsPaired     bool   `json:"isPaired"`
	RunnerID     string `json:"runnerId,omitempty"`
	PairedAt     int64  `json:"pairedAt,omitempty"`
	RunnerOnline bool   `json:"runnerOnline"`
}

// AppUnpair dissolves the caller's pairing.
type AppUnpair struct {
	Type string `json:"type"`
}

// PairingUnpaired acknowledges app:unpair.
type PairingUnpaired struct {
	Type string `json:"type"`
}

// RunnerPresence announces a runner going online or offline; used with both
// EvRunnerOnline and EvRunnerOffline.
type RunnerPresence struct {
	Type     string `json:"type"`
	RunnerID string `json:"runnerId"`
}

// RunnerRegister is the first frame a runner sends after connecting.
type RunnerRegister struct {
	Type     string `json:"type"`
	RunnerID string `json:"runnerId"`
	Secret   string `json:"secret"`
}

// RunnerRegistered acknowledges registration with the freshly issued pairing
// code. ExpiresAt is unix milliseconds.
type RunnerRegistered struct {
	Type        string `json:"type"`
	RunnerID    string `json:"runnerId"`
	PairingCode string `json:"pairingCode"`
	ExpiresAt   int64  `json:"expiresAt"`
}

// RunnerHeartbeat refreshes the runner's liveness record.
type RunnerHeartbeat struct {
	Type     string `json:"type"`
	RunnerID string `json:"runnerId"`
}

// RunnerHeartbeatAck acknowledges a heartbeat.
type RunnerHeartbeatAck struct {
	Type string `json:"type"`
}

// ConnectRunner asks the broker to open a PTY session on a paired runner.
// SessionID is chosen by the app and opaque to the broker.
type ConnectRunner struct {
	Type      string `json:"type"`
	RunnerID  string `json:"runnerId"`
	SessionID string `json:"sessionId"`
}

// CreateSession commands the runner to spawn a PTY for the session.
type CreateSession struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// SessionCreated confirms the PTY session record to the app.
type SessionCreated struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// TerminalInput carries raw input bytes for one session. Data is opaque to
// the broker and forwarded verbatim.
type TerminalInput struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

// TerminalResize requests a PTY winsize change.
type TerminalResize struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// TerminalOutput carries raw output bytes for one session.
type TerminalOutput struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

// SessionEnded tells the app its PTY process exited.
type SessionEnded struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// SessionResume re-attaches a reconnected app socket to an existing session.
type SessionResume struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// SessionResumed answers session_resume. Active is false when the session is
// unknown or owned by a different client.
type SessionResumed struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Active    bool   `json:"active"`
}

// HistoryRequest asks the session's runner for its chat transcript. The
// broker routes it like terminal_input and never reads the transcript.
type HistoryRequest struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId"`
}

// HistoryEntry is one transcript line as stored by the runner.
type HistoryEntry struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// HistoryResponse answers a history_request, routed to the session's current
// app socket.
type HistoryResponse struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId"`
	RequestID string         `json:"requestId"`
	Entries   []HistoryEntry `json:"entries"`
	Error     string         `json:"error,omitempty"`
}

// ErrorMsg reports a protocol or internal error outside the pairing flow.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
