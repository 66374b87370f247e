package runner

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/tetherlabs/tether/internal/protocol"
)

func TestBackoff(t *testing.T) {
	bo := NewBackoff(time.Second, 10*time.Second)

	expected := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second, // capped
		10 * time.Second, // stays capped
	}

	for i, want := range expected {
		got := bo.Next()
		if got != want {
			t.Errorf("attempt %d: got %v, want %v", i, got, want)
		}
	}

	// An outage long enough to run the doubling past 63 shifts must not
	// wrap the delay negative and turn the retry loop hot.
	for i := len(expected); i < 70; i++ {
		if got := bo.Next(); got != 10*time.Second {
			t.Fatalf("attempt %d: got %v, want %v", i, got, 10*time.Second)
		}
	}
}

func TestBackoffReset(t *testing.T) {
	bo := NewBackoff(time.Second, 10*time.Second)
	bo.Next()
	bo.Next()
	bo.Next()
	bo.Reset()

	if got := bo.Next(); got != time.Second {
		t.Errorf("after reset: got %v, want %v", got, time.Second)
	}
}

// stubBroker accepts runner sockets and hands them to the test body, which
// plays the broker side of the conversation.
type stubBroker struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newStubBroker(t *testing.T) *stubBroker {
	t.Helper()
	sb := &stubBroker{conns: make(chan *websocket.Conn, 4)}
	sb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			t.Logf("accept error: %v", err)
			return
		}
		sb.conns <- conn
	}))
	t.Cleanup(sb.srv.Close)
	return sb
}

func (sb *stubBroker) url() string {
	return "ws" + strings.TrimPrefix(sb.srv.URL, "http")
}

func (sb *stubBroker) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-sb.conns:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not connect")
		return nil
	}
}

func readMsg(t *testing.T, ctx context.Context, conn *websocket.Conn, v any) {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
}

func writeMsg(t *testing.T, ctx context.Context, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readUntil skips frames (heartbeats, echoes) until one of the wanted type
// arrives.
func readUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, typ string, v any) {
	t.Helper()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read waiting for %s: %v", typ, err)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if env.Type != typ {
			continue
		}
		if err := json.Unmarshal(data, v); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		return
	}
}

// acceptRunner consumes the registration frame and acks it with a pairing
// code, leaving the connection ready for the test's own traffic.
func acceptRunner(t *testing.T, ctx context.Context, sb *stubBroker) *websocket.Conn {
	t.Helper()
	conn := sb.accept(t)
	var reg protocol.RunnerRegister
	readMsg(t, ctx, conn, &reg)
	if reg.Type != protocol.EvRunnerRegister {
		t.Fatalf("first frame = %q, want %q", reg.Type, protocol.EvRunnerRegister)
	}
	writeMsg(t, ctx, conn, protocol.RunnerRegistered{
		Type:        protocol.EvRunnerRegistered,
		RunnerID:    reg.RunnerID,
		PairingCode: "AAA-BBB-CCC",
		ExpiresAt:   time.Now().Add(10 * time.Minute).UnixMilli(),
	})
	return conn
}

func TestClientRegistersAndHeartbeats(t *testing.T) {
	sb := newStubBroker(t)
	codes := make(chan string, 1)
	c := &Client{
		BrokerURL: sb.url(),
		RunnerID:  "r1",
		Secret:    "hunter2",
		OnPairingCode: func(code string, _ time.Time) {
			codes <- code
		},
		heartbeat: 50 * time.Millisecond,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	conn := sb.accept(t)
	defer conn.CloseNow()

	var reg protocol.RunnerRegister
	readMsg(t, ctx, conn, &reg)
	if reg.Type != protocol.EvRunnerRegister || reg.RunnerID != "r1" || reg.Secret != "hunter2" {
		t.Fatalf("registration = %+v", reg)
	}
	writeMsg(t, ctx, conn, protocol.RunnerRegistered{
		Type:        protocol.EvRunnerRegistered,
		RunnerID:    "r1",
		PairingCode: "AAA-BBB-CCC",
		ExpiresAt:   time.Now().Add(10 * time.Minute).UnixMilli(),
	})

	select {
	case code := <-codes:
		if code != "AAA-BBB-CCC" {
			t.Fatalf("pairing code callback got %q", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnPairingCode not called")
	}

	var hb protocol.RunnerHeartbeat
	readUntil(t, ctx, conn, protocol.EvRunnerHeartbeat, &hb)
	if hb.RunnerID != "r1" {
		t.Fatalf("heartbeat runner = %q, want r1", hb.RunnerID)
	}
	readUntil(t, ctx, conn, protocol.EvRunnerHeartbeat, &hb)

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestClientAuthRejectedStopsRetrying(t *testing.T) {
	sb := newStubBroker(t)
	c := &Client{BrokerURL: sb.url(), RunnerID: "r1", Secret: "wrong"}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	conn := sb.accept(t)
	defer conn.CloseNow()
	var reg protocol.RunnerRegister
	readMsg(t, ctx, conn, &reg)
	writeMsg(t, ctx, conn, protocol.ErrorMsg{
		Type:    protocol.EvError,
		Code:    protocol.CodeUnauthorized,
		Message: "unknown runner",
	})

	select {
	case err := <-done:
		if !errors.Is(err, ErrAuthRejected) {
			t.Fatalf("Run returned %v, want ErrAuthRejected", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run kept retrying after the broker rejected credentials")
	}
}

func TestClientReconnects(t *testing.T) {
	sb := newStubBroker(t)
	c := &Client{BrokerURL: sb.url(), RunnerID: "r1", Secret: "hunter2"}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go c.Run(ctx)

	conn1 := sb.accept(t)
	var reg protocol.RunnerRegister
	readMsg(t, ctx, conn1, &reg)
	conn1.Close(websocket.StatusGoingAway, "restart")

	conn2 := sb.accept(t)
	defer conn2.CloseNow()
	readMsg(t, ctx, conn2, &reg)
	if reg.Type != protocol.EvRunnerRegister || reg.RunnerID != "r1" {
		t.Fatalf("re-registration = %+v", reg)
	}
}

func TestClientSpawnsShell(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	sb := newStubBroker(t)
	c := &Client{
		BrokerURL: sb.url(),
		RunnerID:  "r1",
		Secret:    "hunter2",
		Shell:     "sh",
		Workdir:   t.TempDir(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	go c.Run(ctx)

	conn := acceptRunner(t, ctx, sb)
	defer conn.CloseNow()

	writeMsg(t, ctx, conn, protocol.CreateSession{Type: protocol.EvCreateSession, SessionID: "s1"})
	// The expansion below is computed by the shell, so seeing it in the
	// output proves more than terminal echo.
	writeMsg(t, ctx, conn, protocol.TerminalInput{
		Type:      protocol.EvTerminalInput,
		SessionID: "s1",
		Data:      "echo tether-$((40+2))\n",
	})

	var output strings.Builder
	for !strings.Contains(output.String(), "tether-42") {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read (output so far %q): %v", output.String(), err)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if env.Type != protocol.EvTerminalOutput {
			continue
		}
		var msg protocol.TerminalOutput
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal output: %v", err)
		}
		if msg.SessionID != "s1" {
			t.Fatalf("output for session %q, want s1", msg.SessionID)
		}
		output.WriteString(msg.Data)
	}

	writeMsg(t, ctx, conn, protocol.TerminalInput{
		Type:      protocol.EvTerminalInput,
		SessionID: "s1",
		Data:      "exit\n",
	})
	var ended protocol.SessionEnded
	readUntil(t, ctx, conn, protocol.EvSessionEnded, &ended)
	if ended.SessionID != "s1" {
		t.Fatalf("session_ended for %q, want s1", ended.SessionID)
	}
	if c.session("s1") != nil {
		t.Fatal("session still tracked after exit")
	}
}

func TestRemoveSessionKeepsSuccessor(t *testing.T) {
	c := &Client{sessions: make(map[string]*session)}
	stale := &session{id: "s1"}
	c.sessions["s1"] = stale

	// The broker recreated s1 before the dead session's reaper ran.
	successor := &session{id: "s1"}
	c.sessions["s1"] = successor

	c.removeSession(stale)
	if c.session("s1") != successor {
		t.Fatal("stale cleanup evicted the live session")
	}

	c.removeSession(successor)
	if c.session("s1") != nil {
		t.Fatal("session still tracked after removal")
	}
}

func TestClientServesHistory(t *testing.T) {
	dir := t.TempDir()
	transcript := `{"role":"user","content":"hi"}` + "\n"
	if err := os.WriteFile(filepath.Join(dir, "s9.jsonl"), []byte(transcript), 0o644); err != nil {
		t.Fatal(err)
	}

	sb := newStubBroker(t)
	c := &Client{
		BrokerURL: sb.url(),
		RunnerID:  "r1",
		Secret:    "hunter2",
		History:   &FileHistory{Dir: dir},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go c.Run(ctx)

	conn := acceptRunner(t, ctx, sb)
	defer conn.CloseNow()

	writeMsg(t, ctx, conn, protocol.HistoryRequest{
		Type:      protocol.EvHistoryRequest,
		SessionID: "s9",
		RequestID: "req-1",
	})
	var resp protocol.HistoryResponse
	readUntil(t, ctx, conn, protocol.EvHistoryResponse, &resp)
	if resp.RequestID != "req-1" || resp.Error != "" {
		t.Fatalf("response = %+v", resp)
	}
	if len(resp.Entries) != 1 || resp.Entries[0].Content != "hi" {
		t.Fatalf("entries = %+v", resp.Entries)
	}

	// A session with no transcript yields an empty response, not an error.
	writeMsg(t, ctx, conn, protocol.HistoryRequest{
		Type:      protocol.EvHistoryRequest,
		SessionID: "missing",
		RequestID: "req-2",
	})
	readUntil(t, ctx, conn, protocol.EvHistoryResponse, &resp)
	if resp.RequestID != "req-2" || resp.Error != "" || len(resp.Entries) != 0 {
		t.Fatalf("response = %+v", resp)
	}
}
