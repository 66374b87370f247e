package broker

import "sync"

// ptySession is one app-to-runner terminal stream. The attached app
// socket changes over the session's life as apps reconnect; the owning
// client token and runner never do.
type ptySession struct {
	id          string
	clientToken string
	runnerID    string

	mu  sync.Mutex
	app *wsConn // current app socket, nil while detached
}

// attach points the session at a new app socket.
func (p *ptySession) attach(conn *wsConn) {
	p.mu.Lock()
	p.app = conn
	p.mu.Unlock()
}

// currentApp returns the attached app socket, or nil.
func (p *ptySession) currentApp() *wsConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.app
}

// detachIf clears the app pointer only while it still points at conn.
func (p *ptySession) detachIf(conn *wsConn) {
	p.mu.Lock()
	if p.app == conn {
		p.app = nil
	}
	p.mu.Unlock()
}

// sessionTable tracks live PTY sessions by session id.
type sessionTable struct {
	mu       sync.RWMutex
	sessions map[string]*ptySession
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: make(map[string]*ptySession)}
}

func (t *sessionTable) add(s *ptySession) {
	t.mu.Lock()
	t.sessions[s.id] = s
	t.mu.Unlock()
}

func (t *sessionTable) get(id string) *ptySession {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessions[id]
}

func (t *sessionTable) remove(id string) {
	t.mu.Lock()
	delete(t.sessions, id)
	t.mu.Unlock()
}

// takeoverAll re-points every session owned by clientToken at conn and
// returns how many moved. Runners keep streaming into the same sessions;
// only the delivery target changes.
func (t *sessionTable) takeoverAll(clientToken string, conn *wsConn) int {
	t.mu.RLock()
	var owned []*ptySession
	for _, s := range t.sessions {
		if s.clientToken == clientToken {
			owned = append(owned, s)
		}
	}
	t.mu.RUnlock()
	for _, s := range owned {
		s.attach(conn)
	}
	return len(owned)
}

// detachAll clears conn from every session still pointing at it.
func (t *sessionTable) detachAll(conn *wsConn) {
	t.mu.RLock()
	snapshot := make([]*ptySession, 0, len(t.sessions))
	for _, s := range t.sessions {
		snapshot = append(snapshot, s)
	}
	t.mu.RUnlock()
	for _, s := range snapshot {
		s.detachIf(conn)
	}
}

// removeForRunner drops every session living on runnerID and returns them.
func (t *sessionTable) removeForRunner(runnerID string) []*ptySession {
	t.mu.Lock()
	var dropped []*ptySession
	for id, s := range t.sessions {
		if s.runnerID == runnerID {
			dropped = append(dropped, s)
			delete(t.sessions, id)
		}
	}
	t.mu.Unlock()
	return dropped
}

func (t *sessionTable) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}
