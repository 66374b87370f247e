package broker

import (
	"sort"
	"sync"
	"time"
)

const runnerStatusOnline = "online"

// runnerConn is one registered runner socket.
type runnerConn struct {
	*wsConn
	runnerID    string
	status      string
	connectedAt time.Time
}

// runnerDirectory tracks connected runner sockets, one per runner id.
// A later registration for the same id replaces the earlier entry.
type runnerDirectory struct {
	mu      sync.RWMutex
	runners map[string]*runnerConn
}

func newRunnerDirectory() *runnerDirectory {
	return &runnerDirectory{runners: make(map[string]*runnerConn)}
}

// register installs rc and returns the entry it displaced, if any.
func (d *runnerDirectory) register(rc *runnerConn) *runnerConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev := d.runners[rc.runnerID]
	d.runners[rc.runnerID] = rc
	return prev
}

// unregister removes runnerID's entry only while it still points at the
// socket with connID. A replaced connection's deferred cleanup must not
// evict its successor.
func (d *runnerDirectory) unregister(runnerID, connID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.runners[runnerID]
	if !ok || cur.id != connID {
		return false
	}
	delete(d.runners, runnerID)
	return true
}

// get returns the registered socket for runnerID, or nil.
func (d *runnerDirectory) get(runnerID string) *runnerConn {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.runners[runnerID]
}

// onlineIDs lists the registered runner ids, sorted.
func (d *runnerDirectory) onlineIDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.runners))
	for id := range d.runners {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// all snapshots every registered runner socket.
func (d *runnerDirectory) all() []*runnerConn {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*runnerConn, 0, len(d.runners))
	for _, rc := range d.runners {
		out = append(out, rc)
	}
	return out
}
