package pairing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tetherlabs/tether/internal/store"
)

const (
	heartbeatTTL = 60 * time.Second
	onlineWindow = 30 * time.Second
)

// Liveness tracks runner heartbeats in the shared store. A runner counts as
// online while its latest beat is under thirty seconds old; the backing key
// expires on its own after sixty.
type Liveness struct {
	store *store.Store
	now   func() time.Time
}

func NewLiveness(st *store.Store) *Liveness {
	return &Liveness{store: st, now: time.Now}
}

func heartbeatKey(runnerID string) string { return "runner:heartbeat:" + runnerID }

// Beat records a heartbeat for runnerID.
func (l *Liveness) Beat(ctx context.Context, runnerID string) error {
	ms := strconv.FormatInt(l.now().UnixMilli(), 10)
	return l.store.SetWithTTL(ctx, heartbeatKey(runnerID), ms, heartbeatTTL)
}

// Online reports whether runnerID has a fresh heartbeat.
func (l *Liveness) Online(ctx context.Context, runnerID string) (bool, error) {
	raw, err := l.store.Get(ctx, heartbeatKey(runnerID))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false, fmt.Errorf("parse heartbeat: %w", err)
	}
	return l.now().UnixMilli()-ms < onlineWindow.Milliseconds(), nil
}

// Forget drops runnerID's heartbeat so the runner reads as offline
// immediately rather than after the grace window.
func (l *Liveness) Forget(ctx context.Context, runnerID string) error {
	return l.store.Del(ctx, heartbeatKey(runnerID))
}
