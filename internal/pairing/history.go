package pairing

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tetherlabs/tether/internal/store"
)

const historyCap = 100

// Pairing history actions.
const (
	ActionPaired             = "paired"
	ActionUnpaired           = "unpaired"
	ActionRunnerDisconnected = "runner_disconnected"
)

// Event is one pairing history record for a runner.
type Event struct {
	AppClientToken string `json:"appClientToken"`
	Action         string `json:"action"`
	Timestamp      int64  `json:"timestamp"`
}

// History keeps a capped, most-recent-first pairing log per runner.
// Failures here never block pairing operations; callers log and move on.
type History struct {
	store *store.Store
	now   func() time.Time
}

func NewHistory(st *store.Store) *History {
	return &History{store: st, now: time.Now}
}

func historyKey(runnerID string) string { return "pairing:history:" + runnerID }

// Record appends one event and trims the log to its cap.
func (h *History) Record(ctx context.Context, runnerID, token, action string) error {
	raw, err := json.Marshal(Event{
		AppClientToken: token,
		Action:         action,
		Timestamp:      h.now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	if err := h.store.LPush(ctx, historyKey(runnerID), string(raw)); err != nil {
		return err
	}
	return h.store.LTrim(ctx, historyKey(runnerID), 0, historyCap-1)
}

// Recent returns up to limit events, most recent first. Malformed records
// are skipped.
func (h *History) Recent(ctx context.Context, runnerID string, limit int) ([]Event, error) {
	if limit <= 0 || limit > historyCap {
		limit = historyCap
	}
	raws, err := h.store.LRange(ctx, historyKey(runnerID), 0, int64(limit)-1)
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(raws))
	for _, raw := range raws {
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}
