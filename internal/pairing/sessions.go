package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tetherlabs/tether/internal/store"
)

// ErrNotPaired means the clientToken has no pairing session.
var ErrNotPaired = errors.New("not paired")

// Session records an app-to-runner pairing. Sessions carry no TTL: they
// survive broker restarts, app disconnects, and runner disconnects, and end
// only with an explicit unpair or credential revocation.
type Session struct {
	AppClientToken string `json:"appClientToken"`
	RunnerID       string `json:"runnerId"`
	PairedAt       int64  `json:"pairedAt"`
	IsActive       bool   `json:"isActive"`
}

// Sessions is the pairing-session registry. Each clientToken holds at most
// one session; a per-runner set indexes the tokens paired with it for
// fan-out.
type Sessions struct {
	store *store.Store
	now   func() time.Time
}

func NewSessions(st *store.Store) *Sessions {
	return &Sessions{store: st, now: time.Now}
}

func sessionKey(token string) string { return "pairing:session:" + token }
func appsKey(runnerID string) string { return "pairing:apps:" + runnerID }

// Create pairs token with runnerID, replacing any pairing the token already
// holds. A replaced pairing's membership in the old runner's app set is
// removed so fan-out does not reach the wrong apps.
func (s *Sessions) Create(ctx context.Context, token, runnerID string) (*Session, error) {
	prev, err := s.Get(ctx, token)
	if err != nil && !errors.Is(err, ErrNotPaired) {
		return nil, err
	}
	if prev != nil && prev.RunnerID != runnerID {
		if err := s.store.SRem(ctx, appsKey(prev.RunnerID), token); err != nil {
			return nil, err
		}
	}
	sess := &Session{
		AppClientToken: token,
		RunnerID:       runnerID,
		PairedAt:       s.now().UnixMilli(),
		IsActive:       true,
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetWithTTL(ctx, sessionKey(token), string(raw), 0); err != nil {
		return nil, err
	}
	if err := s.store.SAdd(ctx, appsKey(runnerID), token); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get returns token's pairing session, or ErrNotPaired.
func (s *Sessions) Get(ctx context.Context, token string) (*Session, error) {
	raw, err := s.store.Get(ctx, sessionKey(token))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotPaired
	}
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

// Remove unpairs token. Removing an absent pairing is a no-op, so calling
// Remove twice lands in the same state as calling it once.
func (s *Sessions) Remove(ctx context.Context, token string) error {
	sess, err := s.Get(ctx, token)
	if errors.Is(err, ErrNotPaired) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.store.Del(ctx, sessionKey(token)); err != nil {
		return err
	}
	return s.store.SRem(ctx, appsKey(sess.RunnerID), token)
}

// AppsByRunner lists the clientTokens currently paired with runnerID.
// Stale members whose session key is gone are tolerated; they resolve to no
// notification target.
func (s *Sessions) AppsByRunner(ctx context.Context, runnerID string) ([]string, error) {
	return s.store.SMembers(ctx, appsKey(runnerID))
}

// RemoveAllForRunner force-unpairs every app paired with runnerID and
// returns their tokens. Used when the runner's credentials are revoked.
func (s *Sessions) RemoveAllForRunner(ctx context.Context, runnerID string) ([]string, error) {
	tokens, err := s.AppsByRunner(ctx, runnerID)
	if err != nil {
		return nil, err
	}
	for _, token := range tokens {
		if err := s.store.Del(ctx, sessionKey(token)); err != nil {
			return nil, err
		}
	}
	if err := s.store.Del(ctx, appsKey(runnerID)); err != nil {
		return nil, err
	}
	return tokens, nil
}
