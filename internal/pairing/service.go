package pairing

import (
	"context"
	"errors"
	"log/slog"

	"github.com/tetherlabs/tether/internal/store"
)

var (
	// ErrInvalidFormat means the presented code is not shaped like a
	// pairing code.
	ErrInvalidFormat = errors.New("invalid code format")
	// ErrRunnerOffline means the code's runner has no fresh heartbeat.
	ErrRunnerOffline = errors.New("runner offline")
)

// OfflineError carries the runner a rejected pair attempt resolved to.
type OfflineError struct {
	RunnerID string
}

func (e *OfflineError) Error() string { return "runner " + e.RunnerID + " offline" }

func (e *OfflineError) Is(target error) bool { return target == ErrRunnerOffline }

// Service bundles the pairing registries behind the operations the gateways
// need: redeeming codes, reporting status, unpairing, and reacting to
// runner lifecycle changes.
type Service struct {
	Codes    *Codes
	Sessions *Sessions
	Limiter  *Limiter
	History  *History
	Liveness *Liveness
}

func NewService(st *store.Store) *Service {
	return &Service{
		Codes:    NewCodes(st),
		Sessions: NewSessions(st),
		Limiter:  NewLimiter(st),
		History:  NewHistory(st),
		Liveness: NewLiveness(st),
	}
}

// Pair redeems code for the app identified by token. Domain failures feed
// the rate limiter; a success clears it. Banned tokens are rejected up
// front without consulting the code registry, and the rejection itself is
// not counted as a failure.
func (s *Service) Pair(ctx context.Context, token, code string) (*Session, error) {
	if err := s.Limiter.Check(ctx, token); err != nil {
		return nil, err
	}
	if !ValidCodeFormat(code) {
		return nil, s.fail(ctx, token, ErrInvalidFormat)
	}
	entry, err := s.Codes.Lookup(ctx, code)
	switch {
	case errors.Is(err, ErrCodeNotFound), errors.Is(err, ErrCodeExpired):
		return nil, s.fail(ctx, token, err)
	case err != nil:
		return nil, err
	}
	online, err := s.Liveness.Online(ctx, entry.RunnerID)
	if err != nil {
		return nil, err
	}
	if !online {
		return nil, s.fail(ctx, token, &OfflineError{RunnerID: entry.RunnerID})
	}
	sess, err := s.Sessions.Create(ctx, token, entry.RunnerID)
	if err != nil {
		return nil, err
	}
	// The pairing exists from here on; bookkeeping failures are logged,
	// not surfaced.
	if err := s.Limiter.Reset(ctx, token); err != nil {
		slog.Warn("pairing: reset rate limit", "error", err)
	}
	if err := s.Codes.IncrementUsage(ctx, entry); err != nil {
		slog.Warn("pairing: increment code usage", "code", entry.Code, "error", err)
	}
	if err := s.History.Record(ctx, entry.RunnerID, token, ActionPaired); err != nil {
		slog.Warn("pairing: record history", "runnerId", entry.RunnerID, "error", err)
	}
	return sess, nil
}

func (s *Service) fail(ctx context.Context, token string, cause error) error {
	if _, err := s.Limiter.RecordFailure(ctx, token); err != nil {
		slog.Warn("pairing: record failed attempt", "error", err)
	}
	return cause
}

// Status describes token's current pairing.
type Status struct {
	IsPaired     bool
	RunnerID     string
	PairedAt     int64
	RunnerOnline bool
}

func (s *Service) Status(ctx context.Context, token string) (*Status, error) {
	sess, err := s.Sessions.Get(ctx, token)
	if errors.Is(err, ErrNotPaired) {
		return &Status{}, nil
	}
	if err != nil {
		return nil, err
	}
	online, err := s.Liveness.Online(ctx, sess.RunnerID)
	if err != nil {
		return nil, err
	}
	return &Status{
		IsPaired:     true,
		RunnerID:     sess.RunnerID,
		PairedAt:     sess.PairedAt,
		RunnerOnline: online,
	}, nil
}

// Unpair removes token's pairing. Returns ErrNotPaired when there is none.
func (s *Service) Unpair(ctx context.Context, token string) error {
	sess, err := s.Sessions.Get(ctx, token)
	if err != nil {
		return err
	}
	if err := s.Sessions.Remove(ctx, token); err != nil {
		return err
	}
	if err := s.History.Record(ctx, sess.RunnerID, token, ActionUnpaired); err != nil {
		slog.Warn("pairing: record history", "runnerId", sess.RunnerID, "error", err)
	}
	return nil
}

// RunnerRegistered allocates a pairing code and seeds liveness for a runner
// that just connected.
func (s *Service) RunnerRegistered(ctx context.Context, runnerID string) (*CodeEntry, error) {
	entry, err := s.Codes.Register(ctx, runnerID)
	if err != nil {
		return nil, err
	}
	if err := s.Liveness.Beat(ctx, runnerID); err != nil {
		return nil, err
	}
	return entry, nil
}

// RunnerDisconnected tears down the volatile store state of a runner whose
// socket dropped and returns the tokens paired with it so the caller can
// fan out runner:offline. Pairings themselves stay; each attached app gets
// a history record.
func (s *Service) RunnerDisconnected(ctx context.Context, runnerID string) ([]string, error) {
	if err := s.Codes.Invalidate(ctx, runnerID); err != nil {
		return nil, err
	}
	if err := s.Liveness.Forget(ctx, runnerID); err != nil {
		return nil, err
	}
	tokens, err := s.Sessions.AppsByRunner(ctx, runnerID)
	if err != nil {
		return nil, err
	}
	for _, token := range tokens {
		if err := s.History.Record(ctx, runnerID, token, ActionRunnerDisconnected); err != nil {
			slog.Warn("pairing: record history", "runnerId", runnerID, "error", err)
		}
	}
	return tokens, nil
}

// RevokeRunner force-unpairs every app attached to runnerID and returns
// their tokens. Used when the runner's credentials disappear from
// configuration.
func (s *Service) RevokeRunner(ctx context.Context, runnerID string) ([]string, error) {
	if err := s.Codes.Invalidate(ctx, runnerID); err != nil {
		return nil, err
	}
	if err := s.Liveness.Forget(ctx, runnerID); err != nil {
		return nil, err
	}
	tokens, err := s.Sessions.RemoveAllForRunner(ctx, runnerID)
	if err != nil {
		return nil, err
	}
	for _, token := range tokens {
		if err := s.History.Record(ctx, runnerID, token, ActionUnpaired); err != nil {
			slog.Warn("pairing: record history", "runnerId", runnerID, "error", err)
		}
	}
	return tokens, nil
}
