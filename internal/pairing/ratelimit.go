package pairing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tetherlabs/tether/internal/store"
)

const (
	attemptWindow = 60 * time.Second
	maxFailures   = 5
	banDuration   = 300 * time.Second
)

// BanError reports an active pairing ban.
type BanError struct {
	RemainingSecs int64
}

func (e *BanError) Error() string {
	return fmt.Sprintf("pairing banned for another %ds", e.RemainingSecs)
}

// Limiter applies a sliding-window limit to failed pairing attempts per
// clientToken: five failures inside sixty seconds ban the token for five
// minutes. Under concurrent failures it may count one attempt more than
// strictly needed, which only trips the ban earlier, never later.
type Limiter struct {
	store *store.Store
	now   func() time.Time
}

func NewLimiter(st *store.Store) *Limiter {
	return &Limiter{store: st, now: time.Now}
}

func attemptsKey(token string) string { return "ratelimit:attempts:" + token }
func banKey(token string) string      { return "ratelimit:ban:" + token }

// Check returns a BanError when token is currently banned. A ban key past
// its bannedUntil reads as not banned even before the TTL removes it.
func (l *Limiter) Check(ctx context.Context, token string) error {
	raw, err := l.store.Get(ctx, banKey(token))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	until, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("parse ban: %w", err)
	}
	remaining := until - l.now().UnixMilli()
	if remaining <= 0 {
		return nil
	}
	return &BanError{RemainingSecs: (remaining + 999) / 1000}
}

// RecordFailure notes one failed attempt for token and reports whether the
// attempt started a ban. Members carry a random suffix so bursts landing on
// the same millisecond all count.
func (l *Limiter) RecordFailure(ctx context.Context, token string) (bool, error) {
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return false, err
	}
	nowMs := l.now().UnixMilli()
	member := fmt.Sprintf("%d-%s", l.now().UnixNano(), hex.EncodeToString(suffix))
	key := attemptsKey(token)

	cutoff := strconv.FormatInt(nowMs-attemptWindow.Milliseconds(), 10)
	if err := l.store.ZRemRangeByScore(ctx, key, "-inf", cutoff); err != nil {
		return false, err
	}
	if err := l.store.ZAdd(ctx, key, float64(nowMs), member); err != nil {
		return false, err
	}
	if err := l.store.Expire(ctx, key, attemptWindow); err != nil {
		return false, err
	}
	n, err := l.store.ZCount(ctx, key, "-inf", "+inf")
	if err != nil {
		return false, err
	}
	if n < maxFailures {
		return false, nil
	}
	until := strconv.FormatInt(nowMs+banDuration.Milliseconds(), 10)
	if err := l.store.SetWithTTL(ctx, banKey(token), until, banDuration); err != nil {
		return false, err
	}
	return true, nil
}

// Reset clears token's failure window and any active ban. Called on
// successful pair.
func (l *Limiter) Reset(ctx context.Context, token string) error {
	return l.store.Del(ctx, attemptsKey(token), banKey(token))
}
