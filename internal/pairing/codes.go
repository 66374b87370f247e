package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tetherlabs/tether/internal/store"
)

const (
	codeTTL         = 10 * time.Minute
	maxCodeAttempts = 10
)

var (
	// ErrCodeNotFound means no active code matches the one presented.
	ErrCodeNotFound = errors.New("pairing code not found")
	// ErrCodeExpired means the code existed but its lifetime has passed.
	ErrCodeExpired = errors.New("pairing code expired")
	// ErrCodeCollision means a fresh code could not be allocated after
	// several attempts.
	ErrCodeCollision = errors.New("pairing code collision")
)

// CodeEntry is the stored record behind an active pairing code.
type CodeEntry struct {
	Code       string `json:"code"`
	RunnerID   string `json:"runnerId"`
	CreatedAt  int64  `json:"createdAt"`
	ExpiresAt  int64  `json:"expiresAt"`
	UsageCount int    `json:"usageCount"`
}

// Codes allocates and resolves pairing codes. Each code is claimed with a
// set-if-absent write so two runners can never hold the same one, and every
// code carries a TTL so unredeemed codes vanish on their own.
type Codes struct {
	store *store.Store
	ttl   time.Duration
	gen   func() (string, error)
	now   func() time.Time
}

func NewCodes(st *store.Store) *Codes {
	return &Codes{store: st, ttl: codeTTL, gen: GenerateCode, now: time.Now}
}

func codeKey(code string) string             { return "pairing:code:" + code }
func codeByRunnerKey(runnerID string) string { return "pairing:code-by-runner:" + runnerID }

// Register allocates a fresh code for runnerID, replacing any code the
// runner already holds.
func (c *Codes) Register(ctx context.Context, runnerID string) (*CodeEntry, error) {
	if err := c.Invalidate(ctx, runnerID); err != nil {
		return nil, err
	}
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := c.gen()
		if err != nil {
			return nil, err
		}
		now := c.now()
		entry := &CodeEntry{
			Code:      code,
			RunnerID:  runnerID,
			CreatedAt: now.UnixMilli(),
			ExpiresAt: now.Add(c.ttl).UnixMilli(),
		}
		raw, err := json.Marshal(entry)
		if err != nil {
			return nil, err
		}
		claimed, err := c.store.SetIfAbsentWithTTL(ctx, codeKey(code), string(raw), c.ttl)
		if err != nil {
			return nil, err
		}
		if !claimed {
			continue
		}
		if err := c.store.SetWithTTL(ctx, codeByRunnerKey(runnerID), code, c.ttl); err != nil {
			return nil, err
		}
		return entry, nil
	}
	return nil, ErrCodeCollision
}

// Lookup resolves code to its entry. An entry that outlived its expiry but
// not yet its key TTL is removed and reported as expired. Lookup never
// consumes a code.
func (c *Codes) Lookup(ctx context.Context, code string) (*CodeEntry, error) {
	raw, err := c.store.Get(ctx, codeKey(code))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrCodeNotFound
	}
	if err != nil {
		return nil, err
	}
	var entry CodeEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("decode code entry: %w", err)
	}
	if c.now().UnixMilli() >= entry.ExpiresAt {
		if err := c.store.Del(ctx, codeKey(code), codeByRunnerKey(entry.RunnerID)); err != nil {
			return nil, err
		}
		return nil, ErrCodeExpired
	}
	return &entry, nil
}

// IncrementUsage bumps the entry's redemption counter in place without
// disturbing the remaining TTL.
func (c *Codes) IncrementUsage(ctx context.Context, entry *CodeEntry) error {
	entry.UsageCount++
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.store.SetKeepTTL(ctx, codeKey(entry.Code), string(raw))
}

// Invalidate drops runnerID's active code, if any.
func (c *Codes) Invalidate(ctx context.Context, runnerID string) error {
	code, err := c.store.Get(ctx, codeByRunnerKey(runnerID))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return c.store.Del(ctx, codeKey(code), codeByRunnerKey(runnerID))
}

// CodeForRunner returns runnerID's active code entry, or ErrCodeNotFound.
func (c *Codes) CodeForRunner(ctx context.Context, runnerID string) (*CodeEntry, error) {
	code, err := c.store.Get(ctx, codeByRunnerKey(runnerID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrCodeNotFound
	}
	if err != nil {
		return nil, err
	}
	return c.Lookup(ctx, code)
}
