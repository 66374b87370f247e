// Package store adapts the shared Redis store behind the typed operations
// the pairing components need. All pairing, code, heartbeat, rate-limit, and
// history state lives here; the broker's in-process maps never do.
//
// Every operation retries transient failures up to three times (50 ms,
// 200 ms, 800 ms) before giving up; callers translate a persistent failure
// into an INTERNAL error on the wire. There are no cross-key transactions:
// components are written so a crash between two writes reconciles on the
// next pass.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("store: not found")

var defaultRetrySchedule = []time.Duration{
	50 * time.Millisecond,
	200 * time.Millisecond,
	800 * time.Millisecond,
}

// Options configure the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Store wraps a Redis client with retrying typed operations.
type Store struct {
	rdb   *redis.Client
	retry []time.Duration
}

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, opts Options) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("store ping %s: %w", opts.Addr, err)
	}
	return New(rdb), nil
}

// New wraps an existing client. Used by tests with a miniredis-backed client.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, retry: defaultRetrySchedule}
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// withRetry runs fn, retrying on failure per the schedule. redis.Nil is a
// result, not a failure, and is returned immediately.
func (s *Store) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil || errors.Is(err, redis.Nil) {
			return err
		}
		if attempt == len(s.retry) {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("store %s: %w", op, ctx.Err())
		case <-time.After(s.retry[attempt]):
		}
	}
	return fmt.Errorf("store %s: %w", op, err)
}

// SetWithTTL writes a value that expires after ttl. A zero ttl means no
// expiry.
func (s *Store) SetWithTTL(ctx context.Context, key, val string, ttl time.Duration) error {
	return s.withRetry(ctx, "set", func(ctx context.Context) error {
		return s.rdb.Set(ctx, key, val, ttl).Err()
	})
}

// SetKeepTTL overwrites a value preserving the key's remaining TTL.
func (s *Store) SetKeepTTL(ctx context.Context, key, val string) error {
	return s.withRetry(ctx, "set keepttl", func(ctx context.Context) error {
		return s.rdb.Set(ctx, key, val, redis.KeepTTL).Err()
	})
}

// SetIfAbsentWithTTL atomically creates the key; reports whether it was
// absent.
func (s *Store) SetIfAbsentWithTTL(ctx context.Context, key, val string, ttl time.Duration) (bool, error) {
	var created bool
	err := s.withRetry(ctx, "setnx", func(ctx context.Context) error {
		ok, err := s.rdb.SetNX(ctx, key, val, ttl).Result()
		if err != nil {
			return err
		}
		created = ok
		return nil
	})
	return created, err
}

// Get returns the value at key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := s.withRetry(ctx, "get", func(ctx context.Context) error {
		v, err := s.rdb.Get(ctx, key).Result()
		if err != nil {
			return err
		}
		val = v
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

// Del removes keys. Removing an absent key is not an error.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.withRetry(ctx, "del", func(ctx context.Context) error {
		return s.rdb.Del(ctx, keys...).Err()
	})
}

func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.withRetry(ctx, "sadd", func(ctx context.Context) error {
		return s.rdb.SAdd(ctx, key, args...).Err()
	})
}

func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.withRetry(ctx, "srem", func(ctx context.Context) error {
		return s.rdb.SRem(ctx, key, args...).Err()
	})
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	var members []string
	err := s.withRetry(ctx, "smembers", func(ctx context.Context) error {
		m, err := s.rdb.SMembers(ctx, key).Result()
		if err != nil {
			return err
		}
		members = m
		return nil
	})
	return members, err
}

// ZAdd inserts a member scored by a timestamp.
func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.withRetry(ctx, "zadd", func(ctx context.Context) error {
		return s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	})
}

// ZRemRangeByScore removes members with scores in [min, max]; bounds use
// Redis syntax ("-inf", "(5", "10").
func (s *Store) ZRemRangeByScore(ctx context.Context, key, min, max string) error {
	return s.withRetry(ctx, "zremrangebyscore", func(ctx context.Context) error {
		return s.rdb.ZRemRangeByScore(ctx, key, min, max).Err()
	})
}

func (s *Store) ZCount(ctx context.Context, key, min, max string) (int64, error) {
	var n int64
	err := s.withRetry(ctx, "zcount", func(ctx context.Context) error {
		c, err := s.rdb.ZCount(ctx, key, min, max).Result()
		if err != nil {
			return err
		}
		n = c
		return nil
	})
	return n, err
}

func (s *Store) LPush(ctx context.Context, key string, vals ...string) error {
	args := make([]interface{}, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	return s.withRetry(ctx, "lpush", func(ctx context.Context) error {
		return s.rdb.LPush(ctx, key, args...).Err()
	})
}

func (s *Store) LTrim(ctx context.Context, key string, start, stop int64) error {
	return s.withRetry(ctx, "ltrim", func(ctx context.Context) error {
		return s.rdb.LTrim(ctx, key, start, stop).Err()
	})
}

func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var vals []string
	err := s.withRetry(ctx, "lrange", func(ctx context.Context) error {
		v, err := s.rdb.LRange(ctx, key, start, stop).Result()
		if err != nil {
			return err
		}
		vals = v
		return nil
	})
	return vals, err
}

// Expire resets the key's TTL.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.withRetry(ctx, "expire", func(ctx context.Context) error {
		return s.rdb.Expire(ctx, key, ttl).Err()
	})
}
