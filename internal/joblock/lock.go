// Package joblock is a Redis mutex that keeps two batch jobs of the same kind from overlapping.
package joblock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned when another process holds the lock.
var ErrHeld = errors.New("job lock held by another process")

// releaseScript deletes the key only while it still carries our token.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`

// Client is the subset of the Redis client used by Lock.
type Client interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// Lock is a single acquired lock.
type Lock struct {
	client Client
	key    string
	token  string
}

// Acquire takes the lock named job for at most ttl (SET NX PX).
func Acquire(ctx context.Context, client Client, job string, ttl time.Duration) (*Lock, error) {
	l := &Lock{client: client, key: "loyalty:lock:" + job, token: uuid.NewString()}

	ok, err := client.SetNX(ctx, l.key, l.token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	if !ok {
		return nil, ErrHeld
	}
	return l, nil
}

// Release frees the lock if it has not expired and been taken over meanwhile.
func (l *Lock) Release(ctx context.Context) error {
	if err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	return nil
}
