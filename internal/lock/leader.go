package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

const DefaultKey = "lock:message-dispatcher:leader"

var ErrEmptyKey = errors.New("lock key cannot be empty")

// Release frees an acquired lock.
type Release func(ctx context.Context) error

// LeaderLock lets one dispatcher instance at a time run a cycle.
type LeaderLock struct {
	rs     *redsync.Redsync
	key    string
	ttl    time.Duration
	holder string
}

func NewLeaderLock(client redis.UniversalClient, key, holder string, ttl time.Duration) (*LeaderLock, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	if ttl <= 0 {
		return nil, errors.New("lock ttl must be > 0")
	}
	return &LeaderLock{
		rs:     redsync.New(goredis.NewPool(client)),
		key:    key,
		ttl:    ttl,
		holder: holder,
	}, nil
}

// TryAcquire makes a single attempt to take the lock. acquired is false
// when another holder owns it.
func (l *LeaderLock) TryAcquire(ctx context.Context) (Release, bool, error) {
	m := l.rs.NewMutex(l.key,
		redsync.WithExpiry(l.ttl),
		redsync.WithTries(1),
		redsync.WithGenValueFunc(l.genValue),
	)

	if err := m.TryLockContext(ctx); err != nil {
		if isTaken(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("acquiring %s: %w", l.key, err)
	}

	release := func(ctx context.Context) error {
		ok, err := m.UnlockContext(ctx)
		if err != nil {
			return fmt.Errorf("releasing %s: %w", l.key, err)
		}
		if !ok {
			return fmt.Errorf("releasing %s: lock was not held", l.key)
		}
		return nil
	}
	return release, true, nil
}

func (l *LeaderLock) genValue() (string, error) {
	return fmt.Sprintf("%s:%d", l.holder, time.Now().UnixNano()), nil
}

func isTaken(err error) bool {
	if errors.Is(err, redsync.ErrFailed) {
		return true
	}
	var taken *redsync.ErrTaken
	return errors.As(err, &taken)
}
