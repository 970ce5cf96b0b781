// Package lock provides the named mutual exclusion used around imports.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	redis "github.com/redis/go-redis/v9"
)

var ErrNotObtained = errors.New("lock is held by another run")

// ImportKey names the lock that keeps imports for one owner apart.
func ImportKey(ownerID string) string {
	return "import:" + ownerID
}

type Releaser interface {
	Release(ctx context.Context) error
}

type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Releaser, error)
}

// RedisLocker shares locks between processes through redis.
type RedisLocker struct {
	client *redislock.Client
	prefix string
}

func NewRedisLocker(rdb redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: redislock.New(rdb), prefix: "ledgerdesk:lock:"}
}

func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (Releaser, error) {
	held, err := l.client.Obtain(ctx, l.prefix+key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrNotObtained
	}
	if err != nil {
		return nil, err
	}
	return held, nil
}

// LocalLocker is the single-process fallback when redis is not configured.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]time.Time), now: time.Now}
}

func (l *LocalLocker) Obtain(_ context.Context, key string, ttl time.Duration) (Releaser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if until, ok := l.held[key]; ok && l.now().Before(until) {
		return nil, ErrNotObtained
	}
	until := l.now().Add(ttl)
	l.held[key] = until
	return &localLease{owner: l, key: key, until: until}, nil
}

type localLease struct {
	owner *LocalLocker
	key   string
	until time.Time
}

func (r *localLease) Release(_ context.Context) error {
	r.owner.mu.Lock()
	defer r.owner.mu.Unlock()

	// only drop the entry if it is still ours and not a later holder's
	if until, ok := r.owner.held[r.key]; ok && until.Equal(r.until) {
		delete(r.owner.held, r.key)
	}
	return nil
}
