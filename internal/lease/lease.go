// Package lease provides the single-flight lock shared by every process that
// can start a booking task.
package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrHeld is returned when another owner holds the lease.
var ErrHeld = errors.New("lease held by another owner")

type Locker interface {
	// Acquire takes key for owner until ttl elapses or Release is called.
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) error
	// Release drops key only if owner still holds it.
	Release(ctx context.Context, key, owner string) error
}

// Memory is a process-local Locker.
type Memory struct {
	mu     sync.Mutex
	now    func() time.Time
	owners map[string]entry
}

type entry struct {
	owner   string
	expires time.Time
}

func NewMemory() *Memory {
	return &Memory{now: time.Now, owners: make(map[string]entry)}
}

func (m *Memory) Acquire(ctx context.Context, key, owner string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.owners[key]; ok && e.owner != owner && now.Before(e.expires) {
		return ErrHeld
	}
	m.owners[key] = entry{owner: owner, expires: now.Add(ttl)}
	return nil
}

func (m *Memory) Release(ctx context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.owners[key]; ok && e.owner == owner {
		delete(m.owners, key)
	}
	return nil
}

// Redis is a Locker backed by SET NX with an expiry, so a crashed process
// frees the slot once ttl passes.
type Redis struct {
	rdb *redis.Client
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis connects and pings with a 2s timeout.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &Redis{rdb: rdb}, nil
}

func (r *Redis) Acquire(ctx context.Context, key, owner string, ttl time.Duration) error {
	ok, err := r.rdb.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	holder, err := r.Holder(ctx, key)
	if err != nil {
		return err
	}
	if holder != owner {
		return ErrHeld
	}
	return r.rdb.Expire(ctx, key, ttl).Err()
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

func (r *Redis) Release(ctx context.Context, key, owner string) error {
	err := releaseScript.Run(ctx, r.rdb, []string{key}, owner).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

// Holder reports who holds key, or "" when it is free.
func (r *Redis) Holder(ctx context.Context, key string) (string, error) {
	v, err := r.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

func (r *Redis) Close() error { return r.rdb.Close() }
