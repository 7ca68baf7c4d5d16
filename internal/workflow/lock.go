package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"studio-jobcore/internal/models"
)

// Locker hands out at most one lease per (scope, kind). TryAcquire never
// waits: a nil lease with a nil error means someone else holds it.
type Locker interface {
	TryAcquire(ctx context.Context, scopeID, kind, holderID string) (*Lease, error)
}

// Lease is a held workflow lock. Release is safe to call more than once and
// on a nil lease.
type Lease struct {
	models.WorkflowLease
	TTL time.Duration

	mu      sync.Mutex
	once    sync.Once
	renew   func(ctx context.Context) (bool, error)
	release func(ctx context.Context) error
	err     error
}

// Extend pushes the expiry out by TTL. It reports false once the lease has
// expired or passed to another holder; the caller no longer owns the scope.
func (l *Lease) Extend(ctx context.Context) (bool, error) {
	if l == nil || l.renew == nil {
		return false, nil
	}
	owned, err := l.renew(ctx)
	if err != nil || !owned {
		return owned, err
	}
	l.mu.Lock()
	l.ExpiresAt = time.Now().UTC().Add(l.TTL)
	l.mu.Unlock()
	return true, nil
}

// KeepAlive extends the lease every third of its TTL until ctx ends. It
// calls lost and returns once the lease can no longer be extended.
func (l *Lease) KeepAlive(ctx context.Context, lost func()) {
	if l == nil || l.TTL <= 0 {
		return
	}
	ticker := time.NewTicker(l.TTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			owned, err := l.Extend(ctx)
			if err != nil {
				// Transient; the next tick retries well before expiry.
				continue
			}
			if !owned {
				lost()
				return
			}
		}
	}
}

// Release gives the lock back. Only the first call does any work.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	l.once.Do(func() {
		if l.release != nil {
			l.err = l.release(ctx)
		}
	})
	return l.err
}

// RedisLocker keeps leases as Redis keys set with NX and a safety TTL, so a
// crashed holder cannot block a project forever.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisLocker builds a locker. ttl bounds how long a lease outlives a
// holder that never released it.
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &RedisLocker{client: client, ttl: ttl, prefix: "workflow:lease:"}
}

func (l *RedisLocker) key(scopeID, kind string) string {
	return l.prefix + kind + ":" + scopeID
}

func (l *RedisLocker) TryAcquire(ctx context.Context, scopeID, kind, holderID string) (*Lease, error) {
	key := l.key(scopeID, kind)
	ok, err := l.client.SetNX(ctx, key, holderID, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire workflow lease %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	now := time.Now().UTC()
	return &Lease{
		WorkflowLease: models.WorkflowLease{
			ScopeID:    scopeID,
			Kind:       kind,
			HolderID:   holderID,
			AcquiredAt: now,
			ExpiresAt:  now.Add(l.ttl),
		},
		TTL: l.ttl,
		renew: func(ctx context.Context) (bool, error) {
			n, err := renewScript.Run(ctx, l.client, []string{key}, holderID, l.ttl.Milliseconds()).Int64()
			if err != nil {
				return false, fmt.Errorf("renew workflow lease %s: %w", key, err)
			}
			return n == 1, nil
		},
		release: func(ctx context.Context) error {
			if err := releaseScript.Run(ctx, l.client, []string{key}, holderID).Err(); err != nil {
				return fmt.Errorf("release workflow lease %s: %w", key, err)
			}
			return nil
		},
	}, nil
}

// Holder returns who currently holds (scopeID, kind), or "" when free.
func (l *RedisLocker) Holder(ctx context.Context, scopeID, kind string) (string, error) {
	v, err := l.client.Get(ctx, l.key(scopeID, kind)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

// Only the holder may delete the key; a lease that expired and was taken by
// someone else is left alone.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// LeaseStore is implemented by the Postgres and in-memory stores.
type LeaseStore interface {
	TryAcquireLease(ctx context.Context, scopeID, kind, holderID string, ttl time.Duration) (*models.WorkflowLease, error)
	RenewLease(ctx context.Context, scopeID, kind, holderID string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, scopeID, kind, holderID string) error
}

// StoreLocker keeps leases in the workflow_leases table.
type StoreLocker struct {
	store LeaseStore
	ttl   time.Duration
}

func NewStoreLocker(store LeaseStore, ttl time.Duration) *StoreLocker {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &StoreLocker{store: store, ttl: ttl}
}

func (l *StoreLocker) TryAcquire(ctx context.Context, scopeID, kind, holderID string) (*Lease, error) {
	wl, err := l.store.TryAcquireLease(ctx, scopeID, kind, holderID, l.ttl)
	if err != nil || wl == nil {
		return nil, err
	}
	return &Lease{
		WorkflowLease: *wl,
		TTL:           l.ttl,
		renew: func(ctx context.Context) (bool, error) {
			return l.store.RenewLease(ctx, scopeID, kind, holderID, l.ttl)
		},
		release: func(ctx context.Context) error {
			return l.store.ReleaseLease(ctx, scopeID, kind, holderID)
		},
	}, nil
}
