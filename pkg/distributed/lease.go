package distributed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLeaseNotHeld is returned by Release when the key expired or was taken
// over by another holder.
var ErrLeaseNotHeld = errors.New("lease not held")

// compare-and-delete: only the holder that wrote value may remove the key
const releaseScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

// compare-and-expire for renewal
const renewScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`

// Lease is an exclusive, self-renewing claim on a Redis key. The stored value
// identifies the holder.
type Lease struct {
	client redis.UniversalClient
	key    string
	value  string
	ttl    time.Duration

	stopOnce  sync.Once
	stopRenew chan struct{}
}

// Key returns the full Redis key of the lease.
func (l *Lease) Key() string { return l.key }

// TryAcquire sets the key if it is absent. On success the lease renews itself
// at half the TTL until Release is called; renewal does not depend on ctx.
func (l *Lease) TryAcquire(ctx context.Context) (bool, error) {
	acquired, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", l.key, err)
	}
	if !acquired {
		return false, nil
	}
	go l.renew()
	return true, nil
}

// Release stops renewal and deletes the key if this lease still holds it.
func (l *Lease) Release(ctx context.Context) error {
	l.stop()

	result, err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.value).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lease %s: %w", l.key, err)
	}
	if result == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

func (l *Lease) stop() {
	l.stopOnce.Do(func() { close(l.stopRenew) })
}

func (l *Lease) renew() {
	interval := l.ttl / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			n, err := l.client.Eval(ctx, renewScript, []string{l.key}, l.value, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				// transient; keep trying until the key really expires
				continue
			}
			if n == 0 {
				return
			}
		case <-l.stopRenew:
			return
		}
	}
}

// LeaseManager builds leases under a common key prefix.
type LeaseManager struct {
	client redis.UniversalClient
	prefix string
}

func NewLeaseManager(client redis.UniversalClient, prefix string) *LeaseManager {
	return &LeaseManager{
		client: client,
		prefix: prefix,
	}
}

// NewLease prepares a lease on prefix+key holding value. Nothing is written
// until TryAcquire.
func (lm *LeaseManager) NewLease(key, value string, ttl time.Duration) *Lease {
	return &Lease{
		client:    lm.client,
		key:       lm.prefix + key,
		value:     value,
		ttl:       ttl,
		stopRenew: make(chan struct{}),
	}
}

// Prefix returns the key prefix shared by every lease of this manager.
func (lm *LeaseManager) Prefix() string { return lm.prefix }
