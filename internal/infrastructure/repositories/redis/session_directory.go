package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"rtmsrelay/internal/core/domain"
	"rtmsrelay/pkg/circuitbreaker"
	"rtmsrelay/pkg/distributed"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	sessionKeyPrefix = "rtmsrelay:session:"
	sessionIndexKey  = "rtmsrelay:sessions"
)

// claimRecord is the value stored under a session lease.
type claimRecord struct {
	Identity   domain.SessionIdentity `json:"identity"`
	InstanceID string                 `json:"instance_id"`
	ClaimedAt  int64                  `json:"claimed_at"`
	Token      string                 `json:"token"`
}

// SessionDirectory records stream ownership in Redis so that every relay
// instance behind the webhook endpoint agrees on who serves a stream.
type SessionDirectory struct {
	client     redis.UniversalClient
	leases     *distributed.LeaseManager
	breaker    *circuitbreaker.CircuitBreaker
	instanceID string
	logger     *zap.SugaredLogger

	mu   sync.Mutex
	held map[string]*distributed.Lease
}

func NewSessionDirectory(client redis.UniversalClient, instanceID string, logger *zap.SugaredLogger) *SessionDirectory {
	breaker := circuitbreaker.New("session directory", circuitbreaker.DefaultConfig())
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("session directory circuit changed",
			"from", from.String(),
			"to", to.String(),
		)
	})

	return &SessionDirectory{
		client:     client,
		leases:     distributed.NewLeaseManager(client, sessionKeyPrefix),
		breaker:    breaker,
		instanceID: instanceID,
		logger:     logger,
		held:       make(map[string]*distributed.Lease),
	}
}

// Claim takes the stream for this instance. It returns false when another
// holder (this instance included) already owns it.
func (d *SessionDirectory) Claim(ctx context.Context, identity domain.SessionIdentity, ttl time.Duration) (bool, error) {
	key := identity.SignalingKey()
	record, err := json.Marshal(claimRecord{
		Identity:   identity,
		InstanceID: d.instanceID,
		ClaimedAt:  time.Now().Unix(),
		Token:      uuid.NewString(),
	})
	if err != nil {
		return false, fmt.Errorf("failed to marshal claim: %w", err)
	}

	lease := d.leases.NewLease(key, string(record), ttl)

	acquired, err := circuitbreaker.Call(ctx, d.breaker, func() (bool, error) {
		ok, err := lease.TryAcquire(ctx)
		if err != nil || !ok {
			return false, err
		}
		if err := d.client.SAdd(ctx, sessionIndexKey, key).Err(); err != nil {
			_ = lease.Release(context.WithoutCancel(ctx))
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return false, err
	}
	if !acquired {
		d.logger.Infow("session already claimed",
			"meeting_uuid", identity.MeetingUUID,
			"rtms_stream_id", identity.StreamID,
		)
		return false, nil
	}

	d.mu.Lock()
	d.held[key] = lease
	d.mu.Unlock()
	return true, nil
}

// Release gives the stream up. Releasing a stream this instance does not
// hold is a no-op.
func (d *SessionDirectory) Release(ctx context.Context, identity domain.SessionIdentity) error {
	return d.releaseKey(ctx, identity.SignalingKey())
}

func (d *SessionDirectory) releaseKey(ctx context.Context, key string) error {
	d.mu.Lock()
	lease, ok := d.held[key]
	delete(d.held, key)
	d.mu.Unlock()
	if !ok {
		return nil
	}

	return d.breaker.Execute(ctx, func() error {
		err := lease.Release(ctx)
		if err != nil && !errors.Is(err, distributed.ErrLeaseNotHeld) {
			return err
		}
		return d.client.SRem(ctx, sessionIndexKey, key).Err()
	})
}

// List returns every live claim across instances and prunes index entries
// whose lease has expired.
func (d *SessionDirectory) List(ctx context.Context) ([]domain.SessionIdentity, error) {
	var identities []domain.SessionIdentity
	err := d.breaker.Execute(ctx, func() error {
		keys, err := d.client.SMembers(ctx, sessionIndexKey).Result()
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			return nil
		}

		full := make([]string, len(keys))
		for i, k := range keys {
			full[i] = d.leases.Prefix() + k
		}
		values, err := d.client.MGet(ctx, full...).Result()
		if err != nil {
			return err
		}

		var stale []interface{}
		identities, stale = decodeClaims(keys, values)
		if len(stale) > 0 {
			if err := d.client.SRem(ctx, sessionIndexKey, stale...).Err(); err != nil {
				d.logger.Warnw("failed to prune session index", "error", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return identities, nil
}

// decodeClaims pairs index keys with MGET results. Keys whose value is gone
// or unreadable are returned as stale.
func decodeClaims(keys []string, values []interface{}) ([]domain.SessionIdentity, []interface{}) {
	identities := make([]domain.SessionIdentity, 0, len(values))
	var stale []interface{}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, keys[i])
			continue
		}
		var rec claimRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			stale = append(stale, keys[i])
			continue
		}
		identities = append(identities, rec.Identity)
	}
	return identities, stale
}

// HealthCheck fails fast while the breaker is open so readiness reflects
// what Claim callers currently see.
func (d *SessionDirectory) HealthCheck(ctx context.Context) error {
	if state := d.breaker.State(); state == circuitbreaker.StateOpen {
		return fmt.Errorf("session directory: %w", circuitbreaker.ErrOpen)
	}
	return d.client.Ping(ctx).Err()
}

// ReleaseAll drops every lease this instance holds.
func (d *SessionDirectory) ReleaseAll(ctx context.Context) error {
	d.mu.Lock()
	keys := make([]string, 0, len(d.held))
	for key := range d.held {
		keys = append(keys, key)
	}
	d.mu.Unlock()

	var errs []error
	for _, key := range keys {
		if err := d.releaseKey(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
