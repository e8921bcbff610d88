package memory

import (
	"context"
	"time"

	"rtmsrelay/internal/core/domain"
	"rtmsrelay/pkg/cache"
)

// SessionDirectory is the single-instance directory: claims live in a TTL
// cache and are never visible to other processes.
type SessionDirectory struct {
	claims *cache.Cache[domain.SessionIdentity]
}

func NewSessionDirectory() *SessionDirectory {
	return &SessionDirectory{
		claims: cache.New[domain.SessionIdentity](0),
	}
}

func (d *SessionDirectory) Claim(_ context.Context, identity domain.SessionIdentity, ttl time.Duration) (bool, error) {
	return d.claims.SetIfAbsent(identity.SignalingKey(), identity, ttl), nil
}

func (d *SessionDirectory) Release(_ context.Context, identity domain.SessionIdentity) error {
	d.claims.Delete(identity.SignalingKey())
	return nil
}

func (d *SessionDirectory) List(context.Context) ([]domain.SessionIdentity, error) {
	return d.claims.Values(), nil
}

func (d *SessionDirectory) HealthCheck(context.Context) error {
	return nil
}

// Close stops the expiry sweep.
func (d *SessionDirectory) Close() {
	d.claims.Stop()
}
