package ports

import (
	"context"
	"time"

	"rtmsrelay/internal/core/domain"
)

// ConnectionHandle is anything the registry can close.
type ConnectionHandle interface {
	Close() error
}

// ConnectionRegistry maps a composite session key to its one live connection.
type ConnectionRegistry interface {
	// Put stores handle under key, closing and replacing any previous entry.
	Put(key string, kind domain.ConnectionKind, handle ConnectionHandle)
	// Remove is idempotent.
	Remove(key string)
	// CompareAndRemove removes key only while it still maps to handle.
	CompareAndRemove(key string, handle ConnectionHandle) bool
	Get(key string) (ConnectionHandle, bool)
	Kind(key string) (domain.ConnectionKind, bool)
	Len() int
	// CloseAll closes and removes every entry.
	CloseAll() error
}

// SessionDirectory records which relay instance owns a stream so duplicate
// "stream started" deliveries are ignored.
type SessionDirectory interface {
	Claim(ctx context.Context, identity domain.SessionIdentity, ttl time.Duration) (bool, error)
	Release(ctx context.Context, identity domain.SessionIdentity) error
	List(ctx context.Context) ([]domain.SessionIdentity, error)
	HealthCheck(ctx context.Context) error
}
