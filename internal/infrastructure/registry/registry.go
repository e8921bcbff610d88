package registry

import (
	"errors"
	"fmt"
	"sync"

	"rtmsrelay/internal/core/domain"
	"rtmsrelay/internal/core/ports"

	"go.uber.org/zap"
)

type entry struct {
	kind   domain.ConnectionKind
	handle ports.ConnectionHandle
}

// ConnectionRegistry is the process-wide key -> live connection map.
// Handles are always closed outside the lock.
type ConnectionRegistry struct {
	entries map[string]entry
	mu      sync.RWMutex
	logger  *zap.SugaredLogger
}

func NewConnectionRegistry(logger *zap.SugaredLogger) *ConnectionRegistry {
	return &ConnectionRegistry{
		entries: make(map[string]entry),
		logger:  logger,
	}
}

var _ ports.ConnectionRegistry = (*ConnectionRegistry)(nil)

func (r *ConnectionRegistry) Put(key string, kind domain.ConnectionKind, handle ports.ConnectionHandle) {
	r.mu.Lock()
	prev, exists := r.entries[key]
	r.entries[key] = entry{kind: kind, handle: handle}
	r.mu.Unlock()

	if exists && prev.handle != handle {
		r.logger.Infow("replacing live connection", "key", key, "kind", prev.kind)
		if err := prev.handle.Close(); err != nil {
			r.logger.Warnw("failed to close replaced connection", "key", key, "error", err)
		}
	}
}

func (r *ConnectionRegistry) Remove(key string) {
	r.mu.Lock()
	delete(r.entries, key)
	r.mu.Unlock()
}

func (r *ConnectionRegistry) CompareAndRemove(key string, handle ports.ConnectionHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.entries[key]
	if !exists || e.handle != handle {
		return false
	}
	delete(r.entries, key)
	return true
}

func (r *ConnectionRegistry) Get(key string) (ports.ConnectionHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.entries[key]
	return e.handle, exists
}

func (r *ConnectionRegistry) Kind(key string) (domain.ConnectionKind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.entries[key]
	return e.kind, exists
}

func (r *ConnectionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// CloseAll empties the registry and closes every handle it held.
func (r *ConnectionRegistry) CloseAll() error {
	r.mu.Lock()
	snapshot := r.entries
	r.entries = make(map[string]entry)
	r.mu.Unlock()

	var errs []error
	for key, e := range snapshot {
		if err := e.handle.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s connection %s: %w", e.kind, key, err))
		}
	}
	if len(snapshot) > 0 {
		r.logger.Infow("closed all connections", "count", len(snapshot))
	}
	return errors.Join(errs...)
}
