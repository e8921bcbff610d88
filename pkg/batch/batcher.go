package batch

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrFull is returned by Add when maxPending items are already waiting.
var ErrFull = errors.New("batch queue full")

// FlushFunc processes one batch. It is never called concurrently.
type FlushFunc[T any] func(ctx context.Context, items []T) error

// Batcher collects items and flushes them when batchSize is reached or
// every batchInterval, whichever comes first.
type Batcher[T any] struct {
	batchSize     int
	batchInterval time.Duration
	maxPending    int
	flushTimeout  time.Duration

	mu      sync.Mutex
	pending []T

	flushMu   sync.Mutex
	flushChan chan struct{}
	stopChan  chan struct{}
	stopOnce  sync.Once
	done      chan struct{}

	flush   FlushFunc[T]
	onError func(err error, dropped int)
}

// NewBatcher starts a batcher. maxPending <= 0 means unbounded.
func NewBatcher[T any](batchSize int, batchInterval time.Duration, maxPending int, flush FlushFunc[T]) *Batcher[T] {
	if batchSize <= 0 {
		batchSize = 1
	}
	b := &Batcher[T]{
		batchSize:     batchSize,
		batchInterval: batchInterval,
		maxPending:    maxPending,
		flushTimeout:  5 * time.Second,
		pending:       make([]T, 0, batchSize),
		flushChan:     make(chan struct{}, 1),
		stopChan:      make(chan struct{}),
		done:          make(chan struct{}),
		flush:         flush,
	}

	go b.run()

	return b
}

// OnError registers a callback for failed background flushes. Set it
// before the first Add.
func (b *Batcher[T]) OnError(fn func(err error, dropped int)) {
	b.onError = fn
}

// Add queues an item without blocking.
func (b *Batcher[T]) Add(item T) error {
	b.mu.Lock()
	if b.maxPending > 0 && len(b.pending) >= b.maxPending {
		b.mu.Unlock()
		return ErrFull
	}
	b.pending = append(b.pending, item)
	shouldFlush := len(b.pending) >= b.batchSize
	b.mu.Unlock()

	if shouldFlush {
		select {
		case b.flushChan <- struct{}{}:
		default:
		}
	}

	return nil
}

// Flush immediately processes everything pending.
func (b *Batcher[T]) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	items := make([]T, len(b.pending))
	copy(items, b.pending)
	b.pending = b.pending[:0]
	b.mu.Unlock()

	return b.flush(ctx, items)
}

func (b *Batcher[T]) run() {
	defer close(b.done)

	ticker := time.NewTicker(b.batchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.background()
		case <-b.flushChan:
			b.background()
		case <-b.stopChan:
			// Final flush on stop
			b.background()
			return
		}
	}
}

func (b *Batcher[T]) background() {
	n := b.PendingCount()
	ctx, cancel := context.WithTimeout(context.Background(), b.flushTimeout)
	defer cancel()
	if err := b.Flush(ctx); err != nil && b.onError != nil {
		b.onError(err, n)
	}
}

// Stop flushes what is pending and waits for the background loop to exit.
func (b *Batcher[T]) Stop() {
	b.stopOnce.Do(func() { close(b.stopChan) })
	<-b.done
}

// PendingCount returns the number of pending items.
func (b *Batcher[T]) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
