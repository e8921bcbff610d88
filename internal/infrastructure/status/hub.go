package status

import (
	"context"
	"sync"
	"time"

	"rtmsrelay/internal/core/domain"
	"rtmsrelay/internal/infrastructure/distributed"
	"rtmsrelay/pkg/batch"
	"rtmsrelay/pkg/utils"

	"go.uber.org/zap"
)

const (
	defaultHistory    = 100
	forwardQueueSize  = 256
	forwardBatchSize  = 32
	forwardInterval   = 50 * time.Millisecond
	subscriberBacklog = 64
)

// EventBus is the cross-instance transport for status events.
type EventBus interface {
	PublishStatuses(ctx context.Context, statuses []domain.StatusEvent) error
	Subscribe(ctx context.Context, handler func(*distributed.Event) error) error
}

// Hub is the status/log sink. Every event is written to the logger, kept in a
// short history and fanned out to subscribers. Publish never blocks: slow
// subscribers and a saturated bus lose events.
type Hub struct {
	logger *zap.SugaredLogger
	bus    EventBus

	mu          sync.Mutex
	subscribers map[int]chan domain.StatusEvent
	nextID      int
	history     []domain.StatusEvent
	maxHistory  int
	closed      bool

	forward *batch.Batcher[domain.StatusEvent]
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewHub creates a hub. bus may be nil for a single-instance deployment.
func NewHub(logger *zap.SugaredLogger, bus EventBus) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		logger:      logger,
		bus:         bus,
		subscribers: make(map[int]chan domain.StatusEvent),
		maxHistory:  defaultHistory,
		cancel:      cancel,
	}

	if bus != nil {
		h.forward = batch.NewBatcher(forwardBatchSize, forwardInterval, forwardQueueSize, bus.PublishStatuses)
		h.forward.OnError(func(err error, dropped int) {
			h.logger.Debugw("failed to forward status events", "error", err, "dropped", dropped)
		})
		h.wg.Add(1)
		go h.receiveLoop(ctx)
	}

	return h
}

// Publish implements ports.StatusSink.
func (h *Hub) Publish(event domain.StatusEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = utils.Now()
	}
	h.log(event)

	if !h.deliver(event) {
		return
	}

	if h.forward != nil {
		if err := h.forward.Add(event); err != nil {
			h.logger.Warnw("status bus queue full, event not forwarded",
				"session_key", event.SessionKey,
			)
		}
	}
}

func (h *Hub) log(event domain.StatusEvent) {
	fields := []interface{}{
		"source", event.Source,
		"session_key", event.SessionKey,
	}
	for k, v := range event.Details {
		fields = append(fields, k, v)
	}

	switch event.Level {
	case domain.StatusError:
		h.logger.Errorw(event.Message, fields...)
	case domain.StatusWarn:
		h.logger.Warnw(event.Message, fields...)
	default:
		h.logger.Infow(event.Message, fields...)
	}
}

// deliver records event and hands it to local subscribers. It reports false
// once the hub is closed.
func (h *Hub) deliver(event domain.StatusEvent) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}

	h.history = append(h.history, event)
	if len(h.history) > h.maxHistory {
		h.history = h.history[len(h.history)-h.maxHistory:]
	}

	for _, ch := range h.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
	return true
}

// Subscribe returns a channel of future events, a snapshot of recent history
// and a cancel func that closes the channel.
func (h *Hub) Subscribe() (<-chan domain.StatusEvent, []domain.StatusEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan domain.StatusEvent, subscriberBacklog)
	history := append([]domain.StatusEvent(nil), h.history...)
	if h.closed {
		close(ch)
		return ch, history, func() {}
	}

	id := h.nextID
	h.nextID++
	h.subscribers[id] = ch

	var once sync.Once
	return ch, history, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subscribers[id]; ok {
				delete(h.subscribers, id)
				close(sub)
			}
		})
	}
}

// Recent returns up to n of the latest events, oldest first.
func (h *Hub) Recent(n int) []domain.StatusEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n <= 0 || n > len(h.history) {
		n = len(h.history)
	}
	return append([]domain.StatusEvent(nil), h.history[len(h.history)-n:]...)
}

func (h *Hub) receiveLoop(ctx context.Context) {
	defer h.wg.Done()
	for {
		err := h.bus.Subscribe(ctx, h.handleRemote)
		if ctx.Err() != nil {
			return
		}
		h.logger.Warnw("status bus subscription ended, resubscribing", "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// handleRemote delivers an event from another instance to local subscribers
// without logging or forwarding it again.
func (h *Hub) handleRemote(event *distributed.Event) error {
	if event.Type != distributed.EventStatus {
		return nil
	}
	status, err := distributed.DecodeStatus(event)
	if err != nil {
		return err
	}
	if status.Details == nil {
		status.Details = make(map[string]interface{})
	}
	status.Details["instance_id"] = event.InstanceID
	h.deliver(status)
	return nil
}

// Close stops the bus loops and closes every subscriber channel.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for id, ch := range h.subscribers {
		delete(h.subscribers, id)
		close(ch)
	}
	h.mu.Unlock()

	h.cancel()
	h.wg.Wait()
	if h.forward != nil {
		h.forward.Stop()
	}
}
