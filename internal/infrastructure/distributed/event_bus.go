package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"rtmsrelay/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type EventType string

const EventStatus EventType = "status.published"

const defaultChannel = "rtmsrelay:events"

// Event is the envelope shared between relay instances.
type Event struct {
	Type       EventType       `json:"type"`
	InstanceID string          `json:"instance_id"`
	Timestamp  time.Time       `json:"timestamp"`
	SessionKey string          `json:"session_key,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// EventBus fans status events out to the other relay instances over Redis
// pub/sub so any instance can serve the status stream.
type EventBus struct {
	client     redis.UniversalClient
	instanceID string
	channel    string
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

func NewEventBus(client redis.UniversalClient, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    defaultChannel,
		logger:     logger,
	}
}

func (eb *EventBus) InstanceID() string { return eb.instanceID }

// PublishStatuses sends a batch of status events in one pipelined round trip.
func (eb *EventBus) PublishStatuses(ctx context.Context, statuses []domain.StatusEvent) error {
	if len(statuses) == 0 {
		return nil
	}

	pipe := eb.client.Pipeline()
	for _, status := range statuses {
		event, err := statusEnvelope(status)
		if err != nil {
			return err
		}
		event.InstanceID = eb.instanceID

		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		pipe.Publish(ctx, eb.channel, data)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish %d events: %w", len(statuses), err)
	}
	eb.logger.Debugw("published status batch", "count", len(statuses))
	return nil
}

func statusEnvelope(status domain.StatusEvent) (*Event, error) {
	payload, err := json.Marshal(status)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal status: %w", err)
	}

	timestamp := status.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	return &Event{
		Type:       EventStatus,
		SessionKey: status.SessionKey,
		Timestamp:  timestamp,
		Payload:    payload,
	}, nil
}

// Subscribe delivers events published by other instances to handler until
// ctx is cancelled.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*Event) error) error {
	eb.mu.Lock()
	if eb.pubsub != nil {
		eb.mu.Unlock()
		return errors.New("already subscribed")
	}
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	eb.pubsub = pubsub
	eb.mu.Unlock()

	defer func() {
		eb.mu.Lock()
		eb.pubsub = nil
		eb.mu.Unlock()
		pubsub.Close()
	}()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			eb.dispatch(msg.Payload, handler)
		}
	}
}

func (eb *EventBus) dispatch(payload string, handler func(*Event) error) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		eb.logger.Warnw("failed to unmarshal event",
			"error", err,
			"payload", payload,
		)
		return
	}

	if event.InstanceID == eb.instanceID {
		return
	}

	if err := handler(&event); err != nil {
		eb.logger.Warnw("error handling event",
			"type", event.Type,
			"error", err,
		)
	}
}

// DecodeStatus extracts the status event carried by an envelope.
func DecodeStatus(event *Event) (domain.StatusEvent, error) {
	var status domain.StatusEvent
	if len(event.Payload) == 0 {
		return status, fmt.Errorf("%w: empty status payload", domain.ErrMalformedMessage)
	}
	if err := json.Unmarshal(event.Payload, &status); err != nil {
		return status, fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err)
	}
	return status, nil
}

func (eb *EventBus) Close() error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
