package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"rtmsrelay/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestEventBus_DispatchSkipsOwnAndMalformed(t *testing.T) {
	eb := NewEventBus(nil, "instance-a", zaptest.NewLogger(t).Sugar())

	var got []*Event
	handler := func(e *Event) error {
		got = append(got, e)
		return nil
	}

	own, err := json.Marshal(Event{Type: EventStatus, InstanceID: "instance-a"})
	require.NoError(t, err)
	other, err := json.Marshal(Event{Type: EventStatus, InstanceID: "instance-b", SessionKey: "k"})
	require.NoError(t, err)

	eb.dispatch(string(own), handler)
	eb.dispatch("{broken", handler)
	eb.dispatch(string(other), handler)

	require.Len(t, got, 1)
	assert.Equal(t, "instance-b", got[0].InstanceID)
	assert.Equal(t, "k", got[0].SessionKey)

	// handler errors are logged, not propagated
	eb.dispatch(string(other), func(*Event) error { return errors.New("nope") })
}

func TestDecodeStatus(t *testing.T) {
	payload, err := json.Marshal(domain.StatusEvent{SessionKey: "k", Level: domain.StatusWarn, Message: "m"})
	require.NoError(t, err)

	status, err := DecodeStatus(&Event{Type: EventStatus, Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, "k", status.SessionKey)
	assert.Equal(t, domain.StatusWarn, status.Level)

	_, err = DecodeStatus(&Event{Type: EventStatus})
	assert.ErrorIs(t, err, domain.ErrMalformedMessage)

	_, err = DecodeStatus(&Event{Type: EventStatus, Payload: json.RawMessage(`"x"`)})
	assert.ErrorIs(t, err, domain.ErrMalformedMessage)
}

func TestStatusEnvelope_RoundTrip(t *testing.T) {
	status := domain.StatusEvent{SessionKey: "k", Source: "signaling", Level: domain.StatusWarn, Message: "slow"}

	event, err := statusEnvelope(status)
	require.NoError(t, err)
	assert.Equal(t, EventStatus, event.Type)
	assert.Equal(t, "k", event.SessionKey)
	assert.False(t, event.Timestamp.IsZero())

	decoded, err := DecodeStatus(event)
	require.NoError(t, err)
	assert.Equal(t, "slow", decoded.Message)
	assert.Equal(t, domain.StatusWarn, decoded.Level)
}

func TestEventBus_PublishStatusesEmptyBatch(t *testing.T) {
	eb := NewEventBus(nil, "instance-a", zaptest.NewLogger(t).Sugar())
	assert.NoError(t, eb.PublishStatuses(context.Background(), nil))
}
