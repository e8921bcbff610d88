package services

import (
	"context"
	"errors"
	"fmt"

	"rtmsrelay/internal/core/domain"
	"rtmsrelay/internal/core/ports"
	"rtmsrelay/pkg/tracing"
	"rtmsrelay/pkg/utils"

	"go.uber.org/zap"
)

// SessionStateReporter sends SESSION_STATE_UPDATE notices to the remote
// party over the media socket.
type SessionStateReporter struct {
	status ports.StatusSink
	logger *zap.SugaredLogger
}

func NewSessionStateReporter(status ports.StatusSink, logger *zap.SugaredLogger) *SessionStateReporter {
	return &SessionStateReporter{status: status, logger: logger}
}

// Report is a no-op when the media socket is not open. key is the relay
// session key the status event is published under.
func (r *SessionStateReporter) Report(
	ctx context.Context,
	key string,
	media ports.MediaSession,
	state domain.ReportedState,
	reason domain.StopReason,
) error {
	if media == nil || !media.IsOpen() {
		return nil
	}

	ctx, span := tracing.TraceWebSocketMessage(ctx, string(domain.FrameSessionState), key)
	defer span.End()

	err := media.SendFrame(ctx, &domain.MediaFrame{
		Type:       domain.FrameSessionState,
		State:      state,
		StopReason: reason,
		CapturedAt: utils.Now(),
	})
	if errors.Is(err, domain.ErrNotOpen) {
		return nil
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("report session state %s: %w", state, err)
	}

	r.logger.Infow("session state reported",
		"session_key", key,
		"rtms_session_id", media.SessionID(),
		"state", state,
		"stop_reason", reason,
	)
	if r.status != nil {
		r.status.Publish(domain.StatusEvent{
			SessionKey: key,
			Source:     "session",
			Level:      domain.StatusInfo,
			Message:    fmt.Sprintf("State updated to %s", state),
			Details: map[string]interface{}{
				"rtms_session_id": media.SessionID(),
				"stop_reason":     reason,
			},
			Timestamp: utils.Now(),
		})
	}
	return nil
}
