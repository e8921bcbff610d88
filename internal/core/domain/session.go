package domain

import (
	"fmt"
	"time"

	"rtmsrelay/pkg/validation"
)

// SessionIdentity identifies one signaling/media pair. It never changes
// once assigned.
type SessionIdentity struct {
	ClientID    string `json:"client_id"`
	MeetingUUID string `json:"meeting_uuid"`
	StreamID    string `json:"rtms_stream_id"`
}

const mediaKeySuffix = "_media"

// SignalingKey is the registry key of the signaling connection.
func (id SessionIdentity) SignalingKey() string {
	return id.MeetingUUID + id.StreamID
}

// MediaKey is the registry key of the media connection.
func (id SessionIdentity) MediaKey() string {
	return id.SignalingKey() + mediaKeySuffix
}

// Key returns the registry key for the given connection kind.
func (id SessionIdentity) Key(kind ConnectionKind) string {
	if kind == ConnectionMedia {
		return id.MediaKey()
	}
	return id.SignalingKey()
}

// Validate fails with ErrInvalidArgument when any field is absent or malformed.
func (id SessionIdentity) Validate() error {
	if err := validation.ValidateClientID(id.ClientID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if err := validation.ValidateMeetingUUID(id.MeetingUUID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if err := validation.ValidateStreamID(id.StreamID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return nil
}

func (id SessionIdentity) String() string {
	return fmt.Sprintf("%s/%s", id.MeetingUUID, id.StreamID)
}

type ConnectionKind string

const (
	ConnectionSignaling ConnectionKind = "signaling"
	ConnectionMedia     ConnectionKind = "media"
)

// SessionState is the lifecycle of a single connection.
type SessionState string

const (
	StateInit        SessionState = "INIT"
	StateHandshaking SessionState = "HANDSHAKING"
	StateActive      SessionState = "ACTIVE"
	StateTerminated  SessionState = "TERMINATED"
)

// CanTransition reports whether from -> to is a legal lifecycle move.
// TERMINATED is terminal; every other state may move forward or terminate.
func CanTransition(from, to SessionState) bool {
	switch from {
	case StateInit:
		return to == StateHandshaking || to == StateTerminated
	case StateHandshaking:
		return to == StateActive || to == StateTerminated
	case StateActive:
		return to == StateTerminated
	default:
		return false
	}
}

// ReportedState is the session-level state announced to the remote party
// with SESSION_STATE_UPDATE.
type ReportedState string

const (
	ReportedStarted ReportedState = "STARTED"
	ReportedActive  ReportedState = "ACTIVE"
	ReportedPaused  ReportedState = "PAUSED"
	ReportedStopped ReportedState = "STOPPED"
)

// StopReason explains a STOPPED report.
type StopReason string

const (
	StopReasonNone           StopReason = ""
	StopReasonUserRequested  StopReason = "STOP_BC_USER_REQUESTED"
	StopReasonMeetingEnded   StopReason = "STOP_BC_MEETING_ENDED"
	StopReasonConnectionLost StopReason = "STOP_BC_CONNECTION_INTERRUPTED"
	StopReasonShutdown       StopReason = "STOP_BC_APP_SHUTDOWN"
)

// SessionInfo is a read-only snapshot of a relay session.
type SessionInfo struct {
	Identity         SessionIdentity `json:"identity"`
	Key              string          `json:"key"`
	SignalingURL     string          `json:"signaling_url"`
	MediaURL         string          `json:"media_url,omitempty"`
	RTMSSessionID    string          `json:"rtms_session_id,omitempty"`
	SignalingState   SessionState    `json:"signaling_state"`
	MediaState       SessionState    `json:"media_state"`
	StreamingEnabled bool            `json:"streaming_enabled"`
	StartedAt        time.Time       `json:"started_at"`
}
