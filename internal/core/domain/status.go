package domain

import "time"

type StatusLevel string

const (
	StatusInfo  StatusLevel = "info"
	StatusWarn  StatusLevel = "warn"
	StatusError StatusLevel = "error"
)

// StatusEvent is a log/status record for the display collaborator.
type StatusEvent struct {
	SessionKey string                 `json:"session_key,omitempty"`
	Source     string                 `json:"source"`
	Level      StatusLevel            `json:"level"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}
