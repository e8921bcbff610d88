package validation

import (
	"fmt"
	"net/url"
	"unicode"
	"unicode/utf8"
)

const maxIdentifierLength = 256

// ValidateIdentifier checks a meeting UUID, stream id or client id.
// Meeting UUIDs are base64-like and may contain '/', '+' and '='.
func ValidateIdentifier(value, fieldName string) error {
	if value == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if len(value) > maxIdentifierLength {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, maxIdentifierLength)
	}
	if !utf8.ValidString(value) {
		return fmt.Errorf("%s contains invalid characters", fieldName)
	}
	for _, r := range value {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%s must not contain whitespace or control characters", fieldName)
		}
		if r == ',' {
			// the signature message is comma-joined
			return fmt.Errorf("%s must not contain ','", fieldName)
		}
	}
	return nil
}

// ValidateMeetingUUID validates a meeting UUID
func ValidateMeetingUUID(meetingUUID string) error {
	return ValidateIdentifier(meetingUUID, "meeting_uuid")
}

// ValidateStreamID validates an RTMS stream ID
func ValidateStreamID(streamID string) error {
	return ValidateIdentifier(streamID, "rtms_stream_id")
}

// ValidateClientID validates an application client ID
func ValidateClientID(clientID string) error {
	return ValidateIdentifier(clientID, "client_id")
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// NormalizeWebSocketURL validates urlStr and rewrites http/https to ws/wss.
func NormalizeWebSocketURL(urlStr string) (string, error) {
	if err := ValidateURL(urlStr); err != nil {
		return "", err
	}
	u, _ := url.Parse(urlStr)
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String(), nil
}
