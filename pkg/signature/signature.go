package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrInvalidArgument is returned when a required signing field is empty.
var ErrInvalidArgument = errors.New("invalid argument")

// Sign returns the lowercase hex HMAC-SHA256 of "clientID,meetingUUID,streamID"
// keyed by secret. Every field is required.
func Sign(clientID, meetingUUID, streamID, secret string) (string, error) {
	fields := []struct {
		name  string
		value string
	}{
		{"client_id", clientID},
		{"meeting_uuid", meetingUUID},
		{"rtms_stream_id", streamID},
		{"secret", secret},
	}
	for _, f := range fields {
		if f.value == "" {
			return "", fmt.Errorf("%w: %s is required", ErrInvalidArgument, f.name)
		}
	}

	return HMAC(secret, clientID+","+meetingUUID+","+streamID), nil
}

// HMAC returns the lowercase hex HMAC-SHA256 of message keyed by secret.
func HMAC(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig matches the expected signature, in constant time.
func Verify(clientID, meetingUUID, streamID, secret, sig string) bool {
	expected, err := Sign(clientID, meetingUUID, streamID, secret)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(sig))
}
