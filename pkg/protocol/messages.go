// Package protocol defines the JSON text frames exchanged with RTMS
// signaling and media servers. The msg_type field selects the shape.
package protocol

import (
	"encoding/json"
	"fmt"
)

type MessageType string

const (
	SignalingHandshakeReq  MessageType = "SIGNALING_HAND_SHAKE_REQ"
	SignalingHandshakeResp MessageType = "SIGNALING_HAND_SHAKE_RESP"
	DataHandshakeReq       MessageType = "DATA_HAND_SHAKE_REQ"
	DataHandshakeResp      MessageType = "DATA_HAND_SHAKE_RESP"
	StreamStateUpdate      MessageType = "STREAM_STATE_UPDATE"
	KeepAliveReq           MessageType = "KEEP_ALIVE_REQ"
	KeepAliveResp          MessageType = "KEEP_ALIVE_RESP"
	MediaDataVideo         MessageType = "MEDIA_DATA_VIDEO"
	MediaDataAudio         MessageType = "MEDIA_DATA_AUDIO"
	MediaDataTranscript    MessageType = "MEDIA_DATA_TRANSCRIPT"
	SessionStateUpdate     MessageType = "SESSION_STATE_UPDATE"
	DebugLog               MessageType = "DEBUG_LOG"
)

const (
	ProtocolVersion = 1

	// StatusOK is the handshake status_code for an accepted handshake.
	StatusOK = 0
	// StatusInvalidSignature is what the sandbox returns for a bad signature.
	StatusInvalidSignature = 8

	StreamStateActive     = "ACTIVE"
	StreamStateTerminated = "TERMINATED"
)

type Envelope struct {
	MsgType MessageType `json:"msg_type"`
}

// PeekType extracts msg_type without decoding the rest of the frame.
func PeekType(data []byte) (MessageType, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", err
	}
	if env.MsgType == "" {
		return "", fmt.Errorf("msg_type is missing")
	}
	return env.MsgType, nil
}

type HandshakeRequest struct {
	MsgType         MessageType `json:"msg_type"`
	ProtocolVersion int         `json:"protocol_version"`
	MeetingUUID     string      `json:"meeting_uuid"`
	RTMSStreamID    string      `json:"rtms_stream_id"`
	Signature       string      `json:"signature"`
	// Only set on DATA_HAND_SHAKE_REQ, where it is always false.
	PayloadEncryption *bool `json:"payload_encryption,omitempty"`
}

type MediaServerURLs struct {
	All        string `json:"all"`
	Audio      string `json:"audio,omitempty"`
	Video      string `json:"video,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

type MediaServer struct {
	ServerURLs MediaServerURLs `json:"server_urls"`
}

type HandshakeResponse struct {
	MsgType       MessageType  `json:"msg_type"`
	StatusCode    int          `json:"status_code"`
	Reason        string       `json:"reason,omitempty"`
	MediaServer   *MediaServer `json:"media_server,omitempty"`
	RTMSSessionID string       `json:"rtms_session_id,omitempty"`
}

type StreamStateUpdateMessage struct {
	MsgType MessageType `json:"msg_type"`
	State   string      `json:"state"`
	Reason  string      `json:"reason,omitempty"`
}

type KeepAlive struct {
	MsgType   MessageType `json:"msg_type"`
	Timestamp int64       `json:"timestamp"`
}

type MediaMetadata struct {
	ContentType  string `json:"content_type,omitempty"`
	Codec        string `json:"codec,omitempty"`
	SampleRate   int    `json:"sample_rate,omitempty"`
	Channel      int    `json:"channel,omitempty"`
	DataOpt      string `json:"data_opt,omitempty"`
	SendInterval int    `json:"send_interval,omitempty"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
}

type MediaContent struct {
	UserID    int            `json:"user_id"`
	Data      string         `json:"data"`
	Metadata  *MediaMetadata `json:"metadata,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

type MediaMessage struct {
	MsgType MessageType  `json:"msg_type"`
	Content MediaContent `json:"content"`
}

type SessionStateUpdateMessage struct {
	MsgType       MessageType `json:"msg_type"`
	RTMSSessionID string      `json:"rtms_session_id"`
	State         string      `json:"state"`
	StopReason    string      `json:"stop_reason,omitempty"`
	Timestamp     int64       `json:"timestamp"`
}

type DebugLogContent struct {
	Message string `json:"message"`
}

type DebugLogMessage struct {
	MsgType MessageType     `json:"msg_type"`
	Content DebugLogContent `json:"content"`
}
