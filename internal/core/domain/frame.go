package domain

import "time"

// FrameType tags a MediaFrame.
type FrameType string

const (
	FrameVideo        FrameType = "VIDEO"
	FrameAudio        FrameType = "AUDIO"
	FrameTranscript   FrameType = "TRANSCRIPT"
	FrameDebugLog     FrameType = "DEBUG_LOG"
	FrameSessionState FrameType = "SESSION_STATE_UPDATE"
)

// FrameMetadata describes a media payload.
type FrameMetadata struct {
	ContentType  string
	Codec        string
	SampleRate   int
	Channels     int
	DataOpt      string
	SendInterval int
	Width        int
	Height       int
}

// MediaFrame is one outbound unit on the media socket. Data holds the
// base64 payload for VIDEO/AUDIO and plain text for TRANSCRIPT/DEBUG_LOG.
type MediaFrame struct {
	Type       FrameType
	UserID     int
	Data       string
	Metadata   *FrameMetadata
	CapturedAt time.Time

	// SESSION_STATE_UPDATE only
	State      ReportedState
	StopReason StopReason
}

// Audio/video wire constants.
const (
	AudioContentType  = "RAW_AUDIO"
	AudioCodec        = "L16"
	AudioSampleRate   = 16000
	AudioChannels     = 1
	AudioDataOpt      = "AUDIO_MIXED_STREAM"
	AudioSendInterval = 20

	VideoContentType = "RAW_VIDEO"
	VideoCodec       = "JPG"
)

// AudioMetadata is attached to every MEDIA_DATA_AUDIO frame.
func AudioMetadata() *FrameMetadata {
	return &FrameMetadata{
		ContentType:  AudioContentType,
		Codec:        AudioCodec,
		SampleRate:   AudioSampleRate,
		Channels:     AudioChannels,
		DataOpt:      AudioDataOpt,
		SendInterval: AudioSendInterval,
	}
}

// VideoMetadata is attached to every MEDIA_DATA_VIDEO frame.
func VideoMetadata(width, height int) *FrameMetadata {
	return &FrameMetadata{
		ContentType: VideoContentType,
		Codec:       VideoCodec,
		Width:       width,
		Height:      height,
	}
}
