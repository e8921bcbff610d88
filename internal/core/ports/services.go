package ports

import (
	"context"
	"time"

	"rtmsrelay/internal/core/domain"
)

// FrameSink accepts outbound media frames.
type FrameSink interface {
	// SendFrame queues frame and waits until it has been written to the socket.
	SendFrame(ctx context.Context, frame *domain.MediaFrame) error
	// EnqueueFrame queues frame without waiting; it fails with
	// domain.ErrQueueFull when the send queue is saturated.
	EnqueueFrame(frame *domain.MediaFrame) error
}

// SessionClient is one side of the RTMS handshake protocol.
type SessionClient interface {
	// Run connects, handshakes and processes inbound messages until the
	// connection terminates or ctx is cancelled.
	Run(ctx context.Context) error
	// Close requests termination without waiting for it.
	Close() error
	State() domain.SessionState
	// Done is closed once Run has returned.
	Done() <-chan struct{}
}

// MediaSession is the media connection: a client that also carries frames.
type MediaSession interface {
	SessionClient
	FrameSink
	SessionID() string
	IsOpen() bool
}

// MediaLauncher is invoked by the signaling client with the media URL
// returned in a successful handshake. It must not block.
type MediaLauncher func(ctx context.Context, mediaURL string) error

type ClientFactory interface {
	NewSignalingClient(identity domain.SessionIdentity, url string, launch MediaLauncher) SessionClient
	NewMediaClient(identity domain.SessionIdentity, url string, pipeline CapturePipeline) MediaSession
}

// CapturePipeline turns device input into frames for a FrameSink.
type CapturePipeline interface {
	Start(ctx context.Context, sink FrameSink) error
	// Stop is idempotent and safe when never started.
	Stop()
	SetStreamingEnabled(enabled bool)
	StreamingEnabled() bool
}

type PipelineFactory interface {
	NewPipeline(identity domain.SessionIdentity) (CapturePipeline, error)
}

// DeviceManager owns the process-wide camera/microphone handle.
type DeviceManager interface {
	Acquire(ctx context.Context) error
	Release() error
}

type StatusSink interface {
	Publish(event domain.StatusEvent)
}

type MetricsRecorder interface {
	SessionStarted()
	SessionEnded()
	RecordHandshake(kind domain.ConnectionKind, ok bool)
	RecordKeepAlive(kind domain.ConnectionKind)
	RecordMalformed(kind domain.ConnectionKind)
	RecordFrameSent(frameType domain.FrameType, bytes int)
	RecordFrameDropped(frameType domain.FrameType, reason string)
	ObserveEncode(frameType domain.FrameType, d time.Duration)
	RecordWebhook(event string, status int)
}

// RelayService orchestrates sessions. Keys are signaling keys.
type RelayService interface {
	Start(ctx context.Context, identity domain.SessionIdentity, signalingURL string) (*domain.SessionInfo, error)
	Stop(ctx context.Context, key string, reason domain.StopReason) error
	SetStreaming(ctx context.Context, key string, enabled bool) error
	SendTranscript(ctx context.Context, key string, userID int, text string) error
	Get(key string) (*domain.SessionInfo, error)
	List() []*domain.SessionInfo
	Shutdown(ctx context.Context) error
}
