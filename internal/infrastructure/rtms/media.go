package rtms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"rtmsrelay/internal/core/domain"
	"rtmsrelay/internal/core/ports"
	"rtmsrelay/pkg/protocol"
	"rtmsrelay/pkg/utils"
)

// MediaClient carries frames to the media server and starts local
// capture once the data handshake succeeds.
type MediaClient struct {
	*baseClient
	pipeline ports.CapturePipeline

	idMu      sync.RWMutex
	sessionID string
}

func NewMediaClient(
	identity domain.SessionIdentity,
	url string,
	pipeline ports.CapturePipeline,
	opts Options,
	deps Dependencies,
) *MediaClient {
	return &MediaClient{
		baseClient: newBaseClient(domain.ConnectionMedia, identity, url, opts, deps),
		pipeline:   pipeline,
	}
}

var _ ports.MediaSession = (*MediaClient)(nil)

func (c *MediaClient) Run(ctx context.Context) error {
	return c.run(ctx, c)
}

// SessionID is the rtms_session_id assigned during the data handshake.
func (c *MediaClient) SessionID() string {
	c.idMu.RLock()
	defer c.idMu.RUnlock()
	return c.sessionID
}

func (c *MediaClient) IsOpen() bool {
	sock := c.socket()
	return c.State() == domain.StateActive && sock != nil && !sock.isClosed()
}

func (c *MediaClient) handshakeRequest(sig string) protocol.HandshakeRequest {
	encrypted := false
	return protocol.HandshakeRequest{
		MsgType:           protocol.DataHandshakeReq,
		ProtocolVersion:   protocol.ProtocolVersion,
		MeetingUUID:       c.identity.MeetingUUID,
		RTMSStreamID:      c.identity.StreamID,
		Signature:         sig,
		PayloadEncryption: &encrypted,
	}
}

func (c *MediaClient) handshakeResponseType() protocol.MessageType {
	return protocol.DataHandshakeResp
}

func (c *MediaClient) handleHandshake(ctx context.Context, data []byte) error {
	resp, err := decodeHandshake(data)
	if err != nil {
		return err
	}

	id := resp.RTMSSessionID
	if id == "" {
		id = utils.GenerateSessionID()
	}
	c.idMu.Lock()
	c.sessionID = id
	c.idMu.Unlock()
	c.logger.Infow("media handshake accepted", "rtms_session_id", id)
	return nil
}

// activated starts capture: there is now a live destination for frames.
// Stop runs in teardown, so the pipeline outlives the handshake span.
func (c *MediaClient) activated(ctx context.Context) {
	if c.pipeline == nil {
		return
	}
	if err := c.pipeline.Start(context.WithoutCancel(ctx), c); err != nil {
		c.logger.Errorw("failed to start recording", "error", err)
		c.enqueueDebug(fmt.Sprintf("Error starting recording: %v", err))
		return
	}
	c.enqueueDebug("Started recording")
}

func (c *MediaClient) enqueueDebug(msg string) {
	sock := c.socket()
	if sock == nil {
		return
	}
	data, err := encodeFrame(&domain.MediaFrame{Type: domain.FrameDebugLog, Data: msg}, c.SessionID())
	if err != nil {
		return
	}
	if err := sock.enqueue(data, nil); err != nil {
		c.logger.Warnw("debug log dropped", "error", err)
	}
}

func (c *MediaClient) handleMessage(ctx context.Context, msgType protocol.MessageType, data []byte) {
	c.logger.Debugw("ignoring media message", "msg_type", msgType)
}

func (c *MediaClient) teardown() {
	if c.pipeline != nil {
		c.pipeline.Stop()
	}
}

// SendFrame writes frame and waits for the write to complete.
func (c *MediaClient) SendFrame(ctx context.Context, frame *domain.MediaFrame) error {
	sock, data, err := c.prepare(frame)
	if err != nil {
		return err
	}
	return sock.send(ctx, data, c.sentHook(frame.Type))
}

// EnqueueFrame queues frame without waiting.
func (c *MediaClient) EnqueueFrame(frame *domain.MediaFrame) error {
	sock, data, err := c.prepare(frame)
	if err != nil {
		return err
	}
	if err := sock.enqueue(data, c.sentHook(frame.Type)); err != nil {
		if errors.Is(err, domain.ErrQueueFull) {
			c.metrics.RecordFrameDropped(frame.Type, "queue_full")
		}
		return err
	}
	return nil
}

func (c *MediaClient) prepare(frame *domain.MediaFrame) (*socket, []byte, error) {
	if !c.IsOpen() {
		return nil, nil, domain.ErrNotOpen
	}
	data, err := encodeFrame(frame, c.SessionID())
	if err != nil {
		return nil, nil, err
	}
	return c.socket(), data, nil
}

func (c *MediaClient) sentHook(frameType domain.FrameType) func(int) {
	return func(n int) {
		c.metrics.RecordFrameSent(frameType, n)
	}
}

// encodeFrame renders a MediaFrame as its wire message.
func encodeFrame(frame *domain.MediaFrame, sessionID string) ([]byte, error) {
	ts := frame.CapturedAt.UnixMilli()
	if frame.CapturedAt.IsZero() {
		ts = utils.NowMillis()
	}

	var msg interface{}
	switch frame.Type {
	case domain.FrameVideo, domain.FrameAudio, domain.FrameTranscript:
		msg = protocol.MediaMessage{
			MsgType: mediaMessageType(frame.Type),
			Content: protocol.MediaContent{
				UserID:    frame.UserID,
				Data:      frame.Data,
				Metadata:  wireMetadata(frame.Metadata),
				Timestamp: ts,
			},
		}
	case domain.FrameDebugLog:
		msg = protocol.DebugLogMessage{
			MsgType: protocol.DebugLog,
			Content: protocol.DebugLogContent{Message: frame.Data},
		}
	case domain.FrameSessionState:
		msg = protocol.SessionStateUpdateMessage{
			MsgType:       protocol.SessionStateUpdate,
			RTMSSessionID: sessionID,
			State:         string(frame.State),
			StopReason:    string(frame.StopReason),
			Timestamp:     ts,
		}
	default:
		return nil, fmt.Errorf("%w: unknown frame type %q", domain.ErrInvalidArgument, frame.Type)
	}
	return json.Marshal(msg)
}

func mediaMessageType(t domain.FrameType) protocol.MessageType {
	switch t {
	case domain.FrameVideo:
		return protocol.MediaDataVideo
	case domain.FrameAudio:
		return protocol.MediaDataAudio
	default:
		return protocol.MediaDataTranscript
	}
}

func wireMetadata(md *domain.FrameMetadata) *protocol.MediaMetadata {
	if md == nil {
		return nil
	}
	return &protocol.MediaMetadata{
		ContentType:  md.ContentType,
		Codec:        md.Codec,
		SampleRate:   md.SampleRate,
		Channel:      md.Channels,
		DataOpt:      md.DataOpt,
		SendInterval: md.SendInterval,
		Width:        md.Width,
		Height:       md.Height,
	}
}
