package rtms

import (
	"context"
	"fmt"

	"rtmsrelay/internal/core/domain"
	"rtmsrelay/internal/core/ports"
	"rtmsrelay/pkg/protocol"
	"rtmsrelay/pkg/validation"
)

// SignalingClient negotiates the media endpoint for one session.
type SignalingClient struct {
	*baseClient
	launch ports.MediaLauncher
}

func NewSignalingClient(
	identity domain.SessionIdentity,
	url string,
	launch ports.MediaLauncher,
	opts Options,
	deps Dependencies,
) *SignalingClient {
	return &SignalingClient{
		baseClient: newBaseClient(domain.ConnectionSignaling, identity, url, opts, deps),
		launch:     launch,
	}
}

var _ ports.SessionClient = (*SignalingClient)(nil)

func (c *SignalingClient) Run(ctx context.Context) error {
	return c.run(ctx, c)
}

func (c *SignalingClient) handshakeRequest(sig string) protocol.HandshakeRequest {
	return protocol.HandshakeRequest{
		MsgType:         protocol.SignalingHandshakeReq,
		ProtocolVersion: protocol.ProtocolVersion,
		MeetingUUID:     c.identity.MeetingUUID,
		RTMSStreamID:    c.identity.StreamID,
		Signature:       sig,
	}
}

func (c *SignalingClient) handshakeResponseType() protocol.MessageType {
	return protocol.SignalingHandshakeResp
}

func (c *SignalingClient) handleHandshake(ctx context.Context, data []byte) error {
	resp, err := decodeHandshake(data)
	if err != nil {
		return err
	}

	mediaURL := mediaURLFrom(resp)
	if mediaURL == "" {
		return fmt.Errorf("%w: handshake response has no media server url", domain.ErrMalformedMessage)
	}
	mediaURL, err = validation.NormalizeWebSocketURL(mediaURL)
	if err != nil {
		return fmt.Errorf("%w: media server url: %v", domain.ErrMalformedMessage, err)
	}

	c.logger.Infow("signaling handshake accepted", "media_url", mediaURL)
	if c.launch == nil {
		return nil
	}
	if err := c.launch(ctx, mediaURL); err != nil {
		return fmt.Errorf("launch media connection: %w", err)
	}
	return nil
}

func (c *SignalingClient) activated(ctx context.Context) {}

func (c *SignalingClient) handleMessage(ctx context.Context, msgType protocol.MessageType, data []byte) {
	c.logger.Debugw("ignoring signaling message", "msg_type", msgType)
}

func (c *SignalingClient) teardown() {}

// mediaURLFrom prefers the combined endpoint and falls back to the
// per-type ones.
func mediaURLFrom(resp *protocol.HandshakeResponse) string {
	if resp.MediaServer == nil {
		return ""
	}
	urls := resp.MediaServer.ServerURLs
	for _, u := range []string{urls.All, urls.Audio, urls.Video, urls.Transcript} {
		if u != "" {
			return u
		}
	}
	return ""
}
