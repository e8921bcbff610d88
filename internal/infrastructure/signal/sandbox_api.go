package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	apperrors "rtmsrelay/pkg/errors"
	"rtmsrelay/pkg/retry"
	"rtmsrelay/pkg/validation"

	"github.com/gin-gonic/gin"
)

const (
	eventRTMSStarted = "meeting.rtms.started"
	eventRTMSStopped = "meeting.rtms.stopped"
)

// SetupRoutes mounts the two socket endpoints and a small control API used
// to announce and end streams.
func (s *SandboxServer) SetupRoutes(router gin.IRouter) {
	router.GET(SignalingPath, func(c *gin.Context) { s.HandleSignaling(c.Writer, c.Request) })
	router.GET(MediaPath, func(c *gin.Context) { s.HandleMedia(c.Writer, c.Request) })

	router.GET("/streams", s.listStreams)
	router.GET("/streams/:key", s.getStream)
	router.POST("/streams", s.announceStream)
	router.POST("/streams/:key/terminate", s.terminateStream)
}

type AnnounceRequest struct {
	WebhookURL  string `json:"webhook_url" binding:"required"`
	MeetingUUID string `json:"meeting_uuid" binding:"required"`
	StreamID    string `json:"rtms_stream_id" binding:"required"`
}

type TerminateRequest struct {
	Reason string `json:"reason"`
	// WebhookURL, when set, also delivers a meeting.rtms.stopped notification.
	WebhookURL string `json:"webhook_url"`
}

func (s *SandboxServer) listStreams(c *gin.Context) {
	streams := s.Streams()
	sort.Slice(streams, func(i, j int) bool { return streams[i].ConnectedAt.Before(streams[j].ConnectedAt) })
	c.JSON(http.StatusOK, gin.H{"streams": streams, "total": len(streams)})
}

func (s *SandboxServer) getStream(c *gin.Context) {
	stats, ok := s.Stats(c.Param("key"))
	if !ok {
		c.Error(apperrors.NewNotFoundError("stream"))
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *SandboxServer) announceStream(c *gin.Context) {
	var req AnnounceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateURL(req.WebhookURL); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	if err := s.Announce(c.Request.Context(), req.WebhookURL, req.MeetingUUID, req.StreamID); err != nil {
		c.Error(apperrors.NewBadGatewayError(err, "webhook delivery failed"))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"key":         streamKey(req.MeetingUUID, req.StreamID),
		"server_urls": s.SignalingURL(),
	})
}

func (s *SandboxServer) terminateStream(c *gin.Context) {
	var req TerminateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(apperrors.NewInvalidInputError(err.Error()))
			return
		}
	}

	key := c.Param("key")
	stats, _ := s.Stats(key)
	if err := s.Terminate(key, req.Reason); err != nil {
		if errors.Is(err, ErrStreamNotFound) {
			c.Error(apperrors.NewNotFoundError("stream"))
			return
		}
		c.Error(apperrors.NewInternalError(err.Error()))
		return
	}

	if req.WebhookURL != "" {
		if err := s.NotifyStopped(c.Request.Context(), req.WebhookURL, stats.MeetingUUID, stats.StreamID); err != nil {
			c.Error(apperrors.NewBadGatewayError(err, "webhook delivery failed"))
			return
		}
	}
	c.Status(http.StatusNoContent)
}

// Announce delivers a meeting.rtms.started webhook pointing at this
// sandbox's signaling endpoint.
func (s *SandboxServer) Announce(ctx context.Context, webhookURL, meetingUUID, streamID string) error {
	return s.deliver(ctx, webhookURL, eventRTMSStarted, meetingUUID, streamID)
}

func (s *SandboxServer) NotifyStopped(ctx context.Context, webhookURL, meetingUUID, streamID string) error {
	return s.deliver(ctx, webhookURL, eventRTMSStopped, meetingUUID, streamID)
}

var errClientStatus = errors.New("webhook rejected")

func (s *SandboxServer) deliver(ctx context.Context, webhookURL, event, meetingUUID, streamID string) error {
	body, err := json.Marshal(map[string]interface{}{
		"event":    event,
		"clientId": s.opts.ClientID,
		"payload": map[string]interface{}{
			"object": map[string]interface{}{
				"meeting_uuid":   meetingUUID,
				"rtms_stream_id": streamID,
				"server_urls":    s.SignalingURL(),
			},
		},
	})
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	cfg := retry.DefaultConfig()
	cfg.NonRetryableErrors = []error{errClientStatus}

	status, err := retry.RetryWithResult(ctx, cfg, func() (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
		if err != nil {
			return 0, fmt.Errorf("%w: %v", errClientStatus, err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode >= 500:
			return 0, fmt.Errorf("webhook returned %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return 0, fmt.Errorf("%w: status %d", errClientStatus, resp.StatusCode)
		}
		return resp.StatusCode, nil
	})
	if err != nil {
		return err
	}

	s.logger.Infow("webhook delivered", "event", event, "meeting_uuid", meetingUUID,
		"rtms_stream_id", streamID, "status", status)
	return nil
}
