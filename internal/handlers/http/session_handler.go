package http

import (
	"net/http"
	"strings"

	"rtmsrelay/internal/core/domain"
	"rtmsrelay/internal/core/ports"
	"rtmsrelay/pkg/errors"
	"rtmsrelay/pkg/logger"

	"github.com/gin-gonic/gin"
)

// SessionHandler is the operator control API over running relay sessions.
type SessionHandler struct {
	relay           ports.RelayService
	defaultClientID string
}

func NewSessionHandler(relay ports.RelayService, defaultClientID string) *SessionHandler {
	return &SessionHandler{
		relay:           relay,
		defaultClientID: defaultClientID,
	}
}

// SetupRoutes registers reads on read and mutations on write; callers attach
// their auth middleware to each group.
func (h *SessionHandler) SetupRoutes(read, write gin.IRoutes) {
	read.GET("/sessions", h.ListSessions)
	read.GET("/sessions/:key", h.GetSession)

	write.POST("/sessions", h.StartSession)
	write.DELETE("/sessions/:key", h.StopSession)
	write.POST("/sessions/:key/streaming", h.SetStreaming)
	write.POST("/sessions/:key/transcript", h.SendTranscript)
}

type StartSessionRequest struct {
	ClientID    string     `json:"client_id"`
	MeetingUUID string     `json:"meeting_uuid" binding:"required"`
	StreamID    string     `json:"rtms_stream_id" binding:"required"`
	ServerURLs  serverURLs `json:"server_urls" binding:"required"`
}

type StopSessionRequest struct {
	Reason domain.StopReason `json:"reason"`
}

type StreamingRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type TranscriptRequest struct {
	UserID int    `json:"user_id"`
	Text   string `json:"text" binding:"required,max=4096"`
}

func (h *SessionHandler) StartSession(c *gin.Context) {
	var req StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	clientID := strings.TrimSpace(req.ClientID)
	if clientID == "" {
		clientID = h.defaultClientID
	}
	identity := domain.SessionIdentity{
		ClientID:    clientID,
		MeetingUUID: strings.TrimSpace(req.MeetingUUID),
		StreamID:    strings.TrimSpace(req.StreamID),
	}
	c.Request = c.Request.WithContext(logger.WithSessionKey(c.Request.Context(), identity.SignalingKey()))

	info, err := h.relay.Start(c.Request.Context(), identity, req.ServerURLs.first())
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, info)
}

func (h *SessionHandler) ListSessions(c *gin.Context) {
	sessions := h.relay.List()
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	info, err := h.relay.Get(c.Param("key"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *SessionHandler) StopSession(c *gin.Context) {
	var req StopSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(errors.NewInvalidInputError("invalid request format"))
			return
		}
	}

	switch req.Reason {
	case domain.StopReasonNone, domain.StopReasonUserRequested, domain.StopReasonMeetingEnded,
		domain.StopReasonConnectionLost, domain.StopReasonShutdown:
	default:
		c.Error(errors.NewInvalidInputError("unknown stop reason").WithContext("reason", req.Reason))
		return
	}

	if err := h.relay.Stop(c.Request.Context(), c.Param("key"), req.Reason); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) SetStreaming(c *gin.Context) {
	var req StreamingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("enabled is required"))
		return
	}

	key := c.Param("key")
	if err := h.relay.SetStreaming(c.Request.Context(), key, *req.Enabled); err != nil {
		abortWithError(c, err)
		return
	}

	info, err := h.relay.Get(key)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *SessionHandler) SendTranscript(c *gin.Context) {
	var req TranscriptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("text is required"))
		return
	}

	if err := h.relay.SendTranscript(c.Request.Context(), c.Param("key"), req.UserID, req.Text); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}
