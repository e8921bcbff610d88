package http

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"rtmsrelay/internal/core/domain"

	"github.com/gin-gonic/gin"
)

const sseHeartbeat = 15 * time.Second

// StatusFeed is the subscription side of the status hub.
type StatusFeed interface {
	Subscribe() (<-chan domain.StatusEvent, []domain.StatusEvent, func())
	Recent(n int) []domain.StatusEvent
}

// StatusHandler streams status events to the display collaborator.
type StatusHandler struct {
	feed      StatusFeed
	heartbeat time.Duration
}

func NewStatusHandler(feed StatusFeed) *StatusHandler {
	return &StatusHandler{feed: feed, heartbeat: sseHeartbeat}
}

func (h *StatusHandler) SetupRoutes(read gin.IRoutes) {
	read.GET("/events", h.Stream)
	read.GET("/events/recent", h.Recent)
}

// Stream serves Server-Sent Events. ?history=N first replays up to N retained
// events; ?session=KEY filters to one session.
func (h *StatusHandler) Stream(c *gin.Context) {
	replay, _ := strconv.Atoi(c.Query("history"))
	session := c.Query("session")

	events, history, cancel := h.feed.Subscribe()
	defer cancel()

	if replay > 0 && replay < len(history) {
		history = history[len(history)-replay:]
	} else if replay <= 0 {
		history = nil
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	for _, e := range history {
		if matchesSession(e, session) {
			c.SSEvent("status", e)
		}
	}
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case e, ok := <-events:
			if !ok {
				return false
			}
			if matchesSession(e, session) {
				c.SSEvent("status", e)
			}
			return true
		case <-ticker.C:
			c.SSEvent("ping", gin.H{"time": time.Now().UTC()})
			return true
		}
	})
}

func (h *StatusHandler) Recent(c *gin.Context) {
	n, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	session := c.Query("session")

	recent := h.feed.Recent(n)
	out := make([]domain.StatusEvent, 0, len(recent))
	for _, e := range recent {
		if matchesSession(e, session) {
			out = append(out, e)
		}
	}
	c.JSON(http.StatusOK, gin.H{"events": out})
}

func matchesSession(e domain.StatusEvent, session string) bool {
	return session == "" || e.SessionKey == session
}
