package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"rtmsrelay/internal/core/domain"
	"rtmsrelay/internal/core/ports"
	apperrors "rtmsrelay/pkg/errors"
	"rtmsrelay/pkg/logger"
	"rtmsrelay/pkg/signature"
	"rtmsrelay/pkg/tracing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	EventURLValidation = "endpoint.url_validation"
	EventRTMSStarted   = "meeting.rtms.started"
	EventRTMSStopped   = "meeting.rtms.stopped"

	maxWebhookBody      = 1 << 20
	defaultStartTimeout = 30 * time.Second
)

type webhookBody struct {
	Event    string          `json:"event"`
	ClientID string          `json:"clientId"`
	Payload  json.RawMessage `json:"payload"`
}

// webhookPayload covers both the validation challenge and the nested
// stream notification.
type webhookPayload struct {
	PlainToken string          `json:"plainToken"`
	Event      string          `json:"event"`
	Payload    json.RawMessage `json:"payload"`
	Object     *streamObject   `json:"object"`
}

type streamObject struct {
	MeetingUUID string     `json:"meeting_uuid"`
	StreamID    string     `json:"rtms_stream_id"`
	ServerURLs  serverURLs `json:"server_urls"`
}

// serverURLs accepts a single URL or a list of URLs.
type serverURLs []string

func (s *serverURLs) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if one != "" {
			*s = serverURLs{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

func (s serverURLs) first() string {
	for _, u := range s {
		if u = strings.TrimSpace(u); u != "" {
			return u
		}
	}
	return ""
}

// WebhookHandler is the single inbound endpoint of the platform. Every
// syntactically valid body is acknowledged with 200; starting a stream is
// fire-and-forget.
type WebhookHandler struct {
	relay           ports.RelayService
	secret          string
	defaultClientID string
	metrics         ports.MetricsRecorder
	logger          *logger.ContextLogger
	startTimeout    time.Duration

	wg sync.WaitGroup
}

func NewWebhookHandler(
	relay ports.RelayService,
	secret string,
	defaultClientID string,
	metrics ports.MetricsRecorder,
	log *zap.SugaredLogger,
) *WebhookHandler {
	return &WebhookHandler{
		relay:           relay,
		secret:          secret,
		defaultClientID: defaultClientID,
		metrics:         metrics,
		logger:          logger.NewContextLogger(log),
		startTimeout:    defaultStartTimeout,
	}
}

func (h *WebhookHandler) SetupRoutes(router gin.IRouter, path string) {
	router.POST(path, h.Handle)
}

func (h *WebhookHandler) Handle(c *gin.Context) {
	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil || !json.Valid(raw) {
		h.logger.WithContext(c.Request.Context()).Warnw("malformed webhook body", "error", err, "size", len(raw))
		if h.metrics != nil {
			h.metrics.RecordWebhook("malformed", http.StatusBadRequest)
		}
		abortWithError(c, apperrors.NewMalformedPayloadError("malformed JSON body"))
		return
	}

	// valid JSON of an unexpected shape is acknowledged as a no-op
	var body webhookBody
	_ = json.Unmarshal(raw, &body)
	var payload webhookPayload
	if len(body.Payload) > 0 {
		_ = json.Unmarshal(body.Payload, &payload)
	}

	event := body.Event
	if payload.Event != "" {
		event = payload.Event
	}

	ctx, span := tracing.TraceWebhook(c.Request.Context(), event)
	defer span.End()

	switch {
	case body.Event == EventURLValidation && payload.PlainToken != "":
		h.respond(c, EventURLValidation, http.StatusOK, gin.H{
			"plainToken":     payload.PlainToken,
			"encryptedToken": signature.HMAC(h.secret, payload.PlainToken),
		})
		return

	case event == EventRTMSStarted:
		if identity, url, ok := h.streamFrom(ctx, body, payload); ok {
			span.SetAttributes(
				attribute.String("rtms.meeting_uuid", identity.MeetingUUID),
				attribute.String("rtms.stream_id", identity.StreamID),
			)
			h.startAsync(logger.WithSessionKey(ctx, identity.SignalingKey()), identity, url)
		}

	case event == EventRTMSStopped:
		if identity, _, ok := h.streamFrom(ctx, body, payload); ok {
			h.stopAsync(logger.WithSessionKey(ctx, identity.SignalingKey()), identity)
		}

	default:
		h.logger.WithContext(ctx).Debugw("ignoring webhook event", "event", event)
	}

	h.respond(c, event, http.StatusOK, nil)
}

func (h *WebhookHandler) respond(c *gin.Context, event string, status int, body gin.H) {
	if h.metrics != nil {
		h.metrics.RecordWebhook(eventLabel(event), status)
	}
	if body == nil {
		c.Status(status)
		return
	}
	c.JSON(status, body)
}

// eventLabel keeps metric cardinality bounded.
func eventLabel(event string) string {
	switch event {
	case EventURLValidation, EventRTMSStarted, EventRTMSStopped, "malformed":
		return event
	default:
		return "other"
	}
}

// streamFrom locates the stream object: nested under payload.payload.object
// in the relayed shape, or directly under payload.object.
func (h *WebhookHandler) streamFrom(ctx context.Context, body webhookBody, payload webhookPayload) (domain.SessionIdentity, string, bool) {
	obj := payload.Object
	if len(payload.Payload) > 0 {
		var inner webhookPayload
		if err := json.Unmarshal(payload.Payload, &inner); err == nil && inner.Object != nil {
			obj = inner.Object
		}
	}
	if obj == nil {
		h.logger.WithContext(ctx).Warnw("stream notification without object", "event", body.Event)
		return domain.SessionIdentity{}, "", false
	}

	clientID := body.ClientID
	if clientID == "" {
		clientID = h.defaultClientID
	}

	return domain.SessionIdentity{
		ClientID:    clientID,
		MeetingUUID: obj.MeetingUUID,
		StreamID:    obj.StreamID,
	}, obj.ServerURLs.first(), true
}

func (h *WebhookHandler) startAsync(ctx context.Context, identity domain.SessionIdentity, url string) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		startCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.startTimeout)
		defer cancel()

		if _, err := h.relay.Start(startCtx, identity, url); err != nil {
			h.logger.WithContext(ctx).Warnw("failed to start relay session",
				"meeting_uuid", identity.MeetingUUID,
				"rtms_stream_id", identity.StreamID,
				"error", err,
			)
		}
	}()
}

func (h *WebhookHandler) stopAsync(ctx context.Context, identity domain.SessionIdentity) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.startTimeout)
		defer cancel()

		err := h.relay.Stop(stopCtx, identity.SignalingKey(), domain.StopReasonMeetingEnded)
		if err != nil {
			h.logger.WithContext(ctx).Infow("stop notification for unknown session",
				"meeting_uuid", identity.MeetingUUID,
				"rtms_stream_id", identity.StreamID,
				"error", err,
			)
		}
	}()
}

// Wait blocks until every start/stop kicked off by a webhook has returned.
func (h *WebhookHandler) Wait() {
	h.wg.Wait()
}
