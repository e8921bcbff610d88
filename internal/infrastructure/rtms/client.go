package rtms

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"rtmsrelay/internal/core/domain"
	"rtmsrelay/internal/core/ports"
	"rtmsrelay/pkg/config"
	"rtmsrelay/pkg/protocol"
	"rtmsrelay/pkg/signature"
	"rtmsrelay/pkg/tracing"
	"rtmsrelay/pkg/utils"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Options tunes both client kinds.
type Options struct {
	ClientSecret string
	// InsecureSkipVerify disables TLS certificate checks; only for sandbox endpoints.
	InsecureSkipVerify bool
	DialTimeout        time.Duration
	HandshakeTimeout   time.Duration
	KeepAliveTimeout   time.Duration
	WriteTimeout       time.Duration
	SendQueueSize      int
	ReadLimit          int64
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ClientSecret:       cfg.RTMS.ClientSecret,
		InsecureSkipVerify: cfg.RTMS.InsecureSkipVerify,
		DialTimeout:        cfg.RTMS.HandshakeTimeout,
		HandshakeTimeout:   cfg.RTMS.HandshakeTimeout,
		KeepAliveTimeout:   cfg.RTMS.KeepAliveTimeout,
		WriteTimeout:       cfg.RTMS.WriteTimeout,
		SendQueueSize:      cfg.RTMS.SendQueueSize,
		ReadLimit:          cfg.RTMS.ReadLimitBytes,
	}
}

type dialFunc func(ctx context.Context, url string) (wireConn, error)

func websocketDialer(opts Options) dialFunc {
	dialer := websocket.Dialer{
		HandshakeTimeout: opts.DialTimeout,
	}
	if opts.InsecureSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return func(ctx context.Context, url string) (wireConn, error) {
		conn, _, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// protocolHandler supplies the parts that differ between signaling and media.
type protocolHandler interface {
	handshakeRequest(sig string) protocol.HandshakeRequest
	handshakeResponseType() protocol.MessageType
	// handleHandshake returns an error to terminate the connection.
	handleHandshake(ctx context.Context, data []byte) error
	// activated runs once the connection has entered ACTIVE.
	activated(ctx context.Context)
	handleMessage(ctx context.Context, msgType protocol.MessageType, data []byte)
	teardown()
}

// baseClient runs the INIT -> HANDSHAKING -> ACTIVE -> TERMINATED machine
// on a single goroutine over one socket.
type baseClient struct {
	kind     domain.ConnectionKind
	identity domain.SessionIdentity
	url      string
	opts     Options
	dial     dialFunc

	registry ports.ConnectionRegistry
	metrics  ports.MetricsRecorder
	status   ports.StatusSink
	logger   *zap.SugaredLogger

	mu    sync.RWMutex
	state domain.SessionState
	sock  *socket

	closeReq  chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func newBaseClient(
	kind domain.ConnectionKind,
	identity domain.SessionIdentity,
	url string,
	opts Options,
	deps Dependencies,
) *baseClient {
	dial := deps.dial
	if dial == nil {
		dial = websocketDialer(opts)
	}
	return &baseClient{
		kind:     kind,
		identity: identity,
		url:      url,
		opts:     opts,
		dial:     dial,
		registry: deps.Registry,
		metrics:  deps.Metrics,
		status:   deps.Status,
		logger: deps.Logger.With(
			"kind", kind,
			"meeting_uuid", identity.MeetingUUID,
			"rtms_stream_id", identity.StreamID,
		),
		state:    domain.StateInit,
		closeReq: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (c *baseClient) key() string {
	return c.identity.Key(c.kind)
}

func (c *baseClient) State() domain.SessionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *baseClient) Done() <-chan struct{} {
	return c.done
}

// Close requests termination; Run performs it.
func (c *baseClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.closeReq)
	})
	return nil
}

func (c *baseClient) socket() *socket {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sock
}

func (c *baseClient) transition(to domain.SessionState) {
	c.mu.Lock()
	from := c.state
	if !domain.CanTransition(from, to) {
		c.mu.Unlock()
		return
	}
	c.state = to
	c.mu.Unlock()

	c.logger.Infow("connection state changed", "from", from, "to", to)
	c.publish(domain.StatusInfo, fmt.Sprintf("%s connection %s", c.kind, to), map[string]interface{}{
		"from": from,
		"to":   to,
	})
}

func (c *baseClient) publish(level domain.StatusLevel, msg string, details map[string]interface{}) {
	if c.status == nil {
		return
	}
	c.status.Publish(domain.StatusEvent{
		SessionKey: c.identity.SignalingKey(),
		Source:     string(c.kind),
		Level:      level,
		Message:    msg,
		Details:    details,
		Timestamp:  time.Now(),
	})
}

func (c *baseClient) run(ctx context.Context, h protocolHandler) (err error) {
	defer close(c.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.closeReq:
			cancel()
		case <-ctx.Done():
		}
	}()

	hsCtx, span := tracing.TraceHandshake(ctx, string(c.kind), c.identity.MeetingUUID, c.identity.StreamID)
	spanOpen := true
	endSpan := func(err error) {
		if !spanOpen {
			return
		}
		spanOpen = false
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
	defer func() { endSpan(err) }()

	sig, err := signature.Sign(c.identity.ClientID, c.identity.MeetingUUID, c.identity.StreamID, c.opts.ClientSecret)
	if err != nil {
		c.transition(domain.StateTerminated)
		return err
	}

	conn, err := c.dial(hsCtx, c.url)
	if err != nil {
		c.transition(domain.StateTerminated)
		if ctx.Err() != nil {
			return nil
		}
		c.publish(domain.StatusError, fmt.Sprintf("%s connection failed", c.kind), map[string]interface{}{"error": err.Error()})
		return fmt.Errorf("%w: dial %s: %v", domain.ErrTransport, c.url, err)
	}

	sock := newSocket(conn, socketOptions{
		queueSize:    c.opts.SendQueueSize,
		writeTimeout: c.opts.WriteTimeout,
		readTimeout:  c.opts.KeepAliveTimeout,
		readLimit:    c.opts.ReadLimit,
	}, c.logger)
	c.mu.Lock()
	c.sock = sock
	c.mu.Unlock()
	sock.start()

	c.registry.Put(c.key(), c.kind, c)
	c.logger.Infow("connection opened", "url", c.url)

	defer func() {
		c.transition(domain.StateTerminated)
		h.teardown()
		sock.close()
		sock.wait()
		c.registry.CompareAndRemove(c.key(), c)
		if err != nil {
			c.logger.Warnw("connection terminated", "error", err)
			c.publish(domain.StatusError, fmt.Sprintf("%s connection terminated", c.kind), map[string]interface{}{"error": err.Error()})
		} else {
			c.logger.Infow("connection closed")
		}
	}()

	req, err := json.Marshal(h.handshakeRequest(sig))
	if err != nil {
		return fmt.Errorf("marshal handshake: %w", err)
	}
	if err := sock.sendPriority(req); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}
	c.transition(domain.StateHandshaking)

	timer := time.NewTimer(c.opts.HandshakeTimeout)
	defer timer.Stop()
	handshakeDeadline := timer.C

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-sock.errs:
			return err

		case <-handshakeDeadline:
			c.metrics.RecordHandshake(c.kind, false)
			return fmt.Errorf("%w: no %s within %s", domain.ErrHandshakeTimeout, h.handshakeResponseType(), c.opts.HandshakeTimeout)

		case data := <-sock.inbound:
			msgType, perr := protocol.PeekType(data)
			if perr != nil {
				c.metrics.RecordMalformed(c.kind)
				c.logger.Warnw("ignoring malformed message", "error", fmt.Errorf("%w: %v", domain.ErrMalformedMessage, perr), "payload", utils.TruncateString(string(data), 256))
				continue
			}

			switch {
			case msgType == protocol.KeepAliveReq:
				c.replyKeepAlive(sock)

			case msgType == h.handshakeResponseType() && c.State() == domain.StateHandshaking:
				if err := h.handleHandshake(hsCtx, data); err != nil {
					c.metrics.RecordHandshake(c.kind, false)
					return err
				}
				c.metrics.RecordHandshake(c.kind, true)
				handshakeDeadline = nil
				timer.Stop()
				endSpan(nil)
				c.transition(domain.StateActive)
				h.activated(hsCtx)

			case msgType == protocol.StreamStateUpdate:
				if c.handleStreamState(data) {
					return nil
				}

			default:
				h.handleMessage(ctx, msgType, data)
			}
		}
	}
}

// replyKeepAlive answers on the priority path so the reply never waits
// behind queued media.
func (c *baseClient) replyKeepAlive(sock *socket) {
	resp, _ := json.Marshal(protocol.KeepAlive{
		MsgType:   protocol.KeepAliveResp,
		Timestamp: utils.NowMillis(),
	})
	if err := sock.sendPriority(resp); err != nil {
		c.logger.Warnw("failed to queue keep-alive response", "error", err)
		return
	}
	c.metrics.RecordKeepAlive(c.kind)
}

// handleStreamState reports whether the remote terminated the stream.
func (c *baseClient) handleStreamState(data []byte) bool {
	var msg protocol.StreamStateUpdateMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.metrics.RecordMalformed(c.kind)
		c.logger.Warnw("ignoring malformed stream state update", "error", err)
		return false
	}
	c.logger.Infow("stream state update", "state", msg.State, "reason", msg.Reason)
	if msg.State == protocol.StreamStateTerminated {
		c.publish(domain.StatusInfo, "stream terminated by remote", map[string]interface{}{"reason": msg.Reason})
		return true
	}
	return false
}

// decodeHandshake parses a handshake response and maps a non-OK status to
// ErrSignatureMismatch.
func decodeHandshake(data []byte) (*protocol.HandshakeResponse, error) {
	var resp protocol.HandshakeResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: handshake response: %v", domain.ErrMalformedMessage, err)
	}
	if resp.StatusCode != protocol.StatusOK {
		return nil, fmt.Errorf("%w: status_code=%d reason=%q", domain.ErrSignatureMismatch, resp.StatusCode, resp.Reason)
	}
	return &resp, nil
}
