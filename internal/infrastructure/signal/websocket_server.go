package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"rtmsrelay/pkg/protocol"
	"rtmsrelay/pkg/signature"
	"rtmsrelay/pkg/utils"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	SignalingPath = "/signaling"
	MediaPath     = "/media"
)

var ErrStreamNotFound = errors.New("stream not found")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // local sandbox, any origin
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

type Options struct {
	ClientID     string
	ClientSecret string
	// PublicURL is the ws:// base advertised in handshake responses.
	PublicURL         string
	KeepAliveInterval time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	ReadLimit         int64
}

// StreamStats is what the sandbox observed for one stream.
type StreamStats struct {
	Key                string                       `json:"key"`
	MeetingUUID        string                       `json:"meeting_uuid"`
	StreamID           string                       `json:"rtms_stream_id"`
	RTMSSessionID      string                       `json:"rtms_session_id,omitempty"`
	SignalingConnected bool                         `json:"signaling_connected"`
	MediaConnected     bool                         `json:"media_connected"`
	KeepAlivesAnswered int                          `json:"keep_alives_answered"`
	Frames             map[protocol.MessageType]int `json:"frames"`
	AudioMetadata      *protocol.MediaMetadata      `json:"audio_metadata,omitempty"`
	VideoMetadata      *protocol.MediaMetadata      `json:"video_metadata,omitempty"`
	SessionState       string                       `json:"session_state,omitempty"`
	StopReason         string                       `json:"stop_reason,omitempty"`
	Malformed          int                          `json:"malformed"`
	ConnectedAt        time.Time                    `json:"connected_at"`
}

type stream struct {
	stats     StreamStats
	terminate chan string
	once      sync.Once
}

// SandboxServer plays the platform side of the RTMS protocol so the relay
// can be exercised locally. One signaling and one media socket per stream.
type SandboxServer struct {
	opts Options

	streams map[string]*stream
	mu      sync.RWMutex

	logger *zap.SugaredLogger
}

func NewSandboxServer(opts Options, logger *zap.SugaredLogger) *SandboxServer {
	if opts.KeepAliveInterval <= 0 {
		opts.KeepAliveInterval = 15 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 4 << 20
	}
	opts.PublicURL = strings.TrimRight(opts.PublicURL, "/")

	return &SandboxServer{
		opts:    opts,
		streams: make(map[string]*stream),
		logger:  logger,
	}
}

// SignalingURL is the URL a webhook should advertise in server_urls.
func (s *SandboxServer) SignalingURL() string {
	return s.opts.PublicURL + SignalingPath
}

func (s *SandboxServer) MediaURL() string {
	return s.opts.PublicURL + MediaPath
}

func streamKey(meetingUUID, streamID string) string {
	return meetingUUID + streamID
}

func (s *SandboxServer) HandleSignaling(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "path", SignalingPath, "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.opts.ReadLimit)

	req, ok := s.readHandshake(conn, protocol.SignalingHandshakeReq)
	if !ok {
		return
	}
	if !s.verify(req) {
		s.rejectHandshake(conn, protocol.SignalingHandshakeResp, req)
		return
	}

	key := streamKey(req.MeetingUUID, req.RTMSStreamID)
	st := s.attach(key, req, func(stats *StreamStats) { stats.SignalingConnected = true })
	defer s.detach(key, func(stats *StreamStats) { stats.SignalingConnected = false })

	resp := protocol.HandshakeResponse{
		MsgType:    protocol.SignalingHandshakeResp,
		StatusCode: protocol.StatusOK,
		MediaServer: &protocol.MediaServer{
			ServerURLs: protocol.MediaServerURLs{All: s.MediaURL()},
		},
	}
	if err := s.write(conn, resp); err != nil {
		s.logger.Infow("error sending signaling handshake response", "key", key, "error", err)
		return
	}
	s.logger.Infow("signaling connected", "meeting_uuid", req.MeetingUUID, "rtms_stream_id", req.RTMSStreamID)

	s.serve(conn, key, st.terminate, func(data []byte) { s.handleSignaling(conn, key, data) })
	s.logger.Infow("signaling disconnected", "key", key)
}

func (s *SandboxServer) HandleMedia(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "path", MediaPath, "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.opts.ReadLimit)

	req, ok := s.readHandshake(conn, protocol.DataHandshakeReq)
	if !ok {
		return
	}
	if !s.verify(req) {
		s.rejectHandshake(conn, protocol.DataHandshakeResp, req)
		return
	}

	key := streamKey(req.MeetingUUID, req.RTMSStreamID)
	sessionID := uuid.NewString()
	s.attach(key, req, func(stats *StreamStats) {
		stats.MediaConnected = true
		stats.RTMSSessionID = sessionID
	})
	defer s.detach(key, func(stats *StreamStats) { stats.MediaConnected = false })

	resp := protocol.HandshakeResponse{
		MsgType:       protocol.DataHandshakeResp,
		StatusCode:    protocol.StatusOK,
		RTMSSessionID: sessionID,
	}
	if err := s.write(conn, resp); err != nil {
		s.logger.Infow("error sending media handshake response", "key", key, "error", err)
		return
	}
	s.logger.Infow("media connected", "key", key, "rtms_session_id", sessionID)

	s.serve(conn, key, nil, func(data []byte) { s.handleMedia(conn, key, data) })
	s.logger.Infow("media disconnected", "key", key)
}

func (s *SandboxServer) readHandshake(conn *websocket.Conn, want protocol.MessageType) (*protocol.HandshakeRequest, bool) {
	conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		s.logger.Infow("no handshake received", "expected", want, "error", err)
		return nil, false
	}

	var req protocol.HandshakeRequest
	if err := json.Unmarshal(data, &req); err != nil || req.MsgType != want {
		s.logger.Warnw("unexpected first message", "expected", want, "data", utils.TruncateString(string(data), 128))
		return nil, false
	}
	return &req, true
}

func (s *SandboxServer) verify(req *protocol.HandshakeRequest) bool {
	return signature.Verify(s.opts.ClientID, req.MeetingUUID, req.RTMSStreamID, s.opts.ClientSecret, req.Signature)
}

func (s *SandboxServer) rejectHandshake(conn *websocket.Conn, kind protocol.MessageType, req *protocol.HandshakeRequest) {
	s.logger.Warnw("handshake signature mismatch",
		"kind", kind,
		"meeting_uuid", req.MeetingUUID,
		"rtms_stream_id", req.RTMSStreamID,
	)
	_ = s.write(conn, protocol.HandshakeResponse{
		MsgType:    kind,
		StatusCode: protocol.StatusInvalidSignature,
		Reason:     "invalid signature",
	})
}

// serve runs the per-connection loop: reads arrive from a reader goroutine,
// keep-alives and termination are written from here only.
func (s *SandboxServer) serve(conn *websocket.Conn, key string, terminate <-chan string, handle func([]byte)) {
	conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))

	keepAliveTicker := time.NewTicker(s.opts.KeepAliveInterval)
	defer keepAliveTicker.Stop()

	messageChan := make(chan []byte, 16)
	errorChan := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
			select {
			case messageChan <- data:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case data := <-messageChan:
			handle(data)

		case <-keepAliveTicker.C:
			req := protocol.KeepAlive{MsgType: protocol.KeepAliveReq, Timestamp: utils.NowMillis()}
			if err := s.write(conn, req); err != nil {
				s.logger.Infow("error sending keep-alive", "key", key, "error", err)
				return
			}

		case reason := <-terminate:
			update := protocol.StreamStateUpdateMessage{
				MsgType: protocol.StreamStateUpdate,
				State:   protocol.StreamStateTerminated,
				Reason:  reason,
			}
			if err := s.write(conn, update); err != nil {
				s.logger.Infow("error sending termination", "key", key, "error", err)
				return
			}
			conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream terminated"))
			s.logger.Infow("stream terminated", "key", key, "reason", reason)
			return

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Infow("error reading message", "key", key, "error", err)
			}
			return
		}
	}
}

func (s *SandboxServer) handleSignaling(conn *websocket.Conn, key string, data []byte) {
	msgType, err := protocol.PeekType(data)
	if err != nil {
		s.update(key, func(stats *StreamStats) { stats.Malformed++ })
		return
	}

	switch msgType {
	case protocol.KeepAliveResp:
		s.update(key, func(stats *StreamStats) { stats.KeepAlivesAnswered++ })
	case protocol.KeepAliveReq:
		s.replyKeepAlive(conn, key)
	default:
		s.logger.Debugw("ignoring signaling message", "key", key, "msg_type", msgType)
	}
}

func (s *SandboxServer) handleMedia(conn *websocket.Conn, key string, data []byte) {
	msgType, err := protocol.PeekType(data)
	if err != nil {
		s.update(key, func(stats *StreamStats) { stats.Malformed++ })
		return
	}

	switch msgType {
	case protocol.KeepAliveResp:
		s.update(key, func(stats *StreamStats) { stats.KeepAlivesAnswered++ })

	case protocol.KeepAliveReq:
		s.replyKeepAlive(conn, key)

	case protocol.MediaDataAudio, protocol.MediaDataVideo, protocol.MediaDataTranscript:
		var msg protocol.MediaMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.update(key, func(stats *StreamStats) { stats.Malformed++ })
			return
		}
		s.update(key, func(stats *StreamStats) {
			stats.Frames[msgType]++
			switch {
			case msgType == protocol.MediaDataAudio && stats.AudioMetadata == nil:
				stats.AudioMetadata = msg.Content.Metadata
			case msgType == protocol.MediaDataVideo && stats.VideoMetadata == nil:
				stats.VideoMetadata = msg.Content.Metadata
			}
		})

	case protocol.SessionStateUpdate:
		var msg protocol.SessionStateUpdateMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.update(key, func(stats *StreamStats) { stats.Malformed++ })
			return
		}
		s.update(key, func(stats *StreamStats) {
			stats.Frames[msgType]++
			stats.SessionState = msg.State
			stats.StopReason = msg.StopReason
		})
		s.logger.Infow("session state reported", "key", key, "state", msg.State, "stop_reason", msg.StopReason)

	case protocol.DebugLog:
		var msg protocol.DebugLogMessage
		if err := json.Unmarshal(data, &msg); err == nil {
			s.logger.Infow("client debug log", "key", key, "message", msg.Content.Message)
		}
		s.update(key, func(stats *StreamStats) { stats.Frames[msgType]++ })

	default:
		s.logger.Debugw("ignoring media message", "key", key, "msg_type", msgType)
	}
}

func (s *SandboxServer) replyKeepAlive(conn *websocket.Conn, key string) {
	resp := protocol.KeepAlive{MsgType: protocol.KeepAliveResp, Timestamp: utils.NowMillis()}
	if err := s.write(conn, resp); err != nil {
		s.logger.Infow("error answering keep-alive", "key", key, "error", err)
	}
}

func (s *SandboxServer) write(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	return conn.WriteJSON(v)
}

func (s *SandboxServer) attach(key string, req *protocol.HandshakeRequest, fn func(*StreamStats)) *stream {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, exists := s.streams[key]
	if !exists || (!st.stats.SignalingConnected && !st.stats.MediaConnected) {
		st = &stream{
			stats: StreamStats{
				Key:         key,
				MeetingUUID: req.MeetingUUID,
				StreamID:    req.RTMSStreamID,
				Frames:      make(map[protocol.MessageType]int),
				ConnectedAt: time.Now(),
			},
			terminate: make(chan string, 1),
		}
		s.streams[key] = st
	}
	fn(&st.stats)
	return st
}

func (s *SandboxServer) detach(key string, fn func(*StreamStats)) {
	s.update(key, fn)
}

func (s *SandboxServer) update(key string, fn func(*StreamStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[key]; ok {
		fn(&st.stats)
	}
}

// Terminate ends a stream the way the platform does: a TERMINATED state
// update on its signaling socket, then close.
func (s *SandboxServer) Terminate(key, reason string) error {
	s.mu.RLock()
	st, ok := s.streams[key]
	connected := ok && st.stats.SignalingConnected
	s.mu.RUnlock()
	if !connected {
		return fmt.Errorf("%w: %s", ErrStreamNotFound, key)
	}

	st.once.Do(func() { st.terminate <- reason })
	return nil
}

func (s *SandboxServer) Stats(key string) (StreamStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.streams[key]
	if !ok {
		return StreamStats{}, false
	}
	return copyStats(st.stats), true
}

func (s *SandboxServer) Streams() []StreamStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]StreamStats, 0, len(s.streams))
	for _, st := range s.streams {
		out = append(out, copyStats(st.stats))
	}
	return out
}

func copyStats(in StreamStats) StreamStats {
	out := in
	out.Frames = make(map[protocol.MessageType]int, len(in.Frames))
	for k, v := range in.Frames {
		out.Frames[k] = v
	}
	if in.AudioMetadata != nil {
		m := *in.AudioMetadata
		out.AudioMetadata = &m
	}
	if in.VideoMetadata != nil {
		m := *in.VideoMetadata
		out.VideoMetadata = &m
	}
	return out
}
